package model

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

const (
	// MaxSeqNum is the largest per-millisecond counter value of a CSN
	MaxSeqNum = math.MaxUint16

	// CSNKeyLength is the length of the textual key form of a CSN:
	// 16 hex digits timestamp, 4 hex digits seqnum, 8 hex digits replica id.
	CSNKeyLength = 16 + 4 + 8

	// CSNBinaryLength is the length of the big-endian binary form of a CSN
	CSNBinaryLength = 8 + 2 + 4
)

// CSN is a Change Sequence Number: a logical timestamp that totally orders
// updates within and across replicas. Ordering is by timestamp, then
// seqnum, then replica id.
//
// The zero value is the "null" CSN.
type CSN struct {
	Timestamp uint64 // wall clock millis
	SeqNum    uint16
	ReplicaID int32
}

// NewCSN creates a CSN
func NewCSN(timestamp uint64, seqNum uint16, replicaID int32) CSN {
	return CSN{Timestamp: timestamp, SeqNum: seqNum, ReplicaID: replicaID}
}

// IsZero reports whether c is the null CSN
func (c CSN) IsZero() bool {
	return c == CSN{}
}

// Compare returns -1, 0 or 1 when c is older than, equal to or newer than o
func (c CSN) Compare(o CSN) int {
	switch {
	case c.Timestamp < o.Timestamp:
		return -1
	case c.Timestamp > o.Timestamp:
		return 1
	case c.SeqNum < o.SeqNum:
		return -1
	case c.SeqNum > o.SeqNum:
		return 1
	case c.ReplicaID < o.ReplicaID:
		return -1
	case c.ReplicaID > o.ReplicaID:
		return 1
	}
	return 0
}

// IsOlderThan reports whether c sorts strictly before o
func (c CSN) IsOlderThan(o CSN) bool {
	return c.Compare(o) < 0
}

// IsNewerThan reports whether c sorts strictly after o
func (c CSN) IsNewerThan(o CSN) bool {
	return c.Compare(o) > 0
}

// Preceding returns the CSN immediately before c for the same replica.
// The preceding CSN of the null CSN, and of the very first CSN, is null.
func (c CSN) Preceding() CSN {
	if c.IsZero() {
		return CSN{}
	}
	if c.SeqNum != 0 {
		return CSN{Timestamp: c.Timestamp, SeqNum: c.SeqNum - 1, ReplicaID: c.ReplicaID}
	}
	if c.Timestamp != 0 {
		return CSN{Timestamp: c.Timestamp - 1, SeqNum: MaxSeqNum, ReplicaID: c.ReplicaID}
	}
	return CSN{}
}

// String returns the key form of the CSN
func (c CSN) String() string {
	return string(c.AppendKey(nil))
}

// AppendKey appends the fixed-width hex key form of c to dst. The key
// form sorts lexicographically in CSN order and never contains a NUL byte.
func (c CSN) AppendKey(dst []byte) []byte {
	return fmt.Appendf(dst, "%016x%04x%08x", c.Timestamp, c.SeqNum, uint32(c.ReplicaID))
}

// ParseCSN parses the key form produced by String
func ParseCSN(s string) (CSN, error) {
	if len(s) != CSNKeyLength {
		return CSN{}, fmt.Errorf("invalid CSN %q: expected %d characters, got %d", s, CSNKeyLength, len(s))
	}
	ts, err := strconv.ParseUint(s[0:16], 16, 64)
	if err != nil {
		return CSN{}, fmt.Errorf("invalid CSN %q timestamp: %w", s, err)
	}
	seq, err := strconv.ParseUint(s[16:20], 16, 16)
	if err != nil {
		return CSN{}, fmt.Errorf("invalid CSN %q seqnum: %w", s, err)
	}
	rid, err := strconv.ParseUint(s[20:28], 16, 32)
	if err != nil {
		return CSN{}, fmt.Errorf("invalid CSN %q replica id: %w", s, err)
	}
	if rid > math.MaxInt32 {
		return CSN{}, fmt.Errorf("invalid CSN %q: replica id out of range", s)
	}
	return CSN{Timestamp: ts, SeqNum: uint16(seq), ReplicaID: int32(rid)}, nil
}

// AppendBinary appends the 14-byte big-endian form of c to dst
func (c CSN) AppendBinary(dst []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, c.Timestamp)
	dst = binary.BigEndian.AppendUint16(dst, c.SeqNum)
	return binary.BigEndian.AppendUint32(dst, uint32(c.ReplicaID))
}

// CSNFromBinary decodes the form written by AppendBinary
func CSNFromBinary(b []byte) (CSN, error) {
	if len(b) != CSNBinaryLength {
		return CSN{}, fmt.Errorf("invalid binary CSN: expected %d bytes, got %d", CSNBinaryLength, len(b))
	}
	return CSN{
		Timestamp: binary.BigEndian.Uint64(b[0:8]),
		SeqNum:    binary.BigEndian.Uint16(b[8:10]),
		ReplicaID: int32(binary.BigEndian.Uint32(b[10:14])),
	}, nil
}

// MaxCSN returns the newer of a and b
func MaxCSN(a, b CSN) CSN {
	if a.Compare(b) >= 0 {
		return a
	}
	return b
}
