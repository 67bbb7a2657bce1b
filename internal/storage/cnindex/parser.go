package cnindex

import (
	"fmt"
	"strconv"

	"github.com/devrev/pairdb/changelog/internal/model"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	fieldChangeNumber   protowire.Number = 1
	fieldDomain         protowire.Number = 2
	fieldCSN            protowire.Number = 3
	fieldPreviousCookie protowire.Number = 4

	changeNumberKeyLength = 16
)

// Parser stores index records keyed by fixed-width hex change numbers
type Parser struct{}

func (Parser) EncodeKey(cn uint64) []byte {
	return fmt.Appendf(make([]byte, 0, changeNumberKeyLength), "%016x", cn)
}

func (Parser) DecodeKey(b []byte) (uint64, error) {
	if len(b) != changeNumberKeyLength {
		return 0, fmt.Errorf("invalid change number key %q", b)
	}
	return strconv.ParseUint(string(b), 16, 64)
}

func (Parser) CompareKeys(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func (Parser) EncodeValue(rec *model.ChangeNumberIndexRecord) ([]byte, error) {
	if rec == nil {
		return nil, fmt.Errorf("nil change number index record")
	}
	buf := make([]byte, 0, 40+len(rec.Domain)+len(rec.PreviousCookie))
	buf = protowire.AppendTag(buf, fieldChangeNumber, protowire.VarintType)
	buf = protowire.AppendVarint(buf, rec.ChangeNumber)
	buf = protowire.AppendTag(buf, fieldDomain, protowire.BytesType)
	buf = protowire.AppendString(buf, rec.Domain)
	buf = protowire.AppendTag(buf, fieldCSN, protowire.BytesType)
	buf = protowire.AppendBytes(buf, rec.CSN.AppendBinary(nil))
	buf = protowire.AppendTag(buf, fieldPreviousCookie, protowire.BytesType)
	buf = protowire.AppendString(buf, rec.PreviousCookie)
	return buf, nil
}

func (Parser) DecodeValue(b []byte) (*model.ChangeNumberIndexRecord, error) {
	rec := &model.ChangeNumberIndexRecord{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("invalid index record tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldChangeNumber && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, fmt.Errorf("invalid index record change number: %w", protowire.ParseError(n))
			}
			rec.ChangeNumber = v
			b = b[n:]
		case num == fieldDomain && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("invalid index record domain: %w", protowire.ParseError(n))
			}
			rec.Domain = v
			b = b[n:]
		case num == fieldCSN && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, fmt.Errorf("invalid index record csn: %w", protowire.ParseError(n))
			}
			csn, err := model.CSNFromBinary(v)
			if err != nil {
				return nil, err
			}
			rec.CSN = csn
			b = b[n:]
		case num == fieldPreviousCookie && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return nil, fmt.Errorf("invalid index record cookie: %w", protowire.ParseError(n))
			}
			rec.PreviousCookie = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, fmt.Errorf("invalid index record field %d: %w", num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if rec.ChangeNumber == 0 || rec.Domain == "" {
		return nil, fmt.Errorf("incomplete change number index record")
	}
	return rec, nil
}
