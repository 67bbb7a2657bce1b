package cnindex

import (
	"fmt"
	"sync"

	clerrors "github.com/devrev/pairdb/changelog/internal/errors"
	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/devrev/pairdb/changelog/internal/storage/logfile"
	"go.uber.org/zap"
)

// Cursor iterates over index records in change number order
type Cursor = logfile.Cursor[uint64, *model.ChangeNumberIndexRecord]

// ChangeNumberIndexLog is the external changelog: a log of index records
// keyed by a monotonically increasing change number. The indexer is its
// only writer.
type ChangeNumberIndexLog struct {
	log    *logfile.Log[uint64, *model.ChangeNumberIndexRecord]
	logger *zap.Logger

	// serializes number assignment with the append
	addMu sync.Mutex
}

// Open opens or creates the index log stored in dir
func Open(dir string, opts logfile.Options, logger *zap.Logger) (*ChangeNumberIndexLog, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	log, err := logfile.Open[uint64, *model.ChangeNumberIndexRecord](dir, Parser{}, opts, logger)
	if err != nil {
		return nil, err
	}
	return &ChangeNumberIndexLog{log: log, logger: logger}, nil
}

// AddRecord appends rec under the next change number, which is returned.
// The change number of rec is overwritten.
func (c *ChangeNumberIndexLog) AddRecord(rec *model.ChangeNumberIndexRecord) (uint64, error) {
	if rec == nil || rec.Domain == "" || rec.CSN.IsZero() {
		return 0, clerrors.InvalidArgument("index record requires a domain and a csn", nil)
	}
	c.addMu.Lock()
	defer c.addMu.Unlock()

	next := uint64(1)
	if newest := c.log.NewestRecord(); newest != nil {
		next = newest.Key + 1
	}
	stored := *rec
	stored.ChangeNumber = next
	if err := c.log.Append(logfile.Record[uint64, *model.ChangeNumberIndexRecord]{Key: next, Value: &stored}); err != nil {
		return 0, err
	}
	rec.ChangeNumber = next
	return next, nil
}

// OldestRecord returns the oldest index record, or nil when empty
func (c *ChangeNumberIndexLog) OldestRecord() *model.ChangeNumberIndexRecord {
	if rec := c.log.OldestRecord(); rec != nil {
		return rec.Value
	}
	return nil
}

// NewestRecord returns the newest index record, or nil when empty
func (c *ChangeNumberIndexLog) NewestRecord() *model.ChangeNumberIndexRecord {
	if rec := c.log.NewestRecord(); rec != nil {
		return rec.Value
	}
	return nil
}

// CursorFrom returns a cursor starting at changeNumber or the first record
// after it
func (c *ChangeNumberIndexLog) CursorFrom(changeNumber uint64) (Cursor, error) {
	return c.log.CursorAt(changeNumber, logfile.GreaterThanOrEqualToKey, logfile.OnMatchingKey)
}

// CursorAt returns a cursor positioned on changeNumber according to the strategies
func (c *ChangeNumberIndexLog) CursorAt(changeNumber uint64, match logfile.KeyMatchingStrategy, pos logfile.PositionStrategy) (Cursor, error) {
	return c.log.CursorAt(changeNumber, match, pos)
}

// Count returns the number of index records
func (c *ChangeNumberIndexLog) Count() int64 {
	return c.log.NumberOfRecords()
}

// ChangeNumberAtOrAfter returns the change number of the first record
// whose CSN timestamp is at or after timestampMillis. ok is false when no
// such record exists. Records are indexed in CSN order, so files whose
// newest record is older than the bound are skipped.
func (c *ChangeNumberIndexLog) ChangeNumberAtOrAfter(timestampMillis uint64) (cn uint64, ok bool, err error) {
	reached := func(rec *logfile.Record[uint64, *model.ChangeNumberIndexRecord]) bool {
		return rec.Value.CSN.Timestamp >= timestampMillis
	}
	cursor, err := c.log.CursorFromFile(reached)
	if err != nil {
		return 0, false, err
	}
	defer cursor.Close()
	for {
		found, err := cursor.Next()
		if err != nil {
			return 0, false, err
		}
		if !found {
			return 0, false, nil
		}
		if rec := cursor.Record(); reached(rec) {
			return rec.Key, true, nil
		}
	}
}

// PurgeUpTo removes the records below changeNumber. The newest record is
// always kept so numbering resumes after it.
func (c *ChangeNumberIndexLog) PurgeUpTo(changeNumber uint64) (int64, error) {
	purged, err := c.log.PurgeUpTo(changeNumber)
	if err != nil {
		return purged, clerrors.Wrap(clerrors.ErrCodeInternal,
			fmt.Sprintf("failed to purge index log up to %d", changeNumber), err)
	}
	return purged, nil
}

// Clear removes every record. Numbering restarts at 1.
func (c *ChangeNumberIndexLog) Clear() error {
	c.addMu.Lock()
	defer c.addMu.Unlock()
	return c.log.Clear()
}

// SyncToFileSystem flushes pending writes
func (c *ChangeNumberIndexLog) SyncToFileSystem() error {
	return c.log.SyncToFileSystem()
}

// DumpAsText writes a text rendition of the log files into dir
func (c *ChangeNumberIndexLog) DumpAsText(dir string) error {
	return c.log.DumpAsText(dir)
}

// Close closes the log files
func (c *ChangeNumberIndexLog) Close() error {
	return c.log.Close()
}
