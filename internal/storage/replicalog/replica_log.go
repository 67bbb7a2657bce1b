package replicalog

import (
	"fmt"

	clerrors "github.com/devrev/pairdb/changelog/internal/errors"
	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/devrev/pairdb/changelog/internal/storage/logfile"
	"go.uber.org/zap"
)

// Cursor iterates over the update messages of a replica log
type Cursor = logfile.Cursor[model.CSN, *model.UpdateMsg]

// ReplicaLog stores the updates produced by one replica of one domain,
// keyed by CSN. Only the replication session owning the replica appends.
type ReplicaLog struct {
	domain    string
	replicaID int32
	log       *logfile.Log[model.CSN, *model.UpdateMsg]
	logger    *zap.Logger
}

// Open opens or creates the replica log stored in dir
func Open(dir, domain string, replicaID int32, opts logfile.Options, logger *zap.Logger) (*ReplicaLog, error) {
	if replicaID < 0 {
		return nil, clerrors.InvalidArgument(fmt.Sprintf("invalid replica id %d", replicaID), nil)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("domain", domain), zap.Int32("replica_id", replicaID))
	log, err := logfile.Open[model.CSN, *model.UpdateMsg](dir, Parser{}, opts, logger)
	if err != nil {
		return nil, err
	}
	return &ReplicaLog{
		domain:    domain,
		replicaID: replicaID,
		log:       log,
		logger:    logger,
	}, nil
}

// Domain returns the replication domain of the log
func (r *ReplicaLog) Domain() string { return r.domain }

// ReplicaID returns the replica whose updates the log stores
func (r *ReplicaLog) ReplicaID() int32 { return r.replicaID }

// Add appends msg. Its CSN must belong to this replica and be newer than
// every stored CSN.
func (r *ReplicaLog) Add(msg *model.UpdateMsg) error {
	if msg == nil {
		return clerrors.InvalidArgument("nil update message", nil)
	}
	if msg.CSN.ReplicaID != r.replicaID {
		return clerrors.InvalidArgument(
			fmt.Sprintf("csn %s does not belong to replica %d", msg.CSN, r.replicaID), nil)
	}
	return r.log.Append(logfile.Record[model.CSN, *model.UpdateMsg]{Key: msg.CSN, Value: msg})
}

// Cursor returns a cursor starting at the oldest update
func (r *ReplicaLog) Cursor() (Cursor, error) {
	return r.log.Cursor()
}

// CursorAt returns a cursor positioned on csn according to the strategies
func (r *ReplicaLog) CursorAt(csn model.CSN, match logfile.KeyMatchingStrategy, pos logfile.PositionStrategy) (Cursor, error) {
	return r.log.CursorAt(csn, match, pos)
}

// CursorAfter returns a cursor on the updates newer than csn. A zero csn
// starts at the oldest update.
func (r *ReplicaLog) CursorAfter(csn model.CSN) (Cursor, error) {
	if csn.IsZero() {
		return r.log.Cursor()
	}
	return r.log.CursorAt(csn, logfile.GreaterThanOrEqualToKey, logfile.AfterMatchingKey)
}

// OldestCSN returns the oldest stored CSN, or the zero CSN when empty
func (r *ReplicaLog) OldestCSN() model.CSN {
	if rec := r.log.OldestRecord(); rec != nil {
		return rec.Key
	}
	return model.CSN{}
}

// NewestCSN returns the newest stored CSN, or the zero CSN when empty
func (r *ReplicaLog) NewestCSN() model.CSN {
	if rec := r.log.NewestRecord(); rec != nil {
		return rec.Key
	}
	return model.CSN{}
}

// NumberOfRecords returns the number of stored updates
func (r *ReplicaLog) NumberOfRecords() int64 {
	return r.log.NumberOfRecords()
}

// PurgeUpTo removes the updates older than csn, always keeping the newest
func (r *ReplicaLog) PurgeUpTo(csn model.CSN) (int64, error) {
	return r.log.PurgeUpTo(csn)
}

// Clear removes every update
func (r *ReplicaLog) Clear() error {
	return r.log.Clear()
}

// SyncToFileSystem flushes pending writes
func (r *ReplicaLog) SyncToFileSystem() error {
	return r.log.SyncToFileSystem()
}

// DumpAsText writes a text rendition of the log files into dir
func (r *ReplicaLog) DumpAsText(dir string) error {
	return r.log.DumpAsText(dir)
}

// Close closes the log files
func (r *ReplicaLog) Close() error {
	return r.log.Close()
}
