package service

import (
	"context"

	clerrors "github.com/devrev/pairdb/changelog/internal/errors"
	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/devrev/pairdb/changelog/internal/storage/cnindex"
	"github.com/devrev/pairdb/changelog/internal/storage/diskmanager"
	"github.com/devrev/pairdb/changelog/internal/validation"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// framing and CSN overhead of one stored update
const recordOverhead = 4 + model.CSNKeyLength + 2 + model.CSNBinaryLength + 16

// ChangelogDB is the entry point of replication sessions: it stores
// updates in the replica logs and keeps the change number indexer
// informed.
type ChangelogDB struct {
	env         *ReplicationEnvironment
	indexer     *ChangeNumberIndexer
	diskManager *diskmanager.DiskManager
	validator   *validation.Validator
	logger      *zap.Logger
}

// NewChangelogDB creates a changelog DB. diskMgr may be nil.
func NewChangelogDB(
	env *ReplicationEnvironment,
	indexer *ChangeNumberIndexer,
	diskMgr *diskmanager.DiskManager,
	logger *zap.Logger,
) *ChangelogDB {
	return &ChangelogDB{
		env:         env,
		indexer:     indexer,
		diskManager: diskMgr,
		validator:   validation.NewValidator(),
		logger:      logger,
	}
}

// Environment returns the replication environment
func (db *ChangelogDB) Environment() *ReplicationEnvironment {
	return db.env
}

// Indexer returns the change number indexer
func (db *ChangelogDB) Indexer() *ChangeNumberIndexer {
	return db.indexer
}

// PublishUpdateMsg durably stores msg in the log of the replica that
// produced it, then notifies the indexer. Once stored, indexer trouble is
// logged but not returned: the indexer reads the update back from the log.
func (db *ChangelogDB) PublishUpdateMsg(ctx context.Context, domain string, msg *model.UpdateMsg) error {
	if err := db.validator.ValidateUpdate(domain, -1, msg); err != nil {
		db.logger.Warn("Update validation failed",
			zap.String("domain", domain),
			zap.Error(err))
		return err
	}

	if db.diskManager != nil {
		estimated := uint64(recordOverhead + len(msg.TargetDN) + len(msg.Payload))
		if err := db.diskManager.CheckBeforeWrite(estimated); err != nil {
			db.logger.Warn("Disk space check failed",
				zap.String("domain", domain),
				zap.String("csn", msg.CSN.String()),
				zap.Uint64("estimated_size", estimated),
				zap.Error(err))
			return err
		}
	}

	rl, err := db.env.GetOrCreateReplicaLog(domain, msg.CSN.ReplicaID)
	if err != nil {
		return err
	}
	if err := rl.Add(msg); err != nil {
		db.logger.Error("Failed to store update",
			zap.String("domain", domain),
			zap.String("csn", msg.CSN.String()),
			zap.Error(err))
		return err
	}

	if err := db.indexer.PublishUpdateMsg(ctx, domain, msg); err != nil {
		db.logger.Warn("Indexer not notified of stored update",
			zap.String("domain", domain),
			zap.String("csn", msg.CSN.String()),
			zap.Error(err))
	}
	return nil
}

// PublishHeartbeat forwards a replica heartbeat to the indexer
func (db *ChangelogDB) PublishHeartbeat(ctx context.Context, domain string, csn model.CSN) error {
	if err := db.validator.ValidateDomain(domain); err != nil {
		return err
	}
	if err := db.validator.ValidateCSN(csn); err != nil {
		return err
	}
	return db.notified(db.indexer.PublishHeartbeat(ctx, domain, csn))
}

// ReplicaOffline persists that the replica owning offlineCSN left, then
// tells the indexer to stop waiting for it
func (db *ChangelogDB) ReplicaOffline(ctx context.Context, domain string, offlineCSN model.CSN) error {
	if err := db.validator.ValidateDomain(domain); err != nil {
		return err
	}
	if err := db.validator.ValidateCSN(offlineCSN); err != nil {
		return err
	}
	if _, err := db.env.GetOrCreateReplicaLog(domain, offlineCSN.ReplicaID); err != nil {
		return err
	}
	if err := db.env.NotifyReplicaOffline(domain, offlineCSN); err != nil {
		return err
	}
	db.logger.Info("Replica offline",
		zap.String("domain", domain),
		zap.Int32("replica_id", offlineCSN.ReplicaID),
		zap.String("csn", offlineCSN.String()))
	return db.notified(db.indexer.ReplicaOffline(ctx, domain, offlineCSN))
}

// ReplicaOnline clears the offline marker of a replica
func (db *ChangelogDB) ReplicaOnline(ctx context.Context, domain string, replicaID int32) error {
	if err := db.validator.ValidateDomain(domain); err != nil {
		return err
	}
	if err := db.validator.ValidateReplicaID(replicaID); err != nil {
		return err
	}
	if err := db.env.NotifyReplicaOnline(domain, replicaID); err != nil {
		return err
	}
	return db.notified(db.indexer.ReplicaOnline(ctx, domain, replicaID))
}

// SetGenerationID records the generation id of domain
func (db *ChangelogDB) SetGenerationID(domain string, generationID int64) error {
	if err := db.validator.ValidateDomain(domain); err != nil {
		return err
	}
	return db.env.SetGenerationID(domain, generationID)
}

// notified drops indexer errors once the indexer is dead: replication
// carries on without the external changelog
func (db *ChangelogDB) notified(err error) error {
	if err == nil || db.indexer.IsAlive() {
		return err
	}
	db.logger.Warn("Change number indexer is not running", zap.Error(err))
	return nil
}

// GetCNIndexReader returns the change number index log for external
// changelog reads. It fails once the indexer died so that readers never
// see a silently stale index.
func (db *ChangelogDB) GetCNIndexReader() (*cnindex.ChangeNumberIndexLog, error) {
	if !db.indexer.IsAlive() {
		return nil, clerrors.Unavailable("external changelog is unavailable: change number indexer is not running", db.indexer.Err())
	}
	return db.env.CNIndexLog(), nil
}

// ClearDomain drops every stored update and all state of domain
func (db *ChangelogDB) ClearDomain(ctx context.Context, domain string) error {
	drop := func() error { return db.env.ClearDomain(domain) }
	var err error
	if db.indexer.IsAlive() {
		err = db.indexer.ClearDomain(ctx, domain, drop)
	} else {
		err = drop()
	}
	if err != nil {
		return err
	}
	db.logger.Info("Cleared domain", zap.String("domain", domain))
	return nil
}

// Shutdown stops the indexer after it indexed what was queued, then
// closes every log
func (db *ChangelogDB) Shutdown(ctx context.Context) error {
	var result *multierror.Error
	if err := db.indexer.Shutdown(ctx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := db.env.Shutdown(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
