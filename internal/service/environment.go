package service

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	clerrors "github.com/devrev/pairdb/changelog/internal/errors"
	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/devrev/pairdb/changelog/internal/storage/cnindex"
	"github.com/devrev/pairdb/changelog/internal/storage/logfile"
	"github.com/devrev/pairdb/changelog/internal/storage/replicalog"
	"github.com/devrev/pairdb/changelog/internal/storage/statestore"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	domainDirSuffix  = ".dom"
	replicaDirSuffix = ".server"
	cnIndexDirName   = "changenumberindex"
	stateFileName    = "changelog_state.db"
	openParallelism  = 8
)

// EnvironmentConfig holds replication environment configuration
type EnvironmentConfig struct {
	ChangelogDir string
	// StateFile defaults to a file inside ChangelogDir
	StateFile string
	Log       logfile.Options
}

// ReplicationEnvironment owns the replica logs, the change number index
// log and the persisted ChangelogState.
//
// On disk:
//
//	<changelog_dir>/<escaped domain>.dom/<replica id>.server/
//	<changelog_dir>/changenumberindex/
type ReplicationEnvironment struct {
	config *EnvironmentConfig
	logger *zap.Logger
	store  *statestore.Store
	cnLog  *cnindex.ChangeNumberIndexLog

	mu          sync.RWMutex
	state       *model.ChangelogState
	replicaLogs map[string]map[int32]*replicalog.ReplicaLog
	closed      bool
}

// NewReplicationEnvironment opens every replica log registered in the
// persisted state. A registered replica without its directory is a
// consistency error.
func NewReplicationEnvironment(cfg *EnvironmentConfig, logger *zap.Logger) (*ReplicationEnvironment, error) {
	if cfg.ChangelogDir == "" {
		return nil, clerrors.InvalidArgument("changelog directory is required", nil)
	}
	if cfg.StateFile == "" {
		cfg.StateFile = filepath.Join(cfg.ChangelogDir, stateFileName)
	}
	if err := os.MkdirAll(cfg.ChangelogDir, 0755); err != nil {
		return nil, clerrors.InternalError(fmt.Sprintf("failed to create changelog directory %s", cfg.ChangelogDir), err)
	}

	store, err := statestore.Open(cfg.StateFile, logger)
	if err != nil {
		return nil, err
	}
	state, err := store.Load()
	if err != nil {
		store.Close()
		return nil, err
	}

	env := &ReplicationEnvironment{
		config:      cfg,
		logger:      logger,
		store:       store,
		state:       state,
		replicaLogs: make(map[string]map[int32]*replicalog.ReplicaLog),
	}

	if err := env.registerOrphanDirectories(); err != nil {
		env.Shutdown()
		return nil, err
	}
	if err := env.checkConsistency(); err != nil {
		env.Shutdown()
		return nil, err
	}
	if err := env.openReplicaLogs(); err != nil {
		env.Shutdown()
		return nil, err
	}

	cnLog, err := cnindex.Open(filepath.Join(cfg.ChangelogDir, cnIndexDirName), cfg.Log,
		logger.With(zap.String("log", cnIndexDirName)))
	if err != nil {
		env.Shutdown()
		return nil, err
	}
	env.cnLog = cnLog

	logger.Info("Replication environment opened",
		zap.String("changelog_dir", cfg.ChangelogDir),
		zap.Strings("domains", state.Domains()),
		zap.Int64("index_records", cnLog.Count()))
	return env, nil
}

func (e *ReplicationEnvironment) domainDir(domain string) string {
	return filepath.Join(e.config.ChangelogDir, url.PathEscape(domain)+domainDirSuffix)
}

func (e *ReplicationEnvironment) replicaDir(domain string, replicaID int32) string {
	return filepath.Join(e.domainDir(domain), strconv.FormatInt(int64(replicaID), 10)+replicaDirSuffix)
}

// registerOrphanDirectories registers replica directories whose state
// entry was lost, e.g. after a crash between mkdir and the state write
func (e *ReplicationEnvironment) registerOrphanDirectories() error {
	entries, err := os.ReadDir(e.config.ChangelogDir)
	if err != nil {
		return clerrors.InternalError("failed to list changelog directory", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasSuffix(entry.Name(), domainDirSuffix) {
			continue
		}
		domain, err := url.PathUnescape(strings.TrimSuffix(entry.Name(), domainDirSuffix))
		if err != nil {
			return clerrors.Consistency(fmt.Sprintf("invalid domain directory %s", entry.Name()))
		}
		replicas, err := os.ReadDir(filepath.Join(e.config.ChangelogDir, entry.Name()))
		if err != nil {
			return clerrors.InternalError(fmt.Sprintf("failed to list domain directory %s", entry.Name()), err)
		}
		for _, r := range replicas {
			if !r.IsDir() || !strings.HasSuffix(r.Name(), replicaDirSuffix) {
				continue
			}
			id, err := strconv.ParseInt(strings.TrimSuffix(r.Name(), replicaDirSuffix), 10, 32)
			if err != nil || id < 0 {
				return clerrors.Consistency(fmt.Sprintf("invalid replica directory %s in %s", r.Name(), entry.Name()))
			}
			if e.state.HasServerID(domain, int32(id)) {
				continue
			}
			e.logger.Warn("Registering unregistered replica directory",
				zap.String("domain", domain),
				zap.Int64("replica_id", id))
			if err := e.store.AddReplica(domain, int32(id)); err != nil {
				return err
			}
			e.state.AddServerIDToDomain(int32(id), domain)
		}
	}
	return nil
}

func (e *ReplicationEnvironment) checkConsistency() error {
	for _, domain := range e.state.Domains() {
		for _, id := range e.state.ServerIDs(domain) {
			dir := e.replicaDir(domain, id)
			if _, err := os.Stat(dir); err != nil {
				return clerrors.Consistency(fmt.Sprintf(
					"replica %d of domain %s is registered but its directory %s is missing", id, domain, dir)).
					WithDetail("domain", domain).
					WithDetail("replica_id", id)
			}
		}
	}
	return nil
}

func (e *ReplicationEnvironment) openReplicaLogs() error {
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(openParallelism)
	for _, domain := range e.state.Domains() {
		domain := domain
		for _, id := range e.state.ServerIDs(domain) {
			id := id
			g.Go(func() error {
				rl, err := replicalog.Open(e.replicaDir(domain, id), domain, id, e.config.Log, e.logger)
				if err != nil {
					return err
				}
				mu.Lock()
				e.putReplicaLog(rl)
				mu.Unlock()
				return nil
			})
		}
	}
	return g.Wait()
}

// putReplicaLog must be called with mu held or before the environment is shared
func (e *ReplicationEnvironment) putReplicaLog(rl *replicalog.ReplicaLog) {
	logs, ok := e.replicaLogs[rl.Domain()]
	if !ok {
		logs = make(map[int32]*replicalog.ReplicaLog)
		e.replicaLogs[rl.Domain()] = logs
	}
	logs[rl.ReplicaID()] = rl
}

// GetOrCreateReplicaLog returns the log of a replica, creating and
// registering it on first use
func (e *ReplicationEnvironment) GetOrCreateReplicaLog(domain string, replicaID int32) (*replicalog.ReplicaLog, error) {
	e.mu.RLock()
	rl, ok := e.replicaLogs[domain][replicaID]
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, clerrors.Unavailable("replication environment is shut down", nil)
	}
	if ok {
		return rl, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if rl, ok := e.replicaLogs[domain][replicaID]; ok {
		return rl, nil
	}
	if replicaID < 0 {
		return nil, clerrors.InvalidArgument(fmt.Sprintf("invalid replica id %d", replicaID), nil)
	}
	rl, err := replicalog.Open(e.replicaDir(domain, replicaID), domain, replicaID, e.config.Log, e.logger)
	if err != nil {
		return nil, err
	}
	if err := e.store.AddReplica(domain, replicaID); err != nil {
		rl.Close()
		return nil, err
	}
	e.state.AddServerIDToDomain(replicaID, domain)
	e.putReplicaLog(rl)
	e.logger.Info("Created replica log",
		zap.String("domain", domain),
		zap.Int32("replica_id", replicaID))
	return rl, nil
}

// ReplicaLog returns the log of a replica if it exists
func (e *ReplicationEnvironment) ReplicaLog(domain string, replicaID int32) (*replicalog.ReplicaLog, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rl, ok := e.replicaLogs[domain][replicaID]
	return rl, ok
}

// ReplicaLogs returns the logs of every replica of domain
func (e *ReplicationEnvironment) ReplicaLogs(domain string) []*replicalog.ReplicaLog {
	e.mu.RLock()
	defer e.mu.RUnlock()
	logs := make([]*replicalog.ReplicaLog, 0, len(e.replicaLogs[domain]))
	for _, id := range e.state.ServerIDs(domain) {
		if rl, ok := e.replicaLogs[domain][id]; ok {
			logs = append(logs, rl)
		}
	}
	return logs
}

// Domains returns every domain holding at least one replica
func (e *ReplicationEnvironment) Domains() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Domains()
}

// Replicas returns the ids of every replica registered for domain
func (e *ReplicationEnvironment) Replicas(domain string) []int32 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.ServerIDs(domain)
}

// CNIndexLog returns the change number index log
func (e *ReplicationEnvironment) CNIndexLog() *cnindex.ChangeNumberIndexLog {
	return e.cnLog
}

// ChangelogState returns a snapshot of the changelog state
func (e *ReplicationEnvironment) ChangelogState() *model.ChangelogState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.Copy()
}

// SetGenerationID records the generation id of domain
func (e *ReplicationEnvironment) SetGenerationID(domain string, generationID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.SetGenerationID(domain, generationID); err != nil {
		return err
	}
	e.state.SetDomainGenerationID(domain, generationID)
	return nil
}

// NotifyReplicaOffline persists that a replica went offline at offlineCSN
func (e *ReplicationEnvironment) NotifyReplicaOffline(domain string, offlineCSN model.CSN) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.SetOffline(domain, offlineCSN); err != nil {
		return err
	}
	e.state.AddOfflineReplica(domain, offlineCSN)
	return nil
}

// NotifyReplicaOnline clears the offline marker of a replica
func (e *ReplicationEnvironment) NotifyReplicaOnline(domain string, replicaID int32) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, offline := e.state.OfflineReplicas().Get(domain, replicaID); !offline {
		return nil
	}
	if err := e.store.ClearOffline(domain, replicaID); err != nil {
		return err
	}
	e.state.RemoveOfflineReplica(domain, replicaID)
	return nil
}

// DomainNewestCSNs returns the newest CSN of every replica of domain
func (e *ReplicationEnvironment) DomainNewestCSNs(domain string) model.ServerState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ss := make(model.ServerState)
	for _, rl := range e.replicaLogs[domain] {
		ss.Update(rl.NewestCSN())
	}
	return ss
}

// ClearDomain drops every replica log and all state of domain
func (e *ReplicationEnvironment) ClearDomain(domain string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var result *multierror.Error
	for _, rl := range e.replicaLogs[domain] {
		if err := rl.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	delete(e.replicaLogs, domain)
	if err := os.RemoveAll(e.domainDir(domain)); err != nil {
		result = multierror.Append(result,
			clerrors.InternalError(fmt.Sprintf("failed to remove directory of domain %s", domain), err))
	}
	if err := e.store.RemoveDomain(domain); err != nil {
		result = multierror.Append(result, err)
	}
	e.state.RemoveDomain(domain)
	return result.ErrorOrNil()
}

// ReplicaCursor returns a cursor on the updates of a replica newer than
// after, creating the replica log when needed
func (e *ReplicationEnvironment) ReplicaCursor(domain string, replicaID int32, after model.CSN) (replicalog.Cursor, error) {
	rl, err := e.GetOrCreateReplicaLog(domain, replicaID)
	if err != nil {
		return nil, err
	}
	return rl.CursorAfter(after)
}

// NewestCSN returns the newest CSN stored for a replica
func (e *ReplicationEnvironment) NewestCSN(domain string, replicaID int32) model.CSN {
	if rl, ok := e.ReplicaLog(domain, replicaID); ok {
		return rl.NewestCSN()
	}
	return model.CSN{}
}

// Shutdown closes every log and the state store
func (e *ReplicationEnvironment) Shutdown() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true

	var result *multierror.Error
	for _, logs := range e.replicaLogs {
		for _, rl := range logs {
			if err := rl.Close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	if e.cnLog != nil {
		if err := e.cnLog.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := e.store.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
