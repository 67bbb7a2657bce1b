package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	clerrors "github.com/devrev/pairdb/changelog/internal/errors"
	"github.com/devrev/pairdb/changelog/internal/metrics"
	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/devrev/pairdb/changelog/internal/storage/cnindex"
	"github.com/devrev/pairdb/changelog/internal/storage/replicalog"
	"go.uber.org/zap"
)

// ReplicaSource gives the indexer access to the stored updates of every
// replica. Both the replication environment and the in-memory store
// implement it.
type ReplicaSource interface {
	// ReplicaCursor returns a cursor on the updates of a replica strictly
	// newer than after. The cursor must return updates added later.
	ReplicaCursor(domain string, replicaID int32, after model.CSN) (replicalog.Cursor, error)
	NewestCSN(domain string, replicaID int32) model.CSN
	// Domains and Replicas list every replica with stored updates
	Domains() []string
	Replicas(domain string) []int32
}

// IndexerState is the lifecycle state of the change number indexer
type IndexerState int32

const (
	IndexerIdle IndexerState = iota
	IndexerMerging
	IndexerShuttingDown
	IndexerStopped
)

func (s IndexerState) String() string {
	switch s {
	case IndexerIdle:
		return "idle"
	case IndexerMerging:
		return "merging"
	case IndexerShuttingDown:
		return "shutting_down"
	case IndexerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// IndexerConfig holds change number indexer configuration
type IndexerConfig struct {
	QueueSize int
	// PublishTimeout bounds how long a producer retries a full queue
	PublishTimeout  time.Duration
	ExcludedDomains []string
}

type eventType int

const (
	eventUpdate eventType = iota
	eventHeartbeat
	eventOffline
	eventOnline
	eventClearDomain
	eventSettle
)

func (t eventType) String() string {
	switch t {
	case eventUpdate:
		return "update"
	case eventHeartbeat:
		return "heartbeat"
	case eventOffline:
		return "offline"
	case eventOnline:
		return "online"
	case eventClearDomain:
		return "clear_domain"
	case eventSettle:
		return "settle"
	default:
		return "unknown"
	}
}

type indexerEvent struct {
	typ       eventType
	domain    string
	csn       model.CSN
	replicaID int32
	reply     chan struct{}
	drop      func() error
	result    chan error
}

// replicaState is what the indexer knows about one replica of a domain
type replicaState struct {
	cursor replicalog.Cursor
	// head is the oldest update read from the cursor and not yet indexed
	head *model.UpdateMsg
	// lastAlive is a CSN the replica is known to have reached; it will
	// only produce newer CSNs
	lastAlive model.CSN
	offline   bool
}

// bound returns the lowest CSN the replica may still have to index
func (r *replicaState) bound() model.CSN {
	if r.head != nil {
		return r.head.CSN
	}
	return r.lastAlive
}

// ChangeNumberIndexer merges the update streams of all replicas of every
// external changelog domain into the change number index log. A CSN is
// indexed only once no live replica of its domain can still produce an
// older one.
//
// All merge state is owned by a single goroutine fed through a bounded
// event queue. Producers may call the Publish methods concurrently.
type ChangeNumberIndexer struct {
	config   *IndexerConfig
	source   ReplicaSource
	cnLog    *cnindex.ChangeNumberIndexLog
	initial  *model.ChangelogState
	excluded map[string]struct{}
	metrics  *metrics.Metrics
	logger   *zap.Logger

	events chan indexerEvent
	quit   chan struct{}
	done   chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	state     atomic.Int32

	// owned by the run goroutine
	domains map[string]map[int32]*replicaState

	mu     sync.RWMutex
	cookie model.MultiDomainServerState
	err    error
}

// NewChangeNumberIndexer creates an indexer. initial is the changelog
// state read at startup: its replicas are known from the start and its
// offline markers are honoured.
func NewChangeNumberIndexer(
	cfg *IndexerConfig,
	source ReplicaSource,
	cnLog *cnindex.ChangeNumberIndexLog,
	initial *model.ChangelogState,
	m *metrics.Metrics,
	logger *zap.Logger,
) *ChangeNumberIndexer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	if initial == nil {
		initial = model.NewChangelogState()
	}
	if m == nil {
		m = metrics.NewMetrics("")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	excluded := make(map[string]struct{}, len(cfg.ExcludedDomains))
	for _, d := range cfg.ExcludedDomains {
		excluded[d] = struct{}{}
	}
	return &ChangeNumberIndexer{
		config:   cfg,
		source:   source,
		cnLog:    cnLog,
		initial:  initial,
		excluded: excluded,
		metrics:  m,
		logger:   logger,
		events:   make(chan indexerEvent, cfg.QueueSize),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		domains:  make(map[string]map[int32]*replicaState),
		cookie:   model.NewMultiDomainServerState(),
	}
}

// IsECLEnabledDomain reports whether domain takes part in the external
// changelog
func (idx *ChangeNumberIndexer) IsECLEnabledDomain(domain string) bool {
	_, excluded := idx.excluded[domain]
	return !excluded
}

// Start restores the merge position from the index log and starts the
// merge goroutine
func (idx *ChangeNumberIndexer) Start() error {
	var err error
	idx.startOnce.Do(func() {
		if err = idx.restore(); err != nil {
			idx.closeCursors()
			idx.setState(IndexerStopped)
			idx.setErr(err)
			close(idx.done)
			return
		}
		idx.setState(IndexerIdle)
		go idx.run()
		idx.logger.Info("Change number indexer started",
			zap.String("cookie", idx.Cookie().String()),
			zap.Int("queue_size", idx.config.QueueSize))
	})
	return err
}

// restore rebuilds the cookie from the newest index record and positions
// every known replica just after its last indexed CSN
func (idx *ChangeNumberIndexer) restore() error {
	if newest := idx.cnLog.NewestRecord(); newest != nil {
		cookie, err := model.ParseMultiDomainServerState(newest.PreviousCookie)
		if err != nil {
			return clerrors.CorruptedData(
				fmt.Sprintf("invalid previous cookie in change number %d", newest.ChangeNumber), err)
		}
		cookie.Update(newest.Domain, newest.CSN)
		idx.cookie = cookie
	}

	for _, domain := range idx.initial.Domains() {
		if !idx.IsECLEnabledDomain(domain) {
			continue
		}
		for _, id := range idx.initial.ServerIDs(domain) {
			if _, err := idx.ensureReplica(domain, id); err != nil {
				return err
			}
		}
	}
	for domain, ss := range idx.initial.OfflineReplicas() {
		if !idx.IsECLEnabledDomain(domain) {
			continue
		}
		for _, csn := range ss {
			r, err := idx.ensureReplica(domain, csn.ReplicaID)
			if err != nil {
				return err
			}
			r.offline = true
			r.lastAlive = model.MaxCSN(r.lastAlive, csn)
		}
	}
	return nil
}

// ensureReplica returns the state of a replica, opening its cursor after
// the last CSN indexed for it
func (idx *ChangeNumberIndexer) ensureReplica(domain string, replicaID int32) (*replicaState, error) {
	replicas, ok := idx.domains[domain]
	if !ok {
		replicas = make(map[int32]*replicaState)
		idx.domains[domain] = replicas
	}
	if r, ok := replicas[replicaID]; ok {
		return r, nil
	}

	idx.mu.RLock()
	after, _ := idx.cookie.Get(domain, replicaID)
	idx.mu.RUnlock()

	cursor, err := idx.source.ReplicaCursor(domain, replicaID, after)
	if err != nil {
		return nil, err
	}
	r := &replicaState{
		cursor:    cursor,
		lastAlive: model.MaxCSN(after, idx.source.NewestCSN(domain, replicaID)),
	}
	replicas[replicaID] = r
	idx.logger.Debug("Indexer tracking replica",
		zap.String("domain", domain),
		zap.Int32("replica_id", replicaID),
		zap.String("after", after.String()))
	return r, nil
}

func (idx *ChangeNumberIndexer) run() {
	defer close(idx.done)
	defer idx.closeCursors()

	// updates stored while the indexer was down
	idx.setState(IndexerMerging)
	if err := idx.mergePass(); err != nil {
		idx.fail(err, nil)
		return
	}
	idx.setState(IndexerIdle)

	for {
		select {
		case ev := <-idx.events:
			idx.setState(IndexerMerging)
			settled, err := idx.processBatch(ev)
			if err != nil {
				idx.fail(err, settled)
				return
			}
			idx.releaseSettled(settled)
			idx.setState(IndexerIdle)
		case <-idx.quit:
			idx.setState(IndexerShuttingDown)
			var settled []chan struct{}
			var err error
		drain:
			for {
				select {
				case ev := <-idx.events:
					if err = idx.handle(ev, &settled); err != nil {
						break drain
					}
				default:
					break drain
				}
			}
			if err == nil {
				err = idx.mergePass()
			}
			if err != nil {
				idx.fail(err, settled)
				return
			}
			idx.releaseSettled(settled)
			idx.setState(IndexerStopped)
			idx.logger.Info("Change number indexer stopped",
				zap.String("cookie", idx.Cookie().String()))
			return
		}
	}
}

// processBatch handles ev and whatever else is already queued, then runs
// the merge to a fixpoint
func (idx *ChangeNumberIndexer) processBatch(first indexerEvent) ([]chan struct{}, error) {
	var settled []chan struct{}
	if err := idx.handle(first, &settled); err != nil {
		return settled, err
	}
	for n := len(idx.events); n > 0; n-- {
		if err := idx.handle(<-idx.events, &settled); err != nil {
			return settled, err
		}
	}
	idx.metrics.UpdateIndexerQueueDepth(len(idx.events))
	return settled, idx.mergePass()
}

func (idx *ChangeNumberIndexer) handle(ev indexerEvent, settled *[]chan struct{}) error {
	idx.metrics.RecordIndexerEvent(ev.typ.String())

	switch ev.typ {
	case eventSettle:
		*settled = append(*settled, ev.reply)
		return nil
	case eventClearDomain:
		for _, r := range idx.domains[ev.domain] {
			r.cursor.Close()
		}
		delete(idx.domains, ev.domain)
		idx.mu.Lock()
		idx.cookie.RemoveDomain(ev.domain)
		idx.mu.Unlock()
		var err error
		if ev.drop != nil {
			err = ev.drop()
		}
		if ev.result != nil {
			ev.result <- err
		}
		return nil
	}

	if !idx.IsECLEnabledDomain(ev.domain) {
		return nil
	}
	r, err := idx.ensureReplica(ev.domain, ev.replicaID)
	if err != nil {
		return err
	}
	switch ev.typ {
	case eventUpdate:
		r.offline = false
	case eventHeartbeat:
		r.offline = false
		r.lastAlive = model.MaxCSN(r.lastAlive, ev.csn)
	case eventOffline:
		r.offline = true
		r.lastAlive = model.MaxCSN(r.lastAlive, ev.csn)
	case eventOnline:
		r.offline = false
	}
	return nil
}

// mergePass indexes safe CSNs until no domain can advance. Each step
// indexes the oldest safe CSN across all domains.
func (idx *ChangeNumberIndexer) mergePass() error {
	if err := idx.trackStoredReplicas(); err != nil {
		return err
	}
	for {
		var (
			best       *model.UpdateMsg
			bestDomain string
			bestOwner  *replicaState
		)
		for domain, replicas := range idx.domains {
			m, owner, err := idx.candidate(domain, replicas)
			if err != nil {
				return err
			}
			if owner == nil {
				continue
			}
			if best == nil || m.CSN.IsOlderThan(best.CSN) {
				best, bestDomain, bestOwner = m, domain, owner
			}
		}
		if best == nil {
			return nil
		}
		if err := idx.emit(bestDomain, best, bestOwner); err != nil {
			return err
		}
	}
}

// trackStoredReplicas starts tracking every replica holding updates, so
// that an update stored before its notification reaches the queue still
// holds back newer CSNs of other replicas
func (idx *ChangeNumberIndexer) trackStoredReplicas() error {
	for _, domain := range idx.source.Domains() {
		if !idx.IsECLEnabledDomain(domain) {
			continue
		}
		for _, id := range idx.source.Replicas(domain) {
			if _, err := idx.ensureReplica(domain, id); err != nil {
				return err
			}
		}
	}
	return nil
}

// candidate returns the oldest head of domain when it is safe to index,
// that is when every live replica without a head is known to have moved
// past it
func (idx *ChangeNumberIndexer) candidate(domain string, replicas map[int32]*replicaState) (*model.UpdateMsg, *replicaState, error) {
	var (
		m     *model.UpdateMsg
		owner *replicaState
	)
	for id, r := range replicas {
		if r.head == nil {
			ok, err := r.cursor.Next()
			if err != nil {
				return nil, nil, clerrors.Wrap(clerrors.ErrCodeCorruptedData,
					fmt.Sprintf("failed to read replica %d of domain %s", id, domain), err)
			}
			if ok {
				r.head = r.cursor.Record().Value
			}
		}
		if r.head != nil && (m == nil || r.head.CSN.IsOlderThan(m.CSN)) {
			m, owner = r.head, r
		}
	}
	if m == nil {
		return nil, nil, nil
	}
	for _, r := range replicas {
		if r.offline || r.head != nil {
			continue
		}
		if r.bound().IsOlderThan(m.CSN) {
			return nil, nil, nil
		}
	}
	return m, owner, nil
}

func (idx *ChangeNumberIndexer) emit(domain string, msg *model.UpdateMsg, owner *replicaState) error {
	idx.mu.RLock()
	previous := idx.cookie.String()
	idx.mu.RUnlock()

	rec := &model.ChangeNumberIndexRecord{
		Domain:         domain,
		CSN:            msg.CSN,
		PreviousCookie: previous,
	}
	cn, err := idx.cnLog.AddRecord(rec)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	idx.cookie.Update(domain, msg.CSN)
	idx.mu.Unlock()

	owner.head = nil
	owner.lastAlive = model.MaxCSN(owner.lastAlive, msg.CSN)
	idx.metrics.RecordIndexRecord(domain)
	idx.logger.Debug("Indexed change",
		zap.Uint64("change_number", cn),
		zap.String("domain", domain),
		zap.String("csn", msg.CSN.String()))
	return nil
}

func (idx *ChangeNumberIndexer) fail(err error, settled []chan struct{}) {
	idx.setErr(err)
	idx.setState(IndexerStopped)
	idx.logger.Error("Change number indexer stopped on fatal error",
		zap.String("cookie", idx.Cookie().String()),
		zap.Error(err))
	idx.releaseSettled(settled)
}

func (idx *ChangeNumberIndexer) releaseSettled(settled []chan struct{}) {
	for _, reply := range settled {
		close(reply)
	}
}

func (idx *ChangeNumberIndexer) closeCursors() {
	for _, replicas := range idx.domains {
		for _, r := range replicas {
			r.cursor.Close()
		}
	}
}

func (idx *ChangeNumberIndexer) setState(s IndexerState) {
	idx.state.Store(int32(s))
	idx.metrics.UpdateIndexerState(int(s))
}

func (idx *ChangeNumberIndexer) setErr(err error) {
	idx.mu.Lock()
	idx.err = err
	idx.mu.Unlock()
}

// offer queues ev, retrying a full queue with backoff until
// PublishTimeout elapses
func (idx *ChangeNumberIndexer) offer(ctx context.Context, ev indexerEvent) error {
	stopped := clerrors.Unavailable("change number indexer is not running", idx.Err())

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = idx.config.PublishTimeout

	operation := func() error {
		select {
		case <-idx.done:
			return backoff.Permanent(stopped)
		case <-idx.quit:
			return backoff.Permanent(stopped)
		default:
		}
		select {
		case idx.events <- ev:
			return nil
		default:
			idx.metrics.RecordPublishRetry()
			return clerrors.QueueFull("change number indexer queue is full", nil)
		}
	}

	err := backoff.Retry(operation, backoff.WithContext(b, ctx))
	if err == nil || clerrors.IsChangelogError(err) {
		return err
	}
	return clerrors.QueueFull("failed to offer event to change number indexer", err)
}

// PublishUpdateMsg notifies the indexer that msg was stored for domain.
// The update itself is read back through the replica source.
func (idx *ChangeNumberIndexer) PublishUpdateMsg(ctx context.Context, domain string, msg *model.UpdateMsg) error {
	if msg == nil {
		return clerrors.InvalidArgument("update message is required", nil)
	}
	if !idx.IsECLEnabledDomain(domain) {
		return nil
	}
	return idx.offer(ctx, indexerEvent{typ: eventUpdate, domain: domain, csn: msg.CSN, replicaID: msg.CSN.ReplicaID})
}

// PublishHeartbeat tells the indexer that the replica owning csn will only
// produce newer CSNs. Heartbeats never produce index records.
func (idx *ChangeNumberIndexer) PublishHeartbeat(ctx context.Context, domain string, csn model.CSN) error {
	if !idx.IsECLEnabledDomain(domain) {
		return nil
	}
	return idx.offer(ctx, indexerEvent{typ: eventHeartbeat, domain: domain, csn: csn, replicaID: csn.ReplicaID})
}

// ReplicaOffline stops waiting for the replica owning offlineCSN
func (idx *ChangeNumberIndexer) ReplicaOffline(ctx context.Context, domain string, offlineCSN model.CSN) error {
	if !idx.IsECLEnabledDomain(domain) {
		return nil
	}
	return idx.offer(ctx, indexerEvent{typ: eventOffline, domain: domain, csn: offlineCSN, replicaID: offlineCSN.ReplicaID})
}

// ReplicaOnline makes the indexer wait for a replica again
func (idx *ChangeNumberIndexer) ReplicaOnline(ctx context.Context, domain string, replicaID int32) error {
	if !idx.IsECLEnabledDomain(domain) {
		return nil
	}
	return idx.offer(ctx, indexerEvent{typ: eventOnline, domain: domain, replicaID: replicaID})
}

// ClearDomain forgets everything the indexer knows about domain, then
// runs drop once no indexer cursor is open on it. drop runs on the merge
// goroutine, so no update of domain is read while it removes the data.
// When the indexer is stopped, drop runs on the caller.
func (idx *ChangeNumberIndexer) ClearDomain(ctx context.Context, domain string, drop func() error) error {
	if drop == nil {
		drop = func() error { return nil }
	}
	result := make(chan error, 1)
	if err := idx.offer(ctx, indexerEvent{typ: eventClearDomain, domain: domain, drop: drop, result: result}); err != nil {
		if !clerrors.HasCode(err, clerrors.ErrCodeUnavailable) {
			return err
		}
		select {
		case <-idx.done:
			return drop()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case err := <-result:
		return err
	case <-idx.done:
		select {
		case err := <-result:
			return err
		default:
		}
		return drop()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitSettled returns once every event queued before the call has been
// handled and the merge has reached a fixpoint
func (idx *ChangeNumberIndexer) WaitSettled(ctx context.Context) error {
	reply := make(chan struct{})
	if err := idx.offer(ctx, indexerEvent{typ: eventSettle, reply: reply}); err != nil {
		if fatal := idx.Err(); fatal != nil {
			return fatal
		}
		return err
	}
	select {
	case <-reply:
		return idx.Err()
	case <-idx.done:
		return idx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting events, indexes what is still queued and waits
// for the merge goroutine to exit
func (idx *ChangeNumberIndexer) Shutdown(ctx context.Context) error {
	idx.startOnce.Do(func() {
		idx.setState(IndexerStopped)
		close(idx.done)
	})
	idx.stopOnce.Do(func() {
		close(idx.quit)
	})
	select {
	case <-idx.done:
		return idx.Err()
	case <-ctx.Done():
		return clerrors.Unavailable("timed out waiting for change number indexer to stop", ctx.Err())
	}
}

// Cookie returns the multi-domain state of the last indexed change
func (idx *ChangeNumberIndexer) Cookie() model.MultiDomainServerState {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.cookie.Copy()
}

// Err returns the fatal error that stopped the indexer, if any
func (idx *ChangeNumberIndexer) Err() error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.err
}

// State returns the current lifecycle state
func (idx *ChangeNumberIndexer) State() IndexerState {
	return IndexerState(idx.state.Load())
}

// IsAlive reports whether the indexer is running
func (idx *ChangeNumberIndexer) IsAlive() bool {
	select {
	case <-idx.done:
		return false
	default:
	}
	s := idx.State()
	return s == IndexerIdle || s == IndexerMerging
}
