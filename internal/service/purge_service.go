package service

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/devrev/pairdb/changelog/internal/metrics"
	"github.com/devrev/pairdb/changelog/internal/model"
	"github.com/devrev/pairdb/changelog/internal/util/workerpool"
	"go.uber.org/zap"
)

// PurgeConfig holds purge configuration
type PurgeConfig struct {
	Interval time.Duration
	// Delay is how long records are kept
	Delay time.Duration
	// Now defaults to time.Now
	Now func() time.Time
}

// PurgeService periodically removes old records from the replica logs and
// the change number index. Replica logs of external changelog domains are
// never purged past what the indexer consumed.
type PurgeService struct {
	config  *PurgeConfig
	db      *ChangelogDB
	pool    *workerpool.WorkerPool
	metrics *metrics.Metrics
	logger  *zap.Logger

	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	purgedRecords int64
}

// NewPurgeService creates a purge service running its tasks on pool
func NewPurgeService(
	cfg *PurgeConfig,
	db *ChangelogDB,
	pool *workerpool.WorkerPool,
	m *metrics.Metrics,
	logger *zap.Logger,
) *PurgeService {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &PurgeService{
		config:   cfg,
		db:       db,
		pool:     pool,
		metrics:  m,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start starts the purge scheduler
func (s *PurgeService) Start() {
	s.wg.Add(1)
	go s.purgeScheduler()
	s.logger.Info("Purge service started",
		zap.Duration("interval", s.config.Interval),
		zap.Duration("delay", s.config.Delay))
}

func (s *PurgeService) purgeScheduler() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stopChan
		cancel()
	}()

	for {
		select {
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Warn("Purge run failed", zap.Error(err))
			}
		case <-s.stopChan:
			return
		}
	}
}

// RunOnce purges every log once and returns the aggregated task errors
func (s *PurgeService) RunOnce(ctx context.Context) error {
	start := time.Now()
	bound := s.config.Now().Add(-s.config.Delay).UnixMilli()
	if bound < 0 {
		bound = 0
	}
	tasks := s.buildTasks(uint64(bound))

	err := s.pool.RunAll(ctx, tasks)
	status := "success"
	if err != nil {
		status = "failure"
	}
	s.metrics.RecordPurgeRun(status, time.Since(start))
	s.logger.Debug("Purge run completed",
		zap.Int("tasks", len(tasks)),
		zap.Int64("purged_records_total", atomic.LoadInt64(&s.purgedRecords)),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err))
	return err
}

func (s *PurgeService) buildTasks(boundMillis uint64) []workerpool.Task {
	env := s.db.Environment()
	indexer := s.db.Indexer()
	cookie := indexer.Cookie()
	oldest := model.NewCSN(boundMillis, 0, 0)

	var tasks []workerpool.Task
	for _, domain := range env.Domains() {
		ecl := indexer.IsECLEnabledDomain(domain)
		for _, rl := range env.ReplicaLogs(domain) {
			limit := oldest
			if ecl {
				indexed, ok := cookie.Get(domain, rl.ReplicaID())
				if !ok {
					continue
				}
				if indexed.IsOlderThan(limit) {
					limit = indexed
				}
			}
			rl := rl
			tasks = append(tasks, workerpool.Task{
				ID: fmt.Sprintf("purge-%s-%d", domain, rl.ReplicaID()),
				Fn: func(context.Context) error {
					purged, err := rl.PurgeUpTo(limit)
					atomic.AddInt64(&s.purgedRecords, purged)
					return err
				},
			})
		}
	}

	cnLog := env.CNIndexLog()
	tasks = append(tasks, workerpool.Task{
		ID: "purge-change-number-index",
		Fn: func(context.Context) error {
			cn, ok, err := cnLog.ChangeNumberAtOrAfter(boundMillis)
			if err != nil {
				return err
			}
			if !ok {
				cn = math.MaxUint64
			}
			purged, err := cnLog.PurgeUpTo(cn)
			atomic.AddInt64(&s.purgedRecords, purged)
			return err
		},
	})
	return tasks
}

// PurgedRecords returns the number of records purged since start
func (s *PurgeService) PurgedRecords() int64 {
	return atomic.LoadInt64(&s.purgedRecords)
}

// Stop stops the purge scheduler
func (s *PurgeService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
	})
	s.wg.Wait()
}
