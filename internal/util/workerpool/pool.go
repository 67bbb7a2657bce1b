package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	clerrors "github.com/devrev/pairdb/changelog/internal/errors"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
)

// Task represents a unit of work to be executed
type Task struct {
	ID string
	Fn func(context.Context) error
	// Done, when set, receives the result of Fn
	Done func(error)
}

// WorkerPool runs maintenance tasks (log purges) on a bounded set of
// goroutines
type WorkerPool struct {
	name           string
	maxWorkers     int
	taskQueue      chan Task
	queueSize      int
	logger         *zap.Logger
	wg             sync.WaitGroup
	stopOnce       sync.Once
	stopChan       chan struct{}
	ctx            context.Context
	cancel         context.CancelFunc
	activeWorkers  int32
	totalTasks     uint64
	completedTasks uint64
	failedTasks    uint64
	rejectedTasks  uint64
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(cfg *Config) *WorkerPool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	pool := &WorkerPool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		taskQueue:  make(chan Task, cfg.QueueSize),
		logger:     cfg.Logger,
		stopChan:   make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := 0; i < pool.maxWorkers; i++ {
		pool.wg.Add(1)
		go pool.worker(i)
	}

	pool.logger.Info("Pool started",
		zap.String("pool", pool.name),
		zap.Int("workers", pool.maxWorkers),
		zap.Int("queue_size", pool.queueSize))

	return pool
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopChan:
			return
		case task := <-p.taskQueue:
			p.executeTask(id, task)
		}
	}
}

func (p *WorkerPool) executeTask(workerID int, task Task) {
	atomic.AddInt32(&p.activeWorkers, 1)
	defer atomic.AddInt32(&p.activeWorkers, -1)

	start := time.Now()
	err := p.safeExecute(task)
	duration := time.Since(start)

	if err != nil {
		atomic.AddUint64(&p.failedTasks, 1)
		p.logger.Error("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration),
			zap.Error(err))
	} else {
		atomic.AddUint64(&p.completedTasks, 1)
		p.logger.Debug("Task completed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", duration))
	}
	if task.Done != nil {
		task.Done(err)
	}
}

// safeExecute executes a task with panic recovery
func (p *WorkerPool) safeExecute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = clerrors.InternalError(fmt.Sprintf("task %s panicked: %v", task.ID, r), nil)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()
	return task.Fn(p.ctx)
}

// Submit queues a task without blocking. It fails with QueueFull when the
// queue is full and Unavailable once the pool is stopped.
func (p *WorkerPool) Submit(task Task) error {
	return p.enqueue(context.Background(), task, false)
}

// SubmitWithContext queues a task, waiting for room until ctx is done
func (p *WorkerPool) SubmitWithContext(ctx context.Context, task Task) error {
	return p.enqueue(ctx, task, true)
}

// enqueue waits for room on a full queue only when wait is set
func (p *WorkerPool) enqueue(ctx context.Context, task Task, wait bool) error {
	select {
	case <-p.stopChan:
		return p.reject(clerrors.Unavailable(fmt.Sprintf("%s pool is stopped", p.name), nil))
	default:
	}

	if !wait {
		select {
		case p.taskQueue <- task:
			atomic.AddUint64(&p.totalTasks, 1)
			return nil
		default:
			return p.reject(clerrors.QueueFull(fmt.Sprintf("%s pool queue is full", p.name), nil))
		}
	}

	select {
	case <-p.stopChan:
		return p.reject(clerrors.Unavailable(fmt.Sprintf("%s pool is stopped", p.name), nil))
	case <-ctx.Done():
		return p.reject(ctx.Err())
	case p.taskQueue <- task:
		atomic.AddUint64(&p.totalTasks, 1)
		return nil
	}
}

func (p *WorkerPool) reject(err error) error {
	atomic.AddUint64(&p.rejectedTasks, 1)
	return err
}

// RunAll runs every task on the pool and waits for all of them. Task
// failures are aggregated.
func (p *WorkerPool) RunAll(ctx context.Context, tasks []Task) error {
	var (
		mu     sync.Mutex
		result *multierror.Error
		wg     sync.WaitGroup
	)
	record := func(err error) {
		if err == nil {
			return
		}
		mu.Lock()
		result = multierror.Append(result, err)
		mu.Unlock()
	}

	for _, task := range tasks {
		done := task.Done
		task.Done = func(err error) {
			if done != nil {
				done(err)
			}
			record(err)
			wg.Done()
		}
		wg.Add(1)
		if err := p.SubmitWithContext(ctx, task); err != nil {
			wg.Done()
			record(err)
		}
	}
	wg.Wait()
	return result.ErrorOrNil()
}

// Stop gracefully stops the worker pool.
// Waits for all workers to finish their current tasks.
func (p *WorkerPool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping pool", zap.String("pool", p.name))
		close(p.stopChan)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Pool drained", zap.String("pool", p.name))
		case <-time.After(timeout):
			err = clerrors.Unavailable(fmt.Sprintf("%s pool did not drain within %v", p.name, timeout), nil)
			p.logger.Warn("Pool stop timed out, cancelling running tasks", zap.String("pool", p.name))
		}
		p.cancel()
	})
	return err
}

// Stats returns current worker pool statistics
func (p *WorkerPool) Stats() Stats {
	return Stats{
		Name:           p.name,
		MaxWorkers:     p.maxWorkers,
		ActiveWorkers:  int(atomic.LoadInt32(&p.activeWorkers)),
		QueueSize:      p.queueSize,
		QueuedTasks:    len(p.taskQueue),
		TotalTasks:     atomic.LoadUint64(&p.totalTasks),
		CompletedTasks: atomic.LoadUint64(&p.completedTasks),
		FailedTasks:    atomic.LoadUint64(&p.failedTasks),
		RejectedTasks:  atomic.LoadUint64(&p.rejectedTasks),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name           string
	MaxWorkers     int
	ActiveWorkers  int
	QueueSize      int
	QueuedTasks    int
	TotalTasks     uint64
	CompletedTasks uint64
	FailedTasks    uint64
	RejectedTasks  uint64
}
