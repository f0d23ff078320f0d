package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrStopped is returned when work is handed to a pool that has been stopped.
var ErrStopped = errors.New("worker pool is stopped")

// job is one blocking call waiting for a worker. The caller waits on done.
type job struct {
	id   string
	ctx  context.Context
	fn   func(context.Context) error
	done chan error
}

// Pool runs blocking calls (driver subprocesses, HTTP round trips) on a
// bounded set of goroutines so that a burst of power requests cannot fork an
// unbounded number of ipmitool processes.
type Pool struct {
	name       string
	maxWorkers int
	queueSize  int
	jobs       chan job
	logger     *zap.Logger
	observer   Observer

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	active    int32
	total     uint64
	completed uint64
	failed    uint64
	rejected  uint64
}

// Observer receives pool occupancy changes. Metrics gauges implement it.
type Observer interface {
	SetActive(n int)
	SetQueued(n int)
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
	Observer   Observer
}

// New creates a pool and starts its workers
func New(cfg Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 10
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &Pool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		jobs:       make(chan job, cfg.QueueSize),
		logger:     cfg.Logger,
		observer:   cfg.Observer,
		stopCh:     make(chan struct{}),
	}

	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("max_workers", p.maxWorkers),
		zap.Int("queue_size", p.queueSize))

	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			return
		case j := <-p.jobs:
			p.observe()
			j.done <- p.run(id, j)
		}
	}
}

func (p *Pool) run(workerID int, j job) error {
	atomic.AddInt32(&p.active, 1)
	p.observe()
	defer func() {
		atomic.AddInt32(&p.active, -1)
		p.observe()
	}()

	// The caller may have given up while the job sat in the queue.
	if err := j.ctx.Err(); err != nil {
		atomic.AddUint64(&p.failed, 1)
		return err
	}

	start := time.Now()
	err := p.safeExecute(j)
	if err != nil {
		atomic.AddUint64(&p.failed, 1)
		p.logger.Debug("Pooled call failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("call", j.id),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return err
	}
	atomic.AddUint64(&p.completed, 1)
	return nil
}

func (p *Pool) safeExecute(j job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("call %s panicked: %v", j.id, r)
			p.logger.Error("Pooled call panic recovered",
				zap.String("pool", p.name),
				zap.String("call", j.id),
				zap.Any("panic", r))
		}
	}()
	return j.fn(j.ctx)
}

// Do runs fn on a pool worker and blocks until it returns, the context ends,
// or the pool stops. Queueing is bounded by ctx: a full queue blocks rather
// than rejecting.
func (p *Pool) Do(ctx context.Context, id string, fn func(context.Context) error) error {
	j := job{id: id, ctx: ctx, fn: fn, done: make(chan error, 1)}

	select {
	case <-p.stopCh:
		atomic.AddUint64(&p.rejected, 1)
		return fmt.Errorf("%w: %s", ErrStopped, p.name)
	case <-ctx.Done():
		atomic.AddUint64(&p.rejected, 1)
		return ctx.Err()
	case p.jobs <- j:
		atomic.AddUint64(&p.total, 1)
		p.observe()
	}

	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-p.stopCh:
		return fmt.Errorf("%w: %s", ErrStopped, p.name)
	}
}

// Stop stops accepting work and waits for busy workers to finish
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		p.logger.Info("Stopping worker pool", zap.String("name", p.name))
		close(p.stopCh)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

func (p *Pool) observe() {
	if p.observer == nil {
		return
	}
	p.observer.SetActive(int(atomic.LoadInt32(&p.active)))
	p.observer.SetQueued(len(p.jobs))
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Name:          p.name,
		MaxWorkers:    p.maxWorkers,
		ActiveWorkers: int(atomic.LoadInt32(&p.active)),
		QueueSize:     p.queueSize,
		QueuedCalls:   len(p.jobs),
		Total:         atomic.LoadUint64(&p.total),
		Completed:     atomic.LoadUint64(&p.completed),
		Failed:        atomic.LoadUint64(&p.failed),
		Rejected:      atomic.LoadUint64(&p.rejected),
	}
}

// Stats is a snapshot of pool counters
type Stats struct {
	Name          string `json:"name"`
	MaxWorkers    int    `json:"max_workers"`
	ActiveWorkers int    `json:"active_workers"`
	QueueSize     int    `json:"queue_size"`
	QueuedCalls   int    `json:"queued_calls"`
	Total         uint64 `json:"total"`
	Completed     uint64 `json:"completed"`
	Failed        uint64 `json:"failed"`
	Rejected      uint64 `json:"rejected"`
}

// WorkerUtilization returns the share of busy workers as a percentage
func (s Stats) WorkerUtilization() float64 {
	if s.MaxWorkers == 0 {
		return 0
	}
	return (float64(s.ActiveWorkers) / float64(s.MaxWorkers)) * 100.0
}
