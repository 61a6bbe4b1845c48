package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Task is one unit of background work, such as loading a routing map
type Task struct {
	ID string
	Fn func(context.Context) error
}

// Config holds worker pool configuration
type Config struct {
	Name      string
	Workers   int
	QueueSize int
	Logger    *zap.Logger
}

// Pool runs tasks on a fixed set of goroutines. Tasks inherit the context
// passed to Submit.
type Pool struct {
	name     string
	workers  int
	queue    chan queuedTask
	logger   *zap.Logger
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	active    atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

type queuedTask struct {
	ctx  context.Context
	task Task
	done func(error)
}

// Stats is a snapshot of pool counters
type Stats struct {
	Name      string
	Workers   int
	Active    int
	Queued    int
	Submitted uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64
}

// New creates a pool and starts its workers
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 16
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &Pool{
		name:    cfg.Name,
		workers: cfg.Workers,
		queue:   make(chan queuedTask, cfg.QueueSize),
		logger:  cfg.Logger,
		stopCh:  make(chan struct{}),
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("workers", p.workers),
		zap.Int("queue_size", cfg.QueueSize))
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case qt := <-p.queue:
			p.execute(id, qt)
		}
	}
}

func (p *Pool) execute(workerID int, qt queuedTask) {
	p.active.Add(1)
	defer p.active.Add(-1)

	start := time.Now()
	err := p.safeExecute(qt)
	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", qt.task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
	} else {
		p.completed.Add(1)
		p.logger.Debug("Task completed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", qt.task.ID),
			zap.Duration("duration", time.Since(start)))
	}
	if qt.done != nil {
		qt.done(err)
	}
}

func (p *Pool) safeExecute(qt queuedTask) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", qt.task.ID, r)
		}
	}()
	if err := qt.ctx.Err(); err != nil {
		return err
	}
	return qt.task.Fn(qt.ctx)
}

// Submit queues task, blocking until there is room, ctx is done or the pool
// stops. done, if not nil, is called with the task's result.
func (p *Pool) Submit(ctx context.Context, task Task, done func(error)) error {
	select {
	case <-p.stopCh:
		p.rejected.Add(1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	default:
	}

	select {
	case <-p.stopCh:
		p.rejected.Add(1)
		return fmt.Errorf("worker pool '%s' is stopped", p.name)
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	case p.queue <- queuedTask{ctx: ctx, task: task, done: done}:
		p.submitted.Add(1)
		return nil
	}
}

// TrySubmit queues task without blocking. It returns false if the queue is
// full or the pool is stopped.
func (p *Pool) TrySubmit(ctx context.Context, task Task) bool {
	select {
	case <-p.stopCh:
		p.rejected.Add(1)
		return false
	default:
	}

	select {
	case p.queue <- queuedTask{ctx: ctx, task: task}:
		p.submitted.Add(1)
		return true
	default:
		p.rejected.Add(1)
		return false
	}
}

// Stop lets workers finish their current task and waits up to timeout.
// Tasks still queued are dropped.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopCh)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
		}
	})
	return err
}

// Stats returns the current pool counters
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Workers:   p.workers,
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
