// Package jobs runs fire-and-forget side effects on a bounded worker pool.
package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned when the buffer has no free slot.
	ErrQueueFull = errors.New("jobs: queue full")
	// ErrQueueClosed is returned after Stop or before Start.
	ErrQueueClosed = errors.New("jobs: queue closed")
)

// Task is a unit of background work.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// QueueConfig configures worker pool behaviour.
type QueueConfig struct {
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
	Logger     *zap.Logger
}

// Queue dispatches tasks to a fixed number of goroutines. Submit never blocks
// the caller; Stop drains whatever is already buffered.
type Queue struct {
	name       string
	workers    int
	maxRetries int
	retryDelay time.Duration
	logger     *zap.Logger

	tasks  chan Task
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	started bool
	closed  bool
}

// NewQueue builds a queue. Call Start before submitting.
func NewQueue(name string, cfg QueueConfig) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = cfg.Workers * 64
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 500 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Queue{
		name:       name,
		workers:    cfg.Workers,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		logger:     cfg.Logger,
		tasks:      make(chan Task, cfg.BufferSize),
	}
}

// Start launches the workers. Calling it more than once is a no-op.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.closed {
		return
	}
	// Workers outlive request contexts; only Stop ends them.
	q.ctx, q.cancel = context.WithCancel(context.WithoutCancel(ctx))
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	q.started = true
	q.logger.Info("queue started", zap.String("queue", q.name), zap.Int("workers", q.workers))
}

// Submit buffers a task without blocking.
func (q *Queue) Submit(task Task) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if !q.started || q.closed {
		return ErrQueueClosed
	}
	select {
	case q.tasks <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop refuses new tasks, runs the buffered ones and waits for the workers.
// Retries still pending when the buffer empties are abandoned.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started || q.closed {
		q.closed = true
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.tasks)
	q.mu.Unlock()

	q.wg.Wait()
	q.cancel()
	q.logger.Info("queue stopped", zap.String("queue", q.name))
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for task := range q.tasks {
		q.run(task)
	}
}

func (q *Queue) run(task Task) {
	var err error
	for attempt := 0; attempt <= q.maxRetries; attempt++ {
		if attempt > 0 {
			if !q.sleep() {
				break
			}
		}
		if err = task.Run(q.ctx); err == nil {
			return
		}
		q.logger.Warn("task failed",
			zap.String("queue", q.name),
			zap.String("task", task.Name),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	q.logger.Error("task abandoned", zap.String("queue", q.name), zap.String("task", task.Name), zap.Error(err))
}

// sleep waits between retries and reports false once the queue is closing.
func (q *Queue) sleep() bool {
	q.mu.RLock()
	closing := q.closed
	q.mu.RUnlock()
	if closing {
		return false
	}
	timer := time.NewTimer(q.retryDelay)
	defer timer.Stop()
	select {
	case <-q.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
