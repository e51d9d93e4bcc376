package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"themis/util/goroutine"
)

// Worker pool errors.
var (
	ErrWorkerPoolNotRunning = errors.New("worker pool is not running")
	ErrWorkerPoolQueueFull  = errors.New("worker pool task queue is full")
)

// stopDrainTimeout bounds how long Stop waits for in-flight tasks.
const stopDrainTimeout = 10 * time.Second

// WorkerPool runs submitted tasks on a fixed set of worker goroutines. The
// engine uses one pool per instance to bound rule-unit concurrency: the
// worker count is the batch max-concurrency.
type WorkerPool struct {
	workers   int
	queueSize int
	taskCh    chan func()
	wg        sync.WaitGroup
	logger    *zap.SugaredLogger
	ctx       context.Context
	cancel    context.CancelFunc
	running   bool
	mu        sync.RWMutex

	submitted int64
	completed int64
	panics    int64
}

// NewWorkerPool creates a pool with the given worker count and queue size.
// Workers are not started until Start is called.
func NewWorkerPool(parentCtx context.Context, workers, queueSize int, logger *zap.SugaredLogger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = workers
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	return &WorkerPool{
		workers:   workers,
		queueSize: queueSize,
		taskCh:    make(chan func(), queueSize),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the worker goroutines. Starting a running pool is a no-op.
func (wp *WorkerPool) Start() error {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if wp.running {
		return nil
	}
	wp.running = true
	wp.logger.Infof("starting worker pool with %d workers and queue size %d", wp.workers, wp.queueSize)

	for i := 0; i < wp.workers; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}
	return nil
}

// Stop cancels outstanding work and waits for workers to drain, bounded by
// stopDrainTimeout. Stopping a stopped pool is a no-op.
func (wp *WorkerPool) Stop() {
	wp.mu.Lock()
	defer wp.mu.Unlock()

	if !wp.running {
		return
	}
	wp.running = false

	wp.cancel()
	close(wp.taskCh)

	done := make(chan struct{})
	go func() {
		defer goroutine.Recover("worker-pool-stop", wp.logger)
		wp.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		wp.logger.Infow("worker pool stopped", "completed", atomic.LoadInt64(&wp.completed))
	case <-time.After(stopDrainTimeout):
		wp.logger.Errorw("worker pool shutdown timed out, goroutines leaked",
			"workers", wp.workers,
			"timeout", stopDrainTimeout)
	}
}

// Submit enqueues a task without blocking. It fails when the pool is not
// running or the queue is full.
func (wp *WorkerPool) Submit(task func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if !wp.running {
		return ErrWorkerPoolNotRunning
	}

	select {
	case wp.taskCh <- task:
		atomic.AddInt64(&wp.submitted, 1)
		return nil
	default:
		return ErrWorkerPoolQueueFull
	}
}

// SubmitContext enqueues a task, blocking until there is queue room or ctx is
// done.
func (wp *WorkerPool) SubmitContext(ctx context.Context, task func()) error {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	if !wp.running {
		return ErrWorkerPoolNotRunning
	}

	select {
	case wp.taskCh <- task:
		atomic.AddInt64(&wp.submitted, 1)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("task submission cancelled: %w", ctx.Err())
	case <-wp.ctx.Done():
		return ErrWorkerPoolNotRunning
	}
}

// Stats returns a snapshot of pool counters.
func (wp *WorkerPool) Stats() WorkerPoolStats {
	wp.mu.RLock()
	defer wp.mu.RUnlock()

	return WorkerPoolStats{
		Workers:     wp.workers,
		Running:     wp.running,
		QueuedTasks: len(wp.taskCh),
		Capacity:    cap(wp.taskCh),
		Submitted:   atomic.LoadInt64(&wp.submitted),
		Completed:   atomic.LoadInt64(&wp.completed),
		Panics:      atomic.LoadInt64(&wp.panics),
	}
}

// worker consumes tasks until the pool stops. A panicking task is recovered
// so it cannot take the worker down with it.
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()
	defer goroutine.Recover("worker-pool", wp.logger)

	for {
		select {
		case <-wp.ctx.Done():
			return
		case task, ok := <-wp.taskCh:
			if !ok {
				return
			}
			wp.runTask(id, task)
		}
	}
}

func (wp *WorkerPool) runTask(id int, task func()) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&wp.panics, 1)
			wp.logger.Errorw("task panicked in worker", "worker_id", id, "panic", r)
		}
	}()
	task()
	atomic.AddInt64(&wp.completed, 1)
}

// WorkerPoolStats is a point-in-time snapshot of pool counters.
type WorkerPoolStats struct {
	Workers     int   `json:"workers"`
	Running     bool  `json:"running"`
	QueuedTasks int   `json:"queued_tasks"`
	Capacity    int   `json:"capacity"`
	Submitted   int64 `json:"submitted"`
	Completed   int64 `json:"completed"`
	Panics      int64 `json:"panics"`
}
