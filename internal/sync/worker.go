package sync

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/logger"
	"catalog-sync-service/internal/metrics"
)

// Task is one unit of work for the pool.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
}

// TaskHandle tracks a submitted task until it finishes.
type TaskHandle struct {
	name string
	done chan struct{}

	mu        sync.Mutex
	err       error
	cancelled bool
	cancel    context.CancelFunc
	stopTimer func() bool
}

func newTaskHandle(name string) *TaskHandle {
	return &TaskHandle{name: name, done: make(chan struct{})}
}

func (h *TaskHandle) Name() string { return h.name }

func (h *TaskHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the task finished or ctx is done.
func (h *TaskHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return h.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *TaskHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Cancel stops a delayed task before it fires, drops a queued one, or
// cancels the context of a running one.
func (h *TaskHandle) Cancel() {
	h.mu.Lock()
	h.cancelled = true
	cancel, stopTimer := h.cancel, h.stopTimer
	h.mu.Unlock()

	if stopTimer != nil && stopTimer() {
		h.finish(context.Canceled)
		return
	}
	if cancel != nil {
		cancel()
	}
}

func (h *TaskHandle) finish(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.done:
		return
	default:
	}
	h.err = err
	close(h.done)
}

type queuedTask struct {
	task   Task
	handle *TaskHandle
}

type WorkerPool struct {
	workers int
	queue   chan queuedTask
	metrics *metrics.Metrics
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.RWMutex
	stopped bool

	// afterFunc schedules delayed submissions; it returns a stop function
	// with time.Timer.Stop semantics.
	afterFunc func(d time.Duration, f func()) func() bool
}

func NewWorkerPool(cfg config.SyncConfig, m *metrics.Metrics) *WorkerPool {
	ctx, cancel := context.WithCancel(context.Background())
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 100
	}
	return &WorkerPool{
		workers: workers,
		queue:   make(chan queuedTask, size),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		afterFunc: func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		},
	}
}

func (p *WorkerPool) Start() {
	logger.Log.Info("Starting worker pool", zap.Int("workers", p.workers))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop cancels running tasks, waits for workers and fails whatever is still queued.
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	p.cancel()
	p.wg.Wait()

	for {
		select {
		case qt := <-p.queue:
			qt.handle.finish(ErrPoolStopped)
		default:
			p.metrics.SetQueueDepth(0)
			logger.Log.Info("Stopped worker pool")
			return
		}
	}
}

// Submit queues a task without blocking.
func (p *WorkerPool) Submit(task Task) (*TaskHandle, error) {
	h := newTaskHandle(task.Name)
	if err := p.enqueue(queuedTask{task: task, handle: h}); err != nil {
		return nil, err
	}
	return h, nil
}

// SubmitAfter queues the task once delay has passed. Queueing failures at
// that point finish the handle with the error.
func (p *WorkerPool) SubmitAfter(delay time.Duration, task Task) (*TaskHandle, error) {
	p.mu.RLock()
	stopped := p.stopped
	p.mu.RUnlock()
	if stopped {
		return nil, ErrPoolStopped
	}

	h := newTaskHandle(task.Name)
	stop := p.afterFunc(delay, func() {
		if err := p.enqueue(queuedTask{task: task, handle: h}); err != nil {
			logger.Log.Warn("Dropped delayed task", zap.String("task", task.Name), zap.Error(err))
			h.finish(err)
		}
	})
	h.mu.Lock()
	h.stopTimer = stop
	h.mu.Unlock()
	return h, nil
}

func (p *WorkerPool) enqueue(qt queuedTask) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrPoolStopped
	}
	select {
	case p.queue <- qt:
		p.metrics.SetQueueDepth(len(p.queue))
		return nil
	default:
		return ErrQueueFull
	}
}

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case qt := <-p.queue:
			p.metrics.SetQueueDepth(len(p.queue))
			p.execute(id, qt)
		}
	}
}

func (p *WorkerPool) execute(workerID int, qt queuedTask) {
	h := qt.handle
	ctx, cancel := context.WithCancel(p.ctx)
	defer cancel()

	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		h.finish(context.Canceled)
		return
	}
	h.cancel = cancel
	h.mu.Unlock()

	logger.Log.Debug("Running task", zap.Int("workerID", workerID), zap.String("task", qt.task.Name))
	h.finish(runSafely(ctx, qt.task))
}

func runSafely(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error("Task panicked", zap.String("task", task.Name), zap.Any("panic", r))
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()
	return task.Run(ctx)
}
