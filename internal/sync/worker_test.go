package sync

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-sync-service/internal/config"
)

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestWorkerPoolRunsTasks(t *testing.T) {
	pool := NewWorkerPool(config.SyncConfig{Workers: 2, QueueSize: 10}, nil)
	pool.Start()
	defer pool.Stop()

	boom := errors.New("boom")
	ok, err := pool.Submit(Task{Name: "ok", Run: func(context.Context) error { return nil }})
	require.NoError(t, err)
	bad, err := pool.Submit(Task{Name: "bad", Run: func(context.Context) error { return boom }})
	require.NoError(t, err)

	assert.NoError(t, ok.Wait(waitCtx(t)))
	assert.ErrorIs(t, bad.Wait(waitCtx(t)), boom)
	assert.Equal(t, "bad", bad.Name())
}

func TestWorkerPoolRecoversPanics(t *testing.T) {
	pool := NewWorkerPool(config.SyncConfig{Workers: 1, QueueSize: 1}, nil)
	pool.Start()
	defer pool.Stop()

	h, err := pool.Submit(Task{Name: "panics", Run: func(context.Context) error { panic("kaboom") }})
	require.NoError(t, err)
	err = h.Wait(waitCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	next, err := pool.Submit(Task{Name: "after", Run: func(context.Context) error { return nil }})
	require.NoError(t, err)
	assert.NoError(t, next.Wait(waitCtx(t)))
}

func TestWorkerPoolQueueFull(t *testing.T) {
	pool := NewWorkerPool(config.SyncConfig{Workers: 1, QueueSize: 1}, nil)

	_, err := pool.Submit(Task{Name: "first", Run: func(context.Context) error { return nil }})
	require.NoError(t, err)
	_, err = pool.Submit(Task{Name: "second", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestWorkerPoolStopFailsQueuedTasks(t *testing.T) {
	pool := NewWorkerPool(config.SyncConfig{Workers: 1, QueueSize: 5}, nil)
	h, err := pool.Submit(Task{Name: "queued", Run: func(context.Context) error { return nil }})
	require.NoError(t, err)

	pool.Stop()
	assert.ErrorIs(t, h.Wait(waitCtx(t)), ErrPoolStopped)

	_, err = pool.Submit(Task{Name: "late", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrPoolStopped)
	_, err = pool.SubmitAfter(time.Second, Task{Name: "late", Run: func(context.Context) error { return nil }})
	assert.ErrorIs(t, err, ErrPoolStopped)
}

func TestCancelRunningTask(t *testing.T) {
	pool := NewWorkerPool(config.SyncConfig{Workers: 1, QueueSize: 1}, nil)
	pool.Start()
	defer pool.Stop()

	started := make(chan struct{})
	h, err := pool.Submit(Task{Name: "long", Run: func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}})
	require.NoError(t, err)

	<-started
	h.Cancel()
	assert.ErrorIs(t, h.Wait(waitCtx(t)), context.Canceled)
}

func TestCancelQueuedTaskSkipsIt(t *testing.T) {
	pool := NewWorkerPool(config.SyncConfig{Workers: 1, QueueSize: 2}, nil)
	ran := false
	h, err := pool.Submit(Task{Name: "queued", Run: func(context.Context) error {
		ran = true
		return nil
	}})
	require.NoError(t, err)
	h.Cancel()

	pool.Start()
	defer pool.Stop()
	assert.ErrorIs(t, h.Wait(waitCtx(t)), context.Canceled)
	assert.False(t, ran)
}

type manualTimers struct {
	mu      sync.Mutex
	delays  []time.Duration
	pending []func()
}

func (m *manualTimers) afterFunc(d time.Duration, f func()) func() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := len(m.pending)
	m.delays = append(m.delays, d)
	m.pending = append(m.pending, f)
	return func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.pending[idx] == nil {
			return false
		}
		m.pending[idx] = nil
		return true
	}
}

func (m *manualTimers) fire(idx int) {
	m.mu.Lock()
	f := m.pending[idx]
	m.pending[idx] = nil
	m.mu.Unlock()
	if f != nil {
		f()
	}
}

func TestSubmitAfterWaitsForTimer(t *testing.T) {
	timers := &manualTimers{}
	pool := NewWorkerPool(config.SyncConfig{Workers: 1, QueueSize: 2}, nil)
	pool.afterFunc = timers.afterFunc
	pool.Start()
	defer pool.Stop()

	h, err := pool.SubmitAfter(2*time.Minute, Task{Name: "delayed", Run: func(context.Context) error { return nil }})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Minute}, timers.delays)

	select {
	case <-h.Done():
		t.Fatal("delayed task ran before its timer")
	case <-time.After(20 * time.Millisecond):
	}

	timers.fire(0)
	assert.NoError(t, h.Wait(waitCtx(t)))
}

func TestCancelDelayedTask(t *testing.T) {
	timers := &manualTimers{}
	pool := NewWorkerPool(config.SyncConfig{Workers: 1, QueueSize: 2}, nil)
	pool.afterFunc = timers.afterFunc

	h, err := pool.SubmitAfter(time.Minute, Task{Name: "delayed", Run: func(context.Context) error { return nil }})
	require.NoError(t, err)
	h.Cancel()
	assert.ErrorIs(t, h.Wait(waitCtx(t)), context.Canceled)
}
