package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/lock"
	"catalog-sync-service/internal/platform"
	"catalog-sync-service/internal/store"
)

type blockingRunner struct {
	mu      sync.Mutex
	calls   []RunRequest
	release chan struct{}
	started chan struct{}
}

func (r *blockingRunner) Run(ctx context.Context, req RunRequest) (*store.SyncRun, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	r.mu.Unlock()
	if r.started != nil {
		r.started <- struct{}{}
	}
	if r.release != nil {
		<-r.release
	}
	return &store.SyncRun{IntegrationID: req.IntegrationID, Status: store.RunCompleted}, nil
}

func (r *blockingRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func syncConfig() config.SyncConfig {
	return config.SyncConfig{
		Workers:        2,
		QueueSize:      10,
		MaxAttempts:    3,
		RetryBaseDelay: "1m",
		RunTimeout:     "10m",
	}
}

func TestTriggerStoreSyncRejectsSecondTrigger(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{}), started: make(chan struct{}, 1)}
	pool := NewWorkerPool(syncConfig(), nil)
	pool.Start()
	defer pool.Stop()
	d := NewDispatcher(syncConfig(), runner, pool, lock.NewMemoryLocker(), nil)

	ctx := context.Background()
	h, err := d.TriggerStoreSync(ctx, "integ-1", store.RunFull)
	require.NoError(t, err)
	<-runner.started

	_, err = d.TriggerStoreSync(ctx, "integ-1", store.RunFull)
	assert.ErrorIs(t, err, ErrSyncInProgress)

	inProgress, err := d.InProgress(ctx, "integ-1")
	require.NoError(t, err)
	assert.True(t, inProgress)

	// Other integrations are not blocked.
	other, err := d.TriggerStoreSync(ctx, "integ-2", store.RunFull)
	require.NoError(t, err)
	<-runner.started

	close(runner.release)
	require.NoError(t, h.Wait(waitCtx(t)))
	require.NoError(t, other.Wait(waitCtx(t)))
	assert.Equal(t, 2, runner.count())

	inProgress, err = d.InProgress(ctx, "integ-1")
	require.NoError(t, err)
	assert.False(t, inProgress)

	again, err := d.TriggerStoreSync(ctx, "integ-1", store.RunIncremental)
	require.NoError(t, err)
	<-runner.started
	require.NoError(t, again.Wait(waitCtx(t)))
}

func TestRunNowHoldsTheLock(t *testing.T) {
	runner := &blockingRunner{release: make(chan struct{}), started: make(chan struct{}, 1)}
	pool := NewWorkerPool(syncConfig(), nil)
	pool.Start()
	defer pool.Stop()
	d := NewDispatcher(syncConfig(), runner, pool, lock.NewMemoryLocker(), nil)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := d.RunNow(ctx, RunRequest{IntegrationID: "integ-1", Kind: store.RunFull, Attempt: 1})
		done <- err
	}()
	<-runner.started

	_, err := d.TriggerStoreSync(ctx, "integ-1", store.RunFull)
	assert.ErrorIs(t, err, ErrSyncInProgress)
	_, err = d.RunNow(ctx, RunRequest{IntegrationID: "integ-1", Kind: store.RunFull, Attempt: 1})
	assert.ErrorIs(t, err, ErrSyncInProgress)

	close(runner.release)
	require.NoError(t, <-done)

	inProgress, err := d.InProgress(ctx, "integ-1")
	require.NoError(t, err)
	assert.False(t, inProgress)
	assert.Equal(t, 1, runner.count())
}

func TestPriceChecksDoNotTakeTheLock(t *testing.T) {
	runner := &blockingRunner{}
	pool := NewWorkerPool(syncConfig(), nil)
	pool.Start()
	defer pool.Stop()
	locker := lock.NewMemoryLocker()
	d := NewDispatcher(syncConfig(), runner, pool, locker, nil)

	held, err := locker.Acquire(context.Background(), LockKey("integ-1"), time.Minute)
	require.NoError(t, err)
	defer held.Release(context.Background())

	h, err := d.SubmitPriceCheck("integ-1", "product-1")
	require.NoError(t, err)
	require.NoError(t, h.Wait(waitCtx(t)))

	require.Equal(t, 1, runner.count())
	assert.Equal(t, store.RunPriceOnly, runner.calls[0].Kind)
	assert.Equal(t, "product-1", runner.calls[0].ProductID)
}

func TestRetryDelayDoubles(t *testing.T) {
	d := NewDispatcher(syncConfig(), &blockingRunner{}, nil, lock.NewMemoryLocker(), nil)
	assert.Equal(t, time.Minute, d.RetryDelay(1))
	assert.Equal(t, 2*time.Minute, d.RetryDelay(2))
	assert.Equal(t, 4*time.Minute, d.RetryDelay(3))
}

func TestTransientFailuresAreRetriedUpToMaxAttempts(t *testing.T) {
	h := newHarness(t, Options{})
	h.adapter.authErr = &platform.TransientError{Platform: platform.Shopify, Err: platform.ErrRequestFailed}

	var (
		mu     sync.Mutex
		delays []time.Duration
	)
	pool := NewWorkerPool(syncConfig(), nil)
	pool.afterFunc = func(d time.Duration, f func()) func() bool {
		mu.Lock()
		delays = append(delays, d)
		mu.Unlock()
		h.clock.Advance(d)
		go f()
		return func() bool { return false }
	}
	pool.Start()
	defer pool.Stop()

	d := NewDispatcher(syncConfig(), h.orch, pool, lock.NewMemoryLocker(), nil)
	first, err := d.TriggerStoreSync(context.Background(), h.integ.ID, store.RunFull)
	require.NoError(t, err)
	assert.True(t, platform.IsTransient(first.Wait(waitCtx(t))))

	finishedRuns := func() []*store.SyncRun {
		runs, err := h.store.ListRuns(context.Background(), h.integ.ID, 10)
		require.NoError(t, err)
		var done []*store.SyncRun
		for _, r := range runs {
			if r.Finished() {
				done = append(done, r)
			}
		}
		return done
	}
	require.Eventually(t, func() bool { return len(finishedRuns()) == 3 }, 5*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return len(finishedRuns()) > 3 }, 100*time.Millisecond, 10*time.Millisecond)

	runs := finishedRuns()
	// Newest first.
	for i, r := range runs {
		assert.Equal(t, store.RunFailed, r.Status)
		assert.Equal(t, 3-i, r.Attempt)
	}
	assert.Equal(t, time.Minute, runs[1].StartedAt.Sub(runs[2].StartedAt))
	assert.Equal(t, 2*time.Minute, runs[0].StartedAt.Sub(runs[1].StartedAt))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{time.Minute, 2 * time.Minute}, delays)
}

func TestAuthFailuresAreNotRetried(t *testing.T) {
	h := newHarness(t, Options{})
	h.adapter.authErr = &platform.AuthError{Platform: platform.Shopify, Err: platform.ErrRequestFailed}

	timers := &manualTimers{}
	pool := NewWorkerPool(syncConfig(), nil)
	pool.afterFunc = timers.afterFunc
	pool.Start()
	defer pool.Stop()

	d := NewDispatcher(syncConfig(), h.orch, pool, lock.NewMemoryLocker(), nil)
	handle, err := d.TriggerStoreSync(context.Background(), h.integ.ID, store.RunFull)
	require.NoError(t, err)
	assert.True(t, platform.IsAuth(handle.Wait(waitCtx(t))))
	assert.Empty(t, timers.delays)
}
