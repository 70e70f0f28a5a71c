package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/lock"
	"catalog-sync-service/internal/logger"
	"catalog-sync-service/internal/metrics"
	"catalog-sync-service/internal/platform"
	"catalog-sync-service/internal/store"
)

// Runner executes a single sync attempt.
type Runner interface {
	Run(ctx context.Context, req RunRequest) (*store.SyncRun, error)
}

// Dispatcher turns sync triggers into pool tasks: one locked run per
// integration at a time, with transient failures retried as new delayed tasks.
type Dispatcher struct {
	runner      Runner
	pool        *WorkerPool
	locker      lock.Locker
	metrics     *metrics.Metrics
	lockTTL     time.Duration
	maxAttempts int
	baseDelay   time.Duration
}

func NewDispatcher(cfg config.SyncConfig, runner Runner, pool *WorkerPool, locker lock.Locker, m *metrics.Metrics) *Dispatcher {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	baseDelay := cfg.GetRetryBaseDelay()
	if baseDelay <= 0 {
		baseDelay = time.Minute
	}
	// The lock outlives the run timeout slightly so it never expires under a live run.
	ttl := cfg.GetRunTimeout() + time.Minute
	return &Dispatcher{
		runner:      runner,
		pool:        pool,
		locker:      locker,
		metrics:     m,
		lockTTL:     ttl,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
	}
}

func LockKey(integrationID string) string {
	return "integration:" + integrationID
}

// InProgress reports whether a run currently holds the integration lock.
func (d *Dispatcher) InProgress(ctx context.Context, integrationID string) (bool, error) {
	return d.locker.Held(ctx, LockKey(integrationID))
}

// RetryDelay is the wait before the attempt following attempt n.
func (d *Dispatcher) RetryDelay(attempt int) time.Duration {
	return d.baseDelay * time.Duration(1<<(attempt-1))
}

// TriggerStoreSync starts a run unless one is already in flight for the
// integration, in which case it returns ErrSyncInProgress.
func (d *Dispatcher) TriggerStoreSync(ctx context.Context, integrationID, kind string) (*TaskHandle, error) {
	lk, err := d.locker.Acquire(ctx, LockKey(integrationID), d.lockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		d.metrics.SyncTriggered("store", "in_progress")
		return nil, fmt.Errorf("%w: integration %s", ErrSyncInProgress, integrationID)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}

	req := RunRequest{IntegrationID: integrationID, Kind: kind, Attempt: 1}
	h, err := d.pool.Submit(Task{
		Name: "sync " + req.String(),
		Run: func(ctx context.Context) error {
			return d.execute(ctx, req, lk)
		},
	})
	if err != nil {
		d.release(lk, integrationID)
		d.metrics.SyncTriggered("store", "rejected")
		return nil, err
	}
	d.metrics.SyncTriggered("store", "accepted")
	return h, nil
}

// RunNow runs req in the caller's goroutine under the integration lock. Like
// TriggerStoreSync it returns ErrSyncInProgress when another run holds the
// lock. Failures are not retried.
func (d *Dispatcher) RunNow(ctx context.Context, req RunRequest) (*store.SyncRun, error) {
	lk, err := d.locker.Acquire(ctx, LockKey(req.IntegrationID), d.lockTTL)
	if errors.Is(err, lock.ErrNotAcquired) {
		return nil, fmt.Errorf("%w: integration %s", ErrSyncInProgress, req.IntegrationID)
	}
	if err != nil {
		return nil, fmt.Errorf("acquire lock: %w", err)
	}
	defer d.release(lk, req.IntegrationID)
	return d.runner.Run(ctx, req)
}

// SubmitPriceCheck queues a lock-free price-only refresh of one product on
// one integration. These tasks are not retried.
func (d *Dispatcher) SubmitPriceCheck(integrationID, productID string) (*TaskHandle, error) {
	req := RunRequest{IntegrationID: integrationID, Kind: store.RunPriceOnly, Attempt: 1, ProductID: productID}
	h, err := d.pool.Submit(Task{
		Name: "price check " + req.String(),
		Run: func(ctx context.Context) error {
			_, err := d.runner.Run(ctx, req)
			return err
		},
	})
	if err != nil {
		d.metrics.SyncTriggered("product", "rejected")
		return nil, err
	}
	d.metrics.SyncTriggered("product", "accepted")
	return h, nil
}

func (d *Dispatcher) execute(ctx context.Context, req RunRequest, lk lock.Lock) error {
	_, err := d.runner.Run(ctx, req)
	d.release(lk, req.IntegrationID)

	if err != nil && Retryable(err) {
		d.scheduleRetry(req)
	}
	return err
}

func (d *Dispatcher) scheduleRetry(failed RunRequest) {
	if failed.Attempt >= d.maxAttempts {
		logger.Log.Warn("Sync retries exhausted",
			zap.String("integration_id", failed.IntegrationID),
			zap.Int("attempts", failed.Attempt),
		)
		return
	}

	next := failed
	next.Attempt++
	delay := d.RetryDelay(failed.Attempt)
	_, err := d.pool.SubmitAfter(delay, Task{
		Name: "retry " + next.String(),
		Run: func(ctx context.Context) error {
			lk, err := d.locker.Acquire(ctx, LockKey(next.IntegrationID), d.lockTTL)
			if errors.Is(err, lock.ErrNotAcquired) {
				logger.Log.Info("Skipping retry, another run is in progress",
					zap.String("integration_id", next.IntegrationID))
				return fmt.Errorf("%w: integration %s", ErrSyncInProgress, next.IntegrationID)
			}
			if err != nil {
				return fmt.Errorf("acquire lock: %w", err)
			}
			return d.execute(ctx, next, lk)
		},
	})
	if err != nil {
		logger.Log.Error("Failed to schedule sync retry", zap.String("integration_id", next.IntegrationID), zap.Error(err))
		return
	}
	logger.Log.Info("Scheduled sync retry",
		zap.String("integration_id", next.IntegrationID),
		zap.Int("attempt", next.Attempt),
		zap.Duration("delay", delay),
	)
}

func (d *Dispatcher) release(lk lock.Lock, integrationID string) {
	if err := lk.Release(context.Background()); err != nil {
		logger.Log.Warn("Failed to release sync lock", zap.String("integration_id", integrationID), zap.Error(err))
	}
}

// Retryable reports whether a whole-run failure is worth another attempt.
func Retryable(err error) bool {
	return platform.IsTransient(err) || errors.Is(err, ErrRunTimeout)
}
