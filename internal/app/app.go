// Package app builds the service graph from configuration. Both binaries go
// through Build so the HTTP server and the CLI run the same engine.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"catalog-sync-service/internal/admin"
	"catalog-sync-service/internal/api"
	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/events"
	"catalog-sync-service/internal/lock"
	"catalog-sync-service/internal/logger"
	"catalog-sync-service/internal/matching"
	"catalog-sync-service/internal/metrics"
	"catalog-sync-service/internal/platform"
	"catalog-sync-service/internal/pricehistory"
	"catalog-sync-service/internal/realtime"
	"catalog-sync-service/internal/store"
	"catalog-sync-service/internal/sync"
	"catalog-sync-service/internal/webhook"
)

type App struct {
	Config       *config.Config
	Store        *store.SQLStore
	Redis        redis.UniversalClient
	Metrics      *metrics.Metrics
	Adapters     sync.AdapterFactory
	Orchestrator *sync.Orchestrator
	Pool         *sync.WorkerPool
	Dispatcher   *sync.Dispatcher
	Scheduler    *sync.Scheduler
	Listener     *sync.CatalogListener
	Manager      *sync.Manager
	RealTime     *realtime.Service
	Admin        *admin.Service
	Webhooks     *webhook.Ingress
}

type Option func(*App)

// WithAdapters replaces the platform adapter factory, mostly for tests.
func WithAdapters(f sync.AdapterFactory) Option {
	return func(a *App) { a.Adapters = f }
}

// Build opens storage (and Redis when enabled) and wires every component.
// Nothing is started; call Manager.Start for the background machinery.
func Build(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	st, err := store.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a := &App{Config: cfg, Store: st, Metrics: metrics.New()}

	var (
		locker    lock.Locker      = lock.NewMemoryLocker()
		publisher events.Publisher = events.LogPublisher{}
	)
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			st.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		a.Redis = client
		locker = lock.NewRedisLocker(client, cfg.Redis.KeyPrefix)
		publisher = events.MultiPublisher{
			events.LogPublisher{},
			events.NewRedisPublisher(client, cfg.Redis.EventsChannel),
		}
		logger.Log.Info("Using Redis for locks and events", zap.String("addr", cfg.Redis.Addr))
	}

	matcher := matching.NewMatcher()
	recorder := pricehistory.NewRecorder(st)
	a.Adapters = AdapterFactory(cfg.Sync)
	for _, opt := range opts {
		opt(a)
	}

	a.Orchestrator = sync.NewOrchestrator(st, a.Adapters, matcher, recorder, publisher, a.Metrics, sync.Options{
		PageSize:       cfg.Sync.PageSize,
		RunTimeout:     cfg.Sync.GetRunTimeout(),
		DedupThreshold: cfg.Sync.DedupThreshold,
		CandidateLimit: cfg.Sync.CandidateLimit,
	})
	a.Pool = sync.NewWorkerPool(cfg.Sync, a.Metrics)
	a.Dispatcher = sync.NewDispatcher(cfg.Sync, a.Orchestrator, a.Pool, locker, a.Metrics)
	a.Scheduler = sync.NewScheduler(cfg.Scheduler, st, a.Dispatcher)

	a.RealTime = realtime.NewService(st, a.Dispatcher, recorder, matcher, realtime.Options{
		AnomalyWindowDays: cfg.Pricing.AnomalyWindowDays,
		SimilarThreshold:  cfg.Sync.SimilarThreshold,
		Policy:            pricehistory.PenaltyPolicy{Penalties: cfg.Pricing.StorePenalties},
	})
	a.Admin = admin.NewService(st, a.Adapters)
	a.Webhooks = webhook.NewIngress(st, a.Orchestrator, a.RealTime, a.Metrics)

	if cfg.Binlog.Enabled {
		a.Listener, err = sync.NewCatalogListener(cfg.Binlog, a.productChanged, a.Metrics)
		if err != nil {
			a.Close()
			return nil, err
		}
	}
	a.Manager = sync.NewManager(a.Pool, a.Scheduler, a.Listener)
	return a, nil
}

// productChanged fans a catalog row update out to every store listing it.
func (a *App) productChanged(ctx context.Context, change sync.CatalogChange) {
	res, err := a.RealTime.TriggerProductSync(ctx, change.ProductID, "")
	if err != nil {
		logger.Log.Warn("Catalog change trigger failed", zap.String("product_id", change.ProductID), zap.Error(err))
		return
	}
	logger.Log.Debug("Catalog change triggered price checks",
		zap.String("product_id", change.ProductID),
		zap.Int("dispatched", len(res.Dispatched)),
	)
}

// AdapterFactory builds adapters from an integration with the configured
// rate limit and request timeout.
func AdapterFactory(cfg config.SyncConfig) sync.AdapterFactory {
	timeout := cfg.GetRequestTimeout()
	return func(ic *store.IntegrationConfig) (platform.Adapter, error) {
		return platform.New(platform.Kind(ic.Platform), platform.Settings{
			StoreURL:    ic.StoreURL,
			Credentials: ic.Credentials,
			Currency:    ic.Credentials["currency"],
			HTTPClient:  &http.Client{Timeout: timeout},
			RateLimit:   rate.Limit(cfg.RateLimit),
			Burst:       cfg.RateBurst,
		})
	}
}

func (a *App) Handler() http.Handler {
	return api.NewHandler(api.Deps{
		Server:       a.Config.Server,
		Metrics:      a.Config.Metrics,
		Sync:         a.RealTime,
		Integrations: a.Admin,
		Webhooks:     a.Webhooks,
		Engine:       a.Manager,
		Registry:     a.Metrics,
	}).Routes()
}

// Close stops the background machinery and releases connections.
func (a *App) Close() error {
	if a.Manager != nil {
		a.Manager.Stop()
	}
	var errs []error
	if a.Redis != nil {
		errs = append(errs, a.Redis.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
