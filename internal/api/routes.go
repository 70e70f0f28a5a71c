package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"catalog-sync-service/internal/admin"
	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/metrics"
	"catalog-sync-service/internal/platform"
	"catalog-sync-service/internal/pricehistory"
	"catalog-sync-service/internal/realtime"
	"catalog-sync-service/internal/webhook"
)

// SyncService is the trigger and read side of the engine.
type SyncService interface {
	TriggerProductSync(ctx context.Context, productID, excludeIntegrationID string) (*realtime.ProductSyncResult, error)
	TriggerStoreSync(ctx context.Context, integrationID, kind string) (*realtime.StoreSyncResult, error)
	GetSyncStatus(ctx context.Context, integrationID string) ([]realtime.SyncStatus, error)
	ListRuns(ctx context.Context, integrationID string, limit int) ([]*realtime.RunSummary, error)
	PriceTrend(ctx context.Context, productID string, days int) (pricehistory.Trend, error)
	DetectAnomalies(ctx context.Context, productID string, threshold float64) (*realtime.AnomalyReport, error)
	SimilarProducts(ctx context.Context, productID string, threshold float64, limit int) ([]realtime.SimilarProduct, error)
}

type IntegrationService interface {
	ValidateConfig(kind string, in admin.IntegrationInput) admin.ValidationResult
	Create(ctx context.Context, in admin.IntegrationInput) (*admin.IntegrationView, error)
	Get(ctx context.Context, id string) (*admin.IntegrationView, error)
	List(ctx context.Context, activeOnly bool) ([]*admin.IntegrationView, error)
	Update(ctx context.Context, id string, in admin.IntegrationInput) (*admin.IntegrationView, error)
	Deactivate(ctx context.Context, id string) (*admin.IntegrationView, error)
	TestIntegration(ctx context.Context, id string) (*admin.ConnectionResult, error)
}

type WebhookService interface {
	Handle(ctx context.Context, kind platform.Kind, integrationID, topic string, body []byte, signature string) (*webhook.Result, error)
}

// Engine reports whether the background machinery is running.
type Engine interface {
	GetStatus() string
}

type Handler struct {
	cfg          config.ServerConfig
	metricsCfg   config.MetricsConfig
	syncer       SyncService
	integrations IntegrationService
	webhooks     WebhookService
	engine       Engine
	metrics      *metrics.Metrics
}

type Deps struct {
	Server       config.ServerConfig
	Metrics      config.MetricsConfig
	Sync         SyncService
	Integrations IntegrationService
	Webhooks     WebhookService
	Engine       Engine
	Registry     *metrics.Metrics
}

func NewHandler(d Deps) *Handler {
	return &Handler{
		cfg:          d.Server,
		metricsCfg:   d.Metrics,
		syncer:       d.Sync,
		integrations: d.Integrations,
		webhooks:     d.Webhooks,
		engine:       d.Engine,
		metrics:      d.Registry,
	}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(h.CorsMiddleware)

	r.Get("/health", h.HealthCheck)
	if h.metricsCfg.Enabled {
		path := h.metricsCfg.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, h.metrics.Handler())
	}

	r.Post("/webhooks/{platform}/{integrationId}", h.ReceiveWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.AuthMiddleware)

		r.Post("/sync/product/{id}", h.TriggerProductSync)
		r.Post("/sync/store/{integrationId}", h.TriggerStoreSync)
		r.Get("/sync/status", h.GetSyncStatus)
		r.Get("/sync/runs", h.ListRuns)

		r.Get("/price/trend", h.PriceTrend)
		r.Get("/price/anomalies", h.DetectAnomalies)
		r.Get("/products/{id}/similar", h.SimilarProducts)

		r.Route("/integrations", func(r chi.Router) {
			r.Get("/", h.ListIntegrations)
			r.Post("/", h.CreateIntegration)
			r.Post("/validate", h.ValidateIntegration)
			r.Get("/{id}", h.GetIntegration)
			r.Put("/{id}", h.UpdateIntegration)
			r.Delete("/{id}", h.DeactivateIntegration)
			r.Post("/{id}/test", h.TestIntegration)
		})
	})

	return r
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := "unknown"
	if h.engine != nil {
		status = h.engine.GetStatus()
	}
	respond(w, http.StatusOK, map[string]string{"status": "ok", "engine": status})
}

func (h *Handler) CorsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := h.allowedOrigin(r.Header.Get("Origin")); origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *Handler) allowedOrigin(origin string) string {
	for _, o := range h.cfg.CorsOrigins {
		if o == "*" {
			return "*"
		}
		if origin != "" && strings.EqualFold(o, origin) {
			return origin
		}
	}
	return ""
}

// AuthMiddleware requires the configured bearer token. With no token
// configured the API is open.
func (h *Handler) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.cfg.AuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(h.cfg.AuthToken)) != 1 {
			fail(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
