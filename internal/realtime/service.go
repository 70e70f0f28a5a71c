// Package realtime serves ad-hoc sync triggers and the read-side price and
// status queries.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"catalog-sync-service/internal/logger"
	"catalog-sync-service/internal/matching"
	"catalog-sync-service/internal/pricehistory"
	"catalog-sync-service/internal/store"
	"catalog-sync-service/internal/sync"
)

const (
	DefaultTrendDays        = 30
	DefaultAnomalyThreshold = 0.2
	DefaultSimilarLimit     = 10
	statsWindow             = 30 * 24 * time.Hour
	similarCandidateLimit   = 200
)

var ErrInvalidKind = errors.New("invalid sync kind")

// Dispatcher is the task-scheduling side the service drives.
type Dispatcher interface {
	TriggerStoreSync(ctx context.Context, integrationID, kind string) (*sync.TaskHandle, error)
	SubmitPriceCheck(integrationID, productID string) (*sync.TaskHandle, error)
	InProgress(ctx context.Context, integrationID string) (bool, error)
}

type Options struct {
	AnomalyWindowDays int
	SimilarThreshold  float64
	Policy            pricehistory.DealPolicy
}

type Service struct {
	store         store.Store
	dispatcher    Dispatcher
	recorder      *pricehistory.Recorder
	matcher       *matching.Matcher
	policy        pricehistory.DealPolicy
	anomalyWindow int
	similar       float64
	now           func() time.Time
}

func NewService(st store.Store, d Dispatcher, recorder *pricehistory.Recorder, matcher *matching.Matcher, opts Options) *Service {
	if opts.AnomalyWindowDays <= 0 {
		opts.AnomalyWindowDays = 7
	}
	if opts.SimilarThreshold <= 0 || opts.SimilarThreshold > 1 {
		opts.SimilarThreshold = matching.SimilarThreshold
	}
	if opts.Policy == nil {
		opts.Policy = pricehistory.PenaltyPolicy{}
	}
	return &Service{
		store:         st,
		dispatcher:    d,
		recorder:      recorder,
		matcher:       matcher,
		policy:        opts.Policy,
		anomalyWindow: opts.AnomalyWindowDays,
		similar:       opts.SimilarThreshold,
		now:           time.Now,
	}
}

type ProductSyncResult struct {
	ProductID  string            `json:"product_id"`
	Dispatched []string          `json:"dispatched"`
	Skipped    []string          `json:"skipped"`
	Failed     map[string]string `json:"failed,omitempty"`

	Tasks []*sync.TaskHandle `json:"-"`
}

// TriggerProductSync queues an independent price-only check of the product on
// every store that lists it, except excludeIntegrationID.
func (s *Service) TriggerProductSync(ctx context.Context, productID, excludeIntegrationID string) (*ProductSyncResult, error) {
	if _, err := s.store.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	mappings, err := s.store.ListActiveMappingsForProduct(ctx, productID)
	if err != nil {
		return nil, err
	}

	res := &ProductSyncResult{ProductID: productID, Dispatched: []string{}, Skipped: []string{}}
	for _, m := range mappings {
		if m.IntegrationID == excludeIntegrationID {
			res.Skipped = append(res.Skipped, m.IntegrationID)
			continue
		}
		ic, err := s.store.GetIntegration(ctx, m.IntegrationID)
		if err != nil {
			return nil, err
		}
		if !ic.Active {
			res.Skipped = append(res.Skipped, ic.ID)
			continue
		}

		h, err := s.dispatcher.SubmitPriceCheck(ic.ID, productID)
		if err != nil {
			if res.Failed == nil {
				res.Failed = map[string]string{}
			}
			res.Failed[ic.ID] = err.Error()
			logger.Log.Warn("Failed to queue price check",
				zap.String("product_id", productID),
				zap.String("integration_id", ic.ID),
				zap.Error(err),
			)
			continue
		}
		res.Dispatched = append(res.Dispatched, ic.ID)
		res.Tasks = append(res.Tasks, h)
	}
	return res, nil
}

type StoreSyncResult struct {
	IntegrationID string `json:"integration_id"`
	Kind          string `json:"kind"`
	Accepted      bool   `json:"accepted"`

	Task *sync.TaskHandle `json:"-"`
}

// TriggerStoreSync starts a locked run for the integration. A run already in
// flight yields sync.ErrSyncInProgress.
func (s *Service) TriggerStoreSync(ctx context.Context, integrationID, kind string) (*StoreSyncResult, error) {
	switch kind {
	case "":
		kind = store.RunIncremental
	case store.RunFull, store.RunIncremental, store.RunPriceOnly:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidKind, kind)
	}

	ic, err := s.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return nil, err
	}
	if !ic.Active {
		return nil, fmt.Errorf("%w: %s", sync.ErrIntegrationInactive, ic.ID)
	}

	h, err := s.dispatcher.TriggerStoreSync(ctx, ic.ID, kind)
	if err != nil {
		return nil, err
	}
	return &StoreSyncResult{IntegrationID: ic.ID, Kind: kind, Accepted: true, Task: h}, nil
}

// PriceTrend summarizes the product's observations over the last days days.
func (s *Service) PriceTrend(ctx context.Context, productID string, days int) (pricehistory.Trend, error) {
	if days <= 0 {
		days = DefaultTrendDays
	}
	if _, err := s.store.GetProduct(ctx, productID); err != nil {
		return pricehistory.Trend{}, err
	}
	since := s.now().AddDate(0, 0, -days)
	obs, err := s.recorder.History(ctx, productID, "", since)
	if err != nil {
		return pricehistory.Trend{}, err
	}
	carried, err := s.recorder.CarriedIn(ctx, productID, since)
	if err != nil {
		return pricehistory.Trend{}, err
	}
	return pricehistory.BuildTrend(productID, days, carried, obs, s.policy), nil
}

type AnomalyReport struct {
	ProductID  string                 `json:"product_id"`
	Threshold  float64                `json:"threshold"`
	WindowDays int                    `json:"window_days"`
	Anomalies  []pricehistory.Anomaly `json:"anomalies"`
}

// NormalizeThreshold reads values above 1 as percentages.
func NormalizeThreshold(threshold float64) float64 {
	switch {
	case threshold <= 0:
		return DefaultAnomalyThreshold
	case threshold > 1:
		return threshold / 100
	}
	return threshold
}

func (s *Service) DetectAnomalies(ctx context.Context, productID string, threshold float64) (*AnomalyReport, error) {
	threshold = NormalizeThreshold(threshold)
	if _, err := s.store.GetProduct(ctx, productID); err != nil {
		return nil, err
	}
	obs, err := s.recorder.History(ctx, productID, "", s.now().AddDate(0, 0, -s.anomalyWindow))
	if err != nil {
		return nil, err
	}
	return &AnomalyReport{
		ProductID:  productID,
		Threshold:  threshold,
		WindowDays: s.anomalyWindow,
		Anomalies:  pricehistory.DetectAnomalies(obs, threshold),
	}, nil
}

type RunSummary struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Status      string          `json:"status"`
	Attempt     int             `json:"attempt"`
	StartedAt   time.Time       `json:"started_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	Processed   int             `json:"processed"`
	Created     int             `json:"created"`
	Updated     int             `json:"updated"`
	Errors      int             `json:"errors"`
	ErrorDetail json.RawMessage `json:"error_detail,omitempty"`
}

func summarize(r *store.SyncRun) *RunSummary {
	if r == nil {
		return nil
	}
	out := &RunSummary{
		ID:          r.ID,
		Kind:        r.Kind,
		Status:      r.Status,
		Attempt:     r.Attempt,
		StartedAt:   r.StartedAt,
		Processed:   r.Processed,
		Created:     r.Created,
		Updated:     r.Updated,
		Errors:      r.Errors,
		ErrorDetail: r.ErrorDetail,
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		out.FinishedAt = &t
	}
	return out
}

type SyncStatus struct {
	IntegrationID string         `json:"integration_id"`
	StoreID       string         `json:"store_id"`
	Name          string         `json:"name"`
	Platform      string         `json:"platform"`
	Cadence       string         `json:"cadence"`
	Active        bool           `json:"active"`
	InProgress    bool           `json:"in_progress"`
	LastRunAt     *time.Time     `json:"last_run_at,omitempty"`
	LastError     string         `json:"last_error,omitempty"`
	Mappings      map[string]int `json:"mappings"`
	LatestRun     *RunSummary    `json:"latest_run,omitempty"`
	RecentRuns    int            `json:"recent_runs"`
	SuccessRate   float64        `json:"success_rate"`
}

// GetSyncStatus reports one integration, or all of them when integrationID is empty.
func (s *Service) GetSyncStatus(ctx context.Context, integrationID string) ([]SyncStatus, error) {
	var integrations []*store.IntegrationConfig
	if integrationID != "" {
		ic, err := s.store.GetIntegration(ctx, integrationID)
		if err != nil {
			return nil, err
		}
		integrations = append(integrations, ic)
	} else {
		all, err := s.store.ListIntegrations(ctx, false)
		if err != nil {
			return nil, err
		}
		integrations = all
	}

	out := make([]SyncStatus, 0, len(integrations))
	for _, ic := range integrations {
		st, err := s.status(ctx, ic)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

func (s *Service) status(ctx context.Context, ic *store.IntegrationConfig) (SyncStatus, error) {
	st := SyncStatus{
		IntegrationID: ic.ID,
		StoreID:       ic.StoreID,
		Name:          ic.Name,
		Platform:      ic.Platform,
		Cadence:       ic.Cadence,
		Active:        ic.Active,
		LastError:     ic.LastError.String,
	}
	if ic.LastRunAt.Valid {
		t := ic.LastRunAt.Time
		st.LastRunAt = &t
	}

	inProgress, err := s.dispatcher.InProgress(ctx, ic.ID)
	if err != nil {
		return st, err
	}
	st.InProgress = inProgress

	counts, err := s.store.CountMappingsByStatus(ctx, ic.ID)
	if err != nil {
		return st, err
	}
	st.Mappings = map[string]int{
		store.MappingPending:  0,
		store.MappingSynced:   0,
		store.MappingError:    0,
		store.MappingDisabled: 0,
	}
	for k, v := range counts {
		st.Mappings[k] = v
	}

	latest, err := s.store.LatestRun(ctx, ic.ID)
	if err != nil {
		return st, err
	}
	st.LatestRun = summarize(latest)

	stats, err := s.store.RunStats(ctx, ic.ID, s.now().Add(-statsWindow))
	if err != nil {
		return st, err
	}
	st.RecentRuns = stats.Total
	if stats.Total > 0 {
		st.SuccessRate = float64(stats.Succeeded) / float64(stats.Total)
	}
	return st, nil
}

func (s *Service) ListRuns(ctx context.Context, integrationID string, limit int) ([]*RunSummary, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if integrationID != "" {
		if _, err := s.store.GetIntegration(ctx, integrationID); err != nil {
			return nil, err
		}
	}
	runs, err := s.store.ListRuns(ctx, integrationID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*RunSummary, 0, len(runs))
	for _, r := range runs {
		out = append(out, summarize(r))
	}
	return out, nil
}

type SimilarProduct struct {
	ProductID string             `json:"product_id"`
	Name      string             `json:"name"`
	Brand     string             `json:"brand"`
	Price     decimal.Decimal    `json:"price"`
	Score     float64            `json:"score"`
	Breakdown matching.Breakdown `json:"breakdown"`
}

// SimilarProducts ranks active products of the same category that score at
// least threshold against productID.
func (s *Service) SimilarProducts(ctx context.Context, productID string, threshold float64, limit int) ([]SimilarProduct, error) {
	if threshold <= 0 || threshold > 1 {
		threshold = s.similar
	}
	if limit <= 0 {
		limit = DefaultSimilarLimit
	}

	p, err := s.store.GetProduct(ctx, productID)
	if err != nil {
		return nil, err
	}
	products, err := s.store.ListActiveProductsByCategory(ctx, p.Category, similarCandidateLimit)
	if err != nil {
		return nil, err
	}
	candidates := make([]matching.Candidate, 0, len(products))
	byID := make(map[string]*store.Product, len(products))
	for _, c := range products {
		candidates = append(candidates, sync.ProductCandidate(c))
		byID[c.ID] = c
	}

	target := sync.ProductCandidate(p)
	ranked := s.matcher.Rank(target, candidates, threshold)
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}

	out := make([]SimilarProduct, 0, len(ranked))
	for _, m := range ranked {
		c := byID[m.ID]
		out = append(out, SimilarProduct{
			ProductID: c.ID,
			Name:      c.Name,
			Brand:     c.Brand,
			Price:     c.Price,
			Score:     m.Score,
			Breakdown: s.matcher.Breakdown(target, m.Candidate),
		})
	}
	return out, nil
}
