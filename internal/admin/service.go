// Package admin manages integration configs on behalf of the surrounding
// catalog system.
package admin

import (
	"context"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"catalog-sync-service/internal/logger"
	"catalog-sync-service/internal/platform"
	"catalog-sync-service/internal/store"
	"catalog-sync-service/internal/sync"
)

// SampleSize is how many listings TestConnection pulls.
const SampleSize = 5

// IntegrationView is an integration as shown to operators. Credential values
// never leave the service, only their keys.
type IntegrationView struct {
	ID             string     `json:"id"`
	StoreID        string     `json:"store_id"`
	Name           string     `json:"name"`
	Platform       string     `json:"platform"`
	StoreURL       string     `json:"store_url"`
	Cadence        string     `json:"cadence"`
	Active         bool       `json:"active"`
	CredentialKeys []string   `json:"credential_keys"`
	LastRunAt      *time.Time `json:"last_run_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func NewView(ic *store.IntegrationConfig) *IntegrationView {
	v := &IntegrationView{
		ID:             ic.ID,
		StoreID:        ic.StoreID,
		Name:           ic.Name,
		Platform:       ic.Platform,
		StoreURL:       ic.StoreURL,
		Cadence:        ic.Cadence,
		Active:         ic.Active,
		CredentialKeys: make([]string, 0, len(ic.Credentials)),
		LastError:      ic.LastError.String,
		CreatedAt:      ic.CreatedAt,
		UpdatedAt:      ic.UpdatedAt,
	}
	for k := range ic.Credentials {
		v.CredentialKeys = append(v.CredentialKeys, k)
	}
	sort.Strings(v.CredentialKeys)
	if ic.LastRunAt.Valid {
		t := ic.LastRunAt.Time
		v.LastRunAt = &t
	}
	return v
}

type ConnectionResult struct {
	Success   bool                       `json:"success"`
	Platform  string                     `json:"platform"`
	LatencyMS int64                      `json:"latency_ms"`
	Sample    []platform.ExternalListing `json:"sample"`
	HasMore   bool                       `json:"has_more"`
	Error     string                     `json:"error,omitempty"`
}

type Service struct {
	store     store.Store
	adapters  sync.AdapterFactory
	validator *validator.Validate
	now       func() time.Time
}

func NewService(st store.Store, adapters sync.AdapterFactory) *Service {
	return &Service{
		store:     st,
		adapters:  adapters,
		validator: newValidator(),
		now:       time.Now,
	}
}

// ValidateConfig checks a prospective config for kind without saving it.
func (s *Service) ValidateConfig(kind string, in IntegrationInput) ValidationResult {
	if kind != "" {
		in.Platform = kind
	}
	return s.validate(in)
}

func (s *Service) Create(ctx context.Context, in IntegrationInput) (*IntegrationView, error) {
	if res := s.validate(in); !res.Valid {
		return nil, &InvalidConfigError{Errors: res.Errors}
	}

	ic := &store.IntegrationConfig{
		StoreID:     in.StoreID,
		Name:        in.Name,
		Platform:    in.Platform,
		StoreURL:    in.StoreURL,
		Credentials: in.Credentials,
		Cadence:     in.Cadence,
		Active:      true,
	}
	if ic.Cadence == "" {
		ic.Cadence = store.CadenceDaily
	}
	if in.Active != nil {
		ic.Active = *in.Active
	}
	if err := s.store.CreateIntegration(ctx, ic); err != nil {
		return nil, err
	}

	logger.Log.Info("Integration created",
		zap.String("integration_id", ic.ID),
		zap.String("store_id", ic.StoreID),
		zap.String("platform", ic.Platform),
	)
	return NewView(ic), nil
}

func (s *Service) Get(ctx context.Context, id string) (*IntegrationView, error) {
	ic, err := s.store.GetIntegration(ctx, id)
	if err != nil {
		return nil, err
	}
	return NewView(ic), nil
}

func (s *Service) List(ctx context.Context, activeOnly bool) ([]*IntegrationView, error) {
	all, err := s.store.ListIntegrations(ctx, activeOnly)
	if err != nil {
		return nil, err
	}
	out := make([]*IntegrationView, 0, len(all))
	for _, ic := range all {
		out = append(out, NewView(ic))
	}
	return out, nil
}

// Update replaces the writable fields. Credentials are merged key by key and
// an empty value removes a key.
func (s *Service) Update(ctx context.Context, id string, in IntegrationInput) (*IntegrationView, error) {
	ic, err := s.store.GetIntegration(ctx, id)
	if err != nil {
		return nil, err
	}

	merged := make(map[string]string, len(ic.Credentials)+len(in.Credentials))
	for k, v := range ic.Credentials {
		merged[k] = v
	}
	for k, v := range in.Credentials {
		if v == "" {
			delete(merged, k)
			continue
		}
		merged[k] = v
	}
	in.Credentials = merged
	if in.Cadence == "" {
		in.Cadence = ic.Cadence
	}
	if res := s.validate(in); !res.Valid {
		return nil, &InvalidConfigError{Errors: res.Errors}
	}

	ic.StoreID = in.StoreID
	ic.Name = in.Name
	ic.Platform = in.Platform
	ic.StoreURL = in.StoreURL
	ic.Credentials = in.Credentials
	ic.Cadence = in.Cadence
	if in.Active != nil {
		ic.Active = *in.Active
	}
	if err := s.store.UpdateIntegration(ctx, ic); err != nil {
		return nil, err
	}

	logger.Log.Info("Integration updated", zap.String("integration_id", ic.ID))
	return NewView(ic), nil
}

// Deactivate turns an integration off. Its mappings and history are kept.
func (s *Service) Deactivate(ctx context.Context, id string) (*IntegrationView, error) {
	ic, err := s.store.GetIntegration(ctx, id)
	if err != nil {
		return nil, err
	}
	if ic.Active {
		ic.Active = false
		if err := s.store.UpdateIntegration(ctx, ic); err != nil {
			return nil, err
		}
		logger.Log.Info("Integration deactivated", zap.String("integration_id", ic.ID))
	}
	return NewView(ic), nil
}

// TestIntegration runs TestConnection against a stored integration.
func (s *Service) TestIntegration(ctx context.Context, id string) (*ConnectionResult, error) {
	ic, err := s.store.GetIntegration(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.TestConnection(ctx, ic), nil
}

// TestConfig runs TestConnection against an unsaved config.
func (s *Service) TestConfig(ctx context.Context, in IntegrationInput) (*ConnectionResult, error) {
	if res := s.validate(in); !res.Valid {
		return nil, &InvalidConfigError{Errors: res.Errors}
	}
	return s.TestConnection(ctx, &store.IntegrationConfig{
		StoreID:     in.StoreID,
		Name:        in.Name,
		Platform:    in.Platform,
		StoreURL:    in.StoreURL,
		Credentials: in.Credentials,
	}), nil
}

// TestConnection authenticates and fetches one small page. It never writes.
// Failures are reported in the result rather than as an error.
func (s *Service) TestConnection(ctx context.Context, ic *store.IntegrationConfig) *ConnectionResult {
	res := &ConnectionResult{Platform: ic.Platform, Sample: []platform.ExternalListing{}}
	start := s.now()
	defer func() { res.LatencyMS = s.now().Sub(start).Milliseconds() }()

	adapter, err := s.adapters(ic)
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if err := adapter.Authenticate(ctx); err != nil {
		res.Error = err.Error()
		return res
	}
	listings, next, err := adapter.FetchListings(ctx, SampleSize, "")
	if err != nil {
		res.Error = err.Error()
		return res
	}
	if len(listings) > SampleSize {
		listings = listings[:SampleSize]
	}
	res.Success = true
	res.Sample = listings
	res.HasMore = next != ""
	return res
}
