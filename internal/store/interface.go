package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound     = errors.New("store: not found")
	ErrDuplicate    = errors.New("store: duplicate record")
	ErrRunFinalized = errors.New("store: sync run already finalized")
)

type Store interface {
	// Integrations
	CreateIntegration(ctx context.Context, ic *IntegrationConfig) error
	GetIntegration(ctx context.Context, id string) (*IntegrationConfig, error)
	ListIntegrations(ctx context.Context, activeOnly bool) ([]*IntegrationConfig, error)
	UpdateIntegration(ctx context.Context, ic *IntegrationConfig) error
	MarkIntegrationRun(ctx context.Context, id string, at time.Time, runErr string) error
	SaveResumeCursor(ctx context.Context, id, cursor string) error

	// Products
	GetProduct(ctx context.Context, id string) (*Product, error)
	ListMatchCandidates(ctx context.Context, integrationID, category string, limit int) ([]*Product, error)
	ListActiveProductsByCategory(ctx context.Context, category string, limit int) ([]*Product, error)
	CreateProductWithMapping(ctx context.Context, p *Product, m *ProductMapping) error
	UpdateProductFields(ctx context.Context, p *Product) error
	SetProductActive(ctx context.Context, id string, active bool) error

	// Mappings
	CreateMapping(ctx context.Context, m *ProductMapping) error
	GetMapping(ctx context.Context, integrationID, externalID string) (*ProductMapping, error)
	GetMappingByProduct(ctx context.Context, integrationID, productID string) (*ProductMapping, error)
	UpdateMapping(ctx context.Context, m *ProductMapping) error
	ListActiveMappingsForProduct(ctx context.Context, productID string) ([]*ProductMapping, error)
	DisableUnseenMappings(ctx context.Context, integrationID string, seenSince time.Time) ([]string, error)
	CountMappingsByStatus(ctx context.Context, integrationID string) (map[string]int, error)

	// Price history
	AppendObservation(ctx context.Context, obs *PriceObservation, changed func(latest *PriceObservation) bool) (bool, error)
	LatestObservation(ctx context.Context, productID, storeID string) (*PriceObservation, error)
	ListObservations(ctx context.Context, productID, storeID string, since time.Time) ([]*PriceObservation, error)
	LatestObservationsBefore(ctx context.Context, productID string, before time.Time) ([]*PriceObservation, error)
	PruneObservations(ctx context.Context, before time.Time) (int64, error)

	// Runs
	CreateRun(ctx context.Context, run *SyncRun) error
	FinishRun(ctx context.Context, run *SyncRun) error
	GetRun(ctx context.Context, id string) (*SyncRun, error)
	ListRuns(ctx context.Context, integrationID string, limit int) ([]*SyncRun, error)
	LatestRun(ctx context.Context, integrationID string) (*SyncRun, error)
	LatestRunOfKind(ctx context.Context, integrationID string, kinds ...string) (*SyncRun, error)
	RunStats(ctx context.Context, integrationID string, since time.Time) (RunStats, error)
	PruneRuns(ctx context.Context, before time.Time) (int64, error)

	// General
	Close() error
}
