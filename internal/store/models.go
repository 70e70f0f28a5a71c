package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// Sync cadences
const (
	CadenceOff      = "off"
	CadenceHourly   = "hourly"
	CadenceDaily    = "daily"
	CadenceWeekly   = "weekly"
	CadenceOnDemand = "on-demand"
)

// Mapping statuses
const (
	MappingPending  = "pending"
	MappingSynced   = "synced"
	MappingError    = "error"
	MappingDisabled = "disabled"
)

// Run kinds and statuses
const (
	RunFull        = "full"
	RunIncremental = "incremental"
	RunPriceOnly   = "price-only"

	RunStarted   = "started"
	RunCompleted = "completed"
	RunPartial   = "partial"
	RunFailed    = "failed"
)

type IntegrationConfig struct {
	ID           string            `db:"id"`
	StoreID      string            `db:"store_id"`
	Name         string            `db:"name"`
	Platform     string            `db:"platform"`
	StoreURL     string            `db:"store_url"`
	Credentials  map[string]string `db:"credentials"`
	Cadence      string            `db:"cadence"`
	Active       bool              `db:"active"`
	LastRunAt    sql.NullTime      `db:"last_run_at"`
	LastError    sql.NullString    `db:"last_error"`
	ResumeCursor sql.NullString    `db:"resume_cursor"`
	CreatedAt    time.Time         `db:"created_at"`
	UpdatedAt    time.Time         `db:"updated_at"`
}

// Product is the shared catalog entity. Only the fields below are written by
// the sync engine.
type Product struct {
	ID            string              `db:"id"`
	Name          string              `db:"name"`
	Description   string              `db:"description"`
	Price         decimal.Decimal     `db:"price"`
	OriginalPrice decimal.NullDecimal `db:"original_price"`
	ImageURL      string              `db:"image_url"`
	Category      string              `db:"category"`
	Brand         string              `db:"brand"`
	Active        bool                `db:"active"`
	CreatedAt     time.Time           `db:"created_at"`
	UpdatedAt     time.Time           `db:"updated_at"`
}

type ProductMapping struct {
	ID            string         `db:"id"`
	IntegrationID string         `db:"integration_id"`
	ProductID     string         `db:"product_id"`
	ExternalID    string         `db:"external_id"`
	ExternalSKU   string         `db:"external_sku"`
	ExternalURL   string         `db:"external_url"`
	Status        string         `db:"status"`
	ContentHash   string         `db:"content_hash"`
	LastSyncedAt  sql.NullTime   `db:"last_synced_at"`
	LastError     sql.NullString `db:"last_error"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

type PriceObservation struct {
	ID            string              `db:"id"`
	ProductID     string              `db:"product_id"`
	StoreID       string              `db:"store_id"`
	Price         decimal.Decimal     `db:"price"`
	OriginalPrice decimal.NullDecimal `db:"original_price"`
	Currency      string              `db:"currency"`
	Available     bool                `db:"available"`
	StockQuantity sql.NullInt64       `db:"stock_quantity"`
	RecordedAt    time.Time           `db:"recorded_at"`
}

type SyncRun struct {
	ID            string          `db:"id"`
	IntegrationID string          `db:"integration_id"`
	Kind          string          `db:"kind"`
	Status        string          `db:"status"`
	Attempt       int             `db:"attempt"`
	StartedAt     time.Time       `db:"started_at"`
	FinishedAt    sql.NullTime    `db:"finished_at"`
	Processed     int             `db:"processed"`
	Created       int             `db:"created"`
	Updated       int             `db:"updated"`
	Errors        int             `db:"errors"`
	ErrorDetail   json.RawMessage `db:"error_detail"`
}

// RunError is one entry of SyncRun.ErrorDetail.
type RunError struct {
	ExternalID string `json:"external_id,omitempty"`
	Message    string `json:"message"`
}

type RunStats struct {
	Total     int
	Succeeded int
	Failed    int
	Partial   int
}

func (r *SyncRun) Finished() bool {
	return r.Status != RunStarted
}
