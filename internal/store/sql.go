package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/database"
	"catalog-sync-service/internal/logger"
)

//go:embed schema/*.sql
var schemaFS embed.FS

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// SQLStore implements Store on MySQL, PostgreSQL and SQLite.
type SQLStore struct {
	db  *database.Database
	now func() time.Time
}

var _ Store = (*SQLStore)(nil)

func NewSQLStore(db *database.Database) *SQLStore {
	return &SQLStore{
		db:  db,
		now: func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

// Open connects to the configured database and applies the schema.
func Open(ctx context.Context, cfg config.StorageConfig) (*SQLStore, error) {
	db, err := database.NewDatabase(cfg)
	if err != nil {
		return nil, err
	}
	s := NewSQLStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Migrate(ctx context.Context) error {
	raw, err := schemaFS.ReadFile("schema/" + string(s.db.Dialect) + ".sql")
	if err != nil {
		return fmt.Errorf("no schema for dialect %q: %w", s.db.Dialect, err)
	}
	for _, stmt := range strings.Split(string(raw), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	logger.Log.Info("Schema applied", zap.String("dialect", string(s.db.Dialect)))
	return nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) exec(ctx context.Context, q querier, query string, args ...any) (sql.Result, error) {
	return q.ExecContext(ctx, s.db.Rebind(query), args...)
}

func (s *SQLStore) query(ctx context.Context, q querier, query string, args ...any) (*sql.Rows, error) {
	return q.QueryContext(ctx, s.db.Rebind(query), args...)
}

func (s *SQLStore) queryRow(ctx context.Context, q querier, query string, args ...any) *sql.Row {
	return q.QueryRowContext(ctx, s.db.Rebind(query), args...)
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

func mustAffect(res sql.Result, err error, notFound error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// ---- integrations ----

const integrationColumns = `id, store_id, name, platform, store_url, credentials, cadence, active, last_run_at, last_error, resume_cursor, created_at, updated_at`

func scanIntegration(row rowScanner) (*IntegrationConfig, error) {
	var ic IntegrationConfig
	var creds string
	err := row.Scan(
		&ic.ID,
		&ic.StoreID,
		&ic.Name,
		&ic.Platform,
		&ic.StoreURL,
		&creds,
		&ic.Cadence,
		&ic.Active,
		&ic.LastRunAt,
		&ic.LastError,
		&ic.ResumeCursor,
		&ic.CreatedAt,
		&ic.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	ic.Credentials = map[string]string{}
	if creds != "" {
		if err := json.Unmarshal([]byte(creds), &ic.Credentials); err != nil {
			return nil, fmt.Errorf("integration %s: decode credentials: %w", ic.ID, err)
		}
	}
	return &ic, nil
}

func encodeCredentials(c map[string]string) (string, error) {
	if c == nil {
		c = map[string]string{}
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *SQLStore) CreateIntegration(ctx context.Context, ic *IntegrationConfig) error {
	if ic.ID == "" {
		ic.ID = uuid.New().String()
	}
	creds, err := encodeCredentials(ic.Credentials)
	if err != nil {
		return err
	}
	now := s.now()
	ic.CreatedAt, ic.UpdatedAt = now, now

	query := `INSERT INTO integration_configs (` + integrationColumns + `)
			  VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.exec(ctx, s.db.DB, query,
		ic.ID,
		ic.StoreID,
		ic.Name,
		ic.Platform,
		ic.StoreURL,
		creds,
		ic.Cadence,
		ic.Active,
		ic.LastRunAt,
		ic.LastError,
		ic.ResumeCursor,
		ic.CreatedAt,
		ic.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("integration %s: %w", ic.ID, ErrDuplicate)
	}
	return err
}

func (s *SQLStore) GetIntegration(ctx context.Context, id string) (*IntegrationConfig, error) {
	query := `SELECT ` + integrationColumns + ` FROM integration_configs WHERE id = ?`
	ic, err := scanIntegration(s.queryRow(ctx, s.db.DB, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("integration %s: %w", id, ErrNotFound)
	}
	return ic, err
}

func (s *SQLStore) ListIntegrations(ctx context.Context, activeOnly bool) ([]*IntegrationConfig, error) {
	query := `SELECT ` + integrationColumns + ` FROM integration_configs`
	var args []any
	if activeOnly {
		query += ` WHERE active = ?`
		args = append(args, true)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.query(ctx, s.db.DB, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*IntegrationConfig
	for rows.Next() {
		ic, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ic)
	}
	return out, rows.Err()
}

func (s *SQLStore) UpdateIntegration(ctx context.Context, ic *IntegrationConfig) error {
	creds, err := encodeCredentials(ic.Credentials)
	if err != nil {
		return err
	}
	ic.UpdatedAt = s.now()

	query := `UPDATE integration_configs
			  SET store_id = ?, name = ?, platform = ?, store_url = ?, credentials = ?, cadence = ?, active = ?, updated_at = ?
			  WHERE id = ?`
	res, err := s.exec(ctx, s.db.DB, query,
		ic.StoreID, ic.Name, ic.Platform, ic.StoreURL, creds, ic.Cadence, ic.Active, ic.UpdatedAt, ic.ID)
	return mustAffect(res, err, fmt.Errorf("integration %s: %w", ic.ID, ErrNotFound))
}

// MarkIntegrationRun records the outcome of a run: an empty runErr stamps
// last_run_at and clears last_error, anything else only sets last_error.
func (s *SQLStore) MarkIntegrationRun(ctx context.Context, id string, at time.Time, runErr string) error {
	var (
		res sql.Result
		err error
	)
	if runErr == "" {
		res, err = s.exec(ctx, s.db.DB,
			`UPDATE integration_configs SET last_run_at = ?, last_error = NULL, updated_at = ? WHERE id = ?`,
			at.UTC(), s.now(), id)
	} else {
		res, err = s.exec(ctx, s.db.DB,
			`UPDATE integration_configs SET last_error = ?, updated_at = ? WHERE id = ?`,
			runErr, s.now(), id)
	}
	return mustAffect(res, err, fmt.Errorf("integration %s: %w", id, ErrNotFound))
}

func (s *SQLStore) SaveResumeCursor(ctx context.Context, id, cursor string) error {
	res, err := s.exec(ctx, s.db.DB,
		`UPDATE integration_configs SET resume_cursor = ?, updated_at = ? WHERE id = ?`,
		nullString(cursor), s.now(), id)
	return mustAffect(res, err, fmt.Errorf("integration %s: %w", id, ErrNotFound))
}

// ---- products ----

const productColumns = `id, name, description, price, original_price, image_url, category, brand, active, created_at, updated_at`

const productColumnsP = `p.id, p.name, p.description, p.price, p.original_price, p.image_url, p.category, p.brand, p.active, p.created_at, p.updated_at`

func scanProduct(row rowScanner) (*Product, error) {
	var p Product
	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Description,
		&p.Price,
		&p.OriginalPrice,
		&p.ImageURL,
		&p.Category,
		&p.Brand,
		&p.Active,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *SQLStore) scanProducts(rows *sql.Rows) ([]*Product, error) {
	defer rows.Close()
	var out []*Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetProduct(ctx context.Context, id string) (*Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE id = ?`
	p, err := scanProduct(s.queryRow(ctx, s.db.DB, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("product %s: %w", id, ErrNotFound)
	}
	return p, err
}

// ListMatchCandidates returns active products of a category that the
// integration has not mapped yet, most recently updated first.
func (s *SQLStore) ListMatchCandidates(ctx context.Context, integrationID, category string, limit int) ([]*Product, error) {
	query := `SELECT ` + productColumnsP + ` FROM products p
			  WHERE p.active = ? AND p.category = ?
			  AND NOT EXISTS (SELECT 1 FROM product_mappings m WHERE m.product_id = p.id AND m.integration_id = ?)
			  ORDER BY p.updated_at DESC, p.id
			  LIMIT ?`
	rows, err := s.query(ctx, s.db.DB, query, true, category, integrationID, limit)
	if err != nil {
		return nil, err
	}
	return s.scanProducts(rows)
}

func (s *SQLStore) ListActiveProductsByCategory(ctx context.Context, category string, limit int) ([]*Product, error) {
	query := `SELECT ` + productColumns + ` FROM products
			  WHERE active = ? AND category = ?
			  ORDER BY updated_at DESC, id
			  LIMIT ?`
	rows, err := s.query(ctx, s.db.DB, query, true, category, limit)
	if err != nil {
		return nil, err
	}
	return s.scanProducts(rows)
}

// CreateProductWithMapping inserts a new product and its first mapping atomically.
func (s *SQLStore) CreateProductWithMapping(ctx context.Context, p *Product, m *ProductMapping) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	m.ProductID = p.ID

	return s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		query := `INSERT INTO products (` + productColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
		_, err := s.exec(ctx, tx, query,
			p.ID, p.Name, p.Description, p.Price, p.OriginalPrice, p.ImageURL, p.Category, p.Brand, p.Active, p.CreatedAt, p.UpdatedAt)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return fmt.Errorf("product %s: %w", p.ID, ErrDuplicate)
			}
			return err
		}
		return s.insertMapping(ctx, tx, m)
	})
}

// UpdateProductFields writes the bounded field set owned by the sync engine.
func (s *SQLStore) UpdateProductFields(ctx context.Context, p *Product) error {
	p.UpdatedAt = s.now()
	query := `UPDATE products
			  SET name = ?, description = ?, price = ?, original_price = ?, image_url = ?, category = ?, brand = ?, active = ?, updated_at = ?
			  WHERE id = ?`
	res, err := s.exec(ctx, s.db.DB, query,
		p.Name, p.Description, p.Price, p.OriginalPrice, p.ImageURL, p.Category, p.Brand, p.Active, p.UpdatedAt, p.ID)
	return mustAffect(res, err, fmt.Errorf("product %s: %w", p.ID, ErrNotFound))
}

func (s *SQLStore) SetProductActive(ctx context.Context, id string, active bool) error {
	res, err := s.exec(ctx, s.db.DB, `UPDATE products SET active = ?, updated_at = ? WHERE id = ?`, active, s.now(), id)
	return mustAffect(res, err, fmt.Errorf("product %s: %w", id, ErrNotFound))
}

// ---- mappings ----

const mappingColumns = `id, integration_id, product_id, external_id, external_sku, external_url, status, content_hash, last_synced_at, last_error, created_at, updated_at`

func scanMapping(row rowScanner) (*ProductMapping, error) {
	var m ProductMapping
	err := row.Scan(
		&m.ID,
		&m.IntegrationID,
		&m.ProductID,
		&m.ExternalID,
		&m.ExternalSKU,
		&m.ExternalURL,
		&m.Status,
		&m.ContentHash,
		&m.LastSyncedAt,
		&m.LastError,
		&m.CreatedAt,
		&m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *SQLStore) insertMapping(ctx context.Context, q querier, m *ProductMapping) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.Status == "" {
		m.Status = MappingPending
	}
	now := s.now()
	m.CreatedAt, m.UpdatedAt = now, now

	query := `INSERT INTO product_mappings (` + mappingColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.exec(ctx, q, query,
		m.ID,
		m.IntegrationID,
		m.ProductID,
		m.ExternalID,
		m.ExternalSKU,
		m.ExternalURL,
		m.Status,
		m.ContentHash,
		m.LastSyncedAt,
		m.LastError,
		m.CreatedAt,
		m.UpdatedAt,
	)
	if database.IsUniqueViolation(err) {
		return fmt.Errorf("mapping %s/%s: %w", m.IntegrationID, m.ExternalID, ErrDuplicate)
	}
	return err
}

func (s *SQLStore) CreateMapping(ctx context.Context, m *ProductMapping) error {
	return s.insertMapping(ctx, s.db.DB, m)
}

func (s *SQLStore) GetMapping(ctx context.Context, integrationID, externalID string) (*ProductMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM product_mappings WHERE integration_id = ? AND external_id = ?`
	m, err := scanMapping(s.queryRow(ctx, s.db.DB, query, integrationID, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mapping %s/%s: %w", integrationID, externalID, ErrNotFound)
	}
	return m, err
}

func (s *SQLStore) GetMappingByProduct(ctx context.Context, integrationID, productID string) (*ProductMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM product_mappings WHERE integration_id = ? AND product_id = ?`
	m, err := scanMapping(s.queryRow(ctx, s.db.DB, query, integrationID, productID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("mapping %s/product %s: %w", integrationID, productID, ErrNotFound)
	}
	return m, err
}

func (s *SQLStore) UpdateMapping(ctx context.Context, m *ProductMapping) error {
	m.UpdatedAt = s.now()
	query := `UPDATE product_mappings
			  SET external_sku = ?, external_url = ?, status = ?, content_hash = ?, last_synced_at = ?, last_error = ?, updated_at = ?
			  WHERE id = ?`
	res, err := s.exec(ctx, s.db.DB, query,
		m.ExternalSKU, m.ExternalURL, m.Status, m.ContentHash, m.LastSyncedAt, m.LastError, m.UpdatedAt, m.ID)
	return mustAffect(res, err, fmt.Errorf("mapping %s: %w", m.ID, ErrNotFound))
}

// ListActiveMappingsForProduct returns every mapping of the product that is not disabled.
func (s *SQLStore) ListActiveMappingsForProduct(ctx context.Context, productID string) ([]*ProductMapping, error) {
	query := `SELECT ` + mappingColumns + ` FROM product_mappings
			  WHERE product_id = ? AND status <> ?
			  ORDER BY created_at, id`
	rows, err := s.query(ctx, s.db.DB, query, productID, MappingDisabled)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ProductMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DisableUnseenMappings soft-disables mappings of the integration that were
// not synced since seenSince and returns the affected product ids.
func (s *SQLStore) DisableUnseenMappings(ctx context.Context, integrationID string, seenSince time.Time) ([]string, error) {
	var productIDs []string
	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		where := ` WHERE integration_id = ? AND status <> ? AND (last_synced_at IS NULL OR last_synced_at < ?)`
		args := []any{integrationID, MappingDisabled, seenSince.UTC()}

		rows, err := s.query(ctx, tx, `SELECT product_id FROM product_mappings`+where, args...)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			productIDs = append(productIDs, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(productIDs) == 0 {
			return nil
		}

		_, err = s.exec(ctx, tx, `UPDATE product_mappings SET status = ?, updated_at = ?`+where,
			append([]any{MappingDisabled, s.now()}, args...)...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return productIDs, nil
}

func (s *SQLStore) CountMappingsByStatus(ctx context.Context, integrationID string) (map[string]int, error) {
	rows, err := s.query(ctx, s.db.DB,
		`SELECT status, COUNT(*) FROM product_mappings WHERE integration_id = ? GROUP BY status`, integrationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// ---- price observations ----

const observationColumns = `id, product_id, store_id, price, original_price, currency, available, stock_quantity, recorded_at`

func scanObservation(row rowScanner) (*PriceObservation, error) {
	var o PriceObservation
	err := row.Scan(
		&o.ID,
		&o.ProductID,
		&o.StoreID,
		&o.Price,
		&o.OriginalPrice,
		&o.Currency,
		&o.Available,
		&o.StockQuantity,
		&o.RecordedAt,
	)
	if err != nil {
		return nil, err
	}
	o.RecordedAt = o.RecordedAt.UTC()
	return &o, nil
}

func (s *SQLStore) latestObservation(ctx context.Context, q querier, productID, storeID string, lock bool) (*PriceObservation, error) {
	query := `SELECT ` + observationColumns + ` FROM price_observations
			  WHERE product_id = ? AND store_id = ?
			  ORDER BY recorded_at DESC LIMIT 1`
	if lock {
		query += s.db.ForUpdate()
	}
	o, err := scanObservation(s.queryRow(ctx, q, query, productID, storeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

func (s *SQLStore) lockProduct(ctx context.Context, tx *sql.Tx, productID string) error {
	suffix := s.db.ForUpdate()
	if suffix == "" {
		return nil
	}
	var id string
	err := s.queryRow(ctx, tx, `SELECT id FROM products WHERE id = ?`+suffix, productID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	return err
}

// AppendObservation inserts obs when changed(latest) says so, in one
// transaction with the read of the latest row. recorded_at is moved strictly
// past the latest row so per-pair history stays ordered.
func (s *SQLStore) AppendObservation(ctx context.Context, obs *PriceObservation, changed func(latest *PriceObservation) bool) (bool, error) {
	inserted := false
	err := s.db.ExecTx(ctx, func(tx *sql.Tx) error {
		// A first sighting has no row to lock, so writers of the same product
		// queue on the product row instead. SQLite runs one connection.
		if err := s.lockProduct(ctx, tx, obs.ProductID); err != nil {
			return err
		}
		latest, err := s.latestObservation(ctx, tx, obs.ProductID, obs.StoreID, true)
		if err != nil {
			return err
		}
		if !changed(latest) {
			return nil
		}

		if obs.ID == "" {
			obs.ID = uuid.New().String()
		}
		if obs.RecordedAt.IsZero() {
			obs.RecordedAt = s.now()
		}
		obs.RecordedAt = obs.RecordedAt.UTC().Truncate(time.Microsecond)
		if latest != nil && !obs.RecordedAt.After(latest.RecordedAt) {
			obs.RecordedAt = latest.RecordedAt.Add(time.Microsecond)
		}

		query := `INSERT INTO price_observations (` + observationColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
		_, err = s.exec(ctx, tx, query,
			obs.ID,
			obs.ProductID,
			obs.StoreID,
			obs.Price,
			obs.OriginalPrice,
			obs.Currency,
			obs.Available,
			obs.StockQuantity,
			obs.RecordedAt,
		)
		if err != nil {
			if database.IsUniqueViolation(err) {
				return fmt.Errorf("observation %s/%s: %w", obs.ProductID, obs.StoreID, ErrDuplicate)
			}
			return err
		}
		inserted = true
		return nil
	})
	return inserted, err
}

// LatestObservation returns nil, nil when the pair has no history.
func (s *SQLStore) LatestObservation(ctx context.Context, productID, storeID string) (*PriceObservation, error) {
	return s.latestObservation(ctx, s.db.DB, productID, storeID, false)
}

// ListObservations returns observations at or after since in ascending time
// order. An empty storeID spans every store.
func (s *SQLStore) ListObservations(ctx context.Context, productID, storeID string, since time.Time) ([]*PriceObservation, error) {
	query := `SELECT ` + observationColumns + ` FROM price_observations WHERE product_id = ? AND recorded_at >= ?`
	args := []any{productID, since.UTC()}
	if storeID != "" {
		query += ` AND store_id = ?`
		args = append(args, storeID)
	}
	query += ` ORDER BY recorded_at ASC, store_id`

	rows, err := s.query(ctx, s.db.DB, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PriceObservation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// LatestObservationsBefore returns, per store, the newest observation
// recorded strictly before the cutoff. It is the price in effect when a
// window starting at before opens.
func (s *SQLStore) LatestObservationsBefore(ctx context.Context, productID string, before time.Time) ([]*PriceObservation, error) {
	query := `SELECT ` + observationColumns + ` FROM price_observations o
			  WHERE o.product_id = ? AND o.recorded_at = (
			      SELECT MAX(i.recorded_at) FROM price_observations i
			      WHERE i.product_id = o.product_id AND i.store_id = o.store_id AND i.recorded_at < ?)
			  ORDER BY o.store_id`
	rows, err := s.query(ctx, s.db.DB, query, productID, before.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*PriceObservation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// PruneObservations deletes observations older than the cutoff. The newest
// row of every (product, store) pair is kept since it is the current price.
func (s *SQLStore) PruneObservations(ctx context.Context, before time.Time) (int64, error) {
	query := `DELETE FROM price_observations
			  WHERE recorded_at < ? AND recorded_at < (
			      SELECT MAX(i.recorded_at) FROM price_observations i
			      WHERE i.product_id = price_observations.product_id AND i.store_id = price_observations.store_id)`
	if s.db.Dialect == database.MySQL {
		// MySQL rejects a subquery on the table being deleted from.
		query = `DELETE o FROM price_observations o
				 JOIN (SELECT product_id, store_id, MAX(recorded_at) AS latest
				       FROM price_observations GROUP BY product_id, store_id) m
				   ON o.product_id = m.product_id AND o.store_id = m.store_id
				 WHERE o.recorded_at < ? AND o.recorded_at < m.latest`
	}
	res, err := s.exec(ctx, s.db.DB, query, before.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- runs ----

const runColumns = `id, integration_id, kind, status, attempt, started_at, finished_at, processed, created, updated, errors, error_detail`

func scanRun(row rowScanner) (*SyncRun, error) {
	var r SyncRun
	var detail sql.NullString
	err := row.Scan(
		&r.ID,
		&r.IntegrationID,
		&r.Kind,
		&r.Status,
		&r.Attempt,
		&r.StartedAt,
		&r.FinishedAt,
		&r.Processed,
		&r.Created,
		&r.Updated,
		&r.Errors,
		&detail,
	)
	if err != nil {
		return nil, err
	}
	r.StartedAt = r.StartedAt.UTC()
	if detail.Valid && detail.String != "" {
		r.ErrorDetail = json.RawMessage(detail.String)
	}
	return &r, nil
}

func (s *SQLStore) CreateRun(ctx context.Context, run *SyncRun) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = s.now()
	}
	if run.Attempt == 0 {
		run.Attempt = 1
	}
	run.StartedAt = run.StartedAt.UTC().Truncate(time.Microsecond)
	run.Status = RunStarted

	query := `INSERT INTO sync_runs (` + runColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.exec(ctx, s.db.DB, query,
		run.ID,
		run.IntegrationID,
		run.Kind,
		run.Status,
		run.Attempt,
		run.StartedAt,
		run.FinishedAt,
		run.Processed,
		run.Created,
		run.Updated,
		run.Errors,
		nullString(string(run.ErrorDetail)),
	)
	return err
}

// FinishRun moves a started run into its terminal state. Terminal runs are immutable.
func (s *SQLStore) FinishRun(ctx context.Context, run *SyncRun) error {
	if !run.Finished() {
		return fmt.Errorf("run %s: cannot finish with status %q", run.ID, run.Status)
	}
	if !run.FinishedAt.Valid {
		run.FinishedAt = sql.NullTime{Time: s.now(), Valid: true}
	}

	query := `UPDATE sync_runs
			  SET status = ?, finished_at = ?, processed = ?, created = ?, updated = ?, errors = ?, error_detail = ?
			  WHERE id = ? AND status = ?`
	res, err := s.exec(ctx, s.db.DB, query,
		run.Status,
		run.FinishedAt,
		run.Processed,
		run.Created,
		run.Updated,
		run.Errors,
		nullString(string(run.ErrorDetail)),
		run.ID,
		RunStarted,
	)
	return mustAffect(res, err, fmt.Errorf("run %s: %w", run.ID, ErrRunFinalized))
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*SyncRun, error) {
	r, err := scanRun(s.queryRow(ctx, s.db.DB, `SELECT `+runColumns+` FROM sync_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return r, err
}

// ListRuns returns the newest runs first. An empty integrationID lists all integrations.
func (s *SQLStore) ListRuns(ctx context.Context, integrationID string, limit int) ([]*SyncRun, error) {
	query := `SELECT ` + runColumns + ` FROM sync_runs`
	var args []any
	if integrationID != "" {
		query += ` WHERE integration_id = ?`
		args = append(args, integrationID)
	}
	query += ` ORDER BY started_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := s.query(ctx, s.db.DB, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SyncRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestRun returns nil, nil when the integration never ran.
func (s *SQLStore) LatestRun(ctx context.Context, integrationID string) (*SyncRun, error) {
	return s.LatestRunOfKind(ctx, integrationID)
}

// LatestRunOfKind is LatestRun restricted to the given run kinds. No kinds
// means any kind.
func (s *SQLStore) LatestRunOfKind(ctx context.Context, integrationID string, kinds ...string) (*SyncRun, error) {
	query := `SELECT ` + runColumns + ` FROM sync_runs WHERE integration_id = ?`
	args := []any{integrationID}
	if len(kinds) > 0 {
		query += ` AND kind IN (?` + strings.Repeat(", ?", len(kinds)-1) + `)`
		for _, k := range kinds {
			args = append(args, k)
		}
	}
	query += ` ORDER BY started_at DESC, id LIMIT 1`
	r, err := scanRun(s.queryRow(ctx, s.db.DB, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (s *SQLStore) RunStats(ctx context.Context, integrationID string, since time.Time) (RunStats, error) {
	var stats RunStats
	rows, err := s.query(ctx, s.db.DB,
		`SELECT status, COUNT(*) FROM sync_runs
		 WHERE integration_id = ? AND started_at >= ? AND status <> ?
		 GROUP BY status`,
		integrationID, since.UTC(), RunStarted)
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		stats.Total += n
		switch status {
		case RunCompleted:
			stats.Succeeded += n
		case RunPartial:
			stats.Partial += n
		case RunFailed:
			stats.Failed += n
		}
	}
	return stats, rows.Err()
}

// PruneRuns deletes finished runs that started before the cutoff.
func (s *SQLStore) PruneRuns(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.exec(ctx, s.db.DB, `DELETE FROM sync_runs WHERE started_at < ? AND status <> ?`, before.UTC(), RunStarted)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
