package store

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-sync-service/internal/database"
)

func newMockStore(t *testing.T, dialect database.Dialect) (*SQLStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := NewSQLStore(database.Wrap(db, dialect))
	s.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return s, mock
}

func TestGetIntegration_NotFound(t *testing.T) {
	s, mock := newMockStore(t, database.MySQL)

	mock.ExpectQuery(`SELECT .* FROM integration_configs WHERE id = \?`).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := s.GetIntegration(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMapping_MySQLDuplicate(t *testing.T) {
	s, mock := newMockStore(t, database.MySQL)

	mock.ExpectExec(`INSERT INTO product_mappings`).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"})

	err := s.CreateMapping(context.Background(), &ProductMapping{IntegrationID: "i1", ProductID: "p1", ExternalID: "e1"})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendObservation_LocksLatestRow(t *testing.T) {
	s, mock := newMockStore(t, database.MySQL)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM products WHERE id = \? FOR UPDATE`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("p1"))
	mock.ExpectQuery(`SELECT .* FROM price_observations\s+WHERE product_id = \? AND store_id = \?\s+ORDER BY recorded_at DESC LIMIT 1 FOR UPDATE`).
		WithArgs("p1", "s1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "product_id", "store_id", "price", "original_price", "currency", "available", "stock_quantity", "recorded_at"}).
			AddRow("o1", "p1", "s1", "10.00", nil, "USD", true, nil, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))
	mock.ExpectExec(`INSERT INTO price_observations`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	obs := &PriceObservation{ProductID: "p1", StoreID: "s1", Price: decimal.NewFromInt(12), Currency: "USD", Available: true}
	ok, err := s.AppendObservation(context.Background(), obs, func(latest *PriceObservation) bool {
		return latest == nil || !latest.Price.Equal(obs.Price)
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, obs.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinishRun_PostgresPlaceholders(t *testing.T) {
	s, mock := newMockStore(t, database.Postgres)

	mock.ExpectExec(`UPDATE sync_runs\s+SET status = \$1, finished_at = \$2, .* WHERE id = \$8 AND status = \$9`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	run := &SyncRun{ID: "r1", Status: RunCompleted}
	err := s.FinishRun(context.Background(), run)
	assert.ErrorIs(t, err, ErrRunFinalized)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateIntegration_PostgresDuplicate(t *testing.T) {
	s, mock := newMockStore(t, database.Postgres)

	mock.ExpectExec(`INSERT INTO integration_configs`).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := s.CreateIntegration(context.Background(), &IntegrationConfig{ID: "i1", StoreID: "s", Platform: "shopify"})
	assert.ErrorIs(t, err, ErrDuplicate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAppendObservation_PostgresFirstSightingLocksProduct(t *testing.T) {
	s, mock := newMockStore(t, database.Postgres)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM products WHERE id = \$1 FOR UPDATE`).
		WithArgs("p1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("p1"))
	mock.ExpectQuery(`SELECT .* FROM price_observations\s+WHERE product_id = \$1 AND store_id = \$2\s+ORDER BY recorded_at DESC LIMIT 1 FOR UPDATE`).
		WithArgs("p1", "s1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectExec(`INSERT INTO price_observations`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	obs := &PriceObservation{ProductID: "p1", StoreID: "s1", Price: decimal.NewFromInt(12), Currency: "USD", Available: true}
	ok, err := s.AppendObservation(context.Background(), obs, func(latest *PriceObservation) bool { return latest == nil })
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPruneObservations_MySQLJoinKeepsLatest(t *testing.T) {
	s, mock := newMockStore(t, database.MySQL)
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(`DELETE o FROM price_observations o\s+JOIN \(SELECT product_id, store_id, MAX\(recorded_at\) AS latest`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := s.PruneObservations(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLatestRunOfKind_PostgresPlaceholders(t *testing.T) {
	s, mock := newMockStore(t, database.Postgres)

	mock.ExpectQuery(`FROM sync_runs WHERE integration_id = \$1 AND kind IN \(\$2, \$3\) ORDER BY started_at DESC`).
		WithArgs("i1", RunFull, RunIncremental).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	run, err := s.LatestRunOfKind(context.Background(), "i1", RunFull, RunIncremental)
	require.NoError(t, err)
	assert.Nil(t, run)
	assert.NoError(t, mock.ExpectationsWereMet())
}
