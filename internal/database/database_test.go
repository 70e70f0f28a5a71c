package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"catalog-sync-service/internal/config"
)

func TestRebind(t *testing.T) {
	q := "SELECT * FROM t WHERE a = ? AND b = ? LIMIT ?"

	pg := &Database{Dialect: Postgres}
	assert.Equal(t, "SELECT * FROM t WHERE a = $1 AND b = $2 LIMIT $3", pg.Rebind(q))

	my := &Database{Dialect: MySQL}
	assert.Equal(t, q, my.Rebind(q))
}

func TestForUpdate(t *testing.T) {
	assert.Equal(t, "", (&Database{Dialect: SQLite}).ForUpdate())
	assert.Equal(t, " FOR UPDATE", (&Database{Dialect: MySQL}).ForUpdate())
	assert.Equal(t, " FOR UPDATE", (&Database{Dialect: Postgres}).ForUpdate())
}

func TestDataSource(t *testing.T) {
	cfg := config.StorageConfig{Host: "db", Port: 5432, User: "sync", Password: "p@ss", Database: "catalog", FilePath: "/tmp/x.db"}

	driver, dsn, err := dataSource(MySQL, cfg)
	require.NoError(t, err)
	assert.Equal(t, "mysql", driver)
	assert.Equal(t, "sync:p@ss@tcp(db:5432)/catalog?parseTime=true&loc=UTC", dsn)

	driver, dsn, err = dataSource(Postgres, cfg)
	require.NoError(t, err)
	assert.Equal(t, "pgx", driver)
	assert.Equal(t, "postgres://sync:p%40ss@db:5432/catalog?sslmode=disable", dsn)

	driver, _, err = dataSource(SQLite, cfg)
	require.NoError(t, err)
	assert.Equal(t, "sqlite3", driver)

	_, _, err = dataSource("oracle", cfg)
	assert.Error(t, err)
}

func TestExecTx(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	d := Wrap(db, MySQL)

	t.Run("commit", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE t").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := d.ExecTx(context.Background(), func(tx *sql.Tx) error {
			_, err := tx.Exec("UPDATE t SET a = 1")
			return err
		})
		require.NoError(t, err)
	})

	t.Run("rollback on error", func(t *testing.T) {
		boom := errors.New("boom")
		mock.ExpectBegin()
		mock.ExpectRollback()

		err := d.ExecTx(context.Background(), func(tx *sql.Tx) error { return boom })
		assert.ErrorIs(t, err, boom)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "mysql duplicate", err: &mysql.MySQLError{Number: 1062}, want: true},
		{name: "mysql other", err: &mysql.MySQLError{Number: 1213}, want: false},
		{name: "postgres unique", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), want: true},
		{name: "postgres fk", err: &pgconn.PgError{Code: "23503"}, want: false},
		{name: "plain", err: errors.New("duplicate"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsUniqueViolation(tt.err))
		})
	}
}

func TestNewDatabase_SQLiteUniqueViolation(t *testing.T) {
	d, err := NewDatabase(config.StorageConfig{Type: "sqlite", FilePath: filepath.Join(t.TempDir(), "test.db")})
	require.NoError(t, err)
	defer d.Close()

	_, err = d.DB.Exec("CREATE TABLE t (id TEXT PRIMARY KEY, v TEXT, UNIQUE (v))")
	require.NoError(t, err)
	_, err = d.DB.Exec("INSERT INTO t (id, v) VALUES ('1', 'a')")
	require.NoError(t, err)
	_, err = d.DB.Exec("INSERT INTO t (id, v) VALUES ('2', 'a')")
	require.Error(t, err)
	assert.True(t, IsUniqueViolation(err))
}
