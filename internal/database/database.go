package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"catalog-sync-service/internal/config"
	"catalog-sync-service/internal/logger"
)

type Dialect string

const (
	MySQL    Dialect = "mysql"
	Postgres Dialect = "postgres"
	SQLite   Dialect = "sqlite"
)

type Database struct {
	DB      *sql.DB
	Dialect Dialect
}

func NewDatabase(cfg config.StorageConfig) (*Database, error) {
	dialect := Dialect(cfg.Type)
	driver, dsn, err := dataSource(dialect, cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = 1
	}
	for i := 0; i < retries; i++ {
		err = db.Ping()
		if err == nil {
			break
		}
		logger.Log.Info("Waiting for database...", zap.Error(err), zap.Int("attempt", i+1))
		if i < retries-1 {
			time.Sleep(1 * time.Second)
		}
	}
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database after retries: %w", err)
	}

	if dialect == SQLite {
		// one writer at a time; in-memory databases also live on a single connection
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	} else {
		maxOpen := cfg.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 10
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen / 2)
		db.SetConnMaxLifetime(time.Hour)
	}

	logger.Log.Info("Connected to database",
		zap.String("type", cfg.Type),
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
	)

	return &Database{DB: db, Dialect: dialect}, nil
}

// Wrap adopts an already opened handle, e.g. one produced by sqlmock.
func Wrap(db *sql.DB, dialect Dialect) *Database {
	return &Database{DB: db, Dialect: dialect}
}

func dataSource(dialect Dialect, cfg config.StorageConfig) (driver, dsn string, err error) {
	switch dialect {
	case MySQL:
		return "mysql", fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true&loc=UTC",
			cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database), nil
	case Postgres:
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(cfg.User, cfg.Password),
			Host:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Path:     "/" + cfg.Database,
			RawQuery: "sslmode=disable",
		}
		return "pgx", u.String(), nil
	case SQLite:
		return "sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on&_busy_timeout=5000", cfg.FilePath), nil
	default:
		return "", "", fmt.Errorf("unsupported storage type %q", dialect)
	}
}

func (d *Database) Close() error {
	return d.DB.Close()
}

// Rebind rewrites ? placeholders into the dialect's native form.
func (d *Database) Rebind(query string) string {
	if d.Dialect != Postgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ForUpdate is the row-locking suffix for SELECTs inside a transaction.
func (d *Database) ForUpdate() string {
	if d.Dialect == SQLite {
		return ""
	}
	return " FOR UPDATE"
}

// ExecTx executes a function within a transaction
func (d *Database) ExecTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("tx err: %w, rb err: %v", err, rbErr)
		}
		return err
	}

	return tx.Commit()
}

// IsUniqueViolation reports whether err is a unique/primary key violation in any supported dialect.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}

	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			liteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
