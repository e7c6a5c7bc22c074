// Package storage persists subscriptions, the current ticket snapshot and the
// notification ledger in a relational database (SQLite by default, PostgreSQL
// when DATABASE_URL points at one).
package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

//go:embed schema_postgres.sql
var postgresSchema string

const (
	driverSQLite   = "sqlite3"
	driverPostgres = "postgres"
)

// Store is the single persistence handle shared by the scan loop and the web layer.
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
	driver string
}

// Open connects to databaseURL. A postgres:// or postgresql:// URL selects
// PostgreSQL; anything else is treated as a SQLite file path.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (*Store, error) {
	driver, dsn := dataSource(databaseURL)

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == driverSQLite {
		// One writer at a time; WAL still lets readers through between statements.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	logger.Info("Database connected", "driver", driver)
	return &Store{db: db, logger: logger, driver: driver}, nil
}

func dataSource(databaseURL string) (driver, dsn string) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return driverPostgres, databaseURL
	}

	path := strings.TrimPrefix(strings.TrimPrefix(databaseURL, "sqlite3://"), "sqlite://")
	if path == "" {
		path = "stealers.db"
	}
	if strings.HasPrefix(path, "file:") {
		return driverSQLite, path
	}
	return driverSQLite, "file:" + path + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
}

// Migrate creates the tables and indexes if they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	schema := sqliteSchema
	if s.driver == driverPostgres {
		schema = postgresSchema
	}
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	s.logger.Info("Database schema ready", "driver", s.driver)
	return nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

// isUniqueViolation recognizes unique constraint failures from either driver.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
