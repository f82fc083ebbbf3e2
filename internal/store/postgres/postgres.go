// Package postgres implements the store interfaces using PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"sessionplane/internal/store"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Store provides PostgreSQL-backed implementations of all repositories.
type Store struct {
	db *sqlx.DB
}

var (
	_ store.TenantStore   = (*Store)(nil)
	_ store.SessionStore  = (*Store)(nil)
	_ store.ReminderStore = (*Store)(nil)
	_ store.DeliveryQueue = (*Store)(nil)
)

// New connects to PostgreSQL and verifies the connection.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection pool.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

// DB exposes the underlying *sql.DB, e.g. for migrations.
func (s *Store) DB() *sql.DB {
	return s.db.DB
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
