package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"sessionplane/internal/store"

	"github.com/google/uuid"
)

const tenantColumns = "id, name, rate_limit, rate_limit_burst, created_at"

func (s *Store) CreateTenant(ctx context.Context, tenant *store.Tenant, hashedKey string) error {
	query := `
		INSERT INTO tenants (id, name, api_key_hash, created_at, rate_limit, rate_limit_burst)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	_, err := s.db.ExecContext(ctx, query,
		tenant.ID,
		tenant.Name,
		hashedKey,
		tenant.CreatedAt,
		tenant.RateLimit,
		tenant.RateLimitBurst,
	)
	if err != nil {
		return fmt.Errorf("failed to create tenant %s: %w", tenant.ID, err)
	}
	return nil
}

func (s *Store) GetTenantByID(ctx context.Context, id uuid.UUID) (*store.Tenant, error) {
	query := "SELECT " + tenantColumns + " FROM tenants WHERE id = $1"
	return s.getTenant(ctx, query, id)
}

func (s *Store) GetTenantByAPIKeyHash(ctx context.Context, hash string) (*store.Tenant, error) {
	query := "SELECT " + tenantColumns + " FROM tenants WHERE api_key_hash = $1"
	return s.getTenant(ctx, query, hash)
}

func (s *Store) getTenant(ctx context.Context, query string, arg interface{}) (*store.Tenant, error) {
	var t store.Tenant

	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&t.ID,
		&t.Name,
		&t.RateLimit,
		&t.RateLimitBurst,
		&t.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &t, nil
}
