package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"vmplane/internal/store"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

func (s *Store) CreateTenant(ctx context.Context, tenant *store.Tenant) error {
	query := `
		INSERT INTO tenants (id, name, rate_limit, rate_limit_burst, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := s.db.ExecContext(ctx, query,
		tenant.ID,
		tenant.Name,
		tenant.RateLimit,
		tenant.RateLimitBurst,
		tenant.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert tenant %s: %w", tenant.ID, err)
	}
	return nil
}

func (s *Store) GetTenantByID(ctx context.Context, id uuid.UUID) (*store.Tenant, error) {
	query := "SELECT id, name, rate_limit, rate_limit_burst, created_at FROM tenants WHERE id = $1"

	var t store.Tenant

	err := s.db.QueryRowContext(ctx, query, id).Scan(
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

func (s *Store) CreateAPIKey(ctx context.Context, key *store.APIKey) error {
	query := `
		INSERT INTO api_keys (key_hash, tenant_id, user_id, roles, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	_, err := s.db.ExecContext(ctx, query, key.KeyHash, key.TenantID, key.UserID, pq.Array(key.Roles), key.CreatedAt)
	return err
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*store.APIKey, error) {
	query := "SELECT key_hash, tenant_id, user_id, roles, created_at FROM api_keys WHERE key_hash = $1"

	var k store.APIKey
	err := s.db.QueryRowContext(ctx, query, hash).Scan(
		&k.KeyHash,
		&k.TenantID,
		&k.UserID,
		pq.Array(&k.Roles),
		&k.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &k, nil
}
