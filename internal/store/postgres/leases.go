package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"vmplane/internal/store"

	"github.com/google/uuid"
)

const leaseColumns = `id, tenant_id, user_id, vm_uuid, agent_id, runner_id, module, version,
	token_hash, status, issued_at, expires_at, last_heartbeat_at, revoked_at, revoke_reason`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanLease(row rowScanner) (*store.Lease, error) {
	var l store.Lease
	var version, reason sql.NullString
	var revokedAt sql.NullTime
	err := row.Scan(
		&l.ID, &l.TenantID, &l.UserID, &l.VMUUID, &l.AgentID, &l.RunnerID, &l.Module, &version,
		&l.TokenHash, &l.Status, &l.IssuedAt, &l.ExpiresAt, &l.LastHeartbeatAt, &revokedAt, &reason,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if version.Valid {
		l.Version = &version.String
	}
	if reason.Valid {
		l.RevokeReason = &reason.String
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		l.RevokedAt = &t
	}
	return &l, nil
}

// CreateLease inserts a new lease row.
func (s *Store) CreateLease(ctx context.Context, lease *store.Lease) error {
	query := `
		INSERT INTO execution_leases (id, tenant_id, user_id, vm_uuid, agent_id, runner_id, module, version,
			token_hash, status, issued_at, expires_at, last_heartbeat_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`

	var version sql.NullString
	if lease.Version != nil {
		version = nullString(*lease.Version)
	}

	_, err := s.db.ExecContext(ctx, query,
		lease.ID, lease.TenantID, lease.UserID, lease.VMUUID, lease.AgentID, lease.RunnerID, lease.Module, version,
		lease.TokenHash, lease.Status, lease.IssuedAt, lease.ExpiresAt, lease.LastHeartbeatAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert lease %s: %w", lease.ID, err)
	}
	return nil
}

// GetLease returns a lease scoped to the tenant.
func (s *Store) GetLease(ctx context.Context, tenantID string, id uuid.UUID) (*store.Lease, error) {
	query := `SELECT ` + leaseColumns + ` FROM execution_leases WHERE tenant_id = $1 AND id = $2`
	return scanLease(s.db.QueryRowContext(ctx, query, tenantID, id))
}

// RenewLease extends a live lease in one conditional update.
// A revoked or already expired lease matches no row and yields ErrNotFound.
func (s *Store) RenewLease(ctx context.Context, tenantID string, id uuid.UUID, now, expiresAt time.Time) (*store.Lease, error) {
	query := `
		UPDATE execution_leases
		SET last_heartbeat_at = $3, expires_at = $4
		WHERE tenant_id = $1 AND id = $2 AND status = 'active' AND expires_at >= $3
		RETURNING ` + leaseColumns

	return scanLease(s.db.QueryRowContext(ctx, query, tenantID, id, now, expiresAt))
}

// RevokeLease marks a lease revoked. COALESCE keeps the first revocation stamp.
func (s *Store) RevokeLease(ctx context.Context, tenantID string, id uuid.UUID, now time.Time, reason string) (*store.Lease, error) {
	query := `
		UPDATE execution_leases
		SET status = 'revoked',
			revoked_at = COALESCE(revoked_at, $3),
			revoke_reason = CASE WHEN revoked_at IS NULL THEN $4 ELSE revoke_reason END
		WHERE tenant_id = $1 AND id = $2
		RETURNING ` + leaseColumns

	return scanLease(s.db.QueryRowContext(ctx, query, tenantID, id, now, nullString(reason)))
}
