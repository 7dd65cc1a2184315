package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a record does not exist for the caller's tenant,
	// or when a conditional lease update finds no live lease.
	ErrNotFound = errors.New("record not found")

	// ErrStatusConflict is returned by UpdateCommandStatus when the stored status
	// no longer matches the expected one.
	ErrStatusConflict = errors.New("status changed concurrently")
)

// TenantStore handles tenants and their API keys.
type TenantStore interface {
	// CreateTenant inserts a new tenant.
	CreateTenant(ctx context.Context, tenant *Tenant) error

	// GetTenantByID returns a tenant by its ID.
	GetTenantByID(ctx context.Context, id uuid.UUID) (*Tenant, error)

	// CreateAPIKey stores a hashed key for a tenant user.
	CreateAPIKey(ctx context.Context, key *APIKey) error

	// GetAPIKeyByHash resolves a hashed bearer key.
	GetAPIKeyByHash(ctx context.Context, hash string) (*APIKey, error)
}

// LeaseStore persists execution leases. Every mutation is a single conditional
// update on one record.
type LeaseStore interface {
	CreateLease(ctx context.Context, lease *Lease) error

	GetLease(ctx context.Context, tenantID string, id uuid.UUID) (*Lease, error)

	// RenewLease sets last_heartbeat_at=now and expires_at=expiresAt, but only for
	// a lease that is not revoked and has not expired at now. Otherwise ErrNotFound.
	RenewLease(ctx context.Context, tenantID string, id uuid.UUID, now, expiresAt time.Time) (*Lease, error)

	// RevokeLease marks the lease revoked. The first revoked_at and reason win,
	// so repeated calls return the same snapshot.
	RevokeLease(ctx context.Context, tenantID string, id uuid.UUID, now time.Time, reason string) (*Lease, error)
}

// CommandStore persists the append-only command log.
type CommandStore interface {
	CreateCommand(ctx context.Context, cmd *Command) error

	GetCommand(ctx context.Context, tenantID string, id uuid.UUID) (*Command, error)

	// ListCommands returns commands ordered by queued_at ascending.
	ListCommands(ctx context.Context, tenantID string, filter CommandFilter) ([]Command, error)

	// ClaimNextCommand atomically moves the oldest queued command of the agent to
	// dispatched with started_at=now. Commands queued before cutoff are never
	// claimed. Returns nil, nil when nothing is queued.
	ClaimNextCommand(ctx context.Context, tenantID, agentID string, cutoff, now time.Time) (*Command, error)

	// UpdateCommandStatus applies update only if the stored status equals from.
	// Returns ErrNotFound for unknown ids and ErrStatusConflict on mismatch.
	UpdateCommandStatus(ctx context.Context, tenantID string, id uuid.UUID, from CommandStatus, update CommandUpdate) (*Command, error)

	// ExpireStaleCommands moves queued commands queued before cutoff, and
	// dispatched commands claimed before cutoff, to expired.
	ExpireStaleCommands(ctx context.Context, tenantID string, cutoff, now time.Time, message string) (int64, error)

	// CountQueuedCommands tracks the number of queued commands across tenants.
	CountQueuedCommands(ctx context.Context) (int64, error)
}

// LogStore persists command output shipped by agents.
type LogStore interface {
	AddCommandLog(ctx context.Context, commandID uuid.UUID, content string) error

	GetCommandLogs(ctx context.Context, commandID uuid.UUID, afterID int64, limit int) ([]LogEntry, error)
}

// Store is the full persistence surface the controller needs.
type Store interface {
	TenantStore
	LeaseStore
	CommandStore
	LogStore

	Ping(ctx context.Context) error
	Close() error
}
