// Package lease issues, renews and revokes execution leases.
//
// Expiry is never swept in the background. A lease is expired when the clock
// has passed expires_at, and a renewal is a single conditional update that
// refuses revoked or expired rows, so a late heartbeat can never resurrect a lease.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"vmplane/internal/auth"
	"vmplane/internal/clock"
	"vmplane/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// DefaultTTL is the lease lifetime when none is configured.
const DefaultTTL = 120 * time.Second

// tokenBytes gives 256 bits of entropy.
const tokenBytes = 32

// ErrInvalidLease is returned when issue parameters are missing.
var ErrInvalidLease = errors.New("invalid lease request")

// IssueParams describes the (vm, module) pair a runner wants to operate.
type IssueParams struct {
	VMUUID   string
	AgentID  string
	RunnerID string
	Module   string
	UserID   string
	Version  string
}

// Manager owns lease expiry arithmetic.
type Manager struct {
	store  store.LeaseStore
	ttl    time.Duration
	clock  clock.Clock
	logger *slog.Logger

	issued   metric.Int64Counter
	renewed  metric.Int64Counter
	revoked  metric.Int64Counter
	rejected metric.Int64Counter
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL sets the lease lifetime. Non-positive values are ignored.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

// WithClock injects the time source.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// NewManager creates a lease manager.
func NewManager(s store.LeaseStore, opts ...Option) *Manager {
	m := &Manager{
		store:  s,
		ttl:    DefaultTTL,
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}

	meter := otel.Meter("vmplane-lease")
	m.issued, _ = meter.Int64Counter("vmplane.leases.issued",
		metric.WithDescription("Execution leases issued"))
	m.renewed, _ = meter.Int64Counter("vmplane.leases.heartbeats",
		metric.WithDescription("Successful lease heartbeats"))
	m.revoked, _ = meter.Int64Counter("vmplane.leases.revoked",
		metric.WithDescription("Lease revocations, including repeats"))
	m.rejected, _ = meter.Int64Counter("vmplane.leases.heartbeats.rejected",
		metric.WithDescription("Heartbeats refused because the lease was unknown, expired or revoked"))

	return m
}

// TTL returns the configured lease lifetime.
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// Issue creates a new active lease. The returned lease carries the raw token;
// only its hash is persisted.
//
// An earlier active lease for the same (tenant, vm, module) is not rejected.
// The newest lease supersedes it and the earlier one simply stops being
// renewed by its runner.
func (m *Manager) Issue(ctx context.Context, tenantID string, p IssueParams) (*store.Lease, error) {
	p.VMUUID = strings.TrimSpace(p.VMUUID)
	p.AgentID = strings.TrimSpace(p.AgentID)
	p.Module = strings.TrimSpace(p.Module)
	switch {
	case tenantID == "":
		return nil, fmt.Errorf("%w: tenant is required", ErrInvalidLease)
	case p.VMUUID == "":
		return nil, fmt.Errorf("%w: vm_uuid is required", ErrInvalidLease)
	case p.AgentID == "":
		return nil, fmt.Errorf("%w: agent_id is required", ErrInvalidLease)
	case p.Module == "":
		return nil, fmt.Errorf("%w: module is required", ErrInvalidLease)
	}

	token, err := auth.GenerateToken(tokenBytes)
	if err != nil {
		return nil, err
	}

	now := m.clock.Now()
	lease := &store.Lease{
		ID:              uuid.New(),
		TenantID:        tenantID,
		UserID:          p.UserID,
		VMUUID:          p.VMUUID,
		AgentID:         p.AgentID,
		RunnerID:        p.RunnerID,
		Module:          p.Module,
		TokenHash:       auth.HashKey(token),
		Status:          store.LeaseStatusActive,
		IssuedAt:        now,
		ExpiresAt:       now.Add(m.ttl),
		LastHeartbeatAt: now,
	}
	if p.Version != "" {
		v := p.Version
		lease.Version = &v
	}

	if err := m.store.CreateLease(ctx, lease); err != nil {
		return nil, fmt.Errorf("failed to create lease: %w", err)
	}

	m.issued.Add(ctx, 1, metric.WithAttributes(attribute.String("module", lease.Module)))
	m.logger.InfoContext(ctx, "lease issued",
		"lease_id", lease.ID,
		"tenant_id", tenantID,
		"vm_uuid", lease.VMUUID,
		"module", lease.Module,
		"agent_id", lease.AgentID,
		"runner_id", lease.RunnerID,
		"expires_at", lease.ExpiresAt,
	)

	lease.Token = token
	return lease, nil
}

// Heartbeat extends a live lease to now+TTL. Unknown, expired and revoked
// leases all yield store.ErrNotFound; the caller must issue a new lease.
func (m *Manager) Heartbeat(ctx context.Context, tenantID string, id uuid.UUID) (*store.Lease, error) {
	now := m.clock.Now()
	lease, err := m.store.RenewLease(ctx, tenantID, id, now, now.Add(m.ttl))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.rejected.Add(ctx, 1)
			m.logger.DebugContext(ctx, "heartbeat rejected", "lease_id", id, "tenant_id", tenantID)
		}
		return nil, err
	}

	m.renewed.Add(ctx, 1)
	return lease, nil
}

// Revoke terminates a lease. Repeated calls return the same snapshot.
func (m *Manager) Revoke(ctx context.Context, tenantID string, id uuid.UUID, reason string) (*store.Lease, error) {
	lease, err := m.store.RevokeLease(ctx, tenantID, id, m.clock.Now(), strings.TrimSpace(reason))
	if err != nil {
		return nil, err
	}

	m.revoked.Add(ctx, 1)
	m.logger.InfoContext(ctx, "lease revoked", "lease_id", id, "tenant_id", tenantID, "reason", reason)
	return lease, nil
}

// Get returns a lease with its status evaluated at the current time.
func (m *Manager) Get(ctx context.Context, tenantID string, id uuid.UUID) (*store.Lease, error) {
	lease, err := m.store.GetLease(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	lease.Status = lease.StatusAt(m.clock.Now())
	return lease, nil
}

// Status evaluates a lease's effective status at the current time.
func (m *Manager) Status(lease *store.Lease) store.LeaseStatus {
	return lease.StatusAt(m.clock.Now())
}
