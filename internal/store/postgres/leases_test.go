package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"vmplane/internal/store"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

var leaseRowColumns = []string{
	"id", "tenant_id", "user_id", "vm_uuid", "agent_id", "runner_id", "module", "version",
	"token_hash", "status", "issued_at", "expires_at", "last_heartbeat_at", "revoked_at", "revoke_reason",
}

func TestCreateLease_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	now := time.Now().UTC()
	lease := &store.Lease{
		ID:              uuid.New(),
		TenantID:        "tenant-a",
		UserID:          "user-1",
		VMUUID:          "vm-1",
		AgentID:         "agent-1",
		RunnerID:        "runner-1",
		Module:          "bot-runner",
		TokenHash:       "hash",
		Status:          store.LeaseStatusActive,
		IssuedAt:        now,
		ExpiresAt:       now.Add(2 * time.Minute),
		LastHeartbeatAt: now,
	}

	mock.ExpectExec(`INSERT INTO execution_leases`).
		WithArgs(lease.ID, "tenant-a", "user-1", "vm-1", "agent-1", "runner-1", "bot-runner", sqlmock.AnyArg(),
			"hash", store.LeaseStatusActive, now, lease.ExpiresAt, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.CreateLease(context.Background(), lease); err != nil {
		t.Fatalf("CreateLease failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetLease_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	id := uuid.New()
	mock.ExpectQuery(`SELECT .* FROM execution_leases WHERE tenant_id = \$1 AND id = \$2`).
		WithArgs("tenant-a", id).
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetLease(context.Background(), "tenant-a", id)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRenewLease_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	id := uuid.New()
	issued := time.Now().UTC().Add(-time.Minute)
	now := time.Now().UTC()
	expires := now.Add(2 * time.Minute)

	mock.ExpectQuery(`UPDATE execution_leases\s+SET last_heartbeat_at = \$3, expires_at = \$4\s+WHERE tenant_id = \$1 AND id = \$2 AND status = 'active' AND expires_at >= \$3`).
		WithArgs("tenant-a", id, now, expires).
		WillReturnRows(sqlmock.NewRows(leaseRowColumns).
			AddRow(id.String(), "tenant-a", "user-1", "vm-1", "agent-1", "runner-1", "bot-runner", nil,
				"hash", "active", issued, expires, now, nil, nil))

	lease, err := s.RenewLease(context.Background(), "tenant-a", id, now, expires)
	if err != nil {
		t.Fatalf("RenewLease failed: %v", err)
	}
	if !lease.ExpiresAt.Equal(expires) {
		t.Errorf("got expires_at %v, want %v", lease.ExpiresAt, expires)
	}
	if lease.Version != nil {
		t.Errorf("expected nil version, got %v", *lease.Version)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestRenewLease_ExpiredOrRevokedIsNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	id := uuid.New()
	now := time.Now().UTC()

	mock.ExpectQuery(`UPDATE execution_leases`).
		WithArgs("tenant-a", id, now, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(leaseRowColumns))

	_, err := s.RenewLease(context.Background(), "tenant-a", id, now, now.Add(time.Minute))
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRevokeLease_KeepsFirstStamp(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	id := uuid.New()
	issued := time.Now().UTC().Add(-time.Hour)
	firstRevoke := issued.Add(10 * time.Minute)
	now := time.Now().UTC()
	reason := "operator request"

	mock.ExpectQuery(`UPDATE execution_leases\s+SET status = 'revoked',\s+revoked_at = COALESCE\(revoked_at, \$3\)`).
		WithArgs("tenant-a", id, now, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(leaseRowColumns).
			AddRow(id.String(), "tenant-a", "user-1", "vm-1", "agent-1", "runner-1", "bot-runner", "1.2.0",
				"hash", "revoked", issued, issued.Add(2*time.Minute), issued, firstRevoke, reason))

	lease, err := s.RevokeLease(context.Background(), "tenant-a", id, now, "second call")
	if err != nil {
		t.Fatalf("RevokeLease failed: %v", err)
	}
	if lease.Status != store.LeaseStatusRevoked {
		t.Errorf("got status %s, want revoked", lease.Status)
	}
	if lease.RevokedAt == nil || !lease.RevokedAt.Equal(firstRevoke) {
		t.Errorf("got revoked_at %v, want %v", lease.RevokedAt, firstRevoke)
	}
	if lease.RevokeReason == nil || *lease.RevokeReason != reason {
		t.Errorf("got reason %v, want %q", lease.RevokeReason, reason)
	}
	if lease.Version == nil || *lease.Version != "1.2.0" {
		t.Errorf("got version %v, want 1.2.0", lease.Version)
	}
}
