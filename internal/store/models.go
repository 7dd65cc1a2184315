// Package store contains the database layer for vmplane.
package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Tenant represents a tenant in the multi-tenant system.
// All lease and command operations must be scoped by TenantID.
type Tenant struct {
	ID             uuid.UUID
	Name           string
	RateLimit      float64
	RateLimitBurst int
	CreatedAt      time.Time
}

// APIKey binds a hashed bearer key to a caller identity.
type APIKey struct {
	KeyHash   string
	TenantID  uuid.UUID
	UserID    string
	Roles     []string
	CreatedAt time.Time
}

// LeaseStatus is the stored or derived state of an execution lease.
type LeaseStatus string

const (
	LeaseStatusActive  LeaseStatus = "active"
	LeaseStatusExpired LeaseStatus = "expired"
	LeaseStatusRevoked LeaseStatus = "revoked"
)

// Lease is a time-bounded grant for one runner to operate one (vm, module) pair.
// Only active and revoked are ever persisted; expired is derived by StatusAt.
type Lease struct {
	ID              uuid.UUID
	TenantID        string
	UserID          string
	VMUUID          string
	AgentID         string
	RunnerID        string
	Module          string
	Version         *string
	TokenHash       string
	Status          LeaseStatus
	IssuedAt        time.Time
	ExpiresAt       time.Time
	LastHeartbeatAt time.Time
	RevokedAt       *time.Time
	RevokeReason    *string

	// Token is the raw bearer token. It is only populated on the issue path.
	Token string
}

// StatusAt computes the effective lease status at now.
func (l *Lease) StatusAt(now time.Time) LeaseStatus {
	if l.Status == LeaseStatusRevoked {
		return LeaseStatusRevoked
	}
	if now.After(l.ExpiresAt) {
		return LeaseStatusExpired
	}
	return LeaseStatusActive
}

// CommandStatus represents the state of a command.
type CommandStatus string

const (
	CommandStatusQueued     CommandStatus = "queued"
	CommandStatusDispatched CommandStatus = "dispatched"
	CommandStatusRunning    CommandStatus = "running"
	CommandStatusSucceeded  CommandStatus = "succeeded"
	CommandStatusFailed     CommandStatus = "failed"
	CommandStatusCancelled  CommandStatus = "cancelled"
	CommandStatusExpired    CommandStatus = "expired"
)

// IsTerminal reports whether no further transitions are possible.
func (s CommandStatus) IsTerminal() bool {
	switch s {
	case CommandStatusSucceeded, CommandStatusFailed, CommandStatusCancelled, CommandStatusExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s CommandStatus) Valid() bool {
	switch s {
	case CommandStatusQueued, CommandStatusDispatched, CommandStatusRunning,
		CommandStatusSucceeded, CommandStatusFailed, CommandStatusCancelled, CommandStatusExpired:
		return true
	}
	return false
}

// Command is one entry of an agent's command log.
// Payload is immutable; Result and ErrorMessage are written once, on the terminal transition.
type Command struct {
	ID           uuid.UUID
	Seq          int64
	TenantID     string
	AgentID      string
	CommandType  string
	Payload      json.RawMessage
	Status       CommandStatus
	Result       json.RawMessage
	ErrorMessage *string
	QueuedAt     time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// CommandUpdate describes a conditional status transition.
type CommandUpdate struct {
	Status CommandStatus
	// StartedAt is applied only when the stored value is unset.
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Result       json.RawMessage
	ErrorMessage *string
}

// CommandFilter narrows ListCommands. Zero values mean "any".
type CommandFilter struct {
	AgentID     string
	Status      CommandStatus
	CommandType string
	Limit       int
	Offset      int
}

// LogEntry is one chunk of output an agent shipped for a command.
type LogEntry struct {
	ID        int64
	CommandID uuid.UUID
	Content   string
	CreatedAt time.Time
}
