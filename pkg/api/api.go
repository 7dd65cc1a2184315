// Package api contains shared JSON request/response structs.
// This package is shared between the CLI, the agent and the Controller.
package api

import (
	"encoding/json"
	"time"
)

// CreateTenantRequest is the request body for creating a new tenant.
type CreateTenantRequest struct {
	Name           string  `json:"name"`
	RateLimit      float64 `json:"rate_limit,omitempty"`
	RateLimitBurst int     `json:"rate_limit_burst,omitempty"`
}

// CreateTenantResponse is the response body after creating a tenant.
type CreateTenantResponse struct {
	ID   string `json:"tenant_id"`
	Name string `json:"name"`
}

// CreateAPIKeyRequest is the request body for minting a tenant API key.
type CreateAPIKeyRequest struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles,omitempty"`
}

// CreateAPIKeyResponse carries the raw key. It is only returned once.
type CreateAPIKeyResponse struct {
	TenantID string   `json:"tenant_id"`
	UserID   string   `json:"user_id"`
	Roles    []string `json:"roles"`
	APIKey   string   `json:"api_key"`
}

// IssueLeaseRequest is the request body for POST /license/lease.
type IssueLeaseRequest struct {
	VMUUID   string `json:"vm_uuid"`
	AgentID  string `json:"agent_id"`
	RunnerID string `json:"runner_id"`
	Module   string `json:"module"`
	UserID   string `json:"user_id,omitempty"`
	Version  string `json:"version,omitempty"`
}

// IssueLeaseResponse is returned once, on issue. It is the only response carrying the token.
type IssueLeaseResponse struct {
	LeaseID   string    `json:"lease_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	TenantID  string    `json:"tenant_id"`
	UserID    string    `json:"user_id"`
	VMUUID    string    `json:"vm_uuid"`
	Module    string    `json:"module"`
}

// HeartbeatRequest is the request body for POST /license/heartbeat.
type HeartbeatRequest struct {
	LeaseID string `json:"lease_id"`
}

// RevokeLeaseRequest is the request body for POST /license/revoke.
type RevokeLeaseRequest struct {
	LeaseID string `json:"lease_id"`
	Reason  string `json:"reason,omitempty"`
}

// RevokeLeaseResponse is the response body for POST /license/revoke.
type RevokeLeaseResponse struct {
	LeaseID   string    `json:"lease_id"`
	Status    string    `json:"status"`
	RevokedAt time.Time `json:"revoked_at"`
	Reason    string    `json:"reason,omitempty"`
}

// LeaseResponse is a lease snapshot.
type LeaseResponse struct {
	LeaseID         string     `json:"lease_id"`
	TenantID        string     `json:"tenant_id"`
	UserID          string     `json:"user_id"`
	VMUUID          string     `json:"vm_uuid"`
	AgentID         string     `json:"agent_id"`
	RunnerID        string     `json:"runner_id"`
	Module          string     `json:"module"`
	Version         string     `json:"version,omitempty"`
	Status          string     `json:"status"`
	IssuedAt        time.Time  `json:"issued_at"`
	ExpiresAt       time.Time  `json:"expires_at"`
	LastHeartbeatAt time.Time  `json:"last_heartbeat_at"`
	RevokedAt       *time.Time `json:"revoked_at,omitempty"`
	RevokeReason    string     `json:"revoke_reason,omitempty"`
}

// CreateCommandRequest is the request body for POST /vm-ops/commands.
type CreateCommandRequest struct {
	AgentID     string          `json:"agent_id"`
	CommandType string          `json:"command_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// PatchCommandRequest is the request body for PATCH /vm-ops/commands/{id}.
type PatchCommandRequest struct {
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
}

// DispatchRequest is the request body for POST /vm-ops/{proxmox,syncthing}/{action}.
type DispatchRequest struct {
	AgentID string          `json:"agent_id"`
	Target  string          `json:"target"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// CommandResponse represents a command in API responses.
type CommandResponse struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenant_id"`
	AgentID      string          `json:"agent_id"`
	CommandType  string          `json:"command_type"`
	Payload      json.RawMessage `json:"payload"`
	Status       string          `json:"status"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	QueuedAt     time.Time       `json:"queued_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// ErrorResponse is the standard error response format.
// Code is a stable machine-readable identifier, Error is for humans.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// Error codes carried in ErrorResponse.Code.
const (
	CodeUnauthenticated     = "unauthenticated"
	CodeForbidden           = "forbidden"
	CodeNotFound            = "not_found"
	CodeInvalidTransition   = "invalid_transition"
	CodeInvalidAction       = "invalid_action"
	CodeInvalidRequest      = "invalid_request"
	CodeUpstreamUnavailable = "upstream_unavailable"
	CodeTooManyWaiters      = "too_many_waiters"
	CodeRateLimited         = "rate_limited"
	CodeInternal            = "internal"
)

// AddLogRequest is the payload sent by the agent.
type AddLogRequest struct {
	Content string `json:"content"`
}

// LogEntry represents a single log line in the response.
type LogEntry struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// GetLogsResponse is the response body for fetching logs.
type GetLogsResponse struct {
	Logs []LogEntry `json:"logs"`
}
