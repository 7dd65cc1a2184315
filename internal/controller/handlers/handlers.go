// Package handlers contains HTTP handlers for the controller API.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"vmplane/internal/auth"
	"vmplane/internal/command"
	"vmplane/internal/controller/middleware"
	"vmplane/internal/dispatch"
	"vmplane/internal/lease"
	"vmplane/internal/logger"
	"vmplane/internal/store"
	"vmplane/pkg/api"

	"github.com/google/uuid"
)

const maxBodyBytes = 1 << 20

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	store        store.Store
	leases       *lease.Manager
	queue        *command.Queue
	dispatcher   *dispatch.Facade
	logger       *slog.Logger
	waitInterval time.Duration
	maxWait      time.Duration
}

// Option configures Handlers.
type Option func(*Handlers)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handlers) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithWaitInterval sets how often ?wait= dispatches re-read the command.
func WithWaitInterval(d time.Duration) Option {
	return func(h *Handlers) {
		if d > 0 {
			h.waitInterval = d
		}
	}
}

// New creates a new Handlers instance.
func New(s store.Store, leases *lease.Manager, queue *command.Queue, opts ...Option) *Handlers {
	h := &Handlers{
		store:        s,
		leases:       leases,
		queue:        queue,
		dispatcher:   dispatch.New(queue),
		logger:       slog.Default(),
		waitInterval: dispatch.DefaultWaitInterval,
		maxWait:      queue.MaxPollTimeout(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// A helper function to write standard JSON responses.
func (h *Handlers) respondJson(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// A helper function to return consistent error messages.
func (h *Handlers) httpError(w http.ResponseWriter, status int, code, message, details string) {
	h.respondJson(w, status, api.ErrorResponse{
		Error:   message,
		Code:    code,
		Details: details,
	})
}

// writeError maps domain errors onto the HTTP error taxonomy.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var transition *command.InvalidTransitionError
	switch {
	case errors.Is(err, store.ErrNotFound):
		h.httpError(w, http.StatusNotFound, api.CodeNotFound, "Not found", "")
	case errors.As(err, &transition):
		h.httpError(w, http.StatusBadRequest, api.CodeInvalidTransition, "Invalid status transition", transition.Error())
	case errors.Is(err, dispatch.ErrInvalidAction):
		h.httpError(w, http.StatusBadRequest, api.CodeInvalidAction, "Invalid action", err.Error())
	case errors.Is(err, command.ErrInvalidCommand), errors.Is(err, lease.ErrInvalidLease), errors.Is(err, dispatch.ErrInvalidRequest):
		h.httpError(w, http.StatusBadRequest, api.CodeInvalidRequest, "Invalid request", err.Error())
	case errors.Is(err, command.ErrTooManyWaiters):
		w.Header().Set("Retry-After", "1")
		h.httpError(w, http.StatusTooManyRequests, api.CodeTooManyWaiters, "Too many concurrent waiters for this agent", "")
	case errors.Is(err, store.ErrStatusConflict):
		h.httpError(w, http.StatusConflict, api.CodeInvalidTransition, "Status changed concurrently, retry", "")
	case errors.Is(err, auth.ErrUnauthenticated):
		h.httpError(w, http.StatusUnauthorized, api.CodeUnauthenticated, "Unauthorized", "")
	default:
		logger.FromContext(r.Context(), h.logger).ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		h.httpError(w, http.StatusInternalServerError, api.CodeInternal, "Internal server error", "")
	}
}

// decode reads a JSON body. It writes the 400 itself and reports false on failure.
func (h *Handlers) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.httpError(w, http.StatusBadRequest, api.CodeInvalidRequest, "Invalid request body", err.Error())
		return false
	}
	return true
}

// identity returns the verified caller. It writes the 401 itself and reports false when absent.
func (h *Handlers) identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := middleware.IdentityFromContext(r.Context())
	if !ok || id.TenantID == "" {
		h.httpError(w, http.StatusUnauthorized, api.CodeUnauthenticated, "Unauthorized", "")
		return auth.Identity{}, false
	}
	return id, true
}

// parseID parses a record id. A malformed id cannot name an existing record,
// so it is reported as not found.
func (h *Handlers) parseID(w http.ResponseWriter, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		h.httpError(w, http.StatusNotFound, api.CodeNotFound, "Not found", "")
		return uuid.Nil, false
	}
	return id, true
}

func toLeaseResponse(l *store.Lease) api.LeaseResponse {
	resp := api.LeaseResponse{
		LeaseID:         l.ID.String(),
		TenantID:        l.TenantID,
		UserID:          l.UserID,
		VMUUID:          l.VMUUID,
		AgentID:         l.AgentID,
		RunnerID:        l.RunnerID,
		Module:          l.Module,
		Status:          string(l.Status),
		IssuedAt:        l.IssuedAt,
		ExpiresAt:       l.ExpiresAt,
		LastHeartbeatAt: l.LastHeartbeatAt,
		RevokedAt:       l.RevokedAt,
	}
	if l.Version != nil {
		resp.Version = *l.Version
	}
	if l.RevokeReason != nil {
		resp.RevokeReason = *l.RevokeReason
	}
	return resp
}

func toCommandResponse(c *store.Command) *api.CommandResponse {
	if c == nil {
		return nil
	}
	return &api.CommandResponse{
		ID:           c.ID.String(),
		TenantID:     c.TenantID,
		AgentID:      c.AgentID,
		CommandType:  c.CommandType,
		Payload:      c.Payload,
		Status:       string(c.Status),
		Result:       c.Result,
		ErrorMessage: c.ErrorMessage,
		QueuedAt:     c.QueuedAt,
		StartedAt:    c.StartedAt,
		CompletedAt:  c.CompletedAt,
	}
}
