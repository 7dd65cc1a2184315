package handlers

import (
	"net/http"
	"strings"

	"vmplane/internal/lease"
	"vmplane/pkg/api"
)

// IssueLease handles POST /license/lease.
// The raw token is returned once and never stored.
func (h *Handlers) IssueLease(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req api.IssueLeaseRequest
	if !h.decode(w, r, &req) {
		return
	}

	userID := strings.TrimSpace(req.UserID)
	if userID == "" {
		userID = id.UID
	}

	l, err := h.leases.Issue(r.Context(), id.TenantID, lease.IssueParams{
		VMUUID:   req.VMUUID,
		AgentID:  req.AgentID,
		RunnerID: req.RunnerID,
		Module:   req.Module,
		UserID:   userID,
		Version:  req.Version,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.respondJson(w, http.StatusCreated, api.IssueLeaseResponse{
		LeaseID:   l.ID.String(),
		Token:     l.Token,
		ExpiresAt: l.ExpiresAt,
		TenantID:  l.TenantID,
		UserID:    l.UserID,
		VMUUID:    l.VMUUID,
		Module:    l.Module,
	})
}

// Heartbeat handles POST /license/heartbeat.
// Unknown, expired and revoked leases all answer 404; the runner must re-issue.
func (h *Handlers) Heartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req api.HeartbeatRequest
	if !h.decode(w, r, &req) {
		return
	}
	leaseID, ok := h.parseID(w, req.LeaseID)
	if !ok {
		return
	}

	l, err := h.leases.Heartbeat(r.Context(), id.TenantID, leaseID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	l.Status = h.leases.Status(l)
	h.respondJson(w, http.StatusOK, toLeaseResponse(l))
}

// RevokeLease handles POST /license/revoke. Repeated calls return the same snapshot.
func (h *Handlers) RevokeLease(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req api.RevokeLeaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	leaseID, ok := h.parseID(w, req.LeaseID)
	if !ok {
		return
	}

	l, err := h.leases.Revoke(r.Context(), id.TenantID, leaseID, req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := api.RevokeLeaseResponse{
		LeaseID: l.ID.String(),
		Status:  string(l.Status),
	}
	if l.RevokedAt != nil {
		resp.RevokedAt = *l.RevokedAt
	}
	if l.RevokeReason != nil {
		resp.Reason = *l.RevokeReason
	}
	h.respondJson(w, http.StatusOK, resp)
}

// GetLease handles GET /license/leases/{id}. The token is never returned.
func (h *Handlers) GetLease(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	leaseID, ok := h.parseID(w, r.PathValue("id"))
	if !ok {
		return
	}

	l, err := h.leases.Get(r.Context(), id.TenantID, leaseID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toLeaseResponse(l))
}
