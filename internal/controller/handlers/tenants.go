package handlers

import (
	"net/http"
	"strings"
	"time"

	"vmplane/internal/auth"
	"vmplane/internal/store"
	"vmplane/pkg/api"

	"github.com/google/uuid"
)

var knownRoles = map[string]bool{
	auth.RoleOperator: true,
	auth.RoleAgent:    true,
	auth.RoleAdmin:    true,
}

// CreateTenant handles POST /tenants (system secret only).
func (h *Handlers) CreateTenant(w http.ResponseWriter, r *http.Request) {
	var req api.CreateTenantRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		h.httpError(w, http.StatusBadRequest, api.CodeInvalidRequest, "name is required", "")
		return
	}
	if req.RateLimit < 0 || req.RateLimitBurst < 0 {
		h.httpError(w, http.StatusBadRequest, api.CodeInvalidRequest, "rate limits must not be negative", "")
		return
	}

	tenant := &store.Tenant{
		ID:             uuid.New(),
		Name:           req.Name,
		RateLimit:      req.RateLimit,
		RateLimitBurst: req.RateLimitBurst,
		CreatedAt:      time.Now().UTC(),
	}
	if err := h.store.CreateTenant(r.Context(), tenant); err != nil {
		h.writeError(w, r, err)
		return
	}

	h.respondJson(w, http.StatusCreated, api.CreateTenantResponse{
		ID:   tenant.ID.String(),
		Name: tenant.Name,
	})
}

// CreateAPIKey handles POST /tenants/{id}/keys (system secret only).
// It generates a new API key, stores its hash and returns the raw key ONCE.
func (h *Handlers) CreateAPIKey(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.parseID(w, r.PathValue("id"))
	if !ok {
		return
	}

	var req api.CreateAPIKeyRequest
	if !h.decode(w, r, &req) {
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		h.httpError(w, http.StatusBadRequest, api.CodeInvalidRequest, "user_id is required", "")
		return
	}
	for _, role := range req.Roles {
		if !knownRoles[role] {
			h.httpError(w, http.StatusBadRequest, api.CodeInvalidRequest, "unknown role "+role, "")
			return
		}
	}

	if _, err := h.store.GetTenantByID(r.Context(), tenantID); err != nil {
		h.writeError(w, r, err)
		return
	}

	rawKey, err := auth.GenerateKey()
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	key := &store.APIKey{
		KeyHash:   auth.HashKey(rawKey),
		TenantID:  tenantID,
		UserID:    req.UserID,
		Roles:     req.Roles,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.CreateAPIKey(r.Context(), key); err != nil {
		h.writeError(w, r, err)
		return
	}

	roles := req.Roles
	if roles == nil {
		roles = []string{}
	}
	h.respondJson(w, http.StatusCreated, api.CreateAPIKeyResponse{
		TenantID: tenantID.String(),
		UserID:   req.UserID,
		Roles:    roles,
		APIKey:   rawKey,
	})
}
