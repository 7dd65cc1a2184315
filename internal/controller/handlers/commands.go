package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"vmplane/internal/command"
	"vmplane/internal/store"
	"vmplane/pkg/api"
)

// DefaultNextTimeout applies when GET /vm-ops/commands/next carries no timeout.
const DefaultNextTimeout = 25 * time.Second

// parseTimeout accepts whole seconds ("30") or a Go duration ("1500ms").
func parseTimeout(raw string, def time.Duration) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("timeout must not be negative")
		}
		return time.Duration(secs) * time.Second, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid timeout %q", raw)
	}
	if d < 0 {
		return 0, fmt.Errorf("timeout must not be negative")
	}
	return d, nil
}

// CreateCommand handles POST /vm-ops/commands.
func (h *Handlers) CreateCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req api.CreateCommandRequest
	if !h.decode(w, r, &req) {
		return
	}

	cmd, err := h.queue.Create(r.Context(), id.TenantID, req.AgentID, req.CommandType, req.Payload)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusAccepted, toCommandResponse(cmd))
}

// ListCommands handles GET /vm-ops/commands.
func (h *Handlers) ListCommands(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	filter := command.Filter{
		AgentID:     query.Get("agent_id"),
		Status:      store.CommandStatus(query.Get("status")),
		CommandType: query.Get("command_type"),
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		raw := query.Get(name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.httpError(w, http.StatusBadRequest, api.CodeInvalidRequest, "Invalid "+name, "")
			return
		}
		*dst = n
	}

	cmds, err := h.queue.List(r.Context(), id.TenantID, filter)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := make([]*api.CommandResponse, len(cmds))
	for i := range cmds {
		resp[i] = toCommandResponse(&cmds[i])
	}
	h.respondJson(w, http.StatusOK, resp)
}

// NextCommand handles GET /vm-ops/commands/next. It long-polls for the oldest
// queued command of the agent and answers null when the wait times out.
func (h *Handlers) NextCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		h.httpError(w, http.StatusBadRequest, api.CodeInvalidRequest, "agent_id is required", "")
		return
	}
	timeout, err := parseTimeout(r.URL.Query().Get("timeout"), DefaultNextTimeout)
	if err != nil {
		h.httpError(w, http.StatusBadRequest, api.CodeInvalidRequest, "Invalid timeout", err.Error())
		return
	}

	cmd, err := h.queue.Next(r.Context(), id.TenantID, agentID, timeout)
	if err != nil {
		// The poller went away; nobody is left to read a response.
		if errors.Is(err, context.Canceled) && r.Context().Err() != nil {
			return
		}
		h.writeError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toCommandResponse(cmd))
}

// GetCommand handles GET /vm-ops/commands/{id}.
func (h *Handlers) GetCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	cmdID, ok := h.parseID(w, r.PathValue("id"))
	if !ok {
		return
	}

	cmd, err := h.queue.Get(r.Context(), id.TenantID, cmdID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toCommandResponse(cmd))
}

// PatchCommand handles PATCH /vm-ops/commands/{id}. Illegal transitions
// answer 400 and leave the command unchanged.
func (h *Handlers) PatchCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	cmdID, ok := h.parseID(w, r.PathValue("id"))
	if !ok {
		return
	}

	var req api.PatchCommandRequest
	if !h.decode(w, r, &req) {
		return
	}

	cmd, err := h.queue.Patch(r.Context(), id.TenantID, cmdID, command.Patch{
		Status:       store.CommandStatus(req.Status),
		Result:       req.Result,
		ErrorMessage: req.ErrorMessage,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toCommandResponse(cmd))
}

// CancelCommand handles POST /vm-ops/commands/{id}/cancel.
func (h *Handlers) CancelCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	cmdID, ok := h.parseID(w, r.PathValue("id"))
	if !ok {
		return
	}

	cmd, err := h.queue.Cancel(r.Context(), id.TenantID, cmdID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respondJson(w, http.StatusOK, toCommandResponse(cmd))
}
