package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"vmplane/internal/command"
	"vmplane/pkg/api"
)

// AddCommandLog handles POST /vm-ops/commands/{id}/logs.
// Called by the agent to append a chunk of output.
func (h *Handlers) AddCommandLog(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	cmdID, ok := h.parseID(w, r.PathValue("id"))
	if !ok {
		return
	}

	var req api.AddLogRequest
	if !h.decode(w, r, &req) {
		return
	}

	// Postgres rejects NUL bytes in text columns.
	content := strings.ReplaceAll(req.Content, "\x00", "")
	if content == "" {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if err := h.queue.AppendLog(r.Context(), id.TenantID, cmdID, content); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// GetCommandLogs handles GET /vm-ops/commands/{id}/logs?after_id=&limit=.
func (h *Handlers) GetCommandLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	cmdID, ok := h.parseID(w, r.PathValue("id"))
	if !ok {
		return
	}

	query := r.URL.Query()
	limit := command.DefaultLogLimit
	if l := query.Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	var afterID int64
	if after := query.Get("after_id"); after != "" {
		if parsed, err := strconv.ParseInt(after, 10, 64); err == nil {
			afterID = parsed
		}
	}

	logs, err := h.queue.Logs(r.Context(), id.TenantID, cmdID, afterID, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	apiLogs := make([]api.LogEntry, len(logs))
	for i, log := range logs {
		apiLogs[i] = api.LogEntry{
			ID:        log.ID,
			Content:   log.Content,
			CreatedAt: log.CreatedAt,
		}
	}
	h.respondJson(w, http.StatusOK, api.GetLogsResponse{Logs: apiLogs})
}
