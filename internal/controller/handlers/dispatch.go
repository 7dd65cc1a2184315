package handlers

import (
	"context"
	"errors"
	"net/http"

	"vmplane/internal/dispatch"
	"vmplane/pkg/api"
)

// Dispatch returns the handler for POST /vm-ops/{kind}/{action}.
// With ?wait=<timeout> it holds the response until the command is terminal
// (200) or the wait runs out (202 with the latest snapshot).
func (h *Handlers) Dispatch(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := h.identity(w, r)
		if !ok {
			return
		}

		wait, err := parseTimeout(r.URL.Query().Get("wait"), 0)
		if err != nil {
			h.httpError(w, http.StatusBadRequest, api.CodeInvalidRequest, "Invalid wait", err.Error())
			return
		}
		if wait > h.maxWait {
			wait = h.maxWait
		}

		var req api.DispatchRequest
		if !h.decode(w, r, &req) {
			return
		}

		cmd, err := h.dispatcher.Dispatch(r.Context(), id.TenantID, dispatch.Request{
			Kind:    kind,
			Action:  r.PathValue("action"),
			Target:  req.Target,
			AgentID: req.AgentID,
			Body:    req.Body,
		})
		if err != nil {
			h.writeError(w, r, err)
			return
		}

		if wait == 0 {
			h.respondJson(w, http.StatusAccepted, toCommandResponse(cmd))
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()

		latest, err := h.dispatcher.Wait(ctx, id.TenantID, cmd.ID, h.waitInterval)
		switch {
		case err == nil:
			h.respondJson(w, http.StatusOK, toCommandResponse(latest))
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			if r.Context().Err() != nil {
				return
			}
			if latest == nil {
				latest = cmd
			}
			h.respondJson(w, http.StatusAccepted, toCommandResponse(latest))
		default:
			h.writeError(w, r, err)
		}
	}
}
