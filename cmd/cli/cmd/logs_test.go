package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"vmplane/pkg/api"
)

func TestLogs_PagesUntilEmpty(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var resp api.GetLogsResponse
		switch r.URL.Query().Get("after_id") {
		case "0":
			resp.Logs = []api.LogEntry{{ID: 1, Content: "line one\n"}, {ID: 2, Content: "line two"}}
		case "2":
			resp.Logs = []api.LogEntry{{ID: 3, Content: "line three\n"}}
		}
		calls.Add(1)
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	out := execute(t, server, "commands", "logs", "cmd-1")

	if out != "line one\nline two\nline three\n" {
		t.Errorf("unexpected output: %q", out)
	}
	if calls.Load() != 3 {
		t.Errorf("expected 3 log fetches, got %d", calls.Load())
	}
}

func TestLogs_FollowStopsWhenTerminal(t *testing.T) {
	var logCalls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/logs") {
			var resp api.GetLogsResponse
			// The last line lands after the command already finished.
			if n := logCalls.Add(1); n == 2 && r.URL.Query().Get("after_id") == "0" {
				resp.Logs = []api.LogEntry{{ID: 1, Content: "late line\n"}}
			}
			json.NewEncoder(w).Encode(resp)
			return
		}
		json.NewEncoder(w).Encode(api.CommandResponse{ID: "cmd-1", Status: "succeeded"})
	}))
	defer server.Close()

	out := execute(t, server, "commands", "logs", "cmd-1", "--follow")
	if out != "late line\n" {
		t.Errorf("unexpected output: %q", out)
	}
	if logCalls.Load() != 3 {
		t.Errorf("expected 3 log fetches, got %d", logCalls.Load())
	}
}

func TestLogs_FetchError(t *testing.T) {
	server := jsonServer(t, http.StatusNotFound, api.ErrorResponse{Error: "command not found"}, nil)

	out := execute(t, server, "commands", "logs", "missing")
	if !strings.Contains(out, "Error fetching logs") {
		t.Errorf("unexpected output: %s", out)
	}
}
