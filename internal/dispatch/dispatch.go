// Package dispatch turns high-level proxmox and syncthing actions into queued commands.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"vmplane/internal/store"

	"github.com/google/uuid"
)

// Kinds of managed service.
const (
	KindProxmox   = "proxmox"
	KindSyncthing = "syncthing"
)

// DefaultWaitInterval is how often Wait re-reads the command.
const DefaultWaitInterval = 250 * time.Millisecond

// ErrInvalidAction is returned for an unknown kind or an action outside the kind's allow-list.
var ErrInvalidAction = errors.New("invalid action")

// ErrInvalidRequest is returned for an allowed action with missing or malformed arguments.
var ErrInvalidRequest = errors.New("invalid dispatch request")

var allowed = map[string]map[string]struct{}{
	KindProxmox: set(
		"start", "stop", "shutdown", "reboot", "reset", "suspend", "resume",
		"status", "snapshot", "rollback", "clone", "delete", "migrate", "console",
	),
	KindSyncthing: set(
		"status", "scan", "pause", "resume", "restart",
		"add_device", "remove_device", "add_folder", "remove_folder", "config",
	),
}

func set(items ...string) map[string]struct{} {
	m := make(map[string]struct{}, len(items))
	for _, it := range items {
		m[it] = struct{}{}
	}
	return m
}

// Actions lists the allowed actions for kind in sorted order.
func Actions(kind string) []string {
	var out []string
	for a := range allowed[kind] {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// Allowed reports whether action is permitted for kind.
func Allowed(kind, action string) bool {
	_, ok := allowed[kind][action]
	return ok
}

// Request is a high-level action against one target managed by an agent.
type Request struct {
	Kind    string
	Action  string
	Target  string
	AgentID string
	Body    json.RawMessage
}

// Payload is the command payload the agent receives.
type Payload struct {
	Target string          `json:"target"`
	Body   json.RawMessage `json:"body,omitempty"`
}

// Enqueuer is the part of the command queue the facade needs.
type Enqueuer interface {
	Create(ctx context.Context, tenantID, agentID, commandType string, payload json.RawMessage) (*store.Command, error)
	Get(ctx context.Context, tenantID string, id uuid.UUID) (*store.Command, error)
}

// Facade validates actions before anything reaches the queue.
type Facade struct {
	queue Enqueuer
}

// New creates a Facade.
func New(queue Enqueuer) *Facade {
	return &Facade{queue: queue}
}

// Dispatch validates the action and queues "<kind>.<action>".
func (f *Facade) Dispatch(ctx context.Context, tenantID string, req Request) (*store.Command, error) {
	kind := strings.ToLower(strings.TrimSpace(req.Kind))
	action := strings.ToLower(strings.TrimSpace(req.Action))

	if _, ok := allowed[kind]; !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalidAction, req.Kind)
	}
	if !Allowed(kind, action) {
		return nil, fmt.Errorf("%w: %q is not a %s action", ErrInvalidAction, req.Action, kind)
	}
	if strings.TrimSpace(req.Target) == "" {
		return nil, fmt.Errorf("%w: target is required", ErrInvalidRequest)
	}

	body := req.Body
	if len(body) > 0 && !json.Valid(body) {
		return nil, fmt.Errorf("%w: body is not valid JSON", ErrInvalidRequest)
	}

	payload, err := json.Marshal(Payload{Target: req.Target, Body: body})
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}

	return f.queue.Create(ctx, tenantID, req.AgentID, kind+"."+action, payload)
}

// Wait polls the command until it reaches a terminal state or ctx is done.
// On ctx expiry it returns the last snapshot together with ctx.Err().
func (f *Facade) Wait(ctx context.Context, tenantID string, id uuid.UUID, interval time.Duration) (*store.Command, error) {
	if interval <= 0 {
		interval = DefaultWaitInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		cmd, err := f.queue.Get(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		if cmd.Status.IsTerminal() {
			return cmd, nil
		}

		select {
		case <-ctx.Done():
			return cmd, ctx.Err()
		case <-ticker.C:
		}
	}
}
