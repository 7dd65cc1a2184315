// Package command implements the per-agent command queue.
//
// Commands move queued -> dispatched -> running -> succeeded|failed, may be
// cancelled from any non-terminal state and expire while queued or dispatched.
// Every mutation is one conditional update on one record. Staleness is
// evaluated on read paths rather than by a sweeper.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"vmplane/internal/clock"
	"vmplane/internal/notify"
	"vmplane/internal/store"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ExpiredMessage is recorded on commands that went stale before completing.
const ExpiredMessage = "command expired before completion"

const (
	DefaultStaleAfter     = 10 * time.Minute
	DefaultMaxPollTimeout = 60 * time.Second
	DefaultListLimit      = 100
	MaxListLimit          = 1000
	DefaultLogLimit       = 500

	maxPatchAttempts = 3
)

var (
	// ErrInvalidCommand is returned for malformed identifiers or payloads.
	ErrInvalidCommand = errors.New("invalid command")

	// ErrTooManyWaiters is returned when an agent already has the maximum
	// number of parked long-polls.
	ErrTooManyWaiters = notify.ErrTooManyWaiters
)

var (
	agentIDPattern     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:@-]{0,127}$`)
	commandTypePattern = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)*$`)
)

// Patch is an agent-reported transition.
type Patch struct {
	Status       store.CommandStatus
	Result       json.RawMessage
	ErrorMessage *string
}

// Filter narrows List.
type Filter = store.CommandFilter

// Queue is the command queue.
type Queue struct {
	store    store.CommandStore
	logs     store.LogStore
	notifier notify.Notifier
	clock    clock.Clock
	logger   *slog.Logger

	staleAfter      time.Duration
	maxPollTimeout  time.Duration
	recheckInterval time.Duration
	sweepInterval   time.Duration

	sweepMu   sync.Mutex
	lastSweep map[string]time.Time

	created      metric.Int64Counter
	claimed      metric.Int64Counter
	completed    metric.Int64Counter
	expired      metric.Int64Counter
	claimLatency metric.Float64Histogram
}

// Option configures a Queue.
type Option func(*Queue)

// WithStaleAfter sets how long a command may sit queued or dispatched.
func WithStaleAfter(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.staleAfter = d
		}
	}
}

// WithMaxPollTimeout caps the long-poll wait a caller may request.
func WithMaxPollTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.maxPollTimeout = d
		}
	}
}

// WithRecheckInterval makes parked long-polls re-check the store periodically
// in addition to waiting for wake-ups. Use it when wake-ups may be missed,
// e.g. several replicas sharing a database without a notification bridge.
func WithRecheckInterval(d time.Duration) Option {
	return func(q *Queue) {
		q.recheckInterval = d
	}
}

// WithSweepInterval bounds how often read paths expire stale commands per tenant.
func WithSweepInterval(d time.Duration) Option {
	return func(q *Queue) {
		q.sweepInterval = d
	}
}

// WithClock injects the time source.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) {
		q.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = l
	}
}

// NewQueue creates a command queue.
func NewQueue(commands store.CommandStore, logs store.LogStore, notifier notify.Notifier, opts ...Option) *Queue {
	q := &Queue{
		store:          commands,
		logs:           logs,
		notifier:       notifier,
		clock:          clock.Real(),
		logger:         slog.Default(),
		staleAfter:     DefaultStaleAfter,
		maxPollTimeout: DefaultMaxPollTimeout,
		sweepInterval:  time.Second,
		lastSweep:      make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(q)
	}

	meter := otel.Meter("vmplane-command")
	q.created, _ = meter.Int64Counter("vmplane.commands.created",
		metric.WithDescription("Commands queued"))
	q.claimed, _ = meter.Int64Counter("vmplane.commands.claimed",
		metric.WithDescription("Commands claimed by agents"))
	q.completed, _ = meter.Int64Counter("vmplane.commands.completed",
		metric.WithDescription("Commands that reached a terminal state through a patch"))
	q.expired, _ = meter.Int64Counter("vmplane.commands.expired",
		metric.WithDescription("Commands expired by staleness"))
	q.claimLatency, _ = meter.Float64Histogram("vmplane.commands.claim_latency",
		metric.WithDescription("Time between queueing and claim"),
		metric.WithUnit("s"))

	return q
}

// MaxPollTimeout returns the long-poll cap.
func (q *Queue) MaxPollTimeout() time.Duration {
	return q.maxPollTimeout
}

// ValidAgentID reports whether id is a well-formed agent identifier.
func ValidAgentID(id string) bool {
	return agentIDPattern.MatchString(id)
}

// Create appends a queued command and wakes the agent's long-polls.
func (q *Queue) Create(ctx context.Context, tenantID, agentID, commandType string, payload json.RawMessage) (*store.Command, error) {
	if !ValidAgentID(agentID) {
		return nil, fmt.Errorf("%w: malformed agent_id %q", ErrInvalidCommand, agentID)
	}
	if !commandTypePattern.MatchString(commandType) {
		return nil, fmt.Errorf("%w: malformed command_type %q", ErrInvalidCommand, commandType)
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("%w: payload is not valid JSON", ErrInvalidCommand)
	}

	cmd := &store.Command{
		ID:          uuid.New(),
		TenantID:    tenantID,
		AgentID:     agentID,
		CommandType: commandType,
		Payload:     payload,
		Status:      store.CommandStatusQueued,
		QueuedAt:    q.clock.Now(),
	}
	if err := q.store.CreateCommand(ctx, cmd); err != nil {
		return nil, fmt.Errorf("failed to create command: %w", err)
	}

	q.created.Add(ctx, 1, metric.WithAttributes(attribute.String("command_type", commandType)))
	q.logger.InfoContext(ctx, "command queued",
		"command_id", cmd.ID,
		"tenant_id", tenantID,
		"agent_id", agentID,
		"command_type", commandType,
	)

	if err := q.notifier.Notify(ctx, notify.Key(tenantID, agentID)); err != nil {
		q.logger.WarnContext(ctx, "failed to wake agent", "agent_id", agentID, "error", err)
	}
	return cmd, nil
}

// Next claims the oldest queued command for the agent, waiting up to timeout
// for one to arrive. It returns nil, nil when the wait times out.
func (q *Queue) Next(ctx context.Context, tenantID, agentID string, timeout time.Duration) (*store.Command, error) {
	if !ValidAgentID(agentID) {
		return nil, fmt.Errorf("%w: malformed agent_id %q", ErrInvalidCommand, agentID)
	}
	if timeout < 0 {
		timeout = 0
	}
	if timeout > q.maxPollTimeout {
		timeout = q.maxPollTimeout
	}

	// Subscribe before the first claim so a Create landing in between is not missed.
	sub, err := q.notifier.Subscribe(notify.Key(tenantID, agentID))
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var recheck <-chan time.Time
	if q.recheckInterval > 0 && timeout > 0 {
		ticker := time.NewTicker(q.recheckInterval)
		defer ticker.Stop()
		recheck = ticker.C
	}

	for {
		q.sweep(ctx, tenantID)

		now := q.clock.Now()
		cmd, err := q.store.ClaimNextCommand(ctx, tenantID, agentID, now.Add(-q.staleAfter), now)
		if err != nil {
			return nil, fmt.Errorf("failed to claim command: %w", err)
		}
		if cmd != nil {
			q.claimed.Add(ctx, 1)
			q.claimLatency.Record(ctx, now.Sub(cmd.QueuedAt).Seconds())
			q.logger.InfoContext(ctx, "command dispatched",
				"command_id", cmd.ID,
				"agent_id", agentID,
				"command_type", cmd.CommandType,
			)
			return cmd, nil
		}
		if timeout == 0 {
			return nil, nil
		}

		select {
		case <-sub.C:
		case <-recheck:
		case <-deadline:
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Patch applies an agent-reported transition. Illegal edges return
// *InvalidTransitionError and leave the command unchanged. If the status
// moves concurrently the command is re-read and the edge re-validated.
func (q *Queue) Patch(ctx context.Context, tenantID string, id uuid.UUID, p Patch) (*store.Command, error) {
	if !p.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidCommand, p.Status)
	}
	if !p.Status.IsTerminal() && (len(p.Result) > 0 || p.ErrorMessage != nil) {
		return nil, fmt.Errorf("%w: result and error_message are only accepted on terminal transitions", ErrInvalidCommand)
	}
	if len(p.Result) > 0 && !json.Valid(p.Result) {
		return nil, fmt.Errorf("%w: result is not valid JSON", ErrInvalidCommand)
	}

	for attempt := 0; attempt < maxPatchAttempts; attempt++ {
		cur, err := q.store.GetCommand(ctx, tenantID, id)
		if err != nil {
			return nil, err
		}
		cur, err = q.expireIfStale(ctx, cur)
		if errors.Is(err, store.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if !CanTransition(cur.Status, p.Status) {
			return nil, &InvalidTransitionError{From: cur.Status, To: p.Status}
		}

		now := q.clock.Now()
		update := store.CommandUpdate{Status: p.Status}
		switch {
		case p.Status == store.CommandStatusDispatched || p.Status == store.CommandStatusRunning:
			update.StartedAt = &now
		case p.Status.IsTerminal():
			update.CompletedAt = &now
			update.Result = p.Result
			update.ErrorMessage = p.ErrorMessage
		}

		updated, err := q.store.UpdateCommandStatus(ctx, tenantID, id, cur.Status, update)
		if errors.Is(err, store.ErrStatusConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}

		if updated.Status.IsTerminal() {
			q.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(updated.Status))))
		}
		q.logger.InfoContext(ctx, "command transitioned",
			"command_id", id,
			"from", cur.Status,
			"to", updated.Status,
		)
		return updated, nil
	}

	return nil, fmt.Errorf("command %s: %w", id, store.ErrStatusConflict)
}

// Cancel records an operator cancellation. For a dispatched or running
// command it is advisory: the agent sees it on its next status check.
func (q *Queue) Cancel(ctx context.Context, tenantID string, id uuid.UUID) (*store.Command, error) {
	return q.Patch(ctx, tenantID, id, Patch{Status: store.CommandStatusCancelled})
}

// Get returns a command after expiring stale work.
func (q *Queue) Get(ctx context.Context, tenantID string, id uuid.UUID) (*store.Command, error) {
	q.sweep(ctx, tenantID)
	return q.store.GetCommand(ctx, tenantID, id)
}

// List returns commands ordered by queued_at ascending.
func (q *Queue) List(ctx context.Context, tenantID string, filter Filter) ([]store.Command, error) {
	if filter.AgentID != "" && !ValidAgentID(filter.AgentID) {
		return nil, fmt.Errorf("%w: malformed agent_id %q", ErrInvalidCommand, filter.AgentID)
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidCommand, filter.Status)
	}
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	if filter.Limit > MaxListLimit {
		filter.Limit = MaxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	q.sweep(ctx, tenantID)
	return q.store.ListCommands(ctx, tenantID, filter)
}

// ExpireStale moves queued and dispatched commands older than the staleness
// window to expired.
func (q *Queue) ExpireStale(ctx context.Context, tenantID string) (int64, error) {
	now := q.clock.Now()
	n, err := q.store.ExpireStaleCommands(ctx, tenantID, now.Add(-q.staleAfter), now, ExpiredMessage)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		q.expired.Add(ctx, n)
		q.logger.InfoContext(ctx, "expired stale commands", "tenant_id", tenantID, "count", n)
	}
	return n, nil
}

// expireIfStale expires cmd when it has outlived the staleness window, so a
// transition is never applied to work the sweep has not reached yet.
func (q *Queue) expireIfStale(ctx context.Context, cmd *store.Command) (*store.Command, error) {
	now := q.clock.Now()
	cutoff := now.Add(-q.staleAfter)

	var stale bool
	switch cmd.Status {
	case store.CommandStatusQueued:
		stale = cmd.QueuedAt.Before(cutoff)
	case store.CommandStatusDispatched:
		stale = cmd.StartedAt != nil && cmd.StartedAt.Before(cutoff)
	}
	if !stale {
		return cmd, nil
	}

	msg := ExpiredMessage
	expired, err := q.store.UpdateCommandStatus(ctx, cmd.TenantID, cmd.ID, cmd.Status, store.CommandUpdate{
		Status:       store.CommandStatusExpired,
		CompletedAt:  &now,
		ErrorMessage: &msg,
	})
	if err != nil {
		return nil, err
	}
	q.expired.Add(ctx, 1)
	q.logger.InfoContext(ctx, "expired stale command", "command_id", cmd.ID, "from", cmd.Status)
	return expired, nil
}

func (q *Queue) sweep(ctx context.Context, tenantID string) {
	now := q.clock.Now()

	q.sweepMu.Lock()
	last, ok := q.lastSweep[tenantID]
	if ok && now.Sub(last) < q.sweepInterval {
		q.sweepMu.Unlock()
		return
	}
	q.lastSweep[tenantID] = now
	q.sweepMu.Unlock()

	if _, err := q.ExpireStale(ctx, tenantID); err != nil {
		q.logger.WarnContext(ctx, "failed to expire stale commands", "tenant_id", tenantID, "error", err)
	}
}

// AppendLog stores a line of output for a command owned by the tenant.
func (q *Queue) AppendLog(ctx context.Context, tenantID string, id uuid.UUID, content string) error {
	if _, err := q.store.GetCommand(ctx, tenantID, id); err != nil {
		return err
	}
	return q.logs.AddCommandLog(ctx, id, content)
}

// Logs returns output lines with ids greater than afterID.
func (q *Queue) Logs(ctx context.Context, tenantID string, id uuid.UUID, afterID int64, limit int) ([]store.LogEntry, error) {
	if _, err := q.store.GetCommand(ctx, tenantID, id); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > DefaultLogLimit {
		limit = DefaultLogLimit
	}
	return q.logs.GetCommandLogs(ctx, id, afterID, limit)
}
