// Package agent is the reference vmplane agent: it holds an execution lease
// for its VM and long-polls the controller for commands to run.
package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"vmplane/internal/agent/runtime"
	"vmplane/pkg/api"
	"vmplane/pkg/client"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Command statuses the agent reports.
const (
	statusRunning   = "running"
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
	statusCancelled = "cancelled"
)

const (
	logBatchSize     = 100
	logFlushInterval = time.Second
)

// API is the part of the controller API the agent uses. *client.Client
// implements it.
type API interface {
	IssueLease(ctx context.Context, req api.IssueLeaseRequest) (*api.IssueLeaseResponse, error)
	Heartbeat(ctx context.Context, leaseID string) (*api.LeaseResponse, error)
	RevokeLease(ctx context.Context, leaseID, reason string) (*api.RevokeLeaseResponse, error)
	NextCommand(ctx context.Context, agentID string, timeout time.Duration) (*api.CommandResponse, error)
	GetCommand(ctx context.Context, id string) (*api.CommandResponse, error)
	PatchCommand(ctx context.Context, id string, req api.PatchCommandRequest) (*api.CommandResponse, error)
	AddLog(ctx context.Context, id, content string) error
}

var _ API = (*client.Client)(nil)

// Config holds configuration for the agent.
type Config struct {
	ID       string
	RunnerID string
	VMUUID   string
	Module   string
	Version  string

	Concurrency         int
	PollTimeout         time.Duration // Server-side long-poll wait (default: 30s)
	MinBackoff          time.Duration // First retry delay after a controller error (default: 1s)
	MaxBackoff          time.Duration // Cap for error backoff (default: 30s)
	HeartbeatInterval   time.Duration // Lease renewal interval (default: 30s)
	CommandTimeout      time.Duration // Per-command execution limit (default: 10m)
	CancelCheckInterval time.Duration // How often a running command is checked for cancellation (default: 5s)
}

// Agent runs the lease heartbeat and the command pull-loop.
type Agent struct {
	api     API
	runtime runtime.Runtime
	config  Config
	logger  *slog.Logger
	tracer  trace.Tracer

	processed metric.Int64Counter

	mu      sync.Mutex
	leaseID string

	done chan struct{}
}

// Option configures an Agent.
type Option func(*Agent)

// WithLogger sets the agent's logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) {
		if l != nil {
			a.logger = l
		}
	}
}

// New creates a new agent.
func New(c API, rt runtime.Runtime, config Config, opts ...Option) *Agent {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.RunnerID == "" {
		config.RunnerID = config.ID
	}
	if config.PollTimeout <= 0 {
		config.PollTimeout = 30 * time.Second
	}
	if config.MinBackoff <= 0 {
		config.MinBackoff = time.Second
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 30 * time.Second
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.CommandTimeout <= 0 {
		config.CommandTimeout = 10 * time.Minute
	}
	if config.CancelCheckInterval <= 0 {
		config.CancelCheckInterval = 5 * time.Second
	}

	a := &Agent{
		api:     c,
		runtime: rt,
		config:  config,
		logger:  slog.Default(),
		tracer:  otel.Tracer("vmplane-agent"),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("agent_id", config.ID)

	meter := otel.Meter("vmplane-agent")
	a.processed, _ = meter.Int64Counter("vmplane.agent.commands",
		metric.WithDescription("Commands processed by outcome"))
	return a
}

// Done returns a channel that is closed when the agent has fully stopped.
func (a *Agent) Done() <-chan struct{} {
	return a.done
}

// LeaseID returns the lease currently held, or "".
func (a *Agent) LeaseID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.leaseID
}

// Run acquires a lease and runs the pull-loop until ctx is cancelled. On
// cancellation it stops polling, lets in-flight commands finish and revokes
// the lease.
func (a *Agent) Run(ctx context.Context) error {
	defer close(a.done)

	if err := a.acquireLease(ctx); err != nil {
		return err
	}
	a.logger.Info("agent started", "concurrency", a.config.Concurrency, "lease_id", a.LeaseID())

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	var hbDone sync.WaitGroup
	hbDone.Add(1)
	go func() {
		defer hbDone.Done()
		a.runHeartbeat(hbCtx)
	}()

	// Semaphore to limit concurrency
	sem := make(chan struct{}, a.config.Concurrency)
	var wg sync.WaitGroup
	backoff := time.Duration(0)

	for ctx.Err() == nil {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			continue
		}

		cmd, err := a.api.NextCommand(ctx, a.config.ID, a.config.PollTimeout)
		if err != nil {
			<-sem
			if ctx.Err() != nil {
				break
			}
			backoff = nextBackoff(backoff, a.config.MinBackoff, a.config.MaxBackoff)
			a.logger.Warn("poll failed", "error", err, "retry_in", backoff)
			sleep(ctx, backoff)
			continue
		}
		backoff = 0

		if cmd == nil {
			<-sem
			continue
		}

		wg.Add(1)
		go func(cmd *api.CommandResponse) {
			defer wg.Done()
			defer func() { <-sem }()
			a.process(ctx, cmd)
		}(cmd)
	}

	a.logger.Info("shutting down, waiting for running commands to finish")
	wg.Wait()
	stopHeartbeat()
	hbDone.Wait()

	revokeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if id := a.LeaseID(); id != "" {
		if _, err := a.api.RevokeLease(revokeCtx, id, "agent shutdown"); err != nil {
			a.logger.Warn("failed to revoke lease", "lease_id", id, "error", err)
		}
	}
	return nil
}

// acquireLease issues a lease, retrying transient failures until ctx is done.
// Authentication and validation errors are returned immediately.
func (a *Agent) acquireLease(ctx context.Context) error {
	req := api.IssueLeaseRequest{
		VMUUID:   a.config.VMUUID,
		AgentID:  a.config.ID,
		RunnerID: a.config.RunnerID,
		Module:   a.config.Module,
		Version:  a.config.Version,
	}

	backoff := time.Duration(0)
	for {
		resp, err := a.api.IssueLease(ctx, req)
		if err == nil {
			a.mu.Lock()
			a.leaseID = resp.LeaseID
			a.mu.Unlock()
			a.logger.Info("lease issued", "lease_id", resp.LeaseID, "expires_at", resp.ExpiresAt)
			return nil
		}
		if permanent(err) {
			return fmt.Errorf("failed to issue lease: %w", err)
		}
		backoff = nextBackoff(backoff, a.config.MinBackoff, a.config.MaxBackoff)
		a.logger.Warn("lease issue failed", "error", err, "retry_in", backoff)
		if !sleep(ctx, backoff) {
			return fmt.Errorf("failed to issue lease: %w", ctx.Err())
		}
	}
}

// runHeartbeat renews the lease periodically. A lease the controller no
// longer knows as active is replaced by a fresh one.
func (a *Agent) runHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(a.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			id := a.LeaseID()
			_, err := a.api.Heartbeat(ctx, id)
			switch {
			case err == nil:
			case client.IsNotFound(err):
				a.logger.Warn("lease lost, issuing a new one", "lease_id", id)
				if err := a.acquireLease(ctx); err != nil && ctx.Err() == nil {
					a.logger.Error("failed to replace lease", "error", err)
				}
			default:
				if ctx.Err() == nil {
					a.logger.Warn("heartbeat failed", "lease_id", id, "error", err)
				}
			}
		}
	}
}

// process runs one claimed command to a terminal status.
func (a *Agent) process(ctx context.Context, cmd *api.CommandResponse) {
	// Execution outlives the poll context so SIGTERM drains instead of aborting.
	baseCtx := context.WithoutCancel(ctx)

	spanCtx, span := a.tracer.Start(baseCtx, "process_command",
		trace.WithAttributes(
			attribute.String("command.id", cmd.ID),
			attribute.String("command.type", cmd.CommandType),
			attribute.String("agent.id", a.config.ID),
			attribute.String("tenant.id", cmd.TenantID),
		),
		trace.WithSpanKind(trace.SpanKindConsumer),
	)
	defer span.End()

	logger := a.logger.With("command_id", cmd.ID, "command_type", cmd.CommandType)

	// A command cancelled after the claim refuses the running transition.
	if err := a.patch(spanCtx, cmd.ID, api.PatchCommandRequest{Status: statusRunning}); err != nil {
		logger.Info("command not started", "error", err)
		span.SetStatus(codes.Error, "not started")
		a.count(spanCtx, cmd.CommandType, "skipped")
		return
	}
	logger.Info("processing command")

	execCtx, cancel := context.WithTimeout(spanCtx, a.config.CommandTimeout)
	defer cancel()

	handle, err := a.runtime.Start(execCtx, runtime.StartOptions{
		CommandID:   cmd.ID,
		CommandType: cmd.CommandType,
		Payload:     cmd.Payload,
		Env: map[string]string{
			"VMPLANE_COMMAND_ID": cmd.ID,
			"VMPLANE_AGENT_ID":   a.config.ID,
			"VMPLANE_TENANT_ID":  cmd.TenantID,
			"VMPLANE_LEASE_ID":   a.LeaseID(),
			"VMPLANE_VM_UUID":    a.config.VMUUID,
		},
	})
	if err != nil {
		span.RecordError(err)
		logger.Error("failed to start command", "error", err)
		a.finish(spanCtx, logger, cmd.ID, statusFailed, nil, fmt.Sprintf("Failed to start: %v", err))
		a.count(spanCtx, cmd.CommandType, "no_handler")
		return
	}

	var logsDone sync.WaitGroup
	logsDone.Add(1)
	go func() {
		defer logsDone.Done()
		a.streamLogs(spanCtx, logger, cmd.ID, handle)
	}()

	watchCtx, stopWatch := context.WithCancel(execCtx)
	cancelled := make(chan struct{})
	go a.watchCancel(watchCtx, cmd.ID, cancelled)

	result, waitErr := a.wait(execCtx, handle, cancelled)
	stopWatch()
	if waitErr != nil {
		stopCtx, stopCancel := context.WithTimeout(baseCtx, 10*time.Second)
		if err := handle.Stop(stopCtx); err != nil {
			logger.Error("failed to stop command", "error", err)
		}
		stopCancel()
	}
	logsDone.Wait()

	switch {
	case errors.Is(waitErr, errCancelled):
		logger.Info("command cancelled")
		span.SetStatus(codes.Error, "cancelled")
		a.count(spanCtx, cmd.CommandType, statusCancelled)
		return
	case errors.Is(waitErr, context.DeadlineExceeded):
		span.RecordError(waitErr)
		logger.Warn("command timed out", "timeout", a.config.CommandTimeout)
		a.finish(spanCtx, logger, cmd.ID, statusFailed, nil, fmt.Sprintf("Timed out after %v", a.config.CommandTimeout))
		a.count(spanCtx, cmd.CommandType, "timeout")
		return
	case waitErr != nil:
		span.RecordError(waitErr)
		a.finish(spanCtx, logger, cmd.ID, statusFailed, nil, fmt.Sprintf("Runtime error: %v", waitErr))
		a.count(spanCtx, cmd.CommandType, statusFailed)
		return
	}

	span.SetAttributes(attribute.Int("exit_code", result.ExitCode))
	output := resultJSON(result.Output)
	if result.ExitCode == 0 {
		logger.Info("command succeeded")
		a.finish(spanCtx, logger, cmd.ID, statusSucceeded, output, "")
		a.count(spanCtx, cmd.CommandType, statusSucceeded)
		return
	}

	msg := fmt.Sprintf("Exit code %d", result.ExitCode)
	if result.Error != nil {
		msg = result.Error.Error()
		span.RecordError(result.Error)
	}
	span.SetStatus(codes.Error, msg)
	logger.Warn("command failed", "exit_code", result.ExitCode)
	a.finish(spanCtx, logger, cmd.ID, statusFailed, output, msg)
	a.count(spanCtx, cmd.CommandType, statusFailed)
}

func (a *Agent) count(ctx context.Context, commandType, outcome string) {
	a.processed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command_type", commandType),
		attribute.String("outcome", outcome),
	))
}

var errCancelled = errors.New("command cancelled")

// wait blocks until the command exits, execCtx is done or a cancellation is observed.
func (a *Agent) wait(execCtx context.Context, handle runtime.Handle, cancelled <-chan struct{}) (runtime.ExitResult, error) {
	waitCtx, cancel := context.WithCancel(execCtx)
	defer cancel()

	go func() {
		select {
		case <-cancelled:
			cancel()
		case <-waitCtx.Done():
		}
	}()

	result, err := handle.Wait(waitCtx)
	if err != nil {
		select {
		case <-cancelled:
			return result, errCancelled
		default:
		}
		if execCtx.Err() != nil {
			return result, execCtx.Err()
		}
	}
	return result, err
}

// watchCancel closes cancelled once the controller reports the command cancelled.
func (a *Agent) watchCancel(ctx context.Context, id string, cancelled chan<- struct{}) {
	ticker := time.NewTicker(a.config.CancelCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cmd, err := a.api.GetCommand(ctx, id)
			if err != nil {
				continue
			}
			if cmd.Status == statusCancelled {
				close(cancelled)
				return
			}
		}
	}
}

// finish reports a terminal status.
func (a *Agent) finish(ctx context.Context, logger *slog.Logger, id, status string, result json.RawMessage, errMsg string) {
	req := api.PatchCommandRequest{Status: status, Result: result}
	if errMsg != "" {
		req.ErrorMessage = &errMsg
	}
	if err := a.patch(ctx, id, req); err != nil {
		logger.Error("failed to report command status", "status", status, "error", err)
	}
}

// patch sends a status update, retrying transient failures up to three times.
func (a *Agent) patch(ctx context.Context, id string, req api.PatchCommandRequest) error {
	backoff := time.Duration(0)
	for attempt := 1; ; attempt++ {
		_, err := a.api.PatchCommand(ctx, id, req)
		if err == nil || permanent(err) || attempt == 3 {
			return err
		}
		backoff = nextBackoff(backoff, a.config.MinBackoff, a.config.MaxBackoff)
		if !sleep(ctx, backoff) {
			return err
		}
	}
}

func (a *Agent) streamLogs(ctx context.Context, logger *slog.Logger, id string, handle runtime.Handle) {
	rc, err := handle.StreamLogs(ctx)
	if err != nil {
		logger.Warn("failed to get log stream", "error", err)
		return
	}
	defer rc.Close()

	var batch []string
	flushTicker := time.NewTicker(logFlushInterval)
	defer flushTicker.Stop()

	lineChan := make(chan string, logBatchSize)
	go func() {
		defer close(lineChan)
		scanner := bufio.NewScanner(rc)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			// Postgres rejects \x00
			lineChan <- strings.ReplaceAll(scanner.Text(), "\x00", "")
		}
	}()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := a.api.AddLog(ctx, id, strings.Join(batch, "\n")); err != nil {
			logger.Warn("failed to ship logs", "error", err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case line, ok := <-lineChan:
			if !ok {
				flush()
				return
			}
			batch = append(batch, line)
			if len(batch) >= logBatchSize {
				flush()
			}
		case <-flushTicker.C:
			flush()
		}
	}
}

// resultJSON passes JSON output through and wraps anything else as
// {"output": "..."}. Empty output has no result.
func resultJSON(out []byte) json.RawMessage {
	trimmed := strings.TrimSpace(string(out))
	if trimmed == "" {
		return nil
	}
	if json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	wrapped, _ := json.Marshal(map[string]string{"output": trimmed})
	return wrapped
}

// permanent reports whether retrying err cannot help.
func permanent(err error) bool {
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode >= 400 && apiErr.StatusCode < 500 &&
		apiErr.StatusCode != http.StatusTooManyRequests
}

// nextBackoff doubles current within [lo, hi].
func nextBackoff(current, lo, hi time.Duration) time.Duration {
	if current < lo {
		return lo
	}
	current *= 2
	if current > hi {
		return hi
	}
	return current
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
