package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vmplane/internal/agent/runtime"
	"vmplane/pkg/api"
	"vmplane/pkg/client"
)

type patchCall struct {
	ID           string
	Status       string
	Result       json.RawMessage
	ErrorMessage string
}

// mockAPI implements API for testing.
type mockAPI struct {
	mu sync.Mutex

	issueErrs    []error // consumed in order before issuing succeeds
	issued       int
	heartbeatErr error
	heartbeats   int
	revoked      []string
	commandState string
	patchErr     map[string]error // keyed by status
	patches      []patchCall
	logs         []string

	commands chan *api.CommandResponse
}

func newMockAPI() *mockAPI {
	return &mockAPI{commands: make(chan *api.CommandResponse, 10), patchErr: map[string]error{}}
}

func (m *mockAPI) IssueLease(ctx context.Context, req api.IssueLeaseRequest) (*api.IssueLeaseResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.issueErrs) > 0 {
		err := m.issueErrs[0]
		m.issueErrs = m.issueErrs[1:]
		return nil, err
	}
	m.issued++
	return &api.IssueLeaseResponse{LeaseID: fmt.Sprintf("lease-%d", m.issued), VMUUID: req.VMUUID}, nil
}

func (m *mockAPI) Heartbeat(ctx context.Context, leaseID string) (*api.LeaseResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.heartbeats++
	if m.heartbeatErr != nil {
		err := m.heartbeatErr
		m.heartbeatErr = nil
		return nil, err
	}
	return &api.LeaseResponse{LeaseID: leaseID, Status: "active"}, nil
}

func (m *mockAPI) RevokeLease(ctx context.Context, leaseID, reason string) (*api.RevokeLeaseResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked = append(m.revoked, leaseID)
	return &api.RevokeLeaseResponse{LeaseID: leaseID, Status: "revoked"}, nil
}

func (m *mockAPI) NextCommand(ctx context.Context, agentID string, timeout time.Duration) (*api.CommandResponse, error) {
	select {
	case cmd := <-m.commands:
		return cmd, nil
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *mockAPI) GetCommand(ctx context.Context, id string) (*api.CommandResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &api.CommandResponse{ID: id, Status: m.commandState}, nil
}

func (m *mockAPI) PatchCommand(ctx context.Context, id string, req api.PatchCommandRequest) (*api.CommandResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.patchErr[req.Status]; err != nil {
		return nil, err
	}
	call := patchCall{ID: id, Status: req.Status, Result: req.Result}
	if req.ErrorMessage != nil {
		call.ErrorMessage = *req.ErrorMessage
	}
	m.patches = append(m.patches, call)
	return &api.CommandResponse{ID: id, Status: req.Status}, nil
}

func (m *mockAPI) AddLog(ctx context.Context, id, content string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, content)
	return nil
}

func (m *mockAPI) snapshot() (patches []patchCall, logs []string, revoked []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]patchCall(nil), m.patches...), append([]string(nil), m.logs...), append([]string(nil), m.revoked...)
}

func (m *mockAPI) statuses() []string {
	patches, _, _ := m.snapshot()
	var out []string
	for _, p := range patches {
		out = append(out, p.Status)
	}
	return out
}

// mockRuntime implements runtime.Runtime for testing.
type mockRuntime struct {
	StartFunc func(ctx context.Context, opts runtime.StartOptions) (runtime.Handle, error)
	started   atomic.Int32
}

func (m *mockRuntime) Start(ctx context.Context, opts runtime.StartOptions) (runtime.Handle, error) {
	m.started.Add(1)
	if m.StartFunc != nil {
		return m.StartFunc(ctx, opts)
	}
	return &mockHandle{}, nil
}

// mockHandle implements runtime.Handle for testing.
type mockHandle struct {
	WaitFunc func(ctx context.Context) (runtime.ExitResult, error)
	Logs     string
	stopped  atomic.Bool
}

func (m *mockHandle) Wait(ctx context.Context) (runtime.ExitResult, error) {
	if m.WaitFunc != nil {
		return m.WaitFunc(ctx)
	}
	return runtime.ExitResult{}, nil
}

func (m *mockHandle) Stop(ctx context.Context) error {
	m.stopped.Store(true)
	return nil
}

func (m *mockHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(m.Logs)), nil
}

// blockUntilDone waits for the context like a long-running command.
func blockUntilDone(ctx context.Context) (runtime.ExitResult, error) {
	<-ctx.Done()
	return runtime.ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
}

func testConfig() Config {
	return Config{
		ID:                  "A1",
		VMUUID:              "vm-1",
		Module:              "vm-ops",
		MinBackoff:          time.Millisecond,
		MaxBackoff:          5 * time.Millisecond,
		HeartbeatInterval:   time.Hour,
		CancelCheckInterval: time.Hour,
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func TestNew_Defaults(t *testing.T) {
	a := New(newMockAPI(), &mockRuntime{}, Config{ID: "A1", Concurrency: -5})

	if a.config.Concurrency != 1 {
		t.Errorf("expected default concurrency=1, got %d", a.config.Concurrency)
	}
	if a.config.RunnerID != "A1" {
		t.Errorf("expected RunnerID to default to ID, got %s", a.config.RunnerID)
	}
	if a.config.PollTimeout != 30*time.Second {
		t.Errorf("expected PollTimeout 30s, got %v", a.config.PollTimeout)
	}
	if a.config.CommandTimeout != 10*time.Minute {
		t.Errorf("expected CommandTimeout 10m, got %v", a.config.CommandTimeout)
	}
}

func TestRun_ProcessesCommandAndRevokesLease(t *testing.T) {
	m := newMockAPI()
	rt := &mockRuntime{StartFunc: func(ctx context.Context, opts runtime.StartOptions) (runtime.Handle, error) {
		if opts.Env["VMPLANE_LEASE_ID"] != "lease-1" {
			t.Errorf("lease id not passed to the handler: %v", opts.Env)
		}
		return &mockHandle{
			Logs: "line1\nline\x002\n",
			WaitFunc: func(ctx context.Context) (runtime.ExitResult, error) {
				return runtime.ExitResult{Output: []byte(`{"ok":true}`)}, nil
			},
		}, nil
	}}
	a := New(m, rt, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	m.commands <- &api.CommandResponse{ID: "c1", CommandType: "proxmox.start", Status: "dispatched"}
	eventually(t, func() bool { return len(m.statuses()) == 2 })

	cancel()
	select {
	case <-a.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}
	if err := <-errCh; err != nil {
		t.Errorf("Run returned %v", err)
	}

	patches, logs, revoked := m.snapshot()
	if patches[0].Status != statusRunning || patches[1].Status != statusSucceeded {
		t.Fatalf("unexpected patches %+v", patches)
	}
	if string(patches[1].Result) != `{"ok":true}` {
		t.Errorf("unexpected result %s", patches[1].Result)
	}
	if strings.Join(logs, "\n") != "line1\nline2" {
		t.Errorf("unexpected logs %q", logs)
	}
	if len(revoked) != 1 || revoked[0] != "lease-1" {
		t.Errorf("expected lease-1 revoked, got %v", revoked)
	}
}

func TestRun_RespectsConcurrency(t *testing.T) {
	m := newMockAPI()
	var running, peak atomic.Int32
	release := make(chan struct{})
	rt := &mockRuntime{StartFunc: func(ctx context.Context, opts runtime.StartOptions) (runtime.Handle, error) {
		return &mockHandle{WaitFunc: func(ctx context.Context) (runtime.ExitResult, error) {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			<-release
			running.Add(-1)
			return runtime.ExitResult{}, nil
		}}, nil
	}}
	cfg := testConfig()
	cfg.Concurrency = 2
	a := New(m, rt, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go a.Run(ctx)

	for i := range 4 {
		m.commands <- &api.CommandResponse{ID: fmt.Sprintf("c%d", i), CommandType: "x"}
	}
	eventually(t, func() bool { return running.Load() == 2 })
	time.Sleep(30 * time.Millisecond)
	close(release)

	eventually(t, func() bool { return rt.started.Load() == 4 })
	cancel()
	<-a.Done()

	if peak.Load() > 2 {
		t.Errorf("peak concurrency %d exceeds 2", peak.Load())
	}
}

func TestProcess_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		startErr   error
		result     runtime.ExitResult
		wantStatus string
		wantErrMsg string
		wantResult string
	}{
		{
			name:       "plain text output is wrapped",
			result:     runtime.ExitResult{Output: []byte("done\n")},
			wantStatus: statusSucceeded,
			wantResult: `{"output":"done"}`,
		},
		{
			name:       "non-zero exit",
			result:     runtime.ExitResult{ExitCode: 2},
			wantStatus: statusFailed,
			wantErrMsg: "Exit code 2",
		},
		{
			name:       "runtime error message wins",
			result:     runtime.ExitResult{ExitCode: -1, Error: errors.New("signal: killed")},
			wantStatus: statusFailed,
			wantErrMsg: "signal: killed",
		},
		{
			name:       "missing handler",
			startErr:   runtime.ErrNoHandler,
			wantStatus: statusFailed,
			wantErrMsg: "Failed to start: " + runtime.ErrNoHandler.Error(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockAPI()
			rt := &mockRuntime{StartFunc: func(ctx context.Context, opts runtime.StartOptions) (runtime.Handle, error) {
				if tt.startErr != nil {
					return nil, tt.startErr
				}
				return &mockHandle{WaitFunc: func(ctx context.Context) (runtime.ExitResult, error) {
					return tt.result, nil
				}}, nil
			}}
			a := New(m, rt, testConfig())

			a.process(context.Background(), &api.CommandResponse{ID: "c1", CommandType: "x"})

			patches, _, _ := m.snapshot()
			if len(patches) != 2 {
				t.Fatalf("expected 2 patches, got %+v", patches)
			}
			final := patches[1]
			if final.Status != tt.wantStatus || final.ErrorMessage != tt.wantErrMsg {
				t.Errorf("got %s %q, want %s %q", final.Status, final.ErrorMessage, tt.wantStatus, tt.wantErrMsg)
			}
			if tt.wantResult != "" && string(final.Result) != tt.wantResult {
				t.Errorf("got result %s, want %s", final.Result, tt.wantResult)
			}
		})
	}
}

func TestProcess_CancelledBeforeStart(t *testing.T) {
	m := newMockAPI()
	m.patchErr[statusRunning] = &client.APIError{StatusCode: http.StatusBadRequest, Code: api.CodeInvalidTransition}
	rt := &mockRuntime{}
	a := New(m, rt, testConfig())

	a.process(context.Background(), &api.CommandResponse{ID: "c1", CommandType: "x"})

	if rt.started.Load() != 0 {
		t.Error("runtime started for a command that refused running")
	}
	if got := m.statuses(); len(got) != 0 {
		t.Errorf("expected no patches, got %v", got)
	}
}

func TestProcess_Timeout(t *testing.T) {
	m := newMockAPI()
	h := &mockHandle{WaitFunc: blockUntilDone}
	rt := &mockRuntime{StartFunc: func(ctx context.Context, opts runtime.StartOptions) (runtime.Handle, error) {
		return h, nil
	}}
	cfg := testConfig()
	cfg.CommandTimeout = 50 * time.Millisecond
	a := New(m, rt, cfg)

	a.process(context.Background(), &api.CommandResponse{ID: "c1", CommandType: "x"})

	if !h.stopped.Load() {
		t.Error("timed out command was not stopped")
	}
	patches, _, _ := m.snapshot()
	final := patches[len(patches)-1]
	if final.Status != statusFailed || !strings.Contains(final.ErrorMessage, "Timed out") {
		t.Errorf("unexpected final patch %+v", final)
	}
}

func TestProcess_ObservesCancellation(t *testing.T) {
	m := newMockAPI()
	m.commandState = statusCancelled
	h := &mockHandle{WaitFunc: blockUntilDone}
	rt := &mockRuntime{StartFunc: func(ctx context.Context, opts runtime.StartOptions) (runtime.Handle, error) {
		return h, nil
	}}
	cfg := testConfig()
	cfg.CancelCheckInterval = 10 * time.Millisecond
	a := New(m, rt, cfg)

	done := make(chan struct{})
	go func() {
		a.process(context.Background(), &api.CommandResponse{ID: "c1", CommandType: "x"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled command kept running")
	}
	if !h.stopped.Load() {
		t.Error("cancelled command was not stopped")
	}
	if got := m.statuses(); len(got) != 1 || got[0] != statusRunning {
		t.Errorf("cancelled command must not be patched again, got %v", got)
	}
}

func TestProcess_RetriesTransientPatch(t *testing.T) {
	m := newMockAPI()
	var fails atomic.Int32
	api503 := &client.APIError{StatusCode: http.StatusServiceUnavailable}
	flaky := &flakyAPI{mockAPI: m, fail: func(status string) error {
		if status == statusSucceeded && fails.Add(1) < 3 {
			return api503
		}
		return nil
	}}
	a := New(flaky, &mockRuntime{}, testConfig())

	a.process(context.Background(), &api.CommandResponse{ID: "c1", CommandType: "x"})

	if got := m.statuses(); len(got) != 2 || got[1] != statusSucceeded {
		t.Errorf("expected succeeded after retries, got %v", got)
	}
}

type flakyAPI struct {
	*mockAPI
	fail func(status string) error
}

func (f *flakyAPI) PatchCommand(ctx context.Context, id string, req api.PatchCommandRequest) (*api.CommandResponse, error) {
	if err := f.fail(req.Status); err != nil {
		return nil, err
	}
	return f.mockAPI.PatchCommand(ctx, id, req)
}

func TestAcquireLease(t *testing.T) {
	t.Run("retries transient errors", func(t *testing.T) {
		m := newMockAPI()
		m.issueErrs = []error{errors.New("connection refused"), &client.APIError{StatusCode: http.StatusServiceUnavailable}}
		a := New(m, &mockRuntime{}, testConfig())

		if err := a.acquireLease(context.Background()); err != nil {
			t.Fatalf("acquireLease failed: %v", err)
		}
		if a.LeaseID() != "lease-1" {
			t.Errorf("got lease %q", a.LeaseID())
		}
	})

	t.Run("gives up on authentication errors", func(t *testing.T) {
		m := newMockAPI()
		m.issueErrs = []error{&client.APIError{StatusCode: http.StatusUnauthorized}}
		a := New(m, &mockRuntime{}, testConfig())

		if err := a.Run(context.Background()); err == nil {
			t.Fatal("expected Run to fail")
		}
		<-a.Done()
	})
}

func TestHeartbeat_ReissuesLostLease(t *testing.T) {
	m := newMockAPI()
	m.heartbeatErr = &client.APIError{StatusCode: http.StatusNotFound}
	cfg := testConfig()
	cfg.HeartbeatInterval = 10 * time.Millisecond
	a := New(m, &mockRuntime{}, cfg)

	if err := a.acquireLease(context.Background()); err != nil {
		t.Fatalf("acquireLease failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		a.runHeartbeat(ctx)
		close(done)
	}()

	eventually(t, func() bool { return a.LeaseID() == "lease-2" })
	cancel()
	<-done
}

func TestResultJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"  \n", ""},
		{`{"vmid":101}`, `{"vmid":101}`},
		{"[1,2]\n", "[1,2]"},
		{"started", `{"output":"started"}`},
	}
	for _, tt := range tests {
		if got := string(resultJSON([]byte(tt.in))); got != tt.want {
			t.Errorf("resultJSON(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestNextBackoff(t *testing.T) {
	lo, hi := time.Second, 5*time.Second
	got := []time.Duration{}
	d := time.Duration(0)
	for range 5 {
		d = nextBackoff(d, lo, hi)
		got = append(got, d)
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("backoff sequence %v, want %v", got, want)
		}
	}
}

func TestPermanent(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("dial tcp: refused"), false},
		{&client.APIError{StatusCode: http.StatusBadRequest}, true},
		{&client.APIError{StatusCode: http.StatusForbidden}, true},
		{&client.APIError{StatusCode: http.StatusTooManyRequests}, false},
		{fmt.Errorf("wrapped: %w", &client.APIError{StatusCode: http.StatusBadGateway}), false},
	}
	for _, tt := range tests {
		if got := permanent(tt.err); got != tt.want {
			t.Errorf("permanent(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
