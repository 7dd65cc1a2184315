package runtime

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sync"
	"syscall"
	"time"
)

// maxOutput caps how much stdout is kept as the command result.
const maxOutput = 1 << 20

var handlerName = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ExecRuntime runs each command type as an executable named after it in
// HandlersDir. The payload is written to stdin, stdout becomes the result and
// stderr lines are shipped as logs.
type ExecRuntime struct {
	HandlersDir string
	WorkDir     string
}

// NewExecRuntime creates a new process-based runtime. An empty workDir uses a
// directory under the system temp dir.
func NewExecRuntime(handlersDir, workDir string) *ExecRuntime {
	if workDir == "" {
		workDir = filepath.Join(os.TempDir(), "vmplane", "agent")
	}
	return &ExecRuntime{HandlersDir: handlersDir, WorkDir: workDir}
}

// HandlerPath resolves the executable for a command type.
func (e *ExecRuntime) HandlerPath(commandType string) (string, error) {
	if !handlerName.MatchString(commandType) {
		return "", fmt.Errorf("%w: invalid command type %q", ErrNoHandler, commandType)
	}
	path := filepath.Join(e.HandlersDir, commandType)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return "", fmt.Errorf("%w: %s", ErrNoHandler, commandType)
	}
	return path, nil
}

// Start implements Runtime.Start using os/exec.
func (e *ExecRuntime) Start(ctx context.Context, opts StartOptions) (Handle, error) {
	path, err := e.HandlerPath(opts.CommandType)
	if err != nil {
		return nil, err
	}

	dir := e.WorkDir
	if opts.CommandID != "" {
		dir = filepath.Join(e.WorkDir, opts.CommandID)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}

	cmd := exec.Command(path)
	cmd.Dir = dir
	// Children that outlive the handler must not hold Wait open on stderr.
	cmd.WaitDelay = 2 * time.Second
	cmd.Stdin = bytes.NewReader(opts.Payload)
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	h := &ExecHandle{
		cmd:    cmd,
		stdout: &limitedBuffer{max: maxOutput},
		done:   make(chan struct{}),
	}
	cmd.Stdout = h.stdout
	h.logs, h.logWriter = io.Pipe()
	cmd.Stderr = h.logWriter

	if err := cmd.Start(); err != nil {
		h.logWriter.Close()
		return nil, fmt.Errorf("failed to start %s: %w", opts.CommandType, err)
	}

	go h.wait()
	return h, nil
}

// ExecHandle is a running handler process.
type ExecHandle struct {
	cmd       *exec.Cmd
	stdout    *limitedBuffer
	logs      *io.PipeReader
	logWriter *io.PipeWriter

	done   chan struct{}
	result ExitResult
}

func (h *ExecHandle) wait() {
	err := h.cmd.Wait()
	h.logWriter.Close()

	res := ExitResult{Output: h.stdout.Bytes()}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		res.ExitCode = -1
		res.Error = err
	}
	h.result = res
	close(h.done)
}

// Wait implements Handle.Wait. A cancelled ctx returns exit code -1 and leaves
// the process running; callers Stop it.
func (h *ExecHandle) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-h.done:
		return h.result, nil
	case <-ctx.Done():
		return ExitResult{ExitCode: -1, Error: ctx.Err()}, ctx.Err()
	}
}

// Stop sends SIGTERM and kills the process if it has not exited by the time
// ctx is done.
func (h *ExecHandle) Stop(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	default:
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return h.kill()
	}

	grace := time.NewTimer(5 * time.Second)
	defer grace.Stop()
	select {
	case <-h.done:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}
	return h.kill()
}

func (h *ExecHandle) kill() error {
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	<-h.done
	return nil
}

// StreamLogs implements Handle.StreamLogs. The reader must be drained or
// closed, the process blocks on stderr writes otherwise.
func (h *ExecHandle) StreamLogs(ctx context.Context) (io.ReadCloser, error) {
	return h.logs, nil
}

// limitedBuffer keeps the first max bytes and discards the rest.
type limitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Clone(b.buf.Bytes())
}
