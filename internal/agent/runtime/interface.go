// Package runtime provides the Runtime interface for command execution backends.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
)

// ErrNoHandler is returned when no handler exists for a command type.
var ErrNoHandler = errors.New("no handler for command type")

// Runtime defines the interface for executing commands.
type Runtime interface {
	// Start begins execution of a command and returns a handle.
	Start(ctx context.Context, opts StartOptions) (Handle, error)
}

// StartOptions contains the parameters for starting a command.
type StartOptions struct {
	CommandID   string
	CommandType string
	Payload     json.RawMessage
	Env         map[string]string
}

// ExitResult is the outcome of a finished command.
type ExitResult struct {
	ExitCode int
	// Output is what the handler wrote to stdout.
	Output []byte
	Error  error
}

// Handle represents a running command.
type Handle interface {
	// Wait blocks until the command completes.
	Wait(ctx context.Context) (ExitResult, error)

	// Stop forcefully terminates the command.
	Stop(ctx context.Context) error

	// StreamLogs returns a reader for the command's stderr. It reaches EOF
	// when the command exits.
	StreamLogs(ctx context.Context) (io.ReadCloser, error)
}
