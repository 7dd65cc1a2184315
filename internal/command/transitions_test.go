package command

import (
	"testing"

	"vmplane/internal/store"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to store.CommandStatus
		want     bool
	}{
		{store.CommandStatusQueued, store.CommandStatusDispatched, true},
		{store.CommandStatusQueued, store.CommandStatusCancelled, true},
		{store.CommandStatusQueued, store.CommandStatusExpired, true},
		{store.CommandStatusQueued, store.CommandStatusRunning, false},
		{store.CommandStatusQueued, store.CommandStatusSucceeded, false},
		{store.CommandStatusDispatched, store.CommandStatusRunning, true},
		{store.CommandStatusDispatched, store.CommandStatusExpired, true},
		{store.CommandStatusDispatched, store.CommandStatusSucceeded, false},
		{store.CommandStatusRunning, store.CommandStatusSucceeded, true},
		{store.CommandStatusRunning, store.CommandStatusFailed, true},
		{store.CommandStatusRunning, store.CommandStatusCancelled, true},
		{store.CommandStatusRunning, store.CommandStatusExpired, false},
		{store.CommandStatusRunning, store.CommandStatusRunning, false},
		{store.CommandStatusSucceeded, store.CommandStatusRunning, false},
		{store.CommandStatusFailed, store.CommandStatusSucceeded, false},
		{store.CommandStatusCancelled, store.CommandStatusQueued, false},
		{store.CommandStatusExpired, store.CommandStatusDispatched, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			if got := CanTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestTerminalStatesHaveNoEdges(t *testing.T) {
	for _, s := range []store.CommandStatus{
		store.CommandStatusSucceeded, store.CommandStatusFailed,
		store.CommandStatusCancelled, store.CommandStatusExpired,
	} {
		if len(transitions[s]) != 0 {
			t.Errorf("terminal state %s has outgoing edges", s)
		}
	}
}
