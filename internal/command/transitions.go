package command

import (
	"fmt"

	"vmplane/internal/store"
)

var transitions = map[store.CommandStatus][]store.CommandStatus{
	store.CommandStatusQueued:     {store.CommandStatusDispatched, store.CommandStatusCancelled, store.CommandStatusExpired},
	store.CommandStatusDispatched: {store.CommandStatusRunning, store.CommandStatusCancelled, store.CommandStatusExpired},
	store.CommandStatusRunning:    {store.CommandStatusSucceeded, store.CommandStatusFailed, store.CommandStatusCancelled},
}

// CanTransition reports whether from -> to is an edge of the command lifecycle.
func CanTransition(from, to store.CommandStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError is returned when a patch is not a legal edge.
// The stored command is left unchanged.
type InvalidTransitionError struct {
	From store.CommandStatus
	To   store.CommandStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}
