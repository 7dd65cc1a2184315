// Package notify wakes long-polling agents when work is queued for them.
package notify

import (
	"context"
	"errors"
	"sync"
)

// ErrTooManyWaiters is returned when a key already has the maximum number of
// concurrent subscribers.
var ErrTooManyWaiters = errors.New("too many concurrent waiters")

// Notifier is the wake-up contract the command queue depends on.
type Notifier interface {
	Subscribe(key string) (*Subscription, error)
	Notify(ctx context.Context, key string) error
}

// Key builds the wake-up key for an agent of a tenant.
func Key(tenantID, agentID string) string {
	return tenantID + "/" + agentID
}

// Hub fans wake-ups out to in-process subscribers.
type Hub struct {
	mu         sync.Mutex
	waiters    map[string]map[*Subscription]struct{}
	maxWaiters int
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithMaxWaiters caps subscribers per key. Zero means unlimited.
func WithMaxWaiters(n int) HubOption {
	return func(h *Hub) {
		h.maxWaiters = n
	}
}

// NewHub creates a Hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		waiters: make(map[string]map[*Subscription]struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscription receives at most one pending wake-up at a time on C.
type Subscription struct {
	C <-chan struct{}

	ch   chan struct{}
	hub  *Hub
	key  string
	once sync.Once
}

// Subscribe registers a waiter for key. Callers must Close the subscription.
func (h *Hub) Subscribe(key string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.waiters[key]
	if h.maxWaiters > 0 && len(set) >= h.maxWaiters {
		return nil, ErrTooManyWaiters
	}
	if set == nil {
		set = make(map[*Subscription]struct{})
		h.waiters[key] = set
	}

	ch := make(chan struct{}, 1)
	sub := &Subscription{C: ch, ch: ch, hub: h, key: key}
	set[sub] = struct{}{}
	return sub, nil
}

// Notify wakes every subscriber of key. It never blocks.
func (h *Hub) Notify(_ context.Context, key string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.waiters[key] {
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
	return nil
}

// Waiters returns the number of subscribers for key.
func (h *Hub) Waiters(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.waiters[key])
}

// Close unregisters the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		defer s.hub.mu.Unlock()
		set := s.hub.waiters[s.key]
		delete(set, s)
		if len(set) == 0 {
			delete(s.hub.waiters, s.key)
		}
	})
}
