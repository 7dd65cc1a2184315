// Package memory implements the store interfaces in process memory.
// It backs single-replica deployments and tests; a single mutex makes every
// conditional update atomic.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"vmplane/internal/store"

	"github.com/google/uuid"
)

// Store is an in-memory store.Store.
type Store struct {
	mu sync.Mutex

	tenants  map[uuid.UUID]store.Tenant
	apiKeys  map[string]store.APIKey
	leases   map[uuid.UUID]store.Lease
	commands map[uuid.UUID]store.Command
	logs     map[uuid.UUID][]store.LogEntry

	seq    int64
	logSeq int64
}

var _ store.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		tenants:  make(map[uuid.UUID]store.Tenant),
		apiKeys:  make(map[string]store.APIKey),
		leases:   make(map[uuid.UUID]store.Lease),
		commands: make(map[uuid.UUID]store.Command),
		logs:     make(map[uuid.UUID][]store.LogEntry),
	}
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) CreateTenant(_ context.Context, tenant *store.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[tenant.ID] = *tenant
	return nil
}

func (s *Store) GetTenantByID(_ context.Context, id uuid.UUID) (*store.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &t, nil
}

func (s *Store) CreateAPIKey(_ context.Context, key *store.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := *key
	k.Roles = append([]string(nil), key.Roles...)
	s.apiKeys[key.KeyHash] = k
	return nil
}

func (s *Store) GetAPIKeyByHash(_ context.Context, hash string) (*store.APIKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.apiKeys[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	k.Roles = append([]string(nil), k.Roles...)
	return &k, nil
}

func (s *Store) CreateLease(_ context.Context, lease *store.Lease) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := *lease
	l.Token = ""
	s.leases[l.ID] = l
	return nil
}

func (s *Store) GetLease(_ context.Context, tenantID string, id uuid.UUID) (*store.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok || l.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	return &l, nil
}

func (s *Store) RenewLease(_ context.Context, tenantID string, id uuid.UUID, now, expiresAt time.Time) (*store.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok || l.TenantID != tenantID || l.Status != store.LeaseStatusActive || l.ExpiresAt.Before(now) {
		return nil, store.ErrNotFound
	}
	l.LastHeartbeatAt = now
	l.ExpiresAt = expiresAt
	s.leases[id] = l
	return &l, nil
}

func (s *Store) RevokeLease(_ context.Context, tenantID string, id uuid.UUID, now time.Time, reason string) (*store.Lease, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok || l.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	if l.RevokedAt == nil {
		l.RevokedAt = &now
		if reason != "" {
			l.RevokeReason = &reason
		}
	}
	l.Status = store.LeaseStatusRevoked
	s.leases[id] = l
	return &l, nil
}

func (s *Store) CreateCommand(_ context.Context, cmd *store.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	cmd.Seq = s.seq
	if len(cmd.Payload) == 0 {
		cmd.Payload = []byte("{}")
	}
	s.commands[cmd.ID] = cloneCommand(*cmd)
	return nil
}

func (s *Store) GetCommand(_ context.Context, tenantID string, id uuid.UUID) (*store.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commands[id]
	if !ok || c.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	c = cloneCommand(c)
	return &c, nil
}

func (s *Store) ListCommands(_ context.Context, tenantID string, filter store.CommandFilter) ([]store.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []store.Command
	for _, c := range s.commands {
		if c.TenantID != tenantID {
			continue
		}
		if filter.AgentID != "" && c.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.CommandType != "" && c.CommandType != filter.CommandType {
			continue
		}
		out = append(out, cloneCommand(c))
	}
	sortCommands(out)

	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(out) {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *Store) ClaimNextCommand(_ context.Context, tenantID, agentID string, cutoff, now time.Time) (*store.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *store.Command
	for id := range s.commands {
		c := s.commands[id]
		if c.TenantID != tenantID || c.AgentID != agentID || c.Status != store.CommandStatusQueued {
			continue
		}
		if c.QueuedAt.Before(cutoff) {
			continue
		}
		if next == nil || before(c, *next) {
			next = &c
		}
	}
	if next == nil {
		return nil, nil
	}

	next.Status = store.CommandStatusDispatched
	next.StartedAt = &now
	s.commands[next.ID] = *next
	claimed := cloneCommand(*next)
	return &claimed, nil
}

func (s *Store) UpdateCommandStatus(_ context.Context, tenantID string, id uuid.UUID, from store.CommandStatus, update store.CommandUpdate) (*store.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.commands[id]
	if !ok || c.TenantID != tenantID {
		return nil, store.ErrNotFound
	}
	if c.Status != from {
		return nil, store.ErrStatusConflict
	}

	c.Status = update.Status
	if c.StartedAt == nil && update.StartedAt != nil {
		t := *update.StartedAt
		c.StartedAt = &t
	}
	c.CompletedAt = update.CompletedAt
	c.Result = append([]byte(nil), update.Result...)
	if len(update.Result) == 0 {
		c.Result = nil
	}
	c.ErrorMessage = update.ErrorMessage
	s.commands[id] = c

	out := cloneCommand(c)
	return &out, nil
}

func (s *Store) ExpireStaleCommands(_ context.Context, tenantID string, cutoff, now time.Time, message string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for id, c := range s.commands {
		if c.TenantID != tenantID {
			continue
		}
		stale := (c.Status == store.CommandStatusQueued && c.QueuedAt.Before(cutoff)) ||
			(c.Status == store.CommandStatusDispatched && c.StartedAt != nil && c.StartedAt.Before(cutoff))
		if !stale {
			continue
		}
		c.Status = store.CommandStatusExpired
		completed := now
		c.CompletedAt = &completed
		msg := message
		c.ErrorMessage = &msg
		s.commands[id] = c
		n++
	}
	return n, nil
}

func (s *Store) CountQueuedCommands(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, c := range s.commands {
		if c.Status == store.CommandStatusQueued {
			n++
		}
	}
	return n, nil
}

func (s *Store) AddCommandLog(_ context.Context, commandID uuid.UUID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logSeq++
	s.logs[commandID] = append(s.logs[commandID], store.LogEntry{
		ID:        s.logSeq,
		CommandID: commandID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (s *Store) GetCommandLogs(_ context.Context, commandID uuid.UUID, afterID int64, limit int) ([]store.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.LogEntry
	for _, e := range s.logs[commandID] {
		if e.ID <= afterID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func before(a, b store.Command) bool {
	if !a.QueuedAt.Equal(b.QueuedAt) {
		return a.QueuedAt.Before(b.QueuedAt)
	}
	return a.Seq < b.Seq
}

func sortCommands(cmds []store.Command) {
	sort.Slice(cmds, func(i, j int) bool { return before(cmds[i], cmds[j]) })
}

func cloneCommand(c store.Command) store.Command {
	c.Payload = append([]byte(nil), c.Payload...)
	if c.Result != nil {
		c.Result = append([]byte(nil), c.Result...)
	}
	return c
}
