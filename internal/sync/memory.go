package sync

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryOutbox implements OutboxStore with in-process concurrency safety.
type InMemoryOutbox struct {
	mu      sync.RWMutex
	entries map[string]OutboxEntry // tenantID+"\x00"+idempotencyKey
}

var _ OutboxStore = (*InMemoryOutbox)(nil)

// NewInMemoryOutbox creates an empty outbox.
func NewInMemoryOutbox() *InMemoryOutbox {
	return &InMemoryOutbox{entries: make(map[string]OutboxEntry)}
}

func outboxKey(tenantID, key string) string {
	return tenantID + "\x00" + key
}

func (s *InMemoryOutbox) Insert(ctx context.Context, entry OutboxEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := outboxKey(entry.TenantID, entry.IdempotencyKey)
	if _, exists := s.entries[key]; exists {
		return ErrDuplicateKey
	}
	s.entries[key] = entry
	return nil
}

func (s *InMemoryOutbox) ByIdempotencyKey(ctx context.Context, tenantID, key string) (OutboxEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[outboxKey(tenantID, key)]
	if !ok {
		return OutboxEntry{}, ErrNotFound
	}
	return entry, nil
}

// InMemoryConflicts implements ConflictStore.
type InMemoryConflicts struct {
	mu        sync.RWMutex
	conflicts map[string]SyncConflict // id
}

var _ ConflictStore = (*InMemoryConflicts)(nil)

// NewInMemoryConflicts creates an empty conflict store.
func NewInMemoryConflicts() *InMemoryConflicts {
	return &InMemoryConflicts{conflicts: make(map[string]SyncConflict)}
}

func (s *InMemoryConflicts) Insert(ctx context.Context, c SyncConflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[c.ID] = c
	return nil
}

func (s *InMemoryConflicts) Get(ctx context.Context, tenantID, id string) (SyncConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conflicts[id]
	if !ok || c.TenantID != tenantID {
		return SyncConflict{}, ErrNotFound
	}
	return c, nil
}

func (s *InMemoryConflicts) Resolve(ctx context.Context, tenantID, id, resolverID, strategy string, at time.Time) (SyncConflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conflicts[id]
	if !ok || c.TenantID != tenantID {
		return SyncConflict{}, ErrNotFound
	}
	if c.Resolved() {
		return SyncConflict{}, ErrConflictResolved
	}
	c.ResolutionStatus = strategy
	c.ResolvedBy = resolverID
	c.ResolvedAt = &at
	s.conflicts[id] = c
	return c, nil
}

func (s *InMemoryConflicts) ListUnresolvedByUser(ctx context.Context, tenantID, userID string) ([]SyncConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []SyncConflict
	for _, c := range s.conflicts {
		if c.TenantID == tenantID && c.UserID == userID && !c.Resolved() {
			out = append(out, c)
		}
	}
	sortConflicts(out)
	return out, nil
}

func (s *InMemoryConflicts) ListByTenant(ctx context.Context, tenantID string, unresolvedOnly bool) ([]SyncConflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []SyncConflict
	for _, c := range s.conflicts {
		if c.TenantID != tenantID {
			continue
		}
		if unresolvedOnly && c.Resolved() {
			continue
		}
		out = append(out, c)
	}
	sortConflicts(out)
	return out, nil
}

// ULIDs sort chronologically, so id order is creation order.
func sortConflicts(cs []SyncConflict) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID < cs[j].ID })
}

// InMemoryAttempts implements AttemptStore for tests and local runs.
type InMemoryAttempts struct {
	mu       sync.RWMutex
	attempts map[string]Attempt // tenantID+"\x00"+attemptID
}

var _ AttemptStore = (*InMemoryAttempts)(nil)

// NewInMemoryAttempts creates an empty attempt store.
func NewInMemoryAttempts() *InMemoryAttempts {
	return &InMemoryAttempts{attempts: make(map[string]Attempt)}
}

func attemptKey(tenantID, id string) string {
	return tenantID + "\x00" + id
}

// Put seeds or replaces an attempt.
func (s *InMemoryAttempts) Put(attempt Attempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[attemptKey(attempt.TenantID, attempt.ID)] = attempt
}

func (s *InMemoryAttempts) Get(ctx context.Context, tenantID, attemptID string) (Attempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	attempt, ok := s.attempts[attemptKey(tenantID, attemptID)]
	if !ok {
		return Attempt{}, ErrNotFound
	}
	return attempt, nil
}

func (s *InMemoryAttempts) MarkSubmitted(ctx context.Context, tenantID, attemptID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	attempt, ok := s.attempts[attemptKey(tenantID, attemptID)]
	if !ok {
		return ErrNotFound
	}
	attempt.Status = "submitted"
	attempt.SubmittedAt = &at
	attempt.ServerReceivedAt = &at
	s.attempts[attemptKey(tenantID, attemptID)] = attempt
	return nil
}
