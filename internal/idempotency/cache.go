// Package idempotency provides the short-term result cache consulted before
// each sync action executes. It is a latency optimization only: the durable
// idempotency guarantee comes from the unique key constraint on the outbox,
// so losing the cache never violates correctness.
package idempotency

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL bounds how long a cached result is replayed.
const DefaultTTL = 24 * time.Hour

// Cache maps a tenant-scoped idempotency key to a previously computed
// result, serialized by the caller.
type Cache interface {
	// Check returns the cached value and true, or false if the key was
	// never stored or has expired.
	Check(ctx context.Context, tenantID, key string) ([]byte, bool, error)
	// Store persists value under the key for ttl (DefaultTTL if <= 0).
	Store(ctx context.Context, tenantID, key string, value []byte, ttl time.Duration) error
}

// Keys are namespaced per tenant so identical client keys from different
// institutions can never collide.
func cacheKey(tenantID, key string) string {
	return "idempotency:" + tenantID + ":" + key
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// InMemory is a mutex-guarded cache used in tests and when Redis is not
// configured.
type InMemory struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

var _ Cache = (*InMemory)(nil)

// NewInMemory creates an empty cache.
func NewInMemory() *InMemory {
	return &InMemory{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (c *InMemory) Check(ctx context.Context, tenantID, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[cacheKey(tenantID, key)]
	if !ok {
		return nil, false, nil
	}
	if c.now().After(entry.expiresAt) {
		delete(c.entries, cacheKey(tenantID, key))
		return nil, false, nil
	}
	return entry.value, true, nil
}

func (c *InMemory) Store(ctx context.Context, tenantID, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(tenantID, key)] = memoryEntry{
		value:     append([]byte(nil), value...),
		expiresAt: c.now().Add(ttl),
	}
	return nil
}
