package receipt

import (
	"context"
	"sync"
)

// InMemory implements Store with in-process concurrency safety.
// Used in tests and when running without Postgres.
type InMemory struct {
	mu     sync.RWMutex
	chains map[string][]Receipt // chainKey -> receipts ordered by position
	codes  map[string]Receipt   // tenantID+"\x00"+code -> receipt
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty receipt store.
func NewInMemory() *InMemory {
	return &InMemory{
		chains: make(map[string][]Receipt),
		codes:  make(map[string]Receipt),
	}
}

func chainKey(tenantID, userID string) string {
	return tenantID + "\x00" + userID
}

func (s *InMemory) Append(ctx context.Context, tenantID, userID string, build func(prev *Receipt) (Receipt, error)) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := chainKey(tenantID, userID)
	var prev *Receipt
	if chain := s.chains[key]; len(chain) > 0 {
		head := chain[len(chain)-1]
		prev = &head
	}
	r, err := build(prev)
	if err != nil {
		return Receipt{}, err
	}
	s.chains[key] = append(s.chains[key], r)
	s.codes[tenantID+"\x00"+r.ReceiptCode] = r
	return r, nil
}

func (s *InMemory) ByCode(ctx context.Context, tenantID, code string) (Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.codes[tenantID+"\x00"+code]
	if !ok {
		return Receipt{}, ErrNotFound
	}
	return r, nil
}

func (s *InMemory) ByEntity(ctx context.Context, tenantID, entityID string) (Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := tenantID + "\x00"
	for key, chain := range s.chains {
		if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
			continue
		}
		for _, r := range chain {
			if r.EntityID == entityID {
				return r, nil
			}
		}
	}
	return Receipt{}, ErrNotFound
}

func (s *InMemory) Chain(ctx context.Context, tenantID, userID string) ([]Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[chainKey(tenantID, userID)]
	out := make([]Receipt, len(chain))
	copy(out, chain)
	return out, nil
}

func (s *InMemory) ListByUser(ctx context.Context, tenantID, userID string, limit int) ([]Receipt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.chains[chainKey(tenantID, userID)]
	if limit <= 0 || limit > len(chain) {
		limit = len(chain)
	}
	// Most recent first.
	out := make([]Receipt, 0, limit)
	for i := len(chain) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, chain[i])
	}
	return out, nil
}
