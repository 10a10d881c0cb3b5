package stream

import (
	"context"
	"sync"
	"time"
)

// SyncEvent describes one processed sync action for live monitoring
// dashboards. Payload contents are never included, only metadata.
type SyncEvent struct {
	TenantID    string    `json:"tenant_id"`
	UserID      string    `json:"user_id"`
	EntityType  string    `json:"entity_type"`
	Action      string    `json:"action"`
	Outcome     string    `json:"outcome"` // success | conflict | error
	ReceiptCode string    `json:"receipt_code,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Stream fan-outs sync events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan SyncEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan SyncEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan SyncEvent {
	ch := make(chan SyncEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt SyncEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
