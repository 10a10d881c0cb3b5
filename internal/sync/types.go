package sync

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Action is one client-generated operation inside a sync batch. Actions are
// immutable once submitted; the client id is echoed back in the result.
type Action struct {
	ID              uuid.UUID      `json:"id"`
	EntityType      string         `json:"entity_type"`
	Action          string         `json:"action"`
	Payload         map[string]any `json:"payload"`
	IdempotencyKey  string         `json:"idempotency_key"`
	ClientCreatedAt time.Time      `json:"client_created_at"`
}

// ConflictInfo is the conflict descriptor embedded in a failed result.
type ConflictInfo struct {
	Kind       string `json:"type"`
	ConflictID string `json:"conflict_id"`
	Resolution string `json:"resolution,omitempty"`
}

// BatchResult is the per-action outcome. Exactly one of success-with-receipt,
// failure-with-error or failure-with-conflict holds.
type BatchResult struct {
	ID             uuid.UUID     `json:"id"`
	Success        bool          `json:"success"`
	ReceiptCode    string        `json:"receipt_code,omitempty"`
	ServerEntityID string        `json:"server_entity_id,omitempty"`
	Conflict       *ConflictInfo `json:"conflict,omitempty"`
	Error          string        `json:"error,omitempty"`
}

// Outbox entry statuses.
const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
)

// OutboxEntry is the durable record of a generic synced action. The
// (tenant_id, idempotency_key) uniqueness constraint is the hard
// idempotency guarantee; the cache in front of it is only an optimization.
type OutboxEntry struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	CreatedBy      string         `json:"created_by"`
	AggregateID    string         `json:"aggregate_id"`
	EventType      string         `json:"event_type"` // "{entity_type}.{action}"
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key"`
	Status         string         `json:"status"`
	RetryCount     int            `json:"retry_count"`
	LastError      string         `json:"last_error,omitempty"`
	ProcessedAt    *time.Time     `json:"processed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// Conflict kinds.
const (
	ConflictNotFound       = "not_found"
	ConflictOptimisticLock = "optimistic_lock"
)

// ResolutionUnresolved is the initial resolution status of every conflict.
// Resolution replaces it with the chosen strategy ("server_wins",
// "client_wins", "merged", ...).
const ResolutionUnresolved = "unresolved"

// SyncConflict records a disagreement between a client action and server
// state. Created once, resolved at most once, never deleted.
type SyncConflict struct {
	ID               string         `json:"id"`
	TenantID         string         `json:"tenant_id"`
	OutboxID         string         `json:"outbox_id"`
	UserID           string         `json:"user_id"`
	EntityType       string         `json:"entity_type"`
	LocalPayload     map[string]any `json:"local_payload"`
	ServerPayload    map[string]any `json:"server_payload"`
	ResolutionStatus string         `json:"resolution_status"`
	ResolvedBy       string         `json:"resolved_by,omitempty"`
	ResolvedAt       *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
}

// Resolved reports whether the one-time resolution transition has happened.
func (c SyncConflict) Resolved() bool {
	return c.ResolutionStatus != ResolutionUnresolved
}

// Attempt is the slice of the assessment-attempt aggregate this core reads
// and conditionally updates. The aggregate itself is owned elsewhere.
type Attempt struct {
	ID               string     `json:"id"`
	TenantID         string     `json:"tenant_id"`
	Status           string     `json:"status"`
	SubmittedAt      *time.Time `json:"submitted_at,omitempty"`
	ServerReceivedAt *time.Time `json:"server_received_at,omitempty"` // optimistic-concurrency marker
}

var (
	ErrNotFound         = errors.New("sync: not found")
	ErrDuplicateKey     = errors.New("sync: duplicate idempotency key")
	ErrConflictResolved = errors.New("sync: conflict already resolved")
	ErrInvalidInput     = errors.New("sync: invalid input")
)
