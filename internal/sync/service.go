// Package sync implements the offline-first batch processor: it replays
// client-generated action batches against server state, enforces
// idempotency, records conflicts and appends a receipt for every
// state-changing action.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"elimu.org/internal/idempotency"
	"elimu.org/internal/ids"
	"elimu.org/internal/obs"
	"elimu.org/internal/receipt"
)

// OutboxStore persists generic synced actions. Insert must fail with
// ErrDuplicateKey when the (tenant, idempotency key) pair already exists.
type OutboxStore interface {
	Insert(ctx context.Context, entry OutboxEntry) error
	ByIdempotencyKey(ctx context.Context, tenantID, key string) (OutboxEntry, error)
}

// ConflictStore persists sync conflicts. Resolve performs the one-time
// unresolved -> strategy transition and fails with ErrConflictResolved if
// the conflict was resolved before, ErrNotFound if it does not exist.
type ConflictStore interface {
	Insert(ctx context.Context, c SyncConflict) error
	Get(ctx context.Context, tenantID, id string) (SyncConflict, error)
	Resolve(ctx context.Context, tenantID, id, resolverID, strategy string, at time.Time) (SyncConflict, error)
	ListUnresolvedByUser(ctx context.Context, tenantID, userID string) ([]SyncConflict, error)
	ListByTenant(ctx context.Context, tenantID string, unresolvedOnly bool) ([]SyncConflict, error)
}

// AttemptStore reads and conditionally updates the assessment-attempt
// aggregate owned by the academics subsystem.
type AttemptStore interface {
	Get(ctx context.Context, tenantID, attemptID string) (Attempt, error)
	MarkSubmitted(ctx context.Context, tenantID, attemptID string, at time.Time) error
}

// HandlerFunc processes one action for an aggregate kind. A returned error
// is an infrastructure failure and aborts the whole batch; business
// failures are expressed in the BatchResult.
type HandlerFunc func(ctx context.Context, tenantID, userID string, action Action) (BatchResult, error)

type dispatchKey struct {
	entityType string
	action     string
}

// Service is the sync batch processor.
type Service struct {
	outbox    OutboxStore
	conflicts ConflictStore
	attempts  AttemptStore
	ledger    *receipt.Ledger
	cache     idempotency.Cache
	handlers  map[dispatchKey]HandlerFunc
	cacheTTL  time.Duration
	now       func() time.Time
}

// NewService wires the processor. The assessment-submit handler is
// registered out of the box; everything else falls through to the outbox.
func NewService(outbox OutboxStore, conflicts ConflictStore, attempts AttemptStore, ledger *receipt.Ledger, cache idempotency.Cache) *Service {
	s := &Service{
		outbox:    outbox,
		conflicts: conflicts,
		attempts:  attempts,
		ledger:    ledger,
		cache:     cache,
		handlers:  make(map[dispatchKey]HandlerFunc),
		cacheTTL:  idempotency.DefaultTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
	s.Register("assessment_attempt", "submit", s.handleAssessmentSubmit)
	return s
}

// Register binds a handler to an (entity type, action) pair.
func (s *Service) Register(entityType, action string, h HandlerFunc) {
	s.handlers[dispatchKey{entityType: entityType, action: action}] = h
}

// ProcessBatch executes actions strictly in submission order and returns
// one result per action, mirroring the input order. Business failures
// (validation, not-found, conflicts) become structured results; only
// storage failures abort the batch and return an error.
func (s *Service) ProcessBatch(ctx context.Context, tenantID, userID string, actions []Action) ([]BatchResult, error) {
	if tenantID == "" || userID == "" {
		return nil, ErrInvalidInput
	}

	results := make([]BatchResult, 0, len(actions))
	for _, action := range actions {
		if cached, ok := s.checkCache(ctx, tenantID, action.IdempotencyKey); ok {
			obs.SyncActionProcessed("replay")
			obs.IdempotentReplay()
			results = append(results, cached)
			continue
		}

		result, err := s.processAction(ctx, tenantID, userID, action)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
		s.storeCache(ctx, tenantID, action.IdempotencyKey, result)
	}
	return results, nil
}

func (s *Service) processAction(ctx context.Context, tenantID, userID string, action Action) (BatchResult, error) {
	handler, ok := s.handlers[dispatchKey{entityType: action.EntityType, action: action.Action}]
	if !ok {
		handler = s.handleOutbox
	}
	result, err := handler(ctx, tenantID, userID, action)
	if err != nil {
		return BatchResult{}, err
	}
	switch {
	case result.Success:
		obs.SyncActionProcessed("success")
	case result.Conflict != nil:
		obs.SyncActionProcessed("conflict")
	default:
		obs.SyncActionProcessed("error")
	}
	return result, nil
}

// handleOutbox is the default handler: record the action durably and issue
// a receipt for it. No business-rule conflicts exist on this path.
func (s *Service) handleOutbox(ctx context.Context, tenantID, userID string, action Action) (BatchResult, error) {
	now := s.now()
	entry := OutboxEntry{
		ID:             ids.New(),
		TenantID:       tenantID,
		CreatedBy:      userID,
		AggregateID:    ids.New(),
		EventType:      action.EntityType + "." + action.Action,
		Payload:        action.Payload,
		IdempotencyKey: action.IdempotencyKey,
		Status:         StatusProcessed,
		ProcessedAt:    &now,
		CreatedAt:      now,
	}

	if err := s.outbox.Insert(ctx, entry); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			// Lost a race with a concurrent submission of the same key: the
			// unique constraint is the last line of defense. Return the
			// existing outcome instead of erroring.
			return s.replayOutbox(ctx, tenantID, action)
		}
		return BatchResult{}, err
	}

	rcpt, err := s.ledger.Generate(ctx, tenantID, userID, entry.ID, action.EntityType, action.Action, action.Payload)
	if err != nil {
		return BatchResult{}, err
	}
	obs.ReceiptGenerated()

	return BatchResult{
		ID:             action.ID,
		Success:        true,
		ReceiptCode:    rcpt.ReceiptCode,
		ServerEntityID: entry.ID,
	}, nil
}

func (s *Service) replayOutbox(ctx context.Context, tenantID string, action Action) (BatchResult, error) {
	existing, err := s.outbox.ByIdempotencyKey(ctx, tenantID, action.IdempotencyKey)
	if err != nil {
		return BatchResult{}, err
	}
	obs.IdempotentReplay()
	result := BatchResult{
		ID:             action.ID,
		Success:        true,
		ServerEntityID: existing.ID,
	}
	if rcpt, err := s.ledger.ByEntity(ctx, tenantID, existing.ID); err == nil {
		result.ReceiptCode = rcpt.ReceiptCode
	} else if !errors.Is(err, receipt.ErrNotFound) {
		return BatchResult{}, err
	}
	return result, nil
}

// handleAssessmentSubmit applies an offline submission against the attempt
// aggregate with a server-wins optimistic concurrency check.
func (s *Service) handleAssessmentSubmit(ctx context.Context, tenantID, userID string, action Action) (BatchResult, error) {
	attemptID, ok := attemptIDFromPayload(action.Payload)
	if !ok {
		return BatchResult{ID: action.ID, Success: false, Error: "attempt_id missing"}, nil
	}

	attempt, err := s.attempts.Get(ctx, tenantID, attemptID)
	if errors.Is(err, ErrNotFound) {
		conflict, err := s.recordConflict(ctx, tenantID, userID, action.EntityType, action.Payload, map[string]any{
			"error": "attempt_not_found",
		})
		if err != nil {
			return BatchResult{}, err
		}
		obs.SyncConflictRecorded(ConflictNotFound)
		return BatchResult{
			ID:       action.ID,
			Success:  false,
			Conflict: &ConflictInfo{Kind: ConflictNotFound, ConflictID: conflict.ID},
			Error:    "attempt not found",
		}, nil
	}
	if err != nil {
		return BatchResult{}, err
	}

	if attempt.ServerReceivedAt != nil && attempt.ServerReceivedAt.After(action.ClientCreatedAt) {
		// The server observed a later write than the client assumed.
		// Server state wins; the attempt is left untouched.
		conflict, err := s.recordConflict(ctx, tenantID, userID, action.EntityType, action.Payload, map[string]any{
			"attempt_id":         attempt.ID,
			"server_received_at": attempt.ServerReceivedAt.Format(time.RFC3339Nano),
		})
		if err != nil {
			return BatchResult{}, err
		}
		obs.SyncConflictRecorded(ConflictOptimisticLock)
		return BatchResult{
			ID:      action.ID,
			Success: false,
			Conflict: &ConflictInfo{
				Kind:       ConflictOptimisticLock,
				ConflictID: conflict.ID,
				Resolution: "server_wins",
			},
			Error: "conflict detected",
		}, nil
	}

	if err := s.attempts.MarkSubmitted(ctx, tenantID, attempt.ID, s.now()); err != nil {
		return BatchResult{}, err
	}

	rcpt, err := s.ledger.Generate(ctx, tenantID, userID, attempt.ID, action.EntityType, action.Action, action.Payload)
	if err != nil {
		return BatchResult{}, err
	}
	obs.ReceiptGenerated()

	return BatchResult{
		ID:             action.ID,
		Success:        true,
		ReceiptCode:    rcpt.ReceiptCode,
		ServerEntityID: attempt.ID,
	}, nil
}

func (s *Service) recordConflict(ctx context.Context, tenantID, userID, entityType string, local, server map[string]any) (SyncConflict, error) {
	conflict := SyncConflict{
		ID:               ids.New(),
		TenantID:         tenantID,
		OutboxID:         ids.New(),
		UserID:           userID,
		EntityType:       entityType,
		LocalPayload:     local,
		ServerPayload:    server,
		ResolutionStatus: ResolutionUnresolved,
		CreatedAt:        s.now(),
	}
	if err := s.conflicts.Insert(ctx, conflict); err != nil {
		return SyncConflict{}, err
	}
	return conflict, nil
}

// The cache is an optimization on top of the durable unique constraint, so
// its failures degrade to a miss instead of failing the batch.
func (s *Service) checkCache(ctx context.Context, tenantID, key string) (BatchResult, bool) {
	if key == "" {
		return BatchResult{}, false
	}
	value, ok, err := s.cache.Check(ctx, tenantID, key)
	if err != nil {
		obs.LogRequest(map[string]any{"level": "warn", "msg": "idempotency check failed", "error": err.Error()})
		return BatchResult{}, false
	}
	if !ok {
		return BatchResult{}, false
	}
	var result BatchResult
	if err := json.Unmarshal(value, &result); err != nil {
		return BatchResult{}, false
	}
	return result, true
}

func (s *Service) storeCache(ctx context.Context, tenantID, key string, result BatchResult) {
	if key == "" {
		return
	}
	value, err := json.Marshal(result)
	if err != nil {
		return
	}
	if err := s.cache.Store(ctx, tenantID, key, value, s.cacheTTL); err != nil {
		obs.LogRequest(map[string]any{"level": "warn", "msg": "idempotency store failed", "error": err.Error()})
	}
}

func attemptIDFromPayload(payload map[string]any) (string, bool) {
	raw, ok := payload["attempt_id"].(string)
	if !ok {
		return "", false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", false
	}
	return id.String(), true
}
