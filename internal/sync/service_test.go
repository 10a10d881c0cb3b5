package sync

import (
	"context"
	"reflect"
	"regexp"
	"testing"
	"time"

	"github.com/google/uuid"

	"elimu.org/internal/idempotency"
	"elimu.org/internal/receipt"
)

type fixture struct {
	svc      *Service
	outbox   *InMemoryOutbox
	attempts *InMemoryAttempts
	ledger   *receipt.Ledger
	cache    *idempotency.InMemory
}

func newFixture() *fixture {
	outbox := NewInMemoryOutbox()
	attempts := NewInMemoryAttempts()
	ledger := receipt.NewLedger(receipt.NewInMemory())
	cache := idempotency.NewInMemory()
	return &fixture{
		svc:      NewService(outbox, NewInMemoryConflicts(), attempts, ledger, cache),
		outbox:   outbox,
		attempts: attempts,
		ledger:   ledger,
		cache:    cache,
	}
}

func genericAction(key string) Action {
	return Action{
		ID:              uuid.New(),
		EntityType:      "helpdesk_ticket",
		Action:          "create",
		Payload:         map[string]any{"subject": "wifi down"},
		IdempotencyKey:  key,
		ClientCreatedAt: time.Now().UTC(),
	}
}

func submitAction(attemptID string, createdAt time.Time) Action {
	return Action{
		ID:              uuid.New(),
		EntityType:      "assessment_attempt",
		Action:          "submit",
		Payload:         map[string]any{"attempt_id": attemptID},
		IdempotencyKey:  uuid.NewString(),
		ClientCreatedAt: createdAt,
	}
}

func TestGenericActionCreatesOutboxAndReceipt(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	results, err := f.svc.ProcessBatch(ctx, "inst-1", "user-1", []Action{genericAction("k1")})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("unexpected results: %+v", results)
	}
	if results[0].ReceiptCode == "" || results[0].ServerEntityID == "" {
		t.Fatalf("expected receipt code and server entity id, got %+v", results[0])
	}

	entry, err := f.outbox.ByIdempotencyKey(ctx, "inst-1", "k1")
	if err != nil {
		t.Fatal(err)
	}
	if entry.Status != StatusProcessed || entry.ProcessedAt == nil {
		t.Fatalf("outbox entry not processed: %+v", entry)
	}
	if entry.EventType != "helpdesk_ticket.create" {
		t.Fatalf("unexpected event type %q", entry.EventType)
	}

	chain, _ := f.ledger.Chain(ctx, "inst-1", "user-1")
	if len(chain) != 1 || chain[0].EntityID != entry.ID {
		t.Fatalf("expected one receipt referencing the outbox entry, got %+v", chain)
	}
}

func TestIdempotentReplayAcrossBatches(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	action := genericAction("replay-key")

	first, err := f.svc.ProcessBatch(ctx, "inst-1", "user-1", []Action{action})
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.svc.ProcessBatch(ctx, "inst-1", "user-1", []Action{action})
	if err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(first, second) {
		t.Fatalf("replay produced a different result:\nfirst:  %+v\nsecond: %+v", first[0], second[0])
	}

	chain, _ := f.ledger.Chain(ctx, "inst-1", "user-1")
	if len(chain) != 1 {
		t.Fatalf("replay must not create a second receipt, chain has %d", len(chain))
	}
}

func TestDurableIdempotencyWhenCacheIsLost(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	action := genericAction("durable-key")

	first, err := f.svc.ProcessBatch(ctx, "inst-1", "user-1", []Action{action})
	if err != nil {
		t.Fatal(err)
	}

	// Same stores, fresh cache: simulates a cache wipe before the retry.
	retried := NewService(f.outbox, NewInMemoryConflicts(), f.attempts, f.ledger, idempotency.NewInMemory())
	second, err := retried.ProcessBatch(ctx, "inst-1", "user-1", []Action{action})
	if err != nil {
		t.Fatal(err)
	}

	if !second[0].Success || second[0].ServerEntityID != first[0].ServerEntityID {
		t.Fatalf("duplicate key must replay the original outcome, got %+v", second[0])
	}
	if second[0].ReceiptCode != first[0].ReceiptCode {
		t.Fatalf("replay receipt code mismatch: %q vs %q", second[0].ReceiptCode, first[0].ReceiptCode)
	}
	chain, _ := f.ledger.Chain(ctx, "inst-1", "user-1")
	if len(chain) != 1 {
		t.Fatalf("duplicate key must not append a receipt, chain has %d", len(chain))
	}
}

func TestSubmitAttemptIDMissing(t *testing.T) {
	f := newFixture()
	for _, payload := range []map[string]any{
		{},
		{"attempt_id": 42},
		{"attempt_id": "not-a-uuid"},
	} {
		action := submitAction(uuid.NewString(), time.Now().UTC())
		action.Payload = payload
		action.IdempotencyKey = uuid.NewString()
		results, err := f.svc.ProcessBatch(context.Background(), "inst-1", "user-1", []Action{action})
		if err != nil {
			t.Fatal(err)
		}
		r := results[0]
		if r.Success || r.Error != "attempt_id missing" || r.Conflict != nil {
			t.Fatalf("payload %v: unexpected result %+v", payload, r)
		}
	}

	chain, _ := f.ledger.Chain(context.Background(), "inst-1", "user-1")
	if len(chain) != 0 {
		t.Fatalf("validation failures must not generate receipts, chain has %d", len(chain))
	}
}

func TestSubmitUnknownAttempt(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	results, err := f.svc.ProcessBatch(ctx, "inst-1", "user-1", []Action{submitAction(uuid.NewString(), time.Now().UTC())})
	if err != nil {
		t.Fatal(err)
	}
	r := results[0]
	if r.Success || r.Conflict == nil || r.Conflict.Kind != ConflictNotFound {
		t.Fatalf("expected not_found conflict, got %+v", r)
	}

	conflict, err := f.svc.Conflict(ctx, "inst-1", r.Conflict.ConflictID)
	if err != nil {
		t.Fatal(err)
	}
	if conflict.ResolutionStatus != ResolutionUnresolved {
		t.Fatalf("new conflict must be unresolved, got %q", conflict.ResolutionStatus)
	}
	if conflict.ServerPayload["error"] != "attempt_not_found" {
		t.Fatalf("unexpected server payload %v", conflict.ServerPayload)
	}

	chain, _ := f.ledger.Chain(ctx, "inst-1", "user-1")
	if len(chain) != 0 {
		t.Fatal("unknown attempt must not generate a receipt")
	}
}

func TestStaleSubmitConflicts(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	received := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	attemptID := uuid.NewString()
	f.attempts.Put(Attempt{ID: attemptID, TenantID: "inst-1", Status: "in_progress", ServerReceivedAt: &received})

	clientCreated := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	results, err := f.svc.ProcessBatch(ctx, "inst-1", "user-1", []Action{submitAction(attemptID, clientCreated)})
	if err != nil {
		t.Fatal(err)
	}
	r := results[0]
	if r.Success || r.Conflict == nil || r.Conflict.Kind != ConflictOptimisticLock {
		t.Fatalf("expected optimistic_lock conflict, got %+v", r)
	}
	if r.Conflict.Resolution != "server_wins" {
		t.Fatalf("expected server_wins hint, got %q", r.Conflict.Resolution)
	}

	// Server state wins: the attempt must be untouched.
	attempt, _ := f.attempts.Get(ctx, "inst-1", attemptID)
	if attempt.Status != "in_progress" || attempt.SubmittedAt != nil || !attempt.ServerReceivedAt.Equal(received) {
		t.Fatalf("stale submit mutated server state: %+v", attempt)
	}

	chain, _ := f.ledger.Chain(ctx, "inst-1", "user-1")
	if len(chain) != 0 {
		t.Fatal("conflicting submit must not generate a receipt")
	}
}

func TestFreshSubmitSucceeds(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	attemptID := uuid.NewString()
	f.attempts.Put(Attempt{ID: attemptID, TenantID: "inst-1", Status: "in_progress"})

	results, err := f.svc.ProcessBatch(ctx, "inst-1", "user-1", []Action{submitAction(attemptID, time.Now().UTC())})
	if err != nil {
		t.Fatal(err)
	}
	r := results[0]
	if !r.Success || r.ServerEntityID != attemptID || r.ReceiptCode == "" {
		t.Fatalf("unexpected result %+v", r)
	}

	attempt, _ := f.attempts.Get(ctx, "inst-1", attemptID)
	if attempt.Status != "submitted" || attempt.SubmittedAt == nil || attempt.ServerReceivedAt == nil {
		t.Fatalf("attempt not submitted: %+v", attempt)
	}

	chain, _ := f.ledger.Chain(ctx, "inst-1", "user-1")
	if len(chain) != 1 || chain[0].EntityID != attemptID {
		t.Fatalf("expected one receipt referencing the attempt, got %+v", chain)
	}
}

func TestSubmitAtEqualTimestampIsNotStale(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	ts := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	attemptID := uuid.NewString()
	f.attempts.Put(Attempt{ID: attemptID, TenantID: "inst-1", Status: "in_progress", ServerReceivedAt: &ts})

	// Conflict requires the server marker to be strictly later.
	results, err := f.svc.ProcessBatch(ctx, "inst-1", "user-1", []Action{submitAction(attemptID, ts)})
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].Success {
		t.Fatalf("equal timestamps must not conflict, got %+v", results[0])
	}
}

func TestResultOrderingMirrorsInput(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	okAttempt := uuid.NewString()
	f.attempts.Put(Attempt{ID: okAttempt, TenantID: "inst-1", Status: "in_progress"})

	broken := submitAction(okAttempt, time.Now().UTC())
	broken.Payload = map[string]any{}

	actions := []Action{
		genericAction("ord-1"),
		broken,
		submitAction(uuid.NewString(), time.Now().UTC()), // unknown attempt
		submitAction(okAttempt, time.Now().UTC()),
		genericAction("ord-2"),
	}

	results, err := f.svc.ProcessBatch(ctx, "inst-1", "user-1", actions)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != len(actions) {
		t.Fatalf("expected %d results, got %d", len(actions), len(results))
	}
	for i, r := range results {
		if r.ID != actions[i].ID {
			t.Fatalf("result %d echoes action %s, want %s", i, r.ID, actions[i].ID)
		}
	}
	wantSuccess := []bool{true, false, false, true, true}
	for i, want := range wantSuccess {
		if results[i].Success != want {
			t.Fatalf("result %d success=%v, want %v", i, results[i].Success, want)
		}
	}
}

func TestExampleScenario(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	attemptID := uuid.NewString()
	f.attempts.Put(Attempt{ID: attemptID, TenantID: "inst-1", Status: "in_progress"})

	actionA := genericAction("scenario-a")
	actionB := submitAction(attemptID, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	results, err := f.svc.ProcessBatch(ctx, "inst-1", "user-1", []Action{actionA, actionB})
	if err != nil {
		t.Fatal(err)
	}

	codePattern := regexp.MustCompile(`^UDSM-[A-F0-9]{12}$`)
	if !results[0].Success || !codePattern.MatchString(results[0].ReceiptCode) {
		t.Fatalf("unexpected first result %+v", results[0])
	}
	if !results[1].Success || results[1].ServerEntityID != attemptID {
		t.Fatalf("unexpected second result %+v", results[1])
	}

	attempt, _ := f.attempts.Get(ctx, "inst-1", attemptID)
	if attempt.Status != "submitted" {
		t.Fatalf("attempt not submitted: %+v", attempt)
	}

	chain, _ := f.ledger.Chain(ctx, "inst-1", "user-1")
	if len(chain) != 2 {
		t.Fatalf("expected a two-link chain, got %d", len(chain))
	}
	if chain[1].ChainPosition != 2 || chain[1].PreviousReceiptHash != chain[0].ReceiptHash {
		t.Fatalf("second receipt not chained after the first: %+v", chain[1])
	}
	if err := receipt.VerifyChain(chain); err != nil {
		t.Fatalf("chain verification failed: %v", err)
	}
}

func TestProcessBatchRequiresIdentity(t *testing.T) {
	f := newFixture()
	if _, err := f.svc.ProcessBatch(context.Background(), "", "user-1", nil); err != ErrInvalidInput {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if _, err := f.svc.ProcessBatch(context.Background(), "inst-1", "", nil); err != ErrInvalidInput {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestRegisterCustomHandler(t *testing.T) {
	f := newFixture()
	called := false
	f.svc.Register("venue_booking", "reserve", func(ctx context.Context, tenantID, userID string, action Action) (BatchResult, error) {
		called = true
		return BatchResult{ID: action.ID, Success: true}, nil
	})

	action := genericAction("custom-1")
	action.EntityType = "venue_booking"
	action.Action = "reserve"

	if _, err := f.svc.ProcessBatch(context.Background(), "inst-1", "user-1", []Action{action}); err != nil {
		t.Fatal(err)
	}
	if !called {
		t.Fatal("registered handler was not dispatched")
	}
}
