package receipt

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"elimu.org/internal/canon"
	"elimu.org/internal/ids"
)

// Genesis is the previous-hash sentinel for the first receipt in a chain.
const Genesis = "GENESIS"

// codePrefix is embedded in every human-shareable receipt code.
const codePrefix = "UDSM-"

// Store persists receipt chains.
//
// Append must execute build and the subsequent insert while holding
// exclusive access to the (tenant, user) chain: two concurrent appends for
// the same user must serialize, otherwise both would observe the same chain
// head and fork the chain. The Postgres store uses a per-chain advisory
// transaction lock; the in-memory store a mutex.
type Store interface {
	Append(ctx context.Context, tenantID, userID string, build func(prev *Receipt) (Receipt, error)) (Receipt, error)
	ByCode(ctx context.Context, tenantID, code string) (Receipt, error)
	ByEntity(ctx context.Context, tenantID, entityID string) (Receipt, error)
	Chain(ctx context.Context, tenantID, userID string) ([]Receipt, error)
	ListByUser(ctx context.Context, tenantID, userID string, limit int) ([]Receipt, error)
}

// Ledger issues and verifies hash-chained receipts.
type Ledger struct {
	store Store
	now   func() time.Time
}

// NewLedger creates a ledger backed by the given store.
func NewLedger(store Store) *Ledger {
	return &Ledger{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// Generate appends a receipt to the (tenant, user) chain and returns it.
// The caller must have authorized tenant and user already.
func (l *Ledger) Generate(ctx context.Context, tenantID, userID, entityID, entityType, action string, payload map[string]any) (Receipt, error) {
	if tenantID == "" || userID == "" || entityID == "" || entityType == "" || action == "" {
		return Receipt{}, ErrInvalidInput
	}

	canonical, err := canon.Marshal(payload)
	if err != nil {
		return Receipt{}, err
	}

	return l.store.Append(ctx, tenantID, userID, func(prev *Receipt) (Receipt, error) {
		now := l.now()
		prevHash := ""
		position := 1
		if prev != nil {
			prevHash = prev.ReceiptHash
			position = prev.ChainPosition + 1
		}
		return Receipt{
			ID:                  ids.New(),
			TenantID:            tenantID,
			UserID:              userID,
			ReceiptCode:         Code(tenantID, userID, entityType, action, now),
			EntityID:            entityID,
			EntityType:          entityType,
			Action:              action,
			Timestamp:           now,
			PreviousReceiptHash: prevHash,
			ReceiptHash:         HashLink(canonical, prevHash),
			Payload:             payload,
			ChainPosition:       position,
		}, nil
	})
}

// ByCode fetches a receipt by its display code within a tenant.
func (l *Ledger) ByCode(ctx context.Context, tenantID, code string) (Receipt, error) {
	return l.store.ByCode(ctx, tenantID, code)
}

// ByEntity fetches the receipt issued for a specific entity within a
// tenant. Used to rebuild the replay result after a duplicate-key race.
func (l *Ledger) ByEntity(ctx context.Context, tenantID, entityID string) (Receipt, error) {
	return l.store.ByEntity(ctx, tenantID, entityID)
}

// Chain returns a user's full chain ordered by chain position ascending.
func (l *Ledger) Chain(ctx context.Context, tenantID, userID string) ([]Receipt, error) {
	return l.store.Chain(ctx, tenantID, userID)
}

// ListByUser returns a user's receipts, most recent first.
func (l *Ledger) ListByUser(ctx context.Context, tenantID, userID string, limit int) ([]Receipt, error) {
	return l.store.ListByUser(ctx, tenantID, userID, limit)
}

// HashLink computes the hash of one chain link from the canonical payload
// and the previous link's hash ("" for the first link).
func HashLink(canonical, prevHash string) string {
	if prevHash == "" {
		prevHash = Genesis
	}
	sum := sha256.Sum256([]byte(canonical + ":" + prevHash))
	return hex.EncodeToString(sum[:])
}

// Code derives the human-shareable receipt code. Display-only: it carries
// no integrity guarantee, collisions are tolerated but vanishingly rare.
func Code(tenantID, userID, entityType, action string, ts time.Time) string {
	seconds := strconv.FormatFloat(float64(ts.UnixNano())/1e9, 'f', 6, 64)
	seed := fmt.Sprintf("%s-%s-%s-%s-%s", tenantID, userID, entityType, action, seconds)
	sum := sha256.Sum256([]byte(seed))
	return codePrefix + strings.ToUpper(hex.EncodeToString(sum[:])[:12])
}

// Verify recomputes a single link and reports whether the stored hash
// matches. It does not walk the chain back to genesis.
func Verify(r Receipt) bool {
	canonical, err := canon.Marshal(r.Payload)
	if err != nil {
		return false
	}
	return HashLink(canonical, r.PreviousReceiptHash) == r.ReceiptHash
}

// VerifyChain checks an entire chain ordered by chain position: positions
// are contiguous from 1, every previous-hash pointer matches the prior
// link, and every link verifies individually.
func VerifyChain(chain []Receipt) error {
	for i, r := range chain {
		if r.ChainPosition != i+1 {
			return fmt.Errorf("receipt %s: chain position %d, expected %d", r.ID, r.ChainPosition, i+1)
		}
		if i == 0 {
			if r.PreviousReceiptHash != "" {
				return fmt.Errorf("receipt %s: first link has a previous hash", r.ID)
			}
		} else if r.PreviousReceiptHash != chain[i-1].ReceiptHash {
			return fmt.Errorf("receipt %s: previous hash does not match link %d", r.ID, i)
		}
		if !Verify(r) {
			return fmt.Errorf("receipt %s: hash mismatch", r.ID)
		}
	}
	return nil
}
