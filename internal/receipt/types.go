package receipt

import (
	"errors"
	"time"
)

// Receipt is one link in a user's tamper-evident chain. Receipts are
// append-only: once persisted, no field is ever updated.
type Receipt struct {
	ID                  string         `json:"id"`
	TenantID            string         `json:"tenant_id"`
	UserID              string         `json:"user_id"`
	ReceiptCode         string         `json:"receipt_code"`
	EntityID            string         `json:"entity_id"`
	EntityType          string         `json:"entity_type"`
	Action              string         `json:"action"`
	Timestamp           time.Time      `json:"timestamp"`
	PreviousReceiptHash string         `json:"previous_receipt_hash,omitempty"`
	ReceiptHash         string         `json:"receipt_hash"`
	Payload             map[string]any `json:"payload"`
	ChainPosition       int            `json:"chain_position"` // 1-based within the (tenant, user) chain
}

var (
	ErrNotFound     = errors.New("receipt: not found")
	ErrInvalidInput = errors.New("receipt: invalid input")
)
