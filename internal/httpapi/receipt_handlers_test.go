package httpapi

import (
	"context"
	"net/http"
	"testing"

	"elimu.org/internal/receipt"
)

func seedReceipt(t *testing.T, env *testEnv, tenantID, userID string) receipt.Receipt {
	t.Helper()
	r, err := env.ledger.Generate(context.Background(), tenantID, userID,
		"entity-1", "helpdesk_ticket", "create", map[string]any{"subject": "wifi down"})
	if err != nil {
		t.Fatalf("seed receipt: %v", err)
	}
	return r
}

func TestListReceipts(t *testing.T) {
	env := newTestEnv(t)
	seedReceipt(t, env, "udsm", "user-1")
	seedReceipt(t, env, "udsm", "user-1")

	rr := env.do(t, http.MethodGet, "/v1/receipts", env.token(t, "udsm", "user-1"), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp receiptListResponse
	decodeBody(t, rr, &resp)
	if len(resp.Items) != 2 {
		t.Fatalf("expected 2 receipts, got %d", len(resp.Items))
	}

	// Another user sees nothing.
	rr = env.do(t, http.MethodGet, "/v1/receipts", env.token(t, "udsm", "user-2"), nil)
	decodeBody(t, rr, &resp)
	if len(resp.Items) != 0 {
		t.Fatalf("expected empty list, got %d", len(resp.Items))
	}
}

func TestGetReceiptByCode(t *testing.T) {
	env := newTestEnv(t)
	seeded := seedReceipt(t, env, "udsm", "user-1")

	rr := env.do(t, http.MethodGet, "/v1/receipts/"+seeded.ReceiptCode, env.token(t, "udsm", "user-1"), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var got receipt.Receipt
	decodeBody(t, rr, &got)
	if got.ReceiptCode != seeded.ReceiptCode || got.ReceiptHash != seeded.ReceiptHash {
		t.Fatalf("unexpected receipt: %+v", got)
	}

	// Codes are tenant scoped.
	rr = env.do(t, http.MethodGet, "/v1/receipts/"+seeded.ReceiptCode, env.token(t, "other", "user-1"), nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 across tenants, got %d", rr.Code)
	}
}

func TestVerifyReceipt(t *testing.T) {
	env := newTestEnv(t)
	seeded := seedReceipt(t, env, "udsm", "user-1")

	rr := env.do(t, http.MethodGet, "/v1/receipts/"+seeded.ReceiptCode+"/verify", env.token(t, "udsm", "user-1"), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp verifyResponse
	decodeBody(t, rr, &resp)
	if !resp.Valid || resp.ReceiptCode != seeded.ReceiptCode || resp.ReceiptHash != seeded.ReceiptHash {
		t.Fatalf("unexpected verify response: %+v", resp)
	}
}

func TestVerifyUnknownReceipt(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/v1/receipts/UDSM-000000000000/verify", env.token(t, "udsm", "user-1"), nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestAdminChain(t *testing.T) {
	env := newTestEnv(t)
	first := seedReceipt(t, env, "udsm", "student-1")
	second := seedReceipt(t, env, "udsm", "student-1")

	rr := env.do(t, http.MethodGet, "/v1/admin/receipts/chain/student-1", env.token(t, "udsm", "staff-1", "admin"), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body %s)", rr.Code, rr.Body.String())
	}
	var resp chainResponse
	decodeBody(t, rr, &resp)
	if resp.Length != 2 || !resp.Intact {
		t.Fatalf("unexpected chain response: %+v", resp)
	}
	if resp.Items[0].ReceiptCode != first.ReceiptCode || resp.Items[1].ReceiptCode != second.ReceiptCode {
		t.Fatalf("chain out of order: %+v", resp.Items)
	}
	if resp.Items[1].PreviousReceiptHash != first.ReceiptHash {
		t.Fatalf("chain not linked")
	}

	// Non-admin is rejected.
	rr = env.do(t, http.MethodGet, "/v1/admin/receipts/chain/student-1", env.token(t, "udsm", "student-1"), nil)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}
