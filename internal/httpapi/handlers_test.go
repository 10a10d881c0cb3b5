package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"elimu.org/internal/auth"
	"elimu.org/internal/idempotency"
	"elimu.org/internal/receipt"
	"elimu.org/internal/stream"
	"elimu.org/internal/sync"
)

type testEnv struct {
	api      *API
	handler  http.Handler
	devices  *auth.InMemoryDevices
	attempts *sync.InMemoryAttempts
	ledger   *receipt.Ledger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	t.Setenv("ELIMU_AUTH_SECRET", "test-secret-test-secret-test-secret!")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	devices := auth.NewInMemoryDevices()
	attempts := sync.NewInMemoryAttempts()
	ledger := receipt.NewLedger(receipt.NewInMemory())
	service := sync.NewService(
		sync.NewInMemoryOutbox(),
		sync.NewInMemoryConflicts(),
		attempts,
		ledger,
		idempotency.NewInMemory(),
	)

	api := New(Config{
		Version:  "test",
		Sync:     service,
		Receipts: ledger,
		Devices:  devices,
		Stream:   stream.New(),
	})
	return &testEnv{
		api:      api,
		handler:  RequestID(api.Handler()),
		devices:  devices,
		attempts: attempts,
		ledger:   ledger,
	}
}

func (e *testEnv) token(t *testing.T, tenantID, userID string, roles ...string) string {
	t.Helper()
	tok, err := auth.GenerateToken(tenantID, userID, roles, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return tok
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rr.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/healthz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]any
	decodeBody(t, rr, &body)
	if body["status"] != "ok" || body["service"] != "elimu-api" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestReadyWithoutDatabase(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/readyz", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestInfoIsPublic(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/v1/info", "", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]any
	decodeBody(t, rr, &body)
	if body["name"] != "elimu-api" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestUnknownPathReturns404(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/nope", env.token(t, "udsm", "user-1"), nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}
