package auth

import (
	"context"
	"testing"
	"time"
)

func withSecret(t *testing.T, value string) {
	t.Helper()
	t.Setenv("ELIMU_AUTH_SECRET", value)
	ResetSecretForTests()
	t.Cleanup(ResetSecretForTests)
}

func TestGenerateAndValidateToken(t *testing.T) {
	withSecret(t, "test-secret")

	token, err := GenerateToken("inst-1", "user-1", []string{"Student", "student", " "}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := ParseAndValidate(token)
	if err != nil {
		t.Fatal(err)
	}
	if claims.Subject != "user-1" || claims.TenantID != "inst-1" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if len(claims.Roles) != 1 || claims.Roles[0] != "student" {
		t.Fatalf("roles not normalized: %v", claims.Roles)
	}
}

func TestGenerateRequiresIdentity(t *testing.T) {
	withSecret(t, "test-secret")
	if _, err := GenerateToken("", "user-1", nil, time.Minute); err == nil {
		t.Fatal("expected error for missing tenant")
	}
	if _, err := GenerateToken("inst-1", "", nil, time.Minute); err == nil {
		t.Fatal("expected error for missing user")
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	withSecret(t, "test-secret")
	for _, token := range []string{"", "  ", "not.a.jwt"} {
		if _, err := ParseAndValidate(token); err == nil {
			t.Fatalf("token %q must not validate", token)
		}
	}
}

func TestParseRejectsExpired(t *testing.T) {
	withSecret(t, "test-secret")
	token, err := GenerateToken("inst-1", "user-1", nil, time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if _, err := ParseAndValidate(token); err == nil {
		t.Fatal("expired token must not validate")
	}
}

func TestContextIdentity(t *testing.T) {
	ctx := ContextWithIdentity(context.Background(), "inst-1", "user-1", []string{"Admin"})

	if tenant, ok := TenantIDFromContext(ctx); !ok || tenant != "inst-1" {
		t.Fatalf("tenant not stored, got %q ok=%v", tenant, ok)
	}
	if user, ok := UserIDFromContext(ctx); !ok || user != "user-1" {
		t.Fatalf("user not stored, got %q ok=%v", user, ok)
	}
	if !HasRole(ctx, "admin") {
		t.Fatal("role lookup must be case-insensitive")
	}
	if HasRole(ctx, "registrar") {
		t.Fatal("unexpected role")
	}
}

func TestVerifyDeviceTrust(t *testing.T) {
	devices := NewInMemoryDevices()
	devices.Trust("dev-1", "raw-token", time.Now().UTC().Add(time.Hour))
	ctx := context.Background()

	ok, err := VerifyDeviceTrust(ctx, devices, "dev-1", "raw-token")
	if err != nil || !ok {
		t.Fatalf("expected trusted device, got ok=%v err=%v", ok, err)
	}
	if ok, _ := VerifyDeviceTrust(ctx, devices, "dev-1", "wrong-token"); ok {
		t.Fatal("wrong token must not be trusted")
	}
	if ok, _ := VerifyDeviceTrust(ctx, devices, "dev-2", "raw-token"); ok {
		t.Fatal("unknown device must not be trusted")
	}
	if ok, _ := VerifyDeviceTrust(ctx, devices, "", ""); ok {
		t.Fatal("blank credentials must not be trusted")
	}
}

func TestVerifyDeviceTrustExpiredAndRevoked(t *testing.T) {
	devices := NewInMemoryDevices()
	ctx := context.Background()

	devices.Trust("dev-1", "expired", time.Now().UTC().Add(-time.Minute))
	if ok, _ := VerifyDeviceTrust(ctx, devices, "dev-1", "expired"); ok {
		t.Fatal("expired token must not be trusted")
	}

	devices.Trust("dev-1", "revoked", time.Now().UTC().Add(time.Hour))
	devices.Revoke("dev-1", "revoked")
	if ok, _ := VerifyDeviceTrust(ctx, devices, "dev-1", "revoked"); ok {
		t.Fatal("revoked token must not be trusted")
	}
}
