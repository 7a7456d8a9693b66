package identity

import (
	"context"
	"testing"
	"time"
)

func TestServiceTokenRoundTrip(t *testing.T) {
	svc, clock := newTestService(t, WithTokenSecret("test-signing-secret"))
	ctx := context.Background()
	admin := mustCreateUser(t, svc, "root@example.com", "Root", "s3cret-pass")
	setRole(t, svc, admin, RoleAdmin)
	user := mustCreateUser(t, svc, "alice@example.com", "Alice", "s3cret-pass")

	imp, err := svc.Impersonate(ctx, admin.ID, user.ID, "console")
	if err != nil {
		t.Fatalf("Impersonate: %v", err)
	}
	principal, err := svc.ResolveSession(ctx, imp.Token)
	if err != nil {
		t.Fatalf("ResolveSession: %v", err)
	}

	raw, err := svc.IssueServiceToken(principal, 10*time.Minute)
	if err != nil {
		t.Fatalf("IssueServiceToken: %v", err)
	}
	claims, err := svc.VerifyServiceToken(raw)
	if err != nil {
		t.Fatalf("VerifyServiceToken: %v", err)
	}
	if claims.Subject != user.ID {
		t.Fatalf("subject %s, want %s", claims.Subject, user.ID)
	}
	if claims.SessionID != imp.Session.ID {
		t.Fatalf("sid %s, want %s", claims.SessionID, imp.Session.ID)
	}
	// Impersonation provenance survives into the token.
	if claims.ImpersonatedBy != admin.ID {
		t.Fatalf("act %s, want %s", claims.ImpersonatedBy, admin.ID)
	}

	clock.Advance(11 * time.Minute)
	if _, err := svc.VerifyServiceToken(raw); err != ErrInvalidToken {
		t.Fatalf("expired token: expected ErrInvalidToken, got %v", err)
	}
}

func TestServiceTokenRejectsForgery(t *testing.T) {
	svc, _ := newTestService(t, WithTokenSecret("test-signing-secret"))
	other, _ := newTestService(t, WithTokenSecret("different-secret"))
	mustCreateUser(t, svc, "alice@example.com", "Alice", "s3cret-pass")
	issued := mustSignIn(t, svc, "alice@example.com", "s3cret-pass")
	principal, err := svc.ResolveSession(context.Background(), issued.Token)
	if err != nil {
		t.Fatalf("ResolveSession: %v", err)
	}

	raw, err := svc.IssueServiceToken(principal, time.Minute)
	if err != nil {
		t.Fatalf("IssueServiceToken: %v", err)
	}
	if _, err := other.VerifyServiceToken(raw); err != ErrInvalidToken {
		t.Fatalf("wrong secret: expected ErrInvalidToken, got %v", err)
	}
	if _, err := svc.VerifyServiceToken("garbage"); err != ErrInvalidToken {
		t.Fatalf("garbage token: expected ErrInvalidToken, got %v", err)
	}
}

func TestServiceTokensDisabledWithoutSecret(t *testing.T) {
	svc, _ := newTestService(t)
	if svc.SupportsServiceTokens() {
		t.Fatal("tokens should be disabled without a secret")
	}
	if _, err := svc.IssueServiceToken(Principal{}, time.Minute); err == nil {
		t.Fatal("expected an error without a configured secret")
	}
}
