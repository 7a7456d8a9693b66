package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type allowAll struct{}

func (allowAll) Allow(string) bool { return true }

func newTestService(t *testing.T, opts ...ServiceOption) (*Service, *testClock) {
	t.Helper()
	clock := newTestClock()
	opts = append([]ServiceOption{WithClock(clock.Now), WithThrottle(allowAll{})}, opts...)
	svc, err := NewService(NewMemoryStore(), opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc, clock
}

func mustCreateUser(t *testing.T, svc *Service, email, name, password string) *User {
	t.Helper()
	user, err := svc.CreateUser(context.Background(), email, name, password)
	if err != nil {
		t.Fatalf("CreateUser(%s): %v", email, err)
	}
	return user
}

// setRole bypasses role-change policy for test fixtures.
func setRole(t *testing.T, svc *Service, user *User, role GlobalRole) {
	t.Helper()
	stored, err := svc.store.Users().Find(context.Background(), user.ID)
	if err != nil {
		t.Fatalf("find user: %v", err)
	}
	stored.Role = role
	if err := svc.store.Users().Update(context.Background(), stored); err != nil {
		t.Fatalf("update user: %v", err)
	}
	user.Role = role
}

func mustSignIn(t *testing.T, svc *Service, email, password string) IssuedSession {
	t.Helper()
	issued, err := svc.SignIn(context.Background(), email, password, "test-agent")
	if err != nil {
		t.Fatalf("SignIn(%s): %v", email, err)
	}
	return issued
}

func TestSignInAndResolveSession(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	user := mustCreateUser(t, svc, "alice@example.com", "Alice", "s3cret-pass")

	issued := mustSignIn(t, svc, "Alice@Example.COM", "s3cret-pass")
	if issued.Session.TwoFactorPending {
		t.Fatal("session should not be two-factor pending without enrollment")
	}

	p, err := svc.ResolveSession(ctx, issued.Token)
	if err != nil {
		t.Fatalf("ResolveSession: %v", err)
	}
	if p.User.ID != user.ID {
		t.Fatalf("resolved user %s, want %s", p.User.ID, user.ID)
	}
	if p.Session.ID != issued.Session.ID {
		t.Fatalf("resolved session %s, want %s", p.Session.ID, issued.Session.ID)
	}
}

func TestSignInWrongPassword(t *testing.T) {
	svc, _ := newTestService(t)
	mustCreateUser(t, svc, "alice@example.com", "Alice", "s3cret-pass")

	_, err := svc.SignIn(context.Background(), "alice@example.com", "wrong", "")
	if !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("expected ErrInvalidCredential, got %v", err)
	}
	_, err = svc.SignIn(context.Background(), "nobody@example.com", "whatever", "")
	if !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("unknown email should also report ErrInvalidCredential, got %v", err)
	}
}

func TestResolveSessionRejectsTamperedToken(t *testing.T) {
	svc, _ := newTestService(t)
	mustCreateUser(t, svc, "alice@example.com", "Alice", "s3cret-pass")
	issued := mustSignIn(t, svc, "alice@example.com", "s3cret-pass")

	for _, token := range []string{
		"",
		"not-a-token",
		issued.Session.ID + ".wrong-secret",
		issued.Token + "x",
	} {
		if _, err := svc.ResolveSession(context.Background(), token); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("token %q: expected ErrUnauthorized, got %v", token, err)
		}
	}
}

func TestRevokedSessionCannotAuthenticate(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	mustCreateUser(t, svc, "alice@example.com", "Alice", "s3cret-pass")
	issued := mustSignIn(t, svc, "alice@example.com", "s3cret-pass")

	if err := svc.RevokeSession(ctx, issued.Token); err != nil {
		t.Fatalf("RevokeSession: %v", err)
	}
	if _, err := svc.ResolveSession(ctx, issued.Token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized after revoke, got %v", err)
	}
	// Revoking again reports not found.
	if err := svc.RevokeSession(ctx, issued.Token); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second revoke: expected ErrNotFound, got %v", err)
	}
	// Sign-out of a dead session stays silent.
	if err := svc.SignOut(ctx, issued.Token); err != nil {
		t.Fatalf("SignOut after revoke: %v", err)
	}
}

func TestSessionExpiry(t *testing.T) {
	svc, clock := newTestService(t, WithSessionTTL(time.Hour))
	ctx := context.Background()
	mustCreateUser(t, svc, "alice@example.com", "Alice", "s3cret-pass")
	issued := mustSignIn(t, svc, "alice@example.com", "s3cret-pass")

	clock.Advance(59 * time.Minute)
	if _, err := svc.ResolveSession(ctx, issued.Token); err != nil {
		t.Fatalf("session should still resolve before expiry: %v", err)
	}
	clock.Advance(2 * time.Minute)
	if _, err := svc.ResolveSession(ctx, issued.Token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized after expiry, got %v", err)
	}
}

func TestListSessionsHidesImpersonation(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	admin := mustCreateUser(t, svc, "root@example.com", "Root", "s3cret-pass")
	setRole(t, svc, admin, RoleAdmin)
	user := mustCreateUser(t, svc, "alice@example.com", "Alice", "s3cret-pass")

	first := mustSignIn(t, svc, "alice@example.com", "s3cret-pass")
	clock.Advance(time.Minute)
	second := mustSignIn(t, svc, "alice@example.com", "s3cret-pass")
	clock.Advance(time.Minute)

	imp, err := svc.Impersonate(ctx, admin.ID, user.ID, "admin-console")
	if err != nil {
		t.Fatalf("Impersonate: %v", err)
	}
	if imp.Session.ImpersonatedBy != admin.ID {
		t.Fatalf("impersonated session should carry actor %s, got %q", admin.ID, imp.Session.ImpersonatedBy)
	}

	own, err := svc.ListSessions(ctx, user.ID)
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(own) != 2 {
		t.Fatalf("end-user view should have 2 sessions, got %d", len(own))
	}
	if own[0].ID != second.Session.ID || own[1].ID != first.Session.ID {
		t.Fatal("sessions should be ordered most recent first")
	}
	for _, sess := range own {
		if sess.ImpersonatedBy != "" {
			t.Fatal("impersonation session leaked into end-user listing")
		}
	}

	all, err := svc.ListUserSessions(ctx, admin.ID, user.ID)
	if err != nil {
		t.Fatalf("ListUserSessions: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("admin view should have 3 sessions, got %d", len(all))
	}

	if _, err := svc.ListUserSessions(ctx, user.ID, user.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-admin calling the admin view: expected ErrForbidden, got %v", err)
	}
}

func TestBanRevokesSessionsAndBlocksSignIn(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	admin := mustCreateUser(t, svc, "root@example.com", "Root", "s3cret-pass")
	setRole(t, svc, admin, RoleAdmin)
	user := mustCreateUser(t, svc, "alice@example.com", "Alice", "s3cret-pass")
	issued := mustSignIn(t, svc, "alice@example.com", "s3cret-pass")

	until := clock.Now().Add(time.Hour)
	if err := svc.BanUser(ctx, admin.ID, user.ID, "tos violation", &until); err != nil {
		t.Fatalf("BanUser: %v", err)
	}
	if _, err := svc.ResolveSession(ctx, issued.Token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("banned user's session should not resolve, got %v", err)
	}
	if _, err := svc.SignIn(ctx, "alice@example.com", "s3cret-pass", ""); !errors.Is(err, ErrForbidden) {
		t.Fatalf("banned user sign-in: expected ErrForbidden, got %v", err)
	} else if !strings.Contains(err.Error(), "tos violation") {
		t.Fatalf("sign-in rejection should carry the ban reason, got %q", err)
	}
	if err := svc.BanUser(ctx, admin.ID, user.ID, "again", nil); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("double ban: expected ErrInvalidState, got %v", err)
	}

	// The temporary ban lifts by the clock without an explicit unban.
	clock.Advance(2 * time.Hour)
	if _, err := svc.SignIn(ctx, "alice@example.com", "s3cret-pass", ""); err != nil {
		t.Fatalf("sign-in after ban expiry: %v", err)
	}
	// Sessions revoked during the ban stay revoked.
	if _, err := svc.ResolveSession(ctx, issued.Token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("pre-ban session must stay revoked, got %v", err)
	}
}

func TestBanPolicy(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	admin := mustCreateUser(t, svc, "admin@example.com", "Admin", "s3cret-pass")
	setRole(t, svc, admin, RoleAdmin)
	peer := mustCreateUser(t, svc, "peer@example.com", "Peer", "s3cret-pass")
	setRole(t, svc, peer, RoleAdmin)
	user := mustCreateUser(t, svc, "alice@example.com", "Alice", "s3cret-pass")

	if err := svc.BanUser(ctx, admin.ID, admin.ID, "", nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("self-ban: expected ErrInvalidInput, got %v", err)
	}
	if err := svc.BanUser(ctx, admin.ID, peer.ID, "", nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("admin banning admin: expected ErrForbidden, got %v", err)
	}
	if err := svc.BanUser(ctx, user.ID, admin.ID, "", nil); !errors.Is(err, ErrForbidden) {
		t.Fatalf("plain user banning: expected ErrForbidden, got %v", err)
	}
}

func TestSetGlobalRolePolicy(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	super := mustCreateUser(t, svc, "super@example.com", "Super", "s3cret-pass")
	setRole(t, svc, super, RoleSuperadmin)
	admin := mustCreateUser(t, svc, "admin@example.com", "Admin", "s3cret-pass")
	setRole(t, svc, admin, RoleAdmin)
	user := mustCreateUser(t, svc, "alice@example.com", "Alice", "s3cret-pass")

	// An admin may never grant superadmin.
	if err := svc.SetGlobalRole(ctx, admin.ID, user.ID, RoleSuperadmin); !errors.Is(err, ErrForbidden) {
		t.Fatalf("admin granting superadmin: expected ErrForbidden, got %v", err)
	}
	// Nor admin.
	if err := svc.SetGlobalRole(ctx, admin.ID, user.ID, RoleAdmin); !errors.Is(err, ErrForbidden) {
		t.Fatalf("admin granting admin: expected ErrForbidden, got %v", err)
	}
	// A superadmin may.
	if err := svc.SetGlobalRole(ctx, super.ID, user.ID, RoleAdmin); err != nil {
		t.Fatalf("superadmin granting admin: %v", err)
	}
	// Self-demotion always succeeds.
	if err := svc.SetGlobalRole(ctx, admin.ID, admin.ID, RoleUser); err != nil {
		t.Fatalf("self-demotion: %v", err)
	}
	// Self-elevation never does.
	if err := svc.SetGlobalRole(ctx, admin.ID, admin.ID, RoleAdmin); !errors.Is(err, ErrForbidden) {
		t.Fatalf("self-elevation: expected ErrForbidden, got %v", err)
	}
	if err := svc.SetGlobalRole(ctx, super.ID, user.ID, "root"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("unknown role: expected ErrInvalidInput, got %v", err)
	}
}

func TestChangePasswordRevokesOtherSessions(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	user := mustCreateUser(t, svc, "alice@example.com", "Alice", "old-pass")
	current := mustSignIn(t, svc, "alice@example.com", "old-pass")
	clock.Advance(time.Minute)
	other := mustSignIn(t, svc, "alice@example.com", "old-pass")

	if err := svc.ChangePassword(ctx, user.ID, "wrong", "new-pass", current.Session.ID, true); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("wrong current password: expected ErrInvalidCredential, got %v", err)
	}
	if err := svc.ChangePassword(ctx, user.ID, "old-pass", "new-pass", current.Session.ID, true); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	if _, err := svc.ResolveSession(ctx, current.Token); err != nil {
		t.Fatalf("current session should survive: %v", err)
	}
	if _, err := svc.ResolveSession(ctx, other.Token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("other session should be revoked, got %v", err)
	}
	if _, err := svc.SignIn(ctx, "alice@example.com", "old-pass", ""); !errors.Is(err, ErrInvalidCredential) {
		t.Fatal("old password still accepted after change")
	}
	mustSignIn(t, svc, "alice@example.com", "new-pass")
}

func TestRevokeAllSessionsSparesRacingLogin(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	user := mustCreateUser(t, svc, "alice@example.com", "Alice", "s3cret-pass")
	a := mustSignIn(t, svc, "alice@example.com", "s3cret-pass")
	clock.Advance(time.Minute)
	b := mustSignIn(t, svc, "alice@example.com", "s3cret-pass")

	asOf := clock.Now()
	// A login racing past the revocation snapshot keeps its session.
	clock.Advance(time.Minute)
	late := mustSignIn(t, svc, "alice@example.com", "s3cret-pass")

	n, err := svc.store.Sessions().RevokeAllForUser(ctx, user.ID, asOf)
	if err != nil {
		t.Fatalf("RevokeAllForUser: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 revoked at the snapshot, got %d", n)
	}
	for _, issued := range []IssuedSession{a, b} {
		if _, err := svc.ResolveSession(ctx, issued.Token); !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("session %s should be revoked", issued.Session.ID)
		}
	}
	if _, err := svc.ResolveSession(ctx, late.Token); err != nil {
		t.Fatalf("session created after the snapshot should survive: %v", err)
	}

	n, err = svc.RevokeAllSessions(ctx, user.ID, user.ID)
	if err != nil {
		t.Fatalf("RevokeAllSessions: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 remaining session revoked, got %d", n)
	}
	if _, err := svc.ResolveSession(ctx, late.Token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized after full revocation, got %v", err)
	}
}

func TestDeleteUserHonorsLastOwner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	admin := mustCreateUser(t, svc, "root@example.com", "Root", "s3cret-pass")
	setRole(t, svc, admin, RoleAdmin)
	owner := mustCreateUser(t, svc, "alice@example.com", "Alice", "s3cret-pass")
	if _, err := svc.CreateOrganization(ctx, owner.ID, "Acme", "acme", ""); err != nil {
		t.Fatalf("CreateOrganization: %v", err)
	}

	if err := svc.DeleteUser(ctx, admin.ID, owner.ID); !errors.Is(err, ErrLastOwner) {
		t.Fatalf("deleting the sole owner: expected ErrLastOwner, got %v", err)
	}

	// A plain member can be deleted, cascading their state.
	member := mustCreateUser(t, svc, "bob@example.com", "Bob", "s3cret-pass")
	issued := mustSignIn(t, svc, "bob@example.com", "s3cret-pass")
	if err := svc.DeleteUser(ctx, admin.ID, member.ID); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}
	if _, err := svc.store.Users().Find(ctx, member.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted user still found: %v", err)
	}
	if _, err := svc.ResolveSession(ctx, issued.Token); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("deleted user's session still resolves: %v", err)
	}
}

func TestCreateUserValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	if _, err := svc.CreateUser(ctx, "not-an-email", "Alice", "s3cret-pass"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("bad email: expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.CreateUser(ctx, "alice@example.com", "  ", "s3cret-pass"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("blank name: expected ErrInvalidInput, got %v", err)
	}
	if _, err := svc.CreateUser(ctx, "alice@example.com", "Alice", "short"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("short password: expected ErrInvalidInput, got %v", err)
	}
	mustCreateUser(t, svc, "alice@example.com", "Alice", "s3cret-pass")
	if _, err := svc.CreateUser(ctx, "ALICE@example.com", "Other Alice", "s3cret-pass"); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate email should collide case-insensitively, got %v", err)
	}
}

func TestGetUserAsAdminRequiresAdmin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	admin := mustCreateUser(t, svc, "root@example.com", "Root", "s3cret-pass")
	setRole(t, svc, admin, RoleAdmin)
	victim := mustCreateUser(t, svc, "alice@example.com", "Alice", "s3cret-pass")
	user := mustCreateUser(t, svc, "bob@example.com", "Bob", "s3cret-pass")

	if _, err := svc.GetUserAsAdmin(ctx, user.ID, victim.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-admin read: expected ErrForbidden, got %v", err)
	}
	got, err := svc.GetUserAsAdmin(ctx, admin.ID, victim.ID)
	if err != nil {
		t.Fatalf("GetUserAsAdmin: %v", err)
	}
	if got.ID != victim.ID || got.Email != "alice@example.com" {
		t.Fatalf("wrong record returned: %+v", got)
	}
}

func TestListUsersRequiresAdmin(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	admin := mustCreateUser(t, svc, "root@example.com", "Root", "s3cret-pass")
	setRole(t, svc, admin, RoleAdmin)
	mustCreateUser(t, svc, "alice@example.com", "Alice", "s3cret-pass")
	user := mustCreateUser(t, svc, "bob@example.com", "Bob", "s3cret-pass")

	if _, _, err := svc.ListUsers(ctx, user.ID, UserFilter{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("non-admin listing: expected ErrForbidden, got %v", err)
	}
	users, total, err := svc.ListUsers(ctx, admin.ID, UserFilter{})
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if total != 3 || len(users) != 3 {
		t.Fatalf("expected 3 users, got %d (total %d)", len(users), total)
	}
	admins, total, err := svc.ListUsers(ctx, admin.ID, UserFilter{Role: RoleAdmin})
	if err != nil {
		t.Fatalf("ListUsers filtered: %v", err)
	}
	if total != 1 || len(admins) != 1 || admins[0].ID != admin.ID {
		t.Fatalf("role filter returned %d users (total %d)", len(admins), total)
	}
}
