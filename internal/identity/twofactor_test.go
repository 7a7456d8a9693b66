package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base32"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

// totpCodeAt derives the expected 6-digit code independently of the
// implementation under test.
func totpCodeAt(t *testing.T, secretBase32 string, at time.Time) string {
	t.Helper()
	secret, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(secretBase32)
	if err != nil {
		t.Fatalf("decode secret: %v", err)
	}
	counter := at.Unix() / 30
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(counter))
	mac := hmac.New(sha1.New, secret)
	mac.Write(msg[:])
	sum := mac.Sum(nil)
	offset := sum[len(sum)-1] & 0x0f
	bin := (int(sum[offset])&0x7f)<<24 |
		(int(sum[offset+1])&0xff)<<16 |
		(int(sum[offset+2])&0xff)<<8 |
		(int(sum[offset+3]) & 0xff)
	return fmt.Sprintf("%06d", bin%1000000)
}

type denyAll struct{}

func (denyAll) Allow(string) bool { return false }

func enableTwoFactor(t *testing.T, svc *Service, clock *testClock, userID, password string) {
	t.Helper()
	setup, err := svc.BeginEnable(context.Background(), userID, password)
	if err != nil {
		t.Fatalf("BeginEnable: %v", err)
	}
	code := totpCodeAt(t, setup.SecretBase32, clock.Now())
	if err := svc.VerifyEnable(context.Background(), userID, code); err != nil {
		t.Fatalf("VerifyEnable: %v", err)
	}
}

func TestTwoFactorEnableFlow(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	user := mustCreateUser(t, svc, "alice@example.com", "Alice", "s3cret-pass")

	state, err := svc.TwoFactorStatus(ctx, user.ID)
	if err != nil || state != TwoFactorDisabled {
		t.Fatalf("initial state %s err=%v, want disabled", state, err)
	}

	if _, err := svc.BeginEnable(ctx, user.ID, "wrong"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("wrong password: expected ErrInvalidCredential, got %v", err)
	}

	setup, err := svc.BeginEnable(ctx, user.ID, "s3cret-pass")
	if err != nil {
		t.Fatalf("BeginEnable: %v", err)
	}
	if !strings.HasPrefix(setup.TOTPURI, "otpauth://totp/") || !strings.Contains(setup.TOTPURI, setup.SecretBase32) {
		t.Fatalf("malformed provisioning URI %q", setup.TOTPURI)
	}

	state, err = svc.TwoFactorStatus(ctx, user.ID)
	if err != nil || state != TwoFactorPendingVerification {
		t.Fatalf("state %s err=%v, want pendingVerification", state, err)
	}

	if err := svc.VerifyEnable(ctx, user.ID, totpCodeAt(t, setup.SecretBase32, clock.Now())); err != nil {
		t.Fatalf("VerifyEnable: %v", err)
	}
	state, err = svc.TwoFactorStatus(ctx, user.ID)
	if err != nil || state != TwoFactorEnabled {
		t.Fatalf("state %s err=%v, want enabled", state, err)
	}
	refreshed, err := svc.store.Users().Find(ctx, user.ID)
	if err != nil || !refreshed.TwoFactorEnabled {
		t.Fatalf("user flag should be set, got %+v err=%v", refreshed, err)
	}

	// Enabled is a stable state: re-provisioning requires disable first.
	if _, err := svc.BeginEnable(ctx, user.ID, "s3cret-pass"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("BeginEnable while enabled: expected ErrInvalidState, got %v", err)
	}
}

func TestTwoFactorGateOnSignIn(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	user := mustCreateUser(t, svc, "alice@example.com", "Alice", "s3cret-pass")
	enableTwoFactor(t, svc, clock, user.ID, "s3cret-pass")

	issued := mustSignIn(t, svc, "alice@example.com", "s3cret-pass")
	if !issued.Session.TwoFactorPending {
		t.Fatal("sign-in with 2FA enabled must start a pending session")
	}

	cred, err := svc.store.TwoFactor().Get(ctx, user.ID)
	if err != nil {
		t.Fatalf("load credential: %v", err)
	}
	clock.Advance(90 * time.Second)
	code := totpCodeAt(t, base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(cred.Secret), clock.Now())

	if err := svc.Verify(ctx, user.ID, issued.Session.ID, "000000"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("bad code: expected ErrInvalidCredential, got %v", err)
	}
	if err := svc.Verify(ctx, user.ID, issued.Session.ID, code); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	p, err := svc.ResolveSession(ctx, issued.Token)
	if err != nil {
		t.Fatalf("ResolveSession: %v", err)
	}
	if p.Session.TwoFactorPending {
		t.Fatal("pending flag should be cleared after verification")
	}
}

func TestVerifyEnableThreeStrikesVoidsAttempt(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	user := mustCreateUser(t, svc, "alice@example.com", "Alice", "s3cret-pass")

	setup, err := svc.BeginEnable(ctx, user.ID, "s3cret-pass")
	if err != nil {
		t.Fatalf("BeginEnable: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := svc.VerifyEnable(ctx, user.ID, "000000"); !errors.Is(err, ErrInvalidCredential) {
			t.Fatalf("attempt %d: expected ErrInvalidCredential, got %v", i+1, err)
		}
	}
	// The voided attempt no longer accepts even the right code.
	code := totpCodeAt(t, setup.SecretBase32, clock.Now())
	if err := svc.VerifyEnable(ctx, user.ID, code); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("after three strikes: expected ErrInvalidState, got %v", err)
	}
	state, err := svc.TwoFactorStatus(ctx, user.ID)
	if err != nil || state != TwoFactorDisabled {
		t.Fatalf("state %s err=%v, want disabled", state, err)
	}
}

func TestProvisioningAttemptLapses(t *testing.T) {
	svc, clock := newTestService(t, WithProvisioningTTL(10*time.Minute))
	ctx := context.Background()
	user := mustCreateUser(t, svc, "alice@example.com", "Alice", "s3cret-pass")

	setup, err := svc.BeginEnable(ctx, user.ID, "s3cret-pass")
	if err != nil {
		t.Fatalf("BeginEnable: %v", err)
	}
	clock.Advance(11 * time.Minute)

	code := totpCodeAt(t, setup.SecretBase32, clock.Now())
	if err := svc.VerifyEnable(ctx, user.ID, code); !errors.Is(err, ErrExpired) {
		t.Fatalf("lapsed attempt: expected ErrExpired, got %v", err)
	}
	state, err := svc.TwoFactorStatus(ctx, user.ID)
	if err != nil || state != TwoFactorDisabled {
		t.Fatalf("state %s err=%v, want disabled", state, err)
	}

	// A fresh BeginEnable replaces the lapsed attempt with a new secret.
	replacement, err := svc.BeginEnable(ctx, user.ID, "s3cret-pass")
	if err != nil {
		t.Fatalf("BeginEnable after lapse: %v", err)
	}
	if replacement.SecretBase32 == setup.SecretBase32 {
		t.Fatal("replacement attempt must use a fresh secret")
	}
}

func TestVerifyThrottled(t *testing.T) {
	clock := newTestClock()
	svc, err := NewService(NewMemoryStore(), WithClock(clock.Now), WithThrottle(denyAll{}))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	user := mustCreateUser(t, svc, "alice@example.com", "Alice", "s3cret-pass")

	if err := svc.VerifyEnable(context.Background(), user.ID, "000000"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("throttled VerifyEnable: expected ErrForbidden, got %v", err)
	}
	if err := svc.Verify(context.Background(), user.ID, "", "000000"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("throttled Verify: expected ErrForbidden, got %v", err)
	}
}

// userUpdateFaultStore delegates to the wrapped store but fails every user
// update with err, inside and outside transactions.
type userUpdateFaultStore struct {
	Store
	err error
}

func (f *userUpdateFaultStore) Users() UserStore {
	return faultUserStore{UserStore: f.Store.Users(), err: f.err}
}

func (f *userUpdateFaultStore) InTx(ctx context.Context, fn func(Store) error) error {
	return f.Store.InTx(ctx, func(tx Store) error {
		return fn(&userUpdateFaultStore{Store: tx, err: f.err})
	})
}

type faultUserStore struct {
	UserStore
	err error
}

func (f faultUserStore) Update(ctx context.Context, u *User) error { return f.err }

func TestVerifyEnableRollsBackOnUserUpdateFault(t *testing.T) {
	clock := newTestClock()
	mem := NewMemoryStore()
	svc, err := NewService(mem, WithClock(clock.Now), WithThrottle(allowAll{}))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()
	user := mustCreateUser(t, svc, "alice@example.com", "Alice", "s3cret-pass")
	setup, err := svc.BeginEnable(ctx, user.ID, "s3cret-pass")
	if err != nil {
		t.Fatalf("BeginEnable: %v", err)
	}

	fault := errors.New("disk full")
	faulty, err := NewService(&userUpdateFaultStore{Store: mem, err: fault},
		WithClock(clock.Now), WithThrottle(allowAll{}))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	code := totpCodeAt(t, setup.SecretBase32, clock.Now())
	if err := faulty.VerifyEnable(ctx, user.ID, code); !errors.Is(err, fault) {
		t.Fatalf("VerifyEnable with failing user update: got %v", err)
	}

	// The credential write rolled back with the user update: no half-enabled
	// state where the credential is live but the sign-in gate stays off.
	cred, err := mem.TwoFactor().Get(ctx, user.ID)
	if err != nil {
		t.Fatalf("TwoFactor Get: %v", err)
	}
	if cred.Enabled {
		t.Fatal("credential enabled despite failed user update")
	}
	stored, err := mem.Users().Find(ctx, user.ID)
	if err != nil {
		t.Fatalf("Users Find: %v", err)
	}
	if stored.TwoFactorEnabled {
		t.Fatal("user flag set despite failed update")
	}

	// The pending attempt survives the fault, so a retry completes normally.
	if err := svc.VerifyEnable(ctx, user.ID, code); err != nil {
		t.Fatalf("VerifyEnable retry: %v", err)
	}
}

func TestTwoFactorDisable(t *testing.T) {
	svc, clock := newTestService(t)
	ctx := context.Background()
	user := mustCreateUser(t, svc, "alice@example.com", "Alice", "s3cret-pass")
	enableTwoFactor(t, svc, clock, user.ID, "s3cret-pass")

	if err := svc.Disable(ctx, user.ID, "wrong"); !errors.Is(err, ErrInvalidCredential) {
		t.Fatalf("wrong password: expected ErrInvalidCredential, got %v", err)
	}
	if err := svc.Disable(ctx, user.ID, "s3cret-pass"); err != nil {
		t.Fatalf("Disable: %v", err)
	}
	state, err := svc.TwoFactorStatus(ctx, user.ID)
	if err != nil || state != TwoFactorDisabled {
		t.Fatalf("state %s err=%v, want disabled", state, err)
	}
	issued := mustSignIn(t, svc, "alice@example.com", "s3cret-pass")
	if issued.Session.TwoFactorPending {
		t.Fatal("sign-in after disable must not demand a second factor")
	}
}

func TestVerifyRequiresEnabledCredential(t *testing.T) {
	svc, _ := newTestService(t)
	user := mustCreateUser(t, svc, "alice@example.com", "Alice", "s3cret-pass")
	if err := svc.Verify(context.Background(), user.ID, "", "123456"); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("verify without enrollment: expected ErrInvalidState, got %v", err)
	}
}
