package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TwoFactorState is the derived position of a user in the enrollment state
// machine.
type TwoFactorState string

const (
	TwoFactorDisabled            TwoFactorState = "disabled"
	TwoFactorPendingVerification TwoFactorState = "pendingVerification"
	TwoFactorEnabled             TwoFactorState = "enabled"
)

// Number of consecutive bad codes that voids a provisioning attempt,
// forcing BeginEnable from scratch.
const maxProvisioningFailures = 3

// TwoFactorSetup is returned once per provisioning attempt; the secret is
// never exposed again afterwards.
type TwoFactorSetup struct {
	TOTPURI      string `json:"totp_uri"`
	SecretBase32 string `json:"secret"`
}

// Throttle is consulted before every two-factor code check. Implementations
// decide the anti-brute-force policy; the default is a small per-user token
// bucket.
type Throttle interface {
	Allow(userID string) bool
}

type rateThrottle struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func newRateThrottle() *rateThrottle {
	return &rateThrottle{buckets: make(map[string]*rate.Limiter)}
}

func (t *rateThrottle) Allow(userID string) bool {
	t.mu.Lock()
	lim, ok := t.buckets[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Second), 5)
		t.buckets[userID] = lim
	}
	t.mu.Unlock()
	return lim.Allow()
}

// TwoFactorStatus reports the user's current state in the enrollment
// machine, with lapsed provisioning attempts counted as disabled.
func (s *Service) TwoFactorStatus(ctx context.Context, userID string) (TwoFactorState, error) {
	cred, err := s.store.TwoFactor().Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return TwoFactorDisabled, nil
		}
		return TwoFactorDisabled, err
	}
	return s.credentialState(cred), nil
}

func (s *Service) credentialState(cred *TwoFactorCredential) TwoFactorState {
	if cred.Enabled {
		return TwoFactorEnabled
	}
	if len(cred.PendingSecret) > 0 && cred.PendingExpiresAt != nil && s.now().Before(*cred.PendingExpiresAt) {
		return TwoFactorPendingVerification
	}
	return TwoFactorDisabled
}

// BeginEnable starts enrollment. It re-verifies the password before issuing
// the provisioning URI and moves the credential to pendingVerification.
// Calling it again replaces any earlier unverified attempt.
func (s *Service) BeginEnable(ctx context.Context, userID, password string) (*TwoFactorSetup, error) {
	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.PasswordHash == "" {
		return nil, ErrForbidden
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredential
	}

	cred, err := s.store.TwoFactor().Get(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if cred != nil && cred.Enabled {
		return nil, ErrInvalidState
	}
	if cred == nil {
		cred = &TwoFactorCredential{UserID: userID}
	}

	raw, encoded, err := s.totp.GenerateSecret()
	if err != nil {
		return nil, err
	}
	deadline := s.now().UTC().Add(s.pendingTTL)
	cred.PendingSecret = raw
	cred.PendingExpiresAt = &deadline
	cred.FailedAttempts = 0
	if err := s.store.TwoFactor().Upsert(ctx, cred); err != nil {
		return nil, err
	}
	return &TwoFactorSetup{
		TOTPURI:      s.totp.ProvisionURI(encoded, user.Email),
		SecretBase32: encoded,
	}, nil
}

// VerifyEnable confirms the provisioning attempt with a TOTP code. On
// success the credential becomes enabled and the pending secret is cleared.
// A wrong code leaves the attempt open until the third consecutive failure,
// which voids the attempt's secret entirely.
func (s *Service) VerifyEnable(ctx context.Context, userID, code string) error {
	if !s.throttle.Allow(userID) {
		return fmt.Errorf("%w: too many verification attempts", ErrForbidden)
	}
	cred, err := s.store.TwoFactor().Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidState
		}
		return err
	}
	if cred.Enabled || len(cred.PendingSecret) == 0 {
		return ErrInvalidState
	}
	if cred.PendingExpiresAt == nil || s.now().After(*cred.PendingExpiresAt) {
		cred.PendingSecret = nil
		cred.PendingExpiresAt = nil
		cred.FailedAttempts = 0
		if err := s.store.TwoFactor().Upsert(ctx, cred); err != nil {
			return err
		}
		return ErrExpired
	}

	ok, err := s.totp.VerifyCode(cred.PendingSecret, code, s.now())
	if err != nil {
		return err
	}
	if !ok {
		cred.FailedAttempts++
		if cred.FailedAttempts >= maxProvisioningFailures {
			cred.PendingSecret = nil
			cred.PendingExpiresAt = nil
			cred.FailedAttempts = 0
		}
		if uerr := s.store.TwoFactor().Upsert(ctx, cred); uerr != nil {
			return uerr
		}
		return ErrInvalidCredential
	}

	now := s.now().UTC()
	cred.Secret = cred.PendingSecret
	cred.PendingSecret = nil
	cred.PendingExpiresAt = nil
	cred.FailedAttempts = 0
	cred.Enabled = true
	cred.LastVerifiedAt = &now
	// Credential and user flag change together or not at all: an enabled
	// credential with the flag unset would let sign-ins skip the gate.
	return s.store.InTx(ctx, func(tx Store) error {
		if err := tx.TwoFactor().Upsert(ctx, cred); err != nil {
			return err
		}
		user, err := tx.Users().Find(ctx, userID)
		if err != nil {
			return err
		}
		user.TwoFactorEnabled = true
		user.UpdatedAt = now
		return tx.Users().Update(ctx, user)
	})
}

// Disable turns two-factor off after password re-verification.
func (s *Service) Disable(ctx context.Context, userID, password string) error {
	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return err
	}
	if user.PasswordHash == "" {
		return ErrForbidden
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return ErrInvalidCredential
	}
	user.TwoFactorEnabled = false
	user.UpdatedAt = s.now().UTC()
	return s.store.InTx(ctx, func(tx Store) error {
		if err := tx.TwoFactor().Delete(ctx, userID); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		return tx.Users().Update(ctx, user)
	})
}

// Verify checks a TOTP code for an enabled user. Used at login time to
// clear a pending session and for step-up checks before sensitive actions;
// it never changes the persisted enabled state. sessionID may be empty for
// pure step-up verification.
func (s *Service) Verify(ctx context.Context, userID, sessionID, code string) error {
	if !s.throttle.Allow(userID) {
		return fmt.Errorf("%w: too many verification attempts", ErrForbidden)
	}
	cred, err := s.store.TwoFactor().Get(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrInvalidState
		}
		return err
	}
	if !cred.Enabled {
		return ErrInvalidState
	}
	ok, err := s.totp.VerifyCode(cred.Secret, code, s.now())
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCredential
	}
	now := s.now().UTC()
	cred.LastVerifiedAt = &now
	if err := s.store.TwoFactor().Upsert(ctx, cred); err != nil {
		return err
	}
	if sessionID != "" {
		return s.store.Sessions().ClearTwoFactorPending(ctx, sessionID)
	}
	return nil
}
