package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"

	"tessera.org/internal/ids"
)

// IssuedSession pairs a stored session with the one-time plaintext bearer
// token handed to the client.
type IssuedSession struct {
	Session *Session
	Token   string
}

// SignIn authenticates credentials and creates a session. When the user has
// two-factor enabled the session starts in the pending state and cannot
// authenticate protected calls until VerifyTwoFactor clears it.
func (s *Service) SignIn(ctx context.Context, email, password, userAgent string) (IssuedSession, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return IssuedSession{}, ErrInvalidCredential
	}
	user, err := s.store.Users().FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return IssuedSession{}, ErrInvalidCredential
		}
		return IssuedSession{}, err
	}
	if user.EffectivelyBanned(s.now()) {
		return IssuedSession{}, banError(user)
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return IssuedSession{}, ErrInvalidCredential
	}
	return s.issueSession(ctx, user.ID, userAgent, "", user.TwoFactorEnabled)
}

// CreateSession records a session for a user already verified upstream
// (passkey or social sign-in). It is never called by the access-control
// layer itself.
func (s *Service) CreateSession(ctx context.Context, userID, userAgent string) (IssuedSession, error) {
	user, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return IssuedSession{}, err
	}
	if user.EffectivelyBanned(s.now()) {
		return IssuedSession{}, banError(user)
	}
	return s.issueSession(ctx, user.ID, userAgent, "", user.TwoFactorEnabled)
}

func (s *Service) issueSession(ctx context.Context, userID, userAgent, impersonatedBy string, twoFactorPending bool) (IssuedSession, error) {
	secretBytes := make([]byte, 32)
	if _, err := rand.Read(secretBytes); err != nil {
		return IssuedSession{}, err
	}
	secret := base64.RawURLEncoding.EncodeToString(secretBytes)
	now := s.now().UTC()
	sess := &Session{
		ID:               ids.New(),
		UserID:           userID,
		TokenHash:        hashTokenSecret(secret),
		UserAgent:        strings.TrimSpace(userAgent),
		ImpersonatedBy:   impersonatedBy,
		TwoFactorPending: twoFactorPending,
		CreatedAt:        now,
		ExpiresAt:        now.Add(s.sessionTTL),
	}
	if err := s.store.Sessions().Create(ctx, sess); err != nil {
		return IssuedSession{}, err
	}
	return IssuedSession{Session: sess, Token: sess.ID + "." + secret}, nil
}

// ResolveSession maps a bearer token to its principal. Invalid, expired and
// revoked tokens all surface as ErrUnauthorized; so do sessions whose owner
// is currently banned.
func (s *Service) ResolveSession(ctx context.Context, token string) (Principal, error) {
	sessionID, secret, err := splitSessionToken(token)
	if err != nil {
		return Principal{}, ErrUnauthorized
	}
	sess, err := s.store.Sessions().Find(ctx, sessionID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrUnauthorized
		}
		return Principal{}, err
	}
	if !secureCompareHash(sess.TokenHash, secret) {
		return Principal{}, ErrUnauthorized
	}
	if !sess.Usable(s.now()) {
		return Principal{}, ErrUnauthorized
	}
	user, err := s.store.Users().Find(ctx, sess.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Principal{}, ErrUnauthorized
		}
		return Principal{}, err
	}
	if user.EffectivelyBanned(s.now()) {
		return Principal{}, ErrUnauthorized
	}
	return Principal{User: user, Session: sess}, nil
}

// ListSessions returns the user's active sessions most recent first.
// Impersonation sessions are excluded from this end-user view; they remain
// visible through ListUserSessions for admins and audit consumers.
func (s *Service) ListSessions(ctx context.Context, userID string) ([]*Session, error) {
	sessions, err := s.store.Sessions().ListByUser(ctx, userID, false)
	if err != nil {
		return nil, err
	}
	return filterUsable(sessions, s), nil
}

// ListUserSessions is the admin view: includes impersonation sessions.
func (s *Service) ListUserSessions(ctx context.Context, actorID, userID string) ([]*Session, error) {
	if _, err := s.requireGlobalRole(ctx, actorID, RoleAdmin); err != nil {
		return nil, err
	}
	sessions, err := s.store.Sessions().ListByUser(ctx, userID, true)
	if err != nil {
		return nil, err
	}
	return filterUsable(sessions, s), nil
}

func filterUsable(sessions []*Session, s *Service) []*Session {
	now := s.now()
	out := sessions[:0]
	for _, sess := range sessions {
		if sess.Usable(now) {
			out = append(out, sess)
		}
	}
	return out
}

// RevokeSession marks the session owning token as revoked. Revoking an
// unknown or already-revoked token reports ErrNotFound; callers treat that
// as a non-fatal outcome.
func (s *Service) RevokeSession(ctx context.Context, token string) error {
	sessionID, secret, err := splitSessionToken(token)
	if err != nil {
		return ErrNotFound
	}
	sess, err := s.store.Sessions().Find(ctx, sessionID)
	if err != nil {
		return err
	}
	if !secureCompareHash(sess.TokenHash, secret) {
		return ErrNotFound
	}
	if sess.RevokedAt != nil {
		return ErrNotFound
	}
	return s.store.Sessions().Revoke(ctx, sess.ID, s.now().UTC())
}

// RevokeSessionByID revokes an arbitrary session. Permitted for the
// session's own user and for global admins.
func (s *Service) RevokeSessionByID(ctx context.Context, actorID, sessionID string) error {
	sess, err := s.store.Sessions().Find(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.UserID != actorID {
		if _, err := s.requireGlobalRole(ctx, actorID, RoleAdmin); err != nil {
			return err
		}
	}
	if sess.RevokedAt != nil {
		return ErrNotFound
	}
	return s.store.Sessions().Revoke(ctx, sess.ID, s.now().UTC())
}

// RevokeAllSessions revokes the sessions that exist when the call starts
// and reports how many were revoked. Sessions created by logins racing the
// call survive.
func (s *Service) RevokeAllSessions(ctx context.Context, actorID, userID string) (int, error) {
	if actorID != userID {
		if _, err := s.requireGlobalRole(ctx, actorID, RoleAdmin); err != nil {
			return 0, err
		}
	}
	return s.store.Sessions().RevokeAllForUser(ctx, userID, s.now().UTC())
}

// SignOut revokes the caller's own session. The HTTP layer clears its local
// authentication context on success.
func (s *Service) SignOut(ctx context.Context, token string) error {
	err := s.RevokeSession(ctx, token)
	if errors.Is(err, ErrNotFound) {
		// Signing out of a dead session is not an error worth surfacing.
		return nil
	}
	return err
}

func splitSessionToken(raw string) (id, secret string, err error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", errors.New("invalid session token format")
	}
	return parts[0], parts[1], nil
}

func hashTokenSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

func secureCompareHash(expectedHash, secret string) bool {
	actual := hashTokenSecret(secret)
	if len(expectedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expectedHash), []byte(actual)) == 1
}
