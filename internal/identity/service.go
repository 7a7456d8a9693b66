// Package identity implements the multi-tenant access-control and
// session-lifecycle model: users and global roles, sessions, organizations
// with scoped memberships, the invitation lifecycle and the two-factor
// enforcement gate.
package identity

import (
	"errors"
	"strings"
	"time"

	"tessera.org/internal/totp"
)

const (
	defaultSessionTTL    = 7 * 24 * time.Hour
	defaultInvitationTTL = 48 * time.Hour
	defaultPendingTTL    = 10 * time.Minute
)

// Service provides the high level identity operations. All expected
// failures are returned as the sentinel errors in errors.go.
type Service struct {
	store Store
	now   func() time.Time

	totp     *totp.Manager
	throttle Throttle

	sessionTTL    time.Duration
	invitationTTL time.Duration
	pendingTTL    time.Duration

	issuer      string
	tokenSecret []byte
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithSessionTTL configures session lifetime.
func WithSessionTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.sessionTTL = ttl
		}
		return nil
	}
}

// WithInvitationTTL configures how long invitations stay pending.
func WithInvitationTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.invitationTTL = ttl
		}
		return nil
	}
}

// WithProvisioningTTL bounds how long a two-factor provisioning attempt may
// stay unverified before it lapses back to disabled.
func WithProvisioningTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.pendingTTL = ttl
		}
		return nil
	}
}

// WithTOTPManager overrides the TOTP manager.
func WithTOTPManager(m *totp.Manager) ServiceOption {
	return func(s *Service) error {
		if m != nil {
			s.totp = m
		}
		return nil
	}
}

// WithThrottle installs a throttle consulted before each two-factor code
// check. The default allows one check per second per user with a small
// burst; pass a custom implementation to harden or relax the policy.
func WithThrottle(t Throttle) ServiceOption {
	return func(s *Service) error {
		if t != nil {
			s.throttle = t
		}
		return nil
	}
}

// WithIssuer sets the issuer used for TOTP provisioning URIs and service
// token claims.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		issuer = strings.TrimSpace(issuer)
		if issuer != "" {
			s.issuer = issuer
			s.totp = totp.NewManager(issuer)
		}
		return nil
	}
}

// WithTokenSecret enables signed service tokens using the provided HS256
// secret. Empty disables issuance.
func WithTokenSecret(secret string) ServiceOption {
	return func(s *Service) error {
		if strings.TrimSpace(secret) == "" {
			return nil
		}
		s.tokenSecret = []byte(secret)
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("identity: store is required")
	}
	svc := &Service{
		store:         store,
		now:           time.Now,
		issuer:        "tessera",
		totp:          totp.NewManager("tessera"),
		sessionTTL:    defaultSessionTTL,
		invitationTTL: defaultInvitationTTL,
		pendingTTL:    defaultPendingTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.throttle == nil {
		svc.throttle = newRateThrottle()
	}
	return svc, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
