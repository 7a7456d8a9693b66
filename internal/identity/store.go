package identity

import (
	"context"
	"time"
)

// Store describes persistence operations required by the identity service.
// InTx runs fn against a serializable view of the store: concurrent
// transactions touching the same membership rows or invitation must not
// both commit conflicting outcomes.
type Store interface {
	Users() UserStore
	Sessions() SessionStore
	Organizations() OrganizationStore
	Memberships() MembershipStore
	Invitations() InvitationStore
	TwoFactor() TwoFactorStore

	InTx(ctx context.Context, fn func(Store) error) error
}

// UserFilter narrows admin user listings.
type UserFilter struct {
	Role   GlobalRole
	Banned *bool
	Limit  int
	Offset int
}

// UserStore manages user accounts.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	Update(ctx context.Context, u *User) error
	List(ctx context.Context, filter UserFilter) ([]*User, error)
	Count(ctx context.Context, filter UserFilter) (int, error)
	// Delete removes the user and cascades to sessions, memberships and
	// two-factor credentials.
	Delete(ctx context.Context, id string) error
}

// SessionStore manages session rows. Revocation is logical: revoked rows
// stay visible to audit consumers.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Find(ctx context.Context, id string) (*Session, error)
	FindByTokenHash(ctx context.Context, hash string) (*Session, error)
	// ListByUser returns sessions most recent first. Impersonation sessions
	// are excluded unless includeImpersonated is set.
	ListByUser(ctx context.Context, userID string, includeImpersonated bool) ([]*Session, error)
	Revoke(ctx context.Context, id string, at time.Time) error
	// RevokeAllForUser revokes only sessions created at or before asOf,
	// returning the number revoked. Logins racing the call are untouched.
	RevokeAllForUser(ctx context.Context, userID string, asOf time.Time) (int, error)
	SetActiveOrganization(ctx context.Context, id string, organizationID string) error
	ClearTwoFactorPending(ctx context.Context, id string) error
}

// OrganizationStore manages organizations.
type OrganizationStore interface {
	Create(ctx context.Context, o *Organization) error
	Find(ctx context.Context, id string) (*Organization, error)
	FindBySlug(ctx context.Context, slug string) (*Organization, error)
	Update(ctx context.Context, o *Organization) error
	ListByUser(ctx context.Context, userID string) ([]*Organization, error)
}

// MembershipStore manages the (organization, user) join rows.
type MembershipStore interface {
	Create(ctx context.Context, m *Membership) error
	Find(ctx context.Context, organizationID, userID string) (*Membership, error)
	ListByOrg(ctx context.Context, organizationID string) ([]Membership, error)
	ListByUser(ctx context.Context, userID string) ([]Membership, error)
	Delete(ctx context.Context, organizationID, userID string) error
	CountByRole(ctx context.Context, organizationID string, role OrgRole) (int, error)
}

// InvitationStore manages invitation rows. UpdateStatus is a compare-and-set:
// it transitions from the given status only, reporting ErrInvalidState when
// the row is no longer in that status.
type InvitationStore interface {
	Create(ctx context.Context, inv *Invitation) error
	Find(ctx context.Context, id string) (*Invitation, error)
	FindPending(ctx context.Context, organizationID, email string) (*Invitation, error)
	ListByOrg(ctx context.Context, organizationID string) ([]Invitation, error)
	UpdateStatus(ctx context.Context, id string, from, to InvitationStatus) error
}

// TwoFactorStore manages per-user TOTP credentials.
type TwoFactorStore interface {
	Get(ctx context.Context, userID string) (*TwoFactorCredential, error)
	Upsert(ctx context.Context, cred *TwoFactorCredential) error
	Delete(ctx context.Context, userID string) error
}
