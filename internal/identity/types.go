package identity

import "time"

// GlobalRole is a user's rank across the whole service, independent of any
// organization membership.
type GlobalRole string

const (
	RoleUser       GlobalRole = "user"
	RoleAdmin      GlobalRole = "admin"
	RoleSuperadmin GlobalRole = "superadmin"
)

var globalRoleRank = map[GlobalRole]int{
	RoleUser:       0,
	RoleAdmin:      1,
	RoleSuperadmin: 2,
}

// Valid reports whether the role is one of the known global roles.
func (r GlobalRole) Valid() bool {
	_, ok := globalRoleRank[r]
	return ok
}

// AtLeast reports whether the role ranks at or above other.
func (r GlobalRole) AtLeast(other GlobalRole) bool {
	return globalRoleRank[r] >= globalRoleRank[other]
}

// OrgRole is a member's rank within one organization.
type OrgRole string

const (
	OrgRoleMember OrgRole = "member"
	OrgRoleAdmin  OrgRole = "admin"
	OrgRoleOwner  OrgRole = "owner"
)

var orgRoleRank = map[OrgRole]int{
	OrgRoleMember: 0,
	OrgRoleAdmin:  1,
	OrgRoleOwner:  2,
}

// Valid reports whether the role is one of the known organization roles.
func (r OrgRole) Valid() bool {
	_, ok := orgRoleRank[r]
	return ok
}

// AtLeast reports whether the role ranks at or above other.
func (r OrgRole) AtLeast(other OrgRole) bool {
	return orgRoleRank[r] >= orgRoleRank[other]
}

// InvitationStatus tracks the invitation lifecycle. Every status other than
// pending is terminal.
type InvitationStatus string

const (
	InvitationPending  InvitationStatus = "pending"
	InvitationAccepted InvitationStatus = "accepted"
	InvitationRejected InvitationStatus = "rejected"
	InvitationCanceled InvitationStatus = "canceled"
	InvitationExpired  InvitationStatus = "expired"
)

// Terminal reports whether no further transition is permitted.
func (s InvitationStatus) Terminal() bool {
	return s != InvitationPending
}

// User is an account in the identity registry.
type User struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Email            string     `json:"email"`
	EmailVerified    bool       `json:"email_verified"`
	Image            string     `json:"image,omitempty"`
	Role             GlobalRole `json:"role"`
	Banned           bool       `json:"banned"`
	BanReason        string     `json:"ban_reason,omitempty"`
	BanExpiresAt     *time.Time `json:"ban_expires_at,omitempty"`
	TwoFactorEnabled bool       `json:"two_factor_enabled"`
	PasswordHash     string     `json:"-"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// EffectivelyBanned evaluates ban state lazily: a ban whose expiry has
// passed counts as lifted without an explicit unban.
func (u *User) EffectivelyBanned(now time.Time) bool {
	if !u.Banned {
		return false
	}
	if u.BanExpiresAt != nil && now.After(*u.BanExpiresAt) {
		return false
	}
	return true
}

// Session is one authenticated device context. Only the sha256 hash of the
// bearer token is kept at rest.
type Session struct {
	ID                   string     `json:"id"`
	UserID               string     `json:"user_id"`
	TokenHash            string     `json:"-"`
	UserAgent            string     `json:"user_agent,omitempty"`
	ImpersonatedBy       string     `json:"impersonated_by,omitempty"`
	TwoFactorPending     bool       `json:"two_factor_pending,omitempty"`
	ActiveOrganizationID string     `json:"active_organization_id,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
	ExpiresAt            time.Time  `json:"expires_at"`
	RevokedAt            *time.Time `json:"revoked_at,omitempty"`
}

// Usable reports whether the session may still authenticate requests.
func (s *Session) Usable(now time.Time) bool {
	return s.RevokedAt == nil && now.Before(s.ExpiresAt)
}

// Organization is a tenant grouping users under org-scoped roles.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	LogoURI   string    `json:"logo_uri,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Membership grants a user a role within one organization.
type Membership struct {
	OrganizationID string    `json:"organization_id"`
	UserID         string    `json:"user_id"`
	Role           OrgRole   `json:"role"`
	JoinedAt       time.Time `json:"joined_at"`
}

// Invitation is a pending offer of membership addressed to an email, which
// need not belong to a registered user yet.
type Invitation struct {
	ID             string           `json:"id"`
	OrganizationID string           `json:"organization_id"`
	Email          string           `json:"email"`
	Role           OrgRole          `json:"role"`
	InvitedBy      string           `json:"invited_by"`
	Status         InvitationStatus `json:"status"`
	CreatedAt      time.Time        `json:"created_at"`
	ExpiresAt      time.Time        `json:"expires_at"`
}

// TwoFactorCredential holds a user's TOTP state. Secret is set once the
// credential is verified; PendingSecret exists only between beginEnable and
// verifyEnable and is never exposed again after provisioning.
type TwoFactorCredential struct {
	UserID           string
	Secret           []byte
	Enabled          bool
	PendingSecret    []byte
	PendingExpiresAt *time.Time
	FailedAttempts   int
	LastVerifiedAt   *time.Time
}

// FullOrganization is the denormalized aggregate served to organization
// settings views.
type FullOrganization struct {
	Organization
	Members     []Membership `json:"members"`
	Invitations []Invitation `json:"invitations"`
}

// Principal is a resolved (user, session) pair attached to a request.
type Principal struct {
	User    *User
	Session *Session
}
