package identity

import (
	"context"
	"errors"
	"fmt"
)

// Action identifies an organization-scoped operation evaluated by the
// access-control decision point.
type Action string

const (
	ActionViewOrganization   Action = "organization.view"
	ActionUpdateOrganization Action = "organization.update"
	ActionInviteMember       Action = "organization.member.invite"
	ActionRemoveMember       Action = "organization.member.remove"
	ActionCancelInvitation   Action = "organization.invitation.cancel"
)

// Minimum organization role required per action. Owner-only subtleties
// (removing owners, the last-owner rule) are enforced by the operations
// themselves on top of this table.
var actionMinRole = map[Action]OrgRole{
	ActionViewOrganization:   OrgRoleMember,
	ActionUpdateOrganization: OrgRoleAdmin,
	ActionInviteMember:       OrgRoleAdmin,
	ActionRemoveMember:       OrgRoleAdmin,
	ActionCancelInvitation:   OrgRoleAdmin,
}

// Authorize evaluates the (actor, organization, action) triple against role
// policy. It returns the actor's membership on success so callers can apply
// finer owner/admin distinctions without a second lookup.
func (s *Service) Authorize(ctx context.Context, actorID, organizationID string, action Action) (*Membership, error) {
	minRole, ok := actionMinRole[action]
	if !ok {
		return nil, fmt.Errorf("%w: unknown action %q", ErrInvalidInput, action)
	}
	actor, err := s.activeUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	member, err := s.store.Memberships().Find(ctx, organizationID, actor.ID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrForbidden
		}
		return nil, err
	}
	if !member.Role.AtLeast(minRole) {
		return nil, ErrForbidden
	}
	return member, nil
}

// requireGlobalRole loads the actor and checks their global rank. Bans are
// evaluated lazily against the service clock.
func (s *Service) requireGlobalRole(ctx context.Context, actorID string, min GlobalRole) (*User, error) {
	actor, err := s.activeUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !actor.Role.AtLeast(min) {
		return nil, ErrForbidden
	}
	return actor, nil
}

// activeUser loads a user who is allowed to act: present and not banned.
func (s *Service) activeUser(ctx context.Context, userID string) (*User, error) {
	user, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.EffectivelyBanned(s.now()) {
		return nil, ErrForbidden
	}
	return user, nil
}
