package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tessera.org/internal/ids"
)

// InviteMember creates a pending invitation for an email address. The
// address does not need to belong to a registered user yet. Owner role can
// never be granted by invitation.
func (s *Service) InviteMember(ctx context.Context, actorID, organizationID, email string, role OrgRole) (*Invitation, error) {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
	}
	if role != OrgRoleMember && role != OrgRoleAdmin {
		return nil, fmt.Errorf("%w: invitations may grant member or admin only", ErrInvalidInput)
	}
	actor, err := s.Authorize(ctx, actorID, organizationID, ActionInviteMember)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	inv := &Invitation{
		ID:             ids.New(),
		OrganizationID: organizationID,
		Email:          email,
		Role:           role,
		InvitedBy:      actor.UserID,
		Status:         InvitationPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.invitationTTL),
	}
	// The duplicate checks and the create commit together so concurrent
	// invites for the same address cannot both slip past the pending check.
	err = s.store.InTx(ctx, func(tx Store) error {
		// AlreadyMember wins over AlreadyInvited: a user who accepted an
		// earlier invitation has no pending row left, and re-inviting them
		// must say so.
		if existing, err := tx.Users().FindByEmail(ctx, email); err == nil {
			if _, err := tx.Memberships().Find(ctx, organizationID, existing.ID); err == nil {
				return fmt.Errorf("%w: user is already a member", ErrAlreadyExists)
			} else if !errors.Is(err, ErrNotFound) {
				return err
			}
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		if pending, err := tx.Invitations().FindPending(ctx, organizationID, email); err == nil {
			if now.Before(pending.ExpiresAt) {
				return fmt.Errorf("%w: a pending invitation exists", ErrAlreadyExists)
			}
			// The earlier invitation expired by the clock; record that before
			// issuing a fresh one.
			if err := tx.Invitations().UpdateStatus(ctx, pending.ID, InvitationPending, InvitationExpired); err != nil && !errors.Is(err, ErrInvalidState) {
				return err
			}
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}

		return tx.Invitations().Create(ctx, inv)
	})
	if err != nil {
		return nil, err
	}
	return inv, nil
}

// GetInvitation loads an invitation by id. The id itself is the capability:
// any authenticated holder of the link may read it. Expiry is evaluated
// lazily so the returned status reflects the clock.
func (s *Service) GetInvitation(ctx context.Context, invitationID string) (*Invitation, error) {
	inv, err := s.store.Invitations().Find(ctx, invitationID)
	if err != nil {
		return nil, err
	}
	if inv.Status == InvitationPending && s.now().After(inv.ExpiresAt) {
		if err := s.expirePending(ctx, inv); err != nil {
			return nil, err
		}
	}
	return inv, nil
}

// CancelInvitation cancels a pending invitation. Org admin only.
func (s *Service) CancelInvitation(ctx context.Context, actorID, invitationID string) error {
	inv, err := s.store.Invitations().Find(ctx, invitationID)
	if err != nil {
		return err
	}
	if _, err := s.Authorize(ctx, actorID, inv.OrganizationID, ActionCancelInvitation); err != nil {
		return err
	}
	if inv.Status.Terminal() {
		return ErrInvalidState
	}
	if s.now().After(inv.ExpiresAt) {
		if err := s.expirePending(ctx, inv); err != nil {
			return err
		}
		return ErrInvalidState
	}
	return s.store.Invitations().UpdateStatus(ctx, inv.ID, InvitationPending, InvitationCanceled)
}

// AcceptInvitation transitions a pending invitation to accepted and creates
// the membership in the same transaction. The accepting user's email must
// match the invitation case-insensitively. A lapsed expiry is recorded
// first and reported as ErrExpired. Concurrent accepts of the same
// invitation resolve to exactly one membership: the status transition is a
// compare-and-set inside the transaction, so the loser sees ErrInvalidState.
func (s *Service) AcceptInvitation(ctx context.Context, userID, invitationID string) (*Membership, error) {
	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var membership *Membership
	err = s.store.InTx(ctx, func(tx Store) error {
		inv, err := tx.Invitations().Find(ctx, invitationID)
		if err != nil {
			return err
		}
		if inv.Status.Terminal() {
			return ErrInvalidState
		}
		if s.now().After(inv.ExpiresAt) {
			if err := tx.Invitations().UpdateStatus(ctx, inv.ID, InvitationPending, InvitationExpired); err != nil && !errors.Is(err, ErrInvalidState) {
				return err
			}
			return ErrExpired
		}
		if !strings.EqualFold(user.Email, inv.Email) {
			return fmt.Errorf("%w: invitation was sent to a different email", ErrForbidden)
		}
		if err := tx.Invitations().UpdateStatus(ctx, inv.ID, InvitationPending, InvitationAccepted); err != nil {
			return err
		}
		membership = &Membership{
			OrganizationID: inv.OrganizationID,
			UserID:         user.ID,
			Role:           inv.Role,
			JoinedAt:       s.now().UTC(),
		}
		return tx.Memberships().Create(ctx, membership)
	})
	if err != nil {
		return nil, err
	}
	return membership, nil
}

// RejectInvitation transitions a pending invitation to rejected. Same email
// and expiry checks as accept.
func (s *Service) RejectInvitation(ctx context.Context, userID, invitationID string) error {
	user, err := s.activeUser(ctx, userID)
	if err != nil {
		return err
	}
	inv, err := s.store.Invitations().Find(ctx, invitationID)
	if err != nil {
		return err
	}
	if inv.Status.Terminal() {
		return ErrInvalidState
	}
	if s.now().After(inv.ExpiresAt) {
		if err := s.expirePending(ctx, inv); err != nil {
			return err
		}
		return ErrExpired
	}
	if !strings.EqualFold(user.Email, inv.Email) {
		return fmt.Errorf("%w: invitation was sent to a different email", ErrForbidden)
	}
	return s.store.Invitations().UpdateStatus(ctx, inv.ID, InvitationPending, InvitationRejected)
}

// expirePending records the lazy pending→expired transition, tolerating a
// concurrent transition having beaten us to it.
func (s *Service) expirePending(ctx context.Context, inv *Invitation) error {
	err := s.store.Invitations().UpdateStatus(ctx, inv.ID, InvitationPending, InvitationExpired)
	if err != nil && !errors.Is(err, ErrInvalidState) {
		return err
	}
	if err == nil {
		inv.Status = InvitationExpired
	} else {
		refreshed, ferr := s.store.Invitations().Find(ctx, inv.ID)
		if ferr == nil {
			*inv = *refreshed
		}
	}
	return nil
}
