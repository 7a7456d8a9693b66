package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"tessera.org/internal/ids"
)

// CreateOrganization creates the organization together with the creator's
// owner membership in one transaction.
func (s *Service) CreateOrganization(ctx context.Context, ownerID, name, slug, logoURI string) (*Organization, error) {
	name = strings.TrimSpace(name)
	slug = normalizeSlug(slug)
	if name == "" {
		return nil, fmt.Errorf("%w: organization name is required", ErrInvalidInput)
	}
	if !validSlug(slug) {
		return nil, fmt.Errorf("%w: slug must be url-safe (lowercase letters, digits, hyphens)", ErrInvalidInput)
	}
	owner, err := s.activeUser(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	org := &Organization{
		ID:        ids.New(),
		Name:      name,
		Slug:      slug,
		LogoURI:   strings.TrimSpace(logoURI),
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.store.InTx(ctx, func(tx Store) error {
		if err := tx.Organizations().Create(ctx, org); err != nil {
			return err
		}
		return tx.Memberships().Create(ctx, &Membership{
			OrganizationID: org.ID,
			UserID:         owner.ID,
			Role:           OrgRoleOwner,
			JoinedAt:       now,
		})
	})
	if err != nil {
		return nil, err
	}
	return org, nil
}

// CheckSlug reports whether slug is valid and not taken yet.
func (s *Service) CheckSlug(ctx context.Context, slug string) (bool, error) {
	slug = normalizeSlug(slug)
	if !validSlug(slug) {
		return false, fmt.Errorf("%w: slug must be url-safe (lowercase letters, digits, hyphens)", ErrInvalidInput)
	}
	_, err := s.store.Organizations().FindBySlug(ctx, slug)
	if errors.Is(err, ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// ListOrganizations returns the organizations the user belongs to.
func (s *Service) ListOrganizations(ctx context.Context, userID string) ([]*Organization, error) {
	return s.store.Organizations().ListByUser(ctx, userID)
}

// OrganizationUpdate carries owner/admin-editable fields.
type OrganizationUpdate struct {
	Name    *string
	LogoURI *string
}

// UpdateOrganization applies name/logo changes. Requires org admin.
func (s *Service) UpdateOrganization(ctx context.Context, actorID, organizationID string, upd OrganizationUpdate) (*Organization, error) {
	if _, err := s.Authorize(ctx, actorID, organizationID, ActionUpdateOrganization); err != nil {
		return nil, err
	}
	org, err := s.store.Organizations().Find(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: organization name is required", ErrInvalidInput)
		}
		org.Name = name
	}
	if upd.LogoURI != nil {
		org.LogoURI = strings.TrimSpace(*upd.LogoURI)
	}
	org.UpdatedAt = s.now().UTC()
	if err := s.store.Organizations().Update(ctx, org); err != nil {
		return nil, err
	}
	return org, nil
}

// SetActiveOrganization points the session at one of the user's
// organizations, or back at the personal context when organizationID is
// empty. The membership check keeps sessions from selecting tenants the
// user does not belong to.
func (s *Service) SetActiveOrganization(ctx context.Context, principal Principal, organizationID string) error {
	if principal.Session == nil || principal.User == nil {
		return ErrUnauthorized
	}
	if organizationID != "" {
		if _, err := s.store.Memberships().Find(ctx, organizationID, principal.User.ID); err != nil {
			if errors.Is(err, ErrNotFound) {
				return ErrForbidden
			}
			return err
		}
	}
	return s.store.Sessions().SetActiveOrganization(ctx, principal.Session.ID, organizationID)
}

// GetFullOrganization returns the organization with denormalized members
// and invitations. Requires membership; the member ordering is a display
// preference, not a contract.
func (s *Service) GetFullOrganization(ctx context.Context, actorID, organizationID string) (*FullOrganization, error) {
	if _, err := s.Authorize(ctx, actorID, organizationID, ActionViewOrganization); err != nil {
		return nil, err
	}
	org, err := s.store.Organizations().Find(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	members, err := s.store.Memberships().ListByOrg(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	invitations, err := s.store.Invitations().ListByOrg(ctx, organizationID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for i := range invitations {
		if invitations[i].Status == InvitationPending && now.After(invitations[i].ExpiresAt) {
			invitations[i].Status = InvitationExpired
		}
	}
	return &FullOrganization{Organization: *org, Members: members, Invitations: invitations}, nil
}

// RemoveMember removes a member from the organization. Owners may remove
// anyone including themselves (leaving), admins may remove members and
// admins but not owners. Removing the last owner fails with ErrLastOwner;
// the owner count check runs inside the transaction so two concurrent
// removals cannot both pass it.
func (s *Service) RemoveMember(ctx context.Context, actorID, organizationID, memberID string) error {
	actorMember, err := s.Authorize(ctx, actorID, organizationID, ActionRemoveMember)
	if err != nil {
		return err
	}
	return s.store.InTx(ctx, func(tx Store) error {
		target, err := tx.Memberships().Find(ctx, organizationID, memberID)
		if err != nil {
			return err
		}
		if target.Role == OrgRoleOwner {
			if actorMember.Role != OrgRoleOwner {
				return ErrForbidden
			}
			owners, err := tx.Memberships().CountByRole(ctx, organizationID, OrgRoleOwner)
			if err != nil {
				return err
			}
			if owners <= 1 {
				return ErrLastOwner
			}
		}
		return tx.Memberships().Delete(ctx, organizationID, memberID)
	})
}

func normalizeSlug(slug string) string {
	return strings.ToLower(strings.TrimSpace(slug))
}

func validSlug(slug string) bool {
	if slug == "" || len(slug) > 64 {
		return false
	}
	for i, r := range slug {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' && i > 0 && i < len(slug)-1:
		default:
			return false
		}
	}
	return true
}
