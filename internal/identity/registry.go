package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tessera.org/internal/ids"
)

// CreateUser registers a user account. Password may be empty for accounts
// provisioned by an admin for passkey or social sign-in only.
func (s *Service) CreateUser(ctx context.Context, email, name, password string) (*User, error) {
	email = normalizeEmail(email)
	name = strings.TrimSpace(name)
	if email == "" || !strings.Contains(email, "@") {
		return nil, fmt.Errorf("%w: a valid email is required", ErrInvalidInput)
	}
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	var hash string
	if password != "" {
		var err error
		hash, err = HashPassword(password)
		if err != nil {
			return nil, err
		}
	}
	now := s.now().UTC()
	user := &User{
		ID:           ids.New(),
		Name:         name,
		Email:        email,
		Role:         RoleUser,
		PasswordHash: hash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Users().Create(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// GetUserAsAdmin loads any user record for the admin surface.
func (s *Service) GetUserAsAdmin(ctx context.Context, actorID, targetID string) (*User, error) {
	if _, err := s.requireGlobalRole(ctx, actorID, RoleAdmin); err != nil {
		return nil, err
	}
	return s.store.Users().Find(ctx, targetID)
}

// ListUsers is the admin user listing.
func (s *Service) ListUsers(ctx context.Context, actorID string, filter UserFilter) ([]*User, int, error) {
	if _, err := s.requireGlobalRole(ctx, actorID, RoleAdmin); err != nil {
		return nil, 0, err
	}
	users, err := s.store.Users().List(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := s.store.Users().Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return users, total, nil
}

// SetGlobalRole changes a user's global role. Granting or revoking admin or
// superadmin requires a superadmin actor; the one exception is that any
// actor may always lower their own privilege.
func (s *Service) SetGlobalRole(ctx context.Context, actorID, targetID string, role GlobalRole) error {
	if !role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidInput, role)
	}
	actor, err := s.requireGlobalRole(ctx, actorID, RoleAdmin)
	if err != nil {
		return err
	}
	target, err := s.store.Users().Find(ctx, targetID)
	if err != nil {
		return err
	}

	if actorID == targetID {
		// Self-demotion always succeeds; self-elevation never does.
		if !actor.Role.AtLeast(role) {
			return ErrForbidden
		}
	} else {
		touchesElevated := target.Role != RoleUser || role != RoleUser
		if touchesElevated && !actor.Role.AtLeast(RoleSuperadmin) {
			return ErrForbidden
		}
	}

	target.Role = role
	target.UpdatedAt = s.now().UTC()
	return s.store.Users().Update(ctx, target)
}

// BanUser bans a user and atomically revokes their existing sessions. A nil
// expiresAt bans indefinitely; a past expiry is treated as already lifted
// at every later permission check.
func (s *Service) BanUser(ctx context.Context, actorID, targetID, reason string, expiresAt *time.Time) error {
	actor, err := s.requireGlobalRole(ctx, actorID, RoleAdmin)
	if err != nil {
		return err
	}
	if actorID == targetID {
		return fmt.Errorf("%w: cannot ban yourself", ErrInvalidInput)
	}
	now := s.now().UTC()
	return s.store.InTx(ctx, func(tx Store) error {
		target, err := tx.Users().Find(ctx, targetID)
		if err != nil {
			return err
		}
		if target.Role.AtLeast(actor.Role) && actor.Role != RoleSuperadmin {
			return ErrForbidden
		}
		if target.EffectivelyBanned(now) {
			return fmt.Errorf("%w: user is already banned", ErrInvalidState)
		}
		target.Banned = true
		target.BanReason = strings.TrimSpace(reason)
		target.BanExpiresAt = expiresAt
		target.UpdatedAt = now
		if err := tx.Users().Update(ctx, target); err != nil {
			return err
		}
		_, err = tx.Sessions().RevokeAllForUser(ctx, targetID, now)
		return err
	})
}

// UnbanUser clears ban state. Revoked sessions stay revoked.
func (s *Service) UnbanUser(ctx context.Context, actorID, targetID string) error {
	if _, err := s.requireGlobalRole(ctx, actorID, RoleAdmin); err != nil {
		return err
	}
	target, err := s.store.Users().Find(ctx, targetID)
	if err != nil {
		return err
	}
	target.Banned = false
	target.BanReason = ""
	target.BanExpiresAt = nil
	target.UpdatedAt = s.now().UTC()
	return s.store.Users().Update(ctx, target)
}

// Impersonate creates a session owned by the target but tagged with the
// admin actor. The session is hidden from the target's own session list and
// skips the two-factor gate: the actor already authenticated.
func (s *Service) Impersonate(ctx context.Context, actorID, targetID, userAgent string) (IssuedSession, error) {
	if _, err := s.requireGlobalRole(ctx, actorID, RoleAdmin); err != nil {
		return IssuedSession{}, err
	}
	if actorID == targetID {
		return IssuedSession{}, fmt.Errorf("%w: cannot impersonate yourself", ErrInvalidInput)
	}
	target, err := s.store.Users().Find(ctx, targetID)
	if err != nil {
		return IssuedSession{}, err
	}
	if target.EffectivelyBanned(s.now()) {
		return IssuedSession{}, ErrForbidden
	}
	return s.issueSession(ctx, target.ID, userAgent, actorID, false)
}

// ProfileUpdate carries the fields a user may change on their own account.
type ProfileUpdate struct {
	Name  *string
	Image *string
}

// UpdateProfile applies a self-service profile change.
func (s *Service) UpdateProfile(ctx context.Context, userID string, upd ProfileUpdate) (*User, error) {
	user, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return nil, err
	}
	if upd.Name != nil {
		name := strings.TrimSpace(*upd.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name cannot be empty", ErrInvalidInput)
		}
		user.Name = name
	}
	if upd.Image != nil {
		user.Image = strings.TrimSpace(*upd.Image)
	}
	user.UpdatedAt = s.now().UTC()
	if err := s.store.Users().Update(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// ChangePassword re-verifies the current password before storing the new
// hash. When revokeOther is set, every other session of the user is revoked
// so a leaked credential cannot keep riding an old device.
func (s *Service) ChangePassword(ctx context.Context, userID, current, updated, keepSessionID string, revokeOther bool) error {
	if strings.TrimSpace(updated) == "" {
		return fmt.Errorf("%w: new password is required", ErrInvalidInput)
	}
	user, err := s.store.Users().Find(ctx, userID)
	if err != nil {
		return err
	}
	if user.PasswordHash == "" {
		return ErrInvalidCredential
	}
	if err := VerifyPassword(user.PasswordHash, current); err != nil {
		return ErrInvalidCredential
	}
	hash, err := HashPassword(updated)
	if err != nil {
		return err
	}
	user.PasswordHash = hash
	user.UpdatedAt = s.now().UTC()
	if err := s.store.Users().Update(ctx, user); err != nil {
		return err
	}
	if !revokeOther {
		return nil
	}
	sessions, err := s.store.Sessions().ListByUser(ctx, userID, true)
	if err != nil {
		return err
	}
	now := s.now().UTC()
	for _, sess := range sessions {
		if sess.ID == keepSessionID || sess.RevokedAt != nil {
			continue
		}
		if err := s.store.Sessions().Revoke(ctx, sess.ID, now); err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
	}
	return nil
}

// DeleteUser removes the account with cascading deletion of sessions,
// memberships and two-factor credentials. Admin only; the last-owner
// invariant still applies to each organization the user owns.
func (s *Service) DeleteUser(ctx context.Context, actorID, targetID string) error {
	actor, err := s.requireGlobalRole(ctx, actorID, RoleAdmin)
	if err != nil {
		return err
	}
	return s.store.InTx(ctx, func(tx Store) error {
		target, err := tx.Users().Find(ctx, targetID)
		if err != nil {
			return err
		}
		if target.Role.AtLeast(actor.Role) && actorID != targetID && actor.Role != RoleSuperadmin {
			return ErrForbidden
		}
		memberships, err := tx.Memberships().ListByUser(ctx, targetID)
		if err != nil {
			return err
		}
		for _, m := range memberships {
			if m.Role != OrgRoleOwner {
				continue
			}
			owners, err := tx.Memberships().CountByRole(ctx, m.OrganizationID, OrgRoleOwner)
			if err != nil {
				return err
			}
			if owners <= 1 {
				return ErrLastOwner
			}
		}
		return tx.Users().Delete(ctx, targetID)
	})
}
