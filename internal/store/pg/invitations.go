package pg

import (
	"context"
	"database/sql"
	"errors"

	"tessera.org/internal/identity"
)

type invitations struct {
	q querier
}

const invitationColumns = `id, organization_id, email, role, invited_by, status, created_at, expires_at`

func scanInvitation(row interface{ Scan(...any) error }) (*identity.Invitation, error) {
	var inv identity.Invitation
	err := row.Scan(&inv.ID, &inv.OrganizationID, &inv.Email, &inv.Role,
		&inv.InvitedBy, &inv.Status, &inv.CreatedAt, &inv.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (s invitations) Create(ctx context.Context, inv *identity.Invitation) error {
	_, err := s.q.ExecContext(ctx, `
		insert into invitations (id, organization_id, email, role, invited_by, status, created_at, expires_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, inv.ID, inv.OrganizationID, inv.Email, inv.Role, inv.InvitedBy, inv.Status, inv.CreatedAt, inv.ExpiresAt)
	return mapWriteError(err)
}

func (s invitations) Find(ctx context.Context, id string) (*identity.Invitation, error) {
	return scanInvitation(s.q.QueryRowContext(ctx, `select `+invitationColumns+` from invitations where id=$1`, id))
}

func (s invitations) FindPending(ctx context.Context, organizationID, email string) (*identity.Invitation, error) {
	return scanInvitation(s.q.QueryRowContext(ctx, `
		select `+invitationColumns+` from invitations
		where organization_id=$1 and lower(email)=lower($2) and status='pending'
	`, organizationID, email))
}

func (s invitations) ListByOrg(ctx context.Context, organizationID string) ([]identity.Invitation, error) {
	rows, err := s.q.QueryContext(ctx, `
		select `+invitationColumns+` from invitations
		where organization_id=$1
		order by created_at desc, id desc
	`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []identity.Invitation
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

// UpdateStatus is the compare-and-set that guards the one-directional
// lifecycle: the row moves out of `from` exactly once, so a concurrent
// double-accept loses with ErrInvalidState instead of re-applying.
func (s invitations) UpdateStatus(ctx context.Context, id string, from, to identity.InvitationStatus) error {
	res, err := s.q.ExecContext(ctx, `
		update invitations set status=$3 where id=$1 and status=$2
	`, id, from, to)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		return nil
	}
	var exists bool
	if err := s.q.QueryRowContext(ctx, `select exists(select 1 from invitations where id=$1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return identity.ErrNotFound
	}
	return identity.ErrInvalidState
}
