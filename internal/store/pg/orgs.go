package pg

import (
	"context"
	"database/sql"
	"errors"

	"tessera.org/internal/identity"
)

type organizations struct {
	q querier
}

const orgColumns = `id, name, slug, logo_uri, created_at, updated_at`

func scanOrg(row interface{ Scan(...any) error }) (*identity.Organization, error) {
	var (
		org  identity.Organization
		logo sql.NullString
	)
	err := row.Scan(&org.ID, &org.Name, &org.Slug, &logo, &org.CreatedAt, &org.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	org.LogoURI = logo.String
	return &org, nil
}

func (s organizations) Create(ctx context.Context, o *identity.Organization) error {
	_, err := s.q.ExecContext(ctx, `
		insert into organizations (id, name, slug, logo_uri, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6)
	`, o.ID, o.Name, o.Slug, nullString(o.LogoURI), o.CreatedAt, o.UpdatedAt)
	return mapWriteError(err)
}

func (s organizations) Find(ctx context.Context, id string) (*identity.Organization, error) {
	return scanOrg(s.q.QueryRowContext(ctx, `select `+orgColumns+` from organizations where id=$1`, id))
}

func (s organizations) FindBySlug(ctx context.Context, slug string) (*identity.Organization, error) {
	return scanOrg(s.q.QueryRowContext(ctx, `select `+orgColumns+` from organizations where slug=$1`, slug))
}

func (s organizations) Update(ctx context.Context, o *identity.Organization) error {
	res, err := s.q.ExecContext(ctx, `
		update organizations set name=$2, slug=$3, logo_uri=$4, updated_at=$5 where id=$1
	`, o.ID, o.Name, o.Slug, nullString(o.LogoURI), o.UpdatedAt)
	if err != nil {
		return mapWriteError(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func (s organizations) ListByUser(ctx context.Context, userID string) ([]*identity.Organization, error) {
	rows, err := s.q.QueryContext(ctx, `
		select o.id, o.name, o.slug, o.logo_uri, o.created_at, o.updated_at
		from organizations o
		join memberships m on m.organization_id = o.id
		where m.user_id = $1
		order by o.name, o.id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*identity.Organization
	for rows.Next() {
		org, err := scanOrg(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, org)
	}
	return out, rows.Err()
}

type memberships struct {
	q querier
}

func (s memberships) Create(ctx context.Context, m *identity.Membership) error {
	_, err := s.q.ExecContext(ctx, `
		insert into memberships (organization_id, user_id, role, joined_at)
		values ($1,$2,$3,$4)
	`, m.OrganizationID, m.UserID, m.Role, m.JoinedAt)
	return mapWriteError(err)
}

func (s memberships) Find(ctx context.Context, organizationID, userID string) (*identity.Membership, error) {
	var m identity.Membership
	err := s.q.QueryRowContext(ctx, `
		select organization_id, user_id, role, joined_at
		from memberships where organization_id=$1 and user_id=$2
	`, organizationID, userID).Scan(&m.OrganizationID, &m.UserID, &m.Role, &m.JoinedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s memberships) ListByOrg(ctx context.Context, organizationID string) ([]identity.Membership, error) {
	rows, err := s.q.QueryContext(ctx, `
		select organization_id, user_id, role, joined_at
		from memberships where organization_id=$1
		order by joined_at, user_id
	`, organizationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMemberships(rows)
}

func (s memberships) ListByUser(ctx context.Context, userID string) ([]identity.Membership, error) {
	rows, err := s.q.QueryContext(ctx, `
		select organization_id, user_id, role, joined_at
		from memberships where user_id=$1
		order by organization_id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMemberships(rows)
}

func collectMemberships(rows *sql.Rows) ([]identity.Membership, error) {
	var out []identity.Membership
	for rows.Next() {
		var m identity.Membership
		if err := rows.Scan(&m.OrganizationID, &m.UserID, &m.Role, &m.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s memberships) Delete(ctx context.Context, organizationID, userID string) error {
	res, err := s.q.ExecContext(ctx, `
		delete from memberships where organization_id=$1 and user_id=$2
	`, organizationID, userID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return identity.ErrNotFound
	}
	return nil
}

func (s memberships) CountByRole(ctx context.Context, organizationID string, role identity.OrgRole) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `
		select count(*) from memberships where organization_id=$1 and role=$2
	`, organizationID, role).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}
