package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"tessera.org/internal/identity"
)

type sessions struct {
	q querier
}

const sessionColumns = `id, user_id, token_hash, user_agent, impersonated_by, two_factor_pending, active_organization_id, created_at, expires_at, revoked_at`

func scanSession(row interface{ Scan(...any) error }) (*identity.Session, error) {
	var (
		sess         identity.Session
		userAgent    sql.NullString
		impersonator sql.NullString
		activeOrg    sql.NullString
		revokedAt    sql.NullTime
	)
	err := row.Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &userAgent, &impersonator,
		&sess.TwoFactorPending, &activeOrg, &sess.CreatedAt, &sess.ExpiresAt, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.UserAgent = userAgent.String
	sess.ImpersonatedBy = impersonator.String
	sess.ActiveOrganizationID = activeOrg.String
	sess.RevokedAt = timePtr(revokedAt)
	return &sess, nil
}

func (s sessions) Create(ctx context.Context, sess *identity.Session) error {
	_, err := s.q.ExecContext(ctx, `
		insert into sessions (id, user_id, token_hash, user_agent, impersonated_by, two_factor_pending, active_organization_id, created_at, expires_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, sess.ID, sess.UserID, sess.TokenHash, nullString(sess.UserAgent),
		nullString(sess.ImpersonatedBy), sess.TwoFactorPending,
		nullString(sess.ActiveOrganizationID), sess.CreatedAt, sess.ExpiresAt)
	return mapWriteError(err)
}

func (s sessions) Find(ctx context.Context, id string) (*identity.Session, error) {
	return scanSession(s.q.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where id=$1`, id))
}

func (s sessions) FindByTokenHash(ctx context.Context, hash string) (*identity.Session, error) {
	return scanSession(s.q.QueryRowContext(ctx, `select `+sessionColumns+` from sessions where token_hash=$1`, hash))
}

func (s sessions) ListByUser(ctx context.Context, userID string, includeImpersonated bool) ([]*identity.Session, error) {
	query := `select ` + sessionColumns + ` from sessions where user_id=$1`
	if !includeImpersonated {
		query += ` and impersonated_by is null`
	}
	query += ` order by created_at desc, id desc`
	rows, err := s.q.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*identity.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s sessions) Revoke(ctx context.Context, id string, at time.Time) error {
	res, err := s.q.ExecContext(ctx, `
		update sessions set revoked_at=$2 where id=$1 and revoked_at is null
	`, id, at)
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

func (s sessions) RevokeAllForUser(ctx context.Context, userID string, asOf time.Time) (int, error) {
	// Only rows that predate the snapshot: a login racing this call keeps
	// its fresh session.
	res, err := s.q.ExecContext(ctx, `
		update sessions set revoked_at=$2
		where user_id=$1 and revoked_at is null and created_at <= $2
	`, userID, asOf)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(affected), nil
}

func (s sessions) SetActiveOrganization(ctx context.Context, id string, organizationID string) error {
	res, err := s.q.ExecContext(ctx, `
		update sessions set active_organization_id=$2 where id=$1
	`, id, nullString(organizationID))
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

func (s sessions) ClearTwoFactorPending(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `
		update sessions set two_factor_pending=false where id=$1
	`, id)
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
