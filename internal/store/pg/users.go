package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"tessera.org/internal/identity"
)

type users struct {
	q querier
}

const userColumns = `id, name, email, email_verified, image, role, banned, ban_reason, ban_expires_at, two_factor_enabled, password_hash, created_at, updated_at`

func scanUser(row interface{ Scan(...any) error }) (*identity.User, error) {
	var (
		u         identity.User
		image     sql.NullString
		banReason sql.NullString
		banExp    sql.NullTime
		hash      sql.NullString
	)
	err := row.Scan(&u.ID, &u.Name, &u.Email, &u.EmailVerified, &image, &u.Role,
		&u.Banned, &banReason, &banExp, &u.TwoFactorEnabled, &hash, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Image = image.String
	u.BanReason = banReason.String
	u.BanExpiresAt = timePtr(banExp)
	u.PasswordHash = hash.String
	return &u, nil
}

func (s users) Create(ctx context.Context, u *identity.User) error {
	_, err := s.q.ExecContext(ctx, `
		insert into users (id, name, email, email_verified, image, role, banned, ban_reason, ban_expires_at, two_factor_enabled, password_hash, created_at, updated_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, u.ID, u.Name, u.Email, u.EmailVerified, nullString(u.Image), u.Role,
		u.Banned, nullString(u.BanReason), nullTime(u.BanExpiresAt), u.TwoFactorEnabled,
		nullString(u.PasswordHash), u.CreatedAt, u.UpdatedAt)
	return mapWriteError(err)
}

func (s users) Find(ctx context.Context, id string) (*identity.User, error) {
	return scanUser(s.q.QueryRowContext(ctx, `select `+userColumns+` from users where id=$1`, id))
}

func (s users) FindByEmail(ctx context.Context, email string) (*identity.User, error) {
	return scanUser(s.q.QueryRowContext(ctx, `select `+userColumns+` from users where lower(email)=lower($1)`, email))
}

func (s users) Update(ctx context.Context, u *identity.User) error {
	res, err := s.q.ExecContext(ctx, `
		update users
		set name=$2, email=$3, email_verified=$4, image=$5, role=$6, banned=$7,
		    ban_reason=$8, ban_expires_at=$9, two_factor_enabled=$10, password_hash=$11, updated_at=$12
		where id=$1
	`, u.ID, u.Name, u.Email, u.EmailVerified, nullString(u.Image), u.Role, u.Banned,
		nullString(u.BanReason), nullTime(u.BanExpiresAt), u.TwoFactorEnabled,
		nullString(u.PasswordHash), u.UpdatedAt)
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

func userFilterClause(filter identity.UserFilter, args *[]any) string {
	var clauses []string
	if filter.Role != "" {
		*args = append(*args, string(filter.Role))
		clauses = append(clauses, fmt.Sprintf("role=$%d", len(*args)))
	}
	if filter.Banned != nil {
		*args = append(*args, *filter.Banned)
		clauses = append(clauses, fmt.Sprintf("banned=$%d", len(*args)))
	}
	if len(clauses) == 0 {
		return ""
	}
	return " where " + strings.Join(clauses, " and ")
}

func (s users) List(ctx context.Context, filter identity.UserFilter) ([]*identity.User, error) {
	var args []any
	query := `select ` + userColumns + ` from users` + userFilterClause(filter, &args) + ` order by created_at desc, id desc`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" limit $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" offset $%d", len(args))
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*identity.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s users) Count(ctx context.Context, filter identity.UserFilter) (int, error) {
	var args []any
	query := `select count(*) from users` + userFilterClause(filter, &args)
	var n int
	if err := s.q.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (s users) Delete(ctx context.Context, id string) error {
	// Sessions, memberships, invitations and two-factor credentials cascade
	// via foreign keys.
	res, err := s.q.ExecContext(ctx, `delete from users where id=$1`, id)
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
