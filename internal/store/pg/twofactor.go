package pg

import (
	"context"
	"database/sql"
	"errors"

	"tessera.org/internal/identity"
)

type twofactor struct {
	q querier
}

func (s twofactor) Get(ctx context.Context, userID string) (*identity.TwoFactorCredential, error) {
	var (
		cred       identity.TwoFactorCredential
		secret     []byte
		pending    []byte
		pendingExp sql.NullTime
		verifiedAt sql.NullTime
	)
	err := s.q.QueryRowContext(ctx, `
		select user_id, secret, enabled, pending_secret, pending_expires_at, failed_attempts, last_verified_at
		from two_factor_credentials where user_id=$1
	`, userID).Scan(&cred.UserID, &secret, &cred.Enabled, &pending, &pendingExp, &cred.FailedAttempts, &verifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, identity.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	cred.Secret = secret
	cred.PendingSecret = pending
	cred.PendingExpiresAt = timePtr(pendingExp)
	cred.LastVerifiedAt = timePtr(verifiedAt)
	return &cred, nil
}

func (s twofactor) Upsert(ctx context.Context, cred *identity.TwoFactorCredential) error {
	_, err := s.q.ExecContext(ctx, `
		insert into two_factor_credentials (user_id, secret, enabled, pending_secret, pending_expires_at, failed_attempts, last_verified_at)
		values ($1,$2,$3,$4,$5,$6,$7)
		on conflict (user_id) do update
		set secret=excluded.secret, enabled=excluded.enabled,
		    pending_secret=excluded.pending_secret, pending_expires_at=excluded.pending_expires_at,
		    failed_attempts=excluded.failed_attempts, last_verified_at=excluded.last_verified_at
	`, cred.UserID, cred.Secret, cred.Enabled, cred.PendingSecret,
		nullTime(cred.PendingExpiresAt), cred.FailedAttempts, nullTime(cred.LastVerifiedAt))
	return mapWriteError(err)
}

func (s twofactor) Delete(ctx context.Context, userID string) error {
	res, err := s.q.ExecContext(ctx, `delete from two_factor_credentials where user_id=$1`, userID)
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
