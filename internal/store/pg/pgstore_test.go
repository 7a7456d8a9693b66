package pg

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"tessera.org/internal/identity"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewWithDB(db), mock
}

func TestUsersFindByEmail(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows([]string{
		"id", "name", "email", "email_verified", "image", "role", "banned",
		"ban_reason", "ban_expires_at", "two_factor_enabled", "password_hash",
		"created_at", "updated_at",
	}).AddRow("u1", "Alice", "alice@example.com", true, nil, "admin", false,
		nil, nil, false, "hash", now, now)
	mock.ExpectQuery("select (.+) from users where lower\\(email\\)=lower\\(\\$1\\)").
		WithArgs("alice@example.com").
		WillReturnRows(rows)

	user, err := store.Users().FindByEmail(context.Background(), "alice@example.com")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if user.ID != "u1" || user.Role != identity.RoleAdmin || user.PasswordHash != "hash" {
		t.Fatalf("unexpected user %+v", user)
	}
	if user.BanExpiresAt != nil || user.Image != "" {
		t.Fatal("null columns should map to zero values")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestUsersFindNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("select (.+) from users where id=\\$1").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.Users().Find(context.Background(), "missing")
	if !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUsersCreateMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("insert into users").
		WillReturnError(&pgconn.PgError{Code: pgErrUniqueViolation})

	err := store.Users().Create(context.Background(), &identity.User{
		ID:    "u1",
		Name:  "Alice",
		Email: "alice@example.com",
		Role:  identity.RoleUser,
	})
	if !errors.Is(err, identity.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestSessionsRevokeAlreadyRevoked(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("update sessions set revoked_at=\\$2 where id=\\$1 and revoked_at is null").
		WithArgs("s1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Sessions().Revoke(context.Background(), "s1", time.Now())
	if !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for a no-op revoke, got %v", err)
	}
}

func TestInvitationsUpdateStatusCompareAndSet(t *testing.T) {
	store, mock := newMockStore(t)
	ctx := context.Background()

	// Winner: one row moved.
	mock.ExpectExec("update invitations set status=\\$3 where id=\\$1 and status=\\$2").
		WithArgs("inv1", identity.InvitationPending, identity.InvitationAccepted).
		WillReturnResult(sqlmock.NewResult(0, 1))
	if err := store.Invitations().UpdateStatus(ctx, "inv1", identity.InvitationPending, identity.InvitationAccepted); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	// Loser: no row matched but the invitation exists.
	mock.ExpectExec("update invitations set status=\\$3 where id=\\$1 and status=\\$2").
		WithArgs("inv1", identity.InvitationPending, identity.InvitationAccepted).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").
		WithArgs("inv1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	err := store.Invitations().UpdateStatus(ctx, "inv1", identity.InvitationPending, identity.InvitationAccepted)
	if !errors.Is(err, identity.ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState for the losing CAS, got %v", err)
	}

	// Unknown invitation.
	mock.ExpectExec("update invitations set status=\\$3 where id=\\$1 and status=\\$2").
		WithArgs("ghost", identity.InvitationPending, identity.InvitationCanceled).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select exists").
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	err = store.Invitations().UpdateStatus(ctx, "ghost", identity.InvitationPending, identity.InvitationCanceled)
	if !errors.Is(err, identity.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("delete from users where id=\\$1").
		WithArgs("u1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	sentinel := errors.New("boom")
	err := store.InTx(context.Background(), func(tx identity.Store) error {
		if err := tx.Users().Delete(context.Background(), "u1"); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestInTxCommits(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec("update sessions set revoked_at=\\$2").
		WithArgs("u1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	err := store.InTx(context.Background(), func(tx identity.Store) error {
		n, err := tx.Sessions().RevokeAllForUser(context.Background(), "u1", time.Now())
		if err != nil {
			return err
		}
		if n != 2 {
			t.Fatalf("expected 2 revoked, got %d", n)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
