// Package pg implements identity.Store on PostgreSQL.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tessera.org/internal/identity"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
	pgErrSerializationFail   = "40001"
)

// querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements identity.Store against a Postgres pool. A Store obtained
// from InTx shares the transaction for every sub-store.
type Store struct {
	db *sql.DB
	q  querier
}

var _ identity.Store = (*Store)(nil)

// Open connects to the database and tunes the pool.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db, q: db}, nil
}

// NewWithDB wraps an existing pool; used by tests with sqlmock.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, q: db}
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the pool for readiness probes and the migration runner.
func (s *Store) DB() *sql.DB { return s.db }

// InTx runs fn in a serializable transaction. Serializable isolation is
// what makes the last-owner check and the invitation compare-and-set safe
// under concurrency; serialization failures surface to the caller like any
// other storage fault.
func (s *Store) InTx(ctx context.Context, fn func(identity.Store) error) error {
	if _, ok := s.q.(*sql.Tx); ok {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&Store{db: s.db, q: tx}); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) Users() identity.UserStore                 { return users{q: s.q} }
func (s *Store) Sessions() identity.SessionStore           { return sessions{q: s.q} }
func (s *Store) Organizations() identity.OrganizationStore { return organizations{q: s.q} }
func (s *Store) Memberships() identity.MembershipStore     { return memberships{q: s.q} }
func (s *Store) Invitations() identity.InvitationStore     { return invitations{q: s.q} }
func (s *Store) TwoFactor() identity.TwoFactorStore        { return twofactor{q: s.q} }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

// mapWriteError converts driver-level constraint failures into the
// identity sentinels.
func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return identity.ErrAlreadyExists
		case pgErrForeignKeyViolation:
			return identity.ErrNotFound
		}
	}
	return err
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
