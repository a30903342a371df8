// Package pg is the Postgres persistence layer: payment rows for the ledger
// and user records for the identity directory.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"avantemaps.app/internal/ledger"
)

const pgErrUniqueViolation = "23505"

type Store struct {
	db *sql.DB
}

var _ ledger.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection (used by tests).
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) InsertApproved(ctx context.Context, p *ledger.Payment) error {
	metaJSON := []byte("{}")
	if len(p.Metadata) > 0 {
		raw, err := json.Marshal(p.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = raw
	}

	_, err := s.db.ExecContext(ctx, `
		insert into payments (id, user_id, amount, memo, metadata, approved, created_at, updated_at)
		values ($1, $2, $3, $4, $5, true, $6, $6)
		on conflict (id) do nothing
	`, p.ID, p.UserID, p.Amount, p.Memo, metaJSON, p.CreatedAt)
	if err != nil {
		// A concurrent insert racing past the conflict clause is still a no-op.
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return nil
		}
		return err
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*ledger.Payment, error) {
	var (
		p       ledger.Payment
		rawMeta []byte
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, amount, coalesce(memo,''), metadata, coalesce(txid,''),
		       approved, verified, completed, cancelled, coalesce(error,''),
		       created_at, updated_at
		from payments
		where id = $1
	`, id).Scan(
		&p.ID, &p.UserID, &p.Amount, &p.Memo, &rawMeta, &p.TxID,
		&p.Status.Approved, &p.Status.Verified, &p.Status.Completed, &p.Status.Cancelled, &p.Status.Error,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ledger.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(rawMeta) > 0 {
		if err := json.Unmarshal(rawMeta, &p.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return &p, nil
}

func (s *Store) MarkCompleted(ctx context.Context, id, txid string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update payments
		set txid = $2, verified = true, completed = true, error = null, updated_at = $3
		where id = $1 and approved and not completed and not cancelled
	`, id, txid, at)
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff > 0, nil
}

func (s *Store) MarkCancelled(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		update payments
		set cancelled = true, updated_at = $2
		where id = $1 and not completed and not cancelled
	`, id, at)
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff > 0, nil
}

func (s *Store) RecordError(ctx context.Context, id, msg string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update payments set error = $2, updated_at = $3 where id = $1
	`, id, msg, at)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return ledger.ErrNotFound
	}
	return nil
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
