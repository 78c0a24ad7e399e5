package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// pgDB is the subset of *pgxpool.Pool the store uses.
type pgDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

var pgSchema = []string{
	`CREATE TABLE IF NOT EXISTS sgdrift_idempotency (
		event_id         TEXT PRIMARY KEY,
		status           TEXT NOT NULL,
		token            TEXT NOT NULL,
		claimed_at       TIMESTAMPTZ NOT NULL,
		lease_expires_at TIMESTAMPTZ NOT NULL,
		expires_at       TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS sgdrift_idempotency_expires_at ON sgdrift_idempotency (expires_at)`,
}

// The upsert only replaces a row that no longer blocks; when the WHERE
// clause rejects the update no row is returned.
const pgClaim = `
INSERT INTO sgdrift_idempotency AS t (event_id, status, token, claimed_at, lease_expires_at, expires_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (event_id) DO UPDATE SET
	status = EXCLUDED.status,
	token = EXCLUDED.token,
	claimed_at = EXCLUDED.claimed_at,
	lease_expires_at = EXCLUDED.lease_expires_at,
	expires_at = EXCLUDED.expires_at
WHERE t.expires_at <= $7
   OR (t.status = 'in-progress' AND t.lease_expires_at <= $7)
RETURNING event_id`

const pgSelect = `
SELECT event_id, status, token, claimed_at, lease_expires_at, expires_at
FROM sgdrift_idempotency
WHERE event_id = $1`

// PostgresStore keeps records in the sgdrift_idempotency table.
type PostgresStore struct {
	db    pgDB
	close func()
}

// OpenPostgres connects a pool to dsn, checks it and creates the table when
// missing.
func OpenPostgres(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	s := &PostgresStore{db: pool, close: pool.Close}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the table and its index if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range pgSchema {
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create idempotency table: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) Claim(ctx context.Context, rec Record, now time.Time) (bool, *Record, error) {
	var id string
	err := s.db.QueryRow(ctx, pgClaim,
		rec.EventID, string(rec.Status), rec.Token,
		rec.ClaimedAt, rec.LeaseExpiresAt, rec.ExpiresAt, now,
	).Scan(&id)
	if err == nil {
		return true, nil, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return false, nil, fmt.Errorf("postgres claim %s: %w", rec.EventID, err)
	}
	existing, err := s.Get(ctx, rec.EventID)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (s *PostgresStore) Complete(ctx context.Context, eventID, token string, expiresAt time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE sgdrift_idempotency SET status = $3, expires_at = $4 WHERE event_id = $1 AND token = $2`,
		eventID, token, string(StatusProcessed), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres complete %s: %w", eventID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *PostgresStore) Release(ctx context.Context, eventID, token string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM sgdrift_idempotency WHERE event_id = $1 AND token = $2`,
		eventID, token,
	)
	if err != nil {
		return fmt.Errorf("postgres release %s: %w", eventID, err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, eventID string) (*Record, error) {
	var (
		r      Record
		status string
	)
	err := s.db.QueryRow(ctx, pgSelect, eventID).
		Scan(&r.EventID, &status, &r.Token, &r.ClaimedAt, &r.LeaseExpiresAt, &r.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres get %s: %w", eventID, err)
	}
	r.Status = Status(status)
	return &r, nil
}

// Prune deletes records whose retention has ended.
func (s *PostgresStore) Prune(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM sgdrift_idempotency WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Ping runs a trivial query.
func (s *PostgresStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRow(ctx, `SELECT 1`).Scan(&one); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.close != nil {
		s.close()
	}
	return nil
}
