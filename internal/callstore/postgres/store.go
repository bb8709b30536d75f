// Package postgres provides a PostgreSQL-backed [callstore.Store].
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/callbridge/internal/callstore"
)

var _ callstore.Store = (*Store)(nil)

const ddlCallSessions = `
CREATE TABLE IF NOT EXISTS call_sessions (
    stream_sid   TEXT         PRIMARY KEY,
    call_sid     TEXT         NOT NULL DEFAULT '',
    conn_id      TEXT         NOT NULL DEFAULT '',
    started_at   TIMESTAMPTZ  NOT NULL,
    ended_at     TIMESTAMPTZ,
    frames_sent  INTEGER      NOT NULL DEFAULT 0,
    end_reason   TEXT         NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_call_sessions_started_at
    ON call_sessions (started_at DESC);
`

// Migrate creates the call_sessions table and its indexes. It is idempotent
// and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlCallSessions); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// Store keeps session records in PostgreSQL. All operations are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection, and
// runs [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Begin implements [callstore.Store].
func (s *Store) Begin(ctx context.Context, rec callstore.Record) error {
	const q = `
		INSERT INTO call_sessions (stream_sid, call_sid, conn_id, started_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (stream_sid) DO UPDATE
		SET call_sid = EXCLUDED.call_sid,
		    conn_id = EXCLUDED.conn_id,
		    started_at = EXCLUDED.started_at,
		    ended_at = NULL,
		    frames_sent = 0,
		    end_reason = ''`

	if _, err := s.pool.Exec(ctx, q, rec.StreamSID, rec.CallSID, rec.ConnID, rec.StartedAt); err != nil {
		return fmt.Errorf("postgres store: begin: %w", err)
	}
	return nil
}

// Finish implements [callstore.Store].
func (s *Store) Finish(ctx context.Context, streamSID string, out callstore.Outcome) error {
	const q = `
		UPDATE call_sessions
		SET ended_at = $2, frames_sent = $3, end_reason = $4
		WHERE stream_sid = $1`

	tag, err := s.pool.Exec(ctx, q, streamSID, out.EndedAt, out.FramesSent, out.EndReason)
	if err != nil {
		return fmt.Errorf("postgres store: finish: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return callstore.ErrNotFound
	}
	return nil
}

// Get implements [callstore.Store].
func (s *Store) Get(ctx context.Context, streamSID string) (callstore.Record, error) {
	const q = `
		SELECT stream_sid, call_sid, conn_id, started_at, ended_at, frames_sent, end_reason
		FROM   call_sessions
		WHERE  stream_sid = $1`

	rows, err := s.pool.Query(ctx, q, streamSID)
	if err != nil {
		return callstore.Record{}, fmt.Errorf("postgres store: get: %w", err)
	}
	rec, err := pgx.CollectExactlyOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return callstore.Record{}, callstore.ErrNotFound
	}
	if err != nil {
		return callstore.Record{}, fmt.Errorf("postgres store: get: %w", err)
	}
	return rec, nil
}

// Recent implements [callstore.Store].
func (s *Store) Recent(ctx context.Context, limit int) ([]callstore.Record, error) {
	const q = `
		SELECT stream_sid, call_sid, conn_id, started_at, ended_at, frames_sent, end_reason
		FROM   call_sessions
		ORDER  BY started_at DESC
		LIMIT  $1`

	if limit <= 0 {
		limit = callstore.DefaultMemCapacity
	}
	rows, err := s.pool.Query(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: recent: %w", err)
	}
	recs, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan rows: %w", err)
	}
	if recs == nil {
		recs = []callstore.Record{}
	}
	return recs, nil
}

// Ping implements [callstore.Store].
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres store: ping: %w", err)
	}
	return nil
}

// Close implements [callstore.Store]. It closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

func scanRecord(row pgx.CollectableRow) (callstore.Record, error) {
	var (
		rec   callstore.Record
		ended *time.Time
	)
	if err := row.Scan(
		&rec.StreamSID,
		&rec.CallSID,
		&rec.ConnID,
		&rec.StartedAt,
		&ended,
		&rec.FramesSent,
		&rec.EndReason,
	); err != nil {
		return callstore.Record{}, err
	}
	if ended != nil {
		rec.EndedAt = *ended
	}
	return rec, nil
}
