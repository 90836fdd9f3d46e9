// Package postgres provides a PostgreSQL-backed implementation of
// [memory.TranscriptStore].
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lumina/lumina/pkg/memory"
)

var _ memory.TranscriptStore = (*Store)(nil)

const ddlTranscriptEntries = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id          BIGSERIAL   PRIMARY KEY,
    session_id  TEXT        NOT NULL,
    speaker     TEXT        NOT NULL,
    text        TEXT        NOT NULL,
    timestamp   TIMESTAMPTZ NOT NULL DEFAULT now(),
    duration_ns BIGINT      NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_session_timestamp
    ON transcript_entries (session_id, timestamp);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_fts
    ON transcript_entries USING GIN (to_tsvector('english', text));
`

// Store is a PostgreSQL-backed [memory.TranscriptStore]. All operations are
// safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the PostgreSQL database at dsn
// and runs [Migrate] to ensure the transcript_entries table exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("memory/postgres: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory/postgres: ping: %w", err)
	}
	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("memory/postgres: migrate: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Migrate creates the transcript_entries table and its indexes if they do
// not already exist.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscriptEntries); err != nil {
		return fmt.Errorf("memory/postgres: exec ddl: %w", err)
	}
	return nil
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// WriteEntry implements [memory.TranscriptStore].
func (s *Store) WriteEntry(ctx context.Context, entry memory.TranscriptEntry) error {
	const q = `
		INSERT INTO transcript_entries (session_id, speaker, text, timestamp, duration_ns)
		VALUES ($1, $2, $3, $4, $5)`

	_, err := s.pool.Exec(ctx, q,
		entry.SessionID, string(entry.Speaker), entry.Text, entry.Timestamp, entry.Duration.Nanoseconds(),
	)
	if err != nil {
		return fmt.Errorf("memory/postgres: write entry: %w", err)
	}
	return nil
}

// GetRecent implements [memory.TranscriptStore].
func (s *Store) GetRecent(ctx context.Context, sessionID string, since time.Duration) ([]memory.TranscriptEntry, error) {
	const q = `
		SELECT session_id, speaker, text, timestamp, duration_ns
		FROM   transcript_entries
		WHERE  session_id = $1
		  AND  timestamp  >= now() - ($2::bigint * interval '1 microsecond')
		ORDER  BY timestamp`

	rows, err := s.pool.Query(ctx, q, sessionID, since.Microseconds())
	if err != nil {
		return nil, fmt.Errorf("memory/postgres: get recent: %w", err)
	}
	return collectEntries(rows)
}

// Search implements [memory.TranscriptStore]. The query is passed to
// plainto_tsquery so no special operator syntax is required.
func (s *Store) Search(ctx context.Context, query string, opts memory.SearchOpts) ([]memory.TranscriptEntry, error) {
	args := []any{query} // $1 = FTS query string
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{
		"to_tsvector('english', text) @@ plainto_tsquery('english', $1)",
	}
	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = "+next(opts.SessionID))
	}
	if opts.Speaker != "" {
		conditions = append(conditions, "speaker = "+next(string(opts.Speaker)))
	}
	if !opts.After.IsZero() {
		conditions = append(conditions, "timestamp > "+next(opts.After))
	}
	if !opts.Before.IsZero() {
		conditions = append(conditions, "timestamp < "+next(opts.Before))
	}

	q := "SELECT session_id, speaker, text, timestamp, duration_ns\n" +
		"FROM   transcript_entries\n" +
		"WHERE  " + strings.Join(conditions, "\n  AND  ") + "\n" +
		"ORDER  BY timestamp"

	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf("\nLIMIT $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("memory/postgres: search: %w", err)
	}
	return collectEntries(rows)
}

func collectEntries(rows pgx.Rows) ([]memory.TranscriptEntry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.TranscriptEntry, error) {
		var (
			e          memory.TranscriptEntry
			speaker    string
			durationNS int64
		)
		if err := row.Scan(&e.SessionID, &speaker, &e.Text, &e.Timestamp, &durationNS); err != nil {
			return memory.TranscriptEntry{}, err
		}
		e.Speaker = memory.Speaker(speaker)
		e.Duration = time.Duration(durationNS)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("memory/postgres: scan rows: %w", err)
	}
	if entries == nil {
		entries = []memory.TranscriptEntry{}
	}
	return entries, nil
}
