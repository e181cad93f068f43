// Package postgres implements parley.TranscriptStore using PostgreSQL.
//
// Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool.
package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parley-ai/parley"
)

// StoreOption configures a PostgreSQL Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements parley.TranscriptStore backed by PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ parley.TranscriptStore = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...StoreOption) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS processes (
			id TEXT PRIMARY KEY,
			parent_id TEXT,
			access TEXT NOT NULL,
			system_prompt TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			process_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_process ON messages(process_id, created_at)`,
	}
	for _, ddl := range tables {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

// SaveProcess upserts a process record.
func (s *Store) SaveProcess(ctx context.Context, rec parley.ProcessRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO processes (id, parent_id, access, system_prompt, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET access = EXCLUDED.access, system_prompt = EXCLUDED.system_prompt`,
		rec.ID, rec.ParentID, rec.Access, rec.SystemPrompt, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("save process: %w", err)
	}
	s.logger.Debug("postgres: process saved", "id", rec.ID, "parent", rec.ParentID)
	return nil
}

// SaveMessage appends a message record.
func (s *Store) SaveMessage(ctx context.Context, rec parley.MessageRecord) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, process_id, role, content, created_at) VALUES ($1, $2, $3, $4, $5)`,
		rec.ID, rec.ProcessID, rec.Role, rec.Content, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// Messages returns up to limit messages of a process, oldest first.
func (s *Store) Messages(ctx context.Context, processID string, limit int) ([]parley.MessageRecord, error) {
	query := `SELECT id, process_id, role, content, created_at FROM messages
		WHERE process_id = $1 ORDER BY created_at, id`
	args := []any{processID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var out []parley.MessageRecord
	for rows.Next() {
		var rec parley.MessageRecord
		if err := rows.Scan(&rec.ID, &rec.ProcessID, &rec.Role, &rec.Content, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error {
	return nil
}
