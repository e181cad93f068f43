// Package sqlite implements parley.TranscriptStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/parley-ai/parley"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
// When set, the store emits debug logs for every operation including
// timing and key parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements parley.TranscriptStore backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ parley.TranscriptStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so that
// all goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS processes (
			id TEXT PRIMARY KEY,
			parent_id TEXT,
			access TEXT NOT NULL,
			system_prompt TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			process_id TEXT NOT NULL,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_process ON messages(process_id, created_at)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	s.logger.Debug("sqlite: init done", "duration", time.Since(start))
	return nil
}

// SaveProcess upserts a process record.
func (s *Store) SaveProcess(ctx context.Context, rec parley.ProcessRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processes (id, parent_id, access, system_prompt, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET access = excluded.access, system_prompt = excluded.system_prompt`,
		rec.ID, rec.ParentID, rec.Access, rec.SystemPrompt, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("save process: %w", err)
	}
	s.logger.Debug("sqlite: process saved", "id", rec.ID, "parent", rec.ParentID)
	return nil
}

// SaveMessage appends a message record.
func (s *Store) SaveMessage(ctx context.Context, rec parley.MessageRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, process_id, role, content, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.ProcessID, rec.Role, rec.Content, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("save message: %w", err)
	}
	return nil
}

// Messages returns up to limit messages of a process, oldest first.
func (s *Store) Messages(ctx context.Context, processID string, limit int) ([]parley.MessageRecord, error) {
	start := time.Now()
	query := `SELECT id, process_id, role, content, created_at FROM messages
		WHERE process_id = ? ORDER BY created_at, id`
	args := []any{processID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
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
	s.logger.Debug("sqlite: messages loaded", "process_id", processID, "count", len(out), "duration", time.Since(start))
	return out, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
