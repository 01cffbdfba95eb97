// Package sqlite implements store.MetadataStore on a local SQLite database
// (modernc.org/sqlite, pure Go driver). This is the standalone-mode backend.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chatpulse/chatpulse/internal/store"
)

// Store is a SQLite-backed MetadataStore.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var _ store.MetadataStore = (*Store)(nil)

// Open opens (creating if necessary) the SQLite database at path.
// Pass ":memory:" for an ephemeral store (tests).
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// The modernc driver serializes writes per connection; one connection
	// keeps WAL writers from tripping over each other.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}

	slog.Debug("sqlite store opened", "path", path)
	return s, nil
}

// ensureSchema applies the baseline schema. The migrate command owns
// versioned changes; this exists so tests and first runs work without it.
func (s *Store) ensureSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender          TEXT NOT NULL,
			ts              INTEGER NOT NULL,
			text            TEXT NOT NULL DEFAULT '',
			media_refs      TEXT,
			type            TEXT NOT NULL DEFAULT 'text',
			outgoing        INTEGER NOT NULL DEFAULT 0,
			scraped_at      INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_conv_ts ON messages(conversation_id, ts);

		CREATE TABLE IF NOT EXISTS conversations (
			conversation_id TEXT PRIMARY KEY,
			display_name    TEXT NOT NULL DEFAULT '',
			monitored       INTEGER NOT NULL DEFAULT 1,
			category_rules  TEXT,
			created_at      INTEGER NOT NULL,
			updated_at      INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS analysis_results (
			message_id  TEXT NOT NULL,
			agent_kind  TEXT NOT NULL,
			status      TEXT NOT NULL,
			label       TEXT NOT NULL DEFAULT '',
			score       REAL NOT NULL DEFAULT 0,
			confidence  REAL NOT NULL DEFAULT 0,
			payload     TEXT,
			error       TEXT NOT NULL DEFAULT '',
			produced_at INTEGER NOT NULL,
			PRIMARY KEY (message_id, agent_kind)
		);

		CREATE TABLE IF NOT EXISTS pending_embeddings (
			message_id  TEXT PRIMARY KEY,
			enqueued_at INTEGER NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// PruneBefore removes messages older than cutoff along with their analysis
// results and any pending reconciliation entries. Returns the number of
// messages removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer tx.Rollback()

	cut := cutoff.Unix()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM analysis_results WHERE message_id IN (SELECT id FROM messages WHERE ts < ?)`, cut); err != nil {
		return 0, fmt.Errorf("prune results: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_embeddings WHERE message_id IN (SELECT id FROM messages WHERE ts < ?)`, cut); err != nil {
		return 0, fmt.Errorf("prune pending: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE ts < ?`, cut)
	if err != nil {
		return 0, fmt.Errorf("prune messages: %w", err)
	}
	n, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return n, nil
}
