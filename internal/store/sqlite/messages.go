package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/chatpulse/chatpulse/internal/store"
)

// SaveMessage inserts a message. Inserting an identity that already exists
// returns store.ErrDuplicateMessage.
func (s *Store) SaveMessage(ctx context.Context, m *store.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var refs any
	if len(m.MediaRefs) > 0 {
		b, err := json.Marshal(m.MediaRefs)
		if err != nil {
			return fmt.Errorf("marshal media refs: %w", err)
		}
		refs = string(b)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender, ts, text, media_refs, type, outgoing, scraped_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.Sender, m.Timestamp.Unix(), m.Text,
		refs, string(m.Type), boolInt(m.Outgoing), m.ScrapedAt.Unix(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateMessage
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// MessageExists is the authoritative existence check backing the
// deduplicator across process restarts.
func (s *Store) MessageExists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("message exists: %w", err)
	}
	return true, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, sender, ts, text, media_refs, type, outgoing, scraped_at
		 FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// ListMessages returns messages matching q in arrival order (the order they
// were committed, which within one conversation equals source order).
func (s *Store) ListMessages(ctx context.Context, q store.MessageQuery) ([]store.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if q.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, q.ConversationID)
	}
	if q.Sender != "" {
		where = append(where, "sender = ?")
		args = append(args, q.Sender)
	}
	if !q.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, q.Since.Unix())
	}
	if !q.Until.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, q.Until.Unix())
	}

	query := `SELECT id, conversation_id, sender, ts, text, media_refs, type, outgoing, scraped_at FROM messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY rowid"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	} else if q.Offset > 0 {
		// SQLite requires a LIMIT clause before OFFSET.
		query += " LIMIT -1"
	}
	if q.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// EnqueuePending records a message whose vector index write failed.
// Idempotent: re-enqueueing the same message is a no-op.
func (s *Store) EnqueuePending(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_embeddings (message_id, enqueued_at) VALUES (?, ?)
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("enqueue pending: %w", err)
	}
	return nil
}

// ListPending returns up to limit message IDs awaiting reconciliation,
// oldest first.
func (s *Store) ListPending(ctx context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id FROM pending_embeddings ORDER BY enqueued_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list pending: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) ClearPending(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_embeddings WHERE message_id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("clear pending: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(r rowScanner) (*store.Message, error) {
	var (
		m        store.Message
		ts, sc   int64
		refs     sql.NullString
		typ      string
		outgoing int
	)
	if err := r.Scan(&m.ID, &m.ConversationID, &m.Sender, &ts, &m.Text, &refs, &typ, &outgoing, &sc); err != nil {
		return nil, err
	}
	m.Timestamp = time.Unix(ts, 0).UTC()
	m.ScrapedAt = time.Unix(sc, 0).UTC()
	m.Type = store.MessageType(typ)
	m.Outgoing = outgoing != 0
	if refs.Valid && refs.String != "" {
		if err := json.Unmarshal([]byte(refs.String), &m.MediaRefs); err != nil {
			return nil, fmt.Errorf("unmarshal media refs: %w", err)
		}
	}
	return &m, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY || code == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
