package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chatpulse/chatpulse/internal/store"
)

func (s *Store) UpsertConversation(ctx context.Context, c *store.ConversationConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rules any
	if len(c.CategoryRules) > 0 {
		b, err := json.Marshal(c.CategoryRules)
		if err != nil {
			return fmt.Errorf("marshal category rules: %w", err)
		}
		rules = string(b)
	}

	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (conversation_id, display_name, monitored, category_rules, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (conversation_id) DO UPDATE SET
		   display_name = excluded.display_name,
		   monitored = excluded.monitored,
		   category_rules = excluded.category_rules,
		   updated_at = excluded.updated_at`,
		c.ConversationID, c.DisplayName, boolInt(c.Monitored), rules,
		c.CreatedAt.Unix(), c.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*store.ConversationConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, display_name, monitored, category_rules, created_at, updated_at
		 FROM conversations WHERE conversation_id = ?`, id)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	return c, nil
}

func (s *Store) ListConversations(ctx context.Context, monitoredOnly bool) ([]store.ConversationConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT conversation_id, display_name, monitored, category_rules, created_at, updated_at
		FROM conversations`
	if monitoredOnly {
		query += ` WHERE monitored = 1`
	}
	query += ` ORDER BY conversation_id`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var out []store.ConversationConfig
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (s *Store) SetMonitored(ctx context.Context, id string, monitored bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET monitored = ?, updated_at = ? WHERE conversation_id = ?`,
		boolInt(monitored), time.Now().Unix(), id)
	if err != nil {
		return fmt.Errorf("set monitored: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanConversation(r rowScanner) (*store.ConversationConfig, error) {
	var (
		c         store.ConversationConfig
		monitored int
		rules     sql.NullString
		cr, up    int64
	)
	if err := r.Scan(&c.ConversationID, &c.DisplayName, &monitored, &rules, &cr, &up); err != nil {
		return nil, err
	}
	c.Monitored = monitored != 0
	c.CreatedAt = time.Unix(cr, 0).UTC()
	c.UpdatedAt = time.Unix(up, 0).UTC()
	if rules.Valid && rules.String != "" {
		if err := json.Unmarshal([]byte(rules.String), &c.CategoryRules); err != nil {
			return nil, fmt.Errorf("unmarshal category rules: %w", err)
		}
	}
	return &c, nil
}
