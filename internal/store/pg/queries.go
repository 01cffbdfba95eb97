package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chatpulse/chatpulse/internal/store"
)

func (s *Store) SaveMessage(ctx context.Context, m *store.Message) error {
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
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		m.ID, m.ConversationID, m.Sender, m.Timestamp.UTC(), m.Text,
		refs, string(m.Type), m.Outgoing, m.ScrapedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateMessage
		}
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *Store) MessageExists(ctx context.Context, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = $1`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("message exists: %w", err)
	}
	return true, nil
}

func (s *Store) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, sender, ts, text, media_refs, type, outgoing, scraped_at
		 FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

func (s *Store) ListMessages(ctx context.Context, q store.MessageQuery) ([]store.Message, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.ConversationID != "" {
		where = append(where, "conversation_id = "+arg(q.ConversationID))
	}
	if q.Sender != "" {
		where = append(where, "sender = "+arg(q.Sender))
	}
	if !q.Since.IsZero() {
		where = append(where, "ts >= "+arg(q.Since.UTC()))
	}
	if !q.Until.IsZero() {
		where = append(where, "ts < "+arg(q.Until.UTC()))
	}

	query := `SELECT id, conversation_id, sender, ts, text, media_refs, type, outgoing, scraped_at FROM messages`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY arrival_seq"
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}
	if q.Offset > 0 {
		query += " OFFSET " + arg(q.Offset)
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

func (s *Store) UpsertConversation(ctx context.Context, c *store.ConversationConfig) error {
	var rules any
	if len(c.CategoryRules) > 0 {
		b, err := json.Marshal(c.CategoryRules)
		if err != nil {
			return fmt.Errorf("marshal category rules: %w", err)
		}
		rules = string(b)
	}

	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (conversation_id, display_name, monitored, category_rules, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (conversation_id) DO UPDATE SET
		   display_name = EXCLUDED.display_name,
		   monitored = EXCLUDED.monitored,
		   category_rules = EXCLUDED.category_rules,
		   updated_at = EXCLUDED.updated_at`,
		c.ConversationID, c.DisplayName, c.Monitored, rules, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, id string) (*store.ConversationConfig, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT conversation_id, display_name, monitored, category_rules, created_at, updated_at
		 FROM conversations WHERE conversation_id = $1`, id)
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
	query := `SELECT conversation_id, display_name, monitored, category_rules, created_at, updated_at
		FROM conversations`
	if monitoredOnly {
		query += ` WHERE monitored`
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
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET monitored = $1, updated_at = $2 WHERE conversation_id = $3`,
		monitored, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set monitored: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SaveResult(ctx context.Context, r *store.AnalysisResult) error {
	if !store.ValidAgentKind(r.AgentKind) {
		return fmt.Errorf("save result: unknown agent kind %q", r.AgentKind)
	}

	var payload any
	if len(r.Payload) > 0 {
		payload = string(r.Payload)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_results (message_id, agent_kind, status, label, score, confidence, payload, error, produced_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (message_id, agent_kind) DO UPDATE SET
		   status = EXCLUDED.status,
		   label = EXCLUDED.label,
		   score = EXCLUDED.score,
		   confidence = EXCLUDED.confidence,
		   payload = EXCLUDED.payload,
		   error = EXCLUDED.error,
		   produced_at = EXCLUDED.produced_at`,
		r.MessageID, string(r.AgentKind), string(r.Status), r.Label,
		r.Score, r.Confidence, payload, r.Error, r.ProducedAt.UTC())
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

func (s *Store) ListResults(ctx context.Context, q store.ResultQuery) ([]store.AnalysisResult, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if q.MessageID != "" {
		where = append(where, "r.message_id = "+arg(q.MessageID))
	}
	if q.ConversationID != "" {
		where = append(where, "m.conversation_id = "+arg(q.ConversationID))
	}
	if q.AgentKind != "" {
		where = append(where, "r.agent_kind = "+arg(string(q.AgentKind)))
	}
	if q.Status != "" {
		where = append(where, "r.status = "+arg(string(q.Status)))
	}
	if !q.Since.IsZero() {
		where = append(where, "r.produced_at >= "+arg(q.Since.UTC()))
	}

	query := `SELECT r.message_id, r.agent_kind, r.status, r.label, r.score, r.confidence, r.payload, r.error, r.produced_at
		FROM analysis_results r JOIN messages m ON m.id = r.message_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY r.produced_at DESC"
	if q.Limit > 0 {
		query += " LIMIT " + arg(q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []store.AnalysisResult
	for rows.Next() {
		var (
			r       store.AnalysisResult
			kind    string
			status  string
			payload sql.NullString
			at      time.Time
		)
		if err := rows.Scan(&r.MessageID, &kind, &status, &r.Label, &r.Score, &r.Confidence, &payload, &r.Error, &at); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.AgentKind = store.AgentKind(kind)
		r.Status = store.ResultStatus(status)
		r.ProducedAt = at.UTC()
		if payload.Valid {
			r.Payload = []byte(payload.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) SummarizeSentiment(ctx context.Context, conversationID string, since time.Time) (*store.SentimentSummary, error) {
	query := `SELECT r.label, COUNT(*), AVG(r.confidence)
		FROM analysis_results r JOIN messages m ON m.id = r.message_id
		WHERE r.agent_kind = $1 AND r.status = $2`
	args := []any{string(store.AgentSentiment), string(store.ResultCompleted)}
	if conversationID != "" {
		args = append(args, conversationID)
		query += fmt.Sprintf(" AND m.conversation_id = $%d", len(args))
	}
	if !since.IsZero() {
		args = append(args, since.UTC())
		query += fmt.Sprintf(" AND m.ts >= $%d", len(args))
	}
	query += " GROUP BY r.label"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summarize sentiment: %w", err)
	}
	defer rows.Close()

	sum := &store.SentimentSummary{
		ConversationID: conversationID,
		Counts:         make(map[store.SentimentLabel]int),
	}
	var confSum float64
	for rows.Next() {
		var (
			label string
			count int
			avg   float64
		)
		if err := rows.Scan(&label, &count, &avg); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.Counts[store.SentimentLabel(label)] = count
		sum.Total += count
		confSum += avg * float64(count)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if sum.Total > 0 {
		sum.AvgConfidence = confSum / float64(sum.Total)
	}
	best := -1
	for label, count := range sum.Counts {
		if count > best {
			best = count
			sum.Dominant = label
		}
	}
	return sum, nil
}

func (s *Store) EnqueuePending(ctx context.Context, messageID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_embeddings (message_id, enqueued_at) VALUES ($1, $2)
		 ON CONFLICT (message_id) DO NOTHING`,
		messageID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("enqueue pending: %w", err)
	}
	return nil
}

func (s *Store) ListPending(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id FROM pending_embeddings ORDER BY enqueued_at LIMIT $1`, limit)
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
	_, err := s.db.ExecContext(ctx, `DELETE FROM pending_embeddings WHERE message_id = $1`, messageID)
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
		m      store.Message
		ts, sc time.Time
		refs   sql.NullString
		typ    string
	)
	if err := r.Scan(&m.ID, &m.ConversationID, &m.Sender, &ts, &m.Text, &refs, &typ, &m.Outgoing, &sc); err != nil {
		return nil, err
	}
	m.Timestamp = ts.UTC()
	m.ScrapedAt = sc.UTC()
	m.Type = store.MessageType(typ)
	if refs.Valid && refs.String != "" {
		if err := json.Unmarshal([]byte(refs.String), &m.MediaRefs); err != nil {
			return nil, fmt.Errorf("unmarshal media refs: %w", err)
		}
	}
	return &m, nil
}

func scanConversation(r rowScanner) (*store.ConversationConfig, error) {
	var (
		c      store.ConversationConfig
		rules  sql.NullString
		cr, up time.Time
	)
	if err := r.Scan(&c.ConversationID, &c.DisplayName, &c.Monitored, &rules, &cr, &up); err != nil {
		return nil, err
	}
	c.CreatedAt = cr.UTC()
	c.UpdatedAt = up.UTC()
	if rules.Valid && rules.String != "" {
		if err := json.Unmarshal([]byte(rules.String), &c.CategoryRules); err != nil {
			return nil, fmt.Errorf("unmarshal category rules: %w", err)
		}
	}
	return &c, nil
}
