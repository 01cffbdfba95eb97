package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/chatpulse/chatpulse/internal/store"
)

// SaveResult upserts the current result for (message_id, agent_kind).
// A new result supersedes the previous one, including a gap row being
// replaced by a later success.
func (s *Store) SaveResult(ctx context.Context, r *store.AnalysisResult) error {
	if !store.ValidAgentKind(r.AgentKind) {
		return fmt.Errorf("save result: unknown agent kind %q", r.AgentKind)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var payload any
	if len(r.Payload) > 0 {
		payload = string(r.Payload)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_results (message_id, agent_kind, status, label, score, confidence, payload, error, produced_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (message_id, agent_kind) DO UPDATE SET
		   status = excluded.status,
		   label = excluded.label,
		   score = excluded.score,
		   confidence = excluded.confidence,
		   payload = excluded.payload,
		   error = excluded.error,
		   produced_at = excluded.produced_at`,
		r.MessageID, string(r.AgentKind), string(r.Status), r.Label,
		r.Score, r.Confidence, payload, r.Error, r.ProducedAt.Unix())
	if err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	return nil
}

func (s *Store) ListResults(ctx context.Context, q store.ResultQuery) ([]store.AnalysisResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var (
		where []string
		args  []any
	)
	if q.MessageID != "" {
		where = append(where, "r.message_id = ?")
		args = append(args, q.MessageID)
	}
	if q.ConversationID != "" {
		where = append(where, "m.conversation_id = ?")
		args = append(args, q.ConversationID)
	}
	if q.AgentKind != "" {
		where = append(where, "r.agent_kind = ?")
		args = append(args, string(q.AgentKind))
	}
	if q.Status != "" {
		where = append(where, "r.status = ?")
		args = append(args, string(q.Status))
	}
	if !q.Since.IsZero() {
		where = append(where, "r.produced_at >= ?")
		args = append(args, q.Since.Unix())
	}

	query := `SELECT r.message_id, r.agent_kind, r.status, r.label, r.score, r.confidence, r.payload, r.error, r.produced_at
		FROM analysis_results r JOIN messages m ON m.id = r.message_id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY r.produced_at DESC"
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
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
			at      int64
		)
		if err := rows.Scan(&r.MessageID, &kind, &status, &r.Label, &r.Score, &r.Confidence, &payload, &r.Error, &at); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.AgentKind = store.AgentKind(kind)
		r.Status = store.ResultStatus(status)
		r.ProducedAt = time.Unix(at, 0).UTC()
		if payload.Valid {
			r.Payload = []byte(payload.String)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SummarizeSentiment aggregates current sentiment results. Empty
// conversationID summarizes across all conversations.
func (s *Store) SummarizeSentiment(ctx context.Context, conversationID string, since time.Time) (*store.SentimentSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT r.label, COUNT(*), AVG(r.confidence)
		FROM analysis_results r JOIN messages m ON m.id = r.message_id
		WHERE r.agent_kind = ? AND r.status = ?`
	args := []any{string(store.AgentSentiment), string(store.ResultCompleted)}
	if conversationID != "" {
		query += " AND m.conversation_id = ?"
		args = append(args, conversationID)
	}
	if !since.IsZero() {
		query += " AND m.ts >= ?"
		args = append(args, since.Unix())
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
