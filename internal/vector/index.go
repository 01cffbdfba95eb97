// Package vector provides semantic similarity search over ingested
// messages. It stores one embedding per message in SQLite together with a
// denormalized metadata snapshot used for exact-match filtering before
// ranking. The index is a projection of the metadata store, never a source
// of truth: losing it costs search completeness, not data.
package vector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chatpulse/chatpulse/internal/embedding"
	"github.com/chatpulse/chatpulse/internal/store"
)

// Record is one search hit: the embedded message plus its metadata
// snapshot and, on search results, the similarity to the query.
type Record struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	Sender         string    `json:"sender"`
	Timestamp      time.Time `json:"timestamp"`
	Sentiment      string    `json:"sentiment,omitempty"`
	Text           string    `json:"text"`
	Similarity     float64   `json:"similarity,omitempty"`
}

// Filter restricts search to records whose metadata snapshot matches
// exactly. Zero values mean "no constraint". Applied before ranking.
type Filter struct {
	ConversationID string
	Sender         string
	Sentiment      string
	Since          time.Time
	Until          time.Time
}

// MetadataPatch updates snapshot fields without recomputing the embedding.
// Nil fields are left untouched.
type MetadataPatch struct {
	Sentiment *string
}

// Stats summarizes index contents.
type Stats struct {
	Records             int     `json:"records"`
	UniqueConversations int     `json:"unique_conversations"`
	UniqueSenders       int     `json:"unique_senders"`
	AvgTextLength       float64 `json:"avg_text_length"`
	Engine              string  `json:"engine"`
	Dimensions          int     `json:"dimensions"`
}

// Index is the SQLite-backed vector index.
type Index struct {
	db     *sql.DB
	engine embedding.Engine
	mu     sync.RWMutex
}

// Open opens (creating if necessary) the index database at path and binds
// it to the given embedding engine.
func Open(path string, engine embedding.Engine) (*Index, error) {
	if engine == nil {
		return nil, errors.New("vector: embedding engine is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create index dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS embeddings (
			message_id      TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL,
			sender          TEXT NOT NULL,
			ts              INTEGER NOT NULL,
			sentiment       TEXT NOT NULL DEFAULT '',
			text            TEXT NOT NULL,
			vector          TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_embeddings_conv ON embeddings(conversation_id, ts);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure index schema: %w", err)
	}

	slog.Debug("vector index opened", "path", path, "engine", engine.Name())
	return &Index{db: db, engine: engine}, nil
}

// embeddingText builds the text actually embedded: message content plus
// minimal conversational context, which ranks noticeably better than the
// bare text for short chat messages.
func embeddingText(m *store.Message) string {
	return fmt.Sprintf("Conversation: %s\nSender: %s\nMessage: %s", m.ConversationID, m.Sender, m.Text)
}

// Upsert embeds the message and stores (or replaces) its record.
// Re-ingesting the same message_id replaces the prior row.
func (ix *Index) Upsert(ctx context.Context, m *store.Message) error {
	vec, err := ix.engine.Embed(ctx, embeddingText(m))
	if err != nil {
		return fmt.Errorf("embed message %s: %w", m.ID, err)
	}

	vecJSON, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("marshal vector: %w", err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	_, err = ix.db.ExecContext(ctx,
		`INSERT INTO embeddings (message_id, conversation_id, sender, ts, sentiment, text, vector)
		 VALUES (?, ?, ?, ?, '', ?, ?)
		 ON CONFLICT (message_id) DO UPDATE SET
		   conversation_id = excluded.conversation_id,
		   sender = excluded.sender,
		   ts = excluded.ts,
		   text = excluded.text,
		   vector = excluded.vector`,
		m.ID, m.ConversationID, m.Sender, m.Timestamp.Unix(), m.Text, string(vecJSON))
	if err != nil {
		return fmt.Errorf("upsert embedding: %w", err)
	}
	return nil
}

// Exists reports whether an embedding record exists for the message.
func (ix *Index) Exists(ctx context.Context, messageID string) (bool, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var one int
	err := ix.db.QueryRowContext(ctx, `SELECT 1 FROM embeddings WHERE message_id = ?`, messageID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("embedding exists: %w", err)
	}
	return true, nil
}

// Search embeds the query, filters candidates by the exact-match predicate
// and returns the topK nearest by cosine similarity. Ties in similarity
// break by most recent timestamp first. An empty result is not an error.
func (ix *Index) Search(ctx context.Context, query string, f Filter, topK int) ([]Record, error) {
	if topK <= 0 {
		topK = 10
	}

	queryVec, err := ix.engine.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	rows, err := ix.queryFiltered(ctx, f)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	type candidate struct {
		rec Record
		vec []float32
	}
	var candidates []candidate
	for rows.Next() {
		c, vec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, candidate{rec: c, vec: vec})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	results := make([]Record, 0, len(candidates))
	for _, c := range candidates {
		sim, err := embedding.Cosine(queryVec, c.vec)
		if err != nil {
			// Dimension drift after an engine change; skip rather than fail
			// the whole search. The reconciler re-embeds on demand.
			slog.Warn("skipping embedding with mismatched dimensions", "message_id", c.rec.MessageID)
			continue
		}
		c.rec.Similarity = sim
		results = append(results, c.rec)
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Similarity != results[j].Similarity {
			return results[i].Similarity > results[j].Similarity
		}
		return results[i].Timestamp.After(results[j].Timestamp)
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// ContextWindow returns the records of one conversation within ±window of
// the given instant, ordered by timestamp. Used to reconstruct the
// conversational context around a search hit.
func (ix *Index) ContextWindow(ctx context.Context, conversationID string, around time.Time, window time.Duration) ([]Record, error) {
	recs, err := ix.listFiltered(ctx, Filter{
		ConversationID: conversationID,
		Since:          around.Add(-window),
		Until:          around.Add(window),
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Timestamp.Before(recs[j].Timestamp) })
	return recs, nil
}

// RefreshMetadata patches snapshot fields for a message without touching
// the stored vector. Unknown message IDs return store.ErrNotFound.
func (ix *Index) RefreshMetadata(ctx context.Context, messageID string, patch MetadataPatch) error {
	if patch.Sentiment == nil {
		return nil
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()

	res, err := ix.db.ExecContext(ctx,
		`UPDATE embeddings SET sentiment = ? WHERE message_id = ?`, *patch.Sentiment, messageID)
	if err != nil {
		return fmt.Errorf("refresh metadata: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// PruneBefore removes records older than cutoff (retention policy).
func (ix *Index) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	res, err := ix.db.ExecContext(ctx, `DELETE FROM embeddings WHERE ts < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune embeddings: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Stats reports index contents.
func (ix *Index) Stats(ctx context.Context) (*Stats, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	st := &Stats{Engine: ix.engine.Name(), Dimensions: ix.engine.Dimensions()}
	err := ix.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT conversation_id), COUNT(DISTINCT sender), COALESCE(AVG(LENGTH(text)), 0)
		 FROM embeddings`).
		Scan(&st.Records, &st.UniqueConversations, &st.UniqueSenders, &st.AvgTextLength)
	if err != nil {
		return nil, fmt.Errorf("index stats: %w", err)
	}
	return st, nil
}

// Close closes the index database.
func (ix *Index) Close() error {
	return ix.db.Close()
}

func (ix *Index) queryFiltered(ctx context.Context, f Filter) (*sql.Rows, error) {
	var (
		where []string
		args  []any
	)
	if f.ConversationID != "" {
		where = append(where, "conversation_id = ?")
		args = append(args, f.ConversationID)
	}
	if f.Sender != "" {
		where = append(where, "sender = ?")
		args = append(args, f.Sender)
	}
	if f.Sentiment != "" {
		where = append(where, "sentiment = ?")
		args = append(args, f.Sentiment)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts >= ?")
		args = append(args, f.Since.Unix())
	}
	if !f.Until.IsZero() {
		where = append(where, "ts < ?")
		args = append(args, f.Until.Unix())
	}

	query := `SELECT message_id, conversation_id, sender, ts, sentiment, text, vector FROM embeddings`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query embeddings: %w", err)
	}
	return rows, nil
}

func (ix *Index) listFiltered(ctx context.Context, f Filter) ([]Record, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	rows, err := ix.queryFiltered(ctx, f)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, _, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(rows *sql.Rows) (Record, []float32, error) {
	var (
		rec     Record
		ts      int64
		vecJSON string
	)
	if err := rows.Scan(&rec.MessageID, &rec.ConversationID, &rec.Sender, &ts, &rec.Sentiment, &rec.Text, &vecJSON); err != nil {
		return rec, nil, fmt.Errorf("scan embedding: %w", err)
	}
	rec.Timestamp = time.Unix(ts, 0).UTC()

	var vec []float32
	if err := json.Unmarshal([]byte(vecJSON), &vec); err != nil {
		return rec, nil, fmt.Errorf("unmarshal vector: %w", err)
	}
	return rec, vec, nil
}
