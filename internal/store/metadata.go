// Package store defines the metadata store contract and its record types.
// The metadata store is the system of record for messages, conversation
// configuration and analysis results; the vector index only ever holds a
// denormalized projection of it.
//
// Two implementations exist, selected by config: SQLite (standalone mode,
// internal/store/sqlite) and Postgres (managed mode, internal/store/pg).
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by point lookups when no row matches.
var ErrNotFound = errors.New("store: not found")

// ErrDuplicateMessage is returned by SaveMessage when a row with the same
// identity already exists. Expected during re-scrapes; callers count it,
// they do not treat it as failure.
var ErrDuplicateMessage = errors.New("store: duplicate message")

// MetadataStore is the structured, queryable system of record.
//
// All mutations go through the single-writer ingestion and orchestrator
// paths; implementations still guard with their own locking so misuse
// degrades to contention rather than corruption.
type MetadataStore interface {
	// Messages.
	SaveMessage(ctx context.Context, m *Message) error
	MessageExists(ctx context.Context, id string) (bool, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, q MessageQuery) ([]Message, error)

	// Conversation configuration.
	UpsertConversation(ctx context.Context, c *ConversationConfig) error
	GetConversation(ctx context.Context, id string) (*ConversationConfig, error)
	ListConversations(ctx context.Context, monitoredOnly bool) ([]ConversationConfig, error)
	SetMonitored(ctx context.Context, id string, monitored bool) error

	// Analysis results. SaveResult upserts on (message_id, agent_kind).
	SaveResult(ctx context.Context, r *AnalysisResult) error
	ListResults(ctx context.Context, q ResultQuery) ([]AnalysisResult, error)
	SummarizeSentiment(ctx context.Context, conversationID string, since time.Time) (*SentimentSummary, error)

	// Reconciliation queue: messages persisted here but whose vector index
	// write failed. Drained by the background reconciler.
	EnqueuePending(ctx context.Context, messageID string) error
	ListPending(ctx context.Context, limit int) ([]string, error)
	ClearPending(ctx context.Context, messageID string) error

	// Retention. Removes messages (and their results) older than cutoff.
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
