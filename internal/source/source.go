// Package source abstracts where raw chat messages come from. A Source
// produces a lazy, possibly endless stream of raw message records for one
// monitored conversation; the scraping mechanics behind it (browser
// session, websocket bridge) are opaque to the rest of the pipeline.
package source

import (
	"context"
	"errors"
	"time"

	"github.com/chatpulse/chatpulse/internal/store"
)

// ErrUnavailable signals that the underlying session is temporarily broken
// (disconnect, re-authentication). Retryable with backoff, never fatal.
var ErrUnavailable = errors.New("source unavailable")

// ErrEndOfStream signals that the source has no more messages and never
// will (e.g. a replay source reached its end). Polling sources never
// return it.
var ErrEndOfStream = errors.New("end of stream")

// RawMessage is one unnormalized scraped message record.
type RawMessage struct {
	ConversationID string
	Sender         string
	Timestamp      time.Time
	Text           string
	MediaRefs      []string
	Type           store.MessageType
	Outgoing       bool
}

// Source is the pull interface over one conversation's message stream.
// NextBatch blocks until records are available, the source fails, or ctx
// is done. An empty batch with nil error is a valid "nothing new" answer.
type Source interface {
	// Conversation returns the conversation this source feeds.
	Conversation() string

	// NextBatch returns the next chunk of raw messages in arrival order.
	NextBatch(ctx context.Context) ([]RawMessage, error)

	// Close releases the source's underlying session resources.
	Close() error
}
