// Package whatsapp scrapes messages out of WhatsApp Web using a headless
// browser. One Session holds the logged-in browser profile; each monitored
// conversation gets a ChatSource that navigates to its chat and reads the
// rendered message bubbles.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chatpulse/chatpulse/internal/source"
	"github.com/chatpulse/chatpulse/internal/store"
)

// ChatSource reads one conversation through a shared Session. It keeps a
// high-water mark so each poll only returns messages newer than the last
// batch; exact duplicates at the mark are handled downstream by identity.
type ChatSource struct {
	session      *Session
	conversation string
	scrollRounds int
	watermark    time.Time
}

var _ source.Source = (*ChatSource)(nil)

// NewChatSource wires a conversation to the shared session. scrollRounds
// controls how much history is loaded on each poll; 0 means only what the
// web client renders by default.
func NewChatSource(s *Session, conversation string, scrollRounds int) *ChatSource {
	return &ChatSource{session: s, conversation: conversation, scrollRounds: scrollRounds}
}

func (c *ChatSource) Conversation() string { return c.conversation }

func (c *ChatSource) NextBatch(ctx context.Context) ([]source.RawMessage, error) {
	scraped, err := c.session.ScrapeChat(ctx, c.conversation, c.scrollRounds)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		// Any DOM failure means the session is degraded (logged out,
		// selectors stale, browser gone). Let the runner back off.
		return nil, fmt.Errorf("%w: %v", source.ErrUnavailable, err)
	}

	out := make([]source.RawMessage, 0, len(scraped))
	maxTS := c.watermark
	for _, m := range scraped {
		if !c.watermark.IsZero() && m.Timestamp.Before(c.watermark) {
			continue
		}
		out = append(out, source.RawMessage{
			ConversationID: c.conversation,
			Sender:         m.Sender,
			Timestamp:      m.Timestamp,
			Text:           m.Text,
			Type:           messageType(m),
			Outgoing:       m.Sender == "me",
		})
		if m.Timestamp.After(maxTS) {
			maxTS = m.Timestamp
		}
	}
	c.watermark = maxTS
	return out, nil
}

func messageType(m scrapedMessage) store.MessageType {
	switch m.Media {
	case "image":
		return store.MessageMedia
	case "audio":
		return store.MessageAudio
	case "document":
		return store.MessageDocument
	default:
		return store.MessageText
	}
}

// Close is a no-op; the shared Session is closed by its owner.
func (c *ChatSource) Close() error { return nil }
