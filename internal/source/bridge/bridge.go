// Package bridge reads messages from an external WhatsApp bridge process
// (e.g. whatsapp-web.js based) over a WebSocket. The bridge handles the
// actual WhatsApp protocol and pushes JSON message events; this source
// buffers them and hands them to the pipeline in arrival order.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatpulse/chatpulse/internal/source"
	"github.com/chatpulse/chatpulse/internal/store"
)

const (
	handshakeTimeout = 10 * time.Second
	maxBackoff       = 30 * time.Second
	bufferSize       = 256
)

// event is the JSON the bridge pushes for each message.
// Format: {"type":"message","chat":"...","from":"...","from_name":"...","content":"...","timestamp":...,"media":[...],"outgoing":bool}
type event struct {
	Type      string   `json:"type"`
	Chat      string   `json:"chat"`
	From      string   `json:"from"`
	FromName  string   `json:"from_name"`
	Content   string   `json:"content"`
	Timestamp int64    `json:"timestamp"`
	Media     []string `json:"media"`
	Outgoing  bool     `json:"outgoing"`
}

// Source consumes one conversation's messages from the bridge WebSocket.
// It dials lazily and reconnects with backoff, so a bridge restart only
// delays delivery.
type Source struct {
	url          string
	conversation string

	mu     sync.Mutex
	conn   *websocket.Conn
	buf    chan source.RawMessage
	cancel context.CancelFunc
	done   chan struct{}
}

var _ source.Source = (*Source)(nil)

// New creates a bridge source for one conversation. The read loop starts
// on the first NextBatch call.
func New(bridgeURL, conversation string) (*Source, error) {
	if bridgeURL == "" {
		return nil, fmt.Errorf("bridge url is required")
	}
	return &Source{
		url:          bridgeURL,
		conversation: conversation,
		buf:          make(chan source.RawMessage, bufferSize),
	}, nil
}

func (s *Source) Conversation() string { return s.conversation }

// NextBatch blocks until at least one message is buffered, then drains
// whatever else is immediately available.
func (s *Source) NextBatch(ctx context.Context) ([]source.RawMessage, error) {
	s.ensureListening()

	var first source.RawMessage
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case first = <-s.buf:
	}

	batch := []source.RawMessage{first}
	for {
		select {
		case m := <-s.buf:
			batch = append(batch, m)
		default:
			return batch, nil
		}
	}
}

func (s *Source) ensureListening() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.listenLoop(ctx)
}

// listenLoop reads events from the bridge with automatic reconnection.
func (s *Source) listenLoop(ctx context.Context) {
	defer close(s.done)
	backoff := time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()

		if conn == nil {
			slog.Debug("dialing bridge", "url", s.url, "backoff", backoff)
			c, err := s.dial()
			if err != nil {
				slog.Warn("bridge dial failed, will retry", "error", err)
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				backoff = min(backoff*2, maxBackoff)
				continue
			}
			s.mu.Lock()
			s.conn = c
			s.mu.Unlock()
			backoff = time.Second
			slog.Info("bridge connected", "url", s.url, "conversation", s.conversation)
			continue
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			slog.Warn("bridge read error, will reconnect", "error", err)
			s.mu.Lock()
			if s.conn != nil {
				_ = s.conn.Close()
				s.conn = nil
			}
			s.mu.Unlock()
			continue
		}

		var ev event
		if err := json.Unmarshal(data, &ev); err != nil {
			slog.Warn("invalid bridge event JSON", "error", err)
			continue
		}
		if ev.Type != "message" || ev.Chat != s.conversation {
			continue
		}
		s.enqueue(ev)
	}
}

func (s *Source) dial() (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.Dial(s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bridge %s: %w", s.url, err)
	}
	return conn, nil
}

func (s *Source) enqueue(ev event) {
	sender := ev.FromName
	if sender == "" {
		sender = ev.From
	}
	ts := time.Now()
	if ev.Timestamp > 0 {
		ts = time.Unix(ev.Timestamp, 0)
	}
	kind := store.MessageText
	if len(ev.Media) > 0 {
		kind = store.MessageMedia
	}

	msg := source.RawMessage{
		ConversationID: s.conversation,
		Sender:         sender,
		Timestamp:      ts,
		Text:           ev.Content,
		MediaRefs:      ev.Media,
		Type:           kind,
		Outgoing:       ev.Outgoing,
	}

	select {
	case s.buf <- msg:
	default:
		// Buffer full means the pipeline is stalled. Drop the oldest so
		// recent messages survive; the dropped one is recovered by the
		// next watermark-free rescrape or reconciliation pass.
		select {
		case <-s.buf:
		default:
		}
		s.buf <- msg
		slog.Warn("bridge buffer full, dropped oldest message", "conversation", s.conversation)
	}
}

// Close stops the read loop and closes the connection.
func (s *Source) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	conn := s.conn
	s.conn = nil
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
	}
	return nil
}
