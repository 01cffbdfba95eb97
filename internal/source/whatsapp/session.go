package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

const webURL = "https://web.whatsapp.com"

// Selectors for the WhatsApp Web DOM. These track the current build of the
// web client and are the part most likely to need maintenance.
const (
	selChatList    = `[data-testid="chat-list"], div[aria-label="Chat list"]`
	selQRCode      = `canvas[aria-label*="QR"], [data-testid="qrcode"]`
	selSearchBox   = `div[contenteditable="true"][data-tab="3"]`
	selMessagePane = `[data-testid="conversation-panel-messages"], div[role="application"]`
	selMessageRow  = `div.message-in, div.message-out`
	selMsgMeta     = `div[data-pre-plain-text]`
	selMsgText     = `span.selectable-text`
)

// SessionConfig controls the shared browser session.
type SessionConfig struct {
	// DataDir persists cookies and local storage so the QR scan is only
	// needed once.
	DataDir  string
	Headless bool
	// LoginTimeout bounds how long Start waits for a QR scan on a fresh
	// session.
	LoginTimeout time.Duration
}

// Session owns a single browser profile logged into WhatsApp Web. All chat
// sources share one session because the web client allows one page per
// account.
type Session struct {
	cfg     SessionConfig
	logger  *slog.Logger
	browser *rod.Browser
	page    *rod.Page

	mu sync.Mutex // serializes chat navigation across sources
}

func NewSession(cfg SessionConfig, logger *slog.Logger) *Session {
	if cfg.LoginTimeout <= 0 {
		cfg.LoginTimeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{cfg: cfg, logger: logger.With("component", "whatsapp")}
}

// Start launches the browser, opens WhatsApp Web, and waits for login. On a
// fresh profile it blocks until the user scans the QR code or LoginTimeout
// elapses.
func (s *Session) Start(ctx context.Context) error {
	l := launcher.New().
		Headless(s.cfg.Headless).
		UserDataDir(s.cfg.DataDir).
		Set("disable-blink-features", "AutomationControlled")

	controlURL, err := l.Launch()
	if err != nil {
		return fmt.Errorf("launch browser: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return fmt.Errorf("connect browser: %w", err)
	}
	s.browser = browser

	page, err := browser.Page(proto.TargetCreateTarget{URL: webURL})
	if err != nil {
		s.browser.Close()
		return fmt.Errorf("open whatsapp web: %w", err)
	}
	s.page = page

	if err := s.waitLogin(ctx); err != nil {
		s.browser.Close()
		return err
	}
	s.logger.Info("whatsapp session ready")
	return nil
}

func (s *Session) waitLogin(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.LoginTimeout)
	announced := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if has, _, _ := s.page.Has(selChatList); has {
			return nil
		}
		if has, _, _ := s.page.Has(selQRCode); has && !announced {
			s.logger.Info("waiting for QR code scan", "timeout", s.cfg.LoginTimeout)
			announced = true
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("whatsapp login: QR code not scanned within %s", s.cfg.LoginTimeout)
		}
		time.Sleep(2 * time.Second)
	}
}

// openChat searches for the conversation by name and opens it. The caller
// must hold s.mu.
func (s *Session) openChat(name string) error {
	search, err := s.page.Timeout(15 * time.Second).Element(selSearchBox)
	if err != nil {
		return fmt.Errorf("find search box: %w", err)
	}
	if err := search.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("focus search: %w", err)
	}
	if err := search.SelectAllText(); err == nil {
		_ = search.Input("")
	}
	if err := search.Input(name); err != nil {
		return fmt.Errorf("type chat name: %w", err)
	}
	time.Sleep(1500 * time.Millisecond)

	result, err := s.page.Timeout(10 * time.Second).Element(fmt.Sprintf(`span[title=%q]`, name))
	if err != nil {
		return fmt.Errorf("chat %q not found: %w", name, err)
	}
	if err := result.Click(proto.InputMouseButtonLeft, 1); err != nil {
		return fmt.Errorf("open chat %q: %w", name, err)
	}
	if _, err := s.page.Timeout(10 * time.Second).Element(selMessagePane); err != nil {
		return fmt.Errorf("message pane for %q: %w", name, err)
	}
	return nil
}

// scrollHistory scrolls the message pane up a few screens so older messages
// load into the DOM.
func (s *Session) scrollHistory(rounds int) {
	pane, err := s.page.Element(selMessagePane)
	if err != nil {
		return
	}
	for i := 0; i < rounds; i++ {
		if _, err := pane.Eval(`() => { this.scrollTop = 0 }`); err != nil {
			return
		}
		time.Sleep(800 * time.Millisecond)
	}
}

// scrapedMessage is a raw DOM extraction before normalization.
type scrapedMessage struct {
	Sender    string
	Text      string
	Timestamp time.Time
	Media     string // "", "image", "audio", "document"
}

// ScrapeChat opens the named chat and extracts the currently rendered
// messages, oldest first.
func (s *Session) ScrapeChat(ctx context.Context, name string, scrollRounds int) ([]scrapedMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := s.openChat(name); err != nil {
		return nil, err
	}
	s.scrollHistory(scrollRounds)

	rows, err := s.page.Elements(selMessageRow)
	if err != nil {
		return nil, fmt.Errorf("list message rows: %w", err)
	}

	now := time.Now()
	out := make([]scrapedMessage, 0, len(rows))
	for _, row := range rows {
		msg, ok := extractMessage(row, now)
		if !ok {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// extractMessage pulls sender, text, timestamp, and media type out of a
// single message bubble. Returns false for rows with nothing usable, such
// as system notices.
func extractMessage(row *rod.Element, now time.Time) (scrapedMessage, bool) {
	var msg scrapedMessage

	if meta, err := row.Element(selMsgMeta); err == nil {
		if attr, err := meta.Attribute("data-pre-plain-text"); err == nil && attr != nil {
			if sender, ts, ok := parsePrePlainText(*attr); ok {
				msg.Sender = sender
				msg.Timestamp = ts
			}
		}
	}

	if span, err := row.Element(selMsgText); err == nil {
		if text, err := span.Text(); err == nil {
			msg.Text = cleanText(text)
		}
	}

	switch {
	case hasAny(row, `img[src*="blob:"]`):
		msg.Media = "image"
	case hasAny(row, `span[data-icon="audio-play"], span[data-icon="ptt-status"]`):
		msg.Media = "audio"
	case hasAny(row, `span[data-icon="document"]`):
		msg.Media = "document"
	}

	if msg.Text == "" && msg.Media == "" {
		return scrapedMessage{}, false
	}
	if msg.Timestamp.IsZero() {
		// Outgoing bubbles sometimes lack the pre-plain-text attribute;
		// fall back to the footer time label.
		if label, err := row.Element(`div[data-testid="msg-meta"], span.x1rg5ohu`); err == nil {
			if text, err := label.Text(); err == nil {
				msg.Timestamp = parseRelativeTimestamp(text, now)
			}
		}
		if msg.Timestamp.IsZero() {
			msg.Timestamp = now
		}
	}
	if msg.Sender == "" {
		msg.Sender = "me"
	}
	return msg, true
}

func hasAny(el *rod.Element, sel string) bool {
	has, _, err := el.Has(sel)
	return err == nil && has
}

// Close shuts the browser down.
func (s *Session) Close() error {
	if s.browser == nil {
		return nil
	}
	return s.browser.Close()
}
