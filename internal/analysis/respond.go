package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/grassmudhorses/vader-go/lexicon"
	"github.com/grassmudhorses/vader-go/sentitext"

	"github.com/chatpulse/chatpulse/internal/store"
)

// ContextProvider supplies nearby conversation turns so suggestions can
// reference what was just discussed. Optional; nil keeps suggestions
// message-local.
type ContextProvider interface {
	ContextTexts(ctx context.Context, conversationID string, around time.Time, window time.Duration) ([]string, error)
}

// ResponseAgent drafts reply suggestions for incoming messages. Outgoing
// messages are skipped: there is nothing to reply to.
type ResponseAgent struct {
	contexts ContextProvider
	window   time.Duration
}

func NewResponseAgent(contexts ContextProvider) *ResponseAgent {
	return &ResponseAgent{contexts: contexts, window: 30 * time.Minute}
}

func (a *ResponseAgent) Kind() store.AgentKind { return store.AgentResponseSuggestion }

type responseDetail struct {
	Suggestions []string `json:"suggestions"`
	Tone        string   `json:"tone"`
	ContextTone string   `json:"context_tone,omitempty"`
	IsQuestion  bool     `json:"is_question"`
	ContextUsed int      `json:"context_used"`
}

// convContext is the shared window state for one conversation, fetched
// once per batch rather than once per message.
type convContext struct {
	turns int
	tone  string
}

// Analyze drafts suggestions for each incoming message. The conversation
// window is fetched once per conversation in the batch and its overall
// tone steers suggestion selection for every message in it.
func (a *ResponseAgent) Analyze(ctx context.Context, batch []store.Message, _ map[string]*store.ConversationConfig) ([]store.AnalysisResult, error) {
	windows := a.loadWindows(ctx, batch)

	out := make([]store.AnalysisResult, 0, len(batch))
	for i := range batch {
		msg := &batch[i]
		res, err := a.suggest(msg, windows[msg.ConversationID])
		if err != nil {
			return nil, err
		}
		if res != nil {
			out = append(out, *res)
		}
	}
	return out, nil
}

// loadWindows fetches one context window per conversation, around that
// conversation's newest batch message. Fetch failures degrade to no
// context; the index being unreachable is not worth a gap.
func (a *ResponseAgent) loadWindows(ctx context.Context, batch []store.Message) map[string]convContext {
	windows := map[string]convContext{}
	if a.contexts == nil {
		return windows
	}

	newest := map[string]time.Time{}
	for i := range batch {
		m := &batch[i]
		if m.Timestamp.After(newest[m.ConversationID]) {
			newest[m.ConversationID] = m.Timestamp
		}
	}

	for conv, around := range newest {
		turns, err := a.contexts.ContextTexts(ctx, conv, around, a.window)
		if err != nil || len(turns) == 0 {
			continue
		}
		parsed := sentitext.Parse(strings.Join(turns, " "), lexicon.DefaultLexicon)
		windows[conv] = convContext{
			turns: len(turns),
			tone:  string(labelFor(sentitext.PolarityScore(parsed).Compound, compoundThreshold)),
		}
	}
	return windows
}

func (a *ResponseAgent) suggest(msg *store.Message, window convContext) (*store.AnalysisResult, error) {
	if msg.Outgoing {
		return nil, nil
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil, nil
	}

	parsed := sentitext.Parse(text, lexicon.DefaultLexicon)
	tone := string(labelFor(sentitext.PolarityScore(parsed).Compound, compoundThreshold))
	isQuestion := strings.Contains(text, "?") || startsWithInterrogative(text)

	detail := responseDetail{
		Tone:        tone,
		ContextTone: window.tone,
		IsQuestion:  isQuestion,
		ContextUsed: window.turns,
		Suggestions: suggestFor(effectiveTone(tone, window.tone), isQuestion),
	}

	payload, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("marshal response detail: %w", err)
	}

	confidence := 0.5
	if isQuestion {
		confidence = 0.7 // questions have a clearer reply shape
	}

	return &store.AnalysisResult{
		MessageID:  msg.ID,
		AgentKind:  store.AgentResponseSuggestion,
		Status:     store.ResultCompleted,
		Label:      tone,
		Confidence: confidence,
		Payload:    payload,
		ProducedAt: time.Now(),
	}, nil
}

// effectiveTone folds the surrounding window into the message's own tone.
// A neutral message inside a tense window still deserves a careful reply,
// while the window never overrides a clearly polarized message.
func effectiveTone(msgTone, contextTone string) string {
	if msgTone == string(store.SentimentNeutral) && contextTone == string(store.SentimentNegative) {
		return contextTone
	}
	return msgTone
}

var interrogatives = []string{"what", "when", "where", "who", "why", "how", "can ", "could ", "would ", "do ", "does ", "is ", "are "}

func startsWithInterrogative(text string) bool {
	lower := strings.ToLower(text)
	for _, w := range interrogatives {
		if strings.HasPrefix(lower, w) {
			return true
		}
	}
	return false
}

func suggestFor(tone string, isQuestion bool) []string {
	switch {
	case isQuestion && tone == string(store.SentimentNegative):
		return []string{
			"I understand your concern. Let me look into this and get back to you.",
			"Sorry about that. Can you share a bit more detail so I can help?",
		}
	case isQuestion:
		return []string{
			"Good question. Let me check and get back to you shortly.",
			"Yes, I can help with that. Give me a moment.",
		}
	case tone == string(store.SentimentNegative):
		return []string{
			"I'm sorry to hear that. Is there anything I can do to help?",
			"That sounds frustrating. Let's figure this out together.",
		}
	case tone == string(store.SentimentPositive):
		return []string{
			"That's great to hear!",
			"Glad it worked out. Thanks for letting me know.",
		}
	default:
		return []string{
			"Thanks for the update.",
			"Got it, noted.",
		}
	}
}
