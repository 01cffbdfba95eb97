package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/chatpulse/chatpulse/internal/store"
)

// Default category rules applied when a conversation defines none.
// Per-conversation rules from the config replace these entirely.
var defaultCategoryRules = map[string][]string{
	"question":  {"?", "how do", "what is", "when is", "where is", "can you", "could you", "why"},
	"planning":  {"tomorrow", "tonight", "schedule", "meet", "meeting", "plan", "appointment", "calendar"},
	"purchase":  {"buy", "order", "price", "cost", "pay", "paid", "invoice", "receipt"},
	"logistics": {"address", "deliver", "delivery", "pick up", "pickup", "send", "arrived", "shipping"},
	"social":    {"thanks", "thank you", "congrats", "congratulations", "happy birthday", "lol", "haha"},
	"work":      {"deadline", "report", "project", "client", "review", "standup"},
	"health":    {"doctor", "sick", "medicine", "hospital", "appointment", "pain"},
}

// Keywords that escalate a message regardless of category.
var urgentKeywords = []string{"urgent", "emergency", "asap", "immediately", "right now", "help!"}

const fallbackCategory = "general"

// CategoryAgent classifies messages by keyword rules. Runs entirely local;
// its failures are never transient.
type CategoryAgent struct{}

func NewCategoryAgent() *CategoryAgent { return &CategoryAgent{} }

func (a *CategoryAgent) Kind() store.AgentKind { return store.AgentCategory }

type categoryDetail struct {
	Matched map[string][]string `json:"matched,omitempty"` // category -> hit keywords
	Urgent  bool                `json:"urgent"`
	Ruleset string              `json:"ruleset"` // "conversation" or "default"
}

func (a *CategoryAgent) Analyze(_ context.Context, batch []store.Message, convs map[string]*store.ConversationConfig) ([]store.AnalysisResult, error) {
	out := make([]store.AnalysisResult, 0, len(batch))
	for i := range batch {
		msg := &batch[i]
		res, err := a.classify(msg, convs[msg.ConversationID])
		if err != nil {
			return nil, err
		}
		if res != nil {
			out = append(out, *res)
		}
	}
	return out, nil
}

func (a *CategoryAgent) classify(msg *store.Message, conv *store.ConversationConfig) (*store.AnalysisResult, error) {
	text := strings.ToLower(msg.Text)
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}

	rules := defaultCategoryRules
	ruleset := "default"
	if conv != nil && len(conv.CategoryRules) > 0 {
		rules = conv.CategoryRules
		ruleset = "conversation"
	}

	detail := categoryDetail{Matched: map[string][]string{}, Ruleset: ruleset}
	for category, keywords := range rules {
		for _, kw := range keywords {
			if strings.Contains(text, strings.ToLower(kw)) {
				detail.Matched[category] = append(detail.Matched[category], kw)
			}
		}
	}
	for _, kw := range urgentKeywords {
		if strings.Contains(text, kw) {
			detail.Urgent = true
			break
		}
	}

	label, hits := bestCategory(detail.Matched)
	confidence := 0.3
	if hits > 0 {
		// More independent keyword hits, more certainty. Caps at 0.9;
		// keyword rules are never a sure thing.
		confidence = min(0.5+0.2*float64(hits), 0.9)
	}

	payload, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("marshal category detail: %w", err)
	}

	return &store.AnalysisResult{
		MessageID:  msg.ID,
		AgentKind:  store.AgentCategory,
		Status:     store.ResultCompleted,
		Label:      label,
		Confidence: confidence,
		Payload:    payload,
		ProducedAt: time.Now(),
	}, nil
}

// bestCategory picks the category with the most keyword hits, breaking
// ties alphabetically so repeated runs agree.
func bestCategory(matched map[string][]string) (string, int) {
	if len(matched) == 0 {
		return fallbackCategory, 0
	}
	names := make([]string, 0, len(matched))
	for name := range matched {
		names = append(names, name)
	}
	sort.Strings(names)

	best, bestHits := fallbackCategory, 0
	for _, name := range names {
		if n := len(matched[name]); n > bestHits {
			best, bestHits = name, n
		}
	}
	return best, bestHits
}
