package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// SentimentLabel is the coarse sentiment classification of a message.
type SentimentLabel string

const (
	SentimentPositive SentimentLabel = "positive"
	SentimentNeutral  SentimentLabel = "neutral"
	SentimentNegative SentimentLabel = "negative"
)

// AgentKind identifies one of the analysis agent variants. The set is
// closed: dispatch is by rotation order, never by runtime type inspection.
type AgentKind string

const (
	AgentSentiment          AgentKind = "sentiment"
	AgentCategory           AgentKind = "category"
	AgentResponseSuggestion AgentKind = "response_suggestion"
)

// ValidAgentKind reports whether k names a known agent variant.
func ValidAgentKind(k AgentKind) bool {
	switch k {
	case AgentSentiment, AgentCategory, AgentResponseSuggestion:
		return true
	}
	return false
}

// ResultStatus distinguishes a produced analysis result from a recorded gap.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "completed"
	// ResultFailed marks an explicit gap: the agent exhausted its retry
	// budget (or failed non-transiently) for this message. Queryable,
	// superseded by a later successful result.
	ResultFailed ResultStatus = "failed"
)

// MessageType describes what kind of content a scraped message carried.
type MessageType string

const (
	MessageText     MessageType = "text"
	MessageMedia    MessageType = "media"
	MessageAudio    MessageType = "audio"
	MessageDocument MessageType = "document"
)

// Message is one scraped chat message. Immutable once created; the ID is
// derived from content so a re-scraped duplicate resolves to the same row.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	Sender         string      `json:"sender"`
	Timestamp      time.Time   `json:"timestamp"`
	Text           string      `json:"text"`
	MediaRefs      []string    `json:"media_refs,omitempty"`
	Type           MessageType `json:"type"`
	Outgoing       bool        `json:"outgoing,omitempty"`
	ScrapedAt      time.Time   `json:"scraped_at"`
}

// MessageID derives the stable identity for a message. Two scrapes of the
// same (conversation, sender, timestamp, text) tuple always collide; the
// discovery time is deliberately excluded.
//
// WhatsApp Web only exposes minute-granularity timestamps, so two rapid
// messages from the same sender with identical text within one minute
// collapse into a single identity. Accepted: the alternative (counting
// DOM position) is not stable across scrolls.
func MessageID(conversationID, sender string, ts time.Time, text string) string {
	h := sha256.Sum256(fmt.Appendf(nil, "%s\x00%s\x00%d\x00%s", conversationID, sender, ts.Unix(), text))
	return hex.EncodeToString(h[:16])
}

// ConversationConfig holds per-conversation monitoring settings.
// Mutated by config updates; read by the ingestion pipeline to decide
// whether a conversation's messages are ingested at all.
type ConversationConfig struct {
	ConversationID string              `json:"conversation_id"`
	DisplayName    string              `json:"display_name"`
	Monitored      bool                `json:"monitored"`
	CategoryRules  map[string][]string `json:"category_rules,omitempty"` // category name -> trigger keywords
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

// AnalysisResult is the output of one agent for one message. At most one
// current row exists per (message_id, agent_kind): a new result supersedes,
// never appends.
type AnalysisResult struct {
	MessageID  string          `json:"message_id"`
	AgentKind  AgentKind       `json:"agent_kind"`
	Status     ResultStatus    `json:"status"`
	Label      string          `json:"label,omitempty"`   // coarse classification (sentiment label, category name)
	Score      float64         `json:"score,omitempty"`   // normalized compound score in [-1, 1]
	Confidence float64         `json:"confidence"`        // in [0, 1]
	Payload    json.RawMessage `json:"payload,omitempty"` // kind-specific detail
	Error      string          `json:"error,omitempty"`   // set on gap rows
	ProducedAt time.Time       `json:"produced_at"`
}

// Gap constructs the explicit failure record written when an agent could
// not produce a result for a message.
func Gap(messageID string, kind AgentKind, cause error, at time.Time) AnalysisResult {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return AnalysisResult{
		MessageID:  messageID,
		AgentKind:  kind,
		Status:     ResultFailed,
		Error:      msg,
		ProducedAt: at,
	}
}

// MessageQuery filters ListMessages. Zero values mean "no constraint".
// Limit and Offset page over arrival order, so walking pages by a fixed
// Offset step visits every row exactly once.
type MessageQuery struct {
	ConversationID string
	Sender         string
	Since          time.Time
	Until          time.Time
	Limit          int
	Offset         int
}

// ResultQuery filters ListResults.
type ResultQuery struct {
	ConversationID string
	MessageID      string
	AgentKind      AgentKind
	Status         ResultStatus
	Since          time.Time
	Limit          int
}

// SentimentSummary aggregates current sentiment results for reporting.
type SentimentSummary struct {
	ConversationID string                 `json:"conversation_id,omitempty"`
	Total          int                    `json:"total"`
	Counts         map[SentimentLabel]int `json:"counts"`
	AvgConfidence  float64                `json:"avg_confidence"`
	Dominant       SentimentLabel         `json:"dominant"`
}
