// Package analysis holds the agents that inspect ingested messages. Each
// agent owns one kind of result (sentiment, category, response suggestion)
// and is invoked by the orchestrator once per batch.
package analysis

import (
	"context"
	"errors"

	"github.com/chatpulse/chatpulse/internal/store"
)

// ErrTransient marks a failure worth retrying: a backing service timed out
// or is momentarily unreachable. Agents wrap such causes with it; anything
// else is treated as permanent for the attempt.
var ErrTransient = errors.New("transient analysis failure")

// Agent analyzes a whole batch and produces at most one result per
// message. Receiving the batch rather than single messages lets an agent
// amortize backing-service calls and use cross-message context.
//
// A message absent from the returned slice was deliberately skipped
// (nothing analyzable); no row is written for it. An error fails the
// entire invocation: the orchestrator retries the whole batch on
// transient errors and records a gap per message once its budget is
// spent. convs maps conversation IDs to their configs; entries may be
// nil when no config exists.
type Agent interface {
	Kind() store.AgentKind
	Analyze(ctx context.Context, batch []store.Message, convs map[string]*store.ConversationConfig) ([]store.AnalysisResult, error)
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
