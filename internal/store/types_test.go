package store

import (
	"errors"
	"testing"
	"time"
)

func TestMessageIDDeterministic(t *testing.T) {
	ts := time.Date(2026, 8, 28, 10, 30, 0, 0, time.UTC)

	a := MessageID("family", "alice", ts, "hello")
	b := MessageID("family", "alice", ts, "hello")
	if a != b {
		t.Fatalf("same inputs produced %q and %q", a, b)
	}
	if len(a) != 32 {
		t.Errorf("id length = %d, want 32 hex chars", len(a))
	}

	// Same wall time in another zone is the same instant, same identity.
	other := ts.In(time.FixedZone("ICT", 7*3600))
	if got := MessageID("family", "alice", other, "hello"); got != a {
		t.Errorf("timezone changed identity: %q vs %q", got, a)
	}
}

func TestMessageIDSensitivity(t *testing.T) {
	ts := time.Date(2026, 8, 28, 10, 30, 0, 0, time.UTC)
	base := MessageID("family", "alice", ts, "hello")

	variants := []string{
		MessageID("work", "alice", ts, "hello"),
		MessageID("family", "bob", ts, "hello"),
		MessageID("family", "alice", ts.Add(time.Minute), "hello"),
		MessageID("family", "alice", ts, "hello!"),
	}
	for i, v := range variants {
		if v == base {
			t.Errorf("variant %d collided with base", i)
		}
	}

	// Field boundaries must not be ambiguous.
	x := MessageID("fam", "ilyalice", ts, "hello")
	if x == base {
		t.Error("field concatenation is ambiguous")
	}
}

func TestGap(t *testing.T) {
	at := time.Now()
	g := Gap("msg-1", AgentSentiment, errors.New("model timeout"), at)

	if g.Status != ResultFailed {
		t.Errorf("status = %q, want failed", g.Status)
	}
	if g.MessageID != "msg-1" || g.AgentKind != AgentSentiment {
		t.Errorf("identity = %s/%s", g.MessageID, g.AgentKind)
	}
	if g.Error != "model timeout" {
		t.Errorf("error = %q", g.Error)
	}
	if !g.ProducedAt.Equal(at) {
		t.Errorf("produced_at = %v, want %v", g.ProducedAt, at)
	}

	nilCause := Gap("msg-2", AgentCategory, nil, at)
	if nilCause.Error != "" {
		t.Errorf("nil cause error = %q, want empty", nilCause.Error)
	}
}

func TestValidAgentKind(t *testing.T) {
	for _, k := range []AgentKind{AgentSentiment, AgentCategory, AgentResponseSuggestion} {
		if !ValidAgentKind(k) {
			t.Errorf("%q should be valid", k)
		}
	}
	if ValidAgentKind(AgentKind("astrology")) {
		t.Error("unknown kind accepted")
	}
	if ValidAgentKind(AgentKind("")) {
		t.Error("empty kind accepted")
	}
}
