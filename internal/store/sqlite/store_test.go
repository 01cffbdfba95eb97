package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/chatpulse/chatpulse/internal/store"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func msg(conv, sender, text string, ts time.Time) *store.Message {
	return &store.Message{
		ID:             store.MessageID(conv, sender, ts, text),
		ConversationID: conv,
		Sender:         sender,
		Timestamp:      ts,
		Text:           text,
		Type:           store.MessageText,
		ScrapedAt:      time.Now(),
	}
}

func TestSaveAndGetMessage(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	ts := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	m := msg("family", "alice", "hello there", ts)
	m.MediaRefs = []string{"img/one.jpg"}
	m.Outgoing = true

	if err := s.SaveMessage(ctx, m); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.GetMessage(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Text != "hello there" || got.Sender != "alice" {
		t.Errorf("got %+v", got)
	}
	if !got.Timestamp.Equal(ts) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, ts)
	}
	if len(got.MediaRefs) != 1 || got.MediaRefs[0] != "img/one.jpg" {
		t.Errorf("media refs = %v", got.MediaRefs)
	}
	if !got.Outgoing {
		t.Error("outgoing flag lost")
	}

	if _, err := s.GetMessage(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("missing message error = %v, want ErrNotFound", err)
	}
}

func TestSaveMessageDuplicate(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	m := msg("family", "alice", "hello", time.Now())
	if err := s.SaveMessage(ctx, m); err != nil {
		t.Fatalf("first save: %v", err)
	}
	if err := s.SaveMessage(ctx, m); !errors.Is(err, store.ErrDuplicateMessage) {
		t.Errorf("second save error = %v, want ErrDuplicateMessage", err)
	}

	exists, err := s.MessageExists(ctx, m.ID)
	if err != nil || !exists {
		t.Errorf("exists = %v, %v", exists, err)
	}
	exists, err = s.MessageExists(ctx, "nope")
	if err != nil || exists {
		t.Errorf("phantom exists = %v, %v", exists, err)
	}
}

func TestListMessagesArrivalOrder(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	// Insert out of timestamp order; arrival order must win.
	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	texts := []string{"third by time", "first by time", "second by time"}
	stamps := []time.Time{base.Add(2 * time.Hour), base, base.Add(time.Hour)}
	for i, text := range texts {
		if err := s.SaveMessage(ctx, msg("family", "alice", text, stamps[i])); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	got, err := s.ListMessages(ctx, store.MessageQuery{ConversationID: "family"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d", len(got))
	}
	for i, want := range texts {
		if got[i].Text != want {
			t.Errorf("got[%d] = %q, want %q", i, got[i].Text, want)
		}
	}
}

func TestListMessagesOffsetPaging(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		text := fmt.Sprintf("page msg %d", i)
		if err := s.SaveMessage(ctx, msg("family", "alice", text, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	// Walking pages of two visits every row exactly once, in order.
	var seen []string
	for offset := 0; ; offset += 2 {
		page, err := s.ListMessages(ctx, store.MessageQuery{Limit: 2, Offset: offset})
		if err != nil {
			t.Fatalf("list offset %d: %v", offset, err)
		}
		for _, m := range page {
			seen = append(seen, m.Text)
		}
		if len(page) < 2 {
			break
		}
	}
	if len(seen) != 5 {
		t.Fatalf("paged %d rows, want 5: %v", len(seen), seen)
	}
	for i, text := range seen {
		if want := fmt.Sprintf("page msg %d", i); text != want {
			t.Errorf("seen[%d] = %q, want %q", i, text, want)
		}
	}

	// Offset without Limit skips the leading rows.
	tail, err := s.ListMessages(ctx, store.MessageQuery{Offset: 3})
	if err != nil {
		t.Fatalf("list tail: %v", err)
	}
	if len(tail) != 2 || tail[0].Text != "page msg 3" {
		t.Errorf("tail = %d rows starting %q, want 2 from page msg 3", len(tail), tail[0].Text)
	}
}

func TestListMessagesFilters(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	fixtures := []struct {
		conv, sender string
		ts           time.Time
	}{
		{"family", "alice", base},
		{"family", "bob", base.Add(time.Hour)},
		{"work", "alice", base.Add(2 * time.Hour)},
	}
	for i, f := range fixtures {
		if err := s.SaveMessage(ctx, msg(f.conv, f.sender, fmt.Sprintf("m%d", i), f.ts)); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		name string
		q    store.MessageQuery
		want int
	}{
		{"by conversation", store.MessageQuery{ConversationID: "family"}, 2},
		{"by sender", store.MessageQuery{Sender: "alice"}, 2},
		{"since inclusive", store.MessageQuery{Since: base.Add(time.Hour)}, 2},
		{"until exclusive", store.MessageQuery{Until: base.Add(time.Hour)}, 1},
		{"limit", store.MessageQuery{Limit: 2}, 2},
		{"all", store.MessageQuery{}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListMessages(ctx, tt.q)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestConversationLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	c := &store.ConversationConfig{
		ConversationID: "family",
		DisplayName:    "Family Group",
		Monitored:      true,
		CategoryRules:  map[string][]string{"groceries": {"milk"}},
	}
	if err := s.UpsertConversation(ctx, c); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetConversation(ctx, "family")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Monitored || got.DisplayName != "Family Group" {
		t.Errorf("got %+v", got)
	}
	if got.CategoryRules["groceries"][0] != "milk" {
		t.Errorf("rules = %v", got.CategoryRules)
	}

	// Upsert replaces.
	c.DisplayName = "Family"
	c.Monitored = false
	if err := s.UpsertConversation(ctx, c); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}
	got, _ = s.GetConversation(ctx, "family")
	if got.Monitored || got.DisplayName != "Family" {
		t.Errorf("after upsert: %+v", got)
	}

	if err := s.SetMonitored(ctx, "family", true); err != nil {
		t.Fatalf("set monitored: %v", err)
	}
	if err := s.SetMonitored(ctx, "ghost", true); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("set monitored on missing = %v, want ErrNotFound", err)
	}

	if err := s.UpsertConversation(ctx, &store.ConversationConfig{ConversationID: "work", Monitored: false}); err != nil {
		t.Fatal(err)
	}
	all, err := s.ListConversations(ctx, false)
	if err != nil || len(all) != 2 {
		t.Fatalf("all = %d (%v), want 2", len(all), err)
	}
	mon, err := s.ListConversations(ctx, true)
	if err != nil || len(mon) != 1 || mon[0].ConversationID != "family" {
		t.Fatalf("monitored = %+v (%v)", mon, err)
	}
}

func TestSaveResultUpsert(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	m := msg("family", "alice", "hello", time.Now())
	if err := s.SaveMessage(ctx, m); err != nil {
		t.Fatal(err)
	}

	gap := store.Gap(m.ID, store.AgentSentiment, errors.New("model down"), time.Now())
	if err := s.SaveResult(ctx, &gap); err != nil {
		t.Fatalf("save gap: %v", err)
	}

	// Success supersedes the gap; no second row appears.
	ok := &store.AnalysisResult{
		MessageID:  m.ID,
		AgentKind:  store.AgentSentiment,
		Status:     store.ResultCompleted,
		Label:      "positive",
		Score:      0.7,
		Confidence: 0.85,
		Payload:    []byte(`{"combined":0.7}`),
		ProducedAt: time.Now(),
	}
	if err := s.SaveResult(ctx, ok); err != nil {
		t.Fatalf("save result: %v", err)
	}

	results, err := s.ListResults(ctx, store.ResultQuery{MessageID: m.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("len = %d, want 1 (superseded, not appended)", len(results))
	}
	r := results[0]
	if r.Status != store.ResultCompleted || r.Label != "positive" || r.Error != "" {
		t.Errorf("got %+v", r)
	}
	if string(r.Payload) != `{"combined":0.7}` {
		t.Errorf("payload = %s", r.Payload)
	}

	bad := &store.AnalysisResult{MessageID: m.ID, AgentKind: "astrology", Status: store.ResultCompleted}
	if err := s.SaveResult(ctx, bad); err == nil {
		t.Error("unknown agent kind accepted")
	}
}

func TestListResultsFilters(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	m1 := msg("family", "alice", "one", base)
	m2 := msg("work", "bob", "two", base.Add(time.Minute))
	for _, m := range []*store.Message{m1, m2} {
		if err := s.SaveMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	save := func(id string, kind store.AgentKind, status store.ResultStatus, at time.Time) {
		t.Helper()
		err := s.SaveResult(ctx, &store.AnalysisResult{
			MessageID: id, AgentKind: kind, Status: status, Label: "x", ProducedAt: at,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	save(m1.ID, store.AgentSentiment, store.ResultCompleted, base)
	save(m1.ID, store.AgentCategory, store.ResultFailed, base.Add(time.Minute))
	save(m2.ID, store.AgentSentiment, store.ResultCompleted, base.Add(2*time.Minute))

	tests := []struct {
		name string
		q    store.ResultQuery
		want int
	}{
		{"all", store.ResultQuery{}, 3},
		{"by conversation", store.ResultQuery{ConversationID: "family"}, 2},
		{"by message", store.ResultQuery{MessageID: m2.ID}, 1},
		{"by kind", store.ResultQuery{AgentKind: store.AgentSentiment}, 2},
		{"by status", store.ResultQuery{Status: store.ResultFailed}, 1},
		{"since", store.ResultQuery{Since: base.Add(2 * time.Minute)}, 1},
		{"limit", store.ResultQuery{Limit: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.ListResults(ctx, tt.q)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("len = %d, want %d", len(got), tt.want)
			}
		})
	}
}

func TestSummarizeSentiment(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	labels := []string{"positive", "positive", "negative", "neutral"}
	for i, label := range labels {
		m := msg("family", "alice", fmt.Sprintf("m%d", i), base.Add(time.Duration(i)*time.Minute))
		if err := s.SaveMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
		err := s.SaveResult(ctx, &store.AnalysisResult{
			MessageID: m.ID, AgentKind: store.AgentSentiment,
			Status: store.ResultCompleted, Label: label,
			Confidence: 0.8, ProducedAt: base,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	// A gap row and a category row must not count.
	mGap := msg("family", "alice", "gap", base.Add(time.Hour))
	if err := s.SaveMessage(ctx, mGap); err != nil {
		t.Fatal(err)
	}
	gap := store.Gap(mGap.ID, store.AgentSentiment, errors.New("down"), base)
	if err := s.SaveResult(ctx, &gap); err != nil {
		t.Fatal(err)
	}

	sum, err := s.SummarizeSentiment(ctx, "family", time.Time{})
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if sum.Total != 4 {
		t.Errorf("total = %d, want 4", sum.Total)
	}
	if sum.Counts[store.SentimentPositive] != 2 {
		t.Errorf("positive = %d, want 2", sum.Counts[store.SentimentPositive])
	}
	if sum.Dominant != store.SentimentPositive {
		t.Errorf("dominant = %q", sum.Dominant)
	}
	if sum.AvgConfidence < 0.79 || sum.AvgConfidence > 0.81 {
		t.Errorf("avg confidence = %f", sum.AvgConfidence)
	}

	empty, err := s.SummarizeSentiment(ctx, "ghost", time.Time{})
	if err != nil {
		t.Fatalf("summarize empty: %v", err)
	}
	if empty.Total != 0 {
		t.Errorf("ghost total = %d", empty.Total)
	}
}

func TestPendingQueue(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	for _, id := range []string{"b", "a", "b"} { // re-enqueue is a no-op
		if err := s.EnqueuePending(ctx, id); err != nil {
			t.Fatalf("enqueue %s: %v", id, err)
		}
	}

	ids, err := s.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("len = %d, want 2", len(ids))
	}

	if err := s.ClearPending(ctx, "b"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	ids, _ = s.ListPending(ctx, 10)
	if len(ids) != 1 || ids[0] != "a" {
		t.Errorf("after clear = %v", ids)
	}
}

func TestPruneBefore(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	old := msg("family", "alice", "old", base)
	fresh := msg("family", "alice", "fresh", base.AddDate(0, 2, 0))
	for _, m := range []*store.Message{old, fresh} {
		if err := s.SaveMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
		r := store.AnalysisResult{
			MessageID: m.ID, AgentKind: store.AgentSentiment,
			Status: store.ResultCompleted, Label: "neutral", ProducedAt: m.Timestamp,
		}
		if err := s.SaveResult(ctx, &r); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.EnqueuePending(ctx, old.ID); err != nil {
		t.Fatal(err)
	}

	n, err := s.PruneBefore(ctx, base.AddDate(0, 1, 0))
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}

	if _, err := s.GetMessage(ctx, old.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("old message survived: %v", err)
	}
	if _, err := s.GetMessage(ctx, fresh.ID); err != nil {
		t.Errorf("fresh message pruned: %v", err)
	}
	results, _ := s.ListResults(ctx, store.ResultQuery{})
	if len(results) != 1 {
		t.Errorf("results after prune = %d, want 1", len(results))
	}
	pending, _ := s.ListPending(ctx, 10)
	if len(pending) != 0 {
		t.Errorf("pending after prune = %v", pending)
	}
}
