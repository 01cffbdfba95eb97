package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/chatpulse/chatpulse/internal/embedding"
	"github.com/chatpulse/chatpulse/internal/source"
	"github.com/chatpulse/chatpulse/internal/store"
	"github.com/chatpulse/chatpulse/internal/store/sqlite"
	"github.com/chatpulse/chatpulse/internal/vector"
)

// stubEngine returns a deterministic vector per text, optionally failing
// the first N calls to exercise the degraded path.
type stubEngine struct {
	failures int
	calls    int
}

func (e *stubEngine) Embed(_ context.Context, text string) ([]float32, error) {
	e.calls++
	if e.failures > 0 {
		e.failures--
		return nil, fmt.Errorf("%w: stub down", embedding.ErrUnavailable)
	}
	v := make([]float32, 4)
	for i, c := range []byte(text) {
		v[i%4] += float32(c)
	}
	return v, nil
}

func (e *stubEngine) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := e.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (e *stubEngine) Dimensions() int { return 4 }
func (e *stubEngine) Name() string    { return "stub" }

func testStores(t *testing.T, eng embedding.Engine) (store.MetadataStore, *vector.Index) {
	t.Helper()
	meta, err := sqlite.Open(":memory:")
	if err != nil {
		t.Fatalf("open metadata store: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	ix, err := vector.Open(":memory:", eng)
	if err != nil {
		t.Fatalf("open vector index: %v", err)
	}
	t.Cleanup(func() { ix.Close() })
	return meta, ix
}

func monitoredConv(t *testing.T, meta store.MetadataStore, id string) {
	t.Helper()
	err := meta.UpsertConversation(context.Background(), &store.ConversationConfig{
		ConversationID: id,
		DisplayName:    id,
		Monitored:      true,
	})
	if err != nil {
		t.Fatalf("upsert conversation: %v", err)
	}
}

func rawMsg(conv, sender, text string, ts time.Time) source.RawMessage {
	return source.RawMessage{
		ConversationID: conv,
		Sender:         sender,
		Timestamp:      ts,
		Text:           text,
		Type:           store.MessageText,
	}
}

func TestIngestAdmitsAndEmits(t *testing.T) {
	ctx := context.Background()
	meta, ix := testStores(t, &stubEngine{})
	monitoredConv(t, meta, "family")

	var emitted []store.Message
	p := New(meta, ix, func(_ context.Context, msgs []store.Message) error {
		emitted = append(emitted, msgs...)
		return nil
	}, nil, Options{BatchSize: 2})

	base := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	batch := []source.RawMessage{
		rawMsg("family", "alice", "hello", base),
		rawMsg("family", "bob", "hi there", base.Add(time.Minute)),
		rawMsg("family", "alice", "how are you?", base.Add(2*time.Minute)),
	}
	if err := p.Ingest(ctx, batch); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if len(emitted) != 3 {
		t.Fatalf("emitted %d messages, want 3", len(emitted))
	}
	// Arrival order survives chunked emission.
	for i, want := range []string{"hello", "hi there", "how are you?"} {
		if emitted[i].Text != want {
			t.Errorf("emitted[%d].Text = %q, want %q", i, emitted[i].Text, want)
		}
	}

	for _, m := range emitted {
		got, err := meta.GetMessage(ctx, m.ID)
		if err != nil {
			t.Fatalf("get message %s: %v", m.ID, err)
		}
		if got.Text != m.Text {
			t.Errorf("stored text = %q, want %q", got.Text, m.Text)
		}
		ok, err := ix.Exists(ctx, m.ID)
		if err != nil || !ok {
			t.Errorf("vector record for %s: exists=%v err=%v", m.ID, ok, err)
		}
	}

	st := p.Stats()
	if st.Admitted != 3 || st.Duplicates != 0 {
		t.Errorf("stats = %+v, want 3 admitted, 0 duplicates", st)
	}
}

func TestIngestIdempotentOnRedelivery(t *testing.T) {
	ctx := context.Background()
	meta, ix := testStores(t, &stubEngine{})
	monitoredConv(t, meta, "family")

	var emits int
	p := New(meta, ix, func(_ context.Context, msgs []store.Message) error {
		emits += len(msgs)
		return nil
	}, nil, Options{})

	ts := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	batch := []source.RawMessage{rawMsg("family", "alice", "hello", ts)}

	for i := 0; i < 3; i++ {
		if err := p.Ingest(ctx, batch); err != nil {
			t.Fatalf("ingest round %d: %v", i, err)
		}
	}

	if emits != 1 {
		t.Errorf("emitted %d times, want 1", emits)
	}
	st := p.Stats()
	if st.Admitted != 1 || st.Duplicates != 2 {
		t.Errorf("stats = %+v, want 1 admitted, 2 duplicates", st)
	}

	msgs, err := meta.ListMessages(ctx, store.MessageQuery{ConversationID: "family"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("stored %d messages, want 1", len(msgs))
	}
}

func TestIngestDedupeSurvivesCacheEviction(t *testing.T) {
	ctx := context.Background()
	meta, ix := testStores(t, &stubEngine{})
	monitoredConv(t, meta, "family")

	p := New(meta, ix, nil, nil, Options{DedupeLRU: 1})

	ts := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	first := rawMsg("family", "alice", "hello", ts)
	second := rawMsg("family", "bob", "evicts alice", ts.Add(time.Minute))

	if err := p.Ingest(ctx, []source.RawMessage{first, second}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	// "hello" is out of the LRU now; the store catches the replay.
	if err := p.Ingest(ctx, []source.RawMessage{first}); err != nil {
		t.Fatalf("replay: %v", err)
	}

	if st := p.Stats(); st.Admitted != 2 || st.Duplicates != 1 {
		t.Errorf("stats = %+v, want 2 admitted, 1 duplicate", st)
	}
}

func TestIngestSkipsUnmonitored(t *testing.T) {
	ctx := context.Background()
	meta, ix := testStores(t, &stubEngine{})
	monitoredConv(t, meta, "family")

	p := New(meta, ix, nil, nil, Options{})

	ts := time.Now()
	batch := []source.RawMessage{
		rawMsg("family", "alice", "in scope", ts),
		rawMsg("strangers", "mallory", "out of scope", ts),
	}
	if err := p.Ingest(ctx, batch); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if st := p.Stats(); st.Admitted != 1 || st.Skipped != 1 {
		t.Errorf("stats = %+v, want 1 admitted, 1 skipped", st)
	}
	if _, err := meta.ListMessages(ctx, store.MessageQuery{ConversationID: "strangers"}); err != nil {
		t.Fatalf("list: %v", err)
	}
}

func TestIngestSkipsEmptyText(t *testing.T) {
	ctx := context.Background()
	meta, ix := testStores(t, &stubEngine{})
	monitoredConv(t, meta, "family")

	p := New(meta, ix, nil, nil, Options{})
	batch := []source.RawMessage{
		rawMsg("family", "alice", "   ", time.Now()),
		rawMsg("family", "", "no sender", time.Now()),
	}
	if err := p.Ingest(ctx, batch); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if st := p.Stats(); st.Admitted != 0 || st.Skipped != 2 {
		t.Errorf("stats = %+v, want 0 admitted, 2 skipped", st)
	}
}

func TestIngestDefersVectorWriteWhenEngineDown(t *testing.T) {
	ctx := context.Background()
	eng := &stubEngine{failures: 1}
	meta, ix := testStores(t, eng)
	monitoredConv(t, meta, "family")

	var emitted []store.Message
	p := New(meta, ix, func(_ context.Context, msgs []store.Message) error {
		emitted = append(emitted, msgs...)
		return nil
	}, nil, Options{})

	ts := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	if err := p.Ingest(ctx, []source.RawMessage{rawMsg("family", "alice", "hello", ts)}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	// Message still admitted and durable in metadata.
	if len(emitted) != 1 {
		t.Fatalf("emitted %d, want 1", len(emitted))
	}
	id := emitted[0].ID
	if _, err := meta.GetMessage(ctx, id); err != nil {
		t.Fatalf("metadata row missing: %v", err)
	}
	if ok, _ := ix.Exists(ctx, id); ok {
		t.Fatal("vector record should not exist yet")
	}
	if st := p.Stats(); st.Degraded != 1 {
		t.Errorf("degraded = %d, want 1", st.Degraded)
	}

	pending, err := meta.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 1 || pending[0] != id {
		t.Fatalf("pending = %v, want [%s]", pending, id)
	}

	// Reconciler drains the queue once the engine recovers.
	rec := NewReconciler(meta, ix, nil)
	repaired, err := rec.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if repaired != 1 {
		t.Errorf("repaired = %d, want 1", repaired)
	}
	if ok, _ := ix.Exists(ctx, id); !ok {
		t.Error("vector record missing after drain")
	}
	if pending, _ := meta.ListPending(ctx, 10); len(pending) != 0 {
		t.Errorf("pending not cleared: %v", pending)
	}
}

func TestReconcilerSweepRepairsMissingVectors(t *testing.T) {
	ctx := context.Background()
	meta, ix := testStores(t, &stubEngine{})
	monitoredConv(t, meta, "family")

	// Write metadata rows directly, simulating a crash before the vector
	// write with no pending entry.
	base := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	var ids []string
	for i := 0; i < 5; i++ {
		m := store.Message{
			ID:             store.MessageID("family", "alice", base.Add(time.Duration(i)*time.Minute), fmt.Sprintf("msg %d", i)),
			ConversationID: "family",
			Sender:         "alice",
			Timestamp:      base.Add(time.Duration(i) * time.Minute),
			Text:           fmt.Sprintf("msg %d", i),
			Type:           store.MessageText,
			ScrapedAt:      time.Now(),
		}
		if err := meta.SaveMessage(ctx, &m); err != nil {
			t.Fatalf("save: %v", err)
		}
		ids = append(ids, m.ID)
	}
	// Index two of them; the sweep should fill in the other three.
	for _, id := range ids[:2] {
		m, _ := meta.GetMessage(ctx, id)
		if err := ix.Upsert(ctx, m); err != nil {
			t.Fatalf("seed upsert: %v", err)
		}
	}

	rec := NewReconciler(meta, ix, nil)
	repaired, err := rec.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if repaired != 3 {
		t.Errorf("repaired = %d, want 3", repaired)
	}
	for _, id := range ids {
		if ok, _ := ix.Exists(ctx, id); !ok {
			t.Errorf("vector record %s missing after sweep", id)
		}
	}
}

func TestReconcilerSweepCoversOutOfOrderTimestamps(t *testing.T) {
	ctx := context.Background()
	meta, ix := testStores(t, &stubEngine{})
	monitoredConv(t, meta, "family")

	// Arrival order disagrees with timestamp order, as happens when a
	// backfill lands after newer live messages. Every row must still be
	// visited in a single sweep.
	base := time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC)
	offsets := []int{5, 0, 4, 1, 3}
	var ids []string
	for i, off := range offsets {
		ts := base.Add(time.Duration(off) * time.Minute)
		m := store.Message{
			ID:             store.MessageID("family", "alice", ts, fmt.Sprintf("ooo %d", i)),
			ConversationID: "family",
			Sender:         "alice",
			Timestamp:      ts,
			Text:           fmt.Sprintf("ooo %d", i),
			Type:           store.MessageText,
			ScrapedAt:      time.Now(),
		}
		if err := meta.SaveMessage(ctx, &m); err != nil {
			t.Fatalf("save: %v", err)
		}
		ids = append(ids, m.ID)
	}

	rec := NewReconciler(meta, ix, nil)
	rec.sweepPage = 2 // force multiple pages over the five rows

	repaired, err := rec.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if repaired != 5 {
		t.Errorf("repaired = %d, want all 5 in one sweep", repaired)
	}
	for _, id := range ids {
		if ok, _ := ix.Exists(ctx, id); !ok {
			t.Errorf("vector record %s missing after sweep", id)
		}
	}
}

func TestIngestRefreshPicksUpMonitorChange(t *testing.T) {
	ctx := context.Background()
	meta, ix := testStores(t, &stubEngine{})
	monitoredConv(t, meta, "family")

	p := New(meta, ix, nil, nil, Options{})
	ts := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	if err := p.Ingest(ctx, []source.RawMessage{rawMsg("family", "alice", "one", ts)}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if err := meta.SetMonitored(ctx, "family", false); err != nil {
		t.Fatalf("set monitored: %v", err)
	}

	// Cached flag still admits until Refresh.
	if err := p.Ingest(ctx, []source.RawMessage{rawMsg("family", "alice", "two", ts.Add(time.Minute))}); err != nil {
		t.Fatalf("ingest: %v", err)
	}
	p.Refresh()
	if err := p.Ingest(ctx, []source.RawMessage{rawMsg("family", "alice", "three", ts.Add(2*time.Minute))}); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	if st := p.Stats(); st.Admitted != 2 || st.Skipped != 1 {
		t.Errorf("stats = %+v, want 2 admitted, 1 skipped", st)
	}
}

func TestDeduplicatorBoundedMemory(t *testing.T) {
	meta, _ := testStores(t, &stubEngine{})
	d := NewDeduplicator(meta, 3)
	for i := 0; i < 10; i++ {
		d.MarkSeen(fmt.Sprintf("id-%d", i))
	}
	if d.Len() != 3 {
		t.Errorf("Len = %d, want 3", d.Len())
	}
	// Most recent stay cached.
	seen, err := d.Seen(context.Background(), "id-9")
	if err != nil || !seen {
		t.Errorf("Seen(id-9) = %v, %v, want true", seen, err)
	}
}

func TestIngestMonitorCheckErrorPropagates(t *testing.T) {
	meta, ix := testStores(t, &stubEngine{})
	p := New(meta, ix, nil, nil, Options{})
	meta.Close() // force store errors

	err := p.Ingest(context.Background(), []source.RawMessage{
		rawMsg("family", "alice", "hello", time.Now()),
	})
	if err == nil {
		t.Fatal("want error from closed store")
	}
	if errors.Is(err, store.ErrNotFound) {
		t.Fatalf("unexpected not-found: %v", err)
	}
}
