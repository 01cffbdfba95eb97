// Package ingest moves raw scraped messages into durable storage. The
// pipeline normalizes, filters, and deduplicates each batch, writes
// surviving messages to the metadata store and the vector index, and hands
// newly admitted messages to a downstream handler in arrival order.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chatpulse/chatpulse/internal/source"
	"github.com/chatpulse/chatpulse/internal/store"
	"github.com/chatpulse/chatpulse/internal/vector"
)

// Handler receives messages that completed ingestion, in arrival order.
// Typically the orchestrator's enqueue.
type Handler func(ctx context.Context, msgs []store.Message) error

// Stats are cumulative pipeline counters.
type Stats struct {
	Received   uint64 // raw messages seen
	Admitted   uint64 // written to stores and emitted
	Duplicates uint64 // dropped by identity
	Skipped    uint64 // unmonitored conversation or empty after normalize
	Degraded   uint64 // metadata written but vector deferred
}

// Pipeline is the ingestion stage between sources and the orchestrator.
// Safe for concurrent use; batches from different conversations may be
// ingested in parallel.
type Pipeline struct {
	meta    store.MetadataStore
	index   *vector.Index
	dedupe  *Deduplicator
	handler Handler
	logger  *slog.Logger

	batchSize int

	received   atomic.Uint64
	admitted   atomic.Uint64
	duplicates atomic.Uint64
	skipped    atomic.Uint64
	degraded   atomic.Uint64

	// monitored caches conversation monitoring flags; invalidated on
	// config reload via Refresh.
	monMu     sync.RWMutex
	monitored map[string]bool
}

// Options configures a Pipeline.
type Options struct {
	BatchSize int // emitted chunk size, default 10
	DedupeLRU int
}

func New(meta store.MetadataStore, index *vector.Index, handler Handler, logger *slog.Logger, opts Options) *Pipeline {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		meta:      meta,
		index:     index,
		dedupe:    NewDeduplicator(meta, opts.DedupeLRU),
		handler:   handler,
		logger:    logger.With("component", "ingest"),
		batchSize: opts.BatchSize,
		monitored: make(map[string]bool),
	}
}

// Sink adapts the pipeline to a source runner.
func (p *Pipeline) Sink() source.BatchFunc {
	return func(ctx context.Context, batch []source.RawMessage) error {
		return p.Ingest(ctx, batch)
	}
}

// Ingest processes one raw batch. Re-delivery of the same raw messages is
// safe: duplicates are dropped on identity before any write. The batch is
// processed in order; on a metadata write failure the remainder is
// abandoned and the error returned, leaving those messages for the next
// poll.
func (p *Pipeline) Ingest(ctx context.Context, batch []source.RawMessage) error {
	ctx, span := otel.Tracer("chatpulse/ingest").Start(ctx, "pipeline.ingest",
		trace.WithAttributes(attribute.Int("batch.raw", len(batch))))
	defer span.End()

	admitted := make([]store.Message, 0, len(batch))

	for _, raw := range batch {
		p.received.Add(1)

		msg, ok := p.normalize(raw)
		if !ok {
			p.skipped.Add(1)
			continue
		}

		mon, err := p.isMonitored(ctx, msg.ConversationID)
		if err != nil {
			return fmt.Errorf("monitor check %s: %w", msg.ConversationID, err)
		}
		if !mon {
			p.skipped.Add(1)
			continue
		}

		seen, err := p.dedupe.Seen(ctx, msg.ID)
		if err != nil {
			return fmt.Errorf("dedupe check %s: %w", msg.ID, err)
		}
		if seen {
			p.duplicates.Add(1)
			continue
		}

		if err := p.meta.SaveMessage(ctx, &msg); err != nil {
			if errors.Is(err, store.ErrDuplicateMessage) {
				// Another scrape path got here first. Same identity,
				// same content; settle for theirs.
				p.dedupe.MarkSeen(msg.ID)
				p.duplicates.Add(1)
				continue
			}
			return fmt.Errorf("save message %s: %w", msg.ID, err)
		}

		if err := p.index.Upsert(ctx, &msg); err != nil {
			// Metadata is the source of truth; park the vector write for
			// the reconciler instead of failing the whole message.
			p.degraded.Add(1)
			p.logger.Warn("vector upsert deferred",
				"message_id", msg.ID, "error", err)
			if qerr := p.meta.EnqueuePending(ctx, msg.ID); qerr != nil {
				return fmt.Errorf("enqueue pending %s: %w", msg.ID, qerr)
			}
		}

		p.dedupe.MarkSeen(msg.ID)
		p.admitted.Add(1)
		admitted = append(admitted, msg)
	}
	span.SetAttributes(attribute.Int("batch.admitted", len(admitted)))

	return p.emit(ctx, admitted)
}

// normalize turns a raw scrape into a storable message. Returns false for
// records with no usable content.
func (p *Pipeline) normalize(raw source.RawMessage) (store.Message, bool) {
	text := strings.TrimSpace(raw.Text)
	if text == "" && len(raw.MediaRefs) == 0 {
		return store.Message{}, false
	}
	if raw.Sender == "" || raw.ConversationID == "" {
		return store.Message{}, false
	}
	ts := raw.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	kind := raw.Type
	if kind == "" {
		kind = store.MessageText
	}
	return store.Message{
		ID:             store.MessageID(raw.ConversationID, raw.Sender, ts, text),
		ConversationID: raw.ConversationID,
		Sender:         raw.Sender,
		Timestamp:      ts,
		Text:           text,
		MediaRefs:      raw.MediaRefs,
		Type:           kind,
		Outgoing:       raw.Outgoing,
		ScrapedAt:      time.Now(),
	}, true
}

func (p *Pipeline) isMonitored(ctx context.Context, conversationID string) (bool, error) {
	p.monMu.RLock()
	mon, ok := p.monitored[conversationID]
	p.monMu.RUnlock()
	if ok {
		return mon, nil
	}

	cfg, err := p.meta.GetConversation(ctx, conversationID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		mon = false
	case err != nil:
		return false, err
	default:
		mon = cfg.Monitored
	}

	p.monMu.Lock()
	p.monitored[conversationID] = mon
	p.monMu.Unlock()
	return mon, nil
}

// Refresh drops the monitoring cache so the next batch re-reads
// conversation configs. Called on config reload.
func (p *Pipeline) Refresh() {
	p.monMu.Lock()
	p.monitored = make(map[string]bool)
	p.monMu.Unlock()
}

// emit hands admitted messages downstream in chunks of batchSize.
func (p *Pipeline) emit(ctx context.Context, msgs []store.Message) error {
	if p.handler == nil {
		return nil
	}
	for len(msgs) > 0 {
		n := min(p.batchSize, len(msgs))
		if err := p.handler(ctx, msgs[:n]); err != nil {
			return fmt.Errorf("emit batch: %w", err)
		}
		msgs = msgs[n:]
	}
	return nil
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Received:   p.received.Load(),
		Admitted:   p.admitted.Load(),
		Duplicates: p.duplicates.Load(),
		Skipped:    p.skipped.Load(),
		Degraded:   p.degraded.Load(),
	}
}
