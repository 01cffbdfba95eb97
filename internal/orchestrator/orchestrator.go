// Package orchestrator fans ingested message batches out to the analysis
// agents and records their results. Each batch moves through a small state
// machine; agents run concurrently per batch but results are only written
// once every agent has reported, so a batch never half-appears.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/chatpulse/chatpulse/internal/analysis"
	"github.com/chatpulse/chatpulse/internal/store"
	"github.com/chatpulse/chatpulse/internal/vector"
)

// BatchState tracks a batch through its lifecycle.
type BatchState string

const (
	// BatchPending means the batch is queued and untouched; cancellation
	// here has no side effects.
	BatchPending BatchState = "pending"
	// BatchDispatching means agents are running.
	BatchDispatching BatchState = "dispatching"
	// BatchCollecting means agents finished and results are being written.
	BatchCollecting BatchState = "collecting"
	// BatchCompleted means every (message, agent) pair produced a result
	// or a deliberate skip.
	BatchCompleted BatchState = "completed"
	// BatchPartiallyFailed means at least one pair ended as a gap record.
	// The completed results stand; gaps are queryable and supersedable.
	BatchPartiallyFailed BatchState = "partially_failed"
)

// Batch is one unit of orchestration work.
type Batch struct {
	ID       string
	Messages []store.Message
	State    BatchState
	Created  time.Time
}

// SentimentRefresher patches denormalized sentiment onto vector records.
// Satisfied by *vector.Index.
type SentimentRefresher interface {
	RefreshMetadata(ctx context.Context, messageID string, patch vector.MetadataPatch) error
}

// Options tunes the orchestrator.
type Options struct {
	// Retries is the per-agent-invocation retry budget for transient
	// failures. An agent sees a batch as a unit, so the budget is spent
	// on whole-batch attempts. Default 2 (three attempts total).
	Retries int
	// Backoff is the initial retry delay, doubled per attempt. Default 1s.
	Backoff time.Duration
	// QueueDepth bounds the pending batch queue. Default 64.
	QueueDepth int
	// Workers is the number of concurrent batch processors. Default 2.
	Workers int
}

// Orchestrator owns the batch queue and the agent rotation. The rotation
// order is fixed at construction; agents run concurrently but report in
// that order, keeping result write-back deterministic.
type Orchestrator struct {
	meta    store.MetadataStore
	refresh SentimentRefresher
	agents  []analysis.Agent
	logger  *slog.Logger
	opts    Options

	queue chan *Batch
	wg    sync.WaitGroup

	mu        sync.Mutex
	requeued  []*Batch // batches bounced back to Pending by cancellation
	processed uint64
	gaps      uint64
}

func New(meta store.MetadataStore, refresh SentimentRefresher, agents []analysis.Agent, logger *slog.Logger, opts Options) (*Orchestrator, error) {
	if len(agents) == 0 {
		return nil, errors.New("orchestrator: at least one agent required")
	}
	seen := map[store.AgentKind]bool{}
	for _, a := range agents {
		if !store.ValidAgentKind(a.Kind()) {
			return nil, fmt.Errorf("orchestrator: unknown agent kind %q", a.Kind())
		}
		if seen[a.Kind()] {
			return nil, fmt.Errorf("orchestrator: duplicate agent kind %q", a.Kind())
		}
		seen[a.Kind()] = true
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	} else if opts.Retries == 0 {
		opts.Retries = 2
	}
	if opts.Backoff <= 0 {
		opts.Backoff = time.Second
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = 64
	}
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		meta:    meta,
		refresh: refresh,
		agents:  agents,
		logger:  logger.With("component", "orchestrator"),
		opts:    opts,
		queue:   make(chan *Batch, opts.QueueDepth),
	}, nil
}

// Enqueue queues messages as a new Pending batch. Blocks when the queue is
// full, which backpressures ingestion.
func (o *Orchestrator) Enqueue(ctx context.Context, msgs []store.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	b := &Batch{
		// v7 so batch IDs sort by creation time in logs and traces.
		ID:       uuid.Must(uuid.NewV7()).String(),
		Messages: msgs,
		State:    BatchPending,
		Created:  time.Now(),
	}
	select {
	case o.queue <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the worker pool and blocks until ctx is done and in-flight
// batches have settled.
func (o *Orchestrator) Run(ctx context.Context) {
	for i := 0; i < o.opts.Workers; i++ {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-o.queue:
					o.Process(ctx, b)
				}
			}
		}()
	}
	o.wg.Wait()
}

// agentOutcome is one agent's verdict for the whole batch: either its
// results (absent elements are deliberate skips) or the error that
// exhausted the retry budget.
type agentOutcome struct {
	results []store.AnalysisResult
	err     error
}

// Process runs one batch to a terminal state. Cancellation before dispatch
// leaves the batch Pending with no side effects; cancellation mid-flight
// discards everything collected and returns the batch to Pending for a
// later run.
func (o *Orchestrator) Process(ctx context.Context, b *Batch) {
	if ctx.Err() != nil {
		o.requeue(b)
		return
	}

	ctx, span := otel.Tracer("chatpulse/orchestrator").Start(ctx, "batch.process",
		trace.WithAttributes(
			attribute.String("batch.id", b.ID),
			attribute.Int("batch.messages", len(b.Messages)),
		))
	defer func() {
		span.SetAttributes(attribute.String("batch.state", string(b.State)))
		span.End()
	}()

	b.State = BatchDispatching
	o.logger.Debug("dispatching batch", "batch_id", b.ID, "messages", len(b.Messages), "agents", len(o.agents))

	convs := o.loadConversations(ctx, b)

	// One goroutine per agent; each invocation sees the whole batch in
	// message order so per-conversation ordering holds within an agent's
	// results.
	outcomes := make([]agentOutcome, len(o.agents))
	var wg sync.WaitGroup
	for i, agent := range o.agents {
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcomes[i] = o.runAgent(ctx, agent, b, convs)
		}()
	}
	wg.Wait()

	if ctx.Err() != nil {
		// Mid-flight cancellation: nothing written, batch goes back.
		o.requeue(b)
		return
	}

	b.State = BatchCollecting
	failed := o.writeBack(ctx, b, outcomes)

	if failed {
		b.State = BatchPartiallyFailed
	} else {
		b.State = BatchCompleted
	}
	o.mu.Lock()
	o.processed++
	o.mu.Unlock()
	o.logger.Info("batch settled", "batch_id", b.ID, "state", b.State)
}

// runAgent invokes a single agent on the whole batch, retrying transient
// failures. One agent exhausting its budget never stops the others.
func (o *Orchestrator) runAgent(ctx context.Context, agent analysis.Agent, b *Batch, convs map[string]*store.ConversationConfig) agentOutcome {
	results, err := o.analyzeWithRetry(ctx, agent, b, convs)
	if err != nil {
		return agentOutcome{err: err}
	}
	return agentOutcome{results: results}
}

func (o *Orchestrator) analyzeWithRetry(ctx context.Context, agent analysis.Agent, b *Batch, convs map[string]*store.ConversationConfig) ([]store.AnalysisResult, error) {
	backoff := o.opts.Backoff
	var lastErr error
	for attempt := 0; attempt <= o.opts.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		results, err := agent.Analyze(ctx, b.Messages, convs)
		if err == nil {
			return results, nil
		}
		lastErr = err
		if !analysis.IsTransient(err) || ctx.Err() != nil {
			break
		}
		o.logger.Warn("agent retry",
			"agent", agent.Kind(), "batch_id", b.ID,
			"attempt", attempt+1, "error", err)
	}
	return nil, lastErr
}

// writeBack persists results and gaps in rotation order. A failed agent
// invocation becomes one gap per batch message for that agent. Returns
// true if any gap was recorded or a write failed.
func (o *Orchestrator) writeBack(ctx context.Context, b *Batch, outcomes []agentOutcome) (failed bool) {
	for i, agent := range o.agents {
		oc := outcomes[i]
		if oc.err != nil {
			failed = true
			for j := range b.Messages {
				gap := store.Gap(b.Messages[j].ID, agent.Kind(), oc.err, time.Now())
				o.mu.Lock()
				o.gaps++
				o.mu.Unlock()
				if err := o.meta.SaveResult(ctx, &gap); err != nil {
					o.logger.Error("save gap failed", "batch_id", b.ID, "error", err)
				}
			}
			continue
		}
		for j := range oc.results {
			res := &oc.results[j]
			if err := o.meta.SaveResult(ctx, res); err != nil {
				o.logger.Error("save result failed",
					"batch_id", b.ID, "agent", agent.Kind(), "error", err)
				failed = true
				continue
			}
			if agent.Kind() == store.AgentSentiment && o.refresh != nil {
				label := res.Label
				err := o.refresh.RefreshMetadata(ctx, res.MessageID, vector.MetadataPatch{Sentiment: &label})
				if err != nil && !errors.Is(err, store.ErrNotFound) {
					// The vector record may still be parked in the
					// pending queue; the reconciler will carry the
					// label over when it lands.
					o.logger.Warn("sentiment refresh deferred",
						"message_id", res.MessageID, "error", err)
				}
			}
		}
	}
	return failed
}

func (o *Orchestrator) loadConversations(ctx context.Context, b *Batch) map[string]*store.ConversationConfig {
	convs := make(map[string]*store.ConversationConfig)
	for i := range b.Messages {
		id := b.Messages[i].ConversationID
		if _, ok := convs[id]; ok {
			continue
		}
		cfg, err := o.meta.GetConversation(ctx, id)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				o.logger.Warn("conversation config unavailable", "conversation", id, "error", err)
			}
			convs[id] = nil
			continue
		}
		convs[id] = cfg
	}
	return convs
}

func (o *Orchestrator) requeue(b *Batch) {
	b.State = BatchPending
	o.mu.Lock()
	o.requeued = append(o.requeued, b)
	o.mu.Unlock()
	o.logger.Debug("batch returned to pending", "batch_id", b.ID)
}

// Requeued drains the batches bounced by cancellation, for resubmission
// on the next run.
func (o *Orchestrator) Requeued() []*Batch {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := o.requeued
	o.requeued = nil
	return out
}

// Stats reports processed batch and gap counts.
func (o *Orchestrator) Stats() (processed, gaps uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.processed, o.gaps
}
