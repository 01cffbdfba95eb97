package source

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	initialBackoff = 2 * time.Second
	maxBackoff     = 2 * time.Minute
)

// BatchFunc receives each non-empty batch pulled from a source. It is
// called sequentially per source, preserving in-conversation order.
type BatchFunc func(ctx context.Context, batch []RawMessage) error

// Runner drives one Source: polls at a rate-limited cadence, retries
// ErrUnavailable with exponential backoff and hands batches to the sink.
type Runner struct {
	src     Source
	sink    BatchFunc
	limiter *rate.Limiter
}

// NewRunner creates a runner polling src at most once per interval.
func NewRunner(src Source, sink BatchFunc, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Runner{
		src:     src,
		sink:    sink,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

// Run polls until ctx is cancelled or the source reaches end of stream.
func (r *Runner) Run(ctx context.Context) error {
	backoff := initialBackoff
	conv := r.src.Conversation()

	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return ctx.Err()
		}

		batch, err := r.src.NextBatch(ctx)
		switch {
		case errors.Is(err, ErrEndOfStream):
			slog.Info("source drained", "conversation", conv)
			return nil
		case errors.Is(err, ErrUnavailable):
			slog.Warn("source unavailable, backing off", "conversation", conv, "backoff", backoff, "error", err)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		case err != nil:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("source poll failed", "conversation", conv, "error", err)
			continue
		}
		backoff = initialBackoff

		if len(batch) == 0 {
			continue
		}
		if err := r.sink(ctx, batch); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Sink failures are the pipeline's to log in detail; unpersisted
			// messages were not marked seen and return on the next poll.
			slog.Warn("batch sink failed", "conversation", conv, "count", len(batch), "error", err)
		}
	}
}

// Manager runs one Runner per source concurrently. Conversations have no
// ordering guarantee between each other; within one conversation the
// runner is strictly sequential.
type Manager struct {
	interval time.Duration
	sink     BatchFunc

	mu      sync.Mutex
	wg      sync.WaitGroup
	sources []Source
}

// NewManager creates a manager delivering all batches to sink.
func NewManager(sink BatchFunc, interval time.Duration) *Manager {
	return &Manager{interval: interval, sink: sink}
}

// Add registers a source and starts its runner under ctx.
func (m *Manager) Add(ctx context.Context, src Source) {
	m.mu.Lock()
	m.sources = append(m.sources, src)
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := NewRunner(src, m.sink, m.interval).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("source runner exited", "conversation", src.Conversation(), "error", err)
		}
	}()
}

// Wait blocks until every runner has exited.
func (m *Manager) Wait() {
	m.wg.Wait()
}

// Close closes all registered sources.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, src := range m.sources {
		if err := src.Close(); err != nil {
			slog.Warn("closing source", "conversation", src.Conversation(), "error", err)
		}
	}
}
