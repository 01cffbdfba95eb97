package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/chatpulse/chatpulse/internal/store"
	"github.com/chatpulse/chatpulse/internal/vector"
)

// Reconciler repairs drift between the metadata store and the vector
// index. Two passes: draining the pending queue of deferred vector writes,
// and a full sweep that re-indexes any stored message missing from the
// index (covers crashes between the two writes).
type Reconciler struct {
	meta   store.MetadataStore
	index  *vector.Index
	logger *slog.Logger

	drainLimit int
	sweepPage  int
}

func NewReconciler(meta store.MetadataStore, index *vector.Index, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		meta:       meta,
		index:      index,
		logger:     logger.With("component", "reconcile"),
		drainLimit: 200,
		sweepPage:  500,
	}
}

// Drain retries vector writes parked in the pending queue. Entries that
// still fail stay queued for the next run.
func (r *Reconciler) Drain(ctx context.Context) (repaired int, err error) {
	ids, err := r.meta.ListPending(ctx, r.drainLimit)
	if err != nil {
		return 0, fmt.Errorf("list pending: %w", err)
	}

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return repaired, err
		}
		msg, err := r.meta.GetMessage(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			// Message pruned while queued; nothing to index.
			if cerr := r.meta.ClearPending(ctx, id); cerr != nil {
				return repaired, cerr
			}
			continue
		}
		if err != nil {
			return repaired, fmt.Errorf("load pending %s: %w", id, err)
		}
		if err := r.index.Upsert(ctx, msg); err != nil {
			r.logger.Warn("pending vector write still failing", "message_id", id, "error", err)
			continue
		}
		if err := r.meta.ClearPending(ctx, id); err != nil {
			return repaired, err
		}
		repaired++
	}
	return repaired, nil
}

// Sweep walks all stored messages and indexes any the vector index is
// missing. Paged so a large history does not hold memory.
func (r *Reconciler) Sweep(ctx context.Context) (repaired int, err error) {
	ctx, span := otel.Tracer("chatpulse/ingest").Start(ctx, "reconcile.sweep")
	defer func() {
		span.SetAttributes(attribute.Int("sweep.repaired", repaired))
		span.End()
	}()

	// Pages follow arrival order, the same ordering ListMessages sorts
	// by, so advancing by page size never skips a row the way a
	// timestamp cursor would on out-of-order stamps.
	for offset := 0; ; offset += r.sweepPage {
		if err := ctx.Err(); err != nil {
			return repaired, err
		}
		page, err := r.meta.ListMessages(ctx, store.MessageQuery{
			Limit:  r.sweepPage,
			Offset: offset,
		})
		if err != nil {
			return repaired, fmt.Errorf("list messages: %w", err)
		}
		if len(page) == 0 {
			return repaired, nil
		}

		for _, msg := range page {
			ok, err := r.index.Exists(ctx, msg.ID)
			if err != nil {
				return repaired, err
			}
			if ok {
				continue
			}
			if err := r.index.Upsert(ctx, &msg); err != nil {
				r.logger.Warn("sweep reindex failed", "message_id", msg.ID, "error", err)
				continue
			}
			repaired++
		}

		if len(page) < r.sweepPage {
			return repaired, nil
		}
	}
}

// Run executes Drain every tick and Sweep plus retention pruning on the
// cron schedules. Blocks until ctx is done.
func (r *Reconciler) Run(ctx context.Context, sweepCron string, retention time.Duration, tick time.Duration) error {
	if tick <= 0 {
		tick = time.Minute
	}
	g := gronx.New()
	if sweepCron != "" && !g.IsValid(sweepCron) {
		return fmt.Errorf("invalid sweep schedule %q", sweepCron)
	}

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if n, err := r.Drain(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Error("drain failed", "error", err)
		} else if n > 0 {
			r.logger.Info("drained pending vector writes", "repaired", n)
		}

		if sweepCron != "" {
			due, err := g.IsDue(sweepCron, time.Now())
			if err == nil && due {
				if n, err := r.Sweep(ctx); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					r.logger.Error("sweep failed", "error", err)
				} else {
					r.logger.Info("reconciliation sweep complete", "repaired", n)
				}

				if retention > 0 {
					r.prune(ctx, retention)
				}
			}
		}
	}
}

func (r *Reconciler) prune(ctx context.Context, retention time.Duration) {
	cutoff := time.Now().Add(-retention)
	mnRows, err := r.meta.PruneBefore(ctx, cutoff)
	if err != nil {
		r.logger.Error("metadata prune failed", "error", err)
		return
	}
	vecRows, err := r.index.PruneBefore(ctx, cutoff)
	if err != nil {
		r.logger.Error("vector prune failed", "error", err)
		return
	}
	if mnRows > 0 || vecRows > 0 {
		r.logger.Info("retention prune complete",
			"cutoff", cutoff.Format(time.RFC3339),
			"messages", mnRows, "vectors", vecRows)
	}
}
