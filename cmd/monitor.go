package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatpulse/chatpulse/internal/analysis"
	"github.com/chatpulse/chatpulse/internal/config"
	"github.com/chatpulse/chatpulse/internal/embedding"
	"github.com/chatpulse/chatpulse/internal/ingest"
	"github.com/chatpulse/chatpulse/internal/orchestrator"
	"github.com/chatpulse/chatpulse/internal/source"
	"github.com/chatpulse/chatpulse/internal/source/bridge"
	"github.com/chatpulse/chatpulse/internal/source/whatsapp"
	"github.com/chatpulse/chatpulse/internal/store"
	"github.com/chatpulse/chatpulse/internal/store/pg"
	"github.com/chatpulse/chatpulse/internal/store/sqlite"
	"github.com/chatpulse/chatpulse/internal/telemetry"
	"github.com/chatpulse/chatpulse/internal/vector"
)

func monitorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "monitor",
		Short: "Run the full ingestion and analysis daemon",
		Run: func(cmd *cobra.Command, args []string) {
			runMonitor(cmd)
		},
	}
}

func runMonitor(cmd *cobra.Command) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %s\n", err)
		os.Exit(1)
	}
	setupLogging(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		slog.Error("telemetry setup failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(shutCtx)
	}()

	if err := runDaemon(ctx, cfgPath, cfg); err != nil && ctx.Err() == nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
	slog.Info("shutdown complete")
}

func openMetadataStore(cfg *config.Config) (store.MetadataStore, error) {
	switch cfg.Store.Backend {
	case "postgres":
		return pg.Open(cfg.Store.PostgresDSN)
	default:
		return sqlite.Open(cfg.Store.SQLitePath)
	}
}

// contextAdapter exposes the vector index's context window as plain texts
// for the response agent.
type contextAdapter struct {
	index  *vector.Index
	window time.Duration
}

func (a contextAdapter) ContextTexts(ctx context.Context, conversationID string, around time.Time, window time.Duration) ([]string, error) {
	if window <= 0 {
		window = a.window
	}
	recs, err := a.index.ContextWindow(ctx, conversationID, around, window)
	if err != nil {
		return nil, err
	}
	texts := make([]string, len(recs))
	for i, r := range recs {
		texts[i] = r.Text
	}
	return texts, nil
}

func runDaemon(ctx context.Context, cfgPath string, cfg *config.Config) error {
	meta, err := openMetadataStore(cfg)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer meta.Close()

	engine := embedding.NewOllamaEngine(cfg.Vector.OllamaEndpoint, cfg.Vector.EmbeddingModel, cfg.Vector.Dimensions)
	index, err := vector.Open(cfg.Vector.Path, engine)
	if err != nil {
		return fmt.Errorf("open vector index: %w", err)
	}
	defer index.Close()

	if err := seedConversations(ctx, meta, cfg.Conversations); err != nil {
		return err
	}

	// Agents in fixed rotation order.
	var remote analysis.Scorer
	if cfg.Analysis.ScoringEndpoint != "" {
		remote = analysis.NewRemoteScorer(cfg.Analysis.ScoringEndpoint, time.Duration(cfg.Analysis.ScoringTimeoutSec)*time.Second)
	}
	window := time.Duration(cfg.Vector.ContextWindowMin) * time.Minute
	agents := []analysis.Agent{
		analysis.NewSentimentAgent(remote, analysis.SentimentOptions{
			MinTextLen:          cfg.Analysis.MinTextLen,
			AgreementConfidence: cfg.Analysis.AgreementConfidence,
		}),
		analysis.NewCategoryAgent(),
	}
	if cfg.Analysis.ResponseSuggestions {
		agents = append(agents, analysis.NewResponseAgent(contextAdapter{index: index, window: window}))
	}

	orch, err := orchestrator.New(meta, index, agents, slog.Default(), orchestrator.Options{
		Retries:    cfg.Analysis.Retries,
		Backoff:    time.Duration(cfg.Analysis.BackoffSec) * time.Second,
		QueueDepth: cfg.Analysis.QueueDepth,
		Workers:    cfg.Analysis.Workers,
	})
	if err != nil {
		return err
	}

	pipeline := ingest.New(meta, index, orch.Enqueue, slog.Default(), ingest.Options{
		BatchSize: cfg.Ingest.BatchSize,
		DedupeLRU: cfg.Ingest.DedupeLRU,
	})

	reconciler := ingest.NewReconciler(meta, index, slog.Default())

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		orch.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		retention := time.Duration(cfg.Retention.Days) * 24 * time.Hour
		tick := time.Duration(cfg.Ingest.DrainTickSec) * time.Second
		if err := reconciler.Run(ctx, cfg.Retention.SweepCron, retention, tick); err != nil && ctx.Err() == nil {
			slog.Error("reconciler stopped", "error", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		err := config.Watch(ctx, cfgPath, cfg, func(next *config.Config) {
			if err := seedConversations(ctx, meta, next.Conversations); err != nil {
				slog.Error("apply conversation changes", "error", err)
				return
			}
			pipeline.Refresh()
		})
		if err != nil && ctx.Err() == nil {
			slog.Warn("config watcher stopped", "error", err)
		}
	}()

	if err := runSources(ctx, cfg, meta, pipeline); err != nil {
		return err
	}

	wg.Wait()

	// Resubmission note for batches bounced by cancellation; their
	// messages are already durable, the next run re-analyzes on demand.
	if bounced := orch.Requeued(); len(bounced) > 0 {
		slog.Info("batches returned to pending on shutdown", "count", len(bounced))
	}
	return nil
}

// seedConversations pushes the config's conversation entries into the
// store and flips the monitored bit on entries that changed.
func seedConversations(ctx context.Context, meta store.MetadataStore, entries []config.ConversationEntry) error {
	for _, e := range entries {
		err := meta.UpsertConversation(ctx, &store.ConversationConfig{
			ConversationID: e.ID,
			DisplayName:    e.DisplayName,
			Monitored:      e.Monitored,
			CategoryRules:  e.CategoryRules,
		})
		if err != nil {
			return fmt.Errorf("seed conversation %s: %w", e.ID, err)
		}
	}
	return nil
}

// runSources builds one source per monitored conversation and runs them
// until ctx is done.
func runSources(ctx context.Context, cfg *config.Config, meta store.MetadataStore, pipeline *ingest.Pipeline) error {
	monitored, err := meta.ListConversations(ctx, true)
	if err != nil {
		return fmt.Errorf("list monitored conversations: %w", err)
	}
	if len(monitored) == 0 {
		slog.Warn("no monitored conversations configured; sources idle")
	}

	interval := time.Duration(cfg.Source.PollIntervalSec) * time.Second
	manager := source.NewManager(pipeline.Sink(), interval)
	defer manager.Close()

	var session *whatsapp.Session
	if cfg.Source.Kind == "whatsapp" && len(monitored) > 0 {
		session = whatsapp.NewSession(whatsapp.SessionConfig{
			DataDir:  cfg.Source.SessionDir,
			Headless: cfg.Source.Headless,
		}, slog.Default())
		if err := session.Start(ctx); err != nil {
			return fmt.Errorf("start whatsapp session: %w", err)
		}
		defer session.Close()
	}

	for _, conv := range monitored {
		var src source.Source
		switch cfg.Source.Kind {
		case "bridge":
			src, err = bridge.New(cfg.Source.BridgeURL, conv.ConversationID)
			if err != nil {
				return err
			}
		default:
			src = whatsapp.NewChatSource(session, conv.ConversationID, cfg.Source.ScrollRounds)
		}
		manager.Add(ctx, src)
		slog.Info("source started", "conversation", conv.ConversationID, "kind", cfg.Source.Kind)
	}

	manager.Wait()
	return nil
}
