package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatpulse/chatpulse/internal/config"
	"github.com/chatpulse/chatpulse/internal/embedding"
	"github.com/chatpulse/chatpulse/internal/vector"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check environment and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(cmd.Context())
		},
	}
}

func runDoctor(ctx context.Context) {
	fmt.Println("chatpulse doctor")
	fmt.Printf("  Version:  %s\n", Version)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	// Metadata store
	fmt.Println()
	fmt.Println("  Metadata store:")
	fmt.Printf("    %-10s %s\n", "Backend:", cfg.Store.Backend)
	meta, err := openMetadataStore(cfg)
	if err != nil {
		fmt.Printf("    %-10s OPEN FAILED (%s)\n", "Status:", err)
	} else {
		defer meta.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := meta.Ping(pingCtx); err != nil {
			fmt.Printf("    %-10s PING FAILED (%s)\n", "Status:", err)
		} else {
			fmt.Printf("    %-10s OK\n", "Status:")
			convs, err := meta.ListConversations(ctx, true)
			if err == nil {
				fmt.Printf("    %-10s %d\n", "Monitored:", len(convs))
			}
		}
	}

	// Embedding engine
	fmt.Println()
	fmt.Println("  Embedding engine:")
	engine := embedding.NewOllamaEngine(cfg.Vector.OllamaEndpoint, cfg.Vector.EmbeddingModel, cfg.Vector.Dimensions)
	fmt.Printf("    %-10s %s (%d dims)\n", "Engine:", engine.Name(), engine.Dimensions())
	hcCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := engine.HealthCheck(hcCtx); err != nil {
		fmt.Printf("    %-10s UNREACHABLE (%s)\n", "Status:", err)
	} else {
		fmt.Printf("    %-10s OK\n", "Status:")
	}

	// Vector index
	fmt.Println()
	fmt.Println("  Vector index:")
	index, err := vector.Open(cfg.Vector.Path, engine)
	if err != nil {
		fmt.Printf("    %-10s OPEN FAILED (%s)\n", "Status:", err)
		return
	}
	defer index.Close()
	stats, err := index.Stats(ctx)
	if err != nil {
		fmt.Printf("    %-10s STATS FAILED (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-10s OK\n", "Status:")
	fmt.Printf("    %-10s %d records, %d conversations, %d senders\n",
		"Contents:", stats.Records, stats.UniqueConversations, stats.UniqueSenders)

	// Scoring service
	if cfg.Analysis.ScoringEndpoint != "" {
		fmt.Println()
		fmt.Printf("  Scoring service: %s\n", cfg.Analysis.ScoringEndpoint)
	}
}
