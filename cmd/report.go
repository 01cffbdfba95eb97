package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatpulse/chatpulse/internal/config"
	"github.com/chatpulse/chatpulse/internal/store"
)

func reportCmd() *cobra.Command {
	var (
		conversation string
		sinceDays    int
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize analysis results",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			setupLogging(cfg.Log.Level, cfg.Log.Format)

			meta, err := openMetadataStore(cfg)
			if err != nil {
				return err
			}
			defer meta.Close()

			ctx := cmd.Context()
			since := time.Time{}
			if sinceDays > 0 {
				since = time.Now().AddDate(0, 0, -sinceDays)
			}

			summary, err := meta.SummarizeSentiment(ctx, conversation, since)
			if err != nil {
				return err
			}

			scope := conversation
			if scope == "" {
				scope = "all conversations"
			}
			fmt.Printf("Sentiment — %s\n", scope)
			if summary.Total == 0 {
				fmt.Println("  no results yet")
			} else {
				for _, label := range []store.SentimentLabel{store.SentimentPositive, store.SentimentNeutral, store.SentimentNegative} {
					n := summary.Counts[label]
					pct := 100 * float64(n) / float64(summary.Total)
					fmt.Printf("  %-8s %4d  (%.1f%%)\n", label, n, pct)
				}
				fmt.Printf("  dominant: %s, avg confidence %.2f\n", summary.Dominant, summary.AvgConfidence)
			}

			categories, err := meta.ListResults(ctx, store.ResultQuery{
				ConversationID: conversation,
				AgentKind:      store.AgentCategory,
				Status:         store.ResultCompleted,
				Since:          since,
			})
			if err != nil {
				return err
			}
			if len(categories) > 0 {
				counts := map[string]int{}
				for _, r := range categories {
					counts[r.Label]++
				}
				fmt.Println("\nCategories")
				for label, n := range counts {
					fmt.Printf("  %-12s %4d\n", label, n)
				}
			}

			gaps, err := meta.ListResults(ctx, store.ResultQuery{
				ConversationID: conversation,
				Status:         store.ResultFailed,
				Since:          since,
			})
			if err != nil {
				return err
			}
			if len(gaps) > 0 {
				fmt.Printf("\nGaps: %d analysis failures awaiting rerun\n", len(gaps))
				for _, g := range gaps {
					fmt.Printf("  %s %s: %s\n", g.MessageID, g.AgentKind, g.Error)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&conversation, "conversation", "", "restrict to one conversation")
	cmd.Flags().IntVar(&sinceDays, "days", 7, "report window in days")
	return cmd
}
