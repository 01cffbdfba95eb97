package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/chatpulse/chatpulse/internal/config"
	"github.com/chatpulse/chatpulse/internal/embedding"
	"github.com/chatpulse/chatpulse/internal/vector"
)

func searchCmd() *cobra.Command {
	var (
		conversation string
		sender       string
		sentiment    string
		sinceDays    int
		topK         int
		showStats    bool
	)

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Semantic search over ingested messages",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return err
			}
			setupLogging(cfg.Log.Level, cfg.Log.Format)

			engine := embedding.NewOllamaEngine(cfg.Vector.OllamaEndpoint, cfg.Vector.EmbeddingModel, cfg.Vector.Dimensions)
			index, err := vector.Open(cfg.Vector.Path, engine)
			if err != nil {
				return err
			}
			defer index.Close()

			if showStats {
				st, err := index.Stats(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Printf("records:       %d\n", st.Records)
				fmt.Printf("conversations: %d\n", st.UniqueConversations)
				fmt.Printf("senders:       %d\n", st.UniqueSenders)
				fmt.Printf("avg text len:  %.1f\n", st.AvgTextLength)
				fmt.Printf("engine:        %s (%d dims)\n", st.Engine, st.Dimensions)
				return nil
			}
			if len(args) == 0 {
				return fmt.Errorf("a query argument is required unless --stats is set")
			}

			filter := vector.Filter{
				ConversationID: conversation,
				Sender:         sender,
				Sentiment:      sentiment,
			}
			if sinceDays > 0 {
				filter.Since = time.Now().AddDate(0, 0, -sinceDays)
			}
			if topK <= 0 {
				topK = cfg.Vector.SearchTopK
			}

			results, err := index.Search(cmd.Context(), args[0], filter, topK)
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("no matches")
				return nil
			}

			for i, r := range results {
				fmt.Printf("%2d. [%.3f] %s  %s/%s\n", i+1, r.Similarity,
					r.Timestamp.Format("2006-01-02 15:04"), r.ConversationID, r.Sender)
				if r.Sentiment != "" {
					fmt.Printf("    sentiment: %s\n", r.Sentiment)
				}
				fmt.Printf("    %s\n", r.Text)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&conversation, "conversation", "", "restrict to one conversation")
	cmd.Flags().StringVar(&sender, "sender", "", "restrict to one sender")
	cmd.Flags().StringVar(&sentiment, "sentiment", "", "restrict to a sentiment label")
	cmd.Flags().IntVar(&sinceDays, "days", 0, "restrict to the last N days")
	cmd.Flags().IntVarP(&topK, "top", "k", 0, "number of results")
	cmd.Flags().BoolVar(&showStats, "stats", false, "print index statistics instead of searching")
	return cmd
}
