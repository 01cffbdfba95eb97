package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/chatpulse/chatpulse/internal/config"
	"github.com/chatpulse/chatpulse/internal/store"
)

func conversationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"conv"},
		Short:   "Manage monitored conversations",
	}
	cmd.AddCommand(conversationsListCmd())
	cmd.AddCommand(conversationsAddCmd())
	cmd.AddCommand(conversationsMonitorCmd(true))
	cmd.AddCommand(conversationsMonitorCmd(false))
	return cmd
}

func withStore(fn func(cmd *cobra.Command, args []string, meta store.MetadataStore) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
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
		return fn(cmd, args, meta)
	}
}

func conversationsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List known conversations",
		RunE: withStore(func(cmd *cobra.Command, _ []string, meta store.MetadataStore) error {
			convs, err := meta.ListConversations(cmd.Context(), false)
			if err != nil {
				return err
			}
			if len(convs) == 0 {
				fmt.Println("no conversations configured")
				return nil
			}
			for _, c := range convs {
				mark := " "
				if c.Monitored {
					mark = "*"
				}
				fmt.Printf("%s %-30s %s\n", mark, c.ConversationID, c.DisplayName)
			}
			return nil
		}),
	}
}

func conversationsAddCmd() *cobra.Command {
	var displayName string
	cmd := &cobra.Command{
		Use:   "add <conversation-id>",
		Short: "Register a conversation and start monitoring it",
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, args []string, meta store.MetadataStore) error {
			name := displayName
			if name == "" {
				name = args[0]
			}
			err := meta.UpsertConversation(cmd.Context(), &store.ConversationConfig{
				ConversationID: args[0],
				DisplayName:    name,
				Monitored:      true,
			})
			if err != nil {
				return err
			}
			fmt.Printf("monitoring %s\n", args[0])
			return nil
		}),
	}
	cmd.Flags().StringVar(&displayName, "name", "", "display name (default: the ID)")
	return cmd
}

func conversationsMonitorCmd(enable bool) *cobra.Command {
	use, short := "pause <conversation-id>", "Stop monitoring a conversation"
	if enable {
		use, short = "resume <conversation-id>", "Resume monitoring a conversation"
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: withStore(func(cmd *cobra.Command, args []string, meta store.MetadataStore) error {
			if err := meta.SetMonitored(cmd.Context(), args[0], enable); err != nil {
				return err
			}
			state := "paused"
			if enable {
				state = "monitored"
			}
			fmt.Printf("%s is now %s\n", args[0], state)
			return nil
		}),
	}
}
