package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SESSIONS COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"s"},
		Short:   "Manage conversation sessions",
	}

	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, most recently updated first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				m, err := a.Sessions(ctx)
				if err != nil {
					return err
				}
				sessions, err := m.ListSessions(ctx, limit)
				if err != nil {
					return err
				}
				if len(sessions) == 0 {
					fmt.Println("No sessions found.")
					return nil
				}

				t := table{Headers: []string{"Session", "Conversation", "Messages", "In view", "Compressions", "Updated"}}
				for _, s := range sessions {
					t.Rows = append(t.Rows, []string{
						s.ID,
						truncate(s.ConversationID, 24),
						fmt.Sprint(s.Metadata.MessageCount),
						fmt.Sprint(len(s.Messages)),
						fmt.Sprint(s.Metadata.CompressionCount),
						s.UpdatedAt.Local().Format(time.DateTime),
					})
				}
				fmt.Print(renderTable(t))
				return nil
			})
		},
	}
	list.Flags().IntVarP(&limit, "limit", "n", 20, "maximum sessions to show (0 for all)")
	cmd.AddCommand(list)

	cmd.AddCommand(&cobra.Command{
		Use:   "show [id]",
		Short: "Show a session's history and metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				m, err := a.Sessions(ctx)
				if err != nil {
					return err
				}
				s, err := m.GetSession(ctx, args[0])
				if err != nil {
					return err
				}

				fmt.Println(renderTitle("Session " + s.ID))
				md := s.Metadata
				fmt.Printf("  %s %s\n", mutedStyle.Render("conversation:"), s.ConversationID)
				fmt.Printf("  %s %d total, %d in view\n", mutedStyle.Render("messages:    "), md.MessageCount, len(s.Messages))
				fmt.Printf("  %s %d (~%s tokens saved)\n", mutedStyle.Render("compressions:"), md.CompressionCount, formatTokens(int64(md.TokenSavings)))
				if md.Summary != "" {
					fmt.Printf("  %s [%s] %s\n", mutedStyle.Render("summary:     "), md.SummaryKind, md.Summary)
				}
				if s.CompressedHistory != "" {
					fmt.Printf("  %s %s\n", mutedStyle.Render("earlier:     "), truncate(s.CompressedHistory, 100))
				}
				fmt.Println()
				for _, msg := range s.Messages {
					fmt.Printf("  %s %s %s\n",
						dimStyle.Render(msg.Timestamp.Local().Format(time.TimeOnly)),
						headerStyle.Render(fmt.Sprintf("%-9s", msg.Role)),
						truncate(msg.Content, 100))
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [id]",
		Short: "Delete a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				m, err := a.Sessions(ctx)
				if err != nil {
					return err
				}
				if _, err := m.GetSession(ctx, args[0]); err != nil {
					return err
				}
				if err := m.DeleteSession(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println(okStyle.Render("✓ deleted " + args[0]))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "compress [id]",
		Short: "Compress a session's history now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				m, err := a.Sessions(ctx)
				if err != nil {
					return err
				}
				before, err := m.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				after, err := m.CompressSession(ctx, args[0])
				if err != nil {
					return err
				}
				if after.Metadata.CompressionCount == before.Metadata.CompressionCount {
					fmt.Println(mutedStyle.Render("Nothing to compress."))
					return nil
				}
				saved := after.Metadata.TokenSavings - before.Metadata.TokenSavings
				fmt.Printf("%s %d → %d messages, ~%s tokens saved\n",
					okStyle.Render("✓ compressed"), len(before.Messages), len(after.Messages), formatTokens(int64(saved)))
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "summarize [id]",
		Short: "Generate a fresh session summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				m, err := a.Sessions(ctx)
				if err != nil {
					return err
				}
				summary, err := m.GenerateSummary(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Println(summary)
				return nil
			})
		},
	})

	return cmd
}
