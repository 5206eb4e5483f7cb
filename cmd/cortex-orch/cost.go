package main

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/normanking/cortex-orchestrator/internal/cost"
)

// ═══════════════════════════════════════════════════════════════════════════════
// COST COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func costCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "cost",
		Aliases: []string{"c"},
		Short:   "Price calls and inspect spend",
	}

	var tok cost.Tokens
	calc := &cobra.Command{
		Use:   "calc [provider] [model]",
		Short: "Price a call without recording it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				t, err := a.Tracker(ctx)
				if err != nil {
					return err
				}
				rates, cached, ok := t.Pricing().Lookup(args[0], args[1])
				if !ok {
					fmt.Println(warnStyle.Render(fmt.Sprintf("No pricing for %s/%s, cost is zero.", args[0], args[1])))
				}
				c := t.Calculate(args[0], args[1], tok)

				rows := [][]string{
					{"input", formatTokens(tok.Input), fmt.Sprintf("%.2f", rates.Input)},
					{"output", formatTokens(tok.Output), fmt.Sprintf("%.2f", rates.Output)},
				}
				if cached {
					rows = append(rows,
						[]string{"cache read", formatTokens(tok.CacheRead), fmt.Sprintf("%.2f", rates.CacheRead)},
						[]string{"cache write", formatTokens(tok.CacheWrite), fmt.Sprintf("%.2f", rates.CacheWrite)})
				}
				fmt.Print(renderTable(table{
					Title:   args[0] + "/" + args[1],
					Headers: []string{"Tokens", "Count", "Per 1M"},
					Rows:    rows,
				}))
				fmt.Printf("  %s %s", mutedStyle.Render("cost:"), okStyle.Render(formatCost(c.Native, "USD")))
				if c.Currency != "USD" {
					fmt.Printf(" (%s)", formatCost(c.Converted, c.Currency))
				}
				fmt.Println()
				return nil
			})
		},
	}
	calc.Flags().Int64Var(&tok.Input, "input", 0, "input tokens")
	calc.Flags().Int64Var(&tok.Output, "output", 0, "output tokens")
	calc.Flags().Int64Var(&tok.CacheRead, "cache-read", 0, "cache read tokens")
	calc.Flags().Int64Var(&tok.CacheWrite, "cache-write", 0, "cache write tokens")
	cmd.AddCommand(calc)

	cmd.AddCommand(&cobra.Command{
		Use:   "conversation [id]",
		Short: "Show spend per conversation, or for one conversation",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				t, err := a.Tracker(ctx)
				if err != nil {
					return err
				}
				var convs []cost.ConversationUsage
				if len(args) == 1 {
					cu, ok := t.Conversation(args[0])
					if !ok {
						fmt.Printf("No usage recorded for %s.\n", args[0])
						return nil
					}
					convs = append(convs, cu)
				} else {
					convs = t.Conversations()
				}
				if len(convs) == 0 {
					fmt.Println("No usage recorded.")
					return nil
				}

				tb := table{Headers: []string{"Conversation", "Calls", "Input", "Output", "Cost", "Last call"}}
				for _, cu := range convs {
					tb.Rows = append(tb.Rows, []string{
						truncate(cu.ConversationID, 36),
						fmt.Sprint(cu.Calls),
						formatTokens(cu.InputTokens),
						formatTokens(cu.OutputTokens),
						formatCost(cu.ConvertedCost, cfg.Cost.Currency),
						cu.LastAt.Local().Format(time.DateTime),
					})
				}
				fmt.Print(renderTable(tb))
				return nil
			})
		},
	})

	var day string
	daily := &cobra.Command{
		Use:   "daily",
		Short: "Show spend per model for one day",
		RunE: func(cmd *cobra.Command, args []string) error {
			at := time.Now()
			if day != "" {
				parsed, err := time.Parse(time.DateOnly, day)
				if err != nil {
					return fmt.Errorf("invalid --date %q, want YYYY-MM-DD", day)
				}
				at = parsed
			}
			return withApp(func(ctx context.Context, a *app) error {
				t, err := a.Tracker(ctx)
				if err != nil {
					return err
				}
				spend := t.DailySpend(at)
				if len(spend) == 0 {
					fmt.Printf("No spend on %s.\n", at.UTC().Format(time.DateOnly))
					return nil
				}
				models := make([]string, 0, len(spend))
				for m := range spend {
					models = append(models, m)
				}
				sort.Strings(models)

				tb := table{Title: at.UTC().Format(time.DateOnly), Headers: []string{"Model", "Cost"}}
				var total float64
				for _, m := range models {
					total += spend[m]
					tb.Rows = append(tb.Rows, []string{m, formatCost(spend[m], cfg.Cost.Currency)})
				}
				tb.Rows = append(tb.Rows, []string{"total", formatCost(total, cfg.Cost.Currency)})
				fmt.Print(renderTable(tb))
				return nil
			})
		},
	}
	daily.Flags().StringVar(&day, "date", "", "day to show as YYYY-MM-DD (default today, UTC)")
	cmd.AddCommand(daily)

	cmd.AddCommand(&cobra.Command{
		Use:   "budgets",
		Short: "Show budget standing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				t, err := a.Tracker(ctx)
				if err != nil {
					return err
				}
				statuses := t.Budgets()
				if len(statuses) == 0 {
					fmt.Println("No budgets configured. Add cost.budgets to the config file.")
					return nil
				}

				tb := table{Headers: []string{"Budget", "Spent", "Limit", "Used", "Status"}}
				for _, s := range statuses {
					tb.Rows = append(tb.Rows, []string{
						s.Budget.Name(),
						formatCost(s.Spent, cfg.Cost.Currency),
						formatCost(s.Budget.Limit, cfg.Cost.Currency),
						formatPercent(s.Percent),
						budgetLevel(s.Level),
					})
				}
				fmt.Print(renderTable(tb))
				return nil
			})
		},
	})

	return cmd
}

func budgetLevel(l cost.AlertLevel) string {
	switch l {
	case cost.AlertExceeded:
		return errStyle.Render("exceeded")
	case cost.AlertWarn:
		return warnStyle.Render("warning")
	default:
		return okStyle.Render("ok")
	}
}
