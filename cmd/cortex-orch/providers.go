package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/normanking/cortex-orchestrator/internal/autollm"
	"github.com/normanking/cortex-orchestrator/internal/data"
	"github.com/normanking/cortex-orchestrator/internal/orchestrator"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PROVIDERS COMMANDS
// ═══════════════════════════════════════════════════════════════════════════════

func providersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "providers",
		Aliases: []string{"p"},
		Short:   "Inspect provider selection",
	}

	var task, strategy string
	var exclude []string
	rank := &cobra.Command{
		Use:   "rank",
		Short: "Score every provider for a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strategy != "" && !autollm.ValidStrategy(autollm.Strategy(strategy)) {
				return fmt.Errorf("invalid strategy %q, must be one of: cost, speed, quality, balanced", strategy)
			}
			return withApp(func(ctx context.Context, a *app) error {
				sel, err := a.Selector(ctx)
				if err != nil {
					return err
				}
				hints := autollm.Hints{TaskType: task, Strategy: autollm.Strategy(strategy), Exclude: exclude}
				best := sel.SelectBest(hints)

				t := table{Headers: []string{"Provider", "Score", "Model", "Reason"}}
				for _, c := range sel.Rank(hints) {
					name := c.ID
					if c.ID == best {
						name = "▸ " + name
					}
					t.Rows = append(t.Rows, []string{name, fmt.Sprintf("%.1f", c.Score), cfg.LLM.Providers[c.ID].Model, c.Reason})
				}
				fmt.Println(renderTitle("Provider Ranking"))
				fmt.Print(renderTable(t))
				fmt.Printf("  %s %s\n", mutedStyle.Render("selected:"), okStyle.Render(best))
				return nil
			})
		},
	}
	rank.Flags().StringVar(&task, "task", "", "task type (chat, code, analysis, reasoning, writing, vision, summary, realtime, long_context)")
	rank.Flags().StringVar(&strategy, "strategy", "", "scoring strategy override")
	rank.Flags().StringSliceVar(&exclude, "exclude", nil, "providers to leave out")
	cmd.AddCommand(rank)

	cmd.AddCommand(&cobra.Command{
		Use:   "fallbacks [current]",
		Short: "Show the fallback chain after a provider",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				sel, err := a.Selector(ctx)
				if err != nil {
					return err
				}
				current := sel.Settings().Current
				if len(args) == 1 {
					current = args[0]
				}
				chain := sel.GetFallbackList(current)
				if len(chain) == 0 {
					fmt.Printf("No configured fallbacks after %s.\n", current)
					return nil
				}
				fmt.Printf("%s %s\n", mutedStyle.Render("after "+current+":"), strings.Join(chain, " → "))
				if !sel.Settings().AutoFallback {
					fmt.Println(warnStyle.Render("  auto-fallback is disabled"))
				}
				return nil
			})
		},
	})

	cmd.AddCommand(providersHealthCmd())
	cmd.AddCommand(providersSettingsCmd())
	return cmd
}

func providersHealthCmd() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check configured providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				sel, err := a.Selector(ctx)
				if err != nil {
					return err
				}
				v, err := a.Vault()
				if err != nil {
					return err
				}
				prober := autollm.NewProber(sel, orchestrator.HealthCheck(v, a.registry), 0, timeout, log)
				results, err := prober.ProbeDue(ctx)
				if err != nil {
					return err
				}
				if len(results) == 0 {
					fmt.Println("No configured providers due for a check.")
					return nil
				}

				t := table{Headers: []string{"Provider", "Status"}}
				for _, id := range sortedKeys(results) {
					status := okStyle.Render("healthy")
					if !results[id] {
						status = errStyle.Render("down")
					}
					t.Rows = append(t.Rows, []string{id, status})
				}
				fmt.Println(renderTitle("Provider Health"))
				fmt.Print(renderTable(t))
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second, "per-provider check timeout")
	return cmd
}

func providersSettingsCmd() *cobra.Command {
	var current, strategy string
	var priority []string
	var autoSelect, autoFallback bool

	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or change persisted selector settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				sel, err := a.Selector(ctx)
				if err != nil {
					return err
				}
				st := sel.Settings()
				changed := false
				flags := cmd.Flags()
				if flags.Changed("current") {
					st.Current, changed = current, true
				}
				if flags.Changed("strategy") {
					st.Strategy, changed = autollm.Strategy(strategy), true
				}
				if flags.Changed("priority") {
					st.Priority, changed = priority, true
				}
				if flags.Changed("auto-select") {
					st.AutoSelect, changed = autoSelect, true
				}
				if flags.Changed("auto-fallback") {
					st.AutoFallback, changed = autoFallback, true
				}

				if changed {
					if err := sel.ApplySettings(st); err != nil {
						return err
					}
					store, err := a.Store()
					if err != nil {
						return err
					}
					if err := autollm.SaveSettings(ctx, store, sel); err != nil {
						return err
					}
					fmt.Println(okStyle.Render("✓ settings saved"))
				}
				printSettings(sel.Settings())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&current, "current", "", "provider used when auto-select is off")
	cmd.Flags().StringVar(&strategy, "strategy", "", "default scoring strategy")
	cmd.Flags().StringSliceVar(&priority, "priority", nil, "fallback priority order")
	cmd.Flags().BoolVar(&autoSelect, "auto-select", false, "enable score-based selection")
	cmd.Flags().BoolVar(&autoFallback, "auto-fallback", false, "enable the fallback chain")
	return cmd
}

func printSettings(st autollm.Settings) {
	t := table{
		Headers: []string{"Setting", "Value"},
		Rows: [][]string{
			{"current", st.Current},
			{"priority", strings.Join(st.Priority, ", ")},
			{"auto_select", fmt.Sprint(st.AutoSelect)},
			{"auto_fallback", fmt.Sprint(st.AutoFallback)},
			{"strategy", string(st.Strategy)},
		},
	}
	fmt.Print(renderTable(t))
	fmt.Println(dimStyle.Render("  stored under " + autollm.SettingsKey + " in " + dbLabel()))
}

func dbLabel() string {
	if cfg.Data.DBPath == data.MemoryPath {
		return "memory"
	}
	return cfg.Data.DBPath
}
