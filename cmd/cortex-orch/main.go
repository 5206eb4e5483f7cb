// Command cortex-orch inspects and manages the orchestration layer's state:
// provider ranking, sessions, spend, and stored credentials.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/normanking/cortex-orchestrator/internal/autollm"
	"github.com/normanking/cortex-orchestrator/internal/config"
	"github.com/normanking/cortex-orchestrator/internal/cost"
	"github.com/normanking/cortex-orchestrator/internal/data"
	"github.com/normanking/cortex-orchestrator/internal/llm"
	"github.com/normanking/cortex-orchestrator/internal/logging"
	"github.com/normanking/cortex-orchestrator/internal/metrics"
	"github.com/normanking/cortex-orchestrator/internal/session"
	"github.com/normanking/cortex-orchestrator/internal/vault"
)

var (
	version = "0.1.0"
	cfgPath string
	dbPath  string
	verbose bool
	log     *logging.Logger
	cfg     *config.Config
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "cortex-orch",
		Short: "Cortex orchestration layer - providers, sessions, spend and credentials",
		Long: `cortex-orch manages the state behind Cortex's LLM orchestration layer:

Rank providers:        cortex-orch providers rank --task code
Inspect sessions:      cortex-orch sessions list
Check spend:           cortex-orch cost budgets
Manage credentials:    cortex-orch credentials show`,
		SilenceUsage:       true,
		PersistentPreRunE:  initApp,
		PersistentPostRunE: closeApp,
	}

	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.cortex/orchestrator.yaml)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database path (default from config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("cortex-orch v%s\n", version)
		},
	})

	rootCmd.AddCommand(providersCmd())
	rootCmd.AddCommand(sessionsCmd())
	rootCmd.AddCommand(costCmd())
	rootCmd.AddCommand(credentialsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// INITIALIZATION
// ═══════════════════════════════════════════════════════════════════════════════

func initApp(cmd *cobra.Command, args []string) error {
	var err error
	if cfgPath != "" {
		cfg, err = config.LoadFromPath(cfgPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if dbPath != "" {
		cfg.Data.DBPath = dbPath
	}

	logCfg := logging.Config{
		Level:    cfg.Logging.Level,
		FilePath: cfg.Logging.File,
		JSON:     cfg.Logging.JSON,
	}
	if verbose {
		logCfg.Level = "debug"
		logCfg.Console = true
	}
	log = logging.New(logCfg)
	logging.SetGlobal(log)

	zl := log.Component("cli")
	zl.Debug().Str("command", cmd.CommandPath()).Str("db", cfg.Data.DBPath).Msg("cortex-orch started")
	return nil
}

func closeApp(cmd *cobra.Command, args []string) error {
	if log != nil {
		return log.Close()
	}
	return nil
}

// app lazily opens the components a command needs.
type app struct {
	metrics  *metrics.Metrics
	store    *data.Store
	vault    *vault.Vault
	tracker  *cost.Tracker
	selector *autollm.Selector
	sessions *session.Manager
	registry *llm.Registry
}

func newApp() *app {
	return &app{
		metrics:  metrics.New(prometheus.NewRegistry()),
		registry: llm.NewRegistry(),
	}
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
}

func (a *app) Store() (*data.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	s, err := data.Open(cfg.Data.DBPath, log)
	if err != nil {
		return nil, err
	}
	a.store = s
	return s, nil
}

func (a *app) Vault() (*vault.Vault, error) {
	if a.vault != nil {
		return a.vault, nil
	}
	v, err := vault.New(vault.Options{
		Dir:            cfg.Vault.Dir,
		PreferPlatform: cfg.Vault.PreferPlatform,
		SensitivePaths: cfg.Vault.SensitivePaths,
		Logger:         log,
	})
	if err != nil {
		return nil, err
	}
	vault.SetDefault(v)
	a.vault = v
	return v, nil
}

func (a *app) Tracker(ctx context.Context) (*cost.Tracker, error) {
	if a.tracker != nil {
		return a.tracker, nil
	}
	store, err := a.Store()
	if err != nil {
		return nil, err
	}

	pricing := cost.DefaultPricing()
	if cfg.Cost.PricingFile != "" {
		if pricing, err = cost.LoadPricingFile(cfg.Cost.PricingFile, pricing); err != nil {
			return nil, err
		}
	}

	t := cost.NewTracker(cost.Options{
		Pricing:      pricing,
		ExchangeRate: cfg.Cost.ExchangeRate,
		Currency:     cfg.Cost.Currency,
		Budgets:      budgetsFromConfig(cfg.Cost.Budgets),
		Store:        store,
		Logger:       log,
		Metrics:      a.metrics,
	})
	if err := t.Rehydrate(ctx, time.Time{}); err != nil {
		return nil, err
	}
	a.tracker = t
	return t, nil
}

func (a *app) Selector(ctx context.Context) (*autollm.Selector, error) {
	if a.selector != nil {
		return a.selector, nil
	}
	v, err := a.Vault()
	if err != nil {
		return nil, err
	}
	store, err := a.Store()
	if err != nil {
		return nil, err
	}

	sel := autollm.NewSelector(autollm.Options{
		Priority:     cfg.LLM.Priority,
		Current:      cfg.LLM.Current,
		AutoSelect:   cfg.LLM.AutoSelect,
		AutoFallback: cfg.LLM.AutoFallback,
		Strategy:     autollm.Strategy(cfg.LLM.Strategy),
		HealthTTL:    time.Duration(cfg.LLM.HealthCheckIntervalSec) * time.Second,
		Config:       v,
		Logger:       log,
		Metrics:      a.metrics,
	})
	if _, err := autollm.LoadSettings(ctx, store, sel); err != nil {
		return nil, err
	}
	autollm.SetDefault(sel)
	a.selector = sel
	return sel, nil
}

func (a *app) Sessions(ctx context.Context) (*session.Manager, error) {
	if a.sessions != nil {
		return a.sessions, nil
	}
	store, err := a.Store()
	if err != nil {
		return nil, err
	}
	tracker, err := a.Tracker(ctx)
	if err != nil {
		return nil, err
	}

	m, err := session.NewManager(session.Options{
		Store:                store,
		CompressionThreshold: cfg.Session.CompressionThreshold,
		KeepRecent:           cfg.Session.KeepRecent,
		AutoSummary:          cfg.Session.AutoSummary,
		SummaryThreshold:     cfg.Session.SummaryThreshold,
		MaxSummaryLength:     cfg.Session.MaxSummaryLength,
		CacheSize:            cfg.Session.CacheSize,
		QueueSize:            cfg.Session.QueueSize,
		Summarizer:           a.summarizer(),
		Usage:                tracker,
		Logger:               log,
		Metrics:              a.metrics,
	})
	if err != nil {
		return nil, err
	}
	a.sessions = m
	return m, nil
}

// summarizer returns the LLM summarizer when the configured summary provider
// can be built, and nil (statistical summaries) otherwise.
func (a *app) summarizer() session.Summarizer {
	id := cfg.Session.SummaryProvider
	if id == "" {
		return nil
	}
	zl := log.Component("cli")
	if !a.registry.Known(id) {
		zl.Debug().Str("provider", id).Msg("summary provider has no transport, using statistical summaries")
		return nil
	}
	v, err := a.Vault()
	if err != nil {
		return nil
	}
	pc, err := v.ProviderConfig(id)
	if err != nil {
		zl.Warn().Err(err).Str("provider", id).Msg("summary provider unavailable")
		return nil
	}
	p, err := a.registry.Get(pc)
	if err != nil {
		zl.Warn().Err(err).Str("provider", id).Msg("summary provider unavailable")
		return nil
	}
	return &session.LLMSummarizer{Provider: p, Model: pc.Model}
}

func budgetsFromConfig(in []config.BudgetConfig) []cost.Budget {
	out := make([]cost.Budget, 0, len(in))
	for _, b := range in {
		out = append(out, cost.Budget{
			Scope:         cost.Scope(b.Scope),
			Model:         b.Model,
			Limit:         b.Limit,
			Period:        cost.Period(b.Period),
			WarnThreshold: b.WarnThreshold,
		})
	}
	return out
}

// withApp runs fn with a fresh app and closes it afterwards.
func withApp(fn func(ctx context.Context, a *app) error) error {
	a := newApp()
	defer a.Close()
	return fn(context.Background(), a)
}

func expandHome(path string) string {
	if len(path) > 1 && path[:2] == "~/" {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
