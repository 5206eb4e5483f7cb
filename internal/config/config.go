// Package config loads and validates configuration for the orchestration layer.
// Configuration lives in ~/.cortex/orchestrator.yaml and every key can be
// overridden by an environment variable (CORTEX_ORCH_SESSION_COMPRESSION_THRESHOLD).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the orchestration layer.
type Config struct {
	LLM     LLMConfig     `mapstructure:"llm" yaml:"llm"`
	Session SessionConfig `mapstructure:"session" yaml:"session"`
	Prompt  PromptConfig  `mapstructure:"prompt" yaml:"prompt"`
	Cost    CostConfig    `mapstructure:"cost" yaml:"cost"`
	Vault   VaultConfig   `mapstructure:"vault" yaml:"vault"`
	Data    DataConfig    `mapstructure:"data" yaml:"data"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// LLMConfig controls provider selection.
type LLMConfig struct {
	// Current is the provider used when auto-select is off.
	Current string `mapstructure:"current" yaml:"current"`
	// Priority is the fallback order.
	Priority []string `mapstructure:"priority" yaml:"priority"`
	// AutoSelect enables score-based selection.
	AutoSelect bool `mapstructure:"auto_select" yaml:"auto_select"`
	// AutoFallback enables the fallback chain on transport errors.
	AutoFallback bool `mapstructure:"auto_fallback" yaml:"auto_fallback"`
	// Strategy is the default scoring strategy: cost, speed, quality, balanced.
	Strategy string `mapstructure:"strategy" yaml:"strategy"`
	// HealthCheckIntervalSec is how long a health probe result stays fresh.
	HealthCheckIntervalSec int `mapstructure:"health_check_interval_sec" yaml:"health_check_interval_sec"`
	// Providers holds non-secret per-provider settings. API keys live in the vault.
	Providers map[string]ProviderConfig `mapstructure:"providers" yaml:"providers"`
}

// ProviderConfig holds non-secret settings for one provider.
type ProviderConfig struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint,omitempty"`
	Model    string `mapstructure:"model" yaml:"model,omitempty"`
}

// SessionConfig controls history compression and summaries.
type SessionConfig struct {
	CompressionThreshold int  `mapstructure:"compression_threshold" yaml:"compression_threshold"`
	KeepRecent           int  `mapstructure:"keep_recent" yaml:"keep_recent"`
	AutoSummary          bool `mapstructure:"auto_summary" yaml:"auto_summary"`
	SummaryThreshold     int  `mapstructure:"summary_threshold" yaml:"summary_threshold"`
	MaxSummaryLength     int  `mapstructure:"max_summary_length" yaml:"max_summary_length"`
	CacheSize            int  `mapstructure:"cache_size" yaml:"cache_size"`
	QueueSize            int  `mapstructure:"queue_size" yaml:"queue_size"`
	// SummaryProvider names the backend used for LLM summaries. Empty means statistical.
	SummaryProvider string `mapstructure:"summary_provider" yaml:"summary_provider,omitempty"`
}

// PromptConfig controls context assembly.
type PromptConfig struct {
	SystemPrompt       string `mapstructure:"system_prompt" yaml:"system_prompt"`
	MaxHistoryMessages int    `mapstructure:"max_history_messages" yaml:"max_history_messages"`
	InlineLimit        int    `mapstructure:"inline_limit" yaml:"inline_limit"`
	PreviewLength      int    `mapstructure:"preview_length" yaml:"preview_length"`
}

// CostConfig controls pricing and budgets.
type CostConfig struct {
	Currency     string         `mapstructure:"currency" yaml:"currency"`
	ExchangeRate float64        `mapstructure:"exchange_rate" yaml:"exchange_rate"`
	PricingFile  string         `mapstructure:"pricing_file" yaml:"pricing_file,omitempty"`
	Budgets      []BudgetConfig `mapstructure:"budgets" yaml:"budgets"`
}

// BudgetConfig is one spend ceiling.
type BudgetConfig struct {
	Scope         string  `mapstructure:"scope" yaml:"scope"` // global or model
	Model         string  `mapstructure:"model" yaml:"model,omitempty"`
	Limit         float64 `mapstructure:"limit" yaml:"limit"`
	Period        string  `mapstructure:"period" yaml:"period"` // daily, weekly, monthly, total
	WarnThreshold float64 `mapstructure:"warn_threshold" yaml:"warn_threshold"`
}

// VaultConfig controls credential storage.
type VaultConfig struct {
	Dir            string   `mapstructure:"dir" yaml:"dir"`
	PreferPlatform bool     `mapstructure:"prefer_platform" yaml:"prefer_platform"`
	SensitivePaths []string `mapstructure:"sensitive_paths" yaml:"sensitive_paths"`
}

// DataConfig controls the SQLite persistence surface.
type DataConfig struct {
	DBPath string `mapstructure:"db_path" yaml:"db_path"`
}

// LoggingConfig contains configuration for application logging.
type LoggingConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	File  string `mapstructure:"file" yaml:"file"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	cortexDir := filepath.Join(homeDir, ".cortex")

	return &Config{
		LLM: LLMConfig{
			Current:                "ollama",
			Priority:               []string{"ollama", "anthropic", "openai", "gemini", "groq"},
			AutoSelect:             true,
			AutoFallback:           true,
			Strategy:               "balanced",
			HealthCheckIntervalSec: 60,
			Providers: map[string]ProviderConfig{
				"ollama":    {Endpoint: "http://127.0.0.1:11434", Model: "llama3.2"},
				"mlx":       {Endpoint: "http://127.0.0.1:8081"},
				"openai":    {Model: "gpt-4o-mini"},
				"anthropic": {Model: "claude-3-5-sonnet-20241022"},
				"gemini":    {Model: "gemini-1.5-flash"},
				"groq":      {Model: "llama-3.3-70b-versatile"},
				"grok":      {Endpoint: "https://api.x.ai/v1", Model: "grok-3-fast"},
			},
		},
		Session: SessionConfig{
			CompressionThreshold: 50,
			KeepRecent:           25,
			AutoSummary:          true,
			SummaryThreshold:     20,
			MaxSummaryLength:     500,
			CacheSize:            100,
			QueueSize:            64,
		},
		Prompt: PromptConfig{
			SystemPrompt:       "You are Cortex, a helpful local-first assistant.",
			MaxHistoryMessages: 20,
			InlineLimit:        2000,
			PreviewLength:      200,
		},
		Cost: CostConfig{
			Currency:     "USD",
			ExchangeRate: 1.0,
		},
		Vault: VaultConfig{
			Dir:            filepath.Join(cortexDir, "vault"),
			PreferPlatform: true,
			SensitivePaths: []string{
				"openai.apiKey",
				"anthropic.apiKey",
				"gemini.apiKey",
				"groq.apiKey",
				"grok.apiKey",
				"openrouter.apiKey",
			},
		},
		Data: DataConfig{
			DBPath: filepath.Join(cortexDir, "orchestrator.db"),
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  filepath.Join(cortexDir, "logs", "orchestrator.log"),
		},
	}
}

// DefaultPath returns ~/.cortex/orchestrator.yaml.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".cortex", "orchestrator.yaml"), nil
}

// Load reads configuration from the default location.
func Load() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath reads configuration from path and merges environment
// variables. If the file doesn't exist, it is created with default values.
// Zero values left in the file are replaced by defaults.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("failed to write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CORTEX_ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Vault.Dir = expandPath(cfg.Vault.Dir)
	cfg.Data.DBPath = expandPath(cfg.Data.DBPath)
	cfg.Logging.File = expandPath(cfg.Logging.File)
	cfg.Cost.PricingFile = expandPath(cfg.Cost.PricingFile)
	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills zero values with defaults. A zero threshold or size
// means "use the default", not "disable".
func (c *Config) applyDefaults() {
	d := Default()

	if c.LLM.Strategy == "" {
		c.LLM.Strategy = d.LLM.Strategy
	}
	if c.LLM.HealthCheckIntervalSec <= 0 {
		c.LLM.HealthCheckIntervalSec = d.LLM.HealthCheckIntervalSec
	}
	if len(c.LLM.Priority) == 0 {
		c.LLM.Priority = d.LLM.Priority
	}
	if c.LLM.Current == "" && len(c.LLM.Priority) > 0 {
		c.LLM.Current = c.LLM.Priority[0]
	}

	if c.Session.CompressionThreshold <= 0 {
		c.Session.CompressionThreshold = d.Session.CompressionThreshold
	}
	if c.Session.KeepRecent <= 0 {
		c.Session.KeepRecent = c.Session.CompressionThreshold / 2
	}
	if c.Session.SummaryThreshold <= 0 {
		c.Session.SummaryThreshold = d.Session.SummaryThreshold
	}
	if c.Session.MaxSummaryLength <= 0 {
		c.Session.MaxSummaryLength = d.Session.MaxSummaryLength
	}
	if c.Session.CacheSize <= 0 {
		c.Session.CacheSize = d.Session.CacheSize
	}
	if c.Session.QueueSize <= 0 {
		c.Session.QueueSize = d.Session.QueueSize
	}

	if c.Prompt.MaxHistoryMessages <= 0 {
		c.Prompt.MaxHistoryMessages = d.Prompt.MaxHistoryMessages
	}
	if c.Prompt.InlineLimit <= 0 {
		c.Prompt.InlineLimit = d.Prompt.InlineLimit
	}
	if c.Prompt.PreviewLength <= 0 {
		c.Prompt.PreviewLength = d.Prompt.PreviewLength
	}

	if c.Cost.Currency == "" {
		c.Cost.Currency = d.Cost.Currency
	}
	if c.Cost.ExchangeRate == 0 {
		c.Cost.ExchangeRate = d.Cost.ExchangeRate
	}

	if c.Vault.Dir == "" {
		c.Vault.Dir = d.Vault.Dir
	}
	if len(c.Vault.SensitivePaths) == 0 {
		c.Vault.SensitivePaths = d.Vault.SensitivePaths
	}
	if c.Data.DBPath == "" {
		c.Data.DBPath = d.Data.DBPath
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
}

// SaveToPath writes the configuration to path.
func (c *Config) SaveToPath(path string) error {
	path = expandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	return writeConfigFile(path, c)
}

// Validate checks the configuration for common errors and inconsistencies.
func (c *Config) Validate() error {
	validStrategies := map[string]bool{"cost": true, "speed": true, "quality": true, "balanced": true}
	if !validStrategies[c.LLM.Strategy] {
		return fmt.Errorf("invalid llm.strategy '%s', must be one of: cost, speed, quality, balanced", c.LLM.Strategy)
	}
	if !c.LLM.AutoSelect && c.LLM.Current == "" {
		return fmt.Errorf("llm.current cannot be empty when auto_select is disabled")
	}

	if c.Session.KeepRecent >= c.Session.CompressionThreshold {
		return fmt.Errorf("session.keep_recent (%d) must be below compression_threshold (%d)",
			c.Session.KeepRecent, c.Session.CompressionThreshold)
	}

	if c.Cost.ExchangeRate < 0 {
		return fmt.Errorf("cost.exchange_rate cannot be negative")
	}
	validScopes := map[string]bool{"global": true, "model": true}
	validPeriods := map[string]bool{"daily": true, "weekly": true, "monthly": true, "total": true}
	for i, b := range c.Cost.Budgets {
		if !validScopes[b.Scope] {
			return fmt.Errorf("cost.budgets[%d]: invalid scope '%s'", i, b.Scope)
		}
		if b.Scope == "model" && b.Model == "" {
			return fmt.Errorf("cost.budgets[%d]: model scope requires a model", i)
		}
		if !validPeriods[b.Period] {
			return fmt.Errorf("cost.budgets[%d]: invalid period '%s'", i, b.Period)
		}
		if b.Limit <= 0 {
			return fmt.Errorf("cost.budgets[%d]: limit must be positive", i)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// writeConfigFile writes a Config struct to a YAML file.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
