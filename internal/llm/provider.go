// Package llm defines the model-calling contracts the orchestration layer
// consumes. Concrete wire protocols live outside this module and plug in
// through the Registry.
package llm

import (
	"context"
	"time"
)

// Provider defines the interface for LLM providers.
type Provider interface {
	// Chat sends a message and returns the response.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Name returns the provider identifier.
	Name() string

	// Available returns true if the provider is configured and reachable.
	Available() bool
}

// StreamingProvider extends Provider with streaming support.
type StreamingProvider interface {
	Provider
	// ChatStream is like Chat but calls onToken for each fragment as it is
	// generated. A non-nil error from onToken aborts the stream and is
	// returned. The complete response is returned when done.
	ChatStream(ctx context.Context, req *ChatRequest, onToken func(token string) error) (*ChatResponse, error)
}

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatRequest represents a chat completion request.
type ChatRequest struct {
	// Model to use (provider-specific).
	Model string `json:"model"`

	// Messages in the conversation, system message first when present.
	Messages []Message `json:"messages"`

	// MaxTokens limits response length.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness (0.0-1.0).
	Temperature float64 `json:"temperature,omitempty"`

	// Stream enables streaming responses.
	Stream bool `json:"stream,omitempty"`

	// CacheBreakpoints are message indexes after which the prefix is stable.
	// Providers with prompt caching may mark them.
	CacheBreakpoints []int `json:"cache_breakpoints,omitempty"`
}

// Message represents a conversation message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatResponse contains the model's response.
type ChatResponse struct {
	Content          string        `json:"content"`
	Model            string        `json:"model"`
	PromptTokens     int64         `json:"prompt_tokens,omitempty"`
	CompletionTokens int64         `json:"completion_tokens,omitempty"`
	CacheReadTokens  int64         `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int64         `json:"cache_write_tokens,omitempty"`
	Duration         time.Duration `json:"duration"`
	FinishReason     string        `json:"finish_reason,omitempty"`
}

// ProviderConfig contains configuration for an LLM provider.
type ProviderConfig struct {
	// Name identifies the provider (ollama, openai, anthropic, gemini).
	Name string `json:"name"`

	// Endpoint is the API base URL (local backends).
	Endpoint string `json:"endpoint,omitempty"`

	// APIKey for authentication (remote backends).
	APIKey string `json:"api_key,omitempty"`

	// Model is the default model to use.
	Model string `json:"model,omitempty"`

	// MaxTokens default for responses.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature default.
	Temperature float64 `json:"temperature,omitempty"`

	// Timeout for API calls.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Usable reports whether the config carries enough to reach the backend:
// an endpoint for local providers, an API key for the rest.
func (c *ProviderConfig) Usable() bool {
	if c == nil {
		return false
	}
	if IsLocalProvider(c.Name) {
		return c.Endpoint != ""
	}
	return c.APIKey != ""
}

// IsLocalProvider returns true for backends that run on this machine.
func IsLocalProvider(name string) bool {
	switch name {
	case "ollama", "lmstudio", "local":
		return true
	default:
		return false
	}
}

// DefaultConfig returns sensible defaults for a provider.
func DefaultConfig(name string) *ProviderConfig {
	cfg := &ProviderConfig{
		Name:        name,
		MaxTokens:   4096,
		Temperature: 0.7,
		Timeout:     2 * time.Minute,
	}
	switch name {
	case "ollama":
		cfg.Endpoint = "http://127.0.0.1:11434"
		cfg.Model = "llama3"
	case "openai":
		cfg.Endpoint = "https://api.openai.com/v1"
		cfg.Model = "gpt-4o-mini"
	case "anthropic":
		cfg.Endpoint = "https://api.anthropic.com"
		cfg.Model = "claude-3-5-sonnet-20241022"
	case "gemini":
		cfg.Endpoint = "https://generativelanguage.googleapis.com/v1beta"
		cfg.Model = "gemini-1.5-flash"
	case "grok":
		cfg.Endpoint = "https://api.x.ai/v1"
		cfg.Model = "grok-3-fast"
	case "groq":
		cfg.Endpoint = "https://api.groq.com/openai/v1"
		cfg.Model = "llama-3.3-70b-versatile"
		cfg.MaxTokens = 2048
		cfg.Timeout = 30 * time.Second
	}
	return cfg
}
