package autollm

import (
	"time"
)

// Strategy selects which profile scores dominate.
type Strategy string

const (
	StrategyCost     Strategy = "cost"
	StrategySpeed    Strategy = "speed"
	StrategyQuality  Strategy = "quality"
	StrategyBalanced Strategy = "balanced"
)

// ValidStrategy reports whether s names a known strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyCost, StrategySpeed, StrategyQuality, StrategyBalanced:
		return true
	default:
		return false
	}
}

// Task types used in suitability tags.
const (
	TaskChat        = "chat"
	TaskCode        = "code"
	TaskAnalysis    = "analysis"
	TaskReasoning   = "reasoning"
	TaskWriting     = "writing"
	TaskVision      = "vision"
	TaskSummary     = "summary"
	TaskRealtime    = "realtime"
	TaskLongContext = "long_context"
)

// Scoring weights and bonuses.
const (
	TaskBonus  = 15.0
	LocalBonus = 10.0
	MaxScore   = 100.0

	// contextWindowUnit maps a 128k window to a full context score.
	contextWindowUnit = 1280
)

// DefaultHealthTTL is how long a health probe result stays fresh.
const DefaultHealthTTL = 60 * time.Second

// ProviderProfile describes a backend's static characteristics. Scores are
// 0-100 where higher is better (a high CostScore means cheap).
type ProviderProfile struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	CostScore       float64  `json:"cost_score"`
	SpeedScore      float64  `json:"speed_score"`
	QualityScore    float64  `json:"quality_score"`
	ContextWindow   int      `json:"context_window"`
	Capabilities    []string `json:"capabilities"`
	SuitableFor     []string `json:"suitable_for"`
	RequiresNetwork bool     `json:"requires_network"`
}

func (p ProviderProfile) suitable(task string) bool {
	if task == "" {
		return false
	}
	for _, t := range p.SuitableFor {
		if t == task {
			return true
		}
	}
	return false
}

// Hints steer a single selection.
type Hints struct {
	TaskType string
	Strategy Strategy
	Exclude  []string
}

func (h Hints) excluded(id string) bool {
	for _, e := range h.Exclude {
		if e == id {
			return true
		}
	}
	return false
}

// HealthRecord is the last probe result for a provider.
type HealthRecord struct {
	Healthy   bool      `json:"healthy"`
	CheckedAt time.Time `json:"checked_at"`
}

// Candidate is one scored provider.
type Candidate struct {
	ID     string  `json:"id"`
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

// DefaultProfiles returns the built-in provider table.
func DefaultProfiles() []ProviderProfile {
	return []ProviderProfile{
		{
			ID: "ollama", Name: "Ollama (local)",
			CostScore: 100, SpeedScore: 60, QualityScore: 55, ContextWindow: 32768,
			Capabilities: []string{"chat", "streaming"},
			SuitableFor:  []string{TaskChat, TaskCode, TaskSummary},
		},
		{
			ID: "anthropic", Name: "Anthropic Claude",
			CostScore: 40, SpeedScore: 70, QualityScore: 95, ContextWindow: 200000,
			Capabilities:    []string{"chat", "streaming", "tools", "vision", "prompt_cache"},
			SuitableFor:     []string{TaskCode, TaskAnalysis, TaskReasoning, TaskWriting},
			RequiresNetwork: true,
		},
		{
			ID: "openai", Name: "OpenAI",
			CostScore: 45, SpeedScore: 75, QualityScore: 90, ContextWindow: 128000,
			Capabilities:    []string{"chat", "streaming", "tools", "vision"},
			SuitableFor:     []string{TaskChat, TaskCode, TaskAnalysis, TaskVision},
			RequiresNetwork: true,
		},
		{
			ID: "gemini", Name: "Google Gemini",
			CostScore: 75, SpeedScore: 80, QualityScore: 80, ContextWindow: 1000000,
			Capabilities:    []string{"chat", "streaming", "tools", "vision"},
			SuitableFor:     []string{TaskAnalysis, TaskVision, TaskLongContext},
			RequiresNetwork: true,
		},
		{
			ID: "groq", Name: "Groq",
			CostScore: 80, SpeedScore: 100, QualityScore: 65, ContextWindow: 131072,
			Capabilities:    []string{"chat", "streaming"},
			SuitableFor:     []string{TaskChat, TaskRealtime, TaskSummary},
			RequiresNetwork: true,
		},
		{
			ID: "grok", Name: "xAI Grok",
			CostScore: 50, SpeedScore: 70, QualityScore: 80, ContextWindow: 131072,
			Capabilities:    []string{"chat", "streaming", "tools"},
			SuitableFor:     []string{TaskChat, TaskReasoning},
			RequiresNetwork: true,
		},
		{
			ID: "openrouter", Name: "OpenRouter",
			CostScore: 55, SpeedScore: 60, QualityScore: 80, ContextWindow: 128000,
			Capabilities:    []string{"chat", "streaming"},
			SuitableFor:     []string{TaskChat},
			RequiresNetwork: true,
		},
	}
}
