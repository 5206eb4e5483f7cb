// Package autollm picks which model backend serves a request.
//
// The Selector scores each configured, healthy provider for the requested
// strategy and task, and walks a priority-ordered fallback chain when a call
// fails. Health is a cache fed by an external Prober.
package autollm

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/cortex-orchestrator/internal/logging"
	"github.com/normanking/cortex-orchestrator/internal/metrics"
)

// ConfigSource reports whether a provider has usable credentials.
type ConfigSource interface {
	IsConfigured(id string) bool
}

// ConfigFunc adapts a function to ConfigSource.
type ConfigFunc func(id string) bool

func (f ConfigFunc) IsConfigured(id string) bool { return f(id) }

// Options configures a Selector.
type Options struct {
	Profiles     []ProviderProfile
	Priority     []string
	Current      string
	AutoSelect   bool
	AutoFallback bool
	Strategy     Strategy
	HealthTTL    time.Duration
	Config       ConfigSource
	Logger       *logging.Logger
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

// ═══════════════════════════════════════════════════════════════════════════════
// SELECTOR
// ═══════════════════════════════════════════════════════════════════════════════

// Selector chooses providers. Profiles are immutable after construction;
// settings and the health map are guarded by mu.
type Selector struct {
	profiles map[string]ProviderProfile
	order    []string
	config   ConfigSource
	ttl      time.Duration
	now      func() time.Time
	log      zerolog.Logger
	metrics  *metrics.Metrics

	mu       sync.RWMutex
	settings Settings
	health   map[string]HealthRecord
}

// NewSelector creates a Selector. Missing profiles default to
// DefaultProfiles and a missing priority list to the profile order.
func NewSelector(opts Options) *Selector {
	profiles := opts.Profiles
	if len(profiles) == 0 {
		profiles = DefaultProfiles()
	}
	s := &Selector{
		profiles: make(map[string]ProviderProfile, len(profiles)),
		config:   opts.Config,
		ttl:      opts.HealthTTL,
		now:      opts.Now,
		log:      logging.For(opts.Logger, "autollm"),
		metrics:  opts.Metrics,
		health:   make(map[string]HealthRecord),
	}
	for _, p := range profiles {
		s.profiles[p.ID] = p
		s.order = append(s.order, p.ID)
	}
	if s.ttl <= 0 {
		s.ttl = DefaultHealthTTL
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.config == nil {
		s.config = ConfigFunc(func(string) bool { return true })
	}

	priority := opts.Priority
	if len(priority) == 0 {
		priority = s.order
	}
	strategy := opts.Strategy
	if !ValidStrategy(strategy) {
		strategy = StrategyBalanced
	}
	s.settings = Settings{
		Current:      opts.Current,
		Priority:     append([]string(nil), priority...),
		AutoSelect:   opts.AutoSelect,
		AutoFallback: opts.AutoFallback,
		Strategy:     strategy,
	}
	return s
}

// Profile returns the profile for id.
func (s *Selector) Profile(id string) (ProviderProfile, bool) {
	p, ok := s.profiles[id]
	return p, ok
}

// Profiles returns all profiles in table order.
func (s *Selector) Profiles() []ProviderProfile {
	out := make([]ProviderProfile, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.profiles[id])
	}
	return out
}

// Score returns the provider's score for hints, 0 when it must not be chosen.
func (s *Selector) Score(id string, h Hints) float64 {
	s.mu.RLock()
	strategy := s.strategyFor(h)
	healthy := s.healthyLocked(id)
	s.mu.RUnlock()

	score, _ := s.score(id, h, strategy, healthy)
	return score
}

func (s *Selector) score(id string, h Hints, strategy Strategy, healthy bool) (float64, string) {
	p, ok := s.profiles[id]
	switch {
	case !ok:
		return 0, "unknown provider"
	case h.excluded(id):
		return 0, "excluded"
	case !s.config.IsConfigured(id):
		return 0, "not configured"
	case !healthy:
		return 0, "unhealthy"
	}

	score := baseScore(p, strategy)
	reason := string(strategy)
	if p.suitable(h.TaskType) {
		score += TaskBonus
		reason += ", suits " + h.TaskType
	}
	if !p.RequiresNetwork {
		score += LocalBonus
		reason += ", local"
	}
	return clamp(score), reason
}

func baseScore(p ProviderProfile, strategy Strategy) float64 {
	switch strategy {
	case StrategyCost:
		return p.CostScore
	case StrategySpeed:
		return p.SpeedScore
	case StrategyQuality:
		return p.QualityScore
	default:
		return 0.3*p.CostScore + 0.3*p.SpeedScore + 0.3*p.QualityScore + 0.1*contextScore(p.ContextWindow)
	}
}

func contextScore(window int) float64 {
	return math.Min(float64(window)/contextWindowUnit, MaxScore)
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(MaxScore, v))
}

// Rank scores every known provider, best first. Ties keep priority order.
func (s *Selector) Rank(h Hints) []Candidate {
	s.mu.RLock()
	strategy := s.strategyFor(h)
	ids := s.candidateOrderLocked()
	healthy := make(map[string]bool, len(ids))
	for _, id := range ids {
		healthy[id] = s.healthyLocked(id)
	}
	s.mu.RUnlock()

	out := make([]Candidate, 0, len(ids))
	for _, id := range ids {
		score, reason := s.score(id, h, strategy, healthy[id])
		out = append(out, Candidate{ID: id, Score: score, Reason: reason})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Score > out[j].Score
	})
	return out
}

// SelectBest returns the provider to use. With auto-select off it returns
// the current provider. When every candidate scores 0 it returns the head
// of the priority list.
func (s *Selector) SelectBest(h Hints) string {
	s.mu.RLock()
	settings := s.settings
	s.mu.RUnlock()

	if !settings.AutoSelect {
		s.metrics.Selected(settings.Current)
		return settings.Current
	}

	ranked := s.Rank(h)
	var choice string
	if len(ranked) > 0 && ranked[0].Score > 0 {
		choice = ranked[0].ID
		s.log.Debug().
			Str("provider", choice).
			Float64("score", ranked[0].Score).
			Str("reason", ranked[0].Reason).
			Msg("provider selected")
	} else {
		if len(settings.Priority) > 0 {
			choice = settings.Priority[0]
		} else {
			choice = settings.Current
		}
		s.log.Warn().Str("provider", choice).Msg("no provider scored above zero, using priority head")
	}
	s.metrics.Selected(choice)
	return choice
}

// GetFallbackList returns the priority list minus current and unconfigured
// providers, preserving order.
func (s *Selector) GetFallbackList(current string) []string {
	s.mu.RLock()
	priority := append([]string(nil), s.settings.Priority...)
	s.mu.RUnlock()

	out := make([]string, 0, len(priority))
	for _, id := range priority {
		if id == current || !s.config.IsConfigured(id) {
			continue
		}
		out = append(out, id)
	}
	return out
}

// SelectFallback returns the first fallback not already tried and not
// known to be down. It returns false when auto-fallback is off or the list
// is exhausted.
func (s *Selector) SelectFallback(current string, tried map[string]bool) (string, bool) {
	s.mu.RLock()
	enabled := s.settings.AutoFallback
	s.mu.RUnlock()
	if !enabled {
		return "", false
	}

	for _, id := range s.GetFallbackList(current) {
		if tried[id] || s.knownDown(id) {
			continue
		}
		s.log.Info().Str("from", current).Str("to", id).Msg("falling back")
		s.metrics.FellBack(current, id)
		return id, true
	}
	return "", false
}

// ═══════════════════════════════════════════════════════════════════════════════
// HEALTH
// ═══════════════════════════════════════════════════════════════════════════════

// UpdateHealth records a probe result.
func (s *Selector) UpdateHealth(id string, healthy bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.health[id]
	s.health[id] = HealthRecord{Healthy: healthy, CheckedAt: s.now()}
	if had && prev.Healthy != healthy {
		s.log.Info().Str("provider", id).Bool("healthy", healthy).Msg("provider health changed")
	}
}

// NeedsHealthCheck reports whether id was never checked or its last check
// is older than the health TTL.
func (s *Selector) NeedsHealthCheck(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.health[id]
	return !ok || s.now().Sub(rec.CheckedAt) > s.ttl
}

// Health returns the last probe result for id.
func (s *Selector) Health(id string) (HealthRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.health[id]
	return rec, ok
}

// knownDown reports a failed check that is still within the health TTL.
func (s *Selector) knownDown(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.health[id]
	return ok && !rec.Healthy && s.now().Sub(rec.CheckedAt) <= s.ttl
}

// healthyLocked treats never-checked providers as healthy.
func (s *Selector) healthyLocked(id string) bool {
	rec, ok := s.health[id]
	return !ok || rec.Healthy
}

func (s *Selector) strategyFor(h Hints) Strategy {
	if ValidStrategy(h.Strategy) {
		return h.Strategy
	}
	return s.settings.Strategy
}

// candidateOrderLocked lists priority entries first, then any remaining
// profiles in table order.
func (s *Selector) candidateOrderLocked() []string {
	seen := make(map[string]bool, len(s.order))
	out := make([]string, 0, len(s.order))
	for _, id := range s.settings.Priority {
		if _, ok := s.profiles[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, id := range s.order {
		if !seen[id] {
			out = append(out, id)
		}
	}
	return out
}

// ═══════════════════════════════════════════════════════════════════════════════
// SETTINGS
// ═══════════════════════════════════════════════════════════════════════════════

// Settings are the mutable selector preferences.
type Settings struct {
	Current      string   `json:"current"`
	Priority     []string `json:"priority"`
	AutoSelect   bool     `json:"auto_select"`
	AutoFallback bool     `json:"auto_fallback"`
	Strategy     Strategy `json:"strategy"`
}

// Settings returns a copy of the current settings.
func (s *Selector) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.settings
	out.Priority = append([]string(nil), s.settings.Priority...)
	return out
}

// ApplySettings replaces the selector preferences.
func (s *Selector) ApplySettings(st Settings) error {
	if st.Strategy == "" {
		st.Strategy = StrategyBalanced
	}
	if !ValidStrategy(st.Strategy) {
		return fmt.Errorf("invalid strategy %q", st.Strategy)
	}
	st.Priority = append([]string(nil), st.Priority...)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings = st
	return nil
}

// SetCurrent changes the provider used when auto-select is off.
func (s *Selector) SetCurrent(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings.Current = id
}

// ═══════════════════════════════════════════════════════════════════════════════
// DEFAULT SELECTOR
// ═══════════════════════════════════════════════════════════════════════════════

var (
	defaultSelector *Selector
	defaultMu       sync.RWMutex
)

// SetDefault sets the process-wide selector.
func SetDefault(s *Selector) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultSelector = s
}

// Default returns the process-wide selector, or nil when none was set.
func Default() *Selector {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultSelector
}
