package autollm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/cortex-orchestrator/internal/logging"
)

func testProfiles() []ProviderProfile {
	return []ProviderProfile{
		{ID: "providerA", CostScore: 50, SpeedScore: 50, QualityScore: 50, ContextWindow: 128000, RequiresNetwork: true},
		{ID: "providerB", CostScore: 80, SpeedScore: 60, QualityScore: 40, ContextWindow: 64000, RequiresNetwork: true, SuitableFor: []string{TaskCode}},
		{ID: "providerC", CostScore: 100, SpeedScore: 40, QualityScore: 30, ContextWindow: 8192},
	}
}

func configured(ids ...string) ConfigSource {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return ConfigFunc(func(id string) bool { return set[id] })
}

func newTestSelector(cfg ConfigSource) *Selector {
	return NewSelector(Options{
		Profiles:     testProfiles(),
		Priority:     []string{"providerA", "providerB", "providerC"},
		Current:      "providerA",
		AutoSelect:   true,
		AutoFallback: true,
		Config:       cfg,
		Logger:       logging.Nop(),
	})
}

func TestBalancedScore(t *testing.T) {
	s := newTestSelector(configured("providerA", "providerB", "providerC"))

	// 0.3*50*3 + 0.1*100
	assert.InDelta(t, 55.0, s.Score("providerA", Hints{}), 1e-9)
	// 0.3*(100+40+30) + 0.1*6.4 + local 10
	assert.InDelta(t, 51+0.64+10, s.Score("providerC", Hints{}), 1e-9)
}

func TestStrategyAndTaskBonus(t *testing.T) {
	s := newTestSelector(configured("providerA", "providerB", "providerC"))

	assert.InDelta(t, 80.0, s.Score("providerB", Hints{Strategy: StrategyCost}), 1e-9)
	assert.InDelta(t, 95.0, s.Score("providerB", Hints{Strategy: StrategyCost, TaskType: TaskCode}), 1e-9)
	// 100 + local 10 clamps to 100.
	assert.Equal(t, 100.0, s.Score("providerC", Hints{Strategy: StrategyCost}))
}

func TestScoreZeroWhenIneligible(t *testing.T) {
	s := newTestSelector(configured("providerA", "providerB"))

	assert.Zero(t, s.Score("providerC", Hints{}), "unconfigured")
	assert.Zero(t, s.Score("providerA", Hints{Exclude: []string{"providerA"}}), "excluded")
	assert.Zero(t, s.Score("nope", Hints{}), "unknown")

	s.UpdateHealth("providerB", false)
	assert.Zero(t, s.Score("providerB", Hints{}), "unhealthy")
	s.UpdateHealth("providerB", true)
	assert.Positive(t, s.Score("providerB", Hints{}))
}

func TestSelectBest(t *testing.T) {
	s := newTestSelector(configured("providerA", "providerB", "providerC"))
	assert.Equal(t, "providerC", s.SelectBest(Hints{Strategy: StrategyCost}))
	assert.Equal(t, "providerA", s.SelectBest(Hints{Strategy: StrategyQuality}))
	assert.Equal(t, "providerB", s.SelectBest(Hints{Strategy: StrategyCost, Exclude: []string{"providerC"}}))
}

func TestSelectBestAllZeroUsesPriorityHead(t *testing.T) {
	s := newTestSelector(configured())
	assert.Equal(t, "providerA", s.SelectBest(Hints{}))
}

func TestSelectBestAutoSelectOff(t *testing.T) {
	s := NewSelector(Options{
		Profiles: testProfiles(),
		Priority: []string{"providerA", "providerB", "providerC"},
		Current:  "providerB",
		Config:   configured(),
		Logger:   logging.Nop(),
	})
	assert.Equal(t, "providerB", s.SelectBest(Hints{Strategy: StrategyCost}))
}

func TestRankOrdersByScore(t *testing.T) {
	s := newTestSelector(configured("providerA", "providerB", "providerC"))
	ranked := s.Rank(Hints{Strategy: StrategySpeed})
	require.Len(t, ranked, 3)
	assert.Equal(t, "providerB", ranked[0].ID)
	assert.Equal(t, "providerA", ranked[1].ID)
	assert.Equal(t, "providerC", ranked[2].ID)
}

func TestGetFallbackList(t *testing.T) {
	s := newTestSelector(configured("providerA", "providerB", "providerC"))
	assert.Equal(t, []string{"providerB", "providerC"}, s.GetFallbackList("providerA"))
	assert.Equal(t, []string{"providerA", "providerC"}, s.GetFallbackList("providerB"))

	partial := newTestSelector(configured("providerA", "providerC"))
	assert.Equal(t, []string{"providerC"}, partial.GetFallbackList("providerA"))
}

func TestSelectFallback(t *testing.T) {
	s := newTestSelector(configured("providerA", "providerB", "providerC"))

	next, ok := s.SelectFallback("providerA", map[string]bool{"providerA": true})
	require.True(t, ok)
	assert.Equal(t, "providerB", next)

	next, ok = s.SelectFallback("providerA", map[string]bool{"providerA": true, "providerB": true})
	require.True(t, ok)
	assert.Equal(t, "providerC", next)

	_, ok = s.SelectFallback("providerA", map[string]bool{"providerA": true, "providerB": true, "providerC": true})
	assert.False(t, ok)
}

func TestSelectFallbackSkipsRecentlyFailed(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSelector(Options{
		Profiles:     testProfiles(),
		Priority:     []string{"providerA", "providerB", "providerC"},
		AutoFallback: true,
		Config:       configured("providerA", "providerB", "providerC"),
		Logger:       logging.Nop(),
		Now:          func() time.Time { return now },
	})

	s.UpdateHealth("providerB", false)
	next, ok := s.SelectFallback("providerA", map[string]bool{"providerA": true})
	require.True(t, ok)
	assert.Equal(t, "providerC", next)

	// Stale failures no longer exclude the provider.
	now = now.Add(DefaultHealthTTL + time.Second)
	next, ok = s.SelectFallback("providerA", map[string]bool{"providerA": true})
	require.True(t, ok)
	assert.Equal(t, "providerB", next)
}

func TestSelectFallbackDisabled(t *testing.T) {
	s := NewSelector(Options{
		Profiles: testProfiles(),
		Priority: []string{"providerA", "providerB"},
		Config:   configured("providerA", "providerB"),
		Logger:   logging.Nop(),
	})
	_, ok := s.SelectFallback("providerA", nil)
	assert.False(t, ok)
}

func TestNeedsHealthCheck(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewSelector(Options{
		Profiles: testProfiles(),
		Config:   configured("providerA"),
		Logger:   logging.Nop(),
		Now:      func() time.Time { return now },
	})

	assert.True(t, s.NeedsHealthCheck("providerA"))
	s.UpdateHealth("providerA", true)
	assert.False(t, s.NeedsHealthCheck("providerA"))

	now = now.Add(59 * time.Second)
	assert.False(t, s.NeedsHealthCheck("providerA"))
	now = now.Add(2 * time.Second)
	assert.True(t, s.NeedsHealthCheck("providerA"))

	rec, ok := s.Health("providerA")
	require.True(t, ok)
	assert.True(t, rec.Healthy)
}

func TestApplySettings(t *testing.T) {
	s := newTestSelector(configured("providerA", "providerB", "providerC"))
	require.NoError(t, s.ApplySettings(Settings{
		Current:      "providerC",
		Priority:     []string{"providerC", "providerA"},
		AutoFallback: true,
	}))
	assert.Equal(t, "providerC", s.SelectBest(Hints{}))
	assert.Equal(t, []string{"providerA"}, s.GetFallbackList("providerC"))
	assert.Equal(t, StrategyBalanced, s.Settings().Strategy)

	assert.Error(t, s.ApplySettings(Settings{Strategy: "fastest"}))
}

func TestDefaultSelector(t *testing.T) {
	prev := Default()
	defer SetDefault(prev)

	s := newTestSelector(nil)
	SetDefault(s)
	assert.Same(t, s, Default())
}

func TestDefaultProfilesAreScored(t *testing.T) {
	s := NewSelector(Options{AutoSelect: true, Logger: logging.Nop()})
	for _, p := range s.Profiles() {
		score := s.Score(p.ID, Hints{TaskType: TaskCode})
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, MaxScore)
	}
	assert.NotEmpty(t, s.SelectBest(Hints{}))
}
