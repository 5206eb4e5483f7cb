package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.Selected("ollama")
	m.FellBack("a", "b")
	m.StreamTransition("running")
	m.StreamChunk()
	m.Usage("openai", "gpt-4o", 10, 5, 0.1)
	m.BudgetAlert("warn")
	m.Compressed(10)
	m.Summarized("statistical")
	m.CachedSessions(3)
	m.ObserveCall("openai", 1.2)
}

func TestCounters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Selected("ollama")
	m.Selected("ollama")
	m.Usage("openai", "gpt-4o", 100, 50, 0.25)
	m.Usage("openai", "gpt-4o", -1, 0, 0)
	m.Compressed(40)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Selections.WithLabelValues("ollama")))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.Tokens.WithLabelValues("openai", "input")))
	assert.Equal(t, 50.0, testutil.ToFloat64(m.Tokens.WithLabelValues("openai", "output")))
	assert.InDelta(t, 0.25, testutil.ToFloat64(m.Cost.WithLabelValues("openai", "gpt-4o")), 1e-9)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Compressions))
	assert.Equal(t, 40.0, testutil.ToFloat64(m.TokensSaved))
}
