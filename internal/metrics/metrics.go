// Package metrics exposes Prometheus counters for the orchestration layer.
// A nil *Metrics is valid and records nothing, so components can take one
// optionally.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups all collectors registered by the orchestration layer.
type Metrics struct {
	Selections        *prometheus.CounterVec
	Fallbacks         *prometheus.CounterVec
	StreamTransitions *prometheus.CounterVec
	StreamChunks      prometheus.Counter
	Tokens            *prometheus.CounterVec
	Cost              *prometheus.CounterVec
	BudgetAlerts      *prometheus.CounterVec
	Compressions      prometheus.Counter
	TokensSaved       prometheus.Counter
	Summaries         *prometheus.CounterVec
	ActiveSessions    prometheus.Gauge
	CallLatency       *prometheus.HistogramVec
}

// New registers all collectors on reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Selections: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_orch_provider_selections_total",
			Help: "Provider selections by chosen provider",
		}, []string{"provider"}),
		Fallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_orch_provider_fallbacks_total",
			Help: "Fallbacks taken after a transport error",
		}, []string{"from", "to"}),
		StreamTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_orch_stream_transitions_total",
			Help: "Stream state transitions by target status",
		}, []string{"status"}),
		StreamChunks: f.NewCounter(prometheus.CounterOpts{
			Name: "cortex_orch_stream_chunks_total",
			Help: "Stream chunks accepted",
		}),
		Tokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_orch_tokens_total",
			Help: "Tokens billed by provider and direction",
		}, []string{"provider", "direction"}),
		Cost: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_orch_cost_total",
			Help: "Native cost by provider and model",
		}, []string{"provider", "model"}),
		BudgetAlerts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_orch_budget_alerts_total",
			Help: "Budget alerts raised by level",
		}, []string{"level"}),
		Compressions: f.NewCounter(prometheus.CounterOpts{
			Name: "cortex_orch_session_compressions_total",
			Help: "Session compression passes",
		}),
		TokensSaved: f.NewCounter(prometheus.CounterOpts{
			Name: "cortex_orch_session_tokens_saved_total",
			Help: "Estimated tokens removed by compression",
		}),
		Summaries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "cortex_orch_session_summaries_total",
			Help: "Session summaries generated by kind",
		}, []string{"kind"}),
		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Name: "cortex_orch_cached_sessions",
			Help: "Sessions held in the in-memory cache",
		}),
		CallLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cortex_orch_call_latency_seconds",
			Help:    "Model call latency by provider",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),
	}
}

func (m *Metrics) Selected(provider string) {
	if m == nil {
		return
	}
	m.Selections.WithLabelValues(provider).Inc()
}

func (m *Metrics) FellBack(from, to string) {
	if m == nil {
		return
	}
	m.Fallbacks.WithLabelValues(from, to).Inc()
}

func (m *Metrics) StreamTransition(status string) {
	if m == nil {
		return
	}
	m.StreamTransitions.WithLabelValues(status).Inc()
}

func (m *Metrics) StreamChunk() {
	if m == nil {
		return
	}
	m.StreamChunks.Inc()
}

// Usage records billed tokens and native cost for one call.
func (m *Metrics) Usage(provider, model string, input, output int64, cost float64) {
	if m == nil {
		return
	}
	if input > 0 {
		m.Tokens.WithLabelValues(provider, "input").Add(float64(input))
	}
	if output > 0 {
		m.Tokens.WithLabelValues(provider, "output").Add(float64(output))
	}
	if cost > 0 {
		m.Cost.WithLabelValues(provider, model).Add(cost)
	}
}

func (m *Metrics) BudgetAlert(level string) {
	if m == nil {
		return
	}
	m.BudgetAlerts.WithLabelValues(level).Inc()
}

func (m *Metrics) Compressed(tokensSaved int) {
	if m == nil {
		return
	}
	m.Compressions.Inc()
	if tokensSaved > 0 {
		m.TokensSaved.Add(float64(tokensSaved))
	}
}

func (m *Metrics) Summarized(kind string) {
	if m == nil {
		return
	}
	m.Summaries.WithLabelValues(kind).Inc()
}

func (m *Metrics) CachedSessions(n int) {
	if m == nil {
		return
	}
	m.ActiveSessions.Set(float64(n))
}

func (m *Metrics) ObserveCall(provider string, seconds float64) {
	if m == nil {
		return
	}
	m.CallLatency.WithLabelValues(provider).Observe(seconds)
}
