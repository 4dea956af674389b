// Package metrics exposes colloquy's Prometheus collectors. All
// methods are safe on a nil *Metrics, so components record
// unconditionally and metrics can be disabled in config.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "colloquy"

// Turn outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	turnsTotal      *prometheus.CounterVec
	turnDuration    *prometheus.HistogramVec
	turnsInFlight   prometheus.Gauge
	fallbacksTotal  prometheus.Counter
	searchesTotal   *prometheus.CounterVec
	toolCallsTotal  *prometheus.CounterVec
	tokensTotal     *prometheus.CounterVec
	traceEventsLost prometheus.Counter

	mu          sync.Mutex
	droppedSeen int64
}

// New registers the collectors plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		turnsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed chat turns by strategy and outcome",
		}, []string{"strategy", "outcome", "regenerate"}),
		turnDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of chat turns in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4m
		}, []string{"strategy"}),
		turnsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "turns_in_flight",
			Help:      "Chat turns currently being processed",
		}),
		fallbacksTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_fallbacks_total",
			Help:      "Agent turns answered by direct generation instead",
		}),
		searchesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_queries_total",
			Help:      "Web search queries by provider and status",
		}, []string{"provider", "status"}),
		toolCallsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_tool_calls_total",
			Help:      "Tool invocations made by the agent",
		}, []string{"tool"}),
		tokensTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_tokens_total",
			Help:      "Tokens consumed by model and direction",
		}, []string{"model", "direction"}),
		traceEventsLost: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trace_events_dropped_total",
			Help:      "Tracing events dropped because the export queue was full",
		}),
	}
}

// Registry returns the registry backing the collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TurnStarted marks a turn in flight. The returned func records the
// outcome and duration and must be called exactly once.
func (m *Metrics) TurnStarted(strategy string, regenerate bool) func(outcome string) {
	if m == nil {
		return func(string) {}
	}
	start := time.Now()
	m.turnsInFlight.Inc()
	regen := "false"
	if regenerate {
		regen = "true"
	}
	return func(outcome string) {
		m.turnsInFlight.Dec()
		m.turnsTotal.WithLabelValues(strategy, outcome, regen).Inc()
		m.turnDuration.WithLabelValues(strategy).Observe(time.Since(start).Seconds())
	}
}

// Fallback counts an agent turn that degraded to direct generation.
func (m *Metrics) Fallback() {
	if m == nil {
		return
	}
	m.fallbacksTotal.Inc()
}

// Search counts a web search.
func (m *Metrics) Search(provider, status string) {
	if m == nil {
		return
	}
	m.searchesTotal.WithLabelValues(provider, status).Inc()
}

// ToolCall counts an agent tool invocation.
func (m *Metrics) ToolCall(tool string) {
	if m == nil {
		return
	}
	m.toolCallsTotal.WithLabelValues(tool).Inc()
}

// Tokens adds a model call's token counts.
func (m *Metrics) Tokens(model string, input, output int) {
	if m == nil {
		return
	}
	m.tokensTotal.WithLabelValues(model, "input").Add(float64(input))
	m.tokensTotal.WithLabelValues(model, "output").Add(float64(output))
}

// TraceEventsDropped moves the dropped-trace counter forward to total.
// Exporters report a running total, so only the delta is added.
func (m *Metrics) TraceEventsDropped(total int64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if total > m.droppedSeen {
		m.traceEventsLost.Add(float64(total - m.droppedSeen))
		m.droppedSeen = total
	}
}
