package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status label values.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Metrics holds the Prometheus collectors for toolrelay. All collectors are
// registered on a private registry so tests can build as many as they like.
//
// Methods are safe to call on a nil *Metrics; they do nothing.
type Metrics struct {
	registry *prometheus.Registry

	// ToolCalls counts dispatched tool calls.
	// Labels: server, status (success|error)
	ToolCalls *prometheus.CounterVec

	// ToolCallDuration measures tool call latency in seconds.
	// Labels: server
	ToolCallDuration *prometheus.HistogramVec

	// LLMStreams counts model stream requests.
	// Labels: provider, model, status (success|error)
	LLMStreams *prometheus.CounterVec

	// LLMStreamDuration measures time from request to end of stream in seconds.
	// Labels: provider, model
	LLMStreamDuration *prometheus.HistogramVec

	// LLMTokens tracks token consumption.
	// Labels: provider, model, type (prompt|completion)
	LLMTokens *prometheus.CounterVec

	// OrchestrationRounds observes the number of rounds per orchestration.
	OrchestrationRounds prometheus.Histogram

	// ConnectedSessions is the number of live tool-provider sessions.
	ConnectedSessions prometheus.Gauge

	// SessionConnects counts connect attempts.
	// Labels: status (success|error)
	SessionConnects *prometheus.CounterVec

	// ActiveChats is the number of open chat WebSocket connections.
	ActiveChats prometheus.Gauge
}

// New creates and registers all collectors on a fresh registry, together
// with the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ToolCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolrelay_tool_calls_total",
				Help: "Total number of dispatched tool calls by server and status",
			},
			[]string{"server", "status"},
		),

		ToolCallDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolrelay_tool_call_duration_seconds",
				Help:    "Duration of tool calls in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"server"},
		),

		LLMStreams: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolrelay_llm_streams_total",
				Help: "Total number of model stream requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMStreamDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolrelay_llm_stream_duration_seconds",
				Help:    "Duration of model streams in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),

		LLMTokens: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolrelay_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		OrchestrationRounds: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "toolrelay_orchestration_rounds",
				Help:    "Number of model rounds per orchestration",
				Buckets: []float64{1, 2, 3, 5, 8, 13, 25},
			},
		),

		ConnectedSessions: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolrelay_connected_sessions",
				Help: "Number of connected tool-provider sessions",
			},
		),

		SessionConnects: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolrelay_session_connects_total",
				Help: "Total number of tool-provider connect attempts by status",
			},
			[]string{"status"},
		),

		ActiveChats: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "toolrelay_active_chats",
				Help: "Number of open chat connections",
			},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveToolCall records one dispatched tool call.
func (m *Metrics) ObserveToolCall(server string, failed bool, d time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(server, status(failed)).Inc()
	m.ToolCallDuration.WithLabelValues(server).Observe(d.Seconds())
}

// ObserveLLMStream records one finished model stream.
func (m *Metrics) ObserveLLMStream(provider, model string, failed bool, d time.Duration) {
	if m == nil {
		return
	}
	m.LLMStreams.WithLabelValues(provider, model, status(failed)).Inc()
	m.LLMStreamDuration.WithLabelValues(provider, model).Observe(d.Seconds())
}

// AddTokens records token usage reported by the model backend.
func (m *Metrics) AddTokens(provider, model string, prompt, completion int) {
	if m == nil {
		return
	}
	m.LLMTokens.WithLabelValues(provider, model, "prompt").Add(float64(prompt))
	m.LLMTokens.WithLabelValues(provider, model, "completion").Add(float64(completion))
}

// ObserveRounds records the round count of a finished orchestration.
func (m *Metrics) ObserveRounds(rounds int) {
	if m == nil {
		return
	}
	m.OrchestrationRounds.Observe(float64(rounds))
}

// ObserveConnect records a connect attempt and the resulting session count.
func (m *Metrics) ObserveConnect(failed bool, connected int) {
	if m == nil {
		return
	}
	m.SessionConnects.WithLabelValues(status(failed)).Inc()
	m.ConnectedSessions.Set(float64(connected))
}

// SetConnectedSessions sets the live session gauge.
func (m *Metrics) SetConnectedSessions(n int) {
	if m == nil {
		return
	}
	m.ConnectedSessions.Set(float64(n))
}

// ChatOpened and ChatClosed track open chat connections.
func (m *Metrics) ChatOpened() {
	if m == nil {
		return
	}
	m.ActiveChats.Inc()
}

func (m *Metrics) ChatClosed() {
	if m == nil {
		return
	}
	m.ActiveChats.Dec()
}

func status(failed bool) string {
	if failed {
		return StatusError
	}
	return StatusSuccess
}
