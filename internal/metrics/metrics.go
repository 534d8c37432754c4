// ABOUTME: Prometheus metrics for chat requests, streams, tools and admission
// ABOUTME: Every recorder is nil-safe so components can run without metrics wired

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coven_chat"

// Metrics holds the collectors exported on /metrics.
type Metrics struct {
	// RequestsTotal counts HTTP requests by route and status class.
	// Labels: route, status (success, error)
	RequestsTotal *prometheus.CounterVec

	// TokensTotal counts model tokens.
	// Labels: direction (input, output, reasoning), model
	TokensTotal *prometheus.CounterVec

	// TimeToFirstFrameSeconds measures request start to first content frame.
	// Labels: mode (standard, reasoning)
	TimeToFirstFrameSeconds *prometheus.HistogramVec

	// StreamDurationSeconds measures whole generations.
	// Labels: mode, status (success, error)
	StreamDurationSeconds *prometheus.HistogramVec

	// ErrorsTotal counts errors returned to clients by code ("kind:surface").
	ErrorsTotal *prometheus.CounterVec

	// ClientDisconnectsTotal counts consumers that left before the finish frame.
	ClientDisconnectsTotal prometheus.Counter

	// ToolExecutionsTotal counts tool runs.
	// Labels: tool, status (success, error)
	ToolExecutionsTotal *prometheus.CounterVec

	// ToolDurationSeconds measures tool runs.
	// Labels: tool
	ToolDurationSeconds *prometheus.HistogramVec

	// AdmissionsTotal counts admission decisions.
	// Labels: decision
	AdmissionsTotal *prometheus.CounterVec

	factory  promauto.Factory
	gatherer prometheus.Gatherer
}

// New registers all collectors on reg. A nil reg gets a fresh registry with
// the Go and process collectors.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(reg)

	return &Metrics{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests by route and status",
		}, []string{"route", "status"}),
		TokensTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "tokens_total",
			Help:      "Total model tokens by direction and model",
		}, []string{"direction", "model"}),
		TimeToFirstFrameSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "streaming",
			Name:      "time_to_first_frame_seconds",
			Help:      "Time from request to first content frame in seconds",
			Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		}, []string{"mode"}),
		StreamDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "streaming",
			Name:      "duration_seconds",
			Help:      "Total generation duration in seconds",
			Buckets:   []float64{1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"mode", "status"}),
		ErrorsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "errors_total",
			Help:      "Errors returned to clients by code",
		}, []string{"code"}),
		ClientDisconnectsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "streaming",
			Name:      "client_disconnects_total",
			Help:      "Consumers that disconnected before the stream finished",
		}),
		ToolExecutionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "executions_total",
			Help:      "Tool executions by tool and status",
		}, []string{"tool", "status"}),
		ToolDurationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "duration_seconds",
			Help:      "Tool execution duration in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"tool"}),
		AdmissionsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admission",
			Name:      "decisions_total",
			Help:      "Admission decisions by outcome",
		}, []string{"decision"}),
		factory:  f,
		gatherer: reg,
	}
}

// TrackActiveStreams exports fn as the active stream gauge.
func (m *Metrics) TrackActiveStreams(fn func() int) {
	if m == nil {
		return
	}
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "streaming",
		Name:      "active_streams",
		Help:      "Streams currently tracked by the broker",
	}, func() float64 { return float64(fn()) })
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func (m *Metrics) RecordRequest(route string, ok bool) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(route, status(ok)).Inc()
}

func (m *Metrics) RecordError(code string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(code).Inc()
}

// RecordTokens adds one generation's usage. Zero counts are skipped.
func (m *Metrics) RecordTokens(model string, input, output, reasoning int) {
	if m == nil {
		return
	}
	for dir, n := range map[string]int{"input": input, "output": output, "reasoning": reasoning} {
		if n > 0 {
			m.TokensTotal.WithLabelValues(dir, model).Add(float64(n))
		}
	}
}

func (m *Metrics) RecordFirstFrame(mode string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.TimeToFirstFrameSeconds.WithLabelValues(mode).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordStream(mode string, ok bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.StreamDurationSeconds.WithLabelValues(mode, status(ok)).Observe(elapsed.Seconds())
}

func (m *Metrics) RecordClientDisconnect() {
	if m == nil {
		return
	}
	m.ClientDisconnectsTotal.Inc()
}

func (m *Metrics) RecordAdmission(decision string) {
	if m == nil {
		return
	}
	m.AdmissionsTotal.WithLabelValues(decision).Inc()
}

// ObserveTool records one tool execution. It satisfies tools.Observer.
func (m *Metrics) ObserveTool(name string, failed bool, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ToolExecutionsTotal.WithLabelValues(name, status(!failed)).Inc()
	m.ToolDurationSeconds.WithLabelValues(name).Observe(elapsed.Seconds())
}
