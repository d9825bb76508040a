// Package metrics provides Prometheus metrics export for the conversation
// core.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusExporter exports kernel metrics in Prometheus format. It
// satisfies the kernel's instrumentation hook.
type PrometheusExporter struct {
	registry *prometheus.Registry

	turnLatency  prometheus.Histogram
	chunks       prometheus.Counter
	flushes      prometheus.Counter
	dispatches   *prometheus.CounterVec
	pluginErrors *prometheus.CounterVec
	busy         prometheus.Gauge
}

// Config configures the Prometheus exporter.
type Config struct {
	// Registry to use (if nil, creates a new one)
	Registry *prometheus.Registry

	// Buckets for the turn latency histogram (in seconds)
	LatencyBuckets []float64
}

// DefaultConfig returns default Prometheus configuration.
func DefaultConfig() Config {
	return Config{
		LatencyBuckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}
}

// NewPrometheusExporter creates a new Prometheus metrics exporter.
func NewPrometheusExporter(cfg Config) *PrometheusExporter {
	if len(cfg.LatencyBuckets) == 0 {
		cfg.LatencyBuckets = DefaultConfig().LatencyBuckets
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	e := &PrometheusExporter{registry: registry}

	e.turnLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "murmur",
			Subsystem: "core",
			Name:      "turn_latency_seconds",
			Help:      "End-to-end latency of one conversation turn",
			Buckets:   cfg.LatencyBuckets,
		},
	)

	e.chunks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "core",
			Name:      "stream_chunks_total",
			Help:      "Total stream chunks classified",
		},
	)

	e.flushes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "core",
			Name:      "buffer_flushes_total",
			Help:      "Total output buffer flushes published to the UI",
		},
	)

	e.dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "core",
			Name:      "dispatch_cycles_total",
			Help:      "Total command dispatch cycles",
		},
		[]string{"status"},
	)

	e.pluginErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "murmur",
			Subsystem: "core",
			Name:      "plugin_errors_total",
			Help:      "Total plugin handler errors and panics",
		},
		[]string{"plugin"},
	)

	e.busy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "murmur",
			Subsystem: "core",
			Name:      "turn_active",
			Help:      "Whether a turn is currently in flight (0 or 1)",
		},
	)

	registry.MustRegister(
		e.turnLatency,
		e.chunks,
		e.flushes,
		e.dispatches,
		e.pluginErrors,
		e.busy,
	)

	return e
}

// CountChunk records one classified stream chunk.
func (e *PrometheusExporter) CountChunk() {
	e.chunks.Inc()
}

// CountFlush records one buffer flush published to the UI.
func (e *PrometheusExporter) CountFlush() {
	e.flushes.Inc()
}

// CountDispatch records one command dispatch cycle.
func (e *PrometheusExporter) CountDispatch(ok bool) {
	status := "success"
	if !ok {
		status = "error"
	}
	e.dispatches.WithLabelValues(status).Inc()
}

// RecordPluginError records a plugin handler error or panic.
func (e *PrometheusExporter) RecordPluginError(plugin string) {
	e.pluginErrors.WithLabelValues(plugin).Inc()
}

// ObserveTurn records the end-to-end latency of one turn.
func (e *PrometheusExporter) ObserveTurn(d time.Duration) {
	e.turnLatency.Observe(d.Seconds())
}

// SetBusy mirrors the kernel busy flag.
func (e *PrometheusExporter) SetBusy(busy bool) {
	if busy {
		e.busy.Set(1)
	} else {
		e.busy.Set(0)
	}
}

// Handler returns the HTTP handler serving the metrics endpoint.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// ServeHTTP implements http.Handler.
func (e *PrometheusExporter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.Handler().ServeHTTP(w, r)
}

// Registry returns the underlying registry for callers registering extra
// collectors.
func (e *PrometheusExporter) Registry() *prometheus.Registry {
	return e.registry
}
