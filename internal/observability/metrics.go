package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "ngao"

// MetricsCollector holds all Prometheus metrics for ngao.
// Uses a custom registry, no global state. All Record methods are nil-safe.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Command execution metrics.
	CommandExecutionsTotal   *prometheus.CounterVec
	CommandExecutionDuration prometheus.Histogram

	// Security metrics.
	SecurityChecksTotal *prometheus.CounterVec

	// Delivery metrics.
	OutputPayloadsTotal *prometheus.CounterVec
	TransfersTotal      *prometheus.CounterVec

	// Request metrics.
	RequestsTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// System metrics.
	ActiveRequests prometheus.Gauge
}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		CommandExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "executions_total",
			Help:      "Total shell command executions.",
		}, []string{"status"}),

		CommandExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "command",
			Name:      "execution_duration_seconds",
			Help:      "Shell command duration in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 20, 60},
		}),

		SecurityChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "security",
			Name:      "checks_total",
			Help:      "Total security checks performed.",
		}, []string{"check_type", "result"}),

		OutputPayloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "output",
			Name:      "payloads_total",
			Help:      "Total routed replies by delivery kind.",
		}, []string{"kind"}),

		TransfersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Total file transfers.",
		}, []string{"direction", "status"}),

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total operator requests by operation.",
		}, []string{"operation"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_requests",
			Help:      "Number of currently active requests.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),

		m.CommandExecutionsTotal,
		m.CommandExecutionDuration,
		m.SecurityChecksTotal,
		m.OutputPayloadsTotal,
		m.TransfersTotal,
		m.RequestsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)

	return m
}

// RecordHTTP counts one admin API request and its duration.
func (m *MetricsCollector) RecordHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordSecurityCheck counts one gate or policy decision.
func (m *MetricsCollector) RecordSecurityCheck(checkType, result string) {
	if m == nil {
		return
	}
	m.SecurityChecksTotal.WithLabelValues(checkType, result).Inc()
}

// RecordPayload counts one routed reply.
func (m *MetricsCollector) RecordPayload(kind string) {
	if m == nil {
		return
	}
	m.OutputPayloadsTotal.WithLabelValues(kind).Inc()
}

// RecordTransfer counts one upload or download.
func (m *MetricsCollector) RecordTransfer(direction, status string) {
	if m == nil {
		return
	}
	m.TransfersTotal.WithLabelValues(direction, status).Inc()
}

// RecordCommand counts one shell execution and its duration.
func (m *MetricsCollector) RecordCommand(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.CommandExecutionsTotal.WithLabelValues(status).Inc()
	m.CommandExecutionDuration.Observe(d.Seconds())
}

// RequestStarted counts a request and marks it active. The returned function
// marks it done.
func (m *MetricsCollector) RequestStarted(operation string) func() {
	if m == nil {
		return func() {}
	}
	m.RequestsTotal.WithLabelValues(operation).Inc()
	m.ActiveRequests.Inc()
	return m.ActiveRequests.Dec
}
