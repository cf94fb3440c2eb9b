// Package metrics builds the agent's Prometheus collectors: HTTP traffic,
// job outcomes, guard-tick activity, and proxy RPC health.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the agent registers.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	JobsTotal    *prometheus.CounterVec
	JobDuration  *prometheus.HistogramVec
	QueueDepth   prometheus.Gauge

	GuardTicksTotal    prometheus.Counter
	GuardTickDuration  prometheus.Histogram
	GuardViolatorsGauge prometheus.Gauge
	GuardActionsTotal  *prometheus.CounterVec

	ProxyRPCTotal    *prometheus.CounterVec
	ProxyRPCDuration *prometheus.HistogramVec
	CircuitBreakerState *prometheus.GaugeVec

	registry *prometheus.Registry
}

// New builds a Metrics instance registered against a private registry (not
// the global default), so multiple agents in-process during tests never
// collide on collector registration.
func New(namespace string) *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "Total HTTP requests handled, by method/path/status.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10),
		}, []string{"method", "path"}),
		HTTPRequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_in_flight",
			Help: "Current number of in-flight HTTP requests.",
		}),
		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "total",
			Help: "Total jobs processed, by kind/outcome.",
		}, []string{"kind", "outcome"}),
		JobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "duration_seconds",
			Help:    "Job processing duration in seconds, by kind.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "jobs", Name: "queue_depth",
			Help: "Best-effort snapshot of queued job count.",
		}),
		GuardTicksTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "guard", Name: "ticks_total",
			Help: "Total guard loop ticks executed.",
		}),
		GuardTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "guard", Name: "tick_duration_seconds",
			Help:    "Guard loop tick duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		GuardViolatorsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "guard", Name: "active_violators",
			Help: "Number of active violators in the most recent tick.",
		}),
		GuardActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "guard", Name: "actions_total",
			Help: "Guard policy actions emitted, by action (warn/ban/thanks).",
		}, []string{"action"}),
		ProxyRPCTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "proxy_rpc", Name: "calls_total",
			Help: "Proxy RPC calls, by method/outcome.",
		}, []string{"method", "outcome"}),
		ProxyRPCDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "proxy_rpc", Name: "duration_seconds",
			Help:    "Proxy RPC duration in seconds, by method.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "proxy_rpc", Name: "circuit_breaker_state",
			Help: "0=closed 1=open 2=half-open.",
		}, []string{"endpoint"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal, m.HTTPRequestDuration, m.HTTPRequestsInFlight,
		m.JobsTotal, m.JobDuration, m.QueueDepth,
		m.GuardTicksTotal, m.GuardTickDuration, m.GuardViolatorsGauge, m.GuardActionsTotal,
		m.ProxyRPCTotal, m.ProxyRPCDuration, m.CircuitBreakerState,
	)
	return m
}

// Handler returns the /metrics scrape endpoint for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
