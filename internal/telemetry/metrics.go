package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the diagnostics registry. It receives the failures the record store absorbs, audit
// prune counts and integrity check results.
type Metrics struct {
	registry       *prometheus.Registry
	readFailures   *prometheus.CounterVec
	writeFailures  *prometheus.CounterVec
	conflicts      *prometheus.CounterVec
	auditPruned    prometheus.Counter
	checkValue     *prometheus.GaugeVec
	checkHeld      *prometheus.GaugeVec
	requests       *prometheus.CounterVec
	requestSeconds *prometheus.HistogramVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		readFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tsoam", Subsystem: "storage", Name: "read_failures_total",
			Help: "Collection reads that failed and were served as empty.",
		}, []string{"key"}),
		writeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tsoam", Subsystem: "storage", Name: "write_failures_total",
			Help: "Collection writes rejected by the substrate.",
		}, []string{"key"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tsoam", Subsystem: "storage", Name: "revision_conflicts_total",
			Help: "Concurrent writes that forced a read-modify-write retry.",
		}, []string{"key"}),
		auditPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "tsoam", Subsystem: "audit", Name: "pruned_entries_total",
			Help: "Audit entries removed by retention.",
		}),
		checkValue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tsoam", Subsystem: "integrity", Name: "check_value",
			Help: "Last measured value of each integrity check, -1 when the measurement failed.",
		}, []string{"check"}),
		checkHeld: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "tsoam", Subsystem: "integrity", Name: "check_held",
			Help: "1 when the integrity check passed on its last run.",
		}, []string{"check"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tsoam", Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		requestSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tsoam", Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.readFailures, m.writeFailures, m.conflicts, m.auditPruned,
		m.checkValue, m.checkHeld, m.requests, m.requestSeconds,
	)
	return m
}

func (m *Metrics) ReadFailed(key string, _ error)  { m.readFailures.WithLabelValues(key).Inc() }
func (m *Metrics) WriteFailed(key string, _ error) { m.writeFailures.WithLabelValues(key).Inc() }
func (m *Metrics) Conflict(key string)             { m.conflicts.WithLabelValues(key).Inc() }

// AuditPruned counts entries dropped by audit retention.
func (m *Metrics) AuditPruned(n int) {
	if n > 0 {
		m.auditPruned.Add(float64(n))
	}
}

// ObserveCheck records an integrity check result.
func (m *Metrics) ObserveCheck(check string, value float64, held bool) {
	m.checkValue.WithLabelValues(check).Set(value)
	v := 0.0
	if held {
		v = 1
	}
	m.checkHeld.WithLabelValues(check).Set(v)
}

// ObserveRequest records one served HTTP request.
func (m *Metrics) ObserveRequest(method, route, status string, seconds float64) {
	m.requests.WithLabelValues(method, route, status).Inc()
	m.requestSeconds.WithLabelValues(method, route).Observe(seconds)
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
