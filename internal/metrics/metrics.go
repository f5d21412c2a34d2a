// Package metrics holds the Prometheus collectors for provider traffic and
// conflict lifecycle. A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	providerRequests  *prometheus.CounterVec
	providerLatency   *prometheus.HistogramVec
	versionConflicts  prometheus.Counter
	conflictsDetected *prometheus.CounterVec
	conflictsResolved *prometheus.CounterVec
	refreshFailures   prometheus.Counter
	httpRequests      *prometheus.CounterVec
	httpLatency       *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consignment",
			Subsystem: "provider",
			Name:      "requests_total",
			Help:      "Calls to the external catalog provider by operation and outcome.",
		}, []string{"op", "outcome"}),
		providerLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "consignment",
			Subsystem: "provider",
			Name:      "request_duration_seconds",
			Help:      "Latency of external catalog provider calls.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		versionConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "consignment",
			Subsystem: "catalog",
			Name:      "version_conflicts_total",
			Help:      "Catalog updates rejected by the optimistic version check.",
		}),
		conflictsDetected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consignment",
			Subsystem: "conflicts",
			Name:      "detected_total",
			Help:      "New sync conflicts by type and external system.",
		}, []string{"type", "system"}),
		conflictsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consignment",
			Subsystem: "conflicts",
			Name:      "resolved_total",
			Help:      "Sync conflicts closed by resolution.",
		}, []string{"resolution"}),
		refreshFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "consignment",
			Subsystem: "sync",
			Name:      "refresh_failures_total",
			Help:      "Product refreshes that failed during a stale sweep.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "consignment",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status class.",
		}, []string{"method", "route", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "consignment",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and route.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"method", "route", "status"}),
	}

	reg.MustRegister(
		m.providerRequests,
		m.providerLatency,
		m.versionConflicts,
		m.conflictsDetected,
		m.conflictsResolved,
		m.refreshFailures,
		m.httpRequests,
		m.httpLatency,
	)
	return m
}

func (m *Metrics) ObserveProviderCall(op string, started time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.providerRequests.WithLabelValues(op, outcome).Inc()
	m.providerLatency.WithLabelValues(op).Observe(time.Since(started).Seconds())
}

func (m *Metrics) VersionConflict() {
	if m == nil {
		return
	}
	m.versionConflicts.Inc()
}

func (m *Metrics) ConflictDetected(conflictType, system string) {
	if m == nil {
		return
	}
	m.conflictsDetected.WithLabelValues(conflictType, system).Inc()
}

func (m *Metrics) ConflictResolved(resolution string) {
	if m == nil {
		return
	}
	m.conflictsResolved.WithLabelValues(resolution).Inc()
}

func (m *Metrics) RefreshFailed() {
	if m == nil {
		return
	}
	m.refreshFailures.Inc()
}

// RecordRequest counts one HTTP request. route is the matched route
// template, never the raw path.
func (m *Metrics) RecordRequest(method, route string, statusCode int, duration time.Duration) {
	if m == nil {
		return
	}
	status := classifyStatus(statusCode)
	m.httpRequests.WithLabelValues(method, route, status).Inc()
	m.httpLatency.WithLabelValues(method, route, status).Observe(duration.Seconds())
}

func classifyStatus(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "2xx"
	case statusCode >= 300 && statusCode < 400:
		return "3xx"
	case statusCode >= 400 && statusCode < 500:
		return "4xx"
	case statusCode >= 500 && statusCode < 600:
		return "5xx"
	}
	return "unknown"
}
