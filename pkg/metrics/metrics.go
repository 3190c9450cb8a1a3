// Package metrics exposes the gateway's Prometheus collectors, mounted at
// /metrics exactly as the teacher's internal/app/httpapi/handler.go mounts
// its own registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every gateway-specific collector.
var Registry = prometheus.NewRegistry()

var (
	// PollerLagSeconds reports ingestion lag per (source, orgId) — spec.md
	// §9 "Source poller health/backpressure gauge" supplement.
	PollerLagSeconds = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "poller",
		Name:      "lag_seconds",
		Help:      "Seconds between the last polled row's timestamp and now.",
	}, []string{"source", "org_id"})

	PollerBatchSize = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "poller",
		Name:      "batch_size",
		Help:      "Number of rows fetched per poll tick.",
		Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
	}, []string{"source"})

	DeliveryAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "delivery",
		Name:      "attempts_total",
		Help:      "Total delivery attempts by integration and outcome.",
	}, []string{"integration_id", "status"})

	DeliveryDurationSeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gateway",
		Subsystem: "delivery",
		Name:      "duration_seconds",
		Help:      "Duration of outbound HTTP delivery attempts.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"integration_id", "status"})

	DLQDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "dlq",
		Name:      "depth",
		Help:      "Current number of queued DLQ entries by integration.",
	}, []string{"integration_id"})

	CircuitState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "circuit",
		Name:      "state",
		Help:      "Circuit breaker state per integration (0=closed,1=half_open,2=open).",
	}, []string{"integration_id"})

	SchedulerDueEntries = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "scheduler",
		Name:      "due_entries",
		Help:      "Number of scheduled entries picked up in the last tick.",
	})

	AlertsSentTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Alert digests sent by channel and status.",
	}, []string{"channel", "status"})

	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "gateway",
		Subsystem: "http",
		Name:      "inflight_requests",
		Help:      "Current number of in-flight admin/inbound HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gateway",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests handled by the admin/inbound surfaces.",
	}, []string{"surface", "method", "status"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		PollerLagSeconds,
		PollerBatchSize,
		DeliveryAttemptsTotal,
		DeliveryDurationSeconds,
		DLQDepth,
		CircuitState,
		SchedulerDueEntries,
		AlertsSentTotal,
		httpInFlight,
		httpRequestsTotal,
	)
}

// Handler returns the HTTP handler serving the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// ObserveHTTP records an in-flight gauge bump and a completed-request
// counter for one admin/inbound HTTP request.
func ObserveHTTP(surface, method, status string) func() {
	httpInFlight.Inc()
	return func() {
		httpInFlight.Dec()
		httpRequestsTotal.WithLabelValues(surface, method, status).Inc()
	}
}

// CircuitStateValue maps a circuit.State string to the gauge's numeric
// encoding, kept here (rather than in internal/app/domain/circuit) so the
// domain package stays free of a metrics dependency.
func CircuitStateValue(state string) float64 {
	switch state {
	case "HALF_OPEN":
		return 1
	case "OPEN":
		return 2
	default:
		return 0
	}
}
