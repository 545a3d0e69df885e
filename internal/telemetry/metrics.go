package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// HTTPRequestDuration tracks HTTP request latency.
var HTTPRequestDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "nightowl",
		Subsystem: "api",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	},
	[]string{"method", "path", "status"},
)

// JobsCreatedTotal counts jobs admitted by the orchestrator.
var JobsCreatedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "nightowl",
		Subsystem: "jobs",
		Name:      "created_total",
		Help:      "Total number of jobs admitted, by domain and job_type.",
	},
	[]string{"domain", "job_type"},
)

// JobsCompletedTotal counts terminal job outcomes.
var JobsCompletedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "nightowl",
		Subsystem: "jobs",
		Name:      "completed_total",
		Help:      "Total number of jobs reaching a terminal status.",
	},
	[]string{"domain", "status"},
)

// JobDispatchDuration tracks execution wall-clock time per job.
var JobDispatchDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "nightowl",
		Subsystem: "jobs",
		Name:      "execution_duration_seconds",
		Help:      "Job execution duration in seconds.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
	},
	[]string{"domain", "strategy"},
)

// PolicyDecisionsTotal counts admission decisions by action.
var PolicyDecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "nightowl",
		Subsystem: "policy",
		Name:      "decisions_total",
		Help:      "Total number of admission decisions, by action.",
	},
	[]string{"action"},
)

// CircuitStateGauge exposes the current circuit-breaker state per domain
// (0=closed, 1=open, 2=half_open).
var CircuitStateGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "nightowl",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "Current circuit-breaker state by domain (0=closed, 1=open, 2=half_open).",
	},
	[]string{"domain"},
)

// BrowserPoolInstances tracks live browser instance count.
var BrowserPoolInstances = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "nightowl",
		Subsystem: "browserpool",
		Name:      "instances",
		Help:      "Current number of live browser instances.",
	},
)

// BrowserPoolExhaustedTotal counts pool-exhaustion failures.
var BrowserPoolExhaustedTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "nightowl",
		Subsystem: "browserpool",
		Name:      "exhausted_total",
		Help:      "Total number of acquire() calls that failed with pool_exhausted.",
	},
)

// WebhooksSentTotal counts outbound workflow webhook deliveries.
var WebhooksSentTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "nightowl",
		Subsystem: "webhook",
		Name:      "sent_total",
		Help:      "Total number of outbound webhook deliveries, by outcome.",
	},
	[]string{"outcome"},
)

// All returns all NightOwl-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		JobsCreatedTotal,
		JobsCompletedTotal,
		JobDispatchDuration,
		PolicyDecisionsTotal,
		CircuitStateGauge,
		BrowserPoolInstances,
		BrowserPoolExhaustedTotal,
		WebhooksSentTotal,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process collectors,
// the shared HTTPRequestDuration metric, and any additional service-specific
// collectors passed as arguments.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		HTTPRequestDuration,
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
