package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry *prometheus.Registry

var (
	// CollectionsTotal counts collector runs per (source, kind, status).
	// Watch for: a source stuck on status=error.
	CollectionsTotal *prometheus.CounterVec

	// CollectionDuration is per-(source, kind) collector call latency. Watch
	// for: a source drifting toward its timeout.
	CollectionDuration *prometheus.HistogramVec

	// RecordsCollectedTotal counts raw points a collector call returned,
	// before staging dedup.
	RecordsCollectedTotal *prometheus.CounterVec

	// RateLimiterWaitSeconds is time spent blocked in the per-source token
	// bucket before dispatch. Watch for: sustained waits near the bucket's
	// refill interval, meaning the configured rate is the bottleneck.
	RateLimiterWaitSeconds *prometheus.HistogramVec

	// CircuitBreakerState exports the numeric breaker state (0=closed,
	// 1=half_open, 2=open) per (source, kind). Watch for: any non-zero value
	// persisting across scrapes.
	CircuitBreakerState *prometheus.GaugeVec

	// SchedulerJobDuration is wall-clock time per scheduled job run.
	SchedulerJobDuration *prometheus.HistogramVec

	// SchedulerJobsTotal counts job runs by (job, status).
	SchedulerJobsTotal *prometheus.CounterVec

	// MatcherPairsTotal counts pairs the matching engine created per site.
	MatcherPairsTotal *prometheus.CounterVec

	// MatcherUnmatchedTotal counts forecasts left unpaired after a matcher
	// run (§8 scenario 3).
	MatcherUnmatchedTotal *prometheus.CounterVec

	// DeviationsProcessedTotal counts pairs reduced to deviations, labeled
	// by whether the deviation was flagged an outlier.
	DeviationsProcessedTotal *prometheus.CounterVec

	// MetricsRecomputeTotal counts AccuracyMetric upserts triggered by the
	// metrics engine, including manual rollup refreshes.
	MetricsRecomputeTotal prometheus.Counter
)

func init() {
	registry = prometheus.NewRegistry()

	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewGoCollector(),
	)

	CollectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "collectionsTotal",
			Help: "Total collector invocations by source, kind, and status",
		},
		[]string{"source", "kind", "status"},
	)
	CollectionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "collectionDurationSeconds",
			Help:    "Collector call latency in seconds by source and kind",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source", "kind"},
	)
	RecordsCollectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "recordsCollectedTotal",
			Help: "Raw points returned by a collector, before staging dedup",
		},
		[]string{"source", "kind"},
	)
	RateLimiterWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rateLimiterWaitSeconds",
			Help:    "Time spent waiting on the per-source token bucket before dispatch",
			Buckets: []float64{.01, .05, .1, .5, 1, 2, 5},
		},
		[]string{"source"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuitBreakerState",
			Help: "Circuit breaker state per source/kind (0=closed, 1=half_open, 2=open)",
		},
		[]string{"source", "kind"},
	)
	SchedulerJobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "schedulerJobDurationSeconds",
			Help:    "Scheduled job wall-clock duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"job"},
	)
	SchedulerJobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "schedulerJobsTotal",
			Help: "Scheduled job runs by job name and status",
		},
		[]string{"job", "status"},
	)
	MatcherPairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matcherPairsTotal",
			Help: "Pairs created by the matching engine, by site",
		},
		[]string{"site"},
	)
	MatcherUnmatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "matcherUnmatchedTotal",
			Help: "Forecasts left unmatched after a matcher run, by site",
		},
		[]string{"site"},
	)
	DeviationsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deviationsProcessedTotal",
			Help: "Pairs reduced to deviations, by outlier flag",
		},
		[]string{"outlier"},
	)
	MetricsRecomputeTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "metricsRecomputeTotal",
			Help: "AccuracyMetric upserts, including manual rollup refreshes",
		},
	)

	registry.MustRegister(
		CollectionsTotal, CollectionDuration, RecordsCollectedTotal,
		RateLimiterWaitSeconds, CircuitBreakerState,
		SchedulerJobDuration, SchedulerJobsTotal,
		MatcherPairsTotal, MatcherUnmatchedTotal,
		DeviationsProcessedTotal, MetricsRecomputeTotal,
	)
}

// CircuitStateValue maps a circuit breaker state name to the numeric value
// CircuitBreakerState expects.
func CircuitStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}

// MetricsHandler returns an http.Handler that serves application and runtime
// metrics from the private registry.
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
