package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "researchd_sessions_created_total",
			Help: "Total number of research sessions created",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "researchd_sessions_active",
			Help: "Number of live sessions in the registry",
		},
	)

	SessionsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "researchd_sessions_evicted_total",
			Help: "Total number of sessions evicted by expiry or cancel",
		},
	)

	// Pipeline metrics
	PhaseRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchd_phase_runs_total",
			Help: "Total number of pipeline phase executions",
		},
		[]string{"phase", "status"},
	)

	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "researchd_phase_duration_seconds",
			Help:    "Pipeline phase execution duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"phase"},
	)

	// Collaborator metrics
	CompletionCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchd_completion_calls_total",
			Help: "Total number of completion capability invocations",
		},
		[]string{"function", "status"},
	)

	CompletionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "researchd_completion_latency_seconds",
			Help:    "Completion call latency in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	SearchCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchd_search_calls_total",
			Help: "Total number of web-search capability invocations",
		},
		[]string{"status"},
	)

	SearchLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "researchd_search_latency_seconds",
			Help:    "Search call latency in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	// Parsing metrics
	ParseFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researchd_parse_failures_total",
			Help: "Total number of structured output decode failures",
		},
		[]string{"shape"},
	)

	// Semantic cache metrics
	CacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "researchd_semcache_hits_total",
			Help: "Total number of semantic cache hits",
		},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "researchd_semcache_misses_total",
			Help: "Total number of semantic cache misses",
		},
	)

	CacheKeyFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "researchd_semcache_key_failures_total",
			Help: "Total number of semantic cache key derivation failures",
		},
	)
)
