package sandbox

import "github.com/prometheus/client_golang/prometheus"

var (
	compilesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grimoire_sandbox_compiles_total",
		Help: "Total number of module compilations (cache misses).",
	})

	cacheHitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grimoire_sandbox_cache_hits_total",
		Help: "Total number of module cache hits.",
	})

	executionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grimoire_sandbox_executions_total",
		Help: "Total number of sandbox executions by outcome.",
	}, []string{"outcome"})

	executionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "grimoire_sandbox_execution_duration_seconds",
		Help:    "Sandbox execution duration in seconds.",
		Buckets: prometheus.ExponentialBuckets(0.01, 4, 8),
	})
)

func init() {
	prometheus.MustRegister(compilesTotal)
	prometheus.MustRegister(cacheHitsTotal)
	prometheus.MustRegister(executionsTotal)
	prometheus.MustRegister(executionDuration)
}
