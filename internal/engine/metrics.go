package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	castsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "grimoire_casts_total",
		Help: "Casts reaching a terminal state, by status and engine.",
	}, []string{"status", "engine"})

	fallbacksTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "grimoire_engine_fallbacks_total",
		Help: "Sandbox failures retried via the workflow engine.",
	})
)

func init() {
	prometheus.MustRegister(castsTotal, fallbacksTotal)
}
