package dispatch

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var callsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
	Name: "grimoire_dispatch_calls_total",
	Help: "Total workflow platform calls by operation and outcome.",
}, []string{"operation", "outcome"})

func init() {
	prometheus.MustRegister(callsTotal)
}

func outcomeLabel(status int) string {
	if status >= 200 && status < 400 {
		return "ok"
	}
	return strconv.Itoa(status)
}
