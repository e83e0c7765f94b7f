package scheduler

import "github.com/prometheus/client_golang/prometheus"

var dispatchesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "flowtask_scheduler_dispatches_total",
		Help: "Scheduled trigger attempts, by outcome.",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(dispatchesTotal)
}
