package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	activeListenersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowtask_active_listeners",
		Help: "Number of engine event listeners currently attached.",
	})

	subscribersGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowtask_live_subscribers",
		Help: "Number of connected live viewers.",
	})

	engineEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtask_engine_events_total",
			Help: "Engine events relayed, by type.",
		},
		[]string{"type"},
	)

	dispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtask_dispatches_total",
			Help: "Dispatch attempts, by outcome.",
		},
		[]string{"outcome"},
	)

	finalizationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowtask_finalizations_total",
			Help: "Sessions that reached a terminal status, by status.",
		},
		[]string{"status"},
	)

	stateFlushesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowtask_state_flushes_total",
		Help: "Execution state snapshots written to storage.",
	})

	stateFlushErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowtask_state_flush_errors_total",
		Help: "Execution state snapshots that failed to write.",
	})

	stateEvictionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowtask_state_evictions_total",
		Help: "Execution states evicted from memory.",
	})
)

func init() {
	prometheus.MustRegister(activeListenersGauge)
	prometheus.MustRegister(subscribersGauge)
	prometheus.MustRegister(engineEventsTotal)
	prometheus.MustRegister(dispatchesTotal)
	prometheus.MustRegister(finalizationsTotal)
	prometheus.MustRegister(stateFlushesTotal)
	prometheus.MustRegister(stateFlushErrorsTotal)
	prometheus.MustRegister(stateEvictionsTotal)
}
