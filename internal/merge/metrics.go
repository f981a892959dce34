package merge

import "github.com/prometheus/client_golang/prometheus"

var (
	listenerErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timelog",
		Subsystem: "merge",
		Name:      "listener_errors_total",
		Help:      "Number of fan-out listener failures, labeled by identity field.",
	}, []string{"field"})

	mergeEmits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "timelog",
		Subsystem: "merge",
		Name:      "emits_total",
		Help:      "Number of merged-view recomputations emitted to subscribers.",
	})

	mergedViewSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "timelog",
		Subsystem: "merge",
		Name:      "view_size",
		Help:      "Size of the most recently emitted merged view.",
	})
)

func init() {
	prometheus.MustRegister(listenerErrors, mergeEmits, mergedViewSize)
}
