package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	recordPersistGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "timelog",
		Subsystem: "write",
		Name:      "last_record_persisted_timestamp_seconds",
		Help:      "Unix timestamp of the most recent time record committed to the store.",
	})

	writeRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "timelog",
		Subsystem: "write",
		Name:      "retries_total",
		Help:      "Number of write attempts retried after a transient store failure.",
	})

	writeFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "timelog",
		Subsystem: "write",
		Name:      "failures_total",
		Help:      "Number of writes that exhausted their retry budget, labeled by operation.",
	}, []string{"op"})
)

func init() {
	prometheus.MustRegister(recordPersistGauge, writeRetries, writeFailures)
}

// RecordPersisted updates the persistence watermark gauge.
func RecordPersisted(ts time.Time) {
	if ts.IsZero() {
		return
	}
	recordPersistGauge.Set(float64(ts.Unix()))
}

// WriteRetried counts one retried commit attempt.
func WriteRetried() {
	writeRetries.Inc()
}

// WriteFailed counts one write that exhausted its retries.
func WriteFailed(op string) {
	writeFailures.WithLabelValues(op).Inc()
}
