package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "shijo",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileUsersScanned = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "shijo",
		Subsystem: "reconciliation",
		Name:      "users_scanned",
		Help:      "Quota records scanned in the last reconciliation run.",
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "shijo",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation run errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileDuration,
		reconcileUsersScanned,
		reconcileErrors,
	)
}
