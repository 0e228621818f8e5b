package reconciliation

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	reconcileLedgerMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowcore",
		Subsystem: "reconciliation",
		Name:      "ledger_mismatches",
		Help:      "Transactions whose ledger disagreed with their state in the last run.",
	})

	reconcileStuckEscrows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowcore",
		Subsystem: "reconciliation",
		Name:      "stuck_expired",
		Help:      "Unfunded transactions left open past expiry in the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowcore",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowcore",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Reconciliation runs aborted by a store error.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileLedgerMismatches,
		reconcileStuckEscrows,
		reconcileDuration,
		reconcileErrors,
	)
}

func startRun() func() {
	start := time.Now()
	return func() {
		reconcileDuration.Observe(time.Since(start).Seconds())
	}
}
