package escrow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TransitionsTotal counts committed transitions by action and states.
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowcore",
			Name:      "transitions_total",
			Help:      "Committed transaction transitions by action and state pair.",
		},
		[]string{"action", "from", "to"},
	)

	// OperationErrorsTotal counts refused or failed operations by kind.
	OperationErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowcore",
			Name:      "operation_errors_total",
			Help:      "Escrow operations that returned an error, by action and error kind.",
		},
		[]string{"action", "kind"},
	)

	// OperationDuration observes operation latency including lock waits.
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowcore",
			Name:      "operation_duration_seconds",
			Help:      "Escrow operation duration in seconds.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 1},
		},
		[]string{"action"},
	)

	// TimeToSettle observes time from creation to a terminal state.
	TimeToSettle = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowcore",
			Name:      "time_to_settle_seconds",
			Help:      "Time from transaction creation to terminal state in seconds.",
			Buckets:   []float64{60, 600, 3600, 21600, 86400, 259200, 604800, 1209600},
		},
		[]string{"state"},
	)

	// NotifyFailuresTotal counts events the notifier failed to deliver.
	NotifyFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowcore",
		Name:      "notify_failures_total",
		Help:      "Events that could not be delivered to the notifier.",
	})
)

func init() {
	prometheus.MustRegister(
		TransitionsTotal,
		OperationErrorsTotal,
		OperationDuration,
		TimeToSettle,
		NotifyFailuresTotal,
	)
}

func observeOp(action string) func() {
	start := time.Now()
	return func() {
		OperationDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
	}
}
