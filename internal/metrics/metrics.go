// Package metrics provides Prometheus instrumentation for the engine.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TransactionsTotal counts transaction status transitions.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settld",
			Name:      "transactions_total",
			Help:      "Total transaction status transitions by status.",
		},
		[]string{"status"},
	)

	// EscrowsTotal counts escrow transitions by resulting status.
	EscrowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settld",
			Name:      "escrows_total",
			Help:      "Total escrow transitions by status.",
		},
		[]string{"status"},
	)

	// MonitorRepairsTotal counts transactions repaired by the monitor.
	MonitorRepairsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settld",
			Name:      "monitor_repairs_total",
			Help:      "Transactions the monitor moved to a new status, by outcome.",
		},
		[]string{"outcome"},
	)

	// MonitorTickDuration observes reconciliation tick latency.
	MonitorTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "settld",
			Name:      "monitor_tick_duration_seconds",
			Help:      "Duration of monitor reconciliation ticks.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// ScheduledRunsTotal counts scheduled payment executions by result.
	ScheduledRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settld",
			Name:      "scheduled_runs_total",
			Help:      "Scheduled payment executions by result.",
		},
		[]string{"result"},
	)

	// SchedulerTickDuration observes scheduler tick latency.
	SchedulerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "settld",
			Name:      "scheduler_tick_duration_seconds",
			Help:      "Duration of scheduled payment ticks.",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// PendingConfirmations tracks escrow operations awaiting on-chain confirmation.
	PendingConfirmations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "settld",
			Name:      "pending_confirmations",
			Help:      "Escrow operations currently awaiting on-chain confirmation.",
		},
	)

	// ProcessorFeeQuotes counts fee quote calls by processor and result.
	ProcessorFeeQuotes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settld",
			Name:      "processor_fee_quotes_total",
			Help:      "Fee quote calls by processor and result.",
		},
		[]string{"processor", "result"},
	)
)

// Register registers all engine metrics with the given registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		TransactionsTotal,
		EscrowsTotal,
		MonitorRepairsTotal,
		MonitorTickDuration,
		ScheduledRunsTotal,
		SchedulerTickDuration,
		PendingConfirmations,
		ProcessorFeeQuotes,
	)
}

// RegisterDefault registers all engine metrics with the default registry.
// Panics if called twice; intended for process startup only.
func RegisterDefault() {
	Register(prometheus.DefaultRegisterer)
}

// Handler returns the HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
