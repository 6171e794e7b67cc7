// Package metrics holds the Prometheus collectors shared by the ledger,
// the completion aggregator, the event consumer and the HTTP layer.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values.
const (
	OutcomeSuccess  = "success"
	OutcomeNotFound = "not_found"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

var (
	LedgerOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muniplan_ledger_operations_total",
			Help: "Expense ledger operations by name and outcome",
		},
		[]string{"operation", "outcome"},
	)

	LedgerConflictRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "muniplan_ledger_conflict_retries_total",
			Help: "Ledger transactions retried after a transient conflict",
		},
	)

	// Absolute value of every budget_actual adjustment, in currency units.
	LedgerReconciledAmount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "muniplan_ledger_reconciled_amount_total",
			Help: "Sum of absolute budget_actual adjustments",
		},
	)

	LedgerDriftProjects = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "muniplan_ledger_drift_projects",
			Help: "Projects whose cached actual spend disagreed with approved expenses at the last audit",
		},
	)

	CompletionRecomputes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muniplan_completion_recomputes_total",
			Help: "Completion recomputations by trigger and outcome",
		},
		[]string{"trigger", "outcome"},
	)

	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muniplan_events_consumed_total",
			Help: "Task-completed events by outcome (processed, duplicate, failed, malformed)",
		},
		[]string{"outcome"},
	)

	OutboxDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "muniplan_outbox_deliveries_total",
			Help: "Outbox delivery attempts by outcome (sent, retry, failed)",
		},
		[]string{"outcome"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "muniplan_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"method", "route", "status"},
	)
)

// RecordLedgerOperation counts one ledger operation.
func RecordLedgerOperation(operation, outcome string) {
	LedgerOperations.WithLabelValues(operation, outcome).Inc()
}

// AddReconciledAmount records the magnitude of a budget adjustment.
func AddReconciledAmount(abs float64) {
	if abs > 0 {
		LedgerReconciledAmount.Add(abs)
	}
}

// RecordCompletionRecompute counts one completion recomputation.
func RecordCompletionRecompute(trigger, outcome string) {
	CompletionRecomputes.WithLabelValues(trigger, outcome).Inc()
}

// RecordEventConsumed counts one consumed task-completed event.
func RecordEventConsumed(outcome string) {
	EventsConsumed.WithLabelValues(outcome).Inc()
}

// RecordOutboxDelivery counts one outbox delivery attempt.
func RecordOutboxDelivery(outcome string) {
	OutboxDeliveries.WithLabelValues(outcome).Inc()
}

// RecordHTTPRequestDuration observes one HTTP request.
func RecordHTTPRequestDuration(method, route, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, route, status).Observe(duration.Seconds())
}
