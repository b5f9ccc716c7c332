package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the treasury Prometheus collectors.
	Registry = prometheus.NewRegistry()

	transfers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "treasury",
			Subsystem: "ledger",
			Name:      "transfers_total",
			Help:      "Transfer executions by outcome.",
		},
		[]string{"outcome"},
	)

	transferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "treasury",
			Subsystem: "ledger",
			Name:      "transfer_duration_seconds",
			Help:      "Duration of transfer executions including lock waits.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"outcome"},
	)

	adjustments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "treasury",
			Subsystem: "ledger",
			Name:      "adjustments_total",
			Help:      "Administrative balance adjustments by direction and outcome.",
		},
		[]string{"direction", "outcome"},
	)

	pendingTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "treasury",
			Subsystem: "pending_transfers",
			Name:      "transitions_total",
			Help:      "Pending transfer status transitions.",
		},
		[]string{"from", "to"},
	)

	checkOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "treasury",
			Subsystem: "pending_transfers",
			Name:      "check_outcomes_total",
			Help:      "Check evaluations by check name and outcome.",
		},
		[]string{"check", "outcome"},
	)

	proposalTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "treasury",
			Subsystem: "proposals",
			Name:      "transitions_total",
			Help:      "Proposal status transitions.",
		},
		[]string{"from", "to"},
	)

	votes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "treasury",
			Subsystem: "proposals",
			Name:      "votes_total",
			Help:      "Votes cast by choice.",
		},
		[]string{"choice"},
	)

	outboxEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "treasury",
			Subsystem: "outbox",
			Name:      "events_total",
			Help:      "Outbox events by final dispatch status.",
		},
		[]string{"event_type", "status"},
	)

	outboxBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "treasury",
			Subsystem: "outbox",
			Name:      "claimed_batch_size",
			Help:      "Size of the last claimed outbox batch.",
		},
	)

	sweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "treasury",
			Subsystem: "sweeps",
			Name:      "runs_total",
			Help:      "Maintenance sweep runs by job and success.",
		},
		[]string{"job", "success"},
	)

	sweepAffected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "treasury",
			Subsystem: "sweeps",
			Name:      "affected_total",
			Help:      "Records changed by maintenance sweeps.",
		},
		[]string{"job"},
	)

	notifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "treasury",
			Subsystem: "notifier",
			Name:      "messages_total",
			Help:      "Outbound chat notifications by event type and success.",
		},
		[]string{"event_type", "success"},
	)
)

func init() {
	Registry.MustRegister(
		transfers,
		transferDuration,
		adjustments,
		pendingTransitions,
		checkOutcomes,
		proposalTransitions,
		votes,
		outboxEvents,
		outboxBacklog,
		sweepRuns,
		sweepAffected,
		notifications,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// RecordTransfer records a transfer execution outcome and its duration.
func RecordTransfer(outcome string, duration time.Duration) {
	transfers.WithLabelValues(outcome).Inc()
	transferDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordAdjustment records an administrative adjustment.
func RecordAdjustment(direction, outcome string) {
	adjustments.WithLabelValues(direction, outcome).Inc()
}

// RecordPendingTransition records a pending transfer status change.
func RecordPendingTransition(from, to string) {
	pendingTransitions.WithLabelValues(from, to).Inc()
}

// RecordCheckOutcome records one check evaluation.
func RecordCheckOutcome(check, outcome string) {
	checkOutcomes.WithLabelValues(check, outcome).Inc()
}

// RecordProposalTransition records a proposal status change.
func RecordProposalTransition(from, to string) {
	proposalTransitions.WithLabelValues(from, to).Inc()
}

// RecordVote records a cast or replaced vote.
func RecordVote(choice string) {
	votes.WithLabelValues(choice).Inc()
}

// RecordOutboxEvent records an outbox row reaching status.
func RecordOutboxEvent(eventType, status string) {
	outboxEvents.WithLabelValues(eventType, status).Inc()
}

// SetOutboxBatch records the size of the last claimed batch.
func SetOutboxBatch(size int) {
	outboxBacklog.Set(float64(size))
}

// RecordSweep records one sweep run.
func RecordSweep(job string, affected int, err error) {
	success := "true"
	if err != nil {
		success = "false"
	}
	sweepRuns.WithLabelValues(job, success).Inc()
	if affected > 0 {
		sweepAffected.WithLabelValues(job).Add(float64(affected))
	}
}

// RecordNotification records an outbound chat notification attempt.
func RecordNotification(eventType string, err error) {
	success := "true"
	if err != nil {
		success = "false"
	}
	notifications.WithLabelValues(eventType, success).Inc()
}
