// Package telemetry provides Prometheus metrics for arcnetd, all under
// the "arcnet" namespace.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Scheduler ──────────────────────────────────────────────────────────────

// ReservationAttempts tracks reservation attempts by outcome.
var ReservationAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "arcnet",
	Name:      "reservation_attempts_total",
	Help:      "Total reservation attempts by outcome.",
}, []string{"outcome"})

// DispatchesPublished tracks successfully placed inference requests.
var DispatchesPublished = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "arcnet",
	Name:      "dispatches_published_total",
	Help:      "Total dispatch commands published by the scheduler.",
})

// RequestsRejected tracks requests whose retry budget was exhausted.
var RequestsRejected = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "arcnet",
	Name:      "requests_rejected_total",
	Help:      "Total inference requests rejected after retry budget exhaustion.",
})

// SchedulerLatency tracks time from request consumed to dispatch/reject.
var SchedulerLatency = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "arcnet",
	Name:      "scheduler_handle_latency_seconds",
	Help:      "Time spent handling one inference request.",
	Buckets:   prometheus.DefBuckets,
})

// ─── Bridge ──────────────────────────────────────────────────────────────────

// JobsClassified tracks classifier outcomes by target and reason.
var JobsClassified = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "arcnet",
	Name:      "jobs_classified_total",
	Help:      "Total training jobs classified by target and reason.",
}, []string{"target", "reason"})

// TransferRetries tracks pending-loop re-queues by poll status.
var TransferRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "arcnet",
	Name:      "transfer_retries_total",
	Help:      "Total pending-loop re-queues by observed poll status.",
}, []string{"status"})

// CircuitBreakerState tracks the transfer API circuit breaker's state
// (0=closed, 1=open, 2=half_open).
var CircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "arcnet",
	Name:      "transfer_circuit_breaker_state",
	Help:      "Transfer API circuit breaker state (0=closed, 1=open, 2=half_open).",
})

// ─── Regional state / aggregator ────────────────────────────────────────────

// ActiveNodes tracks the live node count per geozone, refreshed each
// aggregator tick.
var ActiveNodes = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "arcnet",
	Name:      "active_nodes",
	Help:      "Live node count per geozone, from the most recent aggregator tick.",
}, []string{"geozone"})

// AggregatorTickFailures tracks compute failures that were logged but
// did not halt the ticker.
var AggregatorTickFailures = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "arcnet",
	Name:      "aggregator_tick_failures_total",
	Help:      "Total per-geozone compute failures during aggregator ticks.",
})

// OperationOutcomes tracks success/failure for any Instrument-wrapped
// operation, labeled by the caller-chosen operation name.
var OperationOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "arcnet",
	Name:      "operation_outcomes_total",
	Help:      "Total outcomes of Instrument-wrapped operations, by operation and outcome.",
}, []string{"operation", "outcome"})

// Instrument wraps fn, recording its duration in hist and its
// success/failure in OperationOutcomes labeled by operation, so callers
// get timing and outcome tracking without threading metrics calls
// through business logic.
func Instrument(hist prometheus.Histogram, operation string, fn func() error) error {
	timer := prometheus.NewTimer(hist)
	err := fn()
	timer.ObserveDuration()

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	OperationOutcomes.WithLabelValues(operation, outcome).Inc()
	return err
}
