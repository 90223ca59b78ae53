// Package observability defines the Prometheus metrics for the round engine
// and the credit ledger. Metrics are package vars registered via promauto and
// exposed through the API server's /metrics endpoint when enabled.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Round Metrics ──────────────────────────────────────────────────────────

// RoundsStarted tracks rounds accepted for execution.
var RoundsStarted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "parley",
	Subsystem: "rounds",
	Name:      "started_total",
	Help:      "Total rounds accepted for execution.",
})

// RoundsCompleted tracks rounds that reached the complete phase.
var RoundsCompleted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "parley",
	Subsystem: "rounds",
	Name:      "completed_total",
	Help:      "Total rounds that reached the complete phase.",
})

// RoundsCanceled tracks rounds stopped by explicit user cancellation.
var RoundsCanceled = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "parley",
	Subsystem: "rounds",
	Name:      "canceled_total",
	Help:      "Total rounds stopped by user cancellation.",
})

// RoundsActive tracks rounds currently executing in the background runner.
var RoundsActive = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "parley",
	Subsystem: "rounds",
	Name:      "active",
	Help:      "Rounds currently executing.",
})

// PhaseDuration tracks how long each round phase takes.
var PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "parley",
	Subsystem: "rounds",
	Name:      "phase_duration_seconds",
	Help:      "Duration of each round phase.",
	Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
}, []string{"phase"})

// ParticipantOutcomes tracks terminal participant statuses.
var ParticipantOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "parley",
	Subsystem: "rounds",
	Name:      "participant_outcomes_total",
	Help:      "Terminal participant statuses by outcome.",
}, []string{"status"})

// PreSearchOutcomes tracks pre-search stage results.
var PreSearchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "parley",
	Subsystem: "rounds",
	Name:      "pre_search_outcomes_total",
	Help:      "Pre-search stage results (complete, failed, timeout).",
}, []string{"outcome"})

// ─── Ledger Metrics ─────────────────────────────────────────────────────────

// ReservationsCreated tracks credit holds placed.
var ReservationsCreated = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "parley",
	Subsystem: "ledger",
	Name:      "reservations_total",
	Help:      "Total credit reservations placed.",
})

// ReservationsResolved tracks reservation resolutions by terminal status.
var ReservationsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "parley",
	Subsystem: "ledger",
	Name:      "reservations_resolved_total",
	Help:      "Reservations resolved, by finalized/released.",
}, []string{"status"})

// LedgerConflicts tracks optimistic-concurrency retries on balance writes.
var LedgerConflicts = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "parley",
	Subsystem: "ledger",
	Name:      "version_conflicts_total",
	Help:      "Balance writes that lost the version race and retried.",
})

// InsufficientCredits tracks reservations rejected for lack of credits.
var InsufficientCredits = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "parley",
	Subsystem: "ledger",
	Name:      "insufficient_credits_total",
	Help:      "Reservations rejected because available credits were short.",
})
