// Package metrics exposes the process's Prometheus instrumentation.
// Collectors are registered on the default registry; the debug server
// serves them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "feedcast"

var (
	// DispatchRuns counts run-once invocations by terminal outcome
	// (dispatched, lock_held, waiting, unavailable, error).
	DispatchRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "runs_total",
		Help:      "Dispatch run-once invocations by outcome.",
	}, []string{"outcome"})

	// Sends counts delivery attempts by result
	// (sent, requeued, failed, skipped).
	Sends = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "sends_total",
		Help:      "Queue entry delivery attempts by result.",
	}, []string{"result"})

	// SendDuration measures one transport send, pacing wait excluded.
	SendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "send_duration_seconds",
		Help:      "Transport send latency.",
		Buckets:   prometheus.DefBuckets,
	})

	// Edits counts post-send reconciliation edits by result (ok, failed).
	Edits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dispatch",
		Name:      "edits_total",
		Help:      "Post-send in-place edits by result.",
	}, []string{"result"})

	// Enqueued counts queue rows created, by strategy
	// (cursor, latest, missing).
	Enqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "enqueued_total",
		Help:      "Queue rows created by enqueue strategy.",
	}, []string{"strategy"})

	// PendingDepth is the current number of pending queue rows, refreshed
	// by the sweep.
	PendingDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "queue",
		Name:      "pending_depth",
		Help:      "Pending queue rows across all schedules.",
	})

	// Refreshes counts content source refresh passes by result (ok, error).
	Refreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "source",
		Name:      "refreshes_total",
		Help:      "Content source refresh passes by result.",
	}, []string{"result"})
)
