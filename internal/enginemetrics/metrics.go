// Cartographus - Media Server Analytics and Geographic Visualization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/cartographus

// Package enginemetrics provides Prometheus instrumentation for the registry engine:
// event append throughput, applier dispatch outcomes, Merkle recomputation cost, sync
// batch results, and duplicate-record lifecycle. Adapted from the teacher's
// internal/metrics package (same promauto style), re-scoped to this engine's domain.
package enginemetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsAppended counts events durably appended to the event log (post idempotency
	// filtering — re-submissions that were silently dropped do not increment this).
	EventsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Name: "registry_events_appended_total",
		Help: "Total number of events durably appended to the event log.",
	})

	// ApplierDispatch counts applier invocations by event type and outcome.
	ApplierDispatch = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_applier_dispatch_total",
		Help: "Total applier dispatches by event type and outcome.",
	}, []string{"type", "outcome"}) // outcome: applied, rejected, unknown_type, idempotent

	// MerkleRecomputeDuration times the cost of recomputing the Merkle root on append.
	MerkleRecomputeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "registry_merkle_recompute_duration_seconds",
		Help:    "Duration of Merkle root recomputation on event append.",
		Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	})

	// SyncBatches counts push/pull batches by direction and outcome.
	SyncBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_sync_batches_total",
		Help: "Total sync batches by direction and outcome.",
	}, []string{"direction", "outcome"}) // direction: push_internal, pull_internal, push_external, pull_external; outcome: ok, conflict, network_error, unauthorized

	// SyncRetries counts backoff retry attempts during sync network calls.
	SyncRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "registry_sync_retries_total",
		Help: "Total retry attempts during sync network calls.",
	}, []string{"direction"})

	// DuplicatesOpened counts potential-duplicate records newly recorded.
	DuplicatesOpened = promauto.NewCounter(prometheus.CounterOpts{
		Name: "registry_duplicates_opened_total",
		Help: "Total potential-duplicate records opened.",
	})

	// DuplicatesResolved counts resolve-duplicate events applied.
	DuplicatesResolved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "registry_duplicates_resolved_total",
		Help: "Total potential-duplicate records resolved.",
	})
)

// ObserveMerkleRecompute records how long a Merkle root recomputation took.
func ObserveMerkleRecompute(d time.Duration) {
	MerkleRecomputeDuration.Observe(d.Seconds())
}
