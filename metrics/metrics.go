// Package metrics exposes Prometheus counters for the blend engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Prometheus Metrics for Proposals and the Blend Ledger
// =============================================================================

var (
	// proposals counts optimizer runs.
	// Labels: strategy, outcome (satisfied, partial, empty, invalid)
	proposals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blend_engine",
		Subsystem: "optimizer",
		Name:      "proposals_total",
		Help:      "Total proposals built, by strategy and outcome",
	}, []string{"strategy", "outcome"})

	// proposalNotices counts advisory notices attached to proposals.
	// Labels: code
	proposalNotices = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blend_engine",
		Subsystem: "optimizer",
		Name:      "notices_total",
		Help:      "Total advisory notices attached to proposals",
	}, []string{"code"})

	// commits counts committed blends.
	commits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blend_engine",
		Subsystem: "ledger",
		Name:      "blends_committed_total",
		Help:      "Total blends committed",
	})

	// conflicts counts commits and reversals rejected by current state.
	// Labels: reason (duplicate_lot, batch_unavailable, expired_window)
	conflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "blend_engine",
		Subsystem: "ledger",
		Name:      "conflicts_total",
		Help:      "Total ledger operations rejected by a conflict",
	}, []string{"reason"})

	// reversals counts deleted blends.
	reversals = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blend_engine",
		Subsystem: "ledger",
		Name:      "blends_reverted_total",
		Help:      "Total blends deleted within the retention window",
	})

	// reversible is the number of blends still inside the retention window,
	// refreshed by the window monitor.
	reversible = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "blend_engine",
		Subsystem: "ledger",
		Name:      "reversible_blends",
		Help:      "Blends that can still be deleted",
	})

	// releaseFailures counts batches that could not be freed on reversal.
	releaseFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "blend_engine",
		Subsystem: "ledger",
		Name:      "release_failures_total",
		Help:      "Total batches left consumed after a reversal",
	})
)

// Outcome values for RecordProposal.
const (
	OutcomeSatisfied = "satisfied"
	OutcomePartial   = "partial"
	OutcomeEmpty     = "empty"
	OutcomeInvalid   = "invalid"
)

// Conflict reasons for RecordConflict.
const (
	ReasonDuplicateLot     = "duplicate_lot"
	ReasonBatchUnavailable = "batch_unavailable"
	ReasonExpiredWindow    = "expired_window"
)

func RecordProposal(strategy, outcome string, noticeCodes ...string) {
	proposals.WithLabelValues(strategy, outcome).Inc()
	for _, c := range noticeCodes {
		proposalNotices.WithLabelValues(c).Inc()
	}
}

func RecordCommit() { commits.Inc() }

func RecordConflict(reason string) { conflicts.WithLabelValues(reason).Inc() }

func RecordReversal() { reversals.Inc() }

func RecordReleaseFailure() { releaseFailures.Inc() }

func SetReversible(n int) { reversible.Set(float64(n)) }
