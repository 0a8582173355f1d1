package peersync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// SyncMetricsSnapshot is published to internal/eventbus whenever a peer's
// connection status changes, so a UI or CLI status command can subscribe
// instead of polling the prometheus endpoint (spec.md §5's eventbus is the
// in-process fanout; the /metrics endpoint below is the out-of-process
// one).
type SyncMetricsSnapshot struct {
	LibraryUUID string
	PeerStatus  map[string]PeerStatus
}

// metricsRecorder is the only part of internal/peersync that imports
// github.com/prometheus/client_golang, the teacher's go.mod dependency
// that otherwise had no calling code anywhere in the pack it was drawn
// from; wired here to the sync engine's apply/broadcast counters, the
// concern prometheus.Registerer exists to serve.
type metricsRecorder struct {
	entriesApplied   prometheus.Counter
	entriesSkipped   prometheus.Counter
	applyFailures    prometheus.Counter
	broadcastsSent   prometheus.Counter
	broadcastsFailed prometheus.Counter
}

// newMetricsRecorder registers the sync engine's counters against reg and
// returns a recorder bound to them. Pass prometheus.NewRegistry() in
// production, or a fresh registry per test to avoid cross-test collisions.
func newMetricsRecorder(reg prometheus.Registerer) *metricsRecorder {
	m := &metricsRecorder{
		entriesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "libraryd",
			Subsystem: "sync",
			Name:      "entries_applied_total",
			Help:      "Inbound peer log entries applied to the library store.",
		}),
		entriesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "libraryd",
			Subsystem: "sync",
			Name:      "entries_skipped_stale_total",
			Help:      "Inbound peer log entries skipped because a newer change for the same record was already applied.",
		}),
		applyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "libraryd",
			Subsystem: "sync",
			Name:      "apply_failures_total",
			Help:      "Inbound apply attempts that failed with a storage error.",
		}),
		broadcastsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "libraryd",
			Subsystem: "sync",
			Name:      "broadcasts_sent_total",
			Help:      "Local changes successfully broadcast to a peer.",
		}),
		broadcastsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "libraryd",
			Subsystem: "sync",
			Name:      "broadcasts_failed_total",
			Help:      "Local changes that exhausted retries broadcasting to a peer.",
		}),
	}

	reg.MustRegister(m.entriesApplied, m.entriesSkipped, m.applyFailures, m.broadcastsSent, m.broadcastsFailed)

	return m
}

func (m *metricsRecorder) recordApplied()       { m.entriesApplied.Inc() }
func (m *metricsRecorder) recordSkippedStale()  { m.entriesSkipped.Inc() }
func (m *metricsRecorder) recordApplyFailure()  { m.applyFailures.Inc() }
func (m *metricsRecorder) recordBroadcastSent() { m.broadcastsSent.Inc() }
func (m *metricsRecorder) recordBroadcastFailed() {
	m.broadcastsFailed.Inc()
}

// NewMetricsRecorder is the exported constructor cmd/libraryd uses to wire
// a registry shared with the rest of the process's metrics.
func NewMetricsRecorder(reg prometheus.Registerer) *metricsRecorder { return newMetricsRecorder(reg) }
