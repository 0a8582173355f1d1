package peersync

import (
	"context"
	"time"

	"github.com/tonimelisma/libraryd/internal/peerlog"
)

// maxBroadcastRetries bounds the retry loop per peer per entry, grounded
// on the teacher's graph.Client maxRetries, before the peer is counted as
// a failure toward quarantine rather than retried forever inline.
const maxBroadcastRetries = 5

// ObserveAppend implements peerlog.AppendObserver: every local mutation is
// broadcast to each currently-connected peer in its own goroutine so a slow
// or wedged peer cannot delay the others (spec.md §4.7: "every local
// mutation is broadcast to connected peers").
func (e *Engine) ObserveAppend(ctx context.Context, entry peerlog.Entry) {
	wire := PeerLogEntry{
		HLC:        entry.HLC,
		ModelType:  entry.ModelType,
		RecordUUID: entry.RecordUUID,
		ChangeType: string(entry.ChangeType),
		Data:       entry.Data,
		CreatedAt:  entry.CreatedAt,
	}

	e.mu.Lock()
	targets := make(map[string]Transport, len(e.transports))
	for id, t := range e.transports {
		targets[id] = t
	}
	e.mu.Unlock()

	for deviceUUID, t := range targets {
		go e.broadcastWithRetry(context.WithoutCancel(ctx), deviceUUID, t, wire)
	}
}

// broadcastWithRetry sends one entry to one peer, retrying with backoff on
// network failure. A run that exhausts its retries records a failure
// against the peer, which may quarantine it (spec.md §4.7), rather than
// retrying indefinitely against a peer that is simply gone.
func (e *Engine) broadcastWithRetry(ctx context.Context, deviceUUID string, t Transport, entry PeerLogEntry) {
	payload := BroadcastPayload{Entries: []PeerLogEntry{entry}}

	msg := WireMessage{Kind: KindBroadcast, Payload: mustMarshal(&payload)}

	for attempt := 0; attempt < maxBroadcastRetries; attempt++ {
		if err := t.Send(ctx, msg); err == nil {
			e.peers.setLastSentHLC(deviceUUID, entry.HLC)

			if e.metrics != nil {
				e.metrics.recordBroadcastSent()
			}

			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(e.backoff.delay(attempt)):
		}
	}

	status := e.peers.recordFailure(deviceUUID, quarantineThreshold)

	e.logger.Warn("peersync: broadcast exhausted retries", "peer", deviceUUID, "status", status)

	if e.metrics != nil {
		e.metrics.recordBroadcastFailed()
	}

	e.publishSnapshot()
}
