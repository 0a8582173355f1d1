package peersync

import (
	"context"

	"github.com/tonimelisma/libraryd/internal/hlc"
	"github.com/tonimelisma/libraryd/internal/peerlog"
)

// HandleBroadcast applies every entry in payload in order, serialized
// against every other session's inbound apply via applyMu (spec.md §4.7
// step "all inbound application for a library is serialized"), and returns
// an ack covering the highest hlc processed regardless of whether each
// entry was actually applied or skipped as stale, since both outcomes mean
// the sender no longer needs to redeliver it. A genuine storage failure
// aborts before producing an ack, so the sender's retry/backoff redelivers
// the whole batch.
func (e *Engine) HandleBroadcast(ctx context.Context, senderDeviceUUID string, payload BroadcastPayload) (AckPayload, error) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	var lastHLC string

	for _, entry := range payload.Entries {
		if err := e.applyInboundEntry(ctx, senderDeviceUUID, entry); err != nil {
			if e.metrics != nil {
				e.metrics.recordApplyFailure()
			}

			return AckPayload{}, err
		}

		lastHLC = entry.HLC
	}

	return AckPayload{UpToHLC: lastHLC}, nil
}

// applyInboundEntry implements spec.md §4.7's inbound apply steps: the
// local clock always advances past the incoming stamp first (H2), then the
// entry is applied to the library store only if it is newer than anything
// already recorded for that record uuid. A single strict-greater-than
// comparison on the HLC's total order (physical time, then counter, then
// device uuid as tiebreak) is enough to implement all three conflict rules
// spec.md lists for scalar fields, deletes-over-updates, and
// inserts-over-deletes: whichever change has the greater stamp is the one
// that should stand, and the HLC order already encodes that.
//
// Set-valued associations (entry tags, spec.md §8 S2) need no separate
// merge branch here: library.entryTagRecordUUID gives every (entry, tag)
// pairing its own record uuid, so two tags added concurrently to the same
// entry by different devices are two unrelated records that both pass this
// same "newer than latest for this record" check independently. The union
// falls out of the record granularity, not a special case in this method.
func (e *Engine) applyInboundEntry(ctx context.Context, senderDeviceUUID string, entry PeerLogEntry) error {
	stamp, err := hlc.ParseStamp(entry.HLC)
	if err != nil {
		return protocolErr("parse inbound hlc", err)
	}

	if _, err := e.clock.Update(stamp); err != nil {
		return err
	}

	latest, err := e.peerLog.LatestForRecord(ctx, entry.RecordUUID)
	if err != nil {
		return err
	}

	applied := latest == "" || entry.HLC > latest

	if applied {
		if err := e.libStore.ApplyRemoteChange(ctx, entry.ModelType, entry.RecordUUID, entry.ChangeType, entry.Data); err != nil {
			return err
		}

		if err := e.peerLog.AppendRemote(ctx, peerlog.Entry{
			HLC:        entry.HLC,
			ModelType:  entry.ModelType,
			RecordUUID: entry.RecordUUID,
			ChangeType: peerlog.ChangeType(entry.ChangeType),
			Data:       entry.Data,
			CreatedAt:  entry.CreatedAt,
		}); err != nil {
			return err
		}

		if e.metrics != nil {
			e.metrics.recordApplied()
		}
	} else if e.metrics != nil {
		e.metrics.recordSkippedStale()
	}

	return e.peerLog.UpsertWatermark(ctx, senderDeviceUUID, entry.ModelType, entry.HLC)
}
