package peersync

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"
)

// backfillWorkers bounds how many distinct records a backfill page applies
// concurrently, grounded on the teacher's TransferManager.dispatchPool
// (internal/sync/transfer.go), generalized from bounded file-transfer
// dispatch to bounded per-record apply dispatch.
const backfillWorkers = 8

// BuildBackfillRequest reports, per resource type, the watermark this
// device has recorded for what it has durably applied from peerDeviceUUID,
// so that peer can answer with the entries after it (spec.md §4.7
// backfill step 1). Resource types with no recorded watermark are omitted.
func (e *Engine) BuildBackfillRequest(ctx context.Context, peerDeviceUUID string) (BackfillRequestPayload, error) {
	watermarks := make(map[string]string, len(resourceTypes))

	for _, rt := range resourceTypes {
		ts, ok, err := e.peerLog.GetWatermark(ctx, peerDeviceUUID, rt)
		if err != nil {
			return BackfillRequestPayload{}, err
		}

		if ok {
			watermarks[rt] = ts
		}
	}

	return BackfillRequestPayload{Watermarks: watermarks}, nil
}

// runBackfill exchanges a backfill request at session start so a
// reconnecting peer catches up on anything it missed while disconnected,
// before steady-state broadcast traffic begins.
func (e *Engine) runBackfill(ctx context.Context, peerDeviceUUID string, t Transport) error {
	req, err := e.BuildBackfillRequest(ctx, peerDeviceUUID)
	if err != nil {
		return err
	}

	return t.Send(ctx, WireMessage{Kind: KindBackfillRequest, Payload: mustMarshal(&req)})
}

// BuildBackfillPage answers a peer's BackfillRequestPayload with the next
// page of entries after the lowest watermark the requester reported across
// all resource types (spec.md §4.7 backfill step 2). Using the minimum
// rather than per-type cursors means some already-applied entries may be
// resent; ApplyRemoteChange and AppendRemote are both idempotent, so that
// is a correctness no-op, at the cost of occasionally re-sending entries
// the peer already has — the per-resource_type watermark table exists for
// steady-state broadcast acking, not for slicing the backfill cursor.
func (e *Engine) BuildBackfillPage(ctx context.Context, req BackfillRequestPayload, cursor string) (BackfillPagePayload, error) {
	after := cursor
	if after == "" {
		after = lowestWatermark(req.Watermarks)
	}

	entries, err := e.peerLog.Since(ctx, after, e.cfg.BackfillPageSize)
	if err != nil {
		return BackfillPagePayload{}, err
	}

	page := make([]PeerLogEntry, len(entries))
	for i, entry := range entries {
		page[i] = PeerLogEntry{
			HLC:        entry.HLC,
			ModelType:  entry.ModelType,
			RecordUUID: entry.RecordUUID,
			ChangeType: string(entry.ChangeType),
			Data:       entry.Data,
			CreatedAt:  entry.CreatedAt,
		}
	}

	hasMore := len(entries) == e.cfg.BackfillPageSize

	return BackfillPagePayload{Entries: page, HasMore: hasMore}, nil
}

func lowestWatermark(watermarks map[string]string) string {
	lowest := ""

	for _, ts := range watermarks {
		if lowest == "" || ts < lowest {
			lowest = ts
		}
	}

	return lowest
}

// HandleBackfillPage applies one page of backfill entries and returns an
// ack covering the highest hlc in the page. Entries are grouped by
// record_uuid so changes to the same record apply in wire order (later
// supersedes earlier via applyInboundEntry's HLC comparison, but applying
// out of order would make an intermediate state briefly visible); distinct
// records apply concurrently through a bounded errgroup.
func (e *Engine) HandleBackfillPage(ctx context.Context, senderDeviceUUID string, page BackfillPagePayload) (BackfillAckPayload, error) {
	e.applyMu.Lock()
	defer e.applyMu.Unlock()

	groups := groupByRecord(page.Entries)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(backfillWorkers)

	for _, group := range groups {
		group := group

		g.Go(func() error {
			for _, entry := range group {
				if err := e.applyInboundEntry(gctx, senderDeviceUUID, entry); err != nil {
					return err
				}
			}

			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return BackfillAckPayload{}, err
	}

	var upTo string
	for _, entry := range page.Entries {
		if entry.HLC > upTo {
			upTo = entry.HLC
		}
	}

	return BackfillAckPayload{UpToHLC: upTo}, nil
}

// groupByRecord partitions entries by RecordUUID while preserving each
// group's relative wire order, and returns the groups in a deterministic
// order (sorted by record uuid) so tests are reproducible.
func groupByRecord(entries []PeerLogEntry) [][]PeerLogEntry {
	order := make([]string, 0)
	byRecord := make(map[string][]PeerLogEntry)

	for _, entry := range entries {
		if _, ok := byRecord[entry.RecordUUID]; !ok {
			order = append(order, entry.RecordUUID)
		}

		byRecord[entry.RecordUUID] = append(byRecord[entry.RecordUUID], entry)
	}

	sort.Strings(order) // stable, deterministic iteration independent of map order

	groups := make([][]PeerLogEntry, 0, len(order))
	for _, uuid := range order {
		groups = append(groups, byRecord[uuid])
	}

	return groups
}
