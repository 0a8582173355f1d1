// Package peersync implements the sync engine (C7): the peer wire
// protocol, outbound broadcast with retry, inbound apply with conflict
// resolution, and the backfill protocol (spec.md §4.7, §6.1).
//
// Grounded on the teacher's internal/graph.Client for retry/backoff shape
// and internal/sync's TransferManager for bounded-worker dispatch, both
// generalized from HTTP/Graph-API concerns to a persistent peer-to-peer
// session. Wire messages are MessagePack-encoded by hand via
// github.com/tinylib/msgp's runtime helpers, in the same style
// `go:generate msgp` produces (no code generator was run; these are
// written directly against msgp's Marshal/Unmarshal primitives).
package peersync

import (
	"fmt"
	"time"

	"github.com/tinylib/msgp/msgp"
)

// Kind discriminates a WireMessage's payload (spec.md §6.1).
type Kind uint8

const (
	KindBroadcast Kind = iota + 1
	KindAck
	KindBackfillRequest
	KindBackfillPage
	KindBackfillAck
	KindPeerHello
	KindPeerGoodbye
)

func (k Kind) String() string {
	switch k {
	case KindBroadcast:
		return "Broadcast"
	case KindAck:
		return "Ack"
	case KindBackfillRequest:
		return "BackfillRequest"
	case KindBackfillPage:
		return "BackfillPage"
	case KindBackfillAck:
		return "BackfillAck"
	case KindPeerHello:
		return "PeerHello"
	case KindPeerGoodbye:
		return "PeerGoodbye"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// WireMessage is the length-prefixed session envelope spec.md §6.1
// defines. Payload carries the kind-specific body, itself msgp-encoded by
// one of the payload types below; WireMessage does not know their shape,
// so a session can be read one envelope at a time before the kind-specific
// body is decoded.
type WireMessage struct {
	SessionID string
	Kind      Kind
	Payload   []byte
}

// MarshalMsg appends the msgp encoding of m to b.
func (m *WireMessage) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 3)
	o = msgp.AppendString(o, m.SessionID)
	o = msgp.AppendUint8(o, uint8(m.Kind))
	o = msgp.AppendBytes(o, m.Payload)

	return o, nil
}

// UnmarshalMsg decodes a WireMessage from the front of bts, returning the
// remaining bytes.
func (m *WireMessage) UnmarshalMsg(bts []byte) ([]byte, error) {
	sz, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return bts, protocolErr("decode envelope", err)
	}

	if sz != 3 {
		return bts, protocolErr("decode envelope", fmt.Errorf("expected 3 fields, got %d", sz))
	}

	m.SessionID, bts, err = msgp.ReadStringBytes(bts)
	if err != nil {
		return bts, protocolErr("decode envelope: session_id", err)
	}

	kind, bts, err := msgp.ReadUint8Bytes(bts)
	if err != nil {
		return bts, protocolErr("decode envelope: kind", err)
	}

	m.Kind = Kind(kind)

	m.Payload, bts, err = msgp.ReadBytesBytes(bts, nil)
	if err != nil {
		return bts, protocolErr("decode envelope: payload", err)
	}

	return bts, nil
}

// PeerLogEntry is the wire twin of peerlog.Entry. peersync does not import
// peerlog's Entry type directly into the wire format so the durable
// schema and the wire schema can evolve independently (spec.md draws
// them as separate concerns: §6.1 wire protocol vs §6.2 durable format).
type PeerLogEntry struct {
	HLC        string
	ModelType  string
	RecordUUID string
	ChangeType string
	Data       string
	CreatedAt  time.Time
}

func (e *PeerLogEntry) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 6)
	o = msgp.AppendString(o, e.HLC)
	o = msgp.AppendString(o, e.ModelType)
	o = msgp.AppendString(o, e.RecordUUID)
	o = msgp.AppendString(o, e.ChangeType)
	o = msgp.AppendString(o, e.Data)
	o = msgp.AppendTime(o, e.CreatedAt)

	return o, nil
}

func (e *PeerLogEntry) UnmarshalMsg(bts []byte) ([]byte, error) {
	sz, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return bts, protocolErr("decode peer log entry", err)
	}

	if sz != 6 {
		return bts, protocolErr("decode peer log entry", fmt.Errorf("expected 6 fields, got %d", sz))
	}

	if e.HLC, bts, err = msgp.ReadStringBytes(bts); err != nil {
		return bts, protocolErr("decode peer log entry: hlc", err)
	}

	if e.ModelType, bts, err = msgp.ReadStringBytes(bts); err != nil {
		return bts, protocolErr("decode peer log entry: model_type", err)
	}

	if e.RecordUUID, bts, err = msgp.ReadStringBytes(bts); err != nil {
		return bts, protocolErr("decode peer log entry: record_uuid", err)
	}

	if e.ChangeType, bts, err = msgp.ReadStringBytes(bts); err != nil {
		return bts, protocolErr("decode peer log entry: change_type", err)
	}

	if e.Data, bts, err = msgp.ReadStringBytes(bts); err != nil {
		return bts, protocolErr("decode peer log entry: data", err)
	}

	if e.CreatedAt, bts, err = msgp.ReadTimeBytes(bts); err != nil {
		return bts, protocolErr("decode peer log entry: created_at", err)
	}

	return bts, nil
}

// entriesMarshalMsg/entriesUnmarshalMsg encode a []PeerLogEntry as an
// array header followed by each entry in order; shared by Broadcast and
// BackfillPage payloads.
func entriesMarshalMsg(b []byte, entries []PeerLogEntry) []byte {
	o := msgp.AppendArrayHeader(b, uint32(len(entries)))
	for i := range entries {
		o, _ = entries[i].MarshalMsg(o)
	}

	return o
}

func entriesUnmarshalMsg(bts []byte) ([]PeerLogEntry, []byte, error) {
	sz, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return nil, bts, protocolErr("decode entries", err)
	}

	entries := make([]PeerLogEntry, sz)

	for i := range entries {
		bts, err = entries[i].UnmarshalMsg(bts)
		if err != nil {
			return nil, bts, err
		}
	}

	return entries, bts, nil
}

// BroadcastPayload carries 1..=N entries in strict hlc ascending order
// (spec.md §6.1).
type BroadcastPayload struct {
	Entries []PeerLogEntry
}

func (p *BroadcastPayload) MarshalMsg(b []byte) ([]byte, error) {
	return entriesMarshalMsg(b, p.Entries), nil
}

func (p *BroadcastPayload) UnmarshalMsg(bts []byte) ([]byte, error) {
	entries, bts, err := entriesUnmarshalMsg(bts)
	p.Entries = entries

	return bts, err
}

// AckPayload acknowledges everything up to and including UpToHLC.
type AckPayload struct {
	UpToHLC string
}

func (p *AckPayload) MarshalMsg(b []byte) ([]byte, error) {
	return msgp.AppendString(b, p.UpToHLC), nil
}

func (p *AckPayload) UnmarshalMsg(bts []byte) ([]byte, error) {
	s, bts, err := msgp.ReadStringBytes(bts)
	if err != nil {
		return bts, protocolErr("decode ack", err)
	}

	p.UpToHLC = s

	return bts, nil
}

// BackfillRequestPayload carries the joiner's current per-resource
// watermarks (spec.md §4.7 backfill step 1).
type BackfillRequestPayload struct {
	Watermarks map[string]string // model_type -> hlc
}

func (p *BackfillRequestPayload) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendMapHeader(b, uint32(len(p.Watermarks)))
	for k, v := range p.Watermarks {
		o = msgp.AppendString(o, k)
		o = msgp.AppendString(o, v)
	}

	return o, nil
}

func (p *BackfillRequestPayload) UnmarshalMsg(bts []byte) ([]byte, error) {
	sz, bts, err := msgp.ReadMapHeaderBytes(bts)
	if err != nil {
		return bts, protocolErr("decode backfill request", err)
	}

	watermarks := make(map[string]string, sz)

	for i := uint32(0); i < sz; i++ {
		var k, v string

		if k, bts, err = msgp.ReadStringBytes(bts); err != nil {
			return bts, protocolErr("decode backfill request: key", err)
		}

		if v, bts, err = msgp.ReadStringBytes(bts); err != nil {
			return bts, protocolErr("decode backfill request: value", err)
		}

		watermarks[k] = v
	}

	p.Watermarks = watermarks

	return bts, nil
}

// BackfillPagePayload carries one page of backfill entries plus whether
// more pages remain (spec.md §4.7 backfill step 2).
type BackfillPagePayload struct {
	Entries []PeerLogEntry
	HasMore bool
}

func (p *BackfillPagePayload) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 2)
	o = entriesMarshalMsg(o, p.Entries)
	o = msgp.AppendBool(o, p.HasMore)

	return o, nil
}

func (p *BackfillPagePayload) UnmarshalMsg(bts []byte) ([]byte, error) {
	sz, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return bts, protocolErr("decode backfill page", err)
	}

	if sz != 2 {
		return bts, protocolErr("decode backfill page", fmt.Errorf("expected 2 fields, got %d", sz))
	}

	entries, bts, err := entriesUnmarshalMsg(bts)
	if err != nil {
		return bts, err
	}

	p.Entries = entries

	if p.HasMore, bts, err = msgp.ReadBoolBytes(bts); err != nil {
		return bts, protocolErr("decode backfill page: has_more", err)
	}

	return bts, nil
}

// BackfillAckPayload acknowledges a backfill page up to UpToHLC.
type BackfillAckPayload struct {
	UpToHLC string
}

func (p *BackfillAckPayload) MarshalMsg(b []byte) ([]byte, error) {
	return msgp.AppendString(b, p.UpToHLC), nil
}

func (p *BackfillAckPayload) UnmarshalMsg(bts []byte) ([]byte, error) {
	s, bts, err := msgp.ReadStringBytes(bts)
	if err != nil {
		return bts, protocolErr("decode backfill ack", err)
	}

	p.UpToHLC = s

	return bts, nil
}

// PeerHelloPayload is exchanged at session establishment (spec.md §6.1);
// peers negotiate to the maximum common supported version or close the
// session.
type PeerHelloPayload struct {
	DeviceUUID        string
	LibraryUUIDs      []string
	SupportedVersions []int
}

func (p *PeerHelloPayload) MarshalMsg(b []byte) ([]byte, error) {
	o := msgp.AppendArrayHeader(b, 3)
	o = msgp.AppendString(o, p.DeviceUUID)

	o = msgp.AppendArrayHeader(o, uint32(len(p.LibraryUUIDs)))
	for _, u := range p.LibraryUUIDs {
		o = msgp.AppendString(o, u)
	}

	o = msgp.AppendArrayHeader(o, uint32(len(p.SupportedVersions)))
	for _, v := range p.SupportedVersions {
		o = msgp.AppendInt(o, v)
	}

	return o, nil
}

func (p *PeerHelloPayload) UnmarshalMsg(bts []byte) ([]byte, error) {
	sz, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return bts, protocolErr("decode peer hello", err)
	}

	if sz != 3 {
		return bts, protocolErr("decode peer hello", fmt.Errorf("expected 3 fields, got %d", sz))
	}

	if p.DeviceUUID, bts, err = msgp.ReadStringBytes(bts); err != nil {
		return bts, protocolErr("decode peer hello: device_uuid", err)
	}

	libSz, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return bts, protocolErr("decode peer hello: library_uuids", err)
	}

	p.LibraryUUIDs = make([]string, libSz)

	for i := range p.LibraryUUIDs {
		if p.LibraryUUIDs[i], bts, err = msgp.ReadStringBytes(bts); err != nil {
			return bts, protocolErr("decode peer hello: library_uuids", err)
		}
	}

	verSz, bts, err := msgp.ReadArrayHeaderBytes(bts)
	if err != nil {
		return bts, protocolErr("decode peer hello: supported_versions", err)
	}

	p.SupportedVersions = make([]int, verSz)

	for i := range p.SupportedVersions {
		if p.SupportedVersions[i], bts, err = msgp.ReadIntBytes(bts); err != nil {
			return bts, protocolErr("decode peer hello: supported_versions", err)
		}
	}

	return bts, nil
}

// PeerGoodbyePayload closes a session with an optional human-readable reason.
type PeerGoodbyePayload struct {
	Reason string
}

func (p *PeerGoodbyePayload) MarshalMsg(b []byte) ([]byte, error) {
	return msgp.AppendString(b, p.Reason), nil
}

func (p *PeerGoodbyePayload) UnmarshalMsg(bts []byte) ([]byte, error) {
	s, bts, err := msgp.ReadStringBytes(bts)
	if err != nil {
		return bts, protocolErr("decode peer goodbye", err)
	}

	p.Reason = s

	return bts, nil
}

// NegotiateVersion returns the maximum version present in both ours and
// theirs, or 0 and false if they share none (spec.md §6.1: "peers MUST
// negotiate to the maximum common one or close the session").
func NegotiateVersion(ours, theirs []int) (int, bool) {
	mine := make(map[int]bool, len(ours))
	for _, v := range ours {
		mine[v] = true
	}

	best := 0
	found := false

	for _, v := range theirs {
		if mine[v] && v > best {
			best = v
			found = true
		}
	}

	return best, found
}
