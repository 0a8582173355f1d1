package peersync

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
)

var errUnexpectedMessageType = errors.New("peersync: expected a binary websocket message")

// Transport sends and receives WireMessage envelopes over one peer
// session. Declared at the consumer per "accept interfaces, return
// structs" (mirrors the teacher's graph.TokenSource comment): engine.go
// depends only on this interface, never on *websocket.Conn directly, so
// tests substitute an in-memory pipe.
type Transport interface {
	Send(ctx context.Context, msg WireMessage) error
	Receive(ctx context.Context) (WireMessage, error)
	Close(ctx context.Context) error
}

// WebSocketTransport implements Transport over a single
// github.com/coder/websocket connection, framing each WireMessage as one
// binary websocket message (spec.md §6.1: "length-prefixed,
// canonical-binary-encoded").
type WebSocketTransport struct {
	conn *websocket.Conn
}

// NewWebSocketTransport wraps an already-established connection, either
// accepted server-side or dialed client-side.
func NewWebSocketTransport(conn *websocket.Conn) *WebSocketTransport {
	return &WebSocketTransport{conn: conn}
}

// DialWebSocket opens a client-side session to a peer at url.
func DialWebSocket(ctx context.Context, url string) (*WebSocketTransport, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, networkErr("dial", err)
	}

	conn.SetReadLimit(maxWireMessageBytes)

	return NewWebSocketTransport(conn), nil
}

// AcceptWebSocket upgrades an inbound HTTP request to a server-side
// session.
func AcceptWebSocket(w http.ResponseWriter, r *http.Request) (*WebSocketTransport, error) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return nil, networkErr("accept", err)
	}

	conn.SetReadLimit(maxWireMessageBytes)

	return NewWebSocketTransport(conn), nil
}

// maxWireMessageBytes bounds a single envelope, generous enough for a
// full broadcast batch or backfill page at the configured page size
// without allowing an unbounded allocation from a malformed peer.
const maxWireMessageBytes = 32 * 1024 * 1024

func (t *WebSocketTransport) Send(ctx context.Context, msg WireMessage) error {
	data, err := msg.MarshalMsg(nil)
	if err != nil {
		return protocolErr("marshal envelope", err)
	}

	if err := t.conn.Write(ctx, websocket.MessageBinary, data); err != nil {
		return networkErr("send", err)
	}

	return nil
}

func (t *WebSocketTransport) Receive(ctx context.Context) (WireMessage, error) {
	typ, data, err := t.conn.Read(ctx)
	if err != nil {
		return WireMessage{}, networkErr("receive", err)
	}

	if typ != websocket.MessageBinary {
		return WireMessage{}, protocolErr("receive", errUnexpectedMessageType)
	}

	var msg WireMessage
	if _, err := msg.UnmarshalMsg(data); err != nil {
		return WireMessage{}, err
	}

	return msg, nil
}

func (t *WebSocketTransport) Close(ctx context.Context) error {
	if err := t.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
		return networkErr("close", err)
	}

	return nil
}
