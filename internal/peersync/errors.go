package peersync

import (
	"errors"
	"fmt"
)

// Sentinel errors classified via errors.Is, matching spec.md §7's error
// taxonomy for the sync engine's portion of it (Network, Protocol;
// NotFound/Conflict/Storage are internal/library's and internal/peerlog's
// own concerns, surfaced here unwrapped when they bubble up).
var (
	ErrNetwork  = errors.New("peersync: network error")
	ErrProtocol = errors.New("peersync: protocol error")
	ErrClosed   = errors.New("peersync: session closed")
)

// Error wraps a peersync operation failure with the operation name and the
// classifying sentinel, the same single wrapping-struct pattern
// internal/library and internal/peerlog already use instead of ad hoc
// fmt.Errorf chains at call sites.
type Error struct {
	Op  string
	Kind error
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("peersync: %s: %v: %v", e.Op, e.Kind, e.Err)
	}

	return fmt.Sprintf("peersync: %s: %v", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Kind }

func networkErr(op string, err error) error {
	return &Error{Op: op, Kind: ErrNetwork, Err: err}
}

func protocolErr(op string, err error) error {
	return &Error{Op: op, Kind: ErrProtocol, Err: err}
}
