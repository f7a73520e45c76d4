package wlclient

import (
	"errors"
	"fmt"

	"github.com/gowayland/wlrt/wire"
)

// Sentinel errors for conditions with no payload worth attaching.
var (
	ErrNotConnected    = errors.New("wlclient: not connected")
	ErrNoWaylandSocket = errors.New("wlclient: no wayland socket found")
	ErrConnectionClosed = errors.New("wlclient: connection closed")
)

// DisplayError mirrors the wl_display.error event verbatim: the
// offending object, the compositor-defined error code for that object's
// interface, and a human-readable message. It is fatal — once the
// compositor sends one, the connection is assumed unusable, matching
// how a real compositor behaves (it closes the socket immediately
// after).
type DisplayError struct {
	ObjectID  wire.ObjectID
	Code      uint32
	Message   string
	ErrorName string // symbolic name from the offending interface's "error" enum, if it has one
}

func (e *DisplayError) Error() string {
	if e.ErrorName != "" {
		return fmt.Sprintf("wlclient: display error on object %d, code %d (%s): %s", e.ObjectID, e.Code, e.ErrorName, e.Message)
	}
	return fmt.Sprintf("wlclient: display error on object %d, code %d: %s", e.ObjectID, e.Code, e.Message)
}

// UnknownObjectError is queued in place of a handler invocation when an
// event names an object id the registry has no record of — the object
// may have already been destroyed, or the id may be bogus. It is
// queued on the default queue, not returned from the receive path, so
// DispatchPending surfaces it in order with the surrounding events. Any
// fds such an event carried are not claimed from the transport's fd
// queue, since without the object's interface their count is unknown.
type UnknownObjectError struct {
	ObjectID wire.ObjectID
	Opcode   wire.Opcode
}

func (e *UnknownObjectError) Error() string {
	return fmt.Sprintf("wlclient: event for unknown object %d (opcode %d)", e.ObjectID, e.Opcode)
}
