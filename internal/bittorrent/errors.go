package bittorrent

import "fmt"

// ProtocolError is fatal for the connection it was raised on: the session
// must be closed, Picker.CancelAll invoked, and a peer_disconnected event
// published. There is no retry at this layer.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Reason
}

func newProtocolError(format string, args ...interface{}) *ProtocolError {
	return &ProtocolError{Reason: fmt.Sprintf(format, args...)}
}

// TransientTransportError is raised by the Transport collaborator. This
// layer treats it identically to a ProtocolError: no retry, immediate
// close. Reconnection, if any, is a higher-layer policy.
type TransientTransportError struct {
	Reason string
}

func (e *TransientTransportError) Error() string {
	return "transport error: " + e.Reason
}

// InvariantViolation marks a bug: a routing-table or bitfield invariant was
// broken. The owning TorrentContext must be poisoned (refuse new
// connections, mark for shutdown) rather than silently continuing.
type InvariantViolation struct {
	Reason string
}

func (e *InvariantViolation) Error() string {
	return "invariant violation: " + e.Reason
}

func newInvariantViolation(format string, args ...interface{}) *InvariantViolation {
	return &InvariantViolation{Reason: fmt.Sprintf(format, args...)}
}
