package transport

import "errors"

// Error kinds surfaced by the transport layer. OS-origin errors (routing
// queries, socket options, bind) are wrapped, not replaced, so callers can
// still match them with errors.Is.
var (
	// ErrAlreadyComplete is returned for an empty packet chain; the caller
	// need not act.
	ErrAlreadyComplete = errors.New("transport: nothing to send")

	// ErrInsufficientResources is returned when the async dispatch queue is
	// full; the caller should back off.
	ErrInsufficientResources = errors.New("transport: insufficient resources")

	// ErrNetworkUnreachable is returned when no socket of the required
	// family is currently bound.
	ErrNetworkUnreachable = errors.New("transport: network unreachable")

	// ErrBadNetworkPath is returned when no OS route matches the
	// destination.
	ErrBadNetworkPath = errors.New("transport: no route to destination")

	// ErrInvalidAddress is returned for a malformed incoming datagram.
	ErrInvalidAddress = errors.New("transport: invalid address")

	// ErrInvalidParameter is returned for a malformed peer endpoint.
	ErrInvalidParameter = errors.New("transport: invalid parameter")
)
