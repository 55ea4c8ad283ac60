// Package ipamerr defines the sentinel errors surfaced by the allocator,
// store and dispatcher packages.
package ipamerr

import "errors"

var (
	// ErrStoreUnavailable is returned when a coordination-store RPC fails
	// at the transport level.
	ErrStoreUnavailable = errors.New("consul-ipam: coordination store unavailable")

	// ErrSessionLost is returned when a session renewal is rejected
	// because the store reports the session has expired. It is fatal to
	// the daemon.
	ErrSessionLost = errors.New("consul-ipam: session lost")

	// ErrExhausted is returned when no free address remains in a
	// requested CIDR.
	ErrExhausted = errors.New("consul-ipam: address pool exhausted")

	// ErrReleaseFailed is returned when a release or delete RPC fails.
	// The caller (container runtime) may retry DEL.
	ErrReleaseFailed = errors.New("consul-ipam: release failed")

	// ErrBadRequest is returned for a malformed network configuration,
	// an unparseable subnet, or missing required environment variables.
	// The dispatcher logs a malformed request line or an unknown command
	// and closes the connection without a response.
	ErrBadRequest = errors.New("consul-ipam: bad request")
)
