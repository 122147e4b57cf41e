package types

import "errors"

// Sentinel errors for the §7 error kinds. Host code checks these with
// errors.Is rather than comparing message strings.
var (
	// ErrBindFailed is returned by Bind when the transport could not
	// open the UDP port.
	ErrBindFailed = errors.New("lockstep: bind failed")

	// ErrHandshakeTimeout is returned by Create/Join when the handshake
	// did not complete within the caller's timeout.
	ErrHandshakeTimeout = errors.New("lockstep: handshake timeout")

	// ErrHandshakeRejected is returned by Join when the host replied Deny.
	ErrHandshakeRejected = errors.New("lockstep: handshake rejected")

	// ErrInvalidState is raised by Set/Get when the session is not Ready,
	// or a Get is unblocked by a concurrent shutdown.
	ErrInvalidState = errors.New("lockstep: invalid session state")

	// ErrMalformedMessage is returned by the wire codec on decode failure.
	// It is logged and dropped by the core; it never poisons the session.
	ErrMalformedMessage = errors.New("lockstep: malformed message")
)
