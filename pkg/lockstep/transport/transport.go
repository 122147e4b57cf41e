// Package transport is the thin contract over the external datagram
// channel (spec.md §4.2). The core only depends on the Transport
// interface; UDPTransport is the one concrete adapter shipped here,
// grounded on the teacher's ReliableTransport (pkg/mcast/core/transport.go)
// but rebuilt over net.UDPConn instead of relt, since spec.md §1 scopes
// the serialization/transport primitives as an external collaborator that
// this module still has to supply something real for.
package transport

import (
	"github.com/shoryunet/lockstep/pkg/lockstep/types"
)

// ReceiveHandler is invoked on a transport I/O goroutine for every decoded
// inbound message (spec.md §4.2).
type ReceiveHandler func(ep types.Endpoint, msg types.Message)

// ErrorHandler is invoked on transport-level errors. Per spec.md §7 these
// are logged, not fatal — the handshake's own timeout is the authority.
type ErrorHandler func(err error)

// Transport is the contract the core (C3/C5) consumes. All operations are
// non-blocking unless documented otherwise.
type Transport interface {
	// Start binds the UDP port and spins up workerCount read goroutines
	// (UDPTransport starts one when workerCount is below 1).
	Start(port int, workerCount int) error

	// Stop unbinds and releases all transport goroutines.
	Stop()

	// Queue appends msg to ep's outbound queue without sending it.
	Queue(ep types.Endpoint, msg types.Message)

	// Send flushes ep's outbound queue and returns how many messages are
	// still pending (unacknowledged by the transport's own reliability
	// hint). Zero means everything so far is acknowledged.
	Send(ep types.Endpoint) int

	// SendWithJitter is the test hook from spec.md §4.2: flushes ep's
	// queue as Send does, but injects delayMs of latency and drops
	// outbound datagrams with probability lossPermille/1000.
	SendWithJitter(ep types.Endpoint, delayMs int, lossPermille int) int

	// Peer reports the transport's current RTT estimate for ep.
	Peer(ep types.Endpoint) types.PeerStats

	// SetReceiveHandler installs the callback for decoded inbound
	// messages. Passing nil disables dispatch.
	SetReceiveHandler(handler ReceiveHandler)

	// SetErrorHandler installs the callback for transport-level errors.
	SetErrorHandler(handler ErrorHandler)

	// LocalPort reports the bound UDP port, or 0 if not started.
	LocalPort() int
}
