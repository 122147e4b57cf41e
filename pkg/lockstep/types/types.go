// Package types holds the data model shared by every lockstep package:
// endpoints, sides, the wire message union and the host-supplied codecs
// that keep the core blind to the shape of a concrete frame payload.
package types

import (
	"fmt"
	"net"
)

// Endpoint is an IPv4 address plus a UDP port. It is comparable so it can
// be used directly as a map key for the peer roster and the side table.
type Endpoint struct {
	IP   [4]byte
	Port uint16
}

// NewEndpoint builds an Endpoint from a *net.UDPAddr, truncating to IPv4.
func NewEndpoint(addr *net.UDPAddr) (Endpoint, error) {
	v4 := addr.IP.To4()
	if v4 == nil {
		return Endpoint{}, fmt.Errorf("lockstep: address %s is not IPv4", addr.IP)
	}
	var ep Endpoint
	copy(ep.IP[:], v4)
	ep.Port = uint16(addr.Port)
	return ep, nil
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%d.%d.%d.%d:%d", e.IP[0], e.IP[1], e.IP[2], e.IP[3], e.Port)
}

// UDPAddr converts the endpoint back into the net package's address type.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(e.IP[0], e.IP[1], e.IP[2], e.IP[3]), Port: int(e.Port)}
}

// Less gives endpoints a total order: IP bytes first, then port.
func (e Endpoint) Less(o Endpoint) bool {
	for i := range e.IP {
		if e.IP[i] != o.IP[i] {
			return e.IP[i] < o.IP[i]
		}
	}
	return e.Port < o.Port
}

// Side identifies a peer within the session, 0..N-1. Side 0 is the creator.
type Side uint8

// SessionState is the session-wide state machine (spec.md §3, §4.6).
type SessionState uint8

const (
	StateNone SessionState = iota
	StateWait
	StatePing
	StateInfo
	StateDelay
	StateReady
	StateDeny
)

func (s SessionState) String() string {
	switch s {
	case StateNone:
		return "None"
	case StateWait:
		return "Wait"
	case StatePing:
		return "Ping"
	case StateInfo:
		return "Info"
	case StateDelay:
		return "Delay"
	case StateReady:
		return "Ready"
	case StateDeny:
		return "Deny"
	default:
		return "Unknown"
	}
}

// MessageType tags the control-message union (spec.md §3, §6).
type MessageType uint8

const (
	MsgNone MessageType = iota
	MsgFrame
	MsgPing
	MsgJoin
	MsgDeny
	MsgInfo
	MsgWait
	MsgDelay
	MsgReady
)

func (t MessageType) String() string {
	switch t {
	case MsgNone:
		return "None"
	case MsgFrame:
		return "Frame"
	case MsgPing:
		return "Ping"
	case MsgJoin:
		return "Join"
	case MsgDeny:
		return "Deny"
	case MsgInfo:
		return "Info"
	case MsgWait:
		return "Wait"
	case MsgDelay:
		return "Delay"
	case MsgReady:
		return "Ready"
	default:
		return "Unknown"
	}
}

// Message is the tagged union exchanged on the wire (spec.md §3, §6).
// Only the fields relevant to Type are populated by the codec; the rest
// carry their zero value.
type Message struct {
	Type MessageType

	// State carries the host's opaque fingerprint. Populated on Join,
	// Deny and Info.
	State []byte

	// HostEndpoint is the joiner's view of the host's own endpoint,
	// populated on Join.
	HostEndpoint Endpoint

	// FrameID and Payload are populated on Frame.
	FrameID int64
	Payload []byte

	// RandSeed, Side and Endpoints are populated on Info.
	RandSeed  uint32
	Side      Side
	Endpoints []Endpoint

	// PeersNeeded/PeersCount are populated on Wait (reserved, unused on
	// the wire by the core per spec.md §3).
	PeersNeeded uint8
	PeersCount  uint8

	// Delay is populated on Delay.
	Delay uint8
}

// PayloadCodec lets the host plug in its own fixed-schema frame payload
// without the core ever inspecting its bytes beyond length and equality.
// Default is the codec-defined neutral input used before delay ramps up
// (spec.md §6, "Default input").
type PayloadCodec interface {
	Encode(payload []byte) []byte
	Decode(raw []byte) ([]byte, error)
	Default() []byte
	Size() int
}

// StateChecker compares a local and remote state fingerprint and reports
// whether the peer should be accepted (spec.md §3, "State fingerprint").
type StateChecker func(local, remote []byte) bool

// PeerStats is the transport's RTT estimate for one endpoint (spec.md §4.2).
type PeerStats struct {
	RTTAvgMillis int64
}

// Stats are the session's exported counters (spec.md §3 "Counters", plus
// the original's unused `_counter`, supplemented here as a real metric
// feed instead of dead state — see SPEC_FULL.md §7).
type Stats struct {
	PacketsReceived uint64
	PacketsSent     uint64
	PacketsDropped  uint64
}
