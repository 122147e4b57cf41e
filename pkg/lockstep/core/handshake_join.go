package core

import (
	"math/rand"
	"time"

	"github.com/shoryunet/lockstep/pkg/lockstep/types"
)

// Join drives the joiner side of the handshake (spec.md §4.3.2): retransmit
// Join until Info or Deny arrives, ping every other roster peer 250 times
// at 17ms spacing to sample RTT, propose a delay to the host, then wait for the creator's final Delay
// and ack it with Ready. timeout <= 0 waits indefinitely.
func (e *Engine) Join(hostEp types.Endpoint, state []byte, checker types.StateChecker, timeout time.Duration) (bool, error) {
	e.resetForHandshake()

	e.connMu.Lock()
	e.role = roleJoiner
	e.localState = state
	e.stateChecker = checker
	e.hostEndpoint = hostEp
	e.connMu.Unlock()
	e.setState(types.StateNone)

	handshakeStart := time.Now()
	deadline := time.Time{}
	if timeout > 0 {
		deadline = handshakeStart.Add(timeout)
	}

	// Join phase: retransmit every 500ms until Info/Deny (spec.md §4.3.2
	// step 1).
	for e.State() != types.StateInfo {
		if e.isShutdown() {
			e.failHandshake()
			return false, nil
		}
		if e.State() == types.StateDeny {
			e.failHandshake()
			return false, types.ErrHandshakeRejected
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			e.failHandshake()
			return false, types.ErrHandshakeTimeout
		}
		e.transport.Queue(hostEp, types.Message{Type: types.MsgJoin, State: state, HostEndpoint: hostEp})
		e.sendTo(hostEp)
		e.gate.wait(500 * time.Millisecond)
	}

	// Ping phase: 250 pings at 17ms spacing samples RTT on every roster
	// peer (spec.md §4.3.2 step 2).
	for i := 0; i < 250; i++ {
		if e.isShutdown() {
			e.failHandshake()
			return false, nil
		}
		for _, ep := range e.broadcastList() {
			e.transport.Queue(ep, types.Message{Type: types.MsgPing})
			e.sendTo(ep)
		}
		time.Sleep(17 * time.Millisecond)
	}

	var maxRTT int64
	for _, ep := range e.broadcastList() {
		if stats := e.transport.Peer(ep); stats.RTTAvgMillis > maxRTT {
			maxRTT = stats.RTTAvgMillis
		}
	}
	proposed := proposedDelayFromRTT(maxRTT)
	e.transport.Queue(hostEp, types.Message{Type: types.MsgDelay, Delay: uint8(proposed)})

	// Delay phase: every 50ms flush to the host, re-queuing the proposal
	// until the transport first reports it acked, and keep waiting until
	// the creator's final Delay flips state to Ready (spec.md §4.3.2 step 3).
	acked := false
	for e.State() != types.StateReady {
		if e.isShutdown() {
			e.failHandshake()
			return false, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			e.failHandshake()
			return false, types.ErrHandshakeTimeout
		}
		if e.sendTo(hostEp) == 0 {
			acked = true
		}
		if !acked {
			e.transport.Queue(hostEp, types.Message{Type: types.MsgDelay, Delay: uint8(proposed)})
		}
		e.gate.wait(50 * time.Millisecond)
	}

	// Ready phase: retransmit Ready every 17ms until acked (spec.md §4.3.2
	// step 4).
	e.transport.Queue(hostEp, types.Message{Type: types.MsgReady})
	for {
		if e.sendTo(hostEp) == 0 {
			break
		}
		time.Sleep(17 * time.Millisecond)
	}

	e.connectionEstablished()
	e.metrics.HandshakeDuration.Observe(time.Since(handshakeStart).Seconds())
	e.logger.Infof("lockstep: session %s ready as side %d, delay %d", e.sessionID, e.Side(), e.Delay())
	return true, nil
}

// handleJoinMessage is the joiner-side receive path (spec.md §4.3.2),
// grounded on the original's join_recv_handler.
func (e *Engine) handleJoinMessage(ep types.Endpoint, msg types.Message) {
	e.connMu.Lock()
	isHost := ep == e.hostEndpoint
	e.connMu.Unlock()
	if !isHost {
		return
	}

	switch msg.Type {
	case types.MsgInfo:
		e.onJoinInfo(msg)
	case types.MsgDeny:
		e.setState(types.StateDeny)
		e.gate.post()
	case types.MsgDelay:
		if e.State() != types.StateReady {
			e.frameMu.Lock()
			e.delay = int(msg.Delay)
			e.frameMu.Unlock()
			e.setState(types.StateReady)
		}
		e.transport.Queue(ep, types.Message{Type: types.MsgReady})
		e.sendTo(ep)
		e.gate.post()
	case types.MsgPing:
		e.transport.Queue(ep, types.Message{Type: types.MsgNone})
		e.sendTo(ep)
	}
}

// onJoinInfo installs the roster the creator handed out and transitions
// to Info, unblocking the Join phase's wait loop (spec.md §4.3.2 step 1).
func (e *Engine) onJoinInfo(msg types.Message) {
	// The joiner's checker result is deliberately ignored here: only the
	// creator's check gates Deny (spec.md §9 design note, kept for parity
	// with the original).
	if e.stateChecker != nil {
		e.stateChecker(e.localState, msg.State)
	}

	e.connMu.Lock()
	e.side = msg.Side
	e.sides = sideMapFrom(msg.Endpoints)
	e.eps = withoutSelf(msg.Endpoints, e.side)
	e.randSeed = msg.RandSeed
	e.rng = rand.New(rand.NewSource(int64(msg.RandSeed)))
	e.connMu.Unlock()

	e.setState(types.StateInfo)
	e.gate.post()
}
