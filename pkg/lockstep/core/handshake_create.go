package core

import (
	"math/rand"
	"time"

	"github.com/shoryunet/lockstep/pkg/lockstep/types"
)

// Create drives the host side of the handshake (spec.md §4.3.1): wait for
// playersNeeded-1 fresh Joins, broadcast Info, collect Delay proposals,
// average them, and broadcast the final Delay. timeout <= 0 waits
// indefinitely.
func (e *Engine) Create(playersNeeded int, state []byte, checker types.StateChecker, timeout time.Duration) (bool, error) {
	e.resetForHandshake()

	e.connMu.Lock()
	e.role = roleCreator
	e.localState = state
	e.stateChecker = checker
	e.playersNeeded = playersNeeded
	e.connMu.Unlock()
	e.setState(types.StateWait)

	handshakeStart := time.Now()
	deadline := time.Time{}
	if timeout > 0 {
		deadline = handshakeStart.Add(timeout)
	}

	for {
		if e.isShutdown() {
			e.failHandshake()
			return false, nil
		}
		if e.State() == types.StateReady {
			break
		}
		wait := 500 * time.Millisecond
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				e.failHandshake()
				return false, types.ErrHandshakeTimeout
			}
			if remaining < wait {
				wait = remaining
			}
		}
		e.gate.wait(wait)
	}

	// Readiness barrier (spec.md §4.3.1 step 7): keep flushing the
	// broadcast list until every peer has acked the final Delay.
	for {
		if e.isShutdown() {
			e.failHandshake()
			return false, nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			e.failHandshake()
			return false, types.ErrHandshakeTimeout
		}
		if e.sendAll() {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	e.connectionEstablished()
	e.metrics.HandshakeDuration.Observe(time.Since(handshakeStart).Seconds())
	e.logger.Infof("lockstep: session %s ready, %d peers, delay %d", e.sessionID, len(e.broadcastList()), e.Delay())
	return true, nil
}

// handleCreateMessage is the create-side receive path (spec.md §4.3.1
// steps 3-6), grounded on the original's create_recv_handler.
func (e *Engine) handleCreateMessage(ep types.Endpoint, msg types.Message) {
	e.connMu.Lock()
	defer e.connMu.Unlock()

	switch msg.Type {
	case types.MsgJoin:
		e.onCreateJoinLocked(ep, msg)
	case types.MsgPing:
		e.transport.Queue(ep, types.Message{Type: types.MsgNone})
		e.sendTo(ep)
	case types.MsgDelay:
		e.onCreateDelayLocked(ep, msg)
	}
}

// onCreateJoinLocked handles a Join: reject via Deny if the state
// fingerprint mismatches, otherwise record the peer and, once enough
// fresh Joins have accumulated, broadcast the roster via Info and
// transition to Ping (spec.md §4.3.1 steps 3-4).
func (e *Engine) onCreateJoinLocked(ep types.Endpoint, msg types.Message) {
	if e.stateChecker != nil && !e.stateChecker(e.localState, msg.State) {
		e.logger.Warnf("lockstep: denying join from %s, state mismatch", ep)
		e.transport.Queue(ep, types.Message{Type: types.MsgDeny, State: e.localState})
		e.sendTo(ep)
		delete(e.peerRecords, ep)
		return
	}

	now := time.Now()
	if rec, ok := e.peerRecords[ep]; ok {
		rec.state = types.MsgJoin
		rec.lastSeen = now
	} else {
		e.peerRecords[ep] = &peerRecord{state: types.MsgJoin, lastSeen: now}
	}

	if e.State() != types.StateWait {
		return
	}

	roster := candidateRoster(msg.HostEndpoint, e.peerRecords, e.playersNeeded, now)
	if len(roster) < e.playersNeeded {
		return
	}

	e.randSeed = uint32(now.UnixNano())
	e.rng = rand.New(rand.NewSource(int64(e.randSeed)))
	e.sides = sideMapFrom(roster)
	e.side = 0
	e.eps = withoutSelf(roster, 0)

	for i := 1; i < len(roster); i++ {
		info := types.Message{
			Type:      types.MsgInfo,
			RandSeed:  e.randSeed,
			Side:      types.Side(i),
			Endpoints: roster,
			State:     e.localState,
		}
		e.transport.Queue(roster[i], info)
		e.sendTo(roster[i])
	}
	e.setState(types.StatePing)
}

// onCreateDelayLocked records a peer's proposed delay and, once every
// non-creator peer has reported one, averages them and broadcasts the
// final Delay (spec.md §4.3.1 steps 5-6, §4.4).
func (e *Engine) onCreateDelayLocked(ep types.Endpoint, msg types.Message) {
	if e.State() != types.StatePing {
		return
	}
	rec, ok := e.peerRecords[ep]
	if !ok {
		rec = &peerRecord{}
		e.peerRecords[ep] = rec
	}
	rec.state = types.MsgDelay
	rec.reportedDelay = int(msg.Delay)

	needed := e.playersNeeded - 1
	reported := make([]int, 0, needed)
	for _, r := range e.peerRecords {
		if r.state == types.MsgDelay {
			reported = append(reported, r.reportedDelay)
		}
	}
	if len(reported) < needed {
		return
	}

	avg := averageDelay(reported, needed)
	e.frameMu.Lock()
	e.delay = avg
	e.frameMu.Unlock()

	final := types.Message{Type: types.MsgDelay, Delay: uint8(avg)}
	for _, peerEp := range e.eps {
		e.transport.Queue(peerEp, final)
	}
	e.setState(types.StateReady)
	e.gate.post()
}
