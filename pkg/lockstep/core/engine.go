// Package core implements the session state machine and frame exchange
// (spec.md §4 C3-C5): the create/join handshake, the delay negotiator,
// and the concurrent per-side frame table. Engine is the struct a host
// façade (pkg/lockstep) wraps; it is grounded on the teacher's Peer
// (pkg/mcast/core/peer.go) for its lock/goroutine discipline, generalized
// from go-mcast's group-multicast protocol to the handshake + frame
// exchange protocol spec.md actually describes.
package core

import (
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/shoryunet/lockstep/pkg/lockstep/definition"
	"github.com/shoryunet/lockstep/pkg/lockstep/transport"
	"github.com/shoryunet/lockstep/pkg/lockstep/types"
)

// NonBlocking is the Get() timeout sentinel for the non-blocking poll
// documented in spec.md §4.5/§9.
const NonBlocking time.Duration = -1

type role uint8

const (
	roleNone role = iota
	roleCreator
	roleJoiner
)

// Engine owns every piece of session substate (spec.md §4.6 "Session
// façade", §9 "Cyclic and shared state"): the handshake bookkeeping
// behind connMu, and the frame table behind frameMu/frameCond.
type Engine struct {
	transport transport.Transport
	codec     types.PayloadCodec
	logger    definition.Logger
	metrics   *definition.Metrics

	sessionID uuid.UUID

	// connMu guards handshake-phase substate: role, peer records, the
	// roster, and the side map. It is effectively-immutable once Ready
	// is observed by the host thread (spec.md §5).
	connMu        sync.Mutex
	role          role
	localState    []byte
	stateChecker  types.StateChecker
	playersNeeded int
	hostEndpoint  types.Endpoint
	peerRecords   map[types.Endpoint]*peerRecord
	eps           []types.Endpoint
	sides         map[types.Endpoint]types.Side
	side          types.Side
	randSeed      uint32
	rng           *rand.Rand

	state atomic.Int32 // types.SessionState, read/written independent of connMu (spec.md §9)
	gate  *connGate

	// frameMu/frameCond guard the frame table and the frame/delay
	// counters (spec.md §4.5, §5).
	frameMu            sync.Mutex
	frameCond          *sync.Cond
	frameTable         []map[int64][]byte
	firstReceivedFrame int64
	lastReceivedFrame  int64
	currentFrame       int64
	delay              int

	// jitterMu guards the send-jitter/loss injection knobs (spec.md
	// §4.6, SPEC_FULL.md §7).
	jitterMu     sync.Mutex
	sendDelayMin int
	sendDelayMax int
	packetLoss   int

	shutdownFlag atomic.Bool

	statsReceived atomic.Uint64
	statsSent     atomic.Uint64
	statsDropped  atomic.Uint64
}

// NewEngine constructs an Engine bound to the given transport and codec.
// logger/metrics may be nil; sensible defaults are substituted.
func NewEngine(t transport.Transport, codec types.PayloadCodec, logger definition.Logger, metrics *definition.Metrics) *Engine {
	if logger == nil {
		logger = definition.NewDefaultLogger()
	}
	if metrics == nil {
		metrics = definition.NewNoopMetrics()
	}
	e := &Engine{
		transport:          t,
		codec:              codec,
		logger:             logger,
		metrics:            metrics,
		gate:               newConnGate(),
		peerRecords:        make(map[types.Endpoint]*peerRecord),
		firstReceivedFrame: -1,
		lastReceivedFrame:  -1,
	}
	e.frameCond = sync.NewCond(&e.frameMu)
	e.state.Store(int32(types.StateNone))
	return e
}

// Bind opens the UDP port and installs the single state-keyed dispatcher
// (spec.md §4.2, §9 "Callback-driven dispatch" design note).
func (e *Engine) Bind(port int, workerCount int) error {
	e.transport.SetReceiveHandler(e.dispatch)
	e.transport.SetErrorHandler(e.handleTransportError)
	if err := e.transport.Start(port, workerCount); err != nil {
		return err
	}
	e.sessionID = uuid.New()
	e.logger.Infof("lockstep: bound session %s on port %d", e.sessionID, e.transport.LocalPort())
	return nil
}

// Unbind releases the UDP port.
func (e *Engine) Unbind() {
	e.logger.Infof("lockstep: unbinding session %s", e.sessionID)
	e.transport.Stop()
}

// SessionID is a log-correlation identifier, never serialized on the wire
// and never compared for protocol decisions (SPEC_FULL.md §5).
func (e *Engine) SessionID() uuid.UUID {
	return e.sessionID
}

// LocalPort reports the transport's bound UDP port.
func (e *Engine) LocalPort() int {
	return e.transport.LocalPort()
}

func (e *Engine) handleTransportError(err error) {
	e.logger.Errorf("transport error: %v", err)
	e.statsDropped.Add(1)
	e.metrics.PacketsDropped.Inc()
}

// dispatch is the single receive handler installed at Bind: it routes on
// the CURRENT session state rather than swapping function pointers,
// which removes the in-flight-callback race spec.md §9 flags against the
// original's handler-swapping design.
func (e *Engine) dispatch(ep types.Endpoint, msg types.Message) {
	e.statsReceived.Add(1)
	e.metrics.PacketsReceived.Inc()

	if e.State() == types.StateReady {
		e.handleFrameMessage(ep, msg)
		return
	}

	e.connMu.Lock()
	r := e.role
	e.connMu.Unlock()

	switch r {
	case roleCreator:
		e.handleCreateMessage(ep, msg)
	case roleJoiner:
		e.handleJoinMessage(ep, msg)
	case roleNone:
		// Post-shutdown or never-handshaken traffic; silently dropped,
		// matching the original's recv_hdl no-op for unknown endpoints.
	}
}

// State reports the session-wide state machine value (spec.md §3, §4.6).
func (e *Engine) State() types.SessionState {
	return types.SessionState(e.state.Load())
}

func (e *Engine) setState(s types.SessionState) {
	e.state.Store(int32(s))
}

func (e *Engine) isShutdown() bool {
	return e.shutdownFlag.Load()
}

// resetForHandshake clears all substate before a fresh Create/Join call,
// mirroring the original's try_prepare()/clear() (shoryu::session).
func (e *Engine) resetForHandshake() {
	e.gate.clear()

	e.connMu.Lock()
	e.role = roleNone
	e.peerRecords = make(map[types.Endpoint]*peerRecord)
	e.eps = nil
	e.sides = nil
	e.side = 0
	e.randSeed = 0
	e.rng = nil
	e.hostEndpoint = types.Endpoint{}
	e.connMu.Unlock()

	e.setState(types.StateNone)

	e.frameMu.Lock()
	e.firstReceivedFrame = -1
	e.lastReceivedFrame = -1
	e.currentFrame = 0
	e.delay = 0
	e.frameTable = nil
	e.frameMu.Unlock()

	e.shutdownFlag.Store(false)
}

// failHandshake reverts the session to None after a timeout or rejection
// (spec.md §4.3.1/§4.3.2 "Timeout policy").
func (e *Engine) failHandshake() {
	e.setState(types.StateNone)
	e.connMu.Lock()
	e.role = roleNone
	e.connMu.Unlock()
}

// connectionEstablished sizes the frame table once the handshake
// completes (spec.md §4.5 "Frame table"), mirroring the original's
// connection_established() resizing _frame_table to _eps.size()+1.
func (e *Engine) connectionEstablished() {
	n := len(e.broadcastList()) + 1
	e.frameMu.Lock()
	e.frameTable = make([]map[int64][]byte, n)
	for i := range e.frameTable {
		e.frameTable[i] = make(map[int64][]byte)
	}
	e.frameMu.Unlock()
}

// Shutdown is the only cancellation primitive (spec.md §5, §7): it is
// idempotent, flips the session back to None, wakes every blocked Get,
// and releases the handshake gate.
func (e *Engine) Shutdown() {
	if !e.shutdownFlag.CompareAndSwap(false, true) {
		return
	}
	e.setState(types.StateNone)
	e.frameMu.Lock()
	e.frameCond.Broadcast()
	e.frameMu.Unlock()
	e.gate.post()
}

// Side is the local peer's roster index (spec.md §3, "Peer roster").
func (e *Engine) Side() types.Side {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	return e.side
}

// Endpoints is the broadcast list: every roster peer except self
// (spec.md §3).
func (e *Engine) Endpoints() []types.Endpoint {
	return e.broadcastList()
}

func (e *Engine) broadcastList() []types.Endpoint {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	out := make([]types.Endpoint, len(e.eps))
	copy(out, e.eps)
	return out
}

// RandSeed is the creator-generated seed propagated via Info (spec.md §9
// "Global RNG seeding" design note — stored for the host's own use, never
// consumed internally for protocol decisions).
func (e *Engine) RandSeed() uint32 {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	return e.randSeed
}

// Frame is the local simulated frame counter.
func (e *Engine) Frame() int64 {
	e.frameMu.Lock()
	defer e.frameMu.Unlock()
	return e.currentFrame
}

// SetFrame seeks the local frame counter (spec.md §6 host-facing contract
// "frame(f)").
func (e *Engine) SetFrame(f int64) {
	e.frameMu.Lock()
	e.currentFrame = f
	e.frameMu.Unlock()
}

// NextFrame advances the local frame counter by one (spec.md §4.5).
func (e *Engine) NextFrame() {
	e.frameMu.Lock()
	e.currentFrame++
	e.frameMu.Unlock()
}

// Delay is the agreed input-delay in frames.
func (e *Engine) Delay() int {
	e.frameMu.Lock()
	defer e.frameMu.Unlock()
	return e.delay
}

// SetDelay overrides the negotiated delay (spec.md §6 "delay(d)").
func (e *Engine) SetDelay(d int) {
	e.frameMu.Lock()
	e.delay = d
	e.frameMu.Unlock()
}

// FirstReceivedFrame/LastReceivedFrame are the min/max observed peer
// frame_id, -1 if unseen (spec.md §3 "Counters").
func (e *Engine) FirstReceivedFrame() int64 {
	e.frameMu.Lock()
	defer e.frameMu.Unlock()
	return e.firstReceivedFrame
}

func (e *Engine) LastReceivedFrame() int64 {
	e.frameMu.Lock()
	defer e.frameMu.Unlock()
	return e.lastReceivedFrame
}

// Stats snapshots the session's packet counters (SPEC_FULL.md §7, which
// supplements the original's unused `_counter` with a real metric feed).
func (e *Engine) Stats() types.Stats {
	return types.Stats{
		PacketsReceived: e.statsReceived.Load(),
		PacketsSent:     e.statsSent.Load(),
		PacketsDropped:  e.statsDropped.Load(),
	}
}

// SetSendDelay configures the jitter-injection range applied by sendTo
// (spec.md §4.2 "test hook", §4.6).
func (e *Engine) SetSendDelay(minMs, maxMs int) {
	e.jitterMu.Lock()
	defer e.jitterMu.Unlock()
	e.sendDelayMin = minMs
	e.sendDelayMax = maxMs
}

// SetPacketLoss configures the loss-injection rate, in permille.
func (e *Engine) SetPacketLoss(permille int) {
	e.jitterMu.Lock()
	defer e.jitterMu.Unlock()
	e.packetLoss = permille
}

// sendTo flushes ep's outbound queue, applying jitter/loss injection if
// configured (spec.md §4.6 "send(ep)" dispatch between the plain and
// jittered transport calls).
func (e *Engine) sendTo(ep types.Endpoint) int {
	e.jitterMu.Lock()
	minMs, maxMs, loss := e.sendDelayMin, e.sendDelayMax, e.packetLoss
	e.jitterMu.Unlock()

	var pending int
	if loss == 0 && maxMs == 0 {
		pending = e.transport.Send(ep)
	} else {
		delayMs := minMs
		if maxMs > minMs {
			delayMs += rand.Intn(maxMs - minMs)
		}
		pending = e.transport.SendWithJitter(ep, delayMs, loss)
	}
	e.statsSent.Add(1)
	e.metrics.PacketsSent.Inc()
	return pending
}

// sendAll flushes every broadcast-list peer and is the "all acked"
// readiness barrier predicate (spec.md §4.3.1 step 7): it returns true
// once every peer reports zero pending.
func (e *Engine) sendAll() bool {
	allAcked := true
	for _, ep := range e.broadcastList() {
		if e.sendTo(ep) != 0 {
			allAcked = false
		}
	}
	return allAcked
}
