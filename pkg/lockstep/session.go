// Package lockstep is the public façade over the input-delay lockstep
// networking session described by spec.md: bind a UDP port, either host
// (Create) or join (Join) a fixed-size peer group, then exchange
// per-frame input through Set/Get once the handshake reaches Ready.
package lockstep

import (
	"time"

	"github.com/shoryunet/lockstep/pkg/lockstep/core"
	"github.com/shoryunet/lockstep/pkg/lockstep/transport"
	"github.com/shoryunet/lockstep/pkg/lockstep/types"
)

// Re-exported so callers never need to import the types/core packages
// directly for everyday use.
type (
	Endpoint     = types.Endpoint
	Side         = types.Side
	SessionState = types.SessionState
	Stats        = types.Stats
	StateChecker = types.StateChecker
	PayloadCodec = types.PayloadCodec
)

// NonBlocking is the Get timeout sentinel for a non-blocking poll.
const NonBlocking = core.NonBlocking

// Session is a single peer's view of one lockstep group (spec.md §4.6
// "Session façade", C6).
type Session struct {
	engine      *core.Engine
	workerCount int
}

// NewSession builds an unbound Session. Call Bind before Create or Join.
func NewSession(opts ...Option) *Session {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	t := transport.NewUDPTransport()
	return &Session{
		engine:      core.NewEngine(t, cfg.Codec, cfg.Logger, cfg.Metrics),
		workerCount: cfg.WorkerCount,
	}
}

// Bind opens the local UDP port (0 picks an ephemeral port) and starts
// the transport's read/dispatch goroutines (spec.md §4.2, §6 "bind").
func (s *Session) Bind(port int) error {
	return s.engine.Bind(port, s.workerCount)
}

// LocalPort reports the bound UDP port, useful when Bind(0) picked an
// ephemeral one.
func (s *Session) LocalPort() int {
	return s.engine.LocalPort()
}

// Unbind releases the local UDP port. The session cannot be reused
// afterwards.
func (s *Session) Unbind() {
	s.engine.Unbind()
}

// Create hosts a new session for playersNeeded total peers (creator
// included), accepting Join requests whose state checker passes
// (spec.md §4.3.1, §6 "create"). timeout <= 0 waits indefinitely;
// otherwise (false, ErrHandshakeTimeout) is returned once it elapses
// without reaching Ready.
func (s *Session) Create(playersNeeded int, state []byte, checker StateChecker, timeout time.Duration) (bool, error) {
	return s.engine.Create(playersNeeded, state, checker, timeout)
}

// Join attempts to join the session hosted at hostEp (spec.md §4.3.2,
// §6 "join"). A Deny reply surfaces as (false, ErrHandshakeRejected); a
// caller timeout surfaces as (false, ErrHandshakeTimeout).
func (s *Session) Join(hostEp Endpoint, state []byte, checker StateChecker, timeout time.Duration) (bool, error) {
	return s.engine.Join(hostEp, state, checker, timeout)
}

// Set stores the local side's input for the current frame plus the
// negotiated delay, and broadcasts it to every peer (spec.md §6 "set").
// Returns ErrInvalidState if the session has not reached Ready.
func (s *Session) Set(payload []byte) error {
	return s.engine.Set(payload)
}

// Get returns side's stored input for the current frame (spec.md §6
// "get"). See NonBlocking for a non-blocking poll; timeout == 0 blocks
// indefinitely; timeout > 0 blocks up to that long, returning
// (nil, false, nil) if the deadline elapses first.
func (s *Session) Get(side Side, timeout time.Duration) ([]byte, bool, error) {
	return s.engine.Get(side, timeout)
}

// NextFrame advances the local frame counter by one (spec.md §6 "next_frame").
func (s *Session) NextFrame() {
	s.engine.NextFrame()
}

// Frame reports the local frame counter.
func (s *Session) Frame() int64 {
	return s.engine.Frame()
}

// SetFrame seeks the local frame counter (spec.md §6 "frame(f)").
func (s *Session) SetFrame(f int64) {
	s.engine.SetFrame(f)
}

// Side reports the local peer's roster index.
func (s *Session) Side() Side {
	return s.engine.Side()
}

// State reports the session-wide handshake/frame-exchange state.
func (s *Session) State() SessionState {
	return s.engine.State()
}

// Endpoints reports the broadcast list: every roster peer but self.
func (s *Session) Endpoints() []Endpoint {
	return s.engine.Endpoints()
}

// Delay reports the negotiated per-frame input delay.
func (s *Session) Delay() int {
	return s.engine.Delay()
}

// SetDelay overrides the negotiated delay (spec.md §6 "delay(d)").
func (s *Session) SetDelay(d int) {
	s.engine.SetDelay(d)
}

// RandSeed reports the creator-generated seed shared with every peer at
// handshake time, for hosts that want deterministic simulation RNG.
func (s *Session) RandSeed() uint32 {
	return s.engine.RandSeed()
}

// FirstReceivedFrame and LastReceivedFrame report the min/max frame_id
// observed from any peer, or -1 if none yet.
func (s *Session) FirstReceivedFrame() int64 {
	return s.engine.FirstReceivedFrame()
}

func (s *Session) LastReceivedFrame() int64 {
	return s.engine.LastReceivedFrame()
}

// Stats snapshots the session's packet counters.
func (s *Session) Stats() Stats {
	return s.engine.Stats()
}

// SetSendDelay configures artificial outbound latency for test/simulation
// use (spec.md §4.2, §4.6 "test hook").
func (s *Session) SetSendDelay(minMs, maxMs int) {
	s.engine.SetSendDelay(minMs, maxMs)
}

// SetPacketLoss configures artificial outbound packet loss, in permille.
func (s *Session) SetPacketLoss(permille int) {
	s.engine.SetPacketLoss(permille)
}

// Shutdown is the only cancellation primitive: idempotent, it wakes every
// blocked Get and aborts any in-progress Create/Join (spec.md §5, §7).
func (s *Session) Shutdown() {
	s.engine.Shutdown()
}
