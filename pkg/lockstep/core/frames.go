package core

import (
	"time"

	"github.com/shoryunet/lockstep/pkg/lockstep/types"
)

// handleFrameMessage is the post-handshake receive path (spec.md §4.5):
// write-once-per-(side,frame_id) storage, min/max counter maintenance,
// and a single Broadcast on every newly-stored frame so Get()'s Cond.Wait
// loop re-checks its predicate.
func (e *Engine) handleFrameMessage(ep types.Endpoint, msg types.Message) {
	e.connMu.Lock()
	side, known := e.sides[ep]
	e.connMu.Unlock()
	if !known {
		e.statsDropped.Add(1)
		e.metrics.PacketsDropped.Inc()
		return
	}

	if msg.Type == types.MsgFrame {
		e.frameMu.Lock()
		if int(side) < len(e.frameTable) {
			if _, exists := e.frameTable[side][msg.FrameID]; !exists {
				e.frameTable[side][msg.FrameID] = msg.Payload
				if e.firstReceivedFrame < 0 || msg.FrameID < e.firstReceivedFrame {
					e.firstReceivedFrame = msg.FrameID
				}
				if e.lastReceivedFrame < 0 || msg.FrameID > e.lastReceivedFrame {
					e.lastReceivedFrame = msg.FrameID
				}
				e.frameCond.Broadcast()
			}
		}
		e.frameMu.Unlock()
	}

	e.sendTo(ep)
}

// Set stores the local side's input for the current frame plus the
// negotiated delay and broadcasts it to every peer (spec.md §4.5 "set",
// §6).
func (e *Engine) Set(payload []byte) error {
	if e.State() != types.StateReady {
		return types.ErrInvalidState
	}

	side := e.Side()
	encoded := e.codec.Encode(payload)

	e.frameMu.Lock()
	frameID := e.currentFrame + int64(e.delay)
	if int(side) < len(e.frameTable) {
		e.frameTable[side][frameID] = encoded
		e.metrics.FrameTableDepth.Set(float64(len(e.frameTable[side])))
	}
	e.frameMu.Unlock()

	msg := types.Message{Type: types.MsgFrame, FrameID: frameID, Payload: encoded}
	eps := e.broadcastList()
	for _, ep := range eps {
		e.transport.Queue(ep, msg)
	}
	e.sendAll()
	return nil
}

// Get returns the stored input for side at the current frame (spec.md
// §4.5 "get", §6). A frame_id below the negotiated delay always returns
// the codec's default payload without blocking. timeout == NonBlocking
// polls once without waiting; timeout == 0 waits indefinitely; timeout >
// 0 waits up to that long before reporting false.
func (e *Engine) Get(side types.Side, timeout time.Duration) ([]byte, bool, error) {
	if e.State() != types.StateReady {
		return nil, false, types.ErrInvalidState
	}

	e.frameMu.Lock()
	defer e.frameMu.Unlock()

	if e.currentFrame < int64(e.delay) {
		return e.codec.Default(), true, nil
	}

	if timeout == NonBlocking {
		if raw, ok := e.frameTable[side][e.currentFrame]; ok {
			payload, err := e.codec.Decode(raw)
			if err != nil {
				return nil, false, err
			}
			return payload, true, nil
		}
		// Observed behavior (spec.md §9 Open Questions): a non-blocking
		// poll of a not-yet-arrived frame reports success with the
		// codec's default payload rather than false.
		return e.codec.Default(), true, nil
	}

	predicate := func() bool {
		if e.State() != types.StateReady {
			return true
		}
		_, ok := e.frameTable[side][e.currentFrame]
		return ok
	}

	if timeout > 0 {
		timedOut := false
		timer := time.AfterFunc(timeout, func() {
			e.frameMu.Lock()
			timedOut = true
			e.frameMu.Unlock()
			e.frameCond.Broadcast()
		})
		defer timer.Stop()
		for !predicate() && !timedOut {
			e.frameCond.Wait()
		}
		if !predicate() {
			return nil, false, nil
		}
	} else {
		for !predicate() {
			e.frameCond.Wait()
		}
	}

	if e.State() != types.StateReady {
		return nil, false, types.ErrInvalidState
	}
	raw := e.frameTable[side][e.currentFrame]
	payload, err := e.codec.Decode(raw)
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}
