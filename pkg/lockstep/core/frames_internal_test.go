package core

import (
	"testing"

	"github.com/shoryunet/lockstep/pkg/lockstep/transport"
	"github.com/shoryunet/lockstep/pkg/lockstep/types"
)

// fakeTransport is a no-op transport.Transport stub, just enough for
// handleFrameMessage's sendTo ack-flush call.
type fakeTransport struct{}

func (fakeTransport) Start(int, int) error                       { return nil }
func (fakeTransport) Stop()                                      {}
func (fakeTransport) LocalPort() int                             { return 0 }
func (fakeTransport) Queue(types.Endpoint, types.Message)        {}
func (fakeTransport) Send(types.Endpoint) int                    { return 0 }
func (fakeTransport) SendWithJitter(types.Endpoint, int, int) int { return 0 }
func (fakeTransport) Peer(types.Endpoint) types.PeerStats        { return types.PeerStats{} }
func (fakeTransport) SetReceiveHandler(transport.ReceiveHandler) {}
func (fakeTransport) SetErrorHandler(transport.ErrorHandler)     {}

// TestHandleFrameMessage_WriteOncePerSideFrame covers spec.md §8 testable
// property 2: delivering the same Frame message twice must not change the
// stored payload or re-broadcast a different value.
func TestHandleFrameMessage_WriteOncePerSideFrame(t *testing.T) {
	e := NewEngine(fakeTransport{}, nil, nil, nil)
	ep := types.Endpoint{IP: [4]byte{127, 0, 0, 1}, Port: 9000}
	e.sides = map[types.Endpoint]types.Side{ep: 0}
	e.eps = []types.Endpoint{ep}
	e.connectionEstablished()
	e.setState(types.StateReady)

	first := types.Message{Type: types.MsgFrame, FrameID: 5, Payload: []byte{1, 2, 3, 4, 5, 6}}
	e.handleFrameMessage(ep, first)

	dup := types.Message{Type: types.MsgFrame, FrameID: 5, Payload: []byte{9, 9, 9, 9, 9, 9}}
	e.handleFrameMessage(ep, dup)

	e.frameMu.Lock()
	stored := e.frameTable[0][5]
	e.frameMu.Unlock()

	if string(stored) != string([]byte{1, 2, 3, 4, 5, 6}) {
		t.Fatalf("stored payload changed on duplicate delivery: %v", stored)
	}
}
