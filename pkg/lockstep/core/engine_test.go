package core_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/shoryunet/lockstep/pkg/lockstep/core"
	"github.com/shoryunet/lockstep/pkg/lockstep/helper"
	"github.com/shoryunet/lockstep/pkg/lockstep/transport"
	"github.com/shoryunet/lockstep/pkg/lockstep/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newBoundEngine(t *testing.T) *core.Engine {
	t.Helper()
	tr := transport.NewUDPTransport()
	e := core.NewEngine(tr, helper.NewPadCodec(), nil, nil)
	require.NoError(t, e.Bind(0, 2))
	t.Cleanup(e.Unbind)
	return e
}

func loopbackEndpoint(port int) types.Endpoint {
	return types.Endpoint{IP: [4]byte{127, 0, 0, 1}, Port: uint16(port)}
}

// acceptAnyState is the permissive StateChecker most tests use.
func acceptAnyState(local, remote []byte) bool { return true }

func TestEngine_TwoPeerHandshakeReachesReady(t *testing.T) {
	host := newBoundEngine(t)
	joiner := newBoundEngine(t)
	hostEp := loopbackEndpoint(host.LocalPort())

	var wg sync.WaitGroup
	wg.Add(2)
	var hostOK, joinOK bool
	var hostErr, joinErr error

	go func() {
		defer wg.Done()
		hostOK, hostErr = host.Create(2, []byte("v1"), acceptAnyState, 5*time.Second)
	}()
	go func() {
		defer wg.Done()
		joinOK, joinErr = joiner.Join(hostEp, []byte("v1"), acceptAnyState, 5*time.Second)
	}()
	wg.Wait()

	require.NoError(t, hostErr)
	require.NoError(t, joinErr)
	require.True(t, hostOK)
	require.True(t, joinOK)
	require.Equal(t, types.StateReady, host.State())
	require.Equal(t, types.StateReady, joiner.State())
	require.Equal(t, types.Side(0), host.Side())
	require.Equal(t, types.Side(1), joiner.Side())

	require.GreaterOrEqual(t, host.Delay(), 1)
	require.GreaterOrEqual(t, joiner.Delay(), 1)
	require.Contains(t, host.Endpoints(), loopbackEndpoint(joiner.LocalPort()))
	require.Contains(t, joiner.Endpoints(), hostEp)
}

func TestEngine_StateMismatchDenied(t *testing.T) {
	host := newBoundEngine(t)
	joiner := newBoundEngine(t)
	hostEp := loopbackEndpoint(host.LocalPort())

	checker := func(local, remote []byte) bool {
		return string(local) == string(remote)
	}

	hostDone := make(chan struct{})
	go func() {
		defer close(hostDone)
		_, _ = host.Create(2, []byte("v1"), checker, 0)
	}()

	joinOK, joinErr := joiner.Join(hostEp, []byte("v2-mismatch"), checker, 3*time.Second)

	require.False(t, joinOK)
	require.ErrorIs(t, joinErr, types.ErrHandshakeRejected)
	require.Equal(t, types.StateNone, joiner.State())

	// The creator never saw a matching Join, so it stays in Wait (spec.md
	// §8 scenario S2) until the test shuts it down.
	require.Equal(t, types.StateWait, host.State())
	host.Shutdown()
	<-hostDone
}

func TestEngine_SetGetExchangesFrames(t *testing.T) {
	host, joiner := handshakeReady(t)

	require.NoError(t, host.Set([]byte{1, 2, 3, 4, 5, 6}))
	require.NoError(t, joiner.Set([]byte{6, 5, 4, 3, 2, 1}))

	// Set schedules its payload for the current frame plus the delay, so
	// advance both peers to that frame before reading it back.
	for i := 0; i < host.Delay(); i++ {
		host.NextFrame()
		joiner.NextFrame()
	}

	hostView, ok, err := host.Get(joiner.Side(), 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{6, 5, 4, 3, 2, 1}, hostView)

	joinView, ok, err := joiner.Get(host.Side(), 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6}, joinView)
}

func TestEngine_GetBeforeDelayReturnsDefault(t *testing.T) {
	host, _ := handshakeReady(t)

	payload, ok, err := host.Get(host.Side(), core.NonBlocking)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte{0xFF, 0xFF, 0x7F, 0x7F, 0x7F, 0x7F}, payload)
}

func TestEngine_ShutdownUnblocksGet(t *testing.T) {
	host, _ := handshakeReady(t)

	// Force currentFrame past the delay window so Get would otherwise
	// block waiting for a frame that never arrives.
	host.SetFrame(int64(host.Delay()) + 100)

	done := make(chan error, 1)
	go func() {
		_, _, err := host.Get(1, 0)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	host.Shutdown()

	select {
	case err := <-done:
		require.ErrorIs(t, err, types.ErrInvalidState)
	case <-time.After(2 * time.Second):
		t.Fatal("Get did not unblock after Shutdown")
	}

	// Subsequent set/get also raise InvalidState post-shutdown (spec.md §8
	// testable property 5).
	require.ErrorIs(t, host.Set([]byte{1, 2, 3, 4, 5, 6}), types.ErrInvalidState)
	_, _, err := host.Get(1, core.NonBlocking)
	require.ErrorIs(t, err, types.ErrInvalidState)
}

func TestEngine_SetReturnsErrInvalidStateBeforeReady(t *testing.T) {
	e := newBoundEngine(t)
	err := e.Set([]byte{1, 2, 3, 4, 5, 6})
	require.ErrorIs(t, err, types.ErrInvalidState)
}

func TestEngine_HandshakeTimesOutWithoutPeer(t *testing.T) {
	joiner := newBoundEngine(t)
	unreachable := loopbackEndpoint(1) // nothing listens on port 1

	ok, err := joiner.Join(unreachable, []byte("v1"), acceptAnyState, 200*time.Millisecond)
	require.False(t, ok)
	require.ErrorIs(t, err, types.ErrHandshakeTimeout)
	require.Equal(t, types.StateNone, joiner.State())
}

// TestEngine_FrameEchoAcrossDelayWindow covers spec.md §8 scenario S3:
// 100 frames exchanged each way, with frames below the negotiated delay
// reading back the codec's neutral default instead of blocking forever,
// and frame k reading back the value set at frame k-delay.
func TestEngine_FrameEchoAcrossDelayWindow(t *testing.T) {
	host, joiner := handshakeReady(t)
	delay := host.Delay()
	require.GreaterOrEqual(t, delay, 1)

	for i := 0; i < 100; i++ {
		v := byte(i)
		require.NoError(t, host.Set([]byte{v, v, v, v, v, v}))
		require.NoError(t, joiner.Set([]byte{v, v, v, v, v, v}))

		hostView, ok, err := host.Get(joiner.Side(), 2*time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		joinView, ok, err := joiner.Get(host.Side(), 2*time.Second)
		require.NoError(t, err)
		require.True(t, ok)

		if int64(i) < int64(delay) {
			require.Equal(t, []byte{0xFF, 0xFF, 0x7F, 0x7F, 0x7F, 0x7F}, hostView)
			require.Equal(t, []byte{0xFF, 0xFF, 0x7F, 0x7F, 0x7F, 0x7F}, joinView)
		} else {
			w := byte(i - delay)
			require.Equal(t, []byte{w, w, w, w, w, w}, hostView)
			require.Equal(t, []byte{w, w, w, w, w, w}, joinView)
		}

		host.NextFrame()
		joiner.NextFrame()
	}
}

// TestEngine_FrameEchoUnderPacketLoss covers spec.md §8 scenario S4: the
// same exchange as S3 still converges with loss injection, just slower.
func TestEngine_FrameEchoUnderPacketLoss(t *testing.T) {
	host, joiner := handshakeReady(t)
	host.SetPacketLoss(200)
	joiner.SetPacketLoss(200)
	delay := host.Delay()

	for i := 0; i < 20; i++ {
		v := byte(i + 1)
		require.NoError(t, host.Set([]byte{v, v, v, v, v, v}))
		require.NoError(t, joiner.Set([]byte{v, v, v, v, v, v}))

		hostView, ok, err := host.Get(joiner.Side(), 5*time.Second)
		require.NoError(t, err)
		require.True(t, ok)
		if int64(i) >= int64(delay) {
			w := byte(i - delay + 1)
			require.Equal(t, []byte{w, w, w, w, w, w}, hostView)
		}

		host.NextFrame()
		joiner.NextFrame()
	}
}

// TestEngine_FirstLastReceivedFrameOrdered covers spec.md §8 testable
// property 3: first_received_frame <= last_received_frame once both are
// observed.
func TestEngine_FirstLastReceivedFrameOrdered(t *testing.T) {
	host, joiner := handshakeReady(t)

	require.Equal(t, int64(-1), host.FirstReceivedFrame())
	require.Equal(t, int64(-1), host.LastReceivedFrame())

	for i := 0; i < 5; i++ {
		require.NoError(t, joiner.Set([]byte{1, 2, 3, 4, 5, 6}))
		_, _, err := host.Get(joiner.Side(), 2*time.Second)
		require.NoError(t, err)
		host.NextFrame()
		joiner.NextFrame()
	}

	require.GreaterOrEqual(t, host.FirstReceivedFrame(), int64(0))
	require.LessOrEqual(t, host.FirstReceivedFrame(), host.LastReceivedFrame())
}

// handshakeReady spins up a ready two-peer session and returns both sides.
func handshakeReady(t *testing.T) (*core.Engine, *core.Engine) {
	t.Helper()
	host := newBoundEngine(t)
	joiner := newBoundEngine(t)
	hostEp := loopbackEndpoint(host.LocalPort())

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = host.Create(2, []byte("v1"), acceptAnyState, 5*time.Second)
	}()
	go func() {
		defer wg.Done()
		_, _ = joiner.Join(hostEp, []byte("v1"), acceptAnyState, 5*time.Second)
	}()
	wg.Wait()
	require.Equal(t, types.StateReady, host.State())
	require.Equal(t, types.StateReady, joiner.State())
	return host, joiner
}
