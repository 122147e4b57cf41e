package wire_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shoryunet/lockstep/pkg/lockstep/types"
	"github.com/shoryunet/lockstep/pkg/lockstep/wire"
)

func endpointsN(n int) []types.Endpoint {
	eps := make([]types.Endpoint, 0, n)
	for i := 0; i < n; i++ {
		eps = append(eps, types.Endpoint{IP: [4]byte{127, 0, 0, byte(i + 1)}, Port: uint16(7000 + i)})
	}
	return eps
}

// Testable property 4 (spec.md §8): decode(encode(m)) == m for every
// variant, including rosters of 1-8 endpoints.
func TestCodec_RoundTrip(t *testing.T) {
	cases := map[string]types.Message{
		"none":  {Type: types.MsgNone},
		"ping":  {Type: types.MsgPing},
		"ready": {Type: types.MsgReady},
		"join": {
			Type:         types.MsgJoin,
			State:        []byte{0x01, 0x02},
			HostEndpoint: types.Endpoint{IP: [4]byte{10, 0, 0, 1}, Port: 7000},
		},
		"deny": {
			Type:  types.MsgDeny,
			State: []byte{0xAA},
		},
		"wait": {
			Type:        types.MsgWait,
			PeersNeeded: 4,
			PeersCount:  2,
		},
		"frame": {
			Type:    types.MsgFrame,
			FrameID: -42,
			Payload: []byte{0xFF, 0xFF, 0x7F, 0x7F, 0x7F, 0x7F},
		},
		"frame-empty-payload": {
			Type:    types.MsgFrame,
			FrameID: 0,
			Payload: nil,
		},
		"delay": {
			Type:  types.MsgDelay,
			Delay: 7,
		},
	}

	for name, msg := range cases {
		t.Run(name, func(t *testing.T) {
			encoded := wire.Encode(msg)
			decoded, err := wire.Decode(encoded)
			require.NoError(t, err)
			require.Equal(t, msg.Type, decoded.Type)
			require.Equal(t, msg.State, decoded.State)
			require.Equal(t, msg.HostEndpoint, decoded.HostEndpoint)
			require.Equal(t, msg.FrameID, decoded.FrameID)
			require.Equal(t, msg.Payload, decoded.Payload)
			require.Equal(t, msg.PeersNeeded, decoded.PeersNeeded)
			require.Equal(t, msg.PeersCount, decoded.PeersCount)
			require.Equal(t, msg.Delay, decoded.Delay)
		})
	}
}

func TestCodec_InfoRoundTripRosterSizes(t *testing.T) {
	for n := 1; n <= 8; n++ {
		msg := types.Message{
			Type:      types.MsgInfo,
			RandSeed:  123456,
			Side:      3,
			Endpoints: endpointsN(n),
			State:     []byte{0x01},
		}
		encoded := wire.Encode(msg)
		decoded, err := wire.Decode(encoded)
		require.NoError(t, err)
		require.Equal(t, msg.RandSeed, decoded.RandSeed)
		require.Equal(t, msg.Side, decoded.Side)
		require.Equal(t, msg.Endpoints, decoded.Endpoints)
		require.Equal(t, msg.State, decoded.State)
	}
}

func TestCodec_UnknownTagIsMalformed(t *testing.T) {
	_, err := wire.Decode([]byte{0xFE})
	require.ErrorIs(t, err, types.ErrMalformedMessage)
}

func TestCodec_EmptyPayloadIsMalformed(t *testing.T) {
	_, err := wire.Decode(nil)
	require.ErrorIs(t, err, types.ErrMalformedMessage)
}

func TestCodec_TruncatedFrameIsMalformed(t *testing.T) {
	msg := types.Message{Type: types.MsgFrame, FrameID: 5, Payload: []byte{1, 2, 3}}
	encoded := wire.Encode(msg)
	_, err := wire.Decode(encoded[:3])
	require.ErrorIs(t, err, types.ErrMalformedMessage)
}
