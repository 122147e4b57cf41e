// Package wire implements the frame codec (spec.md §4.1, §6): a one-byte
// tag followed by variant-specific fields in declared order, all integers
// little-endian. The codec is symmetric by construction — encode/decode
// share the field order for every variant — which is what spec.md's
// round-trip invariant (§8.4) actually requires.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/shoryunet/lockstep/pkg/lockstep/types"
)

// Encode serializes a Message into its wire representation.
func Encode(msg types.Message) []byte {
	var buf bytes.Buffer
	buf.WriteByte(byte(msg.Type))

	switch msg.Type {
	case types.MsgJoin:
		writeBytes(&buf, msg.State)
		writeEndpoint(&buf, msg.HostEndpoint)
	case types.MsgDeny:
		writeBytes(&buf, msg.State)
	case types.MsgWait:
		buf.WriteByte(msg.PeersNeeded)
		buf.WriteByte(msg.PeersCount)
	case types.MsgFrame:
		var id [8]byte
		binary.LittleEndian.PutUint64(id[:], uint64(msg.FrameID))
		buf.Write(id[:])
		buf.Write(msg.Payload)
	case types.MsgInfo:
		var seed [4]byte
		binary.LittleEndian.PutUint32(seed[:], msg.RandSeed)
		buf.Write(seed[:])
		buf.WriteByte(byte(msg.Side))
		var count [8]byte
		binary.LittleEndian.PutUint64(count[:], uint64(len(msg.Endpoints)))
		buf.Write(count[:])
		for _, ep := range msg.Endpoints {
			writeEndpoint(&buf, ep)
		}
		writeBytes(&buf, msg.State)
	case types.MsgDelay:
		// The delay branch must not fall through to also serialize a
		// second variant's fields (see original_source's switch with no
		// break after Delay, spec.md §9) — this switch has no fallthrough
		// cases at all, so that hazard cannot reoccur here.
		buf.WriteByte(msg.Delay)
	case types.MsgPing, types.MsgNone, types.MsgReady:
		// Tag only.
	}

	return buf.Bytes()
}

// Decode parses a wire message. Unknown tags return ErrMalformedMessage.
func Decode(raw []byte) (types.Message, error) {
	if len(raw) < 1 {
		return types.Message{}, fmt.Errorf("%w: empty payload", types.ErrMalformedMessage)
	}
	r := bytes.NewReader(raw)
	tagByte, _ := r.ReadByte()
	msg := types.Message{Type: types.MessageType(tagByte)}

	switch msg.Type {
	case types.MsgJoin:
		state, err := readBytes(r)
		if err != nil {
			return types.Message{}, err
		}
		ep, err := readEndpoint(r)
		if err != nil {
			return types.Message{}, err
		}
		msg.State = state
		msg.HostEndpoint = ep
	case types.MsgDeny:
		state, err := readBytes(r)
		if err != nil {
			return types.Message{}, err
		}
		msg.State = state
	case types.MsgWait:
		needed, err := r.ReadByte()
		if err != nil {
			return types.Message{}, fmt.Errorf("%w: wait.peers_needed: %v", types.ErrMalformedMessage, err)
		}
		count, err := r.ReadByte()
		if err != nil {
			return types.Message{}, fmt.Errorf("%w: wait.peers_count: %v", types.ErrMalformedMessage, err)
		}
		msg.PeersNeeded = needed
		msg.PeersCount = count
	case types.MsgFrame:
		var id [8]byte
		if _, err := readFull(r, id[:]); err != nil {
			return types.Message{}, fmt.Errorf("%w: frame.frame_id: %v", types.ErrMalformedMessage, err)
		}
		msg.FrameID = int64(binary.LittleEndian.Uint64(id[:]))
		if r.Len() > 0 {
			payload := make([]byte, r.Len())
			if _, err := readFull(r, payload); err != nil {
				return types.Message{}, fmt.Errorf("%w: frame.payload: %v", types.ErrMalformedMessage, err)
			}
			msg.Payload = payload
		}
	case types.MsgInfo:
		var seed [4]byte
		if _, err := readFull(r, seed[:]); err != nil {
			return types.Message{}, fmt.Errorf("%w: info.rand_seed: %v", types.ErrMalformedMessage, err)
		}
		msg.RandSeed = binary.LittleEndian.Uint32(seed[:])
		sideByte, err := r.ReadByte()
		if err != nil {
			return types.Message{}, fmt.Errorf("%w: info.side: %v", types.ErrMalformedMessage, err)
		}
		msg.Side = types.Side(sideByte)
		var count [8]byte
		if _, err := readFull(r, count[:]); err != nil {
			return types.Message{}, fmt.Errorf("%w: info.ep_count: %v", types.ErrMalformedMessage, err)
		}
		n := binary.LittleEndian.Uint64(count[:])
		eps := make([]types.Endpoint, 0, n)
		for i := uint64(0); i < n; i++ {
			ep, err := readEndpoint(r)
			if err != nil {
				return types.Message{}, err
			}
			eps = append(eps, ep)
		}
		msg.Endpoints = eps
		state, err := readBytes(r)
		if err != nil {
			return types.Message{}, err
		}
		msg.State = state
	case types.MsgDelay:
		d, err := r.ReadByte()
		if err != nil {
			return types.Message{}, fmt.Errorf("%w: delay.delay: %v", types.ErrMalformedMessage, err)
		}
		msg.Delay = d
	case types.MsgPing, types.MsgNone, types.MsgReady:
		// Tag only.
	default:
		return types.Message{}, fmt.Errorf("%w: unknown tag %d", types.ErrMalformedMessage, tagByte)
	}

	return msg, nil
}

// writeBytes/readBytes frame a variable-length opaque blob (the host
// state fingerprint) with an 8-byte little-endian length prefix. The
// wire format for state-bytes is otherwise unspecified by spec.md §6,
// so the core fixes one as long as encode/decode agree.
func writeBytes(buf *bytes.Buffer, b []byte) {
	var length [8]byte
	binary.LittleEndian.PutUint64(length[:], uint64(len(b)))
	buf.Write(length[:])
	buf.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var length [8]byte
	if _, err := readFull(r, length[:]); err != nil {
		return nil, fmt.Errorf("%w: state length: %v", types.ErrMalformedMessage, err)
	}
	n := binary.LittleEndian.Uint64(length[:])
	b := make([]byte, n)
	if _, err := readFull(r, b); err != nil {
		return nil, fmt.Errorf("%w: state bytes: %v", types.ErrMalformedMessage, err)
	}
	return b, nil
}

func writeEndpoint(buf *bytes.Buffer, ep types.Endpoint) {
	buf.Write(ep.IP[:])
	var port [2]byte
	binary.LittleEndian.PutUint16(port[:], ep.Port)
	buf.Write(port[:])
}

func readEndpoint(r *bytes.Reader) (types.Endpoint, error) {
	var ep types.Endpoint
	if _, err := readFull(r, ep.IP[:]); err != nil {
		return types.Endpoint{}, fmt.Errorf("%w: endpoint ip: %v", types.ErrMalformedMessage, err)
	}
	var port [2]byte
	if _, err := readFull(r, port[:]); err != nil {
		return types.Endpoint{}, fmt.Errorf("%w: endpoint port: %v", types.ErrMalformedMessage, err)
	}
	ep.Port = binary.LittleEndian.Uint16(port[:])
	return ep, nil
}

func readFull(r *bytes.Reader, dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	n, err := r.Read(dst)
	if err == nil && n < len(dst) {
		return n, fmt.Errorf("short read: want %d got %d", len(dst), n)
	}
	return n, err
}
