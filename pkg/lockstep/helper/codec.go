// Package helper supplies ready-to-use types.PayloadCodec implementations
// so a host doesn't have to hand-write one just to get started (spec.md
// §6 "Default input": "the codec-defined neutral input (e.g., all 0xFF
// for high bytes, 0x7F for the rest for a 6-byte controller struct)").
package helper

import (
	"fmt"

	"github.com/shoryunet/lockstep/pkg/lockstep/types"
)

// FixedCodec is a types.PayloadCodec for a fixed-width payload: Encode
// copies the payload into a size-byte buffer (zero-padding or truncating
// it), Decode rejects any other length, and Default returns a
// caller-supplied neutral value.
type FixedCodec struct {
	size    int
	neutral []byte
}

// NewFixedCodec builds a FixedCodec of the given width, with neutral as
// the payload returned before the negotiated delay window (spec.md §6).
// neutral must be exactly size bytes.
func NewFixedCodec(size int, neutral []byte) (*FixedCodec, error) {
	if len(neutral) != size {
		return nil, fmt.Errorf("lockstep: neutral payload is %d bytes, want %d", len(neutral), size)
	}
	cp := make([]byte, size)
	copy(cp, neutral)
	return &FixedCodec{size: size, neutral: cp}, nil
}

// NewPadCodec builds the 6-byte controller codec spec.md §6 calls out by
// example: two 0xFF bytes (buttons/shoulders held neutral-high) followed
// by four 0x7F bytes (analog axes centered).
func NewPadCodec() *FixedCodec {
	neutral := []byte{0xFF, 0xFF, 0x7F, 0x7F, 0x7F, 0x7F}
	c, _ := NewFixedCodec(len(neutral), neutral)
	return c
}

func (c *FixedCodec) Encode(payload []byte) []byte {
	out := make([]byte, c.size)
	copy(out, payload)
	return out
}

func (c *FixedCodec) Decode(raw []byte) ([]byte, error) {
	if len(raw) != c.size {
		return nil, fmt.Errorf("%w: payload is %d bytes, want %d", types.ErrMalformedMessage, len(raw), c.size)
	}
	out := make([]byte, c.size)
	copy(out, raw)
	return out, nil
}

func (c *FixedCodec) Default() []byte {
	out := make([]byte, c.size)
	copy(out, c.neutral)
	return out
}

func (c *FixedCodec) Size() int {
	return c.size
}
