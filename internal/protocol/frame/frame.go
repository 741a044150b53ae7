package frame

import (
	"errors"
	"fmt"

	"github.com/danmuck/patchnet/internal/dsp"
	"github.com/danmuck/patchnet/internal/protocol"
)

const (
	MaxPayloadLen = dsp.MaxBlockSamples * dsp.SampleBytes
	MaxFrameSize  = protocol.HeaderSize + MaxPayloadLen + protocol.TrailerSize
)

var (
	ErrPayloadTooLarge = errors.New("frame: payload too large")
	ErrShortBuffer     = errors.New("frame: destination buffer too small")
	ErrNotData         = errors.New("frame: not a data frame")
	ErrShape           = errors.New("frame: payload does not match frames x channels")
)

// Frame is one decoded data frame. Payload aliases the decoded buffer and
// is valid until that buffer is reused.
type Frame struct {
	Header  protocol.Header
	Payload []byte
}

func (f Frame) Source() protocol.PatchKey {
	return protocol.PatchKey{Module: f.Header.Module, Jack: f.Header.Jack}
}

func (f Frame) Signal() protocol.SignalKind {
	return protocol.SignalKind(f.Header.Signal)
}

// Block unpacks the payload into b.
func (f Frame) Block(b *dsp.Block) error {
	return dsp.UnpackBlock(b, f.Payload, int(f.Header.Frames), int(f.Header.Channels))
}

// Encode writes a complete data frame into dst and returns its length.
func Encode(dst []byte, h protocol.Header, payload []byte, crc dsp.CRCEngine) (int, error) {
	if len(payload) > MaxPayloadLen {
		return 0, ErrPayloadTooLarge
	}
	if !dsp.ValidShape(int(h.Frames), int(h.Channels)) ||
		dsp.PayloadLen(int(h.Frames), int(h.Channels)) != len(payload) {
		return 0, fmt.Errorf("%w: frames=%d channels=%d payload=%d", ErrShape, h.Frames, h.Channels, len(payload))
	}
	n := protocol.HeaderSize + len(payload)
	if len(dst) < n+protocol.TrailerSize {
		return 0, ErrShortBuffer
	}
	h.Kind = protocol.KindData
	h.PayloadLen = uint16(len(payload))
	protocol.EncodeHeader(dst, h)
	copy(dst[protocol.HeaderSize:n], payload)
	return protocol.Seal(dst, n, crc)
}

// EncodeBlock packs b straight into dst without an intermediate buffer.
func EncodeBlock(dst []byte, h protocol.Header, b *dsp.Block, crc dsp.CRCEngine) (int, error) {
	if len(dst) < protocol.HeaderSize {
		return 0, ErrShortBuffer
	}
	plen, err := dsp.PackBlock(dst[protocol.HeaderSize:], b)
	if err != nil {
		if errors.Is(err, dsp.ErrShortBuffer) {
			return 0, ErrShortBuffer
		}
		return 0, err
	}
	n := protocol.HeaderSize + plen
	h.Kind = protocol.KindData
	h.Frames = uint16(b.Frames)
	h.Channels = uint8(b.Channels)
	h.PayloadLen = uint16(plen)
	protocol.EncodeHeader(dst, h)
	return protocol.Seal(dst, n, crc)
}

// Decode validates and parses a received data frame. Length and framing
// are checked before the checksum; no other header field is trusted until
// the checksum passes.
func Decode(b []byte, crc dsp.CRCEngine) (Frame, error) {
	h, payload, err := protocol.Open(b, crc)
	if err != nil {
		return Frame{}, err
	}
	if h.Kind != protocol.KindData {
		return Frame{}, fmt.Errorf("%w: %w kind=%d", protocol.ErrFormat, ErrNotData, h.Kind)
	}
	if h.Module == 0 {
		return Frame{}, fmt.Errorf("%w: zero module id", protocol.ErrFormat)
	}
	if !dsp.ValidShape(int(h.Frames), int(h.Channels)) ||
		dsp.PayloadLen(int(h.Frames), int(h.Channels)) != len(payload) {
		return Frame{}, fmt.Errorf("%w: frames=%d channels=%d payload=%d", protocol.ErrFormat, h.Frames, h.Channels, len(payload))
	}
	return Frame{Header: h, Payload: payload}, nil
}
