package dsp

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	SampleRate      = 48000
	BlockFrames     = 48
	MaxChannels     = 8
	MaxBlockSamples = BlockFrames * MaxChannels
	SampleBytes     = 2
)

var (
	ErrBlockShape   = errors.New("dsp: invalid block shape")
	ErrShortBuffer  = errors.New("dsp: buffer too short")
	ErrPayloadShape = errors.New("dsp: payload does not match block shape")
)

// Block is one interleaved block of Q15 samples. It is a plain value so it
// can live on the stack or inside fixed queues without heap allocation.
type Block struct {
	Frames   int
	Channels int
	Samples  [MaxBlockSamples]int16
}

// ValidShape reports whether frames x channels fits a Block.
func ValidShape(frames, channels int) bool {
	return frames > 0 && channels > 0 && channels <= MaxChannels && frames*channels <= MaxBlockSamples
}

// Silence returns a zeroed block of the given shape.
func Silence(frames, channels int) Block {
	return Block{Frames: frames, Channels: channels}
}

func (b *Block) Len() int {
	return b.Frames * b.Channels
}

func (b *Block) Sample(frame, ch int) int16 {
	return b.Samples[frame*b.Channels+ch]
}

func (b *Block) SetSample(frame, ch int, v int16) {
	b.Samples[frame*b.Channels+ch] = v
}

// Last returns the final frame of b as a one-frame block, used to hold a
// control value across missing blocks.
func (b *Block) Last() Block {
	out := Block{Frames: 1, Channels: b.Channels}
	if b.Frames == 0 {
		return out
	}
	copy(out.Samples[:b.Channels], b.Samples[(b.Frames-1)*b.Channels:b.Len()])
	return out
}

// Hold returns a block of the given shape where every frame repeats the
// last frame of b.
func (b *Block) Hold(frames int) Block {
	out := Block{Frames: frames, Channels: b.Channels}
	if b.Frames == 0 || !ValidShape(frames, b.Channels) {
		return out
	}
	last := b.Samples[(b.Frames-1)*b.Channels : b.Len()]
	for f := 0; f < frames; f++ {
		copy(out.Samples[f*b.Channels:], last)
	}
	return out
}

// Level is the mean absolute sample value as a fraction of full scale.
func (b *Block) Level() float64 {
	n := b.Len()
	if n <= 0 || n > MaxBlockSamples {
		return 0
	}
	var sum int64
	for _, v := range b.Samples[:n] {
		if v < 0 {
			sum -= int64(v)
		} else {
			sum += int64(v)
		}
	}
	return float64(sum) / float64(n) / 32768
}

// PayloadLen is the packed size of a block with the given shape.
func PayloadLen(frames, channels int) int {
	return frames * channels * SampleBytes
}

// PackBlock writes b as big-endian int16 samples into dst.
func PackBlock(dst []byte, b *Block) (int, error) {
	if !ValidShape(b.Frames, b.Channels) {
		return 0, fmt.Errorf("%w: frames=%d channels=%d", ErrBlockShape, b.Frames, b.Channels)
	}
	n := PayloadLen(b.Frames, b.Channels)
	if len(dst) < n {
		return 0, ErrShortBuffer
	}
	for i := 0; i < b.Len(); i++ {
		binary.BigEndian.PutUint16(dst[i*SampleBytes:], uint16(b.Samples[i]))
	}
	return n, nil
}

// UnpackBlock fills b from a packed payload.
func UnpackBlock(b *Block, src []byte, frames, channels int) error {
	if !ValidShape(frames, channels) {
		return fmt.Errorf("%w: frames=%d channels=%d", ErrBlockShape, frames, channels)
	}
	if len(src) != PayloadLen(frames, channels) {
		return fmt.Errorf("%w: got %d bytes", ErrPayloadShape, len(src))
	}
	b.Frames = frames
	b.Channels = channels
	for i := 0; i < frames*channels; i++ {
		b.Samples[i] = int16(binary.BigEndian.Uint16(src[i*SampleBytes:]))
	}
	return nil
}
