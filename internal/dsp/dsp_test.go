package dsp

import (
	"errors"
	"math"
	"math/rand"
	"testing"
)

func TestCRC32CheckValue(t *testing.T) {
	if got := CRC32([]byte("123456789")); got != CRCCheck {
		t.Fatalf("check value mismatch: got=%#08x want=%#08x", got, CRCCheck)
	}
	if got := Checksum(NewPeripheral32(), []byte("123456789")); got != CRCCheck {
		t.Fatalf("peripheral check value mismatch: got=%#08x want=%#08x", got, CRCCheck)
	}
}

func TestPeripheralMatchesSoftwareForEveryLength(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	buf := make([]byte, 800)
	rng.Read(buf)
	hw := NewPeripheral32()
	sw := NewSoftwareCRC()
	for n := 0; n <= len(buf); n++ {
		want := Checksum(sw, buf[:n])
		got := Checksum(hw, buf[:n])
		if got != want {
			t.Fatalf("len=%d: peripheral=%#08x software=%#08x", n, got, want)
		}
	}
}

func TestPeripheralStreamingWritesMatchOneShot(t *testing.T) {
	data := []byte("modular synthesizer frames over ethernet")
	hw := NewPeripheral32()
	hw.Write(data[:3])
	hw.Write(data[3:17])
	hw.Write(data[17:])
	// Splitting changes word alignment but not the bit stream.
	if got, want := hw.Sum32(), CRC32(data); got != want {
		t.Fatalf("streamed=%#08x one-shot=%#08x", got, want)
	}
}

func TestPackUnpackBlock(t *testing.T) {
	in := Silence(BlockFrames, 2)
	for f := 0; f < in.Frames; f++ {
		in.SetSample(f, 0, int16(f*100))
		in.SetSample(f, 1, int16(-f*100))
	}
	buf := make([]byte, PayloadLen(in.Frames, in.Channels))
	n, err := PackBlock(buf, &in)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("unexpected packed size: %d", n)
	}
	var out Block
	if err := UnpackBlock(&out, buf, in.Frames, in.Channels); err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if out != in {
		t.Fatalf("block mismatch after unpack")
	}
}

func TestPackRejectsBadShapes(t *testing.T) {
	b := Block{Frames: BlockFrames, Channels: MaxChannels + 1}
	if _, err := PackBlock(make([]byte, 4096), &b); !errors.Is(err, ErrBlockShape) {
		t.Fatalf("expected ErrBlockShape, got %v", err)
	}
	ok := Silence(4, 1)
	if _, err := PackBlock(make([]byte, 2), &ok); !errors.Is(err, ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
	var out Block
	if err := UnpackBlock(&out, make([]byte, 7), 4, 1); !errors.Is(err, ErrPayloadShape) {
		t.Fatalf("expected ErrPayloadShape, got %v", err)
	}
}

func TestHoldRepeatsLastFrame(t *testing.T) {
	b := Silence(3, 2)
	b.SetSample(2, 0, 11)
	b.SetSample(2, 1, -11)
	h := b.Hold(5)
	for f := 0; f < 5; f++ {
		if h.Sample(f, 0) != 11 || h.Sample(f, 1) != -11 {
			t.Fatalf("frame %d not held: %d %d", f, h.Sample(f, 0), h.Sample(f, 1))
		}
	}
	last := b.Last()
	if last.Frames != 1 || last.Sample(0, 0) != 11 {
		t.Fatalf("unexpected last frame: %+v", last.Samples[:2])
	}
}

func TestBlockLevel(t *testing.T) {
	b := Silence(4, 1)
	if b.Level() != 0 {
		t.Fatalf("silence level %f", b.Level())
	}
	b.SetSample(0, 0, 16384)
	b.SetSample(1, 0, -16384)
	if got := b.Level(); math.Abs(got-0.25) > 1e-9 {
		t.Fatalf("expected 0.25, got %f", got)
	}
	var empty Block
	if empty.Level() != 0 {
		t.Fatalf("empty block level %f", empty.Level())
	}
}

func TestQ15Conversions(t *testing.T) {
	cases := []struct {
		in   float32
		want Q15
	}{
		{0, 0},
		{0.5, 16384},
		{-1, math.MinInt16},
		{1, math.MaxInt16},
		{4, math.MaxInt16},
		{-4, math.MinInt16},
	}
	for _, tc := range cases {
		if got := FromFloat(tc.in); got != tc.want {
			t.Fatalf("FromFloat(%v)=%d want %d", tc.in, got, tc.want)
		}
	}
	if got := ToFloat(16384); got != 0.5 {
		t.Fatalf("ToFloat(16384)=%v", got)
	}
	if got := MulQ15(16384, 16384); got != 8192 {
		t.Fatalf("MulQ15 half*half=%d", got)
	}
	if got := MulQ15(math.MinInt16, math.MinInt16); got != math.MaxInt16 {
		t.Fatalf("MulQ15 should saturate, got %d", got)
	}
}

func TestVOct(t *testing.T) {
	if got := MIDINoteToVOct(64); got != 0 {
		t.Fatalf("note 64 = %d", got)
	}
	if got := MIDINoteToVOct(76); got != 12*VOctPerSemitone {
		t.Fatalf("note 76 = %d", got)
	}
	f := VOctToFrequency(float32(MIDINoteToVOct(69)))
	if math.Abs(float64(f)-440) > 0.01 {
		t.Fatalf("A4 frequency = %v", f)
	}
	if got := SoftClip(100); math.Abs(float64(got)-1) > 1e-6 {
		t.Fatalf("SoftClip saturation = %v", got)
	}
}
