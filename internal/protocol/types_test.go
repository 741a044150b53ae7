package protocol

import (
	"errors"
	"strings"
	"testing"
)

func TestHeaderRoundTripAndSeal(t *testing.T) {
	h := Header{Kind: KindData, Module: 0xA1B2C3D4, Jack: 7, Signal: uint8(SignalControl), Channels: 2, Seq: 65535, Frames: 1, PayloadLen: 4}
	buf := make([]byte, HeaderSize+4+TrailerSize)
	EncodeHeader(buf, h)
	n, err := Seal(buf, HeaderSize+4, nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	body, err := Verify(buf[:n], nil)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	got, err := DecodeHeader(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != h {
		t.Fatalf("header mismatch: got=%+v want=%+v", got, h)
	}
	if k, ok := PeekKind(buf); !ok || k != KindData {
		t.Fatalf("peek kind = %v %v", k, ok)
	}

	buf[5] ^= 0x10
	if _, err := Verify(buf[:n], nil); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity, got %v", err)
	}
	buf[0] = 0
	if _, err := DecodeHeader(buf); !errors.Is(err, ErrFormat) {
		t.Fatalf("expected ErrFormat for bad magic, got %v", err)
	}
	if _, ok := PeekKind(buf); ok {
		t.Fatalf("peek accepted bad magic")
	}
}

func TestParseNames(t *testing.T) {
	dirs := map[string]Direction{"source": DirSource, "OUT": DirSource, " sink ": DirSink, "input": DirSink}
	for raw, want := range dirs {
		got, err := ParseDirection(raw)
		if err != nil || got != want {
			t.Fatalf("ParseDirection(%q) = %v, %v", raw, got, err)
		}
	}
	if _, err := ParseDirection("sideways"); !errors.Is(err, ErrInvalidJack) {
		t.Fatalf("expected ErrInvalidJack, got %v", err)
	}

	kinds := map[string]SignalKind{"audio": SignalAudio, "cv": SignalControl, "Control": SignalControl, "gate": SignalClock}
	for raw, want := range kinds {
		got, err := ParseSignalKind(raw)
		if err != nil || got != want {
			t.Fatalf("ParseSignalKind(%q) = %v, %v", raw, got, err)
		}
	}
	if _, err := ParseSignalKind("midi"); !errors.Is(err, ErrInvalidJack) {
		t.Fatalf("expected ErrInvalidJack, got %v", err)
	}
}

func TestParseModuleID(t *testing.T) {
	for raw, want := range map[string]ModuleID{"a1b2c3d4": 0xA1B2C3D4, "0xB0": 0xB0, " 1 ": 1} {
		got, err := ParseModuleID(raw)
		if err != nil || got != want {
			t.Fatalf("ParseModuleID(%q) = %v, %v", raw, got, err)
		}
	}
	for _, raw := range []string{"0", "", "zz", "1ffffffff"} {
		if _, err := ParseModuleID(raw); !errors.Is(err, ErrInvalidModuleID) {
			t.Fatalf("ParseModuleID(%q): expected ErrInvalidModuleID, got %v", raw, err)
		}
	}
}

func TestIdentityAndJackValidation(t *testing.T) {
	id := NewIdentity("")
	if id.ID == 0 || !strings.HasPrefix(id.Label, "module-") {
		t.Fatalf("unexpected identity %+v", id)
	}
	if err := (Identity{ID: 1, Label: strings.Repeat("x", MaxLabelLen+1)}).Validate(); !errors.Is(err, ErrLabelTooLong) {
		t.Fatalf("expected ErrLabelTooLong, got %v", err)
	}
	if err := (Identity{Label: "x"}).Validate(); !errors.Is(err, ErrInvalidModuleID) {
		t.Fatalf("expected ErrInvalidModuleID, got %v", err)
	}

	ok := Jack{ID: 1, Direction: DirSource, Kind: SignalAudio, Channels: 2}
	if err := ValidateJacks([]Jack{ok, ok}); !errors.Is(err, ErrInvalidJack) {
		t.Fatalf("expected duplicate rejection, got %v", err)
	}
	bad := ok
	bad.ID = 2
	bad.Channels = MaxChannels + 1
	if err := ValidateJacks([]Jack{ok, bad}); !errors.Is(err, ErrInvalidJack) {
		t.Fatalf("expected channel rejection, got %v", err)
	}
	if err := ValidateJacks([]Jack{{ID: MaxJacksPerModule - 1, Direction: DirSink, Kind: SignalClock, Channels: 1}}); err != nil {
		t.Fatalf("highest jack id rejected: %v", err)
	}
	if err := ValidateJacks([]Jack{{ID: MaxJacksPerModule, Direction: DirSink, Kind: SignalClock, Channels: 1}}); !errors.Is(err, ErrInvalidJack) {
		t.Fatalf("expected jack id %d to be rejected, got %v", MaxJacksPerModule, err)
	}
	if ok.Frames(48) != 48 || (Jack{Kind: SignalClock}).Frames(48) != 1 {
		t.Fatalf("unexpected frames per cycle")
	}
}

func TestOpenChecksFramingBeforeChecksum(t *testing.T) {
	h := Header{Kind: KindData, Module: 3, Jack: 1, Signal: uint8(SignalAudio), Channels: 1, Frames: 4, PayloadLen: 8}
	buf := make([]byte, HeaderSize+8+TrailerSize)
	EncodeHeader(buf, h)
	n, err := Seal(buf, HeaderSize+8, nil)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, payload, err := Open(buf[:n], nil)
	if err != nil || got != h || len(payload) != 8 {
		t.Fatalf("open: %+v %d %v", got, len(payload), err)
	}
	if _, _, err := Open(buf[:n-3], nil); !errors.Is(err, ErrFormat) {
		t.Fatalf("expected ErrFormat for truncation, got %v", err)
	}
	buf[HeaderSize] ^= 0x01
	if _, _, err := Open(buf[:n], nil); !errors.Is(err, ErrIntegrity) {
		t.Fatalf("expected ErrIntegrity for payload flip, got %v", err)
	}
}
