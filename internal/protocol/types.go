package protocol

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Wire contract constants.
const (
	Magic   uint16 = 0x5042
	Version uint8  = 1

	HeaderSize  = 20
	TrailerSize = 4

	MaxLabelLen       = 32
	MaxJacksPerModule = 32
	MaxChannels       = 8
)

// Kind distinguishes datagrams sharing the common header.
type Kind uint8

const (
	KindData   Kind = 1
	KindBeacon Kind = 2
)

// ModuleID identifies one module for the process lifetime. Zero is invalid.
type ModuleID uint32

// Hue is the module's colour on the hue wheel, 0 to 359. Output jacks glow
// in it and inputs take the hue of the source they are patched to.
func (m ModuleID) Hue() uint16 {
	return uint16(uint32(m) % 360)
}

// JackID identifies a jack within its module. Valid ids are below
// MaxJacksPerModule so every (module, jack) pair maps to its own group.
type JackID uint16

func (j JackID) Valid() bool {
	return j < MaxJacksPerModule
}

type Direction uint8

const (
	DirSource Direction = 1
	DirSink   Direction = 2
)

func (d Direction) String() string {
	switch d {
	case DirSource:
		return "source"
	case DirSink:
		return "sink"
	default:
		return fmt.Sprintf("direction(%d)", uint8(d))
	}
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d Direction) Valid() bool {
	return d == DirSource || d == DirSink
}

type SignalKind uint8

const (
	SignalAudio   SignalKind = 1
	SignalControl SignalKind = 2
	SignalClock   SignalKind = 3
)

func (k SignalKind) String() string {
	switch k {
	case SignalAudio:
		return "audio"
	case SignalControl:
		return "control"
	case SignalClock:
		return "clock"
	default:
		return fmt.Sprintf("signal(%d)", uint8(k))
	}
}

func (k SignalKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k SignalKind) Valid() bool {
	return k >= SignalAudio && k <= SignalClock
}

// Identity is assigned at startup and never changes.
type Identity struct {
	ID    ModuleID
	Label string
}

func (i Identity) Validate() error {
	if i.ID == 0 {
		return ErrInvalidModuleID
	}
	if len(i.Label) > MaxLabelLen {
		return fmt.Errorf("%w: %d bytes", ErrLabelTooLong, len(i.Label))
	}
	return nil
}

// NewIdentity derives a non-zero module id from a random UUID.
func NewIdentity(label string) Identity {
	id := uuid.New()
	mid := ModuleID(binary.BigEndian.Uint32(id[:4]))
	for mid == 0 {
		var b [4]byte
		_, _ = rand.Read(b[:])
		mid = ModuleID(binary.BigEndian.Uint32(b[:]))
	}
	label = strings.TrimSpace(label)
	if label == "" {
		label = "module-" + id.String()[:8]
	}
	if len(label) > MaxLabelLen {
		label = label[:MaxLabelLen]
	}
	return Identity{ID: mid, Label: label}
}

// Jack is declared once at startup and never mutated.
type Jack struct {
	ID        JackID
	Name      string
	Direction Direction
	Kind      SignalKind
	Channels  uint8
}

func (j Jack) Validate() error {
	if !j.ID.Valid() {
		return fmt.Errorf("%w: jack id %d not below %d", ErrInvalidJack, j.ID, MaxJacksPerModule)
	}
	if !j.Direction.Valid() {
		return fmt.Errorf("%w: jack %d direction %d", ErrInvalidJack, j.ID, j.Direction)
	}
	if !j.Kind.Valid() {
		return fmt.Errorf("%w: jack %d signal kind %d", ErrInvalidJack, j.ID, j.Kind)
	}
	if j.Channels == 0 || j.Channels > MaxChannels {
		return fmt.Errorf("%w: jack %d channels %d", ErrInvalidJack, j.ID, j.Channels)
	}
	return nil
}

// Frames is the number of sample frames carried per cycle for this jack.
func (j Jack) Frames(blockFrames int) int {
	if j.Kind == SignalAudio {
		return blockFrames
	}
	return 1
}

// ValidateJacks checks a module's jack declarations.
func ValidateJacks(jacks []Jack) error {
	if len(jacks) > MaxJacksPerModule {
		return fmt.Errorf("%w: %d jacks exceeds %d", ErrInvalidJack, len(jacks), MaxJacksPerModule)
	}
	seen := make(map[JackID]struct{}, len(jacks))
	for _, j := range jacks {
		if err := j.Validate(); err != nil {
			return err
		}
		if _, ok := seen[j.ID]; ok {
			return fmt.Errorf("%w: duplicate jack id %d", ErrInvalidJack, j.ID)
		}
		seen[j.ID] = struct{}{}
	}
	return nil
}

// PatchKey names a source jack on the network; sinks join its group.
type PatchKey struct {
	Module ModuleID
	Jack   JackID
}

func (k PatchKey) IsZero() bool {
	return k.Module == 0
}

func (k PatchKey) String() string {
	return fmt.Sprintf("%08x/%d", uint32(k.Module), k.Jack)
}

// ParseDirection accepts the names String produces.
func ParseDirection(raw string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "source", "out", "output":
		return DirSource, nil
	case "sink", "in", "input":
		return DirSink, nil
	default:
		return 0, fmt.Errorf("%w: direction %q", ErrInvalidJack, raw)
	}
}

func ParseSignalKind(raw string) (SignalKind, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "audio":
		return SignalAudio, nil
	case "control", "cv":
		return SignalControl, nil
	case "clock", "gate":
		return SignalClock, nil
	default:
		return 0, fmt.Errorf("%w: signal kind %q", ErrInvalidJack, raw)
	}
}

// ParseModuleID reads a module id written as hex, with or without 0x.
func ParseModuleID(raw string) (ModuleID, error) {
	raw = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "0x")
	v, err := strconv.ParseUint(raw, 16, 32)
	if err != nil || v == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidModuleID, raw)
	}
	return ModuleID(v), nil
}
