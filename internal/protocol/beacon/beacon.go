package beacon

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/danmuck/patchnet/internal/dsp"
	"github.com/danmuck/patchnet/internal/protocol"
)

// Payload layout:
//
//	[0:32]  label, zero padded
//	[32:]   entries, 12 bytes each
//
// Entry layout:
//
//	[0:2]   jack id
//	[2]     direction
//	[3]     signal kind
//	[4:8]   patched source module (sinks only, else zero)
//	[8:10]  patched source jack
//	[10]    channels
//	[11]    flags, bit 0 set while the jack is held for patching
const (
	entryHeld = 1 << 0

	LabelSize         = protocol.MaxLabelLen
	EntrySize         = 12
	MaxEntriesPerPage = 16
	MaxPages          = (protocol.MaxJacksPerModule + MaxEntriesPerPage - 1) / MaxEntriesPerPage
	MaxPayloadLen     = LabelSize + MaxEntriesPerPage*EntrySize
	MaxBeaconSize     = protocol.HeaderSize + MaxPayloadLen + protocol.TrailerSize
)

var (
	ErrNotBeacon      = errors.New("beacon: not a beacon datagram")
	ErrShortBuffer    = errors.New("beacon: destination buffer too small")
	ErrTooManyEntries = errors.New("beacon: too many entries for one page")
	ErrPage           = errors.New("beacon: page out of range")
)

// Entry advertises one jack. Sinks also carry the source they are patched
// to, which is how a source learns it has remote subscribers.
type Entry struct {
	Jack      protocol.JackID
	Direction protocol.Direction
	Kind      protocol.SignalKind
	Channels  uint8
	Patched   protocol.PatchKey
	Held      bool
}

// EntryFor describes a local jack with its current patch.
func EntryFor(j protocol.Jack, patched protocol.PatchKey) Entry {
	e := Entry{Jack: j.ID, Direction: j.Direction, Kind: j.Kind, Channels: j.Channels}
	if j.Direction == protocol.DirSink {
		e.Patched = patched
	}
	return e
}

// Beacon is one page of a module announcement.
type Beacon struct {
	Module protocol.ModuleID
	Label  string
	Seq    uint16
	Page   uint8
	Pages  uint8
	Period uint16
	Halt   bool
	Count  int
	Items  [MaxEntriesPerPage]Entry
}

func (b *Beacon) Entries() []Entry {
	return b.Items[:b.Count]
}

// PageCount is the number of pages needed to advertise n jacks. A module
// with no jacks still sends one page.
func PageCount(n int) int {
	if n <= 0 {
		return 1
	}
	return (n + MaxEntriesPerPage - 1) / MaxEntriesPerPage
}

// Paginate builds page `page` of an announcement for entries.
func Paginate(id protocol.Identity, entries []Entry, page int, seq, period uint16) (Beacon, error) {
	pages := PageCount(len(entries))
	if pages > MaxPages {
		return Beacon{}, fmt.Errorf("%w: %d jacks", ErrTooManyEntries, len(entries))
	}
	if page < 0 || page >= pages {
		return Beacon{}, fmt.Errorf("%w: %d of %d", ErrPage, page, pages)
	}
	b := Beacon{
		Module: id.ID,
		Label:  id.Label,
		Seq:    seq,
		Page:   uint8(page),
		Pages:  uint8(pages),
		Period: period,
	}
	lo := page * MaxEntriesPerPage
	hi := min(lo+MaxEntriesPerPage, len(entries))
	if lo < hi {
		b.Count = copy(b.Items[:], entries[lo:hi])
	}
	return b, nil
}

// Encode writes one beacon page into dst.
func Encode(dst []byte, b *Beacon, crc dsp.CRCEngine) (int, error) {
	if b.Count < 0 || b.Count > MaxEntriesPerPage {
		return 0, fmt.Errorf("%w: %d", ErrTooManyEntries, b.Count)
	}
	if b.Pages == 0 || b.Page >= b.Pages || int(b.Pages) > MaxPages {
		return 0, fmt.Errorf("%w: %d of %d", ErrPage, b.Page, b.Pages)
	}
	if len(b.Label) > LabelSize {
		return 0, fmt.Errorf("%w: %d bytes", protocol.ErrLabelTooLong, len(b.Label))
	}
	plen := LabelSize + b.Count*EntrySize
	n := protocol.HeaderSize + plen
	if len(dst) < n+protocol.TrailerSize {
		return 0, ErrShortBuffer
	}
	protocol.EncodeHeader(dst, protocol.Header{
		Kind:       protocol.KindBeacon,
		Module:     b.Module,
		Jack:       protocol.JackID(b.Page),
		Signal:     b.Pages,
		Channels:   uint8(b.Count),
		Seq:        b.Seq,
		Frames:     b.Period,
		PayloadLen: uint16(plen),
		Flags:      flags(b),
	})
	p := dst[protocol.HeaderSize:n]
	clear(p[:LabelSize])
	copy(p[:LabelSize], b.Label)
	for i, e := range b.Entries() {
		o := p[LabelSize+i*EntrySize:]
		binary.BigEndian.PutUint16(o[0:2], uint16(e.Jack))
		o[2] = uint8(e.Direction)
		o[3] = uint8(e.Kind)
		binary.BigEndian.PutUint32(o[4:8], uint32(e.Patched.Module))
		binary.BigEndian.PutUint16(o[8:10], uint16(e.Patched.Jack))
		o[10] = e.Channels
		o[11] = 0
		if e.Held {
			o[11] = entryHeld
		}
	}
	return protocol.Seal(dst, n, crc)
}

func flags(b *Beacon) uint8 {
	if b.Halt {
		return protocol.FlagHalt
	}
	return 0
}

// Decode validates and parses one received beacon page.
func Decode(raw []byte, crc dsp.CRCEngine) (Beacon, error) {
	h, payload, err := protocol.Open(raw, crc)
	if err != nil {
		return Beacon{}, err
	}
	if h.Kind != protocol.KindBeacon {
		return Beacon{}, fmt.Errorf("%w: %w kind=%d", protocol.ErrFormat, ErrNotBeacon, h.Kind)
	}
	if h.Module == 0 {
		return Beacon{}, fmt.Errorf("%w: zero module id", protocol.ErrFormat)
	}
	count := int(h.Channels)
	if count > MaxEntriesPerPage || len(payload) != LabelSize+count*EntrySize {
		return Beacon{}, fmt.Errorf("%w: %d entries in %d bytes", protocol.ErrFormat, count, len(payload))
	}
	pages := h.Signal
	if pages == 0 || int(pages) > MaxPages || h.Jack >= protocol.JackID(pages) {
		return Beacon{}, fmt.Errorf("%w: page %d of %d", protocol.ErrFormat, h.Jack, pages)
	}

	b := Beacon{
		Module: h.Module,
		Label:  string(bytes.TrimRight(payload[:LabelSize], "\x00")),
		Seq:    h.Seq,
		Page:   uint8(h.Jack),
		Pages:  pages,
		Period: h.Frames,
		Halt:   h.Flags&protocol.FlagHalt != 0,
		Count:  count,
	}
	for i := 0; i < count; i++ {
		o := payload[LabelSize+i*EntrySize:]
		e := Entry{
			Jack:      protocol.JackID(binary.BigEndian.Uint16(o[0:2])),
			Direction: protocol.Direction(o[2]),
			Kind:      protocol.SignalKind(o[3]),
			Patched: protocol.PatchKey{
				Module: protocol.ModuleID(binary.BigEndian.Uint32(o[4:8])),
				Jack:   protocol.JackID(binary.BigEndian.Uint16(o[8:10])),
			},
			Channels: o[10],
			Held:     o[11]&entryHeld != 0,
		}
		if !e.Jack.Valid() || !e.Direction.Valid() || !e.Kind.Valid() || e.Channels == 0 || e.Channels > protocol.MaxChannels {
			return Beacon{}, fmt.Errorf("%w: bad entry %d", protocol.ErrFormat, i)
		}
		b.Items[i] = e
	}
	return b, nil
}
