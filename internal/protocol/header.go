package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/danmuck/patchnet/internal/dsp"
)

// FlagHalt in a beacon header asks every module in the domain to stop
// sending data until it is resumed locally.
const FlagHalt uint8 = 1 << 0

// Header is the fixed 20 byte header shared by data frames and beacons.
//
// Layout:
//
//	[0:2]   Magic
//	[2]     Version
//	[3]     Kind
//	[4:8]   Module     source module id
//	[8:10]  Jack       source jack id (beacon: page index)
//	[10]    Signal     signal kind (beacon: page count)
//	[11]    Channels   (beacon: entries in page)
//	[12:14] Seq        wraps mod 2^16
//	[14:16] Frames     sample frames in block (beacon: period in cycles)
//	[16:18] PayloadLen
//	[18]    Flags
//	[19]    reserved
type Header struct {
	Kind       Kind
	Module     ModuleID
	Jack       JackID
	Signal     uint8
	Channels   uint8
	Seq        uint16
	Frames     uint16
	PayloadLen uint16
	Flags      uint8
}

func EncodeHeader(dst []byte, h Header) {
	_ = dst[HeaderSize-1]
	binary.BigEndian.PutUint16(dst[0:2], Magic)
	dst[2] = Version
	dst[3] = uint8(h.Kind)
	binary.BigEndian.PutUint32(dst[4:8], uint32(h.Module))
	binary.BigEndian.PutUint16(dst[8:10], uint16(h.Jack))
	dst[10] = h.Signal
	dst[11] = h.Channels
	binary.BigEndian.PutUint16(dst[12:14], h.Seq)
	binary.BigEndian.PutUint16(dst[14:16], h.Frames)
	binary.BigEndian.PutUint16(dst[16:18], h.PayloadLen)
	dst[18] = h.Flags
	dst[19] = 0
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("%w: short header %d bytes", ErrFormat, len(b))
	}
	if m := binary.BigEndian.Uint16(b[0:2]); m != Magic {
		return Header{}, fmt.Errorf("%w: bad magic %#04x", ErrFormat, m)
	}
	if b[2] != Version {
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrFormat, b[2])
	}
	return Header{
		Kind:       Kind(b[3]),
		Module:     ModuleID(binary.BigEndian.Uint32(b[4:8])),
		Jack:       JackID(binary.BigEndian.Uint16(b[8:10])),
		Signal:     b[10],
		Channels:   b[11],
		Seq:        binary.BigEndian.Uint16(b[12:14]),
		Frames:     binary.BigEndian.Uint16(b[14:16]),
		PayloadLen: binary.BigEndian.Uint16(b[16:18]),
		Flags:      b[18],
	}, nil
}

// PeekKind returns the datagram kind without validating the rest.
func PeekKind(b []byte) (Kind, bool) {
	if len(b) < HeaderSize || binary.BigEndian.Uint16(b[0:2]) != Magic {
		return 0, false
	}
	return Kind(b[3]), true
}

// Seal appends the checksum trailer over b[:n] and returns the total size.
func Seal(buf []byte, n int, crc dsp.CRCEngine) (int, error) {
	if len(buf) < n+TrailerSize {
		return 0, fmt.Errorf("%w: no room for trailer", ErrFormat)
	}
	binary.BigEndian.PutUint32(buf[n:n+TrailerSize], dsp.Checksum(crc, buf[:n]))
	return n + TrailerSize, nil
}

// Verify checks the trailer of a complete datagram and returns the body.
func Verify(b []byte, crc dsp.CRCEngine) ([]byte, error) {
	if len(b) < HeaderSize+TrailerSize {
		return nil, fmt.Errorf("%w: short datagram %d bytes", ErrFormat, len(b))
	}
	body := b[:len(b)-TrailerSize]
	want := binary.BigEndian.Uint32(b[len(b)-TrailerSize:])
	if got := dsp.Checksum(crc, body); got != want {
		return nil, fmt.Errorf("%w: got %#08x want %#08x", ErrIntegrity, got, want)
	}
	return body, nil
}

// Open frames a received datagram. The structural checks come first so a
// truncated or padded datagram is a format error, not a checksum error;
// only then is the trailer verified and the payload returned.
func Open(b []byte, crc dsp.CRCEngine) (Header, []byte, error) {
	if len(b) < HeaderSize+TrailerSize {
		return Header{}, nil, fmt.Errorf("%w: short datagram %d bytes", ErrFormat, len(b))
	}
	h, err := DecodeHeader(b)
	if err != nil {
		return Header{}, nil, err
	}
	if got := len(b) - HeaderSize - TrailerSize; int(h.PayloadLen) != got {
		return Header{}, nil, fmt.Errorf("%w: declared payload %d, received %d", ErrFormat, h.PayloadLen, got)
	}
	body, err := Verify(b, crc)
	if err != nil {
		return Header{}, nil, err
	}
	return h, body[HeaderSize:], nil
}
