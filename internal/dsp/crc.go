package dsp

import (
	"encoding/binary"
	"hash/crc32"
	"math/bits"
)

// Frame checksums are CRC-32/ISO-HDLC: polynomial 0x04C11DB7, reflected
// input and output, init and final XOR 0xFFFFFFFF. Check value for
// "123456789" is 0xCBF43926.
const (
	CRCPoly   uint32 = 0x04C11DB7
	CRCInit   uint32 = 0xFFFFFFFF
	CRCXorOut uint32 = 0xFFFFFFFF
	CRCCheck  uint32 = 0xCBF43926
)

// CRCEngine is the streaming checksum contract shared by the software path
// and hardware CRC units. hash.Hash32 satisfies it.
type CRCEngine interface {
	Reset()
	Write(p []byte) (int, error)
	Sum32() uint32
}

// CRC32 is the canonical software checksum.
func CRC32(b []byte) uint32 {
	return crc32.ChecksumIEEE(b)
}

// NewSoftwareCRC returns a table driven engine.
func NewSoftwareCRC() CRCEngine {
	return crc32.NewIEEE()
}

// Checksum runs b through e from a fresh state.
func Checksum(e CRCEngine, b []byte) uint32 {
	if e == nil {
		return CRC32(b)
	}
	e.Reset()
	_, _ = e.Write(b)
	return e.Sum32()
}

// Peripheral32 models a microcontroller CRC unit: a non-reflected MSB-first
// shift register fed with little-endian 32-bit words (8-bit writes for the
// tail), input bit reversal by word, output bit reversal, and the final
// XOR applied by software. Configured this way it agrees with CRC32.
type Peripheral32 struct {
	dr uint32
}

func NewPeripheral32() *Peripheral32 {
	p := &Peripheral32{}
	p.Reset()
	return p
}

func (p *Peripheral32) Reset() {
	p.dr = CRCInit
}

func (p *Peripheral32) Write(b []byte) (int, error) {
	n := len(b)
	for len(b) >= 4 {
		p.feed32(bits.Reverse32(binary.LittleEndian.Uint32(b)))
		b = b[4:]
	}
	for _, c := range b {
		p.feed8(bits.Reverse8(c))
	}
	return n, nil
}

func (p *Peripheral32) Sum32() uint32 {
	return bits.Reverse32(p.dr) ^ CRCXorOut
}

func (p *Peripheral32) feed32(w uint32) {
	crc := p.dr ^ w
	for i := 0; i < 32; i++ {
		if crc&0x80000000 != 0 {
			crc = crc<<1 ^ CRCPoly
		} else {
			crc <<= 1
		}
	}
	p.dr = crc
}

func (p *Peripheral32) feed8(c uint8) {
	crc := p.dr ^ uint32(c)<<24
	for i := 0; i < 8; i++ {
		if crc&0x80000000 != 0 {
			crc = crc<<1 ^ CRCPoly
		} else {
			crc <<= 1
		}
	}
	p.dr = crc
}
