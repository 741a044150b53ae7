package baremetal

import (
	"fmt"
	"net/netip"

	"github.com/danmuck/patchnet/internal/dsp"
)

// MAC is an Ethernet hardware address.
type MAC [6]byte

var BroadcastMAC = MAC{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

func (m MAC) String() string {
	return fmt.Sprintf("%02x:%02x:%02x:%02x:%02x:%02x", m[0], m[1], m[2], m[3], m[4], m[5])
}

func (m MAC) IsMulticast() bool {
	return m[0]&0x01 != 0
}

// MulticastMAC maps an IPv4 group onto 01:00:5e plus its low 23 bits.
func MulticastMAC(group netip.Addr) MAC {
	a := group.As4()
	return MAC{0x01, 0x00, 0x5e, a[1] & 0x7f, a[2], a[3]}
}

// Peripheral is the Ethernet MAC driver contract. Every call returns
// immediately; Transmit copies the frame before returning.
type Peripheral interface {
	HardwareAddr() MAC
	LinkUp() bool
	TxReady() bool
	Transmit(frame []byte) error
	Receive(buf []byte) (int, bool)
	AddMulticastMAC(MAC)
	RemoveMulticastMAC(MAC)
}

// CRCOffload is implemented by peripherals with a CRC unit that can
// checksum frames.
type CRCOffload interface {
	CRC() dsp.CRCEngine
}
