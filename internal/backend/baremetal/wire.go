package baremetal

import (
	"encoding/binary"
	"net/netip"
)

const (
	ethHeaderLen  = 14
	ipv4HeaderLen = 20
	udpHeaderLen  = 8
	igmpLen       = 8
	arpLen        = 28
	routerAlert   = 4

	MTU           = 1500
	MaxFrameLen   = ethHeaderLen + MTU
	MaxDatagram   = MTU - ipv4HeaderLen - udpHeaderLen
	minEthPayload = 46

	etherTypeIPv4 = 0x0800
	etherTypeARP  = 0x0806

	protoIGMP = 2
	protoUDP  = 17

	igmpQuery    = 0x11
	igmpV2Report = 0x16
	igmpLeave    = 0x17

	arpRequest = 1
	arpReply   = 2
)

var allRouters = netip.AddrFrom4([4]byte{224, 0, 0, 2})

// inetChecksum is the RFC 1071 ones' complement sum. Over a header that
// already carries its checksum the result is zero.
func inetChecksum(b []byte) uint16 {
	var sum uint32
	for len(b) >= 2 {
		sum += uint32(b[0])<<8 | uint32(b[1])
		b = b[2:]
	}
	if len(b) == 1 {
		sum += uint32(b[0]) << 8
	}
	for sum>>16 != 0 {
		sum = sum&0xffff + sum>>16
	}
	return ^uint16(sum)
}

func putEth(b []byte, dst, src MAC, etherType uint16) {
	copy(b[0:6], dst[:])
	copy(b[6:12], src[:])
	binary.BigEndian.PutUint16(b[12:14], etherType)
}

// putIPv4 writes a header without fragmentation and returns its length.
// withAlert adds the router alert option IGMP requires.
func putIPv4(b []byte, id uint16, ttl, proto uint8, src, dst netip.Addr, payloadLen int, withAlert bool) int {
	hlen := ipv4HeaderLen
	if withAlert {
		hlen += routerAlert
	}
	b[0] = 0x40 | uint8(hlen/4)
	b[1] = 0
	binary.BigEndian.PutUint16(b[2:4], uint16(hlen+payloadLen))
	binary.BigEndian.PutUint16(b[4:6], id)
	binary.BigEndian.PutUint16(b[6:8], 0x4000)
	b[8] = ttl
	b[9] = proto
	b[10], b[11] = 0, 0
	s, d := src.As4(), dst.As4()
	copy(b[12:16], s[:])
	copy(b[16:20], d[:])
	if withAlert {
		b[20], b[21], b[22], b[23] = 0x94, 0x04, 0x00, 0x00
	}
	binary.BigEndian.PutUint16(b[10:12], inetChecksum(b[:hlen]))
	return hlen
}

func putUDP(b []byte, srcPort, dstPort uint16, payloadLen int) {
	binary.BigEndian.PutUint16(b[0:2], srcPort)
	binary.BigEndian.PutUint16(b[2:4], dstPort)
	binary.BigEndian.PutUint16(b[4:6], uint16(udpHeaderLen+payloadLen))
	// Zero means no checksum over IPv4; frames carry their own CRC.
	binary.BigEndian.PutUint16(b[6:8], 0)
}

func putIGMP(b []byte, typ uint8, group netip.Addr) {
	b[0] = typ
	b[1] = 0
	b[2], b[3] = 0, 0
	g := group.As4()
	copy(b[4:8], g[:])
	binary.BigEndian.PutUint16(b[2:4], inetChecksum(b[:igmpLen]))
}

func putARP(b []byte, op uint16, sha MAC, spa netip.Addr, tha MAC, tpa netip.Addr) {
	binary.BigEndian.PutUint16(b[0:2], 1)
	binary.BigEndian.PutUint16(b[2:4], etherTypeIPv4)
	b[4] = 6
	b[5] = 4
	binary.BigEndian.PutUint16(b[6:8], op)
	s, t := spa.As4(), tpa.As4()
	copy(b[8:14], sha[:])
	copy(b[14:18], s[:])
	copy(b[18:24], tha[:])
	copy(b[24:28], t[:])
}

// padded extends short frames to the Ethernet minimum.
func padded(b []byte, n int) int {
	floor := ethHeaderLen + minEthPayload
	if n >= floor {
		return n
	}
	clear(b[n:floor])
	return floor
}
