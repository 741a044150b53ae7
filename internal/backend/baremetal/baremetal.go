// Package baremetal runs the protocol directly on an Ethernet peripheral.
// It frames IPv4/UDP itself, answers ARP, speaks IGMPv2 for group
// membership, and never allocates after New.
package baremetal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/danmuck/patchnet/internal/backend"
	"github.com/danmuck/patchnet/internal/dsp"
	"github.com/danmuck/patchnet/internal/protocol/group"
	"github.com/danmuck/patchnet/internal/retry"
)

const (
	MaxGroups = 32
	// RxBudget bounds how many non-datagram frames one Receive call may
	// consume before giving the loop back.
	RxBudget = 8
)

var (
	ErrConfig      = errors.New("baremetal: invalid config")
	ErrTooLarge    = errors.New("baremetal: datagram exceeds MTU")
	ErrGroupsFull  = errors.New("baremetal: group table full")
	ErrDestination = errors.New("baremetal: invalid destination")
)

type Config struct {
	// Addr is the module address and its subnet, e.g. 10.0.0.5/24.
	Addr    netip.Prefix
	Gateway netip.Addr
	Domain  group.Domain
	TTL     uint8
	// ARPRetry paces requests for unresolved neighbours, in cycles.
	ARPRetry    retry.Backoff[int]
	ARPAttempts int
	// ARPTimeout ages out resolved entries, in cycles. Zero keeps them.
	ARPTimeout uint64
}

func DefaultConfig(addr netip.Prefix) Config {
	return Config{
		Addr:        addr,
		Domain:      group.DefaultDomain(),
		TTL:         1,
		ARPRetry:    retry.Cycles(10, 500),
		ARPAttempts: 6,
		ARPTimeout:  60_000,
	}
}

// Stats counts link level events.
type Stats struct {
	RxFrames    uint64
	RxDropped   uint64
	TxFrames    uint64
	TxBusy      uint64
	ARPRequests uint64
	ARPReplies  uint64
	IGMPReports uint64
	IGMPLeaves  uint64
	IGMPQueries uint64
	LinkDowns   uint64
}

type groupEntry struct {
	addr      netip.Addr
	used      bool
	reportDue bool
}

type Backend struct {
	cfg   Config
	dev   Peripheral
	crc   dsp.CRCEngine
	mac   MAC
	self  netip.Addr
	link  bool
	epoch uint64
	cycle uint64
	ipID  uint16

	groups [MaxGroups]groupEntry
	arp    arpCache
	tx     [MaxFrameLen]byte
	rx     [MaxFrameLen]byte
	stats  Stats
}

var _ backend.Backend = (*Backend)(nil)

func New(dev Peripheral, cfg Config) (*Backend, error) {
	if dev == nil {
		return nil, fmt.Errorf("%w: nil peripheral", ErrConfig)
	}
	if !cfg.Addr.IsValid() || !cfg.Addr.Addr().Is4() {
		return nil, fmt.Errorf("%w: address %s", ErrConfig, cfg.Addr)
	}
	if err := cfg.Domain.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfig, err)
	}
	if cfg.TTL == 0 {
		cfg.TTL = 1
	}
	if cfg.ARPAttempts <= 0 {
		cfg.ARPAttempts = 1
	}
	b := &Backend{
		cfg:  cfg,
		dev:  dev,
		mac:  dev.HardwareAddr(),
		self: cfg.Addr.Addr(),
		link: dev.LinkUp(),
	}
	if off, ok := dev.(CRCOffload); ok {
		b.crc = off.CRC()
	}
	return b, nil
}

// CRC returns the peripheral's checksum engine, or nil when frames must be
// checksummed in software.
func (b *Backend) CRC() dsp.CRCEngine {
	return b.crc
}

func (b *Backend) Stats() Stats {
	return b.stats
}

func (b *Backend) Send(dst netip.AddrPort, datagram []byte) error {
	if !b.link {
		return backend.ErrLinkDown
	}
	if len(datagram) > MaxDatagram {
		return ErrTooLarge
	}
	if !dst.IsValid() || !dst.Addr().Is4() {
		return ErrDestination
	}
	mac, err := b.resolve(dst.Addr())
	if err != nil {
		return err
	}
	if !b.dev.TxReady() {
		b.stats.TxBusy++
		return backend.ErrBusy
	}
	putEth(b.tx[:], mac, b.mac, etherTypeIPv4)
	b.ipID++
	ip := b.tx[ethHeaderLen:]
	hlen := putIPv4(ip, b.ipID, b.cfg.TTL, protoUDP, b.self, dst.Addr(), udpHeaderLen+len(datagram), false)
	putUDP(ip[hlen:], b.cfg.Domain.JackPort, dst.Port(), len(datagram))
	copy(ip[hlen+udpHeaderLen:], datagram)
	return b.transmit(ethHeaderLen + hlen + udpHeaderLen + len(datagram))
}

func (b *Backend) transmit(n int) error {
	n = padded(b.tx[:], n)
	if err := b.dev.Transmit(b.tx[:n]); err != nil {
		b.stats.TxBusy++
		return backend.ErrBusy
	}
	b.stats.TxFrames++
	return nil
}

// resolve finds the next hop MAC. Unresolved unicast neighbours start an
// ARP exchange and report busy until it completes.
func (b *Backend) resolve(dst netip.Addr) (MAC, error) {
	if dst.IsMulticast() {
		return MulticastMAC(dst), nil
	}
	if dst == netip.AddrFrom4([4]byte{255, 255, 255, 255}) || dst == b.subnetBroadcast() {
		return BroadcastMAC, nil
	}
	hop := dst
	if !b.cfg.Addr.Contains(dst) {
		if !b.cfg.Gateway.IsValid() {
			return MAC{}, fmt.Errorf("%w: %s is off-link and no gateway is set", ErrDestination, dst)
		}
		hop = b.cfg.Gateway
	}
	if e := b.arp.lookup(hop); e != nil && e.state == arpResolved {
		return e.mac, nil
	}
	e := b.arp.slot(hop, b.cycle)
	if e.attempts == 0 && e.nextTry <= b.cycle {
		b.requestARP(e)
	}
	return MAC{}, backend.ErrBusy
}

func (b *Backend) subnetBroadcast() netip.Addr {
	a := b.cfg.Addr.Masked().Addr().As4()
	host := uint32(1)<<(32-b.cfg.Addr.Bits()) - 1
	v := binary.BigEndian.Uint32(a[:]) | host
	binary.BigEndian.PutUint32(a[:], v)
	return netip.AddrFrom4(a)
}

func (b *Backend) requestARP(e *arpEntry) {
	e.attempts++
	e.nextTry = b.cycle + uint64(b.cfg.ARPRetry.Delay(e.attempts, nil))
	if !b.dev.TxReady() {
		return
	}
	putEth(b.tx[:], BroadcastMAC, b.mac, etherTypeARP)
	putARP(b.tx[ethHeaderLen:], arpRequest, b.mac, b.self, MAC{}, e.ip)
	if b.transmit(ethHeaderLen+arpLen) == nil {
		b.stats.ARPRequests++
	}
}

func (b *Backend) Receive(buf []byte) (int, bool) {
	for i := 0; i < RxBudget; i++ {
		n, ok := b.dev.Receive(b.rx[:])
		if !ok {
			return 0, false
		}
		b.stats.RxFrames++
		if m, ok := b.handleFrame(b.rx[:n], buf); ok {
			return m, true
		}
	}
	return 0, false
}

func (b *Backend) handleFrame(f []byte, out []byte) (int, bool) {
	if len(f) < ethHeaderLen {
		b.stats.RxDropped++
		return 0, false
	}
	switch binary.BigEndian.Uint16(f[12:14]) {
	case etherTypeARP:
		b.handleARP(f[ethHeaderLen:])
	case etherTypeIPv4:
		return b.handleIPv4(f[ethHeaderLen:], out)
	default:
		b.stats.RxDropped++
	}
	return 0, false
}

func (b *Backend) handleARP(p []byte) {
	if len(p) < arpLen ||
		binary.BigEndian.Uint16(p[0:2]) != 1 ||
		binary.BigEndian.Uint16(p[2:4]) != etherTypeIPv4 ||
		p[4] != 6 || p[5] != 4 {
		b.stats.RxDropped++
		return
	}
	op := binary.BigEndian.Uint16(p[6:8])
	sha := MAC(p[8:14])
	spa := netip.AddrFrom4([4]byte(p[14:18]))
	tpa := netip.AddrFrom4([4]byte(p[24:28]))
	forUs := tpa == b.self
	b.arp.learn(spa, sha, b.cycle, forUs)
	if op == arpRequest && forUs && b.dev.TxReady() {
		putEth(b.tx[:], sha, b.mac, etherTypeARP)
		putARP(b.tx[ethHeaderLen:], arpReply, b.mac, b.self, sha, spa)
		if b.transmit(ethHeaderLen+arpLen) == nil {
			b.stats.ARPReplies++
		}
	}
}

func (b *Backend) handleIPv4(p []byte, out []byte) (int, bool) {
	if len(p) < ipv4HeaderLen || p[0]>>4 != 4 {
		b.stats.RxDropped++
		return 0, false
	}
	hlen := int(p[0]&0x0f) * 4
	total := int(binary.BigEndian.Uint16(p[2:4]))
	if hlen < ipv4HeaderLen || total < hlen || total > len(p) ||
		inetChecksum(p[:hlen]) != 0 ||
		binary.BigEndian.Uint16(p[6:8])&0x3fff != 0 {
		b.stats.RxDropped++
		return 0, false
	}
	p = p[:total]
	dst := netip.AddrFrom4([4]byte(p[16:20]))
	switch p[9] {
	case protoIGMP:
		b.handleIGMP(p[hlen:])
		return 0, false
	case protoUDP:
		return b.handleUDP(dst, p[hlen:], out)
	default:
		b.stats.RxDropped++
		return 0, false
	}
}

func (b *Backend) handleIGMP(p []byte) {
	if len(p) < igmpLen || inetChecksum(p) != 0 || p[0] != igmpQuery {
		return
	}
	b.stats.IGMPQueries++
	g := netip.AddrFrom4([4]byte(p[4:8]))
	for i := range b.groups {
		e := &b.groups[i]
		if e.used && (g.IsUnspecified() || g == e.addr) {
			e.reportDue = true
		}
	}
}

func (b *Backend) handleUDP(dst netip.Addr, p []byte, out []byte) (int, bool) {
	if len(p) < udpHeaderLen {
		b.stats.RxDropped++
		return 0, false
	}
	ulen := int(binary.BigEndian.Uint16(p[4:6]))
	port := binary.BigEndian.Uint16(p[2:4])
	if ulen < udpHeaderLen || ulen > len(p) || !b.accepts(dst, port) {
		b.stats.RxDropped++
		return 0, false
	}
	return copy(out, p[udpHeaderLen:ulen]), true
}

func (b *Backend) accepts(dst netip.Addr, port uint16) bool {
	if port != b.cfg.Domain.DiscoveryPort && port != b.cfg.Domain.JackPort {
		return false
	}
	if dst == b.self || dst == b.subnetBroadcast() {
		return true
	}
	return b.findGroup(dst) >= 0
}

func (b *Backend) findGroup(g netip.Addr) int {
	for i := range b.groups {
		if b.groups[i].used && b.groups[i].addr == g {
			return i
		}
	}
	return -1
}

func (b *Backend) JoinGroup(g netip.Addr) error {
	if !backend.ValidGroup(g) {
		return backend.ErrGroup
	}
	if b.findGroup(g) >= 0 {
		return nil
	}
	if !b.link {
		return backend.ErrLinkDown
	}
	slot := -1
	for i := range b.groups {
		if !b.groups[i].used {
			slot = i
			break
		}
	}
	if slot < 0 {
		return ErrGroupsFull
	}
	b.groups[slot] = groupEntry{addr: g, used: true, reportDue: true}
	b.dev.AddMulticastMAC(MulticastMAC(g))
	b.sendReport(&b.groups[slot])
	return nil
}

func (b *Backend) LeaveGroup(g netip.Addr) error {
	if !backend.ValidGroup(g) {
		return backend.ErrGroup
	}
	i := b.findGroup(g)
	if i < 0 {
		return nil
	}
	b.groups[i] = groupEntry{}
	mac := MulticastMAC(g)
	shared := false
	for j := range b.groups {
		if b.groups[j].used && MulticastMAC(b.groups[j].addr) == mac {
			shared = true
			break
		}
	}
	if !shared {
		b.dev.RemoveMulticastMAC(mac)
	}
	if b.link && b.dev.TxReady() {
		if b.sendIGMP(igmpLeave, allRouters, g) == nil {
			b.stats.IGMPLeaves++
		}
	}
	return nil
}

func (b *Backend) sendReport(e *groupEntry) {
	if !b.link || !b.dev.TxReady() {
		return
	}
	if b.sendIGMP(igmpV2Report, e.addr, e.addr) == nil {
		e.reportDue = false
		b.stats.IGMPReports++
	}
}

func (b *Backend) sendIGMP(typ uint8, to, g netip.Addr) error {
	putEth(b.tx[:], MulticastMAC(to), b.mac, etherTypeIPv4)
	b.ipID++
	ip := b.tx[ethHeaderLen:]
	hlen := putIPv4(ip, b.ipID, 1, protoIGMP, b.self, to, igmpLen, true)
	putIGMP(ip[hlen:], typ, g)
	return b.transmit(ethHeaderLen + hlen + igmpLen)
}

// Poll tracks the link, sends due IGMP reports and retries ARP. Losing the
// link forgets every group and bumps the epoch so the registry rejoins.
func (b *Backend) Poll(time.Duration) backend.Status {
	b.cycle++
	up := b.dev.LinkUp()
	if b.link && !up {
		b.dropMemberships()
		b.arp.reset()
		b.epoch++
		b.stats.LinkDowns++
	}
	b.link = up
	if up {
		for i := range b.groups {
			if e := &b.groups[i]; e.used && e.reportDue {
				b.sendReport(e)
			}
		}
		b.retryARP()
		b.arp.expire(b.cycle, b.cfg.ARPTimeout)
	}
	st := backend.Status{Link: backend.LinkDown, Epoch: b.epoch}
	if b.link {
		st.Link = backend.LinkUp
	}
	return st
}

func (b *Backend) dropMemberships() {
	for i := range b.groups {
		if b.groups[i].used {
			b.dev.RemoveMulticastMAC(MulticastMAC(b.groups[i].addr))
		}
		b.groups[i] = groupEntry{}
	}
}

func (b *Backend) retryARP() {
	for i := range b.arp.entries {
		e := &b.arp.entries[i]
		if e.state != arpPending || e.nextTry > b.cycle {
			continue
		}
		if e.attempts >= b.cfg.ARPAttempts {
			*e = arpEntry{}
			continue
		}
		b.requestARP(e)
	}
}

// Groups lists joined groups in table order.
func (b *Backend) Groups() []netip.Addr {
	var out []netip.Addr
	for i := range b.groups {
		if b.groups[i].used {
			out = append(out, b.groups[i].addr)
		}
	}
	return out
}
