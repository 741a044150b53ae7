//go:build linux || darwin

// Package host runs the protocol over operating system UDP sockets. It is
// the backend for development machines and bridge nodes.
package host

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/danmuck/patchnet/internal/backend"
	"github.com/danmuck/patchnet/internal/protocol/group"
)

const DefaultProbeInterval = 250 * time.Millisecond

type Config struct {
	// Interface pins multicast traffic to one NIC. Empty uses the kernel
	// default route and assumes the link is always up.
	Interface     string
	Domain        group.Domain
	Loopback      bool
	TTL           int
	ProbeInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Domain:        group.DefaultDomain(),
		Loopback:      true,
		TTL:           1,
		ProbeInterval: DefaultProbeInterval,
	}
}

// socket is one bound UDP port with its raw fd and multicast controls.
type socket struct {
	conn *net.UDPConn
	raw  syscall.RawConn
	pc   *ipv4.PacketConn
}

// Backend holds two sockets: beacons arrive on the discovery port, data
// frames on the jack port. Both are polled without blocking.
type Backend struct {
	cfg       Config
	log       zerolog.Logger
	ifi       *net.Interface
	discovery socket
	jack      socket
	groups    map[netip.Addr]struct{}
	link      backend.LinkState
	epoch     uint64
	nextProbe time.Duration
	turn      bool
}

var _ backend.Backend = (*Backend)(nil)

func Open(ctx context.Context, cfg Config, log zerolog.Logger) (*Backend, error) {
	if err := cfg.Domain.Validate(); err != nil {
		return nil, err
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 1
	}
	b := &Backend{
		cfg:    cfg,
		log:    log.With().Str("backend", "host").Logger(),
		groups: make(map[netip.Addr]struct{}),
		link:   backend.LinkUp,
	}
	if cfg.Interface != "" {
		ifi, err := net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("host: interface %q: %w", cfg.Interface, err)
		}
		b.ifi = ifi
	}
	var err error
	if b.discovery, err = b.listen(ctx, cfg.Domain.DiscoveryPort); err != nil {
		return nil, err
	}
	if b.jack, err = b.listen(ctx, cfg.Domain.JackPort); err != nil {
		_ = b.discovery.conn.Close()
		return nil, err
	}
	b.log.Info().
		Str("interface", cfg.Interface).
		Uint16("discovery_port", cfg.Domain.DiscoveryPort).
		Uint16("jack_port", cfg.Domain.JackPort).
		Msg("host backend open")
	return b, nil
}

func (b *Backend) listen(ctx context.Context, port uint16) (socket, error) {
	lc := net.ListenConfig{Control: reuseControl}
	pc, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return socket{}, fmt.Errorf("host: listen :%d: %w", port, err)
	}
	conn := pc.(*net.UDPConn)
	raw, err := conn.SyscallConn()
	if err != nil {
		_ = conn.Close()
		return socket{}, fmt.Errorf("host: raw conn :%d: %w", port, err)
	}
	s := socket{conn: conn, raw: raw, pc: ipv4.NewPacketConn(conn)}
	if err := s.pc.SetMulticastLoopback(b.cfg.Loopback); err != nil {
		b.log.Warn().Err(err).Uint16("port", port).Msg("multicast loopback not set")
	}
	if err := s.pc.SetMulticastTTL(b.cfg.TTL); err != nil {
		b.log.Warn().Err(err).Uint16("port", port).Msg("multicast ttl not set")
	}
	if b.ifi != nil {
		if err := s.pc.SetMulticastInterface(b.ifi); err != nil {
			_ = conn.Close()
			return socket{}, fmt.Errorf("host: multicast interface: %w", err)
		}
	}
	return s, nil
}

func reuseControl(_, _ string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if serr == nil {
			serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		}
	})
	if err != nil {
		return err
	}
	return serr
}

func (b *Backend) Close() error {
	return errors.Join(b.discovery.conn.Close(), b.jack.conn.Close())
}

func (b *Backend) Send(dst netip.AddrPort, datagram []byte) error {
	if b.link == backend.LinkDown {
		return backend.ErrLinkDown
	}
	sa, err := sockaddr(dst)
	if err != nil {
		return err
	}
	var serr error
	err = b.jack.raw.Write(func(fd uintptr) bool {
		serr = unix.Sendto(int(fd), datagram, unix.MSG_DONTWAIT, sa)
		return true
	})
	if err != nil {
		return classify(err)
	}
	return classify(serr)
}

// Receive alternates between the two sockets so neither starves.
func (b *Backend) Receive(buf []byte) (int, bool) {
	first, second := b.jack, b.discovery
	if b.turn {
		first, second = second, first
	}
	b.turn = !b.turn
	if n, ok := recvNow(first.raw, buf); ok {
		return n, true
	}
	return recvNow(second.raw, buf)
}

func recvNow(raw syscall.RawConn, buf []byte) (int, bool) {
	var (
		n    int
		rerr error
	)
	err := raw.Read(func(fd uintptr) bool {
		n, _, rerr = unix.Recvfrom(int(fd), buf, unix.MSG_DONTWAIT)
		return true
	})
	if err != nil || rerr != nil || n < 0 {
		return 0, false
	}
	return min(n, len(buf)), true
}

func (b *Backend) socketFor(g netip.Addr) socket {
	if g == b.cfg.Domain.Discovery().Addr() {
		return b.discovery
	}
	return b.jack
}

func (b *Backend) JoinGroup(g netip.Addr) error {
	if !backend.ValidGroup(g) {
		return backend.ErrGroup
	}
	if _, ok := b.groups[g]; ok {
		return nil
	}
	if b.link == backend.LinkDown {
		return backend.ErrLinkDown
	}
	s := b.socketFor(g)
	if err := s.pc.JoinGroup(b.ifi, &net.UDPAddr{IP: g.AsSlice()}); err != nil {
		if errors.Is(err, unix.EADDRINUSE) {
			b.groups[g] = struct{}{}
			return nil
		}
		return classify(err)
	}
	b.groups[g] = struct{}{}
	return nil
}

func (b *Backend) LeaveGroup(g netip.Addr) error {
	if !backend.ValidGroup(g) {
		return backend.ErrGroup
	}
	if _, ok := b.groups[g]; !ok {
		return nil
	}
	delete(b.groups, g)
	if err := b.socketFor(g).pc.LeaveGroup(b.ifi, &net.UDPAddr{IP: g.AsSlice()}); err != nil {
		b.log.Debug().Err(err).Str("group", g.String()).Msg("leave group")
	}
	return nil
}

// Poll probes the pinned interface at most once per probe interval. A
// down transition drops every membership and advances the epoch.
func (b *Backend) Poll(now time.Duration) backend.Status {
	if b.ifi != nil && now >= b.nextProbe {
		b.nextProbe = now + b.cfg.ProbeInterval
		b.setLink(probe(b.cfg.Interface))
	}
	return backend.Status{Link: b.link, Epoch: b.epoch}
}

func (b *Backend) setLink(s backend.LinkState) {
	if s == b.link {
		return
	}
	b.log.Info().Str("interface", b.cfg.Interface).Str("link", s.String()).Msg("link state changed")
	b.link = s
	if s == backend.LinkDown {
		for g := range b.groups {
			_ = b.socketFor(g).pc.LeaveGroup(b.ifi, &net.UDPAddr{IP: g.AsSlice()})
		}
		clear(b.groups)
		b.epoch++
	}
}

func probe(name string) backend.LinkState {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return backend.LinkDown
	}
	return linkFromFlags(ifi.Flags)
}

func linkFromFlags(f net.Flags) backend.LinkState {
	if f&net.FlagUp != 0 && f&net.FlagRunning != 0 {
		return backend.LinkUp
	}
	return backend.LinkDown
}

func sockaddr(dst netip.AddrPort) (*unix.SockaddrInet4, error) {
	if !dst.IsValid() || !dst.Addr().Is4() || dst.Port() == 0 {
		return nil, fmt.Errorf("host: invalid destination %s", dst)
	}
	return &unix.SockaddrInet4{Port: int(dst.Port()), Addr: dst.Addr().As4()}, nil
}

// classify maps socket errors onto the backend contract. Unknown errors are
// returned wrapped so callers can log them.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EWOULDBLOCK), errors.Is(err, unix.ENOBUFS), errors.Is(err, unix.EINTR):
		return backend.ErrBusy
	case errors.Is(err, unix.ENETDOWN), errors.Is(err, unix.ENETUNREACH), errors.Is(err, unix.EHOSTUNREACH),
		errors.Is(err, unix.ENODEV), errors.Is(err, unix.EADDRNOTAVAIL):
		return backend.ErrLinkDown
	default:
		return fmt.Errorf("host: %w", err)
	}
}
