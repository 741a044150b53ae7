package group

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	"github.com/danmuck/patchnet/internal/protocol"
)

const (
	DefaultPrefix        = "239.0.0.0/8"
	DefaultDiscoveryPort = 19874
	DefaultJackPort      = 19991
)

var ErrDomain = errors.New("group: invalid patch domain")

var multicastV4 = netip.MustParsePrefix("224.0.0.0/4")

// Domain is the patch identifier domain. Every jack group address and the
// discovery group are pure functions of it.
type Domain struct {
	Prefix        netip.Prefix
	DiscoveryPort uint16
	JackPort      uint16
}

func DefaultDomain() Domain {
	return Domain{
		Prefix:        netip.MustParsePrefix(DefaultPrefix),
		DiscoveryPort: DefaultDiscoveryPort,
		JackPort:      DefaultJackPort,
	}
}

// NewDomain parses prefix and applies default ports for zero values.
func NewDomain(prefix string, discoveryPort, jackPort uint16) (Domain, error) {
	p, err := netip.ParsePrefix(prefix)
	if err != nil {
		return Domain{}, fmt.Errorf("%w: %v", ErrDomain, err)
	}
	d := Domain{Prefix: p.Masked(), DiscoveryPort: discoveryPort, JackPort: jackPort}
	if d.DiscoveryPort == 0 {
		d.DiscoveryPort = DefaultDiscoveryPort
	}
	if d.JackPort == 0 {
		d.JackPort = DefaultJackPort
	}
	return d, d.Validate()
}

func (d Domain) Validate() error {
	if !d.Prefix.IsValid() || !d.Prefix.Addr().Is4() {
		return fmt.Errorf("%w: prefix %q is not IPv4", ErrDomain, d.Prefix)
	}
	if d.Prefix.Bits() < multicastV4.Bits() || !multicastV4.Contains(d.Prefix.Addr()) {
		return fmt.Errorf("%w: prefix %s is outside 224.0.0.0/4", ErrDomain, d.Prefix)
	}
	if d.Prefix.Bits() > 30 {
		return fmt.Errorf("%w: prefix %s leaves no room for jack groups", ErrDomain, d.Prefix)
	}
	if d.DiscoveryPort == 0 || d.JackPort == 0 {
		return fmt.Errorf("%w: ports must be non-zero", ErrDomain)
	}
	return nil
}

// Discovery is the beacon group, the base address of the prefix.
func (d Domain) Discovery() netip.AddrPort {
	return netip.AddrPortFrom(d.Prefix.Masked().Addr(), d.DiscoveryPort)
}

// JackGroup maps a source jack onto the prefix. Host offset zero belongs
// to discovery so offsets run 1..2^hostbits-1.
func (d Domain) JackGroup(key protocol.PatchKey) netip.Addr {
	base := d.Prefix.Masked().Addr().As4()
	hostBits := 32 - d.Prefix.Bits()
	span := uint64(1)<<hostBits - 1
	id := uint64(key.Module)*protocol.MaxJacksPerModule + uint64(key.Jack)
	off := uint32(id%span + 1)

	var out [4]byte
	binary.BigEndian.PutUint32(out[:], binary.BigEndian.Uint32(base[:])|off)
	return netip.AddrFrom4(out)
}

// JackEndpoint is where data frames for key are sent.
func (d Domain) JackEndpoint(key protocol.PatchKey) netip.AddrPort {
	return netip.AddrPortFrom(d.JackGroup(key), d.JackPort)
}
