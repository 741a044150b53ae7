package backend

import (
	"errors"
	"net/netip"
	"time"
)

var (
	// ErrBusy is transient. The caller retries next cycle.
	ErrBusy = errors.New("backend: busy")
	// ErrLinkDown holds until the link is reported up again.
	ErrLinkDown = errors.New("backend: link down")
	// ErrGroup rejects a non-multicast group address.
	ErrGroup = errors.New("backend: invalid multicast group")
)

type LinkState uint8

const (
	LinkDown LinkState = iota
	LinkUp
)

func (s LinkState) String() string {
	if s == LinkUp {
		return "up"
	}
	return "down"
}

// Status is reported by Poll every cycle. Epoch increments whenever group
// memberships may have been lost, such as after a link reset.
type Status struct {
	Link  LinkState
	Epoch uint64
}

// Backend is the non-blocking datagram capability. Every method returns
// immediately.
type Backend interface {
	// Send fails with ErrBusy or ErrLinkDown, never blocks.
	Send(dst netip.AddrPort, datagram []byte) error
	// Receive copies at most one pending datagram into buf.
	Receive(buf []byte) (n int, ok bool)
	// JoinGroup and LeaveGroup are idempotent.
	JoinGroup(group netip.Addr) error
	LeaveGroup(group netip.Addr) error
	// Poll advances housekeeping and must be called once per cycle. now is
	// monotonic time since the loop started.
	Poll(now time.Duration) Status
}

// ValidGroup reports whether a is an IPv4 multicast address.
func ValidGroup(a netip.Addr) bool {
	return a.Is4() && a.IsMulticast()
}
