// Package loopback routes datagrams between in-process endpoints. It lets
// several modules share one test process without touching the network.
package loopback

import (
	"net/netip"
	"slices"
	"sync"
	"time"

	"github.com/danmuck/patchnet/internal/backend"
)

const DefaultInboxSize = 256

// Filter decides whether a datagram is delivered to one receiver. Returning
// false drops it, which is how tests inject loss.
type Filter func(src, dst netip.Addr, group netip.AddrPort, datagram []byte) bool

// Stats are per-endpoint delivery counters.
type Stats struct {
	Sent      uint64
	Delivered uint64
	Overflow  uint64
	Filtered  uint64
}

// Hub is the shared medium. All endpoints attached to one hub see each
// other's multicast traffic.
type Hub struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	filter    Filter
	inboxSize int
}

func NewHub() *Hub {
	return &Hub{inboxSize: DefaultInboxSize}
}

// SetInboxSize bounds each endpoint created afterwards.
func (h *Hub) SetInboxSize(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n > 0 {
		h.inboxSize = n
	}
}

func (h *Hub) SetFilter(f Filter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.filter = f
}

// NewEndpoint attaches a new endpoint with a unique unicast address. The
// link starts up.
func (h *Hub) NewEndpoint() *Endpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := len(h.endpoints) + 1
	ep := &Endpoint{
		hub:    h,
		addr:   netip.AddrFrom4([4]byte{10, 77, byte(n >> 8), byte(n)}),
		groups: make(map[netip.Addr]struct{}),
		inbox:  make([][]byte, 0, h.inboxSize),
		cap:    h.inboxSize,
		link:   true,
	}
	h.endpoints = append(h.endpoints, ep)
	return ep
}

// SetLink simulates a cable pull or reconnect. Dropping the link loses all
// group memberships and pending datagrams.
func (h *Hub) SetLink(ep *Endpoint, up bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ep.link == up {
		return
	}
	ep.link = up
	if !up {
		clear(ep.groups)
		ep.inbox = ep.inbox[:0]
		ep.epoch++
	}
}

// Endpoint is one module's view of the hub. It implements backend.Backend.
type Endpoint struct {
	hub       *Hub
	addr      netip.Addr
	groups    map[netip.Addr]struct{}
	inbox     [][]byte
	cap       int
	link      bool
	epoch     uint64
	busySends int
	busyJoins int
	stats     Stats
}

var _ backend.Backend = (*Endpoint)(nil)

func (e *Endpoint) Addr() netip.Addr {
	return e.addr
}

// InjectBusy makes the next n sends fail with backend.ErrBusy.
func (e *Endpoint) InjectBusy(n int) {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	e.busySends += n
}

// InjectJoinBusy makes the next n joins fail with backend.ErrBusy.
func (e *Endpoint) InjectJoinBusy(n int) {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	e.busyJoins += n
}

func (e *Endpoint) Send(dst netip.AddrPort, datagram []byte) error {
	h := e.hub
	h.mu.Lock()
	defer h.mu.Unlock()
	if !e.link {
		return backend.ErrLinkDown
	}
	if e.busySends > 0 {
		e.busySends--
		return backend.ErrBusy
	}
	e.stats.Sent++
	target := dst.Addr()
	for _, peer := range h.endpoints {
		if peer == e || !peer.link {
			continue
		}
		if target.IsMulticast() {
			if _, ok := peer.groups[target]; !ok {
				continue
			}
		} else if peer.addr != target {
			continue
		}
		if h.filter != nil && !h.filter(e.addr, peer.addr, dst, datagram) {
			peer.stats.Filtered++
			continue
		}
		peer.enqueue(datagram)
	}
	return nil
}

func (e *Endpoint) enqueue(datagram []byte) {
	if len(e.inbox) >= e.cap {
		e.stats.Overflow++
		return
	}
	e.inbox = append(e.inbox, slices.Clone(datagram))
	e.stats.Delivered++
}

func (e *Endpoint) Receive(buf []byte) (int, bool) {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	if len(e.inbox) == 0 {
		return 0, false
	}
	d := e.inbox[0]
	copy(e.inbox, e.inbox[1:])
	e.inbox[len(e.inbox)-1] = nil
	e.inbox = e.inbox[:len(e.inbox)-1]
	return copy(buf, d), true
}

func (e *Endpoint) JoinGroup(group netip.Addr) error {
	if !backend.ValidGroup(group) {
		return backend.ErrGroup
	}
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	if !e.link {
		return backend.ErrLinkDown
	}
	if e.busyJoins > 0 {
		e.busyJoins--
		return backend.ErrBusy
	}
	e.groups[group] = struct{}{}
	return nil
}

func (e *Endpoint) LeaveGroup(group netip.Addr) error {
	if !backend.ValidGroup(group) {
		return backend.ErrGroup
	}
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	delete(e.groups, group)
	return nil
}

func (e *Endpoint) Poll(time.Duration) backend.Status {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	st := backend.Status{Link: backend.LinkDown, Epoch: e.epoch}
	if e.link {
		st.Link = backend.LinkUp
	}
	return st
}

// Groups returns current memberships in address order.
func (e *Endpoint) Groups() []netip.Addr {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	out := make([]netip.Addr, 0, len(e.groups))
	for g := range e.groups {
		out = append(out, g)
	}
	slices.SortFunc(out, func(a, b netip.Addr) int { return a.Compare(b) })
	return out
}

func (e *Endpoint) Member(group netip.Addr) bool {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	_, ok := e.groups[group]
	return ok
}

func (e *Endpoint) Stats() Stats {
	e.hub.mu.Lock()
	defer e.hub.mu.Unlock()
	return e.stats
}
