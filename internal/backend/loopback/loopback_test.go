package loopback

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/danmuck/patchnet/internal/backend"
	"github.com/danmuck/patchnet/internal/testutil/testlog"
)

var testGroup = netip.MustParseAddr("239.0.0.9")

func recv(t *testing.T, e *Endpoint) (string, bool) {
	t.Helper()
	buf := make([]byte, 64)
	n, ok := e.Receive(buf)
	return string(buf[:n]), ok
}

func TestMulticastDeliveryFollowsMembership(t *testing.T) {
	testlog.Start(t)

	hub := NewHub()
	a, b, c := hub.NewEndpoint(), hub.NewEndpoint(), hub.NewEndpoint()
	if err := b.JoinGroup(testGroup); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := b.JoinGroup(testGroup); err != nil {
		t.Fatalf("second join: %v", err)
	}
	if err := a.JoinGroup(testGroup); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := a.Send(netip.AddrPortFrom(testGroup, 1), []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	if got, ok := recv(t, b); !ok || got != "hello" {
		t.Fatalf("member did not receive: %q %v", got, ok)
	}
	if _, ok := recv(t, b); ok {
		t.Fatalf("expected one delivery despite double join")
	}
	if _, ok := recv(t, c); ok {
		t.Fatalf("non-member received multicast")
	}
	if _, ok := recv(t, a); ok {
		t.Fatalf("sender received its own multicast")
	}

	if err := b.LeaveGroup(testGroup); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := b.LeaveGroup(testGroup); err != nil {
		t.Fatalf("leave without membership should be a no-op: %v", err)
	}
	_ = a.Send(netip.AddrPortFrom(testGroup, 1), []byte("again"))
	if _, ok := recv(t, b); ok {
		t.Fatalf("received after leave")
	}
}

func TestUnicastAndFilter(t *testing.T) {
	testlog.Start(t)

	hub := NewHub()
	a, b := hub.NewEndpoint(), hub.NewEndpoint()
	if a.Addr() == b.Addr() {
		t.Fatalf("endpoints share an address")
	}
	hub.SetFilter(func(_, _ netip.Addr, _ netip.AddrPort, d []byte) bool { return string(d) != "drop" })
	_ = a.Send(netip.AddrPortFrom(b.Addr(), 1), []byte("drop"))
	_ = a.Send(netip.AddrPortFrom(b.Addr(), 1), []byte("keep"))
	if got, ok := recv(t, b); !ok || got != "keep" {
		t.Fatalf("unexpected unicast delivery: %q %v", got, ok)
	}
	if st := b.Stats(); st.Filtered != 1 || st.Delivered != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestInboxOverflowDrops(t *testing.T) {
	testlog.Start(t)

	hub := NewHub()
	hub.SetInboxSize(2)
	a, b := hub.NewEndpoint(), hub.NewEndpoint()
	for i := 0; i < 5; i++ {
		_ = a.Send(netip.AddrPortFrom(b.Addr(), 1), []byte{byte(i)})
	}
	if st := b.Stats(); st.Delivered != 2 || st.Overflow != 3 {
		t.Fatalf("unexpected stats: %+v", st)
	}
}

func TestBusyInjectionAndLinkLoss(t *testing.T) {
	testlog.Start(t)

	hub := NewHub()
	a := hub.NewEndpoint()
	a.InjectBusy(1)
	if err := a.Send(netip.AddrPortFrom(testGroup, 1), []byte("x")); !errors.Is(err, backend.ErrBusy) {
		t.Fatalf("expected ErrBusy, got %v", err)
	}
	if err := a.Send(netip.AddrPortFrom(testGroup, 1), []byte("x")); err != nil {
		t.Fatalf("busy should clear after one send: %v", err)
	}
	a.InjectJoinBusy(1)
	if err := a.JoinGroup(testGroup); !errors.Is(err, backend.ErrBusy) {
		t.Fatalf("expected busy join, got %v", err)
	}
	if err := a.JoinGroup(testGroup); err != nil {
		t.Fatalf("join: %v", err)
	}

	before := a.Poll(0)
	hub.SetLink(a, false)
	st := a.Poll(0)
	if st.Link != backend.LinkDown || st.Epoch == before.Epoch {
		t.Fatalf("expected link down with new epoch, got %+v", st)
	}
	if len(a.Groups()) != 0 {
		t.Fatalf("memberships should be lost on link down")
	}
	if err := a.Send(netip.AddrPortFrom(testGroup, 1), []byte("x")); !errors.Is(err, backend.ErrLinkDown) {
		t.Fatalf("expected ErrLinkDown, got %v", err)
	}
	if err := a.JoinGroup(testGroup); !errors.Is(err, backend.ErrLinkDown) {
		t.Fatalf("expected join to fail while down, got %v", err)
	}
	hub.SetLink(a, true)
	if st := a.Poll(0); st.Link != backend.LinkUp {
		t.Fatalf("expected link up, got %+v", st)
	}
	if err := a.JoinGroup(netip.MustParseAddr("10.0.0.1")); !errors.Is(err, backend.ErrGroup) {
		t.Fatalf("expected ErrGroup, got %v", err)
	}
}
