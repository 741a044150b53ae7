package registry

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/rs/zerolog"

	"github.com/danmuck/patchnet/internal/backend/loopback"
	"github.com/danmuck/patchnet/internal/protocol"
	"github.com/danmuck/patchnet/internal/protocol/beacon"
	"github.com/danmuck/patchnet/internal/testutil/testlog"
)

const (
	selfID protocol.ModuleID = 0x10
	peerID protocol.ModuleID = 0x20

	jackOut protocol.JackID = 1
	jackIn  protocol.JackID = 2
	jackCV  protocol.JackID = 3
	jackIn2 protocol.JackID = 4
)

func localJacks() []protocol.Jack {
	return []protocol.Jack{
		{ID: jackOut, Name: "out", Direction: protocol.DirSource, Kind: protocol.SignalAudio, Channels: 1},
		{ID: jackIn, Name: "in", Direction: protocol.DirSink, Kind: protocol.SignalAudio, Channels: 1},
		{ID: jackCV, Name: "cv", Direction: protocol.DirSink, Kind: protocol.SignalControl, Channels: 1},
		{ID: jackIn2, Name: "in2", Direction: protocol.DirSink, Kind: protocol.SignalAudio, Channels: 1},
	}
}

func newTestRegistry(t *testing.T, cfg Config) (*Registry, *loopback.Hub, *loopback.Endpoint) {
	t.Helper()
	hub := loopback.NewHub()
	ep := hub.NewEndpoint()
	r, err := New(protocol.Identity{ID: selfID, Label: "self"}, localJacks(), ep, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	r.Reconcile(ep.Poll(0))
	return r, hub, ep
}

func peerBeacon(t *testing.T, id protocol.ModuleID, entries []beacon.Entry, page int) *beacon.Beacon {
	t.Helper()
	b, err := beacon.Paginate(protocol.Identity{ID: id, Label: "peer"}, entries, page, 0, DefaultBeaconPeriod)
	if err != nil {
		t.Fatalf("paginate: %v", err)
	}
	return &b
}

func audioSource(jack protocol.JackID) beacon.Entry {
	return beacon.Entry{Jack: jack, Direction: protocol.DirSource, Kind: protocol.SignalAudio, Channels: 1}
}

// refusingBackend rejects joins of one group with a hard error.
type refusingBackend struct {
	*loopback.Endpoint
	refuse   netip.Addr
	attempts int
}

var errTableFull = errors.New("test: group table full")

func (b *refusingBackend) JoinGroup(g netip.Addr) error {
	if g == b.refuse {
		b.attempts++
		return errTableFull
	}
	return b.Endpoint.JoinGroup(g)
}

func TestDiscoveryGroupJoinedOnFirstReconcile(t *testing.T) {
	testlog.Start(t)

	r, _, ep := newTestRegistry(t, DefaultConfig())
	disc := r.Config().Domain.Discovery().Addr()
	if !ep.Member(disc) || !r.Member(disc) {
		t.Fatalf("discovery group not joined")
	}
}

func TestConnectIsIdempotent(t *testing.T) {
	testlog.Start(t)

	r, _, ep := newTestRegistry(t, DefaultConfig())
	src := protocol.PatchKey{Module: peerID, Jack: 1}
	g := r.Group(src)
	for i := 0; i < 2; i++ {
		if err := r.Connect(src, jackIn); err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
	}
	if !ep.Member(g) {
		t.Fatalf("group not joined")
	}
	if st := r.Stats(); st.Joins != 2 {
		t.Fatalf("expected discovery + one patch join, got %d", st.Joins)
	}
	if got := r.SinksFor(src); len(got) != 1 || got[0] != jackIn {
		t.Fatalf("unexpected sinks %v", got)
	}

	// A second sink on the same source shares the membership.
	if err := r.Connect(src, jackIn2); err != nil {
		t.Fatalf("connect second sink: %v", err)
	}
	if err := r.Disconnect(src, jackIn); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if !ep.Member(g) {
		t.Fatalf("group left while another sink still uses it")
	}
	if err := r.Disconnect(src, jackIn2); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if ep.Member(g) {
		t.Fatalf("group still joined after last disconnect")
	}
	if err := r.Disconnect(src, jackIn2); err != nil {
		t.Fatalf("disconnect without patch should be a no-op: %v", err)
	}
	if st := r.Stats(); st.Leaves != 1 {
		t.Fatalf("expected one leave, got %d", st.Leaves)
	}
}

func TestConnectMovesOccupiedSink(t *testing.T) {
	testlog.Start(t)

	r, _, ep := newTestRegistry(t, DefaultConfig())
	a := protocol.PatchKey{Module: peerID, Jack: 1}
	b := protocol.PatchKey{Module: peerID, Jack: 2}
	_ = r.Connect(a, jackIn)
	if err := r.Connect(b, jackIn); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if ep.Member(r.Group(a)) || !ep.Member(r.Group(b)) {
		t.Fatalf("sink did not move to the new source")
	}
	patches := r.Patches()
	if len(patches) != 1 || patches[0].Source != b || !patches[0].Joined {
		t.Fatalf("unexpected patches %+v", patches)
	}
	if r.Entries()[1].Patched != b {
		t.Fatalf("advertised patch not updated: %+v", r.Entries()[1])
	}
}

func TestConnectValidation(t *testing.T) {
	testlog.Start(t)

	r, _, _ := newTestRegistry(t, DefaultConfig())
	src := protocol.PatchKey{Module: peerID, Jack: 1}
	if err := r.Connect(src, 99); !errors.Is(err, ErrUnknownJack) {
		t.Fatalf("expected ErrUnknownJack, got %v", err)
	}
	if err := r.Connect(src, jackOut); !errors.Is(err, ErrNotSink) {
		t.Fatalf("expected ErrNotSink, got %v", err)
	}
	if err := r.Connect(protocol.PatchKey{}, jackIn); !errors.Is(err, ErrInvalidSource) {
		t.Fatalf("expected ErrInvalidSource, got %v", err)
	}
	// Jack 32 of one module would share a group with jack 0 of the next.
	if err := r.Connect(protocol.PatchKey{Module: peerID, Jack: protocol.MaxJacksPerModule}, jackIn); !errors.Is(err, ErrInvalidSource) {
		t.Fatalf("expected out of range source jack to be rejected, got %v", err)
	}
	if err := r.Connect(protocol.PatchKey{Module: selfID, Jack: jackOut}, jackCV); !errors.Is(err, ErrKindMismatch) {
		t.Fatalf("expected ErrKindMismatch, got %v", err)
	}
	if err := r.Connect(protocol.PatchKey{Module: selfID, Jack: jackIn2}, jackIn); !errors.Is(err, ErrInvalidSource) {
		t.Fatalf("expected sink as source to be rejected, got %v", err)
	}
}

func TestLocalPatchCountsAsSubscriber(t *testing.T) {
	testlog.Start(t)

	r, _, ep := newTestRegistry(t, DefaultConfig())
	before := len(ep.Groups())
	if err := r.Connect(protocol.PatchKey{Module: selfID, Jack: jackOut}, jackIn); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if r.Subscribers(jackOut) != 1 || r.RemoteSubscribers(jackOut) != 0 {
		t.Fatalf("expected one local subscriber")
	}
	if len(ep.Groups()) != before {
		t.Fatalf("local patch must not join a group")
	}
}

func TestBusyJoinIsRetried(t *testing.T) {
	testlog.Start(t)

	r, _, ep := newTestRegistry(t, DefaultConfig())
	src := protocol.PatchKey{Module: peerID, Jack: 1}
	ep.InjectJoinBusy(1)
	if err := r.Connect(src, jackIn); err != nil {
		t.Fatalf("busy join should not fail connect: %v", err)
	}
	if r.Member(r.Group(src)) {
		t.Fatalf("membership recorded despite busy backend")
	}
	r.Reconcile(ep.Poll(0))
	if !r.Member(r.Group(src)) || !ep.Member(r.Group(src)) {
		t.Fatalf("busy join not retried")
	}
	if st := r.Stats(); st.JoinRetries != 1 {
		t.Fatalf("expected one retry, got %d", st.JoinRetries)
	}
}

func TestEpochChangeRejoins(t *testing.T) {
	testlog.Start(t)

	r, hub, ep := newTestRegistry(t, DefaultConfig())
	src := protocol.PatchKey{Module: peerID, Jack: 1}
	_ = r.Connect(src, jackIn)

	hub.SetLink(ep, false)
	r.Reconcile(ep.Poll(0))
	if r.Member(r.Group(src)) {
		t.Fatalf("membership should be marked lost")
	}
	hub.SetLink(ep, true)
	r.Reconcile(ep.Poll(0))
	if !ep.Member(r.Group(src)) || !ep.Member(r.Config().Domain.Discovery().Addr()) {
		t.Fatalf("groups not rejoined after link recovery: %v", ep.Groups())
	}
	if st := r.Stats(); st.Rejoins != 1 {
		t.Fatalf("expected one rejoin round, got %d", st.Rejoins)
	}
}

func TestPeerLifecycle(t *testing.T) {
	testlog.Start(t)

	r, _, ep := newTestRegistry(t, DefaultConfig())
	src := protocol.PatchKey{Module: peerID, Jack: 1}
	if err := r.HandleBeacon(peerBeacon(t, peerID, []beacon.Entry{audioSource(1)}, 0), 0); err != nil {
		t.Fatalf("beacon: %v", err)
	}
	if p, ok := r.Peer(peerID); !ok || p.State != StateActive || len(p.Jacks) != 1 {
		t.Fatalf("expected active peer, got %+v %v", p, ok)
	}
	if err := r.Connect(src, jackIn); err != nil {
		t.Fatalf("connect: %v", err)
	}

	stale := uint64(DefaultStaleAfter * DefaultBeaconPeriod)
	evict := uint64(DefaultEvictAfter * DefaultBeaconPeriod)

	r.Tick(stale - 1)
	if p, _ := r.Peer(peerID); p.State != StateActive {
		t.Fatalf("peer went stale early: %s", p.State)
	}
	r.Tick(stale)
	if p, _ := r.Peer(peerID); p.State != StateStale {
		t.Fatalf("expected stale at %d, got %s", stale, p.State)
	}
	if len(r.ActivePeers()) != 0 {
		t.Fatalf("stale peer listed as active")
	}
	r.Tick(evict - 1)
	if _, ok := r.Peer(peerID); !ok || !ep.Member(r.Group(src)) {
		t.Fatalf("peer evicted early")
	}
	r.Tick(evict)
	if _, ok := r.Peer(peerID); ok {
		t.Fatalf("expected peer evicted at %d", evict)
	}
	if ep.Member(r.Group(src)) {
		t.Fatalf("group of evicted peer still joined")
	}
	if p := r.Patches(); len(p) != 1 || !p[0].Suspended {
		t.Fatalf("patch should be kept suspended: %+v", p)
	}

	if err := r.HandleBeacon(peerBeacon(t, peerID, []beacon.Entry{audioSource(1)}, 0), evict+10); err != nil {
		t.Fatalf("beacon: %v", err)
	}
	if !ep.Member(r.Group(src)) {
		t.Fatalf("patch not resumed when the peer returned")
	}
	st := r.Stats()
	if st.PeersAnnounced != 2 || st.PeersStale != 1 || st.PeersEvicted != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestPagedBeaconStaysAnnouncedUntilComplete(t *testing.T) {
	testlog.Start(t)

	r, _, _ := newTestRegistry(t, DefaultConfig())
	entries := make([]beacon.Entry, 20)
	for i := range entries {
		entries[i] = audioSource(protocol.JackID(i))
	}
	_ = r.HandleBeacon(peerBeacon(t, peerID, entries, 1), 5)
	if p, _ := r.Peer(peerID); p.State != StateAnnounced {
		t.Fatalf("expected announced after one page, got %s", p.State)
	}
	_ = r.HandleBeacon(peerBeacon(t, peerID, entries, 0), 6)
	p, _ := r.Peer(peerID)
	if p.State != StateActive || len(p.Jacks) != len(entries) {
		t.Fatalf("expected active with %d jacks, got %s with %d", len(entries), p.State, len(p.Jacks))
	}
	if p.Jacks[0].Jack != 0 || p.Jacks[19].Jack != 19 {
		t.Fatalf("jack list out of order")
	}
}

func TestRemoteSinksCountAsSubscribers(t *testing.T) {
	testlog.Start(t)

	r, _, _ := newTestRegistry(t, DefaultConfig())
	sink := beacon.Entry{
		Jack:      7,
		Direction: protocol.DirSink,
		Kind:      protocol.SignalAudio,
		Channels:  1,
		Patched:   protocol.PatchKey{Module: selfID, Jack: jackOut},
	}
	if r.Subscribers(jackOut) != 0 {
		t.Fatalf("expected no subscribers")
	}
	_ = r.HandleBeacon(peerBeacon(t, peerID, []beacon.Entry{sink}, 0), 0)
	if r.Subscribers(jackOut) != 1 || r.RemoteSubscribers(jackOut) != 1 {
		t.Fatalf("expected remote subscriber")
	}
	sink.Patched = protocol.PatchKey{}
	_ = r.HandleBeacon(peerBeacon(t, peerID, []beacon.Entry{sink}, 0), 1)
	if r.Subscribers(jackOut) != 0 {
		t.Fatalf("subscriber kept after unpatch")
	}
}

func TestPeerTableLimitAndSelfBeacons(t *testing.T) {
	testlog.Start(t)

	cfg := DefaultConfig()
	cfg.MaxPeers = 1
	r, _, _ := newTestRegistry(t, cfg)
	if err := r.HandleBeacon(peerBeacon(t, selfID, nil, 0), 0); err != nil || len(r.Peers()) != 0 {
		t.Fatalf("own beacon must be ignored")
	}
	_ = r.HandleBeacon(peerBeacon(t, peerID, nil, 0), 0)
	if err := r.HandleBeacon(peerBeacon(t, peerID+1, nil, 0), 0); !errors.Is(err, ErrPeerTableFull) {
		t.Fatalf("expected ErrPeerTableFull, got %v", err)
	}
	if st := r.Stats(); st.BeaconsDropped != 1 {
		t.Fatalf("expected dropped beacon counted")
	}
}

func TestFailedJoinLeavesPatchTableUnchanged(t *testing.T) {
	testlog.Start(t)

	kept := protocol.PatchKey{Module: peerID, Jack: 1}
	refused := protocol.PatchKey{Module: peerID, Jack: 2}
	be := &refusingBackend{Endpoint: loopback.NewHub().NewEndpoint()}
	r, err := New(protocol.Identity{ID: selfID, Label: "self"}, localJacks(), be, DefaultConfig(), zerolog.Nop())
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	be.refuse = r.Group(refused)
	r.Reconcile(be.Poll(0))

	if err := r.Connect(kept, jackIn); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := r.Connect(refused, jackIn); !errors.Is(err, errTableFull) {
		t.Fatalf("expected join error, got %v", err)
	}
	if err := r.Connect(refused, jackIn2); !errors.Is(err, errTableFull) {
		t.Fatalf("expected join error, got %v", err)
	}

	patches := r.Patches()
	if len(patches) != 1 || patches[0].Source != kept || patches[0].Sink != jackIn || !patches[0].Joined {
		t.Fatalf("previous cable should survive: %+v", patches)
	}
	if len(r.SinksFor(refused)) != 0 || r.Member(r.Group(refused)) {
		t.Fatalf("refused source left state behind")
	}
	for _, e := range r.Entries() {
		if e.Patched == refused {
			t.Fatalf("refused patch still advertised: %+v", e)
		}
	}

	before := be.attempts
	for i := 0; i < 100; i++ {
		r.Reconcile(be.Poll(0))
	}
	if be.attempts != before {
		t.Fatalf("reconcile retried a rolled back join %d times", be.attempts-before)
	}
	if got := r.Stats().JoinErrors; got != 2 {
		t.Fatalf("expected 2 join errors, got %d", got)
	}
}
