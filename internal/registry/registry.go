package registry

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"

	"github.com/rs/zerolog"

	"github.com/danmuck/patchnet/internal/backend"
	"github.com/danmuck/patchnet/internal/protocol"
	"github.com/danmuck/patchnet/internal/protocol/beacon"
)

type peer struct {
	id       protocol.ModuleID
	label    string
	state    PeerState
	lastSeen uint64
	period   int
	pages    uint8
	got      uint8
	page     [beacon.MaxPages][beacon.MaxEntriesPerPage]beacon.Entry
	count    [beacon.MaxPages]int
	jacks    []beacon.Entry
}

func (p *peer) complete() bool {
	return p.pages > 0 && p.got == uint8(1<<p.pages-1)
}

func (p *peer) rebuild() {
	p.jacks = p.jacks[:0]
	for i := 0; i < int(p.pages); i++ {
		p.jacks = append(p.jacks, p.page[i][:p.count[i]]...)
	}
}

func (p *peer) info() PeerInfo {
	return PeerInfo{
		ID:       p.id,
		Label:    p.label,
		State:    p.state,
		Jacks:    slices.Clone(p.jacks),
		LastSeen: p.lastSeen,
	}
}

type patch struct {
	src       protocol.PatchKey
	group     netip.Addr
	suspended bool
}

type member struct {
	refs   int
	joined bool
}

// Registry is the explicit owner of peer and patch state for one module.
type Registry struct {
	cfg     Config
	self    protocol.Identity
	jacks   map[protocol.JackID]protocol.Jack
	order   []protocol.JackID
	backend backend.Backend
	log     zerolog.Logger

	peers    map[protocol.ModuleID]*peer
	patches  map[protocol.JackID]*patch
	bySource map[protocol.PatchKey][]protocol.JackID
	members  map[netip.Addr]*member
	local    map[protocol.JackID]int
	remote   map[protocol.JackID]int
	entries  []beacon.Entry
	held     map[protocol.JackID]bool
	gesture  gesture

	epoch     uint64
	epochSeen bool
	stats     Stats
}

func New(self protocol.Identity, jacks []protocol.Jack, be backend.Backend, cfg Config, log zerolog.Logger) (*Registry, error) {
	if err := self.Validate(); err != nil {
		return nil, err
	}
	if err := protocol.ValidateJacks(jacks); err != nil {
		return nil, err
	}
	if be == nil {
		return nil, errors.New("registry: nil backend")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Domain.Validate(); err != nil {
		return nil, err
	}
	r := &Registry{
		cfg:      cfg,
		self:     self,
		jacks:    make(map[protocol.JackID]protocol.Jack, len(jacks)),
		backend:  be,
		log:      log.With().Str("component", "registry").Uint32("module", uint32(self.ID)).Logger(),
		peers:    make(map[protocol.ModuleID]*peer, cfg.MaxPeers),
		patches:  make(map[protocol.JackID]*patch),
		bySource: make(map[protocol.PatchKey][]protocol.JackID),
		members:  make(map[netip.Addr]*member),
		local:    make(map[protocol.JackID]int),
		remote:   make(map[protocol.JackID]int),
		held:     make(map[protocol.JackID]bool),
	}
	for _, j := range jacks {
		r.jacks[j.ID] = j
		r.order = append(r.order, j.ID)
	}
	// Discovery is held for the registry lifetime; Reconcile joins it.
	r.members[cfg.Domain.Discovery().Addr()] = &member{refs: 1}
	r.rebuildEntries()
	return r, nil
}

func (r *Registry) Config() Config {
	return r.cfg
}

func (r *Registry) Self() protocol.Identity {
	return r.self
}

func (r *Registry) Stats() Stats {
	return r.stats
}

// Jack returns a local jack declaration.
func (r *Registry) Jack(id protocol.JackID) (protocol.Jack, bool) {
	j, ok := r.jacks[id]
	return j, ok
}

// Jacks returns local jacks in declaration order.
func (r *Registry) Jacks() []protocol.Jack {
	out := make([]protocol.Jack, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.jacks[id])
	}
	return out
}

// Group is the multicast group carrying src.
func (r *Registry) Group(src protocol.PatchKey) netip.Addr {
	return r.cfg.Domain.JackGroup(src)
}

// Connect patches sink to src. Repeating it is a no-op; connecting an
// occupied sink moves the cable. A join the backend reports busy is kept
// pending and retried by Reconcile; any other join error leaves the
// registry as it was.
func (r *Registry) Connect(src protocol.PatchKey, sink protocol.JackID) error {
	j, ok := r.jacks[sink]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownJack, sink)
	}
	if j.Direction != protocol.DirSink {
		return fmt.Errorf("%w: %d", ErrNotSink, sink)
	}
	if src.IsZero() || !src.Jack.Valid() {
		return fmt.Errorf("%w: %s", ErrInvalidSource, src)
	}
	if src.Module == r.self.ID {
		sj, ok := r.jacks[src.Jack]
		if !ok || sj.Direction != protocol.DirSource {
			return fmt.Errorf("%w: local jack %d is not a source", ErrInvalidSource, src.Jack)
		}
		if sj.Kind != j.Kind {
			return fmt.Errorf("%w: %s -> %s", ErrKindMismatch, sj.Kind, j.Kind)
		}
	} else if p, ok := r.peers[src.Module]; ok {
		if e, ok := findEntry(p.jacks, src.Jack); ok && e.Kind != j.Kind {
			return fmt.Errorf("%w: %s -> %s", ErrKindMismatch, e.Kind, j.Kind)
		}
	}

	cur, occupied := r.patches[sink]
	if occupied && cur.src == src {
		return nil
	}
	p := &patch{src: src, group: r.cfg.Domain.JackGroup(src)}
	// The membership is taken before any table changes so a hard join
	// failure leaves the previous cable in place.
	if src.Module != r.self.ID {
		if err := r.acquire(p.group); err != nil {
			r.release(p.group)
			return err
		}
	}
	if occupied {
		r.unpatch(sink, cur)
	}
	r.patches[sink] = p
	r.bySource[src] = append(r.bySource[src], sink)
	r.rebuildEntries()
	r.recount()
	r.log.Debug().Str("source", src.String()).Uint16("sink", uint16(sink)).Str("group", p.group.String()).Msg("patch connected")
	return nil
}

// Disconnect removes the patch from src to sink. Without such a patch it
// does nothing.
func (r *Registry) Disconnect(src protocol.PatchKey, sink protocol.JackID) error {
	cur, ok := r.patches[sink]
	if !ok || cur.src != src {
		return nil
	}
	r.unpatch(sink, cur)
	r.rebuildEntries()
	r.recount()
	r.log.Debug().Str("source", src.String()).Uint16("sink", uint16(sink)).Msg("patch disconnected")
	return nil
}

func (r *Registry) unpatch(sink protocol.JackID, p *patch) {
	delete(r.patches, sink)
	sinks := slices.DeleteFunc(r.bySource[p.src], func(s protocol.JackID) bool { return s == sink })
	if len(sinks) == 0 {
		delete(r.bySource, p.src)
	} else {
		r.bySource[p.src] = sinks
	}
	if !p.suspended && p.src.Module != r.self.ID {
		r.release(p.group)
	}
}

func (r *Registry) acquire(g netip.Addr) error {
	m, ok := r.members[g]
	if !ok {
		m = &member{}
		r.members[g] = m
	}
	m.refs++
	if m.joined {
		return nil
	}
	return r.join(g, m)
}

func (r *Registry) release(g netip.Addr) {
	m, ok := r.members[g]
	if !ok {
		return
	}
	m.refs--
	if m.refs > 0 {
		return
	}
	delete(r.members, g)
	if m.joined {
		if err := r.backend.LeaveGroup(g); err != nil {
			r.log.Debug().Err(err).Str("group", g.String()).Msg("leave group")
		}
		r.stats.Leaves++
	}
}

// join issues at most one backend join for g. Busy and link-down results
// stay pending for the next Reconcile.
func (r *Registry) join(g netip.Addr, m *member) error {
	err := r.backend.JoinGroup(g)
	switch {
	case err == nil:
		m.joined = true
		r.stats.Joins++
		return nil
	case errors.Is(err, backend.ErrBusy), errors.Is(err, backend.ErrLinkDown):
		r.stats.JoinRetries++
		return nil
	default:
		r.stats.JoinErrors++
		return fmt.Errorf("registry: join %s: %w", g, err)
	}
}

// Reconcile brings memberships in line with the backend. A new epoch means
// the backend may have lost every membership, so all are re-issued.
func (r *Registry) Reconcile(st backend.Status) {
	if !r.epochSeen {
		r.epoch, r.epochSeen = st.Epoch, true
	} else if st.Epoch != r.epoch {
		r.epoch = st.Epoch
		for _, m := range r.members {
			m.joined = false
		}
		r.stats.Rejoins++
		r.log.Info().Uint64("epoch", st.Epoch).Int("groups", len(r.members)).Msg("backend memberships lost, rejoining")
	}
	if st.Link != backend.LinkUp {
		return
	}
	for g, m := range r.members {
		if m.joined {
			continue
		}
		if err := r.join(g, m); err != nil && r.stats.JoinErrors%joinWarnEvery == 1 {
			r.log.Warn().Err(err).Uint64("failures", r.stats.JoinErrors).Msg("group join failed")
		}
	}
}

// HandleBeacon folds one beacon page into the peer table.
func (r *Registry) HandleBeacon(b *beacon.Beacon, cycle uint64) error {
	if b.Module == r.self.ID {
		return nil
	}
	p, ok := r.peers[b.Module]
	if !ok {
		if len(r.peers) >= r.cfg.MaxPeers {
			r.stats.BeaconsDropped++
			return fmt.Errorf("%w: %d peers", ErrPeerTableFull, len(r.peers))
		}
		p = &peer{id: b.Module, state: StateAnnounced}
		r.peers[b.Module] = p
		r.stats.PeersAnnounced++
		r.log.Debug().Uint32("peer", uint32(b.Module)).Str("label", b.Label).Msg("peer announced")
	}
	r.stats.BeaconsAccepted++
	if b.Pages != p.pages {
		p.pages = b.Pages
		p.got = 0
	}
	p.label = b.Label
	p.lastSeen = cycle
	p.period = int(b.Period)
	p.count[b.Page] = copy(p.page[b.Page][:], b.Entries())
	p.got |= 1 << b.Page

	if !p.complete() {
		if p.state == StateStale {
			p.state = StateAnnounced
		}
		return nil
	}
	p.rebuild()
	r.recount()
	if p.state != StateActive {
		p.state = StateActive
		r.log.Debug().Uint32("peer", uint32(p.id)).Str("label", p.label).Int("jacks", len(p.jacks)).Msg("peer active")
		r.resume(p.id)
	}
	return nil
}

// Tick applies discovery timeouts for cycle.
func (r *Registry) Tick(cycle uint64) {
	for id, p := range r.peers {
		period := p.period
		if period <= 0 {
			period = r.cfg.BeaconPeriod
		}
		age := cycle - p.lastSeen
		switch {
		case age >= uint64(r.cfg.EvictAfter*period):
			p.state = StateEvicted
			r.stats.PeersEvicted++
			r.log.Debug().Uint32("peer", uint32(id)).Str("label", p.label).Msg("peer evicted")
			delete(r.peers, id)
			r.suspend(id)
			r.recount()
		case age >= uint64(r.cfg.StaleAfter*period) && p.state != StateStale:
			p.state = StateStale
			r.stats.PeersStale++
			r.log.Debug().Uint32("peer", uint32(id)).Str("label", p.label).Msg("peer stale")
		}
	}
}

// suspend leaves the groups of every patch sourced from module. The patches
// stay so they can resume when the module returns.
func (r *Registry) suspend(module protocol.ModuleID) {
	for _, p := range r.patches {
		if p.src.Module == module && !p.suspended {
			p.suspended = true
			r.release(p.group)
		}
	}
}

func (r *Registry) resume(module protocol.ModuleID) {
	for _, p := range r.patches {
		if p.src.Module == module && p.suspended {
			p.suspended = false
			if err := r.acquire(p.group); err != nil {
				r.log.Warn().Err(err).Str("source", p.src.String()).Msg("resume patch")
			}
		}
	}
}

// recount rebuilds per-jack subscriber counts from local patches and the
// sink entries peers advertise.
func (r *Registry) recount() {
	clear(r.local)
	clear(r.remote)
	for _, p := range r.patches {
		if p.src.Module == r.self.ID {
			r.local[p.src.Jack]++
		}
	}
	for _, p := range r.peers {
		if p.state == StateEvicted {
			continue
		}
		for _, e := range p.jacks {
			if e.Direction == protocol.DirSink && e.Patched.Module == r.self.ID {
				r.remote[e.Patched.Jack]++
			}
		}
	}
}

func (r *Registry) rebuildEntries() {
	r.entries = r.entries[:0]
	for _, id := range r.order {
		var src protocol.PatchKey
		if p, ok := r.patches[id]; ok {
			src = p.src
		}
		e := beacon.EntryFor(r.jacks[id], src)
		e.Held = r.held[id]
		r.entries = append(r.entries, e)
	}
}

// Subscribers counts sinks, local and remote, patched to a local source.
func (r *Registry) Subscribers(jack protocol.JackID) int {
	return r.local[jack] + r.remote[jack]
}

// RemoteSubscribers counts only sinks on other modules, the ones that need
// frames on the wire.
func (r *Registry) RemoteSubscribers(jack protocol.JackID) int {
	return r.remote[jack]
}

// SinksFor returns the local sinks patched to src. The slice is owned by
// the registry and must not be modified.
func (r *Registry) SinksFor(src protocol.PatchKey) []protocol.JackID {
	return r.bySource[src]
}

// Entries is the local jack list as advertised in beacons. The slice is
// owned by the registry.
func (r *Registry) Entries() []beacon.Entry {
	return r.entries
}

// Member reports whether the registry holds a joined membership for g.
func (r *Registry) Member(g netip.Addr) bool {
	m, ok := r.members[g]
	return ok && m.joined
}

func (r *Registry) Peer(id protocol.ModuleID) (PeerInfo, bool) {
	p, ok := r.peers[id]
	if !ok {
		return PeerInfo{}, false
	}
	return p.info(), true
}

// Peers returns every tracked peer ordered by id.
func (r *Registry) Peers() []PeerInfo {
	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.info())
	}
	slices.SortFunc(out, func(a, b PeerInfo) int { return compareID(a.ID, b.ID) })
	return out
}

// ActivePeers returns peers whose jack list is fully known and fresh.
func (r *Registry) ActivePeers() []PeerInfo {
	out := make([]PeerInfo, 0, len(r.peers))
	for _, p := range r.peers {
		if p.state == StateActive {
			out = append(out, p.info())
		}
	}
	slices.SortFunc(out, func(a, b PeerInfo) int { return compareID(a.ID, b.ID) })
	return out
}

func (r *Registry) Patches() []Patch {
	out := make([]Patch, 0, len(r.patches))
	for sink, p := range r.patches {
		joined := p.src.Module == r.self.ID
		if m, ok := r.members[p.group]; ok && !p.suspended {
			joined = m.joined
		}
		out = append(out, Patch{Source: p.src, Sink: sink, Group: p.group, Suspended: p.suspended, Joined: joined})
	}
	slices.SortFunc(out, func(a, b Patch) int { return int(a.Sink) - int(b.Sink) })
	return out
}

func compareID(a, b protocol.ModuleID) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func findEntry(entries []beacon.Entry, jack protocol.JackID) (beacon.Entry, bool) {
	for _, e := range entries {
		if e.Jack == jack {
			return e, true
		}
	}
	return beacon.Entry{}, false
}
