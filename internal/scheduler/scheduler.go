package scheduler

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/patchnet/internal/backend"
	"github.com/danmuck/patchnet/internal/dsp"
	"github.com/danmuck/patchnet/internal/protocol"
	"github.com/danmuck/patchnet/internal/protocol/beacon"
	"github.com/danmuck/patchnet/internal/protocol/frame"
	"github.com/danmuck/patchnet/internal/protocol/group"
	"github.com/danmuck/patchnet/internal/registry"
)

var ErrUnknownJack = errors.New("scheduler: unknown jack")

// Counters are cumulative per-module transport counters.
type Counters struct {
	Cycles          uint64 `json:"cycles"`
	Overruns        uint64 `json:"overruns"`
	BudgetDrops     uint64 `json:"budget_drops"`
	Received        uint64 `json:"received"`
	Beacons         uint64 `json:"beacons"`
	DataFrames      uint64 `json:"data_frames"`
	FormatErrors    uint64 `json:"format_errors"`
	IntegrityErrors uint64 `json:"integrity_errors"`
	BeaconErrors    uint64 `json:"beacon_errors"`
	Duplicates      uint64 `json:"duplicates"`
	Gaps            uint64 `json:"gaps"`
	GapFrames       uint64 `json:"gap_frames"`
	Substituted     uint64 `json:"substituted"`
	Resyncs         uint64 `json:"resyncs"`
	Unpatched       uint64 `json:"unpatched"`
	KindMismatch    uint64 `json:"kind_mismatch"`
	Sent            uint64 `json:"sent"`
	BeaconsSent     uint64 `json:"beacons_sent"`
	Busy            uint64 `json:"busy"`
	LinkDowns       uint64 `json:"link_downs"`
	SendErrors      uint64 `json:"send_errors"`
	Unsubscribed    uint64 `json:"unsubscribed"`
	LocalDelivered  uint64 `json:"local_delivered"`
	Requests        uint64 `json:"requests"`
	Halts           uint64 `json:"halts"`
	HaltDrops       uint64 `json:"halt_drops"`
	GestureErrors   uint64 `json:"gesture_errors"`
}

// Report describes one cycle.
type Report struct {
	Cycle    uint64
	Duration time.Duration
	Received int
	Sent     int
	Overrun  bool
	Link     backend.LinkState
}

// Snapshot is a read-only view published by the loop for other goroutines.
type Snapshot struct {
	Module        protocol.Identity   `json:"module"`
	Cycle         uint64              `json:"cycle"`
	Link          string              `json:"link"`
	LinkSuspended bool                `json:"link_suspended"`
	Halted        bool                `json:"halted"`
	PatchState    registry.PatchState `json:"patch_state"`
	Held          registry.Held       `json:"held"`
	Lights        []JackLight         `json:"lights"`
	Peers         []registry.PeerInfo `json:"peers"`
	Patches       []registry.Patch    `json:"patches"`
	Counters      Counters            `json:"counters"`
	Registry      registry.Stats      `json:"registry"`
}

type crcOffload interface {
	CRC() dsp.CRCEngine
}

// Scheduler runs the transport loop for one module.
type Scheduler struct {
	cfg    Config
	self   protocol.Identity
	be     backend.Backend
	reg    *registry.Registry
	log    zerolog.Logger
	clock  Clock
	crc    dsp.CRCEngine
	domain group.Domain
	period uint64

	inbound  map[protocol.JackID]*Inbound
	outbound map[protocol.JackID]*Outbound
	sources  []*Outbound
	trackers map[protocol.PatchKey]*frame.SeqTracker

	requests chan Request
	snapshot atomic.Pointer[Snapshot]
	process  func(cycle uint64)

	cycle      uint64
	link       backend.LinkState
	sawDown    bool
	suspended  bool
	halted     bool
	haltOut    bool
	beaconDue  bool
	beaconPage int
	beaconSeq  uint16
	rx         []byte
	tx         []byte
	scratch    dsp.Block
	counters   Counters
}

func New(cfg Config, reg *registry.Registry, be backend.Backend, log zerolog.Logger) (*Scheduler, error) {
	if reg == nil || be == nil {
		return nil, errors.New("scheduler: registry and backend are required")
	}
	cfg = cfg.withDefaults()
	self := reg.Self()
	s := &Scheduler{
		cfg:      cfg,
		self:     self,
		be:       be,
		reg:      reg,
		log:      log.With().Str("component", "scheduler").Uint32("module", uint32(self.ID)).Logger(),
		clock:    cfg.Clock,
		crc:      cfg.CRC,
		domain:   reg.Config().Domain,
		period:   uint64(reg.Config().BeaconPeriod),
		inbound:  make(map[protocol.JackID]*Inbound),
		outbound: make(map[protocol.JackID]*Outbound),
		trackers: make(map[protocol.PatchKey]*frame.SeqTracker),
		requests: make(chan Request, cfg.MailboxSize),
		link:     backend.LinkUp,
		rx:       make([]byte, rxBufferSize),
		tx:       make([]byte, max(frame.MaxFrameSize, beacon.MaxBeaconSize)),
	}
	if s.crc == nil {
		if off, ok := be.(crcOffload); ok {
			s.crc = off.CRC()
		}
	}
	for _, j := range reg.Jacks() {
		switch j.Direction {
		case protocol.DirSink:
			s.inbound[j.ID] = newInbound(j, cfg.QueueDepth)
		case protocol.DirSource:
			o := newOutbound(j, frame.MaxFrameSize)
			s.outbound[j.ID] = o
			s.sources = append(s.sources, o)
		}
	}
	s.publish()
	return s, nil
}

// SetProcessor installs module code that runs inside every cycle, after
// inbound frames are queued and before outbound frames are produced.
func (s *Scheduler) SetProcessor(fn func(cycle uint64)) {
	s.process = fn
}

func (s *Scheduler) Inbound(jack protocol.JackID) *Inbound {
	return s.inbound[jack]
}

func (s *Scheduler) Outbound(jack protocol.JackID) *Outbound {
	return s.outbound[jack]
}

func (s *Scheduler) Registry() *registry.Registry {
	return s.reg
}

func (s *Scheduler) Counters() Counters {
	return s.counters
}

func (s *Scheduler) Cycle() uint64 {
	return s.cycle
}

// Connect and Disconnect must be called from the loop goroutine; others
// use Submit.
func (s *Scheduler) Connect(src protocol.PatchKey, sink protocol.JackID) error {
	err := s.reg.Connect(src, sink)
	s.pruneTrackers()
	return err
}

func (s *Scheduler) Disconnect(src protocol.PatchKey, sink protocol.JackID) error {
	err := s.reg.Disconnect(src, sink)
	s.pruneTrackers()
	return err
}

// pruneTrackers forgets sequence state for sources no sink listens to, so
// a later re-patch starts a fresh stream instead of a long gap.
func (s *Scheduler) pruneTrackers() {
	for src := range s.trackers {
		if len(s.reg.SinksFor(src)) == 0 {
			delete(s.trackers, src)
		}
	}
}

func (s *Scheduler) ActivePeers() []registry.PeerInfo {
	return s.reg.ActivePeers()
}

// SignalLinkRecovered clears a link-down suspension.
func (s *Scheduler) SignalLinkRecovered() {
	if s.suspended {
		s.log.Info().Msg("link recovery signalled, resuming data")
	}
	s.suspended = false
	s.sawDown = false
}

// LinkSuspended reports whether data transmission is suspended.
func (s *Scheduler) LinkSuspended() bool {
	return s.suspended
}

// Halt stops this module's data and asks the rest of the domain to do the
// same through a flag on the next announcement. Loop goroutine only.
func (s *Scheduler) Halt() {
	s.haltOut = true
	s.beaconDue = true
	s.beaconPage = 0
	s.halt("local")
}

func (s *Scheduler) halt(from string) {
	if s.halted {
		return
	}
	s.halted = true
	s.counters.Halts++
	for _, o := range s.sources {
		o.discard()
	}
	s.log.Warn().Str("from", from).Msg("halted, data transmission stopped")
}

// Resume clears a halt on this module only.
func (s *Scheduler) Resume() {
	if s.halted {
		s.log.Info().Msg("resumed after halt")
	}
	s.halted = false
}

// Halted reports whether a halt is in effect.
func (s *Scheduler) Halted() bool {
	return s.halted
}

// SetHeld marks a local jack as held for the patch gesture. Loop goroutine
// only; others use Submit.
func (s *Scheduler) SetHeld(jack protocol.JackID, held bool) error {
	err := s.reg.SetHeld(jack, held)
	if err == nil {
		s.beaconDue = true
		s.beaconPage = 0
	}
	return err
}

// Toggle patches sink to src or removes that cable if it already exists.
func (s *Scheduler) Toggle(src protocol.PatchKey, sink protocol.JackID) error {
	_, err := s.reg.Toggle(src, sink)
	s.pruneTrackers()
	return err
}

// Run drives RunCycle once per period until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Period)
	defer t.Stop()
	s.log.Info().
		Str("label", s.self.Label).
		Dur("period", s.cfg.Period).
		Dur("budget", s.cfg.BudgetDuration()).
		Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.publish()
			s.log.Info().Uint64("cycles", s.cycle).Msg("scheduler stopped")
			return nil
		case <-t.C:
			s.RunCycle()
		}
	}
}

// RunCycle performs one iteration: poll, drain, process, produce, and the
// budget check. It never blocks and never fails.
func (s *Scheduler) RunCycle() Report {
	start := s.clock.Now()
	budget := s.cfg.BudgetDuration()
	s.cycle++
	s.counters.Cycles++
	rep := Report{Cycle: s.cycle}

	st := s.be.Poll(start)
	s.observeLink(st)
	s.reg.Reconcile(st)
	handled := s.drainRequests()

	rep.Received = s.drain()
	s.reg.Tick(s.cycle)
	s.resolveGesture()

	if s.process != nil {
		s.process(s.cycle)
	}

	if (s.cycle-1)%s.period == 0 {
		s.beaconDue = true
		s.beaconPage = 0
	}
	rep.Sent = s.produce(start + budget)

	rep.Duration = s.clock.Now() - start
	rep.Link = s.link
	if rep.Duration > budget {
		rep.Overrun = true
		s.counters.Overruns++
		if s.counters.Overruns == 1 || s.counters.Overruns%s.cfg.WarnEvery == 0 {
			s.log.Warn().
				Dur("duration", rep.Duration).
				Dur("budget", budget).
				Uint64("overruns", s.counters.Overruns).
				Msg("cycle over budget")
		}
	}
	if handled > 0 || s.cycle%uint64(s.cfg.SnapshotEvery) == 0 {
		s.publish()
	}
	return rep
}

func (s *Scheduler) resolveGesture() {
	before := s.reg.GestureToggles()
	if _, err := s.reg.ResolveGesture(); err != nil {
		s.counters.GestureErrors++
		s.log.Debug().Err(err).Msg("patch gesture")
	}
	if s.reg.GestureToggles() != before {
		s.pruneTrackers()
		s.publish()
	}
}

func (s *Scheduler) observeLink(st backend.Status) {
	if st.Link == backend.LinkDown {
		s.sawDown = true
	} else if s.suspended && s.sawDown {
		s.suspended = false
		s.sawDown = false
		s.log.Info().Msg("link back up, resuming data")
	}
	s.link = st.Link
}

func (s *Scheduler) suspend() {
	if s.suspended {
		return
	}
	s.suspended = true
	s.counters.LinkDowns++
	s.log.Warn().Msg("link down, data transmission suspended")
}

func (s *Scheduler) drain() int {
	n := 0
	for ; n < s.cfg.MaxDrainPerCycle; n++ {
		size, ok := s.be.Receive(s.rx)
		if !ok {
			break
		}
		s.counters.Received++
		s.handle(s.rx[:size])
	}
	return n
}

func (s *Scheduler) handle(d []byte) {
	kind, ok := protocol.PeekKind(d)
	if !ok {
		s.counters.FormatErrors++
		return
	}
	switch kind {
	case protocol.KindBeacon:
		b, err := beacon.Decode(d, s.crc)
		if err != nil {
			s.countDecodeError(err)
			return
		}
		s.counters.Beacons++
		if err := s.reg.HandleBeacon(&b, s.cycle); err != nil {
			s.counters.BeaconErrors++
			return
		}
		if b.Halt && b.Module != s.self.ID {
			s.halt(fmt.Sprintf("%08x", uint32(b.Module)))
		}
	case protocol.KindData:
		f, err := frame.Decode(d, s.crc)
		if err != nil {
			s.countDecodeError(err)
			return
		}
		s.counters.DataFrames++
		s.deliver(f)
	default:
		s.counters.FormatErrors++
	}
}

func (s *Scheduler) countDecodeError(err error) {
	if errors.Is(err, protocol.ErrIntegrity) {
		s.counters.IntegrityErrors++
		return
	}
	s.counters.FormatErrors++
}

// deliver routes one data frame to every local sink patched to its source.
// A gap is filled with substitutes first, less any the sink already got
// from underrun reads, so the sink never waits on a lost frame.
func (s *Scheduler) deliver(f frame.Frame) {
	src := f.Source()
	if src.Module == s.self.ID {
		return
	}
	sinks := s.reg.SinksFor(src)
	if len(sinks) == 0 {
		s.counters.Unpatched++
		delete(s.trackers, src)
		return
	}
	tr, ok := s.trackers[src]
	if !ok {
		tr = &frame.SeqTracker{}
		s.trackers[src] = tr
	}
	v, missed := tr.Observe(f.Header.Seq)
	switch v {
	case frame.Duplicate:
		s.counters.Duplicates++
		return
	case frame.Gap:
		s.counters.Gaps++
		s.counters.GapFrames += uint64(missed)
	case frame.Resync:
		s.counters.Resyncs++
	}
	if err := f.Block(&s.scratch); err != nil {
		s.counters.FormatErrors++
		return
	}
	for _, sink := range sinks {
		q := s.inbound[sink]
		if q == nil {
			continue
		}
		if q.jack.Kind != f.Signal() {
			s.counters.KindMismatch++
			continue
		}
		if v == frame.Gap {
			fill := min(missed-q.covered, s.cfg.MaxGapFill)
			for k := 0; k < fill; k++ {
				sub := q.substitute(s.scratch.Frames)
				q.push(&sub)
				s.counters.Substituted++
			}
		}
		q.covered = 0
		q.push(&s.scratch)
	}
}

// produce sends due beacons and this cycle's data frames. Frames still
// unsent when the deadline passes are dropped.
func (s *Scheduler) produce(deadline time.Duration) int {
	sent := 0
	if s.beaconDue {
		sent += s.sendBeacons()
	}
	for i, o := range s.sources {
		if !o.pending && o.frameLen == 0 {
			continue
		}
		if s.clock.Now() > deadline {
			s.dropFrom(i)
			break
		}
		if s.halted {
			o.discard()
			s.counters.HaltDrops++
			continue
		}
		key := protocol.PatchKey{Module: s.self.ID, Jack: o.jack.ID}
		if o.pending {
			for _, sink := range s.reg.SinksFor(key) {
				if q := s.inbound[sink]; q != nil {
					q.covered = 0
					q.push(&o.block)
					s.counters.LocalDelivered++
				}
			}
		}
		if s.reg.RemoteSubscribers(o.jack.ID) == 0 {
			if s.reg.Subscribers(o.jack.ID) == 0 {
				s.counters.Unsubscribed++
			}
			o.discard()
			continue
		}
		if s.suspended || s.link != backend.LinkUp {
			o.discard()
			continue
		}
		if o.pending {
			if o.frameLen > 0 {
				o.overwritten++
			}
			o.pending = false
			n, err := frame.EncodeBlock(o.frame, protocol.Header{
				Module: s.self.ID,
				Jack:   o.jack.ID,
				Signal: uint8(o.jack.Kind),
				Seq:    o.next,
			}, &o.block, s.crc)
			if err != nil {
				s.counters.FormatErrors++
				o.frameLen = 0
				s.log.Debug().Err(err).Uint16("jack", uint16(o.jack.ID)).Msg("encode block")
				continue
			}
			o.frameLen = n
		}
		switch err := s.send(s.domain.JackEndpoint(key), o.frame[:o.frameLen]); {
		case err == nil:
			o.next++
			o.frameLen = 0
			sent++
			s.counters.Sent++
		case errors.Is(err, backend.ErrBusy):
			// kept with the same seq for next cycle
		default:
			o.frameLen = 0
		}
	}
	return sent
}

// send classifies a backend failure. Busy leaves the caller's frame in place
// for the next cycle; any other failure means the frame is dropped.
func (s *Scheduler) send(dst netip.AddrPort, d []byte) error {
	err := s.be.Send(dst, d)
	switch {
	case err == nil:
	case errors.Is(err, backend.ErrBusy):
		s.counters.Busy++
	case errors.Is(err, backend.ErrLinkDown):
		s.suspend()
	default:
		s.counters.SendErrors++
		if s.counters.SendErrors == 1 || s.counters.SendErrors%s.cfg.WarnEvery == 0 {
			s.log.Warn().Err(err).Str("dst", dst.String()).Msg("send failed")
		}
	}
	return err
}

func (s *Scheduler) dropFrom(i int) {
	for _, o := range s.sources[i:] {
		if o.pending || o.frameLen > 0 {
			o.discard()
			s.counters.BudgetDrops++
		}
	}
}

// sendBeacons sends the pages of the current announcement. A busy backend
// resumes from the same page next cycle.
func (s *Scheduler) sendBeacons() int {
	entries := s.reg.Entries()
	pages := beacon.PageCount(len(entries))
	sent := 0
	for s.beaconPage < pages {
		b, err := beacon.Paginate(s.self, entries, s.beaconPage, s.beaconSeq, uint16(s.period))
		b.Halt = s.haltOut
		if err == nil {
			var n int
			n, err = beacon.Encode(s.tx, &b, s.crc)
			if err == nil {
				err = s.send(s.domain.Discovery(), s.tx[:n])
			}
		}
		if errors.Is(err, backend.ErrBusy) {
			return sent
		}
		if err != nil {
			s.log.Debug().Err(err).Int("page", s.beaconPage).Msg("beacon not sent")
			break
		}
		s.beaconPage++
		sent++
		s.counters.BeaconsSent++
	}
	s.beaconDue = false
	s.beaconPage = 0
	s.beaconSeq++
	s.haltOut = false
	return sent
}

func (s *Scheduler) publish() {
	snap := &Snapshot{
		Module:        s.self,
		Cycle:         s.cycle,
		Link:          s.link.String(),
		LinkSuspended: s.suspended,
		Halted:        s.halted,
		PatchState:    s.reg.PatchState(),
		Held:          s.reg.HeldJacks(),
		Lights:        s.lights(),
		Peers:         s.reg.Peers(),
		Patches:       s.reg.Patches(),
		Counters:      s.counters,
		Registry:      s.reg.Stats(),
	}
	s.snapshot.Store(snap)
}

// Snapshot returns the latest published view. Safe from any goroutine.
func (s *Scheduler) Snapshot() *Snapshot {
	return s.snapshot.Load()
}

func (s *Scheduler) String() string {
	return fmt.Sprintf("scheduler(%s/%08x)", s.self.Label, uint32(s.self.ID))
}
