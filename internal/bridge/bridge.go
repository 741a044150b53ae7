// Package bridge forwards control and clock sink jacks to an OSC endpoint
// so patched CV can drive software outside the network.
package bridge

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/scgolang/osc"

	"github.com/danmuck/patchnet/internal/dsp"
	"github.com/danmuck/patchnet/internal/observability"
	"github.com/danmuck/patchnet/internal/protocol"
	"github.com/danmuck/patchnet/internal/retry"
)

const (
	DefaultPrefix    = "/patchnet"
	DefaultQueueSize = 64
)

type Config struct {
	// Addr is the OSC receiver, host:port. Empty disables the bridge.
	Addr      string
	Prefix    string
	Jacks     []protocol.JackID
	QueueSize int
	Backoff   retry.Backoff[time.Duration]
}

// Sender is the part of an OSC connection the bridge needs.
type Sender interface {
	Send(p osc.Packet) error
}

// Bridge turns sink blocks into OSC messages. Observe runs on the loop and
// never blocks; Run sends from its own goroutine.
type Bridge struct {
	cfg    Config
	module string
	log    zerolog.Logger
	jacks  map[protocol.JackID]*tap
	out    chan queued

	dropped atomic.Uint64
	sent    atomic.Uint64
}

type queued struct {
	jack protocol.JackID
	msg  osc.Message
}

type tap struct {
	jack    protocol.Jack
	address string
	last    int16
	seen    bool
}

func New(cfg Config, module string, jacks []protocol.Jack, log zerolog.Logger) (*Bridge, error) {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	b := &Bridge{
		cfg:    cfg,
		module: module,
		log:    log.With().Str("component", "bridge").Str("osc", cfg.Addr).Logger(),
		jacks:  make(map[protocol.JackID]*tap, len(cfg.Jacks)),
		out:    make(chan queued, cfg.QueueSize),
	}
	for _, id := range cfg.Jacks {
		j, ok := findJack(jacks, id)
		if !ok {
			return nil, errors.Errorf("bridge: unknown jack %d", id)
		}
		if j.Direction != protocol.DirSink || j.Kind == protocol.SignalAudio {
			return nil, errors.Errorf("bridge: jack %d must be a control or clock sink", id)
		}
		b.jacks[id] = &tap{jack: j, address: address(cfg.Prefix, module, j)}
	}
	return b, nil
}

func address(prefix, module string, j protocol.Jack) string {
	name := j.Name
	if name == "" {
		name = fmt.Sprintf("%d", j.ID)
	}
	return strings.TrimRight(prefix, "/") + "/" + module + "/" + name
}

// Jacks returns the bridged sink ids.
func (b *Bridge) Jacks() []protocol.JackID {
	return b.cfg.Jacks
}

// Observe inspects one received block. Control jacks send their value when
// it changes; clock jacks send a pulse on each rising edge.
func (b *Bridge) Observe(jack protocol.JackID, blk dsp.Block) {
	t, ok := b.jacks[jack]
	if !ok || blk.Frames == 0 {
		return
	}
	switch t.jack.Kind {
	case protocol.SignalControl:
		v := blk.Sample(blk.Frames-1, 0)
		if t.seen && v == t.last {
			return
		}
		t.last, t.seen = v, true
		args := make(osc.Arguments, 0, blk.Channels)
		for ch := 0; ch < blk.Channels; ch++ {
			args = append(args, osc.Float(dsp.ToFloat(dsp.Q15(blk.Sample(blk.Frames-1, ch)))))
		}
		b.enqueue(jack, osc.Message{Address: t.address, Arguments: args})
	case protocol.SignalClock:
		for f := 0; f < blk.Frames; f++ {
			v := blk.Sample(f, 0)
			if v > 0 && (!t.seen || t.last <= 0) {
				b.enqueue(jack, osc.Message{Address: t.address, Arguments: osc.Arguments{osc.Int(1)}})
			}
			t.last, t.seen = v, true
		}
	}
}

func (b *Bridge) enqueue(jack protocol.JackID, m osc.Message) {
	select {
	case b.out <- queued{jack: jack, msg: m}:
	default:
		b.dropped.Add(1)
		observability.RecordBridgeMessage(b.module, uint16(jack), false)
	}
}

// Run dials the OSC receiver and sends queued messages until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	backoff := b.cfg.Backoff
	if backoff.InitialDelay <= 0 {
		backoff = retry.Wall()
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for attempt := 1; ; attempt++ {
		conn, err := b.dial()
		if err == nil {
			defer conn.Close()
			b.log.Info().Int("jacks", len(b.jacks)).Int("attempt", attempt).Msg("osc bridge started")
			return b.Serve(ctx, conn)
		}
		wait := backoff.Delay(attempt, rng)
		b.log.Warn().Err(err).Dur("retry_in", wait).Msg("osc bridge dial failed")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (b *Bridge) dial() (*osc.UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp", b.cfg.Addr)
	if err != nil {
		return nil, errors.Wrap(err, "resolving osc address")
	}
	conn, err := osc.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, errors.Wrap(err, "dialing osc receiver")
	}
	return conn, nil
}

// Serve sends through s until ctx is done. Send failures are logged and
// counted, never fatal.
func (b *Bridge) Serve(ctx context.Context, s Sender) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case q := <-b.out:
			err := s.Send(q.msg)
			if err != nil {
				b.log.Debug().Err(err).Str("address", q.msg.Address).Msg("osc send failed")
			} else {
				b.sent.Add(1)
			}
			observability.RecordBridgeMessage(b.module, uint16(q.jack), err == nil)
		}
	}
}

func (b *Bridge) Dropped() uint64 {
	return b.dropped.Load()
}

func (b *Bridge) Sent() uint64 {
	return b.sent.Load()
}

func findJack(jacks []protocol.Jack, id protocol.JackID) (protocol.Jack, bool) {
	for _, j := range jacks {
		if j.ID == id {
			return j, true
		}
	}
	return protocol.Jack{}, false
}
