package scheduler

import (
	"github.com/danmuck/patchnet/internal/dsp"
	"github.com/danmuck/patchnet/internal/protocol"
)

// Inbound is a fixed ring of received blocks for one sink jack. When full,
// the oldest block is overwritten so latency stays bounded.
type Inbound struct {
	jack protocol.Jack
	buf  []dsp.Block
	head int
	n    int
	last dsp.Block
	held bool

	// covered counts substitutes already handed out by Read since the last
	// real block arrived.
	covered int

	overflow uint64
	underrun uint64
}

func newInbound(j protocol.Jack, depth int) *Inbound {
	return &Inbound{jack: j, buf: make([]dsp.Block, depth)}
}

func (q *Inbound) Jack() protocol.Jack {
	return q.jack
}

func (q *Inbound) Len() int {
	return q.n
}

func (q *Inbound) push(b *dsp.Block) {
	if q.n == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.n--
		q.overflow++
	}
	q.buf[(q.head+q.n)%len(q.buf)] = *b
	q.n++
	q.last = *b
	q.held = true
}

// substitute is what stands in for a missing block: silence for audio,
// the last value held for control and clock.
func (q *Inbound) substitute(frames int) dsp.Block {
	if q.jack.Kind != protocol.SignalAudio && q.held {
		return q.last.Hold(frames)
	}
	return dsp.Silence(frames, int(q.jack.Channels))
}

// Pop returns the oldest queued block.
func (q *Inbound) Pop() (dsp.Block, bool) {
	if q.n == 0 {
		return dsp.Block{}, false
	}
	b := q.buf[q.head]
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	return b, true
}

// Read is Pop that never fails: an empty queue yields a substitute block.
func (q *Inbound) Read() dsp.Block {
	if b, ok := q.Pop(); ok {
		return b
	}
	q.underrun++
	q.covered++
	return q.substitute(q.jack.Frames(dsp.BlockFrames))
}

func (q *Inbound) Overflow() uint64 {
	return q.overflow
}

func (q *Inbound) Underrun() uint64 {
	return q.underrun
}

// Outbound holds the newest block a source jack wants sent and, while the
// backend is busy, the encoded frame waiting to go out.
type Outbound struct {
	jack     protocol.Jack
	block    dsp.Block
	pending  bool
	next     uint16
	frame    []byte
	frameLen int

	overwritten uint64
}

func newOutbound(j protocol.Jack, frameSize int) *Outbound {
	return &Outbound{jack: j, frame: make([]byte, frameSize)}
}

func (o *Outbound) Jack() protocol.Jack {
	return o.jack
}

// Write queues b for the next cycle, replacing any block not yet sent.
func (o *Outbound) Write(b dsp.Block) {
	if o.pending {
		o.overwritten++
	}
	o.block = b
	o.pending = true
}

// NextSeq is the sequence number the next frame will carry.
func (o *Outbound) NextSeq() uint16 {
	return o.next
}

func (o *Outbound) Overwritten() uint64 {
	return o.overwritten
}

func (o *Outbound) discard() {
	o.pending = false
	o.frameLen = 0
}
