package frame

// BackwardWindow is how far behind the last accepted sequence number a
// frame may be and still be treated as a duplicate rather than a restart.
const BackwardWindow = 32

// Verdict classifies a received sequence number.
type Verdict uint8

const (
	InOrder Verdict = iota
	First
	Gap
	Duplicate
	Resync
)

func (v Verdict) String() string {
	switch v {
	case InOrder:
		return "in_order"
	case First:
		return "first"
	case Gap:
		return "gap"
	case Duplicate:
		return "duplicate"
	case Resync:
		return "resync"
	default:
		return "unknown"
	}
}

// Accepted reports whether the frame carrying this verdict should be
// delivered.
func (v Verdict) Accepted() bool {
	return v != Duplicate
}

// SeqTracker follows one source jack's sequence numbers using serial
// arithmetic mod 2^16.
type SeqTracker struct {
	last  uint16
	valid bool
}

// Observe classifies seq and, for gaps, returns how many frames are missing.
// Accepted frames advance the tracker.
func (t *SeqTracker) Observe(seq uint16) (Verdict, int) {
	if !t.valid {
		t.last, t.valid = seq, true
		return First, 0
	}
	delta := seq - t.last
	switch {
	case delta == 1:
		t.last = seq
		return InOrder, 0
	case delta == 0:
		return Duplicate, 0
	case delta < 1<<15:
		t.last = seq
		return Gap, int(delta) - 1
	case -delta <= BackwardWindow:
		return Duplicate, 0
	default:
		t.last = seq
		return Resync, 0
	}
}

func (t *SeqTracker) Reset() {
	*t = SeqTracker{}
}

// Last returns the last accepted sequence number.
func (t *SeqTracker) Last() (uint16, bool) {
	return t.last, t.valid
}
