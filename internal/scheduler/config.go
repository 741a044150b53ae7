package scheduler

import (
	"time"

	"github.com/danmuck/patchnet/internal/dsp"
)

const (
	// DefaultPeriod is one block of BlockFrames at SampleRate.
	DefaultPeriod        = time.Second * dsp.BlockFrames / dsp.SampleRate
	DefaultBudget        = 0.5
	DefaultMaxDrain      = 64
	DefaultQueueDepth    = 8
	DefaultMaxGapFill    = 4
	DefaultWarnEvery     = 1000
	DefaultMailboxSize   = 32
	DefaultSnapshotEvery = 50
	// rxBufferSize fits any datagram the codecs accept.
	rxBufferSize = 1500
)

// Clock reports monotonic time since the loop started.
type Clock interface {
	Now() time.Duration
}

type monoClock struct {
	start time.Time
}

func (c monoClock) Now() time.Duration {
	return time.Since(c.start)
}

// ManualClock is advanced explicitly, for deterministic runs.
type ManualClock struct {
	T time.Duration
}

func (c *ManualClock) Now() time.Duration {
	return c.T
}

func (c *ManualClock) Advance(d time.Duration) {
	c.T += d
}

type Config struct {
	Period time.Duration
	// Budget is the fraction of Period one cycle may take.
	Budget           float64
	MaxDrainPerCycle int
	QueueDepth       int
	MaxGapFill       int
	WarnEvery        uint64
	MailboxSize      int
	SnapshotEvery    int
	Clock            Clock
	// CRC overrides the checksum engine. Nil uses the backend's offload
	// when it has one, else software.
	CRC dsp.CRCEngine
}

func DefaultConfig() Config {
	return Config{
		Period:           DefaultPeriod,
		Budget:           DefaultBudget,
		MaxDrainPerCycle: DefaultMaxDrain,
		QueueDepth:       DefaultQueueDepth,
		MaxGapFill:       DefaultMaxGapFill,
		WarnEvery:        DefaultWarnEvery,
		MailboxSize:      DefaultMailboxSize,
		SnapshotEvery:    DefaultSnapshotEvery,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Period <= 0 {
		c.Period = d.Period
	}
	if c.Budget <= 0 || c.Budget > 1 {
		c.Budget = d.Budget
	}
	if c.MaxDrainPerCycle <= 0 {
		c.MaxDrainPerCycle = d.MaxDrainPerCycle
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = d.QueueDepth
	}
	if c.MaxGapFill <= 0 {
		c.MaxGapFill = d.MaxGapFill
	}
	if c.WarnEvery == 0 {
		c.WarnEvery = d.WarnEvery
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = d.MailboxSize
	}
	if c.SnapshotEvery <= 0 {
		c.SnapshotEvery = d.SnapshotEvery
	}
	if c.Clock == nil {
		c.Clock = monoClock{start: time.Now()}
	}
	return c
}

// BudgetDuration is the wall time one cycle may take.
func (c Config) BudgetDuration() time.Duration {
	return time.Duration(float64(c.Period) * c.Budget)
}
