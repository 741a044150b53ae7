// Package retry spaces out repeated attempts. The same formula paces ARP
// requests in scheduler cycles and OSC redials in wall time.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Unit is what a delay is counted in: cycles or a time.Duration.
type Unit interface {
	~int | ~int64
}

// Backoff grows Initial by Multiplier per attempt up to Max. Jitter scales
// each delay by a factor in [0.5, 1.5).
type Backoff[T Unit] struct {
	Initial    T
	Multiplier float64
	Max        T
	Jitter     bool
}

// Delay returns the wait before attempt N (1-based). A nil rng makes
// jitter deterministic at 0.5.
func (b Backoff[T]) Delay(attempt int, rng *rand.Rand) T {
	if b.Initial <= 0 {
		return 0
	}
	delay := float64(b.Initial)
	if attempt > 1 {
		delay *= math.Pow(max(b.Multiplier, 1.0), float64(attempt-1))
	}
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}
	if b.Jitter {
		f := 0.5
		if rng != nil {
			f += rng.Float64()
		}
		delay *= f
	}
	return T(delay)
}

// Cycles paces retries made from the scheduler loop.
func Cycles(initial, maxCycles int) Backoff[int] {
	return Backoff[int]{Initial: initial, Multiplier: 2, Max: maxCycles}
}

// Wall is the default for retries against the outside world.
func Wall() Backoff[time.Duration] {
	return Backoff[time.Duration]{
		Initial:    250 * time.Millisecond,
		Multiplier: 2,
		Max:        5 * time.Second,
		Jitter:     true,
	}
}
