package internal

import (
	"math"
	"math/rand"
	"time"
)

// Defaults for the reconnection policy; see Backoff.
const (
	DefaultBackoffBase       = 500 * time.Millisecond
	DefaultBackoffMultiplier = 2.0
	DefaultBackoffMax        = 30 * time.Second
	DefaultBackoffFastFirst  = 250 * time.Millisecond
	DefaultMaxReconnects     = 10

	// jitterSpread is the width of the random jitter factor: delays are
	// multiplied by a factor in [1.0, 1.0+jitterSpread).
	jitterSpread = 0.3
)

// Backoff computes the delay to wait before reconnection attempt k. The
// first attempt can use a shorter FastFirst delay: most initial failures
// are transient and succeed on an eager retry, so this minimizes the
// time-to-first-byte without adding meaningful load.
type Backoff struct {
	Base       time.Duration
	Multiplier float64
	Max        time.Duration
	FastFirst  time.Duration
	Jitter     bool

	// rnd, if not nil, replaces rand.Float64. Tests use it.
	rnd func() float64
}

// Delay returns the delay before reconnection attempt k (0-based),
// truncated to an integer millisecond so it never leaves the jitter
// interval.
func (b *Backoff) Delay(attempt int) time.Duration {
	var d time.Duration

	if attempt == 0 && b.FastFirst > 0 {
		d = b.FastFirst
	} else {
		v := float64(b.Base) * math.Pow(b.Multiplier, float64(attempt))
		if v > float64(b.Max) || math.IsInf(v, 1) {
			v = float64(b.Max)
		}
		d = time.Duration(v)
	}

	if b.Jitter {
		rnd := b.rnd
		if rnd == nil {
			rnd = rand.Float64
		}
		d = time.Duration(float64(d) * (1.0 + jitterSpread*rnd()))
	}

	return d.Truncate(time.Millisecond)
}
