package rtclient

import (
	"math"
	"time"
)

// Backoff is an exponential retry schedule with a cap and proportional
// jitter.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter spreads each delay by up to +/- Jitter of itself, 0 to 1.
	Jitter float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:    500 * time.Millisecond,
		Max:        30 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
	}
}

// Delay returns the wait before retry number attempt (0-based). r is a
// uniform random value in [0, 1); 0.5 yields the unjittered delay.
func (b Backoff) Delay(attempt int, r float64) time.Duration {
	if b.Initial <= 0 {
		b.Initial = DefaultBackoff().Initial
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	if attempt < 0 {
		attempt = 0
	}

	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if b.Jitter > 0 {
		j := math.Min(b.Jitter, 1)
		d += (2*r - 1) * j * d
	}
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
