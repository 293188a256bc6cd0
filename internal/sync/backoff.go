package sync

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes the delay before a failed queue item is retried
type Backoff struct {
	// Base is the delay after the first failure
	Base time.Duration
	// Max caps the delay
	Max time.Duration
	// Jitter is the relative spread applied to each delay, 0.1 means ±10%
	Jitter float64

	random func() float64
}

// NewBackoff creates a backoff with ±10% jitter
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = 30 * time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{Base: base, Max: max, Jitter: 0.1, random: rand.Float64}
}

// Delay returns base·2^(attempts-1), capped at Max, with jitter
func (b *Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	d := float64(b.Base) * math.Pow(2, float64(attempts-1))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}

	if b.Jitter > 0 && b.random != nil {
		d += d * b.Jitter * (b.random()*2 - 1)
	}
	return time.Duration(d)
}
