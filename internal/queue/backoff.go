package queue

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponential delays with jitter.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64 // 0-1
}

// DefaultBackoff returns the delays used between job attempts.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   2 * time.Second,
		Max:    time.Minute,
		Jitter: 0.2,
	}
}

// Delay returns the wait before the given attempt (1 = first retry).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Exponential: base * 2^(attempt-1)
	delay := float64(b.Base) * math.Pow(2, float64(attempt-1))
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	// Apply jitter: delay * (1 ± jitter)
	jitterRange := delay * b.Jitter
	delay += (rand.Float64()*2 - 1) * jitterRange

	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
