// Package backoff implements the fixed-delay retry policy used by the
// Transport's startup dial loop.
package backoff

import (
	"math/rand"
	"time"
)

// Constant is a fixed-delay backoff strategy with optional jitter, used to
// retry a WebSocket dial against a remote end that is not ready yet.
// Grounded on the teacher's client/backoff.go ConstantBackoff; the
// Exponential and NoBackoff variants it also offered are dropped since the
// spec calls for exactly one fixed ~500ms policy.
type Constant struct {
	Delay  time.Duration
	Jitter float64

	rnd *rand.Rand
}

// NewConstant creates a Constant backoff with the given base delay and a
// default 10% jitter.
func NewConstant(delay time.Duration) *Constant {
	return &Constant{
		Delay:  delay,
		Jitter: 0.1,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next returns the delay to wait before the next attempt.
func (c *Constant) Next() time.Duration {
	d := float64(c.Delay)
	if c.Jitter > 0 {
		jitterRange := d * c.Jitter
		d += (c.rnd.Float64() - 0.5) * jitterRange
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
