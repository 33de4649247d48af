// Package backoff computes exponential retry delays with jitter. The same
// policy shape is shared by the outbox retry loop and the transport
// reconnector, each with its own attempt counter.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy describes an exponential backoff curve.
type Policy struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns the wait before the given retry attempt (0-based).
// The delay grows as Base*2^attempt plus jitter of up to half of Base,
// capped at Cap.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(p.Base) * 0.5)
	d := time.Duration(math.Min(
		float64(p.Base)*math.Pow(2, float64(attempt))+float64(jitter),
		float64(p.Cap),
	))
	return d
}
