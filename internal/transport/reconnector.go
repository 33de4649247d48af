package transport

import (
	"time"

	"github.com/courier-im/courier/internal/backoff"
)

// stableReset is how long a connection must survive before the next
// disconnect restarts the backoff curve from the beginning.
const stableReset = 60 * time.Second

type reconnector struct {
	policy      backoff.Policy
	attempt     int
	connectedAt time.Time
}

func newReconnector(policy backoff.Policy) *reconnector {
	return &reconnector{policy: policy}
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > stableReset {
		r.attempt = 0
	}
	d := r.policy.Delay(r.attempt)
	r.attempt++
	return d
}

func (r *reconnector) reset() {
	r.attempt = 0
	r.connectedAt = time.Time{}
}
