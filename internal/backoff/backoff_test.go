package backoff

import (
	"testing"
	"time"
)

func TestDelayGrowsExponentially(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 60 * time.Second}

	for attempt := 0; attempt < 6; attempt++ {
		d := p.Delay(attempt)
		min := time.Duration(1<<attempt) * time.Second
		max := min + 500*time.Millisecond // jitter bound
		if d < min || d > max {
			t.Errorf("Delay(%d) = %v, want within [%v, %v]", attempt, d, min, max)
		}
	}
}

func TestDelayCapped(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 60 * time.Second}

	for _, attempt := range []int{7, 10, 30} {
		if d := p.Delay(attempt); d > 60*time.Second {
			t.Errorf("Delay(%d) = %v, want <= 60s", attempt, d)
		}
	}
}

func TestNegativeAttemptClamped(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 60 * time.Second}
	if d := p.Delay(-3); d < time.Second || d > 2*time.Second {
		t.Errorf("Delay(-3) = %v, want treated as attempt 0", d)
	}
}
