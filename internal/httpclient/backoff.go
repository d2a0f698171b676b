package httpclient

import (
	"math/rand/v2"
	"time"
)

// Backoff returns the delay before retry number attempt (1-based):
// base doubled per attempt, capped at max, with equal jitter so
// concurrent retriers do not thunder in lockstep. The result is always
// in [cap/2, cap] of the uncapped exponential value.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	half := d / 2
	return half + rand.N(half+1)
}
