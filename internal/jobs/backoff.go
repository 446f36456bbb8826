package jobs

import (
	"math/rand"
	"time"
)

// RetryDelay computes the backoff before re-queueing a job for attempt
// number `attempt` (1-based: the delay applied after the first failed
// attempt is RetryDelay(base, 1)). Exponential with uniform jitter so
// that a burst of failures does not re-land on the queue in lockstep.
func RetryDelay(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}
	// Cap the shift so pathological attempt counts cannot overflow.
	if attempt > 16 {
		attempt = 16
	}
	delay := base * (1 << (attempt - 1))
	jitter := time.Duration(rand.Int63n(int64(base)))
	return delay + jitter
}
