package service

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// utcNow is the default service clock
func utcNow() time.Time {
	return time.Now().UTC()
}

// RetryDelay returns the bounded exponential delay before retry number attempt (1-based):
// base, 2*base, 4*base ... capped at max.
func RetryDelay(attempt int, base, max time.Duration) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = max
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	if delay > max {
		return max
	}
	return delay
}
