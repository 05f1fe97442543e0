package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// NewReconnectBackOff yields base, 2*base, 4*base, ... capped at maxDelay,
// and backoff.Stop once maxAttempts delays have been handed out. No jitter.
func NewReconnectBackOff(base, maxDelay time.Duration, maxAttempts int) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = maxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	if maxAttempts < 0 {
		maxAttempts = 0
	}
	return backoff.WithMaxRetries(b, uint64(maxAttempts))
}
