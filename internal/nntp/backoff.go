package nntp

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff paces reconnect attempts with exponentially growing, jittered
// delays. It never gives up.
type Backoff struct {
	exp      *backoff.ExponentialBackOff
	attempts int
}

// NewBackoff doubles from initial up to maxDelay, jittering each delay by
// ±jitter of its nominal value.
func NewBackoff(initial, maxDelay time.Duration, jitter float64) *Backoff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.MaxInterval = maxDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = jitter
	exp.MaxElapsedTime = 0
	exp.Reset()
	return &Backoff{exp: exp}
}

// DefaultBackoff is 1s doubling to 5m with 10% jitter.
func DefaultBackoff() *Backoff {
	return NewBackoff(time.Second, 5*time.Minute, 0.1)
}

// Next returns the delay before the next attempt and advances.
func (b *Backoff) Next() time.Duration {
	b.attempts++
	return b.exp.NextBackOff()
}

// Reset starts over after a successful connection.
func (b *Backoff) Reset() {
	b.attempts = 0
	b.exp.Reset()
}

// Attempts since the last Reset.
func (b *Backoff) Attempts() int { return b.attempts }
