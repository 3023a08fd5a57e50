package session

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

const maxReconnectInterval = 24 * time.Hour

// reconnectPolicy yields base * 2^attempt until max attempts have been used.
type reconnectPolicy struct {
	backoff *backoff.ExponentialBackOff
	max     int
	attempt int
}

func newReconnectPolicy(base time.Duration, max int) *reconnectPolicy {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = maxReconnectInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return &reconnectPolicy{backoff: b, max: max}
}

func (p *reconnectPolicy) Next() (time.Duration, error) {
	if p.attempt >= p.max {
		return 0, fmt.Errorf("%w: gave up after %d attempts", ErrMaxReconnectExceeded, p.attempt)
	}
	p.attempt++
	return p.backoff.NextBackOff(), nil
}

func (p *reconnectPolicy) Attempt() int {
	return p.attempt
}

func (p *reconnectPolicy) Reset() {
	p.attempt = 0
	p.backoff.Reset()
}
