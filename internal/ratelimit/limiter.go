// Package ratelimit paces outbound provider calls.
package ratelimit

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Limiter wraps rate.Limiter with a name for logging/debugging.
type Limiter struct {
	limiter *rate.Limiter
	name    string
	rps     float64
}

// New creates a new rate limiter with the given requests per second.
// The burst size equals the rate (minimum 1), allowing short bursts up to
// the rate limit.
func New(name string, requestsPerSecond float64) *Limiter {
	burst := int(requestsPerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst),
		name:    name,
		rps:     requestsPerSecond,
	}
}

// Wait blocks until the rate limiter allows a request to proceed.
// Returns an error if the context is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait for %s: %w", l.name, err)
	}
	return nil
}

// Allow reports whether a request can proceed without blocking.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// Name returns the name of this rate limiter.
func (l *Limiter) Name() string {
	return l.name
}

// RPS returns the configured requests per second.
func (l *Limiter) RPS() float64 {
	return l.rps
}

// MostRestrictive returns the lowest of the given requests-per-second
// values, used to cap batch concurrency so that no in-flight batch can
// outrun its slowest provider. Returns def when the list is empty.
func MostRestrictive(rates []float64, def float64) float64 {
	if len(rates) == 0 {
		return def
	}
	minRPS := rates[0]
	for _, r := range rates[1:] {
		if r < minRPS {
			minRPS = r
		}
	}
	return minRPS
}
