// Package backoff implements the retry delay policy used by the session
// reconnection supervisor.
package backoff

import (
	"math/rand"
	"time"
)

// Policy computes exponential retry delays with jitter. The zero value is
// not usable; construct with New or fill Base and Max explicitly.
type Policy struct {
	// Base is the delay before the first retry.
	Base time.Duration
	// Max caps the exponential growth.
	Max time.Duration
	// MaxAttempts bounds the number of retries. Zero means unlimited.
	MaxAttempts int

	// jitter returns a non-negative value below n. Tests inject a
	// deterministic source.
	jitter func(n int64) int64
}

// New returns a policy with the given bounds and the default jitter source.
func New(base, max time.Duration, maxAttempts int) Policy {
	return Policy{Base: base, Max: max, MaxAttempts: maxAttempts}
}

// WithJitterSource returns a copy of the policy drawing jitter from fn.
func (p Policy) WithJitterSource(fn func(n int64) int64) Policy {
	p.jitter = fn
	return p
}

// Exhausted reports whether the given zero-based attempt exceeds the
// configured attempt budget.
func (p Policy) Exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// Delay returns the wait before the given zero-based attempt: Base doubled
// per attempt, capped at Max, plus up to 25% jitter so that a fleet of
// agents reconnecting after a server restart does not retry in lockstep.
func (p Policy) Delay(attempt int) time.Duration {
	d := p.Base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.Max || d <= 0 {
			d = p.Max
			break
		}
	}
	if d > p.Max {
		d = p.Max
	}
	span := int64(d / 4)
	if span <= 0 {
		return d
	}
	jitter := p.jitter
	if jitter == nil {
		jitter = rand.Int63n
	}
	return d + time.Duration(jitter(span))
}
