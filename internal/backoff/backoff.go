// Package backoff computes reconnect delays for channel connections.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Defaults used when a Policy field is zero.
const (
	DefaultBase        = 500 * time.Millisecond
	DefaultMax         = 30 * time.Second
	DefaultJitter      = 0.2
	DefaultMaxAttempts = 10
)

// Policy describes exponential backoff capped at Max.
//
// Delay(n) = min(Max, Base * 2^(n-1)), then scaled by a random factor in
// [1-Jitter, 1+Jitter] and clamped to Max again. A zero or negative Jitter
// disables jitter.
type Policy struct {
	Base        time.Duration
	Max         time.Duration
	Jitter      float64
	MaxAttempts int // 0 = unlimited

	// Rand returns a value in [0, 1). Nil uses math/rand/v2.
	Rand func() float64
}

// Default returns the policy used by channel connections.
func Default() Policy {
	return Policy{
		Base:        DefaultBase,
		Max:         DefaultMax,
		Jitter:      DefaultJitter,
		MaxAttempts: DefaultMaxAttempts,
	}
}

func (p Policy) withDefaults() Policy {
	if p.Base <= 0 {
		p.Base = DefaultBase
	}
	if p.Max <= 0 {
		p.Max = DefaultMax
	}
	if p.Max < p.Base {
		p.Max = p.Base
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	if p.Rand == nil {
		p.Rand = rand.Float64
	}
	return p
}

// BaseDelay returns the un-jittered delay for attempt (attempt < 1 counts as 1).
func (p Policy) BaseDelay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		attempt = 1
	}
	d := p.Base
	for i := 1; i < attempt; i++ {
		if d >= p.Max/2 {
			return p.Max
		}
		d *= 2
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// Delay returns the jittered delay for attempt. It never exceeds Max.
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	d := p.BaseDelay(attempt)
	if p.Jitter > 0 {
		factor := 1 + p.Jitter*(2*p.Rand()-1)
		d = time.Duration(float64(d) * factor)
	}
	if d > p.Max {
		d = p.Max
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Tracker counts consecutive failed attempts against a Policy. It is not
// safe for concurrent use; each connection owns one.
type Tracker struct {
	policy  Policy
	attempt int
}

// NewTracker returns a Tracker with zero attempts.
func NewTracker(p Policy) *Tracker {
	return &Tracker{policy: p}
}

// Next records another failed attempt and returns its number and delay.
// ok is false once MaxAttempts attempts have been used.
func (t *Tracker) Next() (attempt int, delay time.Duration, ok bool) {
	if t.policy.MaxAttempts > 0 && t.attempt >= t.policy.MaxAttempts {
		return t.attempt, 0, false
	}
	t.attempt++
	return t.attempt, t.policy.Delay(t.attempt), true
}

// Reset clears the attempt counter. Call only after a fully confirmed
// connection.
func (t *Tracker) Reset() { t.attempt = 0 }

// Attempt returns the number of attempts used since the last Reset.
func (t *Tracker) Attempt() int { return t.attempt }
