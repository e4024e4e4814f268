// Package timer provides a polled countdown timer on a monotonic clock.
// It never blocks and spawns no goroutines; callers check Expired on each tick.
package timer

import "time"

// Clock returns the time elapsed since some fixed origin.
// It must never go backwards.
type Clock func() time.Duration

// Timer arms a single deadline and reports when it has passed.
// Not safe for concurrent use.
type Timer struct {
	now      Clock
	deadline time.Duration
	armed    bool
}

// New creates a Timer backed by the runtime monotonic clock, so wall-clock
// adjustments (NTP steps, manual changes) do not shorten or stretch a phase.
func New() *Timer {
	origin := time.Now()
	return NewWithClock(func() time.Duration { return time.Since(origin) })
}

// NewWithClock creates a Timer using the given clock. Used by tests.
func NewWithClock(now Clock) *Timer {
	return &Timer{now: now}
}

// Start arms the timer to expire d from now, replacing any previous deadline.
// A zero or negative d expires immediately.
func (t *Timer) Start(d time.Duration) {
	t.deadline = t.now() + d
	t.armed = true
}

// Expired reports whether the armed deadline has been reached.
// An unarmed timer is never expired.
func (t *Timer) Expired() bool {
	if !t.armed {
		return false
	}
	return t.now() >= t.deadline
}

// Armed reports whether Start has been called.
func (t *Timer) Armed() bool {
	return t.armed
}

// Remaining returns the time left until expiry, or 0 if expired or unarmed.
func (t *Timer) Remaining() time.Duration {
	if !t.armed {
		return 0
	}
	left := t.deadline - t.now()
	if left < 0 {
		return 0
	}
	return left
}
