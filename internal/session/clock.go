package session

import "time"

// Clock provides a testable time source. Handlers never call time.Now
// directly; timestamps come from the injected Clock so tests stay
// deterministic.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock backed by time.Now.
type RealClock struct{}

// Now implements Clock.
func (RealClock) Now() time.Time { return time.Now() }

// Timer is a cancelable pending callback.
type Timer interface {
	Stop() bool
}

// Scheduler arms one-shot callbacks. The session keys its timers by name
// and guards fires with a generation counter, so a Scheduler only needs
// AfterFunc semantics.
type Scheduler interface {
	AfterFunc(d time.Duration, fn func()) Timer
}

// RealScheduler is the production Scheduler backed by time.AfterFunc.
type RealScheduler struct{}

// AfterFunc implements Scheduler.
func (RealScheduler) AfterFunc(d time.Duration, fn func()) Timer {
	return time.AfterFunc(d, fn)
}
