// Package clock provides the agent's monotonic clock abstraction.
// The clock is modelled as a wrapping 32-bit millisecond counter, matching
// the native width of the microcontroller timers the protocol was designed
// around. All elapsed-time arithmetic goes through Elapsed so rollover is
// handled in exactly one place.
package clock

import "time"

// Clock returns milliseconds since some fixed origin, wrapping at 2^32.
type Clock interface {
	Now() uint32
}

// Sleeper blocks the calling goroutine for the given number of milliseconds.
// The agent is single-threaded by design, so sleeps are deliberate pauses,
// not scheduling hints.
type Sleeper interface {
	Sleep(ms uint32)
}

// Elapsed returns the milliseconds elapsed from since to now, treating the
// clock as wrapping at its native 32-bit width. Unsigned subtraction is
// modular, so a wrapped now (now < since) still yields the correct duration.
func Elapsed(now, since uint32) uint32 {
	return now - since
}

// System is the real clock, measuring from process start.
type System struct {
	start time.Time
}

// NewSystem creates a System clock with its origin at the current time.
func NewSystem() *System {
	return &System{start: time.Now()}
}

// Now returns milliseconds since the clock was created, truncated to 32 bits.
func (s *System) Now() uint32 {
	return uint32(time.Since(s.start).Milliseconds())
}

// Sleep blocks for the given number of milliseconds.
func (s *System) Sleep(ms uint32) {
	time.Sleep(time.Duration(ms) * time.Millisecond)
}
