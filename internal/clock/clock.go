// Package clock supplies the injectable monotonic time source every
// timeout in this module reads through: wait_for_idle, the PLC-ready
// handshake, and the startup handshake's polling. Production code
// gets the wall clock; tests get a Mock they can advance deterministically,
// so scenarios like "PLC never readies" run in microseconds instead of
// the real 60s ceiling.
package clock

import "github.com/benbjohnson/clock"

// Clock is the subset of benbjohnson/clock's interface this module
// depends on, named the way the rest of the codebase talks about time:
// "now" and "wait until".
type Clock = clock.Clock

// Mock is a controllable fake clock for tests. Advance it with
// Add/Set; anything blocked in a Timer/After/Sleep wakes in call order.
type Mock = clock.Mock

// New returns the real, monotonic wall-clock implementation.
func New() Clock {
	return clock.New()
}

// NewMock returns a fake clock starting at the mock epoch (not wall time,
// so scenario expectations like "t=0" in test tables are exact).
func NewMock() *Mock {
	return clock.NewMock()
}
