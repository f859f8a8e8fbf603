package native

import (
	"fmt"
	"sync"
	"time"

	"github.com/ehrlich-b/slm-control/internal/clock"
	"github.com/ehrlich-b/slm-control/internal/geometry"
)

// listState mirrors the subset of the scanner's list state machine the fake
// card needs to reject out-of-order calls the same way the real DSP would.
type listState int

const (
	listEmpty listState = iota
	listOpen
	listClosed
	listExecuting
)

// Fake is an in-memory stand-in for the vendor scanner card, driven by
// an injected Clock so "busy" windows are deterministic in tests. It
// records every primitive it was asked to perform so scenario tests can
// assert ordering (e.g. "close-list, execute" immediately precedes each
// physical execution, for list-ordering assertions in tests).
type Fake struct {
	clk clock.Clock

	mu          sync.Mutex
	opened      bool
	state       listState
	laserOn     bool
	busyFor     time.Duration
	stayBusy    bool
	busyUntil   time.Time
	lastErr     ErrorCode
	lastErrOp   string
	failExecute bool
	failBusy    error

	Trace []string // recorded operations, in order
}

// NewFake creates a Fake card that reports busy for busyFor after each
// Execute, then idle.
func NewFake(clk clock.Clock, busyFor time.Duration) *Fake {
	return &Fake{clk: clk, busyFor: busyFor}
}

// StayBusyForever makes Busy() never clear, simulating a wedged card
// (a stuck-busy scenario).
func (f *Fake) StayBusyForever() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stayBusy = true
}

// FailNextExecute makes the next Execute call report a hardware error
// instead of beginning execution.
func (f *Fake) FailNextExecute() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failExecute = true
}

// FailBusyWith makes every subsequent Busy call return err.
func (f *Fake) FailBusyWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failBusy = err
}

func (f *Fake) record(op string) {
	f.Trace = append(f.Trace, op)
}

func (f *Fake) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = true
	f.record("open")
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = false
	f.record("close")
	return nil
}

func (f *Fake) LoadCorrection(path string) error {
	f.record("load-correction")
	return nil
}

func (f *Fake) WarmUp() error {
	f.record("warm-up")
	return nil
}

func (f *Fake) ListOpen() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = listOpen
	f.record("list-open")
	return nil
}

func (f *Fake) JumpAbs(p geometry.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != listOpen {
		return fmt.Errorf("jump_abs: list not open")
	}
	f.record("jump")
	return nil
}

func (f *Fake) MarkAbs(p geometry.Point) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != listOpen {
		return fmt.Errorf("mark_abs: list not open")
	}
	f.laserOn = true
	f.record("mark")
	return nil
}

func (f *Fake) SetStyle(style geometry.BuildStyle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != listOpen {
		return fmt.Errorf("set_style: list not open")
	}
	f.record("set-style")
	return nil
}

func (f *Fake) ListClose() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != listOpen {
		return fmt.Errorf("list_close: list not open")
	}
	f.state = listClosed
	f.record("close-list")
	return nil
}

func (f *Fake) Execute() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != listClosed {
		return fmt.Errorf("execute: list not closed")
	}
	if f.failExecute {
		f.lastErr = 1
		f.lastErrOp = "execute"
		return fmt.Errorf("execute: injected hardware failure")
	}
	f.state = listExecuting
	f.busyUntil = f.clk.Now().Add(f.busyFor)
	f.record("execute")
	return nil
}

func (f *Fake) Busy() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failBusy != nil {
		return false, f.failBusy
	}
	if f.state != listExecuting {
		return false, nil
	}
	if f.stayBusy {
		return true, nil
	}
	if f.clk.Now().Before(f.busyUntil) {
		return true, nil
	}
	f.state = listEmpty
	f.laserOn = false
	return false, nil
}

func (f *Fake) ClearList() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = listEmpty
	f.laserOn = false
	f.record("clear-list")
	return nil
}

func (f *Fake) LaserEnable() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.laserOn = true
	f.record("laser-enable")
	return nil
}

func (f *Fake) LaserDisable() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.laserOn = false
	f.record("laser-disable")
	return nil
}

func (f *Fake) LastError() (ErrorCode, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr, f.lastErrOp
}

// LaserOn reports whether the fake believes the laser is currently
// energised — used by tests asserting laser-off-on-failure behavior.
func (f *Fake) LaserOn() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.laserOn
}
