package scanner

import (
	"fmt"
	"sync"
	"time"

	"github.com/petermattis/goid"

	slmclock "github.com/ehrlich-b/slm-control/internal/clock"
	"github.com/ehrlich-b/slm-control/internal/errs"
	"github.com/ehrlich-b/slm-control/internal/geometry"
	"github.com/ehrlich-b/slm-control/internal/native"
)

// listState is the vendor DSP's command-list lifecycle.
type listState int

const (
	listEmpty listState = iota
	listOpen
	listClosed
	listExecuting
)

func (s listState) String() string {
	switch s {
	case listEmpty:
		return "empty"
	case listOpen:
		return "open"
	case listClosed:
		return "closed"
	case listExecuting:
		return "executing"
	default:
		return "unknown"
	}
}

// Config carries the parameters needed to bring a card online.
type Config struct {
	CorrectionPath string
	Calibration    geometry.Calibration
}

// Scanner is the single-owner wrapper around one native.Card. It may be
// constructed on any goroutine; Initialise binds it to the calling
// goroutine. JumpTo, MarkTo, SetStyle, ExecuteList, WaitForIdle,
// ResetList and DisableLaser check the calling goroutine against that
// owner and reject any other caller with WrongThread, since Go has no
// static way to pin a value to one goroutine. Shutdown, LastError and
// IsInitialised do not check the caller.
type Scanner struct {
	handle *DeviceHandle

	mu          sync.Mutex // guards the fields below against diagnostic reads only
	owner       int64
	initialised bool
	guard       *Guard
	card        native.Card
	clk         slmclock.Clock
	state       listState
	lastErrCode native.ErrorCode
	lastErrOp   string

	Trace []string // recorded primitive sequence, for testable property 4
}

// New creates a Scanner bound to handle, using clk for every timeout.
// The scanner is not usable until Initialise is called, and Initialise
// fixes the owner goroutine for the scanner's lifetime.
func New(handle *DeviceHandle, clk slmclock.Clock) *Scanner {
	return &Scanner{handle: handle, clk: clk}
}

func (s *Scanner) checkOwner(op string) error {
	if !s.initialised {
		return errs.New(op, errs.CodeInternal, "scanner not initialised")
	}
	if goid.Get() != s.owner {
		return errs.New(op, errs.CodeWrongThread, "scanner invoked from non-owner goroutine")
	}
	return nil
}

// Initialise binds this scanner to the calling goroutine, acquires a
// Guard from the shared DeviceHandle, loads the correction table, runs
// warm-up, and leaves the list Open ready for the first layer. Any
// failure releases the Guard and leaves the scanner uninitialised.
func (s *Scanner) Initialise(cfg Config) error {
	if s.initialised {
		return errs.New("Scanner.Initialise", errs.CodeInternal, "already initialised")
	}
	s.owner = goid.Get()

	guard, err := s.handle.Acquire()
	if err != nil {
		return errs.Wrap("Scanner.Initialise", err)
	}
	card := guard.Card()
	s.card = card

	fail := func(op string, cause error) error {
		herr := s.hardwareError(op, cause)
		guard.Close()
		s.card = nil
		return herr
	}
	if err := card.LoadCorrection(cfg.CorrectionPath); err != nil {
		return fail("Scanner.Initialise.LoadCorrection", err)
	}
	if err := card.WarmUp(); err != nil {
		return fail("Scanner.Initialise.WarmUp", err)
	}
	if err := card.ListOpen(); err != nil {
		return fail("Scanner.Initialise.ListOpen", err)
	}

	s.guard = guard
	s.card = card
	s.state = listOpen
	s.initialised = true
	s.record("list-open")
	return nil
}

func (s *Scanner) record(op string) {
	s.Trace = append(s.Trace, op)
}

func (s *Scanner) hardwareError(op string, cause error) error {
	code, errOp := s.card.LastError()
	s.lastErrCode = code
	s.lastErrOp = errOp
	return errs.New(op, errs.CodeHardware, fmt.Sprintf("native error %d at %s: %v", code, errOp, cause))
}

// ensureOpen transparently moves Empty → Open.
func (s *Scanner) ensureOpen(op string) error {
	if s.state == listEmpty {
		if err := s.card.ListOpen(); err != nil {
			return s.hardwareError(op, err)
		}
		s.state = listOpen
		s.record("list-open")
	}
	if s.state != listOpen {
		return errs.New(op, errs.CodeInternal, fmt.Sprintf("list not open (state=%s)", s.state))
	}
	return nil
}

// JumpTo appends an absolute jump (laser off) to the open list.
func (s *Scanner) JumpTo(p geometry.Point) error {
	if err := s.checkOwner("Scanner.JumpTo"); err != nil {
		return err
	}
	if err := s.ensureOpen("Scanner.JumpTo"); err != nil {
		return err
	}
	if err := s.card.JumpAbs(p); err != nil {
		return s.hardwareError("Scanner.JumpTo", err)
	}
	s.record("jump")
	return nil
}

// MarkTo appends an absolute mark (laser on) to the open list.
func (s *Scanner) MarkTo(p geometry.Point) error {
	if err := s.checkOwner("Scanner.MarkTo"); err != nil {
		return err
	}
	if err := s.ensureOpen("Scanner.MarkTo"); err != nil {
		return err
	}
	if err := s.card.MarkAbs(p); err != nil {
		return s.hardwareError("Scanner.MarkTo", err)
	}
	s.record("mark")
	return nil
}

// SetStyle queues the style-change primitives ahead of the next geometry
// command.
func (s *Scanner) SetStyle(style geometry.BuildStyle) error {
	if err := s.checkOwner("Scanner.SetStyle"); err != nil {
		return err
	}
	if err := s.ensureOpen("Scanner.SetStyle"); err != nil {
		return err
	}
	if err := s.card.SetStyle(style); err != nil {
		return s.hardwareError("Scanner.SetStyle", err)
	}
	s.record("set-style")
	return nil
}

// ExecuteList closes the open list and begins execution.
func (s *Scanner) ExecuteList() error {
	if err := s.checkOwner("Scanner.ExecuteList"); err != nil {
		return err
	}
	if s.state != listOpen {
		return errs.New("Scanner.ExecuteList", errs.CodeInternal, fmt.Sprintf("list not open (state=%s)", s.state))
	}
	if err := s.card.ListClose(); err != nil {
		return s.hardwareError("Scanner.ExecuteList", err)
	}
	s.state = listClosed
	s.record("close-list")

	if err := s.card.Execute(); err != nil {
		return s.hardwareError("Scanner.ExecuteList", err)
	}
	s.state = listExecuting
	s.record("execute")
	return nil
}

// pollInterval bounds how often wait_for_idle re-checks the busy flag.
const pollInterval = 5 * time.Millisecond

// WaitForIdle polls the native busy flag until it clears or the clock
// reaches deadline. stopRequested, when non-nil, is checked at every poll
// so a cooperative stop can unwind without waiting out the full deadline.
func (s *Scanner) WaitForIdle(deadline time.Time, stopRequested func() bool) error {
	if err := s.checkOwner("Scanner.WaitForIdle"); err != nil {
		return err
	}
	if s.state != listExecuting {
		return errs.New("Scanner.WaitForIdle", errs.CodeInternal, fmt.Sprintf("list not executing (state=%s)", s.state))
	}

	for {
		busy, err := s.card.Busy()
		if err != nil {
			return s.hardwareError("Scanner.WaitForIdle", err)
		}
		if !busy {
			s.state = listEmpty
			return nil
		}
		if !s.clk.Now().Before(deadline) {
			return errs.NewTimeout("Scanner.WaitForIdle", errs.TimeoutExec)
		}
		if stopRequested != nil && stopRequested() {
			return errs.New("Scanner.WaitForIdle", errs.CodeCancelled, "stop requested while waiting for idle")
		}

		next := s.clk.Now().Add(pollInterval)
		if next.After(deadline) {
			next = deadline
		}
		s.clk.Sleep(next.Sub(s.clk.Now()))
	}
}

// ResetList stops any in-progress execution, clears the list, and
// prepares Open for the next layer.
func (s *Scanner) ResetList() error {
	if err := s.checkOwner("Scanner.ResetList"); err != nil {
		return err
	}
	if err := s.card.ClearList(); err != nil {
		return s.hardwareError("Scanner.ResetList", err)
	}
	s.state = listEmpty
	s.record("clear-list")

	if err := s.card.ListOpen(); err != nil {
		return s.hardwareError("Scanner.ResetList", err)
	}
	s.state = listOpen
	s.record("list-open")
	return nil
}

// DisableLaser forces the laser off outside of list execution. Safe to
// call repeatedly.
func (s *Scanner) DisableLaser() error {
	if err := s.checkOwner("Scanner.DisableLaser"); err != nil {
		return err
	}
	if err := s.card.LaserDisable(); err != nil {
		return s.hardwareError("Scanner.DisableLaser", err)
	}
	s.record("laser-disable")
	return nil
}

// Shutdown stops execution, disables the laser, releases the Guard, and
// clears initialised. Idempotent and infallible — every failure along
// the way is swallowed because there is nothing left to recover once the
// job is tearing the scanner down.
func (s *Scanner) Shutdown() {
	if !s.initialised {
		return
	}
	_ = s.card.ClearList()
	_ = s.card.LaserDisable()
	s.record("laser-disable")

	if s.guard != nil {
		s.guard.Close()
		s.guard = nil
	}
	s.state = listEmpty
	s.initialised = false
}

// IsInitialised is callable from any goroutine; it is the one exception
// to the owner-thread rule since it exists to let other tasks sanity
// check lifecycle without racing on live state.
func (s *Scanner) IsInitialised() bool {
	return s.initialised
}

// LastError returns the most recently captured native failure.
func (s *Scanner) LastError() (native.ErrorCode, string) {
	return s.lastErrCode, s.lastErrOp
}
