// Package errs defines the structured error type shared across the
// scanner, machine-link, pipeline, and supervisor packages so that a
// failure raised deep in a leaf package keeps its category intact all
// the way up to the operator-facing event stream.
package errs

import (
	"errors"
	"fmt"
)

// Code is a high-level error category. It never names a language
// runtime concept (panic, exception) — only job-domain failure kinds.
type Code string

const (
	// CodeConfig covers a bad style table, missing style id, or bad
	// slice header. Fatal at start; never raised mid-run.
	CodeConfig Code = "config"
	// CodeTransport is a machine-link failure that does not mark the
	// connection lost: a failed Connect, or a read answered with a bad
	// status. A failed read or write call is retried once inside the
	// link and then surfaces as CodeDisconnected instead.
	CodeTransport Code = "transport"
	// CodeDisconnected is a lost machine-link connection. Fatal to the job.
	CodeDisconnected Code = "disconnected"
	// CodeHardware is a native scanner error (code + operation).
	CodeHardware Code = "hardware"
	// CodeWrongThread is a contract violation: a Scanner method invoked
	// from a goroutine other than its owner. Never retried.
	CodeWrongThread Code = "wrong_thread"
	// CodeTimeout is a named deadline ceiling exceeded.
	CodeTimeout Code = "timeout"
	// CodeCancelled is a normal cooperative stop. Not a failure.
	CodeCancelled Code = "cancelled"
	// CodeInternal is an unexpected failure caught at a task boundary.
	CodeInternal Code = "internal"
)

// Timeout names which named ceiling fired.
type Timeout string

const (
	TimeoutPrep     Timeout = "prep_timeout"
	TimeoutExec     Timeout = "exec_timeout"
	TimeoutIdle     Timeout = "idle_timeout"
	TimeoutShutdown Timeout = "shutdown_timeout"
)

// Error is the structured error carried across component boundaries.
type Error struct {
	Op      string  // operation that failed, e.g. "wait_for_idle"
	Code    Code    // high-level category
	Timeout Timeout // set only when Code == CodeTimeout
	Queue   int     // queue/layer index, -1 if not applicable
	Msg     string
	Inner   error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		if e.Timeout != "" {
			return fmt.Sprintf("slm: %s (op=%s timeout=%s)", msg, e.Op, e.Timeout)
		}
		return fmt.Sprintf("slm: %s (op=%s)", msg, e.Op)
	}
	return fmt.Sprintf("slm: %s", msg)
}

func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparison by Code (and Timeout, when set).
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	if te.Timeout != "" {
		return e.Code == te.Code && e.Timeout == te.Timeout
	}
	return e.Code == te.Code
}

// New creates a structured error of the given category.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg, Queue: -1}
}

// NewTimeout creates a Timeout-category error naming which ceiling fired.
func NewTimeout(op string, timeout Timeout) *Error {
	return &Error{Op: op, Code: CodeTimeout, Timeout: timeout, Msg: string(timeout), Queue: -1}
}

// Wrap annotates an existing error with an operation name, preserving the
// inner error's category when it is already a structured Error, else
// classifying it as internal.
func Wrap(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	var se *Error
	if errors.As(inner, &se) {
		return &Error{
			Op:      op,
			Code:    se.Code,
			Timeout: se.Timeout,
			Queue:   se.Queue,
			Msg:     se.Msg,
			Inner:   inner,
		}
	}
	return &Error{Op: op, Code: CodeInternal, Msg: inner.Error(), Inner: inner, Queue: -1}
}

// CodeOf returns err's category if it (or a wrapped cause) is a
// structured Error, else CodeInternal.
func CodeOf(err error) Code {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeInternal
}

// IsCode reports whether err (or a wrapped cause) carries the given code.
func IsCode(err error, code Code) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsCancelled reports whether err represents a cooperative stop, which the
// supervisor must not treat as a job failure.
func IsCancelled(err error) bool {
	return IsCode(err, CodeCancelled)
}
