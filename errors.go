package slm

import "github.com/ehrlich-b/slm-control/internal/errs"

// Error is the structured failure type returned across the public API.
// It is exactly internal/errs's Error: this alias lets callers declare
// `var e *slm.Error` and use errors.As(err, &e) without importing the
// internal package.
type Error = errs.Error

// Error category codes, re-exported for callers comparing the kind
// reported by a Failed event or the Code field of an *Error.
const (
	ErrConfig       = errs.CodeConfig
	ErrTransport    = errs.CodeTransport
	ErrDisconnected = errs.CodeDisconnected
	ErrHardware     = errs.CodeHardware
	ErrWrongThread  = errs.CodeWrongThread
	ErrTimeout      = errs.CodeTimeout
	ErrCancelled    = errs.CodeCancelled
	ErrInternal     = errs.CodeInternal
)
