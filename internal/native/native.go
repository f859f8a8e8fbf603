// Package native defines the C-ABI contract this module consumes from
// the vendor scanner library, and a Fake implementation used by tests,
// SyntheticProducer runs, and the cmd/slmsim smoke-test binary. The real
// binding (behind a cgo build tag) is out of scope here — the correction
// table format is opaque to this module — but the
// interface is the seam the rest of the module programs against, the
// same role a narrow hardware-binding interface plays in any driver.
package native

import "github.com/ehrlich-b/slm-control/internal/geometry"

// ErrorCode is the raw code the native library reports on failure.
type ErrorCode int32

// Card is the C-ABI surface of the vendor scanner library. Every method
// may be called only while the owning Scanner holds it exclusively;
// Card itself does not enforce thread affinity — that is Scanner's job.
type Card interface {
	// Open acquires the native card handle. Safe to call only while the
	// process-wide DeviceHandle serialises it.
	Open() error
	// Close releases the native card handle.
	Close() error

	// LoadCorrection loads the (opaque) correction table from path.
	LoadCorrection(path string) error
	// WarmUp performs the vendor-specific warm-up sequence.
	WarmUp() error

	// ListOpen begins a new command list.
	ListOpen() error
	// JumpAbs appends an absolute jump (laser off) to the open list.
	JumpAbs(p geometry.Point) error
	// MarkAbs appends an absolute mark (laser on) to the open list.
	MarkAbs(p geometry.Point) error
	// SetStyle queues a style-change primitive (power, speeds, wobble)
	// into the open list, ahead of the next geometry command.
	SetStyle(style geometry.BuildStyle) error
	// ListClose closes the open list so it becomes eligible for execute.
	ListClose() error
	// Execute begins executing a closed list.
	Execute() error
	// Busy reports whether the card is still executing the current list.
	Busy() (bool, error)
	// ClearList stops any in-progress execution and discards the list.
	ClearList() error

	// LaserEnable/LaserDisable force the laser on/off outside of list
	// execution. LaserDisable must be idempotent.
	LaserEnable() error
	LaserDisable() error

	// LastError returns the most recent native error code and the
	// operation that produced it.
	LastError() (ErrorCode, string)
}

// Factory constructs a Card. Production wiring supplies the cgo-backed
// binding; tests and cmd/slmsim supply a factory returning NewFake.
type Factory func() (Card, error)
