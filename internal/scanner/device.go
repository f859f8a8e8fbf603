// Package scanner implements the process-wide reference-counted native
// scanner handle and the single-owner device wrapper built on top of it.
// Both are modelled as plain values with explicit construction and
// teardown, not package-level globals: the process-wide reference
// counting is obtained by sharing one *DeviceHandle across every Scanner
// in the process, not by hiding state behind init/teardown functions.
package scanner

import (
	"sync"

	"github.com/ehrlich-b/slm-control/internal/errs"
	"github.com/ehrlich-b/slm-control/internal/native"
)

// DeviceHandle owns exactly one native.Card and serialises every call to
// its Open/Close beneath a single process-wide lock. Acquire/Guard.Close
// manage the reference count; the card itself is reached only through a
// live Guard's Card method.
type DeviceHandle struct {
	mu       sync.Mutex
	card     native.Card
	opened   bool
	refcount uint32
}

// NewDeviceHandle constructs a handle around a card produced by factory.
// The card is created immediately but not opened until the first Acquire.
func NewDeviceHandle(factory native.Factory) (*DeviceHandle, error) {
	card, err := factory()
	if err != nil {
		return nil, errs.Wrap("scanner.NewDeviceHandle", err)
	}
	return &DeviceHandle{card: card}, nil
}

// Guard represents one outstanding reference to the native handle.
// Closing it releases that reference; closing more than once is a no-op.
type Guard struct {
	h      *DeviceHandle
	closed bool
}

// Acquire increments the reference count, opening the native card on the
// 0→1 transition. If native_open fails the refcount is left at 0 and the
// error is returned; the caller gets no Guard.
func (h *DeviceHandle) Acquire() (*Guard, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.refcount == 0 {
		if err := h.card.Open(); err != nil {
			return nil, errs.Wrap("DeviceHandle.Acquire", err)
		}
		h.opened = true
	}
	h.refcount++
	return &Guard{h: h}, nil
}

// Card returns the underlying native card for use by the Guard's owner.
// Valid only while the Guard has not been closed.
func (g *Guard) Card() native.Card {
	return g.h.card
}

// Close releases this reference, closing the native card on the 1→0
// transition. Infallible: a native_close failure is swallowed (there is
// no recovery once the last reference is going away) and the handle is
// marked closed regardless.
func (g *Guard) Close() {
	if g.closed {
		return
	}
	g.closed = true

	h := g.h
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.refcount == 0 {
		return
	}
	h.refcount--
	if h.refcount == 0 {
		_ = h.card.Close()
		h.opened = false
	}
}

// Refcount is a snapshot read for diagnostics only; never used for
// correctness decisions by callers.
func (h *DeviceHandle) Refcount() uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refcount
}

// IsOpen is a snapshot read for diagnostics only.
func (h *DeviceHandle) IsOpen() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opened
}
