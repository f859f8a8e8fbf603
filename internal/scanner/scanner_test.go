package scanner

import (
	"sync"
	"testing"
	"time"

	"github.com/petermattis/goid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/slm-control/internal/clock"
	"github.com/ehrlich-b/slm-control/internal/errs"
	"github.com/ehrlich-b/slm-control/internal/geometry"
	"github.com/ehrlich-b/slm-control/internal/native"
)

func newInitialisedScanner(t *testing.T, clk clock.Clock, busyFor time.Duration) (*Scanner, *native.Fake) {
	t.Helper()
	fake := native.NewFake(clk, busyFor)
	handle, err := NewDeviceHandle(func() (native.Card, error) { return fake, nil })
	require.NoError(t, err)

	s := New(handle, clk)
	require.NoError(t, s.Initialise(Config{
		CorrectionPath: "/dev/null",
		Calibration:    geometry.Calibration{BitsPerMM: 1000, MaxBits: geometry.MaxDeviceUnits},
	}))
	return s, fake
}

func TestScannerInitialiseOpensListAndRecordsOwner(t *testing.T) {
	clk := clock.NewMock()
	s, fake := newInitialisedScanner(t, clk, 0)

	assert.True(t, s.IsInitialised())
	assert.Equal(t, goid.Get(), s.owner, "Initialise must record the calling goroutine as owner")
	assert.Equal(t, listOpen, s.state)
	assert.Contains(t, fake.Trace, "load-correction")
	assert.Contains(t, fake.Trace, "warm-up")
	assert.Contains(t, fake.Trace, "list-open")
}

func TestScannerRejectsCallFromNonOwnerGoroutine(t *testing.T) {
	clk := clock.NewMock()
	s, _ := newInitialisedScanner(t, clk, 0)

	var wg sync.WaitGroup
	var callErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		callErr = s.JumpTo(geometry.Point{X: 1, Y: 1})
	}()
	wg.Wait()

	require.Error(t, callErr)
	assert.True(t, errs.IsCode(callErr, errs.CodeWrongThread))
}

func TestScannerJumpMarkSetStyleExecuteSequence(t *testing.T) {
	clk := clock.NewMock()
	s, fake := newInitialisedScanner(t, clk, 0)

	require.NoError(t, s.SetStyle(geometry.BuildStyle{ID: 1}))
	require.NoError(t, s.JumpTo(geometry.Point{X: 10, Y: 10}))
	require.NoError(t, s.MarkTo(geometry.Point{X: 20, Y: 20}))
	require.NoError(t, s.ExecuteList())

	deadline := clk.Now().Add(time.Second)
	require.NoError(t, s.WaitForIdle(deadline, nil))

	assert.Equal(t, []string{
		"open", "load-correction", "warm-up", "list-open",
		"set-style", "jump", "mark", "close-list", "execute",
	}, fake.Trace)
}

func TestWaitForIdleTimesOutWhenCardStaysBusy(t *testing.T) {
	clk := clock.NewMock()
	s, fake := newInitialisedScanner(t, clk, time.Hour)
	fake.StayBusyForever()

	require.NoError(t, s.SetStyle(geometry.BuildStyle{ID: 1}))
	require.NoError(t, s.JumpTo(geometry.Point{X: 1, Y: 1}))
	require.NoError(t, s.ExecuteList())

	deadline := clk.Now().Add(20 * time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- s.WaitForIdle(deadline, nil) }()

	// Advance the mock clock past the deadline; WaitForIdle polls on
	// pollInterval and re-reads clk.Now() each iteration.
	for i := 0; i < 10; i++ {
		clk.Add(5 * time.Millisecond)
	}

	err := <-done
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeTimeout))
}

func TestWaitForIdleHonoursStopRequested(t *testing.T) {
	clk := clock.NewMock()
	s, fake := newInitialisedScanner(t, clk, time.Hour)
	fake.StayBusyForever()

	require.NoError(t, s.SetStyle(geometry.BuildStyle{ID: 1}))
	require.NoError(t, s.JumpTo(geometry.Point{X: 1, Y: 1}))
	require.NoError(t, s.ExecuteList())

	stopped := true
	stopRequested := func() bool { return stopped }

	deadline := clk.Now().Add(time.Hour)
	done := make(chan error, 1)
	go func() { done <- s.WaitForIdle(deadline, stopRequested) }()

	err := <-done
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeCancelled))
}

func TestExecuteListSurfacesHardwareErrorAndLeavesLastError(t *testing.T) {
	clk := clock.NewMock()
	s, fake := newInitialisedScanner(t, clk, 0)

	require.NoError(t, s.SetStyle(geometry.BuildStyle{ID: 1}))
	require.NoError(t, s.JumpTo(geometry.Point{X: 1, Y: 1}))
	fake.FailNextExecute()

	err := s.ExecuteList()
	require.Error(t, err)
	assert.True(t, errs.IsCode(err, errs.CodeHardware))

	code, op := s.LastError()
	assert.Equal(t, native.ErrorCode(1), code)
	assert.Equal(t, "execute", op)
}

func TestResetListReturnsToOpenForNextLayer(t *testing.T) {
	clk := clock.NewMock()
	s, fake := newInitialisedScanner(t, clk, 0)

	require.NoError(t, s.SetStyle(geometry.BuildStyle{ID: 1}))
	require.NoError(t, s.JumpTo(geometry.Point{X: 1, Y: 1}))
	require.NoError(t, s.ExecuteList())
	require.NoError(t, s.WaitForIdle(clk.Now().Add(time.Second), nil))

	require.NoError(t, s.ResetList())
	assert.Equal(t, listOpen, s.state)
	assert.Contains(t, fake.Trace, "clear-list")

	// The list is usable again without another ensureOpen transition.
	require.NoError(t, s.JumpTo(geometry.Point{X: 2, Y: 2}))
}

func TestShutdownIsIdempotentAndReleasesGuard(t *testing.T) {
	clk := clock.NewMock()
	s, _ := newInitialisedScanner(t, clk, 0)
	handle := s.handle

	s.Shutdown()
	assert.False(t, s.IsInitialised())
	assert.Equal(t, uint32(0), handle.Refcount())

	// Calling Shutdown again must not panic or double-release.
	s.Shutdown()
}
