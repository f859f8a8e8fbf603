// Package slm is the job state machine and operator-facing API for the
// SLM control core: it owns the DeviceHandle, wires a Scanner, a
// MachineLink, and a LayerPipeline together for one job run, and
// translates operator commands (start/pause/resume/stop/emergency_stop)
// into pipeline and scanner operations.
package slm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	slmclock "github.com/ehrlich-b/slm-control/internal/clock"
	"github.com/ehrlich-b/slm-control/internal/errs"
	"github.com/ehrlich-b/slm-control/internal/geometry"
	"github.com/ehrlich-b/slm-control/internal/logging"
	"github.com/ehrlich-b/slm-control/internal/pipeline"
	"github.com/ehrlich-b/slm-control/internal/scanner"
	"github.com/ehrlich-b/slm-control/internal/slicefile"
	"github.com/ehrlich-b/slm-control/internal/style"
	"github.com/ehrlich-b/slm-control/internal/synthetic"
)

// State is one state of the job state machine.
type State string

const (
	StateIdle             State = "idle"
	StateStarting         State = "starting"
	StateRunning          State = "running"
	StatePaused           State = "paused"
	StateStopping         State = "stopping"
	StateStopped          State = "stopped"
	StateEmergencyStopped State = "emergency_stopped"
	StateFailed           State = "failed"
)

// Named machine-controller variables this package reads/writes.
const (
	varStartUp         = "StartUp"
	varStartUpDone     = "StartUp_Done"
	varStartSurfaces   = "StartSurfaces"
	varMakeSurfaceDone = "MakeSurface_Done"
	varLaySurface      = "LaySurface"
	varLaySurfaceDone  = "LaySurface_Done"
	varLayStacks       = "Lay_Stacks"
	varZStacks         = "Z_Stacks"
	varStepSource      = "Step_Source"
	varStepSink        = "Step_Sink"
	varDeltaSource     = "Delta_Source"
	varDeltaSink       = "Delta_Sink"
	varSourceCylinder  = "Marcer_Source_Cylinder_ActualPosition"
	varSinkCylinder    = "Marcer_Sink_Cylinder_ActualPosition"
)

// Supervisor is the job state machine: one Supervisor owns one
// DeviceHandle for its whole lifetime, and a fresh Scanner/Pipeline pair
// for each job run. A new Start/StartTest is permitted once the previous
// run has reached a terminal state.
type Supervisor struct {
	opts    Options
	clk     slmclock.Clock
	events  Events
	metrics *Metrics
	logger  *logging.Logger

	handle *scanner.DeviceHandle

	mu         sync.Mutex
	state      State
	failReason string

	scn         *scanner.Scanner
	pipe        *pipeline.Pipeline
	totalLayers uint32

	linkLost    atomic.Bool
	stopWatcher chan struct{}
	watcherDone chan struct{}
	runDone     chan Result
}

// New constructs a Supervisor and its process-wide DeviceHandle. The
// handle's native card is created here but not opened until the first
// job's Scanner.Initialise acquires it.
func New(opts Options, events Events) (*Supervisor, error) {
	if opts.NativeFactory == nil {
		return nil, errs.New("slm.New", errs.CodeConfig, "NativeFactory is required")
	}
	if opts.Link == nil {
		return nil, errs.New("slm.New", errs.CodeConfig, "Link is required")
	}
	if events == nil {
		events = NoOpEvents{}
	}
	clk := opts.Clock
	if clk == nil {
		clk = slmclock.New()
	}

	handle, err := scanner.NewDeviceHandle(opts.NativeFactory)
	if err != nil {
		return nil, errs.Wrap("slm.New", err)
	}

	s := &Supervisor{
		opts:    opts,
		clk:     clk,
		events:  events,
		metrics: NewMetrics(),
		logger:  logging.Default(),
		handle:  handle,
		state:   StateIdle,
	}

	// Only one ConnectionLost callback is supported per Client; register
	// it once, for the Supervisor's whole lifetime, and have it act on
	// whichever pipeline is current.
	opts.Link.OnConnectionLost(func() {
		s.metrics.RecordConnectionLoss()
		s.linkLost.Store(true)
		s.events.ConnectionLost()
		s.mu.Lock()
		pipe := s.pipe
		s.mu.Unlock()
		if pipe != nil {
			pipe.EmergencyStop()
		}
	})

	return s, nil
}

// Start begins a job reading geometry from a .marc slice file, with
// build styles loaded from styleTablePath.
func (s *Supervisor) Start(marcPath, styleTablePath string) error {
	styles, err := style.LoadFile(styleTablePath)
	if err != nil {
		return err
	}
	reader, err := slicefile.Open(marcPath)
	if err != nil {
		return err
	}

	source := &closingSource{r: reader}
	return s.runJob(source, styles, 0)
}

// StartTest begins a job against SyntheticProducer's deterministic test
// geometry instead of a real slice file — the same role cmd/ublk-mem's
// in-memory backend plays for the teacher.
func (s *Supervisor) StartTest(layerThicknessMM float32, layerCount uint32) error {
	source := synthetic.NewProducer(s.opts.Calibration, layerThicknessMM, layerCount)
	return s.runJob(source, synthetic.Styles(), layerCount)
}

// closingSource wraps a slicefile.Reader so its file descriptor is
// released once the producer observes EOF or a fatal error.
type closingSource struct {
	r      *slicefile.Reader
	closed bool
}

func (c *closingSource) Next() (geometry.Layer, error) {
	layer, err := c.r.Next()
	if err != nil && !c.closed {
		c.closed = true
		_ = c.r.Close()
	}
	return layer, err
}

func (s *Supervisor) runJob(source pipeline.LayerSource, styles *geometry.StyleTable, totalLayers uint32) error {
	s.mu.Lock()
	if s.state != StateIdle && s.state != StateStopped && s.state != StateFailed && s.state != StateEmergencyStopped {
		s.mu.Unlock()
		return errs.New("slm.Start", errs.CodeInternal, fmt.Sprintf("cannot start from state %s", s.state))
	}
	s.state = StateStarting
	s.failReason = ""
	s.totalLayers = totalLayers
	s.mu.Unlock()

	s.events.Status("starting")

	s.linkLost.Store(false)
	s.metrics = NewMetrics()

	// scn is handed to the pipeline uninitialised: Scanner.Initialise
	// binds the calling goroutine as its owner, and the owner that matters
	// is the pipeline's consumer goroutine, not this one (see
	// pipeline.Pipeline.runConsumer).
	scn := scanner.New(s.handle, s.clk)

	if err := s.runStartupHandshake(totalLayers); err != nil {
		s.mu.Lock()
		s.state = StateFailed
		s.failReason = err.Error()
		s.mu.Unlock()
		return err
	}

	pipe := pipeline.New(pipeline.Config{
		Clock:      s.clk,
		Events:     &eventBridge{sup: s, totalLayers: totalLayers},
		QueueDepth: s.opts.QueueDepth,
		Timeouts:   s.opts.Timeouts,
		Link:       s.opts.Link,
		Scanner:    scn,
		ScannerConfig: scanner.Config{
			CorrectionPath: s.opts.CorrectionPath,
			Calibration:    s.opts.Calibration,
		},
		Styles:              styles,
		Calibration:         s.opts.Calibration,
		ConsumerCPUAffinity: s.opts.ConsumerCPUAffinity,
	})

	s.mu.Lock()
	s.scn = scn
	s.pipe = pipe
	s.state = StateRunning
	s.stopWatcher = make(chan struct{})
	s.watcherDone = make(chan struct{})
	s.runDone = make(chan Result, 1)
	stopWatcher := s.stopWatcher
	watcherDone := s.watcherDone
	s.mu.Unlock()

	go s.watchLink(stopWatcher, watcherDone)

	go func() {
		runErr := pipe.Run(source)
		s.finishJob(runErr)
	}()

	return nil
}

// runStartupHandshake drives the one-time StartUp/StartSurfaces sequence
// against the machine controller before the per-layer loop begins,
// exercising the handshake variables that sit outside the per-layer
// protocol.
func (s *Supervisor) runStartupHandshake(totalLayers uint32) error {
	link := s.opts.Link
	deadline := s.clk.Now().Add(s.opts.StartupTimeout)

	if err := link.WriteBool(varStartUp, true); err != nil {
		return errs.Wrap("slm.runStartupHandshake", err)
	}
	if err := s.pollUntil(varStartUpDone, deadline); err != nil {
		return err
	}

	if err := link.WriteBool(varStartSurfaces, true); err != nil {
		return errs.Wrap("slm.runStartupHandshake", err)
	}
	if err := s.pollUntil(varMakeSurfaceDone, deadline); err != nil {
		return err
	}

	if err := link.WriteInt(varZStacks, int32(totalLayers)); err != nil {
		return errs.Wrap("slm.runStartupHandshake", err)
	}
	if err := link.WriteInt(varLayStacks, 0); err != nil {
		return errs.Wrap("slm.runStartupHandshake", err)
	}
	if err := link.WriteInt(varStepSource, s.opts.RecoatStepSource); err != nil {
		return errs.Wrap("slm.runStartupHandshake", err)
	}
	if err := link.WriteInt(varStepSink, s.opts.RecoatStepSink); err != nil {
		return errs.Wrap("slm.runStartupHandshake", err)
	}
	if err := link.WriteInt(varDeltaSource, s.opts.RecoatDeltaSource); err != nil {
		return errs.Wrap("slm.runStartupHandshake", err)
	}
	if err := link.WriteInt(varDeltaSink, s.opts.RecoatDeltaSink); err != nil {
		return errs.Wrap("slm.runStartupHandshake", err)
	}
	return nil
}

func (s *Supervisor) pollUntil(name string, deadline time.Time) error {
	for {
		done, err := s.opts.Link.ReadBool(name)
		if err != nil {
			return errs.Wrap("slm.pollUntil."+name, err)
		}
		if done {
			return nil
		}
		if !s.clk.Now().Before(deadline) {
			return errs.NewTimeout("slm.pollUntil."+name, errs.TimeoutPrep)
		}
		s.clk.Sleep(s.opts.LinkPollInterval)
	}
}

// onLayerCompleted advances the Lay_Stacks counter on the machine
// controller. Best-effort: a write failure here does not fail the job,
// since LaySurface/LaySurface_Done already carries the authoritative
// per-layer handshake.
func (s *Supervisor) onLayerCompleted(index uint32) {
	if err := s.opts.Link.WriteInt(varLayStacks, int32(index)+1); err != nil {
		s.logger.Warn("failed to advance Lay_Stacks", "layer", index, "err", err)
	}
}

// watchLink bridges the machine controller's LaySurface/LaySurface_Done
// handshake into the pipeline's plc_ready signal, and times each
// round trip for the PLC latency histogram. It runs for the lifetime of
// one job, exiting once stop is closed.
func (s *Supervisor) watchLink(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	var requestStart time.Time
	for {
		select {
		case <-stop:
			return
		default:
		}

		requested, err := s.opts.Link.ReadBool(varLaySurface)
		if err == nil && requested && requestStart.IsZero() {
			requestStart = s.clk.Now()
		}
		if err == nil && !requested {
			requestStart = time.Time{}
		}

		ready, err := s.opts.Link.ReadBool(varLaySurfaceDone)
		if err == nil && ready {
			if !requestStart.IsZero() {
				s.metrics.RecordPLCLatency(uint64(s.clk.Now().Sub(requestStart)))
				requestStart = time.Time{}
			}
			s.mu.Lock()
			pipe := s.pipe
			s.mu.Unlock()
			if pipe != nil {
				pipe.NotifyPLCReady()
			}
		}

		select {
		case <-stop:
			return
		default:
			s.clk.Sleep(s.opts.LinkPollInterval)
		}
	}
}

// finishJob is invoked once the pipeline's Run returns, from the run
// goroutine spawned by runJob. It stops the watcher, settles the final
// state, and notifies Events.Finished exactly once.
func (s *Supervisor) finishJob(runErr error) {
	s.mu.Lock()
	stopWatcher := s.stopWatcher
	watcherDone := s.watcherDone
	prevState := s.state
	s.mu.Unlock()

	close(stopWatcher)
	<-watcherDone

	s.metrics.Stop()

	var result Result
	s.mu.Lock()
	switch {
	case s.linkLost.Load():
		s.state = StateFailed
		s.failReason = "machine link connection lost"
		result = ResultFailed
	case runErr != nil:
		s.state = StateFailed
		s.failReason = runErr.Error()
		result = ResultFailed
	case prevState == StateEmergencyStopped:
		result = ResultEmergencyStopped
	case prevState == StateStopping:
		s.state = StateStopped
		result = ResultStopped
	default:
		s.state = StateStopped
		result = ResultCompleted
	}
	state := s.state
	failReason := s.failReason
	runDone := s.runDone
	s.mu.Unlock()

	if state == StateFailed {
		kind := errs.CodeOf(runErr)
		if s.linkLost.Load() {
			kind = errs.CodeDisconnected
		}
		s.events.Failed(kind, failReason)
	}
	s.events.Finished(result)
	runDone <- result
}

// Pause parks the consumer between layers. Valid only while Running.
func (s *Supervisor) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning {
		return errs.New("slm.Pause", errs.CodeInternal, fmt.Sprintf("cannot pause from state %s", s.state))
	}
	s.pipe.Pause()
	s.state = StatePaused
	return nil
}

// Resume releases a paused job. Valid only while Paused.
func (s *Supervisor) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return errs.New("slm.Resume", errs.CodeInternal, fmt.Sprintf("cannot resume from state %s", s.state))
	}
	s.pipe.Resume()
	s.state = StateRunning
	return nil
}

// Stop requests a cooperative stop: the current layer finishes, then
// the job ends without starting another.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning && s.state != StatePaused {
		return errs.New("slm.Stop", errs.CodeInternal, fmt.Sprintf("cannot stop from state %s", s.state))
	}
	if s.state == StatePaused {
		s.pipe.Resume()
	}
	s.pipe.RequestStop()
	s.state = StateStopping
	return nil
}

// EmergencyStop requests a pre-emptive stop: the laser is disabled at
// the next suspension point and the job ends without executing further
// geometry. Rejected from Idle and from the terminal states (Stopped,
// Failed, EmergencyStopped); accepted from any other state.
func (s *Supervisor) EmergencyStop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateIdle, StateStopped, StateFailed, StateEmergencyStopped:
		return errs.New("slm.EmergencyStop", errs.CodeInternal, fmt.Sprintf("cannot emergency-stop from state %s", s.state))
	}
	if s.pipe != nil {
		s.pipe.EmergencyStop()
	}
	s.state = StateEmergencyStopped
	return nil
}

// Wait blocks until the current job reaches a terminal state and
// returns its Result. Safe to call only after Start/StartTest returns
// nil.
func (s *Supervisor) Wait() Result {
	s.mu.Lock()
	runDone := s.runDone
	s.mu.Unlock()
	return <-runDone
}

// State returns the current job state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// FailReason returns the detail string recorded when the job last
// entered the Failed state. Empty otherwise.
func (s *Supervisor) FailReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failReason
}

// Metrics returns the live Metrics for the current (or most recently
// completed) job.
func (s *Supervisor) Metrics() *Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}

// MetricsSnapshot returns a point-in-time snapshot of the current job's
// metrics.
func (s *Supervisor) MetricsSnapshot() MetricsSnapshot {
	return s.Metrics().Snapshot()
}

// CylinderPositions reads the build/feed cylinder actual positions
// directly from the machine controller, for operator diagnostics.
func (s *Supervisor) CylinderPositions() (source int32, sink int32, err error) {
	source, err = s.opts.Link.ReadInt(varSourceCylinder)
	if err != nil {
		return 0, 0, err
	}
	sink, err = s.opts.Link.ReadInt(varSinkCylinder)
	if err != nil {
		return 0, 0, err
	}
	return source, sink, nil
}

// Info is a point-in-time snapshot of operational state, mirroring the
// teacher's Device.Info()/DeviceInfo pair.
type Info struct {
	State          State
	FailReason     string
	DeviceRefcount uint32
	DeviceOpen     bool
	TotalLayers    uint32
	Metrics        MetricsSnapshot
}

// Info returns a consistent snapshot of the Supervisor's operational
// state, suitable for a status endpoint or CLI dashboard.
func (s *Supervisor) Info() Info {
	s.mu.Lock()
	state := s.state
	failReason := s.failReason
	totalLayers := s.totalLayers
	s.mu.Unlock()

	return Info{
		State:          state,
		FailReason:     failReason,
		DeviceRefcount: s.handle.Refcount(),
		DeviceOpen:     s.handle.IsOpen(),
		TotalLayers:    totalLayers,
		Metrics:        s.MetricsSnapshot(),
	}
}
