package slm

import (
	"time"

	slmclock "github.com/ehrlich-b/slm-control/internal/clock"
	"github.com/ehrlich-b/slm-control/internal/geometry"
	"github.com/ehrlich-b/slm-control/internal/machinelink"
	"github.com/ehrlich-b/slm-control/internal/native"
	"github.com/ehrlich-b/slm-control/internal/pipeline"
)

// Options carries every tunable a Supervisor needs, following the
// teacher's DeviceParams/DefaultParams() shape: a plain struct of
// tunables plus a Default constructor that fills sensible values.
type Options struct {
	// NativeFactory constructs the scanner card. Required — there is no
	// default, since the production binding is a vendor-specific cgo
	// build tag outside this module's scope; tests and cmd/slmsim pass
	// a factory that returns native.NewFake.
	NativeFactory native.Factory

	// Link is the already-connected machine-controller client. The
	// Supervisor never dials it itself, mirroring how DeviceParams.Backend
	// is handed over already constructed.
	Link machinelink.Client

	// Clock is the time source every timeout and poll reads through.
	// Defaults to the real wall clock if nil.
	Clock slmclock.Clock

	// Calibration converts millimetre geometry into device units.
	Calibration geometry.Calibration

	// CorrectionPath is the vendor correction-table file the scanner
	// loads during Initialise.
	CorrectionPath string

	// RecoatStepSource/RecoatStepSink are the per-layer cylinder step
	// counts written to Step_Source/Step_Sink once during the startup
	// handshake, configuring how far the feed and build cylinders
	// advance each recoat cycle.
	RecoatStepSource int32
	RecoatStepSink   int32

	// RecoatDeltaSource/RecoatDeltaSink are the per-step cylinder delta
	// offsets written to Delta_Source/Delta_Sink once during the startup
	// handshake, alongside RecoatStepSource/RecoatStepSink.
	RecoatDeltaSource int32
	RecoatDeltaSink   int32

	// QueueDepth bounds the producer/consumer block queue.
	QueueDepth int

	// Timeouts holds the named deadline ceilings for prep/exec/shutdown.
	Timeouts pipeline.Timeouts

	// StartupTimeout bounds the StartUp/StartSurfaces handshake run
	// once per Start/StartTest call, before the per-layer loop begins.
	StartupTimeout time.Duration

	// LinkPollInterval is how often the Supervisor's watcher polls the
	// LaySurface/LaySurface_Done variables to bridge PLC readiness into
	// the pipeline's plc_ready signal.
	LinkPollInterval time.Duration

	// ConsumerCPUAffinity, when non-empty, pins the pipeline's consumer
	// goroutine to one of these CPU indices for the job's lifetime.
	// Empty (the default) leaves scheduling entirely to the Go runtime.
	ConsumerCPUAffinity []int
}

// DefaultOptions returns an Options with every ceiling and poll interval
// set to a sensible production default. Callers must still supply
// NativeFactory, Link, and Calibration.
func DefaultOptions() Options {
	return Options{
		QueueDepth:       4,
		Timeouts:         pipeline.DefaultTimeouts(),
		StartupTimeout:   60 * time.Second,
		LinkPollInterval: 5 * time.Millisecond,
	}
}
