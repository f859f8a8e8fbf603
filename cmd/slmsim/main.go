// Command slmsim drives a Supervisor through a full synthetic job
// against the in-memory native/machine-link fakes, the same smoke-test
// role cmd/ublk-mem plays for the teacher's in-memory backend: no real
// scanner card or PLC required.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	slm "github.com/ehrlich-b/slm-control"
	slmclock "github.com/ehrlich-b/slm-control/internal/clock"
	"github.com/ehrlich-b/slm-control/internal/errs"
	"github.com/ehrlich-b/slm-control/internal/geometry"
	"github.com/ehrlich-b/slm-control/internal/logging"
	"github.com/ehrlich-b/slm-control/internal/machinelink"
	"github.com/ehrlich-b/slm-control/internal/native"
)

func main() {
	var (
		layerThickness = flag.Float64("layer-thickness", 0.2, "synthetic layer thickness in mm")
		layerCount     = flag.Uint("layers", 5, "number of synthetic layers to run")
		verbose        = flag.Bool("v", false, "verbose (debug) logging")
		plcDelayMS     = flag.Int("plc-delay-ms", 50, "simulated PLC LaySurface_Done response delay, in milliseconds")
		execBusyMS     = flag.Int("exec-busy-ms", 30, "simulated scanner busy duration per layer, in milliseconds")
	)
	flag.Parse()

	logConfig := logging.DefaultConfig()
	if *verbose {
		logConfig.Level = logging.LevelDebug
	}
	logger := logging.NewLogger(logConfig)
	logging.SetDefault(logger)

	clk := slmclock.New()

	link := machinelink.NewFake(clk)
	link.RespondAfter("LaySurface", "LaySurface_Done", time.Duration(*plcDelayMS)*time.Millisecond)
	// Startup handshake acks immediately.
	link.RespondAfter("StartUp", "StartUp_Done", 0)
	link.RespondAfter("StartSurfaces", "MakeSurface_Done", 0)

	factory := func() (native.Card, error) {
		return native.NewFake(clk, time.Duration(*execBusyMS)*time.Millisecond), nil
	}

	events := &cliEvents{logger: logger}

	opts := slm.DefaultOptions()
	opts.NativeFactory = factory
	opts.Link = link
	opts.Clock = clk
	opts.Calibration = geometry.Calibration{BitsPerMM: 1000, MaxBits: geometry.MaxDeviceUnits}

	sup, err := slm.New(opts, events)
	if err != nil {
		fmt.Fprintf(os.Stderr, "slmsim: %v\n", err)
		os.Exit(1)
	}

	logger.Info("starting synthetic run", "layers", *layerCount, "layer_thickness_mm", *layerThickness)
	if err := sup.StartTest(float32(*layerThickness), uint32(*layerCount)); err != nil {
		fmt.Fprintf(os.Stderr, "slmsim: start_test failed: %v\n", err)
		os.Exit(1)
	}

	result := sup.Wait()
	snap := sup.MetricsSnapshot()
	logger.Info("run finished", "result", string(result),
		"layers_completed", snap.LayersCompleted,
		"commands_executed", snap.CommandsExecuted,
		"avg_plc_latency_ms", float64(snap.AvgPLCLatencyNs)/1e6,
	)

	if result != slm.ResultCompleted {
		os.Exit(1)
	}
}

// cliEvents renders the operator event stream to the logger, mirroring
// the teacher's cmd/ublk-mem use of logging.Default() as its progress
// sink rather than a bespoke UI.
type cliEvents struct {
	logger *logging.Logger
}

func (c *cliEvents) Status(text string) {
	c.logger.Info("status", "text", text)
}

func (c *cliEvents) Progress(completed, total uint32) {
	c.logger.Debug("progress", "completed", completed, "total", total)
}

func (c *cliEvents) LayerCompleted(index uint32) {
	c.logger.Info("layer completed", "layer", index)
}

func (c *cliEvents) ConnectionLost() {
	c.logger.Warn("machine link connection lost")
}

func (c *cliEvents) Failed(kind errs.Code, detail string) {
	c.logger.Error("job failed", "kind", string(kind), "detail", detail)
}

func (c *cliEvents) Finished(result slm.Result) {
	c.logger.Info("finished", "result", string(result))
}
