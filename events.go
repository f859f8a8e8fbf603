package slm

import (
	"github.com/ehrlich-b/slm-control/internal/errs"
	"github.com/ehrlich-b/slm-control/internal/pipeline"
)

// Result is the terminal outcome of one job run.
type Result string

const (
	ResultCompleted        Result = "completed"
	ResultStopped          Result = "stopped"
	ResultEmergencyStopped Result = "emergency_stopped"
	ResultFailed           Result = "failed"
)

// Events is the operator-facing observer a Supervisor reports to. It is
// a superset of the pipeline's internal Events: the Supervisor forwards
// layer/status/failure notifications from the pipeline and adds its own
// connection and lifecycle notifications.
type Events interface {
	// Status carries a free-form human-readable progress line.
	Status(text string)
	// Progress reports how many of totalLayers have completed so far.
	// totalLayers is 0 when the total is not known in advance (a live
	// .marc stream, as opposed to a fixed-length synthetic test run).
	Progress(completed, totalLayers uint32)
	// LayerCompleted fires once per layer, strictly in index order.
	LayerCompleted(index uint32)
	// ConnectionLost fires at most once per connection.
	ConnectionLost()
	// Failed fires when the job ends in the Failed state.
	Failed(kind errs.Code, detail string)
	// Finished fires exactly once, after the job reaches any terminal
	// state (Stopped, EmergencyStopped, or Failed).
	Finished(result Result)
}

// NoOpEvents discards every notification. Useful as a default when the
// caller has no operator surface to drive.
type NoOpEvents struct{}

func (NoOpEvents) Status(string)                  {}
func (NoOpEvents) Progress(uint32, uint32)         {}
func (NoOpEvents) LayerCompleted(uint32)           {}
func (NoOpEvents) ConnectionLost()                 {}
func (NoOpEvents) Failed(errs.Code, string)        {}
func (NoOpEvents) Finished(Result)                 {}

var _ Events = NoOpEvents{}

// eventBridge adapts a Supervisor's Events to the narrower interface the
// pipeline talks to, and feeds the Supervisor's Metrics along the way —
// the same adapter role the teacher's MetricsObserver plays between
// Backend I/O and the public Observer interface.
type eventBridge struct {
	sup         *Supervisor
	totalLayers uint32
}

var _ pipeline.Events = (*eventBridge)(nil)

func (b *eventBridge) Status(text string) {
	b.sup.events.Status(text)
}

func (b *eventBridge) LayerCompleted(index uint32, commands int, clamped int) {
	b.sup.metrics.RecordLayer(commands, clamped)
	b.sup.events.LayerCompleted(index)
	b.sup.events.Progress(index+1, b.totalLayers)
	b.sup.onLayerCompleted(index)
}

func (b *eventBridge) Failed(kind errs.Code, detail string) {
	b.sup.events.Failed(kind, detail)
}
