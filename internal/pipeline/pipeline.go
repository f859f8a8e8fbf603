package pipeline

import (
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	slmclock "github.com/ehrlich-b/slm-control/internal/clock"
	"github.com/ehrlich-b/slm-control/internal/encode"
	"github.com/ehrlich-b/slm-control/internal/errs"
	"github.com/ehrlich-b/slm-control/internal/geometry"
	"github.com/ehrlich-b/slm-control/internal/logging"
	"github.com/ehrlich-b/slm-control/internal/machinelink"
	"github.com/ehrlich-b/slm-control/internal/scanner"
)

// LayerSource is the minimal surface a layer origin must offer — both
// slicefile.Reader and synthetic.Producer satisfy it, so the consumer
// path is identical regardless of which feeds the pipeline.
type LayerSource interface {
	Next() (geometry.Layer, error)
}

// Events is the observer the pipeline reports to. It mirrors the
// operator-visible event stream; Supervisor implements it (or
// forwards to its own subscribers).
type Events interface {
	Status(text string)
	LayerCompleted(index uint32, commands int, clamped int)
	Failed(kind errs.Code, detail string)
}

// Timeouts holds the named deadline ceilings for a run.
type Timeouts struct {
	MaxPrep     time.Duration // default 60s
	MaxExec     time.Duration // default 5s
	MaxShutdown time.Duration // default 10s
}

// DefaultTimeouts returns sensible ceilings for production use.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		MaxPrep:     60 * time.Second,
		MaxExec:     5 * time.Second,
		MaxShutdown: 10 * time.Second,
	}
}

// readyEvent is the one-shot, re-armable `plc_ready` signal: Set arms it,
// Wait blocks until it is armed (or cancelled), Clear disarms it again.
type readyEvent struct {
	mu   sync.Mutex
	cond *sync.Cond
	set  bool
}

func newReadyEvent() *readyEvent {
	e := &readyEvent{}
	e.cond = sync.NewCond(&e.mu)
	return e
}

func (e *readyEvent) Set() {
	e.mu.Lock()
	e.set = true
	e.mu.Unlock()
	e.cond.Broadcast()
}

func (e *readyEvent) Clear() {
	e.mu.Lock()
	e.set = false
	e.mu.Unlock()
}

// Wait blocks until Set, cancelled() reports true, or deadline passes.
// Returns (true, nil) on Set, (false, nil) on cancellation, and a
// Timeout error if the deadline elapses first.
func (e *readyEvent) Wait(clk slmclock.Clock, deadline time.Time, cancelled func() bool) (bool, error) {
	// Wake the cond at the deadline so the timeout is observed even when
	// nothing else calls Set or Broadcast.
	timer := clk.AfterFunc(deadline.Sub(clk.Now()), e.Broadcast)
	defer timer.Stop()

	e.mu.Lock()
	defer e.mu.Unlock()
	for !e.set {
		if cancelled != nil && cancelled() {
			return false, nil
		}
		if !clk.Now().Before(deadline) {
			return false, errs.NewTimeout("readyEvent.Wait", errs.TimeoutPrep)
		}
		e.cond.Wait()
	}
	return true, nil
}

// Broadcast wakes every waiter so it can re-check its predicate, without
// changing the armed bit.
func (e *readyEvent) Broadcast() {
	e.mu.Lock()
	e.cond.Broadcast()
	e.mu.Unlock()
}

// Pipeline wires a LayerSource, a BuildStyle table, a Scanner-owning
// consumer, and a MachineLink together.
type Pipeline struct {
	clk      slmclock.Clock
	timeouts Timeouts
	events   Events

	queue *BlockQueue
	ready *readyEvent

	stopRequested atomic.Bool
	emergencyStop atomic.Bool
	producerDone  atomic.Bool

	pauseMu  sync.Mutex
	pauseCond *sync.Cond
	paused   bool

	link        machinelink.Client
	scn         *scanner.Scanner
	scnCfg      scanner.Config
	styles      *geometry.StyleTable
	cal         geometry.Calibration
	cpuAffinity []int
}

// Config bundles everything Pipeline needs for one run. Scanner is handed
// over uninitialised: the consumer task calls Scanner.Initialise itself, as
// its first action, so the owner goroutine Initialise records is the
// consumer's own goroutine rather than whichever goroutine constructed the
// Pipeline.
type Config struct {
	Clock         slmclock.Clock
	Events        Events
	QueueDepth    int
	Timeouts      Timeouts
	Link          machinelink.Client
	Scanner       *scanner.Scanner
	ScannerConfig scanner.Config
	Styles        *geometry.StyleTable
	Calibration   geometry.Calibration

	// ConsumerCPUAffinity, when non-empty, pins the consumer goroutine's
	// OS thread to one of these CPU indices for the run's whole
	// lifetime, reducing scheduling jitter in the hard-real-time
	// wait_for_idle poll loop. Empty means no pinning is attempted.
	ConsumerCPUAffinity []int
}

// New creates a Pipeline ready to Run against a source.
func New(cfg Config) *Pipeline {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 4
	}
	p := &Pipeline{
		clk:         cfg.Clock,
		timeouts:    cfg.Timeouts,
		events:      cfg.Events,
		queue:       NewBlockQueue(depth),
		ready:       newReadyEvent(),
		link:        cfg.Link,
		scn:         cfg.Scanner,
		scnCfg:      cfg.ScannerConfig,
		styles:      cfg.Styles,
		cal:         cfg.Calibration,
		cpuAffinity: cfg.ConsumerCPUAffinity,
	}
	p.pauseCond = sync.NewCond(&p.pauseMu)
	return p
}

// Pause parks the consumer on a gate distinct from plc_ready, only
// honored between layers — no scanner list is ever left open across a
// pause.
func (p *Pipeline) Pause() {
	p.pauseMu.Lock()
	p.paused = true
	p.pauseMu.Unlock()
}

// Resume releases a paused consumer.
func (p *Pipeline) Resume() {
	p.pauseMu.Lock()
	p.paused = false
	p.pauseMu.Unlock()
	p.pauseCond.Broadcast()
}

// waitWhilePaused blocks the consumer between layers while paused is
// set, waking early for a cooperative stop or emergency stop.
func (p *Pipeline) waitWhilePaused() {
	p.pauseMu.Lock()
	defer p.pauseMu.Unlock()
	for p.paused && !p.cancelled() {
		p.pauseCond.Wait()
	}
}

// NotifyPLCReady arms the plc_ready signal; called when MachineLink or
// Supervisor observes LaySurface_Done become true.
func (p *Pipeline) NotifyPLCReady() {
	p.ready.Set()
}

// RequestStop sets the cooperative stop flag and wakes every suspension
// point so it re-checks it promptly.
func (p *Pipeline) RequestStop() {
	p.stopRequested.Store(true)
	p.queue.WakeAll()
	p.ready.Broadcast()
	p.pauseCond.Broadcast()
}

// EmergencyStop sets the pre-emptive flag. The consumer disables the
// laser at its next suspension point and the job ends without executing
// further geometry.
func (p *Pipeline) EmergencyStop() {
	p.emergencyStop.Store(true)
	p.queue.WakeAll()
	p.ready.Broadcast()
	p.pauseCond.Broadcast()
}

func (p *Pipeline) cancelled() bool {
	return p.stopRequested.Load() || p.emergencyStop.Load()
}

// Run drives the producer and consumer to completion, returning the
// terminal error (nil on a clean Completed/Stopped finish). It blocks
// until both tasks have exited.
func (p *Pipeline) Run(source LayerSource) error {
	var wg sync.WaitGroup
	wg.Add(2)

	producerErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		producerErr <- p.runProducer(source)
		// Let the consumer drain what is already queued and then exit.
		p.producerDone.Store(true)
		p.queue.WakeAll()
	}()

	consumerErr := make(chan error, 1)
	go func() {
		defer wg.Done()
		consumerErr <- p.runConsumer()
		// A consumer that exits early must not leave the producer parked
		// on a full queue.
		p.RequestStop()
	}()

	wg.Wait()
	if err := <-consumerErr; err != nil {
		return err
	}
	return <-producerErr
}

// runProducer reads and encodes layers, pushing CommandBlocks into the
// bounded queue. Encoder failures are fatal: they end the producer loop
// immediately. Once the producer returns, for any reason, Run marks it
// finished and the consumer exits after draining the blocks already queued.
func (p *Pipeline) runProducer(source LayerSource) error {
	enc := encode.New(p.cal)
	for {
		if p.cancelled() {
			return nil
		}
		layer, err := source.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errs.Wrap("pipeline.producer", err)
		}

		block, err := enc.Encode(layer, p.styles)
		if err != nil {
			p.events.Failed(errs.CodeOf(err), err.Error())
			return err
		}

		if err := p.queue.Push(block, p.cancelled); err != nil {
			return nil // cooperative stop while blocked on a full queue
		}
	}
}

// runConsumer owns the Scanner exclusively and executes the per-layer
// handshake for each block it pops.
func (p *Pipeline) runConsumer() (retErr error) {
	// Pin this goroutine to its own OS thread for the run's whole
	// lifetime: the scanner's owner-goroutine identity must never
	// migrate, and a dedicated thread also lets pinCPUAffinity bind it
	// to a fixed core to keep the wait_for_idle poll loop's scheduling
	// jitter down.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	p.pinCPUAffinity()

	defer func() {
		p.scn.Shutdown()
	}()

	// The Scanner binds its owner goroutine on Initialise, so it must be
	// initialised here rather than by whoever constructed the Pipeline:
	// this goroutine is the one that will call every other Scanner method
	// for the rest of the run.
	if err := p.scn.Initialise(p.scnCfg); err != nil {
		p.events.Failed(errs.CodeOf(err), err.Error())
		return err
	}
	p.events.Status("running")

	for {
		p.waitWhilePaused()

		if p.emergencyStop.Load() {
			_ = p.scn.DisableLaser()
			return nil
		}
		if p.stopRequested.Load() {
			return nil
		}

		block, err := p.queue.Pop(func() bool { return p.cancelled() || p.producerDone.Load() })
		if err != nil {
			return nil // stop requested, or producer finished and queue drained
		}
		if len(block.Commands) == 0 && block.LayerIndex == 0 {
			// An empty layer 0 block looks like a zero value; if a stop is
			// already pending, end here rather than running it.
			if p.cancelled() {
				return nil
			}
		}

		if err := p.runLayer(block); err != nil {
			if errs.IsCancelled(err) {
				return nil
			}
			p.events.Failed(errs.CodeOf(err), err.Error())
			return err
		}

		p.events.LayerCompleted(block.LayerIndex, len(block.Commands), block.Clamped)
	}
}

// runLayer implements the seven-step per-layer consumer protocol.
func (p *Pipeline) runLayer(block geometry.CommandBlock) error {
	p.ready.Clear()

	// Step 1: request preparation.
	if err := p.link.WriteBool("LaySurface", true); err != nil {
		return errs.Wrap("pipeline.runLayer.requestPrep", err)
	}

	// Step 2: wait for PLC ready.
	deadline := p.clk.Now().Add(p.timeouts.MaxPrep)
	armed, err := p.ready.Wait(p.clk, deadline, p.cancelled)
	if err != nil {
		return err
	}
	if !armed {
		if p.emergencyStop.Load() {
			_ = p.scn.DisableLaser()
		}
		return errs.New("pipeline.runLayer", errs.CodeCancelled, "cancelled waiting for PLC ready")
	}

	// Step 3: check emergency.
	if p.emergencyStop.Load() {
		_ = p.scn.DisableLaser()
		return errs.New("pipeline.runLayer", errs.CodeCancelled, "emergency stop before execution")
	}

	// Step 4: apply parameters and execute.
	if err := p.executeBlock(block); err != nil {
		return err
	}

	// Step 5: signal completion.
	if err := p.link.WriteBool("LaySurface", false); err != nil {
		return errs.Wrap("pipeline.runLayer.signalDone", err)
	}
	p.ready.Clear()

	// Step 6: disable laser and reset the list for the next block.
	_ = p.scn.DisableLaser()
	if err := p.scn.ResetList(); err != nil {
		return errs.Wrap("pipeline.runLayer.reset", err)
	}

	return nil
}

// pinCPUAffinity best-effort pins the calling (already OS-thread-locked)
// goroutine to one of p.cpuAffinity's CPUs. A single consumer per
// Pipeline always uses the first entry; failure is logged and otherwise
// ignored — not fatal, the same fallback the teacher's per-queue runner
// takes when SchedSetaffinity fails.
func (p *Pipeline) pinCPUAffinity() {
	if len(p.cpuAffinity) == 0 {
		return
	}
	cpu := p.cpuAffinity[0]
	var mask unix.CPUSet
	mask.Set(cpu)
	if err := unix.SchedSetaffinity(0, &mask); err != nil {
		logging.Default().Warn("failed to set consumer CPU affinity", "cpu", cpu, "err", err)
	}
}

func (p *Pipeline) executeBlock(block geometry.CommandBlock) error {
	for _, cmd := range block.Commands {
		if p.emergencyStop.Load() {
			_ = p.scn.DisableLaser()
			return errs.New("pipeline.executeBlock", errs.CodeCancelled, "emergency stop mid-block")
		}
		var err error
		switch cmd.Kind {
		case geometry.CmdSetStyle:
			style, _ := p.styles.Lookup(cmd.StyleID)
			err = p.scn.SetStyle(style)
		case geometry.CmdJump:
			err = p.scn.JumpTo(cmd.To)
		case geometry.CmdMark:
			err = p.scn.MarkTo(cmd.To)
		}
		if err != nil {
			return err
		}
	}

	if err := p.scn.ExecuteList(); err != nil {
		return err
	}

	execDeadline := p.clk.Now().Add(p.timeouts.MaxExec)
	return p.scn.WaitForIdle(execDeadline, func() bool { return p.emergencyStop.Load() })
}
