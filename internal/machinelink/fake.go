package machinelink

import (
	"sync"
	"time"

	"github.com/ehrlich-b/slm-control/internal/clock"
	"github.com/ehrlich-b/slm-control/internal/errs"
)

// Fake is an in-memory Client for tests. It models exactly the one
// timing behavior the per-layer handshake depends on: writing a bool
// variable true can be configured to make another bool variable read
// true once a delay has elapsed on the injected clock, the same way the
// real PLC acknowledges LaySurface with LaySurface_Done.
type Fake struct {
	clk clock.Clock

	mu         sync.Mutex
	ints       map[string]int32
	bools      map[string]bool
	readyAfter map[string]readyRule // var written true -> rule
	simDown    bool
	lostOnce   bool
	onLost     func()
}

type readyRule struct {
	target string
	delay  time.Duration
	armedAt time.Time
	armed   bool
}

// NewFake creates a Fake backed by clk for every delayed-readiness rule.
func NewFake(clk clock.Clock) *Fake {
	return &Fake{
		clk:        clk,
		ints:       make(map[string]int32),
		bools:      make(map[string]bool),
		readyAfter: make(map[string]readyRule),
	}
}

var _ Client = (*Fake)(nil)

// RespondAfter arms a rule: the next time trigger is written true,
// target becomes readable as true once delay has elapsed on the clock.
// Writing trigger false disarms it.
func (f *Fake) RespondAfter(trigger, target string, delay time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readyAfter[trigger] = readyRule{target: target, delay: delay}
}

// SimulateDisconnect makes every subsequent call fail as Disconnected,
// firing the registered ConnectionLost callback exactly once.
func (f *Fake) SimulateDisconnect() {
	f.mu.Lock()
	f.simDown = true
	already := f.lostOnce
	f.lostOnce = true
	cb := f.onLost
	f.mu.Unlock()

	if !already && cb != nil {
		cb()
	}
}

func (f *Fake) OnConnectionLost(fn func()) {
	f.mu.Lock()
	f.onLost = fn
	f.mu.Unlock()
}

func (f *Fake) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.simDown
}

func (f *Fake) ReadInt(name string) (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.simDown {
		return 0, errs.New("fake.ReadInt", errs.CodeDisconnected, "simulated disconnect")
	}
	return f.ints[name], nil
}

func (f *Fake) ReadBool(name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.simDown {
		return false, errs.New("fake.ReadBool", errs.CodeDisconnected, "simulated disconnect")
	}
	for _, rule := range f.readyAfter {
		if rule.target != name || !rule.armed {
			continue
		}
		if !f.clk.Now().Before(rule.armedAt.Add(rule.delay)) {
			return true, nil
		}
	}
	return f.bools[name], nil
}

func (f *Fake) WriteInt(name string, v int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.simDown {
		return errs.New("fake.WriteInt", errs.CodeDisconnected, "simulated disconnect")
	}
	f.ints[name] = v
	return nil
}

func (f *Fake) WriteBool(name string, v bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.simDown {
		return errs.New("fake.WriteBool", errs.CodeDisconnected, "simulated disconnect")
	}
	f.bools[name] = v

	if rule, ok := f.readyAfter[name]; ok {
		if v {
			rule.armed = true
			rule.armedAt = f.clk.Now()
		} else {
			rule.armed = false
		}
		f.readyAfter[name] = rule
	}
	return nil
}
