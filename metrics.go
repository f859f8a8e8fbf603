package slm

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the PLC round-trip latency histogram buckets in
// nanoseconds, covering 1us to 10s with logarithmic spacing — the same
// bucket layout the teacher's Metrics uses for I/O latency.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks job-level performance and operational statistics for a
// Supervisor. All fields are safe for concurrent access.
type Metrics struct {
	LayersCompleted    atomic.Uint64
	CommandsExecuted   atomic.Uint64
	ClampedCoordinates atomic.Uint64
	ConnectionLosses   atomic.Uint64

	TotalPLCLatencyNs atomic.Uint64
	PLCSampleCount    atomic.Uint64
	PLCLatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64
	StopTime  atomic.Int64
}

// NewMetrics creates a fresh Metrics instance, stamped with the current
// start time.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordLayer records one completed layer's command count and how many
// of its points were clamped to the calibrated ±MaxBits envelope.
func (m *Metrics) RecordLayer(commands int, clamped int) {
	m.LayersCompleted.Add(1)
	m.CommandsExecuted.Add(uint64(commands))
	m.ClampedCoordinates.Add(uint64(clamped))
}

// RecordConnectionLoss increments the connection-loss counter.
func (m *Metrics) RecordConnectionLoss() {
	m.ConnectionLosses.Add(1)
}

// RecordPLCLatency records one LaySurface-request-to-acknowledgement
// round trip and updates the histogram.
func (m *Metrics) RecordPLCLatency(latencyNs uint64) {
	m.TotalPLCLatencyNs.Add(latencyNs)
	m.PLCSampleCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.PLCLatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the job as stopped for uptime accounting.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time, immutable copy of Metrics.
type MetricsSnapshot struct {
	LayersCompleted    uint64
	CommandsExecuted   uint64
	ClampedCoordinates uint64
	ConnectionLosses   uint64

	AvgPLCLatencyNs  uint64
	PLCLatencyBucket [numLatencyBuckets]uint64

	UptimeNs       uint64
	LayersPerSecond float64
}

// Snapshot takes a consistent point-in-time copy of m.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		LayersCompleted:    m.LayersCompleted.Load(),
		CommandsExecuted:   m.CommandsExecuted.Load(),
		ClampedCoordinates: m.ClampedCoordinates.Load(),
		ConnectionLosses:   m.ConnectionLosses.Load(),
	}

	if n := m.PLCSampleCount.Load(); n > 0 {
		snap.AvgPLCLatencyNs = m.TotalPLCLatencyNs.Load() / n
	}
	for i := 0; i < numLatencyBuckets; i++ {
		snap.PLCLatencyBucket[i] = m.PLCLatencyBuckets[i].Load()
	}

	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop > 0 {
		snap.UptimeNs = uint64(stop - start)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - start)
	}
	if snap.UptimeNs > 0 {
		snap.LayersPerSecond = float64(snap.LayersCompleted) / (float64(snap.UptimeNs) / 1e9)
	}
	return snap
}
