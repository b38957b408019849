package collatzgpu

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
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

// Metrics tracks performance and operational statistics for the dispatch
// pipeline.
type Metrics struct {
	// Pipeline stage counters
	FillOps    atomic.Uint64 // Total slot fills
	ComputeOps atomic.Uint64 // Total compute submissions
	DrainOps   atomic.Uint64 // Total slot drains

	// Value counters
	FilledValues  atomic.Uint64 // Total StartValues written to slots
	DrainedValues atomic.Uint64 // Total StopTimes read back

	// Error counters
	FillErrors    atomic.Uint64 // Slot fill failures
	ComputeErrors atomic.Uint64 // Compute submission failures
	DrainErrors   atomic.Uint64 // Drain failures

	// Record statistics
	Records      atomic.Uint64 // Total new records registered
	BestStopTime atomic.Uint32 // Largest stopping time observed

	// Slot occupancy statistics
	SlotDepthTotal atomic.Uint64 // Cumulative in-flight-slot samples
	SlotDepthCount atomic.Uint64 // Number of slot depth measurements
	MaxSlotDepth   atomic.Uint32 // Maximum observed in-flight slots

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative stage latency in nanoseconds
	OpCount        atomic.Uint64 // Total operations (for average latency calculation)

	// Latency histogram buckets (per-bucket counts, not cumulative)
	// Each bucket[i] counts operations with latency above LatencyBuckets[i-1]
	// and at most LatencyBuckets[i]; operations slower than the last bucket
	// are not counted in any bucket.
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Engine lifecycle
	StartTime atomic.Int64 // Engine start timestamp (UnixNano)
	StopTime  atomic.Int64 // Engine stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordFill records one slot-fill operation
func (m *Metrics) RecordFill(values uint64, latencyNs uint64, success bool) {
	m.FillOps.Add(1)
	if success {
		m.FilledValues.Add(values)
	} else {
		m.FillErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordCompute records one compute submission
func (m *Metrics) RecordCompute(values uint64, latencyNs uint64, success bool) {
	m.ComputeOps.Add(1)
	if !success {
		m.ComputeErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordDrain records one slot drain
func (m *Metrics) RecordDrain(values uint64, latencyNs uint64, success bool) {
	m.DrainOps.Add(1)
	if success {
		m.DrainedValues.Add(values)
	} else {
		m.DrainErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordNewRecord records a newly registered stopping-time record
func (m *Metrics) RecordNewRecord(stopTime uint16) {
	m.Records.Add(1)
	for {
		current := m.BestStopTime.Load()
		if uint32(stopTime) <= current {
			break
		}
		if m.BestStopTime.CompareAndSwap(current, uint32(stopTime)) {
			break
		}
	}
}

// RecordSlotDepth records the current number of in-flight slots
func (m *Metrics) RecordSlotDepth(depth uint32) {
	m.SlotDepthTotal.Add(uint64(depth))
	m.SlotDepthCount.Add(1)

	// Update max slot depth atomically
	for {
		current := m.MaxSlotDepth.Load()
		if depth <= current {
			break
		}
		if m.MaxSlotDepth.CompareAndSwap(current, depth) {
			break
		}
	}
}

// recordLatency updates latency statistics
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	// Update histogram buckets
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
			break
		}
	}
}

// Stop marks the engine as stopped
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of the metrics counters.
type MetricsSnapshot struct {
	FillOps    uint64
	ComputeOps uint64
	DrainOps   uint64
	TotalOps   uint64

	FilledValues  uint64
	DrainedValues uint64

	FillErrors    uint64
	ComputeErrors uint64
	DrainErrors   uint64
	TotalErrors   uint64

	Records      uint64
	BestStopTime uint16

	AvgSlotDepth float64
	MaxSlotDepth uint32

	AvgLatencyNs uint64
	P50LatencyNs uint64
	P99LatencyNs uint64

	UptimeSeconds float64
}

// Snapshot captures the current metrics values
func (m *Metrics) Snapshot() MetricsSnapshot {
	fillOps := m.FillOps.Load()
	computeOps := m.ComputeOps.Load()
	drainOps := m.DrainOps.Load()

	snap := MetricsSnapshot{
		FillOps:    fillOps,
		ComputeOps: computeOps,
		DrainOps:   drainOps,
		TotalOps:   fillOps + computeOps + drainOps,

		FilledValues:  m.FilledValues.Load(),
		DrainedValues: m.DrainedValues.Load(),

		FillErrors:    m.FillErrors.Load(),
		ComputeErrors: m.ComputeErrors.Load(),
		DrainErrors:   m.DrainErrors.Load(),

		Records:      m.Records.Load(),
		BestStopTime: uint16(m.BestStopTime.Load()),

		MaxSlotDepth: m.MaxSlotDepth.Load(),
	}
	snap.TotalErrors = snap.FillErrors + snap.ComputeErrors + snap.DrainErrors

	if count := m.SlotDepthCount.Load(); count > 0 {
		snap.AvgSlotDepth = float64(m.SlotDepthTotal.Load()) / float64(count)
	}

	if ops := m.OpCount.Load(); ops > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / ops
	}
	snap.P50LatencyNs = m.calculatePercentile(0.50)
	snap.P99LatencyNs = m.calculatePercentile(0.99)

	start := m.StartTime.Load()
	stop := m.StopTime.Load()
	if stop == 0 {
		stop = time.Now().UnixNano()
	}
	if start > 0 && stop > start {
		snap.UptimeSeconds = float64(stop-start) / 1e9
	}

	return snap
}

// calculatePercentile estimates a latency percentile from the histogram.
// Returns the upper bound of the bucket containing the percentile.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	var total uint64
	var counts [numLatencyBuckets]uint64
	for i := range counts {
		counts[i] = m.LatencyBuckets[i].Load()
		total += counts[i]
	}
	if total == 0 {
		return 0
	}

	target := uint64(float64(total) * percentile)
	var cumulative uint64
	for i, count := range counts {
		cumulative += count
		if cumulative >= target {
			return LatencyBuckets[i]
		}
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset clears all counters. Intended for tests.
func (m *Metrics) Reset() {
	m.FillOps.Store(0)
	m.ComputeOps.Store(0)
	m.DrainOps.Store(0)
	m.FilledValues.Store(0)
	m.DrainedValues.Store(0)
	m.FillErrors.Store(0)
	m.ComputeErrors.Store(0)
	m.DrainErrors.Store(0)
	m.Records.Store(0)
	m.BestStopTime.Store(0)
	m.SlotDepthTotal.Store(0)
	m.SlotDepthCount.Store(0)
	m.MaxSlotDepth.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := range m.LatencyBuckets {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// NoOpObserver discards all pipeline events.
type NoOpObserver struct{}

func (NoOpObserver) ObserveFill(uint32, uint64, bool)    {}
func (NoOpObserver) ObserveCompute(uint32, uint64, bool) {}
func (NoOpObserver) ObserveDrain(uint32, uint64, bool)   {}
func (NoOpObserver) ObserveRecord(uint16)                {}
func (NoOpObserver) ObserveSlotDepth(uint32)             {}

// MetricsObserver forwards pipeline events into a Metrics instance.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer backed by the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveFill(values uint32, latencyNs uint64, success bool) {
	o.metrics.RecordFill(uint64(values), latencyNs, success)
}

func (o *MetricsObserver) ObserveCompute(values uint32, latencyNs uint64, success bool) {
	o.metrics.RecordCompute(uint64(values), latencyNs, success)
}

func (o *MetricsObserver) ObserveDrain(values uint32, latencyNs uint64, success bool) {
	o.metrics.RecordDrain(uint64(values), latencyNs, success)
}

func (o *MetricsObserver) ObserveRecord(stopTime uint16) {
	o.metrics.RecordNewRecord(stopTime)
}

func (o *MetricsObserver) ObserveSlotDepth(depth uint32) {
	o.metrics.RecordSlotDepth(depth)
}
