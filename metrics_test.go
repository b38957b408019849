package collatzgpu

import (
	"testing"
	"time"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	// Test initial state
	snap := m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 initial ops, got %d", snap.TotalOps)
	}

	// Record some operations
	m.RecordFill(256, 1_000_000, true)    // 256 values filled, 1ms latency
	m.RecordCompute(256, 2_000_000, true) // compute submitted, 2ms latency
	m.RecordDrain(256, 500_000, false)    // drain failed, 0.5ms latency

	snap = m.Snapshot()

	// Check operation counts
	if snap.FillOps != 1 {
		t.Errorf("Expected 1 fill op, got %d", snap.FillOps)
	}
	if snap.ComputeOps != 1 {
		t.Errorf("Expected 1 compute op, got %d", snap.ComputeOps)
	}
	if snap.DrainOps != 1 {
		t.Errorf("Expected 1 drain op, got %d", snap.DrainOps)
	}
	if snap.TotalOps != 3 {
		t.Errorf("Expected 3 total ops, got %d", snap.TotalOps)
	}

	// Check value counts
	if snap.FilledValues != 256 {
		t.Errorf("Expected 256 filled values, got %d", snap.FilledValues)
	}
	if snap.DrainedValues != 0 {
		t.Errorf("Failed drain should not count values, got %d", snap.DrainedValues)
	}

	// Check error counts
	if snap.DrainErrors != 1 {
		t.Errorf("Expected 1 drain error, got %d", snap.DrainErrors)
	}
	if snap.TotalErrors != 1 {
		t.Errorf("Expected 1 total error, got %d", snap.TotalErrors)
	}

	// Check latency
	expectedAvg := uint64((1_000_000 + 2_000_000 + 500_000) / 3)
	if snap.AvgLatencyNs != expectedAvg {
		t.Errorf("Expected avg latency %d, got %d", expectedAvg, snap.AvgLatencyNs)
	}
}

func TestMetricsRecords(t *testing.T) {
	m := NewMetrics()

	m.RecordNewRecord(7)
	m.RecordNewRecord(111)
	m.RecordNewRecord(16) // out of order; best must not regress

	snap := m.Snapshot()
	if snap.Records != 3 {
		t.Errorf("Expected 3 records, got %d", snap.Records)
	}
	if snap.BestStopTime != 111 {
		t.Errorf("Expected best stop time 111, got %d", snap.BestStopTime)
	}
}

func TestMetricsSlotDepth(t *testing.T) {
	m := NewMetrics()

	m.RecordSlotDepth(2)
	m.RecordSlotDepth(4)
	m.RecordSlotDepth(3)

	snap := m.Snapshot()
	if snap.MaxSlotDepth != 4 {
		t.Errorf("Expected max slot depth 4, got %d", snap.MaxSlotDepth)
	}
	if snap.AvgSlotDepth != 3.0 {
		t.Errorf("Expected avg slot depth 3.0, got %f", snap.AvgSlotDepth)
	}
}

func TestMetricsPercentiles(t *testing.T) {
	m := NewMetrics()

	// 99 fast ops and one slow one
	for i := 0; i < 99; i++ {
		m.RecordFill(1, 500, true) // sub-1us
	}
	m.RecordFill(1, 5_000_000_000, true) // 5s

	snap := m.Snapshot()
	if snap.P50LatencyNs != LatencyBuckets[0] {
		t.Errorf("Expected P50 in first bucket, got %d", snap.P50LatencyNs)
	}
	if snap.P99LatencyNs > LatencyBuckets[numLatencyBuckets-1] {
		t.Errorf("P99 exceeds histogram range: %d", snap.P99LatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()
	time.Sleep(10 * time.Millisecond)
	m.Stop()

	snap := m.Snapshot()
	if snap.UptimeSeconds <= 0 {
		t.Errorf("Expected positive uptime, got %f", snap.UptimeSeconds)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()
	m.RecordFill(128, 1000, true)
	m.RecordNewRecord(50)
	m.Reset()

	snap := m.Snapshot()
	if snap.TotalOps != 0 || snap.Records != 0 || snap.BestStopTime != 0 {
		t.Errorf("Reset should clear all counters: %+v", snap)
	}
}

func TestMetricsObserverForwards(t *testing.T) {
	m := NewMetrics()
	o := NewMetricsObserver(m)

	o.ObserveFill(64, 1000, true)
	o.ObserveCompute(64, 1000, true)
	o.ObserveDrain(64, 1000, true)
	o.ObserveRecord(27)
	o.ObserveSlotDepth(5)

	snap := m.Snapshot()
	if snap.TotalOps != 3 {
		t.Errorf("Expected 3 ops forwarded, got %d", snap.TotalOps)
	}
	if snap.Records != 1 || snap.BestStopTime != 27 {
		t.Errorf("Record not forwarded: %+v", snap)
	}
	if snap.MaxSlotDepth != 5 {
		t.Errorf("Slot depth not forwarded: %d", snap.MaxSlotDepth)
	}
}
