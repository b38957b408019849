package collatzgpu

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ehrlich-b/collatz-gpu/internal/collatz"
	"github.com/ehrlich-b/collatz-gpu/internal/wire"
)

// firstBatchRecords is the expected record sequence for a fresh scan over
// the first 64 starting values.
var firstBatchRecords = []struct {
	value    uint64
	stopTime uint16
}{
	{1, 0},
	{2, 1},
	{3, 7},
	{6, 8},
	{7, 16},
	{9, 19},
	{18, 20},
	{25, 23},
	{27, 111},
	{54, 112},
}

func newTestEngine(t *testing.T, dir string, params Params) (*Engine, *MockBackend) {
	t.Helper()
	backend := NewMockBackend(2, 32)
	params.WorkDir = dir
	engine, err := CreateEngine(context.Background(), params, &Options{Backend: backend})
	if err != nil {
		t.Fatalf("CreateEngine failed: %v", err)
	}
	t.Cleanup(func() { engine.Close() })
	return engine, backend
}

func TestCreateEngineNegotiatesGeometry(t *testing.T) {
	engine, _ := newTestEngine(t, t.TempDir(), DefaultParams())

	geom := engine.Geometry()
	if geom.InoutsPerHeap != 2 {
		t.Errorf("Expected 2 slots, got %d", geom.InoutsPerHeap)
	}
	if geom.ValuesPerInout != 32 {
		t.Errorf("Expected 32 values per slot, got %d", geom.ValuesPerInout)
	}
	if geom.DeviceName != "mock" {
		t.Errorf("Expected mock device, got %q", geom.DeviceName)
	}
}

func TestCreateEngineRejectsBadMemoryFraction(t *testing.T) {
	params := DefaultParams()
	params.MaxMemoryFraction = 1.5
	params.WorkDir = t.TempDir()

	_, err := CreateEngine(context.Background(), params, &Options{Backend: NewMockBackend(1, 32)})
	if !IsCode(err, ErrCodeInvalidParameters) {
		t.Errorf("Expected invalid-parameters error, got %v", err)
	}
}

func TestCreateEngineRejectsBadIterSize(t *testing.T) {
	params := DefaultParams()
	params.IterSize = 96
	params.WorkDir = t.TempDir()

	_, err := CreateEngine(context.Background(), params, &Options{Backend: NewMockBackend(1, 32)})
	if !IsCode(err, ErrCodeInvalidParameters) {
		t.Errorf("Expected invalid-parameters error, got %v", err)
	}
}

func TestEngineSingleDispatchRecords(t *testing.T) {
	engine, backend := newTestEngine(t, t.TempDir(), DefaultParams())

	// Cancel before Run: the loop performs its initial fill of every
	// slot, observes the flag, drains, and exits cleanly.
	engine.Cancel()
	if err := engine.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	records := engine.Records()
	if len(records) != len(firstBatchRecords) {
		t.Fatalf("Expected %d records, got %d: %v", len(firstBatchRecords), len(records), records)
	}
	for i, want := range firstBatchRecords {
		got := records[i]
		if got.StartValue.Lo != want.value || got.StopTime != want.stopTime {
			t.Errorf("record %d: got (%s, %d), want (%d, %d)",
				i, got.StartValue.String(), got.StopTime, want.value, want.stopTime)
		}
	}

	// Both slots filled, dispatched, and drained exactly once.
	if backend.FillCalls() != 2 || backend.DispatchCalls() != 2 || backend.DrainCalls() != 2 {
		t.Errorf("Expected 2 fill/dispatch/drain calls, got %d/%d/%d",
			backend.FillCalls(), backend.DispatchCalls(), backend.DrainCalls())
	}

	// Position advanced by exactly valuesPerInout * inoutsPerHeap.
	pos := engine.Position()
	if pos.CurStartValue.Lo != 65 {
		t.Errorf("Expected next start value 65, got %s", pos.CurStartValue.String())
	}
	if pos.BestStopTime != 112 {
		t.Errorf("Expected best stop time 112, got %d", pos.BestStopTime)
	}
}

func TestEnginePersistsAndResumesPosition(t *testing.T) {
	dir := t.TempDir()

	first, _ := newTestEngine(t, dir, DefaultParams())
	first.Cancel()
	if err := first.Run(); err != nil {
		t.Fatalf("First run failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, PositionFileName))
	if err != nil {
		t.Fatalf("position file not written: %v", err)
	}
	saved, err := wire.ReadPosition(strings.NewReader(string(data)), nil)
	if err != nil {
		t.Fatalf("position file unreadable: %v", err)
	}
	if saved.CurStartValue.Lo != 65 {
		t.Errorf("Persisted start value = %s, want 65", saved.CurStartValue.String())
	}

	// The resumed run scans 65..128; only 73 and 97 beat the prior best.
	second, _ := newTestEngine(t, dir, DefaultParams())
	second.Cancel()
	if err := second.Run(); err != nil {
		t.Fatalf("Second run failed: %v", err)
	}

	records := second.Records()
	if len(records) != 2 {
		t.Fatalf("Expected 2 resumed records, got %d: %v", len(records), records)
	}
	if records[0].StartValue.Lo != 73 || records[0].StopTime != 115 {
		t.Errorf("First resumed record = (%s, %d), want (73, 115)",
			records[0].StartValue.String(), records[0].StopTime)
	}
	if records[1].StartValue.Lo != 97 || records[1].StopTime != 118 {
		t.Errorf("Second resumed record = (%s, %d), want (97, 118)",
			records[1].StartValue.String(), records[1].StopTime)
	}

	if second.Position().CurStartValue.Lo != 129 {
		t.Errorf("Expected next start value 129, got %s", second.Position().CurStartValue.String())
	}
}

func TestRestartCountIgnoresPersistedPosition(t *testing.T) {
	dir := t.TempDir()

	first, _ := newTestEngine(t, dir, DefaultParams())
	first.Cancel()
	if err := first.Run(); err != nil {
		t.Fatalf("First run failed: %v", err)
	}

	params := DefaultParams()
	params.RestartCount = true
	restarted, _ := newTestEngine(t, dir, params)
	if restarted.Position().CurStartValue.Lo != 1 {
		t.Errorf("Restart should begin at 1, got %s", restarted.Position().CurStartValue.String())
	}

	restarted.Cancel()
	if err := restarted.Run(); err != nil {
		t.Fatalf("Restarted run failed: %v", err)
	}
	if got := len(restarted.Records()); got != len(firstBatchRecords) {
		t.Errorf("Restarted run should rediscover all %d records, got %d", len(firstBatchRecords), got)
	}
}

func TestWatchCancelKeyStopsRun(t *testing.T) {
	engine, _ := newTestEngine(t, t.TempDir(), DefaultParams())

	engine.WatchCancelKey(strings.NewReader("xq\n"))
	if err := engine.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	// At least one full dispatch happened before the key was seen.
	if engine.Position().CurStartValue.Cmp(collatz.U128{Lo: 65}) < 0 {
		t.Errorf("Expected at least one dispatch, position = %s", engine.Position().CurStartValue.String())
	}
}

func TestRunTwiceFails(t *testing.T) {
	engine, _ := newTestEngine(t, t.TempDir(), DefaultParams())
	engine.Cancel()
	if err := engine.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if err := engine.Run(); !IsCode(err, ErrCodeInvalidParameters) {
		t.Errorf("Second Run should fail with invalid-parameters, got %v", err)
	}
}

func TestMetricsSnapshotAfterRun(t *testing.T) {
	engine, _ := newTestEngine(t, t.TempDir(), DefaultParams())
	engine.Cancel()
	if err := engine.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	snap := engine.MetricsSnapshot()
	if snap.FillOps != 2 || snap.DrainOps != 2 {
		t.Errorf("Expected 2 fills and 2 drains observed, got %d/%d", snap.FillOps, snap.DrainOps)
	}
	if snap.FilledValues != 64 {
		t.Errorf("Expected 64 filled values, got %d", snap.FilledValues)
	}
	if snap.Records != uint64(len(firstBatchRecords)) {
		t.Errorf("Expected %d records observed, got %d", len(firstBatchRecords), snap.Records)
	}
	if snap.BestStopTime != 112 {
		t.Errorf("Expected best stop time 112 observed, got %d", snap.BestStopTime)
	}
}
