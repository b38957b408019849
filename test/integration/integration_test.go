//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	collatzgpu "github.com/ehrlich-b/collatz-gpu"
	"github.com/ehrlich-b/collatz-gpu/internal/vkapi"
	"github.com/ehrlich-b/collatz-gpu/internal/wire"
)

// These tests exercise the full engine against the software compute
// backend in a scratch directory; no GPU is required.

func newSoftwareBackend(t *testing.T) vkapi.Backend {
	t.Helper()
	geom, err := vkapi.NegotiateGeometry(vkapi.DefaultSoftwareCandidate(), vkapi.InitOptions{
		MaxMemoryFraction: 0.5,
	})
	if err != nil {
		t.Fatalf("NegotiateGeometry failed: %v", err)
	}
	return vkapi.NewSoftwareBackend(geom)
}

func runOnce(t *testing.T, dir string, params collatzgpu.Params) *collatzgpu.Engine {
	t.Helper()
	params.WorkDir = dir
	engine, err := collatzgpu.CreateEngine(context.Background(), params, &collatzgpu.Options{
		Backend: newSoftwareBackend(t),
	})
	if err != nil {
		t.Fatalf("CreateEngine failed: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	engine.Cancel() // exactly one dispatch, then drain
	if err := engine.Run(); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	return engine
}

func TestFreshRunEmitsCanonicalRecordPrefix(t *testing.T) {
	engine := runOnce(t, t.TempDir(), collatzgpu.DefaultParams())

	want := []struct {
		value    uint64
		stopTime uint16
	}{
		{1, 0}, {2, 1}, {3, 7}, {6, 8}, {7, 16},
		{9, 19}, {18, 20}, {25, 23}, {27, 111},
	}

	records := engine.Records()
	if len(records) < len(want) {
		t.Fatalf("expected at least %d records, got %d", len(want), len(records))
	}
	for i, w := range want {
		got := records[i]
		if got.StartValue.Lo != w.value || got.StopTime != w.stopTime {
			t.Errorf("record %d = (%s, %d), want (%d, %d)",
				i, got.StartValue.String(), got.StopTime, w.value, w.stopTime)
		}
	}
}

func TestCancellationPersistsExactResumePoint(t *testing.T) {
	dir := t.TempDir()
	engine := runOnce(t, dir, collatzgpu.DefaultParams())

	geom := engine.Geometry()
	wantNext := uint64(geom.ValuesPerInout)*uint64(geom.InoutsPerHeap) + 1

	data, err := os.ReadFile(filepath.Join(dir, collatzgpu.PositionFileName))
	if err != nil {
		t.Fatalf("position file missing after cancellation: %v", err)
	}
	saved, err := wire.ReadPosition(strings.NewReader(string(data)), nil)
	if err != nil {
		t.Fatalf("position file unreadable: %v", err)
	}
	if saved.CurStartValue.Lo != wantNext {
		t.Errorf("persisted next start value = %s, want %d", saved.CurStartValue.String(), wantNext)
	}
	if saved.BestStopTime != engine.BestStopTime() {
		t.Errorf("persisted best = %d, engine best = %d", saved.BestStopTime, engine.BestStopTime())
	}
}

func TestResumeExtendsPriorRecordLog(t *testing.T) {
	dir := t.TempDir()
	first := runOnce(t, dir, collatzgpu.DefaultParams())
	firstRecords := first.Records()

	second := runOnce(t, dir, collatzgpu.DefaultParams())

	// The resumed run starts past the first batch, so every new record
	// strictly exceeds the persisted best.
	prior := first.BestStopTime()
	for _, rec := range second.Records() {
		if rec.StopTime <= prior {
			t.Errorf("resumed record (%s, %d) does not beat prior best %d",
				rec.StartValue.String(), rec.StopTime, prior)
		}
	}

	if len(firstRecords) == 0 {
		t.Fatal("first run found no records")
	}
}

func TestRestartCountIsIdempotent(t *testing.T) {
	params := collatzgpu.DefaultParams()
	params.RestartCount = true

	dir := t.TempDir()

	// Seed a position file pointing far ahead; restart must ignore it.
	stale := wire.Position{CurStartValue: wire.FreshPosition().CurStartValue}
	stale.CurStartValue.Lo = 1_000_000
	data, err := wire.MarshalProgress(stale, nil)
	if err != nil {
		t.Fatalf("MarshalProgress failed: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, collatzgpu.PositionFileName), data, 0o644); err != nil {
		t.Fatalf("seeding position file: %v", err)
	}

	first := runOnce(t, dir, params)
	second := runOnce(t, dir, params)

	a, b := first.Records(), second.Records()
	if len(a) != len(b) {
		t.Fatalf("restart runs disagree: %d vs %d records", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Errorf("record %d differs between identical restarts: %v vs %v", i, a[i], b[i])
		}
	}
	if a[0].StartValue.Lo != 1 {
		t.Errorf("restart did not begin at 1: first record %s", a[0].StartValue.String())
	}
}
