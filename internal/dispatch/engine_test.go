package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/collatz-gpu/internal/collatz"
	"github.com/ehrlich-b/collatz-gpu/internal/vkapi"
	"github.com/ehrlich-b/collatz-gpu/internal/wire"
)

func testGeometry(slots, values uint32) vkapi.Geometry {
	return vkapi.Geometry{
		WorkgroupSize:      values,
		WorkgroupCount:     1,
		ValuesPerInout:     values,
		InoutsPerBuffer:    slots,
		BuffersPerHeap:     1,
		InoutsPerHeap:      slots,
		HostMemoryCoherent: true,
		DeviceName:         "software",
	}
}

func newTestEngine(t *testing.T, slots, values uint32) (*Engine, *vkapi.SoftwareBackend) {
	t.Helper()
	geom := testGeometry(slots, values)
	backend := vkapi.NewSoftwareBackend(geom)
	_, err := backend.Init(vkapi.InitOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	return New(Config{Backend: backend, Geometry: geom}, wire.FreshPosition()), backend
}

// runCancelled drives exactly one full dispatch: the initial fill of
// every slot, then the pre-set cancellation flag forces the shutdown
// drain.
func runCancelled(t *testing.T, e *Engine) {
	t.Helper()
	e.CancelFlag().Store(true)
	require.NoError(t, e.Run(context.Background()))
}

func TestSlotStateStrings(t *testing.T) {
	states := map[SlotState]string{
		SlotIdle:      "idle",
		SlotFilling:   "filling",
		SlotComputing: "computing",
		SlotDraining:  "draining",
		SlotReady:     "ready",
		SlotState(99): "unknown",
	}
	for state, want := range states {
		require.Equal(t, want, state.String())
	}
}

func TestRunRejectsZeroSlots(t *testing.T) {
	e := New(Config{Geometry: vkapi.Geometry{}}, wire.FreshPosition())
	require.Error(t, e.Run(context.Background()))
}

func TestSingleDispatchAdvancesPositionExactly(t *testing.T) {
	e, _ := newTestEngine(t, 4, 16)
	runCancelled(t, e)

	// 4 slots of 16 values: position moves from 1 to 65, no more, no less.
	require.Equal(t, collatz.U128{Lo: 65}, e.Position().CurStartValue)
}

func TestSingleDispatchEmitsKnownRecordSequence(t *testing.T) {
	e, _ := newTestEngine(t, 2, 32)
	runCancelled(t, e)

	want := []wire.Record{
		{StartValue: collatz.U128{Lo: 1}, StopTime: 0},
		{StartValue: collatz.U128{Lo: 2}, StopTime: 1},
		{StartValue: collatz.U128{Lo: 3}, StopTime: 7},
		{StartValue: collatz.U128{Lo: 6}, StopTime: 8},
		{StartValue: collatz.U128{Lo: 7}, StopTime: 16},
		{StartValue: collatz.U128{Lo: 9}, StopTime: 19},
		{StartValue: collatz.U128{Lo: 18}, StopTime: 20},
		{StartValue: collatz.U128{Lo: 25}, StopTime: 23},
		{StartValue: collatz.U128{Lo: 27}, StopTime: 111},
		{StartValue: collatz.U128{Lo: 54}, StopTime: 112},
	}
	require.Equal(t, want, e.Records())
}

func TestBestStopTimeIsNonDecreasing(t *testing.T) {
	e, _ := newTestEngine(t, 2, 32)
	runCancelled(t, e)

	prev := uint16(0)
	for _, rec := range e.Records() {
		require.GreaterOrEqual(t, rec.StopTime, prev,
			"record %s regressed the best stopping time", rec.StartValue.String())
		prev = rec.StopTime
	}
	require.Equal(t, prev, e.Position().BestStopTime)
}

func TestRecordShiftsOffsetArrays(t *testing.T) {
	e, _ := newTestEngine(t, 1, 8)

	e.registerRecord(collatz.U128{Lo: 2}, 1)
	e.registerRecord(collatz.U128{Lo: 3}, 7)
	e.registerRecord(collatz.U128{Lo: 7}, 16)

	pos := e.Position()
	require.Equal(t, [3]collatz.U128{{Lo: 7}, {Lo: 3}, {Lo: 2}}, pos.Val0Mod1Off)
	// Only 7 is congruent to 1 mod 6.
	require.Equal(t, [3]collatz.U128{{Lo: 7}, {}, {}}, pos.Val1Mod6Off)
}

func TestTieDoesNotRegister(t *testing.T) {
	geom := testGeometry(1, 32)
	backend := vkapi.NewSoftwareBackend(geom)
	_, err := backend.Init(vkapi.InitOptions{})
	require.NoError(t, err)
	defer backend.Close()

	// Scanning 1..32 with best already at 111: value 27 ties exactly and
	// must not register or disturb the offset arrays.
	start := wire.Position{BestStopTime: 111}
	start.CurStartValue = collatz.One
	e := New(Config{Backend: backend, Geometry: geom}, start)
	runCancelled(t, e)

	require.Empty(t, e.Records())
	require.Equal(t, uint16(111), e.Position().BestStopTime)
	require.Equal(t, [3]collatz.U128{}, e.Position().Val0Mod1Off)
}

func TestContextCancelDrainsInFlightSlots(t *testing.T) {
	e, _ := newTestEngine(t, 2, 16)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, e.Run(ctx))

	// Cancellation still analyses the filled slots: the first batch's
	// records are present and the position reflects one full dispatch.
	require.NotEmpty(t, e.Records())
	require.Equal(t, collatz.U128{Lo: 33}, e.Position().CurStartValue)
}

func TestCancelFlagStopsSteadyStateLoop(t *testing.T) {
	e, _ := newTestEngine(t, 2, 16)

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	e.CancelFlag().Store(true)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	// However many dispatches completed, the position is 1 plus a whole
	// multiple of the dispatch size.
	scanned := e.Position().CurStartValue.Sub(collatz.One)
	require.Zero(t, scanned.Lo%32, "position must advance in whole dispatches")
}

// failingBackend wraps the software backend and fails a chosen stage.
type failingBackend struct {
	vkapi.Backend
	mu          sync.Mutex
	failFill    bool
	failDrain   bool
	fillsBefore int
}

func (f *failingBackend) FillSlot(slot int, values []collatz.U128, sentinel []bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failFill && f.fillsBefore == 0 {
		return errors.New("injected fill failure")
	}
	if f.fillsBefore > 0 {
		f.fillsBefore--
	}
	return f.Backend.FillSlot(slot, values, sentinel)
}

func (f *failingBackend) Drain(slot int, timeout time.Duration) (*vkapi.SlotResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDrain {
		return nil, errors.New("injected drain failure")
	}
	return f.Backend.Drain(slot, timeout)
}

func TestFillFailureAbortsRun(t *testing.T) {
	geom := testGeometry(2, 16)
	inner := vkapi.NewSoftwareBackend(geom)
	_, err := inner.Init(vkapi.InitOptions{})
	require.NoError(t, err)
	defer inner.Close()

	e := New(Config{
		Backend:  &failingBackend{Backend: inner, failFill: true},
		Geometry: geom,
	}, wire.FreshPosition())

	err = e.Run(context.Background())
	require.ErrorContains(t, err, "injected fill failure")
}

func TestDrainFailureAbortsSteadyState(t *testing.T) {
	geom := testGeometry(2, 16)
	inner := vkapi.NewSoftwareBackend(geom)
	_, err := inner.Init(vkapi.InitOptions{})
	require.NoError(t, err)
	defer inner.Close()

	e := New(Config{
		Backend:  &failingBackend{Backend: inner, failDrain: true},
		Geometry: geom,
	}, wire.FreshPosition())

	err = e.Run(context.Background())
	require.ErrorContains(t, err, "injected drain failure")
}

func TestResumedPositionSkipsEarlierValues(t *testing.T) {
	geom := testGeometry(2, 32)
	backend := vkapi.NewSoftwareBackend(geom)
	_, err := backend.Init(vkapi.InitOptions{})
	require.NoError(t, err)
	defer backend.Close()

	start := wire.Position{
		CurStartValue: collatz.U128{Lo: 65},
		BestStopTime:  112,
	}
	e := New(Config{Backend: backend, Geometry: geom}, start)
	runCancelled(t, e)

	// Scanning 65..128 with best already 112 only 73 and 97 qualify.
	records := e.Records()
	require.Len(t, records, 2)
	require.Equal(t, collatz.U128{Lo: 73}, records[0].StartValue)
	require.Equal(t, uint16(115), records[0].StopTime)
	require.Equal(t, collatz.U128{Lo: 97}, records[1].StartValue)
	require.Equal(t, uint16(118), records[1].StopTime)
}

func TestPendingIsClearedAfterDrain(t *testing.T) {
	e, _ := newTestEngine(t, 2, 16)
	runCancelled(t, e)

	for i := range e.pendingValues {
		require.Nil(t, e.pendingValues[i], "slot %d pending values leaked", i)
		require.Nil(t, e.pendingSentinel[i], "slot %d pending sentinels leaked", i)
	}
}
