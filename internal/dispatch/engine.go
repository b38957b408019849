// Package dispatch is the core of the search engine: the double-buffered
// producer/consumer pipeline that streams StartValues into a vkapi.Backend's slots, drains their StopTime results
// in slot order, updates the running record state, and checkpoints to
// internal/wire's Position format.
package dispatch

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/collatz-gpu/internal/collatz"
	"github.com/ehrlich-b/collatz-gpu/internal/constants"
	"github.com/ehrlich-b/collatz-gpu/internal/interfaces"
	"github.com/ehrlich-b/collatz-gpu/internal/vkapi"
	"github.com/ehrlich-b/collatz-gpu/internal/wire"
)

// SlotState names a dispatch slot's position in the IDLE->FILLING->
// COMPUTING->DRAINING->READY cycle.
type SlotState int

const (
	SlotIdle SlotState = iota
	SlotFilling
	SlotComputing
	SlotDraining
	SlotReady
)

func (s SlotState) String() string {
	switch s {
	case SlotIdle:
		return "idle"
	case SlotFilling:
		return "filling"
	case SlotComputing:
		return "computing"
	case SlotDraining:
		return "draining"
	case SlotReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Config wires the engine's collaborators: the compute backend, loggers,
// the metrics observer, and the geometry the backend negotiated.
type Config struct {
	Backend  vkapi.Backend
	Geometry vkapi.Geometry
	Logger   interfaces.Logger
	Observer interfaces.Observer
}

// Engine runs the steady-state dispatch loop against an already-initialised
// Backend. It owns the current Position and the in-memory record log; the
// caller is responsible for persisting both on shutdown (see root package
// Engine.Run for the orchestration that calls this).
type Engine struct {
	backend  vkapi.Backend
	geom     vkapi.Geometry
	logger   interfaces.Logger
	observer interfaces.Observer

	position Position
	records  []wire.Record

	// haveRecord distinguishes a genuinely record-free scan from one
	// whose best stopping time is a real 0: StartValue 1 stops in 0
	// steps, and 0 > BestStopTime's zero value never holds, so the very
	// first record must register without the strictly-greater test.
	haveRecord bool

	slotState []SlotState
	cancelled *atomic.Bool

	pendingValues   [][]collatz.U128
	pendingSentinel [][]bool
}

// Position is wire.Position; the engine mutates its own copy, and
// Engine.Position returns a snapshot of it in the persisted form.
type Position = wire.Position

// New constructs an Engine ready to run from the given starting Position.
func New(cfg Config, start Position) *Engine {
	return &Engine{
		backend:  cfg.Backend,
		geom:     cfg.Geometry,
		logger:   cfg.Logger,
		observer: cfg.Observer,
		position: start,
		// A resumed position has registered at least one record exactly
		// when its offset-0 anchor is filled; (1, 0) fills it without
		// raising BestStopTime above zero.
		haveRecord: start.BestStopTime > 0 || !start.Val0Mod1Off[0].IsZero(),
		slotState:  make([]SlotState, cfg.Geometry.InoutsPerHeap),
		cancelled:  &atomic.Bool{},

		pendingValues:   make([][]collatz.U128, cfg.Geometry.InoutsPerHeap),
		pendingSentinel: make([][]bool, cfg.Geometry.InoutsPerHeap),
	}
}

// pending stashes a slot's just-filled batch until its drain completes.
func (e *Engine) pending(slot int, values []collatz.U128, sentinel []bool) {
	e.pendingValues[slot] = values
	e.pendingSentinel[slot] = sentinel
}

// takePending retrieves and clears a slot's stashed batch.
func (e *Engine) takePending(slot int) ([]collatz.U128, []bool) {
	values, sentinel := e.pendingValues[slot], e.pendingSentinel[slot]
	e.pendingValues[slot] = nil
	e.pendingSentinel[slot] = nil
	return values, sentinel
}

// CancelFlag returns the atomic flag the input-watcher goroutine should set
// to request cooperative cancellation.
func (e *Engine) CancelFlag() *atomic.Bool {
	return e.cancelled
}

// Records returns the in-memory record log accumulated so far, in
// discovery order.
func (e *Engine) Records() []wire.Record {
	return e.records
}

// Position returns a snapshot of the engine's current resume state.
func (e *Engine) Position() Position {
	return e.position
}

// anchors derives the shader's early-exit anchors from the current
// Position.
func (e *Engine) anchors() collatz.Anchors {
	return collatz.Anchors{
		Val0Mod1Off:  e.position.Val0Mod1Off,
		Val1Mod6Off:  e.position.Val1Mod6Off,
		BestStopTime: e.position.BestStopTime,
	}
}

// Run drives the rolling pipeline until ctx is cancelled or the
// cancellation flag is observed, then drains every in-flight slot before
// returning. It never returns an error for cooperative cancellation; only
// a hard backend failure during fill/dispatch/drain is returned as one.
func (e *Engine) Run(ctx context.Context) error {
	n := int(e.geom.InoutsPerHeap)
	if n == 0 {
		return fmt.Errorf("dispatch: geometry has zero slots")
	}

	for i := 0; i < n; i++ {
		if err := e.fillAndDispatch(i); err != nil {
			return fmt.Errorf("dispatch: initial fill of slot %d: %w", i, err)
		}
	}

	for slot := 0; ; slot = (slot + 1) % n {
		// Cancellation is checked once per dispatch, before slot 0, so the
		// position always advances by whole dispatches.
		if slot == 0 && e.shouldStop(ctx) {
			return e.drainAll(n)
		}

		if err := e.drainAndAnalyse(slot, 0); err != nil {
			return fmt.Errorf("dispatch: draining slot %d: %w", slot, err)
		}
		if err := e.fillAndDispatch(slot); err != nil {
			return fmt.Errorf("dispatch: refilling slot %d: %w", slot, err)
		}
	}
}

func (e *Engine) shouldStop(ctx context.Context) bool {
	if e.cancelled.Load() {
		return true
	}
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// drainAll waits out every in-flight slot with a bounded timeout instead
// of the steady-state's infinite wait, so a lost GPU cannot hang
// shutdown.
func (e *Engine) drainAll(n int) error {
	for i := 0; i < n; i++ {
		if e.slotState[i] != SlotComputing && e.slotState[i] != SlotDraining {
			continue
		}
		if err := e.drainAndAnalyse(i, constants.ShutdownDrainTimeout); err != nil {
			if e.logger != nil {
				e.logger.Printf("dispatch: slot %d did not drain cleanly during shutdown: %v", i, err)
			}
		}
	}
	return nil
}

// fillAndDispatch writes the next ValuesPerInout StartValues into the slot
// and submits its compute command buffer.
func (e *Engine) fillAndDispatch(slot int) error {
	start := time.Now()
	e.slotState[slot] = SlotFilling

	n := int(e.geom.ValuesPerInout)
	values := make([]collatz.U128, n)
	sentinel := make([]bool, n)

	v := e.position.CurStartValue
	for i := 0; i < n; i++ {
		values[i] = v
		sentinel[i] = collatz.IsSentinel(v)
		v = v.Add(collatz.One)
	}
	e.position.CurStartValue = v

	if err := e.backend.FillSlot(slot, values, sentinel); err != nil {
		e.observe(func() { e.observer.ObserveFill(uint32(n), uint64(time.Since(start)), false) })
		return err
	}
	e.observe(func() { e.observer.ObserveFill(uint32(n), uint64(time.Since(start)), true) })

	e.slotState[slot] = SlotComputing
	computeStart := time.Now()
	err := e.backend.Dispatch(slot, e.anchors())
	e.observe(func() { e.observer.ObserveCompute(uint32(n), uint64(time.Since(computeStart)), err == nil) })
	if err != nil {
		return err
	}

	// stash the filled batch so drainAndAnalyse can pair results with their
	// StartValues without re-deriving them from Position (which has already
	// advanced past this slot's batch).
	e.pending(slot, values, sentinel)
	return nil
}

// drainAndAnalyse waits for the slot's compute+transfer to complete, scans
// its results for new records, and marks the slot IDLE again.
func (e *Engine) drainAndAnalyse(slot int, timeout time.Duration) error {
	e.slotState[slot] = SlotDraining
	start := time.Now()
	result, err := e.backend.Drain(slot, timeout)
	n := uint32(e.geom.ValuesPerInout)
	e.observe(func() { e.observer.ObserveDrain(n, uint64(time.Since(start)), err == nil) })
	if err != nil {
		return err
	}
	e.slotState[slot] = SlotReady

	values, sentinel := e.takePending(slot)
	for i, stopTime := range result.StopTimes {
		if sentinel[i] {
			stopTime = collatz.SentinelStopTime(values[i])
		}
		if stopTime > e.position.BestStopTime || !e.haveRecord {
			e.registerRecord(values[i], stopTime)
		}
	}

	e.slotState[slot] = SlotIdle
	e.observe(func() { e.observer.ObserveSlotDepth(uint32(e.countActiveSlots())) })
	return nil
}

// registerRecord applies a new record to Position's offset arrays (shifting
// older entries down) and appends to the in-memory log. A
// strictly greater stopping time triggers a shift; ties do not.
func (e *Engine) registerRecord(value collatz.U128, stopTime uint16) {
	e.haveRecord = true
	e.position.BestStopTime = stopTime
	e.position.Val0Mod1Off = shiftIn(e.position.Val0Mod1Off, value)
	if value.Mod6() == 1 {
		e.position.Val1Mod6Off = shiftIn(e.position.Val1Mod6Off, value)
	}
	e.records = append(e.records, wire.Record{StartValue: value, StopTime: stopTime})
	e.observe(func() { e.observer.ObserveRecord(stopTime) })
	if e.logger != nil {
		e.logger.Printf("new record: start=%s stop_time=%d", value.String(), stopTime)
	}
}

func shiftIn(slots [3]collatz.U128, newest collatz.U128) [3]collatz.U128 {
	return [3]collatz.U128{newest, slots[0], slots[1]}
}

func (e *Engine) countActiveSlots() int {
	count := 0
	for _, s := range e.slotState {
		if s != SlotIdle {
			count++
		}
	}
	return count
}

func (e *Engine) observe(fn func()) {
	if e.observer != nil {
		fn()
	}
}
