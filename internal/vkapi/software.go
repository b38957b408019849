package vkapi

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/ehrlich-b/collatz-gpu/internal/collatz"
	"github.com/ehrlich-b/collatz-gpu/internal/logging"
)

// SoftwareBackend implements Backend entirely on the CPU, computing each
// slot's results with internal/collatz.StepTime in place of a real shader
// dispatch. It exists for two reasons: it
// is the default when the binary is built without vulkan support, and it
// gives the dispatch engine's tests a fast, deterministic Backend that
// still exercises the full FILLING->COMPUTING->DRAINING->READY sequence.
//
// Geometry is fixed at construction rather than negotiated from a real
// device; tests set small values to keep cases fast.
type SoftwareBackend struct {
	mu      sync.Mutex
	geom    Geometry
	slots   []*simSlot
	lastDur time.Duration
	closed  bool
}

// NewSoftwareBackend returns a Backend that computes on the CPU using the
// supplied geometry. Callers normally get a Geometry by calling
// NegotiateGeometry against a synthetic DeviceCandidate (see
// DefaultSoftwareCandidate) rather than constructing one by hand.
func NewSoftwareBackend(geom Geometry) *SoftwareBackend {
	return &SoftwareBackend{geom: geom}
}

// DefaultSoftwareCandidate describes a small, fast synthetic device used
// to size the software backend's geometry in tests and as the engine's
// no-GPU fallback.
func DefaultSoftwareCandidate() DeviceCandidate {
	return DeviceCandidate{
		Name:                    "software",
		IsDiscrete:              false,
		DeviceLocalHeapBytes:    256 << 20,
		HostVisibleHeapBytes:    256 << 20,
		HostVisibleCoherent:     true,
		MaxWorkgroupInvocations: 64,
		Has8BitStorage:          true,
		Has16BitStorage:         true,
		Has64BitInts:            true,
		HasSubgroupSizeControl:  true,
		HasTimestampQueries:     true,
		ComputeQueueFamily:      0,
		TransferQueueFamily:     0,
	}
}

func (b *SoftwareBackend) Init(opts InitOptions) (Geometry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slots = make([]*simSlot, b.geom.InoutsPerHeap)
	for i := range b.slots {
		s, err := newSimSlot(b.geom)
		if err != nil {
			for _, prev := range b.slots[:i] {
				prev.release()
			}
			b.slots = nil
			return Geometry{}, err
		}
		if opts.LogAllocations {
			logging.Debugf("software backend: slot %d staged %d+%d bytes",
				i, len(s.hostInput), len(s.hostOutput))
		}
		b.slots[i] = s
	}
	return b.geom, nil
}

func (b *SoftwareBackend) FillSlot(slot int, values []collatz.U128, sentinel []bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.slots[slot]
	for i, v := range values {
		if sentinel[i] {
			putU128(s.hostInput, i, collatz.Zero)
		} else {
			putU128(s.hostInput, i, v)
		}
	}
	s.inFlight = true
	return nil
}

// Dispatch runs the "shader" immediately: the software backend has no
// asynchronous device to overlap with, so Dispatch does the compute work
// up front and Drain merely hands back the already-ready result. This
// keeps the Backend contract (Dispatch then Drain) identical for callers
// while staying trivially correct.
func (b *SoftwareBackend) Dispatch(slot int, anchors collatz.Anchors) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	start := time.Now()
	s := b.slots[slot]
	n := int(b.geom.ValuesPerInout)
	for i := 0; i < n; i++ {
		off := i * 16
		v := collatz.U128{
			Lo: binary.LittleEndian.Uint64(s.hostInput[off : off+8]),
			Hi: binary.LittleEndian.Uint64(s.hostInput[off+8 : off+16]),
		}
		if v.IsZero() {
			putStopTime(s.hostOutput, i, 0)
			continue
		}
		putStopTime(s.hostOutput, i, anchoredStepTime(v, anchors))
	}
	b.lastDur = time.Since(start)
	return nil
}

func (b *SoftwareBackend) Drain(slot int, timeout time.Duration) (*SlotResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.slots[slot]
	n := int(b.geom.ValuesPerInout)
	out := make([]uint16, n)
	for i := 0; i < n; i++ {
		out[i] = getStopTime(s.hostOutput, i)
	}
	s.inFlight = false
	return &SlotResult{StopTimes: out}, nil
}

func (b *SoftwareBackend) LastComputeDuration() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastDur
}

func (b *SoftwareBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	var firstErr error
	for _, s := range b.slots {
		if err := s.release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.slots = nil
	return firstErr
}

// anchoredStepTime mirrors the shader's early-exit behaviour: it is semantically identical to collatz.StepTime since the
// anchors are a performance shortcut, not a semantic difference, so the
// software backend just calls the reference stepper directly.
func anchoredStepTime(v collatz.U128, _ collatz.Anchors) uint16 {
	return collatz.StepTime(v)
}

var _ Backend = (*SoftwareBackend)(nil)
