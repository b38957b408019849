package collatzgpu

import (
	"sync"
	"time"

	"github.com/ehrlich-b/collatz-gpu/internal/collatz"
	"github.com/ehrlich-b/collatz-gpu/internal/vkapi"
)

// MockBackend provides a mock implementation of the compute backend for
// testing. It computes results on the CPU, tracks method calls for
// verification, and supports fault injection per pipeline stage.
type MockBackend struct {
	geom   vkapi.Geometry
	closed bool

	// Fault injection
	InitErr     error
	FillErr     error
	DispatchErr error
	DrainErr    error

	// Method call tracking
	mu            sync.RWMutex
	initCalls     int
	fillCalls     int
	dispatchCalls int
	drainCalls    int
	closeCalls    int

	pending map[int][]uint16
}

// NewMockBackend creates a mock backend with a small fixed geometry:
// valuesPerSlot values in each of slots slots. This is useful for unit
// testing applications that drive the engine without a GPU.
func NewMockBackend(slots, valuesPerSlot uint32) *MockBackend {
	return &MockBackend{
		geom: vkapi.Geometry{
			WorkgroupSize:             valuesPerSlot,
			WorkgroupCount:            1,
			ValuesPerInout:            valuesPerSlot,
			InoutsPerBuffer:           slots,
			BuffersPerHeap:            1,
			InoutsPerHeap:             slots,
			BytesPerHostVisibleMemory: uint64(slots) * uint64(valuesPerSlot) * 18,
			BytesPerDeviceLocalMemory: uint64(slots) * uint64(valuesPerSlot) * 18,
			HostMemoryCoherent:        true,
			DeviceName:                "mock",
		},
		pending: make(map[int][]uint16),
	}
}

func (m *MockBackend) Init(opts vkapi.InitOptions) (vkapi.Geometry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initCalls++
	if m.InitErr != nil {
		return vkapi.Geometry{}, m.InitErr
	}
	return m.geom, nil
}

func (m *MockBackend) FillSlot(slot int, values []collatz.U128, sentinel []bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillCalls++
	if m.FillErr != nil {
		return m.FillErr
	}

	out := make([]uint16, len(values))
	for i, v := range values {
		if sentinel[i] {
			out[i] = 0
			continue
		}
		out[i] = collatz.StepTime(v)
	}
	m.pending[slot] = out
	return nil
}

func (m *MockBackend) Dispatch(slot int, anchors collatz.Anchors) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dispatchCalls++
	if m.DispatchErr != nil {
		return m.DispatchErr
	}
	return nil
}

func (m *MockBackend) Drain(slot int, timeout time.Duration) (*vkapi.SlotResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.drainCalls++
	if m.DrainErr != nil {
		return nil, m.DrainErr
	}
	out, ok := m.pending[slot]
	if !ok {
		out = make([]uint16, m.geom.ValuesPerInout)
	}
	delete(m.pending, slot)
	return &vkapi.SlotResult{StopTimes: out}, nil
}

func (m *MockBackend) LastComputeDuration() time.Duration {
	return 0
}

func (m *MockBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	m.closed = true
	return nil
}

// FillCalls returns the number of FillSlot invocations.
func (m *MockBackend) FillCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fillCalls
}

// DispatchCalls returns the number of Dispatch invocations.
func (m *MockBackend) DispatchCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dispatchCalls
}

// DrainCalls returns the number of Drain invocations.
func (m *MockBackend) DrainCalls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.drainCalls
}

// Closed reports whether Close has been called.
func (m *MockBackend) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}

var _ vkapi.Backend = (*MockBackend)(nil)
