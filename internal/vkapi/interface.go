// Package vkapi abstracts the GPU compute backend the dispatch engine
// drives: device selection, geometry negotiation, and the per-slot
// fill/dispatch/drain operations the steady-state loop needs. Two
// implementations satisfy Backend: the real Vulkan backend (vulkan_real.go,
// built behind the "vulkan" build tag) and a pure-Go software backend
// (software.go) used by default and by tests.
package vkapi

import (
	"errors"
	"time"

	"github.com/ehrlich-b/collatz-gpu/internal/collatz"
)

// ErrNoSuitableDevice is returned by Init when no enumerated device
// meets the minimum required feature set. It is a hard
// initialisation failure: the engine does not retry or fall back.
var ErrNoSuitableDevice = errors.New("vkapi: no device satisfies the minimum feature set")

// ErrVulkanUnavailable is returned by the real Vulkan backend when the
// binary was not built with the "vulkan" build tag, so an optional
// cgo dependency never forces itself on default builds.
var ErrVulkanUnavailable = errors.New("vkapi: binary was not built with vulkan support (build with -tags vulkan)")

// ErrSlotTimeout is returned by Drain when a slot fails to complete within
// the supplied timeout. In the steady-state path Drain is called with a
// zero timeout (infinite wait); during shutdown it is called with
// constants.ShutdownDrainTimeout.
var ErrSlotTimeout = errors.New("vkapi: timed out waiting for slot semaphore")

// InitOptions carries the CLI-derived capability requests down into
// device selection and resource sizing.
type InitOptions struct {
	MaxMemoryFraction float64
	IterSize          int // 64 | 128 | 256; not read by either backend, the shader always uses two 64-bit limbs
	PreferInt16       bool
	PreferInt64       bool
	ExtensionLayers   bool
	ProfileLayers     bool
	ValidationLayers  bool
	QueryBenchmarking bool
	LogAllocations    bool
	CapturePipelines  bool
	PipelineCachePath string
}

// Geometry holds the constants fixed at startup from device properties.
type Geometry struct {
	WorkgroupSize   uint32
	WorkgroupCount  uint32
	ValuesPerInout  uint32
	InoutsPerBuffer uint32
	BuffersPerHeap  uint32
	InoutsPerHeap   uint32

	BytesPerHostVisibleMemory uint64
	BytesPerDeviceLocalMemory uint64

	// HostMemoryCoherent reports whether the chosen host-visible memory
	// type is coherent. When false, the engine must flush writes before
	// the inbound transfer and invalidate before reading drained output.
	HostMemoryCoherent bool

	// DeviceName is surfaced for logging only.
	DeviceName string
}

// SlotResult is the decoded output region of one drained slot: one
// StopTime per value written by FillSlot, in the same order.
type SlotResult struct {
	StopTimes []uint16
}

// Backend is the narrow interface the dispatch engine (internal/dispatch)
// drives. Each method operates on a slot index in [0, Geometry.InoutsPerHeap).
//
// The expected call sequence per slot, matching the IDLE->FILLING->
// COMPUTING->DRAINING->READY state machine, is:
// FillSlot, Dispatch, Drain (repeated for the process lifetime).
type Backend interface {
	// Init enumerates and scores devices, negotiates capabilities, and
	// allocates all steady-state resources (buffers, descriptor sets,
	// command buffers, semaphores, pipeline). It is called exactly once.
	Init(opts InitOptions) (Geometry, error)

	// FillSlot writes values into the slot's host-visible input region.
	// sentinel[i] true means the shader should skip values[i] and report
	// 0; the host has already computed its StopTime via
	// collatz.SentinelStopTime and does not need the shader's answer. If
	// the memory type is non-coherent, the written range is flushed here.
	FillSlot(slot int, values []collatz.U128, sentinel []bool) error

	// Dispatch submits the slot's pre-recorded compute command buffer on
	// the compute queue, signalling the slot's semaphore on completion.
	// Anchors are the current early-exit prefixes, refreshed on every
	// call.
	Dispatch(slot int, anchors collatz.Anchors) error

	// Drain submits the slot's outbound-transfer command buffer, waits
	// for the slot's semaphore to cross the post-transfer value, and
	// returns the decoded results. A timeout of 0 waits indefinitely
	// (the steady-state path); a positive timeout is used only during
	// shutdown drain and returns ErrSlotTimeout if exceeded.
	Drain(slot int, timeout time.Duration) (*SlotResult, error)

	// LastComputeDuration returns the most recent dispatch's
	// timestamp-query-derived GPU duration. Only meaningful when
	// InitOptions.QueryBenchmarking was set; returns 0 otherwise.
	LastComputeDuration() time.Duration

	// Close releases all device resources in reverse acquisition order
	// and, on a clean call, persists the pipeline cache.
	Close() error
}
