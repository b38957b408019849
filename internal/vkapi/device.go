package vkapi

import (
	"fmt"

	"github.com/ehrlich-b/collatz-gpu/internal/constants"
)

// SelectDevice rejects candidates lacking the minimum feature set, then
// picks the highest-scoring survivor. Shared by
// the real Vulkan backend (fed from vkEnumeratePhysicalDevices) and tests
// (fed synthetic candidates), since the scoring policy itself has nothing
// Vulkan-specific about it.
func SelectDevice(candidates []DeviceCandidate) (DeviceCandidate, error) {
	var best DeviceCandidate
	var bestScore uint64
	found := false

	for _, c := range candidates {
		if !c.meetsMinimumFeatures() {
			continue
		}
		s := c.score()
		if !found || s > bestScore {
			best, bestScore, found = c, s, true
		}
	}

	if !found {
		return DeviceCandidate{}, ErrNoSuitableDevice
	}
	return best, nil
}

// NegotiateGeometry derives Geometry from a selected device and the
// CLI-requested options. workgroupSize is the
// largest supported invocations-per-workgroup, capped by
// constants.WorkgroupSizeCeiling; workgroupCount and the slot/buffer counts
// are chosen so the total host-visible and device-local footprints fit
// within maxMemoryFraction of the respective reported heaps, minus
// constants.MemorySafetyReserveBytes.
func NegotiateGeometry(dev DeviceCandidate, opts InitOptions) (Geometry, error) {
	fraction := opts.MaxMemoryFraction
	if fraction <= 0 || fraction > 1 {
		fraction = constants.DefaultMaxMemoryFraction
	}

	workgroupSize := dev.MaxWorkgroupInvocations
	if workgroupSize == 0 || workgroupSize > constants.WorkgroupSizeCeiling {
		workgroupSize = constants.WorkgroupSizeCeiling
	}

	deviceBudget := budgetBytes(dev.DeviceLocalHeapBytes, fraction)
	hostBudget := budgetBytes(dev.HostVisibleHeapBytes, fraction)
	if deviceBudget == 0 || hostBudget == 0 {
		return Geometry{}, fmt.Errorf("vkapi: device %q has no usable memory budget after reserve", dev.Name)
	}

	inoutsPerBuffer := uint32(constants.DefaultInoutsPerBuffer)
	buffersPerHeap := uint32(constants.DefaultBuffersPerHeap)

	// Per-slot device-local footprint: input (16B/value) + output (2B/value).
	// Solve for the largest workgroupCount such that InoutsPerHeap slots fit
	// the smaller of the two budgets, then shrink slot counts if even one
	// slot at workgroupCount=1 would not fit.
	perValueBytes := uint64(constants.BytesPerStartValue + constants.BytesPerStopTime)
	perSlotFixedOverhead := uint64(workgroupSize) * perValueBytes

	totalSlots := inoutsPerBuffer * buffersPerHeap
	workgroupCount := uint32(constants.DefaultWorkgroupCount)
	for workgroupCount > 1 {
		perSlotBytes := uint64(workgroupCount) * perSlotFixedOverhead
		totalBytes := perSlotBytes * uint64(totalSlots)
		if totalBytes <= deviceBudget && totalBytes <= hostBudget {
			break
		}
		workgroupCount /= 2
	}
	if workgroupCount == 0 {
		workgroupCount = 1
	}

	for totalSlots > 1 {
		perSlotBytes := uint64(workgroupCount) * perSlotFixedOverhead
		totalBytes := perSlotBytes * uint64(totalSlots)
		if totalBytes <= deviceBudget && totalBytes <= hostBudget {
			break
		}
		if buffersPerHeap > 1 {
			buffersPerHeap--
		} else if inoutsPerBuffer > 1 {
			inoutsPerBuffer--
		} else {
			break
		}
		totalSlots = inoutsPerBuffer * buffersPerHeap
	}

	valuesPerInout := workgroupSize * workgroupCount
	inoutsPerHeap := inoutsPerBuffer * buffersPerHeap
	perSlotHostVisible := uint64(valuesPerInout) * perValueBytes

	return Geometry{
		WorkgroupSize:             workgroupSize,
		WorkgroupCount:            workgroupCount,
		ValuesPerInout:            valuesPerInout,
		InoutsPerBuffer:           inoutsPerBuffer,
		BuffersPerHeap:            buffersPerHeap,
		InoutsPerHeap:             inoutsPerHeap,
		BytesPerHostVisibleMemory: perSlotHostVisible * uint64(inoutsPerHeap),
		BytesPerDeviceLocalMemory: perSlotHostVisible * uint64(inoutsPerHeap),
		HostMemoryCoherent:        dev.HostVisibleCoherent,
		DeviceName:                dev.Name,
	}, nil
}

// budgetBytes applies the max-memory fraction and safety reserve to a
// reported heap size, returning 0 if nothing usable remains.
func budgetBytes(heapBytes uint64, fraction float64) uint64 {
	usable := uint64(float64(heapBytes) * fraction)
	if usable <= constants.MemorySafetyReserveBytes {
		return 0
	}
	return usable - constants.MemorySafetyReserveBytes
}
