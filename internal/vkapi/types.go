package vkapi

// DeviceCandidate is the subset of a physical device's reported properties
// that device selection scores and negotiates over.
// The real Vulkan backend populates this from vkGetPhysicalDeviceProperties
// / vkGetPhysicalDeviceMemoryProperties / vkGetPhysicalDeviceFeatures2;
// tests construct it directly.
type DeviceCandidate struct {
	Name string

	// IsDiscrete biases scoring toward dedicated GPUs over integrated ones.
	IsDiscrete bool

	// DeviceLocalHeapBytes and HostVisibleHeapBytes are the largest heap
	// of each kind the device reports.
	DeviceLocalHeapBytes uint64
	HostVisibleHeapBytes uint64

	// HostVisibleCoherent reports whether the host-visible memory type
	// this device would supply is coherent (VK_MEMORY_PROPERTY_HOST_COHERENT_BIT).
	HostVisibleCoherent bool

	// MaxWorkgroupInvocations is the largest local workgroup size the
	// device's compute shader stage supports.
	MaxWorkgroupInvocations uint32

	// Has8BitStorage, Has16BitStorage, Has64BitInts, and
	// HasSubgroupSizeControl report the feature bits device selection
	// requires or prefers.
	Has8BitStorage         bool
	Has16BitStorage        bool
	Has64BitInts           bool
	HasSubgroupSizeControl bool

	// ComputeQueueFamily and TransferQueueFamily are the queue-family
	// indices this device exposes for the two roles. They may be equal.
	ComputeQueueFamily  uint32
	TransferQueueFamily uint32
	HasTimestampQueries bool
}

// meetsMinimumFeatures reports whether a candidate satisfies the hard
// requirements: 8-bit and 16-bit storage, subgroup
// size control, and a timestamp-capable queue. 64-bit integers are
// preferred, not required.
func (c DeviceCandidate) meetsMinimumFeatures() bool {
	return c.Has8BitStorage && c.Has16BitStorage && c.HasSubgroupSizeControl && c.HasTimestampQueries
}

// score biases toward discrete GPUs and large device-local heaps. Higher
// is better; only called on candidates that already meet the minimum
// feature set.
func (c DeviceCandidate) score() uint64 {
	s := c.DeviceLocalHeapBytes >> 20 // heap size in MiB
	if c.IsDiscrete {
		s += 1 << 40 // discrete GPUs always outrank integrated ones
	}
	if c.Has64BitInts {
		s += 1 << 20 // outweighs any heap difference below 1 TiB, well below the discrete bonus
	}
	return s
}
