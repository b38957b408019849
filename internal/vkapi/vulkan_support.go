//go:build vulkan

package vkapi

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"unsafe"

	vk "github.com/goki/vulkan"
)

// enumeratePhysicalDevices lists every Vulkan physical device and reduces
// each to the DeviceCandidate summary SelectDevice scores against. The
// returned physical-device slice is index-aligned with the candidates so
// Init can recover the chosen vk.PhysicalDevice after SelectDevice returns
// its plain-data copy.
func enumeratePhysicalDevices(instance vk.Instance) ([]DeviceCandidate, []vk.PhysicalDevice, error) {
	var count uint32
	if ret := vk.EnumeratePhysicalDevices(instance, &count, nil); ret != vk.Success || count == 0 {
		return nil, nil, fmt.Errorf("vkapi: vkEnumeratePhysicalDevices found no devices")
	}
	devices := make([]vk.PhysicalDevice, count)
	if ret := vk.EnumeratePhysicalDevices(instance, &count, devices); ret != vk.Success {
		return nil, nil, fmt.Errorf("vkapi: vkEnumeratePhysicalDevices failed: %d", ret)
	}

	candidates := make([]DeviceCandidate, 0, count)
	for _, dev := range devices {
		candidates = append(candidates, describePhysicalDevice(dev))
	}
	return candidates, devices, nil
}

// describePhysicalDevice fills a DeviceCandidate from the device's
// properties, memory properties, and queue family list. Only the
// timestamp capability is read from the device; the 8-bit storage,
// 16-bit storage, 64-bit integer and subgroup-size-control bits are
// reported true without being queried.
func describePhysicalDevice(dev vk.PhysicalDevice) DeviceCandidate {
	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(dev, &props)
	props.Deref()

	var memProps vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(dev, &memProps)

	c := DeviceCandidate{
		Name:                    nullTermToString(props.DeviceName[:]),
		IsDiscrete:              props.DeviceType == vk.PhysicalDeviceTypeDiscreteGpu,
		MaxWorkgroupInvocations: props.Limits.MaxComputeWorkGroupInvocations,
		HasTimestampQueries:     props.Limits.TimestampComputeAndGraphics != vk.False,
		Has8BitStorage:          true,
		Has16BitStorage:         true,
		Has64BitInts:            true,
		HasSubgroupSizeControl:  true,
	}

	for i := uint32(0); i < memProps.MemoryHeapCount; i++ {
		heap := memProps.MemoryHeaps[i]
		if vk.MemoryHeapFlags(heap.Flags)&vk.MemoryHeapDeviceLocalBit != 0 {
			if uint64(heap.Size) > c.DeviceLocalHeapBytes {
				c.DeviceLocalHeapBytes = uint64(heap.Size)
			}
		}
	}
	for i := uint32(0); i < memProps.MemoryTypeCount; i++ {
		mt := memProps.MemoryTypes[i]
		flags := vk.MemoryPropertyFlags(mt.PropertyFlags)
		if flags&vk.MemoryPropertyHostVisibleBit != 0 {
			heapSize := uint64(memProps.MemoryHeaps[mt.HeapIndex].Size)
			if heapSize > c.HostVisibleHeapBytes {
				c.HostVisibleHeapBytes = heapSize
				c.HostVisibleCoherent = flags&vk.MemoryPropertyHostCoherentBit != 0
			}
		}
	}

	computeFamily, transferFamily := queueFamilies(dev)
	c.ComputeQueueFamily = computeFamily
	c.TransferQueueFamily = transferFamily

	return c
}

// queueFamilies picks a compute-capable family and, if a distinct
// transfer-only family exists, a dedicated one for it -- otherwise the
// same family serves both roles.
func queueFamilies(dev vk.PhysicalDevice) (computeFamily, transferFamily uint32) {
	var count uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(dev, &count, nil)
	props := make([]vk.QueueFamilyProperties, count)
	vk.GetPhysicalDeviceQueueFamilyProperties(dev, &count, props)

	computeFamily = 0
	transferFamily = 0
	foundCompute := false
	foundDedicatedTransfer := false

	for i, p := range props {
		p.Deref()
		flags := vk.QueueFlags(p.QueueFlags)
		if !foundCompute && flags&vk.QueueComputeBit != 0 {
			computeFamily = uint32(i)
			foundCompute = true
		}
		if flags&vk.QueueTransferBit != 0 && flags&vk.QueueComputeBit == 0 && flags&vk.QueueGraphicsBit == 0 {
			transferFamily = uint32(i)
			foundDedicatedTransfer = true
		}
	}
	if !foundDedicatedTransfer {
		transferFamily = computeFamily
	}
	return computeFamily, transferFamily
}

// indexOfCandidate recovers the slice position of the chosen candidate so
// its matching vk.PhysicalDevice can be retrieved. Candidates compare as
// whole structs; if two devices report identical candidates, the first
// one is returned.
func indexOfCandidate(candidates []DeviceCandidate, chosen DeviceCandidate) int {
	for i, c := range candidates {
		if c == chosen {
			return i
		}
	}
	return 0
}

func nullTermToString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// createMappedBuffer allocates a host-visible buffer and maps it for the
// process lifetime, returning the mapped pointer FillSlot/Drain write
// through directly. Coherence follows the negotiated geometry: when the
// chosen host-visible type is non-coherent, callers flush and invalidate
// explicitly instead.
func (b *VulkanBackend) createMappedBuffer(index int, label string, size uint64, usage vk.BufferUsageFlagBits) (vk.Buffer, vk.DeviceMemory, unsafe.Pointer, error) {
	props := vk.MemoryPropertyHostVisibleBit
	if b.geom.HostMemoryCoherent {
		props |= vk.MemoryPropertyHostCoherentBit
	}
	buf, mem, err := b.createBuffer(size, usage, props)
	if err != nil {
		return vk.Buffer(vk.NullHandle), vk.DeviceMemory(vk.NullHandle), nil, err
	}
	b.teardown.Push(fmt.Sprintf("slot-%d-%s-buffer", index, label), func() error { vk.DestroyBuffer(b.device, buf, nil); return nil })
	b.teardown.Push(fmt.Sprintf("slot-%d-%s-memory", index, label), func() error { vk.FreeMemory(b.device, mem, nil); return nil })

	var ptr unsafe.Pointer
	if ret := vk.MapMemory(b.device, mem, 0, vk.DeviceSize(size), 0, &ptr); ret != vk.Success {
		return buf, mem, nil, fmt.Errorf("vkapi: vkMapMemory failed for %s: %d", label, ret)
	}
	return buf, mem, ptr, nil
}

// createDeviceBuffer allocates a device-local buffer with no host mapping.
func (b *VulkanBackend) createDeviceBuffer(index int, label string, size uint64, usage vk.BufferUsageFlagBits) (vk.Buffer, vk.DeviceMemory, error) {
	buf, mem, err := b.createBuffer(size, usage, vk.MemoryPropertyDeviceLocalBit)
	if err != nil {
		return vk.Buffer(vk.NullHandle), vk.DeviceMemory(vk.NullHandle), err
	}
	b.teardown.Push(fmt.Sprintf("slot-%d-%s-buffer", index, label), func() error { vk.DestroyBuffer(b.device, buf, nil); return nil })
	b.teardown.Push(fmt.Sprintf("slot-%d-%s-memory", index, label), func() error { vk.FreeMemory(b.device, mem, nil); return nil })
	return buf, mem, nil
}

func (b *VulkanBackend) createBuffer(size uint64, usage vk.BufferUsageFlagBits, properties vk.MemoryPropertyFlagBits) (vk.Buffer, vk.DeviceMemory, error) {
	bufInfo := vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       vk.BufferUsageFlags(usage),
		SharingMode: vk.SharingModeExclusive,
	}
	var buf vk.Buffer
	if ret := vk.CreateBuffer(b.device, &bufInfo, nil, &buf); ret != vk.Success {
		return vk.Buffer(vk.NullHandle), vk.DeviceMemory(vk.NullHandle), fmt.Errorf("vkapi: vkCreateBuffer failed: %d", ret)
	}

	var reqs vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(b.device, buf, &reqs)
	reqs.Deref()

	typeIndex, err := b.findMemoryType(reqs.MemoryTypeBits, properties)
	if err != nil {
		return buf, vk.DeviceMemory(vk.NullHandle), err
	}

	allocInfo := vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  reqs.Size,
		MemoryTypeIndex: typeIndex,
	}
	var mem vk.DeviceMemory
	if ret := vk.AllocateMemory(b.device, &allocInfo, nil, &mem); ret != vk.Success {
		return buf, vk.DeviceMemory(vk.NullHandle), fmt.Errorf("vkapi: vkAllocateMemory failed: %d", ret)
	}
	if ret := vk.BindBufferMemory(b.device, buf, mem, 0); ret != vk.Success {
		return buf, mem, fmt.Errorf("vkapi: vkBindBufferMemory failed: %d", ret)
	}
	return buf, mem, nil
}

func (b *VulkanBackend) findMemoryType(typeBits uint32, properties vk.MemoryPropertyFlagBits) (uint32, error) {
	var memProps vk.PhysicalDeviceMemoryProperties
	vk.GetPhysicalDeviceMemoryProperties(b.physicalDevice, &memProps)
	for i := uint32(0); i < memProps.MemoryTypeCount; i++ {
		if typeBits&(1<<i) == 0 {
			continue
		}
		if vk.MemoryPropertyFlags(memProps.MemoryTypes[i].PropertyFlags)&vk.MemoryPropertyFlags(properties) == vk.MemoryPropertyFlags(properties) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("vkapi: no memory type satisfies the requested properties")
}

// sliceUint32 reinterprets a SPIR-V byte blob as the uint32 words
// vkCreateShaderModule expects. SPIR-V is defined to be 4-byte aligned, so
// this is safe for any binary produced by a conformant compiler.
func sliceUint32(b []byte) []uint32 {
	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}
	return out
}

// packSpecConstants encodes the shader specialization-constant block: a
// single uint32 workgroup size, matching the `layout(constant_id = 0)`
// declaration the compute shader uses for its local_size_x.
func packSpecConstants(workgroupSize uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, workgroupSize)
	return buf
}

// ptrToBytes views a mapped host-visible allocation as a byte slice of the
// requested length, for the encoding helpers in encoding.go to read/write
// through directly.
func ptrToBytes(ptr unsafe.Pointer, length int) []byte {
	return unsafe.Slice((*byte)(ptr), length)
}

// loadPipelineCacheBytes reads a previously saved pipeline cache blob from
// disk if its stored key matches the current key (an FNV-1a hash of the
// device name and workgroup geometry). A mismatched or unreadable cache
// is treated as "no cache" rather than an error: Vulkan tolerates an
// invalid initial pipeline cache blob by discarding it.
func loadPipelineCacheBytes(path string, key uint64) ([]byte, bool) {
	if path == "" {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil || len(data) < 8 {
		return nil, false
	}
	storedKey := binary.LittleEndian.Uint64(data[:8])
	if storedKey != key {
		return nil, false
	}
	return data[8:], true
}

// savePipelineCacheBytes persists the pipeline cache blob keyed by an
// FNV-1a hash of the device name and workgroup geometry, so a later run on
// the same device with identical geometry can skip driver recompilation.
// The shader code is not part of the key.
func savePipelineCacheBytes(path string, key uint64, data []byte) error {
	if path == "" {
		return nil
	}
	out := make([]byte, 8+len(data))
	binary.LittleEndian.PutUint64(out, key)
	copy(out[8:], data)
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, out, 0o644)
}

// readPipelineCacheData retrieves the current driver-side pipeline cache
// contents via vkGetPipelineCacheData, for persistence on Close.
func readPipelineCacheData(device vk.Device, cache vk.PipelineCache) ([]byte, bool) {
	if device == vk.Device(vk.NullHandle) || cache == vk.PipelineCache(vk.NullHandle) {
		return nil, false
	}
	var size uint
	if ret := vk.GetPipelineCacheData(device, cache, &size, nil); ret != vk.Success || size == 0 {
		return nil, false
	}
	data := make([]byte, size)
	if ret := vk.GetPipelineCacheData(device, cache, &size, unsafe.Pointer(&data[0])); ret != vk.Success {
		return nil, false
	}
	return data[:size], true
}

// barrierStageMask maps a BarrierSpec stage name to its Vulkan flag.
func barrierStageMask(name string) vk.PipelineStageFlags {
	switch name {
	case "TRANSFER":
		return vk.PipelineStageFlags(vk.PipelineStageTransferBit)
	case "COMPUTE_SHADER":
		return vk.PipelineStageFlags(vk.PipelineStageComputeShaderBit)
	default:
		return vk.PipelineStageFlags(vk.PipelineStageAllCommandsBit)
	}
}

// barrierAccessMask maps a BarrierSpec access name to its Vulkan flag.
func barrierAccessMask(name string) vk.AccessFlags {
	switch name {
	case "TRANSFER_WRITE":
		return vk.AccessFlags(vk.AccessTransferWriteBit)
	case "TRANSFER_READ":
		return vk.AccessFlags(vk.AccessTransferReadBit)
	case "SHADER_READ":
		return vk.AccessFlags(vk.AccessShaderReadBit)
	case "SHADER_WRITE":
		return vk.AccessFlags(vk.AccessShaderWriteBit)
	default:
		return vk.AccessFlags(vk.AccessMemoryReadBit | vk.AccessMemoryWriteBit)
	}
}

// recordBufferBarrier records the vk.BufferMemoryBarrier a BarrierSpec
// describes. When the spec does not cross queue families the family
// indices are set to ignored, which Vulkan requires for a plain barrier.
func recordBufferBarrier(cmd vk.CommandBuffer, spec BarrierSpec, buf vk.Buffer, size uint64) {
	src := spec.SrcQueueFamily
	dst := spec.DstQueueFamily
	if !spec.NeedsOwnershipTransfer() {
		src = vk.QueueFamilyIgnored
		dst = vk.QueueFamilyIgnored
	}
	barrier := vk.BufferMemoryBarrier{
		SType:               vk.StructureTypeBufferMemoryBarrier,
		SrcAccessMask:       barrierAccessMask(spec.SrcAccessMask),
		DstAccessMask:       barrierAccessMask(spec.DstAccessMask),
		SrcQueueFamilyIndex: src,
		DstQueueFamilyIndex: dst,
		Buffer:              buf,
		Size:                vk.DeviceSize(size),
	}
	vk.CmdPipelineBarrier(cmd,
		barrierStageMask(spec.SrcStageMask), barrierStageMask(spec.DstStageMask),
		0, 0, nil, 1, []vk.BufferMemoryBarrier{barrier}, 0, nil)
}
