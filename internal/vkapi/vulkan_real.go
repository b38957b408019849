//go:build vulkan

// Package vkapi's real backend, built only with -tags vulkan, drives an
// actual GPU through github.com/goki/vulkan's cgo bindings over the
// system Vulkan loader.
package vkapi

import (
	"fmt"
	"hash/fnv"
	"os"
	"time"
	"unsafe"

	vk "github.com/goki/vulkan"

	"github.com/ehrlich-b/collatz-gpu/internal/collatz"
	"github.com/ehrlich-b/collatz-gpu/internal/logging"
	"github.com/ehrlich-b/collatz-gpu/internal/resources"
)

// shaderPath is where the real backend looks for the compiled compute
// shader. It is built out-of-band (glslc collatz.comp -o shader/collatz.spv);
// this repo ships the GLSL source but not a toolchain to compile it, so
// the .spv is expected to already exist alongside the binary.
const shaderPath = "shader/collatz.spv"

// vulkanSlot is one dispatch slot's real GPU resources: the four memory
// regions, plus the descriptor set and pre-recorded
// command buffers that operate on them.
type vulkanSlot struct {
	hostInputPtr  unsafe.Pointer
	hostOutputPtr unsafe.Pointer
	anchorPtr     unsafe.Pointer

	deviceInput  vk.Buffer
	deviceOutput vk.Buffer
	hostInput    vk.Buffer
	hostOutput   vk.Buffer
	anchorBuf    vk.Buffer

	deviceInputMem  vk.DeviceMemory
	deviceOutputMem vk.DeviceMemory
	hostInputMem    vk.DeviceMemory
	hostOutputMem   vk.DeviceMemory
	anchorMem       vk.DeviceMemory

	descriptorSet vk.DescriptorSet
	computeCmd    vk.CommandBuffer
	transferCmd   vk.CommandBuffer
	semaphore     vk.Semaphore
	fence         vk.Fence
}

// anchorBlockBytes is the size of the per-slot uniform block holding the
// early-exit anchors: six U128 values plus one 16-byte-aligned slot for
// the best stopping time.
const anchorBlockBytes = 7 * 16

// VulkanBackend implements Backend against a real device selected via
// SelectDevice/NegotiateGeometry. Every GPU object it creates is paired
// with a teardown step so Close releases them in exact reverse order
// (see internal/resources.Teardown).
type VulkanBackend struct {
	instance       vk.Instance
	physicalDevice vk.PhysicalDevice
	device         vk.Device
	computeQueue   vk.Queue
	transferQueue  vk.Queue

	computeFamily  uint32
	transferFamily uint32

	pipelineCache       vk.PipelineCache
	pipelineLayout      vk.PipelineLayout
	pipeline            vk.Pipeline
	shaderModule        vk.ShaderModule
	descriptorSetLayout vk.DescriptorSetLayout
	descriptorPool      vk.DescriptorPool
	commandPool         vk.CommandPool
	queryPool           vk.QueryPool

	geom  Geometry
	slots []*vulkanSlot

	opts    InitOptions
	lastDur time.Duration

	teardown *resources.Teardown
}

// NewVulkanBackend constructs an uninitialised real backend. Init performs
// all device enumeration and resource allocation.
func NewVulkanBackend() *VulkanBackend {
	return &VulkanBackend{teardown: resources.NewTeardown()}
}

func (b *VulkanBackend) Init(opts InitOptions) (Geometry, error) {
	b.opts = opts
	log := logging.Default()

	if err := vk.Init(); err != nil {
		return Geometry{}, fmt.Errorf("vkapi: vk.Init: %w", err)
	}

	appInfo := &vk.ApplicationInfo{
		SType:            vk.StructureTypeApplicationInfo,
		PApplicationName: "collatz-gpu\x00",
		ApiVersion:       vk.Version1_2,
	}
	instInfo := vk.InstanceCreateInfo{
		SType:            vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: appInfo,
	}
	var layers []string
	if opts.ValidationLayers {
		layers = append(layers, "VK_LAYER_KHRONOS_validation\x00")
	}
	if opts.ProfileLayers {
		layers = append(layers, "VK_LAYER_KHRONOS_profiles\x00")
	}
	if opts.ExtensionLayers {
		layers = append(layers, "VK_LAYER_LUNARG_api_dump\x00")
	}
	if len(layers) > 0 {
		instInfo.PpEnabledLayerNames = layers
		instInfo.EnabledLayerCount = uint32(len(layers))
	}

	var instance vk.Instance
	if ret := vk.CreateInstance(&instInfo, nil, &instance); ret != vk.Success {
		return Geometry{}, fmt.Errorf("vkapi: vkCreateInstance failed: %d", ret)
	}
	vk.InitInstance(instance)
	b.instance = instance
	b.teardown.Push("instance", func() error { vk.DestroyInstance(b.instance, nil); return nil })

	candidates, physDevs, err := enumeratePhysicalDevices(instance)
	if err != nil {
		return Geometry{}, err
	}
	chosen, err := SelectDevice(candidates)
	if err != nil {
		return Geometry{}, err
	}
	log.Infof("selected GPU device=%s discrete=%v", chosen.Name, chosen.IsDiscrete)
	if opts.PreferInt16 || opts.PreferInt64 {
		log.Infof("shader feature preferences: int16=%v int64=%v",
			opts.PreferInt16 && chosen.Has16BitStorage,
			opts.PreferInt64 && chosen.Has64BitInts)
	}
	b.physicalDevice = physDevs[indexOfCandidate(candidates, chosen)]
	b.computeFamily = chosen.ComputeQueueFamily
	b.transferFamily = chosen.TransferQueueFamily

	geom, err := NegotiateGeometry(chosen, opts)
	if err != nil {
		return Geometry{}, err
	}
	b.geom = geom

	if err := b.createLogicalDevice(); err != nil {
		return Geometry{}, err
	}
	if err := b.createPipeline(); err != nil {
		return Geometry{}, err
	}
	if err := b.createSlots(); err != nil {
		return Geometry{}, err
	}

	return geom, nil
}

func (b *VulkanBackend) createLogicalDevice() error {
	priority := float32(1.0)
	queueInfos := []vk.DeviceQueueCreateInfo{{
		SType:            vk.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: b.computeFamily,
		QueueCount:       1,
		PQueuePriorities: []float32{priority},
	}}
	if b.transferFamily != b.computeFamily {
		queueInfos = append(queueInfos, vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: b.transferFamily,
			QueueCount:       1,
			PQueuePriorities: []float32{priority},
		})
	}

	devInfo := vk.DeviceCreateInfo{
		SType:                vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount: uint32(len(queueInfos)),
		PQueueCreateInfos:    queueInfos,
	}

	var device vk.Device
	if ret := vk.CreateDevice(b.physicalDevice, &devInfo, nil, &device); ret != vk.Success {
		return fmt.Errorf("vkapi: vkCreateDevice failed: %d", ret)
	}
	b.device = device
	b.teardown.Push("device", func() error { vk.DestroyDevice(b.device, nil); return nil })

	var computeQueue, transferQueue vk.Queue
	vk.GetDeviceQueue(device, b.computeFamily, 0, &computeQueue)
	b.computeQueue = computeQueue
	if b.transferFamily != b.computeFamily {
		vk.GetDeviceQueue(device, b.transferFamily, 0, &transferQueue)
		b.transferQueue = transferQueue
	} else {
		b.transferQueue = computeQueue
	}
	return nil
}

// createPipeline loads (or lazily warms) the pipeline cache, compiles the
// compute shader module, and builds the single compute pipeline every slot
// shares, specialised with the negotiated workgroup geometry.
func (b *VulkanBackend) createPipeline() error {
	cacheData, _ := loadPipelineCacheBytes(b.opts.PipelineCachePath, b.pipelineCacheKey())

	cacheInfo := vk.PipelineCacheCreateInfo{
		SType:           vk.StructureTypePipelineCacheCreateInfo,
		InitialDataSize: uint(len(cacheData)),
	}
	if len(cacheData) > 0 {
		cacheInfo.PInitialData = unsafe.Pointer(&cacheData[0])
	}
	var cache vk.PipelineCache
	if ret := vk.CreatePipelineCache(b.device, &cacheInfo, nil, &cache); ret != vk.Success {
		return fmt.Errorf("vkapi: vkCreatePipelineCache failed: %d", ret)
	}
	b.pipelineCache = cache
	b.teardown.Push("pipeline-cache", func() error { vk.DestroyPipelineCache(b.device, b.pipelineCache, nil); return nil })

	spirv, err := os.ReadFile(shaderPath)
	if err != nil {
		return fmt.Errorf("vkapi: reading compute shader %s: %w", shaderPath, err)
	}
	modInfo := vk.ShaderModuleCreateInfo{
		SType:    vk.StructureTypeShaderModuleCreateInfo,
		CodeSize: uint(len(spirv)),
		PCode:    sliceUint32(spirv),
	}
	var module vk.ShaderModule
	if ret := vk.CreateShaderModule(b.device, &modInfo, nil, &module); ret != vk.Success {
		return fmt.Errorf("vkapi: vkCreateShaderModule failed: %d", ret)
	}
	b.shaderModule = module
	b.teardown.Push("shader-module", func() error { vk.DestroyShaderModule(b.device, b.shaderModule, nil); return nil })

	// Binding 0: device-local input values. Binding 1: device-local
	// output stop times. Binding 2: per-slot anchor uniform block.
	bindings := []vk.DescriptorSetLayoutBinding{
		{Binding: 0, DescriptorType: vk.DescriptorTypeStorageBuffer, DescriptorCount: 1, StageFlags: vk.ShaderStageFlags(vk.ShaderStageComputeBit)},
		{Binding: 1, DescriptorType: vk.DescriptorTypeStorageBuffer, DescriptorCount: 1, StageFlags: vk.ShaderStageFlags(vk.ShaderStageComputeBit)},
		{Binding: 2, DescriptorType: vk.DescriptorTypeUniformBuffer, DescriptorCount: 1, StageFlags: vk.ShaderStageFlags(vk.ShaderStageComputeBit)},
	}
	setLayoutInfo := vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(bindings)),
		PBindings:    bindings,
	}
	var setLayout vk.DescriptorSetLayout
	if ret := vk.CreateDescriptorSetLayout(b.device, &setLayoutInfo, nil, &setLayout); ret != vk.Success {
		return fmt.Errorf("vkapi: vkCreateDescriptorSetLayout failed: %d", ret)
	}
	b.descriptorSetLayout = setLayout
	b.teardown.Push("descriptor-set-layout", func() error { vk.DestroyDescriptorSetLayout(b.device, b.descriptorSetLayout, nil); return nil })

	layoutInfo := vk.PipelineLayoutCreateInfo{
		SType:          vk.StructureTypePipelineLayoutCreateInfo,
		SetLayoutCount: 1,
		PSetLayouts:    []vk.DescriptorSetLayout{setLayout},
	}
	var layout vk.PipelineLayout
	if ret := vk.CreatePipelineLayout(b.device, &layoutInfo, nil, &layout); ret != vk.Success {
		return fmt.Errorf("vkapi: vkCreatePipelineLayout failed: %d", ret)
	}
	b.pipelineLayout = layout
	b.teardown.Push("pipeline-layout", func() error { vk.DestroyPipelineLayout(b.device, b.pipelineLayout, nil); return nil })

	specData := packSpecConstants(b.geom.WorkgroupSize)
	specEntries := []vk.SpecializationMapEntry{{ConstantID: 0, Offset: 0, Size: 4}}
	specInfo := vk.SpecializationInfo{
		MapEntryCount: uint32(len(specEntries)),
		PMapEntries:   specEntries,
		DataSize:      uint(len(specData)),
		PData:         unsafe.Pointer(&specData[0]),
	}

	stage := vk.PipelineShaderStageCreateInfo{
		SType:               vk.StructureTypePipelineShaderStageCreateInfo,
		Stage:               vk.ShaderStageComputeBit,
		Module:              module,
		PName:               "main\x00",
		PSpecializationInfo: &specInfo,
	}
	pipeInfo := vk.ComputePipelineCreateInfo{
		SType:  vk.StructureTypeComputePipelineCreateInfo,
		Stage:  stage,
		Layout: layout,
	}

	pipelines := make([]vk.Pipeline, 1)
	if ret := vk.CreateComputePipelines(b.device, b.pipelineCache, 1, []vk.ComputePipelineCreateInfo{pipeInfo}, nil, pipelines); ret != vk.Success {
		return fmt.Errorf("vkapi: vkCreateComputePipelines failed: %d", ret)
	}
	b.pipeline = pipelines[0]
	b.teardown.Push("pipeline", func() error { vk.DestroyPipeline(b.device, b.pipeline, nil); return nil })

	if b.opts.QueryBenchmarking {
		queryInfo := vk.QueryPoolCreateInfo{
			SType:      vk.StructureTypeQueryPoolCreateInfo,
			QueryType:  vk.QueryTypeTimestamp,
			QueryCount: 2 * b.geom.InoutsPerHeap,
		}
		var pool vk.QueryPool
		if ret := vk.CreateQueryPool(b.device, &queryInfo, nil, &pool); ret != vk.Success {
			return fmt.Errorf("vkapi: vkCreateQueryPool failed: %d", ret)
		}
		b.queryPool = pool
		b.teardown.Push("query-pool", func() error { vk.DestroyQueryPool(b.device, b.queryPool, nil); return nil })
	}

	return nil
}

func (b *VulkanBackend) createSlots() error {
	poolInfo := vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: b.computeFamily,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateResetCommandBufferBit),
	}
	var pool vk.CommandPool
	if ret := vk.CreateCommandPool(b.device, &poolInfo, nil, &pool); ret != vk.Success {
		return fmt.Errorf("vkapi: vkCreateCommandPool failed: %d", ret)
	}
	b.commandPool = pool
	b.teardown.Push("command-pool", func() error { vk.DestroyCommandPool(b.device, b.commandPool, nil); return nil })

	descPoolInfo := vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       b.geom.InoutsPerHeap,
		PoolSizeCount: 2,
		PPoolSizes: []vk.DescriptorPoolSize{
			{
				Type:            vk.DescriptorTypeStorageBuffer,
				DescriptorCount: 2 * b.geom.InoutsPerHeap,
			},
			{
				Type:            vk.DescriptorTypeUniformBuffer,
				DescriptorCount: b.geom.InoutsPerHeap,
			},
		},
	}
	var descPool vk.DescriptorPool
	if ret := vk.CreateDescriptorPool(b.device, &descPoolInfo, nil, &descPool); ret != vk.Success {
		return fmt.Errorf("vkapi: vkCreateDescriptorPool failed: %d", ret)
	}
	b.descriptorPool = descPool
	b.teardown.Push("descriptor-pool", func() error { vk.DestroyDescriptorPool(b.device, b.descriptorPool, nil); return nil })

	b.slots = make([]*vulkanSlot, b.geom.InoutsPerHeap)
	for i := range b.slots {
		slot, err := b.allocateSlot(i)
		if err != nil {
			return fmt.Errorf("vkapi: allocating slot %d: %w", i, err)
		}
		b.slots[i] = slot
	}
	return nil
}

// allocateSlot creates the paired host-visible/device-local buffers, maps
// the host-visible ones for the process lifetime, and pre-records the
// slot's compute and transfer command buffers
func (b *VulkanBackend) allocateSlot(index int) (*vulkanSlot, error) {
	slot := &vulkanSlot{}
	inputBytes := uint64(b.geom.ValuesPerInout) * 16
	outputBytes := uint64(b.geom.ValuesPerInout) * 2

	var err error
	slot.hostInput, slot.hostInputMem, slot.hostInputPtr, err = b.createMappedBuffer(index, "host-input", inputBytes, vk.BufferUsageTransferSrcBit)
	if err != nil {
		return nil, err
	}
	slot.hostOutput, slot.hostOutputMem, slot.hostOutputPtr, err = b.createMappedBuffer(index, "host-output", outputBytes, vk.BufferUsageTransferDstBit)
	if err != nil {
		return nil, err
	}
	slot.deviceInput, slot.deviceInputMem, err = b.createDeviceBuffer(index, "device-input", inputBytes, vk.BufferUsageTransferDstBit|vk.BufferUsageStorageBufferBit)
	if err != nil {
		return nil, err
	}
	slot.deviceOutput, slot.deviceOutputMem, err = b.createDeviceBuffer(index, "device-output", outputBytes, vk.BufferUsageTransferSrcBit|vk.BufferUsageStorageBufferBit)
	if err != nil {
		return nil, err
	}
	slot.anchorBuf, slot.anchorMem, slot.anchorPtr, err = b.createMappedBuffer(index, "anchor", anchorBlockBytes, vk.BufferUsageUniformBufferBit)
	if err != nil {
		return nil, err
	}

	allocInfo := vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     b.descriptorPool,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{b.descriptorSetLayout},
	}
	sets := make([]vk.DescriptorSet, 1)
	if ret := vk.AllocateDescriptorSets(b.device, &allocInfo, &sets[0]); ret != vk.Success {
		return nil, fmt.Errorf("vkAllocateDescriptorSets failed: %d", ret)
	}
	slot.descriptorSet = sets[0]

	writes := []vk.WriteDescriptorSet{
		{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          slot.descriptorSet,
			DstBinding:      0,
			DescriptorCount: 1,
			DescriptorType:  vk.DescriptorTypeStorageBuffer,
			PBufferInfo:     []vk.DescriptorBufferInfo{{Buffer: slot.deviceInput, Range: vk.DeviceSize(inputBytes)}},
		},
		{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          slot.descriptorSet,
			DstBinding:      1,
			DescriptorCount: 1,
			DescriptorType:  vk.DescriptorTypeStorageBuffer,
			PBufferInfo:     []vk.DescriptorBufferInfo{{Buffer: slot.deviceOutput, Range: vk.DeviceSize(outputBytes)}},
		},
		{
			SType:           vk.StructureTypeWriteDescriptorSet,
			DstSet:          slot.descriptorSet,
			DstBinding:      2,
			DescriptorCount: 1,
			DescriptorType:  vk.DescriptorTypeUniformBuffer,
			PBufferInfo:     []vk.DescriptorBufferInfo{{Buffer: slot.anchorBuf, Range: vk.DeviceSize(anchorBlockBytes)}},
		},
	}
	vk.UpdateDescriptorSets(b.device, uint32(len(writes)), writes, 0, nil)

	semInfo := vk.SemaphoreCreateInfo{SType: vk.StructureTypeSemaphoreCreateInfo}
	var sem vk.Semaphore
	if ret := vk.CreateSemaphore(b.device, &semInfo, nil, &sem); ret != vk.Success {
		return nil, fmt.Errorf("vkCreateSemaphore failed: %d", ret)
	}
	slot.semaphore = sem
	b.teardown.Push(fmt.Sprintf("slot-%d-semaphore", index), func() error { vk.DestroySemaphore(b.device, sem, nil); return nil })

	fenceInfo := vk.FenceCreateInfo{SType: vk.StructureTypeFenceCreateInfo}
	var fence vk.Fence
	if ret := vk.CreateFence(b.device, &fenceInfo, nil, &fence); ret != vk.Success {
		return nil, fmt.Errorf("vkCreateFence failed: %d", ret)
	}
	slot.fence = fence
	b.teardown.Push(fmt.Sprintf("slot-%d-fence", index), func() error { vk.DestroyFence(b.device, fence, nil); return nil })

	cmdAllocInfo := vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        b.commandPool,
		Level:              vk.CommandBufferLevelPrimary,
		CommandBufferCount: 2,
	}
	cmdBufs := make([]vk.CommandBuffer, 2)
	if ret := vk.AllocateCommandBuffers(b.device, &cmdAllocInfo, cmdBufs); ret != vk.Success {
		return nil, fmt.Errorf("vkAllocateCommandBuffers failed: %d", ret)
	}
	slot.computeCmd, slot.transferCmd = cmdBufs[0], cmdBufs[1]

	b.recordComputeCommandBuffer(slot, index)
	b.recordTransferCommandBuffer(slot)

	return slot, nil
}

// recordComputeCommandBuffer pre-records the slot's full inbound chain:
// copy host input to the device mirror, barrier the copy into visibility
// for the compute stage, optional timestamp bracketing, dispatch, then a
// barrier (with a queue-family release when the transfer family differs)
// making the output available to the outbound transfer.
func (b *VulkanBackend) recordComputeCommandBuffer(slot *vulkanSlot, index int) {
	inputBytes := uint64(b.geom.ValuesPerInout) * 16
	outputBytes := uint64(b.geom.ValuesPerInout) * 2

	beginInfo := vk.CommandBufferBeginInfo{SType: vk.StructureTypeCommandBufferBeginInfo}
	vk.BeginCommandBuffer(slot.computeCmd, &beginInfo)

	inRegion := vk.BufferCopy{Size: vk.DeviceSize(inputBytes)}
	vk.CmdCopyBuffer(slot.computeCmd, slot.hostInput, slot.deviceInput, 1, []vk.BufferCopy{inRegion})

	inBarrier := InboundTransferBarrier(b.computeFamily, b.computeFamily)
	recordBufferBarrier(slot.computeCmd, inBarrier, slot.deviceInput, inputBytes)

	if b.opts.QueryBenchmarking {
		vk.CmdResetQueryPool(slot.computeCmd, b.queryPool, uint32(2*index), 2)
		vk.CmdWriteTimestamp(slot.computeCmd, vk.PipelineStageTopOfPipeBit, b.queryPool, uint32(2*index))
	}

	vk.CmdBindPipeline(slot.computeCmd, vk.PipelineBindPointCompute, b.pipeline)
	vk.CmdBindDescriptorSets(slot.computeCmd, vk.PipelineBindPointCompute, b.pipelineLayout, 0, 1, []vk.DescriptorSet{slot.descriptorSet}, 0, nil)
	vk.CmdDispatch(slot.computeCmd, b.geom.WorkgroupCount, 1, 1)

	if b.opts.QueryBenchmarking {
		vk.CmdWriteTimestamp(slot.computeCmd, vk.PipelineStageBottomOfPipeBit, b.queryPool, uint32(2*index+1))
	}

	outBarrier := ComputeOutputBarrier(b.computeFamily, b.transferFamily)
	recordBufferBarrier(slot.computeCmd, outBarrier, slot.deviceOutput, outputBytes)

	vk.EndCommandBuffer(slot.computeCmd)
}

// recordTransferCommandBuffer pre-records the outbound copy. When the
// transfer queue family differs from the compute family, the matching
// acquire half of the ownership transfer precedes the copy.
func (b *VulkanBackend) recordTransferCommandBuffer(slot *vulkanSlot) {
	outputBytes := uint64(b.geom.ValuesPerInout) * 2

	beginInfo := vk.CommandBufferBeginInfo{SType: vk.StructureTypeCommandBufferBeginInfo}
	vk.BeginCommandBuffer(slot.transferCmd, &beginInfo)

	acquire := ComputeOutputBarrier(b.computeFamily, b.transferFamily)
	if acquire.NeedsOwnershipTransfer() {
		recordBufferBarrier(slot.transferCmd, acquire, slot.deviceOutput, outputBytes)
	}

	region := vk.BufferCopy{Size: vk.DeviceSize(outputBytes)}
	vk.CmdCopyBuffer(slot.transferCmd, slot.deviceOutput, slot.hostOutput, 1, []vk.BufferCopy{region})
	vk.EndCommandBuffer(slot.transferCmd)
}

func (b *VulkanBackend) FillSlot(slot int, values []collatz.U128, sentinel []bool) error {
	s := b.slots[slot]
	region := ptrToBytes(s.hostInputPtr, int(b.geom.ValuesPerInout)*16)
	for i, v := range values {
		if sentinel[i] {
			putU128(region, i, collatz.Zero)
		} else {
			putU128(region, i, v)
		}
	}
	if !b.geom.HostMemoryCoherent {
		return b.flushRange(s.hostInputMem, uint64(len(region)))
	}
	return nil
}

// Dispatch refreshes the slot's anchor uniform and submits its
// pre-recorded compute command buffer, signalling the slot semaphore so
// the outbound transfer can chain behind it even on a different queue.
func (b *VulkanBackend) Dispatch(slot int, anchors collatz.Anchors) error {
	s := b.slots[slot]

	anchorRegion := ptrToBytes(s.anchorPtr, anchorBlockBytes)
	for i, v := range anchors.Val0Mod1Off {
		putU128(anchorRegion, i, v)
	}
	for i, v := range anchors.Val1Mod6Off {
		putU128(anchorRegion, 3+i, v)
	}
	putU128(anchorRegion, 6, collatz.U128{Lo: uint64(anchors.BestStopTime)})
	if !b.geom.HostMemoryCoherent {
		if err := b.flushRange(s.anchorMem, anchorBlockBytes); err != nil {
			return err
		}
	}

	submitInfo := vk.SubmitInfo{
		SType:                vk.StructureTypeSubmitInfo,
		CommandBufferCount:   1,
		PCommandBuffers:      []vk.CommandBuffer{s.computeCmd},
		SignalSemaphoreCount: 1,
		PSignalSemaphores:    []vk.Semaphore{s.semaphore},
	}
	if ret := vk.QueueSubmit(b.computeQueue, 1, []vk.SubmitInfo{submitInfo}, vk.Fence(vk.NullHandle)); ret != vk.Success {
		return fmt.Errorf("vkapi: vkQueueSubmit (compute) failed: %d", ret)
	}
	return nil
}

// Drain submits the slot's outbound transfer chained behind the compute
// submission via the slot semaphore, then blocks on the slot fence. A
// zero timeout waits indefinitely; the shutdown path passes a bounded
// timeout and maps expiry to ErrSlotTimeout.
func (b *VulkanBackend) Drain(slot int, timeout time.Duration) (*SlotResult, error) {
	s := b.slots[slot]

	waitStage := vk.PipelineStageFlags(vk.PipelineStageTransferBit)
	submitInfo := vk.SubmitInfo{
		SType:              vk.StructureTypeSubmitInfo,
		WaitSemaphoreCount: 1,
		PWaitSemaphores:    []vk.Semaphore{s.semaphore},
		PWaitDstStageMask:  []vk.PipelineStageFlags{waitStage},
		CommandBufferCount: 1,
		PCommandBuffers:    []vk.CommandBuffer{s.transferCmd},
	}
	if ret := vk.ResetFences(b.device, 1, []vk.Fence{s.fence}); ret != vk.Success {
		return nil, fmt.Errorf("vkapi: vkResetFences failed: %d", ret)
	}
	if ret := vk.QueueSubmit(b.transferQueue, 1, []vk.SubmitInfo{submitInfo}, s.fence); ret != vk.Success {
		return nil, fmt.Errorf("vkapi: vkQueueSubmit (transfer) failed: %d", ret)
	}

	waitNs := uint64(^uint64(0))
	if timeout > 0 {
		waitNs = uint64(timeout.Nanoseconds())
	}
	switch ret := vk.WaitForFences(b.device, 1, []vk.Fence{s.fence}, vk.True, waitNs); ret {
	case vk.Success:
	case vk.Timeout:
		return nil, ErrSlotTimeout
	default:
		return nil, fmt.Errorf("vkapi: vkWaitForFences failed: %d", ret)
	}

	outputBytes := uint64(b.geom.ValuesPerInout) * 2
	if !b.geom.HostMemoryCoherent {
		if err := b.invalidateRange(s.hostOutputMem, outputBytes); err != nil {
			return nil, err
		}
	}

	region := ptrToBytes(s.hostOutputPtr, int(outputBytes))
	out := make([]uint16, b.geom.ValuesPerInout)
	for i := range out {
		out[i] = getStopTime(region, i)
	}

	if b.opts.QueryBenchmarking {
		b.lastDur = b.readTimestampDuration(slot)
	}

	return &SlotResult{StopTimes: out}, nil
}

func (b *VulkanBackend) flushRange(mem vk.DeviceMemory, size uint64) error {
	r := vk.MappedMemoryRange{SType: vk.StructureTypeMappedMemoryRange, Memory: mem, Size: vk.DeviceSize(size)}
	if ret := vk.FlushMappedMemoryRanges(b.device, 1, []vk.MappedMemoryRange{r}); ret != vk.Success {
		return fmt.Errorf("vkapi: vkFlushMappedMemoryRanges failed: %d", ret)
	}
	return nil
}

func (b *VulkanBackend) invalidateRange(mem vk.DeviceMemory, size uint64) error {
	r := vk.MappedMemoryRange{SType: vk.StructureTypeMappedMemoryRange, Memory: mem, Size: vk.DeviceSize(size)}
	if ret := vk.InvalidateMappedMemoryRanges(b.device, 1, []vk.MappedMemoryRange{r}); ret != vk.Success {
		return fmt.Errorf("vkapi: vkInvalidateMappedMemoryRanges failed: %d", ret)
	}
	return nil
}

func (b *VulkanBackend) LastComputeDuration() time.Duration {
	return b.lastDur
}

func (b *VulkanBackend) Close() error {
	if b.device != vk.Device(vk.NullHandle) {
		vk.DeviceWaitIdle(b.device)
	}
	if data, ok := readPipelineCacheData(b.device, b.pipelineCache); ok {
		_ = savePipelineCacheBytes(b.opts.PipelineCachePath, b.pipelineCacheKey(), data)
		if b.opts.CapturePipelines {
			_ = os.WriteFile("pipeline_capture.bin", data, 0o644)
		}
	}
	errs := b.teardown.Unwind()
	if len(errs) > 0 {
		return fmt.Errorf("vkapi: %d error(s) during teardown: %v", len(errs), errs[0])
	}
	return nil
}

func (b *VulkanBackend) pipelineCacheKey() uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%d|%d", b.geom.DeviceName, b.geom.WorkgroupSize, b.geom.WorkgroupCount)
	return h.Sum64()
}

func (b *VulkanBackend) readTimestampDuration(slot int) time.Duration {
	results := make([]uint64, 2)
	if ret := vk.GetQueryPoolResults(b.device, b.queryPool, uint32(2*slot), 2, 16, unsafe.Pointer(&results[0]), 8, vk.QueryResultFlags(vk.QueryResult64Bit|vk.QueryResultWaitBit)); ret != vk.Success {
		return 0
	}
	var props vk.PhysicalDeviceProperties
	vk.GetPhysicalDeviceProperties(b.physicalDevice, &props)
	period := float64(props.Limits.TimestampPeriod)
	return time.Duration(float64(results[1]-results[0]) * period)
}

var _ Backend = (*VulkanBackend)(nil)
