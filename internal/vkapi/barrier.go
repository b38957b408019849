package vkapi

// BarrierSpec describes one pre-recorded buffer-memory barrier used by the
// real Vulkan backend when building a slot's command buffers. Unlike
// io_uring-style SQE-visibility fences, which need a host-side store
// fence because the kernel polls shared memory, Vulkan's pipeline barriers
// are GPU-side synchronisation primitives
// recorded into the command buffer itself; no host fence instruction is
// involved, so this is a plain descriptor rather than an asm wrapper.
type BarrierSpec struct {
	Name string

	// SrcStageMask / DstStageMask name the pipeline stages being ordered,
	// using the Vulkan stage names directly (e.g. "TRANSFER", "COMPUTE_SHADER").
	SrcStageMask string
	DstStageMask string

	SrcAccessMask string
	DstAccessMask string

	// SrcQueueFamily and DstQueueFamily are set to a real, distinct pair
	// only when an ownership transfer is required because the compute and
	// transfer queue families differ. Equal values
	// mean no transfer is needed.
	SrcQueueFamily uint32
	DstQueueFamily uint32
}

// NeedsOwnershipTransfer reports whether this barrier crosses queue
// families and therefore requires the paired release/acquire barriers
// when the compute and transfer queue families differ.
func (b BarrierSpec) NeedsOwnershipTransfer() bool {
	return b.SrcQueueFamily != b.DstQueueFamily
}

// InboundTransferBarrier makes a slot's host->device input copy visible to
// the compute stage that reads it.
func InboundTransferBarrier(transferFamily, computeFamily uint32) BarrierSpec {
	return BarrierSpec{
		Name:           "inbound-transfer-to-compute",
		SrcStageMask:   "TRANSFER",
		DstStageMask:   "COMPUTE_SHADER",
		SrcAccessMask:  "TRANSFER_WRITE",
		DstAccessMask:  "SHADER_READ",
		SrcQueueFamily: transferFamily,
		DstQueueFamily: computeFamily,
	}
}

// ComputeOutputBarrier makes a slot's compute output visible to the
// transfer stage that copies it back to the host.
func ComputeOutputBarrier(computeFamily, transferFamily uint32) BarrierSpec {
	return BarrierSpec{
		Name:           "compute-to-outbound-transfer",
		SrcStageMask:   "COMPUTE_SHADER",
		DstStageMask:   "TRANSFER",
		SrcAccessMask:  "SHADER_WRITE",
		DstAccessMask:  "TRANSFER_READ",
		SrcQueueFamily: computeFamily,
		DstQueueFamily: transferFamily,
	}
}
