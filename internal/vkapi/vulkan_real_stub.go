//go:build !vulkan

package vkapi

import (
	"time"

	"github.com/ehrlich-b/collatz-gpu/internal/collatz"
)

// NewVulkanBackend is unavailable in this build; the binary was compiled
// without -tags vulkan. Callers fall back to the software backend after
// Init reports ErrVulkanUnavailable.
func NewVulkanBackend() Backend {
	return &stubVulkanBackend{}
}

// stubVulkanBackend satisfies Backend so callers can attempt the real
// backend unconditionally; every method reports ErrVulkanUnavailable.
type stubVulkanBackend struct{}

func (s *stubVulkanBackend) Init(opts InitOptions) (Geometry, error) {
	return Geometry{}, ErrVulkanUnavailable
}

func (s *stubVulkanBackend) FillSlot(int, []collatz.U128, []bool) error {
	return ErrVulkanUnavailable
}

func (s *stubVulkanBackend) Dispatch(int, collatz.Anchors) error {
	return ErrVulkanUnavailable
}

func (s *stubVulkanBackend) Drain(int, time.Duration) (*SlotResult, error) {
	return nil, ErrVulkanUnavailable
}

func (s *stubVulkanBackend) LastComputeDuration() time.Duration {
	return 0
}

func (s *stubVulkanBackend) Close() error {
	return nil
}

var _ Backend = (*stubVulkanBackend)(nil)
