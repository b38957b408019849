package platform

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// AllocPages maps n bytes of anonymous, page-aligned memory. The software
// compute backend stages its slot regions in page-backed mappings the same
// way a real device's host-visible allocations are page-granular, which
// keeps the two backends' alignment behaviour identical.
func AllocPages(n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("platform: AllocPages: non-positive size %d", n)
	}
	b, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("platform: mmap of %d bytes: %w", n, err)
	}
	return b, nil
}

// FreePages unmaps a region returned by AllocPages. The slice must not be
// used afterwards.
func FreePages(b []byte) error {
	if b == nil {
		return nil
	}
	if err := unix.Munmap(b); err != nil {
		return fmt.Errorf("platform: munmap: %w", err)
	}
	return nil
}
