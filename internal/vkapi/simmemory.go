package vkapi

import "github.com/ehrlich-b/collatz-gpu/internal/platform"

// simSlot is the software backend's stand-in for a dispatch slot's four
// memory regions. There is no host/device split in the
// software backend -- it is one process -- but keeping the same field
// shape as the real backend keeps SoftwareBackend an honest model of the
// state machine rather than a shortcut around it.
type simSlot struct {
	hostInput  []byte // ValuesPerInout * 16 bytes, persistently "mapped"
	hostOutput []byte // ValuesPerInout * 2 bytes

	inFlight bool
}

// newSimSlot maps the slot's two staging regions page-aligned, the same
// granularity a real device's host-visible allocations have. release
// must be called exactly once, from Close or from Init's failure path.
func newSimSlot(geom Geometry) (*simSlot, error) {
	in, err := platform.AllocPages(int(uint64(geom.ValuesPerInout) * 16))
	if err != nil {
		return nil, err
	}
	out, err := platform.AllocPages(int(uint64(geom.ValuesPerInout) * 2))
	if err != nil {
		platform.FreePages(in)
		return nil, err
	}
	return &simSlot{hostInput: in, hostOutput: out}, nil
}

func (s *simSlot) release() error {
	inErr := platform.FreePages(s.hostInput)
	outErr := platform.FreePages(s.hostOutput)
	s.hostInput, s.hostOutput = nil, nil
	if inErr != nil {
		return inErr
	}
	return outErr
}
