package vkapi

import (
	"encoding/binary"

	"github.com/ehrlich-b/collatz-gpu/internal/collatz"
)

// putU128 writes v into the slot's input region at the given value index,
// little-endian Lo then Hi, matching the --iter-size=128 wire layout the
// 128-bit shader variant reads.
func putU128(region []byte, index int, v collatz.U128) {
	off := index * 16
	binary.LittleEndian.PutUint64(region[off:], v.Lo)
	binary.LittleEndian.PutUint64(region[off+8:], v.Hi)
}

// getStopTime reads the StopTime the shader (or its software stand-in)
// wrote for the given value index.
func getStopTime(region []byte, index int) uint16 {
	off := index * 2
	return binary.LittleEndian.Uint16(region[off:])
}

// putStopTime writes a StopTime into the output region at the given value
// index. Used by the software backend in place of an actual shader.
func putStopTime(region []byte, index int, st uint16) {
	off := index * 2
	binary.LittleEndian.PutUint16(region[off:], st)
}
