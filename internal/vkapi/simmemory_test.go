package vkapi

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/collatz-gpu/internal/collatz"
)

func TestNewSimSlotSizing(t *testing.T) {
	geom := Geometry{ValuesPerInout: 16}
	s, err := newSimSlot(geom)
	require.NoError(t, err)
	require.Len(t, s.hostInput, 16*16)
	require.Len(t, s.hostOutput, 16*2)
	require.False(t, s.inFlight)
	require.NoError(t, s.release())
}

func TestPutAndGetU128RoundTrip(t *testing.T) {
	region := make([]byte, 16*3)
	v := collatz.U128{Lo: 0xDEADBEEFCAFEBABE, Hi: 0x0102030405060708}
	putU128(region, 1, v)

	off := 16
	got := collatz.U128{}
	for i := 0; i < 8; i++ {
		got.Lo |= uint64(region[off+i]) << (8 * i)
	}
	for i := 0; i < 8; i++ {
		got.Hi |= uint64(region[off+8+i]) << (8 * i)
	}
	require.Equal(t, v, got)
}

func TestPutAndGetStopTimeRoundTrip(t *testing.T) {
	region := make([]byte, 2*4)
	putStopTime(region, 2, 12345)
	require.Equal(t, uint16(12345), getStopTime(region, 2))
	require.Equal(t, uint16(0), getStopTime(region, 0))
}
