package vkapi

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/collatz-gpu/internal/collatz"
)

func newTestSoftwareBackend(t *testing.T) *SoftwareBackend {
	t.Helper()
	geom, err := NegotiateGeometry(DefaultSoftwareCandidate(), InitOptions{MaxMemoryFraction: 0.5})
	require.NoError(t, err)
	b := NewSoftwareBackend(geom)
	_, err = b.Init(InitOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, b.Close()) })
	return b
}

func TestSoftwareBackendSatisfiesBackend(t *testing.T) {
	var _ Backend = (*SoftwareBackend)(nil)
}

func TestSoftwareBackendFillDispatchDrainRoundTrip(t *testing.T) {
	b := newTestSoftwareBackend(t)
	n := int(b.geom.ValuesPerInout)

	values := make([]collatz.U128, n)
	sentinel := make([]bool, n)
	for i := range values {
		values[i] = collatz.U128{Lo: uint64(2*i + 3)}
	}

	require.NoError(t, b.FillSlot(0, values, sentinel))
	require.NoError(t, b.Dispatch(0, collatz.Anchors{}))

	result, err := b.Drain(0, 0)
	require.NoError(t, err)
	require.Len(t, result.StopTimes, n)

	for i, v := range values {
		require.Equal(t, collatz.StepTime(v), result.StopTimes[i])
	}
}

func TestSoftwareBackendHonoursSentinelFlag(t *testing.T) {
	b := newTestSoftwareBackend(t)
	n := int(b.geom.ValuesPerInout)

	values := make([]collatz.U128, n)
	sentinel := make([]bool, n)
	values[0] = collatz.U128{Lo: 4}
	sentinel[0] = true

	require.NoError(t, b.FillSlot(0, values, sentinel))
	require.NoError(t, b.Dispatch(0, collatz.Anchors{}))

	result, err := b.Drain(0, 0)
	require.NoError(t, err)
	require.Equal(t, uint16(0), result.StopTimes[0])
}

func TestSoftwareBackendSlotsAreIndependent(t *testing.T) {
	b := newTestSoftwareBackend(t)
	require.GreaterOrEqual(t, len(b.slots), 2)
	n := int(b.geom.ValuesPerInout)

	a := make([]collatz.U128, n)
	z := make([]collatz.U128, n)
	sentinel := make([]bool, n)
	for i := range a {
		a[i] = collatz.U128{Lo: uint64(i + 1)}
		z[i] = collatz.U128{Lo: uint64(i + 1000)}
	}

	require.NoError(t, b.FillSlot(0, a, sentinel))
	require.NoError(t, b.FillSlot(1, z, sentinel))
	require.NoError(t, b.Dispatch(0, collatz.Anchors{}))
	require.NoError(t, b.Dispatch(1, collatz.Anchors{}))

	r0, err := b.Drain(0, 0)
	require.NoError(t, err)
	r1, err := b.Drain(1, 0)
	require.NoError(t, err)

	require.Equal(t, collatz.StepTime(a[0]), r0.StopTimes[0])
	require.Equal(t, collatz.StepTime(z[0]), r1.StopTimes[0])
}
