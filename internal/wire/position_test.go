package wire

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/collatz-gpu/internal/collatz"
)

func TestFreshPositionStartsAtOne(t *testing.T) {
	p := FreshPosition()
	require.Equal(t, collatz.U128{Lo: 1}, p.CurStartValue)
	require.Equal(t, uint16(0), p.BestStopTime)
}

func TestPositionRoundTrip(t *testing.T) {
	p := Position{
		CurStartValue: collatz.U128{Lo: 123456789, Hi: 7},
		BestStopTime:  524,
		Val0Mod1Off:   [3]collatz.U128{{Lo: 27}, {Lo: 837799}, {Lo: 9}},
		Val1Mod6Off:   [3]collatz.U128{{Lo: 7}, {Lo: 25}, {Lo: 6171}},
	}

	var buf bytes.Buffer
	require.NoError(t, WritePosition(&buf, p))

	got, err := ReadPosition(&buf, nil)
	require.NoError(t, err)
	require.Equal(t, p, got)
}

func TestReadPositionWarnsOnUnknownLines(t *testing.T) {
	input := strings.NewReader("cur_start_value=0000000000000000:0000000000000001\nnonsense line here\nbest_stop_time=3\n")
	var warnings []string
	p, err := ReadPosition(input, func(w string) { warnings = append(warnings, w) })
	require.NoError(t, err)
	require.Equal(t, uint16(3), p.BestStopTime)
	require.Len(t, warnings, 1)
}

func TestReadPositionMissingFileLikeEmptyIsFreshStart(t *testing.T) {
	p, err := ReadPosition(strings.NewReader(""), nil)
	require.NoError(t, err)
	require.Equal(t, FreshPosition(), p)
}
