package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/collatz-gpu/internal/collatz"
)

func TestWriteRecordLogFormatsOneLinePerRecord(t *testing.T) {
	records := []Record{
		{StartValue: collatz.U128{Lo: 1}, StopTime: 0},
		{StartValue: collatz.U128{Lo: 27}, StopTime: 111},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteRecordLog(&buf, records))

	lines := bytes.Split(bytes.TrimRight(buf.Bytes(), "\n"), []byte("\n"))
	require.Len(t, lines, 2)
	require.Contains(t, string(lines[1]), "111")
}

func TestWriteRecordLogEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRecordLog(&buf, nil))
	require.Empty(t, buf.Bytes())
}

func TestMarshalProgressRoundTripsPositionPastRecordLines(t *testing.T) {
	p := Position{
		CurStartValue: collatz.U128{Lo: 4097},
		BestStopTime:  111,
		Val0Mod1Off:   [3]collatz.U128{{Lo: 27}, {Lo: 25}, {Lo: 18}},
	}
	records := []Record{
		{StartValue: collatz.U128{Lo: 25}, StopTime: 23},
		{StartValue: collatz.U128{Lo: 27}, StopTime: 111},
	}

	data, err := MarshalProgress(p, records)
	require.NoError(t, err)

	got, err := ReadPosition(bytes.NewReader(data), func(w string) {
		t.Fatalf("record comment lines must not warn: %s", w)
	})
	require.NoError(t, err)
	require.Equal(t, p, got)
}
