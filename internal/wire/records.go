package wire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ehrlich-b/collatz-gpu/internal/collatz"
)

// Record is a single new-record event: a StartValue and the StopTime it
// achieved.
type Record struct {
	StartValue collatz.U128
	StopTime   uint16
}

// WriteRecordLog dumps records in discovery order, one comment line per
// record. The lines ride in position.txt alongside the resume state;
// ReadPosition skips them because of the leading '#'.
func WriteRecordLog(w io.Writer, records []Record) error {
	for _, rec := range records {
		if _, err := fmt.Fprintf(w, "# record %s %d\n", rec.StartValue.String(), rec.StopTime); err != nil {
			return fmt.Errorf("wire: writing record %v: %w", rec, err)
		}
	}
	return nil
}

// MarshalProgress renders the complete progress file: the resume position
// followed by the record log.
func MarshalProgress(p Position, records []Record) ([]byte, error) {
	var buf bytes.Buffer
	if err := WritePosition(&buf, p); err != nil {
		return nil, err
	}
	if err := WriteRecordLog(&buf, records); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
