// Package wire implements the on-disk format the engine persists between
// runs: position.txt, carrying the human-readable resume state plus the
// record log. The format is line-based rather than fixed-offset structs,
// since there is no kernel UAPI to match byte-for-byte in this domain --
// the only reader is this program's next invocation.
package wire

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/ehrlich-b/collatz-gpu/internal/collatz"
	"github.com/ehrlich-b/collatz-gpu/internal/constants"
)

// Position is the resume state persisted to position.txt.
type Position struct {
	CurStartValue collatz.U128
	BestStopTime  uint16
	Val0Mod1Off   [3]collatz.U128
	Val1Mod6Off   [3]collatz.U128
}

// FreshPosition returns the Position a brand-new (or --restart-count) run
// begins from.
func FreshPosition() Position {
	return Position{CurStartValue: collatz.U128{Lo: constants.StartValueFloor}}
}

// WritePosition writes p as one `key=value` pair per line. U128 values
// are written as two hex limbs to stay exact and human-scannable at once.
func WritePosition(w io.Writer, p Position) error {
	lines := []string{
		fmt.Sprintf("cur_start_value=%s", formatU128(p.CurStartValue)),
		fmt.Sprintf("best_stop_time=%d", p.BestStopTime),
	}
	for i, v := range p.Val0Mod1Off {
		lines = append(lines, fmt.Sprintf("val0mod1_off%d=%s", i, formatU128(v)))
	}
	for i, v := range p.Val1Mod6Off {
		lines = append(lines, fmt.Sprintf("val1mod6_off%d=%s", i, formatU128(v)))
	}
	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return fmt.Errorf("wire: writing position line %q: %w", line, err)
		}
	}
	return nil
}

// ReadPosition parses position.txt. Unrecognised lines are skipped with a
// warning returned via the warn callback rather than failing the whole
// load; warn may be nil to discard warnings silently.
func ReadPosition(r io.Reader, warn func(string)) (Position, error) {
	if warn == nil {
		warn = func(string) {}
	}
	p := FreshPosition()
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			warn(fmt.Sprintf("wire: malformed position line %q", line))
			continue
		}
		if err := applyPositionField(&p, key, value); err != nil {
			warn(err.Error())
		}
	}
	if err := scanner.Err(); err != nil {
		return Position{}, fmt.Errorf("wire: reading position: %w", err)
	}
	return p, nil
}

func applyPositionField(p *Position, key, value string) error {
	switch {
	case key == "cur_start_value":
		v, err := parseU128(value)
		if err != nil {
			return fmt.Errorf("wire: cur_start_value: %w", err)
		}
		p.CurStartValue = v
	case key == "best_stop_time":
		n, err := strconv.ParseUint(value, 10, 16)
		if err != nil {
			return fmt.Errorf("wire: best_stop_time: %w", err)
		}
		p.BestStopTime = uint16(n)
	case strings.HasPrefix(key, "val0mod1_off"):
		return setOffsetSlot(p.Val0Mod1Off[:], key, "val0mod1_off", value)
	case strings.HasPrefix(key, "val1mod6_off"):
		return setOffsetSlot(p.Val1Mod6Off[:], key, "val1mod6_off", value)
	default:
		return fmt.Errorf("wire: unrecognised position key %q", key)
	}
	return nil
}

func setOffsetSlot(slots []collatz.U128, key, prefix, value string) error {
	idxStr := strings.TrimPrefix(key, prefix)
	idx, err := strconv.Atoi(idxStr)
	if err != nil || idx < 0 || idx >= len(slots) {
		return fmt.Errorf("wire: bad offset index in key %q", key)
	}
	v, err := parseU128(value)
	if err != nil {
		return fmt.Errorf("wire: %s: %w", key, err)
	}
	slots[idx] = v
	return nil
}

func formatU128(v collatz.U128) string {
	return fmt.Sprintf("%016x:%016x", v.Hi, v.Lo)
}

func parseU128(s string) (collatz.U128, error) {
	hiStr, loStr, ok := strings.Cut(s, ":")
	if !ok {
		return collatz.U128{}, fmt.Errorf("expected hi:lo, got %q", s)
	}
	hi, err := strconv.ParseUint(hiStr, 16, 64)
	if err != nil {
		return collatz.U128{}, err
	}
	lo, err := strconv.ParseUint(loStr, 16, 64)
	if err != nil {
		return collatz.U128{}, err
	}
	return collatz.U128{Lo: lo, Hi: hi}, nil
}
