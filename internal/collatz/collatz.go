package collatz

// StopTime is the total stopping time: the count of 3n+1 / n/2 steps to
// reach 1. Zero means "not yet computed" when used as a sentinel result.
type StopTime = uint16

// MaxStopTime bounds StopTime without overflow; no StartValue below 2^128
// has been observed to exceed this in practice, and the shader clamps to
// it defensively.
const MaxStopTime = ^StopTime(0)

// Anchors carries the three most-recent record-holding StartValues, split
// by residue class, that the shader consults as early-exit
// prefixes. Offset 0 is the most recent (largest) record,
// offset 2 the oldest of the three retained.
type Anchors struct {
	Val0Mod1Off [3]U128
	Val1Mod6Off [3]U128

	// BestStopTime is the stopping time of the offset-0 anchor; the
	// anchor at offset i stopped in BestStopTime - i steps, which is how
	// the shader recovers a matched prefix's known count.
	BestStopTime StopTime
}

// Shift inserts a new record value at offset 0, pushing the existing
// entries down and dropping the oldest. It is the same shift the dispatch
// engine applies to its Position's offset arrays on every new record.
func (a *Anchors) Shift(v U128) {
	a.Val0Mod1Off[2] = a.Val0Mod1Off[1]
	a.Val0Mod1Off[1] = a.Val0Mod1Off[0]
	a.Val0Mod1Off[0] = v
	if v.Mod6() == 1 {
		a.Val1Mod6Off[2] = a.Val1Mod6Off[1]
		a.Val1Mod6Off[1] = a.Val1Mod6Off[0]
		a.Val1Mod6Off[0] = v
	}
}

// StepTime computes the reference (CPU) total stopping time for v by
// direct iteration. This is the host-side oracle: the software compute
// backend and the test MockBackend use it verbatim, and the dispatch
// engine uses it for sentinel values. It deliberately ignores the anchor
// early-exit optimisation the shader performs; the anchors are a
// performance shortcut, not a semantic difference, and a correct
// implementation must produce the same StopTime with or without them.
func StepTime(v U128) StopTime {
	if v.IsZero() {
		// Undefined domain; callers never pass zero. Defensive value.
		return 0
	}
	steps := StopTime(0)
	n := v
	for n.Cmp(One) != 0 {
		if n.IsEven() {
			n = n.Half()
		} else {
			n = n.TripleAddOne()
		}
		steps++
		if steps == MaxStopTime {
			break
		}
	}
	return steps
}

// IsSentinel reports whether v should be written as a "skip, report 0"
// sentinel rather than dispatched to the shader. Every even StartValue
// is a sentinel: one
// Collatz step (n/2) always reduces it to a smaller value, so its
// stopping time is cheap for the host to derive directly rather than
// worth a shader invocation. Odd values, including 1, are always
// dispatched.
func IsSentinel(v U128) bool {
	return v.IsEven()
}

// SentinelStopTime computes the stopping time of a sentinel value on the
// host, bypassing the shader entirely. Callers must only call this when
// IsSentinel(v) is true.
func SentinelStopTime(v U128) StopTime {
	return StepTime(v)
}
