// Package collatz implements the 128-bit StartValue arithmetic and the
// reference (CPU-side) Collatz step counter used to cross-check GPU results
// and to drive the software fallback compute backend.
package collatz

import (
	"fmt"
	"math/bits"
)

// U128 is an unsigned 128-bit integer represented as two 64-bit limbs.
// Go has no native 128-bit integer type, so StartValue is carried as a
// Lo/Hi pair with explicit carry propagation on every arithmetic op.
type U128 struct {
	Lo uint64
	Hi uint64
}

// One is the multiplicative identity; Zero is the additive identity.
var (
	Zero = U128{}
	One  = U128{Lo: 1}
)

// FromUint64 widens a 64-bit value into a U128.
func FromUint64(v uint64) U128 {
	return U128{Lo: v}
}

// Add returns u+v with carry from the low limb into the high limb.
func (u U128) Add(v U128) U128 {
	lo, carry := bits.Add64(u.Lo, v.Lo, 0)
	hi, _ := bits.Add64(u.Hi, v.Hi, carry)
	return U128{Lo: lo, Hi: hi}
}

// AddUint64 adds a 64-bit value, propagating carry into Hi.
func (u U128) AddUint64(v uint64) U128 {
	lo, carry := bits.Add64(u.Lo, v, 0)
	hi, _ := bits.Add64(u.Hi, 0, carry)
	return U128{Lo: lo, Hi: hi}
}

// Inc returns u+1.
func (u U128) Inc() U128 {
	return u.AddUint64(1)
}

// Sub returns u-v. Behaviour is undefined (wraps) if v > u, which never
// happens on the monotonically-increasing StartValue scan.
func (u U128) Sub(v U128) U128 {
	lo, borrow := bits.Sub64(u.Lo, v.Lo, 0)
	hi, _ := bits.Sub64(u.Hi, v.Hi, borrow)
	return U128{Lo: lo, Hi: hi}
}

// Cmp returns -1, 0, or 1 as u is less than, equal to, or greater than v.
func (u U128) Cmp(v U128) int {
	if u.Hi != v.Hi {
		if u.Hi < v.Hi {
			return -1
		}
		return 1
	}
	if u.Lo != v.Lo {
		if u.Lo < v.Lo {
			return -1
		}
		return 1
	}
	return 0
}

// IsZero reports whether u is the zero value.
func (u U128) IsZero() bool {
	return u.Lo == 0 && u.Hi == 0
}

// IsEven reports whether u is divisible by two.
func (u U128) IsEven() bool {
	return u.Lo&1 == 0
}

// Half returns u/2, shifting the high limb's low bit into the low limb.
func (u U128) Half() U128 {
	lo := (u.Lo >> 1) | (u.Hi << 63)
	hi := u.Hi >> 1
	return U128{Lo: lo, Hi: hi}
}

// Mod6 returns u mod 6 for the residue classification used by the
// val1mod6off acceleration anchors. Only the low bits participate since
// 6 does not divide evenly into 2^64, so the high limb's contribution is
// folded in via its own remainder: 2^64 mod 6 == 4.
func (u U128) Mod6() uint64 {
	const twoPow64Mod6 = 4
	return (u.Lo%6 + (u.Hi%6)*twoPow64Mod6) % 6
}

// TripleAddOne returns 3u+1. Used only on odd u by the reference stepper;
// the shader performs the equivalent widening multiply-add.
func (u U128) TripleAddOne() U128 {
	doubled := u.Add(u)
	tripled := doubled.Add(u)
	return tripled.Inc()
}

// String renders u in decimal. Used for debug.log and position.txt, never
// on a hot path.
func (u U128) String() string {
	if u.Hi == 0 {
		return fmt.Sprintf("%d", u.Lo)
	}
	// Repeated divide-by-10^19 (the largest power of ten that fits a
	// uint64 with headroom) to produce decimal digits from a 128-bit
	// value without a big.Int dependency.
	const chunk = uint64(1e19)
	var parts []uint64
	v := u
	for !v.IsZero() {
		q, r := v.divModUint64(chunk)
		parts = append(parts, r)
		v = q
	}
	if len(parts) == 0 {
		return "0"
	}
	out := fmt.Sprintf("%d", parts[len(parts)-1])
	for i := len(parts) - 2; i >= 0; i-- {
		out += fmt.Sprintf("%019d", parts[i])
	}
	return out
}

// divModUint64 divides u by a small uint64 divisor, returning quotient and
// remainder. Implements long division limb-by-limb, most-significant first.
func (u U128) divModUint64(d uint64) (q U128, r uint64) {
	hiQ, rem := bits.Div64(0, u.Hi, d)
	loQ, rem := bits.Div64(rem, u.Lo, d)
	return U128{Lo: loQ, Hi: hiQ}, rem
}
