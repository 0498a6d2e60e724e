// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package calc

import (
	"math/big"

	"lukechampine.com/uint128"
)

// SatAdd returns a + b, clamped to the maximum u128 value.
func SatAdd(a, b uint128.Uint128) uint128.Uint128 {
	sum := a.AddWrap(b)
	if sum.Cmp(a) < 0 {
		return uint128.Max
	}
	return sum
}

// SatSub returns a - b, clamped at zero.
func SatSub(a, b uint128.Uint128) uint128.Uint128 {
	if a.Cmp(b) <= 0 {
		return uint128.Zero
	}
	return a.Sub(b)
}

// SatMul returns a * b, clamped to the maximum u128 value.
func SatMul(a, b uint128.Uint128) uint128.Uint128 {
	if a.IsZero() || b.IsZero() {
		return uint128.Zero
	}
	if b.Cmp(uint128.Max.Div(a)) > 0 {
		return uint128.Max
	}
	return a.Mul(b)
}

// Div returns a / b, or zero when b is zero.
func Div(a, b uint128.Uint128) uint128.Uint128 {
	if b.IsZero() {
		return uint128.Zero
	}
	return a.Div(b)
}

// Min returns the lesser of a and b.
func Min(a, b uint128.Uint128) uint128.Uint128 {
	if a.Cmp(b) < 0 {
		return a
	}
	return b
}

// Max returns the greater of a and b.
func Max(a, b uint128.Uint128) uint128.Uint128 {
	if a.Cmp(b) > 0 {
		return a
	}
	return b
}

// Midpoint returns lo + (hi - lo) / 2 for lo <= hi, the matched rate of a
// trade. The arguments may be passed in either order.
func Midpoint(a, b uint128.Uint128) uint128.Uint128 {
	lo, hi := a, b
	if lo.Cmp(hi) > 0 {
		lo, hi = hi, lo
	}
	return lo.Add(hi.Sub(lo).Rsh(1))
}

// Float returns an approximation of the value as a float64. Used for skiplist
// scores and metrics, never for accounting.
func Float(u uint128.Uint128) float64 {
	f, _ := new(big.Float).SetInt(u.Big()).Float64()
	return f
}

// MulBp returns v * bp / 10000, applied as v / 10000 * bp, clamped.
func MulBp(v uint128.Uint128, bp uint64) uint128.Uint128 {
	return SatMul(v.Div64(10_000), uint128.From64(bp))
}
