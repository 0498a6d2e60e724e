// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package calc

import (
	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex"
)

// FeeTier is one step of the trade fee schedule. A tier applies to the slice
// of a position's cumulative matched volume at or below UpTo and above the
// previous tier's UpTo. The last tier must have UpTo set to uint128.Max.
type FeeTier struct {
	UpTo uint128.Uint128
	Bp   uint64
}

func tcycles(n uint64) uint128.Uint128 {
	return uint128.From64(n).Mul64(dex.TCycles)
}

// DefaultFeeTiers is the trade fee schedule, tiered on cumulative matched
// volume in trillion-cycle units.
var DefaultFeeTiers = []FeeTier{
	{UpTo: tcycles(1_000), Bp: 50},
	{UpTo: tcycles(5_000), Bp: 30},
	{UpTo: tcycles(50_000), Bp: 10},
	{UpTo: tcycles(100_000), Bp: 5},
	{UpTo: uint128.Max, Bp: 1},
}

// TradeFeeCycles computes the fee for a match adding matchCycles of volume to
// a position that has already matched priorVolume cycles. Each tier slice is
// charged slice / 10_000 * bp.
func TradeFeeCycles(tiers []FeeTier, priorVolume, matchCycles uint128.Uint128) uint128.Uint128 {
	fee := uint128.Zero
	lo := priorVolume
	hi := SatAdd(priorVolume, matchCycles)
	var tierStart uint128.Uint128
	for _, tier := range tiers {
		if lo.Cmp(hi) >= 0 {
			break
		}
		if lo.Cmp(tier.UpTo) < 0 {
			end := Min(hi, tier.UpTo)
			start := Max(lo, tierStart)
			if end.Cmp(start) > 0 {
				fee = SatAdd(fee, MulBp(end.Sub(start), tier.Bp))
				lo = end
			}
		}
		tierStart = tier.UpTo
	}
	return fee
}

// TokensFee converts a cycles fee to tokens at the match rate.
func TokensFee(feeCycles, rate uint128.Uint128) uint128.Uint128 {
	return Div(feeCycles, rate)
}

// CyclesToTokens returns the whole tokens purchasable with cycles at rate.
func CyclesToTokens(cycles, rate uint128.Uint128) uint128.Uint128 {
	return Div(cycles, rate)
}

// TokensToCycles returns the cycles value of tokens at rate.
func TokensToCycles(tokens, rate uint128.Uint128) uint128.Uint128 {
	return SatMul(tokens, rate)
}
