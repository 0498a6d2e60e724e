// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package order defines the resting positions, voided positions and trade
// logs of the cycles market, along with the fixed-size records they archive
// to.
package order

import (
	"fmt"

	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/calc"
	"decred.org/cyclesmarket/dex/icrc"
)

// PositionKind distinguishes bids (cycles offered for tokens) from asks
// (tokens offered for cycles).
type PositionKind uint8

const (
	// CyclesPosition offers cycles at a rate.
	CyclesPosition PositionKind = 0
	// TokenPosition offers tokens at a rate.
	TokenPosition PositionKind = 1
)

// String implements Stringer.
func (k PositionKind) String() string {
	switch k {
	case CyclesPosition:
		return "cycles"
	case TokenPosition:
		return "token"
	}
	return fmt.Sprintf("PositionKind(%d)", uint8(k))
}

// Side is the ledger side of the asset the position offers.
func (k PositionKind) Side() dex.Side {
	if k == CyclesPosition {
		return dex.CyclesSide
	}
	return dex.TokenSide
}

// Opposite returns the other kind.
func (k PositionKind) Opposite() PositionKind {
	if k == CyclesPosition {
		return TokenPosition
	}
	return CyclesPosition
}

// Position is a resting limit order. Quantities are in the base asset of the
// kind: cycles for a CyclesPosition, tokens for a TokenPosition.
type Position struct {
	ID      uint64
	Positor icrc.Principal
	Kind    PositionKind
	// Quest is the original quantity offered.
	Quest     uint128.Uint128
	Rate      dex.CyclesPerToken
	Remaining uint128.Uint128
	// Filled is the cumulative quantity received on the opposite asset.
	Filled uint128.Uint128
	// RateTimesCycles accumulates rate * cycles over every match.
	RateTimesCycles uint128.Uint128
	// FeesSum accumulates trade fees, denominated in the payout asset.
	FeesSum uint128.Uint128
	// MatchedCycles is the cycles volume matched so far, the basis of the
	// tiered fee schedule.
	MatchedCycles uint128.Uint128
	Timestamp     uint64
	ReturnTo      *icrc.Subaccount
	PayoutTo      *icrc.Subaccount
}

func (p *Position) String() string {
	return fmt.Sprintf("%s position %d (remaining %s @ %s)", p.Kind, p.ID, p.Remaining, p.Rate)
}

// AverageRate is the volume-weighted rate across all matches, or zero.
func (p *Position) AverageRate() dex.CyclesPerToken {
	return calc.Div(p.RateTimesCycles, p.MatchedCycles)
}

// RemainingValue is the remaining quantity valued in the opposite asset at the
// position's own rate.
func (p *Position) RemainingValue() uint128.Uint128 {
	if p.Kind == CyclesPosition {
		return calc.CyclesToTokens(p.Remaining, p.Rate)
	}
	return calc.TokensToCycles(p.Remaining, p.Rate)
}

// Minimums are the smallest tradeable quantities of each asset.
type Minimums struct {
	Cycles dex.Cycles
	Tokens dex.Tokens
}

// Tradeable reports whether a quantity of the given kind at rate meets both
// asset minimums. Positions below them cannot rest in the book.
func (m Minimums) Tradeable(kind PositionKind, quantity uint128.Uint128, rate dex.CyclesPerToken) bool {
	var cycles, tokens uint128.Uint128
	if kind == CyclesPosition {
		cycles, tokens = quantity, calc.CyclesToTokens(quantity, rate)
	} else {
		cycles, tokens = calc.TokensToCycles(quantity, rate), quantity
	}
	return !cycles.IsZero() && !tokens.IsZero() &&
		cycles.Cmp(m.Cycles) >= 0 && tokens.Cmp(m.Tokens) >= 0
}

// Log renders the archival record of the position. A nil termination is a
// still-resting position.
func (p *Position) Log(term *Termination) *PositionLog {
	return &PositionLog{
		ID:                p.ID,
		Positor:           p.Positor,
		Kind:              p.Kind,
		QuestQuantity:     p.Quest,
		QuestRate:         p.Rate,
		Remainder:         p.Remaining,
		FillQuantity:      p.Filled,
		FillAverageRate:   p.AverageRate(),
		PayoutsFeesSum:    p.FeesSum,
		CreationTimestamp: p.Timestamp,
		Termination:       term,
	}
}
