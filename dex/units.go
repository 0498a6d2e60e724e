// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package dex

import "lukechampine.com/uint128"

// Cycles is a quantity of the quote asset.
type Cycles = uint128.Uint128

// Tokens is a quantity of the traded token in its smallest indivisible unit.
type Tokens = uint128.Uint128

// CyclesPerToken is a rate: integer cycles for one smallest token unit.
type CyclesPerToken = uint128.Uint128

// TCycles is one trillion cycles.
const TCycles uint64 = 1_000_000_000_000

// Side identifies one of the two external ledgers.
type Side uint8

const (
	CyclesSide Side = iota
	TokenSide
)

// String returns the ledger side name.
func (s Side) String() string {
	switch s {
	case CyclesSide:
		return "cycles"
	case TokenSide:
		return "token"
	}
	return "unknown"
}

// ParseSide parses a ledger side name.
func ParseSide(s string) (Side, bool) {
	switch s {
	case "cycles":
		return CyclesSide, true
	case "token", "tokens":
		return TokenSide, true
	}
	return 0, false
}

// Other returns the opposite ledger side.
func (s Side) Other() Side {
	if s == CyclesSide {
		return TokenSide
	}
	return CyclesSide
}
