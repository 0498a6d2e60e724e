// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package order

import (
	"fmt"

	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/calc"
	"decred.org/cyclesmarket/dex/icrc"
)

// TradeLog is one match between a resting matchee and an incoming matcher.
// The token positor is paid cycles and the cycles positor is paid tokens.
type TradeLog struct {
	MatcheePositionID uint64
	MatcherPositionID uint64
	ID                uint64
	MatcheePositor    icrc.Principal
	MatcherPositor    icrc.Principal
	Tokens            dex.Tokens
	Cycles            dex.Cycles
	Rate              dex.CyclesPerToken
	MatcheeKind       PositionKind
	Timestamp         uint64
	// CyclesPayoutFee is withheld from the cycles paid to the token positor.
	CyclesPayoutFee dex.Cycles
	// TokensPayoutFee is withheld from the tokens paid to the cycles positor.
	TokensPayoutFee dex.Tokens
	CyclesPayoutTo  *icrc.Subaccount
	TokensPayoutTo  *icrc.Subaccount
	CyclesPayout    Payout
	TokensPayout    Payout
}

func (t *TradeLog) String() string {
	return fmt.Sprintf("trade %d (%s tokens @ %s, matchee %d, matcher %d)",
		t.ID, t.Tokens, t.Rate, t.MatcheePositionID, t.MatcherPositionID)
}

// TokenPositor is paid the cycles of the trade.
func (t *TradeLog) TokenPositor() icrc.Principal {
	if t.MatcheeKind == TokenPosition {
		return t.MatcheePositor
	}
	return t.MatcherPositor
}

// CyclesPositor is paid the tokens of the trade.
func (t *TradeLog) CyclesPositor() icrc.Principal {
	if t.MatcheeKind == CyclesPosition {
		return t.MatcheePositor
	}
	return t.MatcherPositor
}

// CyclesPayoutAmount is the cycles owed to the token positor before the
// ledger fee.
func (t *TradeLog) CyclesPayoutAmount() uint128.Uint128 {
	return calc.SatSub(t.Cycles, t.CyclesPayoutFee)
}

// TokensPayoutAmount is the tokens owed to the cycles positor before the
// ledger fee.
func (t *TradeLog) TokensPayoutAmount() uint128.Uint128 {
	return calc.SatSub(t.Tokens, t.TokensPayoutFee)
}

// PayoutsComplete is true when both sides have settled.
func (t *TradeLog) PayoutsComplete() bool {
	return t.CyclesPayout.Complete() && t.TokensPayout.Complete()
}
