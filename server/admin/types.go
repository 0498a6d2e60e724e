// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import (
	"time"

	"github.com/shopspring/decimal"
	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/server/market"
)

// cyclesPerTCycle is the exponent of one trillion cycles.
const cyclesPerTCycle = 12

// StatusResult is the market status with amounts in TCycles and whole
// tokens.
type StatusResult struct {
	Stopping          bool   `json:"stopping"`
	CyclesPositions   int    `json:"cyclesPositions"`
	TokenPositions    int    `json:"tokenPositions"`
	VoidCyclesPending int    `json:"voidCyclesPending"`
	VoidTokensPending int    `json:"voidTokensPending"`
	TradeQueue        int    `json:"tradeQueue"`
	NextPositionID    uint64 `json:"nextPositionID"`
	NextTradeID       uint64 `json:"nextTradeID"`
	BalanceLocks      int    `json:"balanceLocks"`
	PositionsBuffered int    `json:"positionsBuffered"`
	TradesBuffered    int    `json:"tradesBuffered"`
	PositionsNodes    int    `json:"positionsNodes"`
	TradesNodes       int    `json:"tradesNodes"`

	CyclesLedgerFee    decimal.Decimal `json:"cyclesLedgerFeeTC"`
	TokensLedgerFee    decimal.Decimal `json:"tokensLedgerFee"`
	CyclesEscrowed     decimal.Decimal `json:"cyclesEscrowedTC"`
	TokensEscrowed     decimal.Decimal `json:"tokensEscrowed"`
	AllTimeCyclesTrade decimal.Decimal `json:"allTimeCyclesTradeTC"`
	AllTimeTokensTrade decimal.Decimal `json:"allTimeTokensTrade"`
}

// scaled renders a base-unit amount with the given number of decimals.
func scaled(u uint128.Uint128, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(u.Big(), -decimals)
}

func newStatusResult(st *market.Status, tokenDecimals int32) *StatusResult {
	return &StatusResult{
		Stopping:           st.Stopping,
		CyclesPositions:    st.CyclesPositions,
		TokenPositions:     st.TokenPositions,
		VoidCyclesPending:  st.VoidCyclesPending,
		VoidTokensPending:  st.VoidTokensPending,
		TradeQueue:         st.TradeQueue,
		NextPositionID:     st.NextPositionID,
		NextTradeID:        st.NextTradeID,
		BalanceLocks:       st.BalanceLocks,
		PositionsBuffered:  st.PositionsBuffered,
		TradesBuffered:     st.TradesBuffered,
		PositionsNodes:     st.PositionsNodes,
		TradesNodes:        st.TradesNodes,
		CyclesLedgerFee:    scaled(st.CyclesLedgerFee, cyclesPerTCycle),
		TokensLedgerFee:    scaled(st.TokensLedgerFee, tokenDecimals),
		CyclesEscrowed:     scaled(st.CyclesEscrowed, cyclesPerTCycle),
		TokensEscrowed:     scaled(st.TokensEscrowed, tokenDecimals),
		AllTimeCyclesTrade: scaled(st.AllTimeCyclesTrade, cyclesPerTCycle),
		AllTimeTokensTrade: scaled(st.AllTimeTokensTrade, tokenDecimals),
	}
}

// ReserveResult is one positions subaccount against what it owes, in TCycles
// or whole tokens.
type ReserveResult struct {
	Side        string          `json:"side"`
	Pool        decimal.Decimal `json:"pool"`
	Obligations decimal.Decimal `json:"obligations"`
	Covered     bool            `json:"covered"`
}

func newReserveResult(r *market.Reserve, tokenDecimals int32) *ReserveResult {
	decimals := int32(cyclesPerTCycle)
	if r.Side == dex.TokenSide {
		decimals = tokenDecimals
	}
	return &ReserveResult{
		Side:        r.Side.String(),
		Pool:        scaled(r.Pool, decimals),
		Obligations: scaled(r.Obligations, decimals),
		Covered:     r.Covered(),
	}
}

// StorageNode describes a storage node. IndexBytes is only reported by the
// node itself.
type StorageNode struct {
	ID         string `json:"id"`
	FirstLogID uint64 `json:"firstLogID"`
	Count      uint64 `json:"count"`
	Full       bool   `json:"full"`
	IndexBytes uint64 `json:"indexBytes,omitempty"`
}

// LoggedError is a recent pipeline failure.
type LoggedError struct {
	Time    APITime `json:"time"`
	Context string  `json:"context"`
	Message string  `json:"message"`
}

// ErrorsResult is the result of the '/errors' request, oldest first.
type ErrorsResult struct {
	Payouts []*LoggedError `json:"payouts"`
	Storage []*LoggedError `json:"storage"`
	Archive []*LoggedError `json:"archive"`
}

// APITime marshals and unmarshals a time value in time.RFC3339Nano format.
type APITime struct {
	time.Time
}

// RFC3339Milli is the RFC3339 time formatting with millisecond precision.
const RFC3339Milli = "2006-01-02T15:04:05.999Z07:00"

// MarshalJSON marshals APITime to a JSON string in RFC3339 format except with
// millisecond precision.
func (at APITime) MarshalJSON() ([]byte, error) {
	return []byte(`"` + at.Time.Format(RFC3339Milli) + `"`), nil
}

// UnmarshalJSON unmarshals JSON string containing a time in RFC3339 format with
// millisecond precision into an APITime.
func (at *APITime) UnmarshalJSON(b []byte) error {
	if len(b) < 2 {
		return nil
	}
	t, err := time.Parse(RFC3339Milli, string(b[1:len(b)-1]))
	if err != nil {
		return err
	}
	at.Time = t
	return nil
}
