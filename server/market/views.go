// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package market

import (
	"context"
	"fmt"
	"sort"
	"time"

	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/calc"
	"decred.org/cyclesmarket/dex/candles"
	"decred.org/cyclesmarket/dex/icrc"
	"decred.org/cyclesmarket/dex/order"
	"decred.org/cyclesmarket/server/book"
)

// PositionBook aggregates the resting quantity per rate on one side,
// ascending by rate, starting above startGreaterThan.
func (m *Market) PositionBook(kind order.PositionKind, startGreaterThan *uint128.Uint128) ([]book.RateQuantity, bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.d.book.Side(kind).Aggregate(startGreaterThan, PositionBookChunk)
}

// TradeSummary is one row of LatestTrades.
type TradeSummary struct {
	ID            uint64
	Tokens        dex.Tokens
	Rate          dex.CyclesPerToken
	TimestampSecs uint64
}

func summarize(t *order.TradeLog) TradeSummary {
	return TradeSummary{
		ID:            t.ID,
		Tokens:        t.Tokens,
		Rate:          t.Rate,
		TimestampSecs: t.Timestamp / uint64(time.Second),
	}
}

// LatestTrades lists the trades still held by the market, newest first,
// starting before startBefore. isLast means older trades are only in the
// trades storage nodes.
func (m *Market) LatestTrades(startBefore *uint64) (ts []TradeSummary, isLast bool) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	admit := func(id uint64) bool {
		return startBefore == nil || id < *startBefore
	}
	for i := len(m.d.trades) - 1; i >= 0; i-- {
		t := m.d.trades[i]
		if !admit(t.ID) {
			continue
		}
		if len(ts) == LatestTradesChunk {
			return ts, false
		}
		ts = append(ts, summarize(t))
	}
	st := m.d.storage[order.TradeLogs]
	sz := order.TradeLogs.RecordSize()
	for off := len(st.Buffer) - sz; off >= 0; off -= sz {
		rec := st.Buffer[off : off+sz]
		if !admit(order.TradeLogs.RecordID(rec)) {
			continue
		}
		if len(ts) == LatestTradesChunk {
			return ts, false
		}
		t, err := order.DecodeTradeLog(rec)
		if err != nil {
			log.Errorf("Undecodable trade record in buffer: %v", err)
			continue
		}
		ts = append(ts, summarize(t))
	}
	return ts, true
}

// Candles returns up to candles.MaxCandlesResponse candles of the segment
// width, newest last.
func (m *Market) Candles(segmentMinutes uint64, startBefore *uint64) ([]candles.Candle, bool, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.d.candles.ViewCandles(segmentMinutes, startBefore)
}

// VolumeStats are the trailing and all-time volumes.
func (m *Market) VolumeStats() candles.VolumeStats {
	now := m.cfg.Now()
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.d.candles.VolumeStats(now)
}

// UserCurrentPositions returns the serialized position logs of the positor's
// resting positions, newest first, with ids below startBefore.
func (m *Market) UserCurrentPositions(positor icrc.Principal, startBefore *uint64) []byte {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var ps []*order.Position
	for _, kind := range positionKinds {
		ps = append(ps, m.d.book.Side(kind).PositorPositions(positor, startBefore, UserPositionsChunk)...)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID > ps[j].ID })
	if len(ps) > UserPositionsChunk {
		ps = ps[:UserPositionsChunk]
	}
	b := make([]byte, 0, len(ps)*order.PositionLogSize)
	for _, p := range ps {
		b = append(b, p.Log(nil).Serialize()...)
	}
	return b
}

// VoidPositionsPending returns the serialized final logs of the positor's
// void positions that have not been settled, newest first.
func (m *Market) VoidPositionsPending(positor icrc.Principal, startBefore *uint64) []byte {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	var vs []*order.VoidPosition
	for _, kind := range positionKinds {
		vs = append(vs, m.d.book.Voids(kind).PositorVoids(positor, startBefore, UserPositionsChunk)...)
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i].ID > vs[j].ID })
	if len(vs) > UserPositionsChunk {
		vs = vs[:UserPositionsChunk]
	}
	b := make([]byte, 0, len(vs)*order.PositionLogSize)
	for _, v := range vs {
		b = append(b, v.Log.Serialize()...)
	}
	return b
}

// Status is the controller's view of the market.
type Status struct {
	Stopping           bool
	CyclesPositions    int
	TokenPositions     int
	VoidCyclesPending  int
	VoidTokensPending  int
	TradeQueue         int
	NextPositionID     uint64
	NextTradeID        uint64
	BalanceLocks       int
	CyclesLedgerFee    dex.Cycles
	TokensLedgerFee    dex.Tokens
	PositionsBuffered  int
	TradesBuffered     int
	PositionsNodes     int
	TradesNodes        int
	CyclesEscrowed     dex.Cycles
	TokensEscrowed     dex.Tokens
	AllTimeCyclesTrade dex.Cycles
	AllTimeTokensTrade dex.Tokens
}

// Status summarizes the market state.
func (m *Market) Status() *Status {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	b := m.d.book
	s := &Status{
		Stopping:           m.stopping,
		CyclesPositions:    b.Cycles.Len(),
		TokenPositions:     b.Tokens.Len(),
		VoidCyclesPending:  b.CyclesVoids.Len(),
		VoidTokensPending:  b.TokenVoids.Len(),
		TradeQueue:         len(m.d.trades),
		NextPositionID:     m.d.nextPositionID,
		NextTradeID:        m.d.nextTradeID,
		BalanceLocks:       m.d.locks.Count(),
		CyclesLedgerFee:    m.ledgers[dex.CyclesSide].Fee(),
		TokensLedgerFee:    m.ledgers[dex.TokenSide].Fee(),
		PositionsBuffered:  len(m.d.storage[order.PositionLogs].Buffer) / order.PositionLogSize,
		TradesBuffered:     len(m.d.storage[order.TradeLogs].Buffer) / order.TradeLogSize,
		PositionsNodes:     len(m.d.storage[order.PositionLogs].Nodes),
		TradesNodes:        len(m.d.storage[order.TradeLogs].Nodes),
		AllTimeCyclesTrade: m.d.candles.AllTimeCycles,
		AllTimeTokensTrade: m.d.candles.AllTimeTokens,
	}
	s.CyclesEscrowed, s.TokensEscrowed = m.obligations()
	return s
}

// obligations is what the positions subaccounts owe on each ledger: resting
// remainders, unsettled voids and unsettled trade payouts. m.mtx must be
// held.
func (m *Market) obligations() (cycles, tokens uint128.Uint128) {
	b := m.d.book
	cycles = calc.SatAdd(b.Cycles.RemainingSum(), b.CyclesVoids.UnpaidSum())
	tokens = calc.SatAdd(b.Tokens.RemainingSum(), b.TokenVoids.UnpaidSum())
	for _, t := range m.d.trades {
		if !t.CyclesPayout.Complete() {
			cycles = calc.SatAdd(cycles, t.CyclesPayoutAmount())
		}
		if !t.TokensPayout.Complete() {
			tokens = calc.SatAdd(tokens, t.TokensPayoutAmount())
		}
	}
	return
}

// Reserve pairs a positions subaccount balance with what the market owes
// from it.
type Reserve struct {
	Side        dex.Side
	Pool        uint128.Uint128
	Obligations uint128.Uint128
}

// Covered is true if the pool holds every obligation.
func (r *Reserve) Covered() bool {
	return r.Pool.Cmp(r.Obligations) >= 0
}

// Reserves reads the positions subaccount of each ledger. The obligations are
// taken first, so a payout landing in between only shows as a surplus.
func (m *Market) Reserves(ctx context.Context) ([]*Reserve, error) {
	m.mtx.Lock()
	cycles, tokens := m.obligations()
	m.mtx.Unlock()
	res := []*Reserve{
		{Side: dex.CyclesSide, Obligations: cycles},
		{Side: dex.TokenSide, Obligations: tokens},
	}
	for _, r := range res {
		pool, err := m.ledgers[r.Side].PositionsBalance(ctx)
		if err != nil {
			return nil, fmt.Errorf("error reading %s positions balance: %w", r.Side, err)
		}
		r.Pool = pool
	}
	return res, nil
}

// DepositBalance is the caller's unescrowed balance on the side.
func (m *Market) DepositBalance(ctx context.Context, caller icrc.Principal, side dex.Side) (uint128.Uint128, error) {
	return m.ledgers[side].DepositBalance(ctx, caller)
}

// ErrorLogs are the recent pipeline failures, oldest first.
type ErrorLogs struct {
	Payouts []LoggedError
	Storage []LoggedError
	Archive []LoggedError
}

// Errors returns the error rings.
func (m *Market) Errors() *ErrorLogs {
	return &ErrorLogs{
		Payouts: m.payoutErrs.list(),
		Storage: m.storageErrs.list(),
		Archive: m.archiveErrs.list(),
	}
}
