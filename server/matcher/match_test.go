// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package matcher

import (
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex/calc"
	"decred.org/cyclesmarket/dex/encode"
	"decred.org/cyclesmarket/dex/icrc"
	"decred.org/cyclesmarket/dex/order"
	"decred.org/cyclesmarket/server/book"
)

var (
	maker = icrc.Principal("maker")
	taker = icrc.Principal("taker")
	tZero = time.Unix(1_700_000_000, 0)
)

func u(v uint64) uint128.Uint128 { return uint128.From64(v) }

func pos(id uint64, who icrc.Principal, kind order.PositionKind, qty, rate uint64, ts time.Time) *order.Position {
	return &order.Position{
		ID:        id,
		Positor:   who,
		Kind:      kind,
		Quest:     u(qty),
		Rate:      u(rate),
		Remaining: u(qty),
		Timestamp: encode.UnixNanos(ts),
	}
}

func TestPartialFillResidualMaker(t *testing.T) {
	b := book.New(10, 10)
	m := New(Config{Minimums: order.Minimums{Cycles: u(1000), Tokens: u(1)}})

	mk := pos(0, maker, order.TokenPosition, 10_000, 100, tZero)
	b.Tokens.Insert(mk)
	tk := pos(1, taker, order.CyclesPosition, 400_000, 120, tZero.Add(time.Second))

	var tradeID uint64
	res := m.Place(b, tk, &tradeID, tZero.Add(time.Second))

	if len(res.Trades) != 1 || tradeID != 1 {
		t.Fatalf("expected 1 trade, got %s", spew.Sdump(res.Trades))
	}
	tr := res.Trades[0]
	if !tr.Rate.Equals64(110) || !tr.Tokens.Equals64(3_636) || !tr.Cycles.Equals64(399_960) {
		t.Fatalf("wrong trade %s", spew.Sdump(tr))
	}
	if tr.MatcheeKind != order.TokenPosition || tr.MatcheePositionID != 0 || tr.MatcherPositionID != 1 {
		t.Fatalf("wrong trade parties %s", spew.Sdump(tr))
	}
	// 399_960 / 10_000 * 50 = 1_950 for both fresh positions.
	if !tr.CyclesPayoutFee.Equals64(1_950) || !tr.TokensPayoutFee.Equals64(1_950/110) {
		t.Fatalf("wrong fees %s / %s", tr.CyclesPayoutFee, tr.TokensPayoutFee)
	}
	if !mk.Remaining.Equals64(6_364) {
		t.Fatalf("wrong maker remainder %s", mk.Remaining)
	}
	if _, found := b.Tokens.Get(0); !found {
		t.Fatalf("maker left the book")
	}
	if !tk.Remaining.Equals64(40) || res.Rested {
		t.Fatalf("taker should be voided with 40 remaining, got %s", tk.Remaining)
	}
	if len(res.Voids) != 1 || res.Voids[0].ID != 1 || res.Voids[0].Cause() != order.CauseFill {
		t.Fatalf("wrong voids %s", spew.Sdump(res.Voids))
	}
	if _, found := b.CyclesVoids.Get(1); !found {
		t.Fatalf("taker not in the cycles void queue")
	}
	if !tk.Filled.Equals64(3_636) || !mk.Filled.Equals64(399_960) {
		t.Fatalf("wrong fills %s / %s", tk.Filled, mk.Filled)
	}
	if !tk.AverageRate().Equals64(110) {
		t.Fatalf("wrong average rate %s", tk.AverageRate())
	}
}

func TestExactFill(t *testing.T) {
	b := book.New(10, 10)
	m := New(Config{Minimums: order.Minimums{Cycles: u(1_000_000), Tokens: u(1)}})
	a := pos(0, maker, order.TokenPosition, 20_000, 55_555, tZero)
	if res := m.Place(b, a, new(uint64), tZero); !res.Rested || len(res.Trades) != 0 {
		t.Fatalf("maker did not rest")
	}
	var tradeID uint64
	bp := pos(1, taker, order.CyclesPosition, 20_000*55_555, 55_555, tZero)
	res := m.Place(b, bp, &tradeID, tZero)
	if len(res.Trades) != 1 {
		t.Fatalf("wrong trades")
	}
	tr := res.Trades[0]
	if tr.ID != 0 || !tr.Tokens.Equals64(20_000) || !tr.Cycles.Equals64(1_111_100_000) || !tr.Rate.Equals64(55_555) {
		t.Fatalf("wrong trade %s", spew.Sdump(tr))
	}
	if !tr.CyclesPayoutFee.Equals64(5_555_500) || !tr.TokensPayoutFee.Equals64(5_555_500/55_555) {
		t.Fatalf("wrong fees %s / %s", tr.CyclesPayoutFee, tr.TokensPayoutFee)
	}
	if len(res.Voids) != 2 || res.Voids[0].ID != 0 || res.Voids[1].ID != 1 {
		t.Fatalf("wrong voids %s", spew.Sdump(res.Voids))
	}
	for _, v := range res.Voids {
		if v.Cause() != order.CauseFill || !v.Quantity.IsZero() {
			t.Fatalf("wrong void %s", spew.Sdump(v))
		}
	}
	if b.Tokens.Len() != 0 || b.Cycles.Len() != 0 {
		t.Fatalf("book not empty")
	}
}

func TestPriceTimePriority(t *testing.T) {
	b := book.New(10, 10)
	m := New(Config{Minimums: order.Minimums{Cycles: u(1), Tokens: u(1)}})
	// Bids at 100 (older), 100 (newer) and 90.
	b.Cycles.Insert(pos(0, maker, order.CyclesPosition, 1_000, 100, tZero))
	b.Cycles.Insert(pos(1, maker, order.CyclesPosition, 1_000, 100, tZero.Add(time.Second)))
	b.Cycles.Insert(pos(2, maker, order.CyclesPosition, 1_000, 90, tZero))
	// Ask at 95 for 15 tokens: fills 0 and then 1 at 97, never 2.
	var tradeID uint64
	res := m.Place(b, pos(3, taker, order.TokenPosition, 15, 95, tZero), &tradeID, tZero)
	if len(res.Trades) != 2 {
		t.Fatalf("wrong trades %s", spew.Sdump(res.Trades))
	}
	if res.Trades[0].MatcheePositionID != 0 || res.Trades[1].MatcheePositionID != 1 {
		t.Fatalf("wrong priority")
	}
	// 1_000 / 97 = 10 tokens from position 0, leaving 30 cycles; 5 from 1.
	if !res.Trades[0].Tokens.Equals64(10) || !res.Trades[1].Tokens.Equals64(5) {
		t.Fatalf("wrong quantities %s", spew.Sdump(res.Trades))
	}
	if res.Trades[0].ID != 0 || res.Trades[1].ID != 1 {
		t.Fatalf("trade ids not sequential")
	}
	if _, found := b.Cycles.Get(2); !found {
		t.Fatalf("incompatible position touched")
	}
}

func TestRateBound(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	m := New(Config{Minimums: order.Minimums{Cycles: u(1), Tokens: u(1)}})
	var tradeID uint64
	for i := 0; i < 500; i++ {
		b := book.New(100, 100)
		re := uint64(rng.Intn(1_000_000) + 1)
		rm := re + uint64(rng.Intn(1_000_000))
		kind := order.PositionKind(rng.Intn(2))
		e := pos(0, maker, kind, 1_000_000_000, re, tZero)
		p := pos(1, taker, kind.Opposite(), 1_000_000_000_000, rm, tZero)
		if kind == order.CyclesPosition {
			// Resting bid must be at or above the incoming ask.
			e.Rate, p.Rate = u(rm), u(re)
		}
		b.Side(kind).Insert(e)
		res := m.Place(b, p, &tradeID, tZero)
		for _, tr := range res.Trades {
			lo, hi := calc.Min(e.Rate, p.Rate), calc.Max(e.Rate, p.Rate)
			if tr.Rate.Cmp(lo) < 0 || tr.Rate.Cmp(hi) > 0 {
				t.Fatalf("rate %s outside [%s, %s]", tr.Rate, lo, hi)
			}
			twice := tr.Rate.Mul64(2)
			sum := e.Rate.Add(p.Rate)
			diff := calc.Max(twice, sum).Sub(calc.Min(twice, sum))
			if diff.Cmp64(1) > 0 {
				t.Fatalf("rate %s not a midpoint of %s and %s", tr.Rate, e.Rate, p.Rate)
			}
		}
	}
}

func TestMatchBudget(t *testing.T) {
	b := book.New(100, 100)
	m := New(Config{Minimums: order.Minimums{Cycles: u(1), Tokens: u(1)}, MaxMatches: 3})
	for i := uint64(0); i < 5; i++ {
		b.Tokens.Insert(pos(i, maker, order.TokenPosition, 10, 10, tZero))
	}
	var tradeID uint64
	res := m.Place(b, pos(9, taker, order.CyclesPosition, 10_000, 10, tZero), &tradeID, tZero)
	if len(res.Trades) != 3 || !res.Stats.Exhausted {
		t.Fatalf("budget not honored: %d trades", len(res.Trades))
	}
	if !res.Rested || b.Tokens.Len() != 2 {
		t.Fatalf("residual should rest after exhaustion")
	}
	if _, found := b.Cycles.Get(9); !found {
		t.Fatalf("matcher not resting")
	}
}

func TestBump(t *testing.T) {
	b := book.New(3, 3)
	m := New(Config{Minimums: order.Minimums{Cycles: u(1), Tokens: u(1)}, BumpMarginBp: DefaultBumpMarginBp})
	for i, rate := range []uint64{100_000, 80_000, 90_000} {
		b.Cycles.Insert(pos(uint64(i), maker, order.CyclesPosition, 1_000_000_000, rate, tZero))
	}

	// 5% over the worst rate of 80_000 is 84_000.
	err := m.CheckCapacity(b, order.CyclesPosition, u(1_000_000_000), u(83_999))
	var fe *FullError
	if !errors.As(err, &fe) || !errors.Is(err, ErrMarketFull) {
		t.Fatalf("expected FullError, got %v", err)
	}
	if !fe.Rate.Equals64(84_000) || !fe.Quantity.Equals64(1_000_000_000) {
		t.Fatalf("wrong bump hint %s", spew.Sdump(fe))
	}
	if err := m.CheckCapacity(b, order.CyclesPosition, u(999_999_999), u(150_000)); err == nil {
		t.Fatalf("small quantity should not bump")
	}
	if err := m.CheckCapacity(b, order.CyclesPosition, u(1_000_000_000), u(150_000)); err != nil {
		t.Fatalf("capacity check error: %v", err)
	}

	res := m.Place(b, pos(3, taker, order.CyclesPosition, 1_000_000_000, 150_000, tZero), new(uint64), tZero)
	if !res.Rested || len(res.Voids) != 1 || res.Voids[0].ID != 1 || res.Voids[0].Cause() != order.CauseBump {
		t.Fatalf("wrong bump result %s", spew.Sdump(res.Voids))
	}
	if b.Cycles.Len() != 3 || b.Cycles.Best().ID != 3 {
		t.Fatalf("new position did not take the bumped slot")
	}

	// Capacity gone by insertion time: the residual is voided with Bump.
	res = m.Place(b, pos(4, taker, order.CyclesPosition, 1_000_000, 50_000, tZero), new(uint64), tZero)
	if res.Rested || len(res.Voids) != 1 || res.Voids[0].ID != 4 || res.Voids[0].Cause() != order.CauseBump {
		t.Fatalf("residual should be voided %s", spew.Sdump(res.Voids))
	}

	// Token side bumps need a lower rate.
	tb := book.New(1, 1)
	tb.Tokens.Insert(pos(0, maker, order.TokenPosition, 10, 1_000_000, tZero))
	if err := m.CheckCapacity(tb, order.TokenPosition, u(10), u(960_000)); !errors.As(err, &fe) || !fe.Rate.Equals64(950_000) {
		t.Fatalf("expected token bump hint 950_000, got %v", err)
	}
	if err := m.CheckCapacity(tb, order.TokenPosition, u(10), u(950_000)); err != nil {
		t.Fatalf("token bump refused: %v", err)
	}
}

func TestExpirePositions(t *testing.T) {
	b := book.New(10, 10)
	b.Cycles.Insert(pos(0, maker, order.CyclesPosition, 10, 10, tZero))
	b.Tokens.Insert(pos(1, maker, order.TokenPosition, 10, 10, tZero.Add(time.Hour)))
	b.Tokens.Insert(pos(2, maker, order.TokenPosition, 10, 10, tZero.Add(3*time.Hour)))
	voids := ExpirePositions(b, tZero.Add(2*time.Hour), tZero.Add(4*time.Hour))
	if len(voids) != 2 || voids[0].ID != 0 || voids[1].ID != 1 {
		t.Fatalf("wrong expirations %s", spew.Sdump(voids))
	}
	for _, v := range voids {
		if v.Cause() != order.CauseTimePass {
			t.Fatalf("wrong cause %s", v.Cause())
		}
	}
	if b.Tokens.Len() != 1 || b.Cycles.Len() != 0 {
		t.Fatalf("wrong book after expiry")
	}
}
