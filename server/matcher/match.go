// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package matcher pairs a new position against the opposite side of the book
// in price-time priority and decides where the residual goes.
package matcher

import (
	"fmt"
	"time"

	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/calc"
	"decred.org/cyclesmarket/dex/encode"
	"decred.org/cyclesmarket/dex/order"
)

const (
	DefaultMaxMatches      = 1000
	DefaultMatchTimeBudget = 250 * time.Millisecond
	DefaultBumpMarginBp    = 500

	// ErrMarketFull is wrapped by a *FullError.
	ErrMarketFull = dex.ErrorKind("cycles market is full")
)

// Config is the matcher configuration.
type Config struct {
	Minimums order.Minimums
	FeeTiers []calc.FeeTier
	// MaxMatches and TimeBudget bound the matches made for a single new
	// position.
	MaxMatches   int
	TimeBudget   time.Duration
	BumpMarginBp uint64
}

// Matcher places positions. Matcher holds no state of its own.
type Matcher struct {
	cfg Config
}

// New creates a new Matcher. Unset limits take their defaults.
func New(cfg Config) *Matcher {
	if cfg.FeeTiers == nil {
		cfg.FeeTiers = calc.DefaultFeeTiers
	}
	if cfg.MaxMatches <= 0 {
		cfg.MaxMatches = DefaultMaxMatches
	}
	if cfg.TimeBudget <= 0 {
		cfg.TimeBudget = DefaultMatchTimeBudget
	}
	return &Matcher{cfg: cfg}
}

// Minimums are the configured match minimums.
func (m *Matcher) Minimums() order.Minimums {
	return m.cfg.Minimums
}

// FullError is returned when the side is at capacity and the position is not
// aggressive enough to bump the worst resting position. Rate is the least
// aggressive rate, and Quantity the smallest quantity, that would bump.
type FullError struct {
	Rate     dex.CyclesPerToken
	Quantity uint128.Uint128
}

func (e *FullError) Error() string {
	return fmt.Sprintf("%s: bump requires rate %s and quantity %s", ErrMarketFull, e.Rate, e.Quantity)
}

func (e *FullError) Unwrap() error {
	return ErrMarketFull
}

// bumpTerms are the rate and quantity needed to displace worst.
func (m *Matcher) bumpTerms(worst *order.Position) (rate, qty uint128.Uint128) {
	margin := calc.MulBp(worst.Rate, m.cfg.BumpMarginBp)
	if margin.IsZero() {
		margin = uint128.From64(1)
	}
	if worst.Kind == order.CyclesPosition {
		rate = calc.SatAdd(worst.Rate, margin)
	} else {
		rate = calc.SatSub(worst.Rate, margin)
	}
	return rate, worst.Remaining
}

// bumpable returns the position a new position of kind, quantity and rate
// would displace. A nil position with a nil error means there is room.
func (m *Matcher) bumpable(b Booker, kind order.PositionKind, qty uint128.Uint128, rate dex.CyclesPerToken) (*order.Position, error) {
	side := b.Side(kind)
	if !side.Full() {
		return nil, nil
	}
	worst := side.Worst()
	if worst == nil {
		// Zero capacity.
		return nil, &FullError{Rate: rate, Quantity: qty}
	}
	bumpRate, bumpQty := m.bumpTerms(worst)
	better := rate.Cmp(bumpRate) >= 0
	if kind == order.TokenPosition {
		better = !bumpRate.IsZero() && rate.Cmp(bumpRate) <= 0
	}
	if !better || qty.Cmp(bumpQty) < 0 {
		return nil, &FullError{Rate: bumpRate, Quantity: bumpQty}
	}
	return worst, nil
}

// CheckCapacity checks whether a position could be admitted, bumping if
// necessary. It does not modify the book.
func (m *Matcher) CheckCapacity(b Booker, kind order.PositionKind, qty uint128.Uint128, rate dex.CyclesPerToken) error {
	_, err := m.bumpable(b, kind, qty, rate)
	return err
}

// Result is the outcome of placing a position.
type Result struct {
	Position *order.Position
	Trades   []*order.TradeLog
	// Voids are the positions terminated by the placement, in order. Filled
	// matchees come first, then a bumped position, then the new position
	// itself if it did not rest.
	Voids  []*order.VoidPosition
	Rested bool
	Stats  MatchStats
}

// compatible reports whether the resting matchee can trade with the matcher.
func compatible(matcher, matchee *order.Position) bool {
	if matcher.Kind == order.CyclesPosition {
		return matchee.Rate.Cmp(matcher.Rate) <= 0
	}
	return matchee.Rate.Cmp(matcher.Rate) >= 0
}

// Place matches p against the book, then rests the residual or voids it.
// nextTradeID is advanced for every trade. p must not be in the book.
func (m *Matcher) Place(b Booker, p *order.Position, nextTradeID *uint64, now time.Time) *Result {
	res := &Result{Position: p}
	start := time.Now()
	nowNanos := encode.UnixNanos(now)
	matchees := b.Side(p.Kind.Opposite())
	lowRate, highRate := uint128.Max, uint128.Zero

	for m.cfg.Minimums.Tradeable(p.Kind, p.Remaining, p.Rate) {
		if res.Stats.Trades >= m.cfg.MaxMatches || time.Since(start) >= m.cfg.TimeBudget {
			res.Stats.Exhausted = true
			log.Debugf("Match budget exhausted for %v after %d trades", p, res.Stats.Trades)
			break
		}
		e := matchees.Best()
		if e == nil || !compatible(p, e) {
			break
		}
		t := m.match(p, e, *nextTradeID, nowNanos)
		if t == nil {
			break
		}
		*nextTradeID++
		res.Trades = append(res.Trades, t)
		res.Stats.Trades++
		res.Stats.CyclesVol = addLo(res.Stats.CyclesVol, t.Cycles)
		res.Stats.TokensVol = addLo(res.Stats.TokensVol, t.Tokens)
		lowRate, highRate = calc.Min(lowRate, t.Rate), calc.Max(highRate, t.Rate)

		if !m.cfg.Minimums.Tradeable(e.Kind, e.Remaining, e.Rate) {
			res.Voids = append(res.Voids, b.Terminate(e, order.CauseFill, now))
		}
	}
	if res.Stats.Trades > 0 {
		res.Stats.LowRate, res.Stats.HighRate = lowRate.Lo, highRate.Lo
	}
	res.Stats.MatchedTime = time.Since(start)

	if !m.cfg.Minimums.Tradeable(p.Kind, p.Remaining, p.Rate) {
		res.Voids = append(res.Voids, voidUnbooked(b, p, order.CauseFill, nowNanos))
		return res
	}

	worst, err := m.bumpable(b, p.Kind, p.Remaining, p.Rate)
	if err != nil {
		// Capacity was claimed by another position since the pre-escrow check.
		log.Infof("Voiding residual of %v: %v", p, err)
		res.Voids = append(res.Voids, voidUnbooked(b, p, order.CauseBump, nowNanos))
		return res
	}
	if worst != nil {
		log.Debugf("%v bumps %v", p, worst)
		res.Voids = append(res.Voids, b.Terminate(worst, order.CauseBump, now))
	}
	b.Side(p.Kind).Insert(p)
	res.Rested = true
	return res
}

func voidUnbooked(b Booker, p *order.Position, cause order.TerminationCause, now uint64) *order.VoidPosition {
	v := order.NewVoidPosition(p, cause, now)
	b.Voids(p.Kind).Add(v)
	return v
}

func addLo(sum uint64, v uint128.Uint128) uint64 {
	if v.Hi != 0 || sum+v.Lo < sum {
		return ^uint64(0)
	}
	return sum + v.Lo
}

// match trades between the matcher p and the resting matchee e at the
// midpoint of their rates, updating both. It returns nil if not even one
// token can change hands.
func (m *Matcher) match(p, e *order.Position, tradeID uint64, now uint64) *order.TradeLog {
	rate := calc.Midpoint(calc.Min(p.Rate, e.Rate), calc.Max(p.Rate, e.Rate))
	if rate.IsZero() {
		return nil
	}
	cyclesPos, tokenPos := p, e
	if p.Kind == order.TokenPosition {
		cyclesPos, tokenPos = e, p
	}
	tokens := calc.Min(tokenPos.Remaining, calc.CyclesToTokens(cyclesPos.Remaining, rate))
	if tokens.IsZero() {
		return nil
	}
	cycles := calc.TokensToCycles(tokens, rate)
	rateTimesCycles := calc.SatMul(rate, cycles)

	// The cycles positor pays its fee in tokens, the token positor in cycles,
	// each on its own matched volume.
	cyclesSideFee := calc.TradeFeeCycles(m.cfg.FeeTiers, cyclesPos.MatchedCycles, cycles)
	tokensFee := calc.TokensFee(cyclesSideFee, rate)
	cyclesFee := calc.TradeFeeCycles(m.cfg.FeeTiers, tokenPos.MatchedCycles, cycles)

	cyclesPos.Remaining = calc.SatSub(cyclesPos.Remaining, cycles)
	cyclesPos.Filled = calc.SatAdd(cyclesPos.Filled, tokens)
	cyclesPos.RateTimesCycles = calc.SatAdd(cyclesPos.RateTimesCycles, rateTimesCycles)
	cyclesPos.FeesSum = calc.SatAdd(cyclesPos.FeesSum, tokensFee)
	cyclesPos.MatchedCycles = calc.SatAdd(cyclesPos.MatchedCycles, cycles)

	tokenPos.Remaining = calc.SatSub(tokenPos.Remaining, tokens)
	tokenPos.Filled = calc.SatAdd(tokenPos.Filled, cycles)
	tokenPos.RateTimesCycles = calc.SatAdd(tokenPos.RateTimesCycles, rateTimesCycles)
	tokenPos.FeesSum = calc.SatAdd(tokenPos.FeesSum, cyclesFee)
	tokenPos.MatchedCycles = calc.SatAdd(tokenPos.MatchedCycles, cycles)

	t := &order.TradeLog{
		MatcheePositionID: e.ID,
		MatcherPositionID: p.ID,
		ID:                tradeID,
		MatcheePositor:    e.Positor,
		MatcherPositor:    p.Positor,
		Tokens:            tokens,
		Cycles:            cycles,
		Rate:              rate,
		MatcheeKind:       e.Kind,
		Timestamp:         now,
		CyclesPayoutFee:   cyclesFee,
		TokensPayoutFee:   tokensFee,
		CyclesPayoutTo:    tokenPos.PayoutTo,
		TokensPayoutTo:    cyclesPos.PayoutTo,
	}
	log.Tracef("Matched %v", t)
	return t
}

// ExpirePositions terminates resting positions created before cutoff with
// cause TimePass.
func ExpirePositions(b Booker, cutoff, now time.Time) []*order.VoidPosition {
	var voids []*order.VoidPosition
	before := encode.UnixNanos(cutoff)
	for _, kind := range []order.PositionKind{order.CyclesPosition, order.TokenPosition} {
		for _, p := range b.Side(kind).OlderThan(before) {
			voids = append(voids, b.Terminate(p, order.CauseTimePass, now))
		}
	}
	if len(voids) > 0 {
		log.Infof("Expired %d positions created before %v", len(voids), cutoff)
	}
	return voids
}
