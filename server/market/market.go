// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package market is the trade supervisor. It owns the book, the trade queue,
// the candles and the storage buffers, admits new positions, and drives the
// payout pipeline.
package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/candles"
	"decred.org/cyclesmarket/dex/encode"
	"decred.org/cyclesmarket/dex/icrc"
	"decred.org/cyclesmarket/dex/order"
	"decred.org/cyclesmarket/server/book"
	"decred.org/cyclesmarket/server/db"
	"decred.org/cyclesmarket/server/ledger"
	"decred.org/cyclesmarket/server/logstore"
	"decred.org/cyclesmarket/server/matcher"
	"decred.org/cyclesmarket/server/payout"
)

var positionKinds = []order.PositionKind{order.CyclesPosition, order.TokenPosition}

var logKinds = []order.LogKind{order.PositionLogs, order.TradeLogs}

// cmData is the state guarded by Market.mtx.
type cmData struct {
	book           *book.Book
	locks          *book.BalanceLocks
	trades         []*order.TradeLog // ascending id
	candles        candles.Aggregator
	nextPositionID uint64
	nextTradeID    uint64
	storage        [2]*logState
}

func newCMData(cfg *Config) *cmData {
	return &cmData{
		book:    book.New(cfg.MaxCyclesPositions, cfg.MaxTokenPositions),
		locks:   book.NewBalanceLocks(cfg.MaxBalanceLocks, book.DefaultLockMaxAge),
		storage: [2]*logState{{}, {}},
	}
}

// Market is the exchange supervisor.
type Market struct {
	cfg      Config
	matcher  *matcher.Matcher
	exec     *payout.Executor
	ledgers  [2]*ledger.Adapter
	archiver db.TradeArchiver
	metrics  *metrics

	mtx      sync.Mutex
	d        *cmData
	stopping bool
	inflight sync.WaitGroup

	// payoutMtx serializes pipeline passes.
	payoutMtx sync.Mutex
	kick      chan struct{}

	handlesMtx sync.RWMutex
	handles    map[string]logstore.Storage

	payoutErrs  errorRing
	storageErrs errorRing
	archiveErrs errorRing
}

// NewMarket creates the Market, restoring the last snapshot from cfg.Store
// if there is one.
func NewMarket(ctx context.Context, cfg *Config) (*Market, error) {
	c := *cfg
	if err := c.setDefaults(); err != nil {
		return nil, err
	}
	mets, err := newMetrics(c.Registerer)
	if err != nil {
		return nil, fmt.Errorf("error registering metrics: %w", err)
	}
	m := &Market{
		cfg: c,
		matcher: matcher.New(matcher.Config{
			Minimums:     c.Minimums,
			FeeTiers:     c.FeeTiers,
			MaxMatches:   c.MaxMatches,
			TimeBudget:   c.MatchTimeBudget,
			BumpMarginBp: c.BumpMarginBp,
		}),
		exec: payout.NewExecutor(&payout.Config{
			Cycles: c.Cycles,
			Tokens: c.Tokens,
			Now:    c.Now,
		}),
		ledgers: [2]*ledger.Adapter{c.Cycles, c.Tokens},
		metrics: mets,
		d:       newCMData(&c),
		kick:    make(chan struct{}, 1),
		handles: make(map[string]logstore.Storage),
	}
	if a, ok := c.Store.(db.TradeArchiver); ok {
		m.archiver = a
	}

	for _, a := range m.ledgers {
		if err := a.RefreshFee(ctx); err != nil {
			log.Warnf("Unable to refresh %s ledger fee, using %s: %v", a.Side(), a.Fee(), err)
		}
	}

	if c.Store != nil {
		b, err := c.Store.LoadState(ctx)
		switch {
		case db.IsErrNoState(err):
			log.Infof("No saved market state. Starting fresh.")
		case err != nil:
			return nil, fmt.Errorf("error loading market state: %w", err)
		default:
			if err := m.restore(ctx, b); err != nil {
				return nil, err
			}
		}
	}
	m.updateGauges()
	return m, nil
}

// Run drives the payout pipeline and the periodic maintenance until ctx is
// canceled, then saves a final snapshot.
func (m *Market) Run(ctx context.Context) {
	payTicker := time.NewTicker(m.cfg.PayoutInterval)
	defer payTicker.Stop()
	snapTicker := time.NewTicker(m.cfg.SnapshotInterval)
	defer snapTicker.Stop()

	for {
		select {
		case <-payTicker.C:
			m.Maintain(ctx)
		case <-m.kick:
			m.DoPayouts(ctx)
		case <-snapTicker.C:
			if err := m.SaveSnapshot(ctx); err != nil {
				log.Errorf("Error saving market snapshot: %v", err)
			}
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			if err := m.PrepareUpgrade(sctx); err != nil {
				log.Errorf("Error saving market state at shutdown: %v", err)
			}
			cancel()
			return
		}
	}
}

// Maintain expires old positions, purges stale balance locks, and runs a
// payout pass. It does nothing while the market is stopped for an upgrade.
func (m *Market) Maintain(ctx context.Context) {
	if m.isStopping() {
		return
	}
	now := m.cfg.Now()
	m.mtx.Lock()
	voids := matcher.ExpirePositions(m.d.book, now.Add(-m.cfg.MaxPositionLifetime), now)
	m.d.locks.PurgeStale(now)
	m.mtx.Unlock()
	for _, v := range voids {
		m.metrics.voids.WithLabelValues(v.Cause().String()).Inc()
	}
	m.DoPayouts(ctx)
}

// kickPayouts schedules a payout pass on the Run goroutine.
func (m *Market) kickPayouts() {
	select {
	case m.kick <- struct{}{}:
	default:
	}
}

// TradeRequest is the argument of TradeCycles and TradeTokens. Quantity is
// cycles for TradeCycles and tokens for TradeTokens. ReturnTo receives the
// unfilled remainder and PayoutTo the purchased asset.
type TradeRequest struct {
	Quantity  uint128.Uint128
	Rate      dex.CyclesPerToken
	LedgerFee *uint128.Uint128
	ReturnTo  *icrc.Subaccount
	PayoutTo  *icrc.Subaccount
}

// TradeCycles offers cycles for tokens. The cycles are pulled from the
// caller's cycles deposit subaccount.
func (m *Market) TradeCycles(ctx context.Context, caller icrc.Principal, req *TradeRequest) (uint64, error) {
	return m.trade(ctx, caller, order.CyclesPosition, req)
}

// TradeTokens offers tokens for cycles. The tokens are pulled from the
// caller's token deposit subaccount.
func (m *Market) TradeTokens(ctx context.Context, caller icrc.Principal, req *TradeRequest) (uint64, error) {
	return m.trade(ctx, caller, order.TokenPosition, req)
}

func (m *Market) trade(ctx context.Context, caller icrc.Principal, kind order.PositionKind, req *TradeRequest) (uint64, error) {
	if req.Rate.IsZero() {
		return 0, &TradeError{Code: RateCannotBeZero}
	}
	if mins := m.matcher.Minimums(); !mins.Tradeable(kind, req.Quantity, req.Rate) {
		return 0, &TradeError{Code: MinimumPosition, MinimumCycles: mins.Cycles, MinimumTokens: mins.Tokens}
	}
	side := kind.Side()
	now := m.cfg.Now()

	m.mtx.Lock()
	if m.stopping {
		m.mtx.Unlock()
		return 0, &TradeError{Code: CyclesMarketIsBusy}
	}
	if err := m.matcher.CheckCapacity(m.d.book, kind, req.Quantity, req.Rate); err != nil {
		m.mtx.Unlock()
		te := &TradeError{Code: CyclesMarketIsFull}
		var fe *matcher.FullError
		if errors.As(err, &fe) {
			te.BumpRate, te.BumpQuantity = fe.Rate, fe.Quantity
		}
		return 0, te
	}
	if err := m.d.locks.LockTrade(caller, side, now); err != nil {
		m.mtx.Unlock()
		return 0, &TradeError{Code: lockErrorCode(err), Err: err}
	}
	m.inflight.Add(1)
	m.mtx.Unlock()
	defer m.inflight.Done()

	_, err := m.ledgers[side].EscrowPull(ctx, caller, req.Quantity, req.LedgerFee, encode.UnixNanos(now))

	m.mtx.Lock()
	m.d.locks.Unlock(caller, side)
	if err != nil {
		m.mtx.Unlock()
		log.Debugf("Escrow of %s %s from %s failed: %v", req.Quantity, side, caller, err)
		return 0, &TradeError{Code: ledgerErrorCode(err, true), Err: err}
	}
	now = m.cfg.Now()
	p := &order.Position{
		ID:        m.d.nextPositionID,
		Positor:   caller,
		Kind:      kind,
		Quest:     req.Quantity,
		Rate:      req.Rate,
		Remaining: req.Quantity,
		Timestamp: encode.UnixNanos(now),
		ReturnTo:  req.ReturnTo,
		PayoutTo:  req.PayoutTo,
	}
	m.d.nextPositionID++
	m.appendLog(order.PositionLogs, p.Log(nil).Serialize())
	res := m.matcher.Place(m.d.book, p, &m.d.nextTradeID, now)
	for _, t := range res.Trades {
		m.d.candles.CountTrade(t.Timestamp, t.Rate, t.Cycles, t.Tokens)
		m.d.trades = append(m.d.trades, t)
	}
	m.mtx.Unlock()

	log.Debugf("Created %v with %d trades (rested = %v)", p, len(res.Trades), res.Rested)
	m.metrics.positions.WithLabelValues(kind.String()).Inc()
	m.metrics.trades.Add(float64(len(res.Trades)))
	m.metrics.matchDuration.Observe(res.Stats.MatchedTime.Seconds())
	for _, v := range res.Voids {
		m.metrics.voids.WithLabelValues(v.Cause().String()).Inc()
	}
	if len(res.Trades) > 0 || len(res.Voids) > 0 {
		m.kickPayouts()
	}
	return p.ID, nil
}

// VoidPosition terminates one of the caller's resting positions. The
// remainder is returned by the payout pipeline.
func (m *Market) VoidPosition(_ context.Context, caller icrc.Principal, id uint64) error {
	m.mtx.Lock()
	if m.stopping {
		m.mtx.Unlock()
		return &VoidPositionError{Code: CyclesMarketIsBusy}
	}
	v, err := m.d.book.VoidPosition(id, caller, m.cfg.MinVoidWait, m.cfg.Now())
	m.mtx.Unlock()
	if err != nil {
		code := PositionNotFound
		switch {
		case errors.Is(err, book.ErrWrongCaller):
			code = WrongCaller
		case errors.Is(err, book.ErrMinimumWaitTime):
			code = MinimumWaitTime
		}
		return &VoidPositionError{Code: code, Err: err}
	}
	m.metrics.voids.WithLabelValues(v.Cause().String()).Inc()
	m.kickPayouts()
	return nil
}

// TransferBalance moves amount out of the caller's deposit subaccount on the
// given ledger. It returns the block index.
func (m *Market) TransferBalance(ctx context.Context, caller icrc.Principal, side dex.Side, amount uint128.Uint128,
	fee *uint128.Uint128, to icrc.Account) (uint128.Uint128, error) {

	now := m.cfg.Now()
	m.mtx.Lock()
	if m.stopping {
		m.mtx.Unlock()
		return uint128.Zero, &TransferBalanceError{Code: CyclesMarketIsBusy}
	}
	if err := m.d.locks.Lock(caller, side, now); err != nil {
		m.mtx.Unlock()
		return uint128.Zero, &TransferBalanceError{Code: lockErrorCode(err), Err: err}
	}
	m.inflight.Add(1)
	m.mtx.Unlock()
	defer m.inflight.Done()

	idx, err := m.ledgers[side].TransferBalance(ctx, caller, to, amount, fee, encode.UnixNanos(now))

	m.mtx.Lock()
	m.d.locks.Unlock(caller, side)
	m.mtx.Unlock()
	if err != nil {
		return uint128.Zero, &TransferBalanceError{Code: ledgerErrorCode(err, false), Err: err}
	}
	return idx, nil
}

// DepositAccount is the account the caller funds to trade on the side.
func (m *Market) DepositAccount(caller icrc.Principal, side dex.Side) icrc.Account {
	return m.ledgers[side].DepositAccount(caller)
}

func (m *Market) isStopping() bool {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	return m.stopping
}

// Resume reopens intake after PrepareUpgrade.
func (m *Market) Resume() {
	m.mtx.Lock()
	m.stopping = false
	m.mtx.Unlock()
	log.Infof("Market intake resumed")
}

// PrepareUpgrade stops intake, waits for in-flight calls and any running
// payout pass, then saves a snapshot. Intake and payouts stay stopped until
// Resume.
func (m *Market) PrepareUpgrade(ctx context.Context) error {
	m.mtx.Lock()
	m.stopping = true
	m.mtx.Unlock()

	idle := make(chan struct{})
	go func() {
		m.inflight.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight calls: %w", ctx.Err())
	}

	m.payoutMtx.Lock()
	defer m.payoutMtx.Unlock()
	if err := m.SaveSnapshot(ctx); err != nil {
		return err
	}
	log.Infof("Market is ready for upgrade")
	return nil
}

func (m *Market) recordError(ring *errorRing, context string, err error) {
	ring.add(m.cfg.Now(), context, err)
	m.metrics.errors.WithLabelValues(context).Inc()
}

func (m *Market) updateGauges() {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	for _, kind := range positionKinds {
		m.metrics.bookDepth.WithLabelValues(kind.String()).Set(float64(m.d.book.Side(kind).Len()))
		m.metrics.voidQueue.WithLabelValues(kind.String()).Set(float64(m.d.book.Voids(kind).Len()))
	}
	m.metrics.tradeQueue.Set(float64(len(m.d.trades)))
	m.metrics.balanceLocks.Set(float64(m.d.locks.Count()))
}
