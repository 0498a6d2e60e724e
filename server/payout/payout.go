// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package payout executes the ledger transfers that settle trades and void
// positions. Picking the jobs and committing the outcomes is the market's
// business; this package only runs them.
package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/encode"
	"decred.org/cyclesmarket/dex/icrc"
	"decred.org/cyclesmarket/dex/order"
	"decred.org/cyclesmarket/server/ledger"
)

const (
	// DefaultChunkSize is the most jobs of one category run per tick.
	DefaultChunkSize = 25
	// DefaultCreatedAtReuse is how long a payout keeps submitting its first
	// created_at_time. It must stay inside the ledger's dedup window.
	DefaultCreatedAtReuse = 20 * time.Hour

	memoTrade       = "CTSTRADE"
	memoVoidCycles  = "CTS-VCP-"
	memoVoidTokens  = "CTS-VTP-"
	memoPrefixBytes = 8
)

// Category is one of the four payout kinds.
type Category uint8

const (
	VoidCycles Category = iota
	VoidTokens
	TradeCycles
	TradeTokens
)

var categoryNames = [...]string{"void-cycles", "void-tokens", "trade-cycles", "trade-tokens"}

func (c Category) String() string {
	if int(c) < len(categoryNames) {
		return categoryNames[c]
	}
	return fmt.Sprintf("Category(%d)", uint8(c))
}

// Side is the ledger the category pays on.
func (c Category) Side() dex.Side {
	if c == VoidCycles || c == TradeCycles {
		return dex.CyclesSide
	}
	return dex.TokenSide
}

// Memo builds the transfer memo for an entry id.
func (c Category) Memo(id uint64) []byte {
	prefix := memoTrade
	switch c {
	case VoidCycles:
		prefix = memoVoidCycles
	case VoidTokens:
		prefix = memoVoidTokens
	}
	return encode.AppendLEB128([]byte(prefix), id)
}

// ParseMemo is the inverse of Memo. Trade memos are reported as
// TradeCycles.
func ParseMemo(memo []byte) (Category, uint64, error) {
	if len(memo) <= memoPrefixBytes {
		return 0, 0, fmt.Errorf("memo too short (%d bytes)", len(memo))
	}
	var c Category
	switch string(memo[:memoPrefixBytes]) {
	case memoTrade:
		c = TradeCycles
	case memoVoidCycles:
		c = VoidCycles
	case memoVoidTokens:
		c = VoidTokens
	default:
		return 0, 0, fmt.Errorf("unknown memo prefix %q", memo[:memoPrefixBytes])
	}
	id, n, err := encode.ReadLEB128(memo[memoPrefixBytes:])
	if err != nil {
		return 0, 0, err
	}
	if n != len(memo)-memoPrefixBytes {
		return 0, 0, fmt.Errorf("trailing memo bytes")
	}
	return c, id, nil
}

// Job is one payout. Amount is the gross quantity owed; the ledger fee comes
// out of it.
type Job struct {
	Category Category
	ID       uint64
	To       icrc.Account
	Amount   uint128.Uint128
	// CreatedAt and Fee are the stamp of an earlier attempt. CreatedAt is
	// zero if there was none.
	CreatedAt uint64
	Fee       uint128.Uint128
}

func (j *Job) String() string {
	return fmt.Sprintf("%s payout %d (%s to %s)", j.Category, j.ID, j.Amount, j.To)
}

// TradeJobs returns the outstanding payouts of a trade that are not locked.
func TradeJobs(t *order.TradeLog) []*Job {
	var jobs []*Job
	if t.CyclesPayout.Pending() {
		jobs = append(jobs, &Job{
			Category:  TradeCycles,
			ID:        t.ID,
			To:        icrc.Account{Owner: t.TokenPositor(), Subaccount: t.CyclesPayoutTo},
			Amount:    t.CyclesPayoutAmount(),
			CreatedAt: t.CyclesPayout.CreatedAt,
			Fee:       t.CyclesPayout.Fee,
		})
	}
	if t.TokensPayout.Pending() {
		jobs = append(jobs, &Job{
			Category:  TradeTokens,
			ID:        t.ID,
			To:        icrc.Account{Owner: t.CyclesPositor(), Subaccount: t.TokensPayoutTo},
			Amount:    t.TokensPayoutAmount(),
			CreatedAt: t.TokensPayout.CreatedAt,
			Fee:       t.TokensPayout.Fee,
		})
	}
	return jobs
}

// VoidJob returns the return payout of a void position, or nil if it is
// settled or locked.
func VoidJob(v *order.VoidPosition) *Job {
	if !v.Payout.Pending() {
		return nil
	}
	c := VoidCycles
	if v.Kind == order.TokenPosition {
		c = VoidTokens
	}
	return &Job{
		Category:  c,
		ID:        v.ID,
		To:        icrc.Account{Owner: v.Positor, Subaccount: v.ReturnTo},
		Amount:    v.Quantity,
		CreatedAt: v.Payout.CreatedAt,
		Fee:       v.Payout.Fee,
	}
}

// Transferer sends payouts from the positions subaccount. *ledger.Adapter
// satisfies Transferer.
type Transferer interface {
	Fee() uint128.Uint128
	Payout(ctx context.Context, to icrc.Account, amount, fee uint128.Uint128, memo []byte, createdAt uint64) (uint128.Uint128, error)
}

var _ Transferer = (*ledger.Adapter)(nil)

// Outcome is the result of one job. Data is nil if the payout must be
// retried. CreatedAt and Fee are the stamp to remember for the retry.
type Outcome struct {
	Job       *Job
	Data      *order.PayoutData
	CreatedAt uint64
	Fee       uint128.Uint128
	Err       error
}

// Config is the Executor configuration.
type Config struct {
	Cycles Transferer
	Tokens Transferer
	// CreatedAtReuse defaults to DefaultCreatedAtReuse.
	CreatedAtReuse time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// Executor runs payout jobs.
type Executor struct {
	transferers [2]Transferer
	reuse       time.Duration
	now         func() time.Time
}

// NewExecutor is the constructor for an Executor.
func NewExecutor(cfg *Config) *Executor {
	e := &Executor{
		transferers: [2]Transferer{cfg.Cycles, cfg.Tokens},
		reuse:       cfg.CreatedAtReuse,
		now:         cfg.Now,
	}
	if e.reuse <= 0 {
		e.reuse = DefaultCreatedAtReuse
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e
}

// Stamp gives the job a created_at_time and ledger fee. An earlier stamp is
// kept while the ledger would still deduplicate against it.
func (e *Executor) Stamp(j *Job) {
	now := e.now()
	if j.CreatedAt != 0 && now.Sub(encode.NanosTime(j.CreatedAt)) < e.reuse {
		return
	}
	j.CreatedAt = encode.UnixNanos(now)
	j.Fee = e.transferers[j.Category.Side()].Fee()
}

// Pay executes a single job with its stamp, stamping it first if needed.
// Amounts that would not strictly exceed the stamped fee are collected as dust
// without a transfer.
func (e *Executor) Pay(ctx context.Context, job *Job) *Outcome {
	e.Stamp(job)
	now := e.now()
	tr := e.transferers[job.Category.Side()]
	fee := job.Fee
	out := &Outcome{Job: job, CreatedAt: job.CreatedAt, Fee: fee}
	if job.Amount.Cmp(fee) <= 0 {
		log.Debugf("Dust collection for %v, fee %s", job, fee)
		out.Data = &order.PayoutData{Timestamp: encode.UnixNanos(now)}
		return out
	}
	idx, err := tr.Payout(ctx, job.To, job.Amount.Sub(fee), fee, job.Category.Memo(job.ID), job.CreatedAt)
	if err != nil {
		var te *ledger.TransferError
		if errors.As(err, &te) {
			switch te.Kind {
			case ledger.Duplicate:
				log.Infof("%v already paid in block %s", job, te.DuplicateOf)
				idx, err = te.DuplicateOf, nil
			case ledger.BadFee, ledger.TooOld, ledger.CreatedInFuture:
				// The ledger recorded nothing. Start over with a fresh stamp.
				out.CreatedAt, out.Fee = 0, uint128.Zero
			}
		}
	}
	if err != nil {
		out.Err = fmt.Errorf("%v: %w", job, err)
		return out
	}
	out.Data = &order.PayoutData{
		DidTransfer: true,
		BlockIndex:  idx,
		LedgerFee:   fee,
		Timestamp:   encode.UnixNanos(now),
	}
	return out
}

// Task is auxiliary work joined with a payout run.
type Task func(ctx context.Context)

// Execute runs every job and task concurrently and waits for all of them.
// Outcomes are in job order.
func (e *Executor) Execute(ctx context.Context, jobs []*Job, tasks ...Task) []*Outcome {
	outcomes := make([]*Outcome, len(jobs))
	var g errgroup.Group
	for i, job := range jobs {
		g.Go(func() error {
			outcomes[i] = e.Pay(ctx, job)
			return nil
		})
	}
	for _, task := range tasks {
		g.Go(func() error {
			task(ctx)
			return nil
		})
	}
	_ = g.Wait() // jobs report through outcomes
	return outcomes
}

// Picker collects jobs up to a per-category limit.
type Picker struct {
	size   int
	counts [4]int
	Jobs   []*Job
}

// NewPicker creates a Picker taking up to size jobs per category.
func NewPicker(size int) *Picker {
	if size <= 0 {
		size = DefaultChunkSize
	}
	return &Picker{size: size}
}

// Add takes the job if its category has room.
func (p *Picker) Add(j *Job) bool {
	if p.counts[j.Category] >= p.size {
		return false
	}
	p.counts[j.Category]++
	p.Jobs = append(p.Jobs, j)
	return true
}

// Full reports whether the category has no room left.
func (p *Picker) Full(c Category) bool {
	return p.counts[c] >= p.size
}
