// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package simledger is an in-process fungible-token ledger with transfer
// deduplication. It backs simnet and the market tests.
package simledger

import (
	"context"
	"sync"
	"time"

	"lukechampine.com/blake3"
	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex/calc"
	"decred.org/cyclesmarket/dex/encode"
	"decred.org/cyclesmarket/dex/icrc"
	"decred.org/cyclesmarket/server/ledger"
)

const (
	// DefaultTxWindow is how long a transfer with created_at_time is
	// remembered for deduplication.
	DefaultTxWindow = 24 * time.Hour
	// DefaultPermittedDrift is the tolerated clock skew of created_at_time.
	DefaultPermittedDrift = 2 * time.Minute
)

// Block is an applied transfer.
type Block struct {
	Index  uint64
	Caller icrc.Principal
	From   icrc.Account
	To     icrc.Account
	Amount uint128.Uint128
	Fee    uint128.Uint128
	Memo   []byte
	Time   time.Time
}

// Hook runs before a transfer is applied, outside the ledger lock. Tests use
// it to hold a call in flight or to fail it.
type Hook func(ctx context.Context, caller icrc.Principal, arg *ledger.TransferArg) error

// Ledger is the simulated ledger.
type Ledger struct {
	now            func() time.Time
	txWindow       time.Duration
	permittedDrift time.Duration

	mtx      sync.Mutex
	fee      uint128.Uint128
	balances map[string]uint128.Uint128
	blocks   []*Block
	dedup    map[[32]byte]uint64
	hook     Hook
}

// New creates a ledger charging fee per transfer.
func New(fee uint128.Uint128) *Ledger {
	return &Ledger{
		now:            time.Now,
		txWindow:       DefaultTxWindow,
		permittedDrift: DefaultPermittedDrift,
		fee:            fee,
		balances:       make(map[string]uint128.Uint128),
		dedup:          make(map[[32]byte]uint64),
	}
}

// SetClock replaces the time source.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mtx.Lock()
	l.now = now
	l.mtx.Unlock()
}

// SetFee changes the transfer fee.
func (l *Ledger) SetFee(fee uint128.Uint128) {
	l.mtx.Lock()
	l.fee = fee
	l.mtx.Unlock()
}

// SetHook installs a transfer hook. nil removes it.
func (l *Ledger) SetHook(h Hook) {
	l.mtx.Lock()
	l.hook = h
	l.mtx.Unlock()
}

// Mint credits an account out of thin air.
func (l *Ledger) Mint(acct icrc.Account, amount uint128.Uint128) {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	k := acct.Key()
	l.balances[k] = calc.SatAdd(l.balances[k], amount)
}

// Balance is the account balance.
func (l *Ledger) Balance(acct icrc.Account) uint128.Uint128 {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	return l.balances[acct.Key()]
}

// Blocks returns a copy of the applied transfers.
func (l *Ledger) Blocks() []Block {
	l.mtx.Lock()
	defer l.mtx.Unlock()
	bs := make([]Block, len(l.blocks))
	for i, b := range l.blocks {
		bs[i] = *b
	}
	return bs
}

// Client binds the ledger to a calling principal.
func (l *Ledger) Client(caller icrc.Principal) ledger.Ledger {
	return &client{l: l, caller: caller}
}

// requestHash is the structural hash of a transfer for deduplication.
func requestHash(caller icrc.Principal, arg *ledger.TransferArg) [32]byte {
	var b []byte
	put := func(p []byte) {
		b = encode.AppendLEB128(b, uint64(len(p)))
		b = append(b, p...)
	}
	put([]byte(caller))
	from := icrc.Account{Owner: caller, Subaccount: arg.FromSubaccount}
	put([]byte(from.Key()))
	put([]byte(arg.To.Key()))
	amt := make([]byte, 16)
	encode.PutU128(amt, arg.Amount)
	put(amt)
	if arg.Fee != nil {
		fee := make([]byte, 16)
		encode.PutU128(fee, *arg.Fee)
		put(fee)
	} else {
		put(nil)
	}
	put(arg.Memo)
	if arg.CreatedAtTime != nil {
		put(encode.Uint64Bytes(*arg.CreatedAtTime))
	}
	return blake3.Sum256(b)
}

func (l *Ledger) transfer(ctx context.Context, caller icrc.Principal, arg *ledger.TransferArg) (uint128.Uint128, error) {
	l.mtx.Lock()
	hook := l.hook
	l.mtx.Unlock()
	if hook != nil {
		if err := hook(ctx, caller, arg); err != nil {
			return uint128.Zero, err
		}
	}

	l.mtx.Lock()
	defer l.mtx.Unlock()

	now := l.now()
	if arg.Fee != nil && !arg.Fee.Equals(l.fee) {
		return uint128.Zero, &ledger.TransferError{Kind: ledger.BadFee, ExpectedFee: l.fee}
	}

	var hash [32]byte
	if arg.CreatedAtTime != nil {
		created := encode.NanosTime(*arg.CreatedAtTime)
		if created.Before(now.Add(-l.txWindow - l.permittedDrift)) {
			return uint128.Zero, &ledger.TransferError{Kind: ledger.TooOld}
		}
		if created.After(now.Add(l.permittedDrift)) {
			return uint128.Zero, &ledger.TransferError{Kind: ledger.CreatedInFuture, LedgerTime: encode.UnixNanos(now)}
		}
		hash = requestHash(caller, arg)
		if idx, found := l.dedup[hash]; found {
			if now.Sub(l.blocks[idx].Time) <= l.txWindow {
				return uint128.Zero, &ledger.TransferError{Kind: ledger.Duplicate, DuplicateOf: uint128.From64(idx)}
			}
		}
	}

	from := icrc.Account{Owner: caller, Subaccount: arg.FromSubaccount}
	debit := calc.SatAdd(arg.Amount, l.fee)
	bal := l.balances[from.Key()]
	if bal.Cmp(debit) < 0 {
		return uint128.Zero, &ledger.TransferError{Kind: ledger.InsufficientFunds, Balance: bal}
	}
	l.balances[from.Key()] = bal.Sub(debit)
	to := arg.To.Key()
	l.balances[to] = calc.SatAdd(l.balances[to], arg.Amount)

	idx := uint64(len(l.blocks))
	l.blocks = append(l.blocks, &Block{
		Index:  idx,
		Caller: caller,
		From:   from,
		To:     arg.To,
		Amount: arg.Amount,
		Fee:    l.fee,
		Memo:   append([]byte(nil), arg.Memo...),
		Time:   now,
	})
	if arg.CreatedAtTime != nil {
		l.dedup[hash] = idx
	}
	return uint128.From64(idx), nil
}

type client struct {
	l      *Ledger
	caller icrc.Principal
}

func (c *client) Transfer(ctx context.Context, arg *ledger.TransferArg) (uint128.Uint128, error) {
	if err := ctx.Err(); err != nil {
		return uint128.Zero, &ledger.CallError{Code: ledger.CallRejectTransient, Message: err.Error()}
	}
	return c.l.transfer(ctx, c.caller, arg)
}

func (c *client) Fee(context.Context) (uint128.Uint128, error) {
	c.l.mtx.Lock()
	defer c.l.mtx.Unlock()
	return c.l.fee, nil
}

func (c *client) BalanceOf(_ context.Context, acct icrc.Account) (uint128.Uint128, error) {
	return c.l.Balance(acct), nil
}
