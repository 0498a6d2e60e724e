// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package ledger

import (
	"context"
	"errors"
	"sync"

	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/icrc"
)

// Adapter wraps one Ledger with a cached transfer fee. The market holds one
// per side.
type Adapter struct {
	side   dex.Side
	self   icrc.Principal
	ledger Ledger
	log    dex.Logger

	feeMtx sync.RWMutex
	fee    uint128.Uint128
}

// NewAdapter creates an Adapter. self is the market's own principal on the
// ledger. fee seeds the fee cache.
func NewAdapter(side dex.Side, self icrc.Principal, l Ledger, fee uint128.Uint128, log dex.Logger) *Adapter {
	return &Adapter{
		side:   side,
		self:   self,
		ledger: l,
		fee:    fee,
		log:    log,
	}
}

// Side is the ledger side served.
func (a *Adapter) Side() dex.Side {
	return a.side
}

// Fee is the cached transfer fee.
func (a *Adapter) Fee() uint128.Uint128 {
	a.feeMtx.RLock()
	defer a.feeMtx.RUnlock()
	return a.fee
}

func (a *Adapter) setFee(fee uint128.Uint128) {
	a.feeMtx.Lock()
	old := a.fee
	a.fee = fee
	a.feeMtx.Unlock()
	if !old.Equals(fee) {
		a.log.Infof("%s ledger fee changed from %s to %s", a.side, old, fee)
	}
}

// RefreshFee reads the ledger's fee into the cache.
func (a *Adapter) RefreshFee(ctx context.Context) error {
	fee, err := a.ledger.Fee(ctx)
	if err != nil {
		return err
	}
	a.setFee(fee)
	return nil
}

// Transfer submits arg, filling in the cached fee if arg.Fee is nil. A BadFee
// refusal replaces the cached fee with the ledger's expected fee; retrying is
// up to the caller.
func (a *Adapter) Transfer(ctx context.Context, arg *TransferArg) (uint128.Uint128, error) {
	if arg.Fee == nil {
		fee := a.Fee()
		arg.Fee = &fee
	}
	idx, err := a.ledger.Transfer(ctx, arg)
	if err != nil {
		var te *TransferError
		if errors.As(err, &te) && te.Kind == BadFee {
			a.setFee(te.ExpectedFee)
		}
		return uint128.Zero, err
	}
	return idx, nil
}

// EscrowPull moves amount from the user's deposit subaccount to the positions
// subaccount. The user pays fee on top of amount.
func (a *Adapter) EscrowPull(ctx context.Context, user icrc.Principal, amount uint128.Uint128, fee *uint128.Uint128, createdAt uint64) (uint128.Uint128, error) {
	from := icrc.PrincipalSubaccount(user)
	to := icrc.PositionsSubaccount
	return a.Transfer(ctx, &TransferArg{
		FromSubaccount: &from,
		To:             icrc.Account{Owner: a.self, Subaccount: &to},
		Amount:         amount,
		Fee:            fee,
		CreatedAtTime:  &createdAt,
	})
}

// Payout pays amount from the positions subaccount to an account. The fee is
// deducted from amount by the caller.
func (a *Adapter) Payout(ctx context.Context, to icrc.Account, amount, fee uint128.Uint128, memo []byte, createdAt uint64) (uint128.Uint128, error) {
	from := icrc.PositionsSubaccount
	return a.Transfer(ctx, &TransferArg{
		FromSubaccount: &from,
		To:             to,
		Amount:         amount,
		Fee:            &fee,
		Memo:           memo,
		CreatedAtTime:  &createdAt,
	})
}

// TransferBalance moves amount out of the user's deposit subaccount to any
// account.
func (a *Adapter) TransferBalance(ctx context.Context, user icrc.Principal, to icrc.Account, amount uint128.Uint128, fee *uint128.Uint128, createdAt uint64) (uint128.Uint128, error) {
	from := icrc.PrincipalSubaccount(user)
	return a.Transfer(ctx, &TransferArg{
		FromSubaccount: &from,
		To:             to,
		Amount:         amount,
		Fee:            fee,
		CreatedAtTime:  &createdAt,
	})
}

// PositionsBalance is the balance of the positions subaccount.
func (a *Adapter) PositionsBalance(ctx context.Context) (uint128.Uint128, error) {
	sub := icrc.PositionsSubaccount
	return a.ledger.BalanceOf(ctx, icrc.Account{Owner: a.self, Subaccount: &sub})
}

// DepositBalance is the balance of a user's deposit subaccount.
func (a *Adapter) DepositBalance(ctx context.Context, user icrc.Principal) (uint128.Uint128, error) {
	sub := icrc.PrincipalSubaccount(user)
	return a.ledger.BalanceOf(ctx, icrc.Account{Owner: a.self, Subaccount: &sub})
}

// DepositAccount is the account a user funds to trade.
func (a *Adapter) DepositAccount(user icrc.Principal) icrc.Account {
	sub := icrc.PrincipalSubaccount(user)
	return icrc.Account{Owner: a.self, Subaccount: &sub}
}
