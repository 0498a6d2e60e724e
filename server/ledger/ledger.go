// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package ledger adapts the external cycles and token ledgers for the market.
// A Ledger is one remote ledger as seen by the market's own principal. The
// Adapter adds fee caching and the escrow and payout transfer shapes.
package ledger

import (
	"context"
	"fmt"

	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex/icrc"
)

// TransferArg is a ledger transfer request. A nil Fee lets the ledger apply
// its current fee. CreatedAtTime enables the ledger's deduplication.
type TransferArg struct {
	FromSubaccount *icrc.Subaccount
	To             icrc.Account
	Amount         uint128.Uint128
	Fee            *uint128.Uint128
	Memo           []byte
	CreatedAtTime  *uint64
}

// Ledger is a remote fungible-token ledger. Transfer errors are returned as
// *TransferError when the ledger processed and refused the transfer, and as
// *CallError when the call itself failed.
type Ledger interface {
	Transfer(ctx context.Context, arg *TransferArg) (blockIndex uint128.Uint128, err error)
	Fee(ctx context.Context) (uint128.Uint128, error)
	BalanceOf(ctx context.Context, acct icrc.Account) (uint128.Uint128, error)
}

// TransferErrorKind enumerates the ledger's transfer-level refusals.
type TransferErrorKind uint8

const (
	BadFee TransferErrorKind = iota
	BadBurn
	InsufficientFunds
	TooOld
	CreatedInFuture
	Duplicate
	TemporarilyUnavailable
	GenericError
)

var transferErrorNames = map[TransferErrorKind]string{
	BadFee:                 "BadFee",
	BadBurn:                "BadBurn",
	InsufficientFunds:      "InsufficientFunds",
	TooOld:                 "TooOld",
	CreatedInFuture:        "CreatedInFuture",
	Duplicate:              "Duplicate",
	TemporarilyUnavailable: "TemporarilyUnavailable",
	GenericError:           "GenericError",
}

// String implements Stringer.
func (k TransferErrorKind) String() string {
	if s, ok := transferErrorNames[k]; ok {
		return s
	}
	return fmt.Sprintf("TransferErrorKind(%d)", uint8(k))
}

// ParseTransferErrorKind is the inverse of String.
func ParseTransferErrorKind(s string) (TransferErrorKind, bool) {
	for k, name := range transferErrorNames {
		if name == s {
			return k, true
		}
	}
	return 0, false
}

// TransferError is a refusal by the ledger. Only the field matching Kind is
// meaningful.
type TransferError struct {
	Kind        TransferErrorKind
	ExpectedFee uint128.Uint128 // BadFee
	MinBurn     uint128.Uint128 // BadBurn
	Balance     uint128.Uint128 // InsufficientFunds
	LedgerTime  uint64          // CreatedInFuture
	DuplicateOf uint128.Uint128 // Duplicate
	Code        uint64          // GenericError
	Message     string          // GenericError
}

func (e *TransferError) Error() string {
	switch e.Kind {
	case BadFee:
		return fmt.Sprintf("bad fee, expected %s", e.ExpectedFee)
	case BadBurn:
		return fmt.Sprintf("bad burn, minimum %s", e.MinBurn)
	case InsufficientFunds:
		return fmt.Sprintf("insufficient funds, balance %s", e.Balance)
	case CreatedInFuture:
		return fmt.Sprintf("created in future, ledger time %d", e.LedgerTime)
	case Duplicate:
		return fmt.Sprintf("duplicate of block %s", e.DuplicateOf)
	case GenericError:
		return fmt.Sprintf("ledger error %d: %s", e.Code, e.Message)
	}
	return e.Kind.String()
}

// CallError is a failure of the call itself: the ledger was unreachable,
// rejected the call, or replied with something unreadable.
type CallError struct {
	Code    int
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("ledger call failed (%d): %s", e.Code, e.Message)
}

// Call error codes, after the platform's reject codes.
const (
	CallRejectTransient     = 2
	CallRejectDestination   = 3
	CallRejectCanisterError = 5
)
