// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package ledger

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex/icrc"
)

// The JSON forms below are spoken by the ledger gateway. Amounts are decimal
// strings, subaccounts and memos are hex.

// CallerHeader carries the calling principal to the ledger gateway.
const CallerHeader = "X-Caller-Principal"

// WireAccount is the JSON form of icrc.Account.
type WireAccount struct {
	Owner      string `json:"owner"`
	Subaccount string `json:"subaccount,omitempty"`
}

// WireTransferArg is the JSON form of TransferArg.
type WireTransferArg struct {
	FromSubaccount string      `json:"from_subaccount,omitempty"`
	To             WireAccount `json:"to"`
	Amount         string      `json:"amount"`
	Fee            string      `json:"fee,omitempty"`
	Memo           string      `json:"memo,omitempty"`
	CreatedAtTime  *uint64     `json:"created_at_time,omitempty"`
}

// WireTransferError is the JSON form of TransferError.
type WireTransferError struct {
	Kind        string `json:"kind"`
	ExpectedFee string `json:"expected_fee,omitempty"`
	MinBurn     string `json:"min_burn_amount,omitempty"`
	Balance     string `json:"balance,omitempty"`
	LedgerTime  uint64 `json:"ledger_time,omitempty"`
	DuplicateOf string `json:"duplicate_of,omitempty"`
	Code        uint64 `json:"error_code,omitempty"`
	Message     string `json:"message,omitempty"`
}

// WireTransferResult is the reply to a transfer: exactly one of Ok and Err.
type WireTransferResult struct {
	Ok  string             `json:"ok,omitempty"`
	Err *WireTransferError `json:"err,omitempty"`
}

// WireAmount is the reply to fee and balance requests.
type WireAmount struct {
	Amount string `json:"amount"`
}

func u128String(u uint128.Uint128) string {
	return u.String()
}

func parseU128(s string) (uint128.Uint128, error) {
	if s == "" {
		return uint128.Zero, nil
	}
	return uint128.FromString(s)
}

func subaccountHex(s *icrc.Subaccount) string {
	if s == nil {
		return ""
	}
	return s.String()
}

// EncodeAccount converts an account to its JSON form.
func EncodeAccount(a icrc.Account) WireAccount {
	return WireAccount{Owner: a.Owner.String(), Subaccount: subaccountHex(a.Subaccount)}
}

// DecodeAccount parses the JSON form of an account.
func DecodeAccount(w WireAccount) (icrc.Account, error) {
	owner, err := icrc.ParsePrincipal(w.Owner)
	if err != nil {
		return icrc.Account{}, err
	}
	sub, err := icrc.ParseSubaccount(w.Subaccount)
	if err != nil {
		return icrc.Account{}, err
	}
	return icrc.Account{Owner: owner, Subaccount: sub}, nil
}

// EncodeTransferArg converts a TransferArg to its JSON form.
func EncodeTransferArg(arg *TransferArg) *WireTransferArg {
	w := &WireTransferArg{
		FromSubaccount: subaccountHex(arg.FromSubaccount),
		To:             EncodeAccount(arg.To),
		Amount:         u128String(arg.Amount),
		Memo:           hex.EncodeToString(arg.Memo),
		CreatedAtTime:  arg.CreatedAtTime,
	}
	if arg.Fee != nil {
		w.Fee = u128String(*arg.Fee)
	}
	return w
}

// DecodeTransferArg parses the JSON form of a TransferArg.
func DecodeTransferArg(w *WireTransferArg) (*TransferArg, error) {
	from, err := icrc.ParseSubaccount(w.FromSubaccount)
	if err != nil {
		return nil, fmt.Errorf("from_subaccount: %w", err)
	}
	to, err := DecodeAccount(w.To)
	if err != nil {
		return nil, fmt.Errorf("to: %w", err)
	}
	amt, err := parseU128(w.Amount)
	if err != nil {
		return nil, fmt.Errorf("amount: %w", err)
	}
	memo, err := hex.DecodeString(w.Memo)
	if err != nil {
		return nil, fmt.Errorf("memo: %w", err)
	}
	arg := &TransferArg{
		FromSubaccount: from,
		To:             to,
		Amount:         amt,
		CreatedAtTime:  w.CreatedAtTime,
	}
	if len(memo) > 0 {
		arg.Memo = memo
	}
	if w.Fee != "" {
		fee, err := parseU128(w.Fee)
		if err != nil {
			return nil, fmt.Errorf("fee: %w", err)
		}
		arg.Fee = &fee
	}
	return arg, nil
}

// EncodeTransferError converts a TransferError to its JSON form.
func EncodeTransferError(e *TransferError) *WireTransferError {
	w := &WireTransferError{
		Kind:       e.Kind.String(),
		LedgerTime: e.LedgerTime,
		Code:       e.Code,
		Message:    e.Message,
	}
	switch e.Kind {
	case BadFee:
		w.ExpectedFee = u128String(e.ExpectedFee)
	case BadBurn:
		w.MinBurn = u128String(e.MinBurn)
	case InsufficientFunds:
		w.Balance = u128String(e.Balance)
	case Duplicate:
		w.DuplicateOf = u128String(e.DuplicateOf)
	}
	return w
}

// DecodeTransferError parses the JSON form of a TransferError.
func DecodeTransferError(w *WireTransferError) (*TransferError, error) {
	kind, ok := ParseTransferErrorKind(w.Kind)
	if !ok {
		return nil, fmt.Errorf("unknown transfer error kind %q", w.Kind)
	}
	e := &TransferError{
		Kind:       kind,
		LedgerTime: w.LedgerTime,
		Code:       w.Code,
		Message:    w.Message,
	}
	var err error
	for _, f := range []struct {
		s   string
		dst *uint128.Uint128
	}{
		{w.ExpectedFee, &e.ExpectedFee},
		{w.MinBurn, &e.MinBurn},
		{w.Balance, &e.Balance},
		{w.DuplicateOf, &e.DuplicateOf},
	} {
		if *f.dst, err = parseU128(f.s); err != nil {
			return nil, err
		}
	}
	return e, nil
}
