// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package market

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/server/book"
	"decred.org/cyclesmarket/server/ledger"
)

// ErrorCode identifies a caller-facing rejection.
type ErrorCode uint8

const (
	MinimumPosition ErrorCode = iota + 1
	RateCannotBeZero
	CallerIsInTheMiddleOfADifferentCallThatLocksTheBalance
	CyclesMarketIsBusy
	CyclesMarketIsFull
	CreatePositionLedgerTransferCallError
	CreatePositionLedgerTransferError
	LedgerTransferCallError
	LedgerTransferError
	WrongCaller
	MinimumWaitTime
	PositionNotFound
)

var errorCodeNames = map[ErrorCode]string{
	MinimumPosition:  "MinimumPosition",
	RateCannotBeZero: "RateCannotBeZero",
	CallerIsInTheMiddleOfADifferentCallThatLocksTheBalance: "CallerIsInTheMiddleOfADifferentCallThatLocksTheBalance",
	CyclesMarketIsBusy:                    "CyclesMarketIsBusy",
	CyclesMarketIsFull:                    "CyclesMarketIsFull",
	CreatePositionLedgerTransferCallError: "CreatePositionLedgerTransferCallError",
	CreatePositionLedgerTransferError:     "CreatePositionLedgerTransferError",
	LedgerTransferCallError:               "LedgerTransferCallError",
	LedgerTransferError:                   "LedgerTransferError",
	WrongCaller:                           "WrongCaller",
	MinimumWaitTime:                       "MinimumWaitTime",
	PositionNotFound:                      "PositionNotFound",
}

func (c ErrorCode) String() string {
	if s, ok := errorCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("ErrorCode(%d)", uint8(c))
}

// lockErrorCode maps a balance lock refusal.
func lockErrorCode(err error) ErrorCode {
	if errors.Is(err, book.ErrBusy) {
		return CyclesMarketIsBusy
	}
	return CallerIsInTheMiddleOfADifferentCallThatLocksTheBalance
}

// ledgerErrorCode separates call-level failures from transfer rejections.
// Escrow failures get the position-creation codes.
func ledgerErrorCode(err error, escrow bool) ErrorCode {
	var te *ledger.TransferError
	isTransfer := errors.As(err, &te)
	switch {
	case escrow && isTransfer:
		return CreatePositionLedgerTransferError
	case escrow:
		return CreatePositionLedgerTransferCallError
	case isTransfer:
		return LedgerTransferError
	}
	return LedgerTransferCallError
}

// TradeError is returned by the trade operations. The payload fields are set
// according to Code.
type TradeError struct {
	Code ErrorCode
	// MinimumCycles and MinimumTokens accompany MinimumPosition.
	MinimumCycles uint128.Uint128
	MinimumTokens uint128.Uint128
	// BumpRate and BumpQuantity accompany CyclesMarketIsFull.
	BumpRate     uint128.Uint128
	BumpQuantity uint128.Uint128
	// Err is the ledger error for the escrow transfer codes.
	Err error
}

func (e *TradeError) Error() string {
	switch e.Code {
	case MinimumPosition:
		return fmt.Sprintf("%s: minimum %s cycles and %s tokens", e.Code, e.MinimumCycles, e.MinimumTokens)
	case CyclesMarketIsFull:
		return fmt.Sprintf("%s: bump requires rate %s and quantity %s", e.Code, e.BumpRate, e.BumpQuantity)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code.String()
}

func (e *TradeError) Unwrap() error {
	return e.Err
}

// VoidPositionError is returned by VoidPosition.
type VoidPositionError struct {
	Code ErrorCode
	Err  error
}

func (e *VoidPositionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code.String()
}

func (e *VoidPositionError) Unwrap() error {
	return e.Err
}

// TransferBalanceError is returned by TransferBalance.
type TransferBalanceError struct {
	Code ErrorCode
	Err  error
}

func (e *TransferBalanceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return e.Code.String()
}

func (e *TransferBalanceError) Unwrap() error {
	return e.Err
}

// CodeOf extracts the ErrorCode from any of the operation errors.
func CodeOf(err error) (ErrorCode, bool) {
	var te *TradeError
	if errors.As(err, &te) {
		return te.Code, true
	}
	var ve *VoidPositionError
	if errors.As(err, &ve) {
		return ve.Code, true
	}
	var be *TransferBalanceError
	if errors.As(err, &be) {
		return be.Code, true
	}
	return 0, false
}

const errorRingSize = 200

// LoggedError is one entry of an error ring.
type LoggedError struct {
	Time    time.Time
	Context string
	Message string
}

// errorRing keeps the most recent errors.
type errorRing struct {
	mtx     sync.Mutex
	entries []LoggedError
	next    int
}

func (r *errorRing) add(now time.Time, context string, err error) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	e := LoggedError{Time: now, Context: context, Message: err.Error()}
	if len(r.entries) < errorRingSize {
		r.entries = append(r.entries, e)
		return
	}
	r.entries[r.next] = e
	r.next = (r.next + 1) % errorRingSize
}

// list returns the entries oldest first.
func (r *errorRing) list() []LoggedError {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	out := make([]LoggedError, 0, len(r.entries))
	out = append(out, r.entries[r.next:]...)
	return append(out, r.entries[:r.next]...)
}

func (r *errorRing) load(es []LoggedError) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	if len(es) > errorRingSize {
		es = es[len(es)-errorRingSize:]
	}
	r.entries = append([]LoggedError(nil), es...)
	r.next = 0
}
