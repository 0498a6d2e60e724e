// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package order

import (
	"fmt"

	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex/icrc"
)

// TerminationCause is why a position left the book.
type TerminationCause uint8

const (
	CauseFill TerminationCause = iota
	CauseBump
	CauseTimePass
	CauseUserCallVoidPosition
)

var causeNames = map[TerminationCause]string{
	CauseFill:                 "Fill",
	CauseBump:                 "Bump",
	CauseTimePass:             "TimePass",
	CauseUserCallVoidPosition: "UserCallVoidPosition",
}

// String implements Stringer.
func (c TerminationCause) String() string {
	if name, ok := causeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("TerminationCause(%d)", uint8(c))
}

// Termination records when and why a position was terminated.
type Termination struct {
	Timestamp uint64
	Cause     TerminationCause
}

// PayoutData is the settled outcome of one payout. DidTransfer is false for
// dust collection, in which case BlockIndex is meaningless.
type PayoutData struct {
	DidTransfer bool
	BlockIndex  uint128.Uint128
	LedgerFee   uint128.Uint128
	Timestamp   uint64
}

// Payout tracks one outstanding payout. Lock is set while a transfer is in
// flight. CreatedAt and Fee are the created_at_time and ledger fee stamped on
// the first submission, kept so retries send the same transfer and hit the
// ledger's deduplication.
type Payout struct {
	Lock      bool
	CreatedAt uint64
	Fee       uint128.Uint128
	Data      *PayoutData
}

// Complete is true once the payout settled, by transfer or dust collection.
func (p *Payout) Complete() bool {
	return p.Data != nil
}

// Pending is true when the payout can be picked for execution.
func (p *Payout) Pending() bool {
	return p.Data == nil && !p.Lock
}

// VoidPosition is a terminated position that owes its remaining quantity back
// to the positor. It is removed once the return is settled and the archival
// row has been rewritten with the settlement.
type VoidPosition struct {
	ID       uint64
	Positor  icrc.Principal
	Kind     PositionKind
	Quantity uint128.Uint128
	ReturnTo *icrc.Subaccount
	// Log is the final archival row, completed with the dust flag and ledger
	// fee once the payout settles.
	Log    PositionLog
	Payout Payout
	// LogUpdateLock is set while the archival row is being rewritten.
	LogUpdateLock bool
	LogUpdated    bool
}

// NewVoidPosition terminates p. The caller removes p from the book.
func NewVoidPosition(p *Position, cause TerminationCause, now uint64) *VoidPosition {
	return &VoidPosition{
		ID:       p.ID,
		Positor:  p.Positor,
		Kind:     p.Kind,
		Quantity: p.Remaining,
		ReturnTo: p.ReturnTo,
		Log:      *p.Log(&Termination{Timestamp: now, Cause: cause}),
	}
}

// Cause is the termination cause.
func (v *VoidPosition) Cause() TerminationCause {
	if v.Log.Termination == nil {
		return CauseFill
	}
	return v.Log.Termination.Cause
}

// SettleLog folds the payout outcome into the archival row.
func (v *VoidPosition) SettleLog() {
	if v.Payout.Data == nil {
		return
	}
	v.Log.VoidPayoutDust = !v.Payout.Data.DidTransfer
	v.Log.VoidPayoutLedgerFee = v.Payout.Data.LedgerFee.Lo
}

// Done is true when nothing is left to do for the void position.
func (v *VoidPosition) Done() bool {
	return v.Payout.Complete() && v.LogUpdated
}
