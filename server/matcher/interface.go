// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package matcher

import (
	"time"

	"decred.org/cyclesmarket/dex/order"
	"decred.org/cyclesmarket/server/book"
)

// Booker should be implemented by the order book.
type Booker interface {
	Side(kind order.PositionKind) *book.Side
	Voids(kind order.PositionKind) *book.VoidQueue
	Terminate(p *order.Position, cause order.TerminationCause, now time.Time) *order.VoidPosition
}

var _ Booker = (*book.Book)(nil)

// MatchStats summarizes one placement.
type MatchStats struct {
	Trades      int
	CyclesVol   uint64
	TokensVol   uint64
	HighRate    uint64
	LowRate     uint64
	Exhausted   bool
	MatchedTime time.Duration
}
