// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package book holds the market's resting positions, the void positions
// awaiting their returns, and the per-principal balance locks.
package book

import (
	"fmt"
	"time"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/encode"
	"decred.org/cyclesmarket/dex/icrc"
	"decred.org/cyclesmarket/dex/order"
)

const (
	ErrPositionNotFound = dex.ErrorKind("position not found")
	ErrWrongCaller      = dex.ErrorKind("caller is not the positor")
	ErrMinimumWaitTime  = dex.ErrorKind("position too young to void")
)

// Book is both sides of the market plus their void queues. Book is not
// thread-safe; the market serializes access.
type Book struct {
	Cycles      *Side
	Tokens      *Side
	CyclesVoids *VoidQueue
	TokenVoids  *VoidQueue
}

// New creates an empty book with per-side capacities.
func New(maxCyclesPositions, maxTokenPositions int) *Book {
	return &Book{
		Cycles:      NewSide(order.CyclesPosition, maxCyclesPositions),
		Tokens:      NewSide(order.TokenPosition, maxTokenPositions),
		CyclesVoids: NewVoidQueue(),
		TokenVoids:  NewVoidQueue(),
	}
}

// Side returns the side holding positions of kind.
func (b *Book) Side(kind order.PositionKind) *Side {
	if kind == order.CyclesPosition {
		return b.Cycles
	}
	return b.Tokens
}

// Voids returns the void queue for kind.
func (b *Book) Voids(kind order.PositionKind) *VoidQueue {
	if kind == order.CyclesPosition {
		return b.CyclesVoids
	}
	return b.TokenVoids
}

// Find locates a resting position on either side.
func (b *Book) Find(id uint64) (*order.Position, bool) {
	if p, found := b.Cycles.Get(id); found {
		return p, true
	}
	return b.Tokens.Get(id)
}

// Terminate moves a resting position to its void queue.
func (b *Book) Terminate(p *order.Position, cause order.TerminationCause, now time.Time) *order.VoidPosition {
	b.Side(p.Kind).Remove(p.ID)
	v := order.NewVoidPosition(p, cause, encode.UnixNanos(now))
	b.Voids(p.Kind).Add(v)
	return v
}

// VoidPosition terminates a position at its positor's request. Positions
// younger than minWait are refused.
func (b *Book) VoidPosition(id uint64, caller icrc.Principal, minWait time.Duration, now time.Time) (*order.VoidPosition, error) {
	p, found := b.Find(id)
	if !found {
		return nil, dex.NewError(ErrPositionNotFound, fmt.Sprintf("id %d", id))
	}
	if p.Positor != caller {
		return nil, ErrWrongCaller
	}
	if age := now.Sub(encode.NanosTime(p.Timestamp)); age < minWait {
		return nil, dex.NewError(ErrMinimumWaitTime, fmt.Sprintf("%s remaining", minWait-age))
	}
	return b.Terminate(p, order.CauseUserCallVoidPosition, now), nil
}
