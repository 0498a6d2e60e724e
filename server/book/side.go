// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package book

import (
	"sort"

	"github.com/huandu/skiplist"
	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/calc"
	"decred.org/cyclesmarket/dex/icrc"
	"decred.org/cyclesmarket/dex/order"
)

// priorityKey orders a side of the book best-first: by rate (descending for
// cycles positions, ascending for token positions), then by creation time,
// then by id.
type priorityKey struct {
	rate uint128.Uint128
	ts   uint64
	id   uint64
}

// priorityComparable is a skiplist.Comparable for priorityKey. Its value is
// the kind of the side it orders.
type priorityComparable order.PositionKind

var _ skiplist.Comparable = priorityComparable(0)

func (c priorityComparable) Compare(lhs, rhs interface{}) int {
	l, r := lhs.(priorityKey), rhs.(priorityKey)
	if cmp := l.rate.Cmp(r.rate); cmp != 0 {
		if order.PositionKind(c) == order.CyclesPosition {
			return -cmp
		}
		return cmp
	}
	switch {
	case l.ts < r.ts:
		return -1
	case l.ts > r.ts:
		return 1
	case l.id < r.id:
		return -1
	case l.id > r.id:
		return 1
	}
	return 0
}

// CalcScore must never order two keys against Compare. Rates convert to
// float64 monotonically, ties fall through to Compare.
func (c priorityComparable) CalcScore(key interface{}) float64 {
	f := calc.Float(key.(priorityKey).rate)
	if order.PositionKind(c) == order.CyclesPosition {
		return -f
	}
	return f
}

func keyOf(p *order.Position) priorityKey {
	return priorityKey{rate: p.Rate, ts: p.Timestamp, id: p.ID}
}

// Side is one kind of resting position, keyed by id and indexed by price-time
// priority. Side is not thread-safe.
type Side struct {
	kind      order.PositionKind
	max       int
	positions map[uint64]*order.Position
	index     *skiplist.SkipList
}

// NewSide creates an empty side that holds up to max positions.
func NewSide(kind order.PositionKind, max int) *Side {
	return &Side{
		kind:      kind,
		max:       max,
		positions: make(map[uint64]*order.Position),
		index:     skiplist.New(priorityComparable(kind)),
	}
}

// Kind is the position kind held.
func (s *Side) Kind() order.PositionKind {
	return s.kind
}

// Len is the number of resting positions.
func (s *Side) Len() int {
	return len(s.positions)
}

// Capacity is the maximum number of resting positions.
func (s *Side) Capacity() int {
	return s.max
}

// Full is true when no position can be inserted without a bump.
func (s *Side) Full() bool {
	return len(s.positions) >= s.max
}

// Insert adds a position. A position already present is not re-added.
func (s *Side) Insert(p *order.Position) bool {
	if _, found := s.positions[p.ID]; found {
		return false
	}
	s.positions[p.ID] = p
	s.index.Set(keyOf(p), p)
	return true
}

// Remove takes a position off the side.
func (s *Side) Remove(id uint64) (*order.Position, bool) {
	p, found := s.positions[id]
	if !found {
		return nil, false
	}
	delete(s.positions, id)
	s.index.Remove(keyOf(p))
	return p, true
}

// Get finds a resting position.
func (s *Side) Get(id uint64) (*order.Position, bool) {
	p, found := s.positions[id]
	return p, found
}

// Best is the position first in priority, or nil.
func (s *Side) Best() *order.Position {
	if el := s.index.Front(); el != nil {
		return el.Value.(*order.Position)
	}
	return nil
}

// Worst is the position last in priority, or nil.
func (s *Side) Worst() *order.Position {
	if el := s.index.Back(); el != nil {
		return el.Value.(*order.Position)
	}
	return nil
}

// Iterate visits positions best-first until f returns false. f must not
// modify the side.
func (s *Side) Iterate(f func(p *order.Position) bool) {
	for el := s.index.Front(); el != nil; el = el.Next() {
		if !f(el.Value.(*order.Position)) {
			return
		}
	}
}

// Positions returns every position, ascending by id.
func (s *Side) Positions() []*order.Position {
	ps := make([]*order.Position, 0, len(s.positions))
	for _, p := range s.positions {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
	return ps
}

// PositorPositions returns a positor's positions with ids below beforeID (if
// non-nil), newest first, up to limit.
func (s *Side) PositorPositions(positor icrc.Principal, beforeID *uint64, limit int) []*order.Position {
	var ps []*order.Position
	for _, p := range s.positions {
		if p.Positor == positor && (beforeID == nil || p.ID < *beforeID) {
			ps = append(ps, p)
		}
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID > ps[j].ID })
	if len(ps) > limit {
		ps = ps[:limit]
	}
	return ps
}

// OlderThan returns positions created before the timestamp.
func (s *Side) OlderThan(ts uint64) []*order.Position {
	var ps []*order.Position
	for _, p := range s.positions {
		if p.Timestamp < ts {
			ps = append(ps, p)
		}
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID < ps[j].ID })
	return ps
}

// RemainingSum totals the remaining quantity on the side.
func (s *Side) RemainingSum() uint128.Uint128 {
	sum := uint128.Zero
	for _, p := range s.positions {
		sum = calc.SatAdd(sum, p.Remaining)
	}
	return sum
}

// RateQuantity is the total quantity resting at a rate.
type RateQuantity struct {
	Rate     dex.CyclesPerToken
	Quantity uint128.Uint128
}

// Aggregate totals the remaining quantity per rate, ascending by rate,
// starting above startGreaterThan if non-nil, up to limit rates. isLast is
// true when no higher rate remains.
func (s *Side) Aggregate(startGreaterThan *uint128.Uint128, limit int) (rqs []RateQuantity, isLast bool) {
	byRate := make(map[uint128.Uint128]uint128.Uint128)
	for _, p := range s.positions {
		if startGreaterThan != nil && p.Rate.Cmp(*startGreaterThan) <= 0 {
			continue
		}
		byRate[p.Rate] = calc.SatAdd(byRate[p.Rate], p.Remaining)
	}
	rqs = make([]RateQuantity, 0, len(byRate))
	for rate, qty := range byRate {
		rqs = append(rqs, RateQuantity{Rate: rate, Quantity: qty})
	}
	sort.Slice(rqs, func(i, j int) bool { return rqs[i].Rate.Cmp(rqs[j].Rate) < 0 })
	if len(rqs) > limit {
		return rqs[:limit], false
	}
	return rqs, true
}
