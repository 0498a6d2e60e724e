// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package book

import (
	"sort"

	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex/calc"
	"decred.org/cyclesmarket/dex/icrc"
	"decred.org/cyclesmarket/dex/order"
)

// VoidQueue holds the void positions of one kind until their returns settle.
type VoidQueue struct {
	voids map[uint64]*order.VoidPosition
}

// NewVoidQueue creates an empty queue.
func NewVoidQueue() *VoidQueue {
	return &VoidQueue{voids: make(map[uint64]*order.VoidPosition)}
}

// Add enqueues a void position.
func (q *VoidQueue) Add(v *order.VoidPosition) {
	q.voids[v.ID] = v
}

// Get finds a void position.
func (q *VoidQueue) Get(id uint64) (*order.VoidPosition, bool) {
	v, found := q.voids[id]
	return v, found
}

// Remove drops a void position.
func (q *VoidQueue) Remove(id uint64) {
	delete(q.voids, id)
}

// Len is the number of queued void positions.
func (q *VoidQueue) Len() int {
	return len(q.voids)
}

// Sorted returns the queue ascending by id.
func (q *VoidQueue) Sorted() []*order.VoidPosition {
	vs := make([]*order.VoidPosition, 0, len(q.voids))
	for _, v := range q.voids {
		vs = append(vs, v)
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i].ID < vs[j].ID })
	return vs
}

// PositorVoids returns a positor's void positions below beforeID (if
// non-nil), newest first, up to limit.
func (q *VoidQueue) PositorVoids(positor icrc.Principal, beforeID *uint64, limit int) []*order.VoidPosition {
	var vs []*order.VoidPosition
	for _, v := range q.voids {
		if v.Positor == positor && (beforeID == nil || v.ID < *beforeID) {
			vs = append(vs, v)
		}
	}
	sort.Slice(vs, func(i, j int) bool { return vs[i].ID > vs[j].ID })
	if len(vs) > limit {
		vs = vs[:limit]
	}
	return vs
}

// UnpaidSum totals the quantities still owed.
func (q *VoidQueue) UnpaidSum() uint128.Uint128 {
	sum := uint128.Zero
	for _, v := range q.voids {
		if !v.Payout.Complete() {
			sum = calc.SatAdd(sum, v.Quantity)
		}
	}
	return sum
}
