// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package book

import (
	"time"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/icrc"
)

const (
	// ErrBalanceLocked is returned to a principal with a call already holding
	// the balance.
	ErrBalanceLocked = dex.ErrorKind("caller is in the middle of a different call that locks the balance")
	// ErrBusy is returned when the lock table is full.
	ErrBusy = dex.ErrorKind("cycles market is busy")

	// DefaultLockMaxAge is how long a lock is honored before it is considered
	// abandoned.
	DefaultLockMaxAge = 30 * time.Minute
)

// BalanceLocks tracks principals with a call in flight against their deposit
// balance, one table per ledger side.
type BalanceLocks struct {
	max    int
	maxAge time.Duration
	locks  [2]map[icrc.Principal]time.Time
}

// NewBalanceLocks creates lock tables holding at most max locks in total.
func NewBalanceLocks(max int, maxAge time.Duration) *BalanceLocks {
	return &BalanceLocks{
		max:    max,
		maxAge: maxAge,
		locks:  [2]map[icrc.Principal]time.Time{make(map[icrc.Principal]time.Time), make(map[icrc.Principal]time.Time)},
	}
}

func (l *BalanceLocks) held(p icrc.Principal, side dex.Side, now time.Time) bool {
	t, found := l.locks[side][p]
	if !found {
		return false
	}
	if now.Sub(t) > l.maxAge {
		delete(l.locks[side], p)
		return false
	}
	return true
}

// Count is the number of locks held.
func (l *BalanceLocks) Count() int {
	return len(l.locks[dex.CyclesSide]) + len(l.locks[dex.TokenSide])
}

func (l *BalanceLocks) admit(now time.Time) error {
	if l.Count() < l.max {
		return nil
	}
	l.PurgeStale(now)
	if l.Count() < l.max {
		return nil
	}
	return ErrBusy
}

// Lock takes the lock for one side.
func (l *BalanceLocks) Lock(p icrc.Principal, side dex.Side, now time.Time) error {
	if l.held(p, side, now) {
		return ErrBalanceLocked
	}
	if err := l.admit(now); err != nil {
		return err
	}
	l.locks[side][p] = now
	return nil
}

// LockTrade takes the lock for side, refusing if the principal holds a lock
// on either side. A principal has at most one trade in flight.
func (l *BalanceLocks) LockTrade(p icrc.Principal, side dex.Side, now time.Time) error {
	if l.held(p, side.Other(), now) {
		return ErrBalanceLocked
	}
	return l.Lock(p, side, now)
}

// Unlock releases a lock.
func (l *BalanceLocks) Unlock(p icrc.Principal, side dex.Side) {
	delete(l.locks[side], p)
}

// Locked reports whether the principal holds the side's lock.
func (l *BalanceLocks) Locked(p icrc.Principal, side dex.Side, now time.Time) bool {
	return l.held(p, side, now)
}

// PurgeStale drops locks older than the maximum age.
func (l *BalanceLocks) PurgeStale(now time.Time) {
	for _, m := range l.locks {
		for p, t := range m {
			if now.Sub(t) > l.maxAge {
				delete(m, p)
			}
		}
	}
}

// Clear drops every lock.
func (l *BalanceLocks) Clear() {
	for _, m := range l.locks {
		for p := range m {
			delete(m, p)
		}
	}
}
