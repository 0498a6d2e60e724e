// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package db defines the stores that keep the market state across restarts.
// Backends register themselves as drivers.
package db

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/order"
)

var (
	driversMtx sync.Mutex
	drivers    = make(map[string]Driver)
)

// StateStore holds the latest market snapshot.
type StateStore interface {
	// SaveState replaces the stored snapshot.
	SaveState(ctx context.Context, state []byte) error
	// LoadState returns the stored snapshot, or an ArchiveError with code
	// ErrNoState.
	LoadState(ctx context.Context) ([]byte, error)
	Close() error
}

// TradeArchiver is optionally implemented by a StateStore that also keeps a
// queryable copy of every finalized trade.
type TradeArchiver interface {
	ArchiveTrades(ctx context.Context, trades []*order.TradeLog) error
	Trade(ctx context.Context, id uint64) (*order.TradeLog, error)
}

// Driver is the interface required of all DB drivers. Open should create a
// StateStore and verify connectivity with the backend.
type Driver interface {
	Open(ctx context.Context, cfg interface{}) (StateStore, error)
	UseLogger(logger dex.Logger)
}

// Register should be called by the init function of a DB driver's package.
func Register(name string, driver Driver) {
	driversMtx.Lock()
	defer driversMtx.Unlock()

	if driver == nil {
		panic("db: Register driver is nil")
	}
	if _, dup := drivers[name]; dup {
		panic("db: Register called twice for db driver " + name)
	}
	drivers[name] = driver
}

// Open loads the named DB driver with the provided configuration.
func Open(ctx context.Context, name string, cfg interface{}) (StateStore, error) {
	driversMtx.Lock()
	drv, ok := drivers[name]
	driversMtx.Unlock()
	if !ok {
		return nil, fmt.Errorf("db: unknown database driver %q", name)
	}
	return drv.Open(ctx, cfg)
}

// Drivers lists the registered driver names.
func Drivers() []string {
	driversMtx.Lock()
	defer driversMtx.Unlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// UseLogger sets the logger to use for all of the DB Drivers.
func UseLogger(logger dex.Logger) {
	driversMtx.Lock()
	for _, drv := range drivers {
		drv.UseLogger(logger)
	}
	driversMtx.Unlock()
}
