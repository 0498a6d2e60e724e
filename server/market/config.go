// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package market

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"decred.org/cyclesmarket/dex/calc"
	"decred.org/cyclesmarket/dex/icrc"
	"decred.org/cyclesmarket/dex/order"
	"decred.org/cyclesmarket/server/db"
	"decred.org/cyclesmarket/server/ledger"
	"decred.org/cyclesmarket/server/logstore"
)

const (
	DefaultMaxPositions        = 5_000
	DefaultMaxPositionLifetime = 30 * 24 * time.Hour
	DefaultMinVoidWait         = 10 * time.Minute
	DefaultMaxBalanceLocks     = 5_000
	DefaultPayoutInterval      = 30 * time.Second
	DefaultFlushThreshold      = 1 << 20
	DefaultSnapshotInterval    = 5 * time.Minute

	// Suggested position minimums. The zero Minimums is valid and admits any
	// non-zero quantity.
	DefaultMinimumCycles = 1_000_000_000
	DefaultMinimumTokens = 1

	// View chunk sizes.
	PositionBookChunk  = 5_000
	LatestTradesChunk  = 500
	UserPositionsChunk = 500
)

// TradeSink receives trades as they are finalized. PublishTrade must not
// block for long.
type TradeSink interface {
	PublishTrade(t *order.TradeLog)
}

// Config is the Market configuration. Zero-valued limits take their
// defaults.
type Config struct {
	// Self is the principal owning the deposit and positions subaccounts.
	Self   icrc.Principal
	Cycles *ledger.Adapter
	Tokens *ledger.Adapter
	// Storage provisions and reopens the log storage nodes.
	Storage logstore.Provisioner
	// Store persists the market snapshot. May be nil, in which case state
	// does not survive a restart. If Store also implements db.TradeArchiver,
	// finalized trades are archived to it.
	Store db.StateStore

	Minimums            order.Minimums
	FeeTiers            []calc.FeeTier
	MaxCyclesPositions  int
	MaxTokenPositions   int
	BumpMarginBp        uint64
	MaxMatches          int
	MatchTimeBudget     time.Duration
	MaxPositionLifetime time.Duration
	MinVoidWait         time.Duration
	MaxBalanceLocks     int

	PayoutInterval time.Duration
	PayoutChunk    int
	// FlushThreshold is the buffered byte count that triggers a flush, and
	// the size of each flushed chunk. Both are rounded down to whole
	// records, with a minimum of one record.
	FlushThreshold   int
	SnapshotInterval time.Duration

	// Feed receives finalized trades. Optional.
	Feed TradeSink
	// Registerer takes the market's metrics. Optional.
	Registerer prometheus.Registerer
	// Now defaults to time.Now.
	Now func() time.Time
}

func (cfg *Config) setDefaults() error {
	if cfg.Cycles == nil || cfg.Tokens == nil {
		return fmt.Errorf("both ledgers are required")
	}
	if cfg.Storage == nil {
		return fmt.Errorf("a storage provisioner is required")
	}
	if cfg.MaxCyclesPositions <= 0 {
		cfg.MaxCyclesPositions = DefaultMaxPositions
	}
	if cfg.MaxTokenPositions <= 0 {
		cfg.MaxTokenPositions = DefaultMaxPositions
	}
	if cfg.MaxPositionLifetime <= 0 {
		cfg.MaxPositionLifetime = DefaultMaxPositionLifetime
	}
	if cfg.MinVoidWait < 0 {
		cfg.MinVoidWait = 0
	}
	if cfg.MaxBalanceLocks <= 0 {
		cfg.MaxBalanceLocks = DefaultMaxBalanceLocks
	}
	if cfg.PayoutInterval <= 0 {
		cfg.PayoutInterval = DefaultPayoutInterval
	}
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = DefaultFlushThreshold
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}
	if cfg.Registerer == nil {
		cfg.Registerer = prometheus.NewRegistry()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return nil
}

// flushBytes rounds the flush threshold to whole records of kind.
func (cfg *Config) flushBytes(kind order.LogKind) int {
	sz := kind.RecordSize()
	n := cfg.FlushThreshold / sz * sz
	if n < sz {
		return sz
	}
	return n
}
