// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package market

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "cyclesmarket"

// metrics are the market's Prometheus collectors.
type metrics struct {
	trades        prometheus.Counter
	positions     *prometheus.CounterVec
	voids         *prometheus.CounterVec
	payouts       *prometheus.CounterVec
	flushes       *prometheus.CounterVec
	errors        *prometheus.CounterVec
	bookDepth     *prometheus.GaugeVec
	voidQueue     *prometheus.GaugeVec
	tradeQueue    prometheus.Gauge
	balanceLocks  prometheus.Gauge
	matchDuration prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) (*metrics, error) {
	m := &metrics{
		trades: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "trades_total",
			Help:      "Total number of trades matched",
		}),
		positions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "positions_total",
			Help:      "Total number of positions created by kind",
		}, []string{"kind"}),
		voids: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "void_positions_total",
			Help:      "Total number of positions terminated by cause",
		}, []string{"cause"}),
		payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "payouts_total",
			Help:      "Payout attempts by category and result",
		}, []string{"category", "result"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "storage_flushes_total",
			Help:      "Storage flush attempts by log kind and result",
		}, []string{"kind", "result"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "errors_total",
			Help:      "Errors recorded to the error rings",
		}, []string{"context"}),
		bookDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "book_positions",
			Help:      "Resting positions by kind",
		}, []string{"kind"}),
		voidQueue: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "void_positions_pending",
			Help:      "Void positions awaiting settlement by kind",
		}, []string{"kind"}),
		tradeQueue: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "trade_queue_length",
			Help:      "Trades awaiting payout or drain",
		}),
		balanceLocks: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "balance_locks",
			Help:      "Balance locks currently held",
		}),
		matchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "match_duration_seconds",
			Help:      "Time spent matching one new position",
			Buckets:   []float64{1e-6, 1e-5, 1e-4, 1e-3, 0.01, 0.05, 0.25},
		}),
	}
	for _, c := range []prometheus.Collector{m.trades, m.positions, m.voids, m.payouts,
		m.flushes, m.errors, m.bookDepth, m.voidQueue, m.tradeQueue, m.balanceLocks, m.matchDuration} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}
