// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package feed publishes finalized trades to message brokers.
package feed

import (
	"encoding/binary"
	"encoding/json"
	"sync"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/order"
	"decred.org/cyclesmarket/server/comms"
	"decred.org/cyclesmarket/server/market"
)

var log = dex.Disabled

// UseLogger sets the logger for the feed package.
func UseLogger(logger dex.Logger) {
	log = logger
}

// Multi fans a trade out to every sink in order.
type Multi []market.TradeSink

var _ market.TradeSink = Multi(nil)

// PublishTrade publishes t to each sink.
func (m Multi) PublishTrade(t *order.TradeLog) {
	for _, s := range m {
		s.PublishTrade(t)
	}
}

// Relay is a TradeSink whose sinks may be attached after it is handed to the
// market.
type Relay struct {
	mtx   sync.RWMutex
	sinks Multi
}

var _ market.TradeSink = (*Relay)(nil)

// Attach adds a sink.
func (r *Relay) Attach(s market.TradeSink) {
	r.mtx.Lock()
	r.sinks = append(r.sinks, s)
	r.mtx.Unlock()
}

// PublishTrade publishes t to the attached sinks.
func (r *Relay) PublishTrade(t *order.TradeLog) {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	r.sinks.PublishTrade(t)
}

// encodeTrade is the broker payload of a trade, the same note websocket
// subscribers receive.
func encodeTrade(t *order.TradeLog) ([]byte, error) {
	return json.Marshal(comms.TradeNote(t))
}

// tradeKey keys broker messages by trade id.
func tradeKey(id uint64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], id)
	return k[:]
}
