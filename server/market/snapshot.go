// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package market

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"

	"decred.org/cyclesmarket/dex/candles"
	"decred.org/cyclesmarket/dex/encode"
	"decred.org/cyclesmarket/dex/order"
)

const stateBinaryVersion byte = 1

// State is the market's persisted state. Balance locks and payout locks are
// not kept: a restart loses any in-flight call, and the retry goes through
// ledger deduplication.
type State struct {
	// Version is the State format's binary version.
	Version        byte
	NextPositionID uint64
	NextTradeID    uint64
	Positions      []*order.Position
	Voids          []*order.VoidPosition
	Trades         []*order.TradeLog
	Candles        candles.Aggregator
	Storage        [2]logState
	PayoutErrors   []LoggedError
	StorageErrors  []LoggedError
}

// encodeState renders the version byte, an 8-byte length, and the gob
// encoding of the state.
func encodeState(s *State) ([]byte, error) {
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(s); err != nil {
		return nil, fmt.Errorf("error encoding market state: %w", err)
	}
	b := make([]byte, 0, 9+body.Len())
	b = append(b, stateBinaryVersion)
	b = append(b, encode.Uint64Bytes(uint64(body.Len()))...)
	return append(b, body.Bytes()...), nil
}

func decodeState(b []byte) (*State, error) {
	if len(b) < 9 {
		return nil, fmt.Errorf("market state too short (%d bytes)", len(b))
	}
	if b[0] != stateBinaryVersion {
		return nil, fmt.Errorf("cannot load market state with version %d, expected %d", b[0], stateBinaryVersion)
	}
	n := encode.IntCoder.Uint64(b[1:9])
	if uint64(len(b)-9) != n {
		return nil, fmt.Errorf("market state length %d, header says %d", len(b)-9, n)
	}
	var s State
	if err := gob.NewDecoder(bytes.NewReader(b[9:])).Decode(&s); err != nil {
		return nil, fmt.Errorf("error decoding market state: %w", err)
	}
	return &s, nil
}

// state copies out the persisted state. m.mtx must be held.
func (m *Market) state() *State {
	s := &State{
		Version:        stateBinaryVersion,
		NextPositionID: m.d.nextPositionID,
		NextTradeID:    m.d.nextTradeID,
		Trades:         m.d.trades,
		Candles:        m.d.candles,
		PayoutErrors:   m.payoutErrs.list(),
		StorageErrors:  m.storageErrs.list(),
	}
	for _, kind := range positionKinds {
		s.Positions = append(s.Positions, m.d.book.Side(kind).Positions()...)
		s.Voids = append(s.Voids, m.d.book.Voids(kind).Sorted()...)
	}
	for _, kind := range logKinds {
		s.Storage[kind] = *m.d.storage[kind]
	}
	return s
}

// SaveSnapshot writes the market state to the configured store.
func (m *Market) SaveSnapshot(ctx context.Context) error {
	if m.cfg.Store == nil {
		return nil
	}
	m.mtx.Lock()
	b, err := encodeState(m.state())
	m.mtx.Unlock()
	if err != nil {
		return err
	}
	if err := m.cfg.Store.SaveState(ctx, b); err != nil {
		return fmt.Errorf("error saving market state: %w", err)
	}
	log.Debugf("Saved %d byte market snapshot", len(b))
	return nil
}

// restore loads a snapshot and reconciles the storage bookkeeping with the
// nodes, which may have taken flushes after the snapshot was saved.
func (m *Market) restore(ctx context.Context, b []byte) error {
	s, err := decodeState(b)
	if err != nil {
		return err
	}
	d := newCMData(&m.cfg)
	d.nextPositionID, d.nextTradeID = s.NextPositionID, s.NextTradeID
	for _, p := range s.Positions {
		if !d.book.Side(p.Kind).Insert(p) {
			return fmt.Errorf("duplicate position %d in market state", p.ID)
		}
	}
	for _, v := range s.Voids {
		v.Payout.Lock = false
		v.LogUpdateLock = false
		d.book.Voids(v.Kind).Add(v)
	}
	for _, t := range s.Trades {
		t.CyclesPayout.Lock = false
		t.TokensPayout.Lock = false
	}
	d.trades = s.Trades
	d.candles = s.Candles

	for _, kind := range logKinds {
		st := s.Storage[kind]
		d.storage[kind] = &st
		if err := m.reconcileStorage(ctx, kind, &st); err != nil {
			return err
		}
		next := st.BufferFirstID + uint64(len(st.Buffer)/kind.RecordSize())
		if n := len(st.Nodes); n > 0 && len(st.Buffer) == 0 {
			if last := st.Nodes[n-1]; last.FirstLogID+last.Count > next {
				next = last.FirstLogID + last.Count
			}
		}
		switch kind {
		case order.PositionLogs:
			d.nextPositionID = max(d.nextPositionID, next)
		case order.TradeLogs:
			d.nextTradeID = max(d.nextTradeID, next)
		}
	}

	m.mtx.Lock()
	m.d = d
	m.mtx.Unlock()
	m.payoutErrs.load(s.PayoutErrors)
	m.storageErrs.load(s.StorageErrors)
	log.Infof("Restored market state: %d positions, %d voids, %d queued trades, next position id %d, next trade id %d",
		len(s.Positions), len(s.Voids), len(s.Trades), d.nextPositionID, d.nextTradeID)
	return nil
}

// reconcileStorage reopens the kind's nodes and drops buffered records the
// newest node already holds.
func (m *Market) reconcileStorage(ctx context.Context, kind order.LogKind, st *logState) error {
	for _, n := range st.Nodes {
		h, err := m.cfg.Storage.Open(ctx, n.ID)
		if err != nil {
			return fmt.Errorf("error reopening %s storage node %s: %w", kind, n.ID, err)
		}
		m.setHandle(h)
		info, err := h.Info(ctx)
		if err != nil {
			return fmt.Errorf("error reading %s storage node %s: %w", kind, n.ID, err)
		}
		n.Full = info.Full
		if info.Count <= n.Count {
			continue
		}
		log.Infof("Storage node %s holds %d records, snapshot recorded %d", n.ID, info.Count, n.Count)
		n.Count = info.Count
		end := n.FirstLogID + n.Count
		if end <= st.BufferFirstID {
			continue
		}
		drop := int(end-st.BufferFirstID) * kind.RecordSize()
		if drop > len(st.Buffer) {
			drop = len(st.Buffer)
		}
		st.Buffer = st.Buffer[drop:]
		st.BufferFirstID = end
	}
	return nil
}
