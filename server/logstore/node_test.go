// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package logstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex/icrc"
	"decred.org/cyclesmarket/dex/order"
)

var tCtx = context.Background()

func tradeRecord(id, matchee, matcher uint64) []byte {
	tl := &order.TradeLog{
		MatcheePositionID: matchee,
		MatcherPositionID: matcher,
		ID:                id,
		MatcheePositor:    icrc.Principal("a"),
		MatcherPositor:    icrc.Principal("b"),
		Tokens:            uint128.From64(id + 1),
		Cycles:            uint128.From64(100 * (id + 1)),
		Rate:              uint128.From64(100),
		MatcheeKind:       order.TokenPosition,
		CyclesPayout:      order.Payout{Data: &order.PayoutData{DidTransfer: true}},
		TokensPayout:      order.Payout{Data: &order.PayoutData{DidTransfer: true}},
	}
	return tl.Serialize()
}

func positionRecord(id uint64, positor icrc.Principal) []byte {
	p := &order.Position{
		ID:        id,
		Positor:   positor,
		Kind:      order.CyclesPosition,
		Quest:     uint128.From64(1000),
		Rate:      uint128.From64(10),
		Remaining: uint128.From64(1000),
	}
	return p.Log(nil).Serialize()
}

func openTestNode(t *testing.T, dir string, kind order.LogKind, maxRecords uint64) *Node {
	t.Helper()
	n, err := OpenNode(&Config{ID: "test", Path: dir, Kind: kind, MaxRecords: maxRecords})
	if err != nil {
		t.Fatalf("OpenNode: %v", err)
	}
	return n
}

func TestNodeTrades(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "trades")
	n := openTestNode(t, dir, order.TradeLogs, 0)

	var recs [][]byte
	var all []byte
	for i := uint64(0); i < 6; i++ {
		// Position 0 is the matchee of every trade, the matchers vary.
		r := tradeRecord(i, 0, 10+i%2)
		recs = append(recs, r)
		all = append(all, r...)
	}
	if err := n.Flush(tCtx, all[:3*order.TradeLogSize]); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	// Overlapping flush skips what is already held.
	if err := n.Flush(tCtx, all[2*order.TradeLogSize:]); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	info, _ := n.Info(tCtx)
	if info.Count != 6 || info.FirstLogID != 0 || info.NextLogID() != 6 {
		t.Fatalf("wrong info %+v", info)
	}

	got, err := n.MapLogsRChunks(tCtx, order.PositionKey(0), nil, 4)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, all[2*order.TradeLogSize:]) {
		t.Fatalf("newest chunk mismatch, got %d bytes", len(got))
	}
	before := uint64(2)
	got, _ = n.MapLogsRChunks(tCtx, order.PositionKey(0), &before, 4)
	if !bytes.Equal(got, all[:2*order.TradeLogSize]) {
		t.Fatalf("older chunk mismatch, got %d bytes", len(got))
	}
	got, _ = n.MapLogsRChunks(tCtx, order.PositionKey(11), nil, 10)
	if len(got) != 3*order.TradeLogSize || !bytes.Equal(got[:order.TradeLogSize], recs[1]) {
		t.Fatalf("matcher key lookup mismatch")
	}
	if got, _ := n.MapLogsRChunks(tCtx, order.PositionKey(99), nil, 10); len(got) != 0 {
		t.Fatalf("unknown key returned %d bytes", len(got))
	}

	// Gaps are refused.
	if err := n.Flush(tCtx, tradeRecord(8, 0, 1)); !errors.Is(err, ErrBadRecords) {
		t.Fatalf("expected ErrBadRecords, got %v", err)
	}
	if err := n.Flush(tCtx, all[:10]); !errors.Is(err, ErrBadRecords) {
		t.Fatalf("expected ErrBadRecords for partial record, got %v", err)
	}

	// Reopen and find everything again.
	if err := n.Close(); err != nil {
		t.Fatal(err)
	}
	n = openTestNode(t, dir, order.TradeLogs, 0)
	defer n.Close()
	got, _ = n.MapLogsRChunks(tCtx, order.PositionKey(0), nil, 100)
	if !bytes.Equal(got, all) {
		t.Fatalf("records lost across reopen")
	}
}

func TestNodeFullAndUpdate(t *testing.T) {
	n := openTestNode(t, t.TempDir(), order.PositionLogs, 3)
	defer n.Close()
	alice := icrc.Principal("alice")
	var b []byte
	for i := uint64(5); i < 8; i++ {
		b = append(b, positionRecord(i, alice)...)
	}
	if err := n.Flush(tCtx, b); err != nil {
		t.Fatal(err)
	}
	if err := n.Flush(tCtx, positionRecord(8, alice)); !errors.Is(err, ErrStorageIsFull) {
		t.Fatalf("expected ErrStorageIsFull, got %v", err)
	}

	// Rewrite record 6 with its final state.
	p := &order.Position{ID: 6, Positor: alice, Kind: order.CyclesPosition, Quest: uint128.From64(1000), Rate: uint128.From64(10)}
	final := p.Log(&order.Termination{Timestamp: 9, Cause: order.CauseUserCallVoidPosition})
	final.VoidPayoutLedgerFee = 10
	if err := n.UpdateLog(tCtx, 6, final.Serialize()); err != nil {
		t.Fatalf("UpdateLog: %v", err)
	}
	before := uint64(7)
	got, _ := n.MapLogsRChunks(tCtx, order.PrincipalKey(alice), &before, 1)
	back, err := order.DecodePositionLog(got)
	if err != nil {
		t.Fatal(err)
	}
	if back.Termination == nil || back.VoidPayoutLedgerFee != 10 {
		t.Fatalf("update not applied: %+v", back)
	}
	if err := n.UpdateLog(tCtx, 9, positionRecord(9, alice)); !errors.Is(err, ErrLogNotFound) {
		t.Fatalf("expected ErrLogNotFound, got %v", err)
	}

	if err := n.MarkFull(tCtx, true); err != nil {
		t.Fatal(err)
	}
	if info, _ := n.Info(tCtx); !info.Full {
		t.Fatal("not marked full")
	}
}

func TestNodeTakesLeadingRecords(t *testing.T) {
	n := openTestNode(t, t.TempDir(), order.TradeLogs, 3)
	defer n.Close()
	var all []byte
	for i := uint64(0); i < 5; i++ {
		all = append(all, tradeRecord(i, 0, 1)...)
	}
	if err := n.Flush(tCtx, all); !errors.Is(err, ErrStorageIsFull) {
		t.Fatalf("expected ErrStorageIsFull, got %v", err)
	}
	info, _ := n.Info(tCtx)
	if info.Count != 3 || info.NextLogID() != 3 {
		t.Fatalf("wrong info %+v", info)
	}
	got, _ := n.MapLogsRChunks(tCtx, order.PositionKey(0), nil, 10)
	if !bytes.Equal(got, all[:3*order.TradeLogSize]) {
		t.Fatalf("stored %d bytes", len(got))
	}
	// Nothing fresh fits any more.
	if err := n.Flush(tCtx, all[3*order.TradeLogSize:]); !errors.Is(err, ErrStorageIsFull) {
		t.Fatalf("expected ErrStorageIsFull, got %v", err)
	}
	if info, _ := n.Info(tCtx); info.Count != 3 {
		t.Fatalf("count changed to %d", info.Count)
	}

	// An index cap too small for one record refuses everything.
	tiny, err := OpenNode(&Config{ID: "tiny", Path: t.TempDir(), Kind: order.TradeLogs, MaxIndexBytes: 1})
	if err != nil {
		t.Fatal(err)
	}
	defer tiny.Close()
	if err := tiny.Flush(tCtx, all); !errors.Is(err, ErrStorageIsFull) {
		t.Fatalf("expected ErrStorageIsFull, got %v", err)
	}
	if info, _ := tiny.Info(tCtx); info.Count != 0 {
		t.Fatalf("tiny node holds %d records", info.Count)
	}
}

func TestProvisionerAndRoutes(t *testing.T) {
	p, err := NewLocalProvisioner(&ProvisionerConfig{Dir: t.TempDir()})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	s0, err := p.Provision(tCtx, order.TradeLogs)
	if err != nil {
		t.Fatal(err)
	}
	s1, err := p.Provision(tCtx, order.TradeLogs)
	if err != nil {
		t.Fatal(err)
	}
	if s0.ID() != "trades-0000" || s1.ID() != "trades-0001" {
		t.Fatalf("unexpected ids %s %s", s0.ID(), s1.ID())
	}
	again, err := p.Open(tCtx, "trades-0001")
	if err != nil || again != s1 {
		t.Fatalf("Open did not return the open node: %v", err)
	}
	if _, err := p.Open(tCtx, "../etc"); err == nil {
		t.Fatal("opened a malformed id")
	}

	rec := tradeRecord(0, 1, 2)
	if err := s0.Flush(tCtx, rec); err != nil {
		t.Fatal(err)
	}

	mux := chi.NewRouter()
	ReadRoutes(mux, p)
	srv := httptest.NewServer(mux)
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/trades-0000/logs?key=00000000000000000000000000000002&chunk_size=5")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || !bytes.Equal(body, rec) {
		t.Fatalf("bad read: %d, %d bytes", resp.StatusCode, len(body))
	}
	resp, err = http.Get(srv.URL + "/trades-0009/logs?key=00")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
