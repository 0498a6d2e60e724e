//go:build pgonline

// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package pg

import (
	"bytes"
	"context"
	"testing"

	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex/icrc"
	"decred.org/cyclesmarket/dex/order"
	"decred.org/cyclesmarket/server/db"
)

func openTestArchiver(t *testing.T) *Archiver {
	t.Helper()
	a, err := NewArchiver(context.Background(), &Config{
		Host:   "localhost",
		Port:   "5432",
		User:   "dcrdex",
		DBName: "cyclesmarket_test",
	})
	if err != nil {
		t.Fatalf("NewArchiver error: %v", err)
	}
	if _, err := a.db.Exec(`TRUNCATE state, trades;`); err != nil {
		t.Fatalf("truncate error: %v", err)
	}
	return a
}

func TestStateOnline(t *testing.T) {
	a := openTestArchiver(t)
	defer a.Close()
	ctx := context.Background()
	if _, err := a.LoadState(ctx); !db.IsErrNoState(err) {
		t.Fatalf("expected ErrNoState, got %v", err)
	}
	if err := a.SaveState(ctx, []byte{1, 2}); err != nil {
		t.Fatalf("SaveState error: %v", err)
	}
	if err := a.SaveState(ctx, []byte{3}); err != nil {
		t.Fatalf("SaveState error: %v", err)
	}
	state, err := a.LoadState(ctx)
	if err != nil || !bytes.Equal(state, []byte{3}) {
		t.Fatalf("wrong state %x, %v", state, err)
	}
}

func TestArchiveTradesOnline(t *testing.T) {
	a := openTestArchiver(t)
	defer a.Close()
	ctx := context.Background()
	tr := &order.TradeLog{
		ID:             4,
		MatcheePositor: icrc.Principal("a"),
		MatcherPositor: icrc.Principal("b"),
		Tokens:         uint128.From64(20_000),
		Cycles:         uint128.From64(1_111_100_000),
		Rate:           uint128.From64(55_555),
		CyclesPayout:   order.Payout{Data: &order.PayoutData{DidTransfer: true}},
		TokensPayout:   order.Payout{Data: &order.PayoutData{DidTransfer: true}},
	}
	for i := 0; i < 2; i++ {
		if err := a.ArchiveTrades(ctx, []*order.TradeLog{tr}); err != nil {
			t.Fatalf("ArchiveTrades error: %v", err)
		}
	}
	got, err := a.Trade(ctx, 4)
	if err != nil || !got.Cycles.Equals(tr.Cycles) {
		t.Fatalf("wrong trade %v, %v", got, err)
	}
	if _, err := a.Trade(ctx, 5); !db.IsErrTradeUnknown(err) {
		t.Fatalf("expected unknown trade, got %v", err)
	}
}
