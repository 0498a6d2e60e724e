// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package payout

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/encode"
	"decred.org/cyclesmarket/dex/icrc"
	"decred.org/cyclesmarket/dex/order"
	"decred.org/cyclesmarket/server/ledger"
	"decred.org/cyclesmarket/server/ledger/simledger"
)

var (
	market = icrc.Principal("market")
	alice  = icrc.Principal("alice")
	tZero  = time.Unix(1_700_000_000, 0)
)

func u(v uint64) uint128.Uint128 { return uint128.From64(v) }

type harness struct {
	cycles, tokens *simledger.Ledger
	cyclesAdapter  *ledger.Adapter
	now            time.Time
	exec           *Executor
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		cycles: simledger.New(u(100)),
		tokens: simledger.New(u(10)),
		now:    tZero,
	}
	clock := func() time.Time { return h.now }
	h.cycles.SetClock(clock)
	h.tokens.SetClock(clock)
	positions := icrc.PositionsSubaccount
	pool := icrc.Account{Owner: market, Subaccount: &positions}
	h.cycles.Mint(pool, u(1_000_000))
	h.tokens.Mint(pool, u(1_000_000))
	h.cyclesAdapter = ledger.NewAdapter(dex.CyclesSide, market, h.cycles.Client(market), u(100), dex.Disabled)
	h.exec = NewExecutor(&Config{
		Cycles: h.cyclesAdapter,
		Tokens: ledger.NewAdapter(dex.TokenSide, market, h.tokens.Client(market), u(10), dex.Disabled),
		Now:    clock,
	})
	return h
}

func TestMemo(t *testing.T) {
	tests := []struct {
		c      Category
		id     uint64
		prefix string
	}{
		{TradeCycles, 0, "CTSTRADE"},
		{TradeTokens, 300, "CTSTRADE"},
		{VoidCycles, 1 << 40, "CTS-VCP-"},
		{VoidTokens, 127, "CTS-VTP-"},
	}
	for _, tt := range tests {
		memo := tt.c.Memo(tt.id)
		if !bytes.HasPrefix(memo, []byte(tt.prefix)) {
			t.Fatalf("%s: wrong prefix %q", tt.c, memo)
		}
		if !bytes.Equal(memo[8:], encode.AppendLEB128(nil, tt.id)) {
			t.Fatalf("%s: wrong id encoding", tt.c)
		}
		c, id, err := ParseMemo(memo)
		if err != nil || id != tt.id {
			t.Fatalf("%s: parse error %v, id %d", tt.c, err, id)
		}
		if tt.c != TradeTokens && c != tt.c {
			t.Fatalf("wrong category %s", c)
		}
	}
	if _, _, err := ParseMemo([]byte("CTSTRADE")); err == nil {
		t.Fatalf("no error for memo without id")
	}
	if _, _, err := ParseMemo([]byte("XXXXXXXX\x01")); err == nil {
		t.Fatalf("no error for unknown prefix")
	}
}

func TestPayDust(t *testing.T) {
	h := newHarness(t)
	for _, amt := range []uint64{0, 99, 100} {
		out := h.exec.Pay(context.Background(), &Job{Category: VoidCycles, ID: 1, To: icrc.Account{Owner: alice}, Amount: u(amt)})
		if out.Err != nil || out.Data == nil || out.Data.DidTransfer {
			t.Fatalf("amount %d: expected dust collection, got %s", amt, spew.Sdump(out))
		}
	}
	if len(h.cycles.Blocks()) != 0 {
		t.Fatalf("dust produced transfers")
	}
}

func TestPayAndDedup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	to := icrc.Account{Owner: alice}
	job := &Job{Category: TradeCycles, ID: 5, To: to, Amount: u(1_000)}
	out := h.exec.Pay(ctx, job)
	if out.Err != nil || !out.Data.DidTransfer || !out.Data.LedgerFee.Equals64(100) {
		t.Fatalf("payout failed: %s", spew.Sdump(out))
	}
	if out.CreatedAt != encode.UnixNanos(tZero) || !out.Fee.Equals64(100) {
		t.Fatalf("stamp not set: %s", spew.Sdump(out))
	}
	if bal := h.cycles.Balance(to); !bal.Equals64(900) {
		t.Fatalf("payee got %s, wanted 900", bal)
	}
	blocks := h.cycles.Blocks()
	if memo := blocks[len(blocks)-1].Memo; !bytes.Equal(memo, TradeCycles.Memo(5)) {
		t.Fatalf("wrong memo %q", memo)
	}

	// A retry that remembers its created_at is absorbed by ledger dedup.
	h.now = tZero.Add(time.Hour)
	retry := *job
	retry.CreatedAt, retry.Fee = out.CreatedAt, out.Fee
	out2 := h.exec.Pay(ctx, &retry)
	if out2.Err != nil || !out2.Data.BlockIndex.Equals(out.Data.BlockIndex) {
		t.Fatalf("duplicate not treated as paid: %s", spew.Sdump(out2))
	}
	if bal := h.cycles.Balance(to); !bal.Equals64(900) {
		t.Fatalf("paid twice, balance %s", bal)
	}

	// Past the reuse window, a fresh created_at is used.
	h.now = tZero.Add(DefaultCreatedAtReuse + time.Minute)
	stale := &Job{Category: TradeCycles, CreatedAt: out.CreatedAt, Fee: u(1)}
	h.exec.Stamp(stale)
	if stale.CreatedAt != encode.UnixNanos(h.now) || !stale.Fee.Equals64(100) {
		t.Fatalf("stale stamp reused: %s", spew.Sdump(stale))
	}
}

func TestPayBadFee(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.cycles.SetFee(u(150))
	job := &Job{Category: VoidCycles, ID: 9, To: icrc.Account{Owner: alice}, Amount: u(1_000)}
	out := h.exec.Pay(ctx, job)
	var te *ledger.TransferError
	if out.Data != nil || !errors.As(out.Err, &te) || te.Kind != ledger.BadFee {
		t.Fatalf("expected BadFee, got %s", spew.Sdump(out))
	}
	if !h.cyclesAdapter.Fee().Equals64(150) {
		t.Fatalf("fee cache not updated")
	}
	if out.CreatedAt != 0 || !out.Fee.IsZero() {
		t.Fatalf("stamp kept after BadFee: %s", spew.Sdump(out))
	}
	job.CreatedAt, job.Fee = out.CreatedAt, out.Fee
	out = h.exec.Pay(ctx, job)
	if out.Err != nil || !out.Data.LedgerFee.Equals64(150) {
		t.Fatalf("retry failed: %s", spew.Sdump(out))
	}
	if bal := h.cycles.Balance(icrc.Account{Owner: alice}); !bal.Equals64(850) {
		t.Fatalf("wrong payee balance %s", bal)
	}
}

func TestPayTooOld(t *testing.T) {
	h := newHarness(t)
	job := &Job{Category: VoidTokens, ID: 1, To: icrc.Account{Owner: alice}, Amount: u(1_000), CreatedAt: 1, Fee: u(10)}
	// A created_at inside the reuse window but too old for the ledger is
	// dropped so the next attempt starts fresh.
	h.exec.reuse = 1<<63 - 1
	out := h.exec.Pay(context.Background(), job)
	var te *ledger.TransferError
	if out.Data != nil || out.CreatedAt != 0 || !errors.As(out.Err, &te) || te.Kind != ledger.TooOld {
		t.Fatalf("expected TooOld reset, got %s", spew.Sdump(out))
	}
}

func TestPayRetryKeepsStampedFee(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	to := icrc.Account{Owner: alice}
	job := &Job{Category: TradeCycles, ID: 2, To: to, Amount: u(1_000)}
	out := h.exec.Pay(ctx, job)
	if out.Err != nil || !out.Data.DidTransfer {
		t.Fatalf("payout failed: %s", spew.Sdump(out))
	}

	// A restarted executor seeded with a different fee retries the payout
	// whose reply was lost. The stamped fee keeps the transfer identical.
	h.now = tZero.Add(time.Hour)
	restarted := NewExecutor(&Config{
		Cycles: ledger.NewAdapter(dex.CyclesSide, market, h.cycles.Client(market), u(120), dex.Disabled),
		Tokens: ledger.NewAdapter(dex.TokenSide, market, h.tokens.Client(market), u(10), dex.Disabled),
		Now:    func() time.Time { return h.now },
	})
	retry := &Job{Category: TradeCycles, ID: 2, To: to, Amount: u(1_000), CreatedAt: out.CreatedAt, Fee: out.Fee}
	out2 := restarted.Pay(ctx, retry)
	if out2.Err != nil || !out2.Data.BlockIndex.Equals(out.Data.BlockIndex) || !out2.Data.LedgerFee.Equals64(100) {
		t.Fatalf("retry not deduplicated: %s", spew.Sdump(out2))
	}
	if out2.CreatedAt != out.CreatedAt || !out2.Fee.Equals64(100) {
		t.Fatalf("stamp changed on retry: %s", spew.Sdump(out2))
	}
	if bal := h.cycles.Balance(to); !bal.Equals64(900) {
		t.Fatalf("paid twice, balance %s", bal)
	}
}

func TestJobs(t *testing.T) {
	sub := icrc.PrincipalSubaccount(alice)
	tr := &order.TradeLog{
		ID:                3,
		MatcheePositor:    alice,
		MatcherPositor:    market,
		MatcheeKind:       order.TokenPosition,
		Tokens:            u(100),
		Cycles:            u(10_000),
		CyclesPayoutFee:   u(50),
		TokensPayoutFee:   u(1),
		CyclesPayoutTo:    &sub,
		CyclesPayout:      order.Payout{CreatedAt: 77, Fee: u(50)},
		TokensPayout:      order.Payout{Lock: true},
		MatcheePositionID: 1,
		MatcherPositionID: 2,
	}
	jobs := TradeJobs(tr)
	if len(jobs) != 1 {
		t.Fatalf("locked payout picked")
	}
	j := jobs[0]
	if j.Category != TradeCycles || j.To.Owner != alice || j.To.Subaccount != &sub || !j.Amount.Equals64(9_950) || j.CreatedAt != 77 || !j.Fee.Equals64(50) {
		t.Fatalf("wrong job %s", spew.Sdump(j))
	}
	tr.TokensPayout.Lock = false
	tr.CyclesPayout.Data = &order.PayoutData{}
	jobs = TradeJobs(tr)
	if len(jobs) != 1 || jobs[0].To.Owner != market || !jobs[0].Amount.Equals64(99) {
		t.Fatalf("wrong tokens job %s", spew.Sdump(jobs))
	}

	v := order.NewVoidPosition(&order.Position{ID: 4, Positor: alice, Kind: order.TokenPosition, Remaining: u(7)}, order.CauseFill, 0)
	if j := VoidJob(v); j == nil || j.Category != VoidTokens || !j.Amount.Equals64(7) {
		t.Fatalf("wrong void job %s", spew.Sdump(j))
	}
	v.Payout.Lock = true
	if VoidJob(v) != nil {
		t.Fatalf("locked void picked")
	}
}

func TestExecute(t *testing.T) {
	h := newHarness(t)
	p := NewPicker(2)
	for i := uint64(0); i < 3; i++ {
		p.Add(&Job{Category: TradeCycles, ID: i, To: icrc.Account{Owner: alice}, Amount: u(1_000)})
		p.Add(&Job{Category: TradeTokens, ID: i, To: icrc.Account{Owner: alice}, Amount: u(1_000)})
	}
	if len(p.Jobs) != 4 || !p.Full(TradeCycles) || p.Full(VoidCycles) {
		t.Fatalf("picker limits not applied, %d jobs", len(p.Jobs))
	}
	var ran atomic.Int32
	outs := h.exec.Execute(context.Background(), p.Jobs, func(context.Context) { ran.Add(1) })
	if ran.Load() != 1 {
		t.Fatalf("task did not run")
	}
	for i, out := range outs {
		if out.Job != p.Jobs[i] || out.Err != nil || !out.Data.DidTransfer {
			t.Fatalf("outcome %d wrong: %s", i, spew.Sdump(out))
		}
	}
	if bal := h.tokens.Balance(icrc.Account{Owner: alice}); !bal.Equals64(2 * 990) {
		t.Fatalf("wrong token balance %s", bal)
	}
}
