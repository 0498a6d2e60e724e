// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/decred/slog"
	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/order"
	"decred.org/cyclesmarket/server/logstore"
	"decred.org/cyclesmarket/server/market"
)

const tPass = "adminpass"

type tStorage struct {
	info *logstore.Info
}

func (s *tStorage) ID() string                                      { return s.info.ID }
func (s *tStorage) Flush(context.Context, []byte) error             { return nil }
func (s *tStorage) UpdateLog(context.Context, uint64, []byte) error { return nil }
func (s *tStorage) MarkFull(_ context.Context, full bool) error {
	s.info.Full = full
	return nil
}
func (s *tStorage) MapLogsRChunks(context.Context, []byte, *uint64, int) ([]byte, error) {
	return nil, nil
}
func (s *tStorage) Info(context.Context) (*logstore.Info, error) {
	i := *s.info
	return &i, nil
}

type tCore struct {
	status     *market.Status
	errs       *market.ErrorLogs
	payouts    int
	snapErr    error
	reserves   []*market.Reserve
	reserveErr error
	nodes      map[order.LogKind][]market.StorageNode
	storage    map[string]*tStorage
	markedKind order.LogKind
	markedID   string
	markedFull bool
}

func (c *tCore) Status() *market.Status    { return c.status }
func (c *tCore) Errors() *market.ErrorLogs { return c.errs }
func (c *tCore) DoPayouts(context.Context) { c.payouts++ }
func (c *tCore) Reserves(context.Context) ([]*market.Reserve, error) {
	return c.reserves, c.reserveErr
}
func (c *tCore) SaveSnapshot(context.Context) error { return c.snapErr }
func (c *tCore) StorageNodes(kind order.LogKind) []market.StorageNode {
	return c.nodes[kind]
}
func (c *tCore) StorageNode(_ context.Context, id string) (logstore.Storage, error) {
	s, ok := c.storage[id]
	if !ok {
		return nil, errors.New("unknown storage node")
	}
	return s, nil
}
func (c *tCore) MarkStorageFull(_ context.Context, kind order.LogKind, id string, full bool) error {
	if _, ok := c.storage[id]; !ok {
		return errors.New("unknown storage node")
	}
	c.markedKind, c.markedID, c.markedFull = kind, id, full
	return nil
}
func (c *tCore) PrepareUpgrade(context.Context) error {
	c.status.Stopping = true
	return nil
}
func (c *tCore) Resume() { c.status.Stopping = false }

func newTCore() *tCore {
	return &tCore{
		status: &market.Status{
			CyclesPositions: 2,
			NextPositionID:  7,
			CyclesEscrowed:  uint128.From64(1_500_000_000_000),
			TokensEscrowed:  uint128.From64(250_000_000),
		},
		reserves: []*market.Reserve{
			{Side: dex.CyclesSide, Pool: uint128.From64(2_000_000_000_000), Obligations: uint128.From64(1_500_000_000_000)},
			{Side: dex.TokenSide, Pool: uint128.From64(200_000_000), Obligations: uint128.From64(250_000_000)},
		},
		errs: &market.ErrorLogs{
			Payouts: []market.LoggedError{{
				Time:    time.Date(2025, 1, 2, 3, 4, 5, 6e6, time.UTC),
				Context: "cycles payout for trade 3",
				Message: "ledger unreachable",
			}},
		},
		nodes: map[order.LogKind][]market.StorageNode{
			order.TradeLogs: {{ID: "trades-0", FirstLogID: 0, Count: 10, Full: true}, {ID: "trades-1", FirstLogID: 10, Count: 4}},
		},
		storage: map[string]*tStorage{
			"trades-1": {info: &logstore.Info{ID: "trades-1", Kind: order.TradeLogs, FirstLogID: 10, Count: 4, IndexBytes: 96}},
		},
	}
}

func TestMain(m *testing.M) {
	UseLogger(dex.StdOutLogger("TEST", slog.LevelTrace))
	os.Exit(m.Run())
}

func newTServer(core *tCore) *Server {
	return newServer(&SrvConfig{
		Core:          core,
		AuthSHA:       sha256.Sum256([]byte(tPass)),
		TokenDecimals: 8,
	})
}

func request(t *testing.T, s *Server, method, path, pass string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, "/api"+path, nil)
	r.SetBasicAuth("", pass)
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, r)
	return w
}

func TestAuthMiddleware(t *testing.T) {
	s := newTServer(newTCore())
	w := request(t, s, http.MethodGet, "/ping", "wrong")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password got code %d", w.Code)
	}
	if w.Header().Get("WWW-Authenticate") == "" {
		t.Fatal("no auth challenge")
	}
	r := httptest.NewRequest(http.MethodGet, "/api/ping", nil)
	w = httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no credentials got code %d", w.Code)
	}
	w = request(t, s, http.MethodGet, "/ping", tPass)
	if w.Code != http.StatusOK {
		t.Fatalf("ping got code %d", w.Code)
	}
	if w.Header().Get("Connection") != "close" {
		t.Fatal("connection not marked one-time")
	}
	if got := strings.TrimSpace(w.Body.String()); got != `"pong"` {
		t.Fatalf("ping body %s", got)
	}
}

func TestStatus(t *testing.T) {
	core := newTCore()
	s := newTServer(core)
	w := request(t, s, http.MethodGet, "/status", tPass)
	if w.Code != http.StatusOK {
		t.Fatalf("status code %d", w.Code)
	}
	var res map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res["cyclesEscrowedTC"] != "1.5" {
		t.Fatalf("cycles escrowed %v", res["cyclesEscrowedTC"])
	}
	if res["tokensEscrowed"] != "2.5" {
		t.Fatalf("tokens escrowed %v", res["tokensEscrowed"])
	}
	if res["nextPositionID"] != float64(7) {
		t.Fatalf("next position id %v", res["nextPositionID"])
	}

	w = request(t, s, http.MethodPost, "/payouts", tPass)
	if w.Code != http.StatusOK || core.payouts != 1 {
		t.Fatalf("payouts code %d, passes %d", w.Code, core.payouts)
	}

	w = request(t, s, http.MethodPost, "/upgrade/prepare", tPass)
	if w.Code != http.StatusOK || !core.status.Stopping {
		t.Fatalf("prepare code %d, stopping %v", w.Code, core.status.Stopping)
	}
	w = request(t, s, http.MethodPost, "/upgrade/resume", tPass)
	if w.Code != http.StatusOK || core.status.Stopping {
		t.Fatalf("resume code %d, stopping %v", w.Code, core.status.Stopping)
	}
}

func TestErrorsAndSnapshot(t *testing.T) {
	core := newTCore()
	s := newTServer(core)
	w := request(t, s, http.MethodGet, "/errors", tPass)
	var res ErrorsResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if len(res.Payouts) != 1 || len(res.Storage) != 0 {
		t.Fatalf("wrong errors: %s", spew.Sdump(res))
	}
	if !res.Payouts[0].Time.Equal(core.errs.Payouts[0].Time) {
		t.Fatalf("time %v", res.Payouts[0].Time)
	}
	if !strings.Contains(w.Body.String(), `"2025-01-02T03:04:05.006Z"`) {
		t.Fatalf("time not millisecond formatted: %s", w.Body.String())
	}

	w = request(t, s, http.MethodGet, "/reserves", tPass)
	var reserves []*ReserveResult
	if err := json.Unmarshal(w.Body.Bytes(), &reserves); err != nil {
		t.Fatalf("error decoding reserves %s: %v", w.Body.String(), err)
	}
	if len(reserves) != 2 || reserves[0].Side != "cycles" || !reserves[0].Covered ||
		reserves[0].Pool.String() != "2" || reserves[0].Obligations.String() != "1.5" {
		t.Fatalf("wrong cycles reserve: %s", spew.Sdump(reserves))
	}
	if reserves[1].Covered || reserves[1].Pool.String() != "2" || reserves[1].Obligations.String() != "2.5" {
		t.Fatalf("wrong token reserve: %s", spew.Sdump(reserves[1]))
	}
	core.reserveErr = errors.New("ledger unreachable")
	if w = request(t, s, http.MethodGet, "/reserves", tPass); w.Code != http.StatusInternalServerError {
		t.Fatalf("failed reserves code %d", w.Code)
	}

	w = request(t, s, http.MethodPost, "/snapshot", tPass)
	if w.Code != http.StatusOK {
		t.Fatalf("snapshot code %d", w.Code)
	}
	core.snapErr = errors.New("disk full")
	w = request(t, s, http.MethodPost, "/snapshot", tPass)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("failed snapshot code %d", w.Code)
	}
}

func TestStorage(t *testing.T) {
	core := newTCore()
	s := newTServer(core)

	w := request(t, s, http.MethodGet, "/storage/trades", tPass)
	var nodes []*StorageNode
	if err := json.Unmarshal(w.Body.Bytes(), &nodes); err != nil {
		t.Fatal(err)
	}
	if len(nodes) != 2 || !nodes[0].Full || nodes[1].FirstLogID != 10 {
		t.Fatalf("wrong nodes: %s", spew.Sdump(nodes))
	}

	w = request(t, s, http.MethodGet, "/storage/candles", tPass)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown kind code %d", w.Code)
	}

	w = request(t, s, http.MethodGet, "/storage/node/trades-1", tPass)
	var info StorageNode
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.IndexBytes != 96 || info.Count != 4 {
		t.Fatalf("wrong info: %s", spew.Sdump(info))
	}
	w = request(t, s, http.MethodGet, "/storage/node/trades-9", tPass)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown node code %d", w.Code)
	}

	w = request(t, s, http.MethodPost, "/storage/trades/trades-1/full", tPass)
	if w.Code != http.StatusOK || core.markedID != "trades-1" || !core.markedFull || core.markedKind != order.TradeLogs {
		t.Fatalf("mark full code %d, %s", w.Code, spew.Sdump(core.markedID, core.markedFull))
	}
	w = request(t, s, http.MethodPost, "/storage/trades/trades-1/full?full=false", tPass)
	if w.Code != http.StatusOK || core.markedFull {
		t.Fatalf("unmark full code %d", w.Code)
	}
	w = request(t, s, http.MethodPost, "/storage/trades/trades-1/full?full=maybe", tPass)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad bool code %d", w.Code)
	}
}
