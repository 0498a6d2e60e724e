// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/gorilla/websocket"
	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/candles"
	"decred.org/cyclesmarket/dex/icrc"
	"decred.org/cyclesmarket/dex/msgjson"
	"decred.org/cyclesmarket/dex/order"
	"decred.org/cyclesmarket/server/book"
	"decred.org/cyclesmarket/server/market"
)

var (
	alice = icrc.Principal([]byte{0x0a, 0x01, 0x02, 0x03, 0x01, 0x01})
	bob   = icrc.Principal([]byte{0x0b, 0x01, 0x02, 0x03, 0x01, 0x01})
)

type tMarket struct {
	mtx      sync.Mutex
	trades   []*market.TradeRequest
	callers  []icrc.Principal
	tradeErr error
	voidErr  error
	book     []book.RateQuantity
}

func (m *tMarket) TradeCycles(_ context.Context, caller icrc.Principal, req *market.TradeRequest) (uint64, error) {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.tradeErr != nil {
		return 0, m.tradeErr
	}
	m.trades = append(m.trades, req)
	m.callers = append(m.callers, caller)
	return uint64(len(m.trades)), nil
}

func (m *tMarket) TradeTokens(ctx context.Context, caller icrc.Principal, req *market.TradeRequest) (uint64, error) {
	return m.TradeCycles(ctx, caller, req)
}

func (m *tMarket) VoidPosition(context.Context, icrc.Principal, uint64) error {
	return m.voidErr
}

func (m *tMarket) TransferBalance(_ context.Context, _ icrc.Principal, _ dex.Side, amount uint128.Uint128,
	_ *uint128.Uint128, _ icrc.Account) (uint128.Uint128, error) {
	return amount.Add64(1), nil
}

func (m *tMarket) DepositAccount(caller icrc.Principal, _ dex.Side) icrc.Account {
	sub := icrc.PrincipalSubaccount(caller)
	return icrc.Account{Owner: bob, Subaccount: &sub}
}

func (m *tMarket) DepositBalance(_ context.Context, caller icrc.Principal, side dex.Side) (uint128.Uint128, error) {
	if side == dex.TokenSide {
		return uint128.Zero, errors.New("token ledger unreachable")
	}
	return uint128.From64(uint64(len(caller)) * 1000), nil
}

func (m *tMarket) PositionBook(order.PositionKind, *uint128.Uint128) ([]book.RateQuantity, bool) {
	return m.book, true
}

func (m *tMarket) LatestTrades(*uint64) ([]market.TradeSummary, bool) {
	return []market.TradeSummary{{ID: 4, Tokens: uint128.From64(10), Rate: uint128.From64(7), TimestampSecs: 99}}, true
}

func (m *tMarket) Candles(segmentMinutes uint64, _ *uint64) ([]candles.Candle, bool, error) {
	var a candles.Aggregator
	return a.ViewCandles(segmentMinutes, nil)
}

func (m *tMarket) VolumeStats() candles.VolumeStats {
	return candles.VolumeStats{Cycles: candles.Volumes{AllTime: uint128.From64(5)}}
}

func (m *tMarket) UserCurrentPositions(positor icrc.Principal, _ *uint64) []byte {
	return []byte(positor)
}

func (m *tMarket) VoidPositionsPending(icrc.Principal, *uint64) []byte {
	return nil
}

func (m *tMarket) StorageNodes(order.LogKind) []market.StorageNode {
	return []market.StorageNode{{ID: "trades-0", Count: 3, Full: true}}
}

func post(t *testing.T, srv http.Handler, route string, caller icrc.Principal, payload any) (int, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		b, _ := json.Marshal(payload)
		body = bytes.NewReader(b)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/"+route, body)
	req.RemoteAddr = "10.0.0.1:1234"
	if caller != "" {
		req.Header.Set(CallerHeader, caller.String())
	}
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w.Code, w.Body.Bytes()
}

func wantRPCError(t *testing.T, status int, b []byte, wantStatus, wantCode int) *msgjson.Error {
	t.Helper()
	if status != wantStatus {
		t.Fatalf("wrong status %d, wanted %d, body %s", status, wantStatus, b)
	}
	var rpcErr msgjson.Error
	if err := json.Unmarshal(b, &rpcErr); err != nil {
		t.Fatalf("error decoding error %s: %v", b, err)
	}
	if rpcErr.Code != wantCode {
		t.Fatalf("wrong error code %d, wanted %d: %s", rpcErr.Code, wantCode, rpcErr.Message)
	}
	return &rpcErr
}

func TestHTTPTrade(t *testing.T) {
	m := &tMarket{}
	srv := newServer(&Config{Market: m})

	req := &msgjson.TradeRequest{
		Quantity: msgjson.NewAmount(uint128.From64(20_000)),
		Rate:     msgjson.NewAmount(uint128.From64(1_000_000)),
		PayoutTo: bytes.Repeat([]byte{1}, 32),
	}
	status, b := post(t, srv, msgjson.TradeCyclesRoute, "", req)
	wantRPCError(t, status, b, http.StatusUnauthorized, msgjson.UnauthorizedConnection)

	status, b = post(t, srv, msgjson.TradeCyclesRoute, alice, req)
	if status != http.StatusOK {
		t.Fatalf("trade failed: %d %s", status, b)
	}
	var res msgjson.TradeResult
	if err := json.Unmarshal(b, &res); err != nil || res.PositionID != 1 {
		t.Fatalf("wrong result %s", b)
	}
	if len(m.callers) != 1 || m.callers[0] != alice {
		t.Fatalf("wrong caller %s", spew.Sdump(m.callers))
	}
	tr := m.trades[0]
	if !tr.Quantity.Equals64(20_000) || tr.PayoutTo == nil || tr.PayoutTo[0] != 1 || tr.ReturnTo != nil {
		t.Fatalf("wrong trade request %s", spew.Sdump(tr))
	}

	// Short subaccount.
	req.ReturnTo = []byte{1, 2, 3}
	status, b = post(t, srv, msgjson.TradeTokensRoute, alice, req)
	wantRPCError(t, status, b, http.StatusBadRequest, msgjson.InvalidRequestError)
	req.ReturnTo = nil

	m.tradeErr = &market.TradeError{
		Code:          market.MinimumPosition,
		MinimumCycles: uint128.From64(1e12),
		MinimumTokens: uint128.From64(1000),
	}
	status, b = post(t, srv, msgjson.TradeCyclesRoute, alice, req)
	rpcErr := wantRPCError(t, status, b, http.StatusBadRequest, msgjson.MinimumPositionError)
	var mins msgjson.MinimumPositionData
	if err := json.Unmarshal(rpcErr.Data, &mins); err != nil {
		t.Fatalf("error decoding minimums: %v", err)
	}
	if !mins.MinimumCycles.U128().Equals64(1e12) || !mins.MinimumTokens.U128().Equals64(1000) {
		t.Fatalf("wrong minimums %s", spew.Sdump(mins))
	}

	m.tradeErr = &market.TradeError{Code: market.CyclesMarketIsBusy}
	status, b = post(t, srv, msgjson.TradeCyclesRoute, alice, req)
	wantRPCError(t, status, b, http.StatusServiceUnavailable, msgjson.MarketBusyError)

	m.tradeErr = &market.TradeError{Code: market.CallerIsInTheMiddleOfADifferentCallThatLocksTheBalance}
	status, b = post(t, srv, msgjson.TradeCyclesRoute, alice, req)
	wantRPCError(t, status, b, http.StatusConflict, msgjson.BalanceLockedError)

	m.tradeErr = &market.TradeError{Code: market.CyclesMarketIsFull, BumpRate: uint128.From64(91), BumpQuantity: uint128.From64(5)}
	status, b = post(t, srv, msgjson.TradeCyclesRoute, alice, req)
	rpcErr = wantRPCError(t, status, b, http.StatusBadRequest, msgjson.MarketFullError)
	var full msgjson.MarketFullData
	if err := json.Unmarshal(rpcErr.Data, &full); err != nil || !full.Rate.U128().Equals64(91) {
		t.Fatalf("wrong bump data %s", rpcErr.Data)
	}
}

func TestHTTPCallerRoutes(t *testing.T) {
	m := &tMarket{}
	srv := newServer(&Config{Market: m})

	m.voidErr = &market.VoidPositionError{Code: market.MinimumWaitTime}
	status, b := post(t, srv, msgjson.VoidPositionRoute, alice, &msgjson.VoidPositionRequest{PositionID: 3})
	wantRPCError(t, status, b, http.StatusBadRequest, msgjson.MinimumWaitTimeError)
	m.voidErr = nil
	if status, b = post(t, srv, msgjson.VoidPositionRoute, alice, &msgjson.VoidPositionRequest{PositionID: 3}); status != http.StatusOK {
		t.Fatalf("void failed: %s", b)
	}

	status, b = post(t, srv, msgjson.TransferBalanceRoute, alice, &msgjson.TransferBalanceRequest{
		Side:   "tokens",
		Amount: msgjson.NewAmount(uint128.From64(500)),
		To:     msgjson.Account{Owner: bob.String()},
	})
	if status != http.StatusOK {
		t.Fatalf("transfer failed: %d %s", status, b)
	}
	var tres msgjson.TransferBalanceResult
	if err := json.Unmarshal(b, &tres); err != nil || !tres.BlockIndex.U128().Equals64(501) {
		t.Fatalf("wrong transfer result %s", b)
	}

	status, b = post(t, srv, msgjson.TransferBalanceRoute, alice, &msgjson.TransferBalanceRequest{
		Side: "dogecoin",
		To:   msgjson.Account{Owner: bob.String()},
	})
	wantRPCError(t, status, b, http.StatusBadRequest, msgjson.InvalidRequestError)

	status, b = post(t, srv, msgjson.DepositAccountRoute, alice, &msgjson.DepositAccountRequest{Side: "cycles"})
	if status != http.StatusOK {
		t.Fatalf("deposit account failed: %s", b)
	}
	var acct msgjson.Account
	if err := json.Unmarshal(b, &acct); err != nil {
		t.Fatalf("error decoding account: %v", err)
	}
	sub := icrc.PrincipalSubaccount(alice)
	if acct.Owner != bob.String() || !bytes.Equal(acct.Subaccount, sub[:]) {
		t.Fatalf("wrong deposit account %s", b)
	}

	status, b = post(t, srv, msgjson.DepositBalanceRoute, alice, &msgjson.DepositAccountRequest{Side: "cycles"})
	var bal msgjson.DepositBalanceResult
	if status != http.StatusOK || json.Unmarshal(b, &bal) != nil || !bal.Balance.U128().Equals64(6000) {
		t.Fatalf("wrong deposit balance %d %s", status, b)
	}
	status, b = post(t, srv, msgjson.DepositBalanceRoute, alice, &msgjson.DepositAccountRequest{Side: "tokens"})
	wantRPCError(t, status, b, http.StatusInternalServerError, msgjson.RPCInternal)
	status, b = post(t, srv, msgjson.DepositBalanceRoute, "", &msgjson.DepositAccountRequest{Side: "cycles"})
	wantRPCError(t, status, b, http.StatusUnauthorized, msgjson.UnauthorizedConnection)

	// The positor defaults to the caller.
	status, b = post(t, srv, msgjson.UserPositionsRoute, alice, nil)
	if status != http.StatusOK {
		t.Fatalf("user positions failed: %s", b)
	}
	var logs msgjson.PositorLogs
	if err := json.Unmarshal(b, &logs); err != nil || string(logs.Records) != string(alice) {
		t.Fatalf("wrong positor logs %s", b)
	}
	status, b = post(t, srv, msgjson.UserPositionsRoute, "", &msgjson.PositorLogsRequest{Positor: bob.String()})
	if err := json.Unmarshal(b, &logs); status != http.StatusOK || err != nil || string(logs.Records) != string(bob) {
		t.Fatalf("wrong positor logs %s", b)
	}
	status, b = post(t, srv, msgjson.UserPositionsRoute, "", nil)
	wantRPCError(t, status, b, http.StatusBadRequest, msgjson.InvalidRequestError)

	req := httptest.NewRequest(http.MethodPost, "/api/"+msgjson.VoidPositionRoute, strings.NewReader("{}"))
	req.Header.Set(CallerHeader, "not a principal")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad principal accepted: %d", w.Code)
	}
}

func TestHTTPViews(t *testing.T) {
	m := &tMarket{
		book: []book.RateQuantity{{Rate: uint128.From64(5), Quantity: uint128.New(0, 1)}},
	}
	srv := newServer(&Config{Market: m})

	status, b := post(t, srv, msgjson.PositionBookRoute, "", &msgjson.PositionBookRequest{Kind: "cycles"})
	if status != http.StatusOK {
		t.Fatalf("position book failed: %s", b)
	}
	var pb msgjson.PositionBook
	if err := json.Unmarshal(b, &pb); err != nil {
		t.Fatalf("error decoding book: %v", err)
	}
	if len(pb.Quantities) != 1 || !pb.IsLastChunk || pb.Quantities[0].Quantity.String() != "18446744073709551616" {
		t.Fatalf("wrong book %s", b)
	}

	status, b = post(t, srv, msgjson.LatestTradesRoute, "", nil)
	var lt msgjson.LatestTrades
	if err := json.Unmarshal(b, &lt); status != http.StatusOK || err != nil || len(lt.Trades) != 1 || lt.Trades[0].ID != 4 {
		t.Fatalf("wrong latest trades %s", b)
	}

	status, b = post(t, srv, msgjson.CandlesRoute, "", &msgjson.CandlesRequest{SegmentMinutes: 7})
	wantRPCError(t, status, b, http.StatusBadRequest, msgjson.CandleSegmentError)
	status, b = post(t, srv, msgjson.CandlesRoute, "", &msgjson.CandlesRequest{SegmentMinutes: 15})
	if status != http.StatusOK {
		t.Fatalf("candles failed: %s", b)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/"+msgjson.VolumeStatsRoute, nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	var vs msgjson.VolumeStats
	if err := json.Unmarshal(w.Body.Bytes(), &vs); w.Code != http.StatusOK || err != nil || !vs.Cycles.AllTime.U128().Equals64(5) {
		t.Fatalf("wrong volume stats %s", w.Body.String())
	}

	status, b = post(t, srv, msgjson.StorageNodesRoute, "", &msgjson.StorageNodesRequest{Kind: "trades"})
	var nodes []msgjson.StorageNode
	if err := json.Unmarshal(b, &nodes); status != http.StatusOK || err != nil || len(nodes) != 1 || !nodes[0].Full {
		t.Fatalf("wrong storage nodes %s", b)
	}

	status, b = post(t, srv, "no_such_route", "", nil)
	wantRPCError(t, status, b, http.StatusNotFound, msgjson.RPCUnknownRoute)

	req = httptest.NewRequest(http.MethodPost, "/api/"+msgjson.PositionBookRoute, strings.NewReader("{"))
	w = httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	wantRPCError(t, w.Code, w.Body.Bytes(), http.StatusBadRequest, msgjson.RPCParseError)
}

func TestRateLimit(t *testing.T) {
	srv := newServer(&Config{Market: &tMarket{}, GlobalRate: 0.001, GlobalBurst: 2})
	for i := 0; i < 2; i++ {
		if status, b := post(t, srv, msgjson.VolumeStatsRoute, "", nil); status != http.StatusOK {
			t.Fatalf("request %d refused: %s", i, b)
		}
	}
	status, b := post(t, srv, msgjson.VolumeStatsRoute, "", nil)
	wantRPCError(t, status, b, http.StatusTooManyRequests, msgjson.TooManyRequestsError)

	// Per-IP limits.
	srv = newServer(&Config{Market: &tMarket{}})
	for i := 0; i < ipMaxBurstSize; i++ {
		post(t, srv, msgjson.VolumeStatsRoute, "", nil)
	}
	status, _ = post(t, srv, msgjson.VolumeStatsRoute, "", nil)
	if status != http.StatusTooManyRequests {
		t.Fatalf("per-IP limit not applied: %d", status)
	}
	srv.pruneLimiters(0)
	if len(srv.ipLimiters) != 0 {
		t.Fatalf("limiters not pruned")
	}
}

func TestWebsocket(t *testing.T) {
	m := &tMarket{}
	s := newServer(&Config{Market: m})
	ts := httptest.NewServer(s)
	defer ts.Close()
	defer s.disconnectClients()

	hdr := http.Header{}
	hdr.Set(CallerHeader, alice.String())
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, hdr)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.Close()

	read := func() *msgjson.Message {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, b, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage error: %v", err)
		}
		msg, err := msgjson.DecodeMessage(b)
		if err != nil {
			t.Fatalf("DecodeMessage error: %v", err)
		}
		return msg
	}

	req, _ := msgjson.NewRequest(7, msgjson.TradeCyclesRoute, &msgjson.TradeRequest{
		Quantity: msgjson.NewAmount(uint128.From64(1)),
		Rate:     msgjson.NewAmount(uint128.From64(1)),
	})
	if err := conn.WriteJSON(req); err != nil {
		t.Fatalf("WriteJSON error: %v", err)
	}
	resp := read()
	var res msgjson.TradeResult
	if err := resp.UnmarshalResult(&res); err != nil || resp.ID != 7 || res.PositionID != 1 {
		t.Fatalf("wrong response %s, %v", resp, err)
	}
	if m.callers[0] != alice {
		t.Fatalf("wrong websocket caller")
	}

	// The link is registered before the upgrade handler returns, and the
	// response above came through it.
	if n := s.clientCount(); n != 1 {
		t.Fatalf("%d clients", n)
	}
	s.PublishTrade(&order.TradeLog{ID: 12, Tokens: uint128.From64(3), Cycles: uint128.From64(30), Rate: uint128.From64(10)})
	note := read()
	if note.Type != msgjson.Notification || note.Route != msgjson.TradeRoute {
		t.Fatalf("wrong notification %s", note)
	}
	var tn msgjson.TradeNote
	if err := note.Unmarshal(&tn); err != nil || tn.ID != 12 || !tn.Cycles.U128().Equals64(30) {
		t.Fatalf("wrong trade note %s", note)
	}

	// Garbage gets a parse error but keeps the link.
	conn.WriteMessage(websocket.TextMessage, []byte("garbage"))
	resp = read()
	if r, err := resp.Response(); err != nil || r.Error == nil || r.Error.Code != msgjson.RPCParseError {
		t.Fatalf("wrong garbage response %s", resp)
	}
}
