// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/candles"
	"decred.org/cyclesmarket/dex/icrc"
	"decred.org/cyclesmarket/dex/msgjson"
	"decred.org/cyclesmarket/dex/order"
	"decred.org/cyclesmarket/server/book"
	"decred.org/cyclesmarket/server/market"
)

// maxBodySize bounds a request payload.
const maxBodySize = 1 << 16

// MarketAPI is the market surface served to callers. *market.Market
// satisfies it.
type MarketAPI interface {
	TradeCycles(ctx context.Context, caller icrc.Principal, req *market.TradeRequest) (uint64, error)
	TradeTokens(ctx context.Context, caller icrc.Principal, req *market.TradeRequest) (uint64, error)
	VoidPosition(ctx context.Context, caller icrc.Principal, id uint64) error
	TransferBalance(ctx context.Context, caller icrc.Principal, side dex.Side, amount uint128.Uint128,
		fee *uint128.Uint128, to icrc.Account) (uint128.Uint128, error)
	DepositAccount(caller icrc.Principal, side dex.Side) icrc.Account
	DepositBalance(ctx context.Context, caller icrc.Principal, side dex.Side) (uint128.Uint128, error)
	PositionBook(kind order.PositionKind, startGreaterThan *uint128.Uint128) ([]book.RateQuantity, bool)
	LatestTrades(startBefore *uint64) ([]market.TradeSummary, bool)
	Candles(segmentMinutes uint64, startBefore *uint64) ([]candles.Candle, bool, error)
	VolumeStats() candles.VolumeStats
	UserCurrentPositions(positor icrc.Principal, startBefore *uint64) []byte
	VoidPositionsPending(positor icrc.Principal, startBefore *uint64) []byte
	StorageNodes(kind order.LogKind) []market.StorageNode
}

var _ MarketAPI = (*market.Market)(nil)

type routeFunc func(ctx context.Context, caller icrc.Principal, payload json.RawMessage) (any, *msgjson.Error)

type route struct {
	fn routeFunc
	// authed routes act on the caller's funds or positions.
	authed bool
}

func (s *Server) routes() map[string]route {
	return map[string]route{
		msgjson.TradeCyclesRoute:          {s.handleTrade(order.CyclesPosition), true},
		msgjson.TradeTokensRoute:          {s.handleTrade(order.TokenPosition), true},
		msgjson.VoidPositionRoute:         {s.handleVoidPosition, true},
		msgjson.TransferBalanceRoute:      {s.handleTransferBalance, true},
		msgjson.DepositAccountRoute:       {s.handleDepositAccount, true},
		msgjson.DepositBalanceRoute:       {s.handleDepositBalance, true},
		msgjson.PositionBookRoute:         {s.handlePositionBook, false},
		msgjson.LatestTradesRoute:         {s.handleLatestTrades, false},
		msgjson.CandlesRoute:              {s.handleCandles, false},
		msgjson.VolumeStatsRoute:          {s.handleVolumeStats, false},
		msgjson.UserPositionsRoute:        {s.handlePositorLogs(false), false},
		msgjson.VoidPositionsPendingRoute: {s.handlePositorLogs(true), false},
		msgjson.StorageNodesRoute:         {s.handleStorageNodes, false},
	}
}

// dispatch runs a route for HTTP and websocket requests alike.
func (s *Server) dispatch(ctx context.Context, name string, caller icrc.Principal, payload json.RawMessage) (any, *msgjson.Error) {
	r, found := s.routeTable[name]
	if !found {
		return nil, msgjson.NewError(msgjson.RPCUnknownRoute, "unknown route %q", name)
	}
	if r.authed && caller == "" {
		return nil, msgjson.NewError(msgjson.UnauthorizedConnection, "route %s requires a caller", name)
	}
	if len(payload) == 0 || string(payload) == "null" {
		payload = json.RawMessage("{}")
	}
	return r.fn(ctx, caller, payload)
}

func (s *Server) handleHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize+1))
	if err != nil || len(body) > maxBodySize {
		writeJSONWithStatus(w, msgjson.NewError(msgjson.InvalidRequestError, "unreadable request body"), http.StatusBadRequest)
		return
	}
	res, rpcErr := s.dispatch(r.Context(), chi.URLParam(r, "route"), callerFrom(r.Context()), body)
	if rpcErr != nil {
		writeJSONWithStatus(w, rpcErr, httpStatus(rpcErr.Code))
		return
	}
	writeJSONWithStatus(w, res, http.StatusOK)
}

func decodePayload(payload json.RawMessage, thing any) *msgjson.Error {
	if err := json.Unmarshal(payload, thing); err != nil {
		return msgjson.NewError(msgjson.RPCParseError, "error decoding payload: %v", err)
	}
	return nil
}

func parseSubaccount(b msgjson.Bytes) (*icrc.Subaccount, *msgjson.Error) {
	if len(b) == 0 {
		return nil, nil
	}
	sub, err := icrc.SubaccountFromBytes(b)
	if err != nil {
		return nil, msgjson.NewError(msgjson.InvalidRequestError, "%v", err)
	}
	return sub, nil
}

func parseSide(s string) (dex.Side, *msgjson.Error) {
	side, ok := dex.ParseSide(s)
	if !ok {
		return 0, msgjson.NewError(msgjson.InvalidRequestError, "unknown side %q", s)
	}
	return side, nil
}

func (s *Server) handleTrade(kind order.PositionKind) routeFunc {
	return func(ctx context.Context, caller icrc.Principal, payload json.RawMessage) (any, *msgjson.Error) {
		var req msgjson.TradeRequest
		if rpcErr := decodePayload(payload, &req); rpcErr != nil {
			return nil, rpcErr
		}
		returnTo, rpcErr := parseSubaccount(req.ReturnTo)
		if rpcErr != nil {
			return nil, rpcErr
		}
		payoutTo, rpcErr := parseSubaccount(req.PayoutTo)
		if rpcErr != nil {
			return nil, rpcErr
		}
		tr := &market.TradeRequest{
			Quantity:  req.Quantity.U128(),
			Rate:      req.Rate.U128(),
			LedgerFee: msgjson.OptAmount(req.LedgerFee),
			ReturnTo:  returnTo,
			PayoutTo:  payoutTo,
		}
		trade := s.cfg.Market.TradeCycles
		if kind == order.TokenPosition {
			trade = s.cfg.Market.TradeTokens
		}
		id, err := trade(ctx, caller, tr)
		if err != nil {
			return nil, marketError(err)
		}
		return &msgjson.TradeResult{PositionID: id}, nil
	}
}

func (s *Server) handleVoidPosition(ctx context.Context, caller icrc.Principal, payload json.RawMessage) (any, *msgjson.Error) {
	var req msgjson.VoidPositionRequest
	if rpcErr := decodePayload(payload, &req); rpcErr != nil {
		return nil, rpcErr
	}
	if err := s.cfg.Market.VoidPosition(ctx, caller, req.PositionID); err != nil {
		return nil, marketError(err)
	}
	return true, nil
}

func (s *Server) handleTransferBalance(ctx context.Context, caller icrc.Principal, payload json.RawMessage) (any, *msgjson.Error) {
	var req msgjson.TransferBalanceRequest
	if rpcErr := decodePayload(payload, &req); rpcErr != nil {
		return nil, rpcErr
	}
	side, rpcErr := parseSide(req.Side)
	if rpcErr != nil {
		return nil, rpcErr
	}
	owner, err := icrc.ParsePrincipal(req.To.Owner)
	if err != nil {
		return nil, msgjson.NewError(msgjson.InvalidRequestError, "invalid owner: %v", err)
	}
	sub, rpcErr := parseSubaccount(req.To.Subaccount)
	if rpcErr != nil {
		return nil, rpcErr
	}
	idx, err := s.cfg.Market.TransferBalance(ctx, caller, side, req.Amount.U128(), msgjson.OptAmount(req.LedgerFee),
		icrc.Account{Owner: owner, Subaccount: sub})
	if err != nil {
		return nil, marketError(err)
	}
	return &msgjson.TransferBalanceResult{BlockIndex: msgjson.NewAmount(idx)}, nil
}

func (s *Server) handleDepositAccount(_ context.Context, caller icrc.Principal, payload json.RawMessage) (any, *msgjson.Error) {
	var req msgjson.DepositAccountRequest
	if rpcErr := decodePayload(payload, &req); rpcErr != nil {
		return nil, rpcErr
	}
	side, rpcErr := parseSide(req.Side)
	if rpcErr != nil {
		return nil, rpcErr
	}
	acct := s.cfg.Market.DepositAccount(caller, side)
	res := &msgjson.Account{Owner: acct.Owner.String()}
	if acct.Subaccount != nil {
		res.Subaccount = acct.Subaccount[:]
	}
	return res, nil
}

func (s *Server) handleDepositBalance(ctx context.Context, caller icrc.Principal, payload json.RawMessage) (any, *msgjson.Error) {
	var req msgjson.DepositAccountRequest
	if rpcErr := decodePayload(payload, &req); rpcErr != nil {
		return nil, rpcErr
	}
	side, rpcErr := parseSide(req.Side)
	if rpcErr != nil {
		return nil, rpcErr
	}
	bal, err := s.cfg.Market.DepositBalance(ctx, caller, side)
	if err != nil {
		return nil, marketError(err)
	}
	return &msgjson.DepositBalanceResult{Balance: msgjson.NewAmount(bal)}, nil
}

func (s *Server) handlePositionBook(_ context.Context, _ icrc.Principal, payload json.RawMessage) (any, *msgjson.Error) {
	var req msgjson.PositionBookRequest
	if rpcErr := decodePayload(payload, &req); rpcErr != nil {
		return nil, rpcErr
	}
	side, rpcErr := parseSide(req.Kind)
	if rpcErr != nil {
		return nil, rpcErr
	}
	kind := order.CyclesPosition
	if side == dex.TokenSide {
		kind = order.TokenPosition
	}
	rqs, isLast := s.cfg.Market.PositionBook(kind, msgjson.OptAmount(req.StartGreaterThan))
	res := &msgjson.PositionBook{
		Quantities:  make([]msgjson.RateQuantity, 0, len(rqs)),
		IsLastChunk: isLast,
	}
	for _, rq := range rqs {
		res.Quantities = append(res.Quantities, msgjson.RateQuantity{
			Rate:     msgjson.NewAmount(rq.Rate),
			Quantity: msgjson.NewAmount(rq.Quantity),
		})
	}
	return res, nil
}

func (s *Server) handleLatestTrades(_ context.Context, _ icrc.Principal, payload json.RawMessage) (any, *msgjson.Error) {
	var req msgjson.LatestTradesRequest
	if rpcErr := decodePayload(payload, &req); rpcErr != nil {
		return nil, rpcErr
	}
	ts, isLast := s.cfg.Market.LatestTrades(req.StartBeforeID)
	res := &msgjson.LatestTrades{
		Trades:      make([]msgjson.TradeData, 0, len(ts)),
		IsLastChunk: isLast,
	}
	for _, t := range ts {
		res.Trades = append(res.Trades, msgjson.TradeData{
			ID:            t.ID,
			Tokens:        msgjson.NewAmount(t.Tokens),
			Rate:          msgjson.NewAmount(t.Rate),
			TimestampSecs: t.TimestampSecs,
		})
	}
	return res, nil
}

func (s *Server) handleCandles(_ context.Context, _ icrc.Principal, payload json.RawMessage) (any, *msgjson.Error) {
	var req msgjson.CandlesRequest
	if rpcErr := decodePayload(payload, &req); rpcErr != nil {
		return nil, rpcErr
	}
	cs, isEarliest, err := s.cfg.Market.Candles(req.SegmentMinutes, req.StartBefore)
	if err != nil {
		return nil, msgjson.NewError(msgjson.CandleSegmentError, "%v", err)
	}
	res := &msgjson.Candles{
		Candles:         make([]msgjson.Candle, 0, len(cs)),
		IsEarliestChunk: isEarliest,
	}
	for _, c := range cs {
		res.Candles = append(res.Candles, msgjson.Candle{
			StartTime:    c.StartTime,
			VolumeCycles: msgjson.NewAmount(c.VolumeCycles),
			VolumeTokens: msgjson.NewAmount(c.VolumeTokens),
			Open:         msgjson.NewAmount(c.Open),
			High:         msgjson.NewAmount(c.High),
			Low:          msgjson.NewAmount(c.Low),
			Close:        msgjson.NewAmount(c.Close),
		})
	}
	return res, nil
}

func volumes(v candles.Volumes) msgjson.Volumes {
	return msgjson.Volumes{
		Day:     msgjson.NewAmount(v.Day),
		Week:    msgjson.NewAmount(v.Week),
		Month:   msgjson.NewAmount(v.Month),
		AllTime: msgjson.NewAmount(v.AllTime),
	}
}

func (s *Server) handleVolumeStats(context.Context, icrc.Principal, json.RawMessage) (any, *msgjson.Error) {
	vs := s.cfg.Market.VolumeStats()
	return &msgjson.VolumeStats{
		Cycles: volumes(vs.Cycles),
		Tokens: volumes(vs.Tokens),
	}, nil
}

// handlePositorLogs serves the serialized position logs of a positor,
// defaulting to the caller.
func (s *Server) handlePositorLogs(voids bool) routeFunc {
	return func(_ context.Context, caller icrc.Principal, payload json.RawMessage) (any, *msgjson.Error) {
		var req msgjson.PositorLogsRequest
		if rpcErr := decodePayload(payload, &req); rpcErr != nil {
			return nil, rpcErr
		}
		positor := caller
		if req.Positor != "" {
			p, err := icrc.ParsePrincipal(req.Positor)
			if err != nil {
				return nil, msgjson.NewError(msgjson.InvalidRequestError, "invalid positor: %v", err)
			}
			positor = p
		}
		if positor == "" {
			return nil, msgjson.NewError(msgjson.InvalidRequestError, "no positor")
		}
		var b []byte
		if voids {
			b = s.cfg.Market.VoidPositionsPending(positor, req.StartBeforeID)
		} else {
			b = s.cfg.Market.UserCurrentPositions(positor, req.StartBeforeID)
		}
		return &msgjson.PositorLogs{RecordSize: order.PositionLogSize, Records: b}, nil
	}
}

func (s *Server) handleStorageNodes(_ context.Context, _ icrc.Principal, payload json.RawMessage) (any, *msgjson.Error) {
	var req msgjson.StorageNodesRequest
	if rpcErr := decodePayload(payload, &req); rpcErr != nil {
		return nil, rpcErr
	}
	kind, ok := order.ParseLogKind(req.Kind)
	if !ok {
		return nil, msgjson.NewError(msgjson.InvalidRequestError, "unknown log kind %q", req.Kind)
	}
	nodes := s.cfg.Market.StorageNodes(kind)
	res := make([]msgjson.StorageNode, 0, len(nodes))
	for _, n := range nodes {
		res = append(res, msgjson.StorageNode{
			ID:         n.ID,
			FirstLogID: n.FirstLogID,
			Count:      n.Count,
			Full:       n.Full,
		})
	}
	return res, nil
}

var marketCodes = map[market.ErrorCode]int{
	market.MinimumPosition:  msgjson.MinimumPositionError,
	market.RateCannotBeZero: msgjson.RateCannotBeZeroError,
	market.CallerIsInTheMiddleOfADifferentCallThatLocksTheBalance: msgjson.BalanceLockedError,
	market.CyclesMarketIsBusy:                                     msgjson.MarketBusyError,
	market.CyclesMarketIsFull:                                     msgjson.MarketFullError,
	market.CreatePositionLedgerTransferCallError:                  msgjson.CreatePositionLedgerTransferCallErrorCode,
	market.CreatePositionLedgerTransferError:                      msgjson.CreatePositionLedgerTransferErrorCode,
	market.LedgerTransferCallError:                                msgjson.LedgerTransferCallErrorCode,
	market.LedgerTransferError:                                    msgjson.LedgerTransferErrorCode,
	market.WrongCaller:                                            msgjson.WrongCallerError,
	market.MinimumWaitTime:                                        msgjson.MinimumWaitTimeError,
	market.PositionNotFound:                                       msgjson.PositionNotFoundError,
}

// marketError translates a market rejection. The minimums and bump
// requirements travel in the error data.
func marketError(err error) *msgjson.Error {
	code, ok := market.CodeOf(err)
	if !ok {
		log.Errorf("Unexpected market error: %v", err)
		return msgjson.NewError(msgjson.RPCInternal, "internal error")
	}
	rpcErr := msgjson.NewError(marketCodes[code], "%v", err)
	var te *market.TradeError
	if errors.As(err, &te) {
		switch te.Code {
		case market.MinimumPosition:
			rpcErr.WithData(&msgjson.MinimumPositionData{
				MinimumCycles: msgjson.NewAmount(te.MinimumCycles),
				MinimumTokens: msgjson.NewAmount(te.MinimumTokens),
			})
		case market.CyclesMarketIsFull:
			rpcErr.WithData(&msgjson.MarketFullData{
				Rate:     msgjson.NewAmount(te.BumpRate),
				Quantity: msgjson.NewAmount(te.BumpQuantity),
			})
		}
	}
	return rpcErr
}

func httpStatus(code int) int {
	switch code {
	case msgjson.RPCUnknownRoute:
		return http.StatusNotFound
	case msgjson.RPCInternal:
		return http.StatusInternalServerError
	case msgjson.UnauthorizedConnection:
		return http.StatusUnauthorized
	case msgjson.TooManyRequestsError:
		return http.StatusTooManyRequests
	case msgjson.MarketBusyError:
		return http.StatusServiceUnavailable
	case msgjson.BalanceLockedError:
		return http.StatusConflict
	case msgjson.LedgerTransferCallErrorCode, msgjson.CreatePositionLedgerTransferCallErrorCode:
		return http.StatusBadGateway
	}
	return http.StatusBadRequest
}

// writeJSONWithStatus writes the JSON response with the specified HTTP
// response code.
func writeJSONWithStatus(w http.ResponseWriter, thing any, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	b, err := json.Marshal(thing)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		log.Errorf("JSON encode error: %v", err)
		return
	}
	w.WriteHeader(code)
	if _, err = w.Write(append(b, byte('\n'))); err != nil {
		log.Errorf("Write error: %v", err)
	}
}
