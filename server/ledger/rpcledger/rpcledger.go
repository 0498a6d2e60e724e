// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package rpcledger reaches a remote ledger through its JSON gateway.
package rpcledger

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"lukechampine.com/uint128"

	"decred.org/cyclesmarket/dex/dexnet"
	"decred.org/cyclesmarket/dex/icrc"
	"decred.org/cyclesmarket/server/ledger"
)

// Client is a ledger.Ledger over HTTP.
type Client struct {
	url    string
	caller icrc.Principal
}

var _ ledger.Ledger = (*Client)(nil)

// New creates a Client for the gateway at url, calling as caller.
func New(url string, caller icrc.Principal) *Client {
	return &Client{url: strings.TrimRight(url, "/"), caller: caller}
}

// callError classifies a failed request. Server-side failures are transient,
// everything else is a destination rejection.
func callError(err error) error {
	var httpErr *dexnet.HTTPError
	if errors.As(err, &httpErr) {
		code := ledger.CallRejectDestination
		if httpErr.Code >= http.StatusInternalServerError {
			code = ledger.CallRejectTransient
		}
		return &ledger.CallError{Code: code, Message: httpErr.Error()}
	}
	return &ledger.CallError{Code: ledger.CallRejectTransient, Message: err.Error()}
}

func (c *Client) callerHeader() *dexnet.RequestOption {
	return dexnet.WithRequestHeader(ledger.CallerHeader, c.caller.String())
}

// Transfer submits a transfer.
func (c *Client) Transfer(ctx context.Context, arg *ledger.TransferArg) (uint128.Uint128, error) {
	var res ledger.WireTransferResult
	if err := dexnet.PostJSON(ctx, c.url+"/transfer", &res, ledger.EncodeTransferArg(arg), c.callerHeader()); err != nil {
		return uint128.Zero, callError(err)
	}
	if res.Err != nil {
		te, err := ledger.DecodeTransferError(res.Err)
		if err != nil {
			return uint128.Zero, &ledger.CallError{Code: ledger.CallRejectCanisterError, Message: err.Error()}
		}
		return uint128.Zero, te
	}
	idx, err := uint128.FromString(res.Ok)
	if err != nil {
		return uint128.Zero, &ledger.CallError{Code: ledger.CallRejectCanisterError, Message: "bad block index: " + err.Error()}
	}
	return idx, nil
}

// Fee reads the current transfer fee.
func (c *Client) Fee(ctx context.Context) (uint128.Uint128, error) {
	var res ledger.WireAmount
	if err := dexnet.Get(ctx, c.url+"/fee", &res, c.callerHeader()); err != nil {
		return uint128.Zero, callError(err)
	}
	return uint128.FromString(res.Amount)
}

// BalanceOf reads an account balance.
func (c *Client) BalanceOf(ctx context.Context, acct icrc.Account) (uint128.Uint128, error) {
	var res ledger.WireAmount
	if err := dexnet.PostJSON(ctx, c.url+"/balance", &res, ledger.EncodeAccount(acct), c.callerHeader()); err != nil {
		return uint128.Zero, callError(err)
	}
	return uint128.FromString(res.Amount)
}
