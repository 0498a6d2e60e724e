// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package msgjson

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"lukechampine.com/uint128"
)

func TestAmount(t *testing.T) {
	big := uint128.New(0, 1).Add64(5) // 2^64 + 5
	b, err := json.Marshal(NewAmount(big))
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if string(b) != `"18446744073709551621"` {
		t.Fatalf("wrong encoding %s", b)
	}
	var a Amount
	if err := json.Unmarshal(b, &a); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if !a.U128().Equals(big) {
		t.Fatalf("wrong amount %s", a)
	}
	// Bare integers are accepted.
	if err := json.Unmarshal([]byte("1000"), &a); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if !a.U128().Equals64(1000) {
		t.Fatalf("wrong amount %s", a)
	}
	for _, bad := range []string{`"-1"`, `"abc"`, `"340282366920938463463374607431768211456"`} {
		if err := json.Unmarshal([]byte(bad), &a); err == nil {
			t.Fatalf("no error for %s", bad)
		}
	}
	if OptAmount(nil) != nil {
		t.Fatalf("non-nil OptAmount")
	}
	if u := OptAmount(&a); u == nil || !u.Equals64(1000) {
		t.Fatalf("wrong OptAmount")
	}
}

func TestBytes(t *testing.T) {
	tests := []struct {
		name    string
		enc     string
		want    Bytes
		wantErr bool
	}{
		{name: "ok", enc: `"0f0e"`, want: Bytes{0x0f, 0x0e}},
		{name: "empty", enc: `""`},
		{name: "null", enc: `null`},
		{name: "odd", enc: `"fff"`, wantErr: true},
		{name: "not hex", enc: `"zz"`, wantErr: true},
		{name: "not a string", enc: `15`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := Bytes{0xff}
			err := json.Unmarshal([]byte(tt.enc), &b)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Unmarshal error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && string(b) != string(tt.want) {
				t.Fatalf("got %x, want %x", b, tt.want)
			}
		})
	}
	enc, _ := json.Marshal(Bytes{0xab, 0x01})
	if string(enc) != `"ab01"` {
		t.Fatalf("wrong encoding %s", enc)
	}
}

func TestTradeRequest(t *testing.T) {
	raw := `{"quantity":"20000","cyclesPerToken":"1000000","ledgerFee":"10000","payoutTo":"` +
		strings.Repeat("01", 32) + `"}`
	var req TradeRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if !req.Quantity.U128().Equals64(20000) || !req.Rate.U128().Equals64(1_000_000) {
		t.Fatalf("wrong request %+v", req)
	}
	if req.LedgerFee == nil || !req.LedgerFee.U128().Equals64(10000) {
		t.Fatalf("wrong fee")
	}
	if len(req.PayoutTo) != 32 || req.ReturnTo != nil {
		t.Fatalf("wrong subaccounts")
	}
}

func TestResponse(t *testing.T) {
	rpcErr := NewError(MinimumPositionError, "too small").WithData(&MinimumPositionData{
		MinimumCycles: NewAmount(uint128.From64(1e12)),
		MinimumTokens: NewAmount(uint128.From64(1)),
	})
	msg, err := NewResponse(5, nil, rpcErr)
	if err != nil {
		t.Fatalf("NewResponse error: %v", err)
	}
	b, _ := json.Marshal(msg)
	msg, err = DecodeMessage(b)
	if err != nil {
		t.Fatalf("DecodeMessage error: %v", err)
	}
	if msg.Type != Response || msg.ID != 5 {
		t.Fatalf("wrong message %s", msg)
	}
	var res TradeResult
	err = msg.UnmarshalResult(&res)
	var msgErr *Error
	if !errors.As(err, &msgErr) || msgErr.Code != MinimumPositionError {
		t.Fatalf("wrong error %v", err)
	}
	var data MinimumPositionData
	if err := json.Unmarshal(msgErr.Data, &data); err != nil {
		t.Fatalf("error decoding data: %v", err)
	}
	if !data.MinimumCycles.U128().Equals64(1e12) {
		t.Fatalf("wrong minimum %s", data.MinimumCycles)
	}

	msg, _ = NewResponse(6, &TradeResult{PositionID: 9}, nil)
	if err := msg.UnmarshalResult(&res); err != nil || res.PositionID != 9 {
		t.Fatalf("wrong result %+v, %v", res, err)
	}

	if _, err := NewResponse(0, nil, nil); err == nil {
		t.Fatalf("no error for zero id")
	}
	if _, err := NewRequest(1, "", nil); err == nil {
		t.Fatalf("no error for empty route")
	}
	note, _ := NewNotification(TradeRoute, &TradeNote{ID: 3})
	if _, err := note.Response(); err == nil {
		t.Fatalf("no error decoding a notification as a response")
	}
}
