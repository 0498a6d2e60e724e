// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package simledger

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"decred.org/cyclesmarket/dex/icrc"
	"decred.org/cyclesmarket/server/ledger"
)

// Handler serves the ledger gateway JSON API, so an rpcledger client can
// talk to a simulated ledger.
func (l *Ledger) Handler() http.Handler {
	mux := chi.NewRouter()
	mux.Post("/transfer", l.handleTransfer)
	mux.Get("/fee", l.handleFee)
	mux.Post("/balance", l.handleBalance)
	return mux
}

func writeJSON(w http.ResponseWriter, code int, thing any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(thing)
}

func (l *Ledger) handleTransfer(w http.ResponseWriter, r *http.Request) {
	caller, err := icrc.ParsePrincipal(r.Header.Get(ledger.CallerHeader))
	if err != nil {
		http.Error(w, "missing or bad caller", http.StatusUnauthorized)
		return
	}
	var wa ledger.WireTransferArg
	if err := json.NewDecoder(r.Body).Decode(&wa); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	arg, err := ledger.DecodeTransferArg(&wa)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	idx, err := l.transfer(r.Context(), caller, arg)
	if err != nil {
		var te *ledger.TransferError
		if errors.As(err, &te) {
			writeJSON(w, http.StatusOK, &ledger.WireTransferResult{Err: ledger.EncodeTransferError(te)})
			return
		}
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, &ledger.WireTransferResult{Ok: idx.String()})
}

func (l *Ledger) handleFee(w http.ResponseWriter, _ *http.Request) {
	l.mtx.Lock()
	fee := l.fee
	l.mtx.Unlock()
	writeJSON(w, http.StatusOK, &ledger.WireAmount{Amount: fee.String()})
}

func (l *Ledger) handleBalance(w http.ResponseWriter, r *http.Request) {
	var wa ledger.WireAccount
	if err := json.NewDecoder(r.Body).Decode(&wa); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	acct, err := ledger.DecodeAccount(wa)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, &ledger.WireAmount{Amount: l.Balance(acct).String()})
}
