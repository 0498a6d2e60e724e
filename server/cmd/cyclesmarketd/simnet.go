// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"decred.org/cyclesmarket/dex/icrc"
	"decred.org/cyclesmarket/server/ledger"
	"decred.org/cyclesmarket/server/ledger/simledger"
)

// simnetLedgers are the in-process ledgers of a simnet market.
type simnetLedgers struct {
	cycles *simledger.Ledger
	tokens *simledger.Ledger
}

func newSimnetLedgers(cfg *marketConf) *simnetLedgers {
	return &simnetLedgers{
		cycles: simledger.New(cfg.CyclesLedgerFee),
		tokens: simledger.New(cfg.TokenLedgerFee),
	}
}

// fund credits each configured principal's deposit account at the market, so
// it can trade right away.
func (s *simnetLedgers) fund(cyclesAdapter, tokensAdapter *ledger.Adapter, funds []simnetFund) {
	for _, f := range funds {
		if !f.Cycles.IsZero() {
			s.cycles.Mint(cyclesAdapter.DepositAccount(f.Owner), f.Cycles)
		}
		if !f.Tokens.IsZero() {
			s.tokens.Mint(tokensAdapter.DepositAccount(f.Owner), f.Tokens)
		}
		log.Infof("Simnet funded %s with %s cycles and %s tokens", f.Owner, f.Cycles, f.Tokens)
	}
}

func (s *simnetLedgers) clients(self icrc.Principal) (ledger.Ledger, ledger.Ledger) {
	return s.cycles.Client(self), s.tokens.Client(self)
}

// serve exposes both ledgers as gateways under /cycles and /tokens until ctx
// is canceled.
func (s *simnetLedgers) serve(ctx context.Context, addr string) {
	mux := chi.NewRouter()
	mux.Mount("/cycles", s.cycles.Handler())
	mux.Mount("/tokens", s.tokens.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		if err := srv.Shutdown(context.Background()); err != nil {
			log.Errorf("Simnet ledger server shutdown: %v", err)
		}
	}()
	log.Infof("Simnet ledgers listening on http://%s/cycles and http://%s/tokens", addr, addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Errorf("Simnet ledger server: %v", err)
	}
}
