// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/encode"
	"decred.org/cyclesmarket/server/admin"
	"decred.org/cyclesmarket/server/comms"
	"decred.org/cyclesmarket/server/db"
	"decred.org/cyclesmarket/server/db/driver/bolt"
	"decred.org/cyclesmarket/server/db/driver/pg"
	"decred.org/cyclesmarket/server/feed"
	"decred.org/cyclesmarket/server/ledger"
	"decred.org/cyclesmarket/server/ledger/rpcledger"
	"decred.org/cyclesmarket/server/logstore"
	"decred.org/cyclesmarket/server/market"
)

// openStore opens the configured snapshot store. A nil store means the
// market starts empty on every run.
func openStore(ctx context.Context, cfg *marketConf) (db.StateStore, error) {
	switch cfg.DBDriver {
	case "bolt":
		return db.Open(ctx, "bolt", &bolt.Config{Path: filepath.Join(cfg.DataDir, "market.db")})
	case "pg":
		return db.Open(ctx, "pg", &pg.Config{
			Host:         cfg.DBHost,
			Port:         cfg.DBPort,
			User:         cfg.DBUser,
			Pass:         cfg.DBPass,
			DBName:       cfg.DBName,
			QueryTimeout: time.Minute,
		})
	}
	log.Warnf("No snapshot store. Market state will not survive a restart.")
	return nil, nil
}

func mainCore(ctx context.Context) error {
	// Parse the configuration file, and setup logger.
	cfg, opts, err := loadConfig()
	if err != nil {
		fmt.Printf("Failed to load %s config: %s\n", appName, err.Error())
		return err
	}
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()
	lm := cfg.LogMaker

	// Request admin server password if admin server is enabled and
	// server password is not set in config.
	var adminSrvAuthSHA [32]byte
	if cfg.AdminSrvOn {
		if len(cfg.AdminSrvPW) == 0 {
			adminSrvAuthSHA, err = admin.PasswordPrompt("Admin interface password: ")
			if err != nil {
				return fmt.Errorf("cannot use password: %w", err)
			}
		} else {
			adminSrvAuthSHA = sha256.Sum256(cfg.AdminSrvPW)
			encode.ClearBytes(cfg.AdminSrvPW)
		}
	}

	if opts.CPUProfile != "" {
		var f *os.File
		f, err = os.Create(opts.CPUProfile)
		if err != nil {
			return err
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// HTTP profiler
	if opts.HTTPProfile {
		log.Warnf("Starting the HTTP profiler on path /debug/pprof/.")
		// http pprof uses http.DefaultServeMux
		http.Handle("/", http.RedirectHandler("/debug/pprof/", http.StatusSeeOther))
		go func() {
			if err := http.ListenAndServe("127.0.0.1:9432", nil); err != nil {
				log.Errorf("ListenAndServe failed for http/pprof: %v", err)
			}
		}()
	}

	log.Infof("%s version %v (Go version %s)", appName, Version, runtime.Version())
	log.Infof("Market principal %s", cfg.Self)

	// Ledgers.
	var cyclesLedger, tokenLedger ledger.Ledger
	var sim *simnetLedgers
	if cfg.Simnet {
		log.Infof("Running on simnet with in-process ledgers")
		sim = newSimnetLedgers(cfg)
		cyclesLedger, tokenLedger = sim.clients(cfg.Self)
	} else {
		cyclesLedger = rpcledger.New(cfg.CyclesLedgerURL, cfg.Self)
		tokenLedger = rpcledger.New(cfg.TokenLedgerURL, cfg.Self)
	}
	cyclesAdapter := ledger.NewAdapter(dex.CyclesSide, cfg.Self, cyclesLedger, cfg.CyclesLedgerFee, lm.SubLogger("LDGR", "CYCLES"))
	tokensAdapter := ledger.NewAdapter(dex.TokenSide, cfg.Self, tokenLedger, cfg.TokenLedgerFee, lm.SubLogger("LDGR", "TOKENS"))
	if sim != nil {
		sim.fund(cyclesAdapter, tokensAdapter, cfg.SimnetFund)
	}

	// Log storage.
	provisioner, err := logstore.NewLocalProvisioner(&logstore.ProvisionerConfig{
		Dir:             filepath.Join(cfg.DataDir, "logstore"),
		MaxPayloadBytes: cfg.StorageMaxPayload,
		MaxIndexBytes:   cfg.StorageMaxIndex,
		MaxRecords:      cfg.StorageMaxRecords,
		Log:             lm.Logger("LSTO"),
	})
	if err != nil {
		return err
	}
	// Unwinds a failed startup. The storage nodes are otherwise closed once
	// the market has stopped.
	ec := dex.NewErrorCloser()
	defer ec.Done(log)
	ec.Add(func() error {
		provisioner.Close()
		return nil
	})

	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("error opening snapshot store: %w", err)
	}
	defer func() {
		if store != nil {
			if err := store.Close(); err != nil {
				log.Errorf("Error closing snapshot store: %v", err)
			}
		}
	}()

	// Trade feeds. The public API server is attached once it exists.
	relay := new(feed.Relay)
	var kafkaPub *feed.KafkaPublisher
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPub = feed.NewKafkaPublisher(&feed.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		relay.Attach(kafkaPub)
	}
	if cfg.NATSURL != "" {
		natsPub, err := feed.NewNATSPublisher(&feed.NATSConfig{
			URL:     cfg.NATSURL,
			Subject: cfg.NATSSubject,
			Name:    appName,
		})
		if err != nil {
			return err
		}
		defer natsPub.Close()
		relay.Attach(natsPub)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mktCfg := cfg.Market
	mktCfg.Cycles = cyclesAdapter
	mktCfg.Tokens = tokensAdapter
	mktCfg.Storage = provisioner
	mktCfg.Store = store
	mktCfg.Feed = relay
	mktCfg.Registerer = registry
	mkt, err := market.NewMarket(ctx, &mktCfg)
	if err != nil {
		return fmt.Errorf("error creating market: %w", err)
	}

	server, err := comms.NewServer(&comms.Config{
		ListenAddrs: cfg.RPCListen,
		RPCKey:      cfg.RPCKey,
		RPCCert:     cfg.RPCCert,
		AltDNSNames: cfg.AltDNSNames,
		NoTLS:       cfg.NoTLS,
		Market:      mkt,
		Nodes:       provisioner,
		Gatherer:    registry,
		GlobalRate:  cfg.GlobalRate,
		GlobalBurst: cfg.GlobalBurst,
	})
	if err != nil {
		return fmt.Errorf("error creating API server: %w", err)
	}
	relay.Attach(server)
	ec.Success()

	// The market and the storage nodes outlive the servers so the final
	// flush and snapshot can complete after the API stops taking calls.
	var wg sync.WaitGroup
	storageCtx, stopStorage := context.WithCancel(context.Background())
	defer stopStorage()
	var storageWG sync.WaitGroup
	storageWG.Add(1)
	go func() {
		defer storageWG.Done()
		provisioner.Run(storageCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		server.Run(ctx)
	}()

	mktDone := make(chan struct{})
	go func() {
		defer close(mktDone)
		mkt.Run(ctx)
	}()

	if kafkaPub != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Drains after the market publishes its last trades.
			kctx, cancel := context.WithCancel(context.Background())
			go func() {
				<-mktDone
				cancel()
			}()
			kafkaPub.Run(kctx)
		}()
	}

	if sim != nil && cfg.SimLedgerListen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sim.serve(ctx, cfg.SimLedgerListen)
		}()
	}

	if cfg.AdminSrvOn {
		adminServer, err := admin.NewServer(&admin.SrvConfig{
			Core:          mkt,
			Addr:          cfg.AdminSrvAddr,
			AuthSHA:       adminSrvAuthSHA,
			Cert:          cfg.RPCCert,
			Key:           cfg.RPCKey,
			TokenDecimals: cfg.TokenDecimals,
		})
		if err != nil {
			log.Errorf("Cannot set up admin server: %v", err)
			requestShutdown()
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				adminServer.Run(ctx)
			}()
		}
	}

	log.Info("The market is running. Hit CTRL+C to quit...")
	<-ctx.Done()

	log.Info("Stopping market...")
	<-mktDone
	wg.Wait()
	stopStorage()
	storageWG.Wait()
	log.Info("Bye!")

	return nil
}

var shutdownRequested = make(chan struct{}, 1)

// requestShutdown asks mainCore to wind down as if interrupted.
func requestShutdown() {
	select {
	case shutdownRequested <- struct{}{}:
	default:
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case <-shutdownRequested:
			stop()
		case <-ctx.Done():
		}
	}()

	err := mainCore(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}
