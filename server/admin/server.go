// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package admin provides a password protected https server for the market
// controllers.
package admin

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/order"
	"decred.org/cyclesmarket/server/logstore"
	"decred.org/cyclesmarket/server/market"
)

const (
	// rpcTimeoutSeconds bounds one request. PrepareUpgrade may wait this
	// long for in-flight calls.
	rpcTimeoutSeconds = 60
)

var log = dex.Disabled

// SvrCore is satisfied by *market.Market.
type SvrCore interface {
	Status() *market.Status
	Errors() *market.ErrorLogs
	Reserves(ctx context.Context) ([]*market.Reserve, error)
	DoPayouts(ctx context.Context)
	StorageNodes(kind order.LogKind) []market.StorageNode
	StorageNode(ctx context.Context, id string) (logstore.Storage, error)
	MarkStorageFull(ctx context.Context, kind order.LogKind, id string, full bool) error
	SaveSnapshot(ctx context.Context) error
	PrepareUpgrade(ctx context.Context) error
	Resume()
}

var _ SvrCore = (*market.Market)(nil)

// Server is a multi-client https server.
type Server struct {
	core          SvrCore
	addr          string
	tlsConfig     *tls.Config
	srv           *http.Server
	authSHA       [32]byte
	tokenDecimals int32
}

// SrvConfig holds variables needed to create a new Server.
type SrvConfig struct {
	Core            SvrCore
	Addr, Cert, Key string
	AuthSHA         [32]byte
	// TokenDecimals scales token amounts in the status.
	TokenDecimals int32
}

// UseLogger sets the logger for the admin package.
func UseLogger(logger dex.Logger) {
	log = logger
}

func fileExists(name string) bool {
	_, err := os.Stat(name)
	return !os.IsNotExist(err)
}

// NewServer is the constructor for a new Server.
func NewServer(cfg *SrvConfig) (*Server, error) {
	if !fileExists(cfg.Key) || !fileExists(cfg.Cert) {
		return nil, fmt.Errorf("missing certificates")
	}

	keypair, err := tls.LoadX509KeyPair(cfg.Cert, cfg.Key)
	if err != nil {
		return nil, err
	}

	s := newServer(cfg)
	s.tlsConfig = &tls.Config{
		Certificates: []tls.Certificate{keypair},
		MinVersion:   tls.VersionTLS12,
	}
	return s, nil
}

func newServer(cfg *SrvConfig) *Server {
	mux := chi.NewRouter()
	s := &Server{
		core: cfg.Core,
		srv: &http.Server{
			Handler:      mux,
			ReadTimeout:  rpcTimeoutSeconds * time.Second,
			WriteTimeout: rpcTimeoutSeconds * time.Second,
		},
		addr:          cfg.Addr,
		authSHA:       cfg.AuthSHA,
		tokenDecimals: cfg.TokenDecimals,
	}

	mux.Use(middleware.Recoverer)
	mux.Use(middleware.RealIP)
	mux.Use(oneTimeConnection)
	mux.Use(s.authMiddleware)

	mux.Route("/api", func(r chi.Router) {
		r.Get("/ping", s.apiPing)
		r.Get("/status", s.apiStatus)
		r.Get("/errors", s.apiErrors)
		r.Get("/reserves", s.apiReserves)
		r.Post("/payouts", s.apiDoPayouts)
		r.Post("/snapshot", s.apiSnapshot)
		r.Get("/storage/{kind}", s.apiStorageNodes)
		r.Get("/storage/node/{id}", s.apiStorageNodeInfo)
		r.Post("/storage/{kind}/{id}/full", s.apiMarkStorageFull)
		r.Post("/upgrade/prepare", s.apiPrepareUpgrade)
		r.Post("/upgrade/resume", s.apiResume)
	})
	return s
}

// Run starts the server.
func (s *Server) Run(ctx context.Context) {
	listener, err := tls.Listen("tcp", s.addr, s.tlsConfig)
	if err != nil {
		log.Errorf("can't listen on %s. admin server quitting: %v", s.addr, err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-ctx.Done()
		if err := s.srv.Shutdown(context.Background()); err != nil {
			log.Errorf("HTTP server Shutdown: %v", err)
		}
	}()
	log.Infof("admin server listening on %s", s.addr)
	if err := s.srv.Serve(listener); err != http.ErrServerClosed {
		log.Warnf("unexpected (http.Server).Serve error: %v", err)
	}

	wg.Wait()
	log.Infof("admin server off")
}

// oneTimeConnection sets fields in the header and request that indicate this
// connection should not be reused.
func oneTimeConnection(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Connection", "close")
		r.Close = true
		next.ServeHTTP(w, r)
	})
}

// authMiddleware checks incoming requests for authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// User is ignored.
		_, pass, ok := r.BasicAuth()
		authSHA := sha256.Sum256([]byte(pass))
		if !ok || subtle.ConstantTimeCompare(s.authSHA[:], authSHA[:]) != 1 {
			log.Warnf("server authentication failure from ip: %s", r.RemoteAddr)
			w.Header().Add("WWW-Authenticate", `Basic realm="cyclesmarket admin"`)
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
		log.Debugf("server authenticated ip: %s", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
