// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"context"
	"crypto/elliptic"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/decred/dcrd/certgen"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/server/logstore"
)

const (
	// rpcTimeoutSeconds bounds the read and write of one HTTP exchange.
	rpcTimeoutSeconds = 10

	// rpcMaxClients is the maximum number of websocket subscribers.
	rpcMaxClients = 10000

	// Per-ip rate limits for HTTP routes and websocket requests.
	ipMaxRatePerSec = 5
	ipMaxBurstSize  = 20
)

var (
	// pongWait is the websocket read timeout set by the pong handler.
	pongWait = 20 * time.Second
	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Config is the server configuration.
type Config struct {
	// ListenAddrs are the addresses on which the server will listen.
	ListenAddrs []string
	// RPCKey and RPCCert locate the TLS keypair. A keypair with a self-signed
	// certificate is generated if neither file exists.
	RPCKey  string
	RPCCert string
	// AltDNSNames are added to a generated certificate.
	AltDNSNames []string
	// NoTLS serves plain HTTP, for deployments behind a terminating proxy.
	NoTLS bool
	// Market serves the caller and view routes.
	Market MarketAPI
	// Nodes, if set, serves the storage read path under /storage.
	Nodes logstore.NodeGetter
	// Gatherer, if set, serves /metrics.
	Gatherer prometheus.Gatherer
	// GlobalRate and GlobalBurst bound all HTTP traffic. Zero means 100/s
	// with a burst of 1000.
	GlobalRate  float64
	GlobalBurst int
}

// Server is the public face of the market: a JSON API over HTTP, a websocket
// endpoint carrying the same routes plus the trade feed, and the storage read
// path.
type Server struct {
	cfg        Config
	listeners  []net.Listener
	mux        *chi.Mux
	routeTable map[string]route

	clientMtx sync.RWMutex
	clients   map[uint64]*wsClient
	counter   uint64

	globalLimiter *rate.Limiter
	limiterMtx    sync.Mutex
	ipLimiters    map[dex.IPKey]*ipRateLimiter
}

// NewServer prepares the listeners and the router. The server is TLS-only
// unless NoTLS is set.
func NewServer(cfg *Config) (*Server, error) {
	if cfg.Market == nil {
		return nil, errors.New("no market")
	}
	s := newServer(cfg)

	var tlsConfig *tls.Config
	if !cfg.NoTLS {
		keyExists := fileExists(cfg.RPCKey)
		certExists := fileExists(cfg.RPCCert)
		if certExists == !keyExists {
			return nil, fmt.Errorf("missing cert pair file")
		}
		if !keyExists && !certExists {
			if err := genCertPair(cfg.RPCCert, cfg.RPCKey, cfg.AltDNSNames); err != nil {
				return nil, err
			}
		}
		keypair, err := tls.LoadX509KeyPair(cfg.RPCCert, cfg.RPCKey)
		if err != nil {
			return nil, err
		}
		tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{keypair},
			MinVersion:   tls.VersionTLS12,
		}
	}

	ipv4ListenAddrs, ipv6ListenAddrs, _, err := parseListeners(cfg.ListenAddrs)
	if err != nil {
		return nil, err
	}
	listen := func(network, addr string) (net.Listener, error) {
		if tlsConfig != nil {
			return tls.Listen(network, addr, tlsConfig)
		}
		return net.Listen(network, addr)
	}
	for _, addr := range ipv4ListenAddrs {
		l, err := listen("tcp4", addr)
		if err != nil {
			s.closeListeners()
			return nil, fmt.Errorf("can't listen on %s: %w", addr, err)
		}
		s.listeners = append(s.listeners, l)
	}
	for _, addr := range ipv6ListenAddrs {
		l, err := listen("tcp6", addr)
		if err != nil {
			s.closeListeners()
			return nil, fmt.Errorf("can't listen on %s: %w", addr, err)
		}
		s.listeners = append(s.listeners, l)
	}
	if len(s.listeners) == 0 {
		return nil, fmt.Errorf("no valid listen address")
	}
	return s, nil
}

// newServer builds the router without listening.
func newServer(cfg *Config) *Server {
	globalRate, globalBurst := rate.Limit(100), 1000
	if cfg.GlobalRate > 0 {
		globalRate = rate.Limit(cfg.GlobalRate)
	}
	if cfg.GlobalBurst > 0 {
		globalBurst = cfg.GlobalBurst
	}
	s := &Server{
		cfg:           *cfg,
		clients:       make(map[uint64]*wsClient),
		globalLimiter: rate.NewLimiter(globalRate, globalBurst),
		ipLimiters:    make(map[dex.IPKey]*ipRateLimiter),
	}
	s.routeTable = s.routes()
	s.mux = s.router()
	return s
}

func (s *Server) router() *chi.Mux {
	mux := chi.NewRouter()
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	mux.Get("/ws", s.handleWS)

	mux.Route("/api", func(r chi.Router) {
		r.Use(s.limitRate)
		r.Use(callerCtx)
		r.Get("/{route}", s.handleHTTP)
		r.Post("/{route}", s.handleHTTP)
	})

	if s.cfg.Nodes != nil {
		mux.Route("/storage", func(r chi.Router) {
			r.Use(s.limitRate)
			logstore.ReadRoutes(r, s.cfg.Nodes)
		})
	}

	if s.cfg.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// ServeHTTP lets the Server be mounted or tested without listeners.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Run serves until the context is canceled.
func (s *Server) Run(ctx context.Context) {
	log.Trace("Starting RPC server")

	httpServer := &http.Server{
		Handler:      s.mux,
		ReadTimeout:  rpcTimeoutSeconds * time.Second,
		WriteTimeout: rpcTimeoutSeconds * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	var wg sync.WaitGroup
	for _, listener := range s.listeners {
		wg.Add(1)
		go func(listener net.Listener) {
			defer wg.Done()
			log.Infof("RPC server listening on %s", listener.Addr())
			err := httpServer.Serve(listener)
			if !errors.Is(err, http.ErrServerClosed) {
				log.Warnf("unexpected (http.Server).Serve error: %v", err)
			}
			log.Debugf("RPC listener done for %s", listener.Addr())
		}(listener)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(time.Minute * 5)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.pruneLimiters(time.Minute)
			case <-ctx.Done():
				return
			}
		}
	}()

	<-ctx.Done()

	log.Infof("RPC server shutting down...")
	ctxTimeout, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctxTimeout); err != nil {
		log.Warnf("http.Server.Shutdown: %v", err)
	}
	s.disconnectClients()
	wg.Wait()
	log.Infof("RPC server shutdown complete")
}

func (s *Server) closeListeners() {
	for _, l := range s.listeners {
		l.Close()
	}
	s.listeners = nil
}

func fileExists(name string) bool {
	_, err := os.Stat(name)
	return !os.IsNotExist(err)
}

// genCertPair generates a key/cert pair to the paths provided.
func genCertPair(certFile, keyFile string, altDNSNames []string) error {
	log.Infof("Generating TLS certificates...")

	org := "cyclesmarket autogenerated cert"
	validUntil := time.Now().Add(10 * 365 * 24 * time.Hour)
	cert, key, err := certgen.NewTLSCertPair(elliptic.P521(), org,
		validUntil, altDNSNames)
	if err != nil {
		return err
	}

	if err = os.WriteFile(certFile, cert, 0644); err != nil {
		return err
	}
	if err = os.WriteFile(keyFile, key, 0600); err != nil {
		os.Remove(certFile)
		return err
	}

	log.Infof("Done generating TLS certificates")
	return nil
}

// parseListeners splits the listen addresses into IPv4 and IPv6 slices. An
// address with an empty host goes into both.
func parseListeners(addrs []string) ([]string, []string, bool, error) {
	ipv4ListenAddrs := make([]string, 0, len(addrs))
	ipv6ListenAddrs := make([]string, 0, len(addrs))
	haveWildcard := false

	for _, addr := range addrs {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, nil, false, err
		}

		if host == "" {
			ipv4ListenAddrs = append(ipv4ListenAddrs, addr)
			ipv6ListenAddrs = append(ipv6ListenAddrs, addr)
			haveWildcard = true
			continue
		}

		// Strip IPv6 zone id if present since net.ParseIP does not
		// handle it.
		if zoneIndex := strings.LastIndex(host, "%"); zoneIndex > 0 {
			host = host[:zoneIndex]
		}

		ip := net.ParseIP(host)
		if ip == nil {
			return nil, nil, false, fmt.Errorf("'%s' is not a valid IP address", host)
		}

		if ip.To4() == nil {
			ipv6ListenAddrs = append(ipv6ListenAddrs, addr)
		} else {
			ipv4ListenAddrs = append(ipv4ListenAddrs, addr)
		}
	}
	return ipv4ListenAddrs, ipv6ListenAddrs, haveWildcard, nil
}
