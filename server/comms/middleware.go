// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/icrc"
	"decred.org/cyclesmarket/dex/msgjson"
)

// CallerHeader carries the principal text of the authenticated caller. It is
// set by the gateway in front of the server, which strips any client-supplied
// value.
const CallerHeader = "X-Caller-Principal"

type contextKey int

const ctxCaller contextKey = iota

type ipRateLimiter struct {
	*rate.Limiter
	lastHit time.Time
}

func (s *Server) ipLimiter(ip dex.IPKey) *ipRateLimiter {
	s.limiterMtx.Lock()
	defer s.limiterMtx.Unlock()
	l := s.ipLimiters[ip]
	if l == nil {
		l = &ipRateLimiter{Limiter: rate.NewLimiter(ipMaxRatePerSec, ipMaxBurstSize)}
		s.ipLimiters[ip] = l
	}
	l.lastHit = time.Now()
	return l
}

func (s *Server) pruneLimiters(idle time.Duration) {
	s.limiterMtx.Lock()
	defer s.limiterMtx.Unlock()
	for ip, l := range s.ipLimiters {
		if time.Since(l.lastHit) > idle {
			delete(s.ipLimiters, ip)
		}
	}
}

// meterIP applies the global limiter and the more restrictive per-IP
// limiter.
func (s *Server) meterIP(ip dex.IPKey) *msgjson.Error {
	if !s.globalLimiter.Allow() {
		return msgjson.NewError(msgjson.TooManyRequestsError, "too many global requests")
	}
	if !s.ipLimiter(ip).Allow() {
		return msgjson.NewError(msgjson.TooManyRequestsError, "too many requests")
	}
	return nil
}

// limitRate is rate-limiting middleware for the HTTP routes.
func (s *Server) limitRate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rpcErr := s.meterIP(dex.NewIPKey(r.RemoteAddr)); rpcErr != nil {
			writeJSONWithStatus(w, rpcErr, http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// callerCtx parses CallerHeader into the request context. Requests without
// the header are anonymous and may only use the view routes.
func callerCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		txt := r.Header.Get(CallerHeader)
		if txt == "" {
			next.ServeHTTP(w, r)
			return
		}
		caller, err := icrc.ParsePrincipal(txt)
		if err != nil {
			writeJSONWithStatus(w, msgjson.NewError(msgjson.UnauthorizedConnection, "invalid caller principal"),
				http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxCaller, caller)))
	})
}

func callerFrom(ctx context.Context) icrc.Principal {
	p, _ := ctx.Value(ctxCaller).(icrc.Principal)
	return p
}
