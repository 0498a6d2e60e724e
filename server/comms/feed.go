// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package comms

import (
	"context"
	"encoding/json"
	"net/http"

	"decred.org/cyclesmarket/dex"
	"decred.org/cyclesmarket/dex/icrc"
	"decred.org/cyclesmarket/dex/msgjson"
	"decred.org/cyclesmarket/dex/order"
	"decred.org/cyclesmarket/dex/ws"
)

// wsClient is a websocket subscriber. Requests on the link are served by the
// same routes as the HTTP API, as caller if the upgrade carried
// CallerHeader.
type wsClient struct {
	*ws.WSLink
	id     uint64
	ip     dex.IPKey
	caller icrc.Principal
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ip := dex.NewIPKey(r.RemoteAddr)
	if rpcErr := s.meterIP(ip); rpcErr != nil {
		http.Error(w, rpcErr.Message, http.StatusTooManyRequests)
		return
	}
	if s.clientCount() >= rpcMaxClients {
		http.Error(w, "server at maximum capacity", http.StatusServiceUnavailable)
		return
	}
	var caller icrc.Principal
	if txt := r.Header.Get(CallerHeader); txt != "" {
		var err error
		if caller, err = icrc.ParsePrincipal(txt); err != nil {
			http.Error(w, "invalid caller principal", http.StatusUnauthorized)
			return
		}
	}
	conn, err := ws.NewConnection(w, r, pongWait)
	if err != nil {
		log.Debugf("ws connection error: %v", err)
		return
	}

	// The request context ends when this handler returns. Run disconnects
	// the links on shutdown.
	ctx := context.WithoutCancel(r.Context())

	cl := &wsClient{ip: ip, caller: caller}
	cl.WSLink = ws.NewWSLink(r.RemoteAddr, conn, pingPeriod, func(msg *msgjson.Message) (any, *msgjson.Error) {
		if rpcErr := s.meterIP(ip); rpcErr != nil {
			return nil, rpcErr
		}
		return s.dispatch(ctx, msg.Route, caller, msg.Payload)
	})
	wg, err := s.addClient(ctx, cl)
	if err != nil {
		log.Errorf("Failed to add client %s: %v", r.RemoteAddr, err)
		conn.Close()
		return
	}
	log.Debugf("Websocket client %d connected from %s", cl.id, r.RemoteAddr)
	go func() {
		wg.Wait()
		s.removeClient(cl.id)
		log.Tracef("Disconnected websocket client %s", cl.Addr())
	}()
}

func (s *Server) addClient(ctx context.Context, cl *wsClient) (waiter, error) {
	s.clientMtx.Lock()
	defer s.clientMtx.Unlock()
	wg, err := cl.Connect(ctx)
	if err != nil {
		return nil, err
	}
	cl.id = s.counter
	s.counter++
	s.clients[cl.id] = cl
	return wg, nil
}

type waiter interface {
	Wait()
}

func (s *Server) removeClient(id uint64) {
	s.clientMtx.Lock()
	delete(s.clients, id)
	s.clientMtx.Unlock()
}

func (s *Server) clientCount() int {
	s.clientMtx.RLock()
	defer s.clientMtx.RUnlock()
	return len(s.clients)
}

func (s *Server) disconnectClients() {
	s.clientMtx.Lock()
	for _, cl := range s.clients {
		cl.Disconnect()
	}
	s.clientMtx.Unlock()
}

// Broadcast sends a notification to every subscriber. Subscribers whose
// queue is full are disconnected.
func (s *Server) Broadcast(msg *msgjson.Message) {
	b, err := json.Marshal(msg)
	if err != nil {
		log.Errorf("Error encoding %s broadcast: %v", msg.Route, err)
		return
	}
	s.clientMtx.RLock()
	defer s.clientMtx.RUnlock()
	log.Tracef("Broadcasting %s to %d clients", msg.Route, len(s.clients))
	for id, cl := range s.clients {
		if err := cl.SendRaw(b); err != nil {
			log.Debugf("Send to client %d at %s failed: %v", id, cl.Addr(), err)
			cl.Disconnect()
		}
	}
}

// TradeNote converts a settled trade to its feed payload.
func TradeNote(t *order.TradeLog) *msgjson.TradeNote {
	return &msgjson.TradeNote{
		ID:                t.ID,
		MatcheePositionID: t.MatcheePositionID,
		MatcherPositionID: t.MatcherPositionID,
		MatcheeKind:       t.MatcheeKind.String(),
		Tokens:            msgjson.NewAmount(t.Tokens),
		Cycles:            msgjson.NewAmount(t.Cycles),
		Rate:              msgjson.NewAmount(t.Rate),
		Timestamp:         t.Timestamp,
	}
}

// PublishTrade broadcasts a settled trade on the trade route.
func (s *Server) PublishTrade(t *order.TradeLog) {
	msg, err := msgjson.NewNotification(msgjson.TradeRoute, TradeNote(t))
	if err != nil {
		log.Errorf("Error encoding trade note: %v", err)
		return
	}
	s.Broadcast(msg)
}
