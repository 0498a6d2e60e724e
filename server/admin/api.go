// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"decred.org/cyclesmarket/dex/order"
	"decred.org/cyclesmarket/server/market"
)

// writeJSON marshals the provided interface and writes the bytes to the
// ResponseWriter. The response code is assumed to be StatusOK.
func writeJSON(w http.ResponseWriter, thing any) {
	writeJSONWithStatus(w, thing, http.StatusOK)
}

// writeJSONWithStatus marshals the provided interface and writes the bytes to
// the ResponseWriter with the specified response code.
func writeJSONWithStatus(w http.ResponseWriter, thing any, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "    ")
	if err := encoder.Encode(thing); err != nil {
		log.Errorf("JSON encode error: %v", err)
	}
}

// apiPing is the handler for the '/ping' API request.
func (*Server) apiPing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, "pong")
}

// apiStatus is the handler for the '/status' API request.
func (s *Server) apiStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, newStatusResult(s.core.Status(), s.tokenDecimals))
}

// apiErrors is the handler for the '/errors' API request.
func (s *Server) apiErrors(w http.ResponseWriter, _ *http.Request) {
	logs := s.core.Errors()
	writeJSON(w, &ErrorsResult{
		Payouts: loggedErrors(logs.Payouts),
		Storage: loggedErrors(logs.Storage),
		Archive: loggedErrors(logs.Archive),
	})
}

// apiReserves compares the positions subaccounts with the market's
// obligations.
func (s *Server) apiReserves(w http.ResponseWriter, r *http.Request) {
	res, err := s.core.Reserves(r.Context())
	if err != nil {
		http.Error(w, fmt.Sprintf("reading reserves failed: %v", err), http.StatusInternalServerError)
		return
	}
	out := make([]*ReserveResult, 0, len(res))
	for _, rv := range res {
		out = append(out, newReserveResult(rv, s.tokenDecimals))
	}
	writeJSON(w, out)
}

// apiDoPayouts runs one payout pass and returns the status after it.
func (s *Server) apiDoPayouts(w http.ResponseWriter, r *http.Request) {
	s.core.DoPayouts(r.Context())
	writeJSON(w, newStatusResult(s.core.Status(), s.tokenDecimals))
}

func (s *Server) apiSnapshot(w http.ResponseWriter, r *http.Request) {
	if err := s.core.SaveSnapshot(r.Context()); err != nil {
		http.Error(w, fmt.Sprintf("snapshot failed: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, "saved")
}

func parseLogKind(w http.ResponseWriter, r *http.Request) (order.LogKind, bool) {
	s := chi.URLParam(r, "kind")
	kind, ok := order.ParseLogKind(s)
	if !ok {
		http.Error(w, fmt.Sprintf("unknown log kind %q", s), http.StatusBadRequest)
	}
	return kind, ok
}

// apiStorageNodes lists the nodes of a log kind.
func (s *Server) apiStorageNodes(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseLogKind(w, r)
	if !ok {
		return
	}
	nodes := s.core.StorageNodes(kind)
	res := make([]*StorageNode, 0, len(nodes))
	for _, n := range nodes {
		res = append(res, &StorageNode{ID: n.ID, FirstLogID: n.FirstLogID, Count: n.Count, Full: n.Full})
	}
	writeJSON(w, res)
}

// apiStorageNodeInfo reports what the node itself holds.
func (s *Server) apiStorageNodeInfo(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	node, err := s.core.StorageNode(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	info, err := node.Info(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, &StorageNode{
		ID:         info.ID,
		FirstLogID: info.FirstLogID,
		Count:      info.Count,
		Full:       info.Full,
		IndexBytes: info.IndexBytes,
	})
}

// hander for route '/storage/{kind}/{id}/full?full=BOOL'
func (s *Server) apiMarkStorageFull(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseLogKind(w, r)
	if !ok {
		return
	}
	full := true
	if fullStr := r.URL.Query().Get("full"); fullStr != "" {
		var err error
		if full, err = strconv.ParseBool(fullStr); err != nil {
			http.Error(w, fmt.Sprintf("invalid full boolean %q: %v", fullStr, err), http.StatusBadRequest)
			return
		}
	}
	id := chi.URLParam(r, "id")
	if err := s.core.MarkStorageFull(r.Context(), kind, id, full); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, &StorageNode{ID: id, Full: full})
}

// apiPrepareUpgrade stops intake and snapshots the market.
func (s *Server) apiPrepareUpgrade(w http.ResponseWriter, r *http.Request) {
	if err := s.core.PrepareUpgrade(r.Context()); err != nil {
		http.Error(w, fmt.Sprintf("prepare upgrade failed: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, newStatusResult(s.core.Status(), s.tokenDecimals))
}

func (s *Server) apiResume(w http.ResponseWriter, _ *http.Request) {
	s.core.Resume()
	writeJSON(w, newStatusResult(s.core.Status(), s.tokenDecimals))
}

func loggedErrors(es []market.LoggedError) []*LoggedError {
	out := make([]*LoggedError, 0, len(es))
	for _, e := range es {
		out = append(out, &LoggedError{Time: APITime{e.Time}, Context: e.Context, Message: e.Message})
	}
	return out
}
