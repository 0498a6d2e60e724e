// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package logstore

import (
	"encoding/hex"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// MaxReadChunk bounds the records returned by one read.
const MaxReadChunk = 5_000

// NodeGetter finds an open node.
type NodeGetter interface {
	Node(id string) (*Node, bool)
}

// ReadRoutes mounts the public read path of the storage nodes:
//
//	GET /{node}/logs?key=<hex>&start_before_id=<id>&chunk_size=<n>
//
// The reply body is the raw concatenated records.
func ReadRoutes(r chi.Router, nodes NodeGetter) {
	r.Get("/{node}/logs", func(w http.ResponseWriter, req *http.Request) {
		n, found := nodes.Node(chi.URLParam(req, "node"))
		if !found {
			http.Error(w, "unknown storage node", http.StatusNotFound)
			return
		}
		q := req.URL.Query()
		key, err := hex.DecodeString(q.Get("key"))
		if err != nil || len(key) == 0 {
			http.Error(w, "bad key", http.StatusBadRequest)
			return
		}
		var before *uint64
		if s := q.Get("start_before_id"); s != "" {
			id, err := strconv.ParseUint(s, 10, 64)
			if err != nil {
				http.Error(w, "bad start_before_id", http.StatusBadRequest)
				return
			}
			before = &id
		}
		chunk := MaxReadChunk
		if s := q.Get("chunk_size"); s != "" {
			c, err := strconv.Atoi(s)
			if err != nil || c <= 0 {
				http.Error(w, "bad chunk_size", http.StatusBadRequest)
				return
			}
			if c < chunk {
				chunk = c
			}
		}
		b, err := n.MapLogsRChunks(req.Context(), key, before, chunk)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("X-Record-Size", strconv.Itoa(n.recSize))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(b)
	})
}
