// Package httpserver exposes a small per-node status endpoint for
// operators: served count, queue length and the terminated flag, plus the
// digest of the node's store. Read-only; the prediction path never goes
// through HTTP.
package httpserver

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/privml/trishare/node/impl"
)

// Status is the JSON body of GET /status.
type Status struct {
	Addr        string `json:"addr"`
	Served      int    `json:"served"`
	QueueLen    int    `json:"queueLen"`
	Terminated  bool   `json:"terminated"`
	Pooled      int    `json:"pooledTriples"`
	StoreDigest string `json:"storeDigest"`
}

// Server serves the status endpoint of one node.
type Server struct {
	node *impl.ServerNode
	srv  *http.Server
}

// New returns a status server bound to addr.
func New(n *impl.ServerNode, addr string) *Server {
	s := &Server{node: n}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.statusHandler)
	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: time.Second * 5,
	}

	return s
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		err := s.srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Error().Msgf("status server %s: %v", s.srv.Addr, err)
		}
	}()
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	return s.srv.Shutdown(ctx)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := Status{
		Addr:        s.node.GetAddr(),
		Served:      s.node.Served(),
		QueueLen:    s.node.QueueLen(),
		Terminated:  s.node.Terminated(),
		Pooled:      s.node.PooledTriples(),
		StoreDigest: hex.EncodeToString(s.node.StoreDigest()),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		log.Error().Msgf("encode status: %v", err)
	}
}
