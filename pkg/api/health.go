package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/cuemby/sagenet/pkg/metrics"
	"github.com/cuemby/sagenet/pkg/types"
)

// KeyProvider returns the public key peers should use for this node
type KeyProvider func(ctx context.Context) (*types.NodeKey, error)

// HealthOption configures a HealthServer
type HealthOption func(*HealthServer)

// WithKeyProvider serves the node's current public key on GET /key.
func WithKeyProvider(p KeyProvider) HealthOption {
	return func(hs *HealthServer) {
		hs.mux.HandleFunc("GET /key", keyHandler(p))
	}
}

// HealthServer provides HTTP health check and metrics endpoints
type HealthServer struct {
	mux    *http.ServeMux
	server *http.Server
}

// NewHealthServer creates a new health check HTTP server
func NewHealthServer(opts ...HealthOption) *HealthServer {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", metrics.HealthHandler())
	mux.HandleFunc("GET /ready", metrics.ReadyHandler())
	mux.HandleFunc("GET /live", metrics.LivenessHandler())
	mux.Handle("GET /metrics", metrics.Handler())

	hs := &HealthServer{mux: mux}
	for _, opt := range opts {
		opt(hs)
	}
	return hs
}

func keyHandler(p KeyProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := p(r.Context())
		if err != nil || key == nil {
			http.Error(w, "no key available", http.StatusServiceUnavailable)
			return
		}
		// Only the public half leaves the node.
		out := types.NodeKey{
			UUID:          key.UUID,
			Node:          key.Node,
			PublicKey:     key.PublicKey,
			PublicKeyHash: key.PublicKeyHash,
			Expiration:    key.Expiration,
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(out)
	}
}

// Handler returns the HTTP handler serving every endpoint
func (hs *HealthServer) Handler() http.Handler {
	return hs.mux
}

// Start serves on addr until Shutdown
func (hs *HealthServer) Start(addr string) error {
	hs.server = &http.Server{
		Addr:         addr,
		Handler:      hs.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	err := hs.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server
func (hs *HealthServer) Shutdown(ctx context.Context) error {
	if hs.server == nil {
		return nil
	}
	return hs.server.Shutdown(ctx)
}
