// Package observability serves the relay's Prometheus metrics and the
// process-level health probes, on a port separate from caller traffic.
package observability

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Server exposes /metrics, /healthz and /readyz.
type Server struct {
	server *http.Server
	addr   string
}

// NewServer builds the observability server. Probes answer as soon as the
// process is up; caller sessions are independent of this listener.
func NewServer(addr string) *Server {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})

	return &Server{
		addr: addr,
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start serves in a goroutine; errors other than a clean shutdown are logged.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.addr).Msg("Observability server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Observability server error")
		}
	}()
}

// Shutdown drains the listener within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down observability server")
	return s.server.Shutdown(ctx)
}
