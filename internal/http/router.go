// Package http wires the caller-facing HTTP routes.
package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the caller-facing router. The WebSocket endpoint carries
// live audio and control frames; the probe endpoints back the load balancer.
func NewRouter(relay http.Handler) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Probe routes get a request timeout; the websocket route must not, the
	// connection is long-lived.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(10 * time.Second))
		r.Get("/v1/liveness", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		r.Get("/v1/readiness", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ready"))
		})
	})

	r.Handle("/ws", relay)

	return r
}
