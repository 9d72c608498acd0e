// Package httpapi serves the operator surface: metrics, liveness and
// readiness. There is no user-facing API; forensics go through the
// ingest_errors table.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Probes supplies liveness and readiness answers from the running pipeline.
type Probes struct {
	BrokerUp func() bool
	StoreUp  func() bool
	Ready    func() bool
}

type Server struct {
	probes Probes
}

func New(probes Probes) *Server {
	return &Server{probes: probes}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	return r
}

// Healthy iff the broker session is up and at least one writer session is
// ready.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	broker := s.probes.BrokerUp == nil || s.probes.BrokerUp()
	store := s.probes.StoreUp == nil || s.probes.StoreUp()
	if broker && store {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"ok": false, "broker": broker, "store": store,
	})
}

// Readiness requires liveness plus a calm pre-batcher queue (below 80%
// fill for the rolling window).
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	broker := s.probes.BrokerUp == nil || s.probes.BrokerUp()
	store := s.probes.StoreUp == nil || s.probes.StoreUp()
	calm := s.probes.Ready == nil || s.probes.Ready()
	if broker && store && calm {
		writeJSON(w, http.StatusOK, map[string]any{"ready": true})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]any{
		"ready": false, "broker": broker, "store": store, "queue_calm": calm,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
