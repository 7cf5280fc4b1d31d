// Package api is the panel's minimal operator-facing HTTP seam: a health
// and readiness surface over the node registry, plus a Prometheus scrape
// endpoint. The full administrative API (auth, CRUD, pagination) is an
// external collaborator and out of scope here; this package exists so
// that boundary has a concrete, buildable integration point.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kelex-io/fleetd/internal/panel/client"
)

// NodeStatuser is the view of one registered node client this package
// reads: its administrative status and whether its last full
// reconciliation succeeded.
type NodeStatuser interface {
	Status() (client.Status, string)
	Synced() bool
}

// Registry is the subset of the node registry the health surface needs.
// cmd/panel adapts *registry.Registry to it.
type Registry interface {
	Nodes() []string
	Get(nodeID string) (NodeStatuser, bool)
}

// Server serves /healthz, /readyz, and /metrics.
type Server struct {
	reg      Registry
	gatherer prometheus.Gatherer
	log      *slog.Logger
}

// NewServer builds a Server backed by reg. gatherer is scraped at /metrics;
// it must be the same prometheus.Registerer the breaker/pool/registry
// components were constructed with, or their counters never reach the
// scrape endpoint. A nil gatherer falls back to the global default
// registry.
func NewServer(reg Registry, gatherer prometheus.Gatherer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &Server{reg: reg, gatherer: gatherer, log: log}
}

// Router builds the chi.Router serving this package's endpoints.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	return r
}

// handleHealthz answers GET /healthz: liveness only, no dependency checks,
// so an orchestrator never restarts the process over a degraded node.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type nodeHealth struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Synced  bool   `json:"synced"`
}

type readyResponse struct {
	Status string       `json:"status"`
	Nodes  []nodeHealth `json:"nodes"`
}

// handleReadyz answers GET /readyz: a snapshot of every registered node's
// status. The response is 503 whenever any node is unhealthy, so a load
// balancer can de-prioritize a panel replica that has lost its fleet.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := s.snapshot()

	status := http.StatusOK
	for _, n := range resp.Nodes {
		if n.Status == string(client.StatusUnhealthy) {
			status = http.StatusServiceUnavailable
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Warn("readyz: failed to encode response", slog.Any("error", err))
	}
}

func (s *Server) snapshot() readyResponse {
	ids := s.reg.Nodes()
	nodes := make([]nodeHealth, 0, len(ids))

	overall := "ok"
	for _, id := range ids {
		c, ok := s.reg.Get(id)
		if !ok {
			continue
		}
		st, msg := c.Status()
		if st == client.StatusUnhealthy {
			overall = "degraded"
		}
		nodes = append(nodes, nodeHealth{ID: id, Status: string(st), Message: msg, Synced: c.Synced()})
	}

	return readyResponse{Status: overall, Nodes: nodes}
}
