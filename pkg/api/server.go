// Package api serves the control plane's HTTP surface: the peer swarm
// endpoints, owner-scoped admin reads and Prometheus metrics.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openmesh/dws/pkg/auth"
	"github.com/openmesh/dws/pkg/confidentialdb"
	"github.com/openmesh/dws/pkg/errdefs"
	"github.com/openmesh/dws/pkg/log"
	"github.com/openmesh/dws/pkg/metrics"
	"github.com/openmesh/dws/pkg/storagebench"
	"github.com/openmesh/dws/pkg/swarm"
	"github.com/openmesh/dws/pkg/vault"
)

// Server exposes the DWS HTTP surface
type Server struct {
	auth        *auth.Gateway
	vault       *vault.Vault
	databases   *confidentialdb.Manager
	storage     *storagebench.Registry
	coordinator *swarm.Coordinator
	registry    *prometheus.Registry
	logger      zerolog.Logger

	http *http.Server
}

// Config wires the server's dependencies. Nil services disable their
// routes.
type Config struct {
	ListenAddr  string
	Auth        *auth.Gateway
	Vault       *vault.Vault
	Databases   *confidentialdb.Manager
	Storage     *storagebench.Registry
	Coordinator *swarm.Coordinator
	Metrics     *prometheus.Registry
}

// NewServer builds the router and the underlying http.Server
func NewServer(cfg Config) *Server {
	s := &Server{
		auth:        cfg.Auth,
		vault:       cfg.Vault,
		databases:   cfg.Databases,
		storage:     cfg.Storage,
		coordinator: cfg.Coordinator,
		registry:    cfg.Metrics,
		logger:      log.WithComponent("api"),
	}

	r := mux.NewRouter()
	r.Use(s.observe)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	if s.coordinator != nil {
		r.HandleFunc("/v2/swarm/content/{cid}", s.handleSwarmContent).Methods(http.MethodGet)
		r.HandleFunc("/v2/swarm/replicate", s.handleSwarmReplicate).Methods(http.MethodPost)
		r.HandleFunc("/v2/swarm/stats", s.handleSwarmStats).Methods(http.MethodGet)
	}
	if s.vault != nil {
		r.HandleFunc("/v2/credentials", s.handleCredentialList).Methods(http.MethodGet)
	}
	if s.databases != nil {
		r.HandleFunc("/v2/databases", s.handleDatabaseList).Methods(http.MethodGet)
	}
	if s.storage != nil {
		r.HandleFunc("/v2/storage/rank", s.handleStorageRank).Methods(http.MethodGet)
	}

	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving requests
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("api server listening")
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Handler exposes the router, used by tests
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// observe logs each request with the advisory peer headers and counts
// it per route and status
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		metrics.APIRequestsTotal.WithLabelValues(route, strconv.Itoa(rec.status)).Inc()

		evt := s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status)
		if nodeID := r.Header.Get("X-Node-ID"); nodeID != "" {
			evt = evt.Str("peer_node_id", nodeID)
		}
		if region := r.Header.Get("X-Region"); region != "" {
			evt = evt.Str("peer_region", region)
		}
		evt.Msg("request")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSwarmContent(w http.ResponseWriter, r *http.Request) {
	cid := mux.Vars(r)["cid"]
	pointer, err := s.coordinator.PointerFor(r.Context(), cid)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pointer)
}

func (s *Server) handleSwarmReplicate(w http.ResponseWriter, r *http.Request) {
	var req swarm.ReplicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, errdefs.Validation.New("malformed replicate request"))
		return
	}
	if req.CID == "" {
		s.writeError(w, errdefs.Validation.New("cid is required"))
		return
	}
	content, err := s.coordinator.Replicate(r.Context(), req.CID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, content)
}

func (s *Server) handleSwarmStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.coordinator.Stats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCredentialList(w http.ResponseWriter, r *http.Request) {
	principal, err := s.auth.AuthenticateRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.vault.List(principal))
}

func (s *Server) handleDatabaseList(w http.ResponseWriter, r *http.Request) {
	principal, err := s.auth.AuthenticateRequest(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.databases.List(principal))
}

func (s *Server) handleStorageRank(w http.ResponseWriter, r *http.Request) {
	if _, err := s.auth.AuthenticateRequest(r); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.storage.Rank())
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{
		"kind":    errdefs.Kind(err),
		"message": err.Error(),
	})
}

func statusFor(err error) int {
	switch {
	case errdefs.Unauthenticated.Has(err):
		return http.StatusUnauthorized
	case errdefs.Unauthorized.Has(err):
		return http.StatusForbidden
	case errdefs.NotFound.Has(err):
		return http.StatusNotFound
	case errdefs.Validation.Has(err):
		return http.StatusBadRequest
	case errdefs.Conflict.Has(err):
		return http.StatusConflict
	case errdefs.RateLimited.Has(err):
		return http.StatusTooManyRequests
	case errdefs.Timeout.Has(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
