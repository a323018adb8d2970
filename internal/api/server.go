// Package api is the HTTP surface of the sync service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/jask/banksync/internal/service"
)

// Pinger reports storage health.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the collaborators of the HTTP server.
type Deps struct {
	Links    *service.LinkService
	Sync     *service.SyncService
	Auth     *Authenticator
	Health   Pinger
	Gatherer prometheus.Gatherer
	Log      *zap.Logger
	// SyncTimeout bounds a single synchronization request; zero means no bound.
	SyncTimeout time.Duration
}

// Server ties services and router.
type Server struct {
	links       *service.LinkService
	sync        *service.SyncService
	health      Pinger
	log         *zap.Logger
	syncTimeout time.Duration
	router      *mux.Router
}

func NewServer(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		links:       d.Links,
		sync:        d.Sync,
		health:      d.Health,
		log:         log,
		syncTimeout: d.SyncTimeout,
	}
	r := mux.NewRouter()
	r.Use(recoverer(log), requestLogger(log))
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	if d.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api/v1/bank-connections").Subrouter()
	api.Use(d.Auth.Middleware)
	api.HandleFunc("/sync", s.syncConnection).Methods(http.MethodPost)
	api.HandleFunc("/authorize", s.authorize).Methods(http.MethodGet)
	api.HandleFunc("", s.listConnections).Methods(http.MethodGet)
	api.HandleFunc("", s.linkConnection).Methods(http.MethodPost)
	api.HandleFunc("/{id}", s.getConnection).Methods(http.MethodGet)
	api.HandleFunc("/{id}", s.disconnect).Methods(http.MethodDelete)

	s.router = r
	return s
}

func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.PingContext(r.Context()); err != nil {
			s.log.Error("health check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
