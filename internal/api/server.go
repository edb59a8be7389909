// Package api serves the status and control REST surface: group
// listings, manual force/suspend/resume, source refresh and the
// metrics endpoint.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/convergd/convergd/internal/graph"
	"github.com/convergd/convergd/internal/metrics"
	"github.com/convergd/convergd/internal/reconcile"
	"github.com/convergd/convergd/internal/source"
	"github.com/convergd/convergd/internal/store"
)

// Controller is the slice of the reconcile supervisor the API consumes.
type Controller interface {
	Statuses() []reconcile.GroupState
	Status(name string) (reconcile.GroupState, bool)
	ForceReconcile(name string) error
	Suspend(name string) error
	Resume(name string) error
	Revision() (source.Revision, bool)
	GraphError() error
	Graph() *graph.Graph
}

// Refresher requests an early source poll.
type Refresher interface {
	Poke()
}

// Server is the REST API server.
type Server struct {
	addr       string
	controller Controller
	ledger     *store.Store
	refresher  Refresher
	router     *mux.Router
	httpServer *http.Server
}

// NewServer creates the API server and registers its routes.
func NewServer(host string, port int, controller Controller, ledger *store.Store, refresher Refresher) *Server {
	s := &Server{
		addr:       fmt.Sprintf("%s:%d", host, port),
		controller: controller,
		ledger:     ledger,
		refresher:  refresher,
		router:     mux.NewRouter(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/groups", s.handleListGroups).Methods(http.MethodGet)
	api.HandleFunc("/groups/{name}", s.handleGetGroup).Methods(http.MethodGet)
	api.HandleFunc("/groups/{name}/force", s.handleForce).Methods(http.MethodPost)
	api.HandleFunc("/groups/{name}/suspend", s.handleSuspend).Methods(http.MethodPost)
	api.HandleFunc("/groups/{name}/resume", s.handleResume).Methods(http.MethodPost)
	api.HandleFunc("/revision", s.handleRevision).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	api.HandleFunc("/source/refresh", s.handleSourceRefresh).Methods(http.MethodPost)

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	s.router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
}

// Handler returns the routed handler, wrapped with request logging.
func (s *Server) Handler() http.Handler {
	return logRequests(s.router)
}

// Run starts the API server. It blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	s.httpServer = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	log.Info().Str("addr", s.addr).Msg("Starting API server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API server shutdown error")
		}
	}()

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("API request")
	})
}
