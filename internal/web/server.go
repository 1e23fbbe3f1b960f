package web

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/camuig/trade-tracker/internal/logger"
	"github.com/camuig/trade-tracker/internal/reconcile"
	"github.com/camuig/trade-tracker/internal/storage"
)

type Reconciler interface {
	Run(ctx context.Context, opts reconcile.Options) (reconcile.Summary, error)
}

// Server is the administrative HTTP surface: it reads trade records and
// triggers reconciliation. It never touches a live position.
type Server struct {
	httpServer *http.Server
	router     *mux.Router
	repo       *storage.Repository
	reconciler Reconciler
	port       int
	logger     *logger.Logger
}

func NewServer(repo *storage.Repository, reconciler Reconciler, port int, log *logger.Logger) *Server {
	s := &Server{
		repo:       repo,
		reconciler: reconciler,
		port:       port,
		logger:     log,
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.HandleFunc("/trades/open", s.handleOpenTrades).Methods(http.MethodGet)
	api.HandleFunc("/trades/recent", s.handleRecentTrades).Methods(http.MethodGet)
	api.HandleFunc("/trades/{id}", s.handleGetTrade).Methods(http.MethodGet)
	api.HandleFunc("/trades/{id}", s.handleDeleteTrade).Methods(http.MethodDelete)
	api.HandleFunc("/trades/{id}/events", s.handleTradeEvents).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	api.HandleFunc("/reconcile", s.handleReconcile).Methods(http.MethodPost)
	api.HandleFunc("/settings/risk/{currency}", s.handleSetRisk).Methods(http.MethodPut)
	s.router = r

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Start() error {
	s.logger.Info("web server starting", "port", s.port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("web server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
