// Package web serves the read-only lookup API over the linked store.
package web

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/entitylink/internal/config"
	"github.com/entitylink/internal/match"
	"github.com/entitylink/internal/web/handlers"
	"github.com/entitylink/internal/web/middleware"
)

// Server represents the web server
type Server struct {
	config     config.ServerConfig
	store      handlers.Lookup
	matcher    *match.Matcher
	logger     *zap.Logger
	httpServer *http.Server
	router     *mux.Router
}

// NewServer creates a server answering from store and, for /api/match,
// matcher. A nil matcher disables the match endpoint.
func NewServer(cfg config.ServerConfig, store handlers.Lookup, matcher *match.Matcher, logger *zap.Logger) *Server {
	s := &Server{
		config:  cfg,
		store:   store,
		matcher: matcher,
		logger:  logger,
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         cfg.Addr(),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router = mux.NewRouter()

	apiHandler := &handlers.APIHandler{Store: s.store, Logger: s.logger}

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/entities/{abn:[0-9]+}", apiHandler.GetEntity).Methods("GET")
	api.HandleFunc("/domains/{domain}", apiHandler.GetDomain).Methods("GET")
	api.HandleFunc("/stats", apiHandler.GetStats).Methods("GET")
	if s.matcher != nil {
		matchHandler := &handlers.MatchHandler{Matcher: s.matcher}
		api.HandleFunc("/match", matchHandler.Match).Methods("GET")
	}
	api.Use(middleware.APIKey(s.config.APIKey))

	s.router.HandleFunc("/healthz", apiHandler.Health).Methods("GET")
	s.router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	s.router.Use(middleware.RequestLogging(s.logger))
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting server", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	s.logger.Info("Server stopped")
	return nil
}
