// Package server provides the operations HTTP servers of regiond and rackd.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/canonical/maas-sub025/internal/config"
	"github.com/canonical/maas-sub025/internal/health"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Server represents the HTTP server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	logger     *zap.Logger
}

func newServer(cfg config.HTTPConfig, hc *health.HealthChecker, logger *zap.Logger) *Server {
	router := mux.NewRouter()
	router.Use(withRequestLogger(logger), recoverPanic(logger))

	router.HandleFunc("/health/live", hc.LivenessHandler).Methods(http.MethodGet)
	router.HandleFunc("/health/ready", hc.ReadinessHandler).Methods(http.MethodGet)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Status: "error", ErrorCode: "NOT_FOUND", Message: "endpoint not found"})
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, ErrorResponse{Status: "error", ErrorCode: "METHOD_NOT_ALLOWED", Message: "method not allowed"})
	})

	return &Server{
		router: router,
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		logger: logger,
	}
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("address", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}
