package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/davidbz/markl/internal/config"
	"github.com/davidbz/markl/internal/http/middleware"
	"github.com/davidbz/markl/internal/observability"
	"github.com/davidbz/markl/internal/ws"
)

// Server represents the HTTP server.
type Server struct {
	config      config.ServerConfig
	gateway     *ws.Gateway
	middlewares middleware.Middleware
	srv         *http.Server
}

// NewServer creates a new HTTP server.
func NewServer(
	cfg *config.Config,
	gateway *ws.Gateway,
	middlewares middleware.Middleware,
) *Server {
	return &Server{
		config:      cfg.Server,
		gateway:     gateway,
		middlewares: middlewares,
		srv:         nil,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	// Register routes.
	mux.HandleFunc("/ws", s.gateway.HandleConnection)
	mux.HandleFunc("/health", handleHealth)

	// Apply middleware chain.
	handlerWithMiddleware := s.middlewares(mux)

	// Read and write timeouts stay unset: a websocket session streams for as
	// long as the conversation lasts. Only the upgrade request and idle
	// keep-alive connections are bounded.
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           handlerWithMiddleware,
		ReadHeaderTimeout: time.Duration(s.config.ReadHeaderTimeout) * time.Second,
		IdleTimeout:       time.Duration(s.config.IdleTimeout) * time.Second,
	}

	ctx := context.Background()
	observability.FromContext(ctx).Info("starting HTTP server", observability.Int("port", s.config.Port))

	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	observability.FromContext(ctx).Info("shutting down HTTP server")

	if s.srv == nil {
		return nil
	}

	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	return nil
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(map[string]string{
		"status": "healthy",
	}); err != nil {
		// Already written status, can't change it, just log.
		return
	}
}
