package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"crypto-live-feed/internal/infrastructure/logger"

	"go.uber.org/zap"
)

// Server runs the HTTP surface in the background
type Server struct {
	server *http.Server
	logger *logger.Logger
}

// NewServer creates a server listening on port
func NewServer(port int, handler http.Handler, logger *logger.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.WithComponent("http-server"),
	}
}

// Start binds the port and serves until Shutdown
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.server.Addr, err)
	}

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	s.logger.Info("HTTP server started", zap.String("addr", s.server.Addr))
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
// Open streams end when the hub is closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Stopping HTTP server")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}
	return nil
}
