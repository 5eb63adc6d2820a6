package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"hiwire/internal/config"
	"hiwire/internal/handler"
)

// Server is the HTTP server for the trip-updates feed.
type Server struct {
	mux    *http.ServeMux
	logger *slog.Logger
	srv    *http.Server
}

// New creates a new Server with all routes registered.
func New(cfg *config.Config, h *handler.Handler, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /trip-updates", h.TripUpdates)

	s := &Server{mux: mux, logger: logger}
	s.srv = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		// two sequential upstream calls plus serialization
		WriteTimeout: 2*cfg.UpstreamTimeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the routes wrapped in middleware.
func (s *Server) Handler() http.Handler {
	return withMiddleware(s.mux, s.logger)
}

// ListenAndServe starts the HTTP server. It returns nil after Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("server starting", "addr", s.srv.Addr)
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
