package server

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Server wraps the HTTP server lifecycle.
type Server struct {
	httpServer *http.Server
	log        zerolog.Logger
}

func New(addr string, api *API, log zerolog.Logger) *Server {
	mux := http.NewServeMux()
	api.Register(mux)

	return &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      60 * time.Second,
		},
		log: log.With().Str("component", "server").Logger(),
	}
}

// Start blocks serving until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.httpServer.Addr).Msg("http server listening")
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
