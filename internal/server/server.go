package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/theblitlabs/parity-fedsync/pkg/logger"
)

// Server runs the coordinator's HTTP surface alongside the training session.
type Server struct {
	httpServer *http.Server
}

func NewServer(addr string, handler http.Handler) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
	}
}

// Start listens and serves in the background. Listen errors are returned
// synchronously so a taken port fails fast.
func (s *Server) Start() (net.Addr, error) {
	log := logger.WithComponent("server")

	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return nil, err
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("Starting HTTP server")

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()
	return ln.Addr(), nil
}

func (s *Server) Stop(ctx context.Context) error {
	log := logger.WithComponent("server")
	log.Info().Msg("Shutting down HTTP server...")

	return s.httpServer.Shutdown(ctx)
}
