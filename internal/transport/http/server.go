package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
)

type Server struct {
	server *http.Server
	logger *zap.Logger
	cancel context.CancelFunc
}

func NewServer(addr string, handler http.Handler, logger *zap.Logger) *Server {
	// Hijacked websocket connections are not closed by Shutdown; cancelling
	// the base context ends their stream loops.
	baseCtx, cancel := context.WithCancel(context.Background())

	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return baseCtx },
		},
		logger: logger,
		cancel: cancel,
	}
}

// Start binds the listener before returning so a taken port fails startup.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}

	s.logger.Info("starting HTTP server", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.cancel()
	return s.server.Shutdown(ctx)
}
