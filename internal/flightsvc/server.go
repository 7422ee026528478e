package flightsvc

import (
	"context"
	"fmt"
	"net"

	"github.com/apache/arrow-go/v18/arrow/flight"

	"github.com/23skdu/longbow-sessiond/internal/logger"
)

// Server is a bound Flight listener serving one Service.
type Server struct {
	srv flight.Server
	log *logger.Logger
}

// Listen binds addr. Use "127.0.0.1:0" for an ephemeral port.
func Listen(addr string, svc *Service) (*Server, error) {
	srv := flight.NewServerWithMiddleware(nil)
	srv.RegisterFlightService(svc)
	if err := srv.Init(addr); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return &Server{srv: srv, log: svc.log}, nil
}

func (s *Server) Addr() net.Addr {
	return s.srv.Addr()
}

// Serve blocks until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			s.srv.Shutdown()
		case <-done:
		}
	}()

	s.log.Info("Starting Flight server", "addr", s.Addr().String())
	if err := s.srv.Serve(); err != nil {
		return fmt.Errorf("flight server: %w", err)
	}
	return nil
}

// Shutdown stops the server and waits for in-flight calls.
func (s *Server) Shutdown() {
	s.srv.Shutdown()
}
