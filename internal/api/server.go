package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
)

// Server hosts the results service on a gRPC listener.
type Server struct {
	addr string
	gs   *grpc.Server
	log  *slog.Logger
}

// NewServer creates a Server for svc listening on addr (host:port).
func NewServer(addr string, svc *Service, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	gs := grpc.NewServer(grpc.UnaryInterceptor(logUnary(log)))
	gs.RegisterService(&resultsServiceDesc, &grpcResults{svc: svc})
	return &Server{addr: addr, gs: gs, log: log}
}

// Serve accepts connections on lis until Shutdown.
func (s *Server) Serve(lis net.Listener) error {
	s.log.Info("grpc listening", "addr", lis.Addr().String())
	return s.gs.Serve(lis)
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled, then stops gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.addr, err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.Serve(lis) }()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

// Shutdown stops accepting calls and waits for in-flight ones, or stops
// hard when ctx ends first.
func (s *Server) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.gs.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.gs.Stop()
	}
	s.log.Info("grpc stopped")
	return nil
}
