package grpc

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/billm/baaaht/relay/internal/logger"
	"github.com/billm/baaaht/relay/pkg/types"
)

// DefaultShutdownTimeout bounds a graceful stop
const DefaultShutdownTimeout = 10 * time.Second

// Server serves the health service on a Unix domain socket
type Server struct {
	path            string
	health          *HealthServer
	server          *grpc.Server
	logger          *logger.Logger
	shutdownTimeout time.Duration

	mu       sync.Mutex
	listener net.Listener
	started  bool
	closed   bool
	wg       sync.WaitGroup
}

// NewServer creates a server for health on the socket at path
func NewServer(path string, health *HealthServer, log *logger.Logger) (*Server, error) {
	if path == "" {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "socket path cannot be empty")
	}
	if health == nil {
		return nil, types.NewError(types.ErrCodeInvalidArgument, "health server is required")
	}
	if log == nil {
		var err error
		log, err = logger.NewDefault()
		if err != nil {
			return nil, types.WrapError(types.ErrCodeInternal, "failed to create default logger", err)
		}
	}

	s := &Server{
		path:            path,
		health:          health,
		logger:          log.With("component", "grpc_server", "socket_path", path),
		shutdownTimeout: DefaultShutdownTimeout,
	}
	s.server = grpc.NewServer(
		grpc.Creds(insecure.NewCredentials()),
		grpc.ChainUnaryInterceptor(recoveryUnaryInterceptor(s.logger), loggingUnaryInterceptor(s.logger)),
		grpc.ChainStreamInterceptor(recoveryStreamInterceptor(s.logger), loggingStreamInterceptor(s.logger)),
	)
	grpc_health_v1.RegisterHealthServer(s.server, health)
	return s, nil
}

// removeStale deletes a leftover socket or regular file at path. Other file
// types are never removed.
func removeStale(path string) error {
	fi, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return types.WrapError(types.ErrCodeInternal, "failed to stat socket path", err)
	}
	mode := fi.Mode()
	if mode&os.ModeSocket == 0 && !mode.IsRegular() {
		return types.NewError(types.ErrCodeFailedPrecondition,
			fmt.Sprintf("existing path at socket path is of unsafe type %v; refusing to remove", mode))
	}
	if err := os.Remove(path); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to remove existing socket", err)
	}
	return nil
}

// Start listens on the socket and serves in the background
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return types.NewError(types.ErrCodeUnavailable, "server is closed")
	}
	if s.started {
		return types.NewError(types.ErrCodeFailedPrecondition, "server already started")
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return types.WrapError(types.ErrCodeInternal, "failed to create socket directory", err)
	}
	if err := removeStale(s.path); err != nil {
		return err
	}
	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return types.WrapError(types.ErrCodeUnavailable, "failed to listen on socket", err)
	}
	s.listener = listener
	s.started = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.logger.Error("gRPC server error", "error", err)
			}
		}
	}()

	s.logger.Info("gRPC server listening")
	return nil
}

// Stop marks the node NOT_SERVING and stops gracefully, forcing the stop
// after the shutdown timeout
func (s *Server) Stop() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	s.mu.Unlock()

	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.shutdownTimeout):
		s.logger.Warn("gRPC server shutdown timeout, stopping immediately")
		s.server.Stop()
	}
	s.wg.Wait()

	if started {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove socket file", "error", err)
		}
	}
	s.logger.Info("gRPC server stopped")
	return nil
}

// SocketPath returns the socket the server listens on
func (s *Server) SocketPath() string {
	return s.path
}

// Check dials the health service at path and returns the status of service
func Check(ctx context.Context, path, service string) (grpc_health_v1.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient("passthrough:///"+path,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		}),
	)
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, types.WrapError(types.ErrCodeUnavailable, "failed to create gRPC connection", err)
	}
	defer conn.Close()

	resp, err := grpc_health_v1.NewHealthClient(conn).Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: service})
	if err != nil {
		return grpc_health_v1.HealthCheckResponse_UNKNOWN, types.WrapError(types.ErrCodeUnavailable, "health check failed", err)
	}
	return resp.Status, nil
}
