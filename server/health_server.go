package server

import (
	"io"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthServiceName is the service name reported alongside the overall ("") status.
const HealthServiceName = "relayhub"

// HealthServer exposes the standard gRPC health checking protocol so
// orchestrators can probe the relay without speaking HTTP.
type HealthServer struct {
	server    *grpc.Server
	healthSrv *health.Server
	logger    *slog.Logger
}

// NewHealthServer creates a gRPC server carrying only health and reflection.
func NewHealthServer(logger *slog.Logger, opts ...grpc.ServerOption) *HealthServer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	interceptor := NewLoggingInterceptor(logger)
	opts = append(opts,
		grpc.ChainUnaryInterceptor(interceptor.Unary()),
		grpc.ChainStreamInterceptor(interceptor.Stream()),
	)
	s := &HealthServer{
		server:    grpc.NewServer(opts...),
		healthSrv: health.NewServer(),
		logger:    logger.With("component", "HealthServer"),
	}
	grpc_health_v1.RegisterHealthServer(s.server, s.healthSrv)
	reflection.Register(s.server)
	s.SetServing(false)
	return s
}

// SetServing flips the reported status for both the overall and named service.
func (s *HealthServer) SetServing(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.healthSrv.SetServingStatus("", status)
	s.healthSrv.SetServingStatus(HealthServiceName, status)
}

// Start begins listening for gRPC requests.
func (s *HealthServer) Start(lis net.Listener) error {
	s.logger.Info("gRPC health server listening", "address", lis.Addr().String())
	s.SetServing(true)
	return s.server.Serve(lis)
}

// Stop reports NOT_SERVING to watchers and gracefully stops the gRPC server.
func (s *HealthServer) Stop() {
	s.logger.Info("Stopping gRPC health server...")
	s.healthSrv.Shutdown()
	s.server.GracefulStop()
	s.logger.Info("gRPC health server stopped.")
}
