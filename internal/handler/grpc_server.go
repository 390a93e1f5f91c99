package handler

import (
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-p2p-coordinator/internal/logger"
)

// GRPCServer exposes the standard health service and reflection. Health
// reports SERVING until Shutdown starts.
type GRPCServer struct {
	server *grpc.Server
	health *health.Server
	log    *logger.Logger
}

// NewGRPCServer builds the server with recovery and logging interceptors.
func NewGRPCServer(serviceName string, log *logger.Logger) *GRPCServer {
	log = log.Component("grpc")

	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(unaryRecovery(log), unaryLogging(log)),
		grpc.ChainStreamInterceptor(streamRecovery(log)),
	)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	return &GRPCServer{server: srv, health: hs, log: log}
}

// Serve blocks serving on lis until Shutdown.
func (s *GRPCServer) Serve(lis net.Listener) error {
	s.log.Info().Str("addr", lis.Addr().String()).Msg("Starting gRPC server")
	return s.server.Serve(lis)
}

// Shutdown marks every service NOT_SERVING and stops gracefully.
func (s *GRPCServer) Shutdown() {
	s.health.Shutdown()
	s.server.GracefulStop()
}
