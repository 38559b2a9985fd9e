package supervisor

import (
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/3s-rg-codes/hyperfaas-emulator/pkg/utils"
)

// HealthService is the service name of the supervisor itself. Every function
// with a live worker is reported under its fully-qualified name.
const HealthService = "hyperfaas.emulator.Supervisor"

func newHealthServer(logger *slog.Logger) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(utils.InterceptorLogger(logger)),
		grpc.ChainStreamInterceptor(utils.StreamInterceptorLogger(logger)),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(HealthService, healthpb.HealthCheckResponse_SERVING)
	return srv, hs
}

// updateHealth reports function as serving while it has a ready worker.
func (s *Supervisor) updateHealth(function string) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if _, ok := s.pool.Lookup(function); ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(function, status)
}
