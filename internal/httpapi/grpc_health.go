package httpapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"tessera.dev/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// GRPCHealth answers the standard grpc.health.v1 Check from the same
// readiness probe the HTTP /readyz endpoint uses.
type GRPCHealth struct {
	healthpb.UnimplementedHealthServer

	readiness readinessChecker
	service   string
}

func NewGRPCHealth(r readinessChecker, service string) *GRPCHealth {
	return &GRPCHealth{readiness: r, service: service}
}

// Register attaches the health service to server.
func (s *GRPCHealth) Register(server *grpc.Server) {
	healthpb.RegisterHealthServer(server, s)
}

// Check accepts "" (whole server) or the service's own name.
func (s *GRPCHealth) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if name := req.GetService(); name != "" && name != s.service {
		return nil, status.Errorf(codes.NotFound, "unknown service %q", name)
	}
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_NOT_SERVING}, nil
	}
	obs.SetReady(true)
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}
