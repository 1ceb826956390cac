package controlplane

import (
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// GRPCHealthServer wraps grpc-go's stock health service. It ships fully
// generated inside google.golang.org/grpc/health, so registering it costs no
// protoc step — a deliberate trade against hand-authoring a sync protocol
// over grpc with no .proto file to generate from (see pkg/wire).
type GRPCHealthServer struct {
	srv    *grpc.Server
	health *health.Server
	log    zerolog.Logger
}

// NewGRPCHealthServer builds a gRPC server exposing only the health service.
func NewGRPCHealthServer(log zerolog.Logger) *GRPCHealthServer {
	h := health.NewServer()
	srv := grpc.NewServer(grpc.UnaryInterceptor(LoggingInterceptor(log)))
	grpc_health_v1.RegisterHealthServer(srv, h)
	return &GRPCHealthServer{srv: srv, health: h, log: log}
}

// SetServing updates the status grpc_health_v1.Check reports for service
// (empty string is the overall server status).
func (g *GRPCHealthServer) SetServing(service string, serving bool) {
	status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		status = grpc_health_v1.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus(service, status)
}

// Serve blocks accepting connections on lis.
func (g *GRPCHealthServer) Serve(lis net.Listener) error {
	g.log.Info().Str("addr", lis.Addr().String()).Msg("grpc health server listening")
	return g.srv.Serve(lis)
}

// Listen opens addr and serves on it.
func (g *GRPCHealthServer) Listen(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return g.Serve(lis)
}

// Stop gracefully stops the gRPC server.
func (g *GRPCHealthServer) Stop() { g.srv.GracefulStop() }
