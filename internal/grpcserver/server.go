// Package grpcserver exposes the standard gRPC health service so
// orchestrators can probe the terminal service and watch it drain.
package grpcserver

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/weiawesome/wes-io-live/terminal-service/pkg/log"
)

// ServiceName is the health entry that tracks whether rooms accept traffic.
const ServiceName = "terminal.Rooms"

type Server struct {
	srv    *grpc.Server
	health *health.Server
}

func New(logger zerolog.Logger) *Server {
	s := grpc.NewServer(
		grpc.UnaryInterceptor(log.UnaryServerInterceptor(logger)),
		grpc.StreamInterceptor(log.StreamServerInterceptor(logger)),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)
	reflection.Register(s)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Server{srv: s, health: hs}
}

// SetServing flips both the overall and the rooms health entries.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve blocks until lis fails or the server stops.
func (s *Server) Serve(lis net.Listener) error {
	l := log.L()
	l.Info().Str("address", lis.Addr().String()).Msg("grpc health server listening")
	if err := s.srv.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc server: %w", err)
	}
	return nil
}

// Serving reports whether the rooms entry is SERVING.
func (s *Server) Serving() bool {
	resp, err := s.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: ServiceName})
	return err == nil && resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

// GracefulStop marks the service as draining, then waits for in-flight
// calls. Open health watches end when the server stops.
func (s *Server) GracefulStop() {
	s.health.Shutdown()
	s.srv.GracefulStop()
}
