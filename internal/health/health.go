// Package health exposes the relay's readiness over the standard gRPC
// health protocol. The scan service is SERVING only while a session is
// Scanning.
package health

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/banshee-data/scanrelay/internal/session"
)

// Service is the name clients pass in HealthCheckRequest.
const Service = "scanrelay"

// Reporter is a session.Observer that drives a gRPC health server.
type Reporter struct {
	session.NopObserver
	srv *health.Server
}

// New returns a reporter with the process SERVING and Service NOT_SERVING.
func New() *Reporter {
	srv := health.NewServer()
	srv.SetServingStatus(Service, healthpb.HealthCheckResponse_NOT_SERVING)
	return &Reporter{srv: srv}
}

func (r *Reporter) OnTransition(t session.Transition) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if t.To == session.Scanning {
		status = healthpb.HealthCheckResponse_SERVING
	}
	r.srv.SetServingStatus(Service, status)
}

// Check answers a health query in-process.
func (r *Reporter) Check(ctx context.Context, service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := r.srv.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

// Register adds the health service to s.
func (r *Reporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, r.srv)
}

// Shutdown marks every service NOT_SERVING and ignores later updates.
func (r *Reporter) Shutdown() { r.srv.Shutdown() }

// Serve runs a gRPC server carrying the health service on addr until ctx
// is done.
func (r *Reporter) Serve(ctx context.Context, addr string, log zerolog.Logger) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("health listen %s: %w", addr, err)
	}
	return r.ServeListener(ctx, ln, log)
}

// ServeListener is Serve on an existing listener.
func (r *Reporter) ServeListener(ctx context.Context, ln net.Listener, log zerolog.Logger) error {
	s := grpc.NewServer()
	r.Register(s)

	errc := make(chan error, 1)
	go func() { errc <- s.Serve(ln) }()
	log.Info().Str("addr", ln.Addr().String()).Msg("health server listening")

	select {
	case <-ctx.Done():
		r.Shutdown()
		s.GracefulStop()
		return nil
	case err := <-errc:
		return err
	}
}
