// Package health exposes the standard gRPC health service, driven by a
// periodic probe of the backing store.
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is the named service reported next to the overall status.
const ServiceName = "dfbridge"

const (
	defaultProbeInterval = 10 * time.Second
	probeTimeout         = 2 * time.Second
)

// Pinger is a dependency whose reachability decides the serving status.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server serves grpc.health.v1.Health.
type Server struct {
	grpc     *grpc.Server
	health   *health.Server
	pinger   Pinger
	interval time.Duration
}

// NewServer creates a health server probing pinger every interval.
func NewServer(pinger Pinger, interval time.Duration) *Server {
	if interval <= 0 {
		interval = defaultProbeInterval
	}
	gs := grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		Time:    2 * time.Minute,
		Timeout: 10 * time.Second,
	}))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{grpc: gs, health: hs, pinger: pinger, interval: interval}
}

// Probe pings the dependency once and records the result.
func (s *Server) Probe(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := s.pinger.Ping(probeCtx); err != nil {
		slog.Warn("Health probe failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	return status
}

// Serve probes once, then serves on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.Probe(ctx)

	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Probe(ctx)
			case <-ctx.Done():
				s.health.Shutdown()
				s.grpc.GracefulStop()
				return
			}
		}
	}()

	slog.Info("gRPC health server listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve grpc health: %w", err)
	}
	return nil
}
