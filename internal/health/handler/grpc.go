// Package handler serves collector readiness over the standard gRPC health
// protocol and backs the HTTP /healthz probe.
package handler

import (
	"context"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"golang.org/x/xerrors"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const pingTimeout = 2 * time.Second

// Pinger is implemented by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Server tracks readiness. A nil Pinger means there is nothing to check and
// the collector is always serving.
type Server struct {
	*health.Server
	pinger  Pinger
	service string
	clock   quartz.Clock
	log     slog.Logger
}

// NewServer returns a health server reporting for service and for the
// overall server ("").
func NewServer(pinger Pinger, service string, clock quartz.Clock, logger slog.Logger) *Server {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Server{
		Server:  health.NewServer(),
		pinger:  pinger,
		service: service,
		clock:   clock,
		log:     logger.Named("health"),
	}
}

// Ready pings the database.
func (s *Server) Ready(ctx context.Context) error {
	if s.pinger == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := s.pinger.PingContext(ctx); err != nil {
		return xerrors.Errorf("ping database: %w", err)
	}
	return nil
}

// Refresh runs Ready once and publishes the result.
func (s *Server) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING
	if err := s.Ready(ctx); err != nil {
		s.log.Warn(ctx, "readiness check failed", slog.Error(err))
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.SetServingStatus("", st)
	s.SetServingStatus(s.service, st)
	return st
}

// Run refreshes the status every interval until ctx is done.
func (s *Server) Run(ctx context.Context, interval time.Duration) {
	s.Refresh(ctx)
	tkr := s.clock.TickerFunc(ctx, interval, func() error {
		s.Refresh(ctx)
		return nil
	}, "health")
	_ = tkr.Wait()
}
