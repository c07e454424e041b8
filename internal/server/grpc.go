// Package server assembles the collector's gRPC server: interceptors,
// instrumentation and service registration.
package server

import (
	"cdr.dev/slog/v3"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"golang.org/x/xerrors"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"campus-telemetry/internal/api/telemetryv1"
	"campus-telemetry/internal/collector"
	collectorhandler "campus-telemetry/internal/collector/handler"
	healthhandler "campus-telemetry/internal/health/handler"
	"campus-telemetry/internal/security"
	"campus-telemetry/internal/server/interceptors"
)

// Deps holds the service dependencies for gRPC handlers.
type Deps struct {
	// Collector serves TelemetryService. If nil, its RPCs return Unavailable.
	Collector *collector.Service
	// Health is registered as grpc.health.v1.Health when set.
	Health *healthhandler.Server
	Logger slog.Logger
}

// RegisterServices registers the gRPC services with s.
//
// Service → handler mapping:
//   - campus.telemetry.v1.TelemetryService → internal/collector/handler
//   - grpc.health.v1.Health                → internal/health/handler
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	telemetryv1.RegisterTelemetryServiceServer(s, collectorhandler.NewServer(deps.Collector, deps.Logger))
	if deps.Health != nil {
		healthpb.RegisterHealthServer(s, deps.Health.Server)
	}
}

// Options configures NewServer.
type Options struct {
	// Verifier checks ingest keys. Nil disables authentication, which the
	// config only allows outside production.
	Verifier *security.KeyVerifier
	Meter    metric.Meter
	Logger   slog.Logger
	// ServerOptions are appended after the defaults.
	ServerOptions []grpc.ServerOption
}

// NewServer returns a gRPC server with tracing, request telemetry and, when
// a verifier is set, ingest key authentication. Health checks are neither
// authenticated nor logged.
func NewServer(opts Options) (*grpc.Server, error) {
	if opts.Meter == nil {
		opts.Meter = noop.NewMeterProvider().Meter("campus-telemetry/server")
	}
	skip := map[string]bool{
		healthpb.Health_Check_FullMethodName: true,
		healthpb.Health_Watch_FullMethodName: true,
	}
	telemetryInterceptor, err := interceptors.TelemetryUnary(opts.Logger, opts.Meter, skip)
	if err != nil {
		return nil, xerrors.Errorf("telemetry interceptor: %w", err)
	}
	chain := []grpc.UnaryServerInterceptor{telemetryInterceptor}
	if opts.Verifier != nil {
		chain = append(chain, interceptors.AuthUnary(opts.Verifier, collectorhandler.MethodScopes))
	}
	serverOpts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(chain...),
	}
	return grpc.NewServer(append(serverOpts, opts.ServerOptions...)...), nil
}
