package interceptors

import (
	"context"
	"net"
	"strings"
	"time"

	"cdr.dev/slog/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/xerrors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// TelemetryUnary returns a unary server interceptor that logs each RPC and
// records its count and latency. skipMethods are neither logged nor counted
// (e.g. health checks).
func TelemetryUnary(logger slog.Logger, meter metric.Meter, skipMethods map[string]bool) (grpc.UnaryServerInterceptor, error) {
	requests, err := meter.Int64Counter("collector.rpc.requests",
		metric.WithDescription("RPCs handled, by method and status code."))
	if err != nil {
		return nil, xerrors.Errorf("create request counter: %w", err)
	}
	latency, err := meter.Float64Histogram("collector.rpc.duration",
		metric.WithDescription("RPC latency."),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, xerrors.Errorf("create latency histogram: %w", err)
	}
	logger = logger.Named("rpc")

	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if skipMethods[info.FullMethod] {
			return resp, err
		}
		code := status.Code(err)
		elapsed := time.Since(start)
		attrs := metric.WithAttributes(
			attribute.String("method", info.FullMethod),
			attribute.String("code", code.String()),
		)
		requests.Add(ctx, 1, attrs)
		latency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)

		appID, _ := GetAppID(ctx)
		fields := []slog.Field{
			slog.F("method", info.FullMethod),
			slog.F("code", code.String()),
			slog.F("duration_ms", elapsed.Milliseconds()),
			slog.F("client_ip", ClientIP(ctx)),
			slog.F("app_id", appID),
		}
		switch code {
		case codes.OK:
			logger.Debug(ctx, "rpc handled", fields...)
		case codes.Internal, codes.Unknown, codes.DataLoss:
			logger.Error(ctx, "rpc failed", append(fields, slog.Error(err))...)
		default:
			logger.Info(ctx, "rpc rejected", append(fields, slog.Error(err))...)
		}
		return resp, err
	}, nil
}

// ClientIP returns the client IP from gRPC metadata (x-forwarded-for, x-real-ip) or peer, or "unknown".
func ClientIP(ctx context.Context) string {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if vals := md.Get("x-forwarded-for"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				if i := strings.Index(s, ","); i > 0 {
					s = strings.TrimSpace(s[:i])
				}
				return s
			}
		}
		if vals := md.Get("x-real-ip"); len(vals) > 0 {
			if s := strings.TrimSpace(vals[0]); s != "" {
				return s
			}
		}
	}
	if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
		if host, _, err := net.SplitHostPort(p.Addr.String()); err == nil {
			return host
		}
		return p.Addr.String()
	}
	return "unknown"
}
