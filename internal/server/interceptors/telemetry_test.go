package interceptors

import (
	"context"
	"net"
	"testing"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

func requestCounts(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "collector.rpc.requests" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				method, _ := dp.Attributes.Value("method")
				code, _ := dp.Attributes.Value("code")
				counts[method.AsString()+" "+code.AsString()] += dp.Value
			}
		}
	}
	return counts
}

func TestTelemetryUnary_CountsAndSkips(t *testing.T) {
	t.Parallel()
	reader := sdkmetric.NewManualReader()
	meter := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)).Meter("test")
	ic, err := TelemetryUnary(slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}), meter, map[string]bool{
		"/grpc.health.v1.Health/Check": true,
	})
	require.NoError(t, err)

	ok := func(context.Context, interface{}) (interface{}, error) { return "ok", nil }
	bad := func(context.Context, interface{}) (interface{}, error) {
		return nil, status.Error(codes.InvalidArgument, "no events")
	}
	ctx := context.Background()

	resp, err := ic(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/svc/Ingest"}, ok)
	require.NoError(t, err)
	require.Equal(t, "ok", resp)
	_, err = ic(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/svc/Ingest"}, bad)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
	_, err = ic(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, ok)
	require.NoError(t, err)

	require.Equal(t, map[string]int64{
		"/svc/Ingest OK":              1,
		"/svc/Ingest InvalidArgument": 1,
	}, requestCounts(t, reader))
}

func TestClientIP(t *testing.T) {
	t.Parallel()
	require.Equal(t, "unknown", ClientIP(context.Background()))

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-forwarded-for", "10.0.0.1, 10.0.0.2"))
	require.Equal(t, "10.0.0.1", ClientIP(ctx))

	ctx = metadata.NewIncomingContext(context.Background(), metadata.Pairs("x-real-ip", "10.0.0.9"))
	require.Equal(t, "10.0.0.9", ClientIP(ctx))

	ctx = peer.NewContext(context.Background(), &peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("192.168.1.5"), Port: 4242}})
	require.Equal(t, "192.168.1.5", ClientIP(ctx))
}
