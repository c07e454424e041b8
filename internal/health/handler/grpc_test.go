package handler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
	"golang.org/x/xerrors"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type mockPinger struct {
	fail atomic.Bool
}

func (m *mockPinger) PingContext(context.Context) error {
	if m.fail.Load() {
		return xerrors.New("connection refused")
	}
	return nil
}

func status(t *testing.T, s *Server, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	resp, err := s.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	require.NoError(t, err)
	return resp.GetStatus()
}

func TestCheck_NilPinger(t *testing.T) {
	t.Parallel()
	s := NewServer(nil, "svc", nil, slogtest.Make(t, nil))
	require.NoError(t, s.Ready(context.Background()))
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, s.Refresh(context.Background()))
}

func TestRefresh_PingerFailure(t *testing.T) {
	t.Parallel()
	p := &mockPinger{}
	p.fail.Store(true)
	s := NewServer(p, "svc", nil, slogtest.Make(t, nil))
	require.Error(t, s.Ready(context.Background()))
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, s.Refresh(context.Background()))
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, s, "svc"))
}

func TestRun_TracksPinger(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	clk := quartz.NewMock(t)
	trap := clk.Trap().TickerFunc("health")
	defer trap.Close()

	p := &mockPinger{}
	s := NewServer(p, "svc", clk, slogtest.Make(t, nil))
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(runCtx, 10*time.Second)
	}()
	trap.MustWait(ctx).MustRelease(ctx)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, status(t, s, "svc"))

	p.fail.Store(true)
	clk.Advance(10 * time.Second).MustWait(ctx)
	require.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, status(t, s, ""))

	stop()
	<-done
}
