package grpcrpc

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"campus-telemetry/internal/api/telemetryv1"
	"campus-telemetry/internal/telemetry/domain"
)

type fakeService struct {
	telemetryv1.UnimplementedTelemetryServiceServer
	auth []string
}

func (f *fakeService) BatchTrackEvents(ctx context.Context, req *telemetryv1.BatchTrackEventsRequest) (*telemetryv1.BatchTrackEventsResponse, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	f.auth = md.Get("authorization")
	return &telemetryv1.BatchTrackEventsResponse{Accepted: len(req.Events)}, nil
}

func (f *fakeService) ReportError(_ context.Context, req *telemetryv1.ReportErrorRequest) (*telemetryv1.ReportErrorResponse, error) {
	if req.Report.Message == "" {
		return nil, status.Error(codes.InvalidArgument, "message is required")
	}
	return &telemetryv1.ReportErrorResponse{ReportID: "rep-" + req.Report.ErrorHash}, nil
}

func dialFake(t *testing.T, svc telemetryv1.TelemetryServiceServer) *Client {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	telemetryv1.RegisterTelemetryServiceServer(srv, svc)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := Dial(Options{
		Target:   "passthrough:///bufnet",
		APIKey:   "ingest-key",
		Insecure: true,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestDial_RequiresTarget(t *testing.T) {
	t.Parallel()
	_, err := Dial(Options{})
	require.Error(t, err)
}

func TestClient_BatchTrackEventsSendsBearer(t *testing.T) {
	t.Parallel()
	svc := &fakeService{}
	c := dialFake(t, svc)

	n, err := c.BatchTrackEvents(context.Background(), []domain.Event{{EventName: "a"}, {EventName: "b"}})
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, []string{"Bearer ingest-key"}, svc.auth)
}

func TestClient_StatusErrorsAreWrapped(t *testing.T) {
	t.Parallel()
	c := dialFake(t, &fakeService{})

	_, err := c.ReportError(context.Background(), domain.ErrorReport{})
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Code(err))

	id, err := c.ReportError(context.Background(), domain.ErrorReport{Message: "x", ErrorHash: "h1"})
	require.NoError(t, err)
	require.Equal(t, "rep-h1", id)

	_, err = c.GetErrorDashboard(context.Background(), 7)
	require.Equal(t, codes.Unimplemented, status.Code(err))
}
