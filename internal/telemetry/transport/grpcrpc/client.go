// Package grpcrpc calls the collector's TelemetryService over gRPC using the
// JSON codec.
package grpcrpc

import (
	"context"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/xerrors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"campus-telemetry/internal/api/telemetryv1"
	"campus-telemetry/internal/telemetry/domain"
)

// Options configures Dial.
type Options struct {
	// Target is the collector address, e.g. "collector:8080".
	Target string
	// APIKey is sent as a bearer token on every call.
	APIKey string
	// Insecure disables TLS. Only for local development and tests.
	Insecure bool
	// DialOptions are appended after the defaults.
	DialOptions []grpc.DialOption
}

// Client implements the telemetry RPCs over a gRPC connection.
type Client struct {
	conn *grpc.ClientConn
	rpc  telemetryv1.TelemetryServiceClient
}

// Dial creates a client connection to opts.Target. The connection is lazy;
// errors surface on the first call.
func Dial(opts Options) (*Client, error) {
	if opts.Target == "" {
		return nil, xerrors.New("grpcrpc: target is required")
	}
	dialOpts := []grpc.DialOption{
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		grpc.WithDefaultCallOptions(telemetryv1.CallOption()),
	}
	if opts.Insecure {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	} else {
		dialOpts = append(dialOpts, grpc.WithTransportCredentials(credentials.NewClientTLSFromCert(nil, "")))
	}
	if opts.APIKey != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(bearer{token: opts.APIKey, secure: !opts.Insecure}))
	}
	dialOpts = append(dialOpts, opts.DialOptions...)

	conn, err := grpc.NewClient(opts.Target, dialOpts...)
	if err != nil {
		return nil, xerrors.Errorf("dial %s: %w", opts.Target, err)
	}
	return &Client{conn: conn, rpc: telemetryv1.NewTelemetryServiceClient(conn)}, nil
}

// NewFromConn wraps an existing connection. Closing the Client closes conn.
func NewFromConn(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn, rpc: telemetryv1.NewTelemetryServiceClient(conn)}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// BatchTrackEvents uploads events in order and returns how many were accepted.
func (c *Client) BatchTrackEvents(ctx context.Context, events []domain.Event) (int, error) {
	resp, err := c.rpc.BatchTrackEvents(ctx, &telemetryv1.BatchTrackEventsRequest{Events: events})
	if err != nil {
		return 0, xerrors.Errorf("batch track events: %w", err)
	}
	return resp.Accepted, nil
}

// ReportError submits one error report.
func (c *Client) ReportError(ctx context.Context, report domain.ErrorReport) (string, error) {
	resp, err := c.rpc.ReportError(ctx, &telemetryv1.ReportErrorRequest{Report: report})
	if err != nil {
		return "", xerrors.Errorf("report error: %w", err)
	}
	return resp.ReportID, nil
}

// GetErrorDashboard returns the error summary for the last days days.
func (c *Client) GetErrorDashboard(ctx context.Context, days int) (domain.ErrorDashboard, error) {
	resp, err := c.rpc.GetErrorDashboard(ctx, &telemetryv1.GetErrorDashboardRequest{Days: days})
	if err != nil {
		return domain.ErrorDashboard{}, xerrors.Errorf("get error dashboard: %w", err)
	}
	return resp.Dashboard, nil
}

// GetErrorPatternDetails returns the drill-down of one pattern.
func (c *Client) GetErrorPatternDetails(ctx context.Context, hash string) (domain.PatternDetails, error) {
	resp, err := c.rpc.GetErrorPatternDetails(ctx, &telemetryv1.GetErrorPatternDetailsRequest{ErrorHash: hash})
	if err != nil {
		return domain.PatternDetails{}, xerrors.Errorf("get error pattern details: %w", err)
	}
	return resp.Details, nil
}

// UpdateErrorPatternStatus changes a pattern's triage status.
func (c *Client) UpdateErrorPatternStatus(ctx context.Context, hash string, status domain.PatternStatus, notes string) (domain.ErrorPattern, error) {
	resp, err := c.rpc.UpdateErrorPatternStatus(ctx, &telemetryv1.UpdateErrorPatternStatusRequest{
		ErrorHash: hash,
		Status:    status,
		Notes:     notes,
	})
	if err != nil {
		return domain.ErrorPattern{}, xerrors.Errorf("update error pattern status: %w", err)
	}
	return resp.Pattern, nil
}

// bearer attaches the API key as an authorization header.
type bearer struct {
	token  string
	secure bool
}

func (b bearer) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + b.token}, nil
}

func (b bearer) RequireTransportSecurity() bool { return b.secure }
