// Package httprpc calls the collector's RPC functions over plain HTTP:
// POST {base}/rest/v1/rpc/{name} with a JSON body.
package httprpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"

	"campus-telemetry/internal/api/telemetryv1"
	"campus-telemetry/internal/telemetry/domain"
)

// RPCPath is the path prefix of every RPC function.
const RPCPath = "/rest/v1/rpc/"

// maxErrorBody caps how much of a failed response is kept for the error.
const maxErrorBody = 4 << 10

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Function   string
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("rpc %s: status %d: %s", e.Function, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("rpc %s: status %d", e.Function, e.StatusCode)
}

// Options configures a Client.
type Options struct {
	// BaseURL is the collector origin, e.g. https://telemetry.campus.example.
	BaseURL string
	// APIKey is sent as the apikey header and as the bearer token.
	APIKey string
	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
	Logger     slog.Logger
}

// Client implements the telemetry RPCs over HTTP.
type Client struct {
	base   *url.URL
	apiKey string
	http   *http.Client
	log    slog.Logger
}

// New returns a Client for opts.BaseURL.
func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, xerrors.New("httprpc: base url is required")
	}
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, xerrors.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, xerrors.Errorf("httprpc: unsupported scheme %q", base.Scheme)
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		base:   base,
		apiKey: opts.APIKey,
		http:   opts.HTTPClient,
		log:    opts.Logger.Named("httprpc"),
	}, nil
}

// BatchTrackEvents uploads events in order and returns how many were accepted.
func (c *Client) BatchTrackEvents(ctx context.Context, events []domain.Event) (int, error) {
	var resp telemetryv1.BatchTrackEventsResponse
	err := c.call(ctx, telemetryv1.RPCBatchTrackEvents, telemetryv1.BatchTrackEventsRequest{Events: events}, &resp)
	if err != nil {
		return 0, err
	}
	return resp.Accepted, nil
}

// ReportError submits one error report.
func (c *Client) ReportError(ctx context.Context, report domain.ErrorReport) (string, error) {
	var resp telemetryv1.ReportErrorResponse
	if err := c.call(ctx, telemetryv1.RPCReportError, telemetryv1.ReportErrorRequest{Report: report}, &resp); err != nil {
		return "", err
	}
	return resp.ReportID, nil
}

// GetErrorDashboard returns the error summary for the last days days.
func (c *Client) GetErrorDashboard(ctx context.Context, days int) (domain.ErrorDashboard, error) {
	var resp telemetryv1.GetErrorDashboardResponse
	if err := c.call(ctx, telemetryv1.RPCGetErrorDashboard, telemetryv1.GetErrorDashboardRequest{Days: days}, &resp); err != nil {
		return domain.ErrorDashboard{}, err
	}
	return resp.Dashboard, nil
}

// GetErrorPatternDetails returns the drill-down of one pattern.
func (c *Client) GetErrorPatternDetails(ctx context.Context, hash string) (domain.PatternDetails, error) {
	var resp telemetryv1.GetErrorPatternDetailsResponse
	if err := c.call(ctx, telemetryv1.RPCGetErrorPatternDetails, telemetryv1.GetErrorPatternDetailsRequest{ErrorHash: hash}, &resp); err != nil {
		return domain.PatternDetails{}, err
	}
	return resp.Details, nil
}

// UpdateErrorPatternStatus changes a pattern's triage status.
func (c *Client) UpdateErrorPatternStatus(ctx context.Context, hash string, status domain.PatternStatus, notes string) (domain.ErrorPattern, error) {
	var resp telemetryv1.UpdateErrorPatternStatusResponse
	req := telemetryv1.UpdateErrorPatternStatusRequest{ErrorHash: hash, Status: status, Notes: notes}
	if err := c.call(ctx, telemetryv1.RPCUpdateErrorPatternStatus, req, &resp); err != nil {
		return domain.ErrorPattern{}, err
	}
	return resp.Pattern, nil
}

func (c *Client) call(ctx context.Context, fn string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return xerrors.Errorf("encode %s request: %w", fn, err)
	}
	endpoint := c.base.JoinPath(RPCPath, fn).String()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return xerrors.Errorf("build %s request: %w", fn, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return xerrors.Errorf("rpc %s: %w", fn, err)
	}
	defer resp.Body.Close()

	c.log.Debug(ctx, "rpc call",
		slog.F("function", fn),
		slog.F("status", resp.StatusCode),
		slog.F("duration", time.Since(start)),
	)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeStatusError(fn, resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Errorf("decode %s response: %w", fn, err)
	}
	return nil
}

func decodeStatusError(fn string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	serr := &StatusError{Function: fn, StatusCode: resp.StatusCode}
	var body telemetryv1.ErrorBody
	if json.Unmarshal(raw, &body) == nil && body.Message != "" {
		serr.Code = body.Code
		serr.Message = body.Message
	} else {
		serr.Message = strings.TrimSpace(string(raw))
	}
	return serr
}
