// Package handler exposes the collector Service over gRPC and over the HTTP
// RPC gateway.
package handler

import (
	"context"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"campus-telemetry/internal/api/telemetryv1"
	"campus-telemetry/internal/collector"
)

// Server implements TelemetryService.
type Server struct {
	telemetryv1.UnimplementedTelemetryServiceServer
	svc *collector.Service
	log slog.Logger
}

// NewServer returns a new Telemetry gRPC server. svc may be nil; then every
// RPC returns Unavailable.
func NewServer(svc *collector.Service, logger slog.Logger) *Server {
	return &Server{svc: svc, log: logger.Named("grpc")}
}

// BatchTrackEvents stores a batch of events.
func (s *Server) BatchTrackEvents(ctx context.Context, req *telemetryv1.BatchTrackEventsRequest) (*telemetryv1.BatchTrackEventsResponse, error) {
	if s.svc == nil {
		return nil, errUnavailable
	}
	if req == nil {
		return &telemetryv1.BatchTrackEventsResponse{}, nil
	}
	n, err := s.svc.BatchTrackEvents(ctx, req.Events)
	if err != nil {
		return nil, s.toStatus(ctx, "BatchTrackEvents", err)
	}
	return &telemetryv1.BatchTrackEventsResponse{Accepted: n}, nil
}

// ReportError stores one error report.
func (s *Server) ReportError(ctx context.Context, req *telemetryv1.ReportErrorRequest) (*telemetryv1.ReportErrorResponse, error) {
	if s.svc == nil {
		return nil, errUnavailable
	}
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "report is required")
	}
	id, err := s.svc.ReportError(ctx, req.Report)
	if err != nil {
		return nil, s.toStatus(ctx, "ReportError", err)
	}
	return &telemetryv1.ReportErrorResponse{ReportID: id}, nil
}

// GetErrorDashboard returns the error summary.
func (s *Server) GetErrorDashboard(ctx context.Context, req *telemetryv1.GetErrorDashboardRequest) (*telemetryv1.GetErrorDashboardResponse, error) {
	if s.svc == nil {
		return nil, errUnavailable
	}
	var days int
	if req != nil {
		days = req.Days
	}
	d, err := s.svc.ErrorDashboard(ctx, days)
	if err != nil {
		return nil, s.toStatus(ctx, "GetErrorDashboard", err)
	}
	return &telemetryv1.GetErrorDashboardResponse{Dashboard: d}, nil
}

// GetErrorPatternDetails returns the drill-down of one pattern.
func (s *Server) GetErrorPatternDetails(ctx context.Context, req *telemetryv1.GetErrorPatternDetailsRequest) (*telemetryv1.GetErrorPatternDetailsResponse, error) {
	if s.svc == nil {
		return nil, errUnavailable
	}
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "error_hash is required")
	}
	d, err := s.svc.PatternDetails(ctx, req.ErrorHash)
	if err != nil {
		return nil, s.toStatus(ctx, "GetErrorPatternDetails", err)
	}
	return &telemetryv1.GetErrorPatternDetailsResponse{Details: d}, nil
}

// UpdateErrorPatternStatus changes a pattern's triage status.
func (s *Server) UpdateErrorPatternStatus(ctx context.Context, req *telemetryv1.UpdateErrorPatternStatusRequest) (*telemetryv1.UpdateErrorPatternStatusResponse, error) {
	if s.svc == nil {
		return nil, errUnavailable
	}
	if req == nil {
		return nil, status.Error(codes.InvalidArgument, "error_hash is required")
	}
	p, err := s.svc.UpdatePatternStatus(ctx, req.ErrorHash, req.Status, req.Notes)
	if err != nil {
		return nil, s.toStatus(ctx, "UpdateErrorPatternStatus", err)
	}
	return &telemetryv1.UpdateErrorPatternStatusResponse{Pattern: p}, nil
}

var errUnavailable = status.Error(codes.Unavailable, "collector is not configured")

// toStatus maps service errors to gRPC codes. Internal errors are logged and
// their detail is not returned to the caller.
func (s *Server) toStatus(ctx context.Context, method string, err error) error {
	code := Code(err)
	if code == codes.Internal {
		s.log.Error(ctx, "rpc failed", slog.F("method", method), slog.Error(err))
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}

// Code returns the gRPC code for a service error.
func Code(err error) codes.Code {
	switch {
	case err == nil:
		return codes.OK
	case xerrors.Is(err, collector.ErrInvalidArgument):
		return codes.InvalidArgument
	case xerrors.Is(err, collector.ErrNotFound):
		return codes.NotFound
	case xerrors.Is(err, context.Canceled):
		return codes.Canceled
	case xerrors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	return codes.Internal
}
