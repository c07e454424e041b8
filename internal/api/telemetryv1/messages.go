// Package telemetryv1 is the wire contract between the telemetry client and
// the collector: RPC names, request and response messages, and the gRPC
// service definition. Messages are JSON encoded on every transport.
package telemetryv1

import "campus-telemetry/internal/telemetry/domain"

// RPC names as used in the HTTP RPC path /rest/v1/rpc/{name}.
const (
	RPCBatchTrackEvents         = "batch_track_events"
	RPCReportError              = "report_error"
	RPCGetErrorDashboard        = "get_error_dashboard"
	RPCGetErrorPatternDetails   = "get_error_pattern_details"
	RPCUpdateErrorPatternStatus = "update_error_pattern_status"
)

// MaxBatchEvents is the largest batch the collector accepts in one
// batch_track_events call.
const MaxBatchEvents = 500

type BatchTrackEventsRequest struct {
	Events []domain.Event `json:"events"`
}

type BatchTrackEventsResponse struct {
	Accepted int `json:"accepted"`
}

type ReportErrorRequest struct {
	Report domain.ErrorReport `json:"report"`
}

type ReportErrorResponse struct {
	ReportID string `json:"report_id"`
}

type GetErrorDashboardRequest struct {
	Days int `json:"days"`
}

type GetErrorDashboardResponse struct {
	Dashboard domain.ErrorDashboard `json:"dashboard"`
}

type GetErrorPatternDetailsRequest struct {
	ErrorHash string `json:"error_hash"`
}

type GetErrorPatternDetailsResponse struct {
	Details domain.PatternDetails `json:"details"`
}

type UpdateErrorPatternStatusRequest struct {
	ErrorHash string               `json:"error_hash"`
	Status    domain.PatternStatus `json:"status"`
	Notes     string               `json:"notes,omitempty"`
}

type UpdateErrorPatternStatusResponse struct {
	Pattern domain.ErrorPattern `json:"pattern"`
}

// ErrorBody is the JSON body of a failed HTTP RPC.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
