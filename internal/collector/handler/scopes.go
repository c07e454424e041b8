package handler

import (
	"campus-telemetry/internal/api/telemetryv1"
	"campus-telemetry/internal/security"
)

// MethodScopes maps each gRPC full method to the key scope it requires.
var MethodScopes = map[string]security.Scope{
	telemetryv1.TelemetryService_BatchTrackEvents_FullMethodName:         security.ScopeIngest,
	telemetryv1.TelemetryService_ReportError_FullMethodName:              security.ScopeIngest,
	telemetryv1.TelemetryService_GetErrorDashboard_FullMethodName:        security.ScopeDashboard,
	telemetryv1.TelemetryService_GetErrorPatternDetails_FullMethodName:   security.ScopeDashboard,
	telemetryv1.TelemetryService_UpdateErrorPatternStatus_FullMethodName: security.ScopeDashboard,
}

// RPCScopes maps each HTTP RPC function name to the key scope it requires.
var RPCScopes = map[string]security.Scope{
	telemetryv1.RPCBatchTrackEvents:         security.ScopeIngest,
	telemetryv1.RPCReportError:              security.ScopeIngest,
	telemetryv1.RPCGetErrorDashboard:        security.ScopeDashboard,
	telemetryv1.RPCGetErrorPatternDetails:   security.ScopeDashboard,
	telemetryv1.RPCUpdateErrorPatternStatus: security.ScopeDashboard,
}
