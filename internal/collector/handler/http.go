package handler

import (
	"context"
	"io"
	"net/http"
	"time"

	"cdr.dev/slog/v3"
	"github.com/gin-gonic/gin"
	"golang.org/x/xerrors"
	"google.golang.org/grpc/codes"

	"campus-telemetry/internal/api/telemetryv1"
	"campus-telemetry/internal/collector"
	"campus-telemetry/internal/security"
	"campus-telemetry/internal/server/interceptors"
)

// maxBodyBytes caps an RPC request body.
const maxBodyBytes = 4 << 20

// Error codes of the HTTP gateway's ErrorBody.
const (
	CodeInvalidArgument  = "invalid_argument"
	CodeNotFound         = "not_found"
	CodeUnauthenticated  = "unauthenticated"
	CodePermissionDenied = "permission_denied"
	CodeUnknownFunction  = "unknown_function"
	CodeUnavailable      = "unavailable"
	CodeInternal         = "internal"
)

// HealthChecker reports whether the collector can serve traffic.
type HealthChecker interface {
	Ready(ctx context.Context) error
}

// HTTPOptions configures the HTTP gateway.
type HTTPOptions struct {
	// Verifier checks ingest keys. Nil disables authentication.
	Verifier *security.KeyVerifier
	// Health backs GET /healthz. Nil always reports ok.
	Health HealthChecker
	Logger slog.Logger
}

type rpcFunc func(ctx context.Context, svc *collector.Service, c *gin.Context) (any, error)

var rpcFuncs = map[string]rpcFunc{
	telemetryv1.RPCBatchTrackEvents: func(ctx context.Context, svc *collector.Service, c *gin.Context) (any, error) {
		var req telemetryv1.BatchTrackEventsRequest
		if err := bindJSON(c, &req); err != nil {
			return nil, err
		}
		n, err := svc.BatchTrackEvents(ctx, req.Events)
		if err != nil {
			return nil, err
		}
		return telemetryv1.BatchTrackEventsResponse{Accepted: n}, nil
	},
	telemetryv1.RPCReportError: func(ctx context.Context, svc *collector.Service, c *gin.Context) (any, error) {
		var req telemetryv1.ReportErrorRequest
		if err := bindJSON(c, &req); err != nil {
			return nil, err
		}
		id, err := svc.ReportError(ctx, req.Report)
		if err != nil {
			return nil, err
		}
		return telemetryv1.ReportErrorResponse{ReportID: id}, nil
	},
	telemetryv1.RPCGetErrorDashboard: func(ctx context.Context, svc *collector.Service, c *gin.Context) (any, error) {
		var req telemetryv1.GetErrorDashboardRequest
		if err := bindJSON(c, &req); err != nil {
			return nil, err
		}
		d, err := svc.ErrorDashboard(ctx, req.Days)
		if err != nil {
			return nil, err
		}
		return telemetryv1.GetErrorDashboardResponse{Dashboard: d}, nil
	},
	telemetryv1.RPCGetErrorPatternDetails: func(ctx context.Context, svc *collector.Service, c *gin.Context) (any, error) {
		var req telemetryv1.GetErrorPatternDetailsRequest
		if err := bindJSON(c, &req); err != nil {
			return nil, err
		}
		d, err := svc.PatternDetails(ctx, req.ErrorHash)
		if err != nil {
			return nil, err
		}
		return telemetryv1.GetErrorPatternDetailsResponse{Details: d}, nil
	},
	telemetryv1.RPCUpdateErrorPatternStatus: func(ctx context.Context, svc *collector.Service, c *gin.Context) (any, error) {
		var req telemetryv1.UpdateErrorPatternStatusRequest
		if err := bindJSON(c, &req); err != nil {
			return nil, err
		}
		p, err := svc.UpdatePatternStatus(ctx, req.ErrorHash, req.Status, req.Notes)
		if err != nil {
			return nil, err
		}
		return telemetryv1.UpdateErrorPatternStatusResponse{Pattern: p}, nil
	},
}

type httpGateway struct {
	svc      *collector.Service
	verifier *security.KeyVerifier
	health   HealthChecker
	log      slog.Logger
}

// NewHTTPHandler returns the HTTP gateway: POST /rest/v1/rpc/{name} for
// every RPC function and GET /healthz.
func NewHTTPHandler(svc *collector.Service, opts HTTPOptions) http.Handler {
	g := &httpGateway{
		svc:      svc,
		verifier: opts.Verifier,
		health:   opts.Health,
		log:      opts.Logger.Named("http"),
	}
	r := gin.New()
	r.Use(gin.Recovery(), g.logRequests)
	r.GET("/healthz", g.healthz)
	r.POST("/rest/v1/rpc/:fn", g.rpc)
	return r
}

func (g *httpGateway) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	fields := []slog.Field{
		slog.F("method", c.Request.Method),
		slog.F("path", c.Request.URL.Path),
		slog.F("status", c.Writer.Status()),
		slog.F("duration_ms", time.Since(start).Milliseconds()),
		slog.F("client_ip", c.ClientIP()),
	}
	if c.Writer.Status() >= http.StatusInternalServerError {
		g.log.Warn(c.Request.Context(), "http request", fields...)
		return
	}
	g.log.Debug(c.Request.Context(), "http request", fields...)
}

func (g *httpGateway) healthz(c *gin.Context) {
	if g.health != nil {
		if err := g.health.Ready(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_serving", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "serving"})
}

func (g *httpGateway) rpc(c *gin.Context) {
	name := c.Param("fn")
	fn, ok := rpcFuncs[name]
	if !ok {
		abort(c, http.StatusNotFound, CodeUnknownFunction, "unknown function "+name)
		return
	}
	if g.svc == nil {
		abort(c, http.StatusServiceUnavailable, CodeUnavailable, "collector is not configured")
		return
	}
	ctx := c.Request.Context()
	if g.verifier != nil {
		token := c.GetHeader("apikey")
		if token == "" {
			token = interceptors.BearerToken(c.GetHeader("Authorization"))
		}
		if token == "" {
			abort(c, http.StatusUnauthorized, CodeUnauthenticated, "missing or invalid authorization")
			return
		}
		key, err := g.verifier.Verify(token)
		if err != nil {
			abort(c, http.StatusUnauthorized, CodeUnauthenticated, "missing or invalid authorization")
			return
		}
		if required := RPCScopes[name]; !key.HasScope(required) {
			abort(c, http.StatusForbidden, CodePermissionDenied, "key lacks \""+string(required)+"\" scope")
			return
		}
		ctx = interceptors.WithKey(ctx, key)
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	out, err := fn(ctx, g.svc, c)
	if err != nil {
		g.writeError(c, name, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (g *httpGateway) writeError(c *gin.Context, name string, err error) {
	var bad badRequestError
	if xerrors.As(err, &bad) {
		abort(c, http.StatusBadRequest, CodeInvalidArgument, bad.Error())
		return
	}
	switch Code(err) {
	case codes.InvalidArgument:
		abort(c, http.StatusBadRequest, CodeInvalidArgument, err.Error())
	case codes.NotFound:
		abort(c, http.StatusNotFound, CodeNotFound, err.Error())
	default:
		g.log.Error(c.Request.Context(), "rpc failed", slog.F("function", name), slog.Error(err))
		abort(c, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, telemetryv1.ErrorBody{Code: code, Message: message})
}

type badRequestError struct{ err error }

func (e badRequestError) Error() string { return "malformed request body: " + e.err.Error() }

func (e badRequestError) Unwrap() error { return e.err }

// bindJSON decodes the request body into dst. An empty body leaves dst zero.
func bindJSON(c *gin.Context, dst any) error {
	if err := c.ShouldBindJSON(dst); err != nil && !xerrors.Is(err, io.EOF) {
		return badRequestError{err: err}
	}
	return nil
}
