// Package errorreport builds error reports, fingerprints them into patterns
// and submits them to the collector.
package errorreport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"golang.org/x/xerrors"

	"campus-telemetry/internal/telemetry/domain"
)

// DefaultTimeout bounds a single submission.
const DefaultTimeout = 10 * time.Second

// Sender submits one error report and returns the collector's report id.
type Sender interface {
	ReportError(ctx context.Context, report domain.ErrorReport) (reportID string, err error)
}

// SessionSource provides the current session id.
type SessionSource interface {
	ID() string
}

// DeviceSource provides cached device context.
type DeviceSource interface {
	DeviceType() string
	AppVersion() string
}

// UserIDFunc returns the signed-in user, or nil for anonymous use.
type UserIDFunc func(ctx context.Context) *string

// Input is everything a call site knows about a failure. Every field is
// optional except ErrorType and Message.
type Input struct {
	ErrorType domain.ErrorType
	Message   string
	// Name is the error class. Empty names group with other empty names.
	Name  string
	Stack string
	// Severity defaults to domain.SeverityError when empty.
	Severity domain.Severity
	// IsHandled defaults to false: the failure escaped the caller's own handling.
	IsHandled     bool
	ScreenName    string
	ComponentName string
	ActionName    string
	Metadata      map[string]any
	RequestData   map[string]any
	ResponseData  map[string]any
}

// Context is the call-site context accepted by the specialized reporters.
type Context struct {
	ScreenName    string
	ComponentName string
	ActionName    string
	Metadata      map[string]any
}

// Options configures a Reporter.
type Options struct {
	Sender  Sender
	Session SessionSource
	Device  DeviceSource
	UserID  UserIDFunc
	Clock   quartz.Clock
	Timeout time.Duration
	Logger  slog.Logger
}

// Reporter enriches and submits error reports. A report is attempted exactly
// once: submission failures are logged and dropped, never re-reported.
type Reporter struct {
	sender  Sender
	session SessionSource
	device  DeviceSource
	userID  UserIDFunc
	clock   quartz.Clock
	timeout time.Duration
	log     slog.Logger
}

// New returns a Reporter. Sender is required.
func New(opts Options) (*Reporter, error) {
	if opts.Sender == nil {
		return nil, xerrors.New("errorreport: sender is required")
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.UserID == nil {
		opts.UserID = func(context.Context) *string { return nil }
	}
	return &Reporter{
		sender:  opts.Sender,
		session: opts.Session,
		device:  opts.Device,
		userID:  opts.UserID,
		clock:   opts.Clock,
		timeout: opts.Timeout,
		log:     opts.Logger.Named("errorreport"),
	}, nil
}

// Build enriches in with device context, session id, defaults, user id and
// the pattern fingerprint.
func (r *Reporter) Build(ctx context.Context, in Input) domain.ErrorReport {
	rep := domain.ErrorReport{
		ErrorType:     in.ErrorType,
		Message:       in.Message,
		Name:          in.Name,
		Stack:         in.Stack,
		ScreenName:    in.ScreenName,
		ComponentName: in.ComponentName,
		ActionName:    in.ActionName,
		Metadata:      in.Metadata,
		RequestData:   in.RequestData,
		ResponseData:  in.ResponseData,
		Severity:      in.Severity,
		IsHandled:     in.IsHandled,
		OccurredAt:    r.clock.Now().UTC(),
	}
	if r.device != nil {
		rep.DeviceType = r.device.DeviceType()
		rep.AppVersion = r.device.AppVersion()
	}
	if r.session != nil {
		rep.SessionID = r.session.ID()
	}
	if !rep.Severity.Valid() {
		rep.Severity = domain.SeverityError
	}
	if !rep.ErrorType.Valid() {
		rep.ErrorType = domain.ErrorTypeJS
	}
	rep.UserID = r.userID(ctx)
	rep.MessageTemplate, rep.ErrorHash = Fingerprint(rep.ErrorType, rep.Name, rep.Message)
	return rep
}

// Report builds and submits a report. It returns the collector's report id
// and whether the submission succeeded.
func (r *Reporter) Report(ctx context.Context, in Input) (reportID string, ok bool) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Warn(ctx, "error report panicked, dropped", slog.F("panic", fmt.Sprint(p)))
			reportID, ok = "", false
		}
	}()

	rep := r.Build(ctx, in)
	sendCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	id, err := r.sender.ReportError(sendCtx, rep)
	if err != nil {
		r.log.Warn(ctx, "error report dropped",
			slog.F("error_type", rep.ErrorType),
			slog.F("error_hash", rep.ErrorHash),
			slog.Error(err),
		)
		return "", false
	}
	r.log.Debug(ctx, "error reported",
		slog.F("report_id", id),
		slog.F("error_type", rep.ErrorType),
		slog.F("error_hash", rep.ErrorHash),
	)
	return id, true
}

// ReportJSError reports a handled application error.
func (r *Reporter) ReportJSError(ctx context.Context, err error, c Context) (string, bool) {
	in := fromError(err)
	in.ErrorType = domain.ErrorTypeJS
	in.IsHandled = true
	c.apply(&in)
	return r.Report(ctx, in)
}

// ReportAPIError reports a failed API call. Server errors are critical.
func (r *Reporter) ReportAPIError(ctx context.Context, url string, status int, message string, c Context) (string, bool) {
	if message == "" {
		message = http.StatusText(status)
	}
	in := Input{
		ErrorType:    domain.ErrorTypeAPI,
		Name:         fmt.Sprintf("HTTP %d", status),
		Message:      message,
		Severity:     domain.SeverityError,
		RequestData:  map[string]any{"url": url},
		ResponseData: map[string]any{"status": status},
	}
	if status >= 500 {
		in.Severity = domain.SeverityCritical
	}
	c.apply(&in)
	return r.Report(ctx, in)
}

// ReportNetworkError reports a request that never got a response.
func (r *Reporter) ReportNetworkError(ctx context.Context, url, message string, c Context) (string, bool) {
	in := Input{
		ErrorType:   domain.ErrorTypeNetwork,
		Name:        "NetworkError",
		Message:     message,
		RequestData: map[string]any{"url": url},
	}
	c.apply(&in)
	return r.Report(ctx, in)
}

// ReportRenderError reports a failure caught by a UI error boundary.
// componentStack is the boundary's description of where rendering failed.
func (r *Reporter) ReportRenderError(ctx context.Context, err error, componentName, componentStack string) (string, bool) {
	in := fromError(err)
	in.ErrorType = domain.ErrorTypeRender
	in.Severity = domain.SeverityCritical
	in.IsHandled = true
	in.ComponentName = componentName
	if componentStack != "" {
		in.Metadata = map[string]any{"componentStack": componentStack}
	}
	return r.Report(ctx, in)
}

func (c Context) apply(in *Input) {
	in.ScreenName = c.ScreenName
	in.ComponentName = c.ComponentName
	in.ActionName = c.ActionName
	if len(c.Metadata) == 0 {
		return
	}
	if in.Metadata == nil {
		in.Metadata = make(map[string]any, len(c.Metadata))
	}
	for k, v := range c.Metadata {
		in.Metadata[k] = v
	}
}

// Namer is implemented by errors that carry their own class name.
type Namer interface {
	ErrorName() string
}

// genericTypes are the standard library's anonymous error carriers.
var genericTypes = map[string]bool{
	"errors.errorString":  true,
	"xerrors.errorString": true,
	"xerrors.wrapError":   true,
	"xerrors.noWrapError": true,
	"fmt.wrapError":       true,
	"fmt.wrapErrors":      true,
	"errors.joinError":    true,
}

// ErrorName returns the class name of err: its ErrorName method if any, else
// its dynamic type, with "Error" for plain errors.
func ErrorName(err error) string {
	var n Namer
	if xerrors.As(err, &n) {
		if name := n.ErrorName(); name != "" {
			return name
		}
	}
	name := strings.TrimLeft(fmt.Sprintf("%T", err), "*")
	if genericTypes[name] {
		return "Error"
	}
	return name
}

func fromError(err error) Input {
	if err == nil {
		return Input{Name: "Error", Message: "unknown error"}
	}
	in := Input{Name: ErrorName(err), Message: err.Error()}
	if detailed := fmt.Sprintf("%+v", err); detailed != in.Message {
		in.Stack = detailed
	}
	return in
}
