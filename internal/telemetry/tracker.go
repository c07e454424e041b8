package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/xerrors"

	"campus-telemetry/internal/telemetry/device"
	"campus-telemetry/internal/telemetry/domain"
	"campus-telemetry/internal/telemetry/errorreport"
	"campus-telemetry/internal/telemetry/hook"
	"campus-telemetry/internal/telemetry/queue"
	"campus-telemetry/internal/telemetry/session"
	"campus-telemetry/internal/telemetry/storage"
	"campus-telemetry/internal/telemetry/uploader"
)

const (
	// DefaultSessionTimeout is how long a session id stays valid.
	DefaultSessionTimeout = 30 * time.Minute
	// warmTimeout bounds the app version lookup on Start.
	warmTimeout = 2 * time.Second
)

// Transport is the ingestion endpoint: batched events and immediate error
// reports. Both RPC clients implement it.
type Transport interface {
	uploader.Ingestor
	errorreport.Sender
}

// Options configures a Tracker. Zero values select the defaults.
type Options struct {
	Transport Transport
	// Store backs the pending event queue. Defaults to an in-memory store,
	// which does not survive restarts.
	Store  storage.Store
	Clock  quartz.Clock
	Logger slog.Logger
	Meter  metric.Meter
	UserID errorreport.UserIDFunc

	BatchInterval  time.Duration
	UploadTimeout  time.Duration
	SessionTimeout time.Duration
	MaxQueueSize   int
	MaxPending     int

	Device device.Options
}

// EventInput is what a call site provides for TrackEvent. The tracker fills
// in the user, session, device and timestamp. An empty EventType is recorded
// as custom.
type EventInput struct {
	EventType     domain.EventType
	EventName     string
	Category      domain.Category
	ScreenName    string
	ComponentName string
	Payload       map[string]any
}

// Tracker is the entry point for host code. Its methods never panic and never
// return delivery errors: events are queued for the uploader and error
// reports are sent once, best-effort.
type Tracker struct {
	clock    quartz.Clock
	log      slog.Logger
	userID   errorreport.UserIDFunc
	session  *session.Window
	device   *device.Cache
	queue    *queue.Queue
	uploader *uploader.Uploader
	reporter *errorreport.Reporter
	hook     *hook.Hook

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New wires the pipeline. Nothing runs until Start.
func New(opts Options) (*Tracker, error) {
	if opts.Transport == nil {
		return nil, xerrors.New("telemetry: transport is required")
	}
	if opts.Store == nil {
		opts.Store = storage.NewMemoryStore()
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.SessionTimeout <= 0 {
		opts.SessionTimeout = DefaultSessionTimeout
	}
	if opts.UserID == nil {
		opts.UserID = func(context.Context) *string { return nil }
	}
	opts.Device.Logger = opts.Logger
	log := opts.Logger.Named("tracker")

	win := session.New(opts.Clock, opts.SessionTimeout)
	dev := device.New(opts.Device)
	q := queue.New(opts.Store, queue.Options{
		MaxQueueSize: opts.MaxQueueSize,
		MaxPending:   opts.MaxPending,
		Logger:       opts.Logger,
	})
	up, err := uploader.New(q, opts.Transport, uploader.Options{
		Interval: opts.BatchInterval,
		Timeout:  opts.UploadTimeout,
		Clock:    opts.Clock,
		Logger:   opts.Logger,
		Meter:    opts.Meter,
	})
	if err != nil {
		return nil, xerrors.Errorf("create uploader: %w", err)
	}
	rep, err := errorreport.New(errorreport.Options{
		Sender:  opts.Transport,
		Session: win,
		Device:  dev,
		UserID:  opts.UserID,
		Clock:   opts.Clock,
		Timeout: opts.UploadTimeout,
		Logger:  opts.Logger,
	})
	if err != nil {
		return nil, xerrors.Errorf("create reporter: %w", err)
	}
	h, err := hook.New(hook.Options{Reporter: rep, Logger: opts.Logger})
	if err != nil {
		return nil, xerrors.Errorf("create hook: %w", err)
	}

	return &Tracker{
		clock:    opts.Clock,
		log:      log,
		userID:   opts.UserID,
		session:  win,
		device:   dev,
		queue:    q,
		uploader: up,
		reporter: rep,
		hook:     h,
	}, nil
}

// Start restores events left from a previous run, warms the device context
// and starts the uploader loop. It must be called once.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return xerrors.New("telemetry: tracker already started")
	}
	if err := t.queue.Load(ctx); err != nil {
		// The queue is still usable; restored events are lost.
		t.log.Warn(ctx, "restore pending events failed", slog.Error(err))
	}
	warmCtx, cancelWarm := context.WithTimeout(ctx, warmTimeout)
	t.device.Warm(warmCtx)
	cancelWarm()

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.cancel = cancel
	t.done = make(chan struct{})
	t.started = true
	go func() {
		defer close(t.done)
		t.uploader.Run(runCtx)
	}()
	t.log.Info(ctx, "telemetry tracker started",
		slog.F("pending", t.queue.Len()),
		slog.F("device_type", t.device.DeviceType()),
		slog.F("app_version", t.device.AppVersion()),
	)
	return nil
}

// Close stops the uploader loop, which persists the queue on its way out.
// Pending events are not flushed; call Flush first for that.
func (t *Tracker) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return nil
	}
	t.cancel()
	<-t.done
	t.started = false
	return nil
}

// TrackEvent enriches in and appends it to the pending queue.
func (t *Tracker) TrackEvent(ctx context.Context, in EventInput) {
	defer t.guard(ctx, "track_event")
	t.queue.Enqueue(ctx, t.buildEvent(ctx, in))
}

// TrackScreenView records a screen_view event named after the screen.
func (t *Tracker) TrackScreenView(ctx context.Context, screen string, payload map[string]any) {
	t.TrackEvent(ctx, EventInput{
		EventType:  domain.EventScreenView,
		EventName:  screen,
		Category:   domain.CategoryNavigation,
		ScreenName: screen,
		Payload:    payload,
	})
}

// TrackFeatureUse records a feature_use event.
func (t *Tracker) TrackFeatureUse(ctx context.Context, feature, screen string, payload map[string]any) {
	t.TrackEvent(ctx, EventInput{
		EventType:  domain.EventFeatureUse,
		EventName:  feature,
		Category:   domain.CategoryEngagement,
		ScreenName: screen,
		Payload:    payload,
	})
}

func (t *Tracker) buildEvent(ctx context.Context, in EventInput) domain.Event {
	if in.EventType == "" {
		in.EventType = domain.EventCustom
	}
	return domain.Event{
		UserID:        t.userID(ctx),
		EventType:     in.EventType,
		EventName:     in.EventName,
		Category:      in.Category,
		ScreenName:    in.ScreenName,
		ComponentName: in.ComponentName,
		Payload:       in.Payload,
		SessionID:     t.session.ID(),
		DeviceType:    t.device.DeviceType(),
		AppVersion:    t.device.AppVersion(),
		OccurredAt:    t.clock.Now().UTC(),
	}
}

// ReportError sends one error report and returns its id, or false if it was
// dropped.
func (t *Tracker) ReportError(ctx context.Context, in errorreport.Input) (id string, ok bool) {
	defer t.guard(ctx, "report_error")
	return t.reporter.Report(ctx, in)
}

// ReportJSError reports a handled runtime error.
func (t *Tracker) ReportJSError(ctx context.Context, err error, c errorreport.Context) (id string, ok bool) {
	defer t.guard(ctx, "report_js_error")
	return t.reporter.ReportJSError(ctx, err, c)
}

// ReportAPIError reports a failed API call that returned status.
func (t *Tracker) ReportAPIError(ctx context.Context, url string, status int, message string, c errorreport.Context) (id string, ok bool) {
	defer t.guard(ctx, "report_api_error")
	return t.reporter.ReportAPIError(ctx, url, status, message, c)
}

// ReportNetworkError reports a request that never got a response.
func (t *Tracker) ReportNetworkError(ctx context.Context, url, message string, c errorreport.Context) (id string, ok bool) {
	defer t.guard(ctx, "report_network_error")
	return t.reporter.ReportNetworkError(ctx, url, message, c)
}

// ReportRenderError reports a failure while rendering componentName.
func (t *Tracker) ReportRenderError(ctx context.Context, err error, componentName, componentStack string) (id string, ok bool) {
	defer t.guard(ctx, "report_render_error")
	return t.reporter.ReportRenderError(ctx, err, componentName, componentStack)
}

// Flush uploads the pending events now.
func (t *Tracker) Flush(ctx context.Context) (res uploader.Result) {
	res = uploader.ResultFailed
	defer t.guard(ctx, "flush")
	return t.uploader.Flush(ctx)
}

// Logout flushes what was recorded under the current identity and then
// clears the session so the next user starts a fresh one.
func (t *Tracker) Logout(ctx context.Context) {
	defer t.guard(ctx, "logout")
	if res := t.uploader.Flush(ctx); res != uploader.ResultUploaded && res != uploader.ResultEmpty {
		t.log.Info(ctx, "pending events kept across logout", slog.F("result", res), slog.F("pending", t.queue.Len()))
	}
	t.session.Clear()
}

// Background persists the queue. Call it when the host app is suspended.
func (t *Tracker) Background(ctx context.Context) {
	defer t.guard(ctx, "background")
	if err := t.queue.Persist(ctx); err != nil {
		t.log.Warn(ctx, "persist queue on background failed", slog.Error(err))
	}
}

// SessionID returns the current session id, starting a new session if the
// previous one expired.
func (t *Tracker) SessionID() string {
	return t.session.ID()
}

// Pending returns the number of queued events.
func (t *Tracker) Pending() int {
	return t.queue.Len()
}

// Dropped returns how many events were evicted by the pending cap.
func (t *Tracker) Dropped() uint64 {
	return t.queue.Dropped()
}

// UploadStats returns the uploader's recent activity.
func (t *Tracker) UploadStats() uploader.Stats {
	return t.uploader.Stats()
}

// Hook returns the failure hook bound to this tracker's reporter.
func (t *Tracker) Hook() *hook.Hook {
	return t.hook
}

// InstallGlobalHook installs the failure hook, chaining previous after the
// reporting handler. It returns false if the hook was already installed.
func (t *Tracker) InstallGlobalHook(previous ...hook.Handler) bool {
	return t.hook.Install(previous...)
}

func (t *Tracker) guard(ctx context.Context, op string) {
	if r := recover(); r != nil {
		t.log.Error(ctx, "telemetry call panicked", slog.F("op", op), slog.F("panic", fmt.Sprint(r)))
	}
}
