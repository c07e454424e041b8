// Package hook routes otherwise-uncaught failures (panics and errors returned
// from background goroutines) to the error reporter, then to any handlers
// that were installed before it.
package hook

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"

	"campus-telemetry/internal/telemetry/domain"
	"campus-telemetry/internal/telemetry/errorreport"
)

// RejectionName is the error name used for failures returned by background work.
const RejectionName = "UnhandledRejection"

// Reporter is the subset of errorreport.Reporter the hook needs.
type Reporter interface {
	Report(ctx context.Context, in errorreport.Input) (reportID string, ok bool)
}

// Failure describes one uncaught failure.
type Failure struct {
	// Err is the failure; for panics it wraps the recovered value.
	Err error
	// Recovered is the raw value passed to panic, nil for rejections.
	Recovered any
	Stack     string
	Fatal     bool
	Rejection bool
}

// Handler is one link of the chain. Handlers run in order; none can stop the
// chain.
type Handler func(ctx context.Context, f Failure)

// Options configures a Hook.
type Options struct {
	Reporter Reporter
	Logger   slog.Logger
	// Terminal runs after the chain for fatal panics. Defaults to re-panicking
	// with the recovered value.
	Terminal Handler
}

// Hook is an installable failure handler chain. Install may be called more
// than once; only the first call has effect.
type Hook struct {
	reporter Reporter
	log      slog.Logger
	terminal Handler

	once      sync.Once
	installed atomic.Bool
	mu        sync.RWMutex
	chain     []Handler
}

// New returns an uninstalled Hook.
func New(opts Options) (*Hook, error) {
	if opts.Reporter == nil {
		return nil, xerrors.New("hook: reporter is required")
	}
	if opts.Terminal == nil {
		opts.Terminal = Repanic
	}
	return &Hook{
		reporter: opts.Reporter,
		log:      opts.Logger.Named("hook"),
		terminal: opts.Terminal,
	}, nil
}

// Install builds the chain: the reporting handler first, then previous in
// order. It reports whether this call installed the hook.
func (h *Hook) Install(previous ...Handler) bool {
	installed := false
	h.once.Do(func() {
		chain := make([]Handler, 0, len(previous)+1)
		chain = append(chain, h.report)
		for _, p := range previous {
			if p != nil {
				chain = append(chain, p)
			}
		}
		h.mu.Lock()
		h.chain = chain
		h.mu.Unlock()
		h.installed.Store(true)
		installed = true
	})
	return installed
}

// Installed reports whether Install has run.
func (h *Hook) Installed() bool {
	return h.installed.Load()
}

// HandlePanic reports a recovered panic and runs the chain. When fatal, the
// terminal handler runs last.
func (h *Hook) HandlePanic(ctx context.Context, recovered any, fatal bool) {
	f := Failure{
		Err:       panicError(recovered),
		Recovered: recovered,
		Stack:     string(debug.Stack()),
		Fatal:     fatal,
	}
	h.dispatch(ctx, f)
	if fatal {
		h.terminal(ctx, f)
	}
}

// HandleRejection reports an error that escaped background work.
func (h *Hook) HandleRejection(ctx context.Context, err error) {
	if err == nil {
		return
	}
	h.dispatch(ctx, Failure{Err: err, Rejection: true})
}

// Go runs fn in a new goroutine. A panic in fn is handled as non-fatal and a
// returned error as a rejection.
func (h *Hook) Go(ctx context.Context, fn func(ctx context.Context) error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				h.HandlePanic(ctx, r, false)
			}
		}()
		if err := fn(ctx); err != nil {
			h.HandleRejection(ctx, err)
		}
	}()
}

// Recover handles a panic in the calling goroutine. Use it deferred at the top
// of a goroutine: defer hook.Recover(ctx). The panic is treated as fatal.
func (h *Hook) Recover(ctx context.Context) {
	if r := recover(); r != nil {
		h.HandlePanic(ctx, r, true)
	}
}

// Repanic is the default terminal handler.
func Repanic(_ context.Context, f Failure) {
	panic(f.Recovered)
}

func (h *Hook) dispatch(ctx context.Context, f Failure) {
	h.mu.RLock()
	chain := h.chain
	h.mu.RUnlock()
	if len(chain) == 0 {
		h.log.Warn(ctx, "uncaught failure before hook install", slog.Error(f.Err))
		return
	}
	for i, handler := range chain {
		h.run(ctx, i, handler, f)
	}
}

// run isolates one handler so a panicking handler cannot break the chain.
func (h *Hook) run(ctx context.Context, i int, handler Handler, f Failure) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Warn(ctx, "failure handler panicked",
				slog.F("handler", i),
				slog.F("panic", fmt.Sprint(r)),
			)
		}
	}()
	handler(ctx, f)
}

func (h *Hook) report(ctx context.Context, f Failure) {
	in := errorreport.Input{
		ErrorType: domain.ErrorTypeJS,
		Message:   f.Err.Error(),
		Stack:     f.Stack,
		IsHandled: false,
	}
	if f.Rejection {
		in.Name = RejectionName
		in.Severity = domain.SeverityError
		in.Stack = fmt.Sprintf("%+v", f.Err)
	} else {
		in.Name = errorreport.ErrorName(f.Err)
		in.Severity = domain.SeverityCritical
		in.Metadata = map[string]any{"isFatal": f.Fatal}
	}
	h.reporter.Report(ctx, in)
}

// panicError converts a recovered value into an error, keeping error values
// intact so their names survive.
func panicError(recovered any) error {
	switch v := recovered.(type) {
	case error:
		return v
	case string:
		return &PanicError{Value: v}
	default:
		return &PanicError{Value: fmt.Sprint(v)}
	}
}

// PanicError is a recovered non-error panic value.
type PanicError struct {
	Value string
}

func (e *PanicError) Error() string     { return e.Value }
func (e *PanicError) ErrorName() string { return "Panic" }
