// Package uploader drains the telemetry queue to the ingestion endpoint on a
// timer, when the queue fills up, and on demand.
package uploader

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"cdr.dev/slog/v3"
	"github.com/cenkalti/backoff/v4"
	"github.com/coder/quartz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/xerrors"

	"campus-telemetry/internal/api/telemetryv1"
	"campus-telemetry/internal/telemetry/domain"
	"campus-telemetry/internal/telemetry/queue"
)

const (
	// DefaultInterval is the timer flush period.
	DefaultInterval = 30 * time.Second
	// DefaultTimeout bounds a single upload call.
	DefaultTimeout = 10 * time.Second
	// defaultInitialBackoff is the first retry delay after a failed upload.
	defaultInitialBackoff = time.Second
	// shutdownPersistTimeout bounds the final queue write when Run exits.
	shutdownPersistTimeout = 5 * time.Second
)

// Ingestor is the batch ingestion endpoint.
type Ingestor interface {
	BatchTrackEvents(ctx context.Context, events []domain.Event) (accepted int, err error)
}

// Trigger is what caused a flush attempt.
type Trigger string

const (
	TriggerTimer    Trigger = "timer"
	TriggerCapacity Trigger = "capacity"
	TriggerManual   Trigger = "manual"
)

// Result is the outcome of a flush attempt.
type Result string

const (
	// ResultUploaded means every batch sent was accepted and removed from the queue.
	ResultUploaded Result = "uploaded"
	// ResultEmpty means there was nothing to upload.
	ResultEmpty Result = "empty"
	// ResultFailed means an upload failed; the failed batch and everything
	// after it stay queued.
	ResultFailed Result = "failed"
	// ResultInFlight means another flush was already uploading.
	ResultInFlight Result = "in_flight"
	// ResultBackoff means a capacity flush was suppressed after a recent failure.
	ResultBackoff Result = "backoff"
)

// Options configures an Uploader. Zero values select the defaults.
type Options struct {
	// MaxBatchSize caps the events sent per call. Defaults to the queue's
	// MaxQueueSize and never exceeds telemetryv1.MaxBatchEvents.
	MaxBatchSize   int
	Interval       time.Duration
	Timeout        time.Duration
	InitialBackoff time.Duration
	Clock          quartz.Clock
	Logger         slog.Logger
	Meter          metric.Meter
}

// Stats describes recent uploader activity.
type Stats struct {
	LastResult          Result
	LastError           error
	LastSuccessAt       time.Time
	ConsecutiveFailures int
	RetryAt             time.Time
}

// Uploader owns the at-least-once delivery contract: a snapshot is removed
// from the queue only after the ingestor accepted it. At most one upload is
// in flight at a time.
type Uploader struct {
	queue    *queue.Queue
	ingest   Ingestor
	clock    quartz.Clock
	log      slog.Logger
	interval time.Duration
	timeout  time.Duration
	batch    int

	inflight atomic.Bool
	lever    chan struct{}

	mu      sync.Mutex
	backoff *backoff.ExponentialBackOff
	stats   Stats

	uploaded metric.Int64Counter
	failures metric.Int64Counter
}

// New returns an Uploader draining q into ingest.
func New(q *queue.Queue, ingest Ingestor, opts Options) (*Uploader, error) {
	if q == nil {
		return nil, xerrors.New("uploader: queue is required")
	}
	if ingest == nil {
		return nil, xerrors.New("uploader: ingestor is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = defaultInitialBackoff
	}
	if opts.InitialBackoff > opts.Interval {
		opts.InitialBackoff = opts.Interval
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = q.MaxQueueSize()
	}
	if opts.MaxBatchSize > telemetryv1.MaxBatchEvents {
		opts.MaxBatchSize = telemetryv1.MaxBatchEvents
	}
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	if opts.Meter == nil {
		opts.Meter = otel.Meter("campus-telemetry/uploader")
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.InitialBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = opts.Interval
	bo.MaxElapsedTime = 0
	bo.Reset()

	u := &Uploader{
		queue:    q,
		ingest:   ingest,
		clock:    opts.Clock,
		log:      opts.Logger.Named("uploader"),
		interval: opts.Interval,
		timeout:  opts.Timeout,
		batch:    opts.MaxBatchSize,
		lever:    make(chan struct{}, 1),
		backoff:  bo,
	}
	if err := u.registerMetrics(opts.Meter); err != nil {
		return nil, xerrors.Errorf("register uploader metrics: %w", err)
	}
	return u, nil
}

func (u *Uploader) registerMetrics(m metric.Meter) error {
	var err error
	u.uploaded, err = m.Int64Counter("telemetry.uploader.events_uploaded",
		metric.WithDescription("Events accepted by the ingestion endpoint."))
	if err != nil {
		return err
	}
	u.failures, err = m.Int64Counter("telemetry.uploader.flush_failures",
		metric.WithDescription("Flush attempts that failed and left the queue intact."))
	if err != nil {
		return err
	}
	_, err = m.Int64ObservableGauge("telemetry.queue.depth",
		metric.WithDescription("Events waiting for upload."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(u.queue.Len()))
			return nil
		}))
	return err
}

// Run drives timer and capacity flushes until ctx is done, then persists the
// queue one last time.
func (u *Uploader) Run(ctx context.Context) {
	u.log.Debug(ctx, "uploader started", slog.F("interval", u.interval))
	ticker := u.clock.TickerFunc(ctx, u.interval, func() error {
		u.flush(ctx, TriggerTimer)
		return nil
	}, "uploader", "tick")

	for {
		select {
		case <-ctx.Done():
			_ = ticker.Wait()
			persistCtx, cancel := context.WithTimeout(context.Background(), shutdownPersistTimeout)
			if err := u.queue.Persist(persistCtx); err != nil {
				u.log.Warn(persistCtx, "persist queue on shutdown failed", slog.Error(err))
			}
			cancel()
			u.log.Debug(context.Background(), "uploader stopped")
			return
		case <-u.queue.Full():
			u.flush(ctx, TriggerCapacity)
		case <-u.lever:
			u.flush(ctx, TriggerManual)
		}
	}
}

// Flush uploads the events queued now, regardless of backoff, and returns
// the outcome. It returns ResultInFlight without side effects if another
// upload is running.
func (u *Uploader) Flush(ctx context.Context) Result {
	return u.flush(ctx, TriggerManual)
}

// RequestFlush asks a running Run loop to flush without waiting for it.
func (u *Uploader) RequestFlush() {
	select {
	case u.lever <- struct{}{}:
	default:
	}
}

// Stats returns a copy of the uploader's recent activity.
func (u *Uploader) Stats() Stats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stats
}

func (u *Uploader) flush(ctx context.Context, trigger Trigger) Result {
	if trigger == TriggerCapacity && u.backingOff() {
		return ResultBackoff
	}
	if !u.inflight.CompareAndSwap(false, true) {
		return ResultInFlight
	}
	defer u.inflight.Store(false)

	// Drain the backlog present now in batches of at most u.batch events.
	// Events appended meanwhile wait for the next trigger.
	pending := u.queue.Len()
	if pending == 0 {
		return ResultEmpty
	}
	rounds := (pending + u.batch - 1) / u.batch
	for i := 0; i < rounds; i++ {
		batch := u.queue.Head(u.batch)
		if batch.Len() == 0 {
			break
		}
		uploadCtx, cancel := context.WithTimeout(ctx, u.timeout)
		accepted, err := u.call(uploadCtx, batch.Events)
		cancel()
		if err != nil {
			u.recordFailure(ctx, trigger, batch.Len(), err)
			return ResultFailed
		}
		u.queue.Ack(ctx, batch)
		u.recordSuccess(ctx, trigger, batch.Len(), accepted)
		if ctx.Err() != nil {
			break
		}
	}
	return ResultUploaded
}

func (u *Uploader) call(ctx context.Context, events []domain.Event) (accepted int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.Errorf("ingestor panicked: %v", r)
		}
	}()
	return u.ingest.BatchTrackEvents(ctx, events)
}

func (u *Uploader) backingOff() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return !u.stats.RetryAt.IsZero() && u.clock.Now().Before(u.stats.RetryAt)
}

func (u *Uploader) recordFailure(ctx context.Context, trigger Trigger, size int, err error) {
	u.mu.Lock()
	delay := u.backoff.NextBackOff()
	u.stats.LastResult = ResultFailed
	u.stats.LastError = err
	u.stats.ConsecutiveFailures++
	u.stats.RetryAt = u.clock.Now().Add(delay)
	failures := u.stats.ConsecutiveFailures
	u.mu.Unlock()

	u.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("trigger", string(trigger))))
	u.log.Warn(ctx, "telemetry upload failed, events kept for retry",
		slog.F("trigger", trigger),
		slog.F("batch_size", size),
		slog.F("consecutive_failures", failures),
		slog.F("retry_in", delay),
		slog.Error(err),
	)
}

func (u *Uploader) recordSuccess(ctx context.Context, trigger Trigger, size, accepted int) {
	u.mu.Lock()
	u.backoff.Reset()
	u.stats.LastResult = ResultUploaded
	u.stats.LastError = nil
	u.stats.LastSuccessAt = u.clock.Now()
	u.stats.ConsecutiveFailures = 0
	u.stats.RetryAt = time.Time{}
	u.mu.Unlock()

	u.uploaded.Add(ctx, int64(size), metric.WithAttributes(attribute.String("trigger", string(trigger))))
	if accepted != size {
		u.log.Warn(ctx, "ingestor accepted fewer events than sent",
			slog.F("sent", size),
			slog.F("accepted", accepted),
		)
	}
	u.log.Debug(ctx, "telemetry batch uploaded",
		slog.F("trigger", trigger),
		slog.F("batch_size", size),
		slog.F("remaining", u.queue.Len()),
	)
}
