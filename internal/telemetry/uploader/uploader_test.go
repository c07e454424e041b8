package uploader

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/xerrors"

	"campus-telemetry/internal/api/telemetryv1"
	"campus-telemetry/internal/telemetry/domain"
	"campus-telemetry/internal/telemetry/queue"
	"campus-telemetry/internal/telemetry/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeIngestor struct {
	mu      sync.Mutex
	batches [][]domain.Event
	errs    []error
	// entered, when set, receives once per call before release is awaited.
	entered chan struct{}
	release chan struct{}
}

func (f *fakeIngestor) BatchTrackEvents(ctx context.Context, events []domain.Event) (int, error) {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, events)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	return len(events), nil
}

func (f *fakeIngestor) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func (f *fakeIngestor) batch(i int) []domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[i]
}

func event(i int) domain.Event {
	return domain.Event{
		EventType:  domain.EventScreenView,
		EventName:  fmt.Sprintf("event-%d", i),
		SessionID:  "sess-1",
		DeviceType: "ios",
		AppVersion: "2.1.0",
		OccurredAt: time.Date(2026, 3, 1, 9, 0, i, 0, time.UTC),
	}
}

func names(events []domain.Event) []string {
	out := make([]string, len(events))
	for i, e := range events {
		out[i] = e.EventName
	}
	return out
}

type harness struct {
	clock  *quartz.Mock
	store  *storage.MemoryStore
	queue  *queue.Queue
	ingest *fakeIngestor
	up     *Uploader
}

func newHarness(t *testing.T, ingest *fakeIngestor, opts Options) *harness {
	t.Helper()
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
	mClock := quartz.NewMock(t)
	store := storage.NewMemoryStore()
	q := queue.New(store, queue.Options{Logger: logger})
	opts.Clock = mClock
	opts.Logger = logger
	up, err := New(q, ingest, opts)
	require.NoError(t, err)
	return &harness{clock: mClock, store: store, queue: q, ingest: ingest, up: up}
}

// start runs the uploader loop and waits for its ticker to be registered.
func (h *harness) start(t *testing.T, ctx context.Context) (stop func()) {
	t.Helper()
	trap := h.clock.Trap().TickerFunc("uploader")
	defer trap.Close()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		h.up.Run(runCtx)
	}()
	trap.MustWait(ctx).MustRelease(ctx)
	return func() {
		cancel()
		<-done
	}
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()
	q := queue.New(nil, queue.Options{})
	_, err := New(nil, &fakeIngestor{}, Options{})
	require.Error(t, err)
	_, err = New(q, nil, Options{})
	require.Error(t, err)
}

func TestUploader_TimerFlushUploadsInOrder(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	h := newHarness(t, &fakeIngestor{}, Options{})
	stop := h.start(t, ctx)
	defer stop()

	for i := 0; i < 5; i++ {
		h.queue.Enqueue(ctx, event(i))
	}
	h.clock.Advance(DefaultInterval).MustWait(ctx)

	require.Equal(t, 1, h.ingest.calls())
	require.Equal(t, []string{"event-0", "event-1", "event-2", "event-3", "event-4"}, names(h.ingest.batch(0)))
	require.Zero(t, h.queue.Len())
	_, ok, err := h.store.Get(ctx, queue.StorageKey)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, ResultUploaded, h.up.Stats().LastResult)
}

func TestUploader_TimerSkipsEmptyQueue(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	h := newHarness(t, &fakeIngestor{}, Options{})
	stop := h.start(t, ctx)
	defer stop()

	h.clock.Advance(DefaultInterval).MustWait(ctx)
	require.Zero(t, h.ingest.calls())
}

func TestUploader_CapacityTriggersImmediateFlush(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	h := newHarness(t, &fakeIngestor{}, Options{})
	stop := h.start(t, ctx)
	defer stop()

	for i := 0; i < queue.DefaultMaxQueueSize; i++ {
		h.queue.Enqueue(ctx, event(i))
	}

	require.Eventually(t, func() bool {
		return h.ingest.calls() >= 1 && h.queue.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, h.ingest.batch(0), queue.DefaultMaxQueueSize)
}

func TestUploader_FailureKeepsEventsForTimerRetry(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	ingest := &fakeIngestor{errs: []error{xerrors.New("503 service unavailable")}}
	h := newHarness(t, ingest, Options{})
	stop := h.start(t, ctx)
	defer stop()

	for i := 0; i < 3; i++ {
		h.queue.Enqueue(ctx, event(i))
	}

	h.clock.Advance(DefaultInterval).MustWait(ctx)
	require.Equal(t, 1, ingest.calls())
	require.Equal(t, 3, h.queue.Len())
	stats := h.up.Stats()
	require.Equal(t, ResultFailed, stats.LastResult)
	require.Equal(t, 1, stats.ConsecutiveFailures)
	require.Error(t, stats.LastError)

	h.clock.Advance(DefaultInterval).MustWait(ctx)
	require.Equal(t, 2, ingest.calls())
	require.Equal(t, names(ingest.batch(0)), names(ingest.batch(1)))
	require.Zero(t, h.queue.Len())
	require.Zero(t, h.up.Stats().ConsecutiveFailures)
}

func TestUploader_ManualFlushRetriesAfterFailure(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	ingest := &fakeIngestor{errs: []error{xerrors.New("connection reset")}}
	h := newHarness(t, ingest, Options{})

	for i := 0; i < 3; i++ {
		h.queue.Enqueue(ctx, event(i))
	}
	require.Equal(t, ResultFailed, h.up.Flush(ctx))
	require.Equal(t, 3, h.queue.Len())

	require.Equal(t, ResultUploaded, h.up.Flush(ctx))
	require.Zero(t, h.queue.Len())
	require.Equal(t, 2, ingest.calls())
}

func TestUploader_EmptyFlush(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	h := newHarness(t, &fakeIngestor{}, Options{})
	require.Equal(t, ResultEmpty, h.up.Flush(ctx))
	require.Zero(t, h.ingest.calls())
}

func TestUploader_SecondFlushWhileInFlightIsNoop(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	ingest := &fakeIngestor{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	h := newHarness(t, ingest, Options{})
	h.queue.Enqueue(ctx, event(0))

	result := make(chan Result, 1)
	go func() { result <- h.up.Flush(ctx) }()
	<-ingest.entered

	require.Equal(t, ResultInFlight, h.up.Flush(ctx))

	close(ingest.release)
	require.Equal(t, ResultUploaded, <-result)
	require.Equal(t, 1, ingest.calls())
}

func TestUploader_EventsAppendedDuringUploadSurvive(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	ingest := &fakeIngestor{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	h := newHarness(t, ingest, Options{})
	for i := 0; i < 3; i++ {
		h.queue.Enqueue(ctx, event(i))
	}

	result := make(chan Result, 1)
	go func() { result <- h.up.Flush(ctx) }()
	<-ingest.entered

	h.queue.Enqueue(ctx, event(3))
	h.queue.Enqueue(ctx, event(4))
	close(ingest.release)

	require.Equal(t, ResultUploaded, <-result)
	require.Equal(t, []string{"event-0", "event-1", "event-2"}, names(ingest.batch(0)))
	require.Equal(t, []string{"event-3", "event-4"}, names(h.queue.Snapshot().Events))
}

func TestUploader_TimeoutCountsAsFailure(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	ingest := &fakeIngestor{release: make(chan struct{})}
	h := newHarness(t, ingest, Options{Timeout: 20 * time.Millisecond})
	h.queue.Enqueue(ctx, event(0))

	require.Equal(t, ResultFailed, h.up.Flush(ctx))
	require.Equal(t, 1, h.queue.Len())
	require.ErrorIs(t, h.up.Stats().LastError, context.DeadlineExceeded)
}

type panickingIngestor struct{}

func (panickingIngestor) BatchTrackEvents(context.Context, []domain.Event) (int, error) {
	panic("boom")
}

func TestUploader_IngestorPanicIsAFailure(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
	q := queue.New(nil, queue.Options{Logger: logger})
	up, err := New(q, panickingIngestor{}, Options{Clock: quartz.NewMock(t), Logger: logger})
	require.NoError(t, err)
	q.Enqueue(ctx, event(0))

	require.Equal(t, ResultFailed, up.Flush(ctx))
	require.Equal(t, 1, q.Len())
}

func TestUploader_CapacityFlushHonoursBackoff(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	ingest := &fakeIngestor{errs: []error{xerrors.New("down"), xerrors.New("still down")}}
	h := newHarness(t, ingest, Options{})
	h.queue.Enqueue(ctx, event(0))

	require.Equal(t, ResultFailed, h.up.flush(ctx, TriggerCapacity))
	require.Equal(t, h.clock.Now().Add(time.Second), h.up.Stats().RetryAt)

	// Within the first retry delay capacity triggers are suppressed.
	require.Equal(t, ResultBackoff, h.up.flush(ctx, TriggerCapacity))
	require.Equal(t, 1, ingest.calls())

	h.clock.Advance(time.Second)
	require.Equal(t, ResultFailed, h.up.flush(ctx, TriggerCapacity))
	// The delay doubles after each consecutive failure.
	require.Equal(t, h.clock.Now().Add(2*time.Second), h.up.Stats().RetryAt)

	// Manual flushes are never suppressed.
	require.Equal(t, ResultUploaded, h.up.Flush(ctx))
	require.True(t, h.up.Stats().RetryAt.IsZero())
}

func TestUploader_BackoffCappedAtInterval(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	errs := make([]error, 10)
	for i := range errs {
		errs[i] = xerrors.New("down")
	}
	h := newHarness(t, &fakeIngestor{errs: errs}, Options{Interval: 4 * time.Second})
	h.queue.Enqueue(ctx, event(0))

	for i := 0; i < 5; i++ {
		require.Equal(t, ResultFailed, h.up.Flush(ctx))
	}
	require.Equal(t, h.clock.Now().Add(4*time.Second), h.up.Stats().RetryAt)
}

func TestUploader_RequestFlush(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	h := newHarness(t, &fakeIngestor{}, Options{})
	stop := h.start(t, ctx)
	defer stop()

	h.queue.Enqueue(ctx, event(0))
	h.up.RequestFlush()
	h.up.RequestFlush()

	require.Eventually(t, func() bool {
		return h.queue.Len() == 0
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, 1, h.ingest.calls())
}

func TestUploader_RunPersistsOnShutdown(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	ingest := &fakeIngestor{errs: []error{xerrors.New("offline")}}
	h := newHarness(t, ingest, Options{})
	stop := h.start(t, ctx)

	h.queue.Enqueue(ctx, event(0))
	h.clock.Advance(DefaultInterval).MustWait(ctx)
	stop()

	raw, ok, err := h.store.Get(ctx, queue.StorageKey)
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, string(raw), "event-0")
}

func TestUploader_FlushDrainsBacklogInBatches(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	h := newHarness(t, &fakeIngestor{}, Options{MaxBatchSize: 2})
	for i := 0; i < 5; i++ {
		h.queue.Enqueue(ctx, event(i))
	}

	require.Equal(t, ResultUploaded, h.up.Flush(ctx))
	require.Equal(t, 3, h.ingest.calls())
	require.Equal(t, []string{"event-0", "event-1"}, names(h.ingest.batch(0)))
	require.Equal(t, []string{"event-2", "event-3"}, names(h.ingest.batch(1)))
	require.Equal(t, []string{"event-4"}, names(h.ingest.batch(2)))
	require.Zero(t, h.queue.Len())
}

func TestUploader_FlushStopsAtFailedBatch(t *testing.T) {
	t.Parallel()
	ctx := testContext(t)
	ingest := &fakeIngestor{errs: []error{nil, xerrors.New("503 service unavailable")}}
	h := newHarness(t, ingest, Options{MaxBatchSize: 2})
	for i := 0; i < 5; i++ {
		h.queue.Enqueue(ctx, event(i))
	}

	require.Equal(t, ResultFailed, h.up.Flush(ctx))
	require.Equal(t, 2, ingest.calls())
	require.Equal(t, []string{"event-2", "event-3", "event-4"}, names(h.queue.Snapshot().Events))

	require.Equal(t, ResultUploaded, h.up.Flush(ctx))
	require.Zero(t, h.queue.Len())
}

func TestNew_BatchSizeDefaults(t *testing.T) {
	t.Parallel()
	logger := slogtest.Make(t, nil)

	q := queue.New(nil, queue.Options{MaxQueueSize: 40, Logger: logger})
	up, err := New(q, &fakeIngestor{}, Options{Logger: logger})
	require.NoError(t, err)
	require.Equal(t, 40, up.batch)

	q = queue.New(nil, queue.Options{MaxQueueSize: 2000, Logger: logger})
	up, err = New(q, &fakeIngestor{}, Options{Logger: logger})
	require.NoError(t, err)
	require.Equal(t, telemetryv1.MaxBatchEvents, up.batch)

	up, err = New(q, &fakeIngestor{}, Options{MaxBatchSize: 10_000, Logger: logger})
	require.NoError(t, err)
	require.Equal(t, telemetryv1.MaxBatchEvents, up.batch)
}
