// Package queue implements the bounded, ordered, durable buffer of telemetry
// events waiting for upload.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cdr.dev/slog/v3"
	"golang.org/x/xerrors"

	"campus-telemetry/internal/telemetry/domain"
	"campus-telemetry/internal/telemetry/storage"
)

// StorageKey is the single durable key holding the JSON array of pending events.
const StorageKey = "telemetry.pending_events"

const (
	// DefaultMaxQueueSize is the length at which a flush is requested.
	DefaultMaxQueueSize = 100
	// pendingFactor sets the default hard cap relative to MaxQueueSize.
	pendingFactor = 10
)

// Options configures a Queue.
type Options struct {
	// MaxQueueSize is the length that triggers an immediate flush. Default 100.
	MaxQueueSize int
	// MaxPending is the hard cap held while uploads keep failing; the oldest
	// events are evicted beyond it. Default 10*MaxQueueSize. Never below MaxQueueSize.
	MaxPending int
	Logger     slog.Logger
}

// Batch is a snapshot of the queue head. offset is the absolute position of
// Events[0] so the snapshot can be acknowledged after evictions. epoch
// changes whenever Load reorders the buffer; a batch from an older epoch is
// not acknowledged.
type Batch struct {
	Events []domain.Event
	offset uint64
	epoch  uint64
}

// Len returns the number of events in the batch.
func (b Batch) Len() int { return len(b.Events) }

// item is a queued event together with its encoding. The event is decoded
// from raw, so it shares no maps or pointers with the caller.
type item struct {
	event domain.Event
	raw   json.RawMessage
}

// Queue is an in-memory FIFO of events mirrored to a storage.Store. All
// methods are safe for concurrent use.
type Queue struct {
	store storage.Store
	log   slog.Logger
	max   int
	cap   int

	mu      sync.Mutex
	items   []item
	removed uint64 // events ever removed from the head
	epoch   uint64
	dropped uint64

	// persistMu orders writes so an older state never overwrites a newer one.
	persistMu sync.Mutex

	full chan struct{}
}

// New returns an empty Queue. Call Load to restore events from a previous run.
func New(store storage.Store, opts Options) *Queue {
	if store == nil {
		store = storage.NewMemoryStore()
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = DefaultMaxQueueSize
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = pendingFactor * opts.MaxQueueSize
	}
	if opts.MaxPending < opts.MaxQueueSize {
		opts.MaxPending = opts.MaxQueueSize
	}
	return &Queue{
		store: store,
		log:   opts.Logger.Named("queue"),
		max:   opts.MaxQueueSize,
		cap:   opts.MaxPending,
		full:  make(chan struct{}, 1),
	}
}

// Enqueue appends a private copy of e and persists the buffer. Payload values
// that cannot be JSON encoded are replaced by their string form. Storage
// failures are logged, not returned. It reports whether the queue reached
// MaxQueueSize, in which case a signal is also sent on Full.
func (q *Queue) Enqueue(ctx context.Context, e domain.Event) bool {
	it, sanitized, err := encodeEvent(e)
	if err != nil {
		q.log.Warn(ctx, "dropping event that cannot be encoded",
			slog.F("event_name", e.EventName),
			slog.Error(err),
		)
		return false
	}
	if sanitized {
		q.log.Warn(ctx, "replaced unencodable payload values with strings", slog.F("event_name", e.EventName))
	}

	q.mu.Lock()
	q.items = append(q.items, it)
	if over := len(q.items) - q.cap; over > 0 {
		q.dropHeadLocked(over)
		q.dropped += uint64(over)
		q.log.Warn(ctx, "queue over hard cap, evicted oldest events",
			slog.F("evicted", over),
			slog.F("max_pending", q.cap),
		)
	}
	full := len(q.items) >= q.max
	q.mu.Unlock()

	q.persist(ctx)

	if full {
		select {
		case q.full <- struct{}{}:
		default:
		}
	}
	return full
}

// Snapshot returns a copy of the current buffer without mutating it.
func (q *Queue) Snapshot() Batch {
	return q.Head(0)
}

// Head returns a copy of at most limit events from the head of the buffer.
// A limit of 0 or less returns the whole buffer.
func (q *Queue) Head(limit int) Batch {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	if limit > 0 && limit < n {
		n = limit
	}
	events := make([]domain.Event, n)
	for i := range events {
		events[i] = q.items[i].event
	}
	return Batch{Events: events, offset: q.removed, epoch: q.epoch}
}

// RemovePrefix removes the first n events from memory and storage. Events
// appended after a snapshot was taken are kept.
func (q *Queue) RemovePrefix(ctx context.Context, n int) {
	if n <= 0 {
		return
	}
	q.mu.Lock()
	if n > len(q.items) {
		n = len(q.items)
	}
	q.dropHeadLocked(n)
	q.mu.Unlock()
	q.persist(ctx)
}

// Ack removes the events of an uploaded batch that are still queued. Events
// already evicted by the hard cap are not counted twice.
func (q *Queue) Ack(ctx context.Context, b Batch) {
	end := b.offset + uint64(len(b.Events))
	q.mu.Lock()
	if b.epoch != q.epoch {
		// Load moved restored events ahead of this batch; its positions no
		// longer identify its events. They stay queued and are sent again.
		q.mu.Unlock()
		q.log.Debug(ctx, "ignoring ack of batch taken before restore", slog.F("batch_size", len(b.Events)))
		return
	}
	if end <= q.removed {
		q.mu.Unlock()
		return
	}
	n := int(end - q.removed)
	if n > len(q.items) {
		n = len(q.items)
	}
	q.dropHeadLocked(n)
	q.mu.Unlock()
	q.persist(ctx)
}

// Load restores events persisted by a previous process. Stored events are
// placed ahead of anything enqueued before Load was called. Batches taken
// before Load can no longer be acknowledged. Individual stored events that
// cannot be decoded are dropped.
func (q *Queue) Load(ctx context.Context) error {
	raw, ok, err := q.store.Get(ctx, StorageKey)
	if err != nil {
		return xerrors.Errorf("load pending events: %w", err)
	}
	if !ok || len(raw) == 0 {
		return nil
	}
	var records []json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		// A corrupt blob cannot be recovered; drop it so new events can persist.
		q.log.Error(ctx, "discarding unreadable pending events", slog.Error(err))
		_ = q.store.Delete(ctx, StorageKey)
		return xerrors.Errorf("decode pending events: %w", err)
	}
	stored := make([]item, 0, len(records))
	for i, rec := range records {
		var e domain.Event
		if err := json.Unmarshal(rec, &e); err != nil {
			q.log.Warn(ctx, "discarding unreadable pending event", slog.F("index", i), slog.Error(err))
			continue
		}
		stored = append(stored, item{event: e, raw: rec})
	}
	if len(stored) == 0 {
		if len(records) > 0 {
			q.persist(ctx)
		}
		return nil
	}

	q.mu.Lock()
	q.items = append(stored, q.items...)
	q.epoch++
	if over := len(q.items) - q.cap; over > 0 {
		q.dropHeadLocked(over)
		q.dropped += uint64(over)
	}
	n := len(q.items)
	q.mu.Unlock()

	q.log.Info(ctx, "restored pending events", slog.F("count", len(stored)))
	if n != len(records) {
		q.persist(ctx)
	}
	if n >= q.max {
		select {
		case q.full <- struct{}{}:
		default:
		}
	}
	return nil
}

// Persist writes the current buffer to storage. Used on teardown.
func (q *Queue) Persist(ctx context.Context) error {
	return q.write(ctx)
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped returns how many events were evicted by the hard cap.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// MaxQueueSize returns the flush threshold.
func (q *Queue) MaxQueueSize() int { return q.max }

// Full signals (at most once per pending receive) that the queue reached MaxQueueSize.
func (q *Queue) Full() <-chan struct{} { return q.full }

func (q *Queue) dropHeadLocked(n int) {
	for i := 0; i < n; i++ {
		q.items[i] = item{}
	}
	q.items = q.items[n:]
	q.removed += uint64(n)
}

func (q *Queue) persist(ctx context.Context) {
	if err := q.write(ctx); err != nil {
		q.log.Warn(ctx, "persist pending events failed", slog.Error(err))
	}
}

func (q *Queue) write(ctx context.Context) error {
	q.persistMu.Lock()
	defer q.persistMu.Unlock()

	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		if err := q.store.Delete(ctx, StorageKey); err != nil {
			return xerrors.Errorf("clear pending events: %w", err)
		}
		return nil
	}
	records := make([]json.RawMessage, len(q.items))
	for i, it := range q.items {
		records[i] = it.raw
	}
	q.mu.Unlock()
	raw, err := json.Marshal(records)
	if err != nil {
		return xerrors.Errorf("encode pending events: %w", err)
	}
	if err := q.store.Set(ctx, StorageKey, raw); err != nil {
		return xerrors.Errorf("store pending events: %w", err)
	}
	return nil
}

// encodeEvent encodes e once and decodes the result back, so the queued copy
// shares no maps or pointers with the caller. If the payload cannot be
// encoded, its offending values are replaced by their string form.
func encodeEvent(e domain.Event) (it item, sanitized bool, err error) {
	raw, err := json.Marshal(e)
	if err != nil {
		e.Payload = sanitizePayload(e.Payload)
		sanitized = true
		if raw, err = json.Marshal(e); err != nil {
			return item{}, false, xerrors.Errorf("encode event: %w", err)
		}
	}
	var own domain.Event
	if err := json.Unmarshal(raw, &own); err != nil {
		return item{}, false, xerrors.Errorf("decode event: %w", err)
	}
	return item{event: own, raw: raw}, sanitized, nil
}

func sanitizePayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = sanitizeValue(v)
	}
	return out
}

func sanitizeValue(v any) any {
	if _, err := json.Marshal(v); err == nil {
		return v
	}
	switch v := v.(type) {
	case map[string]any:
		return sanitizePayload(v)
	case []any:
		out := make([]any, len(v))
		for i, x := range v {
			out[i] = sanitizeValue(x)
		}
		return out
	}
	return fmt.Sprintf("%v", v)
}
