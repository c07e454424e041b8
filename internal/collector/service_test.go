package collector

import (
	"context"
	"sync"
	"testing"
	"time"

	"cdr.dev/slog/v3/sloggers/slogtest"
	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/xerrors"

	"campus-telemetry/internal/audit"
	auditrepo "campus-telemetry/internal/audit/repository"
	"campus-telemetry/internal/collector/repository"
	"campus-telemetry/internal/telemetry/domain"
	"campus-telemetry/internal/telemetry/errorreport"
	"campus-telemetry/internal/telemetry/queue"
	"campus-telemetry/internal/telemetry/uploader"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var now = time.Date(2026, 5, 20, 15, 30, 0, 0, time.UTC)

type chanEmitter struct {
	ch chan *domain.Telemetry
}

func (c *chanEmitter) Emit(_ context.Context, t *domain.Telemetry) error {
	c.ch <- t
	return nil
}

func newService(t *testing.T, emitter *chanEmitter) (*Service, *repository.MemoryRepository, *quartz.Mock) {
	t.Helper()
	clk := quartz.NewMock(t)
	clk.Set(now)
	repo := repository.NewMemoryRepository()
	opts := Options{
		Clock:  clk,
		Logger: slogtest.Make(t, &slogtest.Options{IgnoreErrors: true}),
	}
	if emitter != nil {
		opts.Emitter = emitter
	}
	return NewService(repo, opts), repo, clk
}

func event(name string) domain.Event {
	return domain.Event{
		EventType:  domain.EventButtonClick,
		EventName:  name,
		SessionID:  "sess-1",
		DeviceType: "ios",
		AppVersion: "2.4.0",
		OccurredAt: now.Add(-time.Minute),
	}
}

func report(msg string, sev domain.Severity, user string) domain.ErrorReport {
	r := domain.ErrorReport{
		ErrorType:  domain.ErrorTypeAPI,
		Name:       "HTTP 404",
		Message:    msg,
		Severity:   sev,
		DeviceType: "android",
		AppVersion: "3.1.0",
		SessionID:  "sess-2",
	}
	if user != "" {
		r.UserID = &user
	}
	return r
}

func TestBatchTrackEvents_StoresAndEmits(t *testing.T) {
	t.Parallel()
	em := &chanEmitter{ch: make(chan *domain.Telemetry, 4)}
	svc, repo, _ := newService(t, em)

	n, err := svc.BatchTrackEvents(context.Background(), []domain.Event{event("a"), event("b")})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	stored := repo.Events()
	require.Len(t, stored, 2)
	require.Equal(t, now, stored[0].ReceivedAt)

	names := map[string]bool{}
	for range 2 {
		select {
		case got := <-em.ch:
			names[got.Event.EventName] = true
		case <-time.After(5 * time.Second):
			t.Fatal("emitter was not called")
		}
	}
	require.Equal(t, map[string]bool{"a": true, "b": true}, names)
}

func TestBatchTrackEvents_DropsInvalidEvents(t *testing.T) {
	t.Parallel()
	svc, repo, _ := newService(t, nil)

	noSession := event("no-session")
	noSession.SessionID = ""
	badType := event("bad-type")
	badType.EventType = "swipe"
	bare := domain.Event{EventType: domain.EventScreenView, EventName: "home", SessionID: "s"}

	n, err := svc.BatchTrackEvents(context.Background(), []domain.Event{noSession, event("ok"), badType, {EventType: domain.EventCustom, SessionID: "s"}, bare})
	require.NoError(t, err)
	require.Equal(t, 2, n)

	stored := repo.Events()
	require.Len(t, stored, 2)
	require.Equal(t, "ok", stored[0].Event.EventName)
	require.Equal(t, "unknown", stored[1].Event.DeviceType)
	require.Equal(t, "unknown", stored[1].Event.AppVersion)
	require.Equal(t, now, stored[1].Event.OccurredAt)
}

func TestBatchTrackEvents_Limits(t *testing.T) {
	t.Parallel()
	svc, repo, _ := newService(t, nil)

	n, err := svc.BatchTrackEvents(context.Background(), nil)
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = svc.BatchTrackEvents(context.Background(), make([]domain.Event, MaxBatchSize+1))
	require.ErrorIs(t, err, ErrInvalidArgument)
	require.Empty(t, repo.Events())
}

func TestReportError_GroupsIntoPattern(t *testing.T) {
	t.Parallel()
	svc, _, clk := newService(t, nil)
	ctx := context.Background()

	id1, err := svc.ReportError(ctx, report("quiz 17 not found", domain.SeverityWarning, "u-1"))
	require.NoError(t, err)
	clk.Advance(time.Minute)
	id2, err := svc.ReportError(ctx, report("quiz 93 not found", domain.SeverityCritical, "u-2"))
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)

	_, hash := errorreport.Fingerprint(domain.ErrorTypeAPI, "HTTP 404", "quiz 17 not found")
	d, err := svc.PatternDetails(ctx, hash)
	require.NoError(t, err)
	require.Equal(t, int64(2), d.Pattern.OccurrenceCount)
	require.Equal(t, int64(2), d.Pattern.AffectedUsersCount)
	require.Equal(t, domain.SeverityCritical, d.Pattern.Severity)
	require.Equal(t, domain.StatusNew, d.Pattern.Status)
	require.Equal(t, now, d.Pattern.FirstSeenAt)
	require.Equal(t, now.Add(time.Minute), d.Pattern.LastSeenAt)
	require.Len(t, d.RecentReports, 2)
	require.Equal(t, id2, d.RecentReports[0].ID)
	require.Equal(t, map[string]int64{"3.1.0": 2}, d.ByAppVersion)
	require.Equal(t, map[string]int64{"android": 2}, d.ByDeviceType)
}

func TestReportError_KeepsClientHash(t *testing.T) {
	t.Parallel()
	svc, _, _ := newService(t, nil)
	r := report("boom", "", "")
	r.ErrorHash = "client-hash"
	r.MessageTemplate = "boom"

	_, err := svc.ReportError(context.Background(), r)
	require.NoError(t, err)
	d, err := svc.PatternDetails(context.Background(), "client-hash")
	require.NoError(t, err)
	require.Equal(t, domain.SeverityError, d.Pattern.Severity)
}

func TestReportError_Validation(t *testing.T) {
	t.Parallel()
	svc, _, _ := newService(t, nil)

	for _, r := range []domain.ErrorReport{
		{ErrorType: "crash", Message: "x"},
		{ErrorType: domain.ErrorTypeJS, Message: "  "},
		{ErrorType: domain.ErrorTypeJS, Message: "x", Severity: "fatal"},
	} {
		_, err := svc.ReportError(context.Background(), r)
		require.ErrorIs(t, err, ErrInvalidArgument)
	}
}

func TestErrorDashboard(t *testing.T) {
	t.Parallel()
	svc, _, clk := newService(t, nil)
	ctx := context.Background()

	// Outside a 3 day window.
	clk.Set(now.AddDate(0, 0, -5))
	_, err := svc.ReportError(ctx, report("old failure", domain.SeverityCritical, "u-0"))
	require.NoError(t, err)

	clk.Set(now.AddDate(0, 0, -2))
	_, err = svc.ReportError(ctx, report("quiz 1 not found", domain.SeverityError, "u-1"))
	require.NoError(t, err)
	clk.Set(now)
	_, err = svc.ReportError(ctx, report("quiz 2 not found", domain.SeverityCritical, "u-2"))
	require.NoError(t, err)
	js := report("undefined is not a function", domain.SeverityError, "u-1")
	js.ErrorType = domain.ErrorTypeJS
	_, err = svc.ReportError(ctx, js)
	require.NoError(t, err)

	d, err := svc.ErrorDashboard(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, 3, d.Days)
	require.Equal(t, int64(3), d.TotalErrors)
	require.Equal(t, int64(2), d.UniquePatterns)
	require.Equal(t, int64(2), d.AffectedUsers)
	require.Equal(t, int64(1), d.CriticalCount)
	require.Equal(t, map[domain.ErrorType]int64{domain.ErrorTypeAPI: 2, domain.ErrorTypeJS: 1}, d.ByType)
	require.Len(t, d.TopErrors, 2)
	require.Equal(t, int64(2), d.TopErrors[0].OccurrenceCount)

	require.Len(t, d.Trend, 3)
	require.Equal(t, time.Date(2026, 5, 18, 0, 0, 0, 0, time.UTC), d.Trend[0].Day)
	require.Equal(t, []int64{1, 0, 2}, []int64{d.Trend[0].Count, d.Trend[1].Count, d.Trend[2].Count})

	d, err = svc.ErrorDashboard(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, 7, d.Days)
	require.Equal(t, int64(4), d.TotalErrors)
	require.Len(t, d.Trend, 7)
}

func TestErrorDashboard_Empty(t *testing.T) {
	t.Parallel()
	svc, _, _ := newService(t, nil)
	d, err := svc.ErrorDashboard(context.Background(), 1)
	require.NoError(t, err)
	require.Zero(t, d.TotalErrors)
	require.NotNil(t, d.ByType)
	require.NotNil(t, d.TopErrors)
	require.Len(t, d.Trend, 1)
}

func TestPatternDetails_NotFound(t *testing.T) {
	t.Parallel()
	svc, _, _ := newService(t, nil)
	_, err := svc.PatternDetails(context.Background(), "nope")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = svc.PatternDetails(context.Background(), " ")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestUpdatePatternStatus(t *testing.T) {
	t.Parallel()
	svc, _, clk := newService(t, nil)
	ctx := context.Background()
	_, err := svc.ReportError(ctx, report("quiz 5 not found", domain.SeverityError, ""))
	require.NoError(t, err)
	_, hash := errorreport.Fingerprint(domain.ErrorTypeAPI, "HTTP 404", "quiz 5 not found")

	_, err = svc.UpdatePatternStatus(ctx, hash, "closed", "")
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = svc.UpdatePatternStatus(ctx, "missing", domain.StatusFixing, "")
	require.ErrorIs(t, err, ErrNotFound)

	p, err := svc.UpdatePatternStatus(ctx, hash, domain.StatusInvestigating, "looking")
	require.NoError(t, err)
	require.Equal(t, domain.StatusInvestigating, p.Status)
	require.Nil(t, p.FixedAt)

	clk.Advance(time.Hour)
	p, err = svc.UpdatePatternStatus(ctx, hash, domain.StatusFixed, "")
	require.NoError(t, err)
	require.Equal(t, "looking", p.Notes)
	require.NotNil(t, p.FixedAt)
	require.Equal(t, now.Add(time.Hour), *p.FixedAt)
}

func TestUpdatePatternStatus_Audited(t *testing.T) {
	t.Parallel()
	logger := slogtest.Make(t, nil)
	clk := quartz.NewMock(t)
	clk.Set(now)
	logs := auditrepo.NewMemoryRepository()
	actor := func(context.Context) (string, string, bool) { return "campus-app", "key-7", true }
	svc := NewService(repository.NewMemoryRepository(), Options{
		Audit:  audit.NewLogger(logs, actor, clk, logger),
		Clock:  clk,
		Logger: logger,
	})
	ctx := context.Background()
	_, err := svc.ReportError(ctx, report("quiz 8 not found", domain.SeverityError, ""))
	require.NoError(t, err)
	_, hash := errorreport.Fingerprint(domain.ErrorTypeAPI, "HTTP 404", "quiz 8 not found")

	_, err = svc.UpdatePatternStatus(ctx, hash, domain.StatusWontFix, "flaky test server")
	require.NoError(t, err)
	_, err = svc.UpdatePatternStatus(ctx, "missing", domain.StatusFixed, "")
	require.ErrorIs(t, err, ErrNotFound)

	entries, err := logs.ListByResource(ctx, audit.PatternResource(hash), 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "campus-app", entries[0].AppID)
	require.Equal(t, audit.ActionStatusChanged, entries[0].Action)
	require.JSONEq(t, `{"status":"wont_fix","notes":"flaky test server"}`, entries[0].Metadata)

	missing, err := logs.ListByResource(ctx, audit.PatternResource("missing"), 10)
	require.NoError(t, err)
	require.Empty(t, missing)
}

func TestBatchTrackEvents_UploaderDrainsBacklogOverLimit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	logger := slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})
	svc, repo, clk := newService(t, nil)

	// A long outage leaves more events queued than one call may carry.
	q := queue.New(nil, queue.Options{MaxQueueSize: 600, MaxPending: 1000, Logger: logger})
	for i := 0; i < 600; i++ {
		q.Enqueue(ctx, event("backlog"))
	}
	up, err := uploader.New(q, svc, uploader.Options{Clock: clk, Logger: logger})
	require.NoError(t, err)

	require.Equal(t, uploader.ResultUploaded, up.Flush(ctx))
	require.Zero(t, q.Len())
	require.Len(t, repo.Events(), 600)
}

type failingRepo struct {
	repository.Repository
	mu    sync.Mutex
	calls int
}

func (f *failingRepo) SaveEvents(context.Context, []domain.Event, time.Time) ([]domain.Telemetry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return nil, xerrors.New("database is down")
}

func TestBatchTrackEvents_RepositoryFailure(t *testing.T) {
	t.Parallel()
	repo := &failingRepo{}
	svc := NewService(repo, Options{Logger: slogtest.Make(t, &slogtest.Options{IgnoreErrors: true})})
	_, err := svc.BatchTrackEvents(context.Background(), []domain.Event{event("a")})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrInvalidArgument)
	require.Equal(t, 1, repo.calls)
}
