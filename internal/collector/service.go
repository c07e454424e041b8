// Package collector is the server side of the telemetry pipeline: it stores
// event batches and error reports, folds errors into patterns and serves the
// error dashboard.
package collector

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"campus-telemetry/internal/api/telemetryv1"
	"campus-telemetry/internal/audit"
	"campus-telemetry/internal/collector/repository"
	"campus-telemetry/internal/telemetry"
	"campus-telemetry/internal/telemetry/dashboard"
	"campus-telemetry/internal/telemetry/domain"
	"campus-telemetry/internal/telemetry/errorreport"
)

const (
	// MaxBatchSize is the largest event batch accepted in one call.
	MaxBatchSize = telemetryv1.MaxBatchEvents
	// RecentReportsLimit is how many occurrences a pattern drill-down returns.
	RecentReportsLimit = 20
	// TopErrorsLimit is how many patterns the dashboard ranks.
	TopErrorsLimit = 10

	unknown = "unknown"
)

var (
	// ErrInvalidArgument is returned for requests that fail validation.
	ErrInvalidArgument = xerrors.New("invalid argument")
	// ErrNotFound is returned when the requested pattern does not exist.
	ErrNotFound = repository.ErrNotFound
)

// Options configures a Service.
type Options struct {
	// Emitter receives every stored event. May be nil.
	Emitter telemetry.EventEmitter
	// Audit records triage actions. May be nil.
	Audit  audit.AuditLogger
	Clock  quartz.Clock
	Logger slog.Logger
}

// Service implements the collector operations over a Repository.
type Service struct {
	repo    repository.Repository
	emitter telemetry.EventEmitter
	audit   audit.AuditLogger
	clock   quartz.Clock
	log     slog.Logger
}

// NewService returns a Service backed by repo.
func NewService(repo repository.Repository, opts Options) *Service {
	if opts.Clock == nil {
		opts.Clock = quartz.NewReal()
	}
	return &Service{
		repo:    repo,
		emitter: opts.Emitter,
		audit:   opts.Audit,
		clock:   opts.Clock,
		log:     opts.Logger.Named("collector"),
	}
}

// BatchTrackEvents stores the valid events of a batch and returns how many
// were accepted. Invalid events are dropped and logged rather than failing
// the batch, so a client never retries a batch that can never succeed.
func (s *Service) BatchTrackEvents(ctx context.Context, events []domain.Event) (int, error) {
	if len(events) > MaxBatchSize {
		return 0, xerrors.Errorf("batch of %d events exceeds %d: %w", len(events), MaxBatchSize, ErrInvalidArgument)
	}
	now := s.clock.Now().UTC()
	valid := make([]domain.Event, 0, len(events))
	for i, e := range events {
		if err := validateEvent(e); err != nil {
			s.log.Warn(ctx, "dropping invalid event",
				slog.F("index", i),
				slog.F("event_name", e.EventName),
				slog.Error(err),
			)
			continue
		}
		valid = append(valid, normalizeEvent(e, now))
	}
	if len(valid) == 0 {
		return 0, nil
	}
	stored, err := s.repo.SaveEvents(ctx, valid, now)
	if err != nil {
		return 0, xerrors.Errorf("save events: %w", err)
	}
	out := make([]*domain.Telemetry, len(stored))
	for i := range stored {
		out[i] = &stored[i]
	}
	telemetry.EmitAsync(s.emitter, s.log, out...)
	s.log.Debug(ctx, "events stored", slog.F("accepted", len(stored)), slog.F("dropped", len(events)-len(stored)))
	return len(stored), nil
}

func validateEvent(e domain.Event) error {
	switch {
	case !e.EventType.Valid():
		return xerrors.Errorf("unknown event type %q", e.EventType)
	case strings.TrimSpace(e.EventName) == "":
		return xerrors.New("event name is required")
	case strings.TrimSpace(e.SessionID) == "":
		return xerrors.New("session id is required")
	}
	return nil
}

func normalizeEvent(e domain.Event, now time.Time) domain.Event {
	if e.DeviceType == "" {
		e.DeviceType = unknown
	}
	if e.AppVersion == "" {
		e.AppVersion = unknown
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	e.OccurredAt = e.OccurredAt.UTC()
	return e
}

// ReportError stores one error occurrence, folds it into its pattern and
// returns the new report id. A missing hash or template is recomputed from
// the message so every stored occurrence belongs to a pattern.
func (s *Service) ReportError(ctx context.Context, report domain.ErrorReport) (string, error) {
	if !report.ErrorType.Valid() {
		return "", xerrors.Errorf("unknown error type %q: %w", report.ErrorType, ErrInvalidArgument)
	}
	if strings.TrimSpace(report.Message) == "" {
		return "", xerrors.Errorf("message is required: %w", ErrInvalidArgument)
	}
	if report.Severity == "" {
		report.Severity = domain.SeverityError
	}
	if !report.Severity.Valid() {
		return "", xerrors.Errorf("unknown severity %q: %w", report.Severity, ErrInvalidArgument)
	}
	if report.ErrorHash == "" || report.MessageTemplate == "" {
		report.MessageTemplate, report.ErrorHash = errorreport.Fingerprint(report.ErrorType, report.Name, report.Message)
	}
	now := s.clock.Now().UTC()
	if report.DeviceType == "" {
		report.DeviceType = unknown
	}
	if report.AppVersion == "" {
		report.AppVersion = unknown
	}
	if report.OccurredAt.IsZero() {
		report.OccurredAt = now
	}
	report.OccurredAt = report.OccurredAt.UTC()

	rec := domain.ErrorRecord{ID: uuid.NewString(), Report: report, ReceivedAt: now}
	p, err := s.repo.SaveErrorReport(ctx, rec)
	if err != nil {
		return "", xerrors.Errorf("save error report: %w", err)
	}
	if p.OccurrenceCount == 1 {
		s.log.Info(ctx, "new error pattern",
			slog.F("error_hash", p.ErrorHash),
			slog.F("error_type", p.ErrorType),
			slog.F("template", p.MessageTemplate),
			slog.F("severity", p.Severity),
		)
	}
	return rec.ID, nil
}

// ErrorDashboard summarizes the last days UTC days, today included. The
// trend has one point per day, oldest first, with zero for quiet days.
func (s *Service) ErrorDashboard(ctx context.Context, days int) (domain.ErrorDashboard, error) {
	days = dashboard.NormalizeDays(days)
	today := s.clock.Now().UTC().Truncate(24 * time.Hour)
	since := today.AddDate(0, 0, -(days - 1))

	stats, err := s.repo.WindowStats(ctx, since)
	if err != nil {
		return domain.ErrorDashboard{}, xerrors.Errorf("window stats: %w", err)
	}
	top, err := s.repo.TopPatterns(ctx, since, TopErrorsLimit)
	if err != nil {
		return domain.ErrorDashboard{}, xerrors.Errorf("top patterns: %w", err)
	}
	byDay := make(map[string]int64, len(stats.Trend))
	for _, pt := range stats.Trend {
		byDay[pt.Day.UTC().Format(time.DateOnly)] = pt.Count
	}
	trend := make([]domain.TrendPoint, days)
	for i := range trend {
		day := since.AddDate(0, 0, i)
		trend[i] = domain.TrendPoint{Day: day, Count: byDay[day.Format(time.DateOnly)]}
	}
	if stats.ByType == nil {
		stats.ByType = map[domain.ErrorType]int64{}
	}
	if top == nil {
		top = []domain.ErrorPattern{}
	}
	return domain.ErrorDashboard{
		Days:           days,
		TotalErrors:    stats.TotalErrors,
		UniquePatterns: stats.UniquePatterns,
		AffectedUsers:  stats.AffectedUsers,
		CriticalCount:  stats.CriticalCount,
		ByType:         stats.ByType,
		TopErrors:      top,
		Trend:          trend,
	}, nil
}

// PatternDetails returns a pattern with its most recent occurrences and its
// spread across app versions and device types.
func (s *Service) PatternDetails(ctx context.Context, hash string) (domain.PatternDetails, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return domain.PatternDetails{}, xerrors.Errorf("error hash is required: %w", ErrInvalidArgument)
	}
	p, err := s.repo.GetPattern(ctx, hash)
	if err != nil {
		return domain.PatternDetails{}, xerrors.Errorf("get pattern %s: %w", hash, err)
	}
	recent, err := s.repo.ListRecentReports(ctx, hash, RecentReportsLimit)
	if err != nil {
		return domain.PatternDetails{}, xerrors.Errorf("recent reports: %w", err)
	}
	b, err := s.repo.PatternBreakdown(ctx, hash)
	if err != nil {
		return domain.PatternDetails{}, xerrors.Errorf("pattern breakdown: %w", err)
	}
	if recent == nil {
		recent = []domain.ErrorRecord{}
	}
	return domain.PatternDetails{
		Pattern:       p,
		RecentReports: recent,
		ByAppVersion:  b.ByAppVersion,
		ByDeviceType:  b.ByDeviceType,
	}, nil
}

// UpdatePatternStatus moves a pattern to status. Moving to fixed stamps
// fixed_at; any other status clears it. Empty notes keep the current notes.
func (s *Service) UpdatePatternStatus(ctx context.Context, hash string, status domain.PatternStatus, notes string) (domain.ErrorPattern, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return domain.ErrorPattern{}, xerrors.Errorf("error hash is required: %w", ErrInvalidArgument)
	}
	if !status.Valid() {
		return domain.ErrorPattern{}, xerrors.Errorf("unknown status %q: %w", status, ErrInvalidArgument)
	}
	var fixedAt *time.Time
	if status == domain.StatusFixed {
		now := s.clock.Now().UTC()
		fixedAt = &now
	}
	p, err := s.repo.UpdatePatternStatus(ctx, hash, status, strings.TrimSpace(notes), fixedAt)
	if err != nil {
		return domain.ErrorPattern{}, xerrors.Errorf("update pattern %s: %w", hash, err)
	}
	s.log.Info(ctx, "error pattern status changed", slog.F("error_hash", hash), slog.F("status", status))
	if s.audit != nil {
		meta, _ := json.Marshal(map[string]string{"status": string(status), "notes": p.Notes})
		s.audit.LogEvent(ctx, audit.ActionStatusChanged, audit.PatternResource(hash), string(meta))
	}
	return p, nil
}

// GetErrorDashboard, GetErrorPatternDetails and UpdateErrorPatternStatus let
// a Service stand in for a remote dashboard backend.
func (s *Service) GetErrorDashboard(ctx context.Context, days int) (domain.ErrorDashboard, error) {
	return s.ErrorDashboard(ctx, days)
}

func (s *Service) GetErrorPatternDetails(ctx context.Context, hash string) (domain.PatternDetails, error) {
	return s.PatternDetails(ctx, hash)
}

func (s *Service) UpdateErrorPatternStatus(ctx context.Context, hash string, status domain.PatternStatus, notes string) (domain.ErrorPattern, error) {
	return s.UpdatePatternStatus(ctx, hash, status, notes)
}

var _ dashboard.Backend = (*Service)(nil)
