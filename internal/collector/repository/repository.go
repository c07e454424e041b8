// Package repository persists ingested events and error reports for the
// collector, and serves the aggregates behind the error dashboard.
package repository

import (
	"context"
	"time"

	"golang.org/x/xerrors"

	"campus-telemetry/internal/telemetry/domain"
)

// ErrNotFound is returned when a pattern does not exist.
var ErrNotFound = xerrors.New("not found")

// Breakdown counts a pattern's occurrences per app version and device type.
type Breakdown struct {
	ByAppVersion map[string]int64
	ByDeviceType map[string]int64
}

// WindowStats aggregates error occurrences received since a point in time.
// Trend holds only days that saw at least one occurrence, oldest first.
type WindowStats struct {
	TotalErrors    int64
	UniquePatterns int64
	AffectedUsers  int64
	CriticalCount  int64
	ByType         map[domain.ErrorType]int64
	Trend          []domain.TrendPoint
}

// Repository defines persistence for the collector.
type Repository interface {
	// SaveEvents stores events in order and returns them with their ids.
	SaveEvents(ctx context.Context, events []domain.Event, receivedAt time.Time) ([]domain.Telemetry, error)
	// SaveErrorReport stores one occurrence and folds it into its pattern,
	// creating the pattern on first sight. It returns the updated pattern.
	SaveErrorReport(ctx context.Context, rec domain.ErrorRecord) (domain.ErrorPattern, error)
	GetPattern(ctx context.Context, hash string) (domain.ErrorPattern, error)
	// ListRecentReports returns up to limit occurrences of hash, newest first.
	ListRecentReports(ctx context.Context, hash string, limit int) ([]domain.ErrorRecord, error)
	PatternBreakdown(ctx context.Context, hash string) (Breakdown, error)
	// UpdatePatternStatus sets status, replaces notes when notes is non-empty
	// and sets fixed_at to fixedAt (nil clears it).
	UpdatePatternStatus(ctx context.Context, hash string, status domain.PatternStatus, notes string, fixedAt *time.Time) (domain.ErrorPattern, error)
	WindowStats(ctx context.Context, since time.Time) (WindowStats, error)
	// TopPatterns returns the patterns seen since, most frequent first.
	TopPatterns(ctx context.Context, since time.Time, limit int) ([]domain.ErrorPattern, error)
}

// newPattern starts a pattern from its first occurrence.
func newPattern(rec domain.ErrorRecord) domain.ErrorPattern {
	r := rec.Report
	return domain.ErrorPattern{
		ErrorHash:       r.ErrorHash,
		ErrorType:       r.ErrorType,
		Name:            r.Name,
		MessageTemplate: r.MessageTemplate,
		Severity:        r.Severity,
		Status:          domain.StatusNew,
		FirstSeenAt:     rec.ReceivedAt,
		LastSeenAt:      rec.ReceivedAt,
	}
}

// applyOccurrence folds rec into p. Status is never changed here.
func applyOccurrence(p *domain.ErrorPattern, rec domain.ErrorRecord, affectedUsers int64) {
	p.OccurrenceCount++
	p.AffectedUsersCount = affectedUsers
	p.Severity = domain.MaxSeverity(p.Severity, rec.Report.Severity)
	if rec.ReceivedAt.After(p.LastSeenAt) {
		p.LastSeenAt = rec.ReceivedAt
	}
}

func dayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
