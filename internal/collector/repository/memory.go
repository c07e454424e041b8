package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"campus-telemetry/internal/telemetry/domain"
)

// MemoryRepository keeps everything in process memory. It backs the
// collector when no DATABASE_URL is configured, and tests.
type MemoryRepository struct {
	mu       sync.Mutex
	nextID   int64
	events   []domain.Telemetry
	reports  []domain.ErrorRecord
	patterns map[string]*domain.ErrorPattern
	users    map[string]map[string]struct{}
}

// NewMemoryRepository returns an empty MemoryRepository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		patterns: make(map[string]*domain.ErrorPattern),
		users:    make(map[string]map[string]struct{}),
	}
}

// SaveEvents implements Repository.
func (r *MemoryRepository) SaveEvents(_ context.Context, events []domain.Event, receivedAt time.Time) ([]domain.Telemetry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Telemetry, 0, len(events))
	for _, e := range events {
		r.nextID++
		t := domain.Telemetry{ID: r.nextID, Event: e, ReceivedAt: receivedAt}
		r.events = append(r.events, t)
		out = append(out, t)
	}
	return out, nil
}

// Events returns a copy of every stored event, oldest first.
func (r *MemoryRepository) Events() []domain.Telemetry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Telemetry(nil), r.events...)
}

// SaveErrorReport implements Repository.
func (r *MemoryRepository) SaveErrorReport(_ context.Context, rec domain.ErrorRecord) (domain.ErrorPattern, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hash := rec.Report.ErrorHash
	p, ok := r.patterns[hash]
	if !ok {
		np := newPattern(rec)
		p = &np
		r.patterns[hash] = p
		r.users[hash] = make(map[string]struct{})
	}
	if uid := rec.Report.UserID; uid != nil && *uid != "" {
		r.users[hash][*uid] = struct{}{}
	}
	r.reports = append(r.reports, rec)
	applyOccurrence(p, rec, int64(len(r.users[hash])))
	return *p, nil
}

// GetPattern implements Repository.
func (r *MemoryRepository) GetPattern(_ context.Context, hash string) (domain.ErrorPattern, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patterns[hash]
	if !ok {
		return domain.ErrorPattern{}, ErrNotFound
	}
	return *p, nil
}

// ListRecentReports implements Repository.
func (r *MemoryRepository) ListRecentReports(_ context.Context, hash string, limit int) ([]domain.ErrorRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ErrorRecord
	for i := len(r.reports) - 1; i >= 0 && len(out) < limit; i-- {
		if r.reports[i].Report.ErrorHash == hash {
			out = append(out, r.reports[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].ReceivedAt.After(out[j].ReceivedAt)
	})
	return out, nil
}

// PatternBreakdown implements Repository.
func (r *MemoryRepository) PatternBreakdown(_ context.Context, hash string) (Breakdown, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := Breakdown{ByAppVersion: map[string]int64{}, ByDeviceType: map[string]int64{}}
	for _, rec := range r.reports {
		if rec.Report.ErrorHash != hash {
			continue
		}
		b.ByAppVersion[rec.Report.AppVersion]++
		b.ByDeviceType[rec.Report.DeviceType]++
	}
	return b, nil
}

// UpdatePatternStatus implements Repository.
func (r *MemoryRepository) UpdatePatternStatus(_ context.Context, hash string, status domain.PatternStatus, notes string, fixedAt *time.Time) (domain.ErrorPattern, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.patterns[hash]
	if !ok {
		return domain.ErrorPattern{}, ErrNotFound
	}
	p.Status = status
	if notes != "" {
		p.Notes = notes
	}
	p.FixedAt = fixedAt
	return *p, nil
}

// WindowStats implements Repository.
func (r *MemoryRepository) WindowStats(_ context.Context, since time.Time) (WindowStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := WindowStats{ByType: map[domain.ErrorType]int64{}}
	hashes := map[string]struct{}{}
	users := map[string]struct{}{}
	days := map[time.Time]int64{}
	for _, rec := range r.reports {
		if rec.ReceivedAt.Before(since) {
			continue
		}
		s.TotalErrors++
		hashes[rec.Report.ErrorHash] = struct{}{}
		if uid := rec.Report.UserID; uid != nil && *uid != "" {
			users[*uid] = struct{}{}
		}
		if rec.Report.Severity == domain.SeverityCritical {
			s.CriticalCount++
		}
		s.ByType[rec.Report.ErrorType]++
		days[dayOf(rec.ReceivedAt)]++
	}
	s.UniquePatterns = int64(len(hashes))
	s.AffectedUsers = int64(len(users))
	for d, n := range days {
		s.Trend = append(s.Trend, domain.TrendPoint{Day: d, Count: n})
	}
	sort.Slice(s.Trend, func(i, j int) bool { return s.Trend[i].Day.Before(s.Trend[j].Day) })
	return s, nil
}

// TopPatterns implements Repository.
func (r *MemoryRepository) TopPatterns(_ context.Context, since time.Time, limit int) ([]domain.ErrorPattern, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.ErrorPattern
	for _, p := range r.patterns {
		if !p.LastSeenAt.Before(since) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].OccurrenceCount != out[j].OccurrenceCount {
			return out[i].OccurrenceCount > out[j].OccurrenceCount
		}
		return out[i].LastSeenAt.After(out[j].LastSeenAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
