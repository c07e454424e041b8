// Package dashboard is the read path over server-side error aggregates.
package dashboard

import (
	"context"
	"strings"

	"golang.org/x/xerrors"

	"campus-telemetry/internal/telemetry/domain"
)

const (
	// DefaultDays is the dashboard window when none is given.
	DefaultDays = 7
	// MaxDays is the widest dashboard window.
	MaxDays = 90
)

// ErrInvalidArgument is returned for requests rejected before any call is made.
var ErrInvalidArgument = xerrors.New("invalid argument")

// Backend serves the aggregated error views.
type Backend interface {
	GetErrorDashboard(ctx context.Context, days int) (domain.ErrorDashboard, error)
	GetErrorPatternDetails(ctx context.Context, hash string) (domain.PatternDetails, error)
	UpdateErrorPatternStatus(ctx context.Context, hash string, status domain.PatternStatus, notes string) (domain.ErrorPattern, error)
}

// Reader validates requests and forwards them to a Backend. The client does
// no aggregation of its own.
type Reader struct {
	backend Backend
}

// NewReader returns a Reader over backend.
func NewReader(backend Backend) *Reader {
	return &Reader{backend: backend}
}

// NormalizeDays maps days to the supported window: <= 0 selects DefaultDays
// and anything above MaxDays is clamped.
func NormalizeDays(days int) int {
	if days <= 0 {
		return DefaultDays
	}
	if days > MaxDays {
		return MaxDays
	}
	return days
}

// ErrorDashboard returns the summary of the last days days.
func (r *Reader) ErrorDashboard(ctx context.Context, days int) (domain.ErrorDashboard, error) {
	d, err := r.backend.GetErrorDashboard(ctx, NormalizeDays(days))
	if err != nil {
		return domain.ErrorDashboard{}, xerrors.Errorf("get error dashboard: %w", err)
	}
	return d, nil
}

// PatternDetails returns the drill-down view of the pattern with hash.
func (r *Reader) PatternDetails(ctx context.Context, hash string) (domain.PatternDetails, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return domain.PatternDetails{}, xerrors.Errorf("error hash is required: %w", ErrInvalidArgument)
	}
	d, err := r.backend.GetErrorPatternDetails(ctx, hash)
	if err != nil {
		return domain.PatternDetails{}, xerrors.Errorf("get pattern %s: %w", hash, err)
	}
	return d, nil
}

// UpdatePatternStatus moves a pattern to status with optional operator notes.
func (r *Reader) UpdatePatternStatus(ctx context.Context, hash string, status domain.PatternStatus, notes string) (domain.ErrorPattern, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return domain.ErrorPattern{}, xerrors.Errorf("error hash is required: %w", ErrInvalidArgument)
	}
	if !status.Valid() {
		return domain.ErrorPattern{}, xerrors.Errorf("unknown status %q: %w", status, ErrInvalidArgument)
	}
	p, err := r.backend.UpdateErrorPatternStatus(ctx, hash, status, notes)
	if err != nil {
		return domain.ErrorPattern{}, xerrors.Errorf("update pattern %s: %w", hash, err)
	}
	return p, nil
}
