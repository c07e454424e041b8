package telemetry

import (
	"context"

	"golang.org/x/xerrors"

	"campus-telemetry/internal/telemetry/domain"
)

// EventEmitter forwards stored telemetry to a downstream sink (Kafka, OTel
// Logs). Best-effort; callers log and ignore errors.
type EventEmitter interface {
	Emit(ctx context.Context, t *domain.Telemetry) error
}

// MultiEmitter emits to every non-nil emitter in order and joins their errors.
type MultiEmitter []EventEmitter

// Emit implements EventEmitter.
func (m MultiEmitter) Emit(ctx context.Context, t *domain.Telemetry) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := e.Emit(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	switch len(errs) {
	case 0:
		return nil
	case 1:
		return errs[0]
	default:
		return xerrors.Errorf("%d emitters failed, first: %w", len(errs), errs[0])
	}
}
