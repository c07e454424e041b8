package telemetry

import (
	"context"
	"time"

	"cdr.dev/slog/v3"

	"campus-telemetry/internal/telemetry/domain"
)

// emitTimeout is the max time allowed for a single async emit. Used by EmitAsync and by ShutdownDrainDuration.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration is how long to wait after gRPC GracefulStop before shutting down OTel providers,
// so in-flight async emits have time to complete. Must be >= emitTimeout.
const ShutdownDrainDuration = emitTimeout

// EmitAsync emits events in a goroutine with a short timeout so the caller is not blocked.
// Use from request handlers for fire-and-forget fan-out; errors are logged.
//
// emitter may be nil and events may be empty; EmitAsync then returns without starting a goroutine.
// The goroutine uses context.Background() with emitTimeout so request cancellation does not abort in-flight emits.
func EmitAsync(emitter EventEmitter, logger slog.Logger, events ...*domain.Telemetry) {
	if emitter == nil || len(events) == 0 {
		return
	}
	go func() {
		emitCtx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		for _, ev := range events {
			if ev == nil {
				continue
			}
			if err := emitter.Emit(emitCtx, ev); err != nil {
				logger.Warn(emitCtx, "async emit failed",
					slog.F("telemetry_id", ev.ID),
					slog.Error(err),
				)
			}
		}
	}()
}
