// Package producer publishes stored telemetry to a message broker for
// downstream consumers such as the Loki worker.
package producer

import (
	"context"

	"campus-telemetry/internal/telemetry/domain"
)

// Producer emits stored telemetry. Callers use it best-effort: log and
// ignore errors.
type Producer interface {
	Emit(ctx context.Context, t *domain.Telemetry) error
	// Close releases resources. Safe to call if already closed.
	Close() error
}

// Message is the JSON value written for each event. It flattens the event
// so consumers do not need the domain package.
type Message struct {
	ID int64 `json:"id"`
	domain.Event
	ReceivedAt string `json:"received_at"`
}
