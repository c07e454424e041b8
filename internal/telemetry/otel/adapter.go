package otel

import (
	"context"
	"encoding/json"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"campus-telemetry/internal/telemetry"
	"campus-telemetry/internal/telemetry/domain"
)

// scopeName is the instrumentation scope of emitted log records.
const scopeName = "campus.telemetry"

// NewEventEmitter returns an EventEmitter that sends stored events as OTel log records via the given LoggerProvider.
// If provider is nil, returns a no-op emitter.
func NewEventEmitter(provider *sdklog.LoggerProvider) telemetry.EventEmitter {
	if provider == nil {
		return noopEmitter{}
	}
	return NewEventEmitterWithLogger(provider.Logger(scopeName))
}

// NewEventEmitterWithLogger returns an EventEmitter writing to logger.
func NewEventEmitterWithLogger(logger otellog.Logger) telemetry.EventEmitter {
	return &otelEmitter{logger: logger}
}

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *domain.Telemetry) error { return nil }

type otelEmitter struct {
	logger otellog.Logger
}

// Emit converts the event to an OTel log record: the payload becomes the JSON
// body and the identifying fields become attributes.
func (e *otelEmitter) Emit(ctx context.Context, t *domain.Telemetry) error {
	if t == nil {
		return nil
	}
	ev := t.Event
	rec := otellog.Record{}
	rec.SetTimestamp(ev.OccurredAt)
	rec.SetObservedTimestamp(t.ReceivedAt)
	rec.SetSeverity(otellog.SeverityInfo)
	rec.SetEventName(string(ev.EventType))
	if len(ev.Payload) > 0 {
		if body, err := json.Marshal(ev.Payload); err == nil {
			rec.SetBody(otellog.BytesValue(body))
		}
	}
	addString := func(key, value string) {
		if value != "" {
			rec.AddAttributes(otellog.String(key, value))
		}
	}
	if ev.UserID != nil {
		addString("user_id", *ev.UserID)
	}
	addString("session_id", ev.SessionID)
	addString("event_type", string(ev.EventType))
	addString("event_name", ev.EventName)
	addString("category", string(ev.Category))
	addString("screen_name", ev.ScreenName)
	addString("component_name", ev.ComponentName)
	addString("device_type", ev.DeviceType)
	addString("app_version", ev.AppVersion)
	if t.ID != 0 {
		rec.AddAttributes(otellog.Int64("telemetry_id", t.ID))
	}
	if rec.Timestamp().IsZero() {
		rec.SetTimestamp(time.Now().UTC())
	}
	e.logger.Emit(ctx, rec)
	return nil
}
