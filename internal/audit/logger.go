// Package audit records who changed what on the error dashboard.
package audit

import (
	"context"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/google/uuid"

	"campus-telemetry/internal/audit/domain"
	auditrepo "campus-telemetry/internal/audit/repository"
)

// SystemActor is the app_id recorded when the caller is not authenticated
// (auth disabled, or a local tool calling the service directly).
const SystemActor = "_system"

// Actions recorded by the collector.
const (
	ActionStatusChanged = "status_changed"
)

// PatternResource is the resource name of an error pattern.
func PatternResource(hash string) string {
	return "error_pattern:" + hash
}

// ActorExtractor returns the app and key behind the request context.
type ActorExtractor func(context.Context) (appID, keyID string, ok bool)

// AuditLogger writes a single audit event. LogEvent is best-effort: failures
// are logged and do not affect the caller.
type AuditLogger interface {
	LogEvent(ctx context.Context, action, resource, metadata string)
}

// Logger implements AuditLogger using the audit repository.
type Logger struct {
	repo  auditrepo.Repository
	actor ActorExtractor
	clock quartz.Clock
	log   slog.Logger
}

// NewLogger returns an AuditLogger that persists to repo. actor may be nil;
// then every entry is attributed to SystemActor.
func NewLogger(repo auditrepo.Repository, actor ActorExtractor, clock quartz.Clock, logger slog.Logger) *Logger {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Logger{repo: repo, actor: actor, clock: clock, log: logger.Named("audit")}
}

// LogEvent writes one audit log entry.
func (l *Logger) LogEvent(ctx context.Context, action, resource, metadata string) {
	if l.repo == nil {
		return
	}
	appID, keyID := SystemActor, ""
	if l.actor != nil {
		if a, k, ok := l.actor(ctx); ok {
			appID, keyID = a, k
		}
	}
	entry := &domain.AuditLog{
		ID:        uuid.New().String(),
		AppID:     appID,
		KeyID:     keyID,
		Action:    action,
		Resource:  resource,
		Metadata:  metadata,
		CreatedAt: l.clock.Now().UTC(),
	}
	if err := l.repo.Create(ctx, entry); err != nil {
		l.log.Error(ctx, "write audit log failed",
			slog.F("action", action),
			slog.F("resource", resource),
			slog.Error(err),
		)
	}
}
