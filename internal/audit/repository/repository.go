package repository

import (
	"context"

	"campus-telemetry/internal/audit/domain"
)

// Repository defines persistence for audit logs.
type Repository interface {
	Create(ctx context.Context, a *domain.AuditLog) error
	// ListByResource returns the newest entries for resource first.
	ListByResource(ctx context.Context, resource string, limit int) ([]*domain.AuditLog, error)
}
