package repository

import (
	"context"
	"database/sql"

	"campus-telemetry/internal/audit/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an audit log repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create persists the audit log. The audit log must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, a *domain.AuditLog) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO audit_logs (id, app_id, key_id, action, resource, metadata, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.AppID, nullString(a.KeyID), a.Action, a.Resource, nullString(a.Metadata), a.CreatedAt)
	return err
}

// ListByResource returns up to limit entries for resource, newest first.
func (r *PostgresRepository) ListByResource(ctx context.Context, resource string, limit int) ([]*domain.AuditLog, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, app_id, key_id, action, resource, metadata, created_at
		 FROM audit_logs WHERE resource = $1
		 ORDER BY created_at DESC LIMIT $2`,
		resource, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.AuditLog
	for rows.Next() {
		var (
			a           domain.AuditLog
			keyID, meta sql.NullString
		)
		if err := rows.Scan(&a.ID, &a.AppID, &keyID, &a.Action, &a.Resource, &meta, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.KeyID = keyID.String
		a.Metadata = meta.String
		out = append(out, &a)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
