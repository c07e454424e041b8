package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"golang.org/x/xerrors"

	"campus-telemetry/internal/telemetry/domain"
)

const patternColumns = `error_hash, error_type, name, message_template, occurrence_count,
	affected_users_count, severity, status, notes, first_seen_at, last_seen_at, fixed_at`

const reportColumns = `id, error_hash, error_type, message, name, stack, screen_name, component_name,
	action_name, metadata, request_data, response_data, severity, is_handled, device_type,
	app_version, user_id, session_id, message_template, occurred_at, received_at`

// PostgresRepository stores events and error reports in the tables created by
// the embedded migrations.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a repository that uses db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// SaveEvents implements Repository. The batch is written in one transaction.
func (r *PostgresRepository) SaveEvents(ctx context.Context, events []domain.Event, receivedAt time.Time) ([]domain.Telemetry, error) {
	if len(events) == 0 {
		return nil, nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO telemetry_events
		(user_id, event_type, event_name, category, screen_name, component_name, payload,
		 session_id, device_type, app_version, occurred_at, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id`)
	if err != nil {
		return nil, xerrors.Errorf("prepare insert event: %w", err)
	}
	defer stmt.Close()

	out := make([]domain.Telemetry, 0, len(events))
	for _, e := range events {
		payload, err := jsonColumn(e.Payload)
		if err != nil {
			return nil, xerrors.Errorf("encode payload of %q: %w", e.EventName, err)
		}
		var id int64
		err = stmt.QueryRowContext(ctx,
			nullStringFromPtr(e.UserID), string(e.EventType), e.EventName, nullString(string(e.Category)),
			nullString(e.ScreenName), nullString(e.ComponentName), payload,
			e.SessionID, e.DeviceType, e.AppVersion, e.OccurredAt, receivedAt,
		).Scan(&id)
		if err != nil {
			return nil, xerrors.Errorf("insert event %q: %w", e.EventName, err)
		}
		out = append(out, domain.Telemetry{ID: id, Event: e, ReceivedAt: receivedAt})
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Errorf("commit: %w", err)
	}
	return out, nil
}

// SaveErrorReport implements Repository. The pattern row is locked for the
// duration of the transaction so concurrent occurrences are counted once each.
func (r *PostgresRepository) SaveErrorReport(ctx context.Context, rec domain.ErrorRecord) (domain.ErrorPattern, error) {
	rep := rec.Report
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ErrorPattern{}, xerrors.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	first := newPattern(rec)
	_, err = tx.ExecContext(ctx, `INSERT INTO error_patterns
		(error_hash, error_type, name, message_template, occurrence_count, affected_users_count,
		 severity, status, first_seen_at, last_seen_at)
		VALUES ($1, $2, $3, $4, 0, 0, $5, $6, $7, $7)
		ON CONFLICT (error_hash) DO NOTHING`,
		first.ErrorHash, string(first.ErrorType), nullString(first.Name), first.MessageTemplate,
		string(first.Severity), string(first.Status), first.FirstSeenAt)
	if err != nil {
		return domain.ErrorPattern{}, xerrors.Errorf("insert pattern: %w", err)
	}
	p, err := scanPattern(tx.QueryRowContext(ctx,
		`SELECT `+patternColumns+` FROM error_patterns WHERE error_hash = $1 FOR UPDATE`, rep.ErrorHash))
	if err != nil {
		return domain.ErrorPattern{}, xerrors.Errorf("lock pattern: %w", err)
	}

	if err := insertReport(ctx, tx, rec); err != nil {
		return domain.ErrorPattern{}, err
	}
	var users int64
	err = tx.QueryRowContext(ctx, `SELECT COUNT(DISTINCT user_id) FROM error_reports
		WHERE error_hash = $1 AND user_id IS NOT NULL AND user_id <> ''`, rep.ErrorHash).Scan(&users)
	if err != nil {
		return domain.ErrorPattern{}, xerrors.Errorf("count affected users: %w", err)
	}
	applyOccurrence(&p, rec, users)

	_, err = tx.ExecContext(ctx, `UPDATE error_patterns SET
		occurrence_count = $2, affected_users_count = $3, severity = $4, last_seen_at = $5
		WHERE error_hash = $1`,
		p.ErrorHash, p.OccurrenceCount, p.AffectedUsersCount, string(p.Severity), p.LastSeenAt)
	if err != nil {
		return domain.ErrorPattern{}, xerrors.Errorf("update pattern: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.ErrorPattern{}, xerrors.Errorf("commit: %w", err)
	}
	return p, nil
}

func insertReport(ctx context.Context, tx *sql.Tx, rec domain.ErrorRecord) error {
	rep := rec.Report
	meta, err := jsonColumn(rep.Metadata)
	if err != nil {
		return xerrors.Errorf("encode metadata: %w", err)
	}
	reqData, err := jsonColumn(rep.RequestData)
	if err != nil {
		return xerrors.Errorf("encode request data: %w", err)
	}
	respData, err := jsonColumn(rep.ResponseData)
	if err != nil {
		return xerrors.Errorf("encode response data: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO error_reports (`+reportColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)`,
		rec.ID, rep.ErrorHash, string(rep.ErrorType), rep.Message, nullString(rep.Name), nullString(rep.Stack),
		nullString(rep.ScreenName), nullString(rep.ComponentName), nullString(rep.ActionName),
		meta, reqData, respData, string(rep.Severity), rep.IsHandled, rep.DeviceType,
		rep.AppVersion, nullStringFromPtr(rep.UserID), nullString(rep.SessionID), rep.MessageTemplate,
		rep.OccurredAt, rec.ReceivedAt)
	if err != nil {
		return xerrors.Errorf("insert report: %w", err)
	}
	return nil
}

// GetPattern implements Repository.
func (r *PostgresRepository) GetPattern(ctx context.Context, hash string) (domain.ErrorPattern, error) {
	p, err := scanPattern(r.db.QueryRowContext(ctx,
		`SELECT `+patternColumns+` FROM error_patterns WHERE error_hash = $1`, hash))
	if xerrors.Is(err, sql.ErrNoRows) {
		return domain.ErrorPattern{}, ErrNotFound
	}
	if err != nil {
		return domain.ErrorPattern{}, xerrors.Errorf("get pattern: %w", err)
	}
	return p, nil
}

// ListRecentReports implements Repository.
func (r *PostgresRepository) ListRecentReports(ctx context.Context, hash string, limit int) ([]domain.ErrorRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+reportColumns+` FROM error_reports
		WHERE error_hash = $1 ORDER BY received_at DESC LIMIT $2`, hash, limit)
	if err != nil {
		return nil, xerrors.Errorf("list reports: %w", err)
	}
	defer rows.Close()
	var out []domain.ErrorRecord
	for rows.Next() {
		rec, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Errorf("list reports: %w", err)
	}
	return out, nil
}

// PatternBreakdown implements Repository.
func (r *PostgresRepository) PatternBreakdown(ctx context.Context, hash string) (Breakdown, error) {
	b := Breakdown{}
	var err error
	b.ByAppVersion, err = r.countBy(ctx, "app_version", hash)
	if err != nil {
		return Breakdown{}, err
	}
	b.ByDeviceType, err = r.countBy(ctx, "device_type", hash)
	if err != nil {
		return Breakdown{}, err
	}
	return b, nil
}

// countBy groups a pattern's reports by column, which must be a trusted
// column name.
func (r *PostgresRepository) countBy(ctx context.Context, column, hash string) (map[string]int64, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+column+`, COUNT(*) FROM error_reports
		WHERE error_hash = $1 GROUP BY `+column, hash)
	if err != nil {
		return nil, xerrors.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()
	out := map[string]int64{}
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return nil, xerrors.Errorf("scan %s count: %w", column, err)
		}
		out[key] = n
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Errorf("count by %s: %w", column, err)
	}
	return out, nil
}

// UpdatePatternStatus implements Repository.
func (r *PostgresRepository) UpdatePatternStatus(ctx context.Context, hash string, status domain.PatternStatus, notes string, fixedAt *time.Time) (domain.ErrorPattern, error) {
	fixed := sql.NullTime{}
	if fixedAt != nil {
		fixed = sql.NullTime{Time: *fixedAt, Valid: true}
	}
	p, err := scanPattern(r.db.QueryRowContext(ctx, `UPDATE error_patterns SET
		status = $2, notes = COALESCE(NULLIF($3, ''), notes), fixed_at = $4
		WHERE error_hash = $1
		RETURNING `+patternColumns, hash, string(status), notes, fixed))
	if xerrors.Is(err, sql.ErrNoRows) {
		return domain.ErrorPattern{}, ErrNotFound
	}
	if err != nil {
		return domain.ErrorPattern{}, xerrors.Errorf("update pattern status: %w", err)
	}
	return p, nil
}

// WindowStats implements Repository.
func (r *PostgresRepository) WindowStats(ctx context.Context, since time.Time) (WindowStats, error) {
	s := WindowStats{ByType: map[domain.ErrorType]int64{}}
	err := r.db.QueryRowContext(ctx, `SELECT
			COUNT(*),
			COUNT(DISTINCT error_hash),
			COUNT(DISTINCT NULLIF(user_id, '')),
			COUNT(*) FILTER (WHERE severity = 'critical')
		FROM error_reports WHERE received_at >= $1`, since).
		Scan(&s.TotalErrors, &s.UniquePatterns, &s.AffectedUsers, &s.CriticalCount)
	if err != nil {
		return WindowStats{}, xerrors.Errorf("window totals: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `SELECT error_type, COUNT(*) FROM error_reports
		WHERE received_at >= $1 GROUP BY error_type`, since)
	if err != nil {
		return WindowStats{}, xerrors.Errorf("count by type: %w", err)
	}
	for rows.Next() {
		var typ string
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			rows.Close()
			return WindowStats{}, xerrors.Errorf("scan type count: %w", err)
		}
		s.ByType[domain.ErrorType(typ)] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return WindowStats{}, xerrors.Errorf("count by type: %w", err)
	}

	rows, err = r.db.QueryContext(ctx, `SELECT date_trunc('day', received_at AT TIME ZONE 'UTC') AS day, COUNT(*)
		FROM error_reports WHERE received_at >= $1 GROUP BY day ORDER BY day`, since)
	if err != nil {
		return WindowStats{}, xerrors.Errorf("daily trend: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var day time.Time
		var n int64
		if err := rows.Scan(&day, &n); err != nil {
			return WindowStats{}, xerrors.Errorf("scan trend: %w", err)
		}
		s.Trend = append(s.Trend, domain.TrendPoint{Day: dayOf(day), Count: n})
	}
	if err := rows.Err(); err != nil {
		return WindowStats{}, xerrors.Errorf("daily trend: %w", err)
	}
	return s, nil
}

// TopPatterns implements Repository.
func (r *PostgresRepository) TopPatterns(ctx context.Context, since time.Time, limit int) ([]domain.ErrorPattern, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+patternColumns+` FROM error_patterns
		WHERE last_seen_at >= $1 ORDER BY occurrence_count DESC, last_seen_at DESC LIMIT $2`, since, limit)
	if err != nil {
		return nil, xerrors.Errorf("top patterns: %w", err)
	}
	defer rows.Close()
	var out []domain.ErrorPattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, xerrors.Errorf("scan pattern: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Errorf("top patterns: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPattern(row scanner) (domain.ErrorPattern, error) {
	var (
		p                     domain.ErrorPattern
		typ, severity, status string
		name, notes           sql.NullString
		fixedAt               sql.NullTime
	)
	err := row.Scan(&p.ErrorHash, &typ, &name, &p.MessageTemplate, &p.OccurrenceCount,
		&p.AffectedUsersCount, &severity, &status, &notes, &p.FirstSeenAt, &p.LastSeenAt, &fixedAt)
	if err != nil {
		return domain.ErrorPattern{}, err
	}
	p.ErrorType = domain.ErrorType(typ)
	p.Severity = domain.Severity(severity)
	p.Status = domain.PatternStatus(status)
	p.Name = name.String
	p.Notes = notes.String
	p.FirstSeenAt = p.FirstSeenAt.UTC()
	p.LastSeenAt = p.LastSeenAt.UTC()
	if fixedAt.Valid {
		t := fixedAt.Time.UTC()
		p.FixedAt = &t
	}
	return p, nil
}

func scanReport(row scanner) (domain.ErrorRecord, error) {
	var (
		rec                                                   domain.ErrorRecord
		rep                                                   = &rec.Report
		typ, severity                                         string
		name, stack, screen, component, action, user, session sql.NullString
		meta, reqData, respData                               []byte
	)
	err := row.Scan(&rec.ID, &rep.ErrorHash, &typ, &rep.Message, &name, &stack, &screen, &component,
		&action, &meta, &reqData, &respData, &severity, &rep.IsHandled, &rep.DeviceType,
		&rep.AppVersion, &user, &session, &rep.MessageTemplate, &rep.OccurredAt, &rec.ReceivedAt)
	if err != nil {
		return domain.ErrorRecord{}, xerrors.Errorf("scan report: %w", err)
	}
	rep.ErrorType = domain.ErrorType(typ)
	rep.Severity = domain.Severity(severity)
	rep.Name, rep.Stack = name.String, stack.String
	rep.ScreenName, rep.ComponentName, rep.ActionName = screen.String, component.String, action.String
	rep.SessionID = session.String
	rep.UserID = ptrFromNullString(user)
	rep.OccurredAt = rep.OccurredAt.UTC()
	rec.ReceivedAt = rec.ReceivedAt.UTC()
	for _, col := range []struct {
		raw []byte
		dst *map[string]any
	}{{meta, &rep.Metadata}, {reqData, &rep.RequestData}, {respData, &rep.ResponseData}} {
		if len(col.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(col.raw, col.dst); err != nil {
			return domain.ErrorRecord{}, xerrors.Errorf("decode report %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullStringFromPtr(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func ptrFromNullString(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	return &n.String
}

// jsonColumn encodes m for a JSONB column; an empty map is stored as NULL.
func jsonColumn(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}
