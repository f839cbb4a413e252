package audit

import (
	"context"
	"database/sql"
	"time"
)

// PostgresRecorder writes audit entries to PostgreSQL.
type PostgresRecorder struct {
	db *sql.DB
}

// NewPostgresRecorder creates an audit recorder backed by PostgreSQL.
func NewPostgresRecorder(db *sql.DB) *PostgresRecorder {
	return &PostgresRecorder{db: db}
}

var _ Recorder = (*PostgresRecorder)(nil)
var _ Querier = (*PostgresRecorder)(nil)

func (r *PostgresRecorder) Record(ctx context.Context, entry *Entry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_log (actor_role, actor_id, action, entity_type, entity_id, before_state, after_state, detail, request_id, ip_address, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, '')::JSONB, $9, $10, NOW())
	`, entry.ActorRole, entry.ActorID, entry.Action, entry.EntityType, entry.EntityID,
		entry.BeforeState, entry.AfterState, entry.Detail, entry.RequestID, entry.IPAddress)
	return err
}

func (r *PostgresRecorder) Query(ctx context.Context, entityType, entityID string, from, to time.Time, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	if to.IsZero() {
		to = time.Now()
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, actor_role, COALESCE(actor_id, ''), action, entity_type, entity_id,
			COALESCE(before_state, ''), COALESCE(after_state, ''),
			COALESCE(detail::TEXT, ''), COALESCE(request_id, ''), COALESCE(ip_address, ''), created_at
		FROM audit_log
		WHERE entity_type = $1 AND entity_id = $2 AND created_at >= $3 AND created_at <= $4
		ORDER BY created_at DESC LIMIT $5
	`, entityType, entityID, from, to, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.ActorRole, &e.ActorID, &e.Action, &e.EntityType, &e.EntityID,
			&e.BeforeState, &e.AfterState, &e.Detail, &e.RequestID, &e.IPAddress, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
