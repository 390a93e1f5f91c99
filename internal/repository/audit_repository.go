package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-p2p-coordinator/internal/database"
	"github.com/pesio-ai/be-p2p-coordinator/internal/domain"
	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
)

// AuditRepository appends and reads audit records. The table has an
// update/delete guard trigger, so Append and PurgeExpired are the only
// mutations it exposes.
type AuditRepository struct {
	db *database.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *database.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

const auditColumns = `
	id, event_id, event_topic, source_module,
	entity_type, entity_id, actor,
	payload_snapshot, captured_at, retention_until`

// Append inserts rec. A record for an already recorded event is ignored and
// reported as not inserted.
func (r *AuditRepository) Append(ctx context.Context, rec *domain.AuditRecord) (bool, error) {
	if rec == nil || rec.EventID == "" {
		return false, errors.InvalidInput("event_id", "audit record needs an event id")
	}

	snapshot, err := json.Marshal(rec.PayloadSnapshot)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInvalidInput, "failed to marshal payload snapshot")
	}

	query := `
		INSERT INTO audit_records (` + auditColumns + `)
		VALUES ($1, $2, $3, $4,
		        $5, $6, $7,
		        $8, $9, $10)
		ON CONFLICT (event_id) DO NOTHING
	`

	tag, err := r.db.Exec(ctx, query,
		rec.ID,
		rec.EventID,
		rec.EventTopic,
		rec.SourceModule,
		rec.EntityType,
		rec.EntityID,
		rec.Actor,
		snapshot,
		rec.CapturedAt,
		rec.RetentionUntil,
	)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrCodeInternal, "failed to append audit record")
	}
	return tag.RowsAffected() == 1, nil
}

// Query returns matching records newest first.
func (r *AuditRepository) Query(ctx context.Context, f domain.AuditFilter) ([]*domain.AuditRecord, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_records WHERE 1=1`
	args := []any{}
	argCount := 1

	if f.SourceModule != nil {
		query += fmt.Sprintf(" AND source_module = $%d", argCount)
		args = append(args, *f.SourceModule)
		argCount++
	}
	if f.EventTopic != nil {
		query += fmt.Sprintf(" AND event_topic = $%d", argCount)
		args = append(args, string(*f.EventTopic))
		argCount++
	}
	if f.EntityType != nil {
		query += fmt.Sprintf(" AND entity_type = $%d", argCount)
		args = append(args, *f.EntityType)
		argCount++
	}
	if f.EntityID != nil {
		query += fmt.Sprintf(" AND entity_id = $%d", argCount)
		args = append(args, *f.EntityID)
		argCount++
	}

	query += fmt.Sprintf(" ORDER BY captured_at DESC, id DESC LIMIT $%d OFFSET $%d", argCount, argCount+1)
	args = append(args, f.EffectiveLimit(), f.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to query audit records")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// Summary counts all records, grouped by module and topic, plus those
// captured at or after since.
func (r *AuditRepository) Summary(ctx context.Context, since time.Time) (*domain.AuditSummary, error) {
	sum := &domain.AuditSummary{
		ByModule:     make(map[string]int64),
		ByEventTopic: make(map[string]int64),
	}

	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE captured_at >= $1)
		FROM audit_records
	`, since).Scan(&sum.TotalEvents, &sum.Last24Hours)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to count audit records")
	}

	if err := r.countBy(ctx, "source_module", sum.ByModule); err != nil {
		return nil, err
	}
	if err := r.countBy(ctx, "event_topic", sum.ByEventTopic); err != nil {
		return nil, err
	}
	return sum, nil
}

func (r *AuditRepository) countBy(ctx context.Context, column string, into map[string]int64) error {
	rows, err := r.db.Query(ctx, `SELECT `+column+`, COUNT(*) FROM audit_records GROUP BY `+column)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to group audit records")
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit count")
		}
		into[key] = n
	}
	return rows.Err()
}

// EntityHistory returns every record for one entity, oldest first.
func (r *AuditRepository) EntityHistory(ctx context.Context, entityType, entityID string) ([]*domain.AuditRecord, error) {
	query := `
		SELECT ` + auditColumns + `
		FROM audit_records
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY captured_at ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, entityType, entityID)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get entity history")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// PurgeExpired deletes records whose retention ended before now. The guard
// trigger compares against the database clock, so the cutoff never passes it.
func (r *AuditRepository) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM audit_records
		WHERE retention_until < LEAST($1::timestamptz, NOW())
	`, now)
	if err != nil {
		return 0, errors.Wrap(err, errors.ErrCodeInternal, "failed to purge audit records")
	}
	return tag.RowsAffected(), nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *AuditRepository) scanRows(rows pgx.Rows) ([]*domain.AuditRecord, error) {
	var records []*domain.AuditRecord
	for rows.Next() {
		rec, err := r.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read audit records")
	}
	return records, nil
}

func (r *AuditRepository) scanRecord(sc scanner) (*domain.AuditRecord, error) {
	rec := &domain.AuditRecord{}
	var topic string
	var snapshot []byte

	err := sc.Scan(
		&rec.ID,
		&rec.EventID,
		&topic,
		&rec.SourceModule,
		&rec.EntityType,
		&rec.EntityID,
		&rec.Actor,
		&snapshot,
		&rec.CapturedAt,
		&rec.RetentionUntil,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan audit record")
	}
	rec.EventTopic = domain.Topic(topic)

	if snapshot != nil {
		if err := json.Unmarshal(snapshot, &rec.PayloadSnapshot); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to unmarshal payload snapshot")
		}
	}
	return rec, nil
}
