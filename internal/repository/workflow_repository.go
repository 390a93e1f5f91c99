package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-p2p-coordinator/internal/database"
	"github.com/pesio-ai/be-p2p-coordinator/internal/domain"
	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
)

// WorkflowRepository manages approval instances and their steps, and serves
// the matrix through the embedded RulesRepository. An instance and its steps
// are always written together in a single transaction.
type WorkflowRepository struct {
	*RulesRepository
	db *database.DB
}

// NewWorkflowRepository creates a new WorkflowRepository.
func NewWorkflowRepository(db *database.DB) *WorkflowRepository {
	return &WorkflowRepository{RulesRepository: NewRulesRepository(db), db: db}
}

const (
	instanceColumns = `
		id, entity_type, entity_id, amount, department,
		total_levels, current_level, status, requested_by,
		version, created_at, completed_at`
	stepColumns = `
		id, instance_id, level, rule_id, approver_role,
		auto_approve, confidence_threshold, status,
		approver_name, comments, decided_at`
)

// CreateInstance inserts an instance and its steps in one transaction.
func (r *WorkflowRepository) CreateInstance(ctx context.Context, inst *domain.ApprovalInstance) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO approval_instances (`+instanceColumns+`)
			VALUES ($1, $2, $3, $4, $5,
			        $6, $7, $8, $9,
			        $10, $11, $12)
		`,
			inst.ID,
			inst.EntityType,
			inst.EntityID,
			inst.Amount,
			inst.Department,
			inst.TotalLevels,
			inst.CurrentLevel,
			string(inst.Status),
			inst.RequestedBy,
			inst.Version,
			inst.CreatedAt,
			inst.CompletedAt,
		)
		if isUniqueViolation(err) {
			return errors.Newf(errors.ErrCodeConflict, "approval %s already exists", inst.ID)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval instance")
		}

		stepQuery := `
			INSERT INTO approval_steps (` + stepColumns + `)
			VALUES ($1, $2, $3, $4, $5,
			        $6, $7, $8,
			        $9, $10, $11)
		`
		for _, step := range inst.Steps {
			_, err := tx.Exec(ctx, stepQuery,
				step.ID,
				inst.ID,
				step.Level,
				step.RuleID,
				step.ApproverRole,
				step.AutoApprove,
				step.ConfidenceThreshold,
				string(step.Status),
				step.ApproverName,
				step.Comments,
				step.DecidedAt,
			)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to create approval step")
			}
		}
		return nil
	})
}

// GetInstance retrieves an instance with its steps.
func (r *WorkflowRepository) GetInstance(ctx context.Context, id string) (*domain.ApprovalInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM approval_instances WHERE id = $1`

	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_instance", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval instance")
	}
	if err := r.loadSteps(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// GetLatestByEntity returns the most recently created instance for an entity.
func (r *WorkflowRepository) GetLatestByEntity(ctx context.Context, entityType, entityID string) (*domain.ApprovalInstance, error) {
	query := `
		SELECT ` + instanceColumns + `
		FROM approval_instances
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`

	inst, err := r.scanInstance(r.db.QueryRow(ctx, query, entityType, entityID))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("approval_instance", entityType+"/"+entityID)
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval instance")
	}
	if err := r.loadSteps(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// SaveTransition writes the instance header and every step, guarded by the
// stored version. Steps are written in level order so the single-PENDING
// index never sees two pending rows.
func (r *WorkflowRepository) SaveTransition(ctx context.Context, inst *domain.ApprovalInstance, expectedVersion int) error {
	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		var returnedID string
		err := tx.QueryRow(ctx, `
			UPDATE approval_instances
			SET current_level = $3,
			    status        = $4,
			    version       = $5,
			    completed_at  = $6
			WHERE id = $1
			  AND version = $2
			RETURNING id
		`,
			inst.ID,
			expectedVersion,
			inst.CurrentLevel,
			string(inst.Status),
			inst.Version,
			inst.CompletedAt,
		).Scan(&returnedID)
		if err == pgx.ErrNoRows {
			var stored int
			if err := tx.QueryRow(ctx, `SELECT version FROM approval_instances WHERE id = $1`, inst.ID).Scan(&stored); err == pgx.ErrNoRows {
				return errors.NotFound("approval_instance", inst.ID)
			}
			return errors.Newf(errors.ErrCodeConflict,
				"approval %s was modified concurrently (version %d, expected %d)", inst.ID, stored, expectedVersion)
		}
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval instance")
		}

		stepQuery := `
			UPDATE approval_steps
			SET status        = $2,
			    approver_name = $3,
			    comments      = $4,
			    decided_at    = $5
			WHERE id = $1
		`
		for _, step := range inst.Steps {
			_, err := tx.Exec(ctx, stepQuery,
				step.ID,
				string(step.Status),
				step.ApproverName,
				step.Comments,
				step.DecidedAt,
			)
			if err != nil {
				return errors.Wrap(err, errors.ErrCodeInternal, "failed to update approval step")
			}
		}
		return nil
	})
}

// ListPending returns PENDING instances whose current step waits on role, or
// every PENDING instance when role is empty. Oldest first.
func (r *WorkflowRepository) ListPending(ctx context.Context, role string) ([]*domain.ApprovalInstance, error) {
	query := `
		SELECT ` + prefixed("i", instanceColumns) + `
		FROM approval_instances i
		JOIN approval_steps s
		  ON s.instance_id = i.id
		 AND s.level = i.current_level
		WHERE i.status = 'PENDING'
		  AND ($1 = '' OR s.approver_role = $1)
		ORDER BY i.created_at ASC, i.id ASC
	`

	rows, err := r.db.Query(ctx, query, role)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list pending approvals")
	}
	defer rows.Close()

	var out []*domain.ApprovalInstance
	for rows.Next() {
		inst, err := r.scanInstance(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval instance")
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read pending approvals")
	}
	rows.Close()

	for _, inst := range out {
		if err := r.loadSteps(ctx, inst); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *WorkflowRepository) loadSteps(ctx context.Context, inst *domain.ApprovalInstance) error {
	query := `
		SELECT ` + stepColumns + `
		FROM approval_steps
		WHERE instance_id = $1
		ORDER BY level ASC
	`

	rows, err := r.db.Query(ctx, query, inst.ID)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to get approval steps")
	}
	defer rows.Close()

	inst.Steps = inst.Steps[:0]
	for rows.Next() {
		s := &domain.ApprovalStep{}
		var status string
		err := rows.Scan(
			&s.ID,
			&s.InstanceID,
			&s.Level,
			&s.RuleID,
			&s.ApproverRole,
			&s.AutoApprove,
			&s.ConfidenceThreshold,
			&status,
			&s.ApproverName,
			&s.Comments,
			&s.DecidedAt,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to scan approval step")
		}
		s.Status = domain.StepStatus(status)
		inst.Steps = append(inst.Steps, s)
	}
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to read approval steps")
	}
	return nil
}

// scanInstance returns pgx.ErrNoRows unwrapped so callers can map it.
func (r *WorkflowRepository) scanInstance(sc scanner) (*domain.ApprovalInstance, error) {
	inst := &domain.ApprovalInstance{}
	var status string

	err := sc.Scan(
		&inst.ID,
		&inst.EntityType,
		&inst.EntityID,
		&inst.Amount,
		&inst.Department,
		&inst.TotalLevels,
		&inst.CurrentLevel,
		&status,
		&inst.RequestedBy,
		&inst.Version,
		&inst.CreatedAt,
		&inst.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	inst.Status = domain.InstanceStatus(status)
	return inst, nil
}
