package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-p2p-coordinator/internal/database"
	"github.com/pesio-ai/be-p2p-coordinator/internal/domain"
	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
)

// RulesRepository handles the approval matrix.
type RulesRepository struct {
	db *database.DB
}

// NewRulesRepository creates a new RulesRepository.
func NewRulesRepository(db *database.DB) *RulesRepository {
	return &RulesRepository{db: db}
}

const ruleColumns = `
	id, entity_type, department, min_amount, max_amount,
	level, approver_role, auto_approve, confidence_threshold, is_active`

// CreateRule inserts a matrix rule. A duplicate id is a CONFLICT.
func (r *RulesRepository) CreateRule(ctx context.Context, rule *domain.MatrixRule) error {
	query := `
		INSERT INTO approval_matrix_rules (` + ruleColumns + `)
		VALUES ($1, $2, $3, $4, $5,
		        $6, $7, $8, $9, $10)
	`

	_, err := r.db.Exec(ctx, query,
		rule.ID,
		rule.EntityType,
		rule.Department,
		rule.MinAmount,
		rule.MaxAmount,
		rule.Level,
		rule.ApproverRole,
		rule.AutoApprove,
		rule.ConfidenceThreshold,
		rule.IsActive,
	)
	if isUniqueViolation(err) {
		return errors.Newf(errors.ErrCodeConflict, "matrix rule %s already exists", rule.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to create matrix rule")
	}
	return nil
}

// ListRules returns every rule ordered by entity type and level.
func (r *RulesRepository) ListRules(ctx context.Context) ([]*domain.MatrixRule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM approval_matrix_rules
		ORDER BY entity_type ASC, level ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list matrix rules")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ListActiveRules returns the active rules for one entity type. Amount and
// department matching happens in the workflow engine.
func (r *RulesRepository) ListActiveRules(ctx context.Context, entityType string) ([]*domain.MatrixRule, error) {
	query := `
		SELECT ` + ruleColumns + `
		FROM approval_matrix_rules
		WHERE entity_type = $1
		  AND is_active = TRUE
		ORDER BY level ASC, id ASC
	`

	rows, err := r.db.Query(ctx, query, entityType)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list active matrix rules")
	}
	defer rows.Close()

	return r.scanRows(rows)
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *RulesRepository) scanRows(rows pgx.Rows) ([]*domain.MatrixRule, error) {
	var rules []*domain.MatrixRule
	for rows.Next() {
		rule := &domain.MatrixRule{}
		err := rows.Scan(
			&rule.ID,
			&rule.EntityType,
			&rule.Department,
			&rule.MinAmount,
			&rule.MaxAmount,
			&rule.Level,
			&rule.ApproverRole,
			&rule.AutoApprove,
			&rule.ConfidenceThreshold,
			&rule.IsActive,
		)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan matrix rule")
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read matrix rules")
	}
	return rules, nil
}
