package repository

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/pesio-ai/be-p2p-coordinator/internal/database"
	"github.com/pesio-ai/be-p2p-coordinator/internal/domain"
	"github.com/pesio-ai/be-p2p-coordinator/internal/errors"
)

// MatchRepository stores match results and the exceptions they raise.
// Results are never updated; an exception is updated once, when resolved.
type MatchRepository struct {
	db *database.DB
}

// NewMatchRepository creates a new MatchRepository.
func NewMatchRepository(db *database.DB) *MatchRepository {
	return &MatchRepository{db: db}
}

const (
	resultColumns = `
		id, invoice_id, match_type, variance_percent, status, note, created_at`
	exceptionColumns = `
		id, match_result_id, invoice_id, exception_type, severity, description,
		resolution, resolved_by, resolved_at, resolution_notes, created_at`
)

// CreateOutcome inserts the result and its exception in one transaction.
func (r *MatchRepository) CreateOutcome(ctx context.Context, outcome *domain.MatchOutcome) error {
	if outcome == nil || outcome.Result == nil {
		return errors.InvalidInput("result", "match result is required")
	}

	return r.db.InTransaction(ctx, func(tx pgx.Tx) error {
		res := outcome.Result
		_, err := tx.Exec(ctx, `
			INSERT INTO match_results (`+resultColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`,
			res.ID,
			res.InvoiceID,
			string(res.MatchType),
			res.VariancePercent,
			string(res.Status),
			res.Note,
			res.CreatedAt,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create match result")
		}

		exc := outcome.Exception
		if exc == nil {
			return nil
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO match_exceptions
			    (id, match_result_id, invoice_id, exception_type, severity, description, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`,
			exc.ID,
			exc.MatchResultID,
			exc.InvoiceID,
			string(exc.ExceptionType),
			string(exc.Severity),
			exc.Description,
			exc.CreatedAt,
		)
		if err != nil {
			return errors.Wrap(err, errors.ErrCodeInternal, "failed to create match exception")
		}
		return nil
	})
}

// GetException retrieves an exception by its primary key.
func (r *MatchRepository) GetException(ctx context.Context, id string) (*domain.MatchException, error) {
	query := `SELECT ` + exceptionColumns + ` FROM match_exceptions WHERE id = $1`

	exc, err := r.scanException(r.db.QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, errors.NotFound("match_exception", id)
	}
	return exc, err
}

// ResolveException writes the resolution only while the row is still open.
func (r *MatchRepository) ResolveException(ctx context.Context, exc *domain.MatchException) error {
	query := `
		UPDATE match_exceptions
		SET resolution       = $2,
		    resolved_by      = $3,
		    resolved_at      = $4,
		    resolution_notes = $5
		WHERE id = $1
		  AND resolution IS NULL
		RETURNING id
	`

	var resolution *string
	if exc.Resolution != nil {
		s := string(*exc.Resolution)
		resolution = &s
	}

	var returnedID string
	err := r.db.QueryRow(ctx, query,
		exc.ID,
		resolution,
		exc.ResolvedBy,
		exc.ResolvedAt,
		exc.ResolutionNotes,
	).Scan(&returnedID)
	if err == pgx.ErrNoRows {
		// Distinguish a missing row from one that was closed first.
		if _, getErr := r.GetException(ctx, exc.ID); getErr != nil {
			return getErr
		}
		return errors.InvalidState("exception %s is already closed", exc.ID)
	}
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to resolve match exception")
	}
	return nil
}

// ListResults returns results newest first, optionally for one invoice.
func (r *MatchRepository) ListResults(ctx context.Context, invoiceID string, limit int) ([]*domain.MatchResult, error) {
	query := `
		SELECT ` + resultColumns + `
		FROM match_results
		WHERE ($1 = '' OR invoice_id = $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, invoiceID, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list match results")
	}
	defer rows.Close()

	var results []*domain.MatchResult
	for rows.Next() {
		res, err := r.scanResult(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read match results")
	}
	return results, nil
}

// ListExceptions returns exceptions newest first.
func (r *MatchRepository) ListExceptions(ctx context.Context, openOnly bool, limit int) ([]*domain.MatchException, error) {
	query := `SELECT ` + exceptionColumns + ` FROM match_exceptions`
	if openOnly {
		query += " WHERE resolution IS NULL"
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT $1"

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to list match exceptions")
	}
	defer rows.Close()

	var out []*domain.MatchException
	for rows.Next() {
		exc, err := r.scanException(rows)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan match exception")
		}
		out = append(out, exc)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to read match exceptions")
	}
	return out, nil
}

// Summary aggregates match results and open exceptions.
func (r *MatchRepository) Summary(ctx context.Context) (*domain.MatchSummary, error) {
	query := `
		SELECT
		    (SELECT COUNT(*) FROM match_results),
		    (SELECT COUNT(*) FROM match_results WHERE status = 'PASSED'),
		    (SELECT COUNT(*) FROM match_results WHERE status = 'EXCEPTION'),
		    (SELECT COUNT(*) FROM match_results WHERE status = 'BLOCKED'),
		    (SELECT COUNT(*) FROM match_exceptions WHERE resolution IS NULL)
	`

	sum := &domain.MatchSummary{}
	err := r.db.QueryRow(ctx, query).Scan(
		&sum.TotalMatches,
		&sum.Passed,
		&sum.Exceptions,
		&sum.Blocked,
		&sum.OpenExceptions,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to summarise matches")
	}
	return sum, nil
}

// ── scan helpers ──────────────────────────────────────────────────────────────

func (r *MatchRepository) scanResult(sc scanner) (*domain.MatchResult, error) {
	res := &domain.MatchResult{}
	var matchType, status string

	err := sc.Scan(
		&res.ID,
		&res.InvoiceID,
		&matchType,
		&res.VariancePercent,
		&status,
		&res.Note,
		&res.CreatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInternal, "failed to scan match result")
	}
	res.MatchType = domain.MatchType(matchType)
	res.Status = domain.MatchStatus(status)
	return res, nil
}

// scanException returns pgx.ErrNoRows unwrapped so callers can map it.
func (r *MatchRepository) scanException(sc scanner) (*domain.MatchException, error) {
	exc := &domain.MatchException{}
	var excType, severity string
	var resolution *string

	err := sc.Scan(
		&exc.ID,
		&exc.MatchResultID,
		&exc.InvoiceID,
		&excType,
		&severity,
		&exc.Description,
		&resolution,
		&exc.ResolvedBy,
		&exc.ResolvedAt,
		&exc.ResolutionNotes,
		&exc.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	exc.ExceptionType = domain.ExceptionType(excType)
	exc.Severity = domain.Severity(severity)
	if resolution != nil {
		res := domain.Resolution(*resolution)
		exc.Resolution = &res
	}
	return exc, nil
}
