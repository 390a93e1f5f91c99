// Package repository holds the Postgres implementations of the coordinator's
// stores. Source document tables are read here but written by the services
// that own them.
package repository

import (
	stderrors "errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pesio-ai/be-p2p-coordinator/internal/audit"
	"github.com/pesio-ai/be-p2p-coordinator/internal/matching"
	"github.com/pesio-ai/be-p2p-coordinator/internal/workflow"
)

var (
	_ audit.Store             = (*AuditRepository)(nil)
	_ matching.Store          = (*MatchRepository)(nil)
	_ matching.DocumentSource = (*DocumentRepository)(nil)
	_ workflow.Store          = (*WorkflowRepository)(nil)
)

const pgUniqueViolation = "23505"

type scanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return stderrors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// prefixed qualifies each column in a comma separated list with alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
