// Package store defines the persistence contracts of the reconciliation
// engine. Statements and their lines form one aggregate guarded by an
// optimistic version token; ReconciliationMatch records are append-only.
package store

import (
	"context"

	"github.com/valeo-erp/reconcile/internal/domain"
)

// StatementRepository persists the Statement aggregate.
type StatementRepository interface {
	// CreateStatement stores a freshly imported statement at version 1.
	CreateStatement(ctx context.Context, stmt *domain.Statement) error

	// GetStatement loads the aggregate and its current version token.
	GetStatement(ctx context.Context, tenantID, statementID string) (*domain.Statement, uint64, error)

	// FindBySourceRef resolves the import idempotency key. Returns
	// domain.ErrNotFound when no statement was imported under the key.
	FindBySourceRef(ctx context.Context, tenantID, sourceRef string) (*domain.Statement, error)

	// FindStatementByLine loads the aggregate owning the given line.
	FindStatementByLine(ctx context.Context, lineID string) (*domain.Statement, uint64, error)

	// UpdateStatement replaces the aggregate if the version still matches,
	// returning the new version. Fails with domain.ErrVersionConflict on a
	// concurrent modification.
	UpdateStatement(ctx context.Context, stmt *domain.Statement, expectedVersion uint64) (uint64, error)
}

// MatchRepository persists the append-only match audit trail.
type MatchRepository interface {
	// AppendMatch assigns the next per-line sequence number, marks earlier
	// active records for the line superseded, and stores the record.
	AppendMatch(ctx context.Context, m *domain.ReconciliationMatch) error

	// ListMatchesByLine returns all records for a line in append order.
	ListMatchesByLine(ctx context.Context, lineID string) ([]*domain.ReconciliationMatch, error)

	// CurrentMatch returns the most recent non-superseded record for a
	// line, or domain.ErrNotFound.
	CurrentMatch(ctx context.Context, lineID string) (*domain.ReconciliationMatch, error)

	// SupersedeMatches marks every active record for a line superseded.
	// Used by reopen, which detaches a line without appending a new match.
	SupersedeMatches(ctx context.Context, lineID string) error
}

// ImportRunRepository persists per-attempt import run records.
type ImportRunRepository interface {
	// SaveImportRun inserts or replaces a run by its id.
	SaveImportRun(ctx context.Context, run *domain.ImportRun) error

	// ListImportRuns returns the runs for a tenant's source reference,
	// newest first.
	ListImportRuns(ctx context.Context, tenantID, sourceRef string) ([]*domain.ImportRun, error)
}

// Store bundles the repositories a single engine instance works against.
type Store interface {
	StatementRepository
	MatchRepository
	ImportRunRepository
}
