// Package ledger defines the interface to the external ledger/open-items
// collaborator and the candidate lookup built on top of it. This is the only
// place (besides the store) where the engine crosses a process boundary.
package ledger

import (
	"context"
	"time"

	"github.com/valeo-erp/reconcile/internal/domain"
)

// Window is the date range open entries are listed for.
type Window struct {
	From time.Time
	To   time.Time
}

// Gateway is the ledger/open-items collaborator. Implementations must return
// *domain.TransientError for failures that are safe to retry and
// domain.ErrReservationConflict when an entry is already claimed.
type Gateway interface {
	// ListOpenEntries returns unreserved open entries for the tenant in the
	// given currency and date window. An empty result is a normal outcome.
	ListOpenEntries(ctx context.Context, tenantID, currency string, window Window) ([]*domain.Entry, error)

	// GetEntry fetches a single entry regardless of its reservation state.
	// Used to re-evaluate lines whose matched entry is no longer open.
	GetEntry(ctx context.Context, tenantID, entryID string) (*domain.Entry, error)

	// ReserveEntry places an exclusive claim on an entry before a match is
	// committed. Fails with domain.ErrReservationConflict when the entry is
	// already claimed, in this pass or concurrently elsewhere.
	ReserveEntry(ctx context.Context, entryID, claimToken string) error

	// ReleaseReservation revokes a claim, returning the entry to the open
	// pool.
	ReleaseReservation(ctx context.Context, claimToken string) error
}
