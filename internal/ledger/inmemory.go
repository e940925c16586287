package ledger

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/valeo-erp/reconcile/internal/domain"
)

// InMemory is an in-memory Gateway. It backs the CLI, the single-process
// deployment and the tests; a networked ledger service implements the same
// interface in production. Safe for concurrent use.
type InMemory struct {
	mu      sync.RWMutex
	entries map[string]*domain.Entry
	// claimed maps entry id -> claim token; tokens maps the reverse.
	claimed map[string]string
	tokens  map[string]string
}

// NewInMemory creates an empty in-memory ledger.
func NewInMemory() *InMemory {
	return &InMemory{
		entries: make(map[string]*domain.Entry),
		claimed: make(map[string]string),
		tokens:  make(map[string]string),
	}
}

// AddEntry seeds an open entry.
func (l *InMemory) AddEntry(e *domain.Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cp := *e
	l.entries[e.EntryID] = &cp
}

// ListOpenEntries implements Gateway. Entries with an active claim are not
// open and are excluded.
func (l *InMemory) ListOpenEntries(ctx context.Context, tenantID, currency string, window Window) ([]*domain.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var result []*domain.Entry
	for _, e := range l.entries {
		if e.TenantID != tenantID {
			continue
		}
		if !strings.EqualFold(e.Currency, currency) {
			continue
		}
		if _, taken := l.claimed[e.EntryID]; taken {
			continue
		}
		if e.DueDate.Before(window.From) || e.DueDate.After(window.To) {
			continue
		}
		cp := *e
		result = append(result, &cp)
	}
	return result, nil
}

// GetEntry implements Gateway.
func (l *InMemory) GetEntry(ctx context.Context, tenantID, entryID string) (*domain.Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	e, ok := l.entries[entryID]
	if !ok || e.TenantID != tenantID {
		return nil, fmt.Errorf("GetEntry: entry %s: %w", entryID, domain.ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

// ReserveEntry implements Gateway.
func (l *InMemory) ReserveEntry(ctx context.Context, entryID, claimToken string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.entries[entryID]; !ok {
		return fmt.Errorf("ReserveEntry: entry %s: %w", entryID, domain.ErrNotFound)
	}
	if holder, taken := l.claimed[entryID]; taken && holder != claimToken {
		return fmt.Errorf("ReserveEntry: entry %s: %w", entryID, domain.ErrReservationConflict)
	}
	l.claimed[entryID] = claimToken
	l.tokens[claimToken] = entryID
	return nil
}

// ReleaseReservation implements Gateway. Releasing an unknown token is a
// no-op; reservations may already have been revoked elsewhere.
func (l *InMemory) ReleaseReservation(ctx context.Context, claimToken string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entryID, ok := l.tokens[claimToken]
	if !ok {
		return nil
	}
	delete(l.tokens, claimToken)
	delete(l.claimed, entryID)
	return nil
}

var _ Gateway = (*InMemory)(nil)
