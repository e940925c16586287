// Package inmemory provides the in-memory Store used by the CLI, the
// single-process deployment and the tests. Data is lost on restart; a
// database-backed implementation satisfies the same contracts in production.
package inmemory

import (
	"context"
	"fmt"
	"sync"

	"github.com/valeo-erp/reconcile/internal/domain"
	"github.com/valeo-erp/reconcile/internal/store"
)

// Store is an in-memory store.Store. Safe for concurrent use.
type Store struct {
	mu         sync.RWMutex
	statements map[string]*domain.Statement // keyed by statement id
	versions   map[string]uint64
	bySource   map[string]string // tenant+sourceRef -> statement id
	byLine     map[string]string // line id -> statement id
	matches    map[string][]*domain.ReconciliationMatch
	runs       map[string][]*domain.ImportRun // keyed by tenant+sourceRef
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		statements: make(map[string]*domain.Statement),
		versions:   make(map[string]uint64),
		bySource:   make(map[string]string),
		byLine:     make(map[string]string),
		matches:    make(map[string][]*domain.ReconciliationMatch),
		runs:       make(map[string][]*domain.ImportRun),
	}
}

func sourceKey(tenantID, sourceRef string) string {
	return tenantID + "\x00" + sourceRef
}

// CreateStatement implements store.StatementRepository.
func (s *Store) CreateStatement(ctx context.Context, stmt *domain.Statement) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.statements[stmt.StatementID]; exists {
		return fmt.Errorf("CreateStatement: statement %s already exists", stmt.StatementID)
	}

	cp := copyStatement(stmt)
	s.statements[stmt.StatementID] = cp
	s.versions[stmt.StatementID] = 1
	s.bySource[sourceKey(stmt.TenantID, stmt.SourceRef)] = stmt.StatementID
	for _, l := range cp.Lines {
		s.byLine[l.LineID] = stmt.StatementID
	}
	return nil
}

// GetStatement implements store.StatementRepository.
func (s *Store) GetStatement(ctx context.Context, tenantID, statementID string) (*domain.Statement, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stmt, ok := s.statements[statementID]
	if !ok || stmt.TenantID != tenantID {
		return nil, 0, fmt.Errorf("GetStatement: statement %s: %w", statementID, domain.ErrNotFound)
	}
	return copyStatement(stmt), s.versions[statementID], nil
}

// FindBySourceRef implements store.StatementRepository.
func (s *Store) FindBySourceRef(ctx context.Context, tenantID, sourceRef string) (*domain.Statement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.bySource[sourceKey(tenantID, sourceRef)]
	if !ok {
		return nil, fmt.Errorf("FindBySourceRef: %s: %w", sourceRef, domain.ErrNotFound)
	}
	return copyStatement(s.statements[id]), nil
}

// FindStatementByLine implements store.StatementRepository.
func (s *Store) FindStatementByLine(ctx context.Context, lineID string) (*domain.Statement, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byLine[lineID]
	if !ok {
		return nil, 0, fmt.Errorf("FindStatementByLine: line %s: %w", lineID, domain.ErrNotFound)
	}
	return copyStatement(s.statements[id]), s.versions[id], nil
}

// UpdateStatement implements store.StatementRepository.
func (s *Store) UpdateStatement(ctx context.Context, stmt *domain.Statement, expectedVersion uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.versions[stmt.StatementID]
	if !ok {
		return 0, fmt.Errorf("UpdateStatement: statement %s: %w", stmt.StatementID, domain.ErrNotFound)
	}
	if current != expectedVersion {
		return 0, fmt.Errorf("UpdateStatement: statement %s: version %d, expected %d: %w",
			stmt.StatementID, current, expectedVersion, domain.ErrVersionConflict)
	}

	s.statements[stmt.StatementID] = copyStatement(stmt)
	s.versions[stmt.StatementID] = current + 1
	return current + 1, nil
}

// AppendMatch implements store.MatchRepository.
func (s *Store) AppendMatch(ctx context.Context, m *domain.ReconciliationMatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// A full match supersedes everything active; a split allocation only
	// supersedes a prior full match, so sibling allocations stay active.
	existing := s.matches[m.LineID]
	for _, prior := range existing {
		if prior.Superseded {
			continue
		}
		if m.Kind == domain.MatchKindFull || prior.Kind == domain.MatchKindFull {
			prior.Superseded = true
		}
	}

	cp := *m
	cp.Sequence = len(existing) + 1
	s.matches[m.LineID] = append(existing, &cp)
	m.Sequence = cp.Sequence
	return nil
}

// ListMatchesByLine implements store.MatchRepository.
func (s *Store) ListMatchesByLine(ctx context.Context, lineID string) ([]*domain.ReconciliationMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.matches[lineID]
	result := make([]*domain.ReconciliationMatch, 0, len(records))
	for _, r := range records {
		cp := *r
		result = append(result, &cp)
	}
	return result, nil
}

// CurrentMatch implements store.MatchRepository.
func (s *Store) CurrentMatch(ctx context.Context, lineID string) (*domain.ReconciliationMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.matches[lineID]
	for i := len(records) - 1; i >= 0; i-- {
		if !records[i].Superseded {
			cp := *records[i]
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("CurrentMatch: line %s: %w", lineID, domain.ErrNotFound)
}

// SupersedeMatches implements store.MatchRepository.
func (s *Store) SupersedeMatches(ctx context.Context, lineID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.matches[lineID] {
		r.Superseded = true
	}
	return nil
}

// SaveImportRun implements store.ImportRunRepository.
func (s *Store) SaveImportRun(ctx context.Context, run *domain.ImportRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sourceKey(run.TenantID, run.SourceRef)
	cp := *run
	for i, existing := range s.runs[key] {
		if existing.RunID == run.RunID {
			s.runs[key][i] = &cp
			return nil
		}
	}
	s.runs[key] = append(s.runs[key], &cp)
	return nil
}

// ListImportRuns implements store.ImportRunRepository.
func (s *Store) ListImportRuns(ctx context.Context, tenantID, sourceRef string) ([]*domain.ImportRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := s.runs[sourceKey(tenantID, sourceRef)]
	result := make([]*domain.ImportRun, 0, len(runs))
	for i := len(runs) - 1; i >= 0; i-- {
		cp := *runs[i]
		result = append(result, &cp)
	}
	return result, nil
}

// copyStatement deep-copies an aggregate to keep callers from mutating
// stored state.
func copyStatement(stmt *domain.Statement) *domain.Statement {
	cp := *stmt
	cp.Lines = make([]*domain.StatementLine, len(stmt.Lines))
	for i, l := range stmt.Lines {
		lc := *l
		if l.Suggestions != nil {
			lc.Suggestions = make([]domain.Suggestion, len(l.Suggestions))
			copy(lc.Suggestions, l.Suggestions)
		}
		cp.Lines[i] = &lc
	}
	return &cp
}

var _ store.Store = (*Store)(nil)
