package recon

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/valeo-erp/reconcile/internal/domain"
	"github.com/valeo-erp/reconcile/internal/events"
)

// SplitAllocation assigns part of a line's amount to one ledger entry.
type SplitAllocation struct {
	EntryID     string `json:"entry_id"`
	AmountMinor int64  `json:"amount_minor"`
}

// ApplyManualMatch matches a line to an entry on a human's authority. Legal
// from any non-excluded state; matching an already matched line supersedes
// its current match. The entry must still be reservable.
func (o *Orchestrator) ApplyManualMatch(ctx context.Context, tenantID, lineID, entryID, resolvedBy string) error {
	return o.applyResolution(ctx, tenantID, lineID, entryID, resolvedBy, domain.MatchTypeManual, "")
}

// ApplyAIMatch matches a line to an entry recommended by the AI assistant
// and accepted by an operator. Same legality as a manual match; the
// explanation records the assistant's reasoning.
func (o *Orchestrator) ApplyAIMatch(ctx context.Context, tenantID, lineID, entryID, resolvedBy, explanation string) error {
	return o.applyResolution(ctx, tenantID, lineID, entryID, resolvedBy, domain.MatchTypeAI, explanation)
}

func (o *Orchestrator) applyResolution(ctx context.Context, tenantID, lineID, entryID, resolvedBy string, matchType domain.MatchType, explanation string) error {
	stmt, version, line, err := o.loadLine(ctx, tenantID, lineID)
	if err != nil {
		return fmt.Errorf("applyResolution: %w", err)
	}
	if line.Status == domain.LineStatusExcluded {
		return &domain.InvalidTransitionError{LineID: lineID, From: line.Status, Action: "match"}
	}
	if line.Status == domain.LineStatusMatched && line.MatchedEntryID == entryID {
		// Confirming the existing match. Upgrade the provenance if it was
		// automatic, otherwise nothing to do.
		if line.MatchType == matchType {
			return nil
		}
	}

	token := claimToken(lineID, entryID)
	if err := o.gw.ReserveEntry(ctx, entryID, token); err != nil {
		return fmt.Errorf("applyResolution: reserve entry %s: %w", entryID, err)
	}

	prevToken := ""
	if line.Status == domain.LineStatusMatched && line.ClaimToken != token {
		prevToken = line.ClaimToken
	}

	line.Status = domain.LineStatusMatched
	line.MatchedEntryID = entryID
	line.Confidence = 1.0
	line.MatchType = matchType
	line.ResolvedBy = resolvedBy
	line.ClaimToken = token
	line.Suggestions = nil
	line.Diagnostic = ""

	if _, err := o.store.UpdateStatement(ctx, stmt, version); err != nil {
		o.releaseClaims([]string{token})
		return fmt.Errorf("applyResolution: persist statement: %w", err)
	}
	o.releaseClaims([]string{prevToken})

	m := &domain.ReconciliationMatch{
		MatchID:     uuid.NewString(),
		LineID:      lineID,
		StatementID: stmt.StatementID,
		EntryID:     entryID,
		MatchType:   matchType,
		Kind:        domain.MatchKindFull,
		AmountMinor: line.AmountMinor,
		Confidence:  1.0,
		ResolvedBy:  resolvedBy,
		MatchedAt:   o.now(),
		Explanation: explanation,
	}
	if err := o.store.AppendMatch(ctx, m); err != nil {
		return fmt.Errorf("applyResolution: append match: %w", err)
	}

	o.emit(ctx, events.Event{
		Type:        events.TypeLineMatched,
		TenantID:    stmt.TenantID,
		StatementID: stmt.StatementID,
		LineID:      lineID,
		Payload: map[string]interface{}{
			"entry_id":    entryID,
			"match_type":  string(matchType),
			"resolved_by": resolvedBy,
		},
	})
	return nil
}

// ApplySplit matches a line against several entries at once, each taking a
// part of the line's amount. The allocations must be positive and must not
// exceed the line amount; a shortfall is recorded as an unallocated
// residual. Legal from the same states as a manual match.
func (o *Orchestrator) ApplySplit(ctx context.Context, tenantID, lineID string, allocations []SplitAllocation, resolvedBy string) error {
	if len(allocations) < 2 {
		return fmt.Errorf("ApplySplit: at least two allocations required, got %d", len(allocations))
	}

	stmt, version, line, err := o.loadLine(ctx, tenantID, lineID)
	if err != nil {
		return fmt.Errorf("ApplySplit: %w", err)
	}
	if line.Status == domain.LineStatusExcluded || line.Status == domain.LineStatusMatched {
		return &domain.InvalidTransitionError{LineID: lineID, From: line.Status, Action: "split"}
	}

	lineAmount := absInt64(line.AmountMinor)
	var total int64
	seen := make(map[string]bool, len(allocations))
	for _, a := range allocations {
		if a.AmountMinor <= 0 {
			return fmt.Errorf("ApplySplit: allocation for entry %s must be positive", a.EntryID)
		}
		if seen[a.EntryID] {
			return fmt.Errorf("ApplySplit: duplicate allocation for entry %s", a.EntryID)
		}
		seen[a.EntryID] = true
		total += a.AmountMinor
	}
	if total > lineAmount {
		return fmt.Errorf("ApplySplit: allocations total %d exceed line amount %d", total, lineAmount)
	}

	// Reserve every target before committing anything; back out all claims
	// on the first failure.
	var tokens []string
	for _, a := range allocations {
		token := claimToken(lineID, a.EntryID)
		if err := o.gw.ReserveEntry(ctx, a.EntryID, token); err != nil {
			o.releaseClaims(tokens)
			return fmt.Errorf("ApplySplit: reserve entry %s: %w", a.EntryID, err)
		}
		tokens = append(tokens, token)
	}

	line.Status = domain.LineStatusMatched
	line.MatchedEntryID = ""
	line.Confidence = 1.0
	line.MatchType = domain.MatchTypeManual
	line.ResolvedBy = resolvedBy
	line.ClaimToken = ""
	line.Suggestions = nil
	if residual := lineAmount - total; residual > 0 {
		line.Diagnostic = fmt.Sprintf("split leaves %d minor units unallocated", residual)
	} else {
		line.Diagnostic = ""
	}

	if _, err := o.store.UpdateStatement(ctx, stmt, version); err != nil {
		o.releaseClaims(tokens)
		return fmt.Errorf("ApplySplit: persist statement: %w", err)
	}

	for _, a := range allocations {
		m := &domain.ReconciliationMatch{
			MatchID:     uuid.NewString(),
			LineID:      lineID,
			StatementID: stmt.StatementID,
			EntryID:     a.EntryID,
			MatchType:   domain.MatchTypeManual,
			Kind:        domain.MatchKindSplit,
			AmountMinor: a.AmountMinor,
			Confidence:  1.0,
			ResolvedBy:  resolvedBy,
			MatchedAt:   o.now(),
		}
		if err := o.store.AppendMatch(ctx, m); err != nil {
			return fmt.Errorf("ApplySplit: append match: %w", err)
		}
	}

	o.emit(ctx, events.Event{
		Type:        events.TypeLineMatched,
		TenantID:    stmt.TenantID,
		StatementID: stmt.StatementID,
		LineID:      lineID,
		Payload: map[string]interface{}{
			"match_type":  string(domain.MatchTypeManual),
			"kind":        string(domain.MatchKindSplit),
			"allocations": len(allocations),
			"resolved_by": resolvedBy,
		},
	})
	return nil
}

// ApplyExclude takes a line out of reconciliation, for example bank fees or
// internal transfers nothing in the ledger will ever match. Excluding a
// matched line is a manual override: its match records are superseded and
// the claimed entries return to the open pool.
func (o *Orchestrator) ApplyExclude(ctx context.Context, tenantID, lineID, reason, resolvedBy string) error {
	stmt, version, line, err := o.loadLine(ctx, tenantID, lineID)
	if err != nil {
		return fmt.Errorf("ApplyExclude: %w", err)
	}
	if line.Status == domain.LineStatusExcluded {
		return nil
	}

	var tokens []string
	wasMatched := line.Status == domain.LineStatusMatched
	if wasMatched {
		tokens = []string{line.ClaimToken}
		records, err := o.store.ListMatchesByLine(ctx, lineID)
		if err != nil {
			return fmt.Errorf("ApplyExclude: list matches: %w", err)
		}
		for _, r := range records {
			if !r.Superseded {
				tokens = append(tokens, claimToken(lineID, r.EntryID))
			}
		}
	}

	line.Status = domain.LineStatusExcluded
	line.MatchedEntryID = ""
	line.Confidence = 0
	line.MatchType = ""
	line.ResolvedBy = resolvedBy
	line.ClaimToken = ""
	line.Suggestions = nil
	line.Diagnostic = reason

	if _, err := o.store.UpdateStatement(ctx, stmt, version); err != nil {
		return fmt.Errorf("ApplyExclude: persist statement: %w", err)
	}
	if wasMatched {
		if err := o.store.SupersedeMatches(ctx, lineID); err != nil {
			return fmt.Errorf("ApplyExclude: supersede matches: %w", err)
		}
		o.releaseClaims(tokens)
	}

	o.emit(ctx, events.Event{
		Type:        events.TypeLineExcluded,
		TenantID:    stmt.TenantID,
		StatementID: stmt.StatementID,
		LineID:      lineID,
		Payload:     map[string]interface{}{"reason": reason, "resolved_by": resolvedBy},
	})
	return nil
}

// ApplyReopen returns a matched or excluded line to UNMATCHED. Active match
// records are superseded and all reservations held for the line's entries
// are released, so the next auto pass evaluates the line afresh.
func (o *Orchestrator) ApplyReopen(ctx context.Context, tenantID, lineID, resolvedBy string) error {
	stmt, version, line, err := o.loadLine(ctx, tenantID, lineID)
	if err != nil {
		return fmt.Errorf("ApplyReopen: %w", err)
	}
	if line.Status != domain.LineStatusMatched && line.Status != domain.LineStatusExcluded {
		return &domain.InvalidTransitionError{LineID: lineID, From: line.Status, Action: "reopen"}
	}

	// Collect every claim token the line may hold: the full-match claim on
	// the line itself plus per-allocation claims of a split.
	tokens := []string{line.ClaimToken}
	records, err := o.store.ListMatchesByLine(ctx, lineID)
	if err != nil {
		return fmt.Errorf("ApplyReopen: list matches: %w", err)
	}
	for _, r := range records {
		if !r.Superseded {
			tokens = append(tokens, claimToken(lineID, r.EntryID))
		}
	}

	line.Status = domain.LineStatusUnmatched
	line.MatchedEntryID = ""
	line.Confidence = 0
	line.MatchType = ""
	line.ResolvedBy = ""
	line.ClaimToken = ""
	line.Suggestions = nil
	line.Diagnostic = ""

	if _, err := o.store.UpdateStatement(ctx, stmt, version); err != nil {
		return fmt.Errorf("ApplyReopen: persist statement: %w", err)
	}
	if err := o.store.SupersedeMatches(ctx, lineID); err != nil {
		return fmt.Errorf("ApplyReopen: supersede matches: %w", err)
	}
	o.releaseClaims(tokens)

	o.emit(ctx, events.Event{
		Type:        events.TypeLineReopened,
		TenantID:    stmt.TenantID,
		StatementID: stmt.StatementID,
		LineID:      lineID,
		Payload:     map[string]interface{}{"resolved_by": resolvedBy},
	})
	return nil
}

// loadLine fetches the aggregate owning a line, checking tenant ownership.
func (o *Orchestrator) loadLine(ctx context.Context, tenantID, lineID string) (*domain.Statement, uint64, *domain.StatementLine, error) {
	stmt, version, err := o.store.FindStatementByLine(ctx, lineID)
	if err != nil {
		return nil, 0, nil, err
	}
	if stmt.TenantID != tenantID {
		return nil, 0, nil, fmt.Errorf("line %s: %w", lineID, domain.ErrNotFound)
	}
	line := stmt.Line(lineID)
	if line == nil {
		return nil, 0, nil, fmt.Errorf("line %s: %w", lineID, domain.ErrNotFound)
	}
	return stmt, version, line, nil
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// IsInvalidTransition reports whether an error is a transition legality
// violation, which API handlers map to a client error.
func IsInvalidTransition(err error) bool {
	var ite *domain.InvalidTransitionError
	return errors.As(err, &ite)
}
