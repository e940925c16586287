// Package recon drives the per-line reconciliation state machine: the
// automatic matching pass over an imported statement and the manual
// resolution operations. It owns every line status transition; the scorer
// and decision policy it calls are pure, and all side effects (reservation,
// persistence, events) happen here.
package recon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/valeo-erp/reconcile/internal/config"
	"github.com/valeo-erp/reconcile/internal/domain"
	"github.com/valeo-erp/reconcile/internal/events"
	"github.com/valeo-erp/reconcile/internal/ledger"
	"github.com/valeo-erp/reconcile/internal/match"
	"github.com/valeo-erp/reconcile/internal/store"
)

// Orchestrator runs matching passes and manual resolutions against one
// store and one ledger gateway.
type Orchestrator struct {
	store  store.Store
	gw     ledger.Gateway
	finder *ledger.Finder
	scorer *match.Scorer
	cfg    *config.Config
	pub    events.Publisher
	log    zerolog.Logger
	now    func() time.Time
}

// New creates an orchestrator.
func New(st store.Store, gw ledger.Gateway, cfg *config.Config, pub events.Publisher, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:  st,
		gw:     gw,
		finder: ledger.NewFinder(gw, cfg.Matching),
		scorer: match.NewScorer(cfg.Matching),
		cfg:    cfg,
		pub:    pub,
		log:    log,
		now:    time.Now,
	}
}

// lineTransition is a status change discovered during a pass. Events, match
// records and releases of claims the line no longer needs are buffered and
// flushed only after the aggregate persists, so an aborted pass leaves no
// trace and surrenders no reservation it still depends on.
type lineTransition struct {
	event    events.Event
	matches  []*domain.ReconciliationMatch
	releases []string
}

// RunAutoMatch executes one automatic matching pass over a statement.
// The pass is idempotent: re-running it against an unchanged ledger produces
// no new transitions, no new match records and no events. Lines resolved
// manually or by AI assist are never touched. A transient failure on one
// line retains that line and does not abort the pass; a concurrent
// modification of the aggregate does.
func (o *Orchestrator) RunAutoMatch(ctx context.Context, tenantID, statementID string) (*domain.ReconciliationResult, error) {
	stmt, version, err := o.store.GetStatement(ctx, tenantID, statementID)
	if err != nil {
		return nil, fmt.Errorf("RunAutoMatch: load statement: %w", err)
	}

	log := o.log.With().Str("statement_id", statementID).Str("tenant_id", tenantID).Logger()
	log.Info().Int("lines", len(stmt.Lines)).Msg("starting auto-match pass")

	var (
		transitions []lineTransition
		newClaims   []string
		failed      int
	)
	// Entries claimed by lines of this pass, so later lines contending for
	// one still see it and surface as CONFLICT instead of losing it quietly.
	passClaimed := make(map[string]*domain.Entry)

	for _, line := range stmt.Lines {
		if err := ctx.Err(); err != nil {
			o.releaseClaims(newClaims)
			return nil, fmt.Errorf("RunAutoMatch: %w", err)
		}
		if skipLine(line) {
			continue
		}

		tr, claims, lineErr := o.evaluateLine(ctx, stmt, line, passClaimed)
		if lineErr != nil {
			// Transient lookup failure: the pass goes on. A matched line
			// keeps its match and claim; anything short of matched falls
			// back to UNMATCHED carrying the diagnostic.
			failed++
			line.Diagnostic = lineErr.Error()
			if line.Status != domain.LineStatusMatched {
				line.Status = domain.LineStatusUnmatched
				line.Suggestions = nil
				transitions = append(transitions, lineTransition{event: events.Event{
					Type:        events.TypeLineUnmatchedRetained,
					TenantID:    stmt.TenantID,
					StatementID: stmt.StatementID,
					LineID:      line.LineID,
					Payload:     map[string]interface{}{"reason": lineErr.Error()},
				}})
			}
			log.Warn().Err(lineErr).Str("line_id", line.LineID).Msg("line retained after candidate lookup failure")
			continue
		}
		newClaims = append(newClaims, claims...)
		if tr != nil {
			transitions = append(transitions, *tr)
		}
	}

	if _, err := o.store.UpdateStatement(ctx, stmt, version); err != nil {
		o.releaseClaims(newClaims)
		return nil, fmt.Errorf("RunAutoMatch: persist statement: %w", err)
	}

	for _, tr := range transitions {
		for _, m := range tr.matches {
			if err := o.store.AppendMatch(ctx, m); err != nil {
				return nil, fmt.Errorf("RunAutoMatch: append match: %w", err)
			}
		}
		o.releaseClaims(tr.releases)
		o.emit(ctx, tr.event)
	}

	result := domain.ComputeResult(stmt, o.now())
	o.emit(ctx, events.Event{
		Type:        events.TypeReconciliationCompleted,
		TenantID:    stmt.TenantID,
		StatementID: stmt.StatementID,
		Payload: map[string]interface{}{
			"matched":    result.Matched,
			"suggested":  result.Suggested,
			"unmatched":  result.Unmatched,
			"conflicts":  result.Conflicts,
			"excluded":   result.Excluded,
			"match_rate": result.MatchRate,
			"failed":     failed,
		},
	})

	log.Info().
		Int("matched", result.Matched).
		Int("suggested", result.Suggested).
		Int("conflicts", result.Conflicts).
		Int("unmatched", result.Unmatched).
		Int("failed", failed).
		Msg("auto-match pass complete")
	return result, nil
}

// skipLine reports whether the auto pass must leave a line alone. Excluded
// lines are out of scope entirely; manual and AI resolutions outrank the
// automatic pass and are never reconsidered by it.
func skipLine(l *domain.StatementLine) bool {
	if l.Status == domain.LineStatusExcluded {
		return true
	}
	if l.Status == domain.LineStatusMatched && l.MatchType != domain.MatchTypeAuto {
		return true
	}
	return false
}

// evaluateLine scores the line's candidates, applies the decision policy
// and mutates the line in place. It returns the buffered transition (nil
// when nothing changed) and any claim tokens newly acquired.
func (o *Orchestrator) evaluateLine(ctx context.Context, stmt *domain.Statement, line *domain.StatementLine, passClaimed map[string]*domain.Entry) (*lineTransition, []string, error) {
	entries, err := o.finder.FindCandidates(ctx, stmt.TenantID, line)
	if err != nil {
		return nil, nil, fmt.Errorf("find candidates: %w", err)
	}

	// A line matched on a prior pass holds a claim on its entry, so the
	// entry is absent from the open pool. Re-inject it so an unchanged
	// ledger reproduces the same decision and the pass is a no-op.
	if line.Status == domain.LineStatusMatched && line.MatchedEntryID != "" {
		if !containsEntry(entries, line.MatchedEntryID) {
			cur, err := o.gw.GetEntry(ctx, stmt.TenantID, line.MatchedEntryID)
			if err != nil && !errors.Is(err, domain.ErrNotFound) {
				return nil, nil, fmt.Errorf("fetch matched entry: %w", err)
			}
			if cur != nil {
				entries = append(entries, cur)
			}
		}
	}

	// Entries claimed earlier in this pass are likewise gone from the pool.
	// They stay visible for scoring; if one wins here too, the reservation
	// check below turns the contention into a CONFLICT.
	for _, e := range passClaimed {
		if !containsEntry(entries, e.EntryID) && o.finder.Admissible(line, e) {
			entries = append(entries, e)
		}
	}

	scored := o.scorer.ScoreAll(line, entries)
	decision := match.Decide(scored, o.cfg.Matching)

	switch decision.Outcome {
	case match.OutcomeAutoMatch:
		return o.applyAutoDecision(ctx, stmt, line, decision, passClaimed)
	case match.OutcomeConflict:
		tr := o.setAmbiguous(stmt, line, domain.LineStatusConflict, decision.Candidates, events.TypeLineConflicted)
		return tr, nil, nil
	case match.OutcomeSuggestions:
		tr := o.setAmbiguous(stmt, line, domain.LineStatusSuggested, decision.Candidates, events.TypeLineSuggested)
		return tr, nil, nil
	default:
		return o.setUnmatched(stmt, line), nil, nil
	}
}

// applyAutoDecision commits an auto-match: reserve first, transition only
// on a successful claim. A reservation conflict means another line or a
// concurrent pass won the entry; the line becomes CONFLICT rather than
// silently picking the runner-up.
func (o *Orchestrator) applyAutoDecision(ctx context.Context, stmt *domain.Statement, line *domain.StatementLine, d match.Decision, passClaimed map[string]*domain.Entry) (*lineTransition, []string, error) {
	best := d.Best

	if line.Status == domain.LineStatusMatched && line.MatchedEntryID == best.Entry.EntryID {
		// Unchanged ledger, unchanged decision.
		return nil, nil, nil
	}

	token := claimToken(line.LineID, best.Entry.EntryID)
	if err := o.gw.ReserveEntry(ctx, best.Entry.EntryID, token); err != nil {
		if errors.Is(err, domain.ErrReservationConflict) {
			tr := o.setAmbiguous(stmt, line, domain.LineStatusConflict,
				[]match.ScoredCandidate{best}, events.TypeLineConflicted)
			line.Diagnostic = fmt.Sprintf("entry %s already reserved", best.Entry.EntryID)
			return tr, nil, nil
		}
		return nil, nil, fmt.Errorf("reserve entry %s: %w", best.Entry.EntryID, err)
	}
	passClaimed[best.Entry.EntryID] = best.Entry

	// The claim on a previously matched entry being replaced is released
	// once the new state persists.
	var releases []string
	if line.Status == domain.LineStatusMatched && line.MatchedEntryID != "" && line.ClaimToken != token {
		releases = append(releases, line.ClaimToken)
	}

	line.Status = domain.LineStatusMatched
	line.MatchedEntryID = best.Entry.EntryID
	line.Confidence = best.Score
	line.MatchType = domain.MatchTypeAuto
	line.ResolvedBy = ""
	line.ClaimToken = token
	line.Suggestions = nil
	line.Diagnostic = ""

	m := &domain.ReconciliationMatch{
		MatchID:     uuid.NewString(),
		LineID:      line.LineID,
		StatementID: stmt.StatementID,
		EntryID:     best.Entry.EntryID,
		MatchType:   domain.MatchTypeAuto,
		Kind:        domain.MatchKindFull,
		AmountMinor: line.AmountMinor,
		Confidence:  best.Score,
		MatchedAt:   o.now(),
		Explanation: explainScore(best),
	}

	return &lineTransition{
		event: events.Event{
			Type:        events.TypeLineMatched,
			TenantID:    stmt.TenantID,
			StatementID: stmt.StatementID,
			LineID:      line.LineID,
			Payload: map[string]interface{}{
				"entry_id":   best.Entry.EntryID,
				"confidence": best.Score,
				"match_type": string(domain.MatchTypeAuto),
			},
		},
		matches:  []*domain.ReconciliationMatch{m},
		releases: releases,
	}, []string{token}, nil
}

// setAmbiguous moves a line to SUGGESTED or CONFLICT, retaining the ranked
// candidates. Returns nil when the line is already in that state with the
// same candidate set.
func (o *Orchestrator) setAmbiguous(stmt *domain.Statement, line *domain.StatementLine, status domain.LineStatus, candidates []match.ScoredCandidate, evType events.Type) *lineTransition {
	suggestions := make([]domain.Suggestion, 0, len(candidates))
	for _, c := range candidates {
		suggestions = append(suggestions, domain.Suggestion{EntryID: c.Entry.EntryID, Score: c.Score})
	}

	if line.Status == status && sameSuggestions(line.Suggestions, suggestions) {
		return nil
	}

	// A previously auto-matched line being downgraded gives its entry back,
	// but only after the downgrade persists.
	var releases []string
	if line.Status == domain.LineStatusMatched && line.ClaimToken != "" {
		releases = append(releases, line.ClaimToken)
		line.ClaimToken = ""
	}

	line.Status = status
	line.MatchedEntryID = ""
	line.Confidence = 0
	line.MatchType = ""
	line.Suggestions = suggestions
	line.Diagnostic = ""

	payload := map[string]interface{}{"candidates": len(suggestions)}
	if len(suggestions) > 0 {
		payload["top_entry_id"] = suggestions[0].EntryID
		payload["top_score"] = suggestions[0].Score
	}
	return &lineTransition{
		event: events.Event{
			Type:        evType,
			TenantID:    stmt.TenantID,
			StatementID: stmt.StatementID,
			LineID:      line.LineID,
			Payload:     payload,
		},
		releases: releases,
	}
}

// setUnmatched moves a line to UNMATCHED. Returns nil when it already is.
func (o *Orchestrator) setUnmatched(stmt *domain.Statement, line *domain.StatementLine) *lineTransition {
	if line.Status == domain.LineStatusUnmatched && len(line.Suggestions) == 0 {
		return nil
	}

	var releases []string
	if line.Status == domain.LineStatusMatched && line.ClaimToken != "" {
		releases = append(releases, line.ClaimToken)
		line.ClaimToken = ""
	}

	line.Status = domain.LineStatusUnmatched
	line.MatchedEntryID = ""
	line.Confidence = 0
	line.MatchType = ""
	line.Suggestions = nil
	line.Diagnostic = ""

	return &lineTransition{
		event: events.Event{
			Type:        events.TypeLineUnmatchedRetained,
			TenantID:    stmt.TenantID,
			StatementID: stmt.StatementID,
			LineID:      line.LineID,
			Payload:     map[string]interface{}{"reason": "no qualifying candidates"},
		},
		releases: releases,
	}
}

func (o *Orchestrator) releaseClaims(tokens []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, t := range tokens {
		if t == "" {
			continue
		}
		if err := o.gw.ReleaseReservation(ctx, t); err != nil {
			o.log.Warn().Err(err).Str("claim_token", t).Msg("failed to release reservation")
		}
	}
}

// emit publishes fire-and-forget; a bus failure is logged, never surfaced.
func (o *Orchestrator) emit(ctx context.Context, ev events.Event) {
	if o.pub == nil {
		return
	}
	if err := o.pub.Publish(ctx, ev); err != nil {
		o.log.Warn().Err(err).Str("event_type", string(ev.Type)).Msg("failed to publish event")
	}
}

// claimToken derives the reservation token for a line-entry claim. Stable,
// so re-reserving the same pair on a re-run is idempotent, while replacing
// the matched entry yields a fresh token and the old claim can be released.
func claimToken(lineID, entryID string) string {
	return lineID + "\x00" + entryID
}

func containsEntry(entries []*domain.Entry, entryID string) bool {
	for _, e := range entries {
		if e.EntryID == entryID {
			return true
		}
	}
	return false
}

func sameSuggestions(a, b []domain.Suggestion) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func explainScore(c match.ScoredCandidate) string {
	return fmt.Sprintf("amount=%.2f reference=%.2f counterparty=%.2f date=%.2f",
		c.Features.Amount, c.Features.Reference, c.Features.Counterparty, c.Features.Date)
}
