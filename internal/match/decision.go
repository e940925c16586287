package match

import (
	"sort"

	"github.com/valeo-erp/reconcile/internal/config"
)

// Outcome is the tagged variant of a matching decision.
type Outcome int

const (
	// OutcomeNoMatch means no candidate qualified.
	OutcomeNoMatch Outcome = iota
	// OutcomeAutoMatch means the top candidate is accepted without human
	// confirmation.
	OutcomeAutoMatch
	// OutcomeSuggestions means one or more candidates await confirmation.
	OutcomeSuggestions
	// OutcomeConflict means two or more candidates scored too close to each
	// other; ambiguity, not low confidence, is the defining condition.
	OutcomeConflict
)

// String returns the outcome name.
func (o Outcome) String() string {
	switch o {
	case OutcomeAutoMatch:
		return "auto_match"
	case OutcomeSuggestions:
		return "suggestions"
	case OutcomeConflict:
		return "conflict"
	default:
		return "no_match"
	}
}

// Decision is the result of applying thresholds and tie-break rules to a
// scored candidate list.
type Decision struct {
	Outcome Outcome
	// Best is set for OutcomeAutoMatch.
	Best ScoredCandidate
	// Candidates carries the qualifying candidates for OutcomeSuggestions
	// (all above the suggestion threshold, sorted descending) and
	// OutcomeConflict (the tied candidates).
	Candidates []ScoredCandidate
}

// Decide applies the decision policy to scored candidates. Tie detection
// runs before any threshold acceptance: ambiguity between close candidates
// always takes precedence over accepting the nominally best one.
func Decide(scored []ScoredCandidate, cfg config.Matching) Decision {
	if len(scored) == 0 {
		return Decision{Outcome: OutcomeNoMatch}
	}

	ranked := make([]ScoredCandidate, len(scored))
	copy(ranked, scored)
	// Secondary order by entry id keeps the ranking deterministic when
	// scores are exactly equal.
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Entry.EntryID < ranked[j].Entry.EntryID
	})

	top := ranked[0]

	// Tied candidates: everything at or above the suggestion threshold that
	// sits within the tie margin of the top score.
	var tied []ScoredCandidate
	if top.Score >= cfg.SuggestThreshold {
		for _, c := range ranked {
			if c.Score >= cfg.SuggestThreshold && top.Score-c.Score < cfg.TieMargin {
				tied = append(tied, c)
			}
		}
	}
	if len(tied) >= 2 {
		return Decision{Outcome: OutcomeConflict, Candidates: tied}
	}

	if top.Score >= cfg.AutoThreshold {
		if len(ranked) == 1 || top.Score-ranked[1].Score >= cfg.TieMargin {
			return Decision{Outcome: OutcomeAutoMatch, Best: top}
		}
	}

	if top.Score >= cfg.SuggestThreshold {
		var qualifying []ScoredCandidate
		for _, c := range ranked {
			if c.Score >= cfg.SuggestThreshold {
				qualifying = append(qualifying, c)
			}
		}
		return Decision{Outcome: OutcomeSuggestions, Candidates: qualifying}
	}

	return Decision{Outcome: OutcomeNoMatch}
}
