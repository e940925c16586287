package domain

import "time"

// Entry is an open ledger item offered by the ledger collaborator as a
// potential counterpart for a statement line.
type Entry struct {
	EntryID     string    `json:"entry_id"`
	TenantID    string    `json:"tenant_id"`
	AmountMinor int64     `json:"amount_minor"`
	Currency    string    `json:"currency"`
	Reference   string    `json:"reference"`
	PartyName   string    `json:"party_name"`
	DueDate     time.Time `json:"due_date"`
}

// Candidate pairs a ledger entry with the statement line it is being
// considered for. Candidates are ephemeral; they exist only during a
// matching pass and are never persisted.
type Candidate struct {
	Entry *Entry
	Line  *StatementLine
}

// MatchKind distinguishes a full match from one allocation of a split.
type MatchKind string

const (
	MatchKindFull  MatchKind = "FULL"
	MatchKindSplit MatchKind = "SPLIT"
)

// ReconciliationMatch is the immutable audit record appended whenever a line
// transitions into MATCHED. A line's current match is its most recent
// non-superseded record.
type ReconciliationMatch struct {
	MatchID     string    `json:"match_id"`
	LineID      string    `json:"line_id"`
	StatementID string    `json:"statement_id"`
	Sequence    int       `json:"sequence"`
	EntryID     string    `json:"entry_id"`
	MatchType   MatchType `json:"match_type"`
	Kind        MatchKind `json:"kind"`
	AmountMinor int64     `json:"amount_minor"`
	Confidence  float64   `json:"confidence"`
	ResolvedBy  string    `json:"resolved_by,omitempty"`
	MatchedAt   time.Time `json:"matched_at"`
	Explanation string    `json:"explanation,omitempty"`
	Superseded  bool      `json:"superseded"`
}

// ReconciliationResult is a derived aggregate over a statement's lines.
// It is recomputed on demand and never persisted independently.
type ReconciliationResult struct {
	StatementID string    `json:"statement_id"`
	TotalLines  int       `json:"total_lines"`
	Matched     int       `json:"matched"`
	Suggested   int       `json:"suggested"`
	Unmatched   int       `json:"unmatched"`
	Conflicts   int       `json:"conflicts"`
	Excluded    int       `json:"excluded"`
	MatchRate   float64   `json:"match_rate"`
	ComputedAt  time.Time `json:"computed_at"`
}

// ComputeResult projects the current reconciliation state of a statement.
// Excluded lines do not count toward the match rate denominator.
func ComputeResult(s *Statement, now time.Time) *ReconciliationResult {
	r := &ReconciliationResult{
		StatementID: s.StatementID,
		TotalLines:  len(s.Lines),
		ComputedAt:  now,
	}
	for _, l := range s.Lines {
		switch l.Status {
		case LineStatusMatched:
			r.Matched++
		case LineStatusSuggested:
			r.Suggested++
		case LineStatusConflict:
			r.Conflicts++
		case LineStatusExcluded:
			r.Excluded++
		default:
			r.Unmatched++
		}
	}
	if eligible := r.TotalLines - r.Excluded; eligible > 0 {
		r.MatchRate = float64(r.Matched) / float64(eligible)
	}
	return r
}
