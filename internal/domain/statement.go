package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// LineStatus is the reconciliation state of a single statement line.
type LineStatus string

const (
	// LineStatusUnmatched indicates no usable candidate has been found yet.
	// Lines in this state are re-evaluated on every auto-match pass.
	LineStatusUnmatched LineStatus = "UNMATCHED"
	// LineStatusSuggested indicates one or more candidates scored above the
	// suggestion threshold but below auto-acceptance; a human confirmation
	// is awaited.
	LineStatusSuggested LineStatus = "SUGGESTED"
	// LineStatusMatched indicates the line is matched to a ledger entry.
	LineStatusMatched LineStatus = "MATCHED"
	// LineStatusConflict indicates two or more candidates scored too close
	// to each other to pick one automatically.
	LineStatusConflict LineStatus = "CONFLICT"
	// LineStatusExcluded is terminal for ordinary flow; only an explicit
	// administrative reopen returns the line to UNMATCHED.
	LineStatusExcluded LineStatus = "EXCLUDED"
)

// MatchType records how a match was decided.
type MatchType string

const (
	MatchTypeAuto   MatchType = "AUTO"
	MatchTypeAI     MatchType = "AI"
	MatchTypeManual MatchType = "MANUAL"
)

// Counterparty is the other side of a statement line.
type Counterparty struct {
	Name string `json:"name"`
	IBAN string `json:"iban,omitempty"`
	BIC  string `json:"bic,omitempty"`
}

// Suggestion is one ranked candidate retained on a SUGGESTED or CONFLICT
// line for later confirmation.
type Suggestion struct {
	EntryID string  `json:"entry_id"`
	Score   float64 `json:"score"`
}

// StatementLine is one transaction row of an imported statement. Amounts are
// signed minor units (cents) to avoid floating-point error. The line is
// created by the normalizer and afterwards mutated only by the orchestrator
// or the manual resolution handler.
type StatementLine struct {
	LineID      string       `json:"line_id"`
	StatementID string       `json:"statement_id"`
	Sequence    int          `json:"sequence"`
	AmountMinor int64        `json:"amount_minor"`
	Currency    string       `json:"currency"`
	Party       Counterparty `json:"counterparty"`
	Purpose     string       `json:"purpose"`
	ValueDate   time.Time    `json:"value_date"`
	BookingDate time.Time    `json:"booking_date"`

	Status LineStatus `json:"status"`

	// Match metadata, populated when Status is MATCHED.
	MatchedEntryID string    `json:"matched_entry_id,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	MatchType      MatchType `json:"match_type,omitempty"`
	ResolvedBy     string    `json:"resolved_by,omitempty"`
	ClaimToken     string    `json:"claim_token,omitempty"`

	// Suggestions carries the ranked candidates for SUGGESTED and CONFLICT
	// lines, backing the suggestion-listing operation.
	Suggestions []Suggestion `json:"suggestions,omitempty"`

	// Diagnostic holds the reason a line was retained UNMATCHED after a
	// failed candidate lookup, or the exclusion reason.
	Diagnostic string `json:"diagnostic,omitempty"`
}

// Statement is one imported bank statement. Immutable once imported except
// for line-level status changes held on the lines themselves.
type Statement struct {
	StatementID  string    `json:"statement_id"`
	TenantID     string    `json:"tenant_id"`
	AccountIBAN  string    `json:"account_iban"`
	Date         time.Time `json:"statement_date"`
	OpeningMinor int64     `json:"opening_balance_minor"`
	ClosingMinor int64     `json:"closing_balance_minor"`
	Currency     string    `json:"currency"`
	SourceRef    string    `json:"source_ref"`
	ImportedAt   time.Time `json:"imported_at"`

	Lines []*StatementLine `json:"lines"`
}

// Line returns the line with the given id, or nil.
func (s *Statement) Line(lineID string) *StatementLine {
	for _, l := range s.Lines {
		if l.LineID == lineID {
			return l
		}
	}
	return nil
}

// idNamespace seeds the deterministic statement/line identifiers. Fixed so
// that re-normalizing identical input yields identical ids across processes.
var idNamespace = uuid.MustParse("9f2c1d6e-4b3a-4f70-9a15-c8d4e0b7a221")

// NewStatementID derives the statement id from the import idempotency key.
func NewStatementID(tenantID, sourceRef string) string {
	return uuid.NewSHA1(idNamespace, []byte(tenantID+"\x00"+sourceRef)).String()
}

// NewLineID derives a stable line id from the statement id and the line's
// declared sequence number.
func NewLineID(statementID string, sequence int) string {
	return uuid.NewSHA1(idNamespace, []byte(fmt.Sprintf("%s\x00line\x00%d", statementID, sequence))).String()
}
