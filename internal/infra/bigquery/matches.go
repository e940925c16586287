// Package bigquery archives reconciliation outcomes to BigQuery for audit
// and analytics. The archive is downstream of the event bus and strictly
// write-behind: the engine never reads it on the hot path.
package bigquery

import (
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
)

// MatchRow is one archived match outcome in recon.matches.
type MatchRow struct {
	MatchID string `bigquery:"match_id"` // REQUIRED

	TenantID    string `bigquery:"tenant_id"`    // REQUIRED
	StatementID string `bigquery:"statement_id"` // REQUIRED
	LineID      string `bigquery:"line_id"`      // REQUIRED
	EntryID     string `bigquery:"entry_id"`     // REQUIRED

	MatchType string `bigquery:"match_type"` // AUTO | AI | MANUAL
	Kind      string `bigquery:"kind"`       // FULL | SPLIT

	AmountMinor int64  `bigquery:"amount_minor"` // REQUIRED
	Currency    string `bigquery:"currency"`     // REQUIRED

	Confidence  float64             `bigquery:"confidence"`
	ResolvedBy  bigquery.NullString `bigquery:"resolved_by"` // NULLABLE
	Explanation bigquery.NullString `bigquery:"explanation"` // NULLABLE
	Superseded  bool                `bigquery:"superseded"`

	ValueDate civil.Date `bigquery:"value_date"` // REQUIRED in schema
	MatchedTS time.Time  `bigquery:"matched_ts"` // REQUIRED
}
