package bigquery

import (
	"time"

	"cloud.google.com/go/bigquery"
)

// PassRow is one archived reconciliation pass summary in recon.passes.
type PassRow struct {
	PassID string `bigquery:"pass_id"` // REQUIRED

	TenantID    string `bigquery:"tenant_id"`    // REQUIRED
	StatementID string `bigquery:"statement_id"` // REQUIRED

	TotalLines int64 `bigquery:"total_lines"`
	Matched    int64 `bigquery:"matched"`
	Suggested  int64 `bigquery:"suggested"`
	Unmatched  int64 `bigquery:"unmatched"`
	Conflicts  int64 `bigquery:"conflicts"`
	Excluded   int64 `bigquery:"excluded"`

	MatchRate float64 `bigquery:"match_rate"`

	// FailedLines counts lines retained after lookup failures during the
	// pass, 0 on a clean run.
	FailedLines bigquery.NullInt64 `bigquery:"failed_lines"`

	CompletedTS time.Time `bigquery:"completed_ts"` // REQUIRED
}
