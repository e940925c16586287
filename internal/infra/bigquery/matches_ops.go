package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"google.golang.org/api/iterator"
)

const (
	matchesTable = "matches"
	dateFormat   = "2006-01-02"
)

// InsertMatchRows inserts a batch of MatchRow into recon.matches.
func InsertMatchRows(ctx context.Context, projectID, datasetID string, rows []*MatchRow) error {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return fmt.Errorf("InsertMatchRows: bigquery client: %w", err)
	}
	defer client.Close()

	return InsertMatchRowsWithClient(ctx, client, projectID, datasetID, rows)
}

// InsertMatchRowsWithClient inserts a batch of MatchRow using the provided
// BigQuery client.
func InsertMatchRowsWithClient(ctx context.Context, client *bigquery.Client, projectID, datasetID string, rows []*MatchRow) error {
	if len(rows) == 0 {
		return nil
	}

	// Use fully qualified table name to avoid project ID issues
	table := client.DatasetInProject(projectID, datasetID).Table(matchesTable)
	inserter := table.Inserter()
	if err := inserter.Put(ctx, rows); err != nil {
		return fmt.Errorf("InsertMatchRows: inserting rows: %w", err)
	}
	return nil
}

// QueryMatchesByStatement returns the archived matches of one statement in
// match order.
func QueryMatchesByStatement(ctx context.Context, projectID, datasetID, tenantID, statementID string) ([]*MatchRow, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("QueryMatchesByStatement: bigquery client: %w", err)
	}
	defer client.Close()

	return QueryMatchesByStatementWithClient(ctx, client, datasetID, tenantID, statementID)
}

// QueryMatchesByStatementWithClient queries archived matches using the
// provided BigQuery client.
func QueryMatchesByStatementWithClient(ctx context.Context, client *bigquery.Client, datasetID, tenantID, statementID string) ([]*MatchRow, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT
			m.match_id,
			m.tenant_id,
			m.statement_id,
			m.line_id,
			m.entry_id,
			m.match_type,
			m.kind,
			m.amount_minor,
			m.currency,
			m.confidence,
			m.resolved_by,
			m.explanation,
			m.superseded,
			m.value_date,
			m.matched_ts
		FROM %s.%s m
		WHERE m.tenant_id = @tenant_id
		  AND m.statement_id = @statement_id
		ORDER BY m.matched_ts
	`, datasetID, matchesTable))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "tenant_id", Value: tenantID},
		{Name: "statement_id", Value: statementID},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("QueryMatchesByStatement: query read: %w", err)
	}

	var rows []*MatchRow
	for {
		var r MatchRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("QueryMatchesByStatement: iterating rows: %w", err)
		}
		rows = append(rows, &r)
	}
	return rows, nil
}

// QueryMatchVolumeByDay aggregates archived match counts per day for the
// tenant, a reporting query the analytics dashboards read.
func QueryMatchVolumeByDay(ctx context.Context, projectID, datasetID, tenantID string, from, to time.Time) (map[string]int64, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("QueryMatchVolumeByDay: bigquery client: %w", err)
	}
	defer client.Close()

	q := client.Query(fmt.Sprintf(`
		SELECT m.value_date AS day, COUNT(*) AS matches
		FROM %s.%s m
		WHERE m.tenant_id = @tenant_id
		  AND m.value_date >= @from_date
		  AND m.value_date <= @to_date
		  AND m.superseded = FALSE
		GROUP BY day
		ORDER BY day
	`, datasetID, matchesTable))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "tenant_id", Value: tenantID},
		{Name: "from_date", Value: from.Format(dateFormat)},
		{Name: "to_date", Value: to.Format(dateFormat)},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("QueryMatchVolumeByDay: query read: %w", err)
	}

	result := make(map[string]int64)
	for {
		var r struct {
			Day     civil.Date `bigquery:"day"`
			Matches int64      `bigquery:"matches"`
		}
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("QueryMatchVolumeByDay: iterating rows: %w", err)
		}
		result[r.Day.String()] = r.Matches
	}
	return result, nil
}
