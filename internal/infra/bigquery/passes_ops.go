package bigquery

import (
	"context"
	"fmt"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"
)

const passesTable = "passes"

// InsertPassRow inserts one pass summary into recon.passes.
func InsertPassRow(ctx context.Context, projectID, datasetID string, row *PassRow) error {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return fmt.Errorf("InsertPassRow: bigquery client: %w", err)
	}
	defer client.Close()

	return InsertPassRowWithClient(ctx, client, projectID, datasetID, row)
}

// InsertPassRowWithClient inserts one pass summary using the provided
// BigQuery client.
func InsertPassRowWithClient(ctx context.Context, client *bigquery.Client, projectID, datasetID string, row *PassRow) error {
	table := client.DatasetInProject(projectID, datasetID).Table(passesTable)
	if err := table.Inserter().Put(ctx, []*PassRow{row}); err != nil {
		return fmt.Errorf("InsertPassRow: inserting row: %w", err)
	}
	return nil
}

// QueryPassesByStatement returns the archived pass summaries of a statement,
// newest first.
func QueryPassesByStatement(ctx context.Context, projectID, datasetID, tenantID, statementID string) ([]*PassRow, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("QueryPassesByStatement: bigquery client: %w", err)
	}
	defer client.Close()

	q := client.Query(fmt.Sprintf(`
		SELECT
			p.pass_id,
			p.tenant_id,
			p.statement_id,
			p.total_lines,
			p.matched,
			p.suggested,
			p.unmatched,
			p.conflicts,
			p.excluded,
			p.match_rate,
			p.failed_lines,
			p.completed_ts
		FROM %s.%s p
		WHERE p.tenant_id = @tenant_id
		  AND p.statement_id = @statement_id
		ORDER BY p.completed_ts DESC
	`, datasetID, passesTable))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "tenant_id", Value: tenantID},
		{Name: "statement_id", Value: statementID},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("QueryPassesByStatement: query read: %w", err)
	}

	var rows []*PassRow
	for {
		var r PassRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("QueryPassesByStatement: iterating rows: %w", err)
		}
		rows = append(rows, &r)
	}
	return rows, nil
}
