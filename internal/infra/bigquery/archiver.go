package bigquery

import (
	"context"
	"time"

	bq "cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/valeo-erp/reconcile/internal/domain"
	"github.com/valeo-erp/reconcile/internal/events"
	"github.com/valeo-erp/reconcile/internal/store"
)

// Archiver consumes domain events and writes match and pass rows to the
// archive dataset. Failures are logged and dropped; the archive is
// reconstructable from the store, so losing a row is not losing state.
type Archiver struct {
	projectID string
	datasetID string
	store     store.Store
	log       zerolog.Logger

	insertMatch func(ctx context.Context, projectID, datasetID string, rows []*MatchRow) error
	insertPass  func(ctx context.Context, projectID, datasetID string, row *PassRow) error
}

// NewArchiver creates an archiver writing into the given project and
// dataset.
func NewArchiver(projectID, datasetID string, st store.Store, log zerolog.Logger) *Archiver {
	return &Archiver{
		projectID:   projectID,
		datasetID:   datasetID,
		store:       st,
		log:         log,
		insertMatch: InsertMatchRows,
		insertPass:  InsertPassRow,
	}
}

// Handler returns the event-bus handler. Subscribe it before starting the
// bus.
func (a *Archiver) Handler() events.Handler {
	return func(ctx context.Context, ev events.Event) {
		switch ev.Type {
		case events.TypeLineMatched:
			a.archiveMatch(ctx, ev)
		case events.TypeReconciliationCompleted:
			a.archivePass(ctx, ev)
		}
	}
}

func (a *Archiver) archiveMatch(ctx context.Context, ev events.Event) {
	stmt, _, err := a.store.FindStatementByLine(ctx, ev.LineID)
	if err != nil {
		a.log.Warn().Err(err).Str("line_id", ev.LineID).Msg("archive: statement lookup failed")
		return
	}
	line := stmt.Line(ev.LineID)
	if line == nil {
		return
	}

	records, err := a.store.ListMatchesByLine(ctx, ev.LineID)
	if err != nil {
		a.log.Warn().Err(err).Str("line_id", ev.LineID).Msg("archive: match lookup failed")
		return
	}

	rows := make([]*MatchRow, 0, len(records))
	for _, m := range records {
		rows = append(rows, matchToRow(stmt, line, m))
	}
	if err := a.insertMatch(ctx, a.projectID, a.datasetID, rows); err != nil {
		a.log.Warn().Err(err).Str("line_id", ev.LineID).Msg("archive: insert match rows failed")
	}
}

func (a *Archiver) archivePass(ctx context.Context, ev events.Event) {
	row := &PassRow{
		PassID:      uuid.NewString(),
		TenantID:    ev.TenantID,
		StatementID: ev.StatementID,
		TotalLines:  payloadInt(ev.Payload, "matched") + payloadInt(ev.Payload, "suggested") + payloadInt(ev.Payload, "unmatched") + payloadInt(ev.Payload, "conflicts") + payloadInt(ev.Payload, "excluded"),
		Matched:     payloadInt(ev.Payload, "matched"),
		Suggested:   payloadInt(ev.Payload, "suggested"),
		Unmatched:   payloadInt(ev.Payload, "unmatched"),
		Conflicts:   payloadInt(ev.Payload, "conflicts"),
		Excluded:    payloadInt(ev.Payload, "excluded"),
		MatchRate:   payloadFloat(ev.Payload, "match_rate"),
		CompletedTS: ev.OccurredAt,
	}
	if failed := payloadInt(ev.Payload, "failed"); failed > 0 {
		row.FailedLines = bq.NullInt64{Int64: failed, Valid: true}
	}
	if row.CompletedTS.IsZero() {
		row.CompletedTS = time.Now().UTC()
	}

	if err := a.insertPass(ctx, a.projectID, a.datasetID, row); err != nil {
		a.log.Warn().Err(err).Str("statement_id", ev.StatementID).Msg("archive: insert pass row failed")
	}
}

func matchToRow(stmt *domain.Statement, line *domain.StatementLine, m *domain.ReconciliationMatch) *MatchRow {
	row := &MatchRow{
		MatchID:     m.MatchID,
		TenantID:    stmt.TenantID,
		StatementID: stmt.StatementID,
		LineID:      m.LineID,
		EntryID:     m.EntryID,
		MatchType:   string(m.MatchType),
		Kind:        string(m.Kind),
		AmountMinor: m.AmountMinor,
		Currency:    line.Currency,
		Confidence:  m.Confidence,
		Superseded:  m.Superseded,
		ValueDate:   civil.DateOf(line.ValueDate),
		MatchedTS:   m.MatchedAt,
	}
	if m.ResolvedBy != "" {
		row.ResolvedBy = bq.NullString{StringVal: m.ResolvedBy, Valid: true}
	}
	if m.Explanation != "" {
		row.Explanation = bq.NullString{StringVal: m.Explanation, Valid: true}
	}
	return row
}

func payloadInt(p map[string]interface{}, key string) int64 {
	switch v := p[key].(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	default:
		return 0
	}
}

func payloadFloat(p map[string]interface{}, key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return 0
	}
}
