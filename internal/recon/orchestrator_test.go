package recon

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/valeo-erp/reconcile/internal/config"
	"github.com/valeo-erp/reconcile/internal/domain"
	"github.com/valeo-erp/reconcile/internal/events"
	"github.com/valeo-erp/reconcile/internal/ledger"
	"github.com/valeo-erp/reconcile/internal/store"
	"github.com/valeo-erp/reconcile/internal/store/inmemory"
)

const testTenant = "tenant-1"

var testDate = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)

func newTestStatement(t *testing.T, lines int) *domain.Statement {
	t.Helper()
	stmt := &domain.Statement{
		StatementID: domain.NewStatementID(testTenant, "stmt-ref"),
		TenantID:    testTenant,
		AccountIBAN: "DE02120300000000202051",
		Date:        testDate,
		Currency:    "EUR",
		SourceRef:   "stmt-ref",
		ImportedAt:  testDate,
	}
	for i := 1; i <= lines; i++ {
		stmt.Lines = append(stmt.Lines, &domain.StatementLine{
			LineID:      domain.NewLineID(stmt.StatementID, i),
			StatementID: stmt.StatementID,
			Sequence:    i,
			AmountMinor: int64(10000 * i),
			Currency:    "EUR",
			Party:       domain.Counterparty{Name: fmt.Sprintf("ACME GMBH %d", i)},
			Purpose:     fmt.Sprintf("INVOICE INV-%03d", i),
			ValueDate:   testDate,
			BookingDate: testDate,
			Status:      domain.LineStatusUnmatched,
		})
	}
	return stmt
}

// perfectEntry builds an entry that scores 1.0 against line i of
// newTestStatement.
func perfectEntry(i int) *domain.Entry {
	return &domain.Entry{
		EntryID:     fmt.Sprintf("entry-%03d", i),
		TenantID:    testTenant,
		AmountMinor: int64(10000 * i),
		Currency:    "EUR",
		Reference:   fmt.Sprintf("INV-%03d", i),
		PartyName:   fmt.Sprintf("ACME GMBH %d", i),
		DueDate:     testDate,
	}
}

func newTestOrchestrator(t *testing.T, lines int, entries ...*domain.Entry) (*Orchestrator, *inmemory.Store, *ledger.InMemory, *events.Recorder, *domain.Statement) {
	t.Helper()
	st := inmemory.New()
	gw := ledger.NewInMemory()
	for _, e := range entries {
		gw.AddEntry(e)
	}
	rec := events.NewRecorder()
	o := New(st, gw, config.Default(), rec, zerolog.Nop())
	o.now = func() time.Time { return testDate }

	stmt := newTestStatement(t, lines)
	if err := st.CreateStatement(context.Background(), stmt); err != nil {
		t.Fatalf("CreateStatement() error = %v", err)
	}
	return o, st, gw, rec, stmt
}

func lineEvents(rec *events.Recorder) []events.Event {
	var out []events.Event
	for _, ev := range rec.Events() {
		if ev.Type != events.TypeReconciliationCompleted {
			out = append(out, ev)
		}
	}
	return out
}

func TestRunAutoMatchMatchesStrongCandidates(t *testing.T) {
	o, st, gw, rec, stmt := newTestOrchestrator(t, 2, perfectEntry(1), perfectEntry(2))
	ctx := context.Background()

	result, err := o.RunAutoMatch(ctx, testTenant, stmt.StatementID)
	if err != nil {
		t.Fatalf("RunAutoMatch() error = %v", err)
	}
	if result.Matched != 2 || result.Unmatched != 0 {
		t.Fatalf("result = matched %d, unmatched %d; want 2, 0", result.Matched, result.Unmatched)
	}
	if result.MatchRate != 1.0 {
		t.Errorf("match rate = %v, want 1.0", result.MatchRate)
	}

	got, _, err := st.GetStatement(ctx, testTenant, stmt.StatementID)
	if err != nil {
		t.Fatalf("GetStatement() error = %v", err)
	}
	for i, l := range got.Lines {
		if l.Status != domain.LineStatusMatched {
			t.Errorf("line %d status = %s, want MATCHED", i+1, l.Status)
		}
		if l.MatchType != domain.MatchTypeAuto {
			t.Errorf("line %d match type = %s, want AUTO", i+1, l.MatchType)
		}
		if l.Confidence < 0.92 {
			t.Errorf("line %d confidence = %v, want >= 0.92", i+1, l.Confidence)
		}
		cur, err := st.CurrentMatch(ctx, l.LineID)
		if err != nil {
			t.Fatalf("CurrentMatch(line %d) error = %v", i+1, err)
		}
		if cur.EntryID != l.MatchedEntryID {
			t.Errorf("line %d match record entry = %s, want %s", i+1, cur.EntryID, l.MatchedEntryID)
		}
	}

	// Matched entries are claimed and leave the open pool.
	open, err := gw.ListOpenEntries(ctx, testTenant, "EUR", ledger.Window{
		From: testDate.AddDate(0, 0, -30), To: testDate.AddDate(0, 0, 30),
	})
	if err != nil {
		t.Fatalf("ListOpenEntries() error = %v", err)
	}
	if len(open) != 0 {
		t.Errorf("open entries after pass = %d, want 0", len(open))
	}

	matched := rec.OfType(events.TypeLineMatched)
	if len(matched) != 2 {
		t.Errorf("line.matched events = %d, want 2", len(matched))
	}
	if len(rec.OfType(events.TypeReconciliationCompleted)) != 1 {
		t.Error("expected one reconciliation.completed event")
	}
}

func TestRunAutoMatchNeverDoubleClaims(t *testing.T) {
	// Two identical lines competing for one entry: exactly one may win it,
	// and the loser must surface the contention as CONFLICT.
	o, st, _, rec, stmt := newTestOrchestrator(t, 1, perfectEntry(1))
	ctx := context.Background()

	twin := *stmt.Lines[0]
	twin.Sequence = 2
	twin.LineID = domain.NewLineID(stmt.StatementID, 2)
	stmt.Lines = append(stmt.Lines, &twin)
	loaded, version, err := st.GetStatement(ctx, testTenant, stmt.StatementID)
	if err != nil {
		t.Fatalf("GetStatement() error = %v", err)
	}
	loaded.Lines = stmt.Lines
	if _, err := st.UpdateStatement(ctx, loaded, version); err != nil {
		t.Fatalf("UpdateStatement() error = %v", err)
	}

	result, err := o.RunAutoMatch(ctx, testTenant, stmt.StatementID)
	if err != nil {
		t.Fatalf("RunAutoMatch() error = %v", err)
	}
	if result.Matched != 1 || result.Conflicts != 1 {
		t.Fatalf("result = %d matched, %d conflicts; want 1, 1", result.Matched, result.Conflicts)
	}

	got, _, _ := st.GetStatement(ctx, testTenant, stmt.StatementID)
	winners, losers := 0, 0
	for _, l := range got.Lines {
		switch {
		case l.MatchedEntryID == "entry-001":
			winners++
		case l.Status == domain.LineStatusConflict:
			losers++
			if len(l.Suggestions) != 1 || l.Suggestions[0].EntryID != "entry-001" {
				t.Errorf("losing line suggestions = %v, want the contested entry-001", l.Suggestions)
			}
			if l.Diagnostic == "" {
				t.Error("losing line should carry a diagnostic naming the reserved entry")
			}
		}
	}
	if winners != 1 || losers != 1 {
		t.Errorf("winners = %d, losers = %d; want 1 and 1", winners, losers)
	}
	if len(rec.OfType(events.TypeLineConflicted)) != 1 {
		t.Error("expected one line.conflicted event for the losing line")
	}
}

func TestRunAutoMatchRerunIsNoOp(t *testing.T) {
	o, st, _, rec, stmt := newTestOrchestrator(t, 3, perfectEntry(1), perfectEntry(2))
	ctx := context.Background()

	first, err := o.RunAutoMatch(ctx, testTenant, stmt.StatementID)
	if err != nil {
		t.Fatalf("first RunAutoMatch() error = %v", err)
	}
	firstEvents := len(lineEvents(rec))

	second, err := o.RunAutoMatch(ctx, testTenant, stmt.StatementID)
	if err != nil {
		t.Fatalf("second RunAutoMatch() error = %v", err)
	}

	if second.Matched != first.Matched || second.Unmatched != first.Unmatched {
		t.Errorf("second pass result (%d/%d) differs from first (%d/%d)",
			second.Matched, second.Unmatched, first.Matched, first.Unmatched)
	}
	if got := len(lineEvents(rec)); got != firstEvents {
		t.Errorf("second pass emitted %d new line events, want 0", got-firstEvents)
	}

	got, _, _ := st.GetStatement(ctx, testTenant, stmt.StatementID)
	for _, l := range got.Lines {
		if l.Status != domain.LineStatusMatched {
			continue
		}
		records, err := st.ListMatchesByLine(ctx, l.LineID)
		if err != nil {
			t.Fatalf("ListMatchesByLine() error = %v", err)
		}
		if len(records) != 1 {
			t.Errorf("line %s has %d match records after re-run, want 1", l.LineID, len(records))
		}
	}
}

func TestRunAutoMatchSkipsManualResolutions(t *testing.T) {
	o, st, gw, rec, stmt := newTestOrchestrator(t, 1, perfectEntry(1), perfectEntry(2))
	ctx := context.Background()

	// A human matched the line to a weaker entry; the pass must not undo it.
	gw.AddEntry(&domain.Entry{
		EntryID: "entry-manual", TenantID: testTenant, AmountMinor: 9999,
		Currency: "EUR", Reference: "OTHER", PartyName: "OTHER PARTY", DueDate: testDate,
	})
	if err := o.ApplyManualMatch(ctx, testTenant, stmt.Lines[0].LineID, "entry-manual", "clerk@example.com"); err != nil {
		t.Fatalf("ApplyManualMatch() error = %v", err)
	}
	before := len(rec.Events())

	if _, err := o.RunAutoMatch(ctx, testTenant, stmt.StatementID); err != nil {
		t.Fatalf("RunAutoMatch() error = %v", err)
	}

	got, _, _ := st.GetStatement(ctx, testTenant, stmt.StatementID)
	l := got.Lines[0]
	if l.MatchedEntryID != "entry-manual" || l.MatchType != domain.MatchTypeManual {
		t.Errorf("line = %s/%s, want entry-manual/MANUAL", l.MatchedEntryID, l.MatchType)
	}
	newLine := 0
	for _, ev := range rec.Events()[before:] {
		if ev.Type != events.TypeReconciliationCompleted {
			newLine++
		}
	}
	if newLine != 0 {
		t.Errorf("pass emitted %d line events for a manually resolved line, want 0", newLine)
	}
}

func TestRunAutoMatchAmbiguousCandidatesConflict(t *testing.T) {
	// Two entries identical except for id score the same; ambiguity, so
	// neither may be picked.
	e1, e2 := perfectEntry(1), perfectEntry(1)
	e2.EntryID = "entry-001-dup"
	o, st, _, rec, stmt := newTestOrchestrator(t, 1, e1, e2)
	ctx := context.Background()

	result, err := o.RunAutoMatch(ctx, testTenant, stmt.StatementID)
	if err != nil {
		t.Fatalf("RunAutoMatch() error = %v", err)
	}
	if result.Conflicts != 1 || result.Matched != 0 {
		t.Fatalf("result = %d conflicts, %d matched; want 1, 0", result.Conflicts, result.Matched)
	}

	got, _, _ := st.GetStatement(ctx, testTenant, stmt.StatementID)
	l := got.Lines[0]
	if l.Status != domain.LineStatusConflict {
		t.Fatalf("status = %s, want CONFLICT", l.Status)
	}
	if len(l.Suggestions) != 2 {
		t.Errorf("retained suggestions = %d, want 2", len(l.Suggestions))
	}
	if len(rec.OfType(events.TypeLineConflicted)) != 1 {
		t.Error("expected one line.conflicted event")
	}
}

// failingGateway fails ListOpenEntries for a chosen call number and
// delegates everything else.
type failingGateway struct {
	ledger.Gateway
	calls    int
	failCall int
}

func (g *failingGateway) ListOpenEntries(ctx context.Context, tenantID, currency string, w ledger.Window) ([]*domain.Entry, error) {
	g.calls++
	if g.calls == g.failCall {
		return nil, &domain.TransientError{Op: "ListOpenEntries", Err: errors.New("ledger unavailable")}
	}
	return g.Gateway.ListOpenEntries(ctx, tenantID, currency, w)
}

func TestRunAutoMatchIsolatesPerLineFailure(t *testing.T) {
	st := inmemory.New()
	inner := ledger.NewInMemory()
	for i := 1; i <= 10; i++ {
		inner.AddEntry(perfectEntry(i))
	}
	gw := &failingGateway{Gateway: inner, failCall: 3}
	rec := events.NewRecorder()
	o := New(st, gw, config.Default(), rec, zerolog.Nop())
	o.now = func() time.Time { return testDate }

	ctx := context.Background()
	stmt := newTestStatement(t, 10)
	if err := st.CreateStatement(ctx, stmt); err != nil {
		t.Fatalf("CreateStatement() error = %v", err)
	}

	result, err := o.RunAutoMatch(ctx, testTenant, stmt.StatementID)
	if err != nil {
		t.Fatalf("RunAutoMatch() error = %v, want pass to survive one bad line", err)
	}
	if result.Matched != 9 {
		t.Errorf("matched = %d, want 9", result.Matched)
	}
	if result.Unmatched != 1 {
		t.Errorf("unmatched = %d, want 1", result.Unmatched)
	}

	got, _, _ := st.GetStatement(ctx, testTenant, stmt.StatementID)
	failed := got.Lines[2]
	if failed.Status != domain.LineStatusUnmatched {
		t.Errorf("failed line status = %s, want UNMATCHED", failed.Status)
	}
	if failed.Diagnostic == "" {
		t.Error("failed line should carry a diagnostic")
	}
	retained := rec.OfType(events.TypeLineUnmatchedRetained)
	if len(retained) != 1 {
		t.Fatalf("line.unmatched.retained events = %d, want 1", len(retained))
	}
	if retained[0].LineID != failed.LineID {
		t.Errorf("retained event line = %s, want %s", retained[0].LineID, failed.LineID)
	}
}

func TestRunAutoMatchLookupFailureDowngradesSuggestedLine(t *testing.T) {
	st := inmemory.New()
	gw := &failingGateway{Gateway: ledger.NewInMemory(), failCall: 1}
	rec := events.NewRecorder()
	o := New(st, gw, config.Default(), rec, zerolog.Nop())
	o.now = func() time.Time { return testDate }

	ctx := context.Background()
	stmt := newTestStatement(t, 1)
	stmt.Lines[0].Status = domain.LineStatusSuggested
	stmt.Lines[0].Suggestions = []domain.Suggestion{{EntryID: "entry-001", Score: 0.7}}
	if err := st.CreateStatement(ctx, stmt); err != nil {
		t.Fatalf("CreateStatement() error = %v", err)
	}

	result, err := o.RunAutoMatch(ctx, testTenant, stmt.StatementID)
	if err != nil {
		t.Fatalf("RunAutoMatch() error = %v", err)
	}
	if result.Unmatched != 1 {
		t.Fatalf("unmatched = %d, want 1", result.Unmatched)
	}

	got, _, _ := st.GetStatement(ctx, testTenant, stmt.StatementID)
	l := got.Lines[0]
	if l.Status != domain.LineStatusUnmatched {
		t.Errorf("status = %s, want UNMATCHED", l.Status)
	}
	if len(l.Suggestions) != 0 {
		t.Errorf("suggestions = %v, want none after the downgrade", l.Suggestions)
	}
	if l.Diagnostic == "" {
		t.Error("expected a diagnostic describing the lookup failure")
	}
	if len(rec.OfType(events.TypeLineUnmatchedRetained)) != 1 {
		t.Error("expected one line.unmatched.retained event")
	}
}

func TestRunAutoMatchLookupFailureKeepsMatchedLine(t *testing.T) {
	st := inmemory.New()
	inner := ledger.NewInMemory()
	inner.AddEntry(perfectEntry(1))
	gw := &failingGateway{Gateway: inner, failCall: 2}
	rec := events.NewRecorder()
	o := New(st, gw, config.Default(), rec, zerolog.Nop())
	o.now = func() time.Time { return testDate }

	ctx := context.Background()
	stmt := newTestStatement(t, 1)
	if err := st.CreateStatement(ctx, stmt); err != nil {
		t.Fatalf("CreateStatement() error = %v", err)
	}
	if _, err := o.RunAutoMatch(ctx, testTenant, stmt.StatementID); err != nil {
		t.Fatalf("first RunAutoMatch() error = %v", err)
	}

	// The second pass hits the lookup failure; the auto match survives it.
	result, err := o.RunAutoMatch(ctx, testTenant, stmt.StatementID)
	if err != nil {
		t.Fatalf("second RunAutoMatch() error = %v", err)
	}
	if result.Matched != 1 {
		t.Fatalf("matched = %d, want 1", result.Matched)
	}

	got, _, _ := st.GetStatement(ctx, testTenant, stmt.StatementID)
	l := got.Lines[0]
	if l.Status != domain.LineStatusMatched || l.MatchedEntryID != "entry-001" {
		t.Errorf("line = %s/%s, want MATCHED/entry-001", l.Status, l.MatchedEntryID)
	}
	if l.Diagnostic == "" {
		t.Error("expected a diagnostic describing the lookup failure")
	}
	if len(rec.OfType(events.TypeLineUnmatchedRetained)) != 0 {
		t.Error("a retained matched line must not emit an unmatched event")
	}
}

// conflictedStore rejects statement updates once armed, simulating a
// concurrent modification of the aggregate.
type conflictedStore struct {
	store.Store
	fail bool
}

func (s *conflictedStore) UpdateStatement(ctx context.Context, stmt *domain.Statement, version uint64) (uint64, error) {
	if s.fail {
		return 0, domain.ErrVersionConflict
	}
	return s.Store.UpdateStatement(ctx, stmt, version)
}

func TestRunAutoMatchAbortedPassKeepsClaims(t *testing.T) {
	st := inmemory.New()
	cs := &conflictedStore{Store: st}
	gw := ledger.NewInMemory()
	gw.AddEntry(perfectEntry(1))
	rec := events.NewRecorder()
	o := New(cs, gw, config.Default(), rec, zerolog.Nop())
	o.now = func() time.Time { return testDate }

	ctx := context.Background()
	stmt := newTestStatement(t, 1)
	if err := st.CreateStatement(ctx, stmt); err != nil {
		t.Fatalf("CreateStatement() error = %v", err)
	}
	if _, err := o.RunAutoMatch(ctx, testTenant, stmt.StatementID); err != nil {
		t.Fatalf("first RunAutoMatch() error = %v", err)
	}

	// Weaken the entry so the next pass would downgrade the line, then
	// abort that pass on persist.
	weak := perfectEntry(1)
	weak.AmountMinor = 55555
	weak.Reference = "OTHER"
	weak.PartyName = "OTHER PARTY"
	gw.AddEntry(weak)
	cs.fail = true

	if _, err := o.RunAutoMatch(ctx, testTenant, stmt.StatementID); !errors.Is(err, domain.ErrVersionConflict) {
		t.Fatalf("error = %v, want ErrVersionConflict", err)
	}

	// The store still shows the match, so the entry must still be claimed.
	got, _, _ := st.GetStatement(ctx, testTenant, stmt.StatementID)
	if got.Lines[0].Status != domain.LineStatusMatched {
		t.Fatalf("status = %s, want MATCHED after the aborted pass", got.Lines[0].Status)
	}
	if err := gw.ReserveEntry(ctx, "entry-001", "foreign-claim"); !errors.Is(err, domain.ErrReservationConflict) {
		t.Errorf("ReserveEntry() error = %v, want ErrReservationConflict while the line's claim stands", err)
	}
}

// leakyGateway lists entries even when they are claimed, simulating a stale
// open-items snapshot from a remote ledger.
type leakyGateway struct {
	*ledger.InMemory
	stale []*domain.Entry
}

func (g *leakyGateway) ListOpenEntries(ctx context.Context, tenantID, currency string, w ledger.Window) ([]*domain.Entry, error) {
	return g.stale, nil
}

func TestRunAutoMatchReservationConflictDowngradesLine(t *testing.T) {
	inner := ledger.NewInMemory()
	e := perfectEntry(1)
	inner.AddEntry(e)
	// Someone else already holds the entry.
	if err := inner.ReserveEntry(context.Background(), e.EntryID, "foreign-claim"); err != nil {
		t.Fatalf("ReserveEntry() error = %v", err)
	}
	gw := &leakyGateway{InMemory: inner, stale: []*domain.Entry{e}}

	st := inmemory.New()
	rec := events.NewRecorder()
	o := New(st, gw, config.Default(), rec, zerolog.Nop())
	o.now = func() time.Time { return testDate }

	ctx := context.Background()
	stmt := newTestStatement(t, 1)
	if err := st.CreateStatement(ctx, stmt); err != nil {
		t.Fatalf("CreateStatement() error = %v", err)
	}

	result, err := o.RunAutoMatch(ctx, testTenant, stmt.StatementID)
	if err != nil {
		t.Fatalf("RunAutoMatch() error = %v", err)
	}
	if result.Conflicts != 1 {
		t.Fatalf("conflicts = %d, want 1", result.Conflicts)
	}

	got, _, _ := st.GetStatement(ctx, testTenant, stmt.StatementID)
	l := got.Lines[0]
	if l.Status != domain.LineStatusConflict {
		t.Errorf("status = %s, want CONFLICT", l.Status)
	}
	if l.Diagnostic == "" {
		t.Error("expected a diagnostic naming the reserved entry")
	}
	if len(rec.OfType(events.TypeLineConflicted)) != 1 {
		t.Error("expected one line.conflicted event")
	}
}

func TestRunAutoMatchUnknownStatement(t *testing.T) {
	o, _, _, _, _ := newTestOrchestrator(t, 0)
	_, err := o.RunAutoMatch(context.Background(), testTenant, "no-such-statement")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}
