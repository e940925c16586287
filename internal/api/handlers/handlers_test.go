package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/valeo-erp/reconcile/internal/aiassist"
	"github.com/valeo-erp/reconcile/internal/api/middleware"
	"github.com/valeo-erp/reconcile/internal/config"
	"github.com/valeo-erp/reconcile/internal/domain"
	"github.com/valeo-erp/reconcile/internal/events"
	"github.com/valeo-erp/reconcile/internal/ingest"
	jobsinmem "github.com/valeo-erp/reconcile/internal/jobs/inmemory"
	"github.com/valeo-erp/reconcile/internal/ledger"
	"github.com/valeo-erp/reconcile/internal/normalize"
	"github.com/valeo-erp/reconcile/internal/recon"
	storeinmem "github.com/valeo-erp/reconcile/internal/store/inmemory"
)

const validCSV = `STMT,DE89370400440532013000,2026-08-15,EUR,1000.00,1180.50
LINE,2026-08-02,2026-08-02,250.50,EUR,ACME GMBH,DE02120300000000202051,Payment INV-2042
LINE,2026-08-05,2026-08-06,-70.00,EUR,OFFICE SUPPLIES LTD,,PO-17 refill
`

type memFetcher struct {
	files map[string][]byte
}

func (f *memFetcher) Fetch(_ context.Context, uri string) ([]byte, error) {
	data, ok := f.files[uri]
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", uri, domain.ErrNotFound)
	}
	return data, nil
}

type apiFixture struct {
	srv    http.Handler
	store  *storeinmem.Store
	gw     *ledger.InMemory
	orch   *recon.Orchestrator
	tenant string
}

func newAPIFixture(t *testing.T, advisor *aiassist.Advisor) *apiFixture {
	t.Helper()
	log := zerolog.Nop()
	st := storeinmem.New()
	gw := ledger.NewInMemory()
	cfg := config.Default()
	rec := events.NewRecorder()
	orch := recon.New(st, gw, cfg, rec, log)

	jobStore := jobsinmem.NewStore()
	queue := jobsinmem.NewQueue(16, 1, jobStore)
	t.Cleanup(func() { _ = queue.Close() })

	fetcher := &memFetcher{files: map[string][]byte{"stmt.csv": []byte(validCSV)}}
	importer := ingest.NewImporter(st, fetcher, nil, normalize.New(1), queue, rec, log)

	statements := NewStatementsHandler(importer, orch, st, queue, log)
	lines := NewLinesHandler(orch, st, gw, advisor, log)
	jobsHandler := NewJobsHandler(jobStore, log)

	mux := NewRouter(statements, lines, jobsHandler)
	return &apiFixture{
		srv:    middleware.Tenant(mux),
		store:  st,
		gw:     gw,
		orch:   orch,
		tenant: "tenant-1",
	}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Tenant-ID", f.tenant)
	req.Header.Set("X-User-ID", "clerk@example.com")
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) importStatement(t *testing.T) *domain.Statement {
	t.Helper()
	w := f.do(t, http.MethodPost, "/api/statements/import", map[string]string{
		"source_ref": "aug-2026", "format": "csv", "uri": "stmt.csv",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("import status = %d, body %s", w.Code, w.Body.String())
	}
	var resp ingest.Result
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode import response: %v", err)
	}
	return resp.Statement
}

func TestImportEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)

	stmt := f.importStatement(t)
	if len(stmt.Lines) != 2 {
		t.Fatalf("imported lines = %d, want 2", len(stmt.Lines))
	}

	// Re-import answers 200 with the same statement.
	w := f.do(t, http.MethodPost, "/api/statements/import", map[string]string{
		"source_ref": "aug-2026", "format": "csv", "uri": "stmt.csv",
	})
	if w.Code != http.StatusOK {
		t.Errorf("re-import status = %d, want 200", w.Code)
	}
}

func TestImportEndpointValidation(t *testing.T) {
	f := newAPIFixture(t, nil)
	w := f.do(t, http.MethodPost, "/api/statements/import", map[string]string{"format": "csv"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestTenantHeaderRequired(t *testing.T) {
	f := newAPIFixture(t, nil)
	req := httptest.NewRequest(http.MethodGet, "/api/jobs", nil)
	w := httptest.NewRecorder()
	f.srv.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400 without X-Tenant-ID", w.Code)
	}
}

func TestGetStatementAndResult(t *testing.T) {
	f := newAPIFixture(t, nil)
	stmt := f.importStatement(t)

	w := f.do(t, http.MethodGet, "/api/statements/"+stmt.StatementID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/statements/"+stmt.StatementID+"/result", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("result status = %d", w.Code)
	}
	var result domain.ReconciliationResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.TotalLines != 2 || result.Unmatched != 2 {
		t.Errorf("result = %+v, want 2 total, 2 unmatched", result)
	}

	if w := f.do(t, http.MethodGet, "/api/statements/unknown", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown statement status = %d, want 404", w.Code)
	}
}

func TestListLinesFiltersByStatus(t *testing.T) {
	f := newAPIFixture(t, nil)
	stmt := f.importStatement(t)

	w := f.do(t, http.MethodPost, "/api/lines/"+stmt.Lines[1].LineID+"/exclude", map[string]string{"reason": "bank fee"})
	if w.Code != http.StatusOK {
		t.Fatalf("exclude status = %d", w.Code)
	}

	w = f.do(t, http.MethodGet, "/api/statements/"+stmt.StatementID+"/lines?status=excluded", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list lines status = %d", w.Code)
	}
	var resp struct {
		Lines []*domain.StatementLine `json:"lines"`
		Count int                     `json:"count"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Count != 1 || resp.Lines[0].LineID != stmt.Lines[1].LineID {
		t.Errorf("filtered lines = %+v, want only the excluded line", resp.Lines)
	}
}

func TestReconcileEndpointEnqueues(t *testing.T) {
	f := newAPIFixture(t, nil)
	stmt := f.importStatement(t)

	w := f.do(t, http.MethodPost, "/api/statements/"+stmt.StatementID+"/reconcile", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("reconcile status = %d, body %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	jobID := resp["job_id"]
	if jobID == "" {
		t.Fatal("expected a job id")
	}

	w = f.do(t, http.MethodGet, "/api/jobs/"+jobID, nil)
	if w.Code != http.StatusOK {
		t.Errorf("get job status = %d", w.Code)
	}
}

func TestManualMatchEndpoint(t *testing.T) {
	f := newAPIFixture(t, nil)
	stmt := f.importStatement(t)
	line := stmt.Lines[0]

	f.gw.AddEntry(&domain.Entry{
		EntryID: "entry-1", TenantID: f.tenant, AmountMinor: 25050,
		Currency: "EUR", Reference: "INV-2042", PartyName: "ACME GMBH",
		DueDate: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
	})

	w := f.do(t, http.MethodPost, "/api/lines/"+line.LineID+"/match", map[string]string{"entry_id": "entry-1"})
	if w.Code != http.StatusOK {
		t.Fatalf("match status = %d, body %s", w.Code, w.Body.String())
	}

	got, _, err := f.store.GetStatement(context.Background(), f.tenant, stmt.StatementID)
	if err != nil {
		t.Fatalf("GetStatement() error = %v", err)
	}
	l := got.Line(line.LineID)
	if l.Status != domain.LineStatusMatched || l.MatchType != domain.MatchTypeManual {
		t.Errorf("line = %s/%s, want MATCHED/MANUAL", l.Status, l.MatchType)
	}
	if l.ResolvedBy != "clerk@example.com" {
		t.Errorf("resolved by = %s, want header fallback", l.ResolvedBy)
	}

	w = f.do(t, http.MethodGet, "/api/lines/"+line.LineID+"/matches", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list matches status = %d", w.Code)
	}
}

func TestExcludeThenMatchConflicts(t *testing.T) {
	f := newAPIFixture(t, nil)
	stmt := f.importStatement(t)
	line := stmt.Lines[1]

	w := f.do(t, http.MethodPost, "/api/lines/"+line.LineID+"/exclude", map[string]string{"reason": "bank fee"})
	if w.Code != http.StatusOK {
		t.Fatalf("exclude status = %d", w.Code)
	}

	w = f.do(t, http.MethodPost, "/api/lines/"+line.LineID+"/match", map[string]string{"entry_id": "entry-1"})
	if w.Code != http.StatusConflict {
		t.Errorf("match on excluded line status = %d, want 409", w.Code)
	}
}

func TestSplitEndpointValidation(t *testing.T) {
	f := newAPIFixture(t, nil)
	stmt := f.importStatement(t)
	line := stmt.Lines[0]

	w := f.do(t, http.MethodPost, "/api/lines/"+line.LineID+"/split", map[string]interface{}{
		"allocations": []map[string]interface{}{{"entry_id": "entry-1", "amount_minor": 25050}},
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("single-allocation split status = %d, want 400", w.Code)
	}
}

type fakeModel struct{ response string }

func (f *fakeModel) GenerateText(_ context.Context, _ string) (string, error) {
	return f.response, nil
}

func TestAdviseEndpoint(t *testing.T) {
	advisor := aiassist.New(&fakeModel{
		response: `{"entry_id":"entry-a","confidence":0.8,"explanation":"closer reference"}`,
	})
	f := newAPIFixture(t, advisor)
	stmt := f.importStatement(t)
	line := stmt.Lines[0]

	due := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	// Two indistinguishable entries force the line into CONFLICT.
	f.gw.AddEntry(&domain.Entry{EntryID: "entry-a", TenantID: f.tenant, AmountMinor: 25050, Currency: "EUR", Reference: "INV-2042", PartyName: "ACME GMBH", DueDate: due})
	f.gw.AddEntry(&domain.Entry{EntryID: "entry-b", TenantID: f.tenant, AmountMinor: 25050, Currency: "EUR", Reference: "INV-2042", PartyName: "ACME GMBH", DueDate: due})

	if _, err := f.orch.RunAutoMatch(context.Background(), f.tenant, stmt.StatementID); err != nil {
		t.Fatalf("RunAutoMatch() error = %v", err)
	}
	got, _, _ := f.store.GetStatement(context.Background(), f.tenant, stmt.StatementID)
	if got.Line(line.LineID).Status != domain.LineStatusConflict {
		t.Fatalf("line status = %s, want CONFLICT", got.Line(line.LineID).Status)
	}

	w := f.do(t, http.MethodPost, "/api/lines/"+line.LineID+"/advise", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("advise status = %d, body %s", w.Code, w.Body.String())
	}
	var rec aiassist.Recommendation
	if err := json.Unmarshal(w.Body.Bytes(), &rec); err != nil {
		t.Fatalf("decode recommendation: %v", err)
	}
	if rec.EntryID != "entry-a" {
		t.Errorf("recommended entry = %s, want entry-a", rec.EntryID)
	}
}

func TestAdviseWithoutAdvisor(t *testing.T) {
	f := newAPIFixture(t, nil)
	stmt := f.importStatement(t)

	w := f.do(t, http.MethodPost, "/api/lines/"+stmt.Lines[0].LineID+"/advise", nil)
	if w.Code != http.StatusNotImplemented {
		t.Errorf("status = %d, want 501", w.Code)
	}
}
