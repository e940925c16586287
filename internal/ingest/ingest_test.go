package ingest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/valeo-erp/reconcile/internal/domain"
	"github.com/valeo-erp/reconcile/internal/events"
	jobsinmem "github.com/valeo-erp/reconcile/internal/jobs/inmemory"
	"github.com/valeo-erp/reconcile/internal/normalize"
	"github.com/valeo-erp/reconcile/internal/rawstore"
	"github.com/valeo-erp/reconcile/internal/store/inmemory"
)

const validCSV = `STMT,DE89370400440532013000,2026-08-15,EUR,1000.00,1180.50
LINE,2026-08-02,2026-08-02,250.50,EUR,ACME GMBH,DE02120300000000202051,Payment INV-2042
LINE,2026-08-05,2026-08-06,-70.00,EUR,OFFICE SUPPLIES LTD,,PO-17 refill
`

// mapFetcher serves payloads from memory.
type mapFetcher struct {
	files map[string][]byte
}

func (f *mapFetcher) Fetch(_ context.Context, uri string) ([]byte, error) {
	data, ok := f.files[uri]
	if !ok {
		return nil, fmt.Errorf("fetch %s: %w", uri, domain.ErrNotFound)
	}
	return data, nil
}

// memArchiver records archived payloads.
type memArchiver struct {
	archived map[string][]byte
	fail     bool
}

func (a *memArchiver) Archive(_ context.Context, tenantID, sourceRef string, data []byte) (string, error) {
	if a.fail {
		return "", errors.New("bucket unavailable")
	}
	if a.archived == nil {
		a.archived = make(map[string][]byte)
	}
	key := tenantID + "/" + sourceRef
	a.archived[key] = data
	return "gs://raw/" + key, nil
}

func newTestImporter(t *testing.T, archiver *memArchiver) (*Importer, *inmemory.Store, *jobsinmem.Store, *events.Recorder) {
	t.Helper()
	st := inmemory.New()
	jobStore := jobsinmem.NewStore()
	queue := jobsinmem.NewQueue(8, 1, jobStore)
	t.Cleanup(func() { _ = queue.Close() })
	rec := events.NewRecorder()
	fetcher := &mapFetcher{files: map[string][]byte{"stmt.csv": []byte(validCSV)}}

	// An untyped nil keeps the archiver-absent path honest.
	var arch rawstore.Archiver
	if archiver != nil {
		arch = archiver
	}
	imp := NewImporter(st, fetcher, arch, normalize.New(1), queue, rec, zerolog.Nop())
	imp.now = func() time.Time { return time.Date(2026, 8, 20, 9, 0, 0, 0, time.UTC) }
	return imp, st, jobStore, rec
}

func TestImport(t *testing.T) {
	arch := &memArchiver{}
	imp, st, jobStore, rec := newTestImporter(t, arch)
	ctx := context.Background()

	result, err := imp.Import(ctx, "tenant-1", "aug-2026", normalize.FormatCSV, "stmt.csv")
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if result.AlreadyImported {
		t.Error("first import reported as already imported")
	}
	if result.Statement == nil || len(result.Statement.Lines) != 2 {
		t.Fatalf("statement = %+v, want 2 lines", result.Statement)
	}
	if result.JobID == "" {
		t.Error("expected a reconcile job to be enqueued")
	}

	stored, err := st.FindBySourceRef(ctx, "tenant-1", "aug-2026")
	if err != nil {
		t.Fatalf("FindBySourceRef() error = %v", err)
	}
	if stored.StatementID != result.Statement.StatementID {
		t.Errorf("stored id = %s, want %s", stored.StatementID, result.Statement.StatementID)
	}

	if len(arch.archived) != 1 {
		t.Errorf("archived payloads = %d, want 1", len(arch.archived))
	}
	if len(rec.OfType(events.TypeStatementImported)) != 1 {
		t.Error("expected one statement.imported event")
	}

	job, err := jobStore.GetJob(ctx, result.JobID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if job.StatementID != result.Statement.StatementID {
		t.Errorf("job statement = %s, want %s", job.StatementID, result.Statement.StatementID)
	}
}

func TestImportIsIdempotent(t *testing.T) {
	imp, _, _, rec := newTestImporter(t, nil)
	ctx := context.Background()

	first, err := imp.Import(ctx, "tenant-1", "aug-2026", normalize.FormatCSV, "stmt.csv")
	if err != nil {
		t.Fatalf("first Import() error = %v", err)
	}
	second, err := imp.Import(ctx, "tenant-1", "aug-2026", normalize.FormatCSV, "stmt.csv")
	if err != nil {
		t.Fatalf("second Import() error = %v", err)
	}

	if !second.AlreadyImported {
		t.Error("second import not reported as already imported")
	}
	if second.Statement.StatementID != first.Statement.StatementID {
		t.Errorf("second import id = %s, want %s", second.Statement.StatementID, first.Statement.StatementID)
	}
	if second.JobID != "" {
		t.Error("repeat import must not enqueue another job")
	}
	if got := len(rec.OfType(events.TypeStatementImported)); got != 1 {
		t.Errorf("statement.imported events = %d, want 1", got)
	}
}

func TestImportSameRefDifferentTenants(t *testing.T) {
	imp, _, _, _ := newTestImporter(t, nil)
	ctx := context.Background()

	a, err := imp.Import(ctx, "tenant-1", "aug-2026", normalize.FormatCSV, "stmt.csv")
	if err != nil {
		t.Fatalf("tenant-1 Import() error = %v", err)
	}
	b, err := imp.Import(ctx, "tenant-2", "aug-2026", normalize.FormatCSV, "stmt.csv")
	if err != nil {
		t.Fatalf("tenant-2 Import() error = %v", err)
	}
	if b.AlreadyImported {
		t.Error("same ref under another tenant treated as duplicate")
	}
	if a.Statement.StatementID == b.Statement.StatementID {
		t.Error("statement ids must differ across tenants")
	}
}

func TestImportRejectsMalformedPayload(t *testing.T) {
	imp, st, _, _ := newTestImporter(t, nil)
	imp.fetcher = &mapFetcher{files: map[string][]byte{"bad.csv": []byte("STMT,only,three\n")}}
	ctx := context.Background()

	_, err := imp.Import(ctx, "tenant-1", "bad-ref", normalize.FormatCSV, "bad.csv")
	var pe *domain.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want ParseError", err)
	}

	// Nothing was persisted.
	if _, err := st.FindBySourceRef(ctx, "tenant-1", "bad-ref"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("FindBySourceRef() error = %v, want ErrNotFound", err)
	}
}

func TestImportToleratesArchiveFailure(t *testing.T) {
	arch := &memArchiver{fail: true}
	imp, _, _, _ := newTestImporter(t, arch)

	result, err := imp.Import(context.Background(), "tenant-1", "aug-2026", normalize.FormatCSV, "stmt.csv")
	if err != nil {
		t.Fatalf("Import() error = %v, want archive failure tolerated", err)
	}
	if result.Statement == nil {
		t.Error("expected the import to succeed without the archive")
	}
}

func TestImportRecordsRuns(t *testing.T) {
	imp, st, _, _ := newTestImporter(t, nil)
	ctx := context.Background()

	result, err := imp.Import(ctx, "tenant-1", "aug-2026", normalize.FormatCSV, "stmt.csv")
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	runs, err := st.ListImportRuns(ctx, "tenant-1", "aug-2026")
	if err != nil {
		t.Fatalf("ListImportRuns() error = %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	run := runs[0]
	if run.Status != domain.RunStatusSucceeded {
		t.Errorf("run status = %s, want SUCCEEDED", run.Status)
	}
	if run.StatementID != result.Statement.StatementID {
		t.Errorf("run statement = %s, want %s", run.StatementID, result.Statement.StatementID)
	}
	if run.FinishedAt == nil {
		t.Error("run not finalized")
	}

	// A duplicate import is resolved before a run is opened.
	if _, err := imp.Import(ctx, "tenant-1", "aug-2026", normalize.FormatCSV, "stmt.csv"); err != nil {
		t.Fatalf("repeat Import() error = %v", err)
	}
	runs, _ = st.ListImportRuns(ctx, "tenant-1", "aug-2026")
	if len(runs) != 1 {
		t.Errorf("runs after repeat = %d, want 1", len(runs))
	}
}

func TestImportRecordsFailedRun(t *testing.T) {
	imp, st, _, _ := newTestImporter(t, nil)
	imp.fetcher = &mapFetcher{files: map[string][]byte{"bad.csv": []byte("STMT,only,three\n")}}
	ctx := context.Background()

	if _, err := imp.Import(ctx, "tenant-1", "bad-ref", normalize.FormatCSV, "bad.csv"); err == nil {
		t.Fatal("expected the import to fail")
	}

	runs, err := st.ListImportRuns(ctx, "tenant-1", "bad-ref")
	if err != nil {
		t.Fatalf("ListImportRuns() error = %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(runs))
	}
	if runs[0].Status != domain.RunStatusFailed {
		t.Errorf("run status = %s, want FAILED", runs[0].Status)
	}
	if runs[0].Error == "" {
		t.Error("failed run carries no error message")
	}
}

func TestImportRequiresScope(t *testing.T) {
	imp, _, _, _ := newTestImporter(t, nil)
	if _, err := imp.Import(context.Background(), "", "ref", normalize.FormatCSV, "stmt.csv"); err == nil {
		t.Error("expected error for missing tenant id")
	}
	if _, err := imp.Import(context.Background(), "tenant-1", "", normalize.FormatCSV, "stmt.csv"); err == nil {
		t.Error("expected error for missing source ref")
	}
}
