// Package ingest implements the statement import pipeline: fetch the raw
// payload, normalize it, persist the aggregate and hand it to the worker.
// The pipeline is idempotent on (tenant, source reference); re-importing an
// already accepted statement is a silent no-op returning the existing
// aggregate.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/valeo-erp/reconcile/internal/domain"
	"github.com/valeo-erp/reconcile/internal/events"
	"github.com/valeo-erp/reconcile/internal/jobs"
	"github.com/valeo-erp/reconcile/internal/normalize"
	"github.com/valeo-erp/reconcile/internal/rawstore"
	"github.com/valeo-erp/reconcile/internal/store"
)

// PipelineStep is a single step of the import pipeline.
type PipelineStep interface {
	Execute(ctx context.Context, state *PipelineState) error
}

// PipelineState holds the shared state across all pipeline steps.
type PipelineState struct {
	TenantID  string
	SourceRef string
	Format    string
	URI       string

	RawBytes   []byte
	ArchiveURI string
	Statement  *domain.Statement

	// AlreadyImported short-circuits the pipeline when the source reference
	// was accepted before.
	AlreadyImported bool

	// JobID is the enqueued reconciliation job, when a worker queue is
	// configured.
	JobID string
}

// Result is the outcome of an import.
type Result struct {
	Statement       *domain.Statement `json:"statement"`
	AlreadyImported bool              `json:"already_imported"`
	JobID           string            `json:"job_id,omitempty"`
}

// Repository is the slice of the store the importer needs.
type Repository interface {
	store.StatementRepository
	store.ImportRunRepository
}

// Importer runs the import pipeline.
type Importer struct {
	store      Repository
	fetcher    rawstore.Fetcher
	archiver   rawstore.Archiver
	normalizer *normalize.Normalizer
	queue      jobs.Publisher
	pub        events.Publisher
	log        zerolog.Logger
	now        func() time.Time
}

// NewImporter creates an importer. The archiver and the queue are optional;
// without a queue the caller runs the matching pass itself.
func NewImporter(st Repository, fetcher rawstore.Fetcher, archiver rawstore.Archiver, normalizer *normalize.Normalizer, queue jobs.Publisher, pub events.Publisher, log zerolog.Logger) *Importer {
	return &Importer{
		store:      st,
		fetcher:    fetcher,
		archiver:   archiver,
		normalizer: normalizer,
		queue:      queue,
		pub:        pub,
		log:        log,
		now:        time.Now,
	}
}

// Import runs the pipeline for one statement payload.
func (i *Importer) Import(ctx context.Context, tenantID, sourceRef, format, uri string) (*Result, error) {
	if tenantID == "" || sourceRef == "" {
		return nil, fmt.Errorf("Import: tenant id and source ref are required")
	}

	state := &PipelineState{
		TenantID:  tenantID,
		SourceRef: sourceRef,
		Format:    format,
		URI:       uri,
	}

	resolve := &resolveExistingStep{store: i.store}
	if err := resolve.Execute(ctx, state); err != nil {
		return nil, fmt.Errorf("Import: %w", err)
	}
	if state.AlreadyImported {
		return &Result{Statement: state.Statement, AlreadyImported: true}, nil
	}

	run := i.startRun(ctx, state)

	steps := []PipelineStep{
		&fetchRawStep{fetcher: i.fetcher},
		&normalizeStep{normalizer: i.normalizer, now: i.now},
		&archiveRawStep{archiver: i.archiver, log: i.log},
		&persistStatementStep{store: i.store},
		&emitImportedStep{pub: i.pub, log: i.log},
		&enqueueReconcileStep{queue: i.queue},
	}

	for _, step := range steps {
		if err := step.Execute(ctx, state); err != nil {
			i.finishRun(ctx, run, state, err)
			return nil, fmt.Errorf("Import: %w", err)
		}
	}
	i.finishRun(ctx, run, state, nil)

	return &Result{
		Statement: state.Statement,
		JobID:     state.JobID,
	}, nil
}

// startRun opens the RUNNING run record for this attempt. Run bookkeeping
// never fails an import; persistence errors are logged and ignored.
func (i *Importer) startRun(ctx context.Context, state *PipelineState) *domain.ImportRun {
	run := &domain.ImportRun{
		RunID:     uuid.NewString(),
		TenantID:  state.TenantID,
		SourceRef: state.SourceRef,
		Format:    state.Format,
		Status:    domain.RunStatusRunning,
		StartedAt: i.now(),
	}
	if err := i.store.SaveImportRun(ctx, run); err != nil {
		i.log.Warn().Err(err).Str("source_ref", state.SourceRef).Msg("failed to record import run")
	}
	return run
}

func (i *Importer) finishRun(ctx context.Context, run *domain.ImportRun, state *PipelineState, stepErr error) {
	finished := i.now()
	run.FinishedAt = &finished
	if state.Statement != nil {
		run.StatementID = state.Statement.StatementID
	}
	if stepErr != nil {
		run.Status = domain.RunStatusFailed
		run.Error = stepErr.Error()
	} else {
		run.Status = domain.RunStatusSucceeded
	}
	if err := i.store.SaveImportRun(ctx, run); err != nil {
		i.log.Warn().Err(err).Str("run_id", run.RunID).Msg("failed to finalize import run")
	}
}

// resolveExistingStep resolves the idempotency key before anything is
// fetched or parsed.
type resolveExistingStep struct {
	store store.StatementRepository
}

func (s *resolveExistingStep) Execute(ctx context.Context, state *PipelineState) error {
	existing, err := s.store.FindBySourceRef(ctx, state.TenantID, state.SourceRef)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("resolve source ref: %w", err)
	}
	state.Statement = existing
	state.AlreadyImported = true
	return nil
}

// fetchRawStep fetches the raw payload bytes.
type fetchRawStep struct {
	fetcher rawstore.Fetcher
}

func (s *fetchRawStep) Execute(ctx context.Context, state *PipelineState) error {
	data, err := s.fetcher.Fetch(ctx, state.URI)
	if err != nil {
		return fmt.Errorf("fetch raw payload: %w", err)
	}
	state.RawBytes = data
	return nil
}

// normalizeStep parses and validates the payload into the canonical
// aggregate. A parse or balance failure rejects the whole import.
type normalizeStep struct {
	normalizer *normalize.Normalizer
	now        func() time.Time
}

func (s *normalizeStep) Execute(ctx context.Context, state *PipelineState) error {
	stmt, err := s.normalizer.Normalize(state.Format, state.RawBytes, normalize.ImportContext{
		TenantID:   state.TenantID,
		SourceRef:  state.SourceRef,
		ImportedAt: s.now(),
	})
	if err != nil {
		return err
	}
	state.Statement = stmt
	return nil
}

// archiveRawStep archives the accepted payload for replay. Archival failure
// is logged and tolerated; the import itself already validated the data.
type archiveRawStep struct {
	archiver rawstore.Archiver
	log      zerolog.Logger
}

func (s *archiveRawStep) Execute(ctx context.Context, state *PipelineState) error {
	if s.archiver == nil {
		return nil
	}
	uri, err := s.archiver.Archive(ctx, state.TenantID, state.SourceRef, state.RawBytes)
	if err != nil {
		s.log.Warn().Err(err).Str("source_ref", state.SourceRef).Msg("failed to archive raw payload")
		return nil
	}
	state.ArchiveURI = uri
	return nil
}

// persistStatementStep stores the aggregate.
type persistStatementStep struct {
	store store.StatementRepository
}

func (s *persistStatementStep) Execute(ctx context.Context, state *PipelineState) error {
	if err := s.store.CreateStatement(ctx, state.Statement); err != nil {
		return fmt.Errorf("persist statement: %w", err)
	}
	return nil
}

// emitImportedStep publishes statement.imported.
type emitImportedStep struct {
	pub events.Publisher
	log zerolog.Logger
}

func (s *emitImportedStep) Execute(ctx context.Context, state *PipelineState) error {
	if s.pub == nil {
		return nil
	}
	err := s.pub.Publish(ctx, events.Event{
		Type:        events.TypeStatementImported,
		TenantID:    state.TenantID,
		StatementID: state.Statement.StatementID,
		Payload: map[string]interface{}{
			"source_ref": state.SourceRef,
			"format":     state.Format,
			"lines":      len(state.Statement.Lines),
		},
	})
	if err != nil {
		s.log.Warn().Err(err).Msg("failed to publish statement.imported")
	}
	return nil
}

// enqueueReconcileStep hands the statement to the worker.
type enqueueReconcileStep struct {
	queue jobs.Publisher
}

func (s *enqueueReconcileStep) Execute(ctx context.Context, state *PipelineState) error {
	if s.queue == nil {
		return nil
	}
	job := &jobs.ReconcileStatementJob{
		TenantID:    state.TenantID,
		StatementID: state.Statement.StatementID,
		SourceRef:   state.SourceRef,
	}
	if err := s.queue.PublishReconcileStatement(ctx, job); err != nil {
		return fmt.Errorf("enqueue reconcile job: %w", err)
	}
	state.JobID = job.JobID
	return nil
}
