package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valeo-erp/reconcile/internal/aiassist"
	"github.com/valeo-erp/reconcile/internal/api/handlers"
	"github.com/valeo-erp/reconcile/internal/api/middleware"
	"github.com/valeo-erp/reconcile/internal/config"
	"github.com/valeo-erp/reconcile/internal/events"
	infraBQ "github.com/valeo-erp/reconcile/internal/infra/bigquery"
	"github.com/valeo-erp/reconcile/internal/ingest"
	"github.com/valeo-erp/reconcile/internal/jobs"
	jobsinmem "github.com/valeo-erp/reconcile/internal/jobs/inmemory"
	"github.com/valeo-erp/reconcile/internal/ledger"
	"github.com/valeo-erp/reconcile/internal/logger"
	"github.com/valeo-erp/reconcile/internal/normalize"
	"github.com/valeo-erp/reconcile/internal/rawstore"
	"github.com/valeo-erp/reconcile/internal/recon"
	storeinmem "github.com/valeo-erp/reconcile/internal/store/inmemory"
)

func main() {
	// Parse command-line flags
	var (
		port       = flag.String("port", "8080", "HTTP server port")
		configPath = flag.String("config", os.Getenv("RECONCILE_CONFIG"), "Path to YAML config (or set RECONCILE_CONFIG env)")
		bucket     = flag.String("bucket", os.Getenv("GCS_BUCKET"), "GCS bucket for raw statement archiving (or set GCS_BUCKET env)")
		bqProject  = flag.String("bq-project", os.Getenv("BQ_PROJECT"), "BigQuery project for the audit archive (or set BQ_PROJECT env)")
		bqDataset  = flag.String("bq-dataset", os.Getenv("BQ_DATASET"), "BigQuery dataset for the audit archive (or set BQ_DATASET env)")
		aiModel    = flag.String("ai-model", os.Getenv("GEMINI_MODEL"), "Gemini model for conflict advice; empty disables AI assist")
	)
	flag.Parse()

	// Initialize logger
	log := logger.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx := context.Background()

	// Persistence and ledger collaborator
	st := storeinmem.New()
	gw := ledger.NewRetrying(ledger.NewInMemory(), cfg.Retry, log)

	// Event bus, with the BigQuery archive subscribed when configured
	bus := events.NewBus(64)
	if *bqProject != "" && *bqDataset != "" {
		archiver := infraBQ.NewArchiver(*bqProject, *bqDataset, st, log)
		bus.Subscribe(archiver.Handler())
		log.Info().Str("project", *bqProject).Str("dataset", *bqDataset).Msg("BigQuery archive enabled")
	} else {
		log.Warn().Msg("No BigQuery project/dataset configured - audit archive disabled")
	}

	busCtx, cancelBus := context.WithCancel(ctx)
	defer cancelBus()
	if err := bus.Start(busCtx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start event bus")
	}

	// Job infrastructure
	jobStore := jobsinmem.NewStore()
	jobQueue := jobsinmem.NewQueue(100, 4, jobStore)

	// Reconciliation engine
	orch := recon.New(st, gw, cfg, bus, log)

	var fetcher rawstore.Fetcher
	var archiver rawstore.Archiver
	gcs := rawstore.NewGCS(*bucket)
	fetcher = gcs
	if *bucket != "" {
		archiver = gcs
	} else {
		log.Warn().Msg("No GCS bucket configured - raw statement archiving disabled")
	}
	importer := ingest.NewImporter(st, fetcher, archiver, normalize.New(cfg.Import.BalanceEpsilonMinor), jobQueue, bus, log)

	var advisor *aiassist.Advisor
	if *aiModel != "" {
		advisor = aiassist.New(aiassist.NewGeminiClient(*aiModel))
		log.Info().Str("model", *aiModel).Msg("AI assist enabled")
	}

	// Start worker in background to process reconciliation jobs
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()

	jobHandler := func(ctx context.Context, job jobs.Job) error {
		reconJob, ok := job.(*jobs.ReconcileStatementJob)
		if !ok {
			return fmt.Errorf("unexpected job type: %T", job)
		}

		log.Info().
			Str("job_id", reconJob.JobID).
			Str("tenant_id", reconJob.TenantID).
			Str("statement_id", reconJob.StatementID).
			Msg("Processing reconciliation job")

		result, err := orch.RunAutoMatch(ctx, reconJob.TenantID, reconJob.StatementID)
		if err != nil {
			log.Error().
				Err(err).
				Str("job_id", reconJob.JobID).
				Str("statement_id", reconJob.StatementID).
				Msg("Reconciliation pass failed")
			return err
		}

		log.Info().
			Str("job_id", reconJob.JobID).
			Str("statement_id", reconJob.StatementID).
			Int("matched", result.Matched).
			Int("suggested", result.Suggested).
			Int("conflicts", result.Conflicts).
			Float64("match_rate", result.MatchRate).
			Msg("Reconciliation pass completed")
		return nil
	}

	go func() {
		log.Info().Msg("Starting job worker")
		if err := jobQueue.Start(workerCtx, jobHandler); err != nil {
			log.Error().Err(err).Msg("Job worker stopped with error")
		}
	}()

	// Initialize handlers and router
	statementsHandler := handlers.NewStatementsHandler(importer, orch, st, jobQueue, log)
	linesHandler := handlers.NewLinesHandler(orch, st, gw, advisor, log)
	jobsHandler := handlers.NewJobsHandler(jobStore, log)

	mux := handlers.NewRouter(statementsHandler, linesHandler, jobsHandler)

	// Apply middleware
	handler := middleware.Recovery(log)(
		middleware.Logger(log)(
			middleware.RequestID(
				middleware.CORS(
					middleware.Tenant(mux),
				),
			),
		),
	)

	server := &http.Server{
		Addr:         ":" + *port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("port", *port).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	cancelWorker()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping job queue")
	}

	// Drain buffered events before exiting.
	if err := bus.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close event bus")
	}

	log.Info().Msg("Server exited")
}
