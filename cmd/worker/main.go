package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/valeo-erp/reconcile/internal/config"
	"github.com/valeo-erp/reconcile/internal/events"
	"github.com/valeo-erp/reconcile/internal/jobs"
	jobsinmem "github.com/valeo-erp/reconcile/internal/jobs/inmemory"
	"github.com/valeo-erp/reconcile/internal/ledger"
	"github.com/valeo-erp/reconcile/internal/logger"
	"github.com/valeo-erp/reconcile/internal/recon"
	storeinmem "github.com/valeo-erp/reconcile/internal/store/inmemory"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("RECONCILE_CONFIG"), "Path to YAML config (or set RECONCILE_CONFIG env)")
		workers    = flag.Int("workers", 4, "Number of concurrent reconciliation workers")
	)
	flag.Parse()

	// Initialize logger
	log := logger.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize job store and queue
	// In production, this would be replaced with Cloud Tasks or Pub/Sub
	jobStore := jobsinmem.NewStore()
	jobQueue := jobsinmem.NewQueue(100, *workers, jobStore)

	st := storeinmem.New()
	gw := ledger.NewRetrying(ledger.NewInMemory(), cfg.Retry, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus := events.NewBus(64)
	if err := bus.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start event bus")
	}

	orch := recon.New(st, gw, cfg, bus, log)

	log.Info().Msg("Starting worker service")

	handler := func(ctx context.Context, job jobs.Job) error {
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
			Int("conflicts", result.Conflicts).
			Float64("match_rate", result.MatchRate).
			Msg("Reconciliation pass completed")
		return nil
	}

	// Start consuming jobs
	if err := jobQueue.Start(ctx, handler); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job consumer")
	}

	log.Info().Msg("Worker service started, waiting for jobs...")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down worker service...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop the queue and wait for in-flight jobs
	if err := jobQueue.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during graceful shutdown")
	}

	if err := bus.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to close event bus")
	}

	log.Info().Msg("Worker service exited")
}
