package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/valeo-erp/reconcile/internal/config"
	"github.com/valeo-erp/reconcile/internal/events"
	"github.com/valeo-erp/reconcile/internal/ingest"
	"github.com/valeo-erp/reconcile/internal/logger"
	"github.com/valeo-erp/reconcile/internal/normalize"
	"github.com/valeo-erp/reconcile/internal/rawstore"
	storeinmem "github.com/valeo-erp/reconcile/internal/store/inmemory"
)

// One-shot import: fetch a statement file, normalize it and print the
// resulting statement id. Useful for smoke-testing a new export format
// before wiring it into the API.
func main() {
	// Initialize structured logger
	log := logger.New()

	// Parse CLI flags
	var (
		uri        = flag.String("uri", "", "Statement location (gs://bucket/object or a local path)")
		tenantID   = flag.String("tenant", "", "Tenant the statement belongs to")
		sourceRef  = flag.String("source-ref", "", "Bank-side reference of the statement export")
		format     = flag.String("format", normalize.FormatCSV, "Statement format: csv or camt053")
		configPath = flag.String("config", os.Getenv("RECONCILE_CONFIG"), "Path to YAML config")
	)
	flag.Parse()

	if *uri == "" || *tenantID == "" || *sourceRef == "" {
		log.Fatal().Msg("Error: --uri, --tenant and --source-ref are required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Create context with timeout so CLI doesn't hang
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	// Add logger to context
	ctx = logger.WithContext(ctx, log)

	log.Info().Str("uri", *uri).Str("source_ref", *sourceRef).Msg("Starting import")

	importer := ingest.NewImporter(
		storeinmem.New(),
		rawstore.NewGCS(""),
		nil,
		normalize.New(cfg.Import.BalanceEpsilonMinor),
		nil,
		events.NewRecorder(),
		log,
	)

	result, err := importer.Import(ctx, *tenantID, *sourceRef, *format, *uri)
	if err != nil {
		log.Fatal().Err(err).Msg("Import failed")
	}

	fmt.Printf("Imported statement %s with %d lines.\n", result.Statement.StatementID, len(result.Statement.Lines))
}
