package main

import (
	"context"
	"encoding/csv"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/valeo-erp/reconcile/internal/config"
	"github.com/valeo-erp/reconcile/internal/domain"
	"github.com/valeo-erp/reconcile/internal/events"
	infraBQ "github.com/valeo-erp/reconcile/internal/infra/bigquery"
	"github.com/valeo-erp/reconcile/internal/ingest"
	"github.com/valeo-erp/reconcile/internal/ledger"
	"github.com/valeo-erp/reconcile/internal/logger"
	"github.com/valeo-erp/reconcile/internal/normalize"
	"github.com/valeo-erp/reconcile/internal/rawstore"
	"github.com/valeo-erp/reconcile/internal/recon"
	storeinmem "github.com/valeo-erp/reconcile/internal/store/inmemory"
)

func main() {
	log := logger.New()

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "reconcile":
		runReconcile(log)
	case "passes":
		runPasses(log)
	case "matches":
		runMatches(log)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Reconciliation CLI")
	fmt.Println("\nUsage:")
	fmt.Println("  cli <command> [options]")
	fmt.Println("\nCommands:")
	fmt.Println("  reconcile  Run an offline auto-match pass over a statement file and an open-items CSV")
	fmt.Println("  passes     List archived reconciliation passes for a statement")
	fmt.Println("  matches    List archived match records for a statement")
	fmt.Println("  help       Show this help message")
	fmt.Println("\nRun 'cli <command> -h' for more information on a command.")
}

// runReconcile imports a statement, loads the open items and runs one
// auto-match pass entirely in memory. Nothing is persisted; the report
// goes to stdout.
func runReconcile(log zerolog.Logger) {
	fs := flag.NewFlagSet("reconcile", flag.ExitOnError)
	statementPath := fs.String("statement", "", "Statement file (local path or gs://bucket/object)")
	format := fs.String("format", normalize.FormatCSV, "Statement format: csv or camt053")
	entriesPath := fs.String("entries", "", "Open ledger items CSV: entry_id,amount,currency,reference,party,due_date")
	tenantID := fs.String("tenant", "cli", "Tenant id used for the offline pass")
	configPath := fs.String("config", os.Getenv("RECONCILE_CONFIG"), "Path to YAML config")
	fs.Parse(os.Args[2:])

	if *statementPath == "" || *entriesPath == "" {
		log.Fatal().Msg("Usage: cli reconcile -statement FILE -entries FILE")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	ctx = logger.WithContext(ctx, log)

	gw := ledger.NewInMemory()
	entries, err := loadEntries(*entriesPath, *tenantID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load open items")
	}
	for _, e := range entries {
		gw.AddEntry(e)
	}

	st := storeinmem.New()
	rec := events.NewRecorder()
	importer := ingest.NewImporter(st, rawstore.NewGCS(""), nil, normalize.New(cfg.Import.BalanceEpsilonMinor), nil, rec, log)

	result, err := importer.Import(ctx, *tenantID, *statementPath, *format, *statementPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Import failed")
	}
	stmt := result.Statement

	orch := recon.New(st, ledger.NewRetrying(gw, cfg.Retry, log), cfg, rec, log)
	pass, err := orch.RunAutoMatch(ctx, *tenantID, stmt.StatementID)
	if err != nil {
		log.Fatal().Err(err).Msg("Auto-match pass failed")
	}

	final, _, err := st.GetStatement(ctx, *tenantID, stmt.StatementID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to reload statement")
	}
	printReport(final, pass)
}

// loadEntries parses the open-items CSV into ledger entries.
func loadEntries(path, tenantID string) ([]*domain.Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	var entries []*domain.Entry
	lineNo := 0
	for {
		rec, err := r.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("line %d: %w", lineNo+1, err)
		}
		lineNo++
		if len(rec) < 6 {
			return nil, fmt.Errorf("line %d: expected 6 fields, got %d", lineNo, len(rec))
		}

		amount, err := decimal.NewFromString(strings.TrimSpace(rec[1]))
		if err != nil {
			return nil, fmt.Errorf("line %d: amount: %w", lineNo, err)
		}
		due, err := time.Parse("2006-01-02", strings.TrimSpace(rec[5]))
		if err != nil {
			return nil, fmt.Errorf("line %d: due date: %w", lineNo, err)
		}

		entries = append(entries, &domain.Entry{
			EntryID:     strings.TrimSpace(rec[0]),
			TenantID:    tenantID,
			AmountMinor: amount.Shift(2).IntPart(),
			Currency:    strings.ToUpper(strings.TrimSpace(rec[2])),
			Reference:   strings.TrimSpace(rec[3]),
			PartyName:   strings.TrimSpace(rec[4]),
			DueDate:     due,
		})
	}
	return entries, nil
}

func printReport(stmt *domain.Statement, pass *domain.ReconciliationResult) {
	fmt.Printf("\n=== Statement %s ===\n", stmt.SourceRef)
	fmt.Printf("Account:  %s\n", stmt.AccountIBAN)
	fmt.Printf("Currency: %s\n", stmt.Currency)
	fmt.Printf("Lines:    %d\n", len(stmt.Lines))

	fmt.Printf("\n=== Lines ===\n")
	for i, l := range stmt.Lines {
		fmt.Printf("\n%d. %s %s  %s\n", i+1, formatMinor(l.AmountMinor), l.Currency, l.Party.Name)
		fmt.Printf("   Purpose: %s\n", l.Purpose)
		fmt.Printf("   Status:  %s\n", l.Status)
		if l.Status == domain.LineStatusMatched {
			fmt.Printf("   Entry:   %s (confidence %.2f)\n", l.MatchedEntryID, l.Confidence)
		}
		for _, s := range l.Suggestions {
			fmt.Printf("   Candidate: %s (score %.2f)\n", s.EntryID, s.Score)
		}
		if l.Diagnostic != "" {
			fmt.Printf("   Note:    %s\n", l.Diagnostic)
		}
	}

	fmt.Printf("\n=== Pass Summary ===\n")
	fmt.Printf("Matched:    %d\n", pass.Matched)
	fmt.Printf("Suggested:  %d\n", pass.Suggested)
	fmt.Printf("Conflicts:  %d\n", pass.Conflicts)
	fmt.Printf("Unmatched:  %d\n", pass.Unmatched)
	fmt.Printf("Excluded:   %d\n", pass.Excluded)
	fmt.Printf("Match rate: %.1f%%\n", pass.MatchRate*100)
	fmt.Println()
}

func formatMinor(v int64) string {
	return decimal.NewFromInt(v).Shift(-2).StringFixed(2)
}

// runPasses lists the archived pass summaries for one statement.
func runPasses(log zerolog.Logger) {
	fs := flag.NewFlagSet("passes", flag.ExitOnError)
	project := fs.String("project", os.Getenv("BQ_PROJECT"), "BigQuery project")
	dataset := fs.String("dataset", os.Getenv("BQ_DATASET"), "BigQuery dataset")
	tenantID := fs.String("tenant", "", "Tenant id")
	statementID := fs.String("statement-id", "", "Statement id")
	fs.Parse(os.Args[2:])

	if *project == "" || *dataset == "" || *tenantID == "" || *statementID == "" {
		log.Fatal().Msg("Usage: cli passes -project P -dataset D -tenant T -statement-id S")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	passes, err := infraBQ.QueryPassesByStatement(ctx, *project, *dataset, *tenantID, *statementID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to query passes")
	}

	fmt.Printf("\n=== Passes (%d) ===\n", len(passes))
	for i, p := range passes {
		fmt.Printf("\n%d. %s\n", i+1, p.PassID)
		fmt.Printf("   Completed: %s\n", p.CompletedTS.Format(time.RFC3339))
		fmt.Printf("   Matched:   %d/%d (rate %.1f%%)\n", p.Matched, p.TotalLines, p.MatchRate*100)
		fmt.Printf("   Conflicts: %d  Unmatched: %d\n", p.Conflicts, p.Unmatched)
		if p.FailedLines.Valid && p.FailedLines.Int64 > 0 {
			fmt.Printf("   Failed lines: %d\n", p.FailedLines.Int64)
		}
	}
	fmt.Println()
}

// runMatches lists the archived match records for one statement.
func runMatches(log zerolog.Logger) {
	fs := flag.NewFlagSet("matches", flag.ExitOnError)
	project := fs.String("project", os.Getenv("BQ_PROJECT"), "BigQuery project")
	dataset := fs.String("dataset", os.Getenv("BQ_DATASET"), "BigQuery dataset")
	tenantID := fs.String("tenant", "", "Tenant id")
	statementID := fs.String("statement-id", "", "Statement id")
	fs.Parse(os.Args[2:])

	if *project == "" || *dataset == "" || *tenantID == "" || *statementID == "" {
		log.Fatal().Msg("Usage: cli matches -project P -dataset D -tenant T -statement-id S")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	rows, err := infraBQ.QueryMatchesByStatement(ctx, *project, *dataset, *tenantID, *statementID)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to query matches")
	}

	fmt.Printf("\n=== Matches (%d) ===\n", len(rows))
	for i, m := range rows {
		fmt.Printf("\n%d. line %s -> entry %s\n", i+1, m.LineID, m.EntryID)
		fmt.Printf("   Type:   %s/%s\n", m.MatchType, m.Kind)
		fmt.Printf("   Amount: %s %s\n", formatMinor(m.AmountMinor), m.Currency)
		fmt.Printf("   Confidence: %.2f\n", m.Confidence)
		if m.ResolvedBy.Valid {
			fmt.Printf("   Resolved by: %s\n", m.ResolvedBy.StringVal)
		}
		if m.Superseded {
			fmt.Printf("   Superseded\n")
		}
	}
	fmt.Println()
}
