// Package handlers implements the HTTP surface of the reconciliation
// engine. Handlers translate between HTTP and the orchestrator/importer;
// they hold no reconciliation logic of their own.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/valeo-erp/reconcile/internal/aiassist"
	"github.com/valeo-erp/reconcile/internal/api/middleware"
	"github.com/valeo-erp/reconcile/internal/domain"
	"github.com/valeo-erp/reconcile/internal/ingest"
	"github.com/valeo-erp/reconcile/internal/jobs"
	"github.com/valeo-erp/reconcile/internal/ledger"
	"github.com/valeo-erp/reconcile/internal/recon"
	"github.com/valeo-erp/reconcile/internal/store"
)

// writeDomainError maps engine errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, log zerolog.Logger, err error) {
	var (
		parseErr      *domain.ParseError
		balanceErr    *domain.BalanceMismatchError
		transitionErr *domain.InvalidTransitionError
	)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		middleware.WriteError(w, http.StatusNotFound, "not found")
	case errors.As(err, &transitionErr):
		middleware.WriteError(w, http.StatusConflict, transitionErr.Error())
	case errors.Is(err, domain.ErrReservationConflict):
		middleware.WriteError(w, http.StatusConflict, "ledger entry already claimed")
	case errors.Is(err, domain.ErrVersionConflict):
		middleware.WriteError(w, http.StatusConflict, "concurrent modification, retry the request")
	case errors.As(err, &parseErr):
		middleware.WriteError(w, http.StatusUnprocessableEntity, parseErr.Error())
	case errors.As(err, &balanceErr):
		middleware.WriteError(w, http.StatusUnprocessableEntity, balanceErr.Error())
	default:
		log.Error().Err(err).Msg("request failed")
		middleware.WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

// StatementsHandler handles statement-level endpoints.
type StatementsHandler struct {
	importer *ingest.Importer
	orch     *recon.Orchestrator
	store    store.Store
	queue    jobs.Publisher
	log      zerolog.Logger
}

// NewStatementsHandler creates a new statements handler.
func NewStatementsHandler(importer *ingest.Importer, orch *recon.Orchestrator, st store.Store, queue jobs.Publisher, log zerolog.Logger) *StatementsHandler {
	return &StatementsHandler{
		importer: importer,
		orch:     orch,
		store:    st,
		queue:    queue,
		log:      log,
	}
}

// ImportStatement handles POST /api/statements/import
func (h *StatementsHandler) ImportStatement(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.TenantFromContext(ctx)

	var req struct {
		SourceRef string `json:"source_ref"`
		Format    string `json:"format"`
		URI       string `json:"uri"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.SourceRef == "" || req.Format == "" || req.URI == "" {
		middleware.WriteError(w, http.StatusBadRequest, "source_ref, format and uri are required")
		return
	}

	result, err := h.importer.Import(ctx, tenantID, req.SourceRef, req.Format, req.URI)
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}

	status := http.StatusAccepted
	if result.AlreadyImported {
		status = http.StatusOK
	}
	middleware.WriteJSON(w, status, result)
}

// GetStatement handles GET /api/statements/{statementID}
func (h *StatementsHandler) GetStatement(w http.ResponseWriter, r *http.Request, statementID string) {
	ctx := r.Context()
	stmt, _, err := h.store.GetStatement(ctx, middleware.TenantFromContext(ctx), statementID)
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, stmt)
}

// GetResult handles GET /api/statements/{statementID}/result
func (h *StatementsHandler) GetResult(w http.ResponseWriter, r *http.Request, statementID string) {
	ctx := r.Context()
	stmt, _, err := h.store.GetStatement(ctx, middleware.TenantFromContext(ctx), statementID)
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, domain.ComputeResult(stmt, time.Now().UTC()))
}

// ListLines handles GET /api/statements/{statementID}/lines?status=
func (h *StatementsHandler) ListLines(w http.ResponseWriter, r *http.Request, statementID string) {
	ctx := r.Context()
	stmt, _, err := h.store.GetStatement(ctx, middleware.TenantFromContext(ctx), statementID)
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}

	status := domain.LineStatus(strings.ToUpper(r.URL.Query().Get("status")))
	lines := stmt.Lines
	if status != "" {
		filtered := make([]*domain.StatementLine, 0, len(lines))
		for _, l := range lines {
			if l.Status == status {
				filtered = append(filtered, l)
			}
		}
		lines = filtered
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"lines": lines,
		"count": len(lines),
	})
}

// Reconcile handles POST /api/statements/{statementID}/reconcile.
// It enqueues an auto-match pass; the pass itself runs on the worker.
func (h *StatementsHandler) Reconcile(w http.ResponseWriter, r *http.Request, statementID string) {
	ctx := r.Context()
	tenantID := middleware.TenantFromContext(ctx)

	// Reject unknown statements before enqueueing.
	if _, _, err := h.store.GetStatement(ctx, tenantID, statementID); err != nil {
		writeDomainError(w, h.log, err)
		return
	}

	job := &jobs.ReconcileStatementJob{TenantID: tenantID, StatementID: statementID}
	if err := h.queue.PublishReconcileStatement(ctx, job); err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{"job_id": job.JobID})
}

// LinesHandler handles line-level endpoints.
type LinesHandler struct {
	orch    *recon.Orchestrator
	store   store.Store
	gw      ledger.Gateway
	advisor *aiassist.Advisor
	log     zerolog.Logger
}

// NewLinesHandler creates a new lines handler. The advisor is optional;
// without it the advise endpoint answers 501.
func NewLinesHandler(orch *recon.Orchestrator, st store.Store, gw ledger.Gateway, advisor *aiassist.Advisor, log zerolog.Logger) *LinesHandler {
	return &LinesHandler{
		orch:    orch,
		store:   st,
		gw:      gw,
		advisor: advisor,
		log:     log,
	}
}

// resolvedBy derives the acting user from the request.
func resolvedBy(r *http.Request, bodyValue string) string {
	if bodyValue != "" {
		return bodyValue
	}
	return r.Header.Get("X-User-ID")
}

// Match handles POST /api/lines/{lineID}/match
func (h *LinesHandler) Match(w http.ResponseWriter, r *http.Request, lineID string) {
	ctx := r.Context()
	tenantID := middleware.TenantFromContext(ctx)

	var req struct {
		EntryID     string `json:"entry_id"`
		ResolvedBy  string `json:"resolved_by"`
		Source      string `json:"source"`
		Explanation string `json:"explanation"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.EntryID == "" {
		middleware.WriteError(w, http.StatusBadRequest, "entry_id is required")
		return
	}

	var err error
	switch strings.ToLower(req.Source) {
	case "", "manual":
		err = h.orch.ApplyManualMatch(ctx, tenantID, lineID, req.EntryID, resolvedBy(r, req.ResolvedBy))
	case "ai":
		err = h.orch.ApplyAIMatch(ctx, tenantID, lineID, req.EntryID, resolvedBy(r, req.ResolvedBy), req.Explanation)
	default:
		middleware.WriteError(w, http.StatusBadRequest, "source must be manual or ai")
		return
	}
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "matched"})
}

// Split handles POST /api/lines/{lineID}/split
func (h *LinesHandler) Split(w http.ResponseWriter, r *http.Request, lineID string) {
	ctx := r.Context()

	var req struct {
		Allocations []recon.SplitAllocation `json:"allocations"`
		ResolvedBy  string                  `json:"resolved_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	err := h.orch.ApplySplit(ctx, middleware.TenantFromContext(ctx), lineID, req.Allocations, resolvedBy(r, req.ResolvedBy))
	if err != nil {
		if recon.IsInvalidTransition(err) || errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrReservationConflict) {
			writeDomainError(w, h.log, err)
			return
		}
		// Allocation validation failures are client errors.
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "matched"})
}

// Exclude handles POST /api/lines/{lineID}/exclude
func (h *LinesHandler) Exclude(w http.ResponseWriter, r *http.Request, lineID string) {
	ctx := r.Context()

	var req struct {
		Reason     string `json:"reason"`
		ResolvedBy string `json:"resolved_by"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Reason == "" {
		middleware.WriteError(w, http.StatusBadRequest, "reason is required")
		return
	}

	if err := h.orch.ApplyExclude(ctx, middleware.TenantFromContext(ctx), lineID, req.Reason, resolvedBy(r, req.ResolvedBy)); err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "excluded"})
}

// Reopen handles POST /api/lines/{lineID}/reopen
func (h *LinesHandler) Reopen(w http.ResponseWriter, r *http.Request, lineID string) {
	ctx := r.Context()

	var req struct {
		ResolvedBy string `json:"resolved_by"`
	}
	// An empty body is fine for reopen.
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := h.orch.ApplyReopen(ctx, middleware.TenantFromContext(ctx), lineID, resolvedBy(r, req.ResolvedBy)); err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "reopened"})
}

// Suggestions handles GET /api/lines/{lineID}/suggestions
func (h *LinesHandler) Suggestions(w http.ResponseWriter, r *http.Request, lineID string) {
	ctx := r.Context()

	stmt, _, err := h.store.FindStatementByLine(ctx, lineID)
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	if stmt.TenantID != middleware.TenantFromContext(ctx) {
		middleware.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	line := stmt.Line(lineID)
	if line == nil {
		middleware.WriteError(w, http.StatusNotFound, "not found")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"line_id":     line.LineID,
		"status":      line.Status,
		"suggestions": line.Suggestions,
	})
}

// Matches handles GET /api/lines/{lineID}/matches
func (h *LinesHandler) Matches(w http.ResponseWriter, r *http.Request, lineID string) {
	ctx := r.Context()

	stmt, _, err := h.store.FindStatementByLine(ctx, lineID)
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	if stmt.TenantID != middleware.TenantFromContext(ctx) {
		middleware.WriteError(w, http.StatusNotFound, "not found")
		return
	}

	records, err := h.store.ListMatchesByLine(ctx, lineID)
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"matches": records,
		"count":   len(records),
	})
}

// Advise handles POST /api/lines/{lineID}/advise.
// It asks the AI assistant to pick among the line's retained candidates.
func (h *LinesHandler) Advise(w http.ResponseWriter, r *http.Request, lineID string) {
	ctx := r.Context()
	tenantID := middleware.TenantFromContext(ctx)

	if h.advisor == nil {
		middleware.WriteError(w, http.StatusNotImplemented, "AI assist is not configured")
		return
	}

	stmt, _, err := h.store.FindStatementByLine(ctx, lineID)
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	if stmt.TenantID != tenantID {
		middleware.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	line := stmt.Line(lineID)
	if line == nil {
		middleware.WriteError(w, http.StatusNotFound, "not found")
		return
	}
	if len(line.Suggestions) < 2 {
		middleware.WriteError(w, http.StatusConflict, "line has no tied candidates to advise on")
		return
	}

	candidates := make([]*domain.Entry, 0, len(line.Suggestions))
	for _, s := range line.Suggestions {
		entry, err := h.gw.GetEntry(ctx, tenantID, s.EntryID)
		if err != nil {
			writeDomainError(w, h.log, err)
			return
		}
		candidates = append(candidates, entry)
	}

	rec, err := h.advisor.Advise(ctx, line, candidates)
	if err != nil {
		h.log.Error().Err(err).Str("line_id", lineID).Msg("AI advise failed")
		middleware.WriteError(w, http.StatusBadGateway, "assistant did not produce a usable recommendation")
		return
	}
	middleware.WriteJSON(w, http.StatusOK, rec)
}

// JobsHandler handles job status endpoints.
type JobsHandler struct {
	store jobs.JobStore
	log   zerolog.Logger
}

// NewJobsHandler creates a new jobs handler.
func NewJobsHandler(store jobs.JobStore, log zerolog.Logger) *JobsHandler {
	return &JobsHandler{store: store, log: log}
}

// GetJob handles GET /api/jobs/{jobID}
func (h *JobsHandler) GetJob(w http.ResponseWriter, r *http.Request, jobID string) {
	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, job)
}

// ListJobs handles GET /api/jobs
func (h *JobsHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	filter := jobs.JobFilter{
		TenantID:    middleware.TenantFromContext(r.Context()),
		StatementID: r.URL.Query().Get("statement_id"),
		Status:      jobs.JobStatus(r.URL.Query().Get("status")),
	}
	list, err := h.store.ListJobs(r.Context(), filter)
	if err != nil {
		writeDomainError(w, h.log, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  list,
		"count": len(list),
	})
}
