package handlers

import (
	"net/http"
	"strings"

	"github.com/valeo-erp/reconcile/internal/api/middleware"
)

// NewRouter assembles the API routes.
func NewRouter(statements *StatementsHandler, lines *LinesHandler, jobsHandler *JobsHandler) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/statements/import", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		statements.ImportStatement(w, r)
	})

	// /api/statements/{id} and /api/statements/{id}/{action}
	mux.HandleFunc("/api/statements/", func(w http.ResponseWriter, r *http.Request) {
		id, action := splitResourcePath(r.URL.Path, "/api/statements/")
		if id == "" {
			middleware.WriteError(w, http.StatusNotFound, "not found")
			return
		}
		switch {
		case action == "" && r.Method == http.MethodGet:
			statements.GetStatement(w, r, id)
		case action == "result" && r.Method == http.MethodGet:
			statements.GetResult(w, r, id)
		case action == "lines" && r.Method == http.MethodGet:
			statements.ListLines(w, r, id)
		case action == "reconcile" && r.Method == http.MethodPost:
			statements.Reconcile(w, r, id)
		default:
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	// /api/lines/{id}/{action}
	mux.HandleFunc("/api/lines/", func(w http.ResponseWriter, r *http.Request) {
		id, action := splitResourcePath(r.URL.Path, "/api/lines/")
		if id == "" || action == "" {
			middleware.WriteError(w, http.StatusNotFound, "not found")
			return
		}
		switch {
		case action == "match" && r.Method == http.MethodPost:
			lines.Match(w, r, id)
		case action == "split" && r.Method == http.MethodPost:
			lines.Split(w, r, id)
		case action == "exclude" && r.Method == http.MethodPost:
			lines.Exclude(w, r, id)
		case action == "reopen" && r.Method == http.MethodPost:
			lines.Reopen(w, r, id)
		case action == "advise" && r.Method == http.MethodPost:
			lines.Advise(w, r, id)
		case action == "suggestions" && r.Method == http.MethodGet:
			lines.Suggestions(w, r, id)
		case action == "matches" && r.Method == http.MethodGet:
			lines.Matches(w, r, id)
		default:
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	mux.HandleFunc("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		jobsHandler.ListJobs(w, r)
	})

	mux.HandleFunc("/api/jobs/", func(w http.ResponseWriter, r *http.Request) {
		id, _ := splitResourcePath(r.URL.Path, "/api/jobs/")
		if id == "" || r.Method != http.MethodGet {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
			return
		}
		jobsHandler.GetJob(w, r, id)
	})

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return mux
}

// splitResourcePath extracts the resource id and optional trailing action
// from a path like /api/lines/{id}/{action}.
func splitResourcePath(path, prefix string) (id, action string) {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return "", ""
	}
	parts := strings.SplitN(rest, "/", 2)
	id = parts[0]
	if len(parts) == 2 {
		action = parts[1]
	}
	return id, action
}
