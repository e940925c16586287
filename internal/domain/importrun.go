package domain

import "time"

// RunStatus is the lifecycle state of an import run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "RUNNING"
	RunStatusSucceeded RunStatus = "SUCCEEDED"
	RunStatusFailed    RunStatus = "FAILED"
)

// ImportRun records one import attempt for a source reference. Rejected
// imports leave a FAILED run behind even though no statement is persisted,
// so operators can see why an export never showed up.
type ImportRun struct {
	RunID     string `json:"run_id"`
	TenantID  string `json:"tenant_id"`
	SourceRef string `json:"source_ref"`
	Format    string `json:"format"`

	// StatementID is set once normalization produced an aggregate.
	StatementID string `json:"statement_id,omitempty"`

	Status RunStatus `json:"status"`
	Error  string    `json:"error,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
