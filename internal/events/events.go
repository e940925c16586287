// Package events defines the domain events emitted on every line transition
// and the publisher abstraction over the event bus. Delivery is
// fire-and-forget with at-least-once semantics assumed by consumers;
// emission is decoupled from persistence success or failure.
package events

import (
	"context"
	"time"
)

// Type names a domain event.
type Type string

const (
	TypeStatementImported       Type = "statement.imported"
	TypeLineMatched             Type = "line.matched"
	TypeLineSuggested           Type = "line.suggested"
	TypeLineConflicted          Type = "line.conflicted"
	TypeLineUnmatchedRetained   Type = "line.unmatched.retained"
	TypeLineExcluded            Type = "line.excluded"
	TypeLineReopened            Type = "line.reopened"
	TypeReconciliationCompleted Type = "reconciliation.completed"
)

// Event is one domain event. Payload carries event-specific fields
// (matched entry id, confidence, counts) without a per-type struct zoo.
type Event struct {
	EventID     string                 `json:"event_id"`
	Type        Type                   `json:"type"`
	TenantID    string                 `json:"tenant_id"`
	StatementID string                 `json:"statement_id"`
	LineID      string                 `json:"line_id,omitempty"`
	OccurredAt  time.Time              `json:"occurred_at"`
	Payload     map[string]interface{} `json:"payload,omitempty"`
}

// Publisher publishes domain events.
// This abstraction allows for different bus implementations (in-memory,
// Cloud Tasks, Pub/Sub).
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Handler consumes one event.
type Handler func(ctx context.Context, ev Event)
