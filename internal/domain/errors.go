package domain

import (
	"errors"
	"fmt"
)

// ParseError reports raw statement content violating the declared format's
// structural grammar. Not retryable; the import is rejected.
type ParseError struct {
	Format string
	Line   int
	Msg    string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s: line %d: %s", e.Format, e.Line, e.Msg)
	}
	return fmt.Sprintf("parse %s: %s", e.Format, e.Msg)
}

// BalanceMismatchError reports opening balance plus line sum diverging from
// the declared closing balance beyond the configured epsilon. Not retryable;
// surfaced to the caller for manual investigation.
type BalanceMismatchError struct {
	Currency      string
	ExpectedMinor int64 // declared closing balance
	ActualMinor   int64 // opening + sum of lines
}

func (e *BalanceMismatchError) Error() string {
	return fmt.Sprintf("balance mismatch: opening+lines=%d, declared closing=%d (%s)",
		e.ActualMinor, e.ExpectedMinor, e.Currency)
}

// TransientError marks a collaborator failure (timeout, temporary
// unavailability) that is safe to retry with backoff.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err, anywhere in its chain, is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// InvalidTransitionError rejects a manual action that is illegal from the
// line's current state. The line is left unchanged; other lines are
// unaffected.
type InvalidTransitionError struct {
	LineID string
	From   LineStatus
	Action string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("line %s: cannot %s from %s", e.LineID, e.Action, e.From)
}

var (
	// ErrReservationConflict is returned by the ledger collaborator when an
	// entry is already claimed. Expected under concurrency; the orchestrator
	// downgrades the affected line to CONFLICT rather than failing the pass.
	ErrReservationConflict = errors.New("ledger entry already claimed")

	// ErrNotFound is returned by repositories for unknown aggregates.
	ErrNotFound = errors.New("not found")

	// ErrVersionConflict is returned by repositories on an optimistic
	// concurrency violation. The whole pass aborts; re-running is safe.
	ErrVersionConflict = errors.New("concurrent modification detected")
)
