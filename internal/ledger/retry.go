package ledger

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/valeo-erp/reconcile/internal/config"
	"github.com/valeo-erp/reconcile/internal/domain"
)

// Retrying wraps a Gateway with bounded exponential backoff for transient
// failures. Only errors matching *domain.TransientError are retried;
// reservation conflicts and not-found results pass through immediately.
type Retrying struct {
	next Gateway
	cfg  config.Retry
	log  zerolog.Logger
}

// NewRetrying wraps the given gateway.
func NewRetrying(next Gateway, cfg config.Retry, log zerolog.Logger) *Retrying {
	return &Retrying{next: next, cfg: cfg, log: log}
}

// ListOpenEntries implements Gateway.
func (r *Retrying) ListOpenEntries(ctx context.Context, tenantID, currency string, window Window) ([]*domain.Entry, error) {
	var entries []*domain.Entry
	err := r.do(ctx, "ListOpenEntries", func() error {
		var err error
		entries, err = r.next.ListOpenEntries(ctx, tenantID, currency, window)
		return err
	})
	return entries, err
}

// GetEntry implements Gateway.
func (r *Retrying) GetEntry(ctx context.Context, tenantID, entryID string) (*domain.Entry, error) {
	var entry *domain.Entry
	err := r.do(ctx, "GetEntry", func() error {
		var err error
		entry, err = r.next.GetEntry(ctx, tenantID, entryID)
		return err
	})
	return entry, err
}

// ReserveEntry implements Gateway.
func (r *Retrying) ReserveEntry(ctx context.Context, entryID, claimToken string) error {
	return r.do(ctx, "ReserveEntry", func() error {
		return r.next.ReserveEntry(ctx, entryID, claimToken)
	})
}

// ReleaseReservation implements Gateway.
func (r *Retrying) ReleaseReservation(ctx context.Context, claimToken string) error {
	return r.do(ctx, "ReleaseReservation", func() error {
		return r.next.ReleaseReservation(ctx, claimToken)
	})
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	backoff := r.cfg.InitialBackoff
	var err error
	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		err = fn()
		if err == nil || !domain.IsTransient(err) {
			return err
		}
		if attempt == r.cfg.Attempts {
			break
		}

		r.log.Warn().
			Str("op", op).
			Int("attempt", attempt).
			Dur("backoff", backoff).
			Err(err).
			Msg("Transient ledger failure, retrying")

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return err
}

var _ Gateway = (*Retrying)(nil)
