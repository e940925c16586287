package ledger

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/valeo-erp/reconcile/internal/config"
	"github.com/valeo-erp/reconcile/internal/domain"
)

// Finder retrieves plausible candidate entries for a statement line. Absence
// of candidates is a normal outcome, never an error.
type Finder struct {
	gw  Gateway
	cfg config.Matching
}

// NewFinder creates a candidate finder over the given gateway.
func NewFinder(gw Gateway, cfg config.Matching) *Finder {
	return &Finder{gw: gw, cfg: cfg}
}

// FindCandidates lists open entries within the configured window of the
// line's value date and the line's currency, ranked by date proximity and
// capped to bound scoring cost.
func (f *Finder) FindCandidates(ctx context.Context, tenantID string, line *domain.StatementLine) ([]*domain.Entry, error) {
	window := Window{
		From: line.ValueDate.AddDate(0, 0, -f.cfg.WindowDays),
		To:   line.ValueDate.AddDate(0, 0, f.cfg.WindowDays),
	}

	entries, err := f.gw.ListOpenEntries(ctx, tenantID, line.Currency, window)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(entries, func(i, j int) bool {
		di := absDuration(line.ValueDate.Sub(entries[i].DueDate))
		dj := absDuration(line.ValueDate.Sub(entries[j].DueDate))
		if di != dj {
			return di < dj
		}
		return entries[i].EntryID < entries[j].EntryID
	})

	if len(entries) > f.cfg.MaxCandidates {
		entries = entries[:f.cfg.MaxCandidates]
	}
	return entries, nil
}

// Admissible reports whether an entry would have qualified as a candidate
// for the line: same currency, due within the window of the value date. Used
// to re-check entries that are no longer in the open pool.
func (f *Finder) Admissible(line *domain.StatementLine, e *domain.Entry) bool {
	if !strings.EqualFold(e.Currency, line.Currency) {
		return false
	}
	from := line.ValueDate.AddDate(0, 0, -f.cfg.WindowDays)
	to := line.ValueDate.AddDate(0, 0, f.cfg.WindowDays)
	return !e.DueDate.Before(from) && !e.DueDate.After(to)
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
