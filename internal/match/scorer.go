// Package match implements the deterministic candidate scoring and the
// decision policy that turns scored candidates into an outcome. Everything
// in this package is pure: identical inputs always produce identical
// results, which replay and re-run idempotency rely on.
package match

import (
	"strings"

	"github.com/valeo-erp/reconcile/internal/config"
	"github.com/valeo-erp/reconcile/internal/domain"
)

// Features are the independently computed feature values of one
// (line, candidate) pair, each in [0,1].
type Features struct {
	Amount       float64 `json:"amount"`
	Reference    float64 `json:"reference"`
	Counterparty float64 `json:"counterparty"`
	Date         float64 `json:"date"`
}

// ScoredCandidate is a candidate with its confidence score and the feature
// values the score was computed from.
type ScoredCandidate struct {
	Entry    *domain.Entry
	Score    float64
	Features Features
}

// Scorer computes confidence scores as a weighted sum of features.
type Scorer struct {
	cfg config.Matching
}

// NewScorer creates a scorer with the given matching configuration.
func NewScorer(cfg config.Matching) *Scorer {
	return &Scorer{cfg: cfg}
}

// Score computes the confidence score for a (line, entry) pair. The weights
// sum to 1.0 and every feature is clamped to [0,1], so the score cannot
// leave [0,1].
func (s *Scorer) Score(line *domain.StatementLine, entry *domain.Entry) ScoredCandidate {
	f := Features{
		Amount:       s.amountFeature(line, entry),
		Reference:    referenceFeature(line, entry),
		Counterparty: nameSimilarity(line.Party.Name, entry.PartyName),
		Date:         s.dateFeature(line, entry),
	}
	w := s.cfg.Weights
	score := f.Amount*w.Amount + f.Reference*w.Reference + f.Counterparty*w.Counterparty + f.Date*w.Date
	return ScoredCandidate{Entry: entry, Score: score, Features: f}
}

// ScoreAll scores every candidate entry for a line.
func (s *Scorer) ScoreAll(line *domain.StatementLine, entries []*domain.Entry) []ScoredCandidate {
	scored := make([]ScoredCandidate, 0, len(entries))
	for _, e := range entries {
		scored = append(scored, s.Score(line, e))
	}
	return scored
}

// amountFeature is 1.0 on an exact match, decays linearly to 0 over the
// configured tolerance band, and is 0 beyond it. Amounts are compared by
// magnitude; payment direction is carried by the candidate window already.
func (s *Scorer) amountFeature(line *domain.StatementLine, entry *domain.Entry) float64 {
	diff := absInt64(line.AmountMinor) - absInt64(entry.AmountMinor)
	if diff < 0 {
		diff = -diff
	}
	if diff == 0 {
		return 1.0
	}
	tol := s.cfg.AmountToleranceMinor
	if tol <= 0 || diff > tol {
		return 0.0
	}
	return 1.0 - float64(diff)/float64(tol)
}

// referenceFeature is 1.0 when the candidate's external reference appears
// verbatim (case-insensitive) in the line's purpose text, 0 otherwise.
func referenceFeature(line *domain.StatementLine, entry *domain.Entry) float64 {
	ref := strings.TrimSpace(entry.Reference)
	if ref == "" {
		return 0.0
	}
	if strings.Contains(strings.ToUpper(line.Purpose), strings.ToUpper(ref)) {
		return 1.0
	}
	return 0.0
}

// dateFeature is 1.0 at a zero-day offset between value date and due date,
// decaying linearly to 0 at the candidate window boundary.
func (s *Scorer) dateFeature(line *domain.StatementLine, entry *domain.Entry) float64 {
	if line.ValueDate.IsZero() || entry.DueDate.IsZero() {
		return 0.0
	}
	offset := line.ValueDate.Sub(entry.DueDate).Hours() / 24
	if offset < 0 {
		offset = -offset
	}
	window := float64(s.cfg.WindowDays)
	if window <= 0 || offset >= window {
		return 0.0
	}
	return 1.0 - offset/window
}

func absInt64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
