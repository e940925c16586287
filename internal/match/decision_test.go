package match

import (
	"testing"

	"github.com/valeo-erp/reconcile/internal/config"
	"github.com/valeo-erp/reconcile/internal/domain"
)

func scored(id string, score float64) ScoredCandidate {
	return ScoredCandidate{Entry: &domain.Entry{EntryID: id}, Score: score}
}

func TestDecide(t *testing.T) {
	cfg := config.Default().Matching // auto 0.92, suggest 0.6, margin 0.05

	tests := []struct {
		name        string
		candidates  []ScoredCandidate
		wantOutcome Outcome
		wantBest    string
		wantCount   int
	}{
		{
			name:        "no candidates",
			candidates:  nil,
			wantOutcome: OutcomeNoMatch,
		},
		{
			name:        "single high scorer auto-matches",
			candidates:  []ScoredCandidate{scored("e1", 0.96)},
			wantOutcome: OutcomeAutoMatch,
			wantBest:    "e1",
		},
		{
			name:        "clear margin auto-matches",
			candidates:  []ScoredCandidate{scored("e1", 0.95), scored("e2", 0.70)},
			wantOutcome: OutcomeAutoMatch,
			wantBest:    "e1",
		},
		{
			name: "tie within margin conflicts even above suggest threshold",
			// 0.80 and 0.77 are within the 0.05 margin and both >= 0.6.
			candidates:  []ScoredCandidate{scored("e1", 0.80), scored("e2", 0.77)},
			wantOutcome: OutcomeConflict,
			wantCount:   2,
		},
		{
			name:        "tie at auto level still conflicts",
			candidates:  []ScoredCandidate{scored("e1", 0.95), scored("e2", 0.93)},
			wantOutcome: OutcomeConflict,
			wantCount:   2,
		},
		{
			name:        "mid scorer becomes suggestion",
			candidates:  []ScoredCandidate{scored("e1", 0.75), scored("e2", 0.62), scored("e3", 0.40)},
			wantOutcome: OutcomeSuggestions,
			wantCount:   2,
		},
		{
			name:        "all below suggest threshold",
			candidates:  []ScoredCandidate{scored("e1", 0.55), scored("e2", 0.30)},
			wantOutcome: OutcomeNoMatch,
		},
		{
			name:        "three-way tie collects all tied candidates",
			candidates:  []ScoredCandidate{scored("e1", 0.82), scored("e2", 0.80), scored("e3", 0.78)},
			wantOutcome: OutcomeConflict,
			wantCount:   3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.candidates, cfg)
			if d.Outcome != tt.wantOutcome {
				t.Fatalf("outcome = %s, want %s", d.Outcome, tt.wantOutcome)
			}
			if tt.wantBest != "" && d.Best.Entry.EntryID != tt.wantBest {
				t.Errorf("best = %s, want %s", d.Best.Entry.EntryID, tt.wantBest)
			}
			if tt.wantCount > 0 && len(d.Candidates) != tt.wantCount {
				t.Errorf("got %d candidates, want %d", len(d.Candidates), tt.wantCount)
			}
		})
	}
}

func TestDecide_SortsSuggestionsDescending(t *testing.T) {
	cfg := config.Default().Matching
	d := Decide([]ScoredCandidate{scored("e1", 0.62), scored("e2", 0.75)}, cfg)

	if d.Outcome != OutcomeSuggestions {
		t.Fatalf("outcome = %s, want suggestions", d.Outcome)
	}
	if d.Candidates[0].Entry.EntryID != "e2" {
		t.Errorf("suggestions not sorted descending: %v", d.Candidates)
	}
}

func TestDecide_DeterministicOnEqualScores(t *testing.T) {
	cfg := config.Default().Matching
	cfg.TieMargin = 0 // disable tie detection to observe ordering

	first := Decide([]ScoredCandidate{scored("b", 0.95), scored("a", 0.95)}, cfg)
	second := Decide([]ScoredCandidate{scored("a", 0.95), scored("b", 0.95)}, cfg)

	if first.Best.Entry.EntryID != second.Best.Entry.EntryID {
		t.Errorf("ranking depends on input order: %s vs %s",
			first.Best.Entry.EntryID, second.Best.Entry.EntryID)
	}
}
