// Package aiassist asks a language model to break ties. When the
// deterministic policy lands a line in CONFLICT, the advisor feeds the
// statement line and the tied candidates to the model and returns a
// recommendation for a human to accept or discard. The advisor never
// commits a match itself; an accepted recommendation goes through the
// orchestrator as an AI-typed resolution.
package aiassist

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/valeo-erp/reconcile/internal/domain"
)

// Recommendation is the model's pick among tied candidates.
type Recommendation struct {
	EntryID     string  `json:"entry_id"`
	Confidence  float64 `json:"confidence"`
	Explanation string  `json:"explanation"`
}

// ModelClient is the minimal text-generation surface the advisor needs.
// It exists so tests can run without a live model.
type ModelClient interface {
	GenerateText(ctx context.Context, prompt string) (string, error)
}

// Advisor recommends a candidate for a conflicted line.
type Advisor struct {
	client ModelClient
}

// New creates an advisor over the given model client.
func New(client ModelClient) *Advisor {
	return &Advisor{client: client}
}

// Advise asks the model to pick one of the candidates for the line. The
// returned entry id is guaranteed to be one of the offered candidates.
func (a *Advisor) Advise(ctx context.Context, line *domain.StatementLine, candidates []*domain.Entry) (*Recommendation, error) {
	if len(candidates) < 2 {
		return nil, fmt.Errorf("Advise: need at least two candidates, got %d", len(candidates))
	}

	prompt := buildConflictPrompt(line, candidates)
	rawText, err := a.client.GenerateText(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("Advise: generate content: %w", err)
	}
	if rawText == "" {
		return nil, fmt.Errorf("Advise: empty response from model")
	}

	// Clean up Markdown fences / extra text if the model ignored instructions.
	clean := cleanModelJSON(rawText)

	var rec Recommendation
	if err := json.Unmarshal([]byte(clean), &rec); err != nil {
		return nil, fmt.Errorf("Advise: unmarshal JSON: %w\nraw response: %s", err, rawText)
	}

	valid := false
	for _, c := range candidates {
		if c.EntryID == rec.EntryID {
			valid = true
			break
		}
	}
	if !valid {
		return nil, fmt.Errorf("Advise: model recommended unknown entry %q", rec.EntryID)
	}
	if rec.Confidence < 0 || rec.Confidence > 1 {
		return nil, fmt.Errorf("Advise: confidence %v out of range", rec.Confidence)
	}
	return &rec, nil
}

// buildConflictPrompt lays out the line and the tied candidates for the
// model and constrains the output to strict JSON.
func buildConflictPrompt(line *domain.StatementLine, candidates []*domain.Entry) string {
	var b strings.Builder
	b.WriteString("You are a bank reconciliation assistant.\n\n")
	b.WriteString("Task:\n")
	b.WriteString("- A bank statement line matched several open ledger items too closely to pick one automatically.\n")
	b.WriteString("- Choose the single most plausible ledger item for this line.\n")
	b.WriteString("- Output STRICT JSON only (no comments, no extra text).\n\n")

	b.WriteString("Statement line:\n")
	fmt.Fprintf(&b, "- amount_minor: %d %s\n", line.AmountMinor, line.Currency)
	fmt.Fprintf(&b, "- counterparty: %q\n", line.Party.Name)
	fmt.Fprintf(&b, "- purpose: %q\n", line.Purpose)
	fmt.Fprintf(&b, "- value_date: %s\n\n", line.ValueDate.Format("2006-01-02"))

	b.WriteString("Candidate ledger items:\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "- entry_id %q: amount_minor %d %s, reference %q, party %q, due %s\n",
			c.EntryID, c.AmountMinor, c.Currency, c.Reference, c.PartyName, c.DueDate.Format("2006-01-02"))
	}

	b.WriteString("\nOutput a single JSON object with these fields:\n")
	b.WriteString("- \"entry_id\": string, EXACTLY one of the candidate entry ids above\n")
	b.WriteString("- \"confidence\": number between 0 and 1\n")
	b.WriteString("- \"explanation\": string, one or two sentences a clerk can verify\n\n")
	b.WriteString("Return ONLY valid raw JSON.\n")
	b.WriteString("Do NOT wrap the response in code fences.\n")
	b.WriteString("Do NOT use ```json or any Markdown.\n")
	b.WriteString("Output must begin with \"{\" and end with \"}\".\n")
	return b.String()
}

func cleanModelJSON(raw string) string {
	s := strings.TrimSpace(raw)

	// Handle ```json ... ``` or ``` ... ``` wrappers.
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		} else {
			return s
		}
		s = strings.TrimSpace(s)
	}

	if idx := strings.LastIndex(s, "```"); idx != -1 {
		s = s[:idx]
	}

	s = strings.TrimSpace(s)

	// Extra safety: if there's still junk around the JSON object,
	// keep only from the first '{' to the last '}'.
	if start := strings.Index(s, "{"); start != -1 {
		if end := strings.LastIndex(s, "}"); end != -1 && end > start {
			s = s[start : end+1]
			s = strings.TrimSpace(s)
		}
	}

	return s
}

// DefaultModelName is the model the Gemini client calls.
const DefaultModelName = "gemini-2.0-flash"

// GeminiClient is the production ModelClient backed by the GenAI API.
type GeminiClient struct {
	model string
}

// NewGeminiClient creates a client for the given model, falling back to
// DefaultModelName when empty.
func NewGeminiClient(model string) *GeminiClient {
	if model == "" {
		model = DefaultModelName
	}
	return &GeminiClient{model: model}
}

// GenerateText implements ModelClient.
func (g *GeminiClient) GenerateText(ctx context.Context, prompt string) (string, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		HTTPOptions: genai.HTTPOptions{APIVersion: "v1"},
	})
	if err != nil {
		return "", fmt.Errorf("GenerateText: create genai client: %w", err)
	}

	contents := []*genai.Content{
		{
			Role:  "user",
			Parts: []*genai.Part{{Text: prompt}},
		},
	}

	resp, err := client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("GenerateText: generate content: %w", err)
	}
	return resp.Text(), nil
}

var _ ModelClient = (*GeminiClient)(nil)
