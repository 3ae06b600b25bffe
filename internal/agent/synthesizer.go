// internal/agent/synthesizer.go
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/happyahluwalia/filingagent/internal/stream"
	"github.com/happyahluwalia/filingagent/internal/types"
	"github.com/happyahluwalia/filingagent/pkg/llm"
)

var answerSchema = llm.Schema{
	Name:        "grounded_answer",
	Description: "A structured answer grounded in the provided SEC filing excerpts",
	Definition: json.RawMessage(`{
		"type": "object",
		"properties": {
			"sections": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"type": {"type": "string", "enum": ["paragraph", "table", "key_findings", "comparison_summary"]},
						"content": {"type": "string"},
						"data": {
							"type": ["object", "null"],
							"properties": {
								"headers": {"type": "array", "items": {"type": "string"}},
								"rows": {"type": "array", "items": {"type": "array", "items": {"type": "string"}}}
							},
							"required": ["headers", "rows"],
							"additionalProperties": false
						},
						"citations": {"type": "array", "items": {"type": "integer"}}
					},
					"required": ["type", "content", "data", "citations"],
					"additionalProperties": false
				}
			},
			"companies": {
				"type": "object",
				"additionalProperties": {
					"type": "object",
					"properties": {
						"key_findings": {"type": "array", "items": {"type": "string"}},
						"metrics": {"type": "object", "additionalProperties": {"type": "string"}},
						"citations": {"type": "array", "items": {"type": "integer"}}
					},
					"required": ["key_findings", "metrics", "citations"],
					"additionalProperties": false
				}
			},
			"comparison": {
				"type": ["object", "null"],
				"properties": {
					"summary": {"type": "string"},
					"winner": {"type": "string"},
					"metric": {"type": "string"}
				},
				"required": ["summary", "winner", "metric"],
				"additionalProperties": false
			},
			"confidence": {"type": "string", "enum": ["high", "medium", "low"]},
			"missing_data": {"type": "array", "items": {"type": "string"}}
		},
		"required": ["sections", "companies", "comparison", "confidence", "missing_data"],
		"additionalProperties": false
	}`),
}

const synthesizerSystemPrompt = `You are a financial analyst answering questions
strictly from SEC filing excerpts.

Rules:
- Use only the numbered excerpts below. Never draw on outside knowledge.
- Cite excerpts by number in each section's citations list.
- If the excerpts do not cover part of the question, say so in missing_data
  instead of guessing, and lower confidence accordingly.
- For comparison questions include a comparison_summary section, per-company
  findings, and the comparison block.
- Keep tables to figures that actually appear in the excerpts.`

// Synthesizer produces the grounded, schema-constrained answer for a turn.
type Synthesizer struct {
	provider llm.Provider
}

func NewSynthesizer(provider llm.Provider) *Synthesizer {
	return &Synthesizer{provider: provider}
}

// buildContext renders the evidence as numbered excerpts, grouped per
// entity so the model sees each company's material as its own block. The
// numbering matches types.SourcesFrom on the same result.
func buildContext(result *types.RetrievalResult) string {
	var sb strings.Builder
	idx := 0
	for _, e := range result.Entities() {
		fmt.Fprintf(&sb, "## %s\n", e)
		if reason, empty := result.EmptyReason(e); empty {
			fmt.Fprintf(&sb, "No excerpts available: %s\n\n", reason)
			continue
		}
		for _, c := range result.Chunks(e) {
			fmt.Fprintf(&sb, "[%d] (%s, %s, %s)\n%s\n\n",
				idx, c.Source.FilingType, c.Source.Section, c.Source.ReportDate, c.Text)
			idx++
		}
	}
	return sb.String()
}

// Synthesize answers query from the gathered evidence. The structured path
// streams one token event per rendered section; a response that fails
// validation gets one corrective retry, and a second failure degrades to a
// plain-text answer streamed as real deltas.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, history []types.Message, result *types.RetrievalResult, em *stream.Emitter) (*types.StructuredAnswer, error) {
	evidence := buildContext(result)
	messages := []llm.Message{
		{Role: "system", Content: synthesizerSystemPrompt},
	}
	for _, m := range history {
		messages = append(messages, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	messages = append(messages, llm.Message{
		Role:    "user",
		Content: fmt.Sprintf("Question: %s\n\nExcerpts:\n%s", query, evidence),
	})

	maxCitation := result.Len() - 1
	answer, verr := s.synthesizeOnce(ctx, messages, maxCitation)
	if verr != nil {
		var sve *types.SynthesisValidationError
		if !errors.As(verr, &sve) {
			return nil, verr
		}
		slog.Warn("answer failed validation, retrying once", "reason", sve.Reason)
		retryMessages := append(messages, llm.Message{
			Role:    "user",
			Content: fmt.Sprintf("The previous answer was invalid: %s. Produce a corrected answer.", sve.Reason),
		})
		answer, verr = s.synthesizeOnce(ctx, retryMessages, maxCitation)
		if verr != nil {
			if !errors.As(verr, &sve) {
				return nil, verr
			}
			slog.Warn("answer failed validation twice, degrading to plain text", "reason", sve.Reason)
			return s.degrade(ctx, messages, em)
		}
	}

	answer.FilterCompanies(result.Entities())
	for _, sec := range answer.Sections {
		if err := em.Token(ctx, sec.Content+"\n\n"); err != nil {
			return nil, err
		}
	}
	return answer, nil
}

func (s *Synthesizer) synthesizeOnce(ctx context.Context, messages []llm.Message, maxCitation int) (*types.StructuredAnswer, error) {
	resp, err := s.provider.CompleteStructured(ctx, messages, answerSchema)
	if err != nil {
		return nil, &types.BackendUnavailableError{Backend: "llm", Err: err}
	}
	var answer types.StructuredAnswer
	if err := json.Unmarshal([]byte(resp.Content), &answer); err != nil {
		return nil, &types.SynthesisValidationError{Reason: fmt.Sprintf("answer is not valid JSON: %v", err)}
	}
	return &answer, validateAnswer(&answer, maxCitation)
}

// validateAnswer enforces what the schema cannot: non-emptiness, at least
// one citation per section whenever excerpts exist, and citations that
// point at excerpts that actually exist.
func validateAnswer(a *types.StructuredAnswer, maxCitation int) error {
	if len(a.Sections) == 0 {
		return &types.SynthesisValidationError{Reason: "answer has no sections"}
	}
	check := func(where string, citations []int) error {
		for _, c := range citations {
			if c < 0 || c > maxCitation {
				return &types.SynthesisValidationError{Reason: fmt.Sprintf("%s cites excerpt %d, only 0..%d exist", where, c, maxCitation)}
			}
		}
		return nil
	}
	for i, sec := range a.Sections {
		if strings.TrimSpace(sec.Content) == "" && sec.Data == nil {
			return &types.SynthesisValidationError{Reason: fmt.Sprintf("section %d is empty", i)}
		}
		if maxCitation >= 0 && len(sec.Citations) == 0 {
			return &types.SynthesisValidationError{Reason: fmt.Sprintf("section %d cites no excerpts", i)}
		}
		if err := check(fmt.Sprintf("section %d", i), sec.Citations); err != nil {
			return err
		}
	}
	for e, cf := range a.Companies {
		if err := check(fmt.Sprintf("company %s", e), cf.Citations); err != nil {
			return err
		}
	}
	return nil
}

// degrade falls back to an unconstrained plain-text answer, streamed as
// true provider deltas. The result is marked so clients can tell it apart
// from a schema-validated answer.
func (s *Synthesizer) degrade(ctx context.Context, messages []llm.Message, em *stream.Emitter) (*types.StructuredAnswer, error) {
	deltas, err := s.provider.Stream(ctx, messages)
	if err != nil {
		return nil, &types.BackendUnavailableError{Backend: "llm", Err: err}
	}
	var sb strings.Builder
	for d := range deltas {
		sb.WriteString(d.Content)
		if err := em.Token(ctx, d.Content); err != nil {
			return nil, err
		}
	}
	text := sb.String()
	if strings.TrimSpace(text) == "" {
		return nil, &types.BackendUnavailableError{Backend: "llm", Err: errors.New("empty completion")}
	}
	return &types.StructuredAnswer{
		Sections:   []types.Section{{Type: types.SectionParagraph, Content: text}},
		Confidence: types.ConfidenceLow,
		Degraded:   true,
		Note:       "This answer could not be validated against the structured format.",
	}, nil
}
