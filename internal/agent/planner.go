// internal/agent/planner.go
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/happyahluwalia/filingagent/internal/entity"
	"github.com/happyahluwalia/filingagent/internal/types"
	"github.com/happyahluwalia/filingagent/pkg/llm"
)

// planSchema constrains the planner's output so every response decodes
// into a types.Plan without free-form repair.
var planSchema = llm.Schema{
	Name:        "research_plan",
	Description: "A per-company research plan for answering a question from SEC filings",
	Definition: json.RawMessage(`{
		"type": "object",
		"properties": {
			"intent": {
				"type": "string",
				"enum": ["single_company", "comparison", "general"]
			},
			"tasks": {
				"type": "array",
				"items": {
					"type": "object",
					"properties": {
						"ticker": {"type": "string"},
						"search_query": {"type": "string"},
						"filing_type": {"type": "string", "enum": ["10-K", "10-Q"]},
						"timeframe": {"type": "string"}
					},
					"required": ["ticker", "search_query", "filing_type", "timeframe"],
					"additionalProperties": false
				}
			}
		},
		"required": ["intent", "tasks"],
		"additionalProperties": false
	}`),
}

const plannerSystemPrompt = `You are a research planner for a financial analyst.
Given a user question about public companies, produce a research plan: one
retrieval task per company, each with a focused search query to run against
that company's SEC filings.

Rules:
- Emit exactly one task per company the question asks about.
- Only plan for companies from the supported list below. Never invent tickers.
- search_query must be a self-contained semantic search query about one topic
  for one company, not the user's question verbatim.
- filing_type is "10-K" unless the question is explicitly about a quarterly
  report, then "10-Q".
- timeframe is "latest" unless the question names a fiscal year.
- intent is "comparison" when two or more companies are compared,
  "single_company" for one company, "general" otherwise.

Supported companies:
%s`

// Planner turns a user question into a validated per-entity research plan.
type Planner struct {
	provider llm.Provider
	registry *entity.Registry
}

func NewPlanner(provider llm.Provider, registry *entity.Registry) *Planner {
	return &Planner{provider: provider, registry: registry}
}

func (p *Planner) systemPrompt() string {
	var sb strings.Builder
	for _, c := range p.registry.All() {
		fmt.Fprintf(&sb, "- %s: %s\n", c.Ticker, c.Name)
	}
	return fmt.Sprintf(plannerSystemPrompt, sb.String())
}

// Plan produces a research plan for query. Detected entities come from the
// registry first, so unsupported-company questions fail before any model
// call. A plan that fails validation gets exactly one corrective retry.
func (p *Planner) Plan(ctx context.Context, query string, history []types.Message) (*types.Plan, error) {
	detected, err := p.registry.Detect(query)
	if err != nil {
		return nil, err
	}

	messages := []llm.Message{{Role: "system", Content: p.systemPrompt()}}
	for _, m := range history {
		messages = append(messages, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: query})

	plan, verr := p.planOnce(ctx, messages, detected)
	if verr == nil {
		return plan, nil
	}
	var pve *types.PlanValidationError
	if !errors.As(verr, &pve) {
		return nil, verr
	}

	slog.Warn("plan failed validation, retrying once", "reason", pve.Reason)
	messages = append(messages, llm.Message{
		Role:    "user",
		Content: fmt.Sprintf("The previous plan was invalid: %s. Produce a corrected plan.", pve.Reason),
	})
	plan, verr = p.planOnce(ctx, messages, detected)
	if verr != nil {
		return nil, verr
	}
	return plan, nil
}

func (p *Planner) planOnce(ctx context.Context, messages []llm.Message, detected []types.EntityID) (*types.Plan, error) {
	resp, err := p.provider.CompleteStructured(ctx, messages, planSchema)
	if err != nil {
		return nil, &types.BackendUnavailableError{Backend: "llm", Err: err}
	}

	var plan types.Plan
	if err := json.Unmarshal([]byte(resp.Content), &plan); err != nil {
		return nil, &types.PlanValidationError{Reason: fmt.Sprintf("plan is not valid JSON: %v", err)}
	}
	return p.validate(&plan, detected)
}

// validate drops steps for tickers the registry does not know, keeps at
// most one step per entity, then checks the surviving plan covers every
// entity detected in the question.
func (p *Planner) validate(plan *types.Plan, detected []types.EntityID) (*types.Plan, error) {
	kept := plan.Steps[:0]
	seen := make(map[types.EntityID]bool, len(plan.Steps))
	for _, step := range plan.Steps {
		step.Entity = types.EntityID(strings.ToUpper(string(step.Entity)))
		if !p.registry.Supported(step.Entity) {
			slog.Warn("dropping plan step for unknown ticker", "ticker", step.Entity)
			continue
		}
		if seen[step.Entity] {
			slog.Warn("dropping duplicate plan step", "ticker", step.Entity)
			continue
		}
		if strings.TrimSpace(step.Query) == "" {
			return nil, &types.PlanValidationError{Reason: fmt.Sprintf("empty search query for %s", step.Entity)}
		}
		if step.FilingType != "10-K" && step.FilingType != "10-Q" {
			return nil, &types.PlanValidationError{Reason: fmt.Sprintf("unsupported filing type %q for %s", step.FilingType, step.Entity)}
		}
		seen[step.Entity] = true
		kept = append(kept, step)
	}
	plan.Steps = kept

	if len(plan.Steps) == 0 {
		return nil, &types.PlanValidationError{Reason: "plan has no valid retrieval tasks"}
	}
	for _, e := range detected {
		if !seen[e] {
			return nil, &types.PlanValidationError{Reason: fmt.Sprintf("plan is missing a task for %s", e)}
		}
	}
	switch plan.Intent {
	case "single_company", "comparison", "general":
	default:
		return nil, &types.PlanValidationError{Reason: fmt.Sprintf("unknown intent %q", plan.Intent)}
	}
	return plan, nil
}
