package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/happyahluwalia/filingagent/internal/entity"
	"github.com/happyahluwalia/filingagent/internal/types"
	"github.com/happyahluwalia/filingagent/pkg/llm"
)

func testRegistry() *entity.Registry {
	return entity.NewRegistry(entity.DefaultCompanies())
}

func planJSON(s string) func([]llm.Message, llm.Schema) (*llm.Response, error) {
	return func([]llm.Message, llm.Schema) (*llm.Response, error) {
		return &llm.Response{Content: s}, nil
	}
}

func TestPlanSingleCompany(t *testing.T) {
	provider := &stubProvider{structuredFn: planJSON(`{
		"intent": "single_company",
		"tasks": [{"ticker": "AAPL", "search_query": "revenue by segment", "filing_type": "10-K", "timeframe": "latest"}]
	}`)}
	p := NewPlanner(provider, testRegistry())

	plan, err := p.Plan(context.Background(), "What was Apple's revenue?", nil)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(plan.Steps) != 1 || plan.Steps[0].Entity != "AAPL" {
		t.Errorf("unexpected plan steps: %+v", plan.Steps)
	}
	if plan.Intent != "single_company" {
		t.Errorf("unexpected intent: %s", plan.Intent)
	}
}

func TestPlanDropsHallucinatedTicker(t *testing.T) {
	provider := &stubProvider{structuredFn: planJSON(`{
		"intent": "single_company",
		"tasks": [
			{"ticker": "AAPL", "search_query": "revenue", "filing_type": "10-K", "timeframe": "latest"},
			{"ticker": "ZZZZ", "search_query": "revenue", "filing_type": "10-K", "timeframe": "latest"}
		]
	}`)}
	p := NewPlanner(provider, testRegistry())

	plan, err := p.Plan(context.Background(), "What was Apple's revenue?", nil)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(plan.Steps) != 1 || plan.Steps[0].Entity != "AAPL" {
		t.Errorf("hallucinated ticker should be dropped, got %+v", plan.Steps)
	}
}

func TestPlanKeepsOneStepPerEntity(t *testing.T) {
	provider := &stubProvider{structuredFn: planJSON(`{
		"intent": "single_company",
		"tasks": [
			{"ticker": "AAPL", "search_query": "revenue", "filing_type": "10-K", "timeframe": "latest"},
			{"ticker": "AAPL", "search_query": "risk factors", "filing_type": "10-K", "timeframe": "latest"}
		]
	}`)}
	p := NewPlanner(provider, testRegistry())

	plan, err := p.Plan(context.Background(), "What was Apple's revenue?", nil)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(plan.Steps) != 1 {
		t.Fatalf("duplicate entity steps must collapse to one, got %+v", plan.Steps)
	}
	if plan.Steps[0].Query != "revenue" {
		t.Errorf("the first step per entity should win, got %q", plan.Steps[0].Query)
	}
}

func TestPlanRetriesOnceOnValidationFailure(t *testing.T) {
	bad := `{"intent": "comparison", "tasks": [{"ticker": "AAPL", "search_query": "revenue", "filing_type": "10-K", "timeframe": "latest"}]}`
	good := `{"intent": "comparison", "tasks": [
		{"ticker": "AAPL", "search_query": "revenue", "filing_type": "10-K", "timeframe": "latest"},
		{"ticker": "MSFT", "search_query": "revenue", "filing_type": "10-K", "timeframe": "latest"}
	]}`
	calls := 0
	provider := &stubProvider{structuredFn: func([]llm.Message, llm.Schema) (*llm.Response, error) {
		calls++
		if calls == 1 {
			// missing the MSFT task the question requires
			return &llm.Response{Content: bad}, nil
		}
		return &llm.Response{Content: good}, nil
	}}
	p := NewPlanner(provider, testRegistry())

	plan, err := p.Plan(context.Background(), "Compare Apple and Microsoft revenue", nil)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if calls != 2 {
		t.Errorf("expected exactly one retry, got %d calls", calls)
	}
	if len(plan.Steps) != 2 {
		t.Errorf("expected 2 steps, got %d", len(plan.Steps))
	}
}

func TestPlanFailsAfterSecondInvalidPlan(t *testing.T) {
	provider := &stubProvider{structuredFn: planJSON(`{"intent": "single_company", "tasks": []}`)}
	p := NewPlanner(provider, testRegistry())

	_, err := p.Plan(context.Background(), "What was Apple's revenue?", nil)
	var pve *types.PlanValidationError
	if !errors.As(err, &pve) {
		t.Fatalf("expected PlanValidationError, got %v", err)
	}
	if provider.structuredCalls != 2 {
		t.Errorf("expected 2 attempts, got %d", provider.structuredCalls)
	}
}

func TestPlanUnsupportedCompanySkipsModel(t *testing.T) {
	provider := &stubProvider{structuredFn: planJSON(`{}`)}
	p := NewPlanner(provider, testRegistry())

	_, err := p.Plan(context.Background(), "What is NFLX revenue?", nil)
	var uerr *types.UnsupportedEntityError
	if !errors.As(err, &uerr) {
		t.Fatalf("expected UnsupportedEntityError, got %v", err)
	}
	if provider.structuredCalls != 0 {
		t.Errorf("planner must not call the model for unsupported companies, got %d calls", provider.structuredCalls)
	}
}

func TestPlanBackendErrorWrapped(t *testing.T) {
	provider := &stubProvider{structuredFn: func([]llm.Message, llm.Schema) (*llm.Response, error) {
		return nil, errors.New("connection refused")
	}}
	p := NewPlanner(provider, testRegistry())

	_, err := p.Plan(context.Background(), "What was Apple's revenue?", nil)
	var berr *types.BackendUnavailableError
	if !errors.As(err, &berr) {
		t.Fatalf("expected BackendUnavailableError, got %v", err)
	}
}

func TestPlanNormalizesTickerCase(t *testing.T) {
	provider := &stubProvider{structuredFn: planJSON(`{
		"intent": "single_company",
		"tasks": [{"ticker": "aapl", "search_query": "revenue", "filing_type": "10-K", "timeframe": "latest"}]
	}`)}
	p := NewPlanner(provider, testRegistry())

	plan, err := p.Plan(context.Background(), "What was Apple's revenue?", nil)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if plan.Steps[0].Entity != "AAPL" {
		t.Errorf("ticker not normalized: %s", plan.Steps[0].Entity)
	}
}
