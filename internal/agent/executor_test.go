package agent

import (
	"context"
	"errors"
	"testing"

	"github.com/happyahluwalia/filingagent/internal/stream"
	"github.com/happyahluwalia/filingagent/internal/types"
)

func fetchingEmitter(t *testing.T, sink stream.Sink) *stream.Emitter {
	t.Helper()
	ctx := context.Background()
	em := stream.NewEmitter(sink)
	if err := em.StepStart(ctx, stream.StepPlanning); err != nil {
		t.Fatalf("step_start failed: %v", err)
	}
	if err := em.PlanComplete(ctx, &types.Plan{}); err != nil {
		t.Fatalf("plan_complete failed: %v", err)
	}
	if err := em.StepStart(ctx, stream.StepFetching); err != nil {
		t.Fatalf("step_start failed: %v", err)
	}
	return em
}

func comparisonPlan() *types.Plan {
	return &types.Plan{
		Intent: "comparison",
		Steps: []types.PlanStep{
			{Entity: "AAPL", Query: "revenue growth", FilingType: "10-K", Timeframe: "latest"},
			{Entity: "MSFT", Query: "revenue growth", FilingType: "10-K", Timeframe: "latest"},
		},
	}
}

func TestExecuteKeepsEntitiesSeparate(t *testing.T) {
	retriever := &stubRetriever{chunks: map[types.EntityID][]types.EvidenceChunk{
		"AAPL": {chunk("AAPL", "iphone revenue", 0.9), chunk("AAPL", "services revenue", 0.8)},
		"MSFT": {chunk("MSFT", "azure revenue", 0.85)},
	}}
	ex := NewExecutor(retriever, nil, fastRetry(), 5, 0.3)

	result, err := ex.Execute(context.Background(), comparisonPlan(), fetchingEmitter(t, stream.Discard))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if got := len(result.Chunks("AAPL")); got != 2 {
		t.Errorf("expected 2 AAPL chunks, got %d", got)
	}
	if got := len(result.Chunks("MSFT")); got != 1 {
		t.Errorf("expected 1 MSFT chunk, got %d", got)
	}
	for _, c := range result.Chunks("AAPL") {
		if c.Source.Entity != "AAPL" {
			t.Errorf("MSFT evidence leaked into AAPL slot: %+v", c)
		}
	}
}

func TestExecuteEnforcesQuota(t *testing.T) {
	many := make([]types.EvidenceChunk, 10)
	for i := range many {
		many[i] = chunk("AAPL", "chunk", 0.9)
	}
	retriever := &stubRetriever{chunks: map[types.EntityID][]types.EvidenceChunk{"AAPL": many}}
	ex := NewExecutor(retriever, nil, fastRetry(), 3, 0)

	plan := &types.Plan{Intent: "single_company", Steps: comparisonPlan().Steps[:1]}
	result, err := ex.Execute(context.Background(), plan, fetchingEmitter(t, stream.Discard))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if got := len(result.Chunks("AAPL")); got != 3 {
		t.Errorf("expected quota of 3 chunks, got %d", got)
	}
}

func TestExecuteFiltersByScore(t *testing.T) {
	retriever := &stubRetriever{chunks: map[types.EntityID][]types.EvidenceChunk{
		"AAPL": {chunk("AAPL", "strong", 0.9), chunk("AAPL", "weak", 0.1)},
	}}
	ex := NewExecutor(retriever, nil, fastRetry(), 5, 0.3)

	plan := &types.Plan{Intent: "single_company", Steps: comparisonPlan().Steps[:1]}
	result, err := ex.Execute(context.Background(), plan, fetchingEmitter(t, stream.Discard))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	chunks := result.Chunks("AAPL")
	if len(chunks) != 1 || chunks[0].Text != "strong" {
		t.Errorf("weak evidence should be filtered, got %+v", chunks)
	}
}

func TestExecutePreparesCorpusOnEmpty(t *testing.T) {
	retriever := &stubRetriever{chunks: map[types.EntityID][]types.EvidenceChunk{}}
	preparer := &stubPreparer{onPrepare: func(entity types.EntityID, filingType string) error {
		// ingestion makes the corpus searchable
		retriever.mu.Lock()
		retriever.chunks[entity] = []types.EvidenceChunk{chunk(entity, "now indexed", 0.7)}
		retriever.mu.Unlock()
		return nil
	}}
	ex := NewExecutor(retriever, preparer, fastRetry(), 5, 0.3)

	plan := &types.Plan{Intent: "single_company", Steps: comparisonPlan().Steps[:1]}
	result, err := ex.Execute(context.Background(), plan, fetchingEmitter(t, stream.Discard))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if len(preparer.prepared) != 1 || preparer.prepared[0] != "AAPL" {
		t.Errorf("expected one Prepare call for AAPL, got %v", preparer.prepared)
	}
	if got := len(result.Chunks("AAPL")); got != 1 {
		t.Errorf("expected evidence after preparation, got %d chunks", got)
	}
}

func TestExecuteMarksEmptyEntityWithoutFailingTurn(t *testing.T) {
	retriever := &stubRetriever{chunks: map[types.EntityID][]types.EvidenceChunk{
		"AAPL": {chunk("AAPL", "revenue", 0.9)},
	}}
	preparer := &stubPreparer{}
	ex := NewExecutor(retriever, preparer, fastRetry(), 5, 0.3)

	result, err := ex.Execute(context.Background(), comparisonPlan(), fetchingEmitter(t, stream.Discard))
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if _, empty := result.EmptyReason("MSFT"); !empty {
		t.Error("MSFT should be marked empty")
	}
	if got := len(result.Chunks("AAPL")); got != 1 {
		t.Errorf("AAPL evidence should survive MSFT emptiness, got %d chunks", got)
	}
}

func TestExecuteBackendFailureAbortsTurn(t *testing.T) {
	retriever := &stubRetriever{err: errors.New("connection refused")}
	ex := NewExecutor(retriever, nil, fastRetry(), 5, 0.3)

	_, err := ex.Execute(context.Background(), comparisonPlan(), fetchingEmitter(t, stream.Discard))
	var berr *types.BackendUnavailableError
	if !errors.As(err, &berr) {
		t.Fatalf("expected BackendUnavailableError, got %v", err)
	}
}

func TestExecuteEmitsToolEvents(t *testing.T) {
	retriever := &stubRetriever{chunks: map[types.EntityID][]types.EvidenceChunk{
		"AAPL": {chunk("AAPL", "revenue", 0.9)},
		"MSFT": {chunk("MSFT", "revenue", 0.9)},
	}}
	ex := NewExecutor(retriever, nil, fastRetry(), 5, 0.3)

	sink := &collectSink{}
	if _, err := ex.Execute(context.Background(), comparisonPlan(), fetchingEmitter(t, sink)); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	starts, ends := 0, 0
	for _, kind := range sink.kinds() {
		switch kind {
		case stream.EventToolStart:
			starts++
		case stream.EventToolEnd:
			ends++
		}
	}
	if starts != 2 || ends != 2 {
		t.Errorf("expected 2 tool_start and 2 tool_end events, got %d and %d", starts, ends)
	}
}
