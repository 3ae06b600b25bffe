//go:build integration

package test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/happyahluwalia/filingagent/internal/agent"
	"github.com/happyahluwalia/filingagent/internal/checkpoint"
	"github.com/happyahluwalia/filingagent/internal/entity"
	"github.com/happyahluwalia/filingagent/internal/history"
	"github.com/happyahluwalia/filingagent/internal/stream"
	"github.com/happyahluwalia/filingagent/internal/types"
	"github.com/happyahluwalia/filingagent/pkg/llm"
)

// fakeLLM plans one task per company named in the question and synthesizes
// a fixed grounded answer, so the whole pipeline runs without a network.
type fakeLLM struct {
	registry *entity.Registry
}

func (f *fakeLLM) Complete(_ context.Context, messages []llm.Message) (*llm.Response, error) {
	if strings.Contains(messages[0].Content, "Classify") {
		return &llm.Response{Content: "chat"}, nil
	}
	return &llm.Response{Content: "Hi! Ask me about SEC filings."}, nil
}

func (f *fakeLLM) CompleteStructured(_ context.Context, messages []llm.Message, schema llm.Schema) (*llm.Response, error) {
	if schema.Name == "research_plan" {
		question := messages[len(messages)-1].Content
		found, err := f.registry.Detect(question)
		if err != nil || len(found) == 0 {
			found = []types.EntityID{"AAPL"}
		}
		var tasks []string
		for _, e := range found {
			tasks = append(tasks, `{"ticker": "`+string(e)+`", "search_query": "revenue growth", "filing_type": "10-K", "timeframe": "latest"}`)
		}
		intent := "single_company"
		if len(found) > 1 {
			intent = "comparison"
		}
		return &llm.Response{Content: `{"intent": "` + intent + `", "tasks": [` + strings.Join(tasks, ",") + `]}`}, nil
	}
	return &llm.Response{Content: `{
		"sections": [{"type": "paragraph", "content": "Revenue grew across the board.", "data": null, "citations": [0]}],
		"companies": {},
		"comparison": null,
		"confidence": "medium",
		"missing_data": []
	}`}, nil
}

func (f *fakeLLM) Stream(context.Context, []llm.Message) (<-chan llm.Delta, error) {
	ch := make(chan llm.Delta)
	close(ch)
	return ch, nil
}

type memRetriever struct {
	chunks map[types.EntityID][]types.EvidenceChunk
}

func (r *memRetriever) Search(_ context.Context, req types.SearchRequest) ([]types.EvidenceChunk, error) {
	out := r.chunks[req.Entity]
	if len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []stream.Event
}

func (s *recordingSink) Send(_ context.Context, ev stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func evidenceFor(entities ...types.EntityID) map[types.EntityID][]types.EvidenceChunk {
	out := make(map[types.EntityID][]types.EvidenceChunk)
	for _, e := range entities {
		for i := 0; i < 8; i++ {
			out[e] = append(out[e], types.EvidenceChunk{
				ID: string(e) + "-" + strings.Repeat("x", i+1), Text: "net sales increased", Score: 0.9,
				Source: types.SourceMeta{Entity: e, FilingType: "10-K", Section: "Item 7"},
			})
		}
	}
	return out
}

func buildPipeline(t *testing.T, retriever types.Retriever) *agent.Supervisor {
	t.Helper()
	store := checkpoint.NewFileStore(t.TempDir())
	if err := store.Open(context.Background()); err != nil {
		t.Fatalf("open store: %v", err)
	}
	registry := entity.NewRegistry(entity.DefaultCompanies())
	provider := &fakeLLM{registry: registry}
	trimmer, err := history.New("gpt-4o-mini", 16000, 3200)
	if err != nil {
		t.Fatalf("new trimmer: %v", err)
	}
	retry := &agent.RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}

	return agent.NewSupervisor(
		store,
		agent.NewPlanner(provider, registry),
		agent.NewExecutor(retriever, nil, retry, 5, 0.3),
		agent.NewSynthesizer(provider),
		provider, trimmer, nil, registry, retry, 4,
	)
}

func TestSingleCompanyQuestion(t *testing.T) {
	sup := buildPipeline(t, &memRetriever{chunks: evidenceFor("AAPL")})

	result, err := sup.Handle(context.Background(), agent.Request{Query: "What was Apple's revenue growth?"})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if len(result.Sources) != 5 {
		t.Errorf("expected the per-company quota of 5 sources, got %d", len(result.Sources))
	}
	if result.Answer.Text() == "" {
		t.Error("expected a rendered answer")
	}
}

func TestComparisonGetsBalancedEvidence(t *testing.T) {
	sup := buildPipeline(t, &memRetriever{chunks: evidenceFor("AAPL", "MSFT")})

	result, err := sup.Handle(context.Background(), agent.Request{Query: "Compare Apple and Microsoft revenue growth"})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}

	perEntity := make(map[types.EntityID]int)
	for _, src := range result.Sources {
		perEntity[src.Entity]++
	}
	if perEntity["AAPL"] != 5 || perEntity["MSFT"] != 5 {
		t.Errorf("expected 5 sources per company, got %v", perEntity)
	}
}

func TestPartialEvidenceStillAnswers(t *testing.T) {
	// MSFT has nothing indexed; the turn must still complete with AAPL evidence
	sup := buildPipeline(t, &memRetriever{chunks: evidenceFor("AAPL")})

	result, err := sup.Handle(context.Background(), agent.Request{Query: "Compare Apple and Microsoft revenue growth"})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	perEntity := make(map[types.EntityID]int)
	for _, src := range result.Sources {
		perEntity[src.Entity]++
	}
	if perEntity["AAPL"] != 5 {
		t.Errorf("expected AAPL evidence to survive, got %v", perEntity)
	}
	if perEntity["MSFT"] != 0 {
		t.Errorf("expected no MSFT sources, got %v", perEntity)
	}
}

func TestMultiTurnConversation(t *testing.T) {
	sup := buildPipeline(t, &memRetriever{chunks: evidenceFor("AAPL")})
	ctx := context.Background()

	first, err := sup.Handle(ctx, agent.Request{Query: "What was Apple's revenue growth?"})
	if err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
	if _, err := sup.Handle(ctx, agent.Request{Query: "What drove it?", ThreadID: first.ThreadID}); err != nil {
		t.Fatalf("second turn failed: %v", err)
	}

	chain, err := sup.History(ctx, first.ThreadID)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(chain))
	}
	if chain[0].ParentID != chain[1].ID {
		t.Error("checkpoints must form a parent-linked chain")
	}
	if len(chain[0].Session.Messages) != 4 {
		t.Errorf("latest checkpoint should hold the full conversation, got %d messages", len(chain[0].Session.Messages))
	}
}

func TestUnsupportedCompanyTurn(t *testing.T) {
	sup := buildPipeline(t, &memRetriever{chunks: evidenceFor("AAPL")})

	result, err := sup.Handle(context.Background(), agent.Request{Query: "How is NFLX doing?"})
	if err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	if !strings.Contains(result.Answer.Text(), "NFLX") {
		t.Errorf("answer should name the unsupported ticker: %q", result.Answer.Text())
	}
	if len(result.Sources) != 0 {
		t.Error("unsupported turns must not fabricate sources")
	}
}

func TestStreamedTurnEventMachine(t *testing.T) {
	sup := buildPipeline(t, &memRetriever{chunks: evidenceFor("AAPL", "MSFT")})
	sink := &recordingSink{}

	err := sup.HandleStream(context.Background(), agent.Request{Query: "Compare Apple and Microsoft revenue growth"}, sink)
	if err != nil {
		t.Fatalf("HandleStream failed: %v", err)
	}

	// phase ordering: planning before plan_complete before fetching before
	// any tool event before synthesis before tokens before complete
	phase := map[stream.EventType]int{}
	for i, ev := range sink.events {
		if _, seen := phase[ev.Type]; !seen {
			phase[ev.Type] = i
		}
	}
	order := []stream.EventType{
		stream.EventStepStart, stream.EventPlanComplete,
		stream.EventToolStart, stream.EventToolEnd,
		stream.EventToken, stream.EventComplete,
	}
	for i := 1; i < len(order); i++ {
		if phase[order[i-1]] > phase[order[i]] {
			t.Errorf("%s first seen after %s", order[i-1], order[i])
		}
	}
	last := sink.events[len(sink.events)-1]
	if last.Type != stream.EventComplete {
		t.Fatalf("stream must end with complete, got %s", last.Type)
	}
	if last.SessionID == "" || last.Answer == nil || len(last.Sources) != 10 {
		t.Errorf("complete event should carry session_id, answer and all sources")
	}

	toolEnds := 0
	for _, ev := range sink.events {
		if ev.Type == stream.EventToolEnd {
			toolEnds++
			if ev.Tool == "" {
				t.Error("tool events must name the invoked tool")
			}
		}
	}
	if toolEnds != 2 {
		t.Errorf("expected 2 tool_end events, got %d", toolEnds)
	}
}

func TestConcurrentTurnsOnOneThreadSerialize(t *testing.T) {
	sup := buildPipeline(t, &memRetriever{chunks: evidenceFor("AAPL")})
	ctx := context.Background()

	first, err := sup.Handle(ctx, agent.Request{Query: "What was Apple's revenue growth?"})
	if err != nil {
		t.Fatalf("seed turn failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := sup.Handle(ctx, agent.Request{Query: "What drove Apple's growth?", ThreadID: first.ThreadID}); err != nil {
				t.Errorf("concurrent turn failed: %v", err)
			}
		}()
	}
	wg.Wait()

	messages, err := sup.Messages(ctx, first.ThreadID)
	if err != nil {
		t.Fatalf("Messages failed: %v", err)
	}
	// 5 turns, 2 messages each, no interleaving losses
	if len(messages) != 10 {
		t.Errorf("expected 10 messages after 5 serialized turns, got %d", len(messages))
	}
}
