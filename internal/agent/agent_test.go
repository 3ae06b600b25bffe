package agent

import (
	"context"
	"sync"
	"time"

	"github.com/happyahluwalia/filingagent/internal/stream"
	"github.com/happyahluwalia/filingagent/internal/types"
	"github.com/happyahluwalia/filingagent/pkg/llm"
)

// stubProvider scripts the LLM. Each function field may be nil when a test
// never reaches that path.
type stubProvider struct {
	completeFn   func(messages []llm.Message) (*llm.Response, error)
	structuredFn func(messages []llm.Message, schema llm.Schema) (*llm.Response, error)
	streamFn     func(messages []llm.Message) (<-chan llm.Delta, error)

	mu              sync.Mutex
	structuredCalls int
	completeCalls   int
}

func (p *stubProvider) Complete(_ context.Context, messages []llm.Message) (*llm.Response, error) {
	p.mu.Lock()
	p.completeCalls++
	p.mu.Unlock()
	return p.completeFn(messages)
}

func (p *stubProvider) CompleteStructured(_ context.Context, messages []llm.Message, schema llm.Schema) (*llm.Response, error) {
	p.mu.Lock()
	p.structuredCalls++
	p.mu.Unlock()
	return p.structuredFn(messages, schema)
}

func (p *stubProvider) Stream(_ context.Context, messages []llm.Message) (<-chan llm.Delta, error) {
	return p.streamFn(messages)
}

// stubRetriever serves canned evidence per entity.
type stubRetriever struct {
	chunks map[types.EntityID][]types.EvidenceChunk
	err    error

	mu       sync.Mutex
	searches []types.SearchRequest
}

func (r *stubRetriever) Search(_ context.Context, req types.SearchRequest) ([]types.EvidenceChunk, error) {
	r.mu.Lock()
	r.searches = append(r.searches, req)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.chunks[req.Entity], nil
}

// stubPreparer records Prepare calls and can populate the retriever when
// invoked, mimicking on-demand ingestion.
type stubPreparer struct {
	onPrepare func(entity types.EntityID, filingType string) error
	info      map[types.EntityID]*types.FilingInfo

	mu       sync.Mutex
	prepared []types.EntityID
}

func (p *stubPreparer) Prepare(_ context.Context, entity types.EntityID, filingType string) error {
	p.mu.Lock()
	p.prepared = append(p.prepared, entity)
	p.mu.Unlock()
	if p.onPrepare != nil {
		return p.onPrepare(entity, filingType)
	}
	return nil
}

func (p *stubPreparer) FilingInfo(_ context.Context, entity types.EntityID) (*types.FilingInfo, error) {
	return p.info[entity], nil
}

// collectSink records emitted events for order assertions.
type collectSink struct {
	mu     sync.Mutex
	events []stream.Event
}

func (s *collectSink) Send(_ context.Context, ev stream.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *collectSink) kinds() []stream.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stream.EventType, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Type
	}
	return out
}

// fastRetry keeps test retries instant.
func fastRetry() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
}

func chunk(entity types.EntityID, text string, score float64) types.EvidenceChunk {
	return types.EvidenceChunk{
		ID:    string(entity) + "-" + text,
		Text:  text,
		Score: score,
		Source: types.SourceMeta{
			Entity:     entity,
			FilingType: "10-K",
			Section:    "Item 7",
			ReportDate: "2024-09-28",
		},
	}
}
