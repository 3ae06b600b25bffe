// internal/agent/executor.go
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/happyahluwalia/filingagent/internal/stream"
	"github.com/happyahluwalia/filingagent/internal/types"
)

// Executor runs a plan's retrieval tasks. Each entity gets the same
// evidence quota and its own slot in the result, so a thin corpus for one
// company can never crowd out another's evidence.
type Executor struct {
	retriever types.Retriever
	preparer  types.CorpusPreparer
	retry     *RetryPolicy

	topK        int
	minScore    float64
	concurrency int
}

func NewExecutor(retriever types.Retriever, preparer types.CorpusPreparer, retry *RetryPolicy, topK int, minScore float64) *Executor {
	if topK <= 0 {
		topK = 5
	}
	return &Executor{
		retriever:   retriever,
		preparer:    preparer,
		retry:       retry,
		topK:        topK,
		minScore:    minScore,
		concurrency: 4,
	}
}

// Execute fans the plan's tasks out across entities and gathers evidence
// into a per-entity result. An entity with no usable evidence is marked
// empty rather than failing the whole plan; only backend failures that
// survive retries abort execution.
func (e *Executor) Execute(ctx context.Context, plan *types.Plan, em *stream.Emitter) (*types.RetrievalResult, error) {
	result := types.NewRetrievalResult()
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.concurrency)
	for _, step := range plan.Steps {
		g.Go(func() error {
			if err := em.ToolStart(gctx, step.Entity, step.Query); err != nil {
				return err
			}
			chunks, emptyReason, err := e.runStep(gctx, step)
			if err != nil {
				return err
			}
			partial := types.NewRetrievalResult()
			if emptyReason != "" {
				partial.MarkEmpty(step.Entity, emptyReason)
			} else {
				partial.Put(step.Entity, chunks)
			}
			mu.Lock()
			result.Merge(partial)
			mu.Unlock()
			return em.ToolEnd(gctx, step.Entity, len(chunks), emptyReason != "")
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// runStep searches one entity's corpus. On an empty result it prepares the
// corpus once (first-question-about-a-company case) and retries the search
// a single time before declaring the entity empty.
func (e *Executor) runStep(ctx context.Context, step types.PlanStep) ([]types.EvidenceChunk, string, error) {
	req := types.SearchRequest{
		Entity:     step.Entity,
		Query:      step.Query,
		FilingType: step.FilingType,
		Timeframe:  step.Timeframe,
		Limit:      e.topK,
		MinScore:   e.minScore,
	}

	chunks, err := e.search(ctx, req)
	if err != nil {
		return nil, "", err
	}
	if len(chunks) > 0 {
		return chunks, "", nil
	}

	if e.preparer != nil {
		slog.Info("no evidence found, preparing corpus", "ticker", step.Entity, "filing_type", step.FilingType)
		if err := e.preparer.Prepare(ctx, step.Entity, step.FilingType); err != nil {
			slog.Error("corpus preparation failed", "ticker", step.Entity, "error", err)
			return nil, fmt.Sprintf("could not load filings for %s: %v", step.Entity, err), nil
		}
		chunks, err = e.search(ctx, req)
		if err != nil {
			return nil, "", err
		}
		if len(chunks) > 0 {
			return chunks, "", nil
		}
	}
	return nil, (&types.RetrievalEmptyError{Entity: step.Entity}).Error(), nil
}

func (e *Executor) search(ctx context.Context, req types.SearchRequest) ([]types.EvidenceChunk, error) {
	var chunks []types.EvidenceChunk
	err := e.retry.Execute(ctx, func() error {
		var serr error
		chunks, serr = e.retriever.Search(ctx, req)
		return serr
	})
	if err != nil {
		return nil, &types.BackendUnavailableError{Backend: "vector store", Err: err}
	}
	// The retriever applies MinScore server-side; enforce it here too so a
	// lenient backend cannot leak weak evidence into synthesis.
	kept := chunks[:0]
	for _, c := range chunks {
		if c.Score >= req.MinScore {
			kept = append(kept, c)
		}
	}
	if len(kept) > e.topK {
		kept = kept[:e.topK]
	}
	return kept, nil
}
