// internal/agent/supervisor.go
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/happyahluwalia/filingagent/internal/entity"
	"github.com/happyahluwalia/filingagent/internal/history"
	"github.com/happyahluwalia/filingagent/internal/stream"
	"github.com/happyahluwalia/filingagent/internal/types"
	"github.com/happyahluwalia/filingagent/pkg/llm"
)

// Request is one user turn.
type Request struct {
	Query    string
	ThreadID types.ThreadID
	UserID   string
}

// ErrInvalidThreadID reports a session_id that is not a well-formed thread id.
var ErrInvalidThreadID = errors.New("invalid session id")

const chatSystemPrompt = `You are a helpful assistant for questions about public
companies and their SEC filings. Answer briefly. If the user asks a question
that needs filing data, tell them which companies you support and invite them
to ask about those.`

const routerSystemPrompt = `Classify the user's latest message.
Reply with exactly one word:
- "research" if answering it requires looking up SEC filing content
- "chat" for greetings, meta questions, or anything answerable without filings`

// Supervisor owns the turn lifecycle: it serializes turns per thread,
// restores session state from the checkpoint store, routes between the
// research pipeline and direct conversation, and persists exactly one
// checkpoint per completed turn. Pipeline failures are absorbed here and
// answered as labeled degraded turns; only checkpoint-store failures and
// request validation cross the boundary as errors.
type Supervisor struct {
	store       types.CheckpointStore
	planner     *Planner
	executor    *Executor
	synthesizer *Synthesizer
	provider    llm.Provider
	trimmer     *history.Trimmer
	preparer    types.CorpusPreparer
	registry    *entity.Registry
	retry       *RetryPolicy

	sem *semaphore.Weighted

	mu    sync.Mutex
	locks map[types.ThreadID]*sync.Mutex
}

func NewSupervisor(store types.CheckpointStore, planner *Planner, executor *Executor, synthesizer *Synthesizer, provider llm.Provider, trimmer *history.Trimmer, preparer types.CorpusPreparer, registry *entity.Registry, retry *RetryPolicy, maxConcurrentTurns int64) *Supervisor {
	if maxConcurrentTurns <= 0 {
		maxConcurrentTurns = 8
	}
	return &Supervisor{
		store:       store,
		planner:     planner,
		executor:    executor,
		synthesizer: synthesizer,
		provider:    provider,
		trimmer:     trimmer,
		preparer:    preparer,
		registry:    registry,
		retry:       retry,
		sem:         semaphore.NewWeighted(maxConcurrentTurns),
		locks:       make(map[types.ThreadID]*sync.Mutex),
	}
}

func (s *Supervisor) threadLock(id types.ThreadID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Handle runs one turn without streaming.
func (s *Supervisor) Handle(ctx context.Context, req Request) (*types.AnswerResult, error) {
	return s.run(ctx, req, stream.NewEmitter(stream.Discard))
}

// HandleStream runs one turn, pushing ordered events to sink. The terminal
// complete or error event is emitted here; run itself stops short of them.
func (s *Supervisor) HandleStream(ctx context.Context, req Request, sink stream.Sink) error {
	em := stream.NewEmitter(sink)
	result, err := s.run(ctx, req, em)
	if err != nil {
		if errors.Is(err, types.ErrCheckpointUnavailable) {
			return err
		}
		if ctx.Err() != nil {
			// client went away; nothing to tell it
			return ctx.Err()
		}
		if emitErr := em.Error(ctx, userFacingMessage(err)); emitErr != nil {
			slog.Error("failed to emit error event", "error", emitErr)
		}
		return err
	}
	return em.Complete(ctx, result)
}

// degradable reports whether a pipeline failure may be converted into a
// labeled degraded answer at the supervisor boundary. Store failures and
// cancellation stay errors.
func degradable(err error) bool {
	var backend *types.BackendUnavailableError
	var plan *types.PlanValidationError
	return errors.As(err, &backend) || errors.As(err, &plan)
}

// degradedAnswer labels a failed pipeline stage as a partial answer so the
// turn still completes, streams and persists like any other.
func degradedAnswer(cause error) *types.StructuredAnswer {
	return &types.StructuredAnswer{
		Sections:   []types.Section{{Type: types.SectionParagraph, Content: userFacingMessage(cause)}},
		Confidence: types.ConfidenceLow,
		Degraded:   true,
		Note:       "This is a partial answer; the research pipeline did not complete.",
	}
}

// userFacingMessage strips wrapped internals from errors shown to clients.
func userFacingMessage(err error) string {
	var backend *types.BackendUnavailableError
	if errors.As(err, &backend) {
		return fmt.Sprintf("the %s backend is unavailable, please try again shortly", backend.Backend)
	}
	var pve *types.PlanValidationError
	if errors.As(err, &pve) {
		return "could not work out a research plan for that question, try rephrasing it"
	}
	if errors.Is(err, history.ErrMessageTooLarge) {
		return "that message is too long, please shorten it"
	}
	if errors.Is(err, ErrInvalidThreadID) {
		return "invalid session id"
	}
	return "something went wrong handling that question"
}

// run executes one turn up to, but not including, the terminal event.
func (s *Supervisor) run(ctx context.Context, req Request, em *stream.Emitter) (*types.AnswerResult, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, errors.New("empty query")
	}

	threadID := req.ThreadID
	if threadID == "" {
		threadID = types.NewThreadID()
	} else if !types.ValidThreadID(threadID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidThreadID, threadID)
	}

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer s.sem.Release(1)

	lock := s.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	session, parent, err := s.restore(ctx, threadID, req.UserID)
	if err != nil {
		return nil, err
	}

	session.Append(types.RoleUser, query)
	trimmed, err := s.trimmer.TrimToBudget(session.Messages)
	if err != nil {
		return nil, err
	}
	// prior turns only; the new query travels separately
	priorTurns := trimmed[:len(trimmed)-1]

	answer, sources, filings, err := s.answer(ctx, query, priorTurns, em)
	if err != nil {
		if ctx.Err() != nil || !degradable(err) {
			return nil, err
		}
		slog.Warn("pipeline failed, answering degraded", "thread_id", threadID, "error", err)
		answer, sources, filings = degradedAnswer(err), nil, nil
		if serr := em.StepStart(ctx, stream.StepSynthesis); serr != nil {
			return nil, serr
		}
		if terr := em.Token(ctx, answer.Sections[0].Content); terr != nil {
			return nil, terr
		}
	}

	session.Append(types.RoleAssistant, answer.Text())
	metadata := map[string]string{"turn_id": string(types.NewTurnID())}
	if _, err := s.store.Save(ctx, threadID, session, parent, metadata); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCheckpointUnavailable, err)
	}

	return &types.AnswerResult{
		Query:    query,
		ThreadID: threadID,
		Answer:   *answer,
		Sources:  sources,
		Filings:  filings,
	}, nil
}

// restore loads the thread's latest checkpoint, or starts a fresh session
// when the thread has none.
func (s *Supervisor) restore(ctx context.Context, threadID types.ThreadID, userID string) (*types.Session, types.CheckpointID, error) {
	cp, err := s.store.Load(ctx, threadID)
	if err != nil {
		return nil, "", fmt.Errorf("%w: %v", types.ErrCheckpointUnavailable, err)
	}
	if cp == nil {
		return types.NewSession(threadID, userID), "", nil
	}
	return cp.Session.Clone(), cp.ID, nil
}

// answer routes the turn and produces the structured answer plus its
// supporting payloads.
func (s *Supervisor) answer(ctx context.Context, query string, priorTurns []types.Message, em *stream.Emitter) (*types.StructuredAnswer, []types.SourceRef, map[types.EntityID]types.FilingInfo, error) {
	detected, derr := s.registry.Detect(query)
	var unsupported *types.UnsupportedEntityError
	if derr != nil {
		if !errors.As(derr, &unsupported) {
			return nil, nil, nil, derr
		}
		answer, err := s.unsupportedAnswer(ctx, unsupported, em)
		return answer, nil, nil, err
	}

	research := len(detected) > 0
	if !research {
		verdict, err := s.route(ctx, query, priorTurns)
		if err != nil {
			return nil, nil, nil, err
		}
		research = verdict
	}
	if !research {
		answer, err := s.chat(ctx, query, priorTurns, em)
		return answer, nil, nil, err
	}
	return s.research(ctx, query, priorTurns, em)
}

// route asks the model whether the turn needs filing research. Only called
// when entity detection was inconclusive.
func (s *Supervisor) route(ctx context.Context, query string, priorTurns []types.Message) (bool, error) {
	messages := []llm.Message{{Role: "system", Content: routerSystemPrompt}}
	for _, m := range priorTurns {
		messages = append(messages, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: query})

	var verdict string
	err := s.retry.Execute(ctx, func() error {
		resp, cerr := s.provider.Complete(ctx, messages)
		if cerr != nil {
			return cerr
		}
		verdict = strings.ToLower(strings.TrimSpace(resp.Content))
		return nil
	})
	if err != nil {
		return false, &types.BackendUnavailableError{Backend: "llm", Err: err}
	}
	return strings.Contains(verdict, "research"), nil
}

// research runs the full plan/fetch/synthesize pipeline.
func (s *Supervisor) research(ctx context.Context, query string, priorTurns []types.Message, em *stream.Emitter) (*types.StructuredAnswer, []types.SourceRef, map[types.EntityID]types.FilingInfo, error) {
	if err := em.StepStart(ctx, stream.StepPlanning); err != nil {
		return nil, nil, nil, err
	}
	plan, err := s.planner.Plan(ctx, query, priorTurns)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := em.PlanComplete(ctx, plan); err != nil {
		return nil, nil, nil, err
	}

	if err := em.StepStart(ctx, stream.StepFetching); err != nil {
		return nil, nil, nil, err
	}
	result, err := s.executor.Execute(ctx, plan, em)
	if err != nil {
		return nil, nil, nil, err
	}

	if err := em.StepStart(ctx, stream.StepSynthesis); err != nil {
		return nil, nil, nil, err
	}
	answer, err := s.synthesizer.Synthesize(ctx, query, priorTurns, result, em)
	if err != nil {
		if ctx.Err() != nil || !degradable(err) {
			return nil, nil, nil, err
		}
		// evidence was gathered; return it under a labeled partial answer
		slog.Warn("synthesis failed, answering from retrieval only", "error", err)
		answer = degradedAnswer(err)
		if terr := em.Token(ctx, answer.Sections[0].Content); terr != nil {
			return nil, nil, nil, terr
		}
	}

	return answer, types.SourcesFrom(result), s.filingInfo(ctx, result), nil
}

// filingInfo collects display metadata for every entity that contributed
// evidence. Lookup failures degrade to a missing entry, never a turn error.
func (s *Supervisor) filingInfo(ctx context.Context, result *types.RetrievalResult) map[types.EntityID]types.FilingInfo {
	if s.preparer == nil {
		return nil
	}
	filings := make(map[types.EntityID]types.FilingInfo)
	for _, e := range result.Entities() {
		if _, empty := result.EmptyReason(e); empty {
			continue
		}
		info, err := s.preparer.FilingInfo(ctx, e)
		if err != nil {
			slog.Warn("filing info lookup failed", "ticker", e, "error", err)
			continue
		}
		if info != nil {
			filings[e] = *info
		}
	}
	if len(filings) == 0 {
		return nil
	}
	return filings
}

// chat answers a conversational turn directly, without retrieval. The
// synthesis step is announced only once the completion succeeds, so a
// backend failure here degrades from a clean stream position.
func (s *Supervisor) chat(ctx context.Context, query string, priorTurns []types.Message, em *stream.Emitter) (*types.StructuredAnswer, error) {
	messages := []llm.Message{{Role: "system", Content: chatSystemPrompt}}
	for _, m := range priorTurns {
		messages = append(messages, llm.Message{Role: string(m.Role), Content: m.Content})
	}
	messages = append(messages, llm.Message{Role: "user", Content: query})

	var content string
	err := s.retry.Execute(ctx, func() error {
		resp, cerr := s.provider.Complete(ctx, messages)
		if cerr != nil {
			return cerr
		}
		content = resp.Content
		return nil
	})
	if err != nil {
		return nil, &types.BackendUnavailableError{Backend: "llm", Err: err}
	}
	if err := em.StepStart(ctx, stream.StepSynthesis); err != nil {
		return nil, err
	}
	if err := em.Token(ctx, content); err != nil {
		return nil, err
	}
	return &types.StructuredAnswer{
		Sections:   []types.Section{{Type: types.SectionParagraph, Content: content}},
		Confidence: types.ConfidenceHigh,
	}, nil
}

// unsupportedAnswer explains, without a model call, that the named
// companies are outside the corpus.
func (s *Supervisor) unsupportedAnswer(ctx context.Context, uerr *types.UnsupportedEntityError, em *stream.Emitter) (*types.StructuredAnswer, error) {
	if err := em.StepStart(ctx, stream.StepSynthesis); err != nil {
		return nil, err
	}

	tickers := make([]string, 0, len(s.registry.All()))
	for _, c := range s.registry.All() {
		tickers = append(tickers, fmt.Sprintf("%s (%s)", c.Ticker, c.Name))
	}
	content := fmt.Sprintf(
		"I don't have filings for %s. I can answer questions about: %s.",
		strings.Join(uerr.Names, ", "), strings.Join(tickers, ", "))

	if err := em.Token(ctx, content); err != nil {
		return nil, err
	}
	return &types.StructuredAnswer{
		Sections:    []types.Section{{Type: types.SectionParagraph, Content: content}},
		Confidence:  types.ConfidenceHigh,
		MissingData: uerr.Names,
	}, nil
}

// Messages returns a thread's conversation as of its latest checkpoint.
func (s *Supervisor) Messages(ctx context.Context, threadID types.ThreadID) ([]types.Message, error) {
	if !types.ValidThreadID(threadID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidThreadID, threadID)
	}
	cp, err := s.store.Load(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCheckpointUnavailable, err)
	}
	if cp == nil {
		return nil, nil
	}
	return cp.Session.Messages, nil
}

// History returns a thread's checkpoint chain, newest first.
func (s *Supervisor) History(ctx context.Context, threadID types.ThreadID) ([]*types.Checkpoint, error) {
	if !types.ValidThreadID(threadID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidThreadID, threadID)
	}
	cps, err := s.store.History(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCheckpointUnavailable, err)
	}
	return cps, nil
}
