// internal/stream/emitter.go
package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/happyahluwalia/filingagent/internal/types"
)

// Sink receives ordered events. Send errors (a dropped SSE connection,
// typically) are returned to the emitter's caller.
type Sink interface {
	Send(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Send(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Emitter pushes pipeline events to a sink while enforcing the event
// order. Out-of-order emissions are programming errors and are rejected;
// events after a terminal complete or error are silently dropped so that
// cleanup paths cannot corrupt an already-finished stream.
type Emitter struct {
	sink Sink

	mu    sync.Mutex
	phase phase
}

func NewEmitter(sink Sink) *Emitter {
	return &Emitter{sink: sink}
}

func (e *Emitter) emit(ctx context.Context, ev Event) error {
	e.mu.Lock()
	if e.phase == phaseDone {
		e.mu.Unlock()
		return nil
	}
	next, ok := allowed(e.phase, ev.Type, ev.Step)
	if !ok {
		cur := e.phase
		e.mu.Unlock()
		return fmt.Errorf("event %s not allowed in phase %d", ev.Type, cur)
	}
	e.phase = next
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return e.sink.Send(ctx, ev)
}

// Done reports whether a terminal event has been emitted.
func (e *Emitter) Done() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase == phaseDone
}

func (e *Emitter) StepStart(ctx context.Context, step Step) error {
	return e.emit(ctx, Event{Type: EventStepStart, Step: step})
}

func (e *Emitter) PlanComplete(ctx context.Context, plan *types.Plan) error {
	return e.emit(ctx, Event{Type: EventPlanComplete, Plan: plan})
}

func (e *Emitter) ToolStart(ctx context.Context, entity types.EntityID, query string) error {
	return e.emit(ctx, Event{Type: EventToolStart, Tool: ToolSearchFilings, Entity: entity, Query: query})
}

func (e *Emitter) ToolEnd(ctx context.Context, entity types.EntityID, chunks int, empty bool) error {
	return e.emit(ctx, Event{Type: EventToolEnd, Tool: ToolSearchFilings, Entity: entity, Chunks: chunks, Empty: empty})
}

func (e *Emitter) Token(ctx context.Context, content string) error {
	return e.emit(ctx, Event{Type: EventToken, Content: content})
}

// Complete emits the terminal complete event with the session id, answer
// and sources at the top level of the wire object.
func (e *Emitter) Complete(ctx context.Context, result *types.AnswerResult) error {
	ev := Event{Type: EventComplete}
	if result != nil {
		ev.SessionID = result.ThreadID
		ev.Answer = &result.Answer
		ev.Sources = result.Sources
	}
	return e.emit(ctx, ev)
}

// Error emits the terminal error event. It may follow any non-terminal
// event and is a no-op once the stream has already finished.
func (e *Emitter) Error(ctx context.Context, msg string) error {
	return e.emit(ctx, Event{Type: EventError, Message: msg})
}

// Discard is a sink that drops everything, for the non-streaming path
// where the supervisor still drives the same pipeline code.
var Discard Sink = SinkFunc(func(context.Context, Event) error { return nil })
