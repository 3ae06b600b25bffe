// internal/stream/events.go
package stream

import "github.com/happyahluwalia/filingagent/internal/types"

// EventType identifies a streamed pipeline event.
type EventType string

const (
	EventStepStart    EventType = "step_start"
	EventPlanComplete EventType = "plan_complete"
	EventToolStart    EventType = "tool_start"
	EventToolEnd      EventType = "tool_end"
	EventToken        EventType = "token"
	EventComplete     EventType = "complete"
	EventError        EventType = "error"
)

// Step names a pipeline phase announced by a step_start event.
type Step string

const (
	StepPlanning  Step = "planning"
	StepFetching  Step = "fetching"
	StepSynthesis Step = "synthesis"
)

// ToolSearchFilings names the retrieval tool on tool_start/tool_end events.
const ToolSearchFilings = "search_filings"

// Event is one streamed update. Fields beyond Type are populated per
// event kind and omitted from the wire encoding when empty.
type Event struct {
	Type EventType `json:"type"`

	// step_start
	Step Step `json:"step,omitempty"`

	// plan_complete
	Plan *types.Plan `json:"plan,omitempty"`

	// tool_start / tool_end
	Tool   string         `json:"tool,omitempty"`
	Entity types.EntityID `json:"ticker,omitempty"`
	Query  string         `json:"query,omitempty"`
	Chunks int            `json:"chunks,omitempty"`
	Empty  bool           `json:"empty,omitempty"`

	// token
	Content string `json:"content,omitempty"`

	// complete
	SessionID types.ThreadID          `json:"session_id,omitempty"`
	Answer    *types.StructuredAnswer `json:"answer,omitempty"`
	Sources   []types.SourceRef       `json:"sources,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

// phase tracks where the emitter is in the event machine. Phases only
// ever advance; the transition table below rejects anything else.
type phase int

const (
	phaseStart phase = iota
	phasePlanning
	phasePlanned
	phaseFetching
	phaseSynthesis
	phaseDone
)

// allowed reports whether an event of type t (with step s, for
// step_start) may be emitted from phase p, and the phase it moves to.
func allowed(p phase, t EventType, s Step) (phase, bool) {
	// A terminal error may interrupt any non-done phase.
	if t == EventError && p != phaseDone {
		return phaseDone, true
	}
	switch p {
	case phaseStart:
		if t == EventStepStart {
			switch s {
			case StepPlanning:
				return phasePlanning, true
			case StepSynthesis:
				// conversational turns skip planning and retrieval
				return phaseSynthesis, true
			}
		}
	case phasePlanning:
		switch t {
		case EventPlanComplete:
			return phasePlanned, true
		case EventStepStart:
			if s == StepSynthesis {
				// a degraded turn jumps straight to its answer
				return phaseSynthesis, true
			}
		}
	case phasePlanned:
		if t == EventStepStart {
			switch s {
			case StepFetching:
				return phaseFetching, true
			case StepSynthesis:
				return phaseSynthesis, true
			}
		}
	case phaseFetching:
		switch t {
		case EventToolStart, EventToolEnd:
			return phaseFetching, true
		case EventStepStart:
			if s == StepSynthesis {
				return phaseSynthesis, true
			}
		}
	case phaseSynthesis:
		switch t {
		case EventToken:
			return phaseSynthesis, true
		case EventComplete:
			return phaseDone, true
		}
	}
	return p, false
}
