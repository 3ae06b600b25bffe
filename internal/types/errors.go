// internal/types/errors.go
package types

import (
	"errors"
	"fmt"
	"strings"
)

// ErrCheckpointUnavailable marks checkpoint-store failures. This is the
// one error class that crosses the supervisor boundary: a turn whose state
// cannot be persisted aborts as a service error instead of returning a
// user-visible answer.
var ErrCheckpointUnavailable = errors.New("checkpoint store unavailable")

// UnsupportedEntityError reports a query about companies outside the
// supported set. Reported to the user, never retried.
type UnsupportedEntityError struct {
	Names []string
}

func (e *UnsupportedEntityError) Error() string {
	if len(e.Names) == 0 {
		return "query references an unsupported company"
	}
	return fmt.Sprintf("unsupported company: %s", strings.Join(e.Names, ", "))
}

// PlanValidationError reports a structurally invalid plan after the
// planner's internal retry was exhausted.
type PlanValidationError struct {
	Reason string
}

func (e *PlanValidationError) Error() string {
	return "invalid plan: " + e.Reason
}

// RetrievalEmptyError reports that one entity yielded no qualifying
// evidence. Scoped to the entity; the turn continues for the others.
type RetrievalEmptyError struct {
	Entity EntityID
}

func (e *RetrievalEmptyError) Error() string {
	return fmt.Sprintf("no qualifying evidence for %s", e.Entity)
}

// SynthesisValidationError reports a structured answer that failed
// validation after retry; the turn falls back to plain text.
type SynthesisValidationError struct {
	Reason string
}

func (e *SynthesisValidationError) Error() string {
	return "invalid structured answer: " + e.Reason
}

// BackendUnavailableError wraps transient retrieval/completion backend
// failures that survived bounded retries.
type BackendUnavailableError struct {
	Backend string
	Err     error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("%s backend unavailable: %v", e.Backend, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }
