// internal/types/interfaces.go
package types

import (
	"context"
)

// CheckpointStore persists conversation state as an append-only chain of
// checkpoints per thread. Implementations must survive process restart;
// an in-memory-only store is not acceptable for production use. The store
// handle is a long-lived injected resource with an explicit Open/Close
// lifecycle, shared across concurrent turns on different threads.
// Concurrent turns on the same thread are a caller error; serialize at
// the supervisor boundary.
type CheckpointStore interface {
	// Open acquires the underlying resource (connection pool, directory)
	// and prepares the schema. Must be called before any other method.
	Open(ctx context.Context) error
	// Close releases the resource. Idempotent.
	Close() error

	// Load returns the latest checkpoint for the thread, or (nil, nil)
	// when the thread has no history yet.
	Load(ctx context.Context, threadID ThreadID) (*Checkpoint, error)

	// Save appends a new checkpoint holding the session snapshot. It never
	// overwrites: a retried Save yields a new checkpoint id. parent is the
	// id of the checkpoint the turn started from ("" for the first turn).
	Save(ctx context.Context, threadID ThreadID, session *Session, parent CheckpointID, metadata map[string]string) (CheckpointID, error)

	// History returns the thread's checkpoints newest-first by walking
	// parent links from the latest.
	History(ctx context.Context, threadID ThreadID) ([]*Checkpoint, error)
}

// SearchRequest describes one similarity search, scoped to a single
// entity so results can never bleed across entities.
type SearchRequest struct {
	Entity     EntityID
	Query      string
	FilingType string
	Timeframe  string
	Limit      int
	MinScore   float64
}

// Retriever is the similarity-search backend over filing chunks. It is a
// black box here: index layout and embedding choice belong to the
// implementation.
type Retriever interface {
	Search(ctx context.Context, req SearchRequest) ([]EvidenceChunk, error)
}

// CorpusPreparer makes an entity's filing corpus searchable. Prepare is
// idempotent: calling it for an already-prepared corpus is cheap and safe.
type CorpusPreparer interface {
	Prepare(ctx context.Context, entity EntityID, filingType string) error
	// FilingInfo returns display metadata for the entity's latest prepared
	// filing, or (nil, nil) when none has been prepared.
	FilingInfo(ctx context.Context, entity EntityID) (*FilingInfo, error)
}
