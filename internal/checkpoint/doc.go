// Package checkpoint provides durable, append-only storage for
// conversation snapshots. Both implementations persist full session
// snapshots chained by parent pointers, so any prior turn's state can be
// reconstructed by walking the chain.
package checkpoint

import "github.com/happyahluwalia/filingagent/internal/types"

// Compile-time interface compliance checks.
var _ types.CheckpointStore = (*FileStore)(nil)
var _ types.CheckpointStore = (*PostgresStore)(nil)
