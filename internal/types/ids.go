// internal/types/ids.go
package types

import (
	"github.com/google/uuid"
)

type ThreadID string
type CheckpointID string
type TurnID string
type EntityID string

func NewThreadID() ThreadID {
	return ThreadID(uuid.New().String())
}

func NewCheckpointID() CheckpointID {
	return CheckpointID(uuid.New().String())
}

func NewTurnID() TurnID {
	return TurnID(uuid.New().String())
}

// ValidThreadID reports whether id is a well-formed thread identifier.
// Thread ids are the sole handle on a conversation, so anything that is
// not UUID-class (guessable, sequential, caller-invented) is rejected.
func ValidThreadID(id ThreadID) bool {
	_, err := uuid.Parse(string(id))
	return err == nil
}
