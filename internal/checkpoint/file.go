// internal/checkpoint/file.go
package checkpoint

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/happyahluwalia/filingagent/internal/types"
)

// FileStore is a JSONL-backed checkpoint store. Each thread gets an
// append-only log at threads/<threadID>/checkpoints.jsonl; one line per
// checkpoint. Suitable for development and single-node deployments: it
// survives process restart, which an in-memory store would not.
type FileStore struct {
	root  string
	mu    sync.Mutex
	locks map[types.ThreadID]*sync.Mutex
}

// NewFileStore creates a file-backed store rooted at the given directory.
func NewFileStore(root string) *FileStore {
	return &FileStore{
		root:  root,
		locks: make(map[types.ThreadID]*sync.Mutex),
	}
}

// Open creates the root directory.
func (s *FileStore) Open(_ context.Context) error {
	if err := os.MkdirAll(filepath.Join(s.root, "threads"), 0o755); err != nil {
		return fmt.Errorf("create threads dir: %w", err)
	}
	return nil
}

// Close is a no-op for the file store.
func (s *FileStore) Close() error { return nil }

// getLock returns the per-thread mutex, creating one if it doesn't exist.
func (s *FileStore) getLock(threadID types.ThreadID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lock, ok := s.locks[threadID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[threadID] = lock
	return lock
}

func (s *FileStore) logPath(threadID types.ThreadID) string {
	return filepath.Join(s.root, "threads", string(threadID), "checkpoints.jsonl")
}

// readAll loads every checkpoint in the thread's log. A torn final line
// (crash mid-append) is skipped, which leaves the prior checkpoint as the
// visible state, so a half-written checkpoint is never observable.
func (s *FileStore) readAll(threadID types.ThreadID) ([]*types.Checkpoint, error) {
	f, err := os.Open(s.logPath(threadID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open checkpoint log: %w", err)
	}
	defer f.Close()

	var out []*types.Checkpoint
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var cp types.Checkpoint
		if err := json.Unmarshal(scanner.Bytes(), &cp); err != nil {
			continue
		}
		out = append(out, &cp)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan checkpoint log: %w", err)
	}
	return out, nil
}

// Load returns the latest checkpoint for the thread, or (nil, nil) when
// the thread has no history.
func (s *FileStore) Load(_ context.Context, threadID types.ThreadID) (*types.Checkpoint, error) {
	lock := s.getLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	all, err := s.readAll(threadID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}
	return all[len(all)-1], nil
}

// Save appends a new checkpoint. The session is deep-copied before
// serialization so later mutation of the caller's session cannot alter the
// persisted snapshot.
func (s *FileStore) Save(_ context.Context, threadID types.ThreadID, session *types.Session, parent types.CheckpointID, metadata map[string]string) (types.CheckpointID, error) {
	lock := s.getLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	cp := &types.Checkpoint{
		ThreadID:  threadID,
		ID:        types.NewCheckpointID(),
		ParentID:  parent,
		CreatedAt: time.Now().UTC(),
		Session:   session.Clone(),
		Metadata:  metadata,
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}

	path := s.logPath(threadID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create thread dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open checkpoint log: %w", err)
	}
	defer f.Close()

	data = append(data, '\n')
	if _, err := f.Write(data); err != nil {
		return "", fmt.Errorf("write checkpoint: %w", err)
	}
	if err := f.Sync(); err != nil {
		return "", fmt.Errorf("sync checkpoint log: %w", err)
	}
	return cp.ID, nil
}

// History returns the thread's checkpoints newest-first by walking parent
// links from the latest.
func (s *FileStore) History(_ context.Context, threadID types.ThreadID) ([]*types.Checkpoint, error) {
	lock := s.getLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	all, err := s.readAll(threadID)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}

	byID := make(map[types.CheckpointID]*types.Checkpoint, len(all))
	for _, cp := range all {
		byID[cp.ID] = cp
	}

	var chain []*types.Checkpoint
	for cp := all[len(all)-1]; cp != nil; cp = byID[cp.ParentID] {
		chain = append(chain, cp)
		if cp.ParentID == "" {
			break
		}
	}
	return chain, nil
}
