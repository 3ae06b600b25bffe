// internal/checkpoint/postgres.go
package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/happyahluwalia/filingagent/internal/types"
)

// PostgresStore persists checkpoints in two tables: `checkpoints` holds
// the serialized session snapshots keyed by (thread_id, checkpoint_ns,
// checkpoint_id) with parent pointers, and `checkpoint_writes` records the
// per-turn write log used for crash recovery auditing. Rows are only ever
// inserted, never updated; each Save is one transaction, so a reader
// observes either the prior chain tip or the full new checkpoint.
type PostgresStore struct {
	dsn       string
	namespace string
	db        *sql.DB
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id            TEXT        NOT NULL,
	checkpoint_ns        TEXT        NOT NULL DEFAULT '',
	checkpoint_id        TEXT        NOT NULL,
	parent_checkpoint_id TEXT,
	checkpoint           BYTEA       NOT NULL,
	metadata             JSONB       NOT NULL DEFAULT '{}'::jsonb,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id)
);
CREATE INDEX IF NOT EXISTS checkpoints_thread_created
	ON checkpoints (thread_id, checkpoint_ns, created_at DESC);
CREATE TABLE IF NOT EXISTS checkpoint_writes (
	thread_id     TEXT  NOT NULL,
	checkpoint_ns TEXT  NOT NULL DEFAULT '',
	checkpoint_id TEXT  NOT NULL,
	idx           INT   NOT NULL,
	channel       TEXT  NOT NULL,
	value         BYTEA,
	PRIMARY KEY (thread_id, checkpoint_ns, checkpoint_id, idx)
);`

// NewPostgresStore creates a store for the given DSN. Open must be called
// before use.
func NewPostgresStore(dsn string) *PostgresStore {
	return &PostgresStore{dsn: dsn, namespace: ""}
}

// Open establishes the connection pool and ensures the schema exists.
func (s *PostgresStore) Open(ctx context.Context) error {
	db, err := sql.Open("postgres", s.dsn)
	if err != nil {
		return fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return fmt.Errorf("ensure checkpoint schema: %w", err)
	}
	s.db = db
	return nil
}

// Ping reports whether the database is reachable.
func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("postgres store not open")
	}
	return s.db.PingContext(ctx)
}

// Close releases the connection pool. Idempotent.
func (s *PostgresStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *PostgresStore) scanCheckpoint(threadID types.ThreadID, id, parent sql.NullString, payload []byte, meta []byte, createdAt time.Time) (*types.Checkpoint, error) {
	var session types.Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint payload: %w", err)
	}
	cp := &types.Checkpoint{
		ThreadID:  threadID,
		ID:        types.CheckpointID(id.String),
		CreatedAt: createdAt,
		Session:   &session,
	}
	if parent.Valid {
		cp.ParentID = types.CheckpointID(parent.String)
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &cp.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal checkpoint metadata: %w", err)
		}
	}
	return cp, nil
}

// Load returns the latest checkpoint for the thread, or (nil, nil) when
// the thread has no history.
func (s *PostgresStore) Load(ctx context.Context, threadID types.ThreadID) (*types.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT checkpoint_id, parent_checkpoint_id, checkpoint, metadata, created_at
		FROM checkpoints
		WHERE thread_id = $1 AND checkpoint_ns = $2
		ORDER BY created_at DESC, checkpoint_id DESC
		LIMIT 1`, string(threadID), s.namespace)

	var id, parent sql.NullString
	var payload, meta []byte
	var createdAt time.Time
	if err := row.Scan(&id, &parent, &payload, &meta, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return s.scanCheckpoint(threadID, id, parent, payload, meta, createdAt)
}

// Save appends a new checkpoint row plus its write-log entry in one
// transaction.
func (s *PostgresStore) Save(ctx context.Context, threadID types.ThreadID, session *types.Session, parent types.CheckpointID, metadata map[string]string) (types.CheckpointID, error) {
	payload, err := json.Marshal(session)
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}

	id := types.NewCheckpointID()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	var parentArg any
	if parent != "" {
		parentArg = string(parent)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, checkpoint_ns, checkpoint_id, parent_checkpoint_id, checkpoint, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		string(threadID), s.namespace, string(id), parentArg, payload, meta); err != nil {
		return "", fmt.Errorf("insert checkpoint: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoint_writes (thread_id, checkpoint_ns, checkpoint_id, idx, channel, value)
		VALUES ($1, $2, $3, 0, 'session', $4)`,
		string(threadID), s.namespace, string(id), payload); err != nil {
		return "", fmt.Errorf("insert checkpoint write: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit save: %w", err)
	}
	return id, nil
}

// History returns the thread's checkpoints newest-first by walking parent
// links from the latest.
func (s *PostgresStore) History(ctx context.Context, threadID types.ThreadID) ([]*types.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT checkpoint_id, parent_checkpoint_id, checkpoint, metadata, created_at
		FROM checkpoints
		WHERE thread_id = $1 AND checkpoint_ns = $2
		ORDER BY created_at ASC, checkpoint_id ASC`, string(threadID), s.namespace)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var all []*types.Checkpoint
	byID := make(map[types.CheckpointID]*types.Checkpoint)
	for rows.Next() {
		var id, parent sql.NullString
		var payload, meta []byte
		var createdAt time.Time
		if err := rows.Scan(&id, &parent, &payload, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		cp, err := s.scanCheckpoint(threadID, id, parent, payload, meta, createdAt)
		if err != nil {
			return nil, err
		}
		all = append(all, cp)
		byID[cp.ID] = cp
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	if len(all) == 0 {
		return nil, nil
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
