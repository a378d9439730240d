// Package checkpoint provides durable, append-only persistence for
// conversation state snapshots.
//
// Checkpoints for a (thread_id, namespace) pair form a parent chain with
// exactly one head. A Put commits the checkpoint row and its companion
// write-log entries atomically: a partially written step is never
// observable. Writers must name the current head as the parent; a Put
// against a stale head is rejected with ErrConflict and the caller
// re-reads the head and retries the step.
//
// Supported backends:
//   - Memory: for development and testing (default)
//   - SQL via GORM: sqlite, postgres, or mysql for durable deployments
//   - Redis: for distributed deployments
package checkpoint

import (
	"context"
	"errors"

	"github.com/loomhq/loom/types"
)

// Common errors.
var (
	ErrNotFound      = errors.New("checkpoint not found")
	ErrConflict      = errors.New("checkpoint write conflict: head advanced")
	ErrSerialization = errors.New("checkpoint serialization failed")
	ErrStoreClosed   = errors.New("checkpoint store is closed")
	ErrInvalidInput  = errors.New("invalid checkpoint input")
)

// PutRequest is one atomic commit unit: the checkpoint plus any pending
// per-step writes.
type PutRequest struct {
	Checkpoint types.Checkpoint
	Writes     []types.PendingWrite
}

// Store is the checkpoint persistence contract.
type Store interface {
	// Put commits a checkpoint and its write log atomically. The
	// checkpoint's ParentID must equal the current head's ID (or be empty
	// when the chain is empty); otherwise Put fails with ErrConflict and
	// nothing is written.
	Put(ctx context.Context, req PutRequest) error

	// GetLatest returns the most recent fully-committed checkpoint for
	// the thread, or ErrNotFound when the chain is empty.
	GetLatest(ctx context.Context, threadID, namespace string) (*types.Checkpoint, error)

	// Get returns a specific checkpoint by id.
	Get(ctx context.Context, threadID, namespace, checkpointID string) (*types.Checkpoint, error)

	// ListWrites returns the write log of a checkpoint ordered by
	// (task_id, index).
	ListWrites(ctx context.Context, threadID, namespace, checkpointID string) ([]types.PendingWrite, error)

	// History returns the chain for a thread ordered oldest first.
	History(ctx context.Context, threadID, namespace string) ([]*types.Checkpoint, error)

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close closes the store and releases resources.
	Close() error
}

// Backend selects a store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendSQL    Backend = "sql"
	BackendRedis  Backend = "redis"
)
