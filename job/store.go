// Package job implements the background job manager: jobs wrap state
// machine turns so clients can fire a query, poll or stream progress,
// answer permission prompts, and cancel, while the manager enforces
// admission limits and recovers interrupted jobs after a restart.
package job

import (
	"context"
	"errors"
	"time"

	"github.com/loomhq/loom/types"
)

var (
	// ErrJobNotFound means the job id is unknown.
	ErrJobNotFound = errors.New("job: not found")
)

// Store persists job records.
type Store interface {
	Save(ctx context.Context, j *types.Job) error
	Get(ctx context.Context, id string) (*types.Job, error)
	// GetByRequestID finds the job created for an idempotency key.
	GetByRequestID(ctx context.Context, requestID string) (*types.Job, error)
	// List returns jobs in the given statuses; an empty filter returns
	// everything.
	List(ctx context.Context, statuses ...types.JobStatus) ([]*types.Job, error)
	Delete(ctx context.Context, id string) error
	// DeleteTerminalBefore removes terminal jobs whose completion is
	// older than the cutoff, returning the removed ids.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	Stats(ctx context.Context) (*types.JobStats, error)
	Close() error
}
