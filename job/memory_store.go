package job

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/loomhq/loom/types"
)

// MemoryStore is an in-memory job store for single-process deployments
// and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*types.Job
}

// NewMemoryStore creates an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: make(map[string]*types.Job)}
}

func (s *MemoryStore) Save(ctx context.Context, j *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.Clone(), nil
}

func (s *MemoryStore) GetByRequestID(ctx context.Context, requestID string) (*types.Job, error) {
	if requestID == "" {
		return nil, ErrJobNotFound
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, j := range s.jobs {
		if j.RequestID == requestID {
			return j.Clone(), nil
		}
	}
	return nil, ErrJobNotFound
}

func (s *MemoryStore) List(ctx context.Context, statuses ...types.JobStatus) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Job
	for _, j := range s.jobs {
		if len(statuses) == 0 || containsStatus(statuses, j.Status) {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	delete(s.jobs, id)
	return nil
}

func (s *MemoryStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed []string
	for id, j := range s.jobs {
		if j.IsTerminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed = append(removed, id)
		}
	}
	return removed, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (*types.JobStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &types.JobStats{StatusCounts: make(map[types.JobStatus]int64)}
	for _, j := range s.jobs {
		stats.Total++
		stats.StatusCounts[j.Status]++
	}
	return stats, nil
}

func (s *MemoryStore) Close() error { return nil }

func containsStatus(statuses []types.JobStatus, status types.JobStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
