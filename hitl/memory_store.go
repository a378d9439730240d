package hitl

import (
	"context"
	"sync"
	"time"

	"github.com/loomhq/loom/types"
)

// MemoryStore is an in-memory Store for single-process deployments and
// tests. Resolve is serialized under one mutex, which makes the
// first-decision-wins guarantee trivial.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*types.PermissionRequest
}

// NewMemoryStore creates an empty in-memory permission store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*types.PermissionRequest)}
}

func (s *MemoryStore) Save(ctx context.Context, req *types.PermissionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *req
	s.requests[req.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*types.PermissionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *req
	return &cp, nil
}

func (s *MemoryStore) Resolve(ctx context.Context, id string, status types.PermissionStatus) (*types.PermissionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	if req.Status.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	now := time.Now()
	req.Status = status
	req.ResolvedAt = &now
	cp := *req
	return &cp, nil
}

func (s *MemoryStore) ListPending(ctx context.Context) ([]*types.PermissionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.PermissionRequest
	for _, req := range s.requests {
		if req.Status == types.PermissionPending {
			cp := *req
			out = append(out, &cp)
		}
	}
	return out, nil
}
