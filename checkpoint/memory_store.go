package checkpoint

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/loomhq/loom/types"
)

// MemoryStore is an in-memory Store for development and tests. Snapshots
// round-trip through JSON on the way in and out so that callers observe
// the same value isolation a durable backend gives them, and so
// serialization failures surface here too.
type MemoryStore struct {
	mu     sync.RWMutex
	chains map[string][]blobRecord          // thread|ns -> chain, oldest first
	writes map[string][]types.PendingWrite  // thread|ns|ckpt -> write log
	closed bool
}

type blobRecord struct {
	id       string
	parentID string
	blob     []byte
}

// NewMemoryStore creates an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chains: make(map[string][]blobRecord),
		writes: make(map[string][]types.PendingWrite),
	}
}

func chainKey(threadID, ns string) string   { return threadID + "|" + ns }
func writeKey(threadID, ns, id string) string { return threadID + "|" + ns + "|" + id }

func (s *MemoryStore) Put(ctx context.Context, req PutRequest) error {
	cp := req.Checkpoint
	if cp.ThreadID == "" || cp.Namespace == "" || cp.ID == "" {
		return ErrInvalidInput
	}

	blob, err := json.Marshal(cp)
	if err != nil {
		return ErrSerialization
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	key := chainKey(cp.ThreadID, cp.Namespace)
	chain := s.chains[key]

	head := ""
	if len(chain) > 0 {
		head = chain[len(chain)-1].id
	}
	if cp.ParentID != head {
		return ErrConflict
	}

	s.chains[key] = append(chain, blobRecord{id: cp.ID, parentID: cp.ParentID, blob: blob})
	if len(req.Writes) > 0 {
		ws := append([]types.PendingWrite(nil), req.Writes...)
		sortWrites(ws)
		s.writes[writeKey(cp.ThreadID, cp.Namespace, cp.ID)] = ws
	}
	return nil
}

func (s *MemoryStore) GetLatest(ctx context.Context, threadID, namespace string) (*types.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	chain := s.chains[chainKey(threadID, namespace)]
	if len(chain) == 0 {
		return nil, ErrNotFound
	}
	return decode(chain[len(chain)-1].blob)
}

func (s *MemoryStore) Get(ctx context.Context, threadID, namespace, checkpointID string) (*types.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	for _, rec := range s.chains[chainKey(threadID, namespace)] {
		if rec.id == checkpointID {
			return decode(rec.blob)
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListWrites(ctx context.Context, threadID, namespace, checkpointID string) ([]types.PendingWrite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	ws := s.writes[writeKey(threadID, namespace, checkpointID)]
	return append([]types.PendingWrite(nil), ws...), nil
}

func (s *MemoryStore) History(ctx context.Context, threadID, namespace string) ([]*types.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}
	chain := s.chains[chainKey(threadID, namespace)]
	out := make([]*types.Checkpoint, 0, len(chain))
	for _, rec := range chain {
		cp, err := decode(rec.blob)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func decode(blob []byte) (*types.Checkpoint, error) {
	var cp types.Checkpoint
	if err := json.Unmarshal(blob, &cp); err != nil {
		return nil, ErrSerialization
	}
	return &cp, nil
}

func sortWrites(ws []types.PendingWrite) {
	sort.SliceStable(ws, func(i, j int) bool {
		if ws[i].TaskID != ws[j].TaskID {
			return ws[i].TaskID < ws[j].TaskID
		}
		return ws[i].Index < ws[j].Index
	})
}
