// Package agent wires agent profiles into the state machine: a registry
// mapping intents to agents, a data-driven router, and the built-in
// chat/research agent pair. Adding an agent means registering a profile
// and its nodes, not editing routing call chains.
package agent

import (
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/loomhq/loom/types"
)

// Profile describes one registered agent: who it is, which shared-memory
// namespace it owns, and which queries it wants.
type Profile struct {
	ID          string
	Description string
	// Namespace is the agent's own slice of shared memory.
	Namespace string
	// Keywords score intent classification; the profile with the most
	// keyword hits wins.
	Keywords []string
	// Entry is the first node run once this agent is selected.
	Entry string
}

// Registry holds agent profiles and classifies queries to one of them.
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]Profile
	fallback string
	logger   *zap.Logger
}

// NewRegistry creates a registry whose fallback agent handles queries no
// profile claims.
func NewRegistry(fallback string, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		profiles: make(map[string]Profile),
		fallback: fallback,
		logger:   logger.With(zap.String("component", "agent_registry")),
	}
}

// Register adds an agent profile.
func (r *Registry) Register(p Profile) error {
	if p.ID == "" || p.Entry == "" {
		return types.NewError(types.ErrInvalidRequest, "agent profile needs an id and an entry node")
	}
	if p.Namespace == "" {
		p.Namespace = p.ID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.profiles[p.ID]; dup {
		return types.Errorf(types.ErrInvalidRequest, "agent %q already registered", p.ID)
	}
	r.profiles[p.ID] = p
	return nil
}

// Get returns a profile by id.
func (r *Registry) Get(id string) (Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[id]
	return p, ok
}

// Classify selects the agent for a query. An explicit mode naming a
// registered agent wins outright; otherwise keyword scoring decides,
// falling back to the default agent on a scoreless query. Ties break by
// agent id so classification is deterministic under replay.
func (r *Registry) Classify(query, mode string) Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if mode != "" {
		if p, ok := r.profiles[mode]; ok {
			return p
		}
	}

	lowered := strings.ToLower(query)
	ids := make([]string, 0, len(r.profiles))
	for id := range r.profiles {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	best := r.profiles[r.fallback]
	bestScore := 0
	for _, id := range ids {
		p := r.profiles[id]
		score := 0
		for _, kw := range p.Keywords {
			if strings.Contains(lowered, strings.ToLower(kw)) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = p, score
		}
	}

	r.logger.Debug("query classified",
		zap.String("agent", best.ID),
		zap.Int("score", bestScore),
	)
	return best
}
