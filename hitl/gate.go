// Package hitl implements the permission gate: the human-in-the-loop
// control point for costly or sensitive operations. A node that wants to
// run a gated operation raises a PermissionRequest, the turn suspends at
// a committed checkpoint, and the gate accepts exactly one external
// decision per request. Late or duplicate decisions are rejected as
// stale; requests past their deadline are resolved as cancelled by the
// expiry sweeper, terminating the suspended turn.
package hitl

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/loomhq/loom/types"
)

var (
	// ErrNotFound means the request id is unknown to the store.
	ErrNotFound = errors.New("hitl: permission request not found")
	// ErrAlreadyResolved means the request already received its one
	// decision.
	ErrAlreadyResolved = errors.New("hitl: permission request already resolved")
)

// Store persists permission requests. Resolve must be atomic: the first
// caller wins, every later caller gets ErrAlreadyResolved.
type Store interface {
	Save(ctx context.Context, req *types.PermissionRequest) error
	Get(ctx context.Context, id string) (*types.PermissionRequest, error)
	// Resolve transitions a pending request to the terminal status and
	// returns the resolved request.
	Resolve(ctx context.Context, id string, status types.PermissionStatus) (*types.PermissionRequest, error)
	ListPending(ctx context.Context) ([]*types.PermissionRequest, error)
}

// ResolvedFunc is invoked after a request is resolved, with the winning
// decision. The job manager uses it to resume the suspended turn.
type ResolvedFunc func(ctx context.Context, req *types.PermissionRequest, decision types.Decision)

// Options configures a Gate.
type Options struct {
	// TTL is how long a request stays answerable. Zero means requests
	// never expire.
	TTL time.Duration
	// SweepInterval is how often the expiry sweeper scans pending
	// requests. Only meaningful when TTL is set.
	SweepInterval time.Duration
	Logger        *zap.Logger
}

// Gate raises and resolves permission requests with exactly-once
// decision semantics.
type Gate struct {
	store      Store
	ttl        time.Duration
	sweepEvery time.Duration
	logger     *zap.Logger

	mu         sync.RWMutex
	onResolved ResolvedFunc
}

// NewGate creates a permission gate backed by the given store.
func NewGate(store Store, opts Options) *Gate {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 10 * time.Second
	}
	return &Gate{
		store:      store,
		ttl:        opts.TTL,
		sweepEvery: opts.SweepInterval,
		logger:     opts.Logger.With(zap.String("component", "permission_gate")),
	}
}

// OnResolved registers the callback invoked after each resolution,
// including expiry denials.
func (g *Gate) OnResolved(fn ResolvedFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onResolved = fn
}

// Raise registers a new pending permission request and returns it with
// its id, timestamps and deadline filled in.
func (g *Gate) Raise(ctx context.Context, req types.PermissionRequest) (*types.PermissionRequest, error) {
	if req.OperationType == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "permission request needs an operation type")
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	req.Status = types.PermissionPending
	req.CreatedAt = time.Now()
	if g.ttl > 0 {
		deadline := req.CreatedAt.Add(g.ttl)
		req.ExpiresAt = &deadline
	}
	if err := g.store.Save(ctx, &req); err != nil {
		return nil, types.NewError(types.ErrInternalError, "failed to persist permission request").WithCause(err)
	}
	g.logger.Info("permission request raised",
		zap.String("request_id", req.ID),
		zap.String("thread_id", req.ThreadID),
		zap.String("operation", req.OperationType),
	)
	return &req, nil
}

// Get returns a request by id.
func (g *Gate) Get(ctx context.Context, id string) (*types.PermissionRequest, error) {
	req, err := g.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "permission request %s not found", id)
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "permission lookup failed").WithCause(err)
	}
	return req, nil
}

// Pending lists every unresolved request.
func (g *Gate) Pending(ctx context.Context) ([]*types.PermissionRequest, error) {
	return g.store.ListPending(ctx)
}

// Respond applies an external decision to a pending request. The first
// decision wins; any later decision, and any decision on an unknown or
// expired request, fails with a stale-request error. On success the
// resolved callback fires synchronously before Respond returns.
func (g *Gate) Respond(ctx context.Context, id string, decision types.Decision) (*types.PermissionRequest, error) {
	if !decision.Valid() {
		return nil, types.Errorf(types.ErrInvalidRequest, "invalid decision %q", decision)
	}

	req, err := g.store.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, types.Errorf(types.ErrStaleRequest, "permission request %s not found", id)
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "permission lookup failed").WithCause(err)
	}
	if req.ExpiresAt != nil && time.Now().After(*req.ExpiresAt) && req.Status == types.PermissionPending {
		// The sweeper owns expired requests; a respond racing it loses.
		g.expire(ctx, req)
		return nil, types.Errorf(types.ErrStaleRequest, "permission request %s expired", id)
	}

	resolved, err := g.store.Resolve(ctx, id, decision.Status())
	if errors.Is(err, ErrAlreadyResolved) {
		return nil, types.Errorf(types.ErrStaleRequest,
			"permission request %s already resolved as %s", id, req.Status)
	}
	if errors.Is(err, ErrNotFound) {
		return nil, types.Errorf(types.ErrStaleRequest, "permission request %s not found", id)
	}
	if err != nil {
		return nil, types.NewError(types.ErrInternalError, "permission resolve failed").WithCause(err)
	}

	g.logger.Info("permission request resolved",
		zap.String("request_id", id),
		zap.String("decision", string(decision)),
	)
	g.notify(ctx, resolved, decision)
	return resolved, nil
}

// RunSweeper cancels pending requests past their deadline until the
// context is cancelled. Intended to run as a background goroutine.
func (g *Gate) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(g.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweep(ctx)
		}
	}
}

func (g *Gate) sweep(ctx context.Context) {
	pending, err := g.store.ListPending(ctx)
	if err != nil {
		g.logger.Warn("expiry sweep failed to list pending requests", zap.Error(err))
		return
	}
	now := time.Now()
	for _, req := range pending {
		if req.ExpiresAt != nil && now.After(*req.ExpiresAt) {
			g.expire(ctx, req)
		}
	}
}

// expire resolves a timed-out request as cancelled, which terminates the
// suspended turn. Losing the race with a concurrent Respond is fine: the
// store guarantees exactly one winner.
func (g *Gate) expire(ctx context.Context, req *types.PermissionRequest) {
	resolved, err := g.store.Resolve(ctx, req.ID, types.PermissionCancelled)
	if err != nil {
		return
	}
	g.logger.Info("permission request expired, cancelled",
		zap.String("request_id", req.ID),
		zap.String("thread_id", req.ThreadID),
	)
	g.notify(ctx, resolved, types.DecisionCancel)
}

func (g *Gate) notify(ctx context.Context, req *types.PermissionRequest, decision types.Decision) {
	g.mu.RLock()
	fn := g.onResolved
	g.mu.RUnlock()
	if fn != nil {
		fn(ctx, req, decision)
	}
}
