package hitl

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/types"
)

func newTestGate(t *testing.T, opts Options) *Gate {
	t.Helper()
	return NewGate(NewMemoryStore(), opts)
}

func TestRaiseFillsIdentityAndDeadline(t *testing.T) {
	g := newTestGate(t, Options{TTL: time.Minute})
	req, err := g.Raise(context.Background(), types.PermissionRequest{
		ThreadID:      "t1",
		OperationType: "web_search",
		Justification: "local corpus insufficient",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, req.ID)
	assert.Equal(t, types.PermissionPending, req.Status)
	assert.False(t, req.CreatedAt.IsZero())
	require.NotNil(t, req.ExpiresAt)
	assert.WithinDuration(t, req.CreatedAt.Add(time.Minute), *req.ExpiresAt, time.Second)
}

func TestRaiseRequiresOperationType(t *testing.T) {
	g := newTestGate(t, Options{})
	_, err := g.Raise(context.Background(), types.PermissionRequest{ThreadID: "t1"})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestRespondResolvesOnceAndNotifies(t *testing.T) {
	g := newTestGate(t, Options{})
	ctx := context.Background()

	var gotDecision types.Decision
	g.OnResolved(func(ctx context.Context, req *types.PermissionRequest, d types.Decision) {
		gotDecision = d
	})

	req, err := g.Raise(ctx, types.PermissionRequest{ThreadID: "t1", OperationType: "web_search"})
	require.NoError(t, err)

	resolved, err := g.Respond(ctx, req.ID, types.DecisionApprove)
	require.NoError(t, err)
	assert.Equal(t, types.PermissionApproved, resolved.Status)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, types.DecisionApprove, gotDecision)

	// A second decision, even a different one, is stale.
	_, err = g.Respond(ctx, req.ID, types.DecisionDeny)
	require.Error(t, err)
	assert.Equal(t, types.ErrStaleRequest, types.GetErrorCode(err))

	// The stored status did not change.
	stored, err := g.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PermissionApproved, stored.Status)
}

func TestRespondUnknownRequestIsStale(t *testing.T) {
	g := newTestGate(t, Options{})
	_, err := g.Respond(context.Background(), "nope", types.DecisionApprove)
	require.Error(t, err)
	assert.Equal(t, types.ErrStaleRequest, types.GetErrorCode(err))
}

func TestRespondInvalidDecision(t *testing.T) {
	g := newTestGate(t, Options{})
	req, err := g.Raise(context.Background(), types.PermissionRequest{ThreadID: "t1", OperationType: "web_search"})
	require.NoError(t, err)
	_, err = g.Respond(context.Background(), req.ID, types.Decision("maybe"))
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestConcurrentRespondersExactlyOneWins(t *testing.T) {
	g := newTestGate(t, Options{})
	ctx := context.Background()

	var notified atomic.Int32
	g.OnResolved(func(ctx context.Context, req *types.PermissionRequest, d types.Decision) {
		notified.Add(1)
	})

	req, err := g.Raise(ctx, types.PermissionRequest{ThreadID: "t1", OperationType: "web_search"})
	require.NoError(t, err)

	const responders = 16
	var wins atomic.Int32
	var stale atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < responders; i++ {
		decision := types.DecisionApprove
		if i%2 == 1 {
			decision = types.DecisionDeny
		}
		wg.Add(1)
		go func(d types.Decision) {
			defer wg.Done()
			_, err := g.Respond(ctx, req.ID, d)
			if err == nil {
				wins.Add(1)
				return
			}
			if types.GetErrorCode(err) == types.ErrStaleRequest {
				stale.Add(1)
			}
		}(decision)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(responders-1), stale.Load())
	assert.Equal(t, int32(1), notified.Load(), "resolved callback fires once")
}

func TestExpiredRequestCancelledBySweep(t *testing.T) {
	g := newTestGate(t, Options{TTL: 10 * time.Millisecond})
	ctx := context.Background()

	var gotDecision types.Decision
	g.OnResolved(func(ctx context.Context, req *types.PermissionRequest, d types.Decision) {
		gotDecision = d
	})

	req, err := g.Raise(ctx, types.PermissionRequest{ThreadID: "t1", OperationType: "web_search"})
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	g.sweep(ctx)

	stored, err := g.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PermissionCancelled, stored.Status)
	assert.Equal(t, types.DecisionCancel, gotDecision)

	_, err = g.Respond(ctx, req.ID, types.DecisionApprove)
	require.Error(t, err)
	assert.Equal(t, types.ErrStaleRequest, types.GetErrorCode(err))
}

func TestRespondAfterDeadlineIsStale(t *testing.T) {
	g := newTestGate(t, Options{TTL: 5 * time.Millisecond})
	ctx := context.Background()

	req, err := g.Raise(ctx, types.PermissionRequest{ThreadID: "t1", OperationType: "web_search"})
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	// No sweep has run yet; Respond still refuses and cancels the request.
	_, err = g.Respond(ctx, req.ID, types.DecisionApprove)
	require.Error(t, err)
	assert.Equal(t, types.ErrStaleRequest, types.GetErrorCode(err))

	stored, err := g.Get(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, types.PermissionCancelled, stored.Status)
}

func TestPendingListing(t *testing.T) {
	g := newTestGate(t, Options{})
	ctx := context.Background()

	a, _ := g.Raise(ctx, types.PermissionRequest{ThreadID: "t1", OperationType: "web_search"})
	b, _ := g.Raise(ctx, types.PermissionRequest{ThreadID: "t2", OperationType: "deep_research"})
	_, err := g.Respond(ctx, a.ID, types.DecisionDeny)
	require.NoError(t, err)

	pending, err := g.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, b.ID, pending[0].ID)
}
