package job

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/hitl"
	"github.com/loomhq/loom/stream"
	"github.com/loomhq/loom/types"
	"github.com/loomhq/loom/workflow"
)

// stubEngine scripts machine behavior per call.
type stubEngine struct {
	run      func(ctx context.Context, threadID, query, mode string, opts workflow.RunOptions) workflow.RunResult
	resume   func(ctx context.Context, threadID, requestID string, decision types.Decision, opts workflow.RunOptions) workflow.RunResult
	cont     func(ctx context.Context, threadID string, opts workflow.RunOptions) workflow.RunResult
	runCalls atomic.Int32
}

func (s *stubEngine) Run(ctx context.Context, threadID, query, mode string, opts workflow.RunOptions) workflow.RunResult {
	s.runCalls.Add(1)
	return s.run(ctx, threadID, query, mode, opts)
}

func (s *stubEngine) Resume(ctx context.Context, threadID, requestID string, decision types.Decision, opts workflow.RunOptions) workflow.RunResult {
	return s.resume(ctx, threadID, requestID, decision, opts)
}

func (s *stubEngine) Continue(ctx context.Context, threadID string, opts workflow.RunOptions) workflow.RunResult {
	return s.cont(ctx, threadID, opts)
}

func completeResult(content string) workflow.RunResult {
	return workflow.RunResult{
		Terminal: types.TerminalComplete,
		State: types.ThreadState{
			Result: &types.TurnResult{Content: content, AgentID: "research"},
		},
	}
}

type harness struct {
	manager *Manager
	engine  *stubEngine
	gate    *hitl.Gate
	gateway *stream.Gateway
	store   *MemoryStore
}

func newHarness(t *testing.T, engine *stubEngine, cfg Config) *harness {
	t.Helper()
	gate := hitl.NewGate(hitl.NewMemoryStore(), hitl.Options{})
	gateway := stream.NewGateway(stream.Options{})
	store := NewMemoryStore()
	m := NewManager(engine, gate, gateway, store, nil, cfg, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return &harness{manager: m, engine: engine, gate: gate, gateway: gateway, store: store}
}

func waitForStatus(t *testing.T, h *harness, jobID string, status types.JobStatus) *types.Job {
	t.Helper()
	var job *types.Job
	require.Eventually(t, func() bool {
		j, err := h.manager.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Status == status
	}, 3*time.Second, 5*time.Millisecond)
	return job
}

func drain(t *testing.T, h *harness, jobID string) []types.StreamEvent {
	t.Helper()
	ch, cancel, err := h.gateway.Subscribe(context.Background(), jobID, 0)
	require.NoError(t, err)
	defer cancel()
	var out []types.StreamEvent
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("stream did not close, got %d events", len(out))
		}
	}
}

func TestStartRunsToCompletion(t *testing.T) {
	content := strings.Repeat("the answer ", 40)
	engine := &stubEngine{
		run: func(ctx context.Context, threadID, query, mode string, opts workflow.RunOptions) workflow.RunResult {
			return completeResult(content)
		},
	}
	h := newHarness(t, engine, Config{DeltaChunkSize: 16})

	job, err := h.manager.Start(context.Background(), StartRequest{Query: "q"})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ThreadID, "thread id assigned when omitted")
	assert.Equal(t, types.JobQueued, job.Status)

	done := waitForStatus(t, h, job.ID, types.JobCompleted)
	require.NotNil(t, done.Result)
	assert.Equal(t, content, done.Result.Content)
	assert.NotNil(t, done.StartedAt)
	assert.NotNil(t, done.CompletedAt)

	events := drain(t, h, job.ID)
	var rebuilt strings.Builder
	var sawComplete bool
	lastSeq := int64(0)
	for _, ev := range events {
		require.Greater(t, ev.Seq, lastSeq, "seq strictly increases")
		lastSeq = ev.Seq
		switch ev.Type {
		case types.EventContentDelta:
			rebuilt.WriteString(ev.Delta)
		case types.EventComplete:
			sawComplete = true
			require.NotNil(t, ev.Result)
			assert.Equal(t, content, ev.Result.Content)
		}
	}
	assert.True(t, sawComplete)
	assert.Equal(t, content, rebuilt.String(), "concatenated deltas equal final content")
}

func TestStartRequiresQuery(t *testing.T) {
	h := newHarness(t, &stubEngine{}, Config{})
	_, err := h.manager.Start(context.Background(), StartRequest{})
	require.Error(t, err)
	assert.Equal(t, types.ErrInvalidRequest, types.GetErrorCode(err))
}

func TestStartIdempotentOnRequestID(t *testing.T) {
	engine := &stubEngine{
		run: func(ctx context.Context, threadID, query, mode string, opts workflow.RunOptions) workflow.RunResult {
			return completeResult("ok")
		},
	}
	h := newHarness(t, engine, Config{})

	first, err := h.manager.Start(context.Background(), StartRequest{Query: "q", RequestID: "key-1"})
	require.NoError(t, err)
	waitForStatus(t, h, first.ID, types.JobCompleted)

	second, err := h.manager.Start(context.Background(), StartRequest{Query: "q", RequestID: "key-1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, int32(1), engine.runCalls.Load(), "machine ran once")
}

func TestQueueFullRejectsOverloaded(t *testing.T) {
	release := make(chan struct{})
	engine := &stubEngine{
		run: func(ctx context.Context, threadID, query, mode string, opts workflow.RunOptions) workflow.RunResult {
			<-release
			return completeResult("ok")
		},
	}
	h := newHarness(t, engine, Config{MaxConcurrent: 1, MaxQueued: 1})
	defer close(release)
	ctx := context.Background()

	first, err := h.manager.Start(ctx, StartRequest{Query: "a"})
	require.NoError(t, err)
	waitForStatus(t, h, first.ID, types.JobRunning)

	_, err = h.manager.Start(ctx, StartRequest{Query: "b"})
	require.NoError(t, err, "one job may wait in the queue")

	_, err = h.manager.Start(ctx, StartRequest{Query: "c"})
	require.Error(t, err)
	assert.Equal(t, types.ErrOverloaded, types.GetErrorCode(err))
	assert.True(t, types.IsRetryable(err))
}

func TestRateLimitRejectsOverloaded(t *testing.T) {
	engine := &stubEngine{
		run: func(ctx context.Context, threadID, query, mode string, opts workflow.RunOptions) workflow.RunResult {
			return completeResult("ok")
		},
	}
	h := newHarness(t, engine, Config{RatePerSecond: 0.001, RateBurst: 1})
	ctx := context.Background()

	_, err := h.manager.Start(ctx, StartRequest{Query: "a"})
	require.NoError(t, err)
	_, err = h.manager.Start(ctx, StartRequest{Query: "b"})
	require.Error(t, err)
	assert.Equal(t, types.ErrOverloaded, types.GetErrorCode(err))
}

func TestCancelRunningJobStopsAtBoundary(t *testing.T) {
	started := make(chan struct{})
	engine := &stubEngine{
		run: func(ctx context.Context, threadID, query, mode string, opts workflow.RunOptions) workflow.RunResult {
			close(started)
			for !opts.ShouldStop() {
				time.Sleep(time.Millisecond)
			}
			return workflow.RunResult{Terminal: types.TerminalCancelled}
		},
	}
	h := newHarness(t, engine, Config{})
	ctx := context.Background()

	job, err := h.manager.Start(ctx, StartRequest{Query: "q"})
	require.NoError(t, err)
	<-started

	_, err = h.manager.Cancel(ctx, job.ID)
	require.NoError(t, err)
	waitForStatus(t, h, job.ID, types.JobCancelled)

	events := drain(t, h, job.ID)
	last := events[len(events)-1]
	assert.Equal(t, types.EventError, last.Type)
	require.NotNil(t, last.Error)
	assert.Equal(t, types.ErrCancelled, last.Error.Code)
}

func TestCancelTerminalJobIsNoop(t *testing.T) {
	engine := &stubEngine{
		run: func(ctx context.Context, threadID, query, mode string, opts workflow.RunOptions) workflow.RunResult {
			return completeResult("ok")
		},
	}
	h := newHarness(t, engine, Config{})
	job, err := h.manager.Start(context.Background(), StartRequest{Query: "q"})
	require.NoError(t, err)
	waitForStatus(t, h, job.ID, types.JobCompleted)

	got, err := h.manager.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobCompleted, got.Status)
}

func suspendedResult(threadID, requestID string) workflow.RunResult {
	return workflow.RunResult{
		Terminal: types.TerminalSuspended,
		State: types.ThreadState{
			ThreadID: threadID,
			Pending: &types.SuspendPoint{
				Request: &types.PermissionRequest{
					ID:            requestID,
					ThreadID:      threadID,
					OperationType: "web_search",
					Justification: "need fresher sources",
					Status:        types.PermissionPending,
				},
				ResumeNode:   "research.web",
				FallbackNode: "research.synthesize",
			},
		},
	}
}

func TestPermissionFlowApprove(t *testing.T) {
	engine := &stubEngine{
		run: func(ctx context.Context, threadID, query, mode string, opts workflow.RunOptions) workflow.RunResult {
			return suspendedResult(threadID, "req-1")
		},
		resume: func(ctx context.Context, threadID, requestID string, decision types.Decision, opts workflow.RunOptions) workflow.RunResult {
			if decision != types.DecisionApprove || requestID != "req-1" {
				return workflow.RunResult{Terminal: types.TerminalFailed,
					Err: types.NewError(types.ErrInternalError, "unexpected resume")}
			}
			return completeResult("web answer")
		},
	}
	h := newHarness(t, engine, Config{})
	ctx := context.Background()

	job, err := h.manager.Start(ctx, StartRequest{Query: "q"})
	require.NoError(t, err)
	waitForStatus(t, h, job.ID, types.JobAwaitingInput)

	pending, err := h.gate.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, job.ID, pending[0].JobID)
	assert.Equal(t, "req-1", pending[0].ID)

	_, err = h.gate.Respond(ctx, "req-1", types.DecisionApprove)
	require.NoError(t, err)

	done := waitForStatus(t, h, job.ID, types.JobCompleted)
	assert.Equal(t, "web answer", done.Result.Content)

	events := drain(t, h, job.ID)
	var sawPermission, sawAwaiting, sawComplete bool
	for _, ev := range events {
		switch ev.Type {
		case types.EventPermissionRequest:
			sawPermission = true
		case types.EventCompleteAwaitingInput:
			sawAwaiting = true
		case types.EventComplete:
			sawComplete = true
		}
	}
	assert.True(t, sawPermission)
	assert.True(t, sawAwaiting)
	assert.True(t, sawComplete)
}

// instantRespondStore answers a permission request the moment the gate
// persists it, modeling the fastest possible external responder.
type instantRespondStore struct {
	hitl.Store
	respond func(id string)
}

func (s *instantRespondStore) Save(ctx context.Context, req *types.PermissionRequest) error {
	if err := s.Store.Save(ctx, req); err != nil {
		return err
	}
	if s.respond != nil {
		s.respond(req.ID)
	}
	return nil
}

// A decision can land as soon as the request is listed, possibly before
// the suspending worker finishes bookkeeping. The job must still resume
// exactly once; the decision is never dropped.
func TestDecisionRacingSuspendStillResumes(t *testing.T) {
	var resumes atomic.Int32
	engine := &stubEngine{
		run: func(ctx context.Context, threadID, query, mode string, opts workflow.RunOptions) workflow.RunResult {
			return suspendedResult(threadID, "req-1")
		},
		resume: func(ctx context.Context, threadID, requestID string, decision types.Decision, opts workflow.RunOptions) workflow.RunResult {
			resumes.Add(1)
			return completeResult("web answer")
		},
	}

	hstore := &instantRespondStore{Store: hitl.NewMemoryStore()}
	gate := hitl.NewGate(hstore, hitl.Options{})
	gateway := stream.NewGateway(stream.Options{})
	store := NewMemoryStore()
	m := NewManager(engine, gate, gateway, store, nil, Config{}, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	h := &harness{manager: m, engine: engine, gate: gate, gateway: gateway, store: store}

	respondErr := make(chan error, 1)
	hstore.respond = func(id string) {
		_, err := gate.Respond(context.Background(), id, types.DecisionApprove)
		respondErr <- err
	}

	job, err := m.Start(context.Background(), StartRequest{Query: "q"})
	require.NoError(t, err)

	done := waitForStatus(t, h, job.ID, types.JobCompleted)
	assert.Equal(t, "web answer", done.Result.Content)
	assert.Equal(t, int32(1), resumes.Load())
	require.NoError(t, <-respondErr, "the immediate decision was accepted, not stale")
}

func TestCancelAwaitingInputResolvesPermission(t *testing.T) {
	engine := &stubEngine{
		run: func(ctx context.Context, threadID, query, mode string, opts workflow.RunOptions) workflow.RunResult {
			return suspendedResult(threadID, "req-1")
		},
		resume: func(ctx context.Context, threadID, requestID string, decision types.Decision, opts workflow.RunOptions) workflow.RunResult {
			if decision == types.DecisionCancel {
				return workflow.RunResult{Terminal: types.TerminalCancelled}
			}
			return completeResult("x")
		},
	}
	h := newHarness(t, engine, Config{})
	ctx := context.Background()

	job, err := h.manager.Start(ctx, StartRequest{Query: "q"})
	require.NoError(t, err)
	waitForStatus(t, h, job.ID, types.JobAwaitingInput)

	_, err = h.manager.Cancel(ctx, job.ID)
	require.NoError(t, err)
	waitForStatus(t, h, job.ID, types.JobCancelled)

	// The permission request is terminally resolved; a late approve is
	// stale.
	_, err = h.gate.Respond(ctx, "req-1", types.DecisionApprove)
	require.Error(t, err)
	assert.Equal(t, types.ErrStaleRequest, types.GetErrorCode(err))
}

func TestDuplicateDecisionDoesNotResumeTwice(t *testing.T) {
	var resumes atomic.Int32
	engine := &stubEngine{
		run: func(ctx context.Context, threadID, query, mode string, opts workflow.RunOptions) workflow.RunResult {
			return suspendedResult(threadID, "req-1")
		},
		resume: func(ctx context.Context, threadID, requestID string, decision types.Decision, opts workflow.RunOptions) workflow.RunResult {
			resumes.Add(1)
			return completeResult("once")
		},
	}
	h := newHarness(t, engine, Config{})
	ctx := context.Background()

	job, err := h.manager.Start(ctx, StartRequest{Query: "q"})
	require.NoError(t, err)
	waitForStatus(t, h, job.ID, types.JobAwaitingInput)

	_, err = h.gate.Respond(ctx, "req-1", types.DecisionApprove)
	require.NoError(t, err)
	_, err = h.gate.Respond(ctx, "req-1", types.DecisionDeny)
	require.Error(t, err)

	waitForStatus(t, h, job.ID, types.JobCompleted)
	assert.Equal(t, int32(1), resumes.Load())
}

func TestRecoverRequeuesInterruptedJobs(t *testing.T) {
	engine := &stubEngine{
		run: func(ctx context.Context, threadID, query, mode string, opts workflow.RunOptions) workflow.RunResult {
			return completeResult("fresh run")
		},
		cont: func(ctx context.Context, threadID string, opts workflow.RunOptions) workflow.RunResult {
			return completeResult("continued")
		},
	}
	h := newHarness(t, engine, Config{})
	ctx := context.Background()

	// Seed the store as a crashed manager would have left it.
	started := time.Now().Add(-time.Minute)
	queued := &types.Job{ID: "j-queued", ThreadID: "t1", Query: "a",
		Status: types.JobQueued, CreatedAt: started, UpdatedAt: started}
	running := &types.Job{ID: "j-running", ThreadID: "t2", Query: "b",
		Status: types.JobRunning, CreatedAt: started, UpdatedAt: started, StartedAt: &started}
	require.NoError(t, h.store.Save(ctx, queued))
	require.NoError(t, h.store.Save(ctx, running))

	require.NoError(t, h.manager.Recover(ctx))

	done := waitForStatus(t, h, "j-queued", types.JobCompleted)
	assert.Equal(t, "fresh run", done.Result.Content)
	done = waitForStatus(t, h, "j-running", types.JobCompleted)
	assert.Equal(t, "continued", done.Result.Content, "interrupted job resumed from its checkpoint")
}

func TestStatsCountsByStatus(t *testing.T) {
	engine := &stubEngine{
		run: func(ctx context.Context, threadID, query, mode string, opts workflow.RunOptions) workflow.RunResult {
			return completeResult("ok")
		},
	}
	h := newHarness(t, engine, Config{})
	ctx := context.Background()

	job, err := h.manager.Start(ctx, StartRequest{Query: "q"})
	require.NoError(t, err)
	waitForStatus(t, h, job.ID, types.JobCompleted)

	stats, err := h.manager.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Total)
	assert.Equal(t, int64(1), stats.StatusCounts[types.JobCompleted])
}

func TestSnapshotReflectsCurrentStatus(t *testing.T) {
	engine := &stubEngine{
		run: func(ctx context.Context, threadID, query, mode string, opts workflow.RunOptions) workflow.RunResult {
			return completeResult("ok")
		},
	}
	h := newHarness(t, engine, Config{})
	job, err := h.manager.Start(context.Background(), StartRequest{Query: "q"})
	require.NoError(t, err)
	waitForStatus(t, h, job.ID, types.JobCompleted)

	snap := h.manager.Snapshot(job.ID)
	require.NotNil(t, snap)
	assert.Equal(t, types.EventStatus, snap.Type)
	assert.Equal(t, string(types.JobCompleted), snap.Phase)

	assert.Nil(t, h.manager.Snapshot("missing"))
}
