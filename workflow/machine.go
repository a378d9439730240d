// Package workflow implements the conversation state machine: a registry
// of named nodes executed one step at a time over immutable thread state,
// with a pure routing function choosing the next node and a checkpoint
// committed after every step.
//
// Nodes are pure functions from state to a partial update; the machine
// merges the update under the node's declared namespace, commits the
// checkpoint, and only then runs the next node. A node that raises a
// retryable error is retried with bounded backoff; a fatal error commits
// a failure checkpoint and surfaces to the caller. Suspension happens
// through an explicit node pair: a node returns a SuspendPoint, the
// machine parks at the committed checkpoint, and Resume consumes the
// external decision and continues from the designated resume or fallback
// node.
package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/loomhq/loom/checkpoint"
	"github.com/loomhq/loom/state"
	"github.com/loomhq/loom/types"
)

// RouteComplete is the terminal marker a routing function returns when
// the turn is done.
const RouteComplete = "__complete__"

// NodeFunc is one processing step: pure from the machine's point of view,
// it receives a state snapshot and returns a partial update.
type NodeFunc func(ctx context.Context, st types.ThreadState) (types.StateUpdate, error)

// Node is a registered processing unit.
type Node struct {
	ID        string
	Agent     string
	Namespace string
	Run       NodeFunc
}

// RouteFunc inspects committed state and returns the next node id, or
// RouteComplete when the turn is finished. It must be pure: routing
// decisions are data-driven so replay reproduces them.
type RouteFunc func(st types.ThreadState) string

// RetryConfig bounds per-node retry of recoverable errors.
type RetryConfig struct {
	MaxRetries        int           `yaml:"max_retries" json:"max_retries"`
	InitialBackoff    time.Duration `yaml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff        time.Duration `yaml:"max_backoff" json:"max_backoff"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier" json:"backoff_multiplier"`
}

// DefaultRetryConfig returns the default retry configuration: max 3
// retries with exponential backoff 1s/2s/4s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// CalculateBackoff returns the backoff duration for a retry attempt.
func (c RetryConfig) CalculateBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return c.InitialBackoff
	}
	backoff := c.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * c.BackoffMultiplier)
		if backoff > c.MaxBackoff {
			return c.MaxBackoff
		}
	}
	return backoff
}

// StepEvent is emitted after every committed step. The job worker
// projects these into the client-facing stream.
type StepEvent struct {
	NodeID       string
	Agent        string
	Step         int
	CheckpointID string
	State        types.ThreadState
	Update       types.StateUpdate
	Terminal     types.TerminalStatus
	Err          *types.Error
}

// StepObserver receives step events synchronously, in step order.
type StepObserver func(ev StepEvent)

// RunOptions configures one turn execution.
type RunOptions struct {
	JobID    string
	Observer StepObserver
	// ShouldStop is the cooperative cancellation flag, checked between
	// steps and never mid-step.
	ShouldStop func() bool
}

// RunResult reports how a turn ended.
type RunResult struct {
	Terminal types.TerminalStatus
	State    types.ThreadState
	Head     *types.Checkpoint
	Err      *types.Error
}

// Options configures a Machine.
type Options struct {
	// Namespace is the checkpoint namespace, e.g. "conversation".
	Namespace string
	// Entry is the first node of every turn.
	Entry string
	// Route is the routing function run after each merge.
	Route RouteFunc
	Retry RetryConfig
	// MaxSteps bounds one turn; exceeding it is a fatal routing loop.
	MaxSteps int
	Logger   *zap.Logger
}

// Machine executes a graph of named nodes over thread state. Execution is
// strictly serial per thread: a per-thread lock is held from head read to
// checkpoint commit.
type Machine struct {
	store    checkpoint.Store
	nodes    map[string]Node
	route    RouteFunc
	entry    string
	ns       string
	retry    RetryConfig
	maxSteps int
	logger   *zap.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewMachine creates a state machine over the given checkpoint store.
func NewMachine(store checkpoint.Store, opts Options) *Machine {
	if opts.Namespace == "" {
		opts.Namespace = "conversation"
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = 64
	}
	if opts.Retry == (RetryConfig{}) {
		opts.Retry = DefaultRetryConfig()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Machine{
		store:    store,
		nodes:    make(map[string]Node),
		route:    opts.Route,
		entry:    opts.Entry,
		ns:       opts.Namespace,
		retry:    opts.Retry,
		maxSteps: opts.MaxSteps,
		logger:   opts.Logger.With(zap.String("component", "machine")),
		locks:    make(map[string]*sync.Mutex),
	}
}

// RegisterNode adds a node to the registry. New agents are added by
// registering a node plus a routing predicate, not by editing call chains.
func (m *Machine) RegisterNode(n Node) error {
	if n.ID == "" || n.Run == nil {
		return types.NewError(types.ErrInvalidRequest, "node needs an id and a run func")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.nodes[n.ID]; dup {
		return types.Errorf(types.ErrInvalidRequest, "node %q already registered", n.ID)
	}
	m.nodes[n.ID] = n
	return nil
}

// Namespace returns the checkpoint namespace the machine commits under.
func (m *Machine) Namespace() string { return m.ns }

func (m *Machine) threadLock(threadID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[threadID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[threadID] = l
	}
	return l
}

// Run executes one turn for a thread, starting at the entry node. Shared
// memory and logs from earlier turns are carried over from the head
// checkpoint; turn-scoped fields (query, result, pending, grant) reset.
func (m *Machine) Run(ctx context.Context, threadID, query, mode string, opts RunOptions) RunResult {
	lock := m.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	head, st, err := m.loadHead(ctx, threadID)
	if err != nil {
		return failedResult(st, err)
	}

	st.ThreadID = threadID
	st.Query = query
	st.Mode = mode
	st.Result = nil
	st.Pending = nil
	st.Grant = nil
	st.LastFailure = ""

	// Commit the turn-start checkpoint before any node runs so a crash
	// during the first step recovers into this turn, not the previous one.
	head, cerr := m.commit(ctx, head, st, types.CheckpointMetadata{
		Step:   st.Step,
		NodeID: "turn_start",
		JobID:  opts.JobID,
	})
	if cerr != nil {
		return failedResult(st, cerr)
	}

	return m.loop(ctx, head, st, m.entry, opts)
}

// Resume consumes an external permission decision and continues the
// suspended turn. The caller (the permission gate) guarantees the
// decision is the first and only resolution for the request.
func (m *Machine) Resume(ctx context.Context, threadID, requestID string, decision types.Decision, opts RunOptions) RunResult {
	lock := m.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	head, err := m.store.GetLatest(ctx, threadID, m.ns)
	if err != nil {
		return failedResult(types.ThreadState{}, types.NewError(types.ErrNotFound, "no checkpoint for thread").WithCause(err))
	}
	st := head.State

	if st.Pending == nil || st.Pending.Request == nil || st.Pending.Request.ID != requestID {
		return failedResult(st, types.Errorf(types.ErrStaleRequest,
			"thread %s has no pending permission request %s", threadID, requestID))
	}

	pending := st.Pending
	st.Pending = nil

	var next string
	terminal := types.TerminalStatus("")
	switch decision {
	case types.DecisionApprove:
		st.Grant = &types.Grant{
			OperationType: pending.Request.OperationType,
			RequestID:     requestID,
			GrantedAt:     time.Now(),
		}
		next = pending.ResumeNode
	case types.DecisionDeny:
		// Fallback branch; the gated operation is never invoked.
		next = pending.FallbackNode
	case types.DecisionCancel:
		terminal = types.TerminalCancelled
	default:
		return failedResult(st, types.Errorf(types.ErrInvalidRequest, "invalid decision %q", decision))
	}

	// Record the resolution as its own checkpoint so the decision is part
	// of the replayable history. NextNode carries the chosen branch: a
	// denial leaves no grant and no pending request behind, so recovery
	// from this head cannot re-derive the branch from state alone.
	head, cerr := m.commit(ctx, head, st, types.CheckpointMetadata{
		Step:     st.Step,
		NodeID:   "apply_decision",
		Terminal: terminal,
		JobID:    opts.JobID,
		NextNode: next,
	})
	if cerr != nil {
		return failedResult(st, cerr)
	}

	if terminal == types.TerminalCancelled {
		return RunResult{Terminal: types.TerminalCancelled, State: st, Head: head}
	}
	return m.loop(ctx, head, st, next, opts)
}

// Continue re-enters a turn from its head checkpoint after a process
// restart. A head already marked terminal is returned as-is; a mid-turn
// head resumes at the next routed node, so completed steps never rerun.
func (m *Machine) Continue(ctx context.Context, threadID string, opts RunOptions) RunResult {
	lock := m.threadLock(threadID)
	lock.Lock()
	defer lock.Unlock()

	head, err := m.store.GetLatest(ctx, threadID, m.ns)
	if err != nil {
		return failedResult(types.ThreadState{},
			types.NewError(types.ErrNotFound, "no checkpoint for thread").WithCause(err))
	}
	st := head.State

	switch head.Metadata.Terminal {
	case types.TerminalComplete, types.TerminalFailed, types.TerminalCancelled:
		res := RunResult{Terminal: head.Metadata.Terminal, State: st, Head: head}
		if res.Terminal == types.TerminalFailed {
			res.Err = types.NewError(types.ErrInternalError, head.Metadata.Error)
		}
		return res
	case types.TerminalSuspended:
		return RunResult{Terminal: types.TerminalSuspended, State: st, Head: head}
	}

	next := m.entry
	switch {
	case head.Metadata.NextNode != "":
		// A decision checkpoint already chose the branch; re-enter it
		// rather than re-routing, which would send a denied turn back
		// through the gated node.
		next = head.Metadata.NextNode
	case head.Metadata.NodeID != "turn_start" && head.Metadata.NodeID != "":
		next = m.route(st)
		if next == RouteComplete {
			return RunResult{Terminal: types.TerminalComplete, State: st, Head: head}
		}
	}
	m.logger.Info("continuing interrupted turn",
		zap.String("thread_id", threadID),
		zap.String("next_node", next),
	)
	return m.loop(ctx, head, st, next, opts)
}

// loop advances the machine node by node until a terminal state.
func (m *Machine) loop(ctx context.Context, head *types.Checkpoint, st types.ThreadState, nodeID string, opts RunOptions) RunResult {
	tracer := otel.Tracer("loom/workflow")

	for steps := 0; ; steps++ {
		if steps >= m.maxSteps {
			return m.fail(ctx, head, st, opts, types.Errorf(types.ErrRoutingLoop,
				"turn exceeded %d steps", m.maxSteps))
		}
		if opts.ShouldStop != nil && opts.ShouldStop() {
			// Cooperative, checkpoint-aligned: work committed so far
			// stands, nothing further is committed.
			m.logger.Info("cancellation observed",
				zap.String("thread_id", st.ThreadID),
				zap.String("next_node", nodeID),
			)
			return RunResult{Terminal: types.TerminalCancelled, State: st, Head: head}
		}
		if err := ctx.Err(); err != nil {
			return RunResult{Terminal: types.TerminalCancelled, State: st, Head: head}
		}

		m.mu.Lock()
		node, ok := m.nodes[nodeID]
		m.mu.Unlock()
		if !ok {
			return m.fail(ctx, head, st, opts, types.Errorf(types.ErrInternalError,
				"route returned unknown node %q", nodeID))
		}

		nodeCtx, span := tracer.Start(ctx, "node."+node.ID,
			trace.WithAttributes(
				attribute.String("thread_id", st.ThreadID),
				attribute.Int("step", st.Step),
			))
		update, err := m.runWithRetry(nodeCtx, node, st)
		span.End()
		if err != nil {
			return m.fail(ctx, head, st, opts, asError(err, node.ID))
		}

		merged, err := state.Merge(st, node.Namespace, update)
		if err != nil {
			return m.fail(ctx, head, st, opts, asError(err, node.ID))
		}
		st = merged
		st.Step++

		terminal := types.TerminalStatus("")
		next := ""
		if st.Pending != nil {
			if st.Pending.Request != nil && st.Pending.Request.ID == "" {
				// The request id is part of the suspended checkpoint so a
				// resume after restart still matches it.
				st.Pending.Request.ID = uuid.New().String()
			}
			terminal = types.TerminalSuspended
		} else {
			next = m.route(st)
			if next == RouteComplete {
				terminal = types.TerminalComplete
			}
		}

		newHead, cerr := m.commit(ctx, head, st, types.CheckpointMetadata{
			Step:     st.Step,
			NodeID:   node.ID,
			Terminal: terminal,
			JobID:    opts.JobID,
		}, stepWrites(node.ID, update)...)
		if cerr != nil {
			return failedResult(st, cerr)
		}
		head = newHead

		if opts.Observer != nil {
			opts.Observer(StepEvent{
				NodeID:       node.ID,
				Agent:        node.Agent,
				Step:         st.Step,
				CheckpointID: head.ID,
				State:        st,
				Update:       update,
				Terminal:     terminal,
			})
		}

		switch terminal {
		case types.TerminalSuspended:
			m.logger.Info("turn suspended awaiting permission",
				zap.String("thread_id", st.ThreadID),
				zap.String("request_id", st.Pending.Request.ID),
			)
			return RunResult{Terminal: types.TerminalSuspended, State: st, Head: head}
		case types.TerminalComplete:
			return RunResult{Terminal: types.TerminalComplete, State: st, Head: head}
		}
		nodeID = next
	}
}

// runWithRetry executes a node, retrying recoverable errors with bounded
// backoff. Non-retryable errors are fatal for the turn.
func (m *Machine) runWithRetry(ctx context.Context, node Node, st types.ThreadState) (types.StateUpdate, error) {
	var lastErr error
	for attempt := 0; attempt <= m.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			m.logger.Warn("retrying node",
				zap.String("node", node.ID),
				zap.Int("attempt", attempt),
				zap.Error(lastErr),
			)
			select {
			case <-time.After(m.retry.CalculateBackoff(attempt - 1)):
			case <-ctx.Done():
				return types.StateUpdate{}, ctx.Err()
			}
		}
		update, err := node.Run(ctx, st)
		if err == nil {
			return update, nil
		}
		lastErr = err
		if !types.IsRetryable(err) {
			return types.StateUpdate{}, err
		}
	}
	return types.StateUpdate{}, lastErr
}

// fail commits a checkpoint recording the error and surfaces it; the turn
// is never silently dropped.
func (m *Machine) fail(ctx context.Context, head *types.Checkpoint, st types.ThreadState, opts RunOptions, ferr *types.Error) RunResult {
	st.LastFailure = ferr.Error()
	st.Step++
	newHead, cerr := m.commit(ctx, head, st, types.CheckpointMetadata{
		Step:     st.Step,
		Terminal: types.TerminalFailed,
		JobID:    opts.JobID,
		Error:    ferr.Error(),
	})
	if cerr == nil {
		head = newHead
	} else {
		m.logger.Error("failed to commit failure checkpoint", zap.Error(cerr))
	}

	m.logger.Error("turn failed",
		zap.String("thread_id", st.ThreadID),
		zap.String("code", string(ferr.Code)),
		zap.Error(ferr),
	)
	if opts.Observer != nil {
		opts.Observer(StepEvent{
			Step:         st.Step,
			CheckpointID: head.ID,
			State:        st,
			Terminal:     types.TerminalFailed,
			Err:          ferr,
		})
	}
	return RunResult{Terminal: types.TerminalFailed, State: st, Head: head, Err: ferr}
}

// commit writes the next checkpoint, retrying once through a write
// conflict by re-reading the head (another process advanced the chain).
func (m *Machine) commit(ctx context.Context, head *types.Checkpoint, st types.ThreadState, meta types.CheckpointMetadata, writes ...types.PendingWrite) (*types.Checkpoint, error) {
	parent := ""
	if head != nil {
		parent = head.ID
	}
	cp := types.Checkpoint{
		ThreadID:  st.ThreadID,
		Namespace: m.ns,
		ID:        uuid.New().String(),
		ParentID:  parent,
		State:     st,
		Metadata:  meta,
		CreatedAt: time.Now(),
	}

	err := m.store.Put(ctx, checkpoint.PutRequest{Checkpoint: cp, Writes: writes})
	if errors.Is(err, checkpoint.ErrConflict) {
		// Another writer advanced the chain. Re-read the head and chain
		// onto it; per-thread locking makes this an inter-process case.
		latest, lerr := m.store.GetLatest(ctx, st.ThreadID, m.ns)
		if lerr != nil {
			return nil, types.NewError(types.ErrWriteConflict, "head re-read failed").WithCause(lerr)
		}
		cp.ParentID = latest.ID
		err = m.store.Put(ctx, checkpoint.PutRequest{Checkpoint: cp, Writes: writes})
	}
	if err != nil {
		return nil, types.NewError(types.ErrWriteConflict, "checkpoint commit failed").WithCause(err)
	}
	return &cp, nil
}

func (m *Machine) loadHead(ctx context.Context, threadID string) (*types.Checkpoint, types.ThreadState, error) {
	head, err := m.store.GetLatest(ctx, threadID, m.ns)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		return nil, types.ThreadState{ThreadID: threadID, Memory: make(types.SharedMemory)}, nil
	case errors.Is(err, checkpoint.ErrSerialization):
		// Corrupt state is fatal for this thread only.
		return nil, types.ThreadState{ThreadID: threadID},
			types.NewError(types.ErrStateCorrupt, "head checkpoint unreadable").WithCause(err)
	case err != nil:
		return nil, types.ThreadState{ThreadID: threadID},
			types.NewError(types.ErrInternalError, "head read failed").WithCause(err)
	}
	return head, head.State, nil
}

// stepWrites projects a node's side-channel outputs into the write log so
// they commit atomically with the checkpoint.
func stepWrites(nodeID string, update types.StateUpdate) []types.PendingWrite {
	var writes []types.PendingWrite
	idx := 0
	for _, tc := range update.ToolCalls {
		payload, err := json.Marshal(tc)
		if err != nil {
			continue
		}
		writes = append(writes, types.PendingWrite{
			TaskID: nodeID, Index: idx, Channel: "tool_log", Payload: payload,
		})
		idx++
	}
	if update.Result != nil {
		payload, err := json.Marshal(update.Result)
		if err == nil {
			writes = append(writes, types.PendingWrite{
				TaskID: nodeID, Index: idx, Channel: "result", Payload: payload,
			})
		}
	}
	return writes
}

func failedResult(st types.ThreadState, err error) RunResult {
	terr, ok := err.(*types.Error)
	if !ok {
		terr = types.NewError(types.ErrInternalError, "turn failed").WithCause(err)
	}
	return RunResult{Terminal: types.TerminalFailed, State: st, Err: terr}
}

func asError(err error, nodeID string) *types.Error {
	if terr, ok := err.(*types.Error); ok {
		return terr
	}
	return types.Errorf(types.ErrInternalError, "node %s failed", nodeID).WithCause(err)
}
