package job

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/loomhq/loom/hitl"
	"github.com/loomhq/loom/internal/metrics"
	"github.com/loomhq/loom/stream"
	"github.com/loomhq/loom/types"
	"github.com/loomhq/loom/workflow"
)

// Engine is the slice of the state machine the manager drives.
type Engine interface {
	Run(ctx context.Context, threadID, query, mode string, opts workflow.RunOptions) workflow.RunResult
	Resume(ctx context.Context, threadID, requestID string, decision types.Decision, opts workflow.RunOptions) workflow.RunResult
	Continue(ctx context.Context, threadID string, opts workflow.RunOptions) workflow.RunResult
}

// Config bounds the manager.
type Config struct {
	// MaxConcurrent is how many jobs execute at once; further accepted
	// jobs wait in the queue.
	MaxConcurrent int `yaml:"max_concurrent" json:"max_concurrent"`
	// MaxQueued caps accepted-but-not-running jobs; past it submissions
	// are rejected as overloaded.
	MaxQueued int `yaml:"max_queued" json:"max_queued"`
	// RatePerSecond throttles admissions; zero disables the limiter.
	RatePerSecond float64 `yaml:"rate_per_second" json:"rate_per_second"`
	RateBurst     int     `yaml:"rate_burst" json:"rate_burst"`
	// Retention is how long terminal jobs stay queryable.
	Retention       time.Duration `yaml:"retention" json:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval" json:"cleanup_interval"`
	// DeltaChunkSize is the content split size for streamed deltas.
	DeltaChunkSize int `yaml:"delta_chunk_size" json:"delta_chunk_size"`
}

// DefaultConfig returns the default manager limits.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:   4,
		MaxQueued:       64,
		Retention:       24 * time.Hour,
		CleanupInterval: time.Minute,
		DeltaChunkSize:  256,
	}
}

func (c *Config) withDefaults() {
	d := DefaultConfig()
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = d.MaxConcurrent
	}
	if c.MaxQueued <= 0 {
		c.MaxQueued = d.MaxQueued
	}
	if c.Retention <= 0 {
		c.Retention = d.Retention
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
	if c.DeltaChunkSize <= 0 {
		c.DeltaChunkSize = d.DeltaChunkSize
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
}

// StartRequest is a client submission.
type StartRequest struct {
	ThreadID string `json:"thread_id,omitempty"`
	Query    string `json:"query"`
	Mode     string `json:"mode,omitempty"`
	// RequestID is the client idempotency key: resubmitting the same key
	// returns the original job instead of starting a duplicate.
	RequestID string `json:"request_id,omitempty"`
}

type execution struct {
	stop atomic.Bool
}

// Manager owns the job lifecycle: admission, execution over the state
// machine, permission wiring, cooperative cancellation, restart
// recovery, and retention cleanup.
type Manager struct {
	engine  Engine
	gate    *hitl.Gate
	gateway *stream.Gateway
	store   Store
	metrics *metrics.Collector
	cfg     Config
	logger  *zap.Logger

	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu      sync.Mutex
	pending int
	execs   map[string]*execution

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewManager wires a manager over its collaborators and registers
// itself as the gate's resolution sink and the gateway's snapshot
// source.
func NewManager(engine Engine, gate *hitl.Gate, gateway *stream.Gateway, store Store, collector *metrics.Collector, cfg Config, logger *zap.Logger) *Manager {
	cfg.withDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		engine:  engine,
		gate:    gate,
		gateway: gateway,
		store:   store,
		metrics: collector,
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "job_manager")),
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		execs:   make(map[string]*execution),
		baseCtx: ctx,
		cancel:  cancel,
	}
	if cfg.RatePerSecond > 0 {
		m.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RateBurst)
	}
	gate.OnResolved(m.onPermissionResolved)
	gateway.SetSnapshot(m.Snapshot)
	return m
}

// Start admits a job and schedules it. Admission fails fast with an
// overloaded error when the rate limit or queue cap is hit; the work is
// never silently dropped.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*types.Job, error) {
	if req.Query == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "query is required")
	}
	if existing, err := m.store.GetByRequestID(ctx, req.RequestID); err == nil {
		m.logger.Debug("idempotent resubmission",
			zap.String("request_id", req.RequestID),
			zap.String("job_id", existing.ID),
		)
		return existing, nil
	}

	if m.limiter != nil && !m.limiter.Allow() {
		m.recordRejected("rate_limited")
		return nil, types.NewError(types.ErrOverloaded, "submission rate limit exceeded").WithRetryable(true)
	}

	m.mu.Lock()
	if m.pending >= m.cfg.MaxQueued {
		m.mu.Unlock()
		m.recordRejected("queue_full")
		return nil, types.NewError(types.ErrOverloaded, "job queue is full").WithRetryable(true)
	}
	m.pending++
	m.mu.Unlock()

	threadID := req.ThreadID
	if threadID == "" {
		threadID = uuid.New().String()
	}
	now := time.Now()
	job := &types.Job{
		ID:        uuid.New().String(),
		ThreadID:  threadID,
		Query:     req.Query,
		Mode:      req.Mode,
		Status:    types.JobQueued,
		RequestID: req.RequestID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.store.Save(ctx, job); err != nil {
		m.mu.Lock()
		m.pending--
		m.mu.Unlock()
		return nil, types.NewError(types.ErrInternalError, "failed to persist job").WithCause(err)
	}

	if m.metrics != nil {
		m.metrics.RecordJobSubmitted()
	}
	m.publish(job.ID, stream.Status("queued", ""))
	m.spawn(job.ID, func(ctx context.Context, exec *execution) workflow.RunResult {
		return m.engine.Run(ctx, job.ThreadID, job.Query, job.Mode,
			m.runOptions(job.ID, exec))
	})

	m.logger.Info("job accepted",
		zap.String("job_id", job.ID),
		zap.String("thread_id", job.ThreadID),
	)
	return job.Clone(), nil
}

// Get returns a job snapshot.
func (m *Manager) Get(ctx context.Context, jobID string) (*types.Job, error) {
	job, err := m.store.Get(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return nil, types.Errorf(types.ErrNotFound, "job %s not found", jobID)
	}
	return job, err
}

// Stats returns per-status job counts.
func (m *Manager) Stats(ctx context.Context) (*types.JobStats, error) {
	return m.store.Stats(ctx)
}

// Cancel requests cooperative cancellation. A queued or running job
// stops at the next step boundary; a job awaiting input has its pending
// permission resolved as cancelled; a terminal job is returned as-is.
func (m *Manager) Cancel(ctx context.Context, jobID string) (*types.Job, error) {
	job, err := m.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.IsTerminal() {
		return job, nil
	}

	switch job.Status {
	case types.JobAwaitingInput:
		req, ok := m.pendingRequestFor(ctx, jobID)
		if !ok {
			return nil, types.Errorf(types.ErrInternalError,
				"job %s awaits input but has no pending permission request", jobID)
		}
		if _, err := m.gate.Respond(ctx, req.ID, types.DecisionCancel); err != nil {
			return nil, err
		}
	default:
		m.mu.Lock()
		exec, ok := m.execs[jobID]
		m.mu.Unlock()
		if ok {
			exec.stop.Store(true)
		}
	}

	m.logger.Info("job cancellation requested", zap.String("job_id", jobID))
	return m.Get(ctx, jobID)
}

// Recover requeues every job interrupted by a restart: queued jobs run
// from scratch, running jobs continue from their last committed
// checkpoint, and suspended jobs re-raise their pending permission.
func (m *Manager) Recover(ctx context.Context) error {
	jobs, err := m.store.List(ctx, types.JobQueued, types.JobRunning, types.JobAwaitingInput)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		job := job
		job.Status = types.JobQueued
		job.UpdatedAt = time.Now()
		if err := m.store.Save(ctx, job); err != nil {
			return err
		}
		m.mu.Lock()
		m.pending++
		m.mu.Unlock()

		fresh := job.StartedAt == nil
		m.spawn(job.ID, func(ctx context.Context, exec *execution) workflow.RunResult {
			if fresh {
				return m.engine.Run(ctx, job.ThreadID, job.Query, job.Mode,
					m.runOptions(job.ID, exec))
			}
			return m.engine.Continue(ctx, job.ThreadID, m.runOptions(job.ID, exec))
		})
		m.logger.Info("job recovered",
			zap.String("job_id", job.ID),
			zap.Bool("fresh", fresh),
		)
	}
	return nil
}

// RunCleanup deletes terminal jobs past retention until the context
// ends.
func (m *Manager) RunCleanup(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-m.cfg.Retention)
			ids, err := m.store.DeleteTerminalBefore(ctx, cutoff)
			if err != nil {
				m.logger.Warn("retention cleanup failed", zap.Error(err))
				continue
			}
			for _, id := range ids {
				m.gateway.DropJob(id)
			}
			if len(ids) > 0 {
				m.logger.Info("retention cleanup removed jobs", zap.Int("count", len(ids)))
			}
		}
	}
}

// Snapshot builds the catch-up stream frame for a reconnecting client
// whose cursor fell out of the replay window.
func (m *Manager) Snapshot(jobID string) *types.StreamEvent {
	job, err := m.store.Get(context.Background(), jobID)
	if err != nil {
		return nil
	}
	ev := stream.Status(string(job.Status), job.Progress.Agent)
	ev.Type = types.EventStatus
	return &ev
}

// Close stops accepting work and waits for in-flight jobs to reach a
// step boundary.
func (m *Manager) Close(ctx context.Context) error {
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) spawn(jobID string, run func(ctx context.Context, exec *execution) workflow.RunResult) {
	exec := &execution{}
	m.mu.Lock()
	m.execs[jobID] = exec
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			// A resume spawned during settle already replaced the entry;
			// only remove our own.
			if m.execs[jobID] == exec {
				delete(m.execs, jobID)
			}
			m.mu.Unlock()
		}()

		if err := m.sem.Acquire(m.baseCtx, 1); err != nil {
			// Shutdown while queued: the job stays queued and is picked up
			// by Recover on the next start.
			m.mu.Lock()
			m.pending--
			m.mu.Unlock()
			return
		}
		defer m.sem.Release(1)

		m.mu.Lock()
		m.pending--
		m.mu.Unlock()

		if exec.stop.Load() {
			m.settle(jobID, workflow.RunResult{Terminal: types.TerminalCancelled})
			return
		}

		job, err := m.store.Get(m.baseCtx, jobID)
		if err != nil || job.IsTerminal() {
			return
		}
		now := time.Now()
		job.Status = types.JobRunning
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
		job.UpdatedAt = now
		if err := m.store.Save(m.baseCtx, job); err != nil {
			m.logger.Error("failed to mark job running", zap.Error(err))
			return
		}
		m.publish(jobID, stream.Status("running", ""))

		m.settle(jobID, run(m.baseCtx, exec))
	}()
}

func (m *Manager) runOptions(jobID string, exec *execution) workflow.RunOptions {
	return workflow.RunOptions{
		JobID:      jobID,
		Observer:   m.observer(jobID),
		ShouldStop: exec.stop.Load,
	}
}

// observer projects committed machine steps into progress records and
// stream events.
func (m *Manager) observer(jobID string) workflow.StepObserver {
	return func(ev workflow.StepEvent) {
		if m.metrics != nil && ev.NodeID != "" {
			m.metrics.RecordStep(ev.NodeID)
		}
		job, err := m.store.Get(m.baseCtx, jobID)
		if err == nil {
			job.Progress = types.JobProgress{
				NodeID:    ev.NodeID,
				Agent:     ev.Agent,
				Iteration: ev.Step,
				Phase:     string(ev.Terminal),
			}
			job.UpdatedAt = time.Now()
			if err := m.store.Save(m.baseCtx, job); err != nil {
				m.logger.Warn("failed to persist job progress", zap.Error(err))
			}
		}

		for _, tc := range ev.Update.ToolCalls {
			state := types.ToolFinished
			if !tc.OK {
				state = types.ToolFailed
			}
			m.publish(jobID, stream.ToolStatus(tc.Tool, tc.Agent, state))
		}
		if ev.NodeID != "" && ev.Terminal == "" {
			m.publish(jobID, stream.Status(ev.NodeID, ev.Agent))
		}
	}
}

// settle records a finished machine result on the job and emits the
// terminal stream frames.
func (m *Manager) settle(jobID string, res workflow.RunResult) {
	job, err := m.store.Get(m.baseCtx, jobID)
	if err != nil {
		m.logger.Error("finished job vanished from store",
			zap.String("job_id", jobID),
			zap.Error(err),
		)
		return
	}
	now := time.Now()
	job.UpdatedAt = now

	switch res.Terminal {
	case types.TerminalSuspended:
		req := res.State.Pending.Request
		req.JobID = jobID
		// The request is answerable the moment Raise persists it, and
		// the resolution callback drops decisions for jobs not awaiting
		// input. The status transition must be visible first or a
		// respond racing this settle consumes the request's one decision
		// without resuming the turn.
		job.Status = types.JobAwaitingInput
		job.Progress.Phase = string(types.TerminalSuspended)
		m.save(job)
		raised, rerr := m.gate.Raise(m.baseCtx, *req)
		if rerr != nil {
			m.fail(job, types.NewError(types.ErrInternalError, "failed to raise permission request").WithCause(rerr))
			return
		}
		if m.metrics != nil {
			m.metrics.RecordPermissionRaised()
		}
		m.publish(jobID, stream.PermissionRequired(raised))
		m.publish(jobID, stream.AwaitingInput(raised))
		m.recordDone(job, string(types.JobAwaitingInput))

	case types.TerminalComplete:
		result := res.State.Result
		if result != nil {
			m.streamResult(jobID, result)
		}
		job.Status = types.JobCompleted
		job.Result = result
		job.CompletedAt = &now
		m.save(job)
		m.publish(jobID, stream.Complete(result))
		m.gateway.CloseJob(jobID)
		m.recordDone(job, string(types.JobCompleted))

	case types.TerminalCancelled:
		job.Status = types.JobCancelled
		job.CompletedAt = &now
		m.save(job)
		m.publish(jobID, stream.Error(types.NewError(types.ErrCancelled, "job cancelled")))
		m.gateway.CloseJob(jobID)
		m.recordDone(job, string(types.JobCancelled))

	default:
		ferr := res.Err
		if ferr == nil {
			ferr = types.NewError(types.ErrInternalError, "job failed")
		}
		m.fail(job, ferr)
	}

	m.logger.Info("job settled",
		zap.String("job_id", jobID),
		zap.String("status", string(job.Status)),
	)
}

func (m *Manager) fail(job *types.Job, ferr *types.Error) {
	now := time.Now()
	job.Status = types.JobFailed
	job.Error = ferr.Error()
	job.CompletedAt = &now
	job.UpdatedAt = now
	m.save(job)
	m.publish(job.ID, stream.Error(ferr))
	m.gateway.CloseJob(job.ID)
	m.recordDone(job, string(types.JobFailed))
}

// streamResult emits the final content as ordered deltas followed by
// citations; concatenating the deltas reproduces the content exactly.
func (m *Manager) streamResult(jobID string, result *types.TurnResult) {
	content := []rune(result.Content)
	agent := result.AgentID
	for start := 0; start < len(content); start += m.cfg.DeltaChunkSize {
		end := start + m.cfg.DeltaChunkSize
		if end > len(content) {
			end = len(content)
		}
		m.publish(jobID, stream.ContentDelta(string(content[start:end]), agent))
	}
	if len(result.Citations) > 0 {
		m.publish(jobID, stream.Citations(result.Citations, agent))
	}
}

// onPermissionResolved is the gate callback: the winning decision
// resumes the suspended turn on a worker slot.
func (m *Manager) onPermissionResolved(ctx context.Context, req *types.PermissionRequest, decision types.Decision) {
	if m.metrics != nil {
		m.metrics.RecordPermissionResolved(string(decision))
	}
	job, err := m.store.Get(ctx, req.JobID)
	if err != nil {
		m.logger.Warn("resolved permission for unknown job",
			zap.String("request_id", req.ID),
			zap.String("job_id", req.JobID),
		)
		return
	}
	if job.Status != types.JobAwaitingInput {
		m.logger.Warn("resolved permission for job not awaiting input",
			zap.String("job_id", job.ID),
			zap.String("status", string(job.Status)),
		)
		return
	}

	if m.metrics != nil {
		m.metrics.RecordJobSubmitted()
	}
	m.mu.Lock()
	m.pending++
	m.mu.Unlock()
	m.publish(job.ID, stream.Status("resuming", ""))
	m.spawn(job.ID, func(ctx context.Context, exec *execution) workflow.RunResult {
		return m.engine.Resume(ctx, job.ThreadID, req.ID, decision,
			m.runOptions(job.ID, exec))
	})
}

func (m *Manager) pendingRequestFor(ctx context.Context, jobID string) (*types.PermissionRequest, bool) {
	pending, err := m.gate.Pending(ctx)
	if err != nil {
		return nil, false
	}
	for _, req := range pending {
		if req.JobID == jobID {
			return req, true
		}
	}
	return nil, false
}

func (m *Manager) publish(jobID string, ev types.StreamEvent) {
	if m.metrics != nil {
		m.metrics.RecordStreamEvent(string(ev.Type))
	}
	m.gateway.Publish(jobID, ev)
}

func (m *Manager) save(job *types.Job) {
	if err := m.store.Save(m.baseCtx, job); err != nil {
		m.logger.Error("failed to persist job", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (m *Manager) recordRejected(reason string) {
	if m.metrics != nil {
		m.metrics.RecordJobRejected(reason)
	}
}

func (m *Manager) recordDone(job *types.Job, status string) {
	if m.metrics != nil {
		m.metrics.RecordJobDone(status, job.Duration())
	}
}
