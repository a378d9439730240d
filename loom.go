// Package loom provides a top-level convenience entry point for
// embedding the conversation engine without running the loomd server.
//
// Usage:
//
//	e, err := loom.New(loom.WithCorpus(docs))
//	e, err := loom.New(loom.WithCorpusFile("corpus.yaml"), loom.WithSearch(endpoint, key))
//
//	job, err := e.Start(ctx, loom.StartRequest{ThreadID: "t1", Query: "..."})
//	events, cancel, err := e.Subscribe(ctx, job.ID, 0)
//
// The engine runs over in-memory backends unless a checkpoint store is
// supplied; the HTTP layer in cmd/loomd is a thin shell over the same
// components.
package loom

import (
	"context"

	"go.uber.org/zap"

	"github.com/loomhq/loom/agent"
	"github.com/loomhq/loom/checkpoint"
	"github.com/loomhq/loom/hitl"
	"github.com/loomhq/loom/internal/metrics"
	"github.com/loomhq/loom/job"
	"github.com/loomhq/loom/stream"
	"github.com/loomhq/loom/tools"
	"github.com/loomhq/loom/types"
	"github.com/loomhq/loom/workflow"
)

// StartRequest is re-exported for callers of [Engine.Start].
type StartRequest = job.StartRequest

// Option configures the engine created by [New].
type Option func(*options)

type options struct {
	logger      *zap.Logger
	store       checkpoint.Store
	corpus      []tools.Document
	corpusFile  string
	searchURL   string
	searchKey   string
	extraTools  []tools.Tool
	jobs        job.Config
	permissions hitl.Options
}

// WithLogger sets a custom zap logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithCheckpointStore persists threads in the given store instead of
// process memory.
func WithCheckpointStore(s checkpoint.Store) Option {
	return func(o *options) { o.store = s }
}

// WithCorpus seeds the local knowledge tool.
func WithCorpus(docs []tools.Document) Option {
	return func(o *options) { o.corpus = docs }
}

// WithCorpusFile loads the local knowledge corpus from a YAML file.
func WithCorpusFile(path string) Option {
	return func(o *options) { o.corpusFile = path }
}

// WithSearch enables the gated web search tool.
func WithSearch(endpoint, apiKey string) Option {
	return func(o *options) {
		o.searchURL = endpoint
		o.searchKey = apiKey
	}
}

// WithTool registers an additional tool.
func WithTool(t tools.Tool) Option {
	return func(o *options) { o.extraTools = append(o.extraTools, t) }
}

// WithJobConfig bounds job admission and concurrency.
func WithJobConfig(cfg job.Config) Option {
	return func(o *options) { o.jobs = cfg }
}

// WithPermissionOptions sets the gate's TTL and sweep interval.
func WithPermissionOptions(opts hitl.Options) Option {
	return func(o *options) { o.permissions = opts }
}

// Engine bundles the state machine, permission gate, stream gateway,
// and job manager behind one handle.
type Engine struct {
	machine *workflow.Machine
	gate    *hitl.Gate
	gateway *stream.Gateway
	manager *job.Manager

	bgCancel context.CancelFunc
}

// New creates an engine with the built-in chat and research agents.
func New(opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.store == nil {
		o.store = checkpoint.NewMemoryStore()
	}

	docs := o.corpus
	if o.corpusFile != "" {
		loaded, err := tools.LoadCorpus(o.corpusFile)
		if err != nil {
			return nil, err
		}
		docs = append(docs, loaded...)
	}

	toolReg := tools.NewRegistry(o.logger)
	if err := toolReg.Register(tools.NewLocalKnowledge(docs)); err != nil {
		return nil, err
	}
	if o.searchURL != "" {
		ws := tools.NewWebSearch(o.searchURL, tools.WithAPIKey(o.searchKey))
		if err := toolReg.Register(ws); err != nil {
			return nil, err
		}
	}
	for _, t := range o.extraTools {
		if err := toolReg.Register(t); err != nil {
			return nil, err
		}
	}

	agentReg := agent.NewRegistry(agent.AgentChat, o.logger)
	graph, err := agent.NewGraph(agentReg, toolReg, agent.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}

	machine := workflow.NewMachine(o.store, workflow.Options{
		Entry:  agent.NodeClassify,
		Route:  graph.Route,
		Logger: o.logger,
	})
	if err := graph.Install(machine); err != nil {
		return nil, err
	}

	if o.permissions.Logger == nil {
		o.permissions.Logger = o.logger
	}
	gate := hitl.NewGate(hitl.NewMemoryStore(), o.permissions)
	gateway := stream.NewGateway(stream.Options{Logger: o.logger})
	collector := metrics.NewCollector("loom", o.logger)
	manager := job.NewManager(machine, gate, gateway, job.NewMemoryStore(), collector, o.jobs, o.logger)

	bgCtx, bgCancel := context.WithCancel(context.Background())
	if o.permissions.TTL > 0 {
		go gate.RunSweeper(bgCtx)
	}

	return &Engine{
		machine:  machine,
		gate:     gate,
		gateway:  gateway,
		manager:  manager,
		bgCancel: bgCancel,
	}, nil
}

// Start submits a job.
func (e *Engine) Start(ctx context.Context, req StartRequest) (*types.Job, error) {
	return e.manager.Start(ctx, req)
}

// Get returns a job snapshot.
func (e *Engine) Get(ctx context.Context, jobID string) (*types.Job, error) {
	return e.manager.Get(ctx, jobID)
}

// Cancel requests cooperative cancellation.
func (e *Engine) Cancel(ctx context.Context, jobID string) (*types.Job, error) {
	return e.manager.Cancel(ctx, jobID)
}

// Respond applies a permission decision.
func (e *Engine) Respond(ctx context.Context, requestID string, decision types.Decision) (*types.PermissionRequest, error) {
	return e.gate.Respond(ctx, requestID, decision)
}

// Pending lists unresolved permission requests.
func (e *Engine) Pending(ctx context.Context) ([]*types.PermissionRequest, error) {
	return e.gate.Pending(ctx)
}

// Subscribe streams a job's events starting after the given sequence
// number. The returned cancel releases the subscription.
func (e *Engine) Subscribe(ctx context.Context, jobID string, afterSeq int64) (<-chan types.StreamEvent, func(), error) {
	return e.gateway.Subscribe(ctx, jobID, afterSeq)
}

// Close drains running jobs and stops background loops.
func (e *Engine) Close(ctx context.Context) error {
	e.bgCancel()
	return e.manager.Close(ctx)
}
