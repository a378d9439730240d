// Package tools defines the tool surface agents call during a turn: a
// small registry of named tools, each declaring whether it needs an
// approved permission grant before it may run. Tool failures are
// classified as retryable (timeouts, transient transport errors) or
// fatal so the state machine can retry the right ones.
package tools

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomhq/loom/types"
)

// Result is the structured output of a tool invocation.
type Result struct {
	Content   string           `json:"content"`
	Citations []types.Citation `json:"citations,omitempty"`
	Metadata  map[string]any   `json:"metadata,omitempty"`
}

// Tool is one invocable capability.
type Tool interface {
	Name() string
	// RequiresPermission reports whether invoking this tool is gated on
	// an approved permission request.
	RequiresPermission() bool
	Invoke(ctx context.Context, params map[string]any) (*Result, error)
}

// Registry holds the tools available to agent nodes.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *zap.Logger
}

// NewRegistry creates an empty tool registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:  make(map[string]Tool),
		logger: logger.With(zap.String("component", "tool_registry")),
	}
}

// Register adds a tool. Registering the same name twice is a
// configuration mistake and fails.
func (r *Registry) Register(t Tool) error {
	if t == nil || t.Name() == "" {
		return types.NewError(types.ErrInvalidRequest, "tool needs a name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[t.Name()]; dup {
		return types.Errorf(types.ErrInvalidRequest, "tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get returns a registered tool by name.
func (r *Registry) Get(name string) (Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "tool %q not registered", name)
	}
	return t, nil
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	return out
}

// Invoke runs a tool under a deadline. A deadline hit is surfaced as a
// retryable tool-timeout error; tool errors that are not already typed
// become fatal tool failures.
func (r *Registry) Invoke(ctx context.Context, name string, params map[string]any, timeout time.Duration) (*Result, error) {
	t, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	res, err := t.Invoke(ctx, params)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			r.logger.Warn("tool timed out",
				zap.String("tool", name),
				zap.Duration("elapsed", elapsed),
			)
			return nil, types.Errorf(types.ErrToolTimeout, "tool %s exceeded %s", name, timeout).
				WithRetryable(true).WithCause(err)
		}
		if _, typed := err.(*types.Error); typed {
			return nil, err
		}
		return nil, types.Errorf(types.ErrToolFailure, "tool %s failed", name).WithCause(err)
	}

	r.logger.Debug("tool invoked",
		zap.String("tool", name),
		zap.Duration("elapsed", elapsed),
	)
	return res, nil
}
