// End-to-end tests over the full engine: agent graph, state machine,
// permission gate, job manager, and stream gateway wired together on
// in-memory backends, with the web search tool pointed at a local
// HTTP stub.
package e2e

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
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

// TestEnv is the full engine over in-memory backends.
type TestEnv struct {
	CkStore  checkpoint.Store
	JobStore job.Store
	Gate     *hitl.Gate
	Gateway  *stream.Gateway
	Manager  *job.Manager

	searchSrv *httptest.Server
}

// envOptions tweak the wiring per scenario.
type envOptions struct {
	corpus []tools.Document
	// localTool replaces the real corpus tool when set.
	localTool     tools.Tool
	maxConcurrent int
}

func defaultCorpus() []tools.Document {
	return []tools.Document{
		{
			ID:      "doc-figures",
			Title:   "Historical figures overview",
			Topics:  []string{"history"},
			Content: "A survey of disputed historical figures and the evidence for them.",
		},
	}
}

// richCorpus has enough coverage that research never needs the web.
func richCorpus() []tools.Document {
	return append(defaultCorpus(), tools.Document{
		ID:      "doc-sources",
		Title:   "Primary sources in historical research",
		Topics:  []string{"history", "sources"},
		Content: "How primary sources establish whether a historical figure existed.",
	})
}

func newTestEnv(t *testing.T, opts envOptions) *TestEnv {
	t.Helper()
	logger := zap.NewNop()

	searchSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]string{
				{
					"title":   "Encyclopedia entry",
					"url":     "https://example.org/entry",
					"snippet": "External records confirm the figure's existence.",
				},
			},
		})
	}))
	t.Cleanup(searchSrv.Close)

	toolReg := tools.NewRegistry(logger)
	if opts.localTool != nil {
		require.NoError(t, toolReg.Register(opts.localTool))
	} else {
		require.NoError(t, toolReg.Register(tools.NewLocalKnowledge(opts.corpus)))
	}
	require.NoError(t, toolReg.Register(tools.NewWebSearch(searchSrv.URL)))

	agentReg := agent.NewRegistry(agent.AgentChat, logger)
	graph, err := agent.NewGraph(agentReg, toolReg)
	require.NoError(t, err)

	ckStore := checkpoint.NewMemoryStore()
	machine := workflow.NewMachine(ckStore, workflow.Options{
		Entry:  agent.NodeClassify,
		Route:  graph.Route,
		Logger: logger,
	})
	require.NoError(t, graph.Install(machine))

	gate := hitl.NewGate(hitl.NewMemoryStore(), hitl.Options{Logger: logger})
	gateway := stream.NewGateway(stream.Options{Logger: logger})
	jobStore := job.NewMemoryStore()
	collector := metrics.NewCollector("e2e", logger)

	manager := job.NewManager(machine, gate, gateway, jobStore, collector, job.Config{
		MaxConcurrent: opts.maxConcurrent,
	}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.Close(ctx)
	})

	return &TestEnv{
		CkStore:   ckStore,
		JobStore:  jobStore,
		Gate:      gate,
		Gateway:   gateway,
		Manager:   manager,
		searchSrv: searchSrv,
	}
}

// waitForJob blocks until the job reaches the wanted status.
func (env *TestEnv) waitForJob(t *testing.T, jobID string, status types.JobStatus) *types.Job {
	t.Helper()
	var got *types.Job
	require.Eventually(t, func() bool {
		j, err := env.Manager.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		got = j
		return j.Status == status
	}, 5*time.Second, 10*time.Millisecond, "job %s never reached %s", jobID, status)
	return got
}

// pendingRequest returns the job's pending permission request.
func (env *TestEnv) pendingRequest(t *testing.T, jobID string) *types.PermissionRequest {
	t.Helper()
	pending, err := env.Gate.Pending(context.Background())
	require.NoError(t, err)
	for _, req := range pending {
		if req.JobID == jobID {
			return req
		}
	}
	t.Fatalf("no pending permission request for job %s", jobID)
	return nil
}

// drainEvents collects the job's full event stream after the given
// cursor. The stream must already be closed or close shortly.
func (env *TestEnv) drainEvents(t *testing.T, jobID string, afterSeq int64) []types.StreamEvent {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ch, unsub, err := env.Gateway.Subscribe(ctx, jobID, afterSeq)
	require.NoError(t, err)
	defer unsub()

	var events []types.StreamEvent
	for ev := range ch {
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []types.StreamEvent) []types.EventType {
	out := make([]types.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

func hasEvent(events []types.StreamEvent, typ types.EventType) bool {
	for _, ev := range events {
		if ev.Type == typ {
			return true
		}
	}
	return false
}
