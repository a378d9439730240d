package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/checkpoint"
	"github.com/loomhq/loom/tools"
	"github.com/loomhq/loom/types"
	"github.com/loomhq/loom/workflow"
)

func TestRegistryClassify(t *testing.T) {
	reg := NewRegistry(AgentChat, nil)
	_, err := NewGraph(reg, tools.NewRegistry(nil))
	require.NoError(t, err)

	tests := []struct {
		name  string
		query string
		mode  string
		want  string
	}{
		{"research keywords", "research the latest on raft consensus", "", AgentResearch},
		{"plain chat", "hello there", "", AgentChat},
		{"explicit mode wins", "hello there", AgentResearch, AgentResearch},
		{"unknown mode falls through", "hello there", "bogus", AgentChat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reg.Classify(tt.query, tt.mode)
			assert.Equal(t, tt.want, got.ID)
		})
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry(AgentChat, nil)
	require.NoError(t, reg.Register(Profile{ID: "a", Entry: "n"}))
	assert.Error(t, reg.Register(Profile{ID: "a", Entry: "n"}))
	assert.Error(t, reg.Register(Profile{ID: "", Entry: "n"}))
}

type fakeSearch struct {
	gated   bool
	results *tools.Result
	err     error
	calls   int
}

func (f *fakeSearch) Name() string {
	if f.gated {
		return "web_search"
	}
	return "local_corpus"
}
func (f *fakeSearch) RequiresPermission() bool { return f.gated }
func (f *fakeSearch) Invoke(ctx context.Context, params map[string]any) (*tools.Result, error) {
	f.calls++
	return f.results, f.err
}

// graphHarness wires the built-in graph over in-memory everything.
func graphHarness(t *testing.T, local, web *fakeSearch) *workflow.Machine {
	t.Helper()
	toolReg := tools.NewRegistry(nil)
	require.NoError(t, toolReg.Register(local))
	require.NoError(t, toolReg.Register(web))

	agentReg := NewRegistry(AgentChat, nil)
	g, err := NewGraph(agentReg, toolReg)
	require.NoError(t, err)

	m := workflow.NewMachine(checkpoint.NewMemoryStore(), workflow.Options{
		Entry: NodeClassify,
		Route: g.Route,
	})
	require.NoError(t, g.Install(m))
	return m
}

func richCorpus() *tools.Result {
	return &tools.Result{
		Content: "corpus findings",
		Citations: []types.Citation{
			{Title: "Doc A", Source: "local_corpus"},
			{Title: "Doc B", Source: "local_corpus"},
		},
	}
}

func thinCorpus() *tools.Result {
	return &tools.Result{
		Content:   "one weak hit",
		Citations: []types.Citation{{Title: "Doc A", Source: "local_corpus"}},
	}
}

func TestChatQueryAnswersDirectly(t *testing.T) {
	local := &fakeSearch{results: richCorpus()}
	web := &fakeSearch{gated: true}
	m := graphHarness(t, local, web)

	res := m.Run(context.Background(), "t1", "hello there", "", workflow.RunOptions{})
	require.Nil(t, res.Err)
	assert.Equal(t, types.TerminalComplete, res.Terminal)
	assert.Equal(t, AgentChat, res.State.Result.AgentID)
	assert.Zero(t, local.calls)
	assert.Zero(t, web.calls)
}

func TestResearchSufficientLocalSkipsWeb(t *testing.T) {
	local := &fakeSearch{results: richCorpus()}
	web := &fakeSearch{gated: true}
	m := graphHarness(t, local, web)

	res := m.Run(context.Background(), "t1", "research raft consensus", "", workflow.RunOptions{})
	require.Nil(t, res.Err)
	assert.Equal(t, types.TerminalComplete, res.Terminal)
	assert.Equal(t, AgentResearch, res.State.Result.AgentID)
	assert.Contains(t, res.State.Result.Content, "corpus findings")
	assert.Len(t, res.State.Result.Citations, 2)
	assert.Equal(t, 1, local.calls)
	assert.Zero(t, web.calls, "sufficient local coverage never escalates")
}

func TestResearchInsufficientLocalSuspendsOnWebPermission(t *testing.T) {
	local := &fakeSearch{results: thinCorpus()}
	web := &fakeSearch{gated: true, results: &tools.Result{
		Content:   "web findings",
		Citations: []types.Citation{{Title: "Web A", URL: "https://example.com", Source: "web_search"}},
	}}
	m := graphHarness(t, local, web)
	ctx := context.Background()

	res := m.Run(ctx, "t1", "research raft consensus", "", workflow.RunOptions{})
	require.Nil(t, res.Err)
	require.Equal(t, types.TerminalSuspended, res.Terminal)
	require.NotNil(t, res.State.Pending)
	req := res.State.Pending.Request
	assert.Equal(t, "web_search", req.OperationType)
	assert.NotEmpty(t, req.Justification)
	assert.Zero(t, web.calls)

	res = m.Resume(ctx, "t1", req.ID, types.DecisionApprove, workflow.RunOptions{})
	require.Nil(t, res.Err)
	assert.Equal(t, types.TerminalComplete, res.Terminal)
	assert.Equal(t, 1, web.calls)
	assert.Contains(t, res.State.Result.Content, "web findings")
	assert.Contains(t, res.State.Result.Content, "one weak hit")

	sources := make(map[string]bool)
	for _, c := range res.State.Result.Citations {
		sources[c.Source] = true
	}
	assert.True(t, sources["local_corpus"])
	assert.True(t, sources["web_search"])
}

func TestResearchDeniedWebFallsBackToLocal(t *testing.T) {
	local := &fakeSearch{results: thinCorpus()}
	web := &fakeSearch{gated: true}
	m := graphHarness(t, local, web)
	ctx := context.Background()

	res := m.Run(ctx, "t1", "research raft consensus", "", workflow.RunOptions{})
	require.Equal(t, types.TerminalSuspended, res.Terminal)
	req := res.State.Pending.Request

	res = m.Resume(ctx, "t1", req.ID, types.DecisionDeny, workflow.RunOptions{})
	require.Nil(t, res.Err)
	assert.Equal(t, types.TerminalComplete, res.Terminal)
	assert.Zero(t, web.calls, "denied web search never invoked")
	assert.Contains(t, res.State.Result.Content, "one weak hit")
	for _, c := range res.State.Result.Citations {
		assert.Equal(t, "local_corpus", c.Source)
	}
}

func TestWebFailureAfterApprovalStillSynthesizes(t *testing.T) {
	local := &fakeSearch{results: thinCorpus()}
	web := &fakeSearch{gated: true, err: types.NewError(types.ErrToolFailure, "search down")}
	m := graphHarness(t, local, web)
	ctx := context.Background()

	res := m.Run(ctx, "t1", "research raft consensus", "", workflow.RunOptions{})
	require.Equal(t, types.TerminalSuspended, res.Terminal)
	req := res.State.Pending.Request

	res = m.Resume(ctx, "t1", req.ID, types.DecisionApprove, workflow.RunOptions{})
	require.Nil(t, res.Err)
	assert.Equal(t, types.TerminalComplete, res.Terminal)
	assert.Contains(t, res.State.Result.Content, "one weak hit")

	// The failed attempt is on the tool log.
	var failed bool
	for _, tc := range res.State.ToolLog {
		if tc.Tool == "web_search" && !tc.OK {
			failed = true
		}
	}
	assert.True(t, failed)
}

func TestSharedTopicsAccumulateAcrossTurns(t *testing.T) {
	local := &fakeSearch{results: richCorpus()}
	web := &fakeSearch{gated: true}
	m := graphHarness(t, local, web)
	ctx := context.Background()

	res := m.Run(ctx, "t1", "research raft consensus", "", workflow.RunOptions{})
	require.Equal(t, types.TerminalComplete, res.Terminal)
	res = m.Run(ctx, "t1", "research paxos", "", workflow.RunOptions{})
	require.Equal(t, types.TerminalComplete, res.Terminal)

	v, ok := res.State.Memory.Get(types.SharedNamespace, types.SharedKeyTopics)
	require.True(t, ok)
	joined := joinAny(v)
	assert.Contains(t, joined, "research raft consensus")
	assert.Contains(t, joined, "research paxos")
}

func TestHandoffLoopFallsBackToDirectReply(t *testing.T) {
	g := &Graph{maxPair: 1}
	st := types.ThreadState{
		Memory: types.SharedMemory{routerNamespace: {"agent": AgentResearch}},
		HandoffLog: []types.HandoffRecord{
			{FromAgent: "router", ToAgent: AgentResearch},
			{FromAgent: "router", ToAgent: AgentResearch},
		},
	}
	assert.Equal(t, NodeChatReply, g.Route(st))
}
