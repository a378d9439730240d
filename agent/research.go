package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loomhq/loom/state"
	"github.com/loomhq/loom/tools"
	"github.com/loomhq/loom/types"
	"github.com/loomhq/loom/workflow"
)

// Node ids of the built-in chat/research graph.
const (
	NodeClassify     = "classify"
	NodeChatReply    = "chat.reply"
	NodeLocalSearch  = "research.local"
	NodeWebSearch    = "research.web"
	NodeSynthesize   = "research.synthesize"
	routerNamespace  = "router"
	defaultMaxPair   = 2
	defaultToolLimit = 30 * time.Second
)

// Agent ids of the built-in pair.
const (
	AgentChat     = "chat"
	AgentResearch = "research"
)

// Graph is the built-in agent graph: a chat agent answering directly
// from conversation memory, and a research agent that searches the local
// corpus first and escalates to gated web search only when the corpus
// falls short.
type Graph struct {
	registry    *Registry
	tools       *tools.Registry
	toolTimeout time.Duration
	maxPair     int
	logger      *zap.Logger
}

// GraphOption configures the built-in graph.
type GraphOption func(*Graph)

// WithToolTimeout bounds each tool invocation.
func WithToolTimeout(d time.Duration) GraphOption {
	return func(g *Graph) { g.toolTimeout = d }
}

// WithMaxPairHandoffs bounds how often the same ordered agent pair may
// hand off within one turn before routing falls back to a direct reply.
func WithMaxPairHandoffs(n int) GraphOption {
	return func(g *Graph) { g.maxPair = n }
}

// WithLogger sets the graph logger.
func WithLogger(l *zap.Logger) GraphOption {
	return func(g *Graph) { g.logger = l }
}

// NewGraph builds the built-in graph over a tool registry, registering
// the chat and research profiles into the agent registry.
func NewGraph(registry *Registry, toolReg *tools.Registry, opts ...GraphOption) (*Graph, error) {
	g := &Graph{
		registry:    registry,
		tools:       toolReg,
		toolTimeout: defaultToolLimit,
		maxPair:     defaultMaxPair,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(zap.String("component", "agent_graph"))

	profiles := []Profile{
		{
			ID:          AgentChat,
			Description: "direct conversational replies from shared context",
			Namespace:   AgentChat,
			Entry:       NodeChatReply,
		},
		{
			ID:          AgentResearch,
			Description: "multi-source research with citations",
			Namespace:   AgentResearch,
			Keywords:    []string{"research", "find", "search", "sources", "compare", "investigate", "summarize", "latest"},
			Entry:       NodeLocalSearch,
		},
	}
	for _, p := range profiles {
		if err := registry.Register(p); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Install registers the graph's nodes on a machine.
func (g *Graph) Install(m *workflow.Machine) error {
	nodes := []workflow.Node{
		{ID: NodeClassify, Agent: "router", Namespace: routerNamespace, Run: g.classify},
		{ID: NodeChatReply, Agent: AgentChat, Namespace: AgentChat, Run: g.chatReply},
		{ID: NodeLocalSearch, Agent: AgentResearch, Namespace: AgentResearch, Run: g.localSearch},
		{ID: NodeWebSearch, Agent: AgentResearch, Namespace: AgentResearch, Run: g.webSearch},
		{ID: NodeSynthesize, Agent: AgentResearch, Namespace: AgentResearch, Run: g.synthesize},
	}
	for _, n := range nodes {
		if err := m.RegisterNode(n); err != nil {
			return err
		}
	}
	return nil
}

// Route is the graph's routing function. It is pure over committed
// state so replay reproduces every decision.
func (g *Graph) Route(st types.ThreadState) string {
	if st.Result != nil {
		return workflow.RouteComplete
	}

	// A pair handing off more than the bound within one turn is a loop;
	// fall back to a direct reply instead of cycling.
	for _, h := range st.HandoffLog {
		if state.HandoffPairCount(st.HandoffLog, h.FromAgent, h.ToAgent) > g.maxPair {
			return NodeChatReply
		}
	}

	agentVal, ok := st.Memory.Get(routerNamespace, "agent")
	if !ok {
		return NodeClassify
	}
	agentID, _ := agentVal.(string)

	if agentID != AgentResearch {
		return NodeChatReply
	}
	if !memBool(st.Memory, AgentResearch, "local_done") {
		return NodeLocalSearch
	}
	if memBool(st.Memory, AgentResearch, "local_sufficient") ||
		memBool(st.Memory, AgentResearch, "web_done") {
		return NodeSynthesize
	}
	return NodeWebSearch
}

// classify picks the agent for the turn and records the handoff.
func (g *Graph) classify(ctx context.Context, st types.ThreadState) (types.StateUpdate, error) {
	profile := g.registry.Classify(st.Query, st.Mode)
	g.logger.Debug("routing turn",
		zap.String("thread_id", st.ThreadID),
		zap.String("agent", profile.ID),
	)
	return types.StateUpdate{
		Memory: map[string]any{"agent": profile.ID},
		Handoffs: []types.HandoffRecord{{
			FromAgent: "router",
			ToAgent:   profile.ID,
			Reason:    "intent classification",
		}},
	}, nil
}

// chatReply answers directly, citing nothing. Earlier research findings
// in shared memory are summarized into the reply when present.
func (g *Graph) chatReply(ctx context.Context, st types.ThreadState) (types.StateUpdate, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Regarding %q: ", st.Query)
	if topics, ok := st.Memory.Get(types.SharedNamespace, types.SharedKeyTopics); ok {
		fmt.Fprintf(&b, "building on earlier topics (%s), ", joinAny(topics))
	}
	if findings, ok := st.Memory.Get(AgentResearch, "local_findings"); ok {
		if s, _ := findings.(string); s != "" {
			b.WriteString("prior research notes apply. ")
		}
	}
	b.WriteString("here is a direct answer from conversation context.")

	return types.StateUpdate{
		Result: &types.TurnResult{Content: b.String(), AgentID: AgentChat},
	}, nil
}

// localSearch queries the local corpus and judges whether the hits are
// enough to answer without going to the web.
func (g *Graph) localSearch(ctx context.Context, st types.ThreadState) (types.StateUpdate, error) {
	res, err := g.tools.Invoke(ctx, "local_corpus", map[string]any{"query": st.Query}, g.toolTimeout)
	if err != nil {
		return types.StateUpdate{}, err
	}

	sufficient := len(res.Citations) >= 2
	update := types.StateUpdate{
		Memory: map[string]any{
			"local_done":       true,
			"local_sufficient": sufficient,
			"local_findings":   res.Content,
			"local_citations":  res.Citations,
		},
		Shared: map[string]any{
			types.SharedKeyTopics: topicsFrom(st),
		},
		ToolCalls: []types.ToolInvocation{{
			Tool: "local_corpus", Agent: AgentResearch, OK: true,
		}},
	}
	return update, nil
}

// webSearch is the gated node. Without a grant it suspends the turn on a
// permission request; with one it spends the grant on a single search.
func (g *Graph) webSearch(ctx context.Context, st types.ThreadState) (types.StateUpdate, error) {
	if st.Grant == nil || st.Grant.OperationType != "web_search" {
		return types.StateUpdate{
			Suspend: &types.SuspendPoint{
				Request: &types.PermissionRequest{
					ThreadID:      st.ThreadID,
					OperationType: "web_search",
					Justification: "local corpus has insufficient coverage for this query",
					EstimatedCost: "1 external search request",
					Payload:       map[string]any{"query": st.Query},
					Status:        types.PermissionPending,
				},
				ResumeNode:   NodeWebSearch,
				FallbackNode: NodeSynthesize,
			},
		}, nil
	}

	res, err := g.tools.Invoke(ctx, "web_search", map[string]any{"query": st.Query}, g.toolTimeout)
	if err != nil {
		// The grant was consumed by the attempt; synthesis proceeds on
		// local findings alone.
		g.logger.Warn("web search failed, continuing with local findings",
			zap.String("thread_id", st.ThreadID),
			zap.Error(err),
		)
		return types.StateUpdate{
			Memory:     map[string]any{"web_done": true},
			ClearGrant: true,
			ToolCalls: []types.ToolInvocation{{
				Tool: "web_search", Agent: AgentResearch, OK: false, Error: err.Error(),
			}},
		}, nil
	}

	return types.StateUpdate{
		Memory: map[string]any{
			"web_done":      true,
			"web_findings":  res.Content,
			"web_citations": res.Citations,
		},
		ClearGrant: true,
		ToolCalls: []types.ToolInvocation{{
			Tool: "web_search", Agent: AgentResearch, OK: true,
		}},
	}, nil
}

// synthesize composes the final answer from whatever sources the turn
// gathered, every claim carrying its citation.
func (g *Graph) synthesize(ctx context.Context, st types.ThreadState) (types.StateUpdate, error) {
	var b strings.Builder
	var citations []types.Citation

	fmt.Fprintf(&b, "Findings for %q:", st.Query)
	if v, ok := st.Memory.Get(AgentResearch, "local_findings"); ok {
		if s, _ := v.(string); s != "" {
			b.WriteString("\n\nFrom the local corpus:\n")
			b.WriteString(s)
		}
	}
	if v, ok := st.Memory.Get(AgentResearch, "web_findings"); ok {
		if s, _ := v.(string); s != "" {
			b.WriteString("\n\nFrom the web:\n")
			b.WriteString(s)
		}
	}
	citations = append(citations, citationsFrom(st.Memory, "local_citations")...)
	citations = append(citations, citationsFrom(st.Memory, "web_citations")...)

	if len(citations) == 0 {
		b.WriteString("\n\nNo sources were found; this answer is unsupported.")
	}

	return types.StateUpdate{
		Result: &types.TurnResult{
			Content:   b.String(),
			Citations: citations,
			AgentID:   AgentResearch,
		},
	}, nil
}

func memBool(m types.SharedMemory, ns, key string) bool {
	v, ok := m.Get(ns, key)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// citationsFrom tolerates both live []types.Citation values and the
// generic shapes they decode to after a checkpoint round-trip.
func citationsFrom(m types.SharedMemory, key string) []types.Citation {
	v, ok := m.Get(AgentResearch, key)
	if !ok || v == nil {
		return nil
	}
	if cs, ok := v.([]types.Citation); ok {
		return cs
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var cs []types.Citation
	if err := json.Unmarshal(raw, &cs); err != nil {
		return nil
	}
	return cs
}

func topicsFrom(st types.ThreadState) []string {
	var topics []string
	if v, ok := st.Memory.Get(types.SharedNamespace, types.SharedKeyTopics); ok {
		raw, err := json.Marshal(v)
		if err == nil {
			_ = json.Unmarshal(raw, &topics)
		}
	}
	query := strings.TrimSpace(st.Query)
	for _, t := range topics {
		if t == query {
			return topics
		}
	}
	return append(topics, query)
}

func joinAny(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	var items []string
	if err := json.Unmarshal(raw, &items); err != nil {
		return ""
	}
	return strings.Join(items, ", ")
}
