package types

import "time"

// TerminalStatus describes how a state machine turn ended.
type TerminalStatus string

const (
	TerminalComplete  TerminalStatus = "complete"
	TerminalSuspended TerminalStatus = "suspended"
	TerminalFailed    TerminalStatus = "failed"
	TerminalCancelled TerminalStatus = "cancelled"
)

// Shared memory keys every agent may write. Everything else is scoped to
// the writing agent's own namespace.
const (
	SharedKeyTopics = "topics"
)

// Namespace is one agent's slice of shared memory.
type Namespace map[string]any

// SharedMemory is the namespaced cross-agent context carried inside every
// checkpoint: prior findings, user preferences, tool-result caches, keyed
// by the owning agent's namespace, plus a "shared" namespace holding the
// well-known keys.
type SharedMemory map[string]Namespace

// SharedNamespace is the reserved namespace for well-known shared keys.
const SharedNamespace = "shared"

// Clone returns a shallow-per-namespace copy of the memory. Namespaces are
// copied so a merge never mutates the snapshot a reader holds; values are
// shared, which is safe because steps treat them as immutable.
func (m SharedMemory) Clone() SharedMemory {
	out := make(SharedMemory, len(m))
	for ns, kv := range m {
		nkv := make(Namespace, len(kv))
		for k, v := range kv {
			nkv[k] = v
		}
		out[ns] = nkv
	}
	return out
}

// Get reads a key from a namespace, returning ok=false when either the
// namespace or the key is absent.
func (m SharedMemory) Get(namespace, key string) (any, bool) {
	kv, ok := m[namespace]
	if !ok {
		return nil, false
	}
	v, ok := kv[key]
	return v, ok
}

// HandoffRecord is an append-only log entry recording a transfer of
// control between agent nodes within a turn.
type HandoffRecord struct {
	FromAgent string    `json:"from_agent"`
	ToAgent   string    `json:"to_agent"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// ToolInvocation records a completed tool call for the handoff log and
// replay diagnostics.
type ToolInvocation struct {
	Tool      string    `json:"tool"`
	Agent     string    `json:"agent"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Citation points at a source backing part of the final content.
type Citation struct {
	Title  string `json:"title"`
	URL    string `json:"url,omitempty"`
	Source string `json:"source"`
}

// TurnResult is the final product of a completed turn.
type TurnResult struct {
	Content   string     `json:"content"`
	Citations []Citation `json:"citations,omitempty"`
	AgentID   string     `json:"agent_id,omitempty"`
}

// SuspendPoint parks the machine pending an external permission decision.
// ResumeNode runs when the request is approved, FallbackNode when it is
// denied; a cancelled decision terminates the turn.
type SuspendPoint struct {
	Request      *PermissionRequest `json:"request"`
	ResumeNode   string             `json:"resume_node"`
	FallbackNode string             `json:"fallback_node"`
}

// Grant records an approved gated operation so the resumed node can tell
// it is allowed to invoke the tool it asked about.
type Grant struct {
	OperationType string    `json:"operation_type"`
	RequestID     string    `json:"request_id"`
	GrantedAt     time.Time `json:"granted_at"`
}

// ThreadState is the complete conversation state snapshotted into every
// checkpoint. It is a closed, tagged record: nodes receive a copy and
// return a StateUpdate, they never mutate it in place.
type ThreadState struct {
	ThreadID string `json:"thread_id"`
	Query    string `json:"query"`
	Mode     string `json:"mode,omitempty"`
	Step     int    `json:"step"`

	Memory      SharedMemory     `json:"memory"`
	HandoffLog  []HandoffRecord  `json:"handoff_log"`
	ToolLog     []ToolInvocation `json:"tool_log,omitempty"`
	Pending     *SuspendPoint    `json:"pending,omitempty"`
	Grant       *Grant           `json:"grant,omitempty"`
	Result      *TurnResult      `json:"result,omitempty"`
	LastFailure string           `json:"last_failure,omitempty"`
}

// StateUpdate is the partial update a node returns. Memory writes land in
// the node's own declared namespace; Shared writes are restricted to the
// well-known shared keys. A node can request suspension, clear the current
// grant, or finish the turn by setting Result.
type StateUpdate struct {
	Memory     map[string]any
	Shared     map[string]any
	Handoffs   []HandoffRecord
	ToolCalls  []ToolInvocation
	Suspend    *SuspendPoint
	ClearGrant bool
	Result     *TurnResult
}
