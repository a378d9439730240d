package stream

import (
	"github.com/loomhq/loom/types"
)

// Event constructors used by the job worker. The gateway assigns Seq,
// JobID and Timestamp at publish time.

// Status labels a phase transition, optionally attributed to an agent.
func Status(phase, agent string) types.StreamEvent {
	return types.StreamEvent{Type: types.EventStatus, Phase: phase, Agent: agent}
}

// ToolStatus reports a tool starting, finishing, or failing.
func ToolStatus(tool, agent string, state types.ToolState) types.StreamEvent {
	return types.StreamEvent{Type: types.EventToolStatus, Tool: tool, Agent: agent, ToolState: state}
}

// ContentDelta carries an increment of the final answer text.
func ContentDelta(delta, agent string) types.StreamEvent {
	return types.StreamEvent{Type: types.EventContentDelta, Delta: delta, Agent: agent}
}

// Citations carries the structured source list.
func Citations(citations []types.Citation, agent string) types.StreamEvent {
	return types.StreamEvent{Type: types.EventCitations, Citations: citations, Agent: agent}
}

// PermissionRequired surfaces a pending permission request to the
// client.
func PermissionRequired(req *types.PermissionRequest) types.StreamEvent {
	return types.StreamEvent{Type: types.EventPermissionRequest, Permission: req}
}

// Complete is the terminal success event.
func Complete(result *types.TurnResult) types.StreamEvent {
	return types.StreamEvent{Type: types.EventComplete, Result: result}
}

// AwaitingInput parks the stream on a suspended job.
func AwaitingInput(req *types.PermissionRequest) types.StreamEvent {
	return types.StreamEvent{Type: types.EventCompleteAwaitingInput, Permission: req}
}

// Error is the terminal failure event.
func Error(err *types.Error) types.StreamEvent {
	return types.StreamEvent{Type: types.EventError, Error: err}
}
