package types

import "time"

// EventType identifies a client-facing stream event kind.
type EventType string

const (
	// EventStatus carries a human-readable phase label with optional
	// agent attribution.
	EventStatus EventType = "status"
	// EventToolStatus reports a tool starting, finishing, or failing.
	EventToolStatus EventType = "tool_status"
	// EventContentDelta carries incremental answer text; concatenating
	// all deltas in sequence order equals the final content byte for byte.
	EventContentDelta EventType = "content_delta"
	// EventCitations carries the structured source list; it may arrive
	// independently of content deltas.
	EventCitations EventType = "citations"
	// EventPermissionRequest surfaces a pending permission request.
	EventPermissionRequest EventType = "permission_request"
	// EventComplete is the terminal event with final content + metadata.
	EventComplete EventType = "complete"
	// EventCompleteAwaitingInput parks the stream: the job is suspended
	// and no further events arrive until it is resumed.
	EventCompleteAwaitingInput EventType = "complete_awaiting_input"
	// EventError is the terminal failure event.
	EventError EventType = "error"
)

// IsTerminal reports whether the stream closes after this event.
func (t EventType) IsTerminal() bool {
	switch t {
	case EventComplete, EventCompleteAwaitingInput, EventError:
		return true
	default:
		return false
	}
}

// ToolState is the phase reported by a tool_status event.
type ToolState string

const (
	ToolStarted  ToolState = "started"
	ToolFinished ToolState = "finished"
	ToolFailed   ToolState = "failed"
)

// StreamEvent is one frame of the per-job client event stream. Seq is
// monotonically increasing per job and assigned by the gateway at publish
// time; events are delivered and replayed in Seq order, never reordered.
type StreamEvent struct {
	Seq       int64     `json:"seq"`
	JobID     string    `json:"job_id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"ts"`

	// status
	Phase string `json:"phase,omitempty"`
	Agent string `json:"agent,omitempty"`

	// tool_status
	Tool      string    `json:"tool,omitempty"`
	ToolState ToolState `json:"tool_state,omitempty"`

	// content_delta
	Delta string `json:"delta,omitempty"`

	// citations
	Citations []Citation `json:"citations,omitempty"`

	// permission_request
	Permission *PermissionRequest `json:"permission,omitempty"`

	// complete
	Result *TurnResult `json:"result,omitempty"`

	// error
	Error *Error `json:"error,omitempty"`
}
