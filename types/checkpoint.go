package types

import (
	"encoding/json"
	"time"
)

// Checkpoint is an immutable snapshot of thread state at a step boundary.
// Checkpoints for a (thread, namespace) pair form a parent chain with
// exactly one head; they are created by the state machine after every
// step and never mutated.
type Checkpoint struct {
	ThreadID  string             `json:"thread_id"`
	Namespace string             `json:"namespace"`
	ID        string             `json:"checkpoint_id"`
	ParentID  string             `json:"parent_checkpoint_id,omitempty"`
	State     ThreadState        `json:"state"`
	Metadata  CheckpointMetadata `json:"metadata"`
	CreatedAt time.Time          `json:"created_at"`
}

// CheckpointMetadata records why the checkpoint was taken.
type CheckpointMetadata struct {
	Step     int            `json:"step"`
	NodeID   string         `json:"node_id,omitempty"`
	Terminal TerminalStatus `json:"terminal,omitempty"`
	JobID    string         `json:"job_id,omitempty"`
	Error    string         `json:"error,omitempty"`
	// NextNode is the node a decision checkpoint routed to. It makes the
	// decision outcome part of the chain, so recovery from this head
	// re-enters the same branch instead of re-routing over state that no
	// longer carries the resolved request.
	NextNode string `json:"next_node,omitempty"`
}

// PendingWrite is one entry of the companion write log committed
// atomically with its checkpoint. Side-channel blobs (tool payloads,
// citations) ride here so a step's writes are observable all-or-nothing.
type PendingWrite struct {
	TaskID  string          `json:"task_id"`
	Index   int             `json:"index"`
	Channel string          `json:"channel"`
	Payload json.RawMessage `json:"payload"`
}
