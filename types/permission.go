package types

import "time"

// PermissionStatus represents the lifecycle of a permission request.
// A request transitions exactly once from pending to a terminal status.
type PermissionStatus string

const (
	PermissionPending   PermissionStatus = "pending"
	PermissionApproved  PermissionStatus = "approved"
	PermissionDenied    PermissionStatus = "denied"
	PermissionCancelled PermissionStatus = "cancelled"
)

// IsTerminal returns true once the request has been resolved.
func (s PermissionStatus) IsTerminal() bool {
	switch s {
	case PermissionApproved, PermissionDenied, PermissionCancelled:
		return true
	default:
		return false
	}
}

// Decision is an external response to a permission request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionDeny    Decision = "deny"
	DecisionCancel  Decision = "cancel"
)

// Valid reports whether the decision is one of the three accepted verbs.
func (d Decision) Valid() bool {
	switch d {
	case DecisionApprove, DecisionDeny, DecisionCancel:
		return true
	default:
		return false
	}
}

// Status returns the terminal permission status the decision resolves to.
func (d Decision) Status() PermissionStatus {
	switch d {
	case DecisionApprove:
		return PermissionApproved
	case DecisionDeny:
		return PermissionDenied
	default:
		return PermissionCancelled
	}
}

// PermissionRequest is raised by a node that needs authorization before a
// costly or sensitive operation. It is surfaced to the client through the
// stream and resolved through the respond endpoint.
type PermissionRequest struct {
	ID            string           `json:"request_id"`
	ThreadID      string           `json:"thread_id"`
	JobID         string           `json:"job_id,omitempty"`
	OperationType string           `json:"operation_type"`
	Justification string           `json:"justification,omitempty"`
	EstimatedCost string           `json:"estimated_cost,omitempty"`
	Payload       map[string]any   `json:"payload,omitempty"`
	Status        PermissionStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	ResolvedAt    *time.Time       `json:"resolved_at,omitempty"`
	ExpiresAt     *time.Time       `json:"expires_at,omitempty"`
}
