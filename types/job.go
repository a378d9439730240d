package types

import "time"

// JobStatus represents the status of a background job.
type JobStatus string

const (
	JobQueued        JobStatus = "queued"
	JobRunning       JobStatus = "running"
	JobAwaitingInput JobStatus = "awaiting_input"
	JobCompleted     JobStatus = "completed"
	JobFailed        JobStatus = "failed"
	JobCancelled     JobStatus = "cancelled"
)

// IsTerminal returns true if the status is a terminal state.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// IsRecoverable returns true if a job in this status must be requeued
// after a manager restart.
func (s JobStatus) IsRecoverable() bool {
	switch s {
	case JobQueued, JobRunning:
		return true
	default:
		return false
	}
}

// JobProgress is the cooperative progress record the worker writes after
// each committed step. It is reported, never estimated.
type JobProgress struct {
	NodeID    string `json:"node_id,omitempty"`
	Agent     string `json:"agent,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Iteration int    `json:"iteration"`
	Phase     string `json:"phase,omitempty"`
}

// Job is a tracked, cancellable execution of the state machine initiated
// by a client request.
type Job struct {
	ID          string      `json:"job_id"`
	ThreadID    string      `json:"thread_id"`
	Query       string      `json:"query"`
	Mode        string      `json:"mode,omitempty"`
	Status      JobStatus   `json:"status"`
	Progress    JobProgress `json:"progress"`
	Result      *TurnResult `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
	RequestID   string      `json:"request_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	return j.Status.IsTerminal()
}

// Duration returns the job duration, or time since start if still running.
func (j *Job) Duration() time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	if j.CompletedAt != nil {
		return j.CompletedAt.Sub(*j.StartedAt)
	}
	return time.Since(*j.StartedAt)
}

// Clone returns a copy safe to hand out of the manager as a read-only
// snapshot.
func (j *Job) Clone() *Job {
	out := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		out.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		out.CompletedAt = &t
	}
	if j.Result != nil {
		r := *j.Result
		r.Citations = append([]Citation(nil), j.Result.Citations...)
		out.Result = &r
	}
	return &out
}

// JobStats contains per-status counts for operational visibility.
type JobStats struct {
	Total        int64               `json:"total"`
	StatusCounts map[JobStatus]int64 `json:"status_counts"`
}
