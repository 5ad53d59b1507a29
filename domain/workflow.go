package domain

import "time"

// WorkflowStatus is the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowCreated   WorkflowStatus = "created"
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowPaused    WorkflowStatus = "paused"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
	WorkflowAborted   WorkflowStatus = "aborted"
)

// workflowTransitions is the legal transition set:
// created → running; running → paused|completed|failed|aborted;
// paused → running|aborted.
var workflowTransitions = map[WorkflowStatus][]WorkflowStatus{
	WorkflowCreated: {WorkflowRunning},
	WorkflowRunning: {WorkflowPaused, WorkflowCompleted, WorkflowFailed, WorkflowAborted},
	WorkflowPaused:  {WorkflowRunning, WorkflowAborted},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to WorkflowStatus) bool {
	for _, next := range workflowTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether the status admits no further transitions.
func (s WorkflowStatus) Terminal() bool {
	return len(workflowTransitions[s]) == 0
}

// WorkflowState is the ephemeral cached state that makes a workflow
// resumable across stateless request boundaries. TTL 1h, refreshed on
// every write.
type WorkflowState struct {
	WorkflowID string         `json:"workflow_id"`
	DAG        *DAG           `json:"dag"`
	Intent     string         `json:"intent,omitempty"`
	Status     WorkflowStatus `json:"status"`
	CreatedAt  time.Time      `json:"created_at"`
}

// CheckpointState is the executor's resumable snapshot.
type CheckpointState struct {
	// Completed maps task ID to its recorded result.
	Completed map[string]TaskResult `json:"completed"`

	// Decisions maps decision node ID to resolved outcome.
	Decisions map[string]string `json:"decisions,omitempty"`

	// Pending are the task IDs not yet completed.
	Pending []string `json:"pending"`

	// AwaitingApproval is the task the workflow paused on, if any.
	AwaitingApproval string `json:"awaiting_approval,omitempty"`

	// Parameters are the external inputs the run started with.
	Parameters map[string]any `json:"parameters,omitempty"`

	// LiteralBindings carries the snippet's folded literals.
	LiteralBindings map[string]any `json:"literal_bindings,omitempty"`
}

// Checkpoint is a persisted resumable snapshot of a workflow.
type Checkpoint struct {
	ID         string          `json:"id"`
	WorkflowID string          `json:"workflow_id"`
	Timestamp  time.Time       `json:"timestamp"`
	Layer      int             `json:"layer"`
	State      CheckpointState `json:"state"`
}
