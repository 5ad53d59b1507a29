package domain

import "time"

// EventType is one of the closed set of bus event kinds.
type EventType string

const (
	// Tool lifecycle.
	EventTaskStart EventType = "task.start"
	EventTaskEnd   EventType = "task.end"

	// DAG lifecycle.
	EventDAGStart     EventType = "dag.start"
	EventDAGCompleted EventType = "dag.completed"
	EventDAGFailed    EventType = "dag.failed"
	EventDAGPaused    EventType = "dag.paused"
	EventDAGAborted   EventType = "dag.aborted"
	EventDAGReplanned EventType = "dag.replanned"

	// Capability lifecycle.
	EventCapabilityLearned EventType = "capability.learned"
	EventCapabilityUsed    EventType = "capability.used"

	// Graph mutations.
	EventGraphEdgeObserved EventType = "graph.edge.observed"

	// Speculation.
	EventSpeculationHit        EventType = "speculation.hit"
	EventSpeculationMiss       EventType = "speculation.miss"
	EventSpeculationSuppressed EventType = "speculation.suppressed"

	// Escalation audit.
	EventPermissionEscalation EventType = "permission.escalation"

	// Liveness and algorithm observability.
	EventHeartbeat         EventType = "heartbeat"
	EventAlgorithmDecision EventType = "algorithm.decision"
)

// EventWildcard subscribes a handler to every event type.
const EventWildcard EventType = "*"

// Event is the envelope published on the bus. Origin identifies the
// emitting process so cross-process fan-out does not loop.
type Event struct {
	Type         EventType      `json:"type"`
	WorkflowID   string         `json:"workflow_id,omitempty"`
	TaskID       string         `json:"task_id,omitempty"`
	CapabilityID string         `json:"capability_id,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	Origin       string         `json:"origin,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}
