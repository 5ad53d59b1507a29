// Package domain holds the plain data types shared by every gateway
// component: tasks and DAGs, argument values, static structures,
// capabilities, traces, workflow state and the error taxonomy.
// It deliberately depends on nothing but the standard library so that
// components depend on domain, never on each other's concrete types.
package domain

// TaskType classifies a DAG node.
type TaskType string

const (
	TaskToolCall      TaskType = "tool_call"
	TaskCodeExecution TaskType = "code_execution"
	TaskDecision      TaskType = "decision"
	TaskFork          TaskType = "fork"
	TaskJoin          TaskType = "join"
	TaskCapability    TaskType = "capability"
)

// PermissionSet is the fixed permission ladder a task runs under.
type PermissionSet string

const (
	PermMinimal     PermissionSet = "minimal"
	PermReadonly    PermissionSet = "readonly"
	PermFilesystem  PermissionSet = "filesystem"
	PermNetworkAPI  PermissionSet = "network-api"
	PermMCPStandard PermissionSet = "mcp-standard"
	PermTrusted     PermissionSet = "trusted"
)

// permissionRank orders the ladder from least to most privileged.
var permissionRank = map[PermissionSet]int{
	PermMinimal:     0,
	PermReadonly:    1,
	PermFilesystem:  2,
	PermNetworkAPI:  3,
	PermMCPStandard: 4,
	PermTrusted:     5,
}

// Covers reports whether p grants at least the privileges of other.
func (p PermissionSet) Covers(other PermissionSet) bool {
	return permissionRank[p] >= permissionRank[other]
}

// TaskGuard scopes a task to one outcome of a decision node. A guarded
// task only becomes ready once its decision resolved to the matching
// outcome; any other outcome makes the task unreachable (skipped).
type TaskGuard struct {
	Decision string `json:"decision"`
	Outcome  string `json:"outcome"`
}

// Task is a single node of an executable DAG.
type Task struct {
	ID        string   `json:"id"`
	Tool      string   `json:"tool,omitempty"` // "server:tool" or pseudo-tool "code:<op>"
	Type      TaskType `json:"type"`
	DependsOn []string `json:"depends_on,omitempty"`

	Arguments map[string]ArgumentValue `json:"arguments,omitempty"`

	// StaticCode is the verbatim source span for code_execution and
	// pseudo-tool nodes.
	StaticCode string `json:"static_code,omitempty"`

	// CapabilityID names the stored capability a capability node invokes.
	CapabilityID string `json:"capability_id,omitempty"`

	// Condition is the captured condition expression of a decision node.
	Condition string `json:"condition,omitempty"`

	Guard *TaskGuard `json:"guard,omitempty"`

	PermissionSet    PermissionSet `json:"permission_set,omitempty"`
	RequiresApproval bool          `json:"requires_approval,omitempty"`
	TimeoutMs        int64         `json:"timeout_ms,omitempty"`

	Metadata TaskMetadata `json:"metadata,omitempty"`
}

// TaskMetadata carries per-task flags that do not affect DAG shape.
type TaskMetadata struct {
	// Pure marks side-effect-free operations. Pure tasks bypass
	// approval gates.
	Pure bool `json:"pure,omitempty"`
}

// IsPure reports whether the task is flagged as a side-effect-free
// operation. The code: pseudo-tool whitelist is a separate check owned
// by the structure package.
func (t *Task) IsPure() bool {
	return t.Metadata.Pure
}
