package domain

import (
	"fmt"
	"strings"
)

// ErrorType is the coarse classification recorded on failed tasks and
// surfaced as error_code at the request boundary.
type ErrorType string

const (
	ErrTypeTimeout    ErrorType = "TIMEOUT"
	ErrTypePermission ErrorType = "PERMISSION"
	ErrTypeNotFound   ErrorType = "NOT_FOUND"
	ErrTypeValidation ErrorType = "VALIDATION"
	ErrTypeNetwork    ErrorType = "NETWORK"
	ErrTypeUnknown    ErrorType = "UNKNOWN"
)

// Boundary error codes that are not task-failure classifications.
const (
	CodeEmptyCode                  = "EMPTY_CODE"
	CodeMissingParameter           = "MISSING_PARAMETER"
	CodeUnresolvedReference        = "UNRESOLVED_REFERENCE"
	CodeClientToolsRequirePackage  = "CLIENT_TOOLS_REQUIRE_PACKAGE"
)

// ClassifyError maps an error message onto the coarse taxonomy by
// pattern matching, mirroring how downstream tool servers phrase their
// failures.
func ClassifyError(err error) ErrorType {
	if err == nil {
		return ""
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") ||
		strings.Contains(msg, "deadline exceeded"):
		return ErrTypeTimeout
	case strings.Contains(msg, "permission") || strings.Contains(msg, "forbidden") ||
		strings.Contains(msg, "unauthorized") || strings.Contains(msg, "access denied"):
		return ErrTypePermission
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such") ||
		strings.Contains(msg, "does not exist") || strings.Contains(msg, "404"):
		return ErrTypeNotFound
	case strings.Contains(msg, "invalid") || strings.Contains(msg, "validation") ||
		strings.Contains(msg, "malformed") || strings.Contains(msg, "bad request"):
		return ErrTypeValidation
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") ||
		strings.Contains(msg, "dns") || strings.Contains(msg, "unreachable") ||
		strings.Contains(msg, "econnrefused") || strings.Contains(msg, "broken pipe"):
		return ErrTypeNetwork
	default:
		return ErrTypeUnknown
	}
}

// ParseError reports a syntax error in a code snippet.
type ParseError struct {
	Offset int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse error at offset %d: %s", e.Offset, e.Msg)
}

// MissingParameterError reports a parameter referenced by a task but
// not supplied by the caller.
type MissingParameterError struct {
	TaskID string
	Name   string
}

func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("task %s: missing parameter %q", e.TaskID, e.Name)
}

// UnresolvedReferenceError reports a reference whose root or path
// could not be resolved against completed results or bindings.
type UnresolvedReferenceError struct {
	TaskID string
	Path   string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("task %s: unresolved reference %q", e.TaskID, e.Path)
}

// InvalidStateTransitionError reports an illegal workflow transition.
type InvalidStateTransitionError struct {
	WorkflowID string
	From       WorkflowStatus
	To         WorkflowStatus
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("workflow %s: invalid transition %s -> %s", e.WorkflowID, e.From, e.To)
}

// DependencyCycleError reports a cycle in a submitted DAG.
type DependencyCycleError struct {
	Cycle []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("dependency cycle: %s", strings.Join(e.Cycle, " -> "))
}

// MissingDependencyError reports a dependsOn or edge endpoint that
// names a task absent from the DAG.
type MissingDependencyError struct {
	TaskID  string
	Missing string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("task %s: missing dependency %q", e.TaskID, e.Missing)
}

// InvalidReplanError reports a replan that drops or mutates
// already-completed tasks.
type InvalidReplanError struct {
	WorkflowID string
	Reason     string
}

func (e *InvalidReplanError) Error() string {
	return fmt.Sprintf("workflow %s: invalid replan: %s", e.WorkflowID, e.Reason)
}

// StoreConflictError reports a capability hash collision with a
// mismatched body. This is a programming error and is surfaced.
type StoreConflictError struct {
	CodeHash string
}

func (e *StoreConflictError) Error() string {
	return fmt.Sprintf("capability store: hash collision with mismatched body for %s", e.CodeHash)
}
