// Package router is the meta-tool surface the LLM client talks to:
// discover, execute, abort, continue and replan, with snake_case JSON
// envelopes at the boundary.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/casys-ai/pml-gateway/domain"
	"github.com/casys-ai/pml-gateway/executor"
	"github.com/casys-ai/pml-gateway/matcher"
	"github.com/casys-ai/pml-gateway/store"
	"github.com/casys-ai/pml-gateway/structure"
	"github.com/casys-ai/pml-gateway/suggest"
)

// Response statuses at the meta-tool boundary.
const (
	StatusSuccess          = "success"
	StatusSuggestions      = "suggestions"
	StatusApprovalRequired = "approval_required"
	StatusExecuteLocally   = "execute_locally"
)

// Options carries the optional knobs of an execute request.
type Options struct {
	Parameters      map[string]any `json:"parameters,omitempty"`
	UserID          string         `json:"user_id,omitempty"`
	ContextTools    []string       `json:"context_tools,omitempty"`
	ClientTools     []string       `json:"client_tools,omitempty"`
	LocalExecution  bool           `json:"local_execution,omitempty"`
	AllowEscalation bool           `json:"allow_escalation,omitempty"`
	Approved        *bool          `json:"approved,omitempty"`
}

// ExecuteRequest is the execute meta-tool's input.
type ExecuteRequest struct {
	Code             string  `json:"code,omitempty"`
	Intent           string  `json:"intent,omitempty"`
	ContinueWorkflow string  `json:"continue_workflow,omitempty"`
	Options          Options `json:"options,omitempty"`
}

// Suggestions is the payload of a suggestions response.
type Suggestions struct {
	SuggestedDAG *domain.DAG `json:"suggested_dag,omitempty"`
	Confidence   float64     `json:"confidence"`
}

// Response is the execute envelope. The meta call itself succeeds even
// when execution failed; ErrorCode carries the failure alongside
// StatusSuccess.
type Response struct {
	Status    string `json:"status"`
	Result    any    `json:"result,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`

	CapabilityID   string `json:"capability_id,omitempty"`
	CapabilityFQDN string `json:"capability_fqdn,omitempty"`

	ExecutionTimeMs int64       `json:"execution_time_ms"`
	DAG             *domain.DAG `json:"dag,omitempty"`

	WorkflowID   string         `json:"workflow_id,omitempty"`
	CheckpointID string         `json:"checkpoint_id,omitempty"`
	PendingLayer int            `json:"pending_layer,omitempty"`
	LayerResults map[string]any `json:"layer_results,omitempty"`

	Suggestions *Suggestions `json:"suggestions,omitempty"`

	Code        string   `json:"code,omitempty"`
	ToolsUsed   []string `json:"tools_used,omitempty"`
	ClientTools []string `json:"client_tools,omitempty"`
}

// AbortResponse acknowledges an abort.
type AbortResponse struct {
	Aborted bool `json:"aborted"`
}

// ToolHit is one ranked tool in a discover response.
type ToolHit struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// CapabilityHit is one ranked capability in a discover response.
type CapabilityHit struct {
	ID         string   `json:"id"`
	FQDN       string   `json:"fqdn"`
	Score      float64  `json:"score"`
	UsageCount int64    `json:"usage_count"`
	Tools      []string `json:"tools,omitempty"`
}

// DiscoverMeta exposes the live mixing state of the hybrid search.
type DiscoverMeta struct {
	Alpha     float64 `json:"alpha"`
	EdgeCount int     `json:"edge_count"`
}

// DiscoverResponse is the discover envelope.
type DiscoverResponse struct {
	Tools        []ToolHit       `json:"tools"`
	Capabilities []CapabilityHit `json:"capabilities"`
	Meta         DiscoverMeta    `json:"meta"`
}

// Deps are the router's collaborators.
type Deps struct {
	Builder      *structure.Builder
	Executor     *executor.Executor
	Suggester    *suggest.Suggester
	Thresholds   *matcher.Thresholds
	Capabilities store.CapabilityStore
	Checkpoints  store.CheckpointStore
	Graph        store.GraphStore
	Tools        suggest.ToolCatalog
	Embedder     store.Embedder
	Logger       *slog.Logger
}

// Router dispatches meta-tool calls onto the gateway components.
type Router struct {
	deps   Deps
	logger *slog.Logger
}

// New wires a router.
func New(deps Deps) *Router {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{deps: deps, logger: logger}
}

// Execute routes the request: continue a paused workflow, run code
// directly, or suggest from an intent. A request carrying none of
// those fails with EMPTY_CODE.
func (r *Router) Execute(ctx context.Context, req ExecuteRequest) (*Response, error) {
	start := time.Now()
	switch {
	case req.ContinueWorkflow != "":
		approved := true
		if req.Options.Approved != nil {
			approved = *req.Options.Approved
		}
		return r.Continue(ctx, req.ContinueWorkflow, approved, "")
	case req.Code != "":
		return r.executeCode(ctx, start, req)
	case req.Intent != "":
		return r.executeIntent(ctx, start, req)
	default:
		return &Response{
			Status:          StatusSuccess,
			ErrorCode:       domain.CodeEmptyCode,
			ExecutionTimeMs: time.Since(start).Milliseconds(),
		}, nil
	}
}

// executeCode runs the direct code path: build the static structure,
// derive the DAG and hand it to the executor.
func (r *Router) executeCode(ctx context.Context, start time.Time, req ExecuteRequest) (*Response, error) {
	s, err := r.deps.Builder.Build(ctx, req.Code)
	if err != nil {
		var parse *domain.ParseError
		if errors.As(err, &parse) {
			return &Response{
				Status:          StatusSuccess,
				ErrorCode:       string(domain.ErrTypeValidation),
				Result:          parse.Error(),
				ExecutionTimeMs: time.Since(start).Milliseconds(),
			}, nil
		}
		return nil, fmt.Errorf("build structure: %w", err)
	}
	dag := s.ToDAG()

	if clientOnly := intersect(s.Tools(), req.Options.ClientTools); len(clientOnly) > 0 {
		if !req.Options.LocalExecution {
			return &Response{
				Status:          StatusSuccess,
				ErrorCode:       domain.CodeClientToolsRequirePackage,
				ClientTools:     clientOnly,
				ExecutionTimeMs: time.Since(start).Milliseconds(),
			}, nil
		}
		return &Response{
			Status:          StatusExecuteLocally,
			Code:            req.Code,
			ToolsUsed:       s.Tools(),
			ClientTools:     clientOnly,
			DAG:             dag,
			ExecutionTimeMs: time.Since(start).Milliseconds(),
		}, nil
	}

	res, err := r.deps.Executor.Execute(ctx, executor.Input{
		DAG:              dag,
		Intent:           req.Intent,
		UserID:           req.Options.UserID,
		Parameters:       req.Options.Parameters,
		LiteralBindings:  s.LiteralBindings,
		VariableBindings: s.VariableBindings,
		SourceCode:       req.Code,
		AllowEscalation:  req.Options.AllowEscalation,
	})
	if err != nil {
		return r.executionError(start, err)
	}
	return r.executionResponse(start, res, dag), nil
}

// executeIntent runs suggestion mode. A capability match confident
// enough for the context's explicit threshold executes directly and
// feeds the adaptive threshold; anything else returns suggestions.
func (r *Router) executeIntent(ctx context.Context, start time.Time, req ExecuteRequest) (*Response, error) {
	sg, err := r.deps.Suggester.Suggest(ctx, req.Intent, req.Options.ContextTools, req.Options.Parameters)
	if err != nil {
		return nil, fmt.Errorf("suggest: %w", err)
	}

	if sg.Capability != nil && r.deps.Thresholds != nil {
		hash := matcher.ContextHash(req.Options.ContextTools)
		if sg.Confidence >= r.deps.Thresholds.Explicit(ctx, hash) {
			res, err := r.deps.Executor.Execute(ctx, executor.Input{
				DAG:             sg.DAG,
				Intent:          req.Intent,
				UserID:          req.Options.UserID,
				Parameters:      req.Options.Parameters,
				CapabilityID:    sg.Capability.ID,
				AllowEscalation: req.Options.AllowEscalation,
			})
			if err != nil {
				return r.executionError(start, err)
			}
			if res.Status == domain.WorkflowCompleted || res.Status == domain.WorkflowFailed {
				fbErr := r.deps.Thresholds.Feedback(ctx, hash, req.Options.ContextTools,
					res.Status == domain.WorkflowCompleted)
				if fbErr != nil {
					r.logger.Warn("threshold feedback failed",
						slog.String("context_hash", hash),
						slog.String("error", fbErr.Error()))
				}
			}
			out := r.executionResponse(start, res, sg.DAG)
			out.CapabilityID = sg.Capability.ID
			out.CapabilityFQDN = sg.Capability.FQDN.String()
			return out, nil
		}
	}

	return &Response{
		Status:          StatusSuggestions,
		Suggestions:     &Suggestions{SuggestedDAG: sg.DAG, Confidence: sg.Confidence},
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}, nil
}

// Continue resumes an approval-paused workflow with the caller's
// decision. Denial finishes the workflow aborted; the envelope is a
// normal success with a null result.
func (r *Router) Continue(ctx context.Context, workflowID string, approved bool, checkpointID string) (*Response, error) {
	start := time.Now()
	_ = checkpointID // resume always continues from the latest checkpoint
	res, err := r.deps.Executor.Resume(ctx, workflowID, approved)
	if err != nil {
		return r.executionError(start, err)
	}
	return r.executionResponse(start, res, nil), nil
}

// Abort cancels a workflow. Idempotent.
func (r *Router) Abort(ctx context.Context, workflowID string) (*AbortResponse, error) {
	if err := r.deps.Executor.Abort(ctx, workflowID); err != nil {
		return nil, err
	}
	return &AbortResponse{Aborted: true}, nil
}

// Replan swaps a paused workflow's DAG. The workflow stays paused; the
// response points at the checkpoint an explicit Continue will resume
// from.
func (r *Router) Replan(ctx context.Context, workflowID string, newDAG *domain.DAG) (*Response, error) {
	start := time.Now()
	if err := r.deps.Executor.Replan(ctx, workflowID, newDAG); err != nil {
		return r.executionError(start, err)
	}
	out := &Response{
		Status:          StatusApprovalRequired,
		WorkflowID:      workflowID,
		DAG:             newDAG,
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}
	if r.deps.Checkpoints != nil {
		if cp, err := r.deps.Checkpoints.LatestCheckpoint(ctx, workflowID); err == nil && cp != nil {
			out.CheckpointID = cp.ID
			out.PendingLayer = cp.Layer
		}
	}
	return out, nil
}

// Discover runs the hybrid search over tools and capabilities and
// reports the live graph mixing state.
func (r *Router) Discover(ctx context.Context, query string) (*DiscoverResponse, error) {
	out := &DiscoverResponse{
		Tools:        []ToolHit{},
		Capabilities: []CapabilityHit{},
	}

	if r.deps.Tools != nil {
		hits, err := r.deps.Tools.SearchTools(ctx, query, 10)
		if err != nil {
			return nil, fmt.Errorf("search tools: %w", err)
		}
		for _, h := range hits {
			out.Tools = append(out.Tools, ToolHit{Name: h.Name, Score: h.Score})
		}
	}

	if r.deps.Capabilities != nil && r.deps.Embedder != nil {
		embedding, err := r.deps.Embedder.Embed(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("embed query: %w", err)
		}
		scored, err := r.deps.Capabilities.SearchByIntent(ctx, embedding, 5)
		if err != nil {
			return nil, fmt.Errorf("search capabilities: %w", err)
		}
		for _, sc := range scored {
			out.Capabilities = append(out.Capabilities, CapabilityHit{
				ID:         sc.Capability.ID,
				FQDN:       sc.Capability.FQDN.String(),
				Score:      sc.Similarity,
				UsageCount: sc.Capability.Stats.UsageCount,
				Tools:      sc.Capability.Tools,
			})
		}
	}

	out.Meta = DiscoverMeta{Alpha: 1}
	if r.deps.Graph != nil {
		edges, err := r.deps.Graph.Edges(ctx)
		if err != nil {
			return nil, fmt.Errorf("load dependency graph: %w", err)
		}
		g := matcher.NewGraph(edges)
		alpha := 1 - 2*g.Density()
		if alpha < 0.5 {
			alpha = 0.5
		}
		out.Meta = DiscoverMeta{Alpha: alpha, EdgeCount: len(edges)}
	}
	return out, nil
}

// executionResponse maps an executor result onto the wire envelope.
func (r *Router) executionResponse(start time.Time, res *executor.Result, dag *domain.DAG) *Response {
	out := &Response{
		ExecutionTimeMs: time.Since(start).Milliseconds(),
		WorkflowID:      res.WorkflowID,
		DAG:             dag,
	}
	switch res.Status {
	case domain.WorkflowPaused:
		out.Status = StatusApprovalRequired
		out.CheckpointID = res.CheckpointID
		out.PendingLayer = res.PendingLayer
		out.LayerResults = res.LayerResults
	case domain.WorkflowCompleted:
		out.Status = StatusSuccess
		out.Result = res.Output
		if res.Learned != nil {
			out.CapabilityID = res.Learned.Capability.ID
			out.CapabilityFQDN = res.Learned.Capability.FQDN.String()
		}
	case domain.WorkflowFailed:
		out.Status = StatusSuccess
		out.ErrorCode = string(res.ErrorType)
		if out.ErrorCode == "" {
			out.ErrorCode = string(domain.ErrTypeUnknown)
		}
	case domain.WorkflowAborted:
		// Cancellation is not an error.
		out.Status = StatusSuccess
	default:
		out.Status = StatusSuccess
	}
	return out
}

// executionError maps boundary errors (validation, resolution, state)
// onto error codes. The meta call still succeeds.
func (r *Router) executionError(start time.Time, err error) (*Response, error) {
	out := &Response{
		Status:          StatusSuccess,
		Result:          err.Error(),
		ExecutionTimeMs: time.Since(start).Milliseconds(),
	}
	var (
		missingParam *domain.MissingParameterError
		unresolved   *domain.UnresolvedReferenceError
		cycle        *domain.DependencyCycleError
		missingDep   *domain.MissingDependencyError
		badState     *domain.InvalidStateTransitionError
		badReplan    *domain.InvalidReplanError
	)
	switch {
	case errors.As(err, &missingParam):
		out.ErrorCode = domain.CodeMissingParameter
	case errors.As(err, &unresolved):
		out.ErrorCode = domain.CodeUnresolvedReference
	case errors.As(err, &cycle), errors.As(err, &missingDep),
		errors.As(err, &badState), errors.As(err, &badReplan):
		out.ErrorCode = string(domain.ErrTypeValidation)
	default:
		return nil, err
	}
	return out, nil
}

// intersect returns the members of have that also appear in wanted,
// preserving have's order.
func intersect(have, wanted []string) []string {
	if len(wanted) == 0 {
		return nil
	}
	set := make(map[string]bool, len(wanted))
	for _, w := range wanted {
		set[w] = true
	}
	var out []string
	for _, h := range have {
		if set[h] {
			out = append(out, h)
		}
	}
	return out
}
