// Package executor runs validated DAGs: parallel dispatch up to a
// concurrency limit, decision evaluation, speculative execution,
// approval gates with checkpoints, cancellation, replanning and eager
// capability learning.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/casys-ai/pml-gateway/cache"
	"github.com/casys-ai/pml-gateway/domain"
	"github.com/casys-ai/pml-gateway/store"
)

var (
	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pml_executor_tasks_total",
		Help: "Task dispatch outcomes.",
	}, []string{"outcome"})

	workflowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pml_executor_workflows_total",
		Help: "Workflow terminal statuses.",
	}, []string{"status"})

	speculationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pml_executor_speculation_total",
		Help: "Speculative execution outcomes.",
	}, []string{"result"})
)

// Sandbox executes a code snippet with the given inputs under a
// permission set. The worker pool behind it is shared across workflows;
// a saturated pool blocks the call.
type Sandbox interface {
	Run(ctx context.Context, code string, inputs map[string]any, perms domain.PermissionSet) (any, error)
}

// ToolInvoker dispatches a tool call to the downstream MCP servers.
type ToolInvoker interface {
	Invoke(ctx context.Context, tool string, args map[string]any) (any, error)
}

// Predictor supplies speculation decisions: the arguments a task is
// expected to run with and the confidence of that prediction. A nil
// args map means no prediction.
type Predictor interface {
	Predict(workflowID string, task domain.Task) (args map[string]any, confidence float64)
}

// Emitter publishes lifecycle events.
type Emitter interface {
	Emit(event domain.Event)
}

// Recorder accepts the per-run execution trace.
type Recorder interface {
	RecordExecution(tr domain.ExecutionTrace)
}

// Config bounds a single workflow's execution.
type Config struct {
	// MaxConcurrency is the parallel dispatch limit per workflow.
	MaxConcurrency int

	// DefaultTaskTimeout bounds a task invocation without its own
	// timeout.
	DefaultTaskTimeout time.Duration

	// AbortTimeout is the grace window in-flight tasks get after an
	// abort before the workflow transitions regardless.
	AbortTimeout time.Duration

	// CheckpointsPerWorkflow is how many recent checkpoints survive
	// pruning.
	CheckpointsPerWorkflow int

	// CheckpointEveryLayer also writes a checkpoint when a topological
	// layer fully completes.
	CheckpointEveryLayer bool

	// SpeculationThreshold is the predictor confidence at or above
	// which a task may start before its nominal ready time.
	SpeculationThreshold float64

	// DangerousToolPattern suppresses speculation for matching tool
	// names.
	DangerousToolPattern string
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrency <= 0 {
		c.MaxConcurrency = 8
	}
	if c.DefaultTaskTimeout <= 0 {
		c.DefaultTaskTimeout = 30 * time.Second
	}
	if c.AbortTimeout <= 0 {
		c.AbortTimeout = 5 * time.Second
	}
	if c.CheckpointsPerWorkflow <= 0 {
		c.CheckpointsPerWorkflow = 5
	}
	if c.SpeculationThreshold <= 0 {
		c.SpeculationThreshold = 0.85
	}
	return c
}

// Deps are the executor's collaborators. Sandbox and Tools are
// required; everything else degrades gracefully when nil.
type Deps struct {
	Sandbox      Sandbox
	Tools        ToolInvoker
	Capabilities store.CapabilityStore
	Checkpoints  store.CheckpointStore
	Cache        cache.WorkflowCache
	Graph        store.GraphStore
	Predictor    Predictor
	Bus          Emitter
	Sink         Recorder
	Logger       *slog.Logger
}

// Input describes one execution request.
type Input struct {
	// WorkflowID is assigned when empty.
	WorkflowID string

	DAG *domain.DAG

	Intent string
	UserID string

	// Parameters are the caller-supplied external inputs.
	Parameters map[string]any

	// LiteralBindings and VariableBindings come from the static
	// structure when the DAG was built from a snippet.
	LiteralBindings  map[string]any
	VariableBindings map[string]string

	// SourceCode, when set, marks the DAG as snippet-derived: a
	// successful run learns it as a capability.
	SourceCode string

	// CapabilityID is set when the DAG invokes a stored capability
	// directly; it routes stats feedback and disables eager learning.
	CapabilityID string

	// AllowEscalation permits a single permission re-dispatch after a
	// PERMISSION failure.
	AllowEscalation bool
}

// Result is the outcome of Execute, Resume or a drained abort.
type Result struct {
	WorkflowID string
	Status     domain.WorkflowStatus

	// Results maps task ID to its recorded result.
	Results map[string]domain.TaskResult

	// Output is the result of the last successfully completed task.
	Output any

	// ErrorType is the first failed task's classification, if any.
	ErrorType domain.ErrorType

	// Approval-gate fields, set when Status is paused.
	CheckpointID string
	PendingLayer int
	LayerResults map[string]any

	// Learned reports the eager-learning outcome, if any.
	Learned *store.SaveResult
}

// Executor owns the lifecycle of running workflows. One scheduler
// goroutine set per call; the executor itself only tracks abort
// handles.
type Executor struct {
	cfg       Config
	deps      Deps
	dangerous *regexp.Regexp
	logger    *slog.Logger

	mu     sync.Mutex
	active map[string]*workflowRun
}

// New wires an executor.
func New(cfg Config, deps Deps) (*Executor, error) {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var dangerous *regexp.Regexp
	if cfg.DangerousToolPattern != "" {
		re, err := regexp.Compile(cfg.DangerousToolPattern)
		if err != nil {
			return nil, fmt.Errorf("compile dangerous tool pattern: %w", err)
		}
		dangerous = re
	}
	return &Executor{
		cfg:       cfg,
		deps:      deps,
		dangerous: dangerous,
		logger:    logger,
		active:    make(map[string]*workflowRun),
	}, nil
}

// Execute validates and runs the DAG. Synchronous from the caller's
// view; internally concurrent. Validation failures surface before any
// task dispatches.
func (e *Executor) Execute(ctx context.Context, in Input) (*Result, error) {
	if in.DAG == nil || len(in.DAG.Tasks) == 0 {
		return nil, fmt.Errorf("executor: empty dag")
	}
	if err := in.DAG.Validate(); err != nil {
		return nil, err
	}
	if in.WorkflowID == "" {
		in.WorkflowID = uuid.NewString()
	}

	run := newRun(in)
	if err := e.register(run); err != nil {
		return nil, err
	}
	defer e.unregister(run.id)

	if e.deps.Cache != nil {
		state := &domain.WorkflowState{
			WorkflowID: in.WorkflowID,
			DAG:        in.DAG,
			Intent:     in.Intent,
			Status:     domain.WorkflowRunning,
			CreatedAt:  run.started,
		}
		if err := e.deps.Cache.Save(ctx, state); err != nil {
			return nil, fmt.Errorf("save workflow state: %w", err)
		}
	}
	e.emit(domain.Event{Type: domain.EventDAGStart, WorkflowID: in.WorkflowID,
		Payload: map[string]any{"tasks": len(in.DAG.Tasks)}})

	return e.runLoop(ctx, run)
}

// Resume continues an approval-paused workflow. approved=false aborts
// it; the workflow finishes aborted, not failed. Resuming a workflow
// that already reached a terminal status returns that status again.
func (e *Executor) Resume(ctx context.Context, workflowID string, approved bool) (*Result, error) {
	if e.deps.Cache == nil || e.deps.Checkpoints == nil {
		return nil, fmt.Errorf("executor: resume requires cache and checkpoint store")
	}
	state, err := e.deps.Cache.Get(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", workflowID, err)
	}
	cp, err := e.deps.Checkpoints.LatestCheckpoint(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint for %s: %w", workflowID, err)
	}

	if state.Status.Terminal() {
		res := &Result{WorkflowID: workflowID, Status: state.Status}
		if cp != nil {
			res.Results = cp.State.Completed
		}
		return res, nil
	}
	if state.Status != domain.WorkflowPaused {
		return nil, &domain.InvalidStateTransitionError{
			WorkflowID: workflowID, From: state.Status, To: domain.WorkflowRunning}
	}
	if cp == nil {
		return nil, fmt.Errorf("workflow %s: no checkpoint to resume from", workflowID)
	}

	if !approved {
		if err := e.transition(ctx, workflowID, domain.WorkflowAborted); err != nil {
			return nil, err
		}
		e.emit(domain.Event{Type: domain.EventDAGAborted, WorkflowID: workflowID,
			Payload: map[string]any{"reason": "approval_denied"}})
		workflowsTotal.WithLabelValues(string(domain.WorkflowAborted)).Inc()
		return &Result{WorkflowID: workflowID, Status: domain.WorkflowAborted,
			Results: cp.State.Completed}, nil
	}

	if err := e.transition(ctx, workflowID, domain.WorkflowRunning); err != nil {
		return nil, err
	}
	in := Input{
		WorkflowID:      workflowID,
		DAG:             state.DAG,
		Intent:          state.Intent,
		Parameters:      cp.State.Parameters,
		LiteralBindings: cp.State.LiteralBindings,
	}
	run := newRun(in)
	for _, layer := range state.DAG.TopoLayers() {
		for _, id := range layer {
			if res, done := cp.State.Completed[id]; done {
				run.completed[id] = res
				if res.Success {
					run.executedPath = append(run.executedPath, id)
				}
			}
		}
	}
	for id, outcome := range cp.State.Decisions {
		run.decisions[id] = outcome
	}
	if cp.State.AwaitingApproval != "" {
		run.approved[cp.State.AwaitingApproval] = true
	}
	if err := e.register(run); err != nil {
		return nil, err
	}
	defer e.unregister(run.id)

	return e.runLoop(ctx, run)
}

// Abort requests cancellation. In-flight tasks get the grace window;
// completed results are preserved. Aborting an absent or already
// terminal workflow is a no-op.
func (e *Executor) Abort(ctx context.Context, workflowID string) error {
	e.mu.Lock()
	run, ok := e.active[workflowID]
	e.mu.Unlock()
	if ok {
		run.requestAbort()
		return nil
	}
	if e.deps.Cache == nil {
		return nil
	}
	state, err := e.deps.Cache.Get(ctx, workflowID)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load workflow %s: %w", workflowID, err)
	}
	if state.Status.Terminal() {
		return nil
	}
	if err := e.transition(ctx, workflowID, domain.WorkflowAborted); err != nil {
		return err
	}
	e.emit(domain.Event{Type: domain.EventDAGAborted, WorkflowID: workflowID})
	workflowsTotal.WithLabelValues(string(domain.WorkflowAborted)).Inc()
	return nil
}

// Replan swaps a paused workflow's DAG. The new DAG must validate and
// must preserve every already-completed task ID; the workflow stays
// paused until an explicit Resume.
func (e *Executor) Replan(ctx context.Context, workflowID string, newDAG *domain.DAG) error {
	if e.deps.Cache == nil || e.deps.Checkpoints == nil {
		return fmt.Errorf("executor: replan requires cache and checkpoint store")
	}
	if newDAG == nil || len(newDAG.Tasks) == 0 {
		return &domain.InvalidReplanError{WorkflowID: workflowID, Reason: "empty dag"}
	}
	if err := newDAG.Validate(); err != nil {
		return err
	}
	state, err := e.deps.Cache.Get(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("load workflow %s: %w", workflowID, err)
	}
	if state.Status != domain.WorkflowPaused {
		return &domain.InvalidReplanError{WorkflowID: workflowID,
			Reason: fmt.Sprintf("workflow is %s, not paused", state.Status)}
	}
	cp, err := e.deps.Checkpoints.LatestCheckpoint(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("load checkpoint for %s: %w", workflowID, err)
	}
	if cp != nil {
		for id := range cp.State.Completed {
			if newDAG.Task(id) == nil {
				return &domain.InvalidReplanError{WorkflowID: workflowID,
					Reason: fmt.Sprintf("completed task %s missing from new dag", id)}
			}
		}
	}
	err = e.deps.Cache.Update(ctx, workflowID, func(s *domain.WorkflowState) error {
		s.DAG = newDAG
		return nil
	})
	if err != nil {
		return fmt.Errorf("store replanned dag: %w", err)
	}
	e.emit(domain.Event{Type: domain.EventDAGReplanned, WorkflowID: workflowID,
		Payload: map[string]any{"tasks": len(newDAG.Tasks)}})
	return nil
}

// InFlight reports the number of currently running workflows.
func (e *Executor) InFlight() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

func (e *Executor) register(run *workflowRun) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.active[run.id]; dup {
		return fmt.Errorf("workflow %s already running", run.id)
	}
	e.active[run.id] = run
	return nil
}

func (e *Executor) unregister(id string) {
	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()
}

// transition applies a guarded status change to the cached state.
func (e *Executor) transition(ctx context.Context, workflowID string, to domain.WorkflowStatus) error {
	return e.deps.Cache.Update(ctx, workflowID, func(s *domain.WorkflowState) error {
		if !domain.CanTransition(s.Status, to) {
			return &domain.InvalidStateTransitionError{WorkflowID: workflowID, From: s.Status, To: to}
		}
		s.Status = to
		return nil
	})
}

func (e *Executor) emit(event domain.Event) {
	if e.deps.Bus != nil {
		e.deps.Bus.Emit(event)
	}
}
