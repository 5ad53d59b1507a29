package executor

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casys-ai/pml-gateway/domain"
	"github.com/casys-ai/pml-gateway/store"
	"github.com/casys-ai/pml-gateway/structure"
)

// workflowRun is the single-scheduler-goroutine state of one running
// workflow. Only the scheduler mutates it; dispatch goroutines
// communicate exclusively through the completions channel.
type workflowRun struct {
	id string
	in Input

	dag     *domain.DAG
	layerOf map[string]int

	completed   map[string]domain.TaskResult
	decisions   map[string]string
	running     map[string]bool
	unreachable map[string]bool
	approved    map[string]bool
	escalated   map[string]bool

	spec *speculation

	seq          int64
	executedPath []string
	decisionRecs []domain.DecisionRecord
	started      time.Time

	abort     chan struct{}
	abortOnce sync.Once
}

// completion is one task outcome arriving at the scheduler. seq is
// assigned on receipt so completions are totally ordered per workflow.
type completion struct {
	result      domain.TaskResult
	speculative bool
	fingerprint string

	// capRowID routes stats feedback for capability tasks.
	capRowID string
}

func newRun(in Input) *workflowRun {
	layerOf := make(map[string]int, len(in.DAG.Tasks))
	for layer, ids := range in.DAG.TopoLayers() {
		for _, id := range ids {
			layerOf[id] = layer
		}
	}
	return &workflowRun{
		id:          in.WorkflowID,
		in:          in,
		dag:         in.DAG,
		layerOf:     layerOf,
		completed:   make(map[string]domain.TaskResult),
		decisions:   make(map[string]string),
		running:     make(map[string]bool),
		unreachable: make(map[string]bool),
		approved:    make(map[string]bool),
		escalated:   make(map[string]bool),
		spec:        newSpeculation(),
		started:     time.Now().UTC(),
		abort:       make(chan struct{}),
	}
}

func (run *workflowRun) requestAbort() {
	run.abortOnce.Do(func() { close(run.abort) })
}

func (run *workflowRun) aborted() bool {
	select {
	case <-run.abort:
		return true
	default:
		return false
	}
}

// depSatisfied reports whether taskID may treat dep as done: a
// successful completion, a skipped branch, a failure taskID is the
// alternative for, or a failure some alternative already recovered.
func (run *workflowRun) depSatisfied(taskID, dep string) bool {
	if res, ok := run.completed[dep]; ok {
		if res.Success {
			return true
		}
		for _, alt := range run.dag.AlternativeTargets(dep) {
			if alt == taskID {
				return true
			}
			if r, done := run.completed[alt]; done && r.Success {
				return true
			}
		}
		return false
	}
	return run.unreachable[dep]
}

// ready returns the dispatchable tasks in deterministic order:
// topological layer ascending, then task ID ascending. Guarded tasks
// whose decision resolved to another outcome are marked unreachable as
// a side effect.
func (run *workflowRun) ready() []string {
	var out []string
	for _, t := range run.dag.Tasks {
		id := t.ID
		if run.running[id] || run.unreachable[id] || run.spec.inFlight(id) {
			continue
		}
		if _, done := run.completed[id]; done {
			continue
		}
		if t.Guard != nil {
			outcome, resolved := run.decisions[t.Guard.Decision]
			if !resolved {
				continue
			}
			if outcome != t.Guard.Outcome {
				run.unreachable[id] = true
				continue
			}
		}
		eligible := true
		for _, dep := range t.DependsOn {
			if !run.depSatisfied(id, dep) {
				eligible = false
				break
			}
		}
		if eligible {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		li, lj := run.layerOf[out[i]], run.layerOf[out[j]]
		if li != lj {
			return li < lj
		}
		return out[i] < out[j]
	})
	return out
}

// pending reports whether any task is neither completed nor skipped.
func (run *workflowRun) pending() bool {
	for _, t := range run.dag.Tasks {
		if _, done := run.completed[t.ID]; !done && !run.unreachable[t.ID] {
			return true
		}
	}
	return false
}

// runLoop is the scheduler: dispatch ready tasks up to the concurrency
// limit, then block on the next completion or abort. Instant nodes
// (fork, join, decision) resolve inline on the scheduler goroutine.
func (e *Executor) runLoop(ctx context.Context, run *workflowRun) (*Result, error) {
	// Buffered to the task count so dispatch goroutines never block on
	// send, even after the scheduler has returned.
	completions := make(chan completion, len(run.dag.Tasks)+1)

	for {
		if run.aborted() {
			return e.drainAbort(ctx, run, completions)
		}

		progressed := false
		for _, id := range run.ready() {
			if len(run.running) >= e.cfg.MaxConcurrency {
				break
			}
			t := run.dag.Task(id)

			if instant := e.resolveInstant(run, t); instant {
				progressed = true
				break // re-derive the ready set
			}

			if e.needsApproval(run, t) {
				if len(run.running) > 0 {
					continue // drain in-flight work before pausing
				}
				return e.pause(ctx, run, t)
			}

			if c, hit := e.consumeSpeculation(run, t); hit {
				e.applyCompletion(ctx, run, c)
				progressed = true
				break
			}

			args, err := run.materialize(t)
			if err != nil {
				return e.failFast(ctx, run, err)
			}
			run.running[id] = true
			e.emit(domain.Event{Type: domain.EventTaskStart, WorkflowID: run.id, TaskID: id,
				Payload: map[string]any{"tool": t.Tool}})
			go e.dispatch(ctx, run, *t, args, t.PermissionSet, false, completions)
			progressed = true
		}
		if progressed {
			continue
		}

		e.speculate(ctx, run, completions)

		if len(run.running) == 0 && !run.spec.anyInFlight() {
			// Nothing runnable and nothing in flight: terminal.
			return e.finalize(ctx, run)
		}

		select {
		case c := <-completions:
			if e.applyCompletion(ctx, run, c) {
				e.maybeLayerCheckpoint(ctx, run, c.result.TaskID)
				e.maybeEscalate(ctx, run, c, completions)
			}
		case <-run.abort:
			return e.drainAbort(ctx, run, completions)
		case <-ctx.Done():
			run.requestAbort()
			return e.drainAbort(ctx, run, completions)
		}
	}
}

// resolveInstant completes fork, join and decision nodes on the
// scheduler goroutine. Returns false for dispatchable task types.
func (e *Executor) resolveInstant(run *workflowRun, t *domain.Task) bool {
	switch t.Type {
	case domain.TaskFork, domain.TaskJoin:
		run.record(domain.TaskResult{TaskID: t.ID, Tool: t.Tool, Success: true})
		return true
	case domain.TaskDecision:
		outcome, err := run.evalDecision(t)
		res := domain.TaskResult{TaskID: t.ID, Tool: t.Tool, Success: err == nil}
		if err != nil {
			res.Error = err.Error()
			res.ErrorType = domain.ClassifyError(err)
		} else {
			run.decisions[t.ID] = outcome
			run.decisionRecs = append(run.decisionRecs, domain.DecisionRecord{
				NodeID: t.ID, Outcome: outcome, Condition: t.Condition})
			res.Result = outcome
		}
		run.record(res)
		return true
	}
	return false
}

// needsApproval reports whether the task must pause for a human
// decision. Pure operations never gate.
func (e *Executor) needsApproval(run *workflowRun, t *domain.Task) bool {
	if !t.RequiresApproval || run.approved[t.ID] {
		return false
	}
	if t.IsPure() {
		return false
	}
	if op, ok := strings.CutPrefix(t.Tool, "code:"); ok && structure.IsPureOp(op) {
		return false
	}
	return true
}

// dispatch runs one task against the right collaborator, racing the
// per-task timeout. Errors are captured into the result; they never
// unwind.
func (e *Executor) dispatch(ctx context.Context, run *workflowRun, t domain.Task, args map[string]any, perms domain.PermissionSet, speculative bool, completions chan<- completion) {
	timeout := e.cfg.DefaultTaskTimeout
	if t.TimeoutMs > 0 {
		timeout = time.Duration(t.TimeoutMs) * time.Millisecond
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	go func() {
		// Propagate abort into the external invocation.
		select {
		case <-run.abort:
			cancel()
		case <-tctx.Done():
		}
	}()

	start := time.Now()
	var out any
	var err error
	var capRowID string

	switch {
	case t.Type == domain.TaskCapability:
		out, capRowID, err = e.runCapability(tctx, &t, args)
	case t.Type == domain.TaskCodeExecution, strings.HasPrefix(t.Tool, "code:"):
		out, err = e.deps.Sandbox.Run(tctx, t.StaticCode, args, perms)
	default:
		out, err = e.deps.Tools.Invoke(tctx, t.Tool, args)
	}

	res := domain.TaskResult{
		TaskID:     t.ID,
		Tool:       t.Tool,
		Args:       args,
		Result:     out,
		Success:    err == nil,
		DurationMs: time.Since(start).Milliseconds(),
		Speculated: speculative,
	}
	if err != nil {
		if errors.Is(tctx.Err(), context.DeadlineExceeded) {
			res.ErrorType = domain.ErrTypeTimeout
		} else {
			res.ErrorType = domain.ClassifyError(err)
		}
		res.Error = err.Error()
		res.Result = nil
	}
	completions <- completion{
		result:      res,
		speculative: speculative,
		fingerprint: fingerprint(args),
		capRowID:    capRowID,
	}
}

// runCapability loads the stored capability and runs its snippet with
// the materialised arguments as parameters.
func (e *Executor) runCapability(ctx context.Context, t *domain.Task, args map[string]any) (any, string, error) {
	if e.deps.Capabilities == nil {
		return nil, "", errors.New("no capability store configured")
	}
	fqdn, err := domain.ParseFQDN(t.CapabilityID)
	if err != nil {
		return nil, "", err
	}
	cap, err := e.deps.Capabilities.FindByFQDN(ctx, fqdn)
	if err != nil {
		return nil, "", err
	}
	out, err := e.deps.Sandbox.Run(ctx, cap.CodeSnippet, args, cap.PermissionSet)
	return out, cap.ID, err
}

// applyCompletion folds one task outcome into the run state. It
// reports whether the result was recorded; speculative results are
// held instead until the task becomes actually ready.
func (e *Executor) applyCompletion(ctx context.Context, run *workflowRun, c completion) bool {
	id := c.result.TaskID
	delete(run.running, id)

	if c.speculative && run.spec.inFlight(id) {
		run.spec.store(id, c)
		return false
	}

	run.record(c.result)
	outcome := "success"
	if !c.result.Success {
		outcome = "failure"
	}
	tasksTotal.WithLabelValues(outcome).Inc()
	e.emit(domain.Event{Type: domain.EventTaskEnd, WorkflowID: run.id, TaskID: id,
		Payload: map[string]any{
			"tool":        c.result.Tool,
			"success":     c.result.Success,
			"duration_ms": c.result.DurationMs,
			"speculated":  c.result.Speculated,
		}})

	if c.capRowID != "" && e.deps.Capabilities != nil {
		if err := e.deps.Capabilities.UpdateStats(ctx, c.capRowID, c.result.Success, c.result.DurationMs); err != nil {
			e.logger.Warn("capability stats update failed",
				"capability_id", c.capRowID, "error", err)
		}
		e.emit(domain.Event{Type: domain.EventCapabilityUsed, WorkflowID: run.id,
			CapabilityID: c.capRowID,
			Payload:      map[string]any{"success": c.result.Success}})
	}
	return true
}

// record appends the result in completion-sequence order.
func (run *workflowRun) record(res domain.TaskResult) {
	run.seq++
	run.completed[res.TaskID] = res
	if res.Success {
		run.executedPath = append(run.executedPath, res.TaskID)
	}
}

// maybeEscalate retries a PERMISSION failure once at the trusted level
// when the workflow allows escalation. The retry is audited on the bus.
func (e *Executor) maybeEscalate(ctx context.Context, run *workflowRun, c completion, completions chan<- completion) {
	res := c.result
	if res.Success || res.ErrorType != domain.ErrTypePermission {
		return
	}
	if !run.in.AllowEscalation || run.escalated[res.TaskID] {
		return
	}
	t := run.dag.Task(res.TaskID)
	if t == nil || t.PermissionSet.Covers(domain.PermTrusted) {
		return
	}
	run.escalated[res.TaskID] = true
	delete(run.completed, res.TaskID)
	run.executedPath = trimLast(run.executedPath, res.TaskID)

	e.emit(domain.Event{Type: domain.EventPermissionEscalation, WorkflowID: run.id,
		TaskID: res.TaskID,
		Payload: map[string]any{
			"from": string(t.PermissionSet),
			"to":   string(domain.PermTrusted),
		}})

	args, err := run.materialize(t)
	if err != nil {
		// The first dispatch materialised the same arguments; keep the
		// recorded failure if they no longer resolve.
		run.completed[res.TaskID] = res
		return
	}
	run.running[res.TaskID] = true
	go e.dispatch(ctx, run, *t, args, domain.PermTrusted, false, completions)
}

func trimLast(path []string, id string) []string {
	if len(path) > 0 && path[len(path)-1] == id {
		return path[:len(path)-1]
	}
	return path
}

// pause suspends the workflow at an approval gate: checkpoint, cached
// state refresh, paused result. No tasks are in flight here.
func (e *Executor) pause(ctx context.Context, run *workflowRun, gate *domain.Task) (*Result, error) {
	layer := run.layerOf[gate.ID]
	cp := domain.Checkpoint{
		ID:         uuid.NewString(),
		WorkflowID: run.id,
		Timestamp:  time.Now().UTC(),
		Layer:      layer,
		State:      run.checkpointState(gate.ID),
	}
	if e.deps.Checkpoints != nil {
		if err := e.deps.Checkpoints.SaveCheckpoint(ctx, cp, e.cfg.CheckpointsPerWorkflow); err != nil {
			return nil, err
		}
	}
	if e.deps.Cache != nil {
		if err := e.transition(ctx, run.id, domain.WorkflowPaused); err != nil {
			return nil, err
		}
	}
	e.emit(domain.Event{Type: domain.EventDAGPaused, WorkflowID: run.id, TaskID: gate.ID,
		Payload: map[string]any{"checkpoint_id": cp.ID, "layer": layer}})

	layerResults := make(map[string]any, len(run.completed))
	for id, res := range run.completed {
		if res.Success {
			layerResults[id] = res.Result
		}
	}
	return &Result{
		WorkflowID:   run.id,
		Status:       domain.WorkflowPaused,
		Results:      run.results(),
		CheckpointID: cp.ID,
		PendingLayer: layer,
		LayerResults: layerResults,
	}, nil
}

func (run *workflowRun) checkpointState(awaiting string) domain.CheckpointState {
	completed := make(map[string]domain.TaskResult, len(run.completed))
	for id, res := range run.completed {
		completed[id] = res
	}
	var pending []string
	for _, t := range run.dag.Tasks {
		if _, done := run.completed[t.ID]; !done {
			pending = append(pending, t.ID)
		}
	}
	sort.Strings(pending)
	decisions := make(map[string]string, len(run.decisions))
	for id, outcome := range run.decisions {
		decisions[id] = outcome
	}
	return domain.CheckpointState{
		Completed:        completed,
		Decisions:        decisions,
		Pending:          pending,
		AwaitingApproval: awaiting,
		Parameters:       run.in.Parameters,
		LiteralBindings:  run.in.LiteralBindings,
	}
}

// maybeLayerCheckpoint writes a checkpoint when the completed task's
// layer has fully resolved.
func (e *Executor) maybeLayerCheckpoint(ctx context.Context, run *workflowRun, taskID string) {
	if !e.cfg.CheckpointEveryLayer || e.deps.Checkpoints == nil {
		return
	}
	layer := run.layerOf[taskID]
	for _, t := range run.dag.Tasks {
		if run.layerOf[t.ID] != layer {
			continue
		}
		if _, done := run.completed[t.ID]; !done && !run.unreachable[t.ID] {
			return
		}
	}
	cp := domain.Checkpoint{
		ID:         uuid.NewString(),
		WorkflowID: run.id,
		Timestamp:  time.Now().UTC(),
		Layer:      layer,
		State:      run.checkpointState(""),
	}
	if err := e.deps.Checkpoints.SaveCheckpoint(ctx, cp, e.cfg.CheckpointsPerWorkflow); err != nil {
		e.logger.Warn("layer checkpoint failed", "workflow_id", run.id, "error", err)
	}
}

// failFast aborts the run on a materialisation error: these are
// request-boundary failures, not captured task errors.
func (e *Executor) failFast(ctx context.Context, run *workflowRun, cause error) (*Result, error) {
	run.requestAbort()
	if e.deps.Cache != nil {
		if err := e.transition(ctx, run.id, domain.WorkflowFailed); err != nil {
			e.logger.Warn("failed-state transition", "workflow_id", run.id, "error", err)
		}
	}
	e.emit(domain.Event{Type: domain.EventDAGFailed, WorkflowID: run.id,
		Payload: map[string]any{"error": cause.Error()}})
	workflowsTotal.WithLabelValues(string(domain.WorkflowFailed)).Inc()
	return nil, cause
}

// drainAbort gives in-flight tasks the grace window, then finishes the
// workflow as aborted. Completed results are preserved.
func (e *Executor) drainAbort(ctx context.Context, run *workflowRun, completions <-chan completion) (*Result, error) {
	timer := time.NewTimer(e.cfg.AbortTimeout)
	defer timer.Stop()
	for len(run.running) > 0 {
		select {
		case c := <-completions:
			e.applyCompletion(ctx, run, c)
		case <-timer.C:
			for id := range run.running {
				delete(run.running, id)
			}
		}
	}
	if e.deps.Cache != nil {
		if err := e.transition(ctx, run.id, domain.WorkflowAborted); err != nil {
			e.logger.Warn("abort transition", "workflow_id", run.id, "error", err)
		}
	}
	e.emit(domain.Event{Type: domain.EventDAGAborted, WorkflowID: run.id})
	workflowsTotal.WithLabelValues(string(domain.WorkflowAborted)).Inc()
	e.recordTrace(run, domain.WorkflowAborted)
	return &Result{
		WorkflowID: run.id,
		Status:     domain.WorkflowAborted,
		Results:    run.results(),
		Output:     run.lastOutput(),
	}, nil
}

// finalize computes the terminal status, records the trace, learns the
// capability on success and maintains the observed dependency graph.
func (e *Executor) finalize(ctx context.Context, run *workflowRun) (*Result, error) {
	status := domain.WorkflowCompleted
	var errType domain.ErrorType
	for _, t := range run.dag.Tasks {
		res, done := run.completed[t.ID]
		if !done || res.Success {
			continue
		}
		if errType == "" {
			errType = res.ErrorType
		}
		if !run.alternativeSucceeded(t.ID) {
			status = domain.WorkflowFailed
		}
	}

	if e.deps.Cache != nil {
		if err := e.transition(ctx, run.id, status); err != nil {
			e.logger.Warn("terminal transition", "workflow_id", run.id, "error", err)
		}
	}

	result := &Result{
		WorkflowID: run.id,
		Status:     status,
		Results:    run.results(),
		Output:     run.lastOutput(),
		ErrorType:  errType,
	}

	if status == domain.WorkflowCompleted {
		e.emit(domain.Event{Type: domain.EventDAGCompleted, WorkflowID: run.id,
			Payload: map[string]any{"tasks": len(run.completed)}})
		e.observeEdges(ctx, run)
		result.Learned = e.learn(ctx, run)
	} else {
		e.emit(domain.Event{Type: domain.EventDAGFailed, WorkflowID: run.id,
			Payload: map[string]any{"error_type": string(errType)}})
	}
	workflowsTotal.WithLabelValues(string(status)).Inc()
	e.recordTrace(run, status)
	return result, nil
}

func (run *workflowRun) alternativeSucceeded(id string) bool {
	for _, alt := range run.dag.AlternativeTargets(id) {
		if res, done := run.completed[alt]; done && res.Success {
			return true
		}
	}
	return false
}

func (run *workflowRun) results() map[string]domain.TaskResult {
	out := make(map[string]domain.TaskResult, len(run.completed))
	for id, res := range run.completed {
		out[id] = res
	}
	return out
}

// lastOutput is the result value of the most recently completed
// successful task.
func (run *workflowRun) lastOutput() any {
	for i := len(run.executedPath) - 1; i >= 0; i-- {
		res := run.completed[run.executedPath[i]]
		if res.Result != nil {
			return res.Result
		}
	}
	return nil
}

// observeEdges upserts the sequential tool pairs of the executed path
// into the dependency graph.
func (e *Executor) observeEdges(ctx context.Context, run *workflowRun) {
	if e.deps.Graph == nil {
		return
	}
	var prev string
	for _, id := range run.executedPath {
		t := run.dag.Task(id)
		if t == nil || t.Tool == "" || strings.HasPrefix(t.Tool, "code:") {
			continue
		}
		if prev != "" && prev != t.Tool {
			if err := e.deps.Graph.ObserveEdge(ctx, prev, t.Tool, domain.EdgeSequence); err != nil {
				e.logger.Warn("observe edge", "from", prev, "to", t.Tool, "error", err)
			} else {
				e.emit(domain.Event{Type: domain.EventGraphEdgeObserved, WorkflowID: run.id,
					Payload: map[string]any{"from": prev, "to": t.Tool}})
			}
		}
		prev = t.Tool
	}
}

// learn saves a successfully executed snippet as a capability. Prior
// capability invocations do not re-learn.
func (e *Executor) learn(ctx context.Context, run *workflowRun) *store.SaveResult {
	if e.deps.Capabilities == nil || run.in.SourceCode == "" || run.in.CapabilityID != "" {
		return nil
	}
	saved, err := e.deps.Capabilities.Save(ctx, store.SaveRequest{
		Code:          run.in.SourceCode,
		Intent:        run.in.Intent,
		UserID:        run.in.UserID,
		Visibility:    domain.VisibilityPrivate,
		PermissionSet: run.highestPermission(),
	})
	if err != nil {
		e.logger.Warn("eager learning failed", "workflow_id", run.id, "error", err)
		return nil
	}
	e.emit(domain.Event{Type: domain.EventCapabilityLearned, WorkflowID: run.id,
		CapabilityID: saved.Capability.ID,
		Payload: map[string]any{
			"fqdn":   saved.Capability.FQDN.String(),
			"is_new": saved.IsNew,
		}})
	return saved
}

// highestPermission is the widest permission any task in the DAG ran
// under; the learned capability inherits it.
func (run *workflowRun) highestPermission() domain.PermissionSet {
	highest := domain.PermMinimal
	for _, t := range run.dag.Tasks {
		if t.PermissionSet != "" && t.PermissionSet.Covers(highest) {
			highest = t.PermissionSet
		}
	}
	return highest
}

// recordTrace hands the per-run record to the sink.
func (e *Executor) recordTrace(run *workflowRun, status domain.WorkflowStatus) {
	if e.deps.Sink == nil {
		return
	}
	results := make([]domain.TaskResult, 0, len(run.completed))
	for _, id := range run.executedPath {
		results = append(results, run.completed[id])
	}
	for _, t := range run.dag.Tasks {
		if res, done := run.completed[t.ID]; done && !res.Success {
			results = append(results, res)
		}
	}

	// Replay priority: expected successes are cheap to skip, failures
	// are the surprising traces worth replaying first.
	priority := 0.5
	switch status {
	case domain.WorkflowCompleted:
		if run.in.CapabilityID != "" {
			priority = 0
		}
	case domain.WorkflowFailed:
		priority = 1
	}

	var errType domain.ErrorType
	for _, res := range results {
		if !res.Success {
			errType = res.ErrorType
			break
		}
	}

	e.deps.Sink.RecordExecution(domain.ExecutionTrace{
		CapabilityID: run.in.CapabilityID,
		IntentText:   run.in.Intent,
		ExecutedAt:   run.started,
		ExecutedPath: append([]string{}, run.executedPath...),
		Decisions:    append([]domain.DecisionRecord{}, run.decisionRecs...),
		TaskResults:  results,
		Priority:     priority,
		UserID:       run.in.UserID,
		Success:      status == domain.WorkflowCompleted,
		DurationMs:   time.Since(run.started).Milliseconds(),
		ErrorType:    errType,
	})
}
