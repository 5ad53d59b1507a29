package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/casys-ai/pml-gateway/cache"
	"github.com/casys-ai/pml-gateway/domain"
	"github.com/casys-ai/pml-gateway/store"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

type fakeTools struct {
	mu       sync.Mutex
	calls    []string
	handlers map[string]func(ctx context.Context, args map[string]any) (any, error)
}

func (f *fakeTools) Invoke(ctx context.Context, tool string, args map[string]any) (any, error) {
	f.mu.Lock()
	f.calls = append(f.calls, tool)
	h := f.handlers[tool]
	f.mu.Unlock()
	if h != nil {
		return h(ctx, args)
	}
	return map[string]any{"ok": true}, nil
}

func (f *fakeTools) invoked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.calls...)
}

func (f *fakeTools) count(tool string) int {
	n := 0
	for _, c := range f.invoked() {
		if c == tool {
			n++
		}
	}
	return n
}

type fakeSandbox struct {
	mu   sync.Mutex
	runs int
	out  any
	err  error
}

func (s *fakeSandbox) Run(_ context.Context, _ string, _ map[string]any, _ domain.PermissionSet) (any, error) {
	s.mu.Lock()
	s.runs++
	s.mu.Unlock()
	return s.out, s.err
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) Emit(e domain.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) has(t domain.EventType) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range l.events {
		if e.Type == t {
			return true
		}
	}
	return false
}

type traceLog struct {
	mu     sync.Mutex
	traces []domain.ExecutionTrace
}

func (l *traceLog) RecordExecution(tr domain.ExecutionTrace) {
	l.mu.Lock()
	l.traces = append(l.traces, tr)
	l.mu.Unlock()
}

func (l *traceLog) all() []domain.ExecutionTrace {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]domain.ExecutionTrace{}, l.traces...)
}

type fixedPredictor struct {
	taskID     string
	args       map[string]any
	confidence float64
}

func (p fixedPredictor) Predict(_ string, t domain.Task) (map[string]any, float64) {
	if t.ID == p.taskID {
		return p.args, p.confidence
	}
	return nil, 0
}

func newTestExecutor(t *testing.T, cfg Config, deps Deps) *Executor {
	t.Helper()
	if deps.Sandbox == nil {
		deps.Sandbox = &fakeSandbox{}
	}
	if deps.Tools == nil {
		deps.Tools = &fakeTools{}
	}
	e, err := New(cfg, deps)
	require.NoError(t, err)
	return e
}

func toolTask(id, tool string, deps ...string) domain.Task {
	return domain.Task{ID: id, Tool: tool, Type: domain.TaskToolCall, DependsOn: deps}
}

func TestExecuteSequentialOrderWithConcurrencyOne(t *testing.T) {
	tools := &fakeTools{}
	e := newTestExecutor(t, Config{MaxConcurrency: 1}, Deps{Tools: tools})

	// Diamond: n1 → {n2, n3} → n4.
	dag := &domain.DAG{Tasks: []domain.Task{
		toolTask("n4", "t:four", "n2", "n3"),
		toolTask("n2", "t:two", "n1"),
		toolTask("n3", "t:three", "n1"),
		toolTask("n1", "t:one"),
	}}

	res, err := e.Execute(context.Background(), Input{DAG: dag})
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowCompleted, res.Status)
	require.Equal(t, []string{"t:one", "t:two", "t:three", "t:four"}, tools.invoked())
}

func TestExecuteResolvesReferences(t *testing.T) {
	var got map[string]any
	tools := &fakeTools{handlers: map[string]func(context.Context, map[string]any) (any, error){
		"fs:read": func(_ context.Context, _ map[string]any) (any, error) {
			return map[string]any{"content": "hello"}, nil
		},
		"s:post": func(_ context.Context, args map[string]any) (any, error) {
			got = args
			return map[string]any{"sent": true}, nil
		},
	}}
	e := newTestExecutor(t, Config{}, Deps{Tools: tools})

	dag := &domain.DAG{Tasks: []domain.Task{
		{ID: "n1", Tool: "fs:read", Type: domain.TaskToolCall,
			Arguments: map[string]domain.ArgumentValue{"path": domain.Literal("a.txt")}},
		{ID: "n2", Tool: "s:post", Type: domain.TaskToolCall, DependsOn: []string{"n1"},
			Arguments: map[string]domain.ArgumentValue{
				"body": domain.Reference("n1.content"),
				"to":   domain.Parameter("target"),
			}},
	}}

	res, err := e.Execute(context.Background(), Input{
		DAG:        dag,
		Parameters: map[string]any{"target": "api"},
	})
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowCompleted, res.Status)
	require.Equal(t, map[string]any{"body": "hello", "to": "api"}, got)
	require.Equal(t, map[string]any{"sent": true}, res.Output)
}

func TestExecuteMissingParameter(t *testing.T) {
	tools := &fakeTools{}
	e := newTestExecutor(t, Config{}, Deps{Tools: tools})

	dag := &domain.DAG{Tasks: []domain.Task{
		{ID: "n1", Tool: "fs:read", Type: domain.TaskToolCall,
			Arguments: map[string]domain.ArgumentValue{"path": domain.Parameter("p")}},
	}}

	_, err := e.Execute(context.Background(), Input{DAG: dag})
	var missing *domain.MissingParameterError
	require.ErrorAs(t, err, &missing)
	require.Equal(t, "p", missing.Name)
	require.Empty(t, tools.invoked())
}

func TestExecuteRejectsCycleBeforeDispatch(t *testing.T) {
	tools := &fakeTools{}
	e := newTestExecutor(t, Config{}, Deps{Tools: tools})

	dag := &domain.DAG{Tasks: []domain.Task{
		toolTask("n1", "t:a", "n2"),
		toolTask("n2", "t:b", "n1"),
	}}

	_, err := e.Execute(context.Background(), Input{DAG: dag})
	var cycle *domain.DependencyCycleError
	require.ErrorAs(t, err, &cycle)
	require.Empty(t, tools.invoked())
}

func TestDecisionRoutesGuardedBranches(t *testing.T) {
	tools := &fakeTools{handlers: map[string]func(context.Context, map[string]any) (any, error){
		"fs:read": func(_ context.Context, _ map[string]any) (any, error) {
			return map[string]any{"ok": true}, nil
		},
	}}
	e := newTestExecutor(t, Config{}, Deps{Tools: tools})

	dag := &domain.DAG{
		Tasks: []domain.Task{
			toolTask("n1", "fs:read"),
			{ID: "d1", Type: domain.TaskDecision, Condition: "n1.ok", DependsOn: []string{"n1"}},
			{ID: "n2", Tool: "t:then", Type: domain.TaskToolCall, DependsOn: []string{"d1"},
				Guard: &domain.TaskGuard{Decision: "d1", Outcome: "true"}},
			{ID: "n3", Tool: "t:else", Type: domain.TaskToolCall, DependsOn: []string{"d1"},
				Guard: &domain.TaskGuard{Decision: "d1", Outcome: "false"}},
		},
		Edges: []domain.Edge{
			{From: "d1", To: "n2", Type: domain.EdgeConditional, Outcome: "true"},
			{From: "d1", To: "n3", Type: domain.EdgeConditional, Outcome: "false"},
		},
	}

	res, err := e.Execute(context.Background(), Input{DAG: dag})
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowCompleted, res.Status)
	require.Equal(t, []string{"fs:read", "t:then"}, tools.invoked())
	require.Equal(t, "true", res.Results["d1"].Result)
	_, skipped := res.Results["n3"]
	require.False(t, skipped)
}

func TestFailureMarksDownstreamUnreachable(t *testing.T) {
	tools := &fakeTools{handlers: map[string]func(context.Context, map[string]any) (any, error){
		"fs:read": func(_ context.Context, _ map[string]any) (any, error) {
			return nil, errors.New("file not found")
		},
	}}
	e := newTestExecutor(t, Config{}, Deps{Tools: tools})

	dag := &domain.DAG{Tasks: []domain.Task{
		toolTask("n1", "fs:read"),
		toolTask("n2", "s:post", "n1"),
	}}

	res, err := e.Execute(context.Background(), Input{DAG: dag})
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowFailed, res.Status)
	require.Equal(t, domain.ErrTypeNotFound, res.ErrorType)
	require.Equal(t, []string{"fs:read"}, tools.invoked())
	require.False(t, res.Results["n1"].Success)
}

func TestAlternativeEdgeRecoversFromFailure(t *testing.T) {
	tools := &fakeTools{handlers: map[string]func(context.Context, map[string]any) (any, error){
		"cache:get": func(_ context.Context, _ map[string]any) (any, error) {
			return nil, errors.New("connection refused")
		},
	}}
	e := newTestExecutor(t, Config{}, Deps{Tools: tools})

	dag := &domain.DAG{
		Tasks: []domain.Task{
			toolTask("n1", "cache:get"),
			toolTask("n2", "db:get", "n1"),
			toolTask("n3", "s:post", "n2"),
		},
		Edges: []domain.Edge{
			{From: "n1", To: "n2", Type: domain.EdgeAlternative},
		},
	}

	res, err := e.Execute(context.Background(), Input{DAG: dag})
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowCompleted, res.Status)
	require.Equal(t, []string{"cache:get", "db:get", "s:post"}, tools.invoked())
}

func TestTaskTimeoutClassified(t *testing.T) {
	tools := &fakeTools{handlers: map[string]func(context.Context, map[string]any) (any, error){
		"slow:op": func(ctx context.Context, _ map[string]any) (any, error) {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(2 * time.Second):
				return "done", nil
			}
		},
	}}
	e := newTestExecutor(t, Config{}, Deps{Tools: tools})

	dag := &domain.DAG{Tasks: []domain.Task{
		{ID: "n1", Tool: "slow:op", Type: domain.TaskToolCall, TimeoutMs: 30},
	}}

	res, err := e.Execute(context.Background(), Input{DAG: dag})
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowFailed, res.Status)
	require.Equal(t, domain.ErrTypeTimeout, res.Results["n1"].ErrorType)
}

func TestApprovalGatePausesAndResumes(t *testing.T) {
	ctx := context.Background()
	tools := &fakeTools{handlers: map[string]func(context.Context, map[string]any) (any, error){
		"email:send": func(_ context.Context, _ map[string]any) (any, error) {
			return map[string]any{"message_id": "m1"}, nil
		},
	}}
	events := &eventLog{}
	deps := Deps{
		Tools:       tools,
		Cache:       cache.NewMemory(time.Hour),
		Checkpoints: store.NewMemory(stubEmbedder{}, nil),
		Bus:         events,
	}
	e := newTestExecutor(t, Config{}, deps)

	dag := &domain.DAG{Tasks: []domain.Task{
		toolTask("n1", "fs:read"),
		{ID: "n2", Tool: "email:send", Type: domain.TaskToolCall, DependsOn: []string{"n1"},
			RequiresApproval: true},
	}}

	res, err := e.Execute(ctx, Input{WorkflowID: "wf-1", DAG: dag})
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowPaused, res.Status)
	require.NotEmpty(t, res.CheckpointID)
	require.Equal(t, 1, res.PendingLayer)
	require.Contains(t, res.LayerResults, "n1")
	require.True(t, events.has(domain.EventDAGPaused))
	require.Empty(t, tools.count("email:send"))

	resumed, err := e.Resume(ctx, "wf-1", true)
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowCompleted, resumed.Status)
	require.Equal(t, 1, tools.count("email:send"))
	require.Equal(t, map[string]any{"message_id": "m1"}, resumed.Results["n2"].Result)
}

func TestApprovalDeniedAbortsNotFails(t *testing.T) {
	ctx := context.Background()
	tools := &fakeTools{}
	deps := Deps{
		Tools:       tools,
		Cache:       cache.NewMemory(time.Hour),
		Checkpoints: store.NewMemory(stubEmbedder{}, nil),
	}
	e := newTestExecutor(t, Config{}, deps)

	dag := &domain.DAG{Tasks: []domain.Task{
		{ID: "n1", Tool: "email:send", Type: domain.TaskToolCall, RequiresApproval: true},
	}}

	res, err := e.Execute(ctx, Input{WorkflowID: "wf-2", DAG: dag})
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowPaused, res.Status)

	denied, err := e.Resume(ctx, "wf-2", false)
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowAborted, denied.Status)
	require.Empty(t, tools.invoked())

	// A second denial sees the final aborted status.
	again, err := e.Resume(ctx, "wf-2", false)
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowAborted, again.Status)
}

func TestPureTasksBypassApproval(t *testing.T) {
	sandbox := &fakeSandbox{out: map[string]any{"parsed": true}}
	e := newTestExecutor(t, Config{}, Deps{Sandbox: sandbox})

	dag := &domain.DAG{Tasks: []domain.Task{
		{ID: "n1", Tool: "code:JSON.parse", Type: domain.TaskToolCall,
			StaticCode: `JSON.parse(raw)`, RequiresApproval: true},
	}}

	res, err := e.Execute(context.Background(), Input{DAG: dag})
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowCompleted, res.Status)
	require.Equal(t, 1, sandbox.runs)
}

func TestSpeculationHitConsumedOnRealDispatch(t *testing.T) {
	tools := &fakeTools{handlers: map[string]func(context.Context, map[string]any) (any, error){
		"fs:read": func(_ context.Context, _ map[string]any) (any, error) {
			return map[string]any{"x": float64(1)}, nil
		},
	}}
	events := &eventLog{}
	e := newTestExecutor(t, Config{SpeculationThreshold: 0.85}, Deps{
		Tools:     tools,
		Bus:       events,
		Predictor: fixedPredictor{taskID: "n2", args: map[string]any{"x": float64(1)}, confidence: 0.9},
	})

	dag := &domain.DAG{Tasks: []domain.Task{
		toolTask("n1", "fs:read"),
		{ID: "n2", Tool: "s:post", Type: domain.TaskToolCall, DependsOn: []string{"n1"},
			Arguments: map[string]domain.ArgumentValue{"x": domain.Reference("n1.x")}},
	}}

	res, err := e.Execute(context.Background(), Input{DAG: dag})
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowCompleted, res.Status)
	require.True(t, res.Results["n2"].Speculated)
	require.Equal(t, 1, tools.count("s:post"))
	require.True(t, events.has(domain.EventSpeculationHit))
}

func TestSpeculationMissRerunsTask(t *testing.T) {
	tools := &fakeTools{handlers: map[string]func(context.Context, map[string]any) (any, error){
		"fs:read": func(_ context.Context, _ map[string]any) (any, error) {
			return map[string]any{"x": float64(2)}, nil
		},
	}}
	events := &eventLog{}
	e := newTestExecutor(t, Config{SpeculationThreshold: 0.85}, Deps{
		Tools: tools,
		Bus:   events,
		// Predicts x:1; the real value is x:2.
		Predictor: fixedPredictor{taskID: "n2", args: map[string]any{"x": float64(1)}, confidence: 0.9},
	})

	dag := &domain.DAG{Tasks: []domain.Task{
		toolTask("n1", "fs:read"),
		{ID: "n2", Tool: "s:post", Type: domain.TaskToolCall, DependsOn: []string{"n1"},
			Arguments: map[string]domain.ArgumentValue{"x": domain.Reference("n1.x")}},
	}}

	res, err := e.Execute(context.Background(), Input{DAG: dag})
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowCompleted, res.Status)
	require.False(t, res.Results["n2"].Speculated)
	require.Equal(t, 2, tools.count("s:post"))
	require.True(t, events.has(domain.EventSpeculationMiss))
}

func TestSpeculationSuppressedForDangerousTool(t *testing.T) {
	tools := &fakeTools{}
	events := &eventLog{}
	e := newTestExecutor(t, Config{
		SpeculationThreshold: 0.85,
		DangerousToolPattern: `(?i)delete|remove|destroy|drop|deploy|publish|send_email|payment|transfer|execute_sql`,
	}, Deps{
		Tools:     tools,
		Bus:       events,
		Predictor: fixedPredictor{taskID: "n2", args: map[string]any{}, confidence: 0.99},
	})

	dag := &domain.DAG{Tasks: []domain.Task{
		toolTask("n1", "fs:read"),
		toolTask("n2", "github:delete_repo", "n1"),
	}}

	res, err := e.Execute(context.Background(), Input{DAG: dag})
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowCompleted, res.Status)
	require.False(t, res.Results["n2"].Speculated)
	require.Equal(t, 1, tools.count("github:delete_repo"))
	require.True(t, events.has(domain.EventSpeculationSuppressed))
}

func TestAbortIsIdempotent(t *testing.T) {
	ctx := context.Background()
	e := newTestExecutor(t, Config{}, Deps{Cache: cache.NewMemory(time.Hour)})
	require.NoError(t, e.Abort(ctx, "never-started"))
	require.NoError(t, e.Abort(ctx, "never-started"))
}

func TestAbortPausedWorkflow(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory(time.Hour)
	e := newTestExecutor(t, Config{}, Deps{Cache: c})

	require.NoError(t, c.Save(ctx, &domain.WorkflowState{
		WorkflowID: "wf-3",
		DAG:        &domain.DAG{Tasks: []domain.Task{toolTask("n1", "t:a")}},
		Status:     domain.WorkflowPaused,
		CreatedAt:  time.Now(),
	}))

	require.NoError(t, e.Abort(ctx, "wf-3"))
	state, err := c.Get(ctx, "wf-3")
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowAborted, state.Status)

	require.NoError(t, e.Abort(ctx, "wf-3"))
}

func TestReplanPreservesCompletedTasks(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory(time.Hour)
	cps := store.NewMemory(stubEmbedder{}, nil)
	e := newTestExecutor(t, Config{}, Deps{Cache: c, Checkpoints: cps})

	oldDAG := &domain.DAG{Tasks: []domain.Task{
		toolTask("n1", "t:a"),
		toolTask("n2", "t:b", "n1"),
	}}
	require.NoError(t, c.Save(ctx, &domain.WorkflowState{
		WorkflowID: "wf-4", DAG: oldDAG, Status: domain.WorkflowPaused, CreatedAt: time.Now(),
	}))
	require.NoError(t, cps.SaveCheckpoint(ctx, domain.Checkpoint{
		ID: "cp-1", WorkflowID: "wf-4", Timestamp: time.Now(),
		State: domain.CheckpointState{
			Completed: map[string]domain.TaskResult{"n1": {TaskID: "n1", Success: true}},
		},
	}, 5))

	// Dropping the completed n1 is rejected.
	bad := &domain.DAG{Tasks: []domain.Task{toolTask("x1", "t:x")}}
	var invalid *domain.InvalidReplanError
	require.ErrorAs(t, e.Replan(ctx, "wf-4", bad), &invalid)

	good := &domain.DAG{Tasks: []domain.Task{
		toolTask("n1", "t:a"),
		toolTask("n3", "t:c", "n1"),
		toolTask("n4", "t:d", "n3"),
	}}
	require.NoError(t, e.Replan(ctx, "wf-4", good))

	state, err := c.Get(ctx, "wf-4")
	require.NoError(t, err)
	require.Len(t, state.DAG.Tasks, 3)
	require.Equal(t, domain.WorkflowPaused, state.Status)
}

func TestReplanRequiresPausedWorkflow(t *testing.T) {
	ctx := context.Background()
	c := cache.NewMemory(time.Hour)
	e := newTestExecutor(t, Config{}, Deps{Cache: c, Checkpoints: store.NewMemory(stubEmbedder{}, nil)})

	require.NoError(t, c.Save(ctx, &domain.WorkflowState{
		WorkflowID: "wf-5",
		DAG:        &domain.DAG{Tasks: []domain.Task{toolTask("n1", "t:a")}},
		Status:     domain.WorkflowRunning,
		CreatedAt:  time.Now(),
	}))

	var invalid *domain.InvalidReplanError
	err := e.Replan(ctx, "wf-5", &domain.DAG{Tasks: []domain.Task{toolTask("n1", "t:a")}})
	require.ErrorAs(t, err, &invalid)
}

func TestEagerLearningOnSnippetSuccess(t *testing.T) {
	caps := store.NewMemory(stubEmbedder{}, nil)
	events := &eventLog{}
	e := newTestExecutor(t, Config{}, Deps{Capabilities: caps, Bus: events})

	dag := &domain.DAG{Tasks: []domain.Task{
		{ID: "n1", Tool: "fs:read", Type: domain.TaskToolCall,
			Arguments: map[string]domain.ArgumentValue{"path": domain.Literal("a.txt")}},
	}}

	res, err := e.Execute(context.Background(), Input{
		DAG:        dag,
		Intent:     "read the file",
		SourceCode: `const f = await mcp.fs.read({path: "a.txt"}); return f.content;`,
	})
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowCompleted, res.Status)
	require.NotNil(t, res.Learned)
	require.True(t, res.Learned.IsNew)
	require.Equal(t, "learned", res.Learned.Capability.FQDN.Namespace)
	require.True(t, events.has(domain.EventCapabilityLearned))
}

func TestCapabilityInvocationDoesNotRelearn(t *testing.T) {
	ctx := context.Background()
	caps := store.NewMemory(stubEmbedder{}, nil)
	saved, err := caps.Save(ctx, store.SaveRequest{
		Code:   `const f = await mcp.fs.read({path: args.p}); return f.content;`,
		Intent: "read a file",
	})
	require.NoError(t, err)

	sandbox := &fakeSandbox{out: "file body"}
	e := newTestExecutor(t, Config{}, Deps{Capabilities: caps, Sandbox: sandbox})

	dag := &domain.DAG{Tasks: []domain.Task{
		{ID: "n1", Type: domain.TaskCapability,
			CapabilityID: saved.Capability.FQDN.String(),
			Arguments:    map[string]domain.ArgumentValue{"p": domain.Literal("a.txt")}},
	}}

	res, err := e.Execute(ctx, Input{DAG: dag, CapabilityID: saved.Capability.ID})
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowCompleted, res.Status)
	require.Nil(t, res.Learned)
	require.Equal(t, 1, sandbox.runs)

	// The invocation fed the capability's online stats.
	cap, err := caps.FindByID(ctx, saved.Capability.ID)
	require.NoError(t, err)
	require.EqualValues(t, 2, cap.Stats.UsageCount)
}

func TestObservedEdgesRecordedOnSuccess(t *testing.T) {
	ctx := context.Background()
	graph := store.NewMemory(stubEmbedder{}, nil)
	e := newTestExecutor(t, Config{}, Deps{Graph: graph})

	dag := &domain.DAG{Tasks: []domain.Task{
		toolTask("n1", "fs:read"),
		toolTask("n2", "json:parse", "n1"),
		toolTask("n3", "s:post", "n2"),
	}}

	res, err := e.Execute(ctx, Input{DAG: dag})
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowCompleted, res.Status)

	n, err := graph.EdgeCount(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestTraceRecordedOnCompletion(t *testing.T) {
	traces := &traceLog{}
	e := newTestExecutor(t, Config{}, Deps{Sink: traces})

	dag := &domain.DAG{Tasks: []domain.Task{
		toolTask("n1", "fs:read"),
		toolTask("n2", "s:post", "n1"),
	}}

	res, err := e.Execute(context.Background(), Input{DAG: dag, Intent: "read then post", UserID: "u1"})
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowCompleted, res.Status)

	all := traces.all()
	require.Len(t, all, 1)
	require.True(t, all[0].Success)
	require.Equal(t, []string{"n1", "n2"}, all[0].ExecutedPath)
	require.Equal(t, "u1", all[0].UserID)
	require.Len(t, all[0].TaskResults, 2)
}

func TestPermissionEscalationRetriesOnce(t *testing.T) {
	var mu sync.Mutex
	attempt := 0
	tools := &fakeTools{handlers: map[string]func(context.Context, map[string]any) (any, error){
		"db:write": func(_ context.Context, _ map[string]any) (any, error) {
			mu.Lock()
			attempt++
			n := attempt
			mu.Unlock()
			if n == 1 {
				return nil, errors.New("permission denied for role")
			}
			return map[string]any{"written": true}, nil
		},
	}}
	events := &eventLog{}
	e := newTestExecutor(t, Config{}, Deps{Tools: tools, Bus: events})

	dag := &domain.DAG{Tasks: []domain.Task{
		{ID: "n1", Tool: "db:write", Type: domain.TaskToolCall,
			PermissionSet: domain.PermReadonly},
	}}

	res, err := e.Execute(context.Background(), Input{DAG: dag, AllowEscalation: true})
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowCompleted, res.Status)
	require.Equal(t, 2, tools.count("db:write"))
	require.True(t, events.has(domain.EventPermissionEscalation))
	require.True(t, res.Results["n1"].Success)
}

func TestForkJoinUnrollExecutesAllBranches(t *testing.T) {
	tools := &fakeTools{}
	e := newTestExecutor(t, Config{}, Deps{Tools: tools})

	dag := &domain.DAG{
		Tasks: []domain.Task{
			{ID: "f1", Type: domain.TaskFork},
			toolTask("n1", "fs:read", "f1"),
			toolTask("n2", "fs:read", "f1"),
			toolTask("n3", "fs:read", "f1"),
			{ID: "j1", Type: domain.TaskJoin, DependsOn: []string{"n1", "n2", "n3"}},
		},
		Edges: []domain.Edge{
			{From: "f1", To: "n1", Type: domain.EdgeSequence},
			{From: "f1", To: "n2", Type: domain.EdgeSequence},
			{From: "f1", To: "n3", Type: domain.EdgeSequence},
			{From: "n1", To: "j1", Type: domain.EdgeSequence},
			{From: "n2", To: "j1", Type: domain.EdgeSequence},
			{From: "n3", To: "j1", Type: domain.EdgeSequence},
		},
	}

	res, err := e.Execute(context.Background(), Input{DAG: dag})
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowCompleted, res.Status)
	require.Equal(t, 3, tools.count("fs:read"))
	require.True(t, res.Results["j1"].Success)
}

func TestExecuteEmptyDAGRejected(t *testing.T) {
	e := newTestExecutor(t, Config{}, Deps{})
	_, err := e.Execute(context.Background(), Input{DAG: &domain.DAG{}})
	require.Error(t, err)
	_, err = e.Execute(context.Background(), Input{})
	require.Error(t, err)
}

func TestInFlightTracksActiveWorkflows(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	var once sync.Once
	tools := &fakeTools{handlers: map[string]func(context.Context, map[string]any) (any, error){
		"slow:op": func(ctx context.Context, _ map[string]any) (any, error) {
			once.Do(func() { close(started) })
			select {
			case <-release:
			case <-ctx.Done():
			}
			return "ok", nil
		},
	}}
	e := newTestExecutor(t, Config{}, Deps{Tools: tools})

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := e.Execute(context.Background(), Input{DAG: &domain.DAG{Tasks: []domain.Task{
			toolTask("n1", "slow:op"),
		}}})
		if err != nil {
			t.Error(err)
		}
	}()

	<-started
	require.Equal(t, 1, e.InFlight())
	close(release)
	<-done
	require.Equal(t, 0, e.InFlight())
}

func TestAbortInFlightPreservesCompleted(t *testing.T) {
	ctx := context.Background()
	gate := make(chan struct{})
	var once sync.Once
	tools := &fakeTools{handlers: map[string]func(context.Context, map[string]any) (any, error){
		"slow:op": func(tctx context.Context, _ map[string]any) (any, error) {
			once.Do(func() { close(gate) })
			<-tctx.Done()
			return nil, tctx.Err()
		},
	}}
	e := newTestExecutor(t, Config{AbortTimeout: 100 * time.Millisecond}, Deps{
		Tools: tools,
		Cache: cache.NewMemory(time.Hour),
	})

	dag := &domain.DAG{Tasks: []domain.Task{
		toolTask("n1", "fs:read"),
		toolTask("n2", "slow:op", "n1"),
	}}

	type outcome struct {
		res *Result
		err error
	}
	results := make(chan outcome, 1)
	go func() {
		res, err := e.Execute(ctx, Input{WorkflowID: "wf-6", DAG: dag})
		results <- outcome{res, err}
	}()

	<-gate
	require.NoError(t, e.Abort(ctx, "wf-6"))

	out := <-results
	require.NoError(t, out.err)
	require.Equal(t, domain.WorkflowAborted, out.res.Status)
	require.True(t, out.res.Results["n1"].Success)
}

func TestSwitchDecisionRoutesCaseOutcome(t *testing.T) {
	tools := &fakeTools{handlers: map[string]func(context.Context, map[string]any) (any, error){
		"fs:read": func(_ context.Context, _ map[string]any) (any, error) {
			return map[string]any{"mode": "fast"}, nil
		},
	}}
	e := newTestExecutor(t, Config{}, Deps{Tools: tools})

	dag := &domain.DAG{
		Tasks: []domain.Task{
			toolTask("n1", "fs:read"),
			{ID: "d1", Type: domain.TaskDecision, Condition: "n1.mode", DependsOn: []string{"n1"}},
			{ID: "n2", Tool: "t:fast", Type: domain.TaskToolCall, DependsOn: []string{"d1"},
				Guard: &domain.TaskGuard{Decision: "d1", Outcome: "case:fast"}},
			{ID: "n3", Tool: "t:default", Type: domain.TaskToolCall, DependsOn: []string{"d1"},
				Guard: &domain.TaskGuard{Decision: "d1", Outcome: "default"}},
		},
		Edges: []domain.Edge{
			{From: "d1", To: "n2", Type: domain.EdgeConditional, Outcome: "case:fast"},
			{From: "d1", To: "n3", Type: domain.EdgeConditional, Outcome: "default"},
		},
	}

	res, err := e.Execute(context.Background(), Input{DAG: dag})
	require.NoError(t, err)
	require.Equal(t, domain.WorkflowCompleted, res.Status)
	require.Equal(t, []string{"fs:read", "t:fast"}, tools.invoked())
	require.Equal(t, "case:fast", fmt.Sprint(res.Results["d1"].Result))
}
