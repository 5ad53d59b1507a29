package executor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/casys-ai/pml-gateway/domain"
)

func testRun(t *testing.T) *workflowRun {
	t.Helper()
	run := newRun(Input{
		WorkflowID: "wf",
		DAG: &domain.DAG{Tasks: []domain.Task{
			{ID: "n1", Tool: "fs:read", Type: domain.TaskToolCall},
		}},
		Parameters:       map[string]any{"url": "https://example.com"},
		LiteralBindings:  map[string]any{"base": "/tmp"},
		VariableBindings: map[string]string{"file": "n1"},
	})
	run.completed["n1"] = domain.TaskResult{
		TaskID:  "n1",
		Success: true,
		Result: map[string]any{
			"content": "hello",
			"items":   []any{map[string]any{"id": float64(7)}, "second"},
		},
	}
	return run
}

func TestResolveReference(t *testing.T) {
	run := testRun(t)

	tests := []struct {
		expr string
		want any
	}{
		{"n1.content", "hello"},
		{"n1.items[0].id", float64(7)},
		{"n1.items[1]", "second"},
		{"file.content", "hello"}, // variable binding resolves to n1
		{"base", "/tmp"},
		{"url", "https://example.com"},
	}
	for _, tt := range tests {
		got, err := run.resolveReference("n2", tt.expr)
		require.NoError(t, err, tt.expr)
		require.Equal(t, tt.want, got, tt.expr)
	}
}

func TestResolveReferenceUnresolved(t *testing.T) {
	run := testRun(t)
	for _, expr := range []string{"missing.x", "n1.absent", "n1.items[9]", "n1.content.deeper"} {
		_, err := run.resolveReference("n2", expr)
		var unresolved *domain.UnresolvedReferenceError
		require.ErrorAs(t, err, &unresolved, expr)
	}
}

func TestMaterializeNoVariantLeaks(t *testing.T) {
	run := testRun(t)
	task := &domain.Task{
		ID: "n2",
		Arguments: map[string]domain.ArgumentValue{
			"a": domain.Literal(42),
			"b": domain.Parameter("url"),
			"c": domain.Reference("n1.content"),
		},
	}
	args, err := run.materialize(task)
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"a": 42,
		"b": "https://example.com",
		"c": "hello",
	}, args)
	for _, v := range args {
		_, leaked := v.(domain.ArgumentValue)
		require.False(t, leaked)
	}
}

func TestFingerprintStability(t *testing.T) {
	a := fingerprint(map[string]any{"x": 1, "y": "z"})
	b := fingerprint(map[string]any{"y": "z", "x": 1})
	require.Equal(t, a, b)
	require.NotEqual(t, a, fingerprint(map[string]any{"x": 2, "y": "z"}))
	require.Equal(t, "empty", fingerprint(nil))
}

func TestSplitPath(t *testing.T) {
	segs, err := splitPath("a.b[0][1].c")
	require.NoError(t, err)
	require.Len(t, segs, 3)
	require.Equal(t, "a", segs[0].key)
	require.Equal(t, "b", segs[1].key)
	require.Equal(t, []int{0, 1}, segs[1].indexes)
	require.Equal(t, "c", segs[2].key)

	_, err = splitPath("a.b[x]")
	require.Error(t, err)
	_, err = splitPath("")
	require.Error(t, err)
}

func TestEvalCondition(t *testing.T) {
	run := testRun(t)

	tests := []struct {
		cond string
		want any
	}{
		{"n1.content", "hello"},
		{"!n1.content", false},
		{`n1.content == "hello"`, true},
		{`n1.content != "hello"`, false},
		{"n1.items[0].id > 5", true},
		{"n1.items[0].id <= 5", false},
		{"n1.items[0].id === 7", true},
		{"true", true},
		{"false", false},
	}
	for _, tt := range tests {
		got, err := run.evalCondition(&domain.Task{ID: "d1", Condition: tt.cond})
		require.NoError(t, err, tt.cond)
		require.Equal(t, tt.want, got, tt.cond)
	}
}

func TestEvalDecisionBooleanAndSwitch(t *testing.T) {
	run := testRun(t)
	outcome, err := run.evalDecision(&domain.Task{ID: "d1", Condition: "n1.content"})
	require.NoError(t, err)
	require.Equal(t, "true", outcome)

	// A switch decision resolves to the matching case edge or default.
	run.dag.Tasks = append(run.dag.Tasks, domain.Task{ID: "d2", Type: domain.TaskDecision})
	run.dag.Edges = append(run.dag.Edges,
		domain.Edge{From: "d2", To: "n1", Type: domain.EdgeConditional, Outcome: "case:hello"})
	outcome, err = run.evalDecision(&domain.Task{ID: "d2", Condition: "n1.content"})
	require.NoError(t, err)
	require.Equal(t, "case:hello", outcome)

	outcome, err = run.evalDecision(&domain.Task{ID: "d2", Condition: `"other"`})
	require.NoError(t, err)
	require.Equal(t, "default", outcome)
}
