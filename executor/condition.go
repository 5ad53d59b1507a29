package executor

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/casys-ai/pml-gateway/domain"
)

// comparisonOps in match order; the three-character forms must be
// tried before their two-character prefixes.
var comparisonOps = []string{"===", "!==", "==", "!=", ">=", "<=", ">", "<"}

// evalDecision resolves a decision node's pre-captured condition
// against the completed results. Boolean decisions resolve to
// "true"/"false"; switch decisions resolve to the matching
// "case:<value>" edge outcome or "default".
func (run *workflowRun) evalDecision(t *domain.Task) (string, error) {
	val, err := run.evalCondition(t)
	if err != nil {
		return "", err
	}
	if run.isSwitch(t.ID) {
		outcome := "case:" + stringify(val)
		for _, e := range run.dag.Edges {
			if e.From == t.ID && e.Type == domain.EdgeConditional && e.Outcome == outcome {
				return outcome, nil
			}
		}
		return "default", nil
	}
	if truthy(val) {
		return "true", nil
	}
	return "false", nil
}

// isSwitch reports whether the decision's conditional edges carry
// case-style outcomes.
func (run *workflowRun) isSwitch(id string) bool {
	for _, e := range run.dag.Edges {
		if e.From == id && e.Type == domain.EdgeConditional &&
			(strings.HasPrefix(e.Outcome, "case:") || e.Outcome == "default") {
			return true
		}
	}
	return false
}

// evalCondition handles the captured condition grammar: an optional
// negation, a binary comparison, or a bare value expression.
func (run *workflowRun) evalCondition(t *domain.Task) (any, error) {
	cond := strings.TrimSpace(t.Condition)
	if cond == "" {
		return nil, fmt.Errorf("decision %s: empty condition", t.ID)
	}
	for _, op := range comparisonOps {
		idx := strings.Index(cond, op)
		if idx <= 0 {
			continue
		}
		left, err := run.evalOperand(t.ID, strings.TrimSpace(cond[:idx]))
		if err != nil {
			return nil, err
		}
		right, err := run.evalOperand(t.ID, strings.TrimSpace(cond[idx+len(op):]))
		if err != nil {
			return nil, err
		}
		return compare(op, left, right), nil
	}
	if rest, neg := strings.CutPrefix(cond, "!"); neg {
		v, err := run.evalOperand(t.ID, strings.TrimSpace(rest))
		if err != nil {
			return nil, err
		}
		return !truthy(v), nil
	}
	return run.evalOperand(t.ID, cond)
}

// evalOperand resolves a literal or a dotted reference.
func (run *workflowRun) evalOperand(taskID, operand string) (any, error) {
	if operand == "" {
		return nil, fmt.Errorf("decision %s: empty operand", taskID)
	}
	if len(operand) >= 2 {
		if (operand[0] == '"' && operand[len(operand)-1] == '"') ||
			(operand[0] == '\'' && operand[len(operand)-1] == '\'') {
			return operand[1 : len(operand)-1], nil
		}
	}
	switch operand {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "null", "undefined":
		return nil, nil
	}
	if n, err := strconv.ParseFloat(operand, 64); err == nil {
		return n, nil
	}
	return run.resolveReference(taskID, operand)
}

func compare(op string, left, right any) bool {
	switch op {
	case "==", "===":
		return looseEqual(left, right)
	case "!=", "!==":
		return !looseEqual(left, right)
	}
	l, lok := toFloat(left)
	r, rok := toFloat(right)
	if !lok || !rok {
		return false
	}
	switch op {
	case ">":
		return l > r
	case "<":
		return l < r
	case ">=":
		return l >= r
	case "<=":
		return l <= r
	}
	return false
}

// looseEqual compares with numeric coercion so JSON-decoded numbers
// and literals agree.
func looseEqual(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return a == b
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// truthy follows the snippet language's notion of truthiness.
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case int:
		return x != 0
	case int64:
		return x != 0
	}
	return true
}

// stringify renders a resolved value as a case label.
func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case nil:
		return "null"
	}
	return fmt.Sprintf("%v", v)
}
