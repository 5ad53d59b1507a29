package executor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/casys-ai/pml-gateway/domain"
)

// materialize resolves every argument of a task to a concrete value.
// No tagged variant ever reaches an invocation.
func (run *workflowRun) materialize(t *domain.Task) (map[string]any, error) {
	if len(t.Arguments) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(t.Arguments))
	for name, arg := range t.Arguments {
		switch arg.Kind {
		case domain.ArgLiteral:
			out[name] = arg.Value
		case domain.ArgParameter:
			v, ok := run.in.Parameters[arg.Name]
			if !ok {
				return nil, &domain.MissingParameterError{TaskID: t.ID, Name: arg.Name}
			}
			out[name] = v
		case domain.ArgReference:
			v, err := run.resolveReference(t.ID, arg.Expression)
			if err != nil {
				return nil, err
			}
			out[name] = v
		default:
			return nil, fmt.Errorf("task %s: argument %s has unknown kind %q", t.ID, name, arg.Kind)
		}
	}
	return out, nil
}

// resolveReference materialises a dotted expression like
// "n1.content[0].id". Root lookup order: completed task results,
// literal bindings, caller parameters. Variable bindings map snippet
// names back to task IDs first.
func (run *workflowRun) resolveReference(taskID, expr string) (any, error) {
	segs, err := splitPath(expr)
	if err != nil || len(segs) == 0 {
		return nil, &domain.UnresolvedReferenceError{TaskID: taskID, Path: expr}
	}
	root := segs[0].key

	base, ok := run.lookupRoot(root)
	if !ok {
		return nil, &domain.UnresolvedReferenceError{TaskID: taskID, Path: expr}
	}
	v := base
	for i, seg := range segs {
		if i > 0 {
			m, isMap := v.(map[string]any)
			if !isMap {
				return nil, &domain.UnresolvedReferenceError{TaskID: taskID, Path: expr}
			}
			v, ok = m[seg.key]
			if !ok {
				return nil, &domain.UnresolvedReferenceError{TaskID: taskID, Path: expr}
			}
		}
		// The root segment may still carry an index, e.g. "n1[0]".
		for _, idx := range seg.indexes {
			arr, isSlice := v.([]any)
			if !isSlice || idx < 0 || idx >= len(arr) {
				return nil, &domain.UnresolvedReferenceError{TaskID: taskID, Path: expr}
			}
			v = arr[idx]
		}
	}
	return v, nil
}

func (run *workflowRun) lookupRoot(root string) (any, bool) {
	if res, ok := run.completed[root]; ok {
		return res.Result, true
	}
	if node, ok := run.in.VariableBindings[root]; ok {
		if res, done := run.completed[node]; done {
			return res.Result, true
		}
		return nil, false
	}
	if v, ok := run.in.LiteralBindings[root]; ok {
		return v, true
	}
	if v, ok := run.in.Parameters[root]; ok {
		return v, true
	}
	return nil, false
}

// pathSegment is one dotted step plus trailing [i] indexes.
type pathSegment struct {
	key     string
	indexes []int
}

// splitPath parses "a.b[0].c" into segments.
func splitPath(expr string) ([]pathSegment, error) {
	if expr == "" {
		return nil, fmt.Errorf("empty path")
	}
	var segs []pathSegment
	for _, part := range strings.Split(expr, ".") {
		seg := pathSegment{key: part}
		if open := strings.IndexByte(part, '['); open >= 0 {
			seg.key = part[:open]
			rest := part[open:]
			for len(rest) > 0 {
				closeIdx := strings.IndexByte(rest, ']')
				if rest[0] != '[' || closeIdx < 0 {
					return nil, fmt.Errorf("malformed index in %q", expr)
				}
				idx, err := strconv.Atoi(rest[1:closeIdx])
				if err != nil {
					return nil, fmt.Errorf("malformed index in %q: %w", expr, err)
				}
				seg.indexes = append(seg.indexes, idx)
				rest = rest[closeIdx+1:]
			}
		}
		if seg.key == "" && len(seg.indexes) == 0 {
			return nil, fmt.Errorf("empty segment in %q", expr)
		}
		segs = append(segs, seg)
	}
	return segs, nil
}

// fingerprint hashes resolved arguments for the speculation cache.
// Map keys marshal in sorted order, so equal argument sets produce
// equal fingerprints.
func fingerprint(args map[string]any) string {
	if len(args) == 0 {
		return "empty"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return "unhashable"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
