package domain

import (
	"fmt"
	"sort"
)

// EdgeType classifies a DAG edge.
type EdgeType string

const (
	EdgeSequence    EdgeType = "sequence"
	EdgeConditional EdgeType = "conditional"
	EdgeProvides    EdgeType = "provides"
	EdgeContains    EdgeType = "contains"
	EdgeAlternative EdgeType = "alternative"
)

// Edge connects two tasks. Outcome is set on conditional edges
// ("true", "false", "case:<value>").
type Edge struct {
	From    string   `json:"from"`
	To      string   `json:"to"`
	Type    EdgeType `json:"type"`
	Outcome string   `json:"outcome,omitempty"`
}

// DAG is a validated set of tasks plus typed edges.
type DAG struct {
	Tasks []Task `json:"tasks"`
	Edges []Edge `json:"edges,omitempty"`
}

// Task returns the task with the given ID, or nil.
func (d *DAG) Task(id string) *Task {
	for i := range d.Tasks {
		if d.Tasks[i].ID == id {
			return &d.Tasks[i]
		}
	}
	return nil
}

// TaskIDs returns all task IDs in declaration order.
func (d *DAG) TaskIDs() []string {
	ids := make([]string, len(d.Tasks))
	for i := range d.Tasks {
		ids[i] = d.Tasks[i].ID
	}
	return ids
}

// Validate checks the structural invariants: unique IDs, no self-loop,
// every dependency and edge endpoint exists, and the dependency
// relation is acyclic. Violations return MissingDependencyError or
// DependencyCycleError.
func (d *DAG) Validate() error {
	byID := make(map[string]*Task, len(d.Tasks))
	for i := range d.Tasks {
		t := &d.Tasks[i]
		if t.ID == "" {
			return &MissingDependencyError{TaskID: "", Missing: "(empty task id)"}
		}
		if _, dup := byID[t.ID]; dup {
			return fmt.Errorf("dag: duplicate task id %q", t.ID)
		}
		byID[t.ID] = t
	}
	for i := range d.Tasks {
		t := &d.Tasks[i]
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return &DependencyCycleError{Cycle: []string{t.ID, t.ID}}
			}
			if _, ok := byID[dep]; !ok {
				return &MissingDependencyError{TaskID: t.ID, Missing: dep}
			}
		}
		if t.Guard != nil {
			if _, ok := byID[t.Guard.Decision]; !ok {
				return &MissingDependencyError{TaskID: t.ID, Missing: t.Guard.Decision}
			}
		}
	}
	for _, e := range d.Edges {
		if _, ok := byID[e.From]; !ok {
			return &MissingDependencyError{TaskID: e.To, Missing: e.From}
		}
		if _, ok := byID[e.To]; !ok {
			return &MissingDependencyError{TaskID: e.From, Missing: e.To}
		}
		if e.From == e.To {
			return &DependencyCycleError{Cycle: []string{e.From, e.To}}
		}
	}
	if cycle := d.findCycle(); cycle != nil {
		return &DependencyCycleError{Cycle: cycle}
	}
	return nil
}

// findCycle runs a colored DFS over dependsOn and returns a cycle path
// if one exists.
func (d *DAG) findCycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(d.Tasks))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray
		stack = append(stack, id)
		t := d.Task(id)
		if t != nil {
			for _, dep := range t.DependsOn {
				switch color[dep] {
				case gray:
					// Found a back edge; slice out the cycle.
					for i, s := range stack {
						if s == dep {
							cycle = append(append([]string{}, stack[i:]...), dep)
							return true
						}
					}
					cycle = []string{dep, id, dep}
					return true
				case white:
					if visit(dep) {
						return true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return false
	}

	for i := range d.Tasks {
		if color[d.Tasks[i].ID] == white {
			if visit(d.Tasks[i].ID) {
				return cycle
			}
		}
	}
	return nil
}

// TopoLayers groups tasks into topological layers: layer 0 has no
// dependencies, layer k depends only on layers < k. Within a layer,
// task IDs are sorted ascending so dispatch order is deterministic.
// Validate must have passed.
func (d *DAG) TopoLayers() [][]string {
	depth := make(map[string]int, len(d.Tasks))
	var depthOf func(id string) int
	depthOf = func(id string) int {
		if v, ok := depth[id]; ok {
			return v
		}
		depth[id] = 0 // guards against malformed input
		t := d.Task(id)
		max := -1
		if t != nil {
			for _, dep := range t.DependsOn {
				if dd := depthOf(dep); dd > max {
					max = dd
				}
			}
		}
		depth[id] = max + 1
		return max + 1
	}

	maxLayer := 0
	for i := range d.Tasks {
		if l := depthOf(d.Tasks[i].ID); l > maxLayer {
			maxLayer = l
		}
	}
	layers := make([][]string, maxLayer+1)
	for i := range d.Tasks {
		l := depth[d.Tasks[i].ID]
		layers[l] = append(layers[l], d.Tasks[i].ID)
	}
	for _, layer := range layers {
		sort.Strings(layer)
	}
	return layers
}

// Layer returns the topological depth of a single task.
func (d *DAG) Layer(id string) int {
	layers := d.TopoLayers()
	for i, layer := range layers {
		for _, tid := range layer {
			if tid == id {
				return i
			}
		}
	}
	return -1
}

// AlternativeTargets returns the task IDs reachable from id over
// alternative edges. When a required task fails, an alternative that
// succeeds keeps the workflow alive.
func (d *DAG) AlternativeTargets(id string) []string {
	var out []string
	for _, e := range d.Edges {
		if e.Type == EdgeAlternative && e.From == id {
			out = append(out, e.To)
		}
	}
	return out
}

// Downstream returns the transitive dependents of id (tasks that
// directly or indirectly depend on it).
func (d *DAG) Downstream(id string) []string {
	dependents := make(map[string][]string)
	for i := range d.Tasks {
		t := &d.Tasks[i]
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}
	seen := map[string]bool{}
	var out []string
	queue := append([]string{}, dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		out = append(out, next)
		queue = append(queue, dependents[next]...)
	}
	sort.Strings(out)
	return out
}
