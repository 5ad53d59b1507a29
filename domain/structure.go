package domain

// StructureNode is a node of a StaticStructure: the pre-DAG canonical
// form extracted from a code snippet.
type StructureNode struct {
	ID           string                   `json:"id"`
	Type         TaskType                 `json:"type"`
	Tool         string                   `json:"tool,omitempty"`
	CapabilityID string                   `json:"capability_id,omitempty"`
	Arguments    map[string]ArgumentValue `json:"arguments,omitempty"`
	StaticCode   string                   `json:"static_code,omitempty"`
	Condition    string                   `json:"condition,omitempty"`
	Guard        *TaskGuard               `json:"guard,omitempty"`
}

// StaticStructure is the canonical intermediate form produced by the
// structure builder: nodes and edges plus the two binding maps. The
// node arguments are already normalised (variable references rewritten
// to task-ID references), which is what makes the structure hashable.
type StaticStructure struct {
	Nodes []StructureNode `json:"nodes"`
	Edges []Edge          `json:"edges,omitempty"`

	// VariableBindings maps code variable names to the node whose
	// result they hold.
	VariableBindings map[string]string `json:"variable_bindings,omitempty"`

	// LiteralBindings maps code variable names to statically folded
	// literal values.
	LiteralBindings map[string]any `json:"literal_bindings,omitempty"`

	// Parameters are the external input names the snippet consumes.
	Parameters []string `json:"parameters,omitempty"`
}

// Node returns the node with the given ID, or nil.
func (s *StaticStructure) Node(id string) *StructureNode {
	for i := range s.Nodes {
		if s.Nodes[i].ID == id {
			return &s.Nodes[i]
		}
	}
	return nil
}

// Tools returns the distinct qualified tool names referenced by the
// structure, in first-appearance order.
func (s *StaticStructure) Tools() []string {
	seen := map[string]bool{}
	var out []string
	for i := range s.Nodes {
		tool := s.Nodes[i].Tool
		if tool == "" || seen[tool] {
			continue
		}
		seen[tool] = true
		out = append(out, tool)
	}
	return out
}

// ToDAG converts the structure into an executable DAG. Sequence and
// provides edges become dependencies; conditional edges become a
// dependency on the decision node plus a guard scoping the target to
// the edge's outcome.
func (s *StaticStructure) ToDAG() *DAG {
	dag := &DAG{
		Tasks: make([]Task, 0, len(s.Nodes)),
		Edges: append([]Edge{}, s.Edges...),
	}
	deps := make(map[string][]string, len(s.Nodes))
	guards := make(map[string]*TaskGuard)
	for _, e := range s.Edges {
		switch e.Type {
		case EdgeSequence, EdgeProvides:
			deps[e.To] = appendUnique(deps[e.To], e.From)
		case EdgeConditional:
			deps[e.To] = appendUnique(deps[e.To], e.From)
			guards[e.To] = &TaskGuard{Decision: e.From, Outcome: e.Outcome}
		}
	}
	for _, n := range s.Nodes {
		t := Task{
			ID:           n.ID,
			Tool:         n.Tool,
			Type:         n.Type,
			DependsOn:    deps[n.ID],
			Arguments:    n.Arguments,
			StaticCode:   n.StaticCode,
			CapabilityID: n.CapabilityID,
			Condition:    n.Condition,
			Guard:        guards[n.ID],
		}
		if n.Guard != nil {
			t.Guard = n.Guard
		}
		dag.Tasks = append(dag.Tasks, t)
	}
	return dag
}

func appendUnique(list []string, s string) []string {
	for _, v := range list {
		if v == s {
			return list
		}
	}
	return append(list, s)
}
