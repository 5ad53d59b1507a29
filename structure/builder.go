// Package structure extracts the canonical static structure from a
// code snippet: tool calls, branches, parallel constructs and argument
// provenance, using tree-sitter over the snippet's JavaScript syntax
// (await mcp.<server>.<tool>({...}), await capabilities.<name>({...})).
// The structure is the hash input for capability deduplication, so the
// walk normalises arguments in place: references to variables bound to
// task results are rewritten to task-ID references as they are seen.
package structure

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/casys-ai/pml-gateway/domain"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
)

// Builder parses code snippets into static structures.
type Builder struct {
	logger *slog.Logger
}

// NewBuilder creates a structure builder.
func NewBuilder(logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{logger: logger}
}

// Build parses the snippet and returns its static structure. A syntax
// error fails with domain.ParseError; unknown constructs are silently
// skipped and emit no node.
func (bl *Builder) Build(ctx context.Context, code string) (*domain.StaticStructure, error) {
	src := []byte(code)

	parser := sitter.NewParser()
	parser.SetLanguage(javascript.GetLanguage())

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("parse snippet: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	if root.HasError() {
		offset, msg := firstSyntaxError(root)
		return nil, &domain.ParseError{Offset: offset, Msg: msg}
	}

	b := &builder{
		src:             src,
		varBindings:     map[string]string{},
		literalBindings: map[string]any{},
		paramSeen:       map[string]bool{},
		callbackParams:  map[string]bool{},
	}

	for i := 0; i < int(root.NamedChildCount()); i++ {
		b.processStatement(root.NamedChild(i))
	}

	s := &domain.StaticStructure{
		Nodes:            b.nodes,
		Edges:            b.edges,
		VariableBindings: b.varBindings,
		LiteralBindings:  b.literalBindings,
		Parameters:       b.params,
	}
	return s, nil
}

// builder holds the walk state for one snippet.
type builder struct {
	src []byte

	nodes []domain.StructureNode
	edges []domain.Edge

	varBindings     map[string]string
	literalBindings map[string]any

	// params are external inputs, recorded in first-seen order.
	params    []string
	paramSeen map[string]bool

	// callbackParams are in-scope arrow-function parameter names.
	callbackParams map[string]bool

	nextID int

	// lastNode is the previous in-scope node for sequence edges.
	lastNode string

	// pendingCond, when set, makes the next emitted node the head of a
	// decision branch: it gets a conditional edge instead of a
	// sequence edge.
	pendingCond *domain.TaskGuard

	// guard scopes emitted nodes to a decision outcome.
	guard *domain.TaskGuard
}

// exprResult is what processing an expression yields: an emitted node,
// a statically-known value, or nothing.
type exprResult struct {
	nodeID string
	value  any
	known  bool
}

func (b *builder) text(n *sitter.Node) string {
	return string(b.src[n.StartByte():n.EndByte()])
}

// addNode assigns the next node ID, applies the current guard, and
// wires the incoming edge (conditional for a branch head, sequence
// otherwise).
func (b *builder) addNode(n domain.StructureNode) string {
	b.nextID++
	n.ID = fmt.Sprintf("n%d", b.nextID)
	if b.guard != nil {
		g := *b.guard
		n.Guard = &g
	}
	b.nodes = append(b.nodes, n)

	if b.pendingCond != nil {
		b.edges = append(b.edges, domain.Edge{
			From:    b.pendingCond.Decision,
			To:      n.ID,
			Type:    domain.EdgeConditional,
			Outcome: b.pendingCond.Outcome,
		})
		b.pendingCond = nil
	} else if b.lastNode != "" {
		b.edges = append(b.edges, domain.Edge{
			From: b.lastNode,
			To:   n.ID,
			Type: domain.EdgeSequence,
		})
	}
	b.lastNode = n.ID
	return n.ID
}

// recordParam notes an external input name.
func (b *builder) recordParam(name string) {
	if name == "" || b.paramSeen[name] {
		return
	}
	b.paramSeen[name] = true
	b.params = append(b.params, name)
}

func (b *builder) processStatement(n *sitter.Node) {
	switch n.Type() {
	case "lexical_declaration", "variable_declaration":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			child := n.NamedChild(i)
			if child.Type() == "variable_declarator" {
				b.processDeclarator(child)
			}
		}
	case "expression_statement":
		b.processExpression(firstNamedChild(n))
	case "return_statement":
		if expr := firstNamedChild(n); expr != nil {
			b.processExpression(expr)
		}
	case "if_statement":
		b.processIf(n)
	case "switch_statement":
		b.processSwitch(n)
	case "statement_block":
		for i := 0; i < int(n.NamedChildCount()); i++ {
			b.processStatement(n.NamedChild(i))
		}
	case "comment":
		// Comments never affect the structure.
	default:
		// Unknown statements are skipped, but expressions nested in
		// them may still contain tool calls worth finding.
	}
}

func (b *builder) processDeclarator(n *sitter.Node) {
	nameNode := n.ChildByFieldName("name")
	valueNode := n.ChildByFieldName("value")
	if nameNode == nil || valueNode == nil {
		return
	}
	name := b.text(nameNode)
	res := b.processExpression(valueNode)
	switch {
	case res.nodeID != "":
		b.varBindings[name] = res.nodeID
	case res.known:
		b.literalBindings[name] = res.value
	}
}

// processExpression walks one expression, emitting nodes for detected
// constructs. Unknown constructs return an empty result.
func (b *builder) processExpression(n *sitter.Node) exprResult {
	if n == nil {
		return exprResult{}
	}
	switch n.Type() {
	case "await_expression":
		return b.processExpression(firstNamedChild(n))
	case "call_expression":
		return b.processCall(n)
	case "ternary_expression":
		return b.processTernary(n)
	case "parenthesized_expression":
		return b.processExpression(firstNamedChild(n))
	case "identifier":
		name := b.text(n)
		if id, ok := b.varBindings[name]; ok {
			return exprResult{nodeID: id}
		}
		if v, ok := b.literalBindings[name]; ok {
			return exprResult{value: v, known: true}
		}
		return exprResult{}
	default:
		if v, ok := b.foldExpr(n); ok {
			return exprResult{value: v, known: true}
		}
		return exprResult{}
	}
}

// processCall handles every call form the builder understands.
func (b *builder) processCall(call *sitter.Node) exprResult {
	fn := call.ChildByFieldName("function")
	if fn == nil {
		return exprResult{}
	}

	switch fn.Type() {
	case "member_expression":
		return b.processMemberCall(call, fn)
	case "identifier":
		name := b.text(fn)
		if IsPureOp(name) {
			return b.emitPureOp(call, name, nil)
		}
		// Unknown function; scan arguments for nested tool calls.
		b.scanArguments(call)
		return exprResult{}
	}
	return exprResult{}
}

func (b *builder) processMemberCall(call, fn *sitter.Node) exprResult {
	path := memberPath(fn, b.src)

	// mcp.<server>.<tool>(args)
	if len(path) == 3 && path[0] == "mcp" {
		args := b.extractArgs(callArguments(call))
		id := b.addNode(domain.StructureNode{
			Type:      domain.TaskToolCall,
			Tool:      path[1] + ":" + path[2],
			Arguments: args,
		})
		return exprResult{nodeID: id}
	}

	// capabilities.<name>(args)
	if len(path) == 2 && path[0] == "capabilities" {
		args := b.extractArgs(callArguments(call))
		id := b.addNode(domain.StructureNode{
			Type:         domain.TaskCapability,
			CapabilityID: path[1],
			Arguments:    args,
		})
		return exprResult{nodeID: id}
	}

	// Promise.all([...]) / Promise.allSettled([...])
	if len(path) == 2 && path[0] == "Promise" && (path[1] == "all" || path[1] == "allSettled") {
		return b.processPromiseAll(call)
	}

	// Namespaced pure op (JSON.parse, Math.min, Object.keys, ...).
	if len(path) == 2 && IsPureOp(path[0]+"."+path[1]) {
		return b.emitPureOp(call, path[0]+"."+path[1], nil)
	}

	// Method call on a receiver: whitelist ops, map unrolling, chains.
	// path is nil for chained receivers (x.trim().toUpperCase()), so the
	// method name comes from the property field directly.
	var method string
	if prop := fn.ChildByFieldName("property"); prop != nil {
		method = b.text(prop)
	}
	receiver := fn.ChildByFieldName("object")

	if method == "map" {
		if res, handled := b.processMap(call, receiver); handled {
			return res
		}
	}

	if IsPureOp(method) {
		return b.emitPureOp(call, method, receiver)
	}

	// Unknown method; look inside its arguments anyway.
	b.scanArguments(call)
	return exprResult{}
}

// emitPureOp emits a pseudo-tool node (tool "code:<op>") with the call
// span retained verbatim. The receiver, when bound to a task result,
// becomes a reference argument so provenance survives.
func (b *builder) emitPureOp(call *sitter.Node, op string, receiver *sitter.Node) exprResult {
	args := map[string]domain.ArgumentValue{}

	if receiver != nil {
		// A chained receiver call is processed first so the chain
		// reads earliest-first.
		switch receiver.Type() {
		case "call_expression", "await_expression":
			if res := b.processExpression(receiver); res.nodeID != "" {
				args["target"] = domain.Reference(res.nodeID)
			}
		default:
			if v := b.extractArgValue(receiver); v != nil {
				args["target"] = *v
			}
		}
	}

	arguments := callArguments(call)
	if arguments != nil {
		idx := 0
		for i := 0; i < int(arguments.NamedChildCount()); i++ {
			arg := arguments.NamedChild(i)
			if arg.Type() == "comment" {
				continue
			}
			if v := b.extractArgValue(arg); v != nil {
				args[fmt.Sprintf("arg%d", idx)] = *v
			}
			idx++
		}
	}
	if len(args) == 0 {
		args = nil
	}

	id := b.addNode(domain.StructureNode{
		Type:       domain.TaskCodeExecution,
		Tool:       "code:" + op,
		Arguments:  args,
		StaticCode: b.text(call),
	})
	return exprResult{nodeID: id}
}

// processPromiseAll unrolls Promise.all/allSettled into fork + N
// children + join.
func (b *builder) processPromiseAll(call *sitter.Node) exprResult {
	arguments := callArguments(call)
	if arguments == nil || arguments.NamedChildCount() == 0 {
		return exprResult{}
	}
	arg0 := arguments.NamedChild(0)

	var childIDs []string
	var forkID string

	switch arg0.Type() {
	case "array":
		forkID = b.addNode(domain.StructureNode{Type: domain.TaskFork})
		for i := 0; i < int(arg0.NamedChildCount()); i++ {
			elem := arg0.NamedChild(i)
			if elem.Type() == "comment" {
				continue
			}
			// Each branch starts at the fork.
			b.lastNode = forkID
			res := b.processExpression(elem)
			if res.nodeID != "" {
				childIDs = append(childIDs, res.nodeID)
			}
		}
	case "call_expression":
		// Promise.all(arr.map(...)) form.
		fn := arg0.ChildByFieldName("function")
		if fn == nil || fn.Type() != "member_expression" {
			return exprResult{}
		}
		prop := fn.ChildByFieldName("property")
		if prop == nil || b.text(prop) != "map" {
			return exprResult{}
		}
		forkID = b.addNode(domain.StructureNode{Type: domain.TaskFork})
		if _, handled := b.processMapInsideFork(arg0, forkID, &childIDs); !handled {
			return exprResult{}
		}
	default:
		return exprResult{}
	}

	// The join collects every branch terminal; edges added manually.
	b.lastNode = ""
	joinID := b.addNode(domain.StructureNode{Type: domain.TaskJoin})
	for _, cid := range childIDs {
		b.edges = append(b.edges, domain.Edge{From: cid, To: joinID, Type: domain.EdgeSequence})
	}
	b.lastNode = joinID
	return exprResult{nodeID: joinID}
}

// processMap handles arr.map(cb). A literal-array receiver unrolls
// into fork + one node per element + join; a variable receiver emits a
// single template node.
func (b *builder) processMap(call, receiver *sitter.Node) (exprResult, bool) {
	arguments := callArguments(call)
	if arguments == nil || arguments.NamedChildCount() == 0 {
		return exprResult{}, false
	}
	cb := arguments.NamedChild(0)
	if cb.Type() != "arrow_function" {
		return exprResult{}, false
	}
	paramName := arrowParamName(cb, b.src)
	body := cb.ChildByFieldName("body")
	if body == nil || !containsToolCall(body, b.src) {
		return exprResult{}, false
	}

	elements, literal := b.literalArrayElements(receiver)
	if literal {
		forkID := b.addNode(domain.StructureNode{Type: domain.TaskFork})
		var childIDs []string
		for _, elem := range elements {
			b.lastNode = forkID
			b.literalBindings[paramName] = elem
			res := b.processCallbackBody(body)
			delete(b.literalBindings, paramName)
			if res.nodeID != "" {
				childIDs = append(childIDs, res.nodeID)
			}
		}
		b.lastNode = ""
		joinID := b.addNode(domain.StructureNode{Type: domain.TaskJoin})
		for _, cid := range childIDs {
			b.edges = append(b.edges, domain.Edge{From: cid, To: joinID, Type: domain.EdgeSequence})
		}
		b.lastNode = joinID
		return exprResult{nodeID: joinID}, true
	}

	// Variable receiver: one template node, the callback parameter
	// treated as an external input.
	b.callbackParams[paramName] = true
	res := b.processCallbackBody(body)
	delete(b.callbackParams, paramName)
	if res.nodeID != "" {
		return res, true
	}
	return exprResult{}, false
}

// processMapInsideFork supports Promise.all(arr.map(...)) without
// emitting a second fork/join pair.
func (b *builder) processMapInsideFork(mapCall *sitter.Node, forkID string, childIDs *[]string) (exprResult, bool) {
	fn := mapCall.ChildByFieldName("function")
	receiver := fn.ChildByFieldName("object")
	arguments := callArguments(mapCall)
	if arguments == nil || arguments.NamedChildCount() == 0 {
		return exprResult{}, false
	}
	cb := arguments.NamedChild(0)
	if cb.Type() != "arrow_function" {
		return exprResult{}, false
	}
	paramName := arrowParamName(cb, b.src)
	body := cb.ChildByFieldName("body")
	if body == nil || !containsToolCall(body, b.src) {
		return exprResult{}, false
	}
	elements, literal := b.literalArrayElements(receiver)
	if !literal {
		b.lastNode = forkID
		b.callbackParams[paramName] = true
		res := b.processCallbackBody(body)
		delete(b.callbackParams, paramName)
		if res.nodeID != "" {
			*childIDs = append(*childIDs, res.nodeID)
		}
		return res, true
	}
	for _, elem := range elements {
		b.lastNode = forkID
		b.literalBindings[paramName] = elem
		res := b.processCallbackBody(body)
		delete(b.literalBindings, paramName)
		if res.nodeID != "" {
			*childIDs = append(*childIDs, res.nodeID)
		}
	}
	return exprResult{}, true
}

// processCallbackBody handles an arrow body: either a bare expression
// or a block whose last emitted node is the branch terminal.
func (b *builder) processCallbackBody(body *sitter.Node) exprResult {
	if body.Type() == "statement_block" {
		before := b.lastNode
		for i := 0; i < int(body.NamedChildCount()); i++ {
			b.processStatement(body.NamedChild(i))
		}
		if b.lastNode != before {
			return exprResult{nodeID: b.lastNode}
		}
		return exprResult{}
	}
	return b.processExpression(body)
}

// literalArrayElements resolves the receiver to a statically-known
// array, either an inline array literal or a variable bound to one.
func (b *builder) literalArrayElements(receiver *sitter.Node) ([]any, bool) {
	if receiver == nil {
		return nil, false
	}
	if v, ok := b.foldExpr(receiver); ok {
		if arr, ok := v.([]any); ok {
			return arr, true
		}
	}
	return nil, false
}

func (b *builder) processIf(n *sitter.Node) {
	condNode := n.ChildByFieldName("condition")
	condition := strings.TrimSpace(trimParens(b.text(condNode)))

	decisionID := b.addNode(domain.StructureNode{
		Type:      domain.TaskDecision,
		Condition: condition,
	})

	b.processBranch(n.ChildByFieldName("consequence"), decisionID, "true")

	if alt := n.ChildByFieldName("alternative"); alt != nil {
		// else_clause wraps the statement.
		body := alt
		if alt.Type() == "else_clause" {
			body = firstNamedChild(alt)
		}
		if body != nil && body.Type() == "if_statement" {
			// else-if chains continue under the outer scope.
			b.lastNode = decisionID
			b.processIf(body)
			return
		}
		b.processBranch(body, decisionID, "false")
	}

	// Code after the branch depends on the decision itself.
	b.lastNode = decisionID
	b.pendingCond = nil
}

func (b *builder) processSwitch(n *sitter.Node) {
	valueNode := n.ChildByFieldName("value")
	condition := strings.TrimSpace(trimParens(b.text(valueNode)))

	decisionID := b.addNode(domain.StructureNode{
		Type:      domain.TaskDecision,
		Condition: condition,
	})

	body := n.ChildByFieldName("body")
	if body != nil {
		for i := 0; i < int(body.NamedChildCount()); i++ {
			c := body.NamedChild(i)
			switch c.Type() {
			case "switch_case":
				caseValue := "case:"
				if v := c.ChildByFieldName("value"); v != nil {
					caseValue += strings.TrimSpace(trimQuotes(b.text(v)))
				}
				b.processCaseBody(c, decisionID, caseValue)
			case "switch_default":
				b.processCaseBody(c, decisionID, "default")
			}
		}
	}

	b.lastNode = decisionID
	b.pendingCond = nil
}

func (b *builder) processCaseBody(c *sitter.Node, decisionID, outcome string) {
	prevGuard, prevLast, prevPending := b.guard, b.lastNode, b.pendingCond
	g := &domain.TaskGuard{Decision: decisionID, Outcome: outcome}
	b.guard = g
	b.pendingCond = g
	b.lastNode = decisionID

	for i := 0; i < int(c.NamedChildCount()); i++ {
		child := c.NamedChild(i)
		// The case value is a named child too; statements only.
		if isStatement(child) {
			b.processStatement(child)
		}
	}

	b.guard, b.lastNode, b.pendingCond = prevGuard, prevLast, prevPending
}

// processBranch runs a decision branch under a guard; the branch head
// receives a conditional edge.
func (b *builder) processBranch(body *sitter.Node, decisionID, outcome string) {
	if body == nil {
		return
	}
	prevGuard, prevLast, prevPending := b.guard, b.lastNode, b.pendingCond
	g := &domain.TaskGuard{Decision: decisionID, Outcome: outcome}
	b.guard = g
	b.pendingCond = g
	b.lastNode = decisionID

	if body.Type() == "statement_block" {
		for i := 0; i < int(body.NamedChildCount()); i++ {
			b.processStatement(body.NamedChild(i))
		}
	} else {
		b.processStatement(body)
	}

	b.guard, b.lastNode, b.pendingCond = prevGuard, prevLast, prevPending
}

func (b *builder) processTernary(n *sitter.Node) exprResult {
	condition := strings.TrimSpace(b.text(n.ChildByFieldName("condition")))
	decisionID := b.addNode(domain.StructureNode{
		Type:      domain.TaskDecision,
		Condition: condition,
	})

	b.ternaryBranch(n.ChildByFieldName("consequence"), decisionID, "true")
	b.ternaryBranch(n.ChildByFieldName("alternative"), decisionID, "false")

	b.lastNode = decisionID
	b.pendingCond = nil
	return exprResult{nodeID: decisionID}
}

func (b *builder) ternaryBranch(expr *sitter.Node, decisionID, outcome string) {
	if expr == nil {
		return
	}
	prevGuard, prevLast, prevPending := b.guard, b.lastNode, b.pendingCond
	g := &domain.TaskGuard{Decision: decisionID, Outcome: outcome}
	b.guard = g
	b.pendingCond = g
	b.lastNode = decisionID
	b.processExpression(expr)
	b.guard, b.lastNode, b.pendingCond = prevGuard, prevLast, prevPending
}

// scanArguments descends into an unknown call's arguments so awaited
// tool calls nested there are still detected.
func (b *builder) scanArguments(call *sitter.Node) {
	arguments := callArguments(call)
	if arguments == nil {
		return
	}
	for i := 0; i < int(arguments.NamedChildCount()); i++ {
		arg := arguments.NamedChild(i)
		switch arg.Type() {
		case "await_expression", "call_expression", "ternary_expression":
			b.processExpression(arg)
		}
	}
}

// --- small tree helpers ---

func firstNamedChild(n *sitter.Node) *sitter.Node {
	if n == nil || n.NamedChildCount() == 0 {
		return nil
	}
	return n.NamedChild(0)
}

func callArguments(call *sitter.Node) *sitter.Node {
	return call.ChildByFieldName("arguments")
}

// memberPath flattens a member-expression chain of plain identifiers
// into its dotted segments. Returns nil when the chain contains calls
// or subscripts.
func memberPath(n *sitter.Node, src []byte) []string {
	var segs []string
	cur := n
	for cur != nil && cur.Type() == "member_expression" {
		prop := cur.ChildByFieldName("property")
		if prop == nil {
			return nil
		}
		segs = append([]string{string(src[prop.StartByte():prop.EndByte()])}, segs...)
		cur = cur.ChildByFieldName("object")
	}
	if cur == nil || cur.Type() != "identifier" {
		return nil
	}
	return append([]string{string(src[cur.StartByte():cur.EndByte()])}, segs...)
}

func arrowParamName(arrow *sitter.Node, src []byte) string {
	if p := arrow.ChildByFieldName("parameter"); p != nil {
		return string(src[p.StartByte():p.EndByte()])
	}
	params := arrow.ChildByFieldName("parameters")
	if params != nil && params.NamedChildCount() > 0 {
		p := params.NamedChild(0)
		return string(src[p.StartByte():p.EndByte()])
	}
	return "item"
}

// containsToolCall reports whether the subtree mentions an mcp or
// capabilities call.
func containsToolCall(n *sitter.Node, src []byte) bool {
	text := string(src[n.StartByte():n.EndByte()])
	return strings.Contains(text, "mcp.") || strings.Contains(text, "capabilities.")
}

func isStatement(n *sitter.Node) bool {
	switch n.Type() {
	case "expression_statement", "lexical_declaration", "variable_declaration",
		"return_statement", "if_statement", "switch_statement", "statement_block",
		"break_statement":
		return true
	}
	return false
}

func trimParens(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		return s[1 : len(s)-1]
	}
	return s
}

func trimQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') ||
			(s[0] == '`' && s[len(s)-1] == '`') {
			return s[1 : len(s)-1]
		}
	}
	return s
}

// stringValue returns the unquoted content of a string node.
func (b *builder) stringValue(n *sitter.Node) string {
	return trimQuotes(b.text(n))
}

// propertyName returns an object key's name, unquoting string keys.
func (b *builder) propertyName(n *sitter.Node) string {
	if n == nil {
		return ""
	}
	if n.Type() == "string" {
		return b.stringValue(n)
	}
	return b.text(n)
}

func hasSubstitution(template *sitter.Node) bool {
	for i := 0; i < int(template.NamedChildCount()); i++ {
		if template.NamedChild(i).Type() == "template_substitution" {
			return true
		}
	}
	return false
}

func templateText(template *sitter.Node, src []byte) string {
	return trimQuotes(string(src[template.StartByte():template.EndByte()]))
}

// firstSyntaxError locates the first ERROR or MISSING node for the
// ParseError offset.
func firstSyntaxError(root *sitter.Node) (int, string) {
	cursor := sitter.NewTreeCursor(root)
	defer cursor.Close()

	var walk func() (int, string, bool)
	walk = func() (int, string, bool) {
		node := cursor.CurrentNode()
		if node.IsError() {
			return int(node.StartByte()), "syntax error", true
		}
		if node.IsMissing() {
			return int(node.StartByte()), "missing " + node.Type(), true
		}
		if cursor.GoToFirstChild() {
			for {
				if off, msg, ok := walk(); ok {
					return off, msg, true
				}
				if !cursor.GoToNextSibling() {
					break
				}
			}
			cursor.GoToParent()
		}
		return 0, "", false
	}

	if off, msg, ok := walk(); ok {
		return off, msg
	}
	return 0, "syntax error"
}

// numericSuffix parses the integer part of a node ID ("n12" → 12).
func numericSuffix(id string) int {
	v, err := strconv.Atoi(strings.TrimPrefix(id, "n"))
	if err != nil {
		return 0
	}
	return v
}
