package structure

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/casys-ai/pml-gateway/domain"
	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/javascript"
)

// codeTemplateRe is the heuristic for detecting a code template
// literal: a string argument that itself contains code.
var codeTemplateRe = regexp.MustCompile(`await\s|=>|\bpage\.|\bmcp\.|\bcapabilities\.`)

func looksLikeCode(s string) bool {
	return codeTemplateRe.MatchString(s)
}

// paramNameHints maps well-known function names to the parameter name
// their first string argument should get when lifted out of a code
// template.
var paramNameHints = map[string]string{
	"goto":        "url",
	"fetch":       "url",
	"open":        "url",
	"navigate":    "url",
	"click":       "selector",
	"waitFor":     "selector",
	"querySelector": "selector",
	"type":        "text",
	"fill":        "text",
	"write":       "content",
	"read":        "path",
}

// rewriteCodeTemplate recursively scans a code template literal.
// Nested string literals become named parameters inferred from
// context: the enclosing object key ({endpoint: "x"} → endpoint), or a
// hint from the called function (goto("u") → url), with a numeric
// suffix on collision. The literal is replaced by an interpolation of
// the inferred name and the rewritten template is kept as the
// argument's literal value.
func (b *builder) rewriteCodeTemplate(code string) *domain.ArgumentValue {
	parser := sitter.NewParser()
	parser.SetLanguage(javascript.GetLanguage())

	tree, err := parser.ParseCtx(context.Background(), nil, []byte(code))
	if err != nil {
		return argPtr(domain.Literal(code))
	}
	defer tree.Close()

	type lift struct {
		start, end int
		name       string
	}
	var lifts []lift
	used := map[string]int{}

	assign := func(base string) string {
		used[base]++
		if used[base] == 1 {
			return base
		}
		return fmt.Sprintf("%s%d", base, used[base])
	}

	src := []byte(code)
	var walk func(n *sitter.Node)
	walk = func(n *sitter.Node) {
		if n.Type() == "string" && n.Parent() != nil {
			name := b.inferTemplateParamName(n, src)
			if name != "" {
				lifts = append(lifts, lift{
					start: int(n.StartByte()),
					end:   int(n.EndByte()),
					name:  assign(name),
				})
				return
			}
		}
		for i := 0; i < int(n.NamedChildCount()); i++ {
			walk(n.NamedChild(i))
		}
	}
	walk(tree.RootNode())

	if len(lifts) == 0 {
		return argPtr(domain.Literal(code))
	}

	// Rewrite back-to-front so offsets stay valid.
	out := code
	for i := len(lifts) - 1; i >= 0; i-- {
		l := lifts[i]
		out = out[:l.start] + "${" + l.name + "}" + out[l.end:]
		b.recordParam(l.name)
	}
	return argPtr(domain.Literal(out))
}

// inferTemplateParamName names a lifted string literal from its
// context, or returns "" to leave it in place.
func (b *builder) inferTemplateParamName(n *sitter.Node, src []byte) string {
	parent := n.Parent()
	if parent == nil {
		return ""
	}
	switch parent.Type() {
	case "pair":
		// {endpoint: "x"} → endpoint
		key := parent.ChildByFieldName("key")
		if key == nil {
			return ""
		}
		name := string(src[key.StartByte():key.EndByte()])
		return strings.Trim(name, `"'`)
	case "arguments":
		// fn("x") → hint from the function name.
		call := parent.Parent()
		if call == nil || call.Type() != "call_expression" {
			return ""
		}
		fn := call.ChildByFieldName("function")
		if fn == nil {
			return ""
		}
		fnName := string(src[fn.StartByte():fn.EndByte()])
		if idx := strings.LastIndex(fnName, "."); idx != -1 {
			fnName = fnName[idx+1:]
		}
		if hint, ok := paramNameHints[fnName]; ok {
			return hint
		}
		return "param"
	}
	return ""
}
