package structure

import (
	"fmt"
	"strings"

	"github.com/casys-ai/pml-gateway/domain"
	sitter "github.com/smacker/go-tree-sitter"
)

// extractArgs builds the argument map from a call's argument list,
// normalising each value in place: literals fold, parameter accesses
// become {parameter}, and accesses to variables bound to task results
// are rewritten to {reference, "nk.<rest>"} as the walk sees them.
// That in-walk rewrite is what makes the structure hash stable under
// variable renaming.
func (b *builder) extractArgs(arguments *sitter.Node) map[string]domain.ArgumentValue {
	if arguments == nil || arguments.NamedChildCount() == 0 {
		return nil
	}
	obj := arguments.NamedChild(0)
	if obj == nil || obj.Type() != "object" {
		return nil
	}

	out := map[string]domain.ArgumentValue{}
	for i := 0; i < int(obj.NamedChildCount()); i++ {
		pair := obj.NamedChild(i)
		switch pair.Type() {
		case "pair":
			key := b.propertyName(pair.ChildByFieldName("key"))
			if v := b.extractArgValue(pair.ChildByFieldName("value")); v != nil {
				out[key] = *v
			}
		case "shorthand_property_identifier":
			name := b.text(pair)
			if v := b.resolveIdentifier(name); v != nil {
				out[name] = *v
			}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// extractArgValue normalises one argument expression, or returns nil
// for constructs that cannot be represented.
func (b *builder) extractArgValue(n *sitter.Node) *domain.ArgumentValue {
	if n == nil {
		return nil
	}
	switch n.Type() {
	case "identifier":
		return b.resolveIdentifier(b.text(n))

	case "member_expression", "subscript_expression":
		return b.resolveAccessPath(n)

	case "template_string":
		return b.resolveTemplate(n)

	case "string":
		s := b.stringValue(n)
		if looksLikeCode(s) {
			return b.rewriteCodeTemplate(s)
		}
		return argPtr(domain.Literal(s))

	case "call_expression", "await_expression", "ternary_expression":
		if res := b.processExpression(n); res.nodeID != "" {
			return argPtr(domain.Reference(res.nodeID))
		}
		return nil

	case "arrow_function":
		// Function-valued arguments are retained verbatim.
		return argPtr(domain.Literal(b.text(n)))
	}

	if v, ok := b.foldExpr(n); ok {
		return argPtr(domain.Literal(v))
	}
	return nil
}

// resolveIdentifier normalises a bare identifier: known literal,
// bound task result, in-scope callback parameter, or external input.
func (b *builder) resolveIdentifier(name string) *domain.ArgumentValue {
	if v, ok := b.literalBindings[name]; ok {
		return argPtr(domain.Literal(v))
	}
	if nodeID, ok := b.varBindings[name]; ok {
		return argPtr(domain.Reference(nodeID))
	}
	if b.callbackParams[name] {
		b.recordParam(name)
		return argPtr(domain.Parameter(name))
	}
	// Free identifier: an external input.
	b.recordParam(name)
	return argPtr(domain.Parameter(name))
}

// resolveAccessPath normalises a dotted/indexed access chain.
func (b *builder) resolveAccessPath(n *sitter.Node) *domain.ArgumentValue {
	root, path, ok := b.accessPath(n)
	if !ok {
		return nil
	}

	// args.x / params.x are the snippet's external inputs.
	if root == "args" || root == "params" {
		name := strings.TrimPrefix(path, root+".")
		if name == root { // bare "args" with no tail
			return nil
		}
		b.recordParam(name)
		return argPtr(domain.Parameter(name))
	}

	if nodeID, ok := b.varBindings[root]; ok {
		return argPtr(domain.Reference(nodeID + strings.TrimPrefix(path, root)))
	}

	if v, ok := b.literalBindings[root]; ok {
		if folded, ok := resolvePathValue(v, strings.TrimPrefix(path, root)); ok {
			return argPtr(domain.Literal(folded))
		}
		return nil
	}

	if b.callbackParams[root] {
		b.recordParam(path)
		return argPtr(domain.Parameter(path))
	}

	// Unknown root: the whole path is an external input.
	b.recordParam(path)
	return argPtr(domain.Parameter(path))
}

// accessPath flattens a member/subscript chain into its root
// identifier and the canonical dotted path ("f.content[0]").
func (b *builder) accessPath(n *sitter.Node) (root, path string, ok bool) {
	switch n.Type() {
	case "identifier":
		name := b.text(n)
		return name, name, true
	case "member_expression":
		obj := n.ChildByFieldName("object")
		prop := n.ChildByFieldName("property")
		if obj == nil || prop == nil {
			return "", "", false
		}
		r, p, ok := b.accessPath(obj)
		if !ok {
			return "", "", false
		}
		return r, p + "." + b.text(prop), true
	case "subscript_expression":
		obj := n.ChildByFieldName("object")
		idx := n.ChildByFieldName("index")
		if obj == nil || idx == nil {
			return "", "", false
		}
		r, p, ok := b.accessPath(obj)
		if !ok {
			return "", "", false
		}
		switch idx.Type() {
		case "number":
			return r, p + "[" + b.text(idx) + "]", true
		case "string":
			return r, p + "." + b.stringValue(idx), true
		}
		return "", "", false
	}
	return "", "", false
}

// resolvePathValue walks a canonical path tail (".a[0].b") over a
// statically-known value.
func resolvePathValue(v any, tail string) (any, bool) {
	rest := tail
	for rest != "" {
		switch rest[0] {
		case '.':
			rest = rest[1:]
			end := strings.IndexAny(rest, ".[")
			var seg string
			if end == -1 {
				seg, rest = rest, ""
			} else {
				seg, rest = rest[:end], rest[end:]
			}
			m, ok := v.(map[string]any)
			if !ok {
				return nil, false
			}
			v, ok = m[seg]
			if !ok {
				return nil, false
			}
		case '[':
			end := strings.Index(rest, "]")
			if end == -1 {
				return nil, false
			}
			var idx int
			if _, err := fmt.Sscanf(rest[1:end], "%d", &idx); err != nil {
				return nil, false
			}
			rest = rest[end+1:]
			arr, ok := v.([]any)
			if !ok || idx < 0 || idx >= len(arr) {
				return nil, false
			}
			v = arr[idx]
		default:
			return nil, false
		}
	}
	return v, true
}

// resolveTemplate normalises a template literal. If any interpolation
// references a bound variable, the whole template becomes a reference
// expression with bound roots rewritten to node IDs; otherwise known
// literals are substituted and the result is a plain string literal.
func (b *builder) resolveTemplate(n *sitter.Node) *domain.ArgumentValue {
	raw := templateText(n, b.src)
	if looksLikeCode(raw) {
		return b.rewriteCodeTemplate(raw)
	}

	referencesBound := false
	var out strings.Builder
	out.WriteString("`")

	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		switch child.Type() {
		case "template_substitution":
			inner := firstNamedChild(child)
			if inner == nil {
				continue
			}
			if v, ok := b.foldExpr(inner); ok {
				out.WriteString(fmt.Sprintf("%v", v))
				continue
			}
			if arg := b.extractArgValue(inner); arg != nil && arg.Kind == domain.ArgReference {
				referencesBound = true
				out.WriteString("${" + arg.Expression + "}")
				continue
			}
			// Unknown interpolation stays verbatim.
			out.WriteString("${" + b.text(inner) + "}")
		case "string_fragment":
			out.WriteString(b.text(child))
		}
	}
	out.WriteString("`")

	if referencesBound {
		return argPtr(domain.Reference(trimQuotes(out.String())))
	}
	return argPtr(domain.Literal(trimQuotes(out.String())))
}

func argPtr(v domain.ArgumentValue) *domain.ArgumentValue {
	return &v
}
