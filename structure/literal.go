package structure

import (
	"math"
	"strconv"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
)

// foldExpr statically evaluates an expression over literals and
// tracked bindings. The supported operators are
// + - * / % ** == === != !== < > <= >= && || ! typeof and unary + -.
// If any operand is not statically known, folding is abandoned and
// (nil, false) is returned.
func (b *builder) foldExpr(node *sitter.Node) (any, bool) {
	if node == nil {
		return nil, false
	}
	switch node.Type() {
	case "number":
		return parseNumber(b.text(node))
	case "string":
		return b.stringValue(node), true
	case "template_string":
		if hasSubstitution(node) {
			return nil, false
		}
		return templateText(node, b.src), true
	case "true":
		return true, true
	case "false":
		return false, true
	case "null", "undefined":
		return nil, true
	case "identifier":
		name := b.text(node)
		if v, ok := b.literalBindings[name]; ok {
			return v, true
		}
		return nil, false
	case "array":
		var out []any
		for i := 0; i < int(node.NamedChildCount()); i++ {
			v, ok := b.foldExpr(node.NamedChild(i))
			if !ok {
				return nil, false
			}
			out = append(out, v)
		}
		if out == nil {
			out = []any{}
		}
		return out, true
	case "object":
		out := map[string]any{}
		for i := 0; i < int(node.NamedChildCount()); i++ {
			pair := node.NamedChild(i)
			if pair.Type() != "pair" {
				return nil, false
			}
			key := b.propertyName(pair.ChildByFieldName("key"))
			v, ok := b.foldExpr(pair.ChildByFieldName("value"))
			if !ok {
				return nil, false
			}
			out[key] = v
		}
		return out, true
	case "parenthesized_expression":
		return b.foldExpr(firstNamedChild(node))
	case "binary_expression":
		return b.foldBinary(node)
	case "unary_expression":
		return b.foldUnary(node)
	}
	return nil, false
}

func (b *builder) foldBinary(node *sitter.Node) (any, bool) {
	left, ok := b.foldExpr(node.ChildByFieldName("left"))
	if !ok {
		return nil, false
	}
	op := operatorText(node, b.src)

	// Short-circuit operators only need the right side sometimes, but
	// folding requires both to be static anyway.
	right, ok := b.foldExpr(node.ChildByFieldName("right"))
	if !ok {
		return nil, false
	}

	switch op {
	case "&&":
		if truthy(left) {
			return right, true
		}
		return left, true
	case "||":
		if truthy(left) {
			return left, true
		}
		return right, true
	case "==", "===":
		return looseEqual(left, right), true
	case "!=", "!==":
		return !looseEqual(left, right), true
	}

	// String concatenation.
	if op == "+" {
		ls, lok := left.(string)
		rs, rok := right.(string)
		if lok || rok {
			if lok && rok {
				return ls + rs, true
			}
			lf, lnum := toNumber(left)
			rf, rnum := toNumber(right)
			if lok && rnum {
				return ls + formatNumber(rf), true
			}
			if rok && lnum {
				return formatNumber(lf) + rs, true
			}
			return nil, false
		}
	}

	lf, lok := toNumber(left)
	rf, rok := toNumber(right)
	if !lok || !rok {
		return nil, false
	}
	switch op {
	case "+":
		return lf + rf, true
	case "-":
		return lf - rf, true
	case "*":
		return lf * rf, true
	case "/":
		if rf == 0 {
			return nil, false
		}
		return lf / rf, true
	case "%":
		if rf == 0 {
			return nil, false
		}
		return float64(int64(lf) % int64(rf)), true
	case "**":
		return pow(lf, rf), true
	case "<":
		return lf < rf, true
	case ">":
		return lf > rf, true
	case "<=":
		return lf <= rf, true
	case ">=":
		return lf >= rf, true
	}
	return nil, false
}

func (b *builder) foldUnary(node *sitter.Node) (any, bool) {
	arg, ok := b.foldExpr(node.ChildByFieldName("argument"))
	if !ok {
		return nil, false
	}
	switch operatorText(node, b.src) {
	case "!":
		return !truthy(arg), true
	case "-":
		if f, ok := toNumber(arg); ok {
			return -f, true
		}
	case "+":
		if f, ok := toNumber(arg); ok {
			return f, true
		}
	case "typeof":
		return typeofValue(arg), true
	}
	return nil, false
}

func operatorText(node *sitter.Node, src []byte) string {
	if op := node.ChildByFieldName("operator"); op != nil {
		return string(src[op.StartByte():op.EndByte()])
	}
	return ""
}

func parseNumber(s string) (any, bool) {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil, false
	}
	return f, true
}

func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func truthy(v any) bool {
	switch n := v.(type) {
	case nil:
		return false
	case bool:
		return n
	case float64:
		return n != 0
	case string:
		return n != ""
	}
	return true
}

func looseEqual(a, b any) bool {
	if af, ok := toNumber(a); ok {
		if bf, ok := toNumber(b); ok {
			return af == bf
		}
	}
	return a == b
}

func typeofValue(v any) string {
	switch v.(type) {
	case nil:
		return "undefined"
	case bool:
		return "boolean"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "object"
	case map[string]any:
		return "object"
	}
	return "object"
}

func pow(base, exp float64) float64 {
	return math.Pow(base, exp)
}
