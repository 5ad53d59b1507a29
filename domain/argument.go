package domain

import (
	"encoding/json"
	"fmt"
)

// ArgumentKind discriminates the ArgumentValue variant.
type ArgumentKind string

const (
	ArgLiteral   ArgumentKind = "literal"
	ArgParameter ArgumentKind = "parameter"
	ArgReference ArgumentKind = "reference"
)

// ArgumentValue is the tagged variant carried by task arguments:
// a literal value, a named external parameter, or a dotted reference
// rooted in a task ID (for example "n3.content[0]").
type ArgumentValue struct {
	Kind ArgumentKind

	// Value is set for literal arguments.
	Value any

	// Name is set for parameter arguments.
	Name string

	// Expression is set for reference arguments.
	Expression string
}

// Literal builds a literal argument.
func Literal(v any) ArgumentValue {
	return ArgumentValue{Kind: ArgLiteral, Value: v}
}

// Parameter builds an external-parameter argument.
func Parameter(name string) ArgumentValue {
	return ArgumentValue{Kind: ArgParameter, Name: name}
}

// Reference builds a task-result reference argument.
func Reference(expr string) ArgumentValue {
	return ArgumentValue{Kind: ArgReference, Expression: expr}
}

// argumentWire is the single-key wire form, e.g. {"literal": 3},
// {"parameter": "url"}, {"reference": "n1.content"}.
type argumentWire struct {
	Literal   *any    `json:"literal,omitempty"`
	Parameter *string `json:"parameter,omitempty"`
	Reference *string `json:"reference,omitempty"`
}

// MarshalJSON encodes the variant as a single-key object.
func (a ArgumentValue) MarshalJSON() ([]byte, error) {
	switch a.Kind {
	case ArgLiteral:
		v := a.Value
		return json.Marshal(argumentWire{Literal: &v})
	case ArgParameter:
		n := a.Name
		return json.Marshal(argumentWire{Parameter: &n})
	case ArgReference:
		e := a.Expression
		return json.Marshal(argumentWire{Reference: &e})
	default:
		return nil, fmt.Errorf("argument value: unknown kind %q", a.Kind)
	}
}

// UnmarshalJSON decodes the single-key object form.
func (a *ArgumentValue) UnmarshalJSON(data []byte) error {
	var w argumentWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch {
	case w.Parameter != nil:
		*a = Parameter(*w.Parameter)
	case w.Reference != nil:
		*a = Reference(*w.Reference)
	case w.Literal != nil:
		*a = Literal(*w.Literal)
	default:
		// {"literal": null} drops the key during round-trips; treat an
		// empty object as a null literal.
		*a = Literal(nil)
	}
	return nil
}

// String renders the argument for logs and traces.
func (a ArgumentValue) String() string {
	switch a.Kind {
	case ArgLiteral:
		return fmt.Sprintf("literal(%v)", a.Value)
	case ArgParameter:
		return fmt.Sprintf("parameter(%s)", a.Name)
	case ArgReference:
		return fmt.Sprintf("reference(%s)", a.Expression)
	}
	return "argument(?)"
}
