package plugin

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/morezero/implant-relay/pkg/message"
)

// ParamType is the declared type of a method parameter.
type ParamType string

const (
	TypeString  ParamType = "string"
	TypeFloat   ParamType = "float"
	TypeInt     ParamType = "int"
	TypeBool    ParamType = "bool"
	TypeLiteral ParamType = "literal"
)

// Param describes one method parameter. A nil Default makes it required.
// Literal parameters take one of Choices.
type Param struct {
	Name    string
	Type    ParamType
	Default any
	Choices []any
}

// schemaParam is the published form of a Param.
type schemaParam struct {
	Name    string    `json:"name"`
	Type    ParamType `json:"type"`
	Default any       `json:"default"`
	Choices []any     `json:"choices,omitempty"`
}

// Validate checks the declared type and that Default (and every choice) is a
// recognised primitive of that type.
func (p Param) Validate() error {
	switch p.Type {
	case TypeString, TypeFloat, TypeInt, TypeBool:
		if p.Default != nil && !matchesType(p.Type, p.Default) {
			return fmt.Errorf("default %v (%T) is not a %s", p.Default, p.Default, p.Type)
		}
	case TypeLiteral:
		if len(p.Choices) == 0 {
			return fmt.Errorf("literal has no choices")
		}
		for _, c := range p.Choices {
			if !isPrimitive(c) {
				return fmt.Errorf("choice %v (%T) is not a primitive", c, c)
			}
		}
		if p.Default != nil && !containsChoice(p.Choices, p.Default) {
			return fmt.Errorf("default %v is not one of %v", p.Default, p.Choices)
		}
	default:
		return fmt.Errorf("unknown type %q", p.Type)
	}
	return nil
}

func (p Param) schema() schemaParam {
	return schemaParam{Name: p.Name, Type: p.Type, Default: p.Default, Choices: p.Choices}
}

func matchesType(t ParamType, v any) bool {
	switch t {
	case TypeString:
		_, ok := v.(string)
		return ok
	case TypeBool:
		_, ok := v.(bool)
		return ok
	case TypeInt:
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			return n == math.Trunc(n)
		}
	case TypeFloat:
		switch v.(type) {
		case float32, float64, int, int32, int64:
			return true
		}
	}
	return false
}

func isPrimitive(v any) bool {
	switch v.(type) {
	case string, bool, int, int32, int64, float32, float64:
		return true
	}
	return false
}

func containsChoice(choices []any, v any) bool {
	for _, c := range choices {
		if fmt.Sprint(c) == fmt.Sprint(v) {
			return true
		}
	}
	return false
}

// Args binds the arguments of one invocation to a method's parameters:
// a keyword argument wins, then the positional argument at the parameter's
// index, then the declared default.
type Args struct {
	params     []Param
	positional []json.RawMessage
	kwargs     map[string]json.RawMessage
}

// NewArgs creates Args for the given parameters.
func NewArgs(params []Param, positional []json.RawMessage, kwargs map[string]json.RawMessage) Args {
	return Args{params: params, positional: positional, kwargs: kwargs}
}

// Decode unmarshals the argument bound to name into v.
func (a Args) Decode(name string, v any) error {
	raw, ok, err := a.lookup(name)
	if err != nil {
		return err
	}
	if !ok {
		return message.NewParseError(fmt.Sprintf("missing argument %q", name))
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return message.NewParseError(fmt.Sprintf("argument %q: %v", name, err))
	}
	return nil
}

// String returns the string argument bound to name.
func (a Args) String(name string) (string, error) {
	var s string
	err := a.Decode(name, &s)
	return s, err
}

// Int returns the integer argument bound to name.
func (a Args) Int(name string) (int64, error) {
	var n int64
	err := a.Decode(name, &n)
	return n, err
}

// Float returns the float argument bound to name.
func (a Args) Float(name string) (float64, error) {
	var f float64
	err := a.Decode(name, &f)
	return f, err
}

// Bool returns the boolean argument bound to name.
func (a Args) Bool(name string) (bool, error) {
	var b bool
	err := a.Decode(name, &b)
	return b, err
}

func (a Args) lookup(name string) (json.RawMessage, bool, error) {
	if raw, ok := a.kwargs[name]; ok {
		return raw, true, nil
	}

	for i, p := range a.params {
		if p.Name != name {
			continue
		}
		if i < len(a.positional) {
			return a.positional[i], true, nil
		}
		if p.Default == nil {
			return nil, false, nil
		}
		raw, err := json.Marshal(p.Default)
		if err != nil {
			return nil, false, fmt.Errorf("default for %q: %w", name, err)
		}
		return raw, true, nil
	}
	return nil, false, nil
}
