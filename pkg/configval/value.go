// Package configval represents loaded configuration as a tree of tagged
// variants with strongly-typed accessors, per the "dynamically-typed
// config" source-pattern adaptation: configs arrive as untyped JSON/YAML/
// TOML mappings, and rather than introspect them ad hoc at every call
// site, every read goes through an accessor that fails with a *model.ConfigError
// naming the offending key path when the stored kind doesn't match.
package configval

import (
	"fmt"

	"github.com/nrel/hpcpipe/pkg/model"
)

// Kind identifies which variant a Value holds.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindList
	KindMap
)

// Value is a single node in a loaded configuration tree.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	list []Value
	m    map[string]Value
}

func Null() Value                { return Value{kind: KindNull} }
func Bool(b bool) Value          { return Value{kind: KindBool, b: b} }
func Number(n float64) Value     { return Value{kind: KindNumber, n: n} }
func String(s string) Value      { return Value{kind: KindString, s: s} }
func List(items []Value) Value   { return Value{kind: KindList, list: items} }
func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

// Kind returns the variant tag.
func (v Value) Kind() Kind { return v.kind }

func (v Value) typeName() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

func typeErr(path, want string, got Value) error {
	return &model.ConfigError{Path: path, Msg: fmt.Sprintf("expected %s, got %s", want, got.typeName())}
}

// AsString returns the string held by v, or a ConfigError naming path.
func (v Value) AsString(path string) (string, error) {
	if v.kind != KindString {
		return "", typeErr(path, "string", v)
	}
	return v.s, nil
}

// AsBool returns the bool held by v, or a ConfigError naming path.
func (v Value) AsBool(path string) (bool, error) {
	if v.kind != KindBool {
		return false, typeErr(path, "bool", v)
	}
	return v.b, nil
}

// AsFloat returns the numeric value held by v, or a ConfigError naming path.
func (v Value) AsFloat(path string) (float64, error) {
	if v.kind != KindNumber {
		return 0, typeErr(path, "number", v)
	}
	return v.n, nil
}

// AsInt returns the numeric value truncated to int, or a ConfigError.
func (v Value) AsInt(path string) (int, error) {
	f, err := v.AsFloat(path)
	if err != nil {
		return 0, err
	}
	return int(f), nil
}

// AsList returns the list held by v, or a ConfigError naming path.
func (v Value) AsList(path string) ([]Value, error) {
	if v.kind != KindList {
		return nil, typeErr(path, "list", v)
	}
	return v.list, nil
}

// AsMap returns the map held by v, or a ConfigError naming path.
func (v Value) AsMap(path string) (map[string]Value, error) {
	if v.kind != KindMap {
		return nil, typeErr(path, "map", v)
	}
	return v.m, nil
}

// IsNull reports whether v holds the null variant.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Get looks up key in a map value. ok is false if v isn't a map or the
// key is absent.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMap {
		return Value{}, false
	}
	val, ok := v.m[key]
	return val, ok
}

// MustGet looks up a required key, returning a ConfigError naming the
// full path if the map or the key is missing.
func (v Value) MustGet(path, key string) (Value, error) {
	m, err := v.AsMap(path)
	if err != nil {
		return Value{}, err
	}
	val, ok := m[key]
	if !ok {
		return Value{}, &model.ConfigError{Path: path, Msg: fmt.Sprintf("missing required key %q", key)}
	}
	return val, nil
}

// WithSet returns a copy of v (which must be a map) with key set to val.
// Used by the Dispatcher to clone a step config and replace split-key
// values with a task's scalar slice.
func (v Value) WithSet(key string, val Value) Value {
	m, _ := v.AsMap("")
	out := make(map[string]Value, len(m)+1)
	for k, vv := range m {
		out[k] = vv
	}
	out[key] = val
	return Map(out)
}

// Clone performs a deep copy of v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindList:
		items := make([]Value, len(v.list))
		for i, item := range v.list {
			items[i] = item.Clone()
		}
		return List(items)
	case KindMap:
		m := make(map[string]Value, len(v.m))
		for k, vv := range v.m {
			m[k] = vv.Clone()
		}
		return Map(m)
	default:
		return v
	}
}

// Native converts v back into plain Go values (map[string]any, []any,
// string, float64, bool, nil) suitable for re-marshaling.
func (v Value) Native() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.Native()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, vv := range v.m {
			out[k] = vv.Native()
		}
		return out
	}
	return nil
}

// FromNative builds a Value tree from plain Go values produced by a
// JSON/YAML/TOML unmarshal (map[string]any / []any / scalars).
func FromNative(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(t)
	case string:
		return String(t)
	case int:
		return Number(float64(t))
	case int64:
		return Number(float64(t))
	case float64:
		return Number(t)
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			items[i] = FromNative(item)
		}
		return List(items)
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, v := range t {
			m[k] = FromNative(v)
		}
		return Map(m)
	case map[any]any: // yaml.v2-style map keys; yaml.v3 normally gives map[string]any
		m := make(map[string]Value, len(t))
		for k, v := range t {
			m[fmt.Sprint(k)] = FromNative(v)
		}
		return Map(m)
	default:
		return String(fmt.Sprint(t))
	}
}
