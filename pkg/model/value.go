package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// ErrUnsupportedValue is returned by FromAny for Go values outside the closed
// property value space.
var ErrUnsupportedValue = errors.New("unsupported property value")

// MaxDepth bounds map/list nesting so hostile payloads cannot exhaust the stack.
const MaxDepth = 64

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindMap
	KindList
)

var kindNames = [...]string{
	KindInvalid: "invalid",
	KindString:  "string",
	KindInt:     "int",
	KindFloat:   "float",
	KindBool:    "bool",
	KindMap:     "map",
	KindList:    "list",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// KindFromString is the inverse of Kind.String. It returns KindInvalid for
// unknown names.
func KindFromString(s string) Kind {
	for k, name := range kindNames {
		if name == s && Kind(k) != KindInvalid {
			return Kind(k)
		}
	}
	return KindInvalid
}

// Value is a property value: a closed tagged variant over string, int, float,
// bool, nested map and list. The zero Value is invalid and is rejected by every
// codec.
//
// Values are immutable once built; Map and List copy nothing, so callers must
// not mutate the Properties or slice they passed in afterwards.
type Value struct {
	kind Kind
	str  string
	num  int64
	flt  float64
	m    Properties
	list []Value
}

// Properties is the attribute bag carried by nodes and edges.
type Properties map[string]Value

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Int returns an integer Value.
func Int(i int64) Value { return Value{kind: KindInt, num: i} }

// Float returns a floating point Value.
func Float(f float64) Value { return Value{kind: KindFloat, flt: f} }

// Bool returns a boolean Value.
func Bool(b bool) Value {
	v := Value{kind: KindBool}
	if b {
		v.num = 1
	}
	return v
}

// Map returns a nested map Value. A nil map is stored as an empty one.
func Map(p Properties) Value {
	if p == nil {
		p = Properties{}
	}
	return Value{kind: KindMap, m: p}
}

// List returns a list Value.
func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindList, list: items}
}

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether v holds one of the supported variants.
func (v Value) IsValid() bool { return v.kind > KindInvalid && v.kind <= KindList }

func (v Value) AsString() (string, bool) { return v.str, v.kind == KindString }
func (v Value) AsInt() (int64, bool)     { return v.num, v.kind == KindInt }
func (v Value) AsFloat() (float64, bool) { return v.flt, v.kind == KindFloat }
func (v Value) AsBool() (bool, bool)     { return v.num != 0, v.kind == KindBool }
func (v Value) AsMap() (Properties, bool) {
	return v.m, v.kind == KindMap
}
func (v Value) AsList() ([]Value, bool) { return v.list, v.kind == KindList }

// Equal reports deep equality. Floats compare by bit pattern so that a NaN
// survives a round trip as equal to itself.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindString:
		return v.str == o.str
	case KindInt, KindBool:
		return v.num == o.num
	case KindFloat:
		return math.Float64bits(v.flt) == math.Float64bits(o.flt)
	case KindMap:
		return v.m.Equal(o.m)
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	}
	return true
}

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindMap:
		return Map(v.m.Clone())
	case KindList:
		items := make([]Value, len(v.list))
		for i, item := range v.list {
			items[i] = item.Clone()
		}
		return List(items...)
	}
	return v
}

// ToAny converts v to plain Go values: string, int64, float64, bool,
// map[string]any or []any.
func (v Value) ToAny() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return v.num
	case KindFloat:
		return v.flt
	case KindBool:
		return v.num != 0
	case KindMap:
		return v.m.ToMap()
	case KindList:
		out := make([]any, len(v.list))
		for i, item := range v.list {
			out[i] = item.ToAny()
		}
		return out
	}
	return nil
}

func (v Value) String() string {
	if v.kind == KindString {
		return strconv.Quote(v.str)
	}
	return fmt.Sprint(v.ToAny())
}

// FromAny converts a Go value into a Value. Supported inputs are the types
// produced by encoding/json, gopkg.in/yaml.v3 and Go literals: strings, bools,
// all integer and float widths, json.Number, map[string]any, []any, and
// Value/Properties themselves. nil is rejected because the value space has no
// null variant.
func FromAny(x any) (Value, error) {
	return fromAny(x, 0)
}

func fromAny(x any, depth int) (Value, error) {
	if depth > MaxDepth {
		return Value{}, fmt.Errorf("%w: nesting deeper than %d", ErrUnsupportedValue, MaxDepth)
	}
	switch t := x.(type) {
	case Value:
		if !t.IsValid() {
			return Value{}, fmt.Errorf("%w: invalid value", ErrUnsupportedValue)
		}
		return t, nil
	case Properties:
		return Map(t), nil
	case string:
		return String(t), nil
	case bool:
		return Bool(t), nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return fromUint(uint64(t))
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		return fromUint(t)
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := t.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("%w: number %q", ErrUnsupportedValue, t.String())
		}
		return Float(f), nil
	case map[string]any:
		props := make(Properties, len(t))
		for k, item := range t {
			v, err := fromAny(item, depth+1)
			if err != nil {
				return Value{}, fmt.Errorf("%s: %w", k, err)
			}
			props[k] = v
		}
		return Map(props), nil
	case map[string]string:
		props := make(Properties, len(t))
		for k, s := range t {
			props[k] = String(s)
		}
		return Map(props), nil
	case []any:
		items := make([]Value, len(t))
		for i, item := range t {
			v, err := fromAny(item, depth+1)
			if err != nil {
				return Value{}, fmt.Errorf("[%d]: %w", i, err)
			}
			items[i] = v
		}
		return List(items...), nil
	case []string:
		items := make([]Value, len(t))
		for i, s := range t {
			items[i] = String(s)
		}
		return List(items...), nil
	case nil:
		return Value{}, fmt.Errorf("%w: null", ErrUnsupportedValue)
	}
	return Value{}, fmt.Errorf("%w: %T", ErrUnsupportedValue, x)
}

func fromUint(u uint64) (Value, error) {
	if u > math.MaxInt64 {
		return Value{}, fmt.Errorf("%w: %d overflows int64", ErrUnsupportedValue, u)
	}
	return Int(int64(u)), nil
}

// PropertiesFromMap converts a plain map into Properties.
func PropertiesFromMap(m map[string]any) (Properties, error) {
	props := make(Properties, len(m))
	for k, x := range m {
		v, err := FromAny(x)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", k, err)
		}
		props[k] = v
	}
	return props, nil
}

// MustProperties is PropertiesFromMap for literals in tests and examples.
func MustProperties(m map[string]any) Properties {
	p, err := PropertiesFromMap(m)
	if err != nil {
		panic(err)
	}
	return p
}

// Equal reports whether both maps hold the same keys with Equal values.
// A nil map equals an empty one.
func (p Properties) Equal(o Properties) bool {
	if len(p) != len(o) {
		return false
	}
	for k, v := range p {
		ov, ok := o[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy. Cloning nil yields an empty map.
func (p Properties) Clone() Properties {
	out := make(Properties, len(p))
	for k, v := range p {
		out[k] = v.Clone()
	}
	return out
}

// ToMap projects the properties onto plain Go values.
func (p Properties) ToMap() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v.ToAny()
	}
	return out
}

// Keys returns the property names in sorted order. Codecs use it to produce a
// deterministic encoding.
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
