// Package value implements the CCOS runtime datum: a tagged-variant Value and
// the Expression AST it evaluates from. Every other subsystem speaks in terms
// of Value; evaluation never mutates an Expression.
package value

import (
	"fmt"
	"sort"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindKeyword
	KindSymbol
	KindVector
	KindList
	KindMap
	KindFunction
	KindResourceHandle
	KindFunctionPlaceholder
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindKeyword:
		return "keyword"
	case KindSymbol:
		return "symbol"
	case KindVector:
		return "vector"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindFunction:
		return "function"
	case KindResourceHandle:
		return "resource-handle"
	case KindFunctionPlaceholder:
		return "function-placeholder"
	default:
		return "unknown"
	}
}

// MapKeyKind distinguishes the three MapKey constructors. String-form and
// keyword-form of the same textual name are distinct keys.
type MapKeyKind int

const (
	MapKeyString MapKeyKind = iota
	MapKeyKeyword
	MapKeyInt
)

// MapKey is a map key: either a string, a keyword, or an integer. Two MapKeys
// are equal only if both kind and payload match.
type MapKey struct {
	Kind MapKeyKind
	Str  string // valid when Kind is MapKeyString or MapKeyKeyword
	Int  int64  // valid when Kind is MapKeyInt
}

func StringKey(s string) MapKey  { return MapKey{Kind: MapKeyString, Str: s} }
func KeywordKey(s string) MapKey { return MapKey{Kind: MapKeyKeyword, Str: s} }
func IntKey(i int64) MapKey      { return MapKey{Kind: MapKeyInt, Int: i} }

func (k MapKey) String() string {
	switch k.Kind {
	case MapKeyString:
		return k.Str
	case MapKeyKeyword:
		return ":" + k.Str
	case MapKeyInt:
		return fmt.Sprintf("%d", k.Int)
	default:
		return ""
	}
}

// Function is a callable Value. Body/Env are intentionally opaque here —
// the evaluator package supplies concrete closures; value stays dependency-free.
type Function struct {
	Name   string
	Params []string
	Call   func(args []Value) (Value, error)
}

// ResourceHandle is an opaque reference to a host-managed resource
// (file handle, sandbox session, stream), released by with-resource.
type ResourceHandle struct {
	Kind string
	ID   string
}

// Value is the sole runtime datum. Exactly one of the typed fields is valid,
// selected by Kind. Values are immutable once constructed; "mutation" always
// produces a new Value.
type Value struct {
	Kind Kind

	Bool    bool
	Int     int64
	Float   float64
	Str     string // String, Keyword, Symbol, FunctionPlaceholder name
	Vector  []Value
	List    []Value
	Map     map[MapKey]Value
	Fn      *Function
	Handle  *ResourceHandle
}

var Nil = Value{Kind: KindNil}

func Bool(b bool) Value     { return Value{Kind: KindBool, Bool: b} }
func Int(i int64) Value     { return Value{Kind: KindInt, Int: i} }
func Float(f float64) Value { return Value{Kind: KindFloat, Float: f} }
func String(s string) Value { return Value{Kind: KindString, Str: s} }
func Keyword(s string) Value { return Value{Kind: KindKeyword, Str: s} }
func Symbol(s string) Value { return Value{Kind: KindSymbol, Str: s} }
func Vector(vs []Value) Value { return Value{Kind: KindVector, Vector: vs} }
func List(vs []Value) Value { return Value{Kind: KindList, List: vs} }

func Map(m map[MapKey]Value) Value {
	if m == nil {
		m = map[MapKey]Value{}
	}
	return Value{Kind: KindMap, Map: m}
}

func Fn(fn *Function) Value { return Value{Kind: KindFunction, Fn: fn} }

func Resource(h *ResourceHandle) Value { return Value{Kind: KindResourceHandle, Handle: h} }

func (v Value) IsNil() bool { return v.Kind == KindNil }

// Truthy mirrors Lisp-family truthiness: everything is truthy except nil and
// boolean false.
func (v Value) Truthy() bool {
	if v.Kind == KindNil {
		return false
	}
	if v.Kind == KindBool {
		return v.Bool
	}
	return true
}

// Get looks up a key in a Map value; returns (Nil, false) for non-maps or
// missing keys.
func (v Value) Get(k MapKey) (Value, bool) {
	if v.Kind != KindMap {
		return Nil, false
	}
	got, ok := v.Map[k]
	return got, ok
}

// WithEntry returns a copy of the map Value with key set to val. Panics if v
// is not a map — callers validate Kind first, matching the evaluator's
// convention of failing fast on shape errors before reaching storage code.
func (v Value) WithEntry(k MapKey, val Value) Value {
	if v.Kind != KindMap {
		panic("value: WithEntry on non-map Value")
	}
	out := make(map[MapKey]Value, len(v.Map)+1)
	for kk, vv := range v.Map {
		out[kk] = vv
	}
	out[k] = val
	return Map(out)
}

// SortedKeys returns the map's keys in a stable order (string form), useful
// for deterministic iteration in audits and tests.
func (v Value) SortedKeys() []MapKey {
	if v.Kind != KindMap {
		return nil
	}
	keys := make([]MapKey, 0, len(v.Map))
	for k := range v.Map {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// Equal reports deep structural equality. Functions and resource handles
// compare by identity of their Go pointer only.
func Equal(a, b Value) bool {
	if a.Kind != b.Kind {
		return false
	}
	switch a.Kind {
	case KindNil:
		return true
	case KindBool:
		return a.Bool == b.Bool
	case KindInt:
		return a.Int == b.Int
	case KindFloat:
		return a.Float == b.Float
	case KindString, KindKeyword, KindSymbol, KindFunctionPlaceholder:
		return a.Str == b.Str
	case KindVector, KindList:
		as, bs := a.Vector, b.Vector
		if a.Kind == KindList {
			as, bs = a.List, b.List
		}
		if len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !Equal(as[i], bs[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(a.Map) != len(b.Map) {
			return false
		}
		for k, v := range a.Map {
			bv, ok := b.Map[k]
			if !ok || !Equal(v, bv) {
				return false
			}
		}
		return true
	case KindFunction:
		return a.Fn == b.Fn
	case KindResourceHandle:
		return a.Handle == b.Handle
	default:
		return false
	}
}
