// Package value implements the RuntimeValue closed sum type exchanged
// between a handler and the host across the sandbox boundary: null, bool,
// int, float, string, sequence, and mapping. It is reified as an explicit
// tagged struct rather than passed around as interface{}, so that every
// ABI call site and every codec path can exhaustively switch on Kind
// without a type-assertion panic hiding in a forgotten case.
package value

import "fmt"

// Kind discriminates the variant held by a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindSequence
	KindMapping
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is an immutable RuntimeValue. The zero Value is KindNull.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	seq  []Value
	m    []mapEntry
}

// mapEntry preserves insertion order for Mapping values, matching the
// ordering guarantee handlers observe when iterating $state or $args.
type mapEntry struct {
	key string
	val Value
}

func Null() Value { return Value{kind: KindNull} }

func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

func Int(i int64) Value { return Value{kind: KindInt, i: i} }

func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

func String(s string) Value { return Value{kind: KindString, s: s} }

func Sequence(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindSequence, seq: cp}
}

// Mapping builds a Value from an ordered slice of key/value pairs. Use
// MappingFromMap when order does not matter; MappingFromMap sorts keys
// for determinism.
func Mapping(keys []string, vals []Value) Value {
	if len(keys) != len(vals) {
		panic("value: Mapping keys/vals length mismatch")
	}
	entries := make([]mapEntry, len(keys))
	for i, k := range keys {
		entries[i] = mapEntry{key: k, val: vals[i]}
	}
	return Value{kind: KindMapping, m: entries}
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.b, true
}

func (v Value) AsInt() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return v.i, true
}

func (v Value) AsFloat() (float64, bool) {
	if v.kind != KindFloat {
		return 0, false
	}
	return v.f, true
}

func (v Value) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

func (v Value) AsSequence() ([]Value, bool) {
	if v.kind != KindSequence {
		return nil, false
	}
	return v.seq, true
}

// Get looks up a key in a Mapping value. Returns (Null(), false) if v is
// not a Mapping or the key is absent.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != KindMapping {
		return Null(), false
	}
	for _, e := range v.m {
		if e.key == key {
			return e.val, true
		}
	}
	return Null(), false
}

// Keys returns the Mapping's keys in insertion order. Returns nil if v is
// not a Mapping.
func (v Value) Keys() []string {
	if v.kind != KindMapping {
		return nil
	}
	keys := make([]string, len(v.m))
	for i, e := range v.m {
		keys[i] = e.key
	}
	return keys
}

// Equal reports deep structural equality.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f
	case KindString:
		return v.s == o.s
	case KindSequence:
		if len(v.seq) != len(o.seq) {
			return false
		}
		for i := range v.seq {
			if !v.seq[i].Equal(o.seq[i]) {
				return false
			}
		}
		return true
	case KindMapping:
		if len(v.m) != len(o.m) {
			return false
		}
		for i := range v.m {
			if v.m[i].key != o.m[i].key || !v.m[i].val.Equal(o.m[i].val) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// FromGo converts a subset of native Go values (as produced by
// encoding/json unmarshalling into any, or by simple literals) into a
// Value tree. It panics on a type it cannot represent — callers at a
// trust boundary should validate input shape before calling FromGo.
func FromGo(v any) Value {
	switch x := v.(type) {
	case nil:
		return Null()
	case bool:
		return Bool(x)
	case int:
		return Int(int64(x))
	case int64:
		return Int(x)
	case float64:
		return Float(x)
	case string:
		return String(x)
	case []any:
		items := make([]Value, len(x))
		for i, e := range x {
			items[i] = FromGo(e)
		}
		return Sequence(items...)
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		vals := make([]Value, len(keys))
		for i, k := range keys {
			vals[i] = FromGo(x[k])
		}
		return Mapping(keys, vals)
	default:
		panic(fmt.Sprintf("value: cannot convert %T to Value", v))
	}
}

// ToGo converts a Value back into plain Go values, the inverse of FromGo,
// for use where a call site wants to hand data to encoding/json or to a
// test assertion.
func (v Value) ToGo() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindSequence:
		out := make([]any, len(v.seq))
		for i, e := range v.seq {
			out[i] = e.ToGo()
		}
		return out
	case KindMapping:
		out := make(map[string]any, len(v.m))
		for _, e := range v.m {
			out[e.key] = e.val.ToGo()
		}
		return out
	default:
		return nil
	}
}
