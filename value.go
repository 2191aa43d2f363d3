package kaiku

import (
	"fmt"
	"strconv"
	"strings"
)

// ValueKind discriminates the variants of a Value.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindBool
	KindNumber
	KindString
	KindArray
	KindObject
)

// Value is the dynamic tree shape handed across the native/view boundary:
// nulls, booleans, numbers, strings, arrays, and string-keyed objects. It is
// a concrete tagged union so the core carries no serialization dependency;
// the bridge encodes it at the edge. Object keys preserve insertion order so
// snapshots are deterministic.
type Value struct {
	kind ValueKind
	b    bool
	num  float64
	str  string
	arr  []Value
	obj  map[string]Value
	keys []string
}

func Null() Value                 { return Value{} }
func BoolValue(b bool) Value      { return Value{kind: KindBool, b: b} }
func NumberValue(f float64) Value { return Value{kind: KindNumber, num: f} }
func IntValue(i int64) Value      { return Value{kind: KindNumber, num: float64(i)} }
func StringValue(s string) Value  { return Value{kind: KindString, str: s} }

// ArrayValue wraps items into an array Value. The slice is taken over, not
// copied.
func ArrayValue(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindArray, arr: items}
}

// FloatsValue converts a peak slice into an array Value.
func FloatsValue(floats []float32) Value {
	items := make([]Value, len(floats))
	for i, f := range floats {
		items[i] = NumberValue(float64(f))
	}
	return ArrayValue(items...)
}

// ObjectValue returns an empty object Value; populate it with Set.
func ObjectValue() Value {
	return Value{kind: KindObject, obj: map[string]Value{}}
}

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) IsNull() bool    { return v.kind == KindNull }

// Truthy reports whether the value reads as success on the command surface:
// failed commands return the null Value, successful ones anything truthy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindBool:
		return v.b
	case KindNumber:
		return v.num != 0
	case KindString:
		return v.str != ""
	case KindArray, KindObject:
		return true
	default:
		return false
	}
}

func (v Value) Bool() bool { return v.kind == KindBool && v.b }

func (v Value) Float64() float64 {
	if v.kind == KindNumber {
		return v.num
	}
	return 0
}

func (v Value) Int64() int64 { return int64(v.Float64()) }

func (v Value) Str() string {
	if v.kind == KindString {
		return v.str
	}
	return ""
}

// Len returns the element count of an array or the key count of an object.
func (v Value) Len() int {
	switch v.kind {
	case KindArray:
		return len(v.arr)
	case KindObject:
		return len(v.keys)
	default:
		return 0
	}
}

// Index returns the i'th element of an array, or the null Value out of range.
func (v Value) Index(i int) Value {
	if v.kind != KindArray || i < 0 || i >= len(v.arr) {
		return Null()
	}
	return v.arr[i]
}

// Get returns the value under key, or the null Value when absent.
func (v Value) Get(key string) Value {
	if v.kind != KindObject {
		return Null()
	}
	return v.obj[key]
}

// Keys returns an object's keys in insertion order.
func (v Value) Keys() []string { return v.keys }

// Set stores item under key, turning v into an object if it is not one yet.
func (v *Value) Set(key string, item Value) {
	if v.kind != KindObject {
		*v = ObjectValue()
	}
	if _, ok := v.obj[key]; !ok {
		v.keys = append(v.keys, key)
	}
	v.obj[key] = item
}

// Append adds item to an array, turning v into an array if it is not one yet.
func (v *Value) Append(item Value) {
	if v.kind != KindArray {
		*v = ArrayValue()
	}
	v.arr = append(v.arr, item)
}

// String renders the value as JSON text for the bridge and for logs.
func (v Value) String() string {
	var sb strings.Builder
	v.encode(&sb)
	return sb.String()
}

func (v Value) encode(sb *strings.Builder) {
	switch v.kind {
	case KindNull:
		sb.WriteString("null")
	case KindBool:
		sb.WriteString(strconv.FormatBool(v.b))
	case KindNumber:
		sb.WriteString(strconv.FormatFloat(v.num, 'g', -1, 64))
	case KindString:
		sb.WriteString(strconv.Quote(v.str))
	case KindArray:
		sb.WriteByte('[')
		for i, item := range v.arr {
			if i > 0 {
				sb.WriteByte(',')
			}
			item.encode(sb)
		}
		sb.WriteByte(']')
	case KindObject:
		sb.WriteByte('{')
		for i, key := range v.keys {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(strconv.Quote(key))
			sb.WriteByte(':')
			v.obj[key].encode(sb)
		}
		sb.WriteByte('}')
	default:
		fmt.Fprintf(sb, "?%d", v.kind)
	}
}
