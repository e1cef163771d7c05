package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind identifies which variant a Value holds.
type Kind uint8

const (
	KindNull Kind = iota
	KindNumber
	KindBool
	KindString
	KindArray
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindObject:
		return "object"
	default:
		return "unknown"
	}
}

// ParseKind maps a type name ("number", "int", "float", "bool", "string") to a Kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "number", "int", "integer", "float":
		return KindNumber, nil
	case "bool", "boolean":
		return KindBool, nil
	case "string", "str":
		return KindString, nil
	case "array", "list":
		return KindArray, nil
	case "object", "dict":
		return KindObject, nil
	case "null", "none":
		return KindNull, nil
	}
	return KindNull, fmt.Errorf("unknown value type %q", s)
}

// Value is a device property value. The zero Value is null.
//
// Numbers keep their JSON text so enum codes and large counters pass through
// unchanged; use AsFloat or AsInt to interpret them.
type Value struct {
	kind Kind
	num  string
	b    bool
	s    string
	arr  []Value
	obj  map[string]Value
}

// Null returns the null value.
func Null() Value { return Value{} }

// Number returns a numeric value.
func Number(f float64) Value {
	return Value{kind: KindNumber, num: strconv.FormatFloat(f, 'f', -1, 64)}
}

// Int returns an integral numeric value.
func Int(i int64) Value {
	return Value{kind: KindNumber, num: strconv.FormatInt(i, 10)}
}

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Array returns an array value.
func Array(items ...Value) Value {
	return Value{kind: KindArray, arr: append([]Value(nil), items...)}
}

// Object returns an object value.
func Object(fields map[string]Value) Value {
	obj := make(map[string]Value, len(fields))
	for k, v := range fields {
		obj[k] = v
	}
	return Value{kind: KindObject, obj: obj}
}

// FromAny converts a Go value (as produced by encoding/json or passed by a
// host) into a Value.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, t.validate()
	case json.Number:
		if err := checkNumber(string(t)); err != nil {
			return Value{}, err
		}
		return Value{kind: KindNumber, num: string(t)}, nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return Value{}, fmt.Errorf("non-finite number %v", t)
		}
		return Number(t), nil
	case float32:
		return FromAny(float64(t))
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
		return Value{kind: KindNumber, num: strconv.FormatUint(uint64(t), 10)}, nil
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		return Value{kind: KindNumber, num: strconv.FormatUint(t, 10)}, nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case []any:
		items := make([]Value, 0, len(t))
		for i, e := range t {
			v, err := FromAny(e)
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			items = append(items, v)
		}
		return Value{kind: KindArray, arr: items}, nil
	case []Value:
		v := Array(t...)
		return v, v.validate()
	case map[string]any:
		obj := make(map[string]Value, len(t))
		for k, e := range t {
			v, err := FromAny(e)
			if err != nil {
				return Value{}, fmt.Errorf("field %s: %w", k, err)
			}
			obj[k] = v
		}
		return Value{kind: KindObject, obj: obj}, nil
	case map[string]Value:
		v := Object(t)
		return v, v.validate()
	}
	return Value{}, fmt.Errorf("unsupported value type %T", x)
}

// checkNumber accepts finite JSON numbers only.
func checkNumber(s string) error {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %q: %w", s, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("non-finite number %s", s)
	}
	return nil
}

// validate reports numbers that cannot be encoded as JSON.
func (v Value) validate() error {
	switch v.kind {
	case KindNumber:
		return checkNumber(v.num)
	case KindArray:
		for i, e := range v.arr {
			if err := e.validate(); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
	case KindObject:
		for k, e := range v.obj {
			if err := e.validate(); err != nil {
				return fmt.Errorf("field %s: %w", k, err)
			}
		}
	}
	return nil
}

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsFloat interprets v as a number. Booleans map to 0/1 and numeric strings
// are parsed.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindNumber:
		f, err := strconv.ParseFloat(v.num, 64)
		return f, err == nil
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	case KindString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.s), 64)
		return f, err == nil
	}
	return 0, false
}

// AsInt interprets v as an integer, truncating fractional numbers.
func (v Value) AsInt() (int64, bool) {
	if v.kind == KindNumber {
		if i, err := strconv.ParseInt(v.num, 10, 64); err == nil {
			return i, true
		}
	}
	f, ok := v.AsFloat()
	if !ok {
		return 0, false
	}
	return int64(f), true
}

// AsBool interprets v as a boolean. Numbers are true when non-zero.
func (v Value) AsBool() (bool, bool) {
	switch v.kind {
	case KindBool:
		return v.b, true
	case KindNumber:
		f, ok := v.AsFloat()
		return f != 0, ok
	case KindString:
		b, err := strconv.ParseBool(strings.TrimSpace(v.s))
		return b, err == nil
	}
	return false, false
}

// AsString returns the string content of a string value, or the JSON text of
// any other scalar.
func (v Value) AsString() (string, bool) {
	switch v.kind {
	case KindString:
		return v.s, true
	case KindNumber:
		return v.num, true
	case KindBool:
		return strconv.FormatBool(v.b), true
	}
	return "", false
}

// AsArray returns the elements of an array value.
func (v Value) AsArray() ([]Value, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	return append([]Value(nil), v.arr...), true
}

// AsObject returns the fields of an object value.
func (v Value) AsObject() (map[string]Value, bool) {
	if v.kind != KindObject {
		return nil, false
	}
	out := make(map[string]Value, len(v.obj))
	for k, f := range v.obj {
		out[k] = f
	}
	return out, true
}

// Equal reports whether v and o hold the same value. Numbers compare
// numerically, so 16 and 16.0 are equal.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindNumber:
		if v.num == o.num {
			return true
		}
		a, ok1 := v.AsFloat()
		b, ok2 := o.AsFloat()
		return ok1 && ok2 && a == b
	case KindBool:
		return v.b == o.b
	case KindString:
		return v.s == o.s
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindObject:
		if len(v.obj) != len(o.obj) {
			return false
		}
		for k, f := range v.obj {
			g, ok := o.obj[k]
			if !ok || !f.Equal(g) {
				return false
			}
		}
		return true
	}
	return false
}

// Coerce converts v to the given kind, the way the device expects forced
// value types on writes.
func (v Value) Coerce(kind Kind) (Value, error) {
	if v.kind == kind {
		return v, nil
	}
	switch kind {
	case KindNumber:
		if f, ok := v.AsFloat(); ok {
			if i, ok := v.AsInt(); ok && float64(i) == f {
				return Int(i), nil
			}
			return Number(f), nil
		}
	case KindBool:
		if b, ok := v.AsBool(); ok {
			return Bool(b), nil
		}
	case KindString:
		if s, ok := v.AsString(); ok {
			return String(s), nil
		}
		return String(v.String()), nil
	case KindArray:
		return Array(v), nil
	case KindNull:
		return Null(), nil
	}
	return Value{}, fmt.Errorf("cannot coerce %s to %s", v.kind, kind)
}

// Interface returns v as plain Go data (float64, bool, string, []any,
// map[string]any or nil).
func (v Value) Interface() any {
	switch v.kind {
	case KindNumber:
		if i, err := strconv.ParseInt(v.num, 10, 64); err == nil {
			return i
		}
		f, _ := v.AsFloat()
		return f
	case KindBool:
		return v.b
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.Interface()
		}
		return out
	case KindObject:
		out := make(map[string]any, len(v.obj))
		for k, e := range v.obj {
			out[k] = e.Interface()
		}
		return out
	}
	return nil
}

// String returns the JSON text of v.
func (v Value) String() string {
	data, err := v.MarshalJSON()
	if err != nil {
		return "<invalid>"
	}
	return string(data)
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := v.writeJSON(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (v Value) writeJSON(buf *bytes.Buffer) error {
	switch v.kind {
	case KindNull:
		buf.WriteString("null")
	case KindNumber:
		buf.WriteString(v.num)
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.b))
	case KindString:
		data, err := json.Marshal(v.s)
		if err != nil {
			return err
		}
		buf.Write(data)
	case KindArray:
		buf.WriteByte('[')
		for i, e := range v.arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := e.writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindObject:
		keys := make([]string, 0, len(v.obj))
		for k := range v.obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			name, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(name)
			buf.WriteByte(':')
			if err := v.obj[k].writeJSON(buf); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("invalid value kind %d", v.kind)
	}
	return nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
