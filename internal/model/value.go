package model

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// Kind identifies the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindNumber
	KindBool
	KindList
	KindMap
)

// Value is a tagged variant for span payloads: string, number, bool, null,
// list, or mapping. Payloads arrive from instrumentation shims as arbitrary
// nested structures; modeling them as a closed variant keeps every store
// backend able to serialize them without reflection surprises.
//
// The zero Value is null. Values are immutable once constructed.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
	list []Value
	m    map[string]Value
}

// Payload is a structured key-value payload (span inputs, outputs, attributes,
// event payloads). Keys are unique; values are arbitrary nested variants.
type Payload = map[string]Value

// Null returns the null Value.
func Null() Value { return Value{} }

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Number returns a numeric Value.
func Number(f float64) Value { return Value{kind: KindNumber, num: f} }

// Int returns a numeric Value from an integer.
func Int(i int64) Value { return Value{kind: KindNumber, num: float64(i)} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// List returns a list Value. The elements are not copied.
func List(elems ...Value) Value { return Value{kind: KindList, list: elems} }

// Map returns a mapping Value. The map is not copied.
func Map(m map[string]Value) Value { return Value{kind: KindMap, m: m} }

// Kind reports which variant the Value holds.
func (v Value) Kind() Kind { return v.kind }

// Str returns the string payload, or "" for non-string Values.
func (v Value) Str() string { return v.str }

// Num returns the numeric payload, or 0 for non-numeric Values.
func (v Value) Num() float64 { return v.num }

// Boolean returns the bool payload, or false for non-bool Values.
func (v Value) Boolean() bool { return v.b }

// Elems returns the list payload, or nil for non-list Values.
func (v Value) Elems() []Value { return v.list }

// Fields returns the mapping payload, or nil for non-map Values.
func (v Value) Fields() map[string]Value { return v.m }

// FromAny converts a dynamically-typed value (as produced by json.Unmarshal
// into any, or by instrumentation call sites) into a Value. Unsupported types
// fall back to their fmt %v rendering as a string.
func FromAny(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case float64:
		return Number(t)
	case float32:
		return Number(float64(t))
	case int:
		return Int(int64(t))
	case int32:
		return Int(int64(t))
	case int64:
		return Int(t)
	case uint64:
		return Number(float64(t))
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return String(t.String())
		}
		return Number(f)
	case []any:
		elems := make([]Value, len(t))
		for i, e := range t {
			elems[i] = FromAny(e)
		}
		return List(elems...)
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = FromAny(e)
		}
		return Map(m)
	case Value:
		return t
	default:
		return String(fmt.Sprintf("%v", t))
	}
}

// PayloadFromAny converts a map of dynamically-typed values into a Payload.
// Returns nil for a nil input.
func PayloadFromAny(m map[string]any) Payload {
	if m == nil {
		return nil
	}
	p := make(Payload, len(m))
	for k, v := range m {
		p[k] = FromAny(v)
	}
	return p
}

// ToAny converts the Value back to a dynamically-typed representation
// (string / float64 / bool / nil / []any / map[string]any).
func (v Value) ToAny() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	case KindList:
		out := make([]any, len(v.list))
		for i, e := range v.list {
			out[i] = e.ToAny()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.ToAny()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON renders the Value as plain JSON with no type envelope.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		if math.IsNaN(v.num) || math.IsInf(v.num, 0) {
			// JSON has no NaN/Inf; store the rendering instead of failing the trace.
			return json.Marshal(fmt.Sprintf("%v", v.num))
		}
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindList:
		if v.list == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.list)
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.m)
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON parses arbitrary JSON into the matching variant.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("model: decode value: %w", err)
	}
	*v = fromDecoded(raw)
	return nil
}

func fromDecoded(x any) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case string:
		return String(t)
	case bool:
		return Bool(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return String(t.String())
		}
		return Number(f)
	case []any:
		elems := make([]Value, len(t))
		for i, e := range t {
			elems[i] = fromDecoded(e)
		}
		return List(elems...)
	case map[string]any:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = fromDecoded(e)
		}
		return Map(m)
	default:
		return String(fmt.Sprintf("%v", t))
	}
}

// PreviewPayload renders a payload as compact JSON truncated to at most
// maxBytes. Truncation appends "..." so previews are recognizably partial.
// Key order is deterministic (encoding/json sorts map keys).
func PreviewPayload(p Payload, maxBytes int) string {
	if len(p) == 0 {
		return ""
	}
	b, err := json.Marshal(p)
	if err != nil {
		return ""
	}
	s := string(b)
	if maxBytes > 0 && len(s) > maxBytes {
		// Back up to a rune boundary so the cut never splits a multi-byte
		// character mid-sequence.
		cut := maxBytes
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		return s[:cut] + "..."
	}
	return s
}
