package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"unicode/utf16"
)

// Reserved marker keys. An Object carrying one of these shapes is not a
// plain map: the serializer turns it back into a richer native value.
const (
	DateTimeKey = "__datetime__"
	TypeKey     = "__type__"
	DataKey     = "__data__"
)

// Value is a sealed interface over the JSON value union persisted by the store.
// Only Null, Bool, Int, Float, String, Array and Object implement it.
type Value interface {
	jsonValue() // Sealed - only these types implement it
}

// Null represents a JSON null.
type Null struct{}

func (Null) jsonValue() {}

// MarshalJSON implements json.Marshaler for Null.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// Bool represents a JSON boolean.
type Bool bool

func (Bool) jsonValue() {}

// Int represents an integral JSON number.
// Kept apart from Float so int64 values survive a round-trip exactly.
type Int int64

func (Int) jsonValue() {}

// Float represents a JSON number with a fractional part or exponent.
type Float float64

func (Float) jsonValue() {}

// String represents a JSON string.
type String string

func (String) jsonValue() {}

// Array represents an ordered list of values.
type Array []Value

func (Array) jsonValue() {}

// Object represents a map of string keys to values.
// Use SortedKeys() for deterministic iteration.
type Object map[string]Value

func (Object) jsonValue() {}

// SortedKeys returns keys ordered by UTF-16 code units (RFC 8785).
// For ASCII keys this is plain lexicographic order.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysUTF16)
	return keys
}

// Clone returns a deep copy of the object.
func (obj Object) Clone() Object {
	if obj == nil {
		return nil
	}
	out := make(Object, len(obj))
	for k, v := range obj {
		out[k] = Clone(v)
	}
	return out
}

// Rename moves the value stored under from to to. It reports whether from
// was present. Handy inside schema migrations.
func (obj Object) Rename(from, to string) bool {
	v, ok := obj[from]
	if !ok {
		return false
	}
	delete(obj, from)
	obj[to] = v
	return true
}

// Clone returns a deep copy of v. Scalars are returned as is.
func Clone(v Value) Value {
	switch val := v.(type) {
	case Array:
		if val == nil {
			return Array(nil)
		}
		out := make(Array, len(val))
		for i, elem := range val {
			out[i] = Clone(elem)
		}
		return out
	case Object:
		return val.Clone()
	default:
		return v
	}
}

// IsDateTime reports whether obj is a datetime marker and returns its text.
func (obj Object) IsDateTime() (string, bool) {
	if len(obj) != 1 {
		return "", false
	}
	s, ok := obj[DateTimeKey].(String)
	return string(s), ok
}

// IsTyped reports whether obj is a generic-object marker and returns the
// recorded type name and payload.
func (obj Object) IsTyped() (string, Value, bool) {
	data, hasData := obj[DataKey]
	name, hasName := obj[TypeKey].(String)
	if !hasData || !hasName {
		return "", nil, false
	}
	return string(name), data, true
}

func compareKeysUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	minLen := min(len(a16), len(b16))
	for i := 0; i < minLen; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// MarshalJSON implements json.Marshaler for Object using canonical encoding.
func (obj Object) MarshalJSON() ([]byte, error) {
	return Marshal(obj)
}

// UnmarshalJSON implements json.Unmarshaler for Object.
func (obj *Object) UnmarshalJSON(data []byte) error {
	v, err := Unmarshal(data)
	if err != nil {
		return err
	}
	switch o := v.(type) {
	case Object:
		*obj = o
	case Null:
		*obj = nil
	default:
		return fmt.Errorf("expected JSON object, got %T", v)
	}
	return nil
}

// MarshalJSON implements json.Marshaler for Array.
func (arr Array) MarshalJSON() ([]byte, error) {
	return Marshal(arr)
}

// Unmarshal decodes JSON into a Value. Numbers without a fraction or exponent
// become Int (falling back to Float outside the int64 range); all others Float.
func Unmarshal(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return fromDecoded(raw)
}

// UnmarshalObject decodes a JSON document that must be an object.
// Empty input and "{}" both yield an empty Object.
func UnmarshalObject(data []byte) (Object, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Object{}, nil
	}
	var obj Object
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		obj = Object{}
	}
	return obj, nil
}

func fromDecoded(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case json.Number:
		return parseNumber(string(val))
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			conv, err := fromDecoded(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			arr[i] = conv
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			conv, err := fromDecoded(elem)
			if err != nil {
				return nil, fmt.Errorf("object[%q]: %w", k, err)
			}
			obj[k] = conv
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported decoded type: %T", v)
	}
}

func parseNumber(s string) (Value, error) {
	if !strings.ContainsAny(s, ".eE") {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(n), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q: %w", s, err)
	}
	return Float(f), nil
}
