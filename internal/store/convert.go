package store

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/roach88/lattice/internal/value"
)

// datetimeLayouts are tried in order when decoding a datetime marker.
// Writers always use the first.
var datetimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// toJSON converts a native field value into the JSON value union.
//
// Model references are rejected: relationships are stored as an explicit
// path field instead.
func toJSON(v any) (value.Value, error) {
	switch x := v.(type) {
	case nil:
		return value.Null{}, nil
	case value.Value:
		return x, nil
	case Model:
		if rv := reflect.ValueOf(x); rv.Kind() == reflect.Pointer && rv.IsNil() {
			return value.Null{}, nil
		}
		return nil, fmt.Errorf("cannot serialize model reference %s directly; store its path instead", x.ModelType().Name())
	case time.Time:
		return datetimeMarker(x), nil
	case *time.Time:
		if x == nil {
			return value.Null{}, nil
		}
		return datetimeMarker(*x), nil
	case FieldMapper:
		data, err := toJSON(x.FieldMap())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", typeName(x), err)
		}
		return typedMarker(typeName(x), data), nil
	case bool:
		return value.Bool(x), nil
	case string:
		return validString(x)
	case int:
		return value.Int(x), nil
	case int64:
		return value.Int(x), nil
	case float64:
		return finiteFloat(x)
	}
	return reflectToJSON(reflect.ValueOf(v))
}

func reflectToJSON(rv reflect.Value) (value.Value, error) {
	switch rv.Kind() {
	case reflect.Bool:
		return value.Bool(rv.Bool()), nil

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return value.Int(rv.Int()), nil

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return nil, fmt.Errorf("unsigned value %d overflows int64", u)
		}
		return value.Int(int64(u)), nil

	case reflect.Float32, reflect.Float64:
		return finiteFloat(rv.Float())

	case reflect.String:
		return validString(rv.String())

	case reflect.Slice:
		if rv.IsNil() {
			return value.Null{}, nil
		}
		return reflectArray(rv)

	case reflect.Array:
		return reflectArray(rv)

	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("cannot serialize map with %s keys", rv.Type().Key())
		}
		if rv.IsNil() {
			return value.Null{}, nil
		}
		obj := make(value.Object, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			k := iter.Key().String()
			if !utf8.ValidString(k) {
				return nil, fmt.Errorf("map key %q is not valid UTF-8", k)
			}
			elem, err := toJSON(iter.Value().Interface())
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			obj[k] = elem
		}
		return obj, nil

	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return value.Null{}, nil
		}
		return toJSON(rv.Elem().Interface())

	case reflect.Struct:
		data, err := structFields(rv)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", rv.Type().Name(), err)
		}
		return typedMarker(rv.Type().Name(), data), nil
	}

	if !rv.IsValid() {
		return value.Null{}, nil
	}
	return nil, fmt.Errorf("cannot serialize type: %s", rv.Type())
}

func reflectArray(rv reflect.Value) (value.Value, error) {
	arr := make(value.Array, rv.Len())
	for i := range arr {
		elem, err := toJSON(rv.Index(i).Interface())
		if err != nil {
			return nil, fmt.Errorf("[%d]: %w", i, err)
		}
		arr[i] = elem
	}
	return arr, nil
}

// structFields maps exported fields to JSON values. Keys honour the
// mapstructure tag so coerce can decode them back into the same struct.
func structFields(rv reflect.Value) (value.Object, error) {
	rt := rv.Type()
	obj := make(value.Object, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		sf := rt.Field(i)
		if !sf.IsExported() {
			continue
		}
		key := sf.Name
		if tag, ok := sf.Tag.Lookup("mapstructure"); ok {
			name, _, _ := strings.Cut(tag, ",")
			if name == "-" {
				continue
			}
			if name != "" {
				key = name
			}
		}
		if !utf8.ValidString(key) {
			return nil, fmt.Errorf("field %s: key %q is not valid UTF-8", sf.Name, key)
		}
		elem, err := toJSON(rv.Field(i).Interface())
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", sf.Name, err)
		}
		obj[key] = elem
	}
	return obj, nil
}

// validString rejects strings that JSON cannot carry unchanged.
func validString(s string) (value.Value, error) {
	if !utf8.ValidString(s) {
		return nil, fmt.Errorf("string %q is not valid UTF-8", s)
	}
	return value.String(s), nil
}

func finiteFloat(f float64) (value.Value, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("cannot serialize non-finite float %v", f)
	}
	return value.Float(f), nil
}

func datetimeMarker(t time.Time) value.Object {
	return value.Object{value.DateTimeKey: value.String(t.Format(time.RFC3339Nano))}
}

func typedMarker(name string, data value.Value) value.Object {
	return value.Object{value.TypeKey: value.String(name), value.DataKey: data}
}

func typeName(v any) string {
	rt := reflect.TypeOf(v)
	for rt.Kind() == reflect.Pointer {
		rt = rt.Elem()
	}
	if rt.Name() != "" {
		return rt.Name()
	}
	return rt.String()
}

// fromJSON converts a JSON value back into a native value. Datetime markers
// become time.Time; generic-object markers yield their data.
func fromJSON(v value.Value) (any, error) {
	switch x := v.(type) {
	case nil, value.Null:
		return nil, nil
	case value.Bool:
		return bool(x), nil
	case value.Int:
		return int64(x), nil
	case value.Float:
		return float64(x), nil
	case value.String:
		return string(x), nil
	case value.Array:
		out := make([]any, len(x))
		for i, elem := range x {
			n, err := fromJSON(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	case value.Object:
		if s, ok := x.IsDateTime(); ok {
			t, err := parseDateTime(s)
			if err != nil {
				return nil, err
			}
			return t, nil
		}
		if _, data, ok := x.IsTyped(); ok {
			return fromJSON(data)
		}
		out := make(map[string]any, len(x))
		for k, elem := range x {
			n, err := fromJSON(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			out[k] = n
		}
		return out, nil
	}
	return nil, fmt.Errorf("unexpected value %T", v)
}

func parseDateTime(s string) (time.Time, error) {
	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q", s)
}
