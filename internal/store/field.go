package store

import (
	"fmt"
	"math"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

// Field is one entry of a type's field table: a name, a capability set, an
// accessor, an optional mutator and an optional default factory.
type Field struct {
	name   string
	caps   Capability
	goType reflect.Type

	get          func(Model) any
	set          func(Model, any) error
	def          func() any
	applyDefault func(Model)
}

// PropSpec supplies the typed accessors for Prop.
type PropSpec[M Model, V any] struct {
	// Get reads the field. Required.
	Get func(M) V

	// Set assigns the field. Required for Settable fields.
	Set func(M, V)

	// Default produces the value Type.New assigns. Needs Set.
	Default func() V
}

// Prop builds a field descriptor for model type M with value type V.
//
// Stored values are coerced into V on load, so a persisted integer fills a
// float64 field and a persisted map fills a struct field.
func Prop[M Model, V any](name string, caps Capability, spec PropSpec[M, V]) *Field {
	if name == "" {
		panic("store: Prop requires a name")
	}
	if spec.Get == nil {
		panic(fmt.Sprintf("store: field %s requires a getter", name))
	}
	if caps.Has(Settable) && spec.Set == nil {
		panic(fmt.Sprintf("store: settable field %s requires a setter", name))
	}
	if spec.Default != nil && spec.Set == nil {
		panic(fmt.Sprintf("store: field %s has a default but no setter", name))
	}

	f := &Field{
		name:   name,
		caps:   caps | Gettable,
		goType: reflect.TypeFor[V](),
		get: func(m Model) any {
			return spec.Get(m.(M))
		},
	}
	if spec.Set != nil {
		f.set = func(m Model, raw any) error {
			v, err := coerce[V](raw)
			if err != nil {
				return err
			}
			spec.Set(m.(M), v)
			return nil
		}
	}
	if spec.Default != nil {
		f.def = func() any { return spec.Default() }
		f.applyDefault = func(m Model) { spec.Set(m.(M), spec.Default()) }
	}
	return f
}

// Name returns the field name, used as the key in the persisted map.
func (f *Field) Name() string { return f.name }

// Caps returns the capability set.
func (f *Field) Caps() Capability { return f.caps }

// GoType returns the declared value type.
func (f *Field) GoType() reflect.Type { return f.goType }

// Get reads the field from m.
func (f *Field) Get(m Model) any { return f.get(m) }

// Set coerces v into the field's type and assigns it. It fails for fields
// without Settable.
func (f *Field) Set(m Model, v any) error {
	if !f.caps.Has(Settable) || f.set == nil {
		return fmt.Errorf("field %s is not settable", f.name)
	}
	return f.set(m, v)
}

// Default returns the field's default value, if one was declared.
func (f *Field) Default() (any, bool) {
	if f.def == nil {
		return nil, false
	}
	return f.def(), true
}

// coerce converts a decoded native value (bool, int64, float64, string,
// time.Time, []any, map[string]any or nil) into V.
func coerce[V any](raw any) (V, error) {
	var out V
	if raw == nil {
		return out, nil
	}
	if v, ok := raw.(V); ok {
		return v, nil
	}

	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result: &out,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
			exactIntegerHook,
		),
	})
	if err != nil {
		return out, err
	}
	if err := dec.Decode(raw); err != nil {
		return out, fmt.Errorf("cannot assign %T to %s: %w", raw, reflect.TypeFor[V](), err)
	}
	return out, nil
}

// exactIntegerHook refuses numbers that an integer target cannot hold
// exactly. mapstructure would otherwise truncate 1.7 to 1 and wrap
// out-of-range values.
func exactIntegerHook(from, to reflect.Type, data any) (any, error) {
	if from == nil || !isIntegerKind(to.Kind()) {
		return data, nil
	}
	target := reflect.New(to).Elem()
	signed := target.CanInt()
	rv := reflect.ValueOf(data)

	switch {
	case rv.CanFloat():
		f := rv.Float()
		if f != math.Trunc(f) {
			return nil, fmt.Errorf("%v is not an integer", f)
		}
		if signed && (f < math.MinInt64 || f >= 1<<63 || target.OverflowInt(int64(f))) ||
			!signed && (f < 0 || f >= 1<<64 || target.OverflowUint(uint64(f))) {
			return nil, fmt.Errorf("%v overflows %s", f, to)
		}
	case rv.CanInt():
		i := rv.Int()
		if signed && target.OverflowInt(i) || !signed && (i < 0 || target.OverflowUint(uint64(i))) {
			return nil, fmt.Errorf("%d overflows %s", i, to)
		}
	case rv.CanUint():
		u := rv.Uint()
		if signed && (u > math.MaxInt64 || target.OverflowInt(int64(u))) || !signed && target.OverflowUint(u) {
			return nil, fmt.Errorf("%d overflows %s", u, to)
		}
	}
	return data, nil
}

func isIntegerKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return true
	}
	return false
}
