package store

import (
	"context"
	"fmt"
	"strings"
)

// Model is implemented by every type the Store can persist. Implementations
// embed Tracked and return a package-level *Type:
//
//	type Option struct {
//		store.Tracked
//		Strike float64
//	}
//
//	func (o *Option) ModelType() *store.Type { return optionType }
type Model interface {
	ModelType() *Type
	tracking() *Tracked
}

// FieldMapper is implemented by non-model values that expose their own
// field map. They are persisted as a generic-object marker.
type FieldMapper interface {
	FieldMap() map[string]any
}

// Tracked carries a model's path-awareness: the Store it was last stored in
// or loaded from and the path it lives at. The Store sets it on Get, Set and
// New and clears it when the object is deleted from that path.
type Tracked struct {
	owner *Store
	path  string
	self  Model
}

func (t *Tracked) tracking() *Tracked { return t }

// StorePath returns the path the object was last stored at. It reports
// false for objects that are untracked or whose Store has been closed.
func (t *Tracked) StorePath() (string, bool) {
	if t.owner == nil || t.owner.closed {
		return "", false
	}
	return t.path, true
}

// Store returns the owning Store.
func (t *Tracked) Store() (*Store, error) {
	if t.owner == nil {
		return nil, &NotTrackedError{Type: t.typeName()}
	}
	if t.owner.closed {
		return nil, ErrClosed
	}
	return t.owner, nil
}

// Save writes the object back to the path it was last stored at.
// Unlike Store.Save it keeps working after ClearCache.
func (t *Tracked) Save(ctx context.Context) error {
	s, err := t.Store()
	if err != nil {
		return err
	}
	return s.Set(ctx, t.path, t.self)
}

func (t *Tracked) attach(s *Store, path string, self Model) {
	t.owner = s
	t.path = path
	t.self = self
}

func (t *Tracked) detach() {
	t.owner = nil
	t.path = ""
	t.self = nil
}

func (t *Tracked) typeName() string {
	if t.self == nil {
		return ""
	}
	return t.self.ModelType().Name()
}

// Capability flags a field's role in persistence.
type Capability uint8

const (
	// Gettable fields expose a current value.
	Gettable Capability = 1 << iota

	// Settable fields accept assignment, including on load.
	Settable

	// Persisted fields are written by Serialize and read by Deserialize.
	Persisted
)

const (
	// Input is a settable runtime-only field.
	Input = Gettable | Settable

	// Stored is a settable field that round-trips through the store.
	Stored = Input | Persisted
)

// Has reports whether every flag in f is set on c.
func (c Capability) Has(f Capability) bool { return c&f == f }

func (c Capability) String() string {
	if c == 0 {
		return "none"
	}
	var parts []string
	if c.Has(Gettable) {
		parts = append(parts, "gettable")
	}
	if c.Has(Settable) {
		parts = append(parts, "settable")
	}
	if c.Has(Persisted) {
		parts = append(parts, "persisted")
	}
	return strings.Join(parts, "|")
}

// Type describes a model type: its name, schema version, optional base type
// and ordered field table. Build one per Go type with DefineType and keep it
// in a package-level variable.
type Type struct {
	name    string
	version int
	base    *Type
	newFn   func() Model
	fields  []*Field
	byName  map[string]*Field
}

// TypeOption configures DefineType.
type TypeOption func(*Type)

// SchemaVersion sets the current field-layout version. Types default to 1.
func SchemaVersion(v int) TypeOption {
	return func(t *Type) { t.version = v }
}

// Extends declares t a subtype of base. Base fields are inherited unless
// redeclared by name, and paths registered for base accept t.
func Extends(base *Type) TypeOption {
	return func(t *Type) { t.base = base }
}

// Fields appends field descriptors in declaration order.
func Fields(fields ...*Field) TypeOption {
	return func(t *Type) { t.fields = append(t.fields, fields...) }
}

// DefineType builds a type descriptor. newFn must return a fresh, zeroed
// instance. It panics on a malformed definition, so call it at package
// initialization.
func DefineType(name string, newFn func() Model, opts ...TypeOption) *Type {
	if name == "" {
		panic("store: DefineType requires a name")
	}
	if newFn == nil {
		panic(fmt.Sprintf("store: type %s requires a constructor", name))
	}

	t := &Type{name: name, version: 1, newFn: newFn}
	for _, opt := range opts {
		opt(t)
	}
	if t.version < 1 {
		panic(fmt.Sprintf("store: type %s has schema version %d, want >= 1", name, t.version))
	}

	own := t.fields
	t.fields = nil
	t.byName = make(map[string]*Field)
	if t.base != nil {
		for _, f := range t.base.fields {
			t.addField(f)
		}
	}
	for _, f := range own {
		if f == nil {
			panic(fmt.Sprintf("store: type %s has a nil field", name))
		}
		t.addField(f)
	}
	return t
}

// addField appends f, replacing an inherited field of the same name in place.
func (t *Type) addField(f *Field) {
	if _, dup := t.byName[f.name]; dup {
		for i, existing := range t.fields {
			if existing.name == f.name {
				t.fields[i] = f
			}
		}
	} else {
		t.fields = append(t.fields, f)
	}
	t.byName[f.name] = f
}

// Name returns the type name written to StoredObject.TypeName.
func (t *Type) Name() string { return t.name }

func (t *Type) String() string { return t.name }

// SchemaVersion returns the current schema version.
func (t *Type) SchemaVersion() int { return t.version }

// Base returns the parent type, or nil.
func (t *Type) Base() *Type { return t.base }

// Fields returns the field table in declaration order.
func (t *Type) Fields() []*Field {
	out := make([]*Field, len(t.fields))
	copy(out, t.fields)
	return out
}

// Field looks up a field by name.
func (t *Type) Field(name string) (*Field, bool) {
	f, ok := t.byName[name]
	return f, ok
}

// Is reports whether t is other or a subtype of it.
func (t *Type) Is(other *Type) bool {
	for cur := t; cur != nil; cur = cur.base {
		if cur == other {
			return true
		}
	}
	return false
}

// New constructs a default instance and applies field defaults.
func (t *Type) New() Model {
	m := t.newFn()
	for _, f := range t.fields {
		if f.applyDefault != nil {
			f.applyDefault(m)
		}
	}
	return m
}
