package store

import (
	"fmt"
	"log/slog"

	"github.com/roach88/lattice/internal/value"
)

// Migrator rewrites a persisted field map from one schema version to a later
// one. It may modify and return its argument.
type Migrator func(data value.Object) (value.Object, error)

// WarningKind classifies a Warning.
type WarningKind string

const (
	// UnknownField: a stored key has no persisted field on the type.
	UnknownField WarningKind = "unknown_field"

	// NotSettable: a stored key names a persisted field without a mutator.
	NotSettable WarningKind = "not_settable"

	// MigrationGap: no migrator leads from the stored schema version to
	// the current one.
	MigrationGap WarningKind = "migration_gap"
)

// Warning is a non-fatal deserialization problem.
type Warning struct {
	Kind    WarningKind
	Type    string
	Field   string
	From    int
	To      int
	Message string
}

func (w Warning) String() string { return w.Message }

type migrationKey struct {
	typ      *Type
	from, to int
}

// Serializer converts models to and from persisted field maps. Only fields
// with the Persisted capability take part. A Serializer owns its migrations.
type Serializer struct {
	strict      bool
	warnUnknown bool
	onWarning   func(Warning)
	logger      *slog.Logger
	migrations  map[migrationKey]Migrator
}

// SerializerOption configures a Serializer.
type SerializerOption func(*Serializer)

// Strict makes unknown stored fields an error instead of a warning.
func Strict(strict bool) SerializerOption {
	return func(s *Serializer) { s.strict = strict }
}

// WarnUnknownFields controls whether unknown stored fields are reported in
// non-strict mode. Enabled by default.
func WarnUnknownFields(warn bool) SerializerOption {
	return func(s *Serializer) { s.warnUnknown = warn }
}

// OnWarning receives every warning in addition to the log.
func OnWarning(fn func(Warning)) SerializerOption {
	return func(s *Serializer) { s.onWarning = fn }
}

// WithSerializerLogger sets the logger warnings are written to.
func WithSerializerLogger(logger *slog.Logger) SerializerOption {
	return func(s *Serializer) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSerializer creates a lenient serializer that logs to slog.Default.
func NewSerializer(opts ...SerializerOption) *Serializer {
	s := &Serializer{
		warnUnknown: true,
		logger:      slog.Default(),
		migrations:  make(map[migrationKey]Migrator),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Derive returns a copy of s with opts applied. The copy shares s's
// migrations, including ones registered later.
func (s *Serializer) Derive(opts ...SerializerOption) *Serializer {
	cp := *s
	for _, opt := range opts {
		opt(&cp)
	}
	return &cp
}

// Serialize reads every persisted field of m into a field map.
func (s *Serializer) Serialize(m Model) (value.Object, error) {
	if m == nil {
		return nil, &SerializationError{Detail: "nil model"}
	}
	typ := m.ModelType()
	data := make(value.Object)
	for _, f := range typ.fields {
		if !f.caps.Has(Persisted) {
			continue
		}
		v, err := toJSON(f.Get(m))
		if err != nil {
			return nil, &SerializationError{Type: typ.name, Detail: fmt.Sprintf("field %s", f.name), Err: err}
		}
		data[f.name] = v
	}
	return data, nil
}

// Deserialize builds a default instance of typ and restores it from data.
//
// A schemaVersion below the type's current version runs the registered
// migrations first; zero or negative means the version is unknown and no
// migration runs. data is not modified.
//
// Stored keys without a persisted field are skipped with a warning (an
// error in strict mode). Persisted fields without a mutator keep their
// default and produce a warning. Fields missing from data keep their
// default silently.
func (s *Serializer) Deserialize(typ *Type, data value.Object, schemaVersion int) (Model, error) {
	if typ == nil {
		return nil, &SerializationError{Detail: "nil type"}
	}

	work := data.Clone()
	if work == nil {
		work = value.Object{}
	}
	if current := typ.version; schemaVersion > 0 && schemaVersion < current {
		var err error
		work, err = s.migrate(typ, work, schemaVersion, current)
		if err != nil {
			return nil, err
		}
	}

	m := typ.New()
	for _, key := range work.SortedKeys() {
		f, ok := typ.byName[key]
		if !ok || !f.caps.Has(Persisted) {
			if s.strict {
				return nil, &SerializationError{Type: typ.name, Detail: fmt.Sprintf("unknown field %q", key)}
			}
			if s.warnUnknown {
				s.warn(Warning{
					Kind:    UnknownField,
					Type:    typ.name,
					Field:   key,
					Message: fmt.Sprintf("unknown field %q in stored %s data, skipping", key, typ.name),
				})
			}
			continue
		}
		if !f.caps.Has(Settable) || f.set == nil {
			s.warn(Warning{
				Kind:    NotSettable,
				Type:    typ.name,
				Field:   key,
				Message: fmt.Sprintf("field %q of %s is persisted but not settable, keeping default", key, typ.name),
			})
			continue
		}

		native, err := fromJSON(work[key])
		if err != nil {
			return nil, &SerializationError{Type: typ.name, Detail: fmt.Sprintf("field %s", key), Err: err}
		}
		if err := f.set(m, native); err != nil {
			return nil, &SerializationError{Type: typ.name, Detail: fmt.Sprintf("field %s", key), Err: err}
		}
	}
	return m, nil
}

// RegisterMigration registers fn to rewrite typ's data from schema version
// from to version to.
func (s *Serializer) RegisterMigration(typ *Type, from, to int, fn Migrator) error {
	if typ == nil {
		return fmt.Errorf("register migration: nil type")
	}
	if fn == nil {
		return fmt.Errorf("register migration %s %d->%d: nil migrator", typ.name, from, to)
	}
	if from < 1 || to <= from {
		return fmt.Errorf("register migration %s %d->%d: versions must increase from 1", typ.name, from, to)
	}
	s.migrations[migrationKey{typ: typ, from: from, to: to}] = fn
	return nil
}

// SchemaVersion returns typ's current schema version.
func (s *Serializer) SchemaVersion(typ *Type) int {
	return typ.version
}

// migrate walks from version from towards to, preferring a direct migrator
// and otherwise taking single steps. When neither exists it warns and
// returns the partially migrated data.
func (s *Serializer) migrate(typ *Type, data value.Object, from, to int) (value.Object, error) {
	current := from
	for current < to {
		next := to
		fn, ok := s.migrations[migrationKey{typ: typ, from: current, to: to}]
		if !ok {
			next = current + 1
			fn, ok = s.migrations[migrationKey{typ: typ, from: current, to: next}]
		}
		if !ok {
			s.warn(Warning{
				Kind:    MigrationGap,
				Type:    typ.name,
				From:    current,
				To:      to,
				Message: fmt.Sprintf("no migration path for %s from v%d to v%d", typ.name, current, to),
			})
			break
		}

		s.logger.Debug("applying migration", "type", typ.name, "from", current, "to", next)
		out, err := fn(data)
		if err != nil {
			return nil, &SerializationError{
				Type:   typ.name,
				Detail: fmt.Sprintf("migration v%d->v%d", current, next),
				Err:    err,
			}
		}
		if out == nil {
			out = value.Object{}
		}
		data = out
		current = next
	}
	return data, nil
}

// ToJSON serializes m to canonical JSON.
func (s *Serializer) ToJSON(m Model) ([]byte, error) {
	data, err := s.Serialize(m)
	if err != nil {
		return nil, err
	}
	out, err := value.Marshal(data)
	if err != nil {
		return nil, &SerializationError{Type: m.ModelType().name, Err: err}
	}
	return out, nil
}

// FromJSON deserializes a JSON field map without migration.
func (s *Serializer) FromJSON(typ *Type, data []byte) (Model, error) {
	obj, err := value.UnmarshalObject(data)
	if err != nil {
		name := ""
		if typ != nil {
			name = typ.name
		}
		return nil, &SerializationError{Type: name, Detail: "decode json", Err: err}
	}
	return s.Deserialize(typ, obj, 0)
}

func (s *Serializer) warn(w Warning) {
	s.logger.Warn(w.Message, "kind", string(w.Kind), "type", w.Type)
	if s.onWarning != nil {
		s.onWarning(w)
	}
}
