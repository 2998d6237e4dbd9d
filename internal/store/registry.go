package store

import (
	"fmt"

	"github.com/roach88/lattice/internal/paths"
)

// Registration is one pattern-to-type binding.
type Registration struct {
	Pattern string
	Type    *Type
}

type registration struct {
	pattern *paths.Pattern
	typ     *Type
}

// TypeRegistry maps path glob patterns to model types. Patterns are matched
// in registration order and the first match wins, so register specific
// patterns before broad ones.
type TypeRegistry struct {
	entries  []registration
	patterns map[*Type]string
}

// NewTypeRegistry creates an empty registry.
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{patterns: make(map[*Type]string)}
}

// Register appends a binding. Overlapping patterns are allowed; earlier
// ones keep winning for the paths they share.
func (r *TypeRegistry) Register(pattern string, typ *Type) error {
	if typ == nil {
		return fmt.Errorf("register %q: nil type", pattern)
	}
	p, err := paths.Compile(pattern)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidPattern, err)
	}
	r.entries = append(r.entries, registration{pattern: p, typ: typ})
	if _, ok := r.patterns[typ]; !ok {
		r.patterns[typ] = pattern
	}
	return nil
}

// TypeFor returns the type of the first pattern matching path.
func (r *TypeRegistry) TypeFor(path string) (*Type, bool) {
	for _, e := range r.entries {
		if e.pattern.Match(path) {
			return e.typ, true
		}
	}
	return nil, false
}

// PatternFor returns the first pattern registered for typ.
func (r *TypeRegistry) PatternFor(typ *Type) (string, bool) {
	p, ok := r.patterns[typ]
	return p, ok
}

// ValidatePath reports whether m may be stored at path: either no pattern
// constrains the path, or m's type is the registered type or a subtype.
func (r *TypeRegistry) ValidatePath(path string, m Model) bool {
	expected, ok := r.TypeFor(path)
	if !ok {
		return true
	}
	return m.ModelType().Is(expected)
}

// Patterns returns the bindings in registration order.
func (r *TypeRegistry) Patterns() []Registration {
	out := make([]Registration, len(r.entries))
	for i, e := range r.entries {
		out[i] = Registration{Pattern: e.pattern.String(), Type: e.typ}
	}
	return out
}

// Clear removes every binding.
func (r *TypeRegistry) Clear() {
	r.entries = nil
	r.patterns = make(map[*Type]string)
}
