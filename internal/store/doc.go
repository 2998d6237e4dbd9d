// Package store provides path-addressed persistence for typed models.
//
// A Store sits on a backend.Backend and adds:
//   - TypeRegistry: glob patterns bound to model types, first match wins
//   - Serializer: persisted fields to and from JSON field maps, with
//     schema-version migrations
//   - Identity map: repeated Get calls for a path return one instance
//   - Transactions: scoped, all-or-nothing blocks on backends that
//     support them
//
// # Models
//
// A model embeds Tracked and describes its fields once with DefineType and
// Prop:
//
//	type Option struct {
//		store.Tracked
//		Strike float64
//		Expiry time.Time
//	}
//
//	var optionType = store.DefineType("Option",
//		func() store.Model { return &Option{} },
//		store.SchemaVersion(2),
//		store.Fields(
//			store.Prop("Strike", store.Stored, store.PropSpec[*Option, float64]{
//				Get: func(o *Option) float64 { return o.Strike },
//				Set: func(o *Option, v float64) { o.Strike = v },
//			}),
//		),
//	)
//
//	func (o *Option) ModelType() *store.Type { return optionType }
//
// Only fields with the Persisted capability are written. Values must fit
// the JSON value union; time.Time is stored as {"__datetime__": ...} and
// plain structs or FieldMapper values as {"__type__": ..., "__data__": ...}.
// A model may not hold another model: store its path instead.
//
// # Lenient loading
//
// Unknown stored fields are skipped with a warning unless the Serializer is
// strict. Missing fields keep their defaults. When no migration leads from
// the stored schema version to the current one, the partially migrated data
// is used and a warning is emitted.
package store
