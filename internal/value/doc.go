// Package value defines the closed set of JSON values the store persists.
//
// A stored object's field map is a value.Object. Every backend writes it
// with Marshal, which produces canonical JSON:
//
//   - Object keys sorted by UTF-16 code units
//   - No HTML escaping
//   - Integers and floats kept distinct (150 vs 150.0)
//
// Two object shapes are reserved as escape hatches for richer values:
//
//	{"__datetime__": "2024-01-02T03:04:05Z"}
//	{"__type__": "Quote", "__data__": {...}}
//
// The store's serializer produces and consumes these markers; this package
// only recognizes them (Object.IsDateTime, Object.IsTyped).
package value
