package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/lattice/internal/backend"
)

// item has one persisted field and one runtime-only field.
type item struct {
	Tracked
	Name       string
	CachedHash string
}

var itemType = DefineType("Item",
	func() Model { return &item{} },
	Fields(
		Prop("name", Stored, PropSpec[*item, string]{
			Get: func(i *item) string { return i.Name },
			Set: func(i *item, v string) { i.Name = v },
		}),
		Prop("cachedHash", Input, PropSpec[*item, string]{
			Get: func(i *item) string { return i.CachedHash },
			Set: func(i *item, v string) { i.CachedHash = v },
		}),
	),
)

func (i *item) ModelType() *Type { return itemType }

// quote is a plain struct value, persisted as a generic-object marker.
type quote struct {
	Bid float64
	Ask float64
}

// greeks exposes its own field map.
type greeks struct {
	delta, gamma float64
}

func (g greeks) FieldMap() map[string]any {
	return map[string]any{"delta": g.delta, "gamma": g.gamma}
}

// optionModel is implemented by option and its subtypes so inherited field
// accessors work on either.
type optionModel interface {
	Model
	base() *option
}

type option struct {
	Tracked
	Underlying string
	Strike     float64
	IsCall     bool
	Quantity   int
	Expiry     time.Time
	Tags       []string
	Quote      quote
	Meta       map[string]any
	Notes      string
	CreatedBy  string
}

func (o *option) base() *option    { return o }
func (o *option) ModelType() *Type { return optionType }

var optionType = DefineType("Option",
	func() Model { return &option{} },
	SchemaVersion(2),
	Fields(
		Prop("Underlying", Stored, PropSpec[optionModel, string]{
			Get: func(o optionModel) string { return o.base().Underlying },
			Set: func(o optionModel, v string) { o.base().Underlying = v },
		}),
		Prop("Strike", Stored, PropSpec[optionModel, float64]{
			Get:     func(o optionModel) float64 { return o.base().Strike },
			Set:     func(o optionModel, v float64) { o.base().Strike = v },
			Default: func() float64 { return 100 },
		}),
		Prop("IsCall", Stored, PropSpec[optionModel, bool]{
			Get:     func(o optionModel) bool { return o.base().IsCall },
			Set:     func(o optionModel, v bool) { o.base().IsCall = v },
			Default: func() bool { return true },
		}),
		Prop("Quantity", Stored, PropSpec[optionModel, int]{
			Get: func(o optionModel) int { return o.base().Quantity },
			Set: func(o optionModel, v int) { o.base().Quantity = v },
		}),
		Prop("Expiry", Stored, PropSpec[optionModel, time.Time]{
			Get: func(o optionModel) time.Time { return o.base().Expiry },
			Set: func(o optionModel, v time.Time) { o.base().Expiry = v },
		}),
		Prop("Tags", Stored, PropSpec[optionModel, []string]{
			Get: func(o optionModel) []string { return o.base().Tags },
			Set: func(o optionModel, v []string) { o.base().Tags = v },
		}),
		Prop("Quote", Stored, PropSpec[optionModel, quote]{
			Get: func(o optionModel) quote { return o.base().Quote },
			Set: func(o optionModel, v quote) { o.base().Quote = v },
		}),
		Prop("Meta", Stored, PropSpec[optionModel, map[string]any]{
			Get: func(o optionModel) map[string]any { return o.base().Meta },
			Set: func(o optionModel, v map[string]any) { o.base().Meta = v },
		}),
		Prop("Notes", Input, PropSpec[optionModel, string]{
			Get: func(o optionModel) string { return o.base().Notes },
			Set: func(o optionModel, v string) { o.base().Notes = v },
		}),
		// Persisted for audit, restored from the default on load.
		Prop("CreatedBy", Gettable|Persisted, PropSpec[optionModel, string]{
			Get: func(o optionModel) string { return o.base().CreatedBy },
		}),
	),
)

// barrierOption is a subtype of option.
type barrierOption struct {
	option
	Barrier float64
}

func (b *barrierOption) ModelType() *Type { return barrierType }

var barrierType = DefineType("BarrierOption",
	func() Model { return &barrierOption{} },
	Extends(optionType),
	SchemaVersion(2),
	Fields(
		Prop("Barrier", Stored, PropSpec[*barrierOption, float64]{
			Get: func(b *barrierOption) float64 { return b.Barrier },
			Set: func(b *barrierOption, v float64) { b.Barrier = v },
		}),
	),
)

// holder embeds a model reference, which must not serialize.
type holder struct {
	Tracked
	Ref *item
}

var holderType = DefineType("Holder",
	func() Model { return &holder{} },
	Fields(
		Prop("Ref", Stored, PropSpec[*holder, *item]{
			Get: func(h *holder) *item { return h.Ref },
			Set: func(h *holder, v *item) { h.Ref = v },
		}),
	),
)

func (h *holder) ModelType() *Type { return holderType }

func newTestOption() *option {
	return &option{
		Underlying: "AAPL",
		Strike:     150,
		IsCall:     true,
		Quantity:   10,
		Expiry:     time.Date(2025, 6, 20, 16, 0, 0, 0, time.UTC),
		Tags:       []string{"tech", "weekly"},
		Quote:      quote{Bid: 1.25, Ask: 1.5},
		Meta:       map[string]any{"desk": "vol", "limit": int64(5)},
		Notes:      "scratch",
		CreatedBy:  "trader-1",
	}
}

// createTestStore creates a store over a connected memory backend.
func createTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	b := backend.NewMemory()
	require.NoError(t, b.Connect(context.Background()))
	s := New(b, opts...)
	t.Cleanup(func() { s.Close() })
	return s
}

type storeFactory struct {
	name string
	open func(t *testing.T, opts ...Option) *Store
}

// allStores opens one store per backend that supports transactions.
func allStores() []storeFactory {
	connect := func(url string) func(t *testing.T, opts ...Option) *Store {
		return func(t *testing.T, opts ...Option) *Store {
			t.Helper()
			s, err := Connect(context.Background(), url, opts...)
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		}
	}
	return []storeFactory{
		{"memory", connect("memory://")},
		{"sqlite", connect("sqlite:///:memory:")},
		{"bolt", func(t *testing.T, opts ...Option) *Store {
			return connect("bolt:///" + filepath.Join(t.TempDir(), "store.bolt"))(t, opts...)
		}},
	}
}

// noTxBackend is a memory backend without transaction support.
type noTxBackend struct {
	*backend.Memory
	nt backend.NoTransactions
}

func (b noTxBackend) SupportsTransactions() bool { return b.nt.SupportsTransactions() }

func (b noTxBackend) Begin(ctx context.Context) (backend.Tx, error) { return b.nt.Begin(ctx) }

func (b noTxBackend) Commit(ctx context.Context, tx backend.Tx) error { return b.nt.Commit(ctx, tx) }

func (b noTxBackend) Rollback(ctx context.Context, tx backend.Tx) error {
	return b.nt.Rollback(ctx, tx)
}

type warningRecorder struct {
	warnings []Warning
}

func (r *warningRecorder) record(w Warning) { r.warnings = append(r.warnings, w) }

func (r *warningRecorder) kinds() []WarningKind {
	out := make([]WarningKind, len(r.warnings))
	for i, w := range r.warnings {
		out[i] = w.Kind
	}
	return out
}
