package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lattice/internal/backend"
	"github.com/roach88/lattice/internal/testutil"
	"github.com/roach88/lattice/internal/value"
)

func TestStore_IdentityMap(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.RegisterType("/Items/*", itemType))

	orig := &item{Name: "alpha"}
	require.NoError(t, s.Set(ctx, "/Items/a", orig))

	got, err := s.Get(ctx, "/Items/a")
	require.NoError(t, err)
	assert.Same(t, orig, got, "set objects are identity-mapped")

	again, err := s.Get(ctx, "/Items/a")
	require.NoError(t, err)
	assert.Same(t, got, again)

	s.ClearCache()
	reloaded, err := s.Get(ctx, "/Items/a")
	require.NoError(t, err)
	assert.NotSame(t, orig, reloaded)
	assert.Equal(t, "alpha", reloaded.(*item).Name)
}

func TestStore_GetErrors(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)

	_, err := s.Get(ctx, "/Items/missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, "no object at path: /Items/missing", err.Error())

	require.NoError(t, s.Backend().Put(ctx, backend.NewObject("/Loose/x", "Item", value.Object{"name": value.String("x")})))
	_, err = s.Get(ctx, "/Loose/x")
	assert.True(t, IsTypeNotRegistered(err))
}

func TestStore_GetOr(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.RegisterType("/Items/*", itemType))

	def := &item{Name: "default"}
	got, err := s.GetOr(ctx, "/Items/missing", def)
	require.NoError(t, err)
	assert.Same(t, def, got)

	require.NoError(t, s.Set(ctx, "/Items/a", &item{Name: "a"}))
	got, err = s.GetOr(ctx, "/Items/a", def)
	require.NoError(t, err)
	assert.Equal(t, "a", got.(*item).Name)

	require.NoError(t, s.Backend().Put(ctx, backend.NewObject("/Loose/x", "Item", nil)))
	_, err = s.GetOr(ctx, "/Loose/x", def)
	assert.True(t, IsTypeNotRegistered(err), "only not-found falls back")
}

func TestStore_SetTypeMismatch(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.RegisterType("/Instruments/*", optionType))

	err := s.Set(ctx, "/Instruments/X", &item{Name: "wrong"})
	require.Error(t, err)
	assert.True(t, IsTypeMismatch(err))
	assert.Equal(t, "path /Instruments/X expects Option, got Item", err.Error())

	ok, err := s.Contains(ctx, "/Instruments/X")
	require.NoError(t, err)
	assert.False(t, ok)

	b := &barrierOption{option: *newTestOption(), Barrier: 180}
	require.NoError(t, s.Set(ctx, "/Instruments/B", b), "subtypes satisfy the base registration")

	require.NoError(t, s.Set(ctx, "/Unregistered/any", &item{Name: "free"}))

	assert.Error(t, s.Set(ctx, "/Items/nil", nil))
}

func TestStore_SetVersionAndTimestamps(t *testing.T) {
	ctx := context.Background()
	clock := testutil.NewClock()
	s := createTestStore(t, WithClock(clock))
	require.NoError(t, s.RegisterType("/Items/*", itemType))

	it := &item{Name: "v1"}
	require.NoError(t, s.Set(ctx, "/Items/a", it))

	env, found, err := s.Backend().Get(ctx, "/Items/a")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, int64(1), env.Version)
	assert.Equal(t, "Item", env.TypeName)
	assert.Equal(t, 1, env.SchemaVersion)
	assert.True(t, env.CreatedAt.Equal(testutil.Epoch))
	assert.True(t, env.UpdatedAt.Equal(testutil.Epoch))
	assert.Equal(t, value.Object{"name": value.String("v1")}, env.Data)

	it.Name = "v2"
	require.NoError(t, s.Set(ctx, "/Items/a", it))

	env, _, err = s.Backend().Get(ctx, "/Items/a")
	require.NoError(t, err)
	assert.Equal(t, int64(2), env.Version)
	assert.True(t, env.CreatedAt.Equal(testutil.Epoch), "created_at is kept")
	assert.True(t, env.UpdatedAt.Equal(testutil.Epoch.Add(time.Second)))
}

func TestStore_SchemaVersionPersisted(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.RegisterType("/Instruments/*", optionType))
	require.NoError(t, s.Set(ctx, "/Instruments/AAPL", newTestOption()))

	env, _, err := s.Backend().Get(ctx, "/Instruments/AAPL")
	require.NoError(t, err)
	assert.Equal(t, 2, env.SchemaVersion)
	assert.Equal(t, "Option", env.TypeName)
	assert.NotContains(t, env.Data, "Notes")
}

func TestStore_Delete(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.RegisterType("/Items/*", itemType))

	it := &item{Name: "a"}
	require.NoError(t, s.Set(ctx, "/Items/a", it))
	require.NoError(t, s.Delete(ctx, "/Items/a"))

	_, ok := it.StorePath()
	assert.False(t, ok, "deleted objects lose path-awareness")
	_, ok = s.PathOf(it)
	assert.False(t, ok)

	_, err := s.Get(ctx, "/Items/a")
	assert.True(t, IsNotFound(err))

	err = s.Delete(ctx, "/Items/a")
	assert.True(t, IsNotFound(err))
}

func TestStore_PathAwarenessFollowsLatestSet(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.RegisterType("/Items/*", itemType))

	it := &item{Name: "mover"}
	require.NoError(t, s.Set(ctx, "/Items/a", it))
	path, ok := it.StorePath()
	require.True(t, ok)
	assert.Equal(t, "/Items/a", path)

	require.NoError(t, s.Set(ctx, "/Items/b", it))
	path, _ = it.StorePath()
	assert.Equal(t, "/Items/b", path)
	path, _ = s.PathOf(it)
	assert.Equal(t, "/Items/b", path)

	ok, err := s.Contains(ctx, "/Items/a")
	require.NoError(t, err)
	assert.True(t, ok, "the old path is left in place")

	require.NoError(t, s.Delete(ctx, "/Items/a"))
	path, ok = it.StorePath()
	require.True(t, ok, "deleting the old path keeps the new one")
	assert.Equal(t, "/Items/b", path)

	require.NoError(t, s.Delete(ctx, "/Items/b"))
	_, ok = it.StorePath()
	assert.False(t, ok)
}

func TestStore_Save(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.RegisterType("/Items/*", itemType))

	assert.True(t, IsNotTracked(s.Save(ctx, &item{Name: "loose"})))
	assert.True(t, IsNotTracked(s.Save(ctx, nil)))

	require.NoError(t, s.Set(ctx, "/Items/a", &item{Name: "a"}))
	loaded, err := Load[*item](ctx, s, "/Items/a")
	require.NoError(t, err)

	loaded.Name = "changed"
	require.NoError(t, s.Save(ctx, loaded))

	env, _, err := s.Backend().Get(ctx, "/Items/a")
	require.NoError(t, err)
	assert.Equal(t, value.String("changed"), env.Data["name"])
	assert.Equal(t, int64(2), env.Version)
}

func TestTracked_SaveAfterClearCache(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.RegisterType("/Items/*", itemType))

	it := &item{Name: "a"}
	require.NoError(t, s.Set(ctx, "/Items/a", it))

	owner, err := it.Store()
	require.NoError(t, err)
	assert.Same(t, s, owner)

	s.ClearCache()
	assert.True(t, IsNotTracked(s.Save(ctx, it)), "the identity map no longer knows it")

	it.Name = "b"
	require.NoError(t, it.Save(ctx), "the object still knows its path")

	got, err := s.Get(ctx, "/Items/a")
	require.NoError(t, err)
	assert.Same(t, it, got, "saving re-tracks the object")
	assert.Equal(t, "b", got.(*item).Name)
}

func TestStore_NewAndCreate(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.RegisterType("/Instruments/*", optionType))

	m, err := s.New(ctx, optionType, "/Instruments/A")
	require.NoError(t, err)
	assert.Equal(t, 100.0, m.(*option).Strike)
	assert.True(t, m.(*option).IsCall)

	o, err := Create[*option](ctx, s, optionType, "/Instruments/B")
	require.NoError(t, err)
	path, ok := o.StorePath()
	require.True(t, ok)
	assert.Equal(t, "/Instruments/B", path)

	_, err = s.New(ctx, itemType, "/Instruments/C")
	assert.True(t, IsTypeMismatch(err))

	_, err = Create[*item](ctx, s, optionType, "/Instruments/D")
	assert.True(t, IsTypeMismatch(err))
}

func TestLoad_TypeMismatch(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.RegisterType("/Items/*", itemType))
	require.NoError(t, s.Set(ctx, "/Items/a", &item{Name: "a"}))

	_, err := Load[*widget](ctx, s, "/Items/a")
	require.Error(t, err)
	assert.True(t, IsTypeMismatch(err))
	assert.Contains(t, err.Error(), "*store.widget")

	_, err = Load[*item](ctx, s, "/Items/missing")
	assert.True(t, IsNotFound(err))
}

func TestStore_ListAndQuery(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.RegisterType("/Instruments/*", optionType))

	for _, p := range []string{
		"/Instruments/AAPL_C_150",
		"/Instruments/AAPL_P_140",
		"/Instruments/MSFT_C_300",
		"/Instruments/archive/AAPL_C_100",
	} {
		require.NoError(t, s.Set(ctx, p, newTestOption()))
	}

	direct, err := s.List(ctx, "/Instruments", false)
	require.NoError(t, err)
	assert.Equal(t, []string{
		"/Instruments/AAPL_C_150",
		"/Instruments/AAPL_P_140",
		"/Instruments/MSFT_C_300",
	}, direct)

	all, err := s.List(ctx, "/Instruments/", true)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	aapl, err := s.Query(ctx, "/Instruments/AAPL_*")
	require.NoError(t, err)
	assert.Equal(t, []string{"/Instruments/AAPL_C_150", "/Instruments/AAPL_P_140"}, aapl)

	deep, err := s.Query(ctx, "/Instruments/*AAPL*")
	require.NoError(t, err)
	assert.Len(t, deep, 3, "star crosses separators")

	none, err := s.Query(ctx, "/Instruments/aapl_*")
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = s.Query(ctx, "/Instruments/[a")
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func TestStore_RoundTripAcrossBackends(t *testing.T) {
	ctx := context.Background()
	for _, f := range allStores() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t)
			require.NoError(t, s.RegisterType("/Instruments/*", optionType))

			orig := newTestOption()
			require.NoError(t, s.Set(ctx, "/Instruments/AAPL", orig))
			s.ClearCache()

			got, err := Load[*option](ctx, s, "/Instruments/AAPL")
			require.NoError(t, err)
			require.NotSame(t, orig, got)

			assert.Equal(t, orig.Underlying, got.Underlying)
			assert.Equal(t, orig.Strike, got.Strike)
			assert.Equal(t, orig.Quantity, got.Quantity)
			assert.True(t, orig.Expiry.Equal(got.Expiry))
			assert.Equal(t, orig.Tags, got.Tags)
			assert.Equal(t, orig.Quote, got.Quote)
			assert.Equal(t, orig.Meta, got.Meta)
			assert.Empty(t, got.Notes, "runtime-only fields are not restored")
		})
	}
}

func TestStore_SetRejectsInvalidUTF8(t *testing.T) {
	ctx := context.Background()
	for _, f := range allStores() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t)

			err := s.Set(ctx, "/Items/a", &item{Name: "a\xffb"})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrSerialization)

			exists, err := s.Contains(ctx, "/Items/a")
			require.NoError(t, err)
			assert.False(t, exists)
		})
	}
}

func TestStore_TransactionCommit(t *testing.T) {
	ctx := context.Background()
	for _, f := range allStores() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t)
			require.NoError(t, s.RegisterType("/Items/*", itemType))

			err := s.Transaction(ctx, func(ctx context.Context) error {
				assert.True(t, s.InTransaction())
				if err := s.Set(ctx, "/Items/a", &item{Name: "a"}); err != nil {
					return err
				}
				return s.Set(ctx, "/Items/b", &item{Name: "b"})
			})
			require.NoError(t, err)
			assert.False(t, s.InTransaction())

			paths, err := s.List(ctx, "/Items", false)
			require.NoError(t, err)
			assert.Equal(t, []string{"/Items/a", "/Items/b"}, paths)
		})
	}
}

func TestStore_TransactionRollback(t *testing.T) {
	ctx := context.Background()
	for _, f := range allStores() {
		t.Run(f.name, func(t *testing.T) {
			s := f.open(t)
			require.NoError(t, s.RegisterType("/Items/*", itemType))
			require.NoError(t, s.Set(ctx, "/Items/keep", &item{Name: "before"}))

			boom := errors.New("boom")
			err := s.Transaction(ctx, func(ctx context.Context) error {
				if err := s.Set(ctx, "/Items/new", &item{Name: "new"}); err != nil {
					return err
				}
				if err := s.Set(ctx, "/Items/keep", &item{Name: "during"}); err != nil {
					return err
				}
				return boom
			})
			assert.ErrorIs(t, err, boom)
			assert.False(t, s.InTransaction())

			ok, err := s.Contains(ctx, "/Items/new")
			require.NoError(t, err)
			assert.False(t, ok)

			kept, err := Load[*item](ctx, s, "/Items/keep")
			require.NoError(t, err)
			assert.Equal(t, "before", kept.Name, "identity map is cleared on rollback")
		})
	}
}

func TestStore_TransactionPanicRollsBack(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.RegisterType("/Items/*", itemType))

	assert.PanicsWithValue(t, "kaboom", func() {
		_ = s.Transaction(ctx, func(ctx context.Context) error {
			require.NoError(t, s.Set(ctx, "/Items/a", &item{Name: "a"}))
			panic("kaboom")
		})
	})
	assert.False(t, s.InTransaction())

	ok, err := s.Contains(ctx, "/Items/a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Transaction(ctx, func(ctx context.Context) error {
		return s.Set(ctx, "/Items/b", &item{Name: "b"})
	}), "a new transaction can begin after the panic")
}

func TestStore_NestedTransactionJoinsOuter(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.RegisterType("/Items/*", itemType))

	inner := errors.New("inner")
	err := s.Transaction(ctx, func(ctx context.Context) error {
		require.NoError(t, s.Set(ctx, "/Items/outer", &item{Name: "o"}))
		return s.Transaction(ctx, func(ctx context.Context) error {
			require.NoError(t, s.Set(ctx, "/Items/inner", &item{Name: "i"}))
			return inner
		})
	})
	assert.ErrorIs(t, err, inner)

	paths, err := s.List(ctx, "/Items", true)
	require.NoError(t, err)
	assert.Empty(t, paths, "the inner failure rolls back the whole transaction")
}

func TestStore_TransactionWithoutBackendSupport(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory()
	require.NoError(t, mem.Connect(ctx))
	s := New(noTxBackend{Memory: mem})
	defer s.Close()
	require.NoError(t, s.RegisterType("/Items/*", itemType))

	boom := errors.New("boom")
	err := s.Transaction(ctx, func(ctx context.Context) error {
		assert.False(t, s.InTransaction())
		require.NoError(t, s.Set(ctx, "/Items/a", &item{Name: "a"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	ok, err := s.Contains(ctx, "/Items/a")
	require.NoError(t, err)
	assert.True(t, ok, "writes are not atomic without backend support")
}

type failingBegin struct {
	*backend.Memory
}

func (failingBegin) Begin(context.Context) (backend.Tx, error) {
	return nil, errors.New("database is locked")
}

func TestStore_TransactionBeginFailure(t *testing.T) {
	ctx := context.Background()
	mem := backend.NewMemory()
	require.NoError(t, mem.Connect(ctx))
	s := New(failingBegin{mem})
	defer s.Close()

	called := false
	err := s.Transaction(ctx, func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.True(t, IsTransaction(err))
	assert.Equal(t, "transaction begin: database is locked", err.Error())
	assert.False(t, called)
}

func TestStore_Close(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.RegisterType("/Items/*", itemType))

	it := &item{Name: "a"}
	require.NoError(t, s.Set(ctx, "/Items/a", it))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "closing twice is a no-op")

	_, err := s.Get(ctx, "/Items/a")
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, s.Set(ctx, "/Items/b", &item{}), ErrClosed)
	assert.ErrorIs(t, s.Transaction(ctx, func(context.Context) error { return nil }), ErrClosed)

	_, ok := it.StorePath()
	assert.False(t, ok)
	_, err = it.Store()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, it.Save(ctx), ErrClosed)
}

func TestStore_StrictRejectsUnknownFields(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t, WithStrict(true))
	require.NoError(t, s.RegisterType("/Items/*", itemType))

	require.NoError(t, s.Backend().Put(ctx, backend.NewObject("/Items/x", "Item", value.Object{
		"name":  value.String("x"),
		"extra": value.Int(1),
	})))

	_, err := s.Get(ctx, "/Items/x")
	require.Error(t, err)
	assert.True(t, IsSerialization(err))
	assert.Contains(t, err.Error(), `unknown field "extra"`)
}

func TestStore_LenientLoadReportsWarnings(t *testing.T) {
	ctx := context.Background()
	rec := &warningRecorder{}
	s := createTestStore(t, WithWarningHandler(rec.record))
	require.NoError(t, s.RegisterType("/Items/*", itemType))

	require.NoError(t, s.Backend().Put(ctx, backend.NewObject("/Items/x", "Item", value.Object{
		"name":  value.String("x"),
		"extra": value.Int(1),
	})))

	got, err := Load[*item](ctx, s, "/Items/x")
	require.NoError(t, err)
	assert.Equal(t, "x", got.Name)
	assert.Equal(t, []WarningKind{UnknownField}, rec.kinds())
	assert.Equal(t, "extra", rec.warnings[0].Field)
}

func TestStore_MigratesOldEnvelopes(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	require.NoError(t, s.RegisterType("/Widgets/*", widgetType))
	require.NoError(t, s.Serializer().RegisterMigration(widgetType, 1, 2, renameMigrator("title", "label")))
	require.NoError(t, s.Serializer().RegisterMigration(widgetType, 2, 3, renameMigrator("width", "size")))

	old := backend.NewObject("/Widgets/w", "Widget", v1Widget())
	require.NoError(t, s.Backend().Put(ctx, old))

	w, err := Load[*widget](ctx, s, "/Widgets/w")
	require.NoError(t, err)
	assert.Equal(t, "w", w.Label)
	assert.Equal(t, 4.0, w.Size)

	require.NoError(t, s.Save(ctx, w))
	env, _, err := s.Backend().Get(ctx, "/Widgets/w")
	require.NoError(t, err)
	assert.Equal(t, 3, env.SchemaVersion, "saving rewrites at the current version")
	assert.Equal(t, int64(2), env.Version)
	assert.Equal(t, value.Object{"label": value.String("w"), "size": value.Float(4)}, env.Data)
}

func TestStore_SharedSerializer(t *testing.T) {
	ser := NewSerializer()
	require.NoError(t, ser.RegisterMigration(widgetType, 1, 3, func(d value.Object) (value.Object, error) {
		d.Rename("title", "label")
		d.Rename("width", "size")
		return d, nil
	}))

	s := createTestStore(t, WithSerializer(ser))
	assert.Same(t, ser, s.Serializer())
}

func TestStore_SharedSerializerKeepsOwnSettings(t *testing.T) {
	ser := NewSerializer()
	var warnings []Warning
	strict := createTestStore(t, WithSerializer(ser), WithStrict(true))
	lenient := createTestStore(t, WithSerializer(ser), WithWarningHandler(func(w Warning) {
		warnings = append(warnings, w)
	}))
	require.NotSame(t, ser, strict.Serializer())

	stored := value.Object{"title": value.String("w"), "extra": value.Int(1)}

	// Registered after the stores were built; every copy still sees it.
	require.NoError(t, ser.RegisterMigration(widgetType, 1, 3, func(d value.Object) (value.Object, error) {
		d.Rename("title", "label")
		return d, nil
	}))

	_, err := ser.Deserialize(widgetType, stored, 1)
	require.NoError(t, err, "shared serializer stays lenient")

	_, err = strict.Serializer().Deserialize(widgetType, stored, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown field "extra"`)

	m, err := lenient.Serializer().Deserialize(widgetType, stored, 1)
	require.NoError(t, err)
	assert.Equal(t, "w", m.(*widget).Label)
	require.Len(t, warnings, 1)
	assert.Equal(t, UnknownField, warnings[0].Kind)
}
