package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/lattice/internal/backend"
	"github.com/roach88/lattice/internal/paths"
)

// Clock supplies timestamps for stored envelopes.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Store is a path-addressed object store over a Backend. It validates types
// against its TypeRegistry, converts models with its Serializer and keeps an
// identity map so repeated loads of a path return the same instance.
//
// A Store is not safe for concurrent use; callers sharing one must
// serialize access.
type Store struct {
	backend    backend.Backend
	registry   *TypeRegistry
	serializer *Serializer
	logger     *slog.Logger
	clock      Clock

	byPath  map[string]Model
	byModel map[Model]string

	tx     backend.Tx
	inTx   bool
	closed bool
}

// Option configures a Store.
type Option func(*options)

type options struct {
	logger         *slog.Logger
	clock          Clock
	serializer     *Serializer
	serializerOpts []SerializerOption
}

// WithLogger sets the logger for the Store and its default Serializer.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithClock sets the time source for CreatedAt and UpdatedAt.
func WithClock(clock Clock) Option {
	return func(o *options) { o.clock = clock }
}

// WithSerializer replaces the default Serializer, e.g. to share migrations.
// WithStrict and WithWarningHandler then apply to a derived copy, leaving
// the shared instance unchanged.
func WithSerializer(s *Serializer) Option {
	return func(o *options) { o.serializer = s }
}

// WithStrict makes unknown stored fields fail loads.
func WithStrict(strict bool) Option {
	return func(o *options) { o.serializerOpts = append(o.serializerOpts, Strict(strict)) }
}

// WithWarningHandler receives serializer warnings.
func WithWarningHandler(fn func(Warning)) Option {
	return func(o *options) { o.serializerOpts = append(o.serializerOpts, OnWarning(fn)) }
}

// New creates a Store over a connected backend. Use Connect to build both
// from a URL.
func New(b backend.Backend, opts ...Option) *Store {
	o := options{logger: slog.Default(), clock: systemClock{}}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.clock == nil {
		o.clock = systemClock{}
	}

	var ser *Serializer
	switch {
	case o.serializer == nil:
		ser = NewSerializer(append([]SerializerOption{WithSerializerLogger(o.logger)}, o.serializerOpts...)...)
	case len(o.serializerOpts) > 0:
		ser = o.serializer.Derive(o.serializerOpts...)
	default:
		ser = o.serializer
	}

	return &Store{
		backend:    b,
		registry:   NewTypeRegistry(),
		serializer: ser,
		logger:     o.logger,
		clock:      o.clock,
		byPath:     make(map[string]Model),
		byModel:    make(map[Model]string),
	}
}

// Backend returns the underlying backend.
func (s *Store) Backend() backend.Backend { return s.backend }

// Registry returns the Store's type registry.
func (s *Store) Registry() *TypeRegistry { return s.registry }

// Serializer returns the Store's serializer, e.g. to register migrations.
func (s *Store) Serializer() *Serializer { return s.serializer }

// RegisterType binds a path glob pattern to a model type.
//
// Example:
//
//	s.RegisterType("/Instruments/*", optionType)
//	s.RegisterType("/Positions/*/*", positionType)
func (s *Store) RegisterType(pattern string, typ *Type) error {
	return s.registry.Register(pattern, typ)
}

// Get returns the object at path. A path already in the identity map
// returns the same instance; otherwise it is loaded, migrated if its schema
// version is old, and cached.
func (s *Store) Get(ctx context.Context, path string) (Model, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if m, ok := s.byPath[path]; ok {
		return m, nil
	}

	stored, found, err := s.backend.Get(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", path, err)
	}
	if !found {
		return nil, &NotFoundError{Path: path}
	}

	typ, ok := s.registry.TypeFor(path)
	if !ok {
		return nil, &TypeNotRegisteredError{Path: path}
	}

	m, err := s.serializer.Deserialize(typ, stored.Data, stored.SchemaVersion)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("store get",
		"path", path,
		"type", typ.name,
		"version", stored.Version,
		"schema_version", stored.SchemaVersion,
	)
	s.track(path, m)
	return m, nil
}

// GetOr is Get that returns def when nothing is stored at path. Other
// errors are still returned.
func (s *Store) GetOr(ctx context.Context, path string, def Model) (Model, error) {
	m, err := s.Get(ctx, path)
	if IsNotFound(err) {
		return def, nil
	}
	return m, err
}

// Set writes m to path. The version is bumped from any existing envelope,
// whose CreatedAt is kept. m becomes tracked at path; if it was tracked
// elsewhere the old path is left in place.
func (s *Store) Set(ctx context.Context, path string, m Model) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("set %s: nil model", path)
	}
	typ := m.ModelType()
	if !s.registry.ValidatePath(path, m) {
		expected, _ := s.registry.TypeFor(path)
		return &TypeMismatchError{Path: path, Expected: expected.name, Actual: typ.name}
	}

	data, err := s.serializer.Serialize(m)
	if err != nil {
		return err
	}

	existing, found, err := s.backend.Get(ctx, path)
	if err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}

	now := s.clock.Now()
	obj := &backend.StoredObject{
		Path:          path,
		TypeName:      typ.name,
		Data:          data,
		Version:       1,
		SchemaVersion: s.serializer.SchemaVersion(typ),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if found {
		obj.Version = existing.Version + 1
		obj.CreatedAt = existing.CreatedAt
	}

	if err := s.backend.Put(ctx, obj); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}

	s.logger.Debug("store set",
		"path", path,
		"type", typ.name,
		"version", obj.Version,
		"schema_version", obj.SchemaVersion,
	)
	s.track(path, m)
	return nil
}

// Delete removes the object at path. An identity-mapped object there loses
// its path-awareness.
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	removed, err := s.backend.Delete(ctx, path)
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	if !removed {
		return &NotFoundError{Path: path}
	}

	if m, ok := s.byPath[path]; ok {
		delete(s.byPath, path)
		if s.byModel[m] == path {
			delete(s.byModel, m)
		}
		if tr := m.tracking(); tr.owner == s && tr.path == path {
			tr.detach()
		}
	}
	s.logger.Debug("store delete", "path", path)
	return nil
}

// Contains reports whether an object is stored at path.
func (s *Store) Contains(ctx context.Context, path string) (bool, error) {
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	ok, err := s.backend.Exists(ctx, path)
	if err != nil {
		return false, fmt.Errorf("contains %s: %w", path, err)
	}
	return ok, nil
}

// Save writes m back to the path it is tracked at in this Store's identity
// map.
func (s *Store) Save(ctx context.Context, m Model) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if m == nil {
		return &NotTrackedError{}
	}
	path, ok := s.byModel[m]
	if !ok {
		return &NotTrackedError{Type: m.ModelType().name}
	}
	return s.Set(ctx, path, m)
}

// PathOf returns the path m is tracked at.
func (s *Store) PathOf(m Model) (string, bool) {
	path, ok := s.byModel[m]
	return path, ok
}

// New constructs a default instance of typ and stores it at path.
func (s *Store) New(ctx context.Context, typ *Type, path string) (Model, error) {
	m := typ.New()
	if err := s.Set(ctx, path, m); err != nil {
		return nil, err
	}
	return m, nil
}

// List returns the paths under prefix, direct children unless recursive.
func (s *Store) List(ctx context.Context, prefix string, recursive bool) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	out, err := s.backend.List(ctx, prefix, recursive)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	return out, nil
}

// Query returns the paths matching a glob pattern such as
// "/Instruments/AAPL_*".
func (s *Store) Query(ctx context.Context, pattern string) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if _, err := paths.Compile(pattern); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPattern, err)
	}
	out, err := s.backend.Query(ctx, pattern)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", pattern, err)
	}
	return out, nil
}

// Transaction runs fn in a backend transaction, committing if it returns
// nil. If fn fails or panics the transaction is rolled back and the identity
// map cleared, since cached objects may no longer match the backend; a
// panic is re-raised afterwards.
//
// Calls nested inside a running transaction join it. Against a backend
// without transaction support fn simply runs.
func (s *Store) Transaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.inTx {
		return fn(ctx)
	}
	if !s.backend.SupportsTransactions() {
		s.logger.Debug("backend has no transactions, running inline")
		return fn(ctx)
	}

	tx, err := s.backend.Begin(ctx)
	if err != nil {
		return &TransactionError{Op: "begin", Err: err}
	}
	s.inTx = true
	s.tx = tx
	s.logger.Debug("transaction begin", "tx", tx.ID())

	finished := false
	defer func() {
		s.inTx = false
		s.tx = nil
		if finished {
			return
		}

		r := recover()
		if rbErr := s.backend.Rollback(ctx, tx); rbErr != nil {
			s.logger.Warn("transaction rollback failed", "tx", tx.ID(), "error", rbErr)
			if r == nil {
				err = errors.Join(err, &TransactionError{Op: "rollback", TxID: tx.ID(), Err: rbErr})
			}
		}
		s.clearMaps()
		s.logger.Debug("transaction rolled back", "tx", tx.ID())
		if r != nil {
			panic(r)
		}
	}()

	if err := fn(ctx); err != nil {
		return err
	}

	finished = true
	if err := s.backend.Commit(ctx, tx); err != nil {
		s.clearMaps()
		return &TransactionError{Op: "commit", TxID: tx.ID(), Err: err}
	}
	s.logger.Debug("transaction commit", "tx", tx.ID())
	return nil
}

// InTransaction reports whether a Transaction call is running.
func (s *Store) InTransaction() bool { return s.inTx }

// ClearCache empties the identity map so the next Get reloads. Loaded
// objects keep their path-awareness and can still Save themselves.
func (s *Store) ClearCache() {
	s.clearMaps()
}

// Close closes the backend and clears the identity map. Objects tracked by
// this Store report ErrClosed from then on. Closing twice is a no-op.
func (s *Store) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.clearMaps()
	if err := s.backend.Close(); err != nil {
		return fmt.Errorf("close backend: %w", err)
	}
	return nil
}

func (s *Store) checkOpen() error {
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *Store) track(path string, m Model) {
	s.byPath[path] = m
	s.byModel[m] = path
	m.tracking().attach(s, path, m)
}

func (s *Store) clearMaps() {
	clear(s.byPath)
	clear(s.byModel)
}

// Load is Get with the result asserted to M.
func Load[M Model](ctx context.Context, s *Store, path string) (M, error) {
	var zero M
	m, err := s.Get(ctx, path)
	if err != nil {
		return zero, err
	}
	typed, ok := m.(M)
	if !ok {
		return zero, &TypeMismatchError{Path: path, Expected: fmt.Sprintf("%T", zero), Actual: m.ModelType().name}
	}
	return typed, nil
}

// Create is New with the result asserted to M.
func Create[M Model](ctx context.Context, s *Store, typ *Type, path string) (M, error) {
	var zero M
	m, err := s.New(ctx, typ, path)
	if err != nil {
		return zero, err
	}
	typed, ok := m.(M)
	if !ok {
		return zero, &TypeMismatchError{Path: path, Expected: fmt.Sprintf("%T", zero), Actual: m.ModelType().name}
	}
	return typed, nil
}
