package backend

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	// ErrNotConnected is returned by operations on a backend before Connect
	// or after Close.
	ErrNotConnected = errors.New("backend not connected")

	// ErrTxActive is returned by Begin while another transaction is open.
	ErrTxActive = errors.New("transaction already active")

	// ErrUnknownTx is returned when committing or rolling back a handle that
	// is not the backend's active transaction.
	ErrUnknownTx = errors.New("unknown or finished transaction")
)

// Backend is the storage contract the Store builds on. Backends see paths as
// opaque keys; typing and serialization happen above them.
//
// All listings are returned in lexicographic order.
type Backend interface {
	// Connect establishes resources. Calling it again on a connected
	// backend is a no-op.
	Connect(ctx context.Context) error

	// Close releases resources. Subsequent calls return nil.
	Close() error

	// Get returns the envelope at path, or false if there is none.
	Get(ctx context.Context, path string) (*StoredObject, bool, error)

	// Put upserts obj at obj.Path.
	Put(ctx context.Context, obj *StoredObject) error

	// Delete removes path and reports whether anything was removed.
	Delete(ctx context.Context, path string) (bool, error)

	// Exists reports whether path holds an envelope.
	Exists(ctx context.Context, path string) (bool, error)

	// List returns paths under prefix. Without recursive only direct
	// children (no further separator after the prefix) are returned.
	List(ctx context.Context, prefix string, recursive bool) ([]string, error)

	// Query returns every stored path matching the glob pattern.
	Query(ctx context.Context, pattern string) ([]string, error)

	// SupportsTransactions reports whether Begin/Commit/Rollback give
	// all-or-nothing semantics. When false they are no-ops.
	SupportsTransactions() bool

	Begin(ctx context.Context) (Tx, error)
	Commit(ctx context.Context, tx Tx) error
	Rollback(ctx context.Context, tx Tx) error
}

// Tx is an open transaction handle.
type Tx interface {
	// ID identifies the transaction in logs.
	ID() string
}

type txID string

func (id txID) ID() string { return string(id) }

// newTxID returns a time-sortable transaction identifier.
func newTxID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NoTransactions can be embedded by backends without atomic multi-write
// support. The store still runs transaction blocks against them, just
// without atomicity or isolation.
type NoTransactions struct{}

// SupportsTransactions implements Backend.
func (NoTransactions) SupportsTransactions() bool { return false }

// Begin implements Backend and returns a handle that carries only an ID.
func (NoTransactions) Begin(context.Context) (Tx, error) { return txID(newTxID()), nil }

// Commit implements Backend as a no-op.
func (NoTransactions) Commit(context.Context, Tx) error { return nil }

// Rollback implements Backend as a no-op.
func (NoTransactions) Rollback(context.Context, Tx) error { return nil }
