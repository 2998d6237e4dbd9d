package store

import (
	"errors"
	"fmt"
)

// ErrStore is matched by every error this package defines.
var ErrStore = errors.New("store error")

// Sentinel errors. Each one also matches ErrStore.
var (
	ErrNotFound          = sentinel("object not found")
	ErrTypeNotRegistered = sentinel("type not registered")
	ErrTypeMismatch      = sentinel("type mismatch")
	ErrSerialization     = sentinel("serialization failed")
	ErrTransaction       = sentinel("transaction failed")
	ErrNotTracked        = sentinel("object not tracked")
	ErrConfig            = sentinel("invalid configuration")
	ErrNotImplemented    = sentinel("not implemented")
	ErrInvalidPattern    = sentinel("invalid path pattern")

	// ErrClosed is returned by operations on a closed Store and by
	// Tracked.Store once the owning Store has been closed.
	ErrClosed = sentinel("store closed")
)

type storeSentinel struct{ msg string }

func sentinel(msg string) error { return &storeSentinel{msg: msg} }

func (e *storeSentinel) Error() string { return e.msg }

func (e *storeSentinel) Is(target error) bool { return target == ErrStore }

// NotFoundError is returned by Get and Delete when no object is stored at
// Path.
type NotFoundError struct {
	Path string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no object at path: %s", e.Path)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound || target == ErrStore
}

// TypeNotRegisteredError is returned when a loaded path matches no
// registered pattern.
type TypeNotRegisteredError struct {
	Path string
}

func (e *TypeNotRegisteredError) Error() string {
	return fmt.Sprintf("no type registered for path: %s", e.Path)
}

func (e *TypeNotRegisteredError) Is(target error) bool {
	return target == ErrTypeNotRegistered || target == ErrStore
}

// TypeMismatchError is returned when an object does not satisfy the type
// registered for its path.
type TypeMismatchError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("path %s expects %s, got %s", e.Path, e.Expected, e.Actual)
}

func (e *TypeMismatchError) Is(target error) bool {
	return target == ErrTypeMismatch || target == ErrStore
}

// SerializationError reports a value outside the JSON value union, a failed
// migrator, or an unknown field in strict mode.
type SerializationError struct {
	// Type is the model type being converted.
	Type string

	// Detail describes what failed.
	Detail string

	// Err is the underlying cause, if any.
	Err error
}

func (e *SerializationError) Error() string {
	msg := "serialization failed"
	if e.Type != "" {
		msg += " for " + e.Type
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SerializationError) Unwrap() error { return e.Err }

func (e *SerializationError) Is(target error) bool {
	return target == ErrSerialization || target == ErrStore
}

// TransactionError wraps a backend failure while beginning, committing or
// rolling back a transaction.
type TransactionError struct {
	Op   string
	TxID string
	Err  error
}

func (e *TransactionError) Error() string {
	if e.TxID != "" {
		return fmt.Sprintf("transaction %s (tx=%s): %v", e.Op, e.TxID, e.Err)
	}
	return fmt.Sprintf("transaction %s: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }

func (e *TransactionError) Is(target error) bool {
	return target == ErrTransaction || target == ErrStore
}

// NotTrackedError is returned when saving an object that was never stored
// in or loaded from the Store.
type NotTrackedError struct {
	Type string
}

func (e *NotTrackedError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("%s is not tracked by this store; store it with Set first", e.Type)
	}
	return "object is not tracked by this store; store it with Set first"
}

func (e *NotTrackedError) Is(target error) bool {
	return target == ErrNotTracked || target == ErrStore
}

// ConfigError is returned by Connect for a malformed or unknown URL.
type ConfigError struct {
	URL    string
	Detail string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid store url %q: %s", e.URL, e.Detail)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig || target == ErrStore
}

// NotImplementedError is returned by Connect for reserved schemes without a
// backend.
type NotImplementedError struct {
	Scheme string
}

func (e *NotImplementedError) Error() string {
	return fmt.Sprintf("%s backend not yet implemented", e.Scheme)
}

func (e *NotImplementedError) Is(target error) bool {
	return target == ErrNotImplemented || target == ErrStore
}

// IsStoreError reports whether err originates from this package.
func IsStoreError(err error) bool { return errors.Is(err, ErrStore) }

// IsNotFound reports whether err is a NotFoundError.
// Uses errors.Is to handle wrapped errors.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsTypeNotRegistered reports whether err is a TypeNotRegisteredError.
func IsTypeNotRegistered(err error) bool { return errors.Is(err, ErrTypeNotRegistered) }

// IsTypeMismatch reports whether err is a TypeMismatchError.
func IsTypeMismatch(err error) bool { return errors.Is(err, ErrTypeMismatch) }

// IsSerialization reports whether err is a SerializationError.
func IsSerialization(err error) bool { return errors.Is(err, ErrSerialization) }

// IsTransaction reports whether err is a TransactionError.
func IsTransaction(err error) bool { return errors.Is(err, ErrTransaction) }

// IsNotTracked reports whether err is a NotTrackedError.
func IsNotTracked(err error) bool { return errors.Is(err, ErrNotTracked) }
