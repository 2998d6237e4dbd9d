package backend

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/roach88/lattice/internal/paths"
)

// Memory is a process-local backend for tests and scratch work.
// Data is lost on Close.
//
// Transactions snapshot the map on Begin and restore it on Rollback. Writes
// land in the live map immediately, so other callers sharing the instance
// see uncommitted data.
type Memory struct {
	mu        sync.RWMutex
	data      map[string]*StoredObject
	connected bool
	tx        *memoryTx
}

type memoryTx struct {
	id       string
	snapshot map[string]*StoredObject
}

func (t *memoryTx) ID() string { return t.id }

var _ Backend = (*Memory)(nil)

// NewMemory creates an unconnected in-memory backend.
func NewMemory() *Memory {
	return &Memory{data: make(map[string]*StoredObject)}
}

// Connect implements Backend.
func (m *Memory) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connected {
		return nil
	}
	if m.data == nil {
		m.data = make(map[string]*StoredObject)
	}
	m.connected = true
	return nil
}

// Close implements Backend and discards all data.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = make(map[string]*StoredObject)
	m.tx = nil
	m.connected = false
	return nil
}

// Get implements Backend.
func (m *Memory) Get(ctx context.Context, path string) (*StoredObject, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, false, ErrNotConnected
	}
	obj, ok := m.data[path]
	if !ok {
		return nil, false, nil
	}
	return obj.Clone(), true, nil
}

// Put implements Backend.
func (m *Memory) Put(ctx context.Context, obj *StoredObject) error {
	if obj == nil {
		return fmt.Errorf("memory put: nil object")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return ErrNotConnected
	}
	cp := obj.Clone()
	cp.normalize()
	m.data[cp.Path] = cp
	return nil
}

// Delete implements Backend.
func (m *Memory) Delete(ctx context.Context, path string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return false, ErrNotConnected
	}
	if _, ok := m.data[path]; !ok {
		return false, nil
	}
	delete(m.data, path)
	return true, nil
}

// Exists implements Backend.
func (m *Memory) Exists(ctx context.Context, path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return false, ErrNotConnected
	}
	_, ok := m.data[path]
	return ok, nil
}

// List implements Backend.
func (m *Memory) List(ctx context.Context, prefix string, recursive bool) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, ErrNotConnected
	}
	prefix = paths.NormalizePrefix(prefix)
	out := []string{}
	for _, p := range m.sortedPaths() {
		if paths.UnderPrefix(p, prefix, recursive) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Query implements Backend.
func (m *Memory) Query(ctx context.Context, pattern string) ([]string, error) {
	pat, err := paths.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("memory query: %w", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.connected {
		return nil, ErrNotConnected
	}
	out := []string{}
	for _, p := range m.sortedPaths() {
		if pat.Match(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *Memory) sortedPaths() []string {
	return slices.Sorted(maps.Keys(m.data))
}

// SupportsTransactions implements Backend.
func (m *Memory) SupportsTransactions() bool { return true }

// Begin implements Backend by taking a shallow snapshot of the map.
// Envelopes are never mutated in place, so sharing them is safe.
func (m *Memory) Begin(ctx context.Context) (Tx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, ErrNotConnected
	}
	if m.tx != nil {
		return nil, ErrTxActive
	}
	m.tx = &memoryTx{id: newTxID(), snapshot: maps.Clone(m.data)}
	return m.tx, nil
}

// Commit implements Backend. Writes already landed, so it only drops the
// snapshot.
func (m *Memory) Commit(ctx context.Context, tx Tx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.activeTx(tx); err != nil {
		return err
	}
	m.tx = nil
	return nil
}

// Rollback implements Backend by restoring the snapshot taken at Begin.
func (m *Memory) Rollback(ctx context.Context, tx Tx) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	mt, err := m.activeTx(tx)
	if err != nil {
		return err
	}
	m.data = mt.snapshot
	m.tx = nil
	return nil
}

func (m *Memory) activeTx(tx Tx) (*memoryTx, error) {
	mt, ok := tx.(*memoryTx)
	if !ok || mt == nil || mt != m.tx {
		return nil, ErrUnknownTx
	}
	return mt, nil
}
