package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/roach88/lattice/internal/paths"
)

var objectsBucket = []byte("objects")

// Bolt stores envelopes in a bbolt file: one bucket, keyed by path, with the
// JSON-encoded envelope as value. Keys are byte-ordered, so listings come
// back sorted without extra work.
//
// bbolt allows a single writable transaction at a time. While one is open
// through Begin every operation runs inside it.
type Bolt struct {
	path    string
	timeout time.Duration
	db      *bbolt.DB
	tx      *boltTx
}

type boltTx struct {
	id string
	tx *bbolt.Tx
}

func (t *boltTx) ID() string { return t.id }

var _ Backend = (*Bolt)(nil)

// NewBolt creates an unconnected backend for the bbolt file at path.
func NewBolt(path string) *Bolt {
	return &Bolt{path: path, timeout: 5 * time.Second}
}

// Path returns the database file location.
func (b *Bolt) Path() string {
	return b.path
}

// Connect opens the file (creating it if needed) and ensures the bucket.
func (b *Bolt) Connect(ctx context.Context) error {
	if b.db != nil {
		return nil
	}

	slog.Debug("bolt backend - open", "path", b.path)

	db, err := bbolt.Open(b.path, 0600, &bbolt.Options{Timeout: b.timeout})
	if err != nil {
		return fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(objectsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create bucket: %w", err)
	}

	b.db = db
	return nil
}

// Close implements Backend. An open transaction is rolled back.
func (b *Bolt) Close() error {
	if b.db == nil {
		return nil
	}
	if b.tx != nil {
		_ = b.tx.tx.Rollback()
		b.tx = nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

// view runs fn read-only, inside the open transaction if there is one.
func (b *Bolt) view(fn func(bucket *bbolt.Bucket) error) error {
	if b.db == nil {
		return ErrNotConnected
	}
	if b.tx != nil {
		return fn(b.tx.tx.Bucket(objectsBucket))
	}
	return b.db.View(func(tx *bbolt.Tx) error {
		return fn(tx.Bucket(objectsBucket))
	})
}

// update runs fn writable, inside the open transaction if there is one.
func (b *Bolt) update(fn func(bucket *bbolt.Bucket) error) error {
	if b.db == nil {
		return ErrNotConnected
	}
	if b.tx != nil {
		return fn(b.tx.tx.Bucket(objectsBucket))
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return fn(tx.Bucket(objectsBucket))
	})
}

// Get implements Backend.
func (b *Bolt) Get(ctx context.Context, path string) (*StoredObject, bool, error) {
	var obj *StoredObject
	err := b.view(func(bucket *bbolt.Bucket) error {
		raw := bucket.Get([]byte(path))
		if raw == nil {
			return nil
		}
		obj = &StoredObject{}
		return json.Unmarshal(raw, obj)
	})
	if err != nil {
		return nil, false, fmt.Errorf("bolt get %q: %w", path, err)
	}
	if obj == nil {
		return nil, false, nil
	}
	obj.normalize()
	return obj, true, nil
}

// Put implements Backend.
func (b *Bolt) Put(ctx context.Context, obj *StoredObject) error {
	if obj == nil {
		return fmt.Errorf("bolt put: nil object")
	}
	cp := *obj
	cp.normalize()
	raw, err := json.Marshal(&cp)
	if err != nil {
		return fmt.Errorf("bolt put %q: encode: %w", cp.Path, err)
	}
	err = b.update(func(bucket *bbolt.Bucket) error {
		return bucket.Put([]byte(cp.Path), raw)
	})
	if err != nil {
		return fmt.Errorf("bolt put %q: %w", cp.Path, err)
	}
	return nil
}

// Delete implements Backend.
func (b *Bolt) Delete(ctx context.Context, path string) (bool, error) {
	var removed bool
	err := b.update(func(bucket *bbolt.Bucket) error {
		key := []byte(path)
		if bucket.Get(key) == nil {
			return nil
		}
		removed = true
		return bucket.Delete(key)
	})
	if err != nil {
		return false, fmt.Errorf("bolt delete %q: %w", path, err)
	}
	return removed, nil
}

// Exists implements Backend.
func (b *Bolt) Exists(ctx context.Context, path string) (bool, error) {
	var found bool
	err := b.view(func(bucket *bbolt.Bucket) error {
		found = bucket.Get([]byte(path)) != nil
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("bolt exists %q: %w", path, err)
	}
	return found, nil
}

// List implements Backend with a cursor seek on the prefix.
func (b *Bolt) List(ctx context.Context, prefix string, recursive bool) ([]string, error) {
	prefix = paths.NormalizePrefix(prefix)
	out := []string{}
	err := b.view(func(bucket *bbolt.Bucket) error {
		c := bucket.Cursor()
		pfx := []byte(prefix)
		for k, _ := c.Seek(pfx); k != nil && bytes.HasPrefix(k, pfx); k, _ = c.Next() {
			if p := string(k); paths.UnderPrefix(p, prefix, recursive) {
				out = append(out, p)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bolt list %q: %w", prefix, err)
	}
	return out, nil
}

// Query implements Backend by scanning every key.
func (b *Bolt) Query(ctx context.Context, pattern string) ([]string, error) {
	pat, err := paths.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("bolt query: %w", err)
	}
	out := []string{}
	err = b.view(func(bucket *bbolt.Bucket) error {
		return bucket.ForEach(func(k, _ []byte) error {
			if p := string(k); pat.Match(p) {
				out = append(out, p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("bolt query %q: %w", pattern, err)
	}
	return out, nil
}

// SupportsTransactions implements Backend.
func (b *Bolt) SupportsTransactions() bool { return true }

// Begin implements Backend by opening a writable bbolt transaction.
func (b *Bolt) Begin(ctx context.Context) (Tx, error) {
	if b.db == nil {
		return nil, ErrNotConnected
	}
	if b.tx != nil {
		return nil, ErrTxActive
	}
	tx, err := b.db.Begin(true)
	if err != nil {
		return nil, fmt.Errorf("bolt begin: %w", err)
	}
	b.tx = &boltTx{id: newTxID(), tx: tx}
	return b.tx, nil
}

// Commit implements Backend.
func (b *Bolt) Commit(ctx context.Context, tx Tx) error {
	bt, err := b.activeTx(tx)
	if err != nil {
		return err
	}
	b.tx = nil
	if err := bt.tx.Commit(); err != nil {
		return fmt.Errorf("bolt commit: %w", err)
	}
	return nil
}

// Rollback implements Backend.
func (b *Bolt) Rollback(ctx context.Context, tx Tx) error {
	bt, err := b.activeTx(tx)
	if err != nil {
		return err
	}
	b.tx = nil
	if err := bt.tx.Rollback(); err != nil {
		return fmt.Errorf("bolt rollback: %w", err)
	}
	return nil
}

func (b *Bolt) activeTx(tx Tx) (*boltTx, error) {
	bt, ok := tx.(*boltTx)
	if !ok || bt == nil || bt != b.tx {
		return nil, ErrUnknownTx
	}
	return bt, nil
}
