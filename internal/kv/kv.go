// Package kv gives concrete, in-scope backing to the C1 "Store"
// spec.md treats as a black-box ordered map with MVCC transactions and
// reference-counted subtrees. It wraps go.etcd.io/bbolt, an embedded
// copy-on-write B+tree — the closest Go analogue to libpijul's
// sanakirja: single mutating writer, any number of concurrent read
// snapshots, atomic commit, nested buckets standing in for
// reference-counted subtrees (SPEC_FULL.md §6).
//
// Constructor and pooling conventions are grounded on the teacher's
// internal/storage/sqlite.go (NewXStore(path, logger) with directory
// creation and schema/bucket initialization) and
// internal/graph/neo4j_client.go (logger-carrying client wrapper).
package kv

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/rohankatakam/pijugo/internal/logging"
	"github.com/rohankatakam/pijugo/internal/perr"
)

// DB is a transactional ordered-map store rooted at a single file.
type DB struct {
	bolt   *bolt.DB
	path   string
	logger *logging.Logger
}

// Open opens (creating if absent) the store file at path. initialMapSize
// is advisory under bbolt (which grows its mmap automatically): it is
// only written to the log, not stored on the DB (spec.md §5, §9).
func Open(path string, initialMapSize int64, logger *logging.Logger) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, perr.StorageError(err, "create store directory").WithContext("dir", dir)
	}

	b, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, perr.StorageError(err, "open store").WithContext("path", path)
	}

	if logger != nil {
		logger.Info("store opened", "path", path, "initial_map_size", initialMapSize)
	}

	return &DB{bolt: b, path: path, logger: logger}, nil
}

// Close releases the underlying file lock (spec.md §5 "Opening a
// mutating transaction may block on the file lock").
func (d *DB) Close() error {
	if err := d.bolt.Close(); err != nil {
		return perr.StorageError(err, "close store")
	}
	return nil
}

// View runs fn in a read-only MVCC snapshot. Concurrent Views never
// block each other or a future mutator (spec.md §5).
func (d *DB) View(fn func(tx *Tx) error) error {
	err := d.bolt.View(func(btx *bolt.Tx) error {
		return fn(&Tx{bolt: btx})
	})
	return wrapTxError(err)
}

// Update runs fn inside the single mutating transaction bbolt
// serializes via its writer lock; commit fsyncs, abort discards all
// writes (spec.md §4.3 "Failure semantics", §5 "Commit performs fsync").
func (d *DB) Update(fn func(tx *Tx) error) error {
	err := d.bolt.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{bolt: btx})
	})
	return wrapTxError(err)
}

// Grow attempts to pre-extend the store file ahead of a retried
// transaction, the Go-idiomatic reading of "grow the map and retry"
// for a store that otherwise grows its mmap transparently (SPEC_FULL.md §6).
func (d *DB) Grow(targetSize int64) error {
	return d.bolt.Update(func(tx *bolt.Tx) error {
		// A no-op write forces bbolt to evaluate its free list and, if
		// the requested size exceeds the current file, grow on next alloc.
		_, err := tx.CreateBucketIfNotExists([]byte("__grow_sentinel__"))
		return err
	})
}

// Path returns the store file path.
func (d *DB) Path() string { return d.path }

func wrapTxError(err error) error {
	if err == nil {
		return nil
	}
	if pe, ok := err.(*perr.Error); ok {
		return pe
	}
	if errors.Is(err, bolt.ErrDatabaseNotOpen) || errors.Is(err, bolt.ErrTimeout) {
		return perr.StorageError(err, "store unavailable")
	}
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return perr.NotEnoughSpace(err)
	}
	return perr.StorageError(err, "store transaction failed")
}

// Tx is a single store transaction, read-only or mutating depending
// on how it was obtained from DB.View/DB.Update.
type Tx struct {
	bolt *bolt.Tx
}

// Bucket descends through nested buckets following path, the
// "subtree forking" mechanism of spec.md §6.3 (e.g. branches/<name>/nodes).
// On a read-only Tx a missing bucket yields (nil, nil) — callers treat
// a nil Bucket as empty rather than as an error. On a mutating Tx,
// missing buckets are created.
func (t *Tx) Bucket(path ...string) (*Bucket, error) {
	if len(path) == 0 {
		return nil, fmt.Errorf("kv: empty bucket path")
	}

	if t.bolt.Writable() {
		b, err := t.bolt.CreateBucketIfNotExists([]byte(path[0]))
		if err != nil {
			return nil, perr.StorageError(err, "create bucket").WithContext("bucket", path[0])
		}
		for _, seg := range path[1:] {
			b, err = b.CreateBucketIfNotExists([]byte(seg))
			if err != nil {
				return nil, perr.StorageError(err, "create bucket").WithContext("bucket", seg)
			}
		}
		return &Bucket{bolt: b}, nil
	}

	b := t.bolt.Bucket([]byte(path[0]))
	for _, seg := range path[1:] {
		if b == nil {
			return nil, nil
		}
		b = b.Bucket([]byte(seg))
	}
	if b == nil {
		return nil, nil
	}
	return &Bucket{bolt: b}, nil
}

// DeleteBucket removes the leaf bucket named by path, dropping its
// reference count along with its parent's entry for it.
func (t *Tx) DeleteBucket(path ...string) error {
	if len(path) == 0 {
		return fmt.Errorf("kv: empty bucket path")
	}
	if len(path) == 1 {
		if err := t.bolt.DeleteBucket([]byte(path[0])); err != nil && err != bolt.ErrBucketNotFound {
			return perr.StorageError(err, "delete bucket").WithContext("bucket", path[0])
		}
		return nil
	}
	parent, err := t.Bucket(path[:len(path)-1]...)
	if err != nil {
		return err
	}
	if parent == nil {
		return nil
	}
	leaf := path[len(path)-1]
	if err := parent.bolt.DeleteBucket([]byte(leaf)); err != nil && err != bolt.ErrBucketNotFound {
		return perr.StorageError(err, "delete bucket").WithContext("bucket", leaf)
	}
	return nil
}

// Bucket is one ordered byte-key-to-byte-value table (spec.md §4.2's
// nine root maps are each one Bucket, branch-scoped ones nested under
// branches/<name>/...).
type Bucket struct {
	bolt *bolt.Bucket
}

// Get returns the value stored under key, or nil if absent. The
// returned slice is only valid for the lifetime of the transaction;
// callers that retain it must copy.
func (b *Bucket) Get(key []byte) []byte {
	if b == nil {
		return nil
	}
	return b.bolt.Get(key)
}

// Put stores value under key, overwriting any prior value.
func (b *Bucket) Put(key, value []byte) error {
	if err := b.bolt.Put(key, value); err != nil {
		return perr.StorageError(err, "put")
	}
	return nil
}

// PutIfAbsent stores value under key only if key is not already
// present, reporting whether the insert happened.
func (b *Bucket) PutIfAbsent(key, value []byte) (inserted bool, err error) {
	if b.bolt.Get(key) != nil {
		return false, nil
	}
	if err := b.bolt.Put(key, value); err != nil {
		return false, perr.StorageError(err, "put")
	}
	return true, nil
}

// Delete removes key, a no-op if it is absent.
func (b *Bucket) Delete(key []byte) error {
	if err := b.bolt.Delete(key); err != nil {
		return perr.StorageError(err, "delete")
	}
	return nil
}

// Range scans entries in byte order starting at (or after) prefix,
// calling fn for each; Range stops as soon as fn returns false or a
// non-nil error — the "take-while on a sorted table" pattern spec.md
// §4.2/§9 requires, with the monotone stop predicate supplied by fn.
func (b *Bucket) Range(prefix []byte, fn func(key, value []byte) (bool, error)) error {
	if b == nil {
		return nil
	}
	c := b.bolt.Cursor()
	for k, v := c.Seek(prefix); k != nil; k, v = c.Next() {
		cont, err := fn(k, v)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// ForEach iterates every entry in byte order.
func (b *Bucket) ForEach(fn func(key, value []byte) error) error {
	if b == nil {
		return nil
	}
	return b.bolt.ForEach(fn)
}

// NestedBucketNames lists the names of buckets directly nested under b
// (used to enumerate branches, spec.md §6.3 "Enumerate branches").
func (b *Bucket) NestedBucketNames() []string {
	if b == nil {
		return nil
	}
	var names []string
	_ = b.bolt.ForEach(func(k, v []byte) error {
		// bbolt represents a nested bucket as a (key, nil-value) entry.
		if v == nil {
			names = append(names, string(k))
		}
		return nil
	})
	return names
}
