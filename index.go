package oil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/google/btree"

	"github.com/hupe1980/oil/internal/wal"
)

type indexEntry struct {
	key   string
	value []byte
}

func lessIndexEntry(a, b indexEntry) bool { return a.key < b.key }

// Index is a durable ordered map from string keys to byte values.
//
// Values are copied on the way in and on the way out. A nil value returned
// by Get, Put or Remove means the key was absent; a stored value is never
// nil, though it may be empty.
//
// An Index is safe for concurrent use. It is valid until the database is
// closed; afterwards every method returns ErrClosed.
type Index struct {
	db      *Database
	id      uint32
	name    string
	session uint64
	logger  *Logger

	mu   sync.RWMutex
	tree *btree.BTreeG[indexEntry]
}

func newIndex(db *Database, id uint32, name string) *Index {
	return &Index{
		db:      db,
		id:      id,
		name:    name,
		session: db.session,
		logger:  db.logger.WithCollection(CollectionIndex, name, id),
		tree:    btree.NewG(16, lessIndexEntry),
	}
}

// Name returns the index name.
func (ix *Index) Name() string { return ix.name }

// ID returns the id the catalog assigned to the index.
func (ix *Index) ID() uint32 { return ix.id }

func (ix *Index) observe(op string, start time.Time, err error) error {
	ix.db.opts.metricsCollector.RecordOperation(CollectionIndex, op, time.Since(start), err)
	ix.logger.LogOperation(context.Background(), "index "+op, err)
	return err
}

// Get returns the value stored under key, or nil.
func (ix *Index) Get(key string) ([]byte, error) {
	release, err := ix.db.acquireShared(ix.session)
	if err != nil {
		return nil, err
	}
	defer release()

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	e, ok := ix.tree.Get(indexEntry{key: key})
	if !ok {
		return nil, nil
	}
	return bytes.Clone(e.value), nil
}

// ContainsKey reports whether key is present.
func (ix *Index) ContainsKey(key string) (bool, error) {
	release, err := ix.db.acquireShared(ix.session)
	if err != nil {
		return false, err
	}
	defer release()

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.tree.Has(indexEntry{key: key}), nil
}

// Size returns the number of keys.
func (ix *Index) Size() (int, error) {
	release, err := ix.db.acquireShared(ix.session)
	if err != nil {
		return 0, err
	}
	defer release()
	return ix.len(), nil
}

// IsEmpty reports whether the index holds no keys.
func (ix *Index) IsEmpty() (bool, error) {
	n, err := ix.Size()
	return n == 0, err
}

func (ix *Index) len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.tree.Len()
}

// Put stores value under key and returns the previous value, or nil.
//
// Storing a value equal to the current one writes nothing to the log.
func (ix *Index) Put(key string, value []byte) ([]byte, error) {
	if value == nil {
		return nil, fmt.Errorf("%w: nil value for key %q", ErrInvalidArgument, key)
	}
	release, err := ix.db.acquireShared(ix.session)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	ix.mu.Lock()
	defer ix.mu.Unlock()

	prev, err := ix.put(key, value)
	return prev, ix.observe("put", start, err)
}

// put logs and applies a Put. Caller holds the write lock.
func (ix *Index) put(key string, value []byte) ([]byte, error) {
	old, ok := ix.tree.Get(indexEntry{key: key})
	if ok && bytes.Equal(old.value, value) {
		return bytes.Clone(old.value), nil
	}

	if err := ix.db.append(&wal.Record{
		Kind:       wal.KindIndexPut,
		Collection: ix.id,
		Key:        key,
		Value:      value,
	}); err != nil {
		return nil, err
	}

	ix.tree.ReplaceOrInsert(indexEntry{key: key, value: bytes.Clone(value)})
	if !ok {
		return nil, nil
	}
	return old.value, nil
}

// Remove deletes key and returns the removed value, or nil if it was
// absent. Only an actual removal is logged.
func (ix *Index) Remove(key string) ([]byte, error) {
	release, err := ix.db.acquireShared(ix.session)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if !ix.tree.Has(indexEntry{key: key}) {
		return nil, nil
	}
	prev, err := ix.remove(key)
	return prev, ix.observe("remove", start, err)
}

// remove logs and applies a Remove of a present key. Caller holds the
// write lock.
func (ix *Index) remove(key string) ([]byte, error) {
	if err := ix.db.append(&wal.Record{
		Kind:       wal.KindIndexRemove,
		Collection: ix.id,
		Key:        key,
	}); err != nil {
		return nil, err
	}
	old, _ := ix.tree.Delete(indexEntry{key: key})
	return old.value, nil
}

// Clear removes every key. It always writes one record.
func (ix *Index) Clear() error {
	release, err := ix.db.acquireShared(ix.session)
	if err != nil {
		return err
	}
	defer release()

	start := time.Now()
	ix.mu.Lock()
	defer ix.mu.Unlock()

	err = ix.db.append(&wal.Record{Kind: wal.KindIndexClear, Collection: ix.id})
	if err == nil {
		ix.tree.Clear(false)
	}
	return ix.observe("clear", start, err)
}

// apply replays a record. The database lock is held exclusively.
func (ix *Index) apply(rec *wal.Record) error {
	switch rec.Kind {
	case wal.KindIndexPut:
		ix.tree.ReplaceOrInsert(indexEntry{key: rec.Key, value: rec.Value})
	case wal.KindIndexRemove:
		ix.tree.Delete(indexEntry{key: rec.Key})
	case wal.KindIndexClear:
		ix.tree.Clear(false)
	default:
		return fmt.Errorf("%w: %s record for index %q", errUnknownCollection, rec.Kind, ix.name)
	}
	return nil
}

// writeAll writes one Put per entry in key order.
func (ix *Index) writeAll(w *wal.Writer, progress *progressCounter) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var err error
	ix.tree.Ascend(func(e indexEntry) bool {
		err = w.Write(&wal.Record{
			Kind:       wal.KindIndexPut,
			Collection: ix.id,
			Key:        e.key,
			Value:      e.value,
		})
		progress.add(1)
		return err == nil
	})
	return err
}

// Iterator returns an iterator positioned before the first key.
func (ix *Index) Iterator() *IndexIterator {
	return &IndexIterator{ix: ix}
}

// All yields every entry in key order. Iteration takes locks per step, see
// IndexIterator; it ends early if the database is closed.
func (ix *Index) All() iter.Seq2[string, []byte] {
	return func(yield func(string, []byte) bool) {
		it := ix.Iterator()
		for {
			ok, err := it.Next()
			if err != nil || !ok {
				return
			}
			v, err := it.Value()
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return
			}
			if !yield(it.key, v) {
				return
			}
		}
	}
}

// IndexIterator walks an index in key order.
//
// No lock is held between calls: each step locks, finds the smallest key
// after the last one visited, and unlocks. Keys added or removed by other
// goroutines ahead of the cursor may or may not be seen. Iteration is not a
// snapshot.
type IndexIterator struct {
	ix      *Index
	started bool
	key     string
	current bool
}

// Next advances to the next key. It returns false at the end.
func (it *IndexIterator) Next() (bool, error) {
	release, err := it.ix.db.acquireShared(it.ix.session)
	if err != nil {
		return false, err
	}
	defer release()

	it.ix.mu.RLock()
	defer it.ix.mu.RUnlock()

	found := false
	it.ix.tree.AscendGreaterOrEqual(indexEntry{key: it.key}, func(e indexEntry) bool {
		if it.started && e.key == it.key {
			return true
		}
		it.key = e.key
		found = true
		return false
	})
	it.started = true
	it.current = found
	return found, nil
}

// Key returns the current key.
func (it *IndexIterator) Key() (string, error) {
	if !it.current {
		return "", ErrIllegalIteratorState
	}
	return it.key, nil
}

// Value returns the current value. ErrNotFound means another goroutine
// removed the key since Next.
func (it *IndexIterator) Value() ([]byte, error) {
	if !it.current {
		return nil, ErrIllegalIteratorState
	}
	v, err := it.ix.Get(it.key)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("%w: key %q", ErrNotFound, it.key)
	}
	return v, nil
}

// SetValue replaces the current value.
func (it *IndexIterator) SetValue(value []byte) error {
	if !it.current {
		return ErrIllegalIteratorState
	}
	if value == nil {
		return fmt.Errorf("%w: nil value for key %q", ErrInvalidArgument, it.key)
	}

	ix := it.ix
	release, err := ix.db.acquireShared(ix.session)
	if err != nil {
		return err
	}
	defer release()

	start := time.Now()
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if !ix.tree.Has(indexEntry{key: it.key}) {
		return fmt.Errorf("%w: key %q", ErrNotFound, it.key)
	}
	_, err = ix.put(it.key, value)
	return ix.observe("put", start, err)
}

// Remove deletes the current entry. Afterwards every accessor fails with
// ErrIllegalIteratorState until Next is called.
func (it *IndexIterator) Remove() error {
	if !it.current {
		return ErrIllegalIteratorState
	}

	ix := it.ix
	release, err := ix.db.acquireShared(ix.session)
	if err != nil {
		return err
	}
	defer release()

	start := time.Now()
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if !ix.tree.Has(indexEntry{key: it.key}) {
		it.current = false
		return fmt.Errorf("%w: key %q", ErrNotFound, it.key)
	}
	if _, err := ix.remove(it.key); err != nil {
		return ix.observe("remove", start, err)
	}
	it.current = false
	return ix.observe("remove", start, nil)
}

// IsRemoved reports whether the iterator has no current entry.
func (it *IndexIterator) IsRemoved() bool {
	return !it.current
}
