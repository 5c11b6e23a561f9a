package oil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/google/btree"

	"github.com/hupe1980/oil/internal/wal"
)

// Reference points at one queued item. The zero Reference is never valid.
//
// A reference stays valid until its item is removed. After that, or once
// the item's extent is reused, or after the database is closed, every
// lookup through it reports absence; it never resolves to another item.
type Reference struct {
	queue   uint32
	session uint64
	extent  uint32
	slot    uint32
	gen     uint32
}

// IsZero reports whether r is the zero Reference.
func (r Reference) IsZero() bool { return r == Reference{} }

func (r Reference) String() string {
	return fmt.Sprintf("%d/%d:%d@%d", r.queue, r.extent, r.slot, r.gen)
}

// Queue is a durable FIFO of byte values with removal by Reference.
//
// Items live in extents of a fixed number of slots. Items are ordered by
// the activation order of their extent, then by slot. A fully emptied
// extent goes back to a free pool and is reused, lowest id first.
//
// A Queue is safe for concurrent use. It is valid until the database is
// closed; afterwards every method returns ErrClosed.
type Queue struct {
	db       *Database
	id       uint32
	name     string
	session  uint64
	capacity int
	logger   *Logger

	mu      sync.RWMutex
	extents map[uint32]*extent     // allocated on first use
	nextID  uint32                 // ids below are allocated or free
	free    *roaring.Bitmap        // ids of inactive extents
	order   *btree.BTreeG[*extent] // active extents by activation
	seq     uint64
	size    int
}

func newQueue(db *Database, id uint32, name string) *Queue {
	return &Queue{
		db:       db,
		id:       id,
		name:     name,
		session:  db.session,
		capacity: db.opts.maxItemsPerExtent,
		logger:   db.logger.WithCollection(CollectionQueue, name, id),
		extents:  make(map[uint32]*extent),
		free:     roaring.New(),
		order:    btree.NewG(8, lessExtent),
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// ID returns the id the catalog assigned to the queue.
func (q *Queue) ID() uint32 { return q.id }

func (q *Queue) observe(op string, start time.Time, err error) error {
	q.db.opts.metricsCollector.RecordOperation(CollectionQueue, op, time.Since(start), err)
	q.logger.LogOperation(context.Background(), "queue "+op, err)
	return err
}

func (q *Queue) ref(e *extent, slot uint32) Reference {
	return Reference{queue: q.id, session: q.session, extent: e.id, slot: slot, gen: e.gen}
}

// lookup resolves a reference to its extent if it is still current.
func (q *Queue) lookup(ref Reference) (*extent, bool) {
	if ref.queue != q.id || ref.session != q.session || ref.gen == 0 {
		return nil, false
	}
	e, ok := q.extents[ref.extent]
	if !ok || !e.active || e.gen != ref.gen || !e.occupied(ref.slot) {
		return nil, false
	}
	return e, true
}

// nextPosition returns where the next push goes: the tail extent's cursor,
// else the lowest free extent, else a new one.
func (q *Queue) nextPosition() (uint32, uint32) {
	if tail, ok := q.order.Max(); ok && !tail.full() {
		return tail.id, tail.next
	}
	if !q.free.IsEmpty() {
		return q.free.Minimum(), 0
	}
	return q.nextID, 0
}

// extentAt returns extent id, creating it on first use. Unused ids below
// it join the free pool; only the pool records them.
func (q *Queue) extentAt(id uint32) *extent {
	if id >= q.nextID {
		if id > q.nextID {
			q.free.AddRange(uint64(q.nextID), uint64(id))
		}
		q.nextID = id + 1
	}
	e, ok := q.extents[id]
	if !ok {
		e = newExtent(id, q.capacity)
		q.extents[id] = e
	}
	return e
}

var (
	errSlotOutOfRange   = errors.New("slot out of range")
	errExtentOutOfRange = errors.New("extent id out of range")
	errSlotOccupied     = errors.New("slot already occupied")
	errSlotEmpty        = errors.New("slot is empty")
)

// applyPush stores value at (extentID, slot), activating the extent if
// needed. value is owned by the queue afterwards.
func (q *Queue) applyPush(extentID, slot uint32, value []byte) (*extent, error) {
	if int(slot) >= q.capacity {
		return nil, fmt.Errorf("%w: slot %d, extent capacity %d", errSlotOutOfRange, slot, q.capacity)
	}
	if extentID == math.MaxUint32 {
		return nil, fmt.Errorf("%w: extent %d", errExtentOutOfRange, extentID)
	}
	e := q.extentAt(extentID)
	if e.occupied(slot) {
		return nil, fmt.Errorf("%w: extent %d slot %d", errSlotOccupied, extentID, slot)
	}
	if !e.active {
		q.free.Remove(e.id)
		q.seq++
		e.seq = q.seq
		e.active = true
		q.order.ReplaceOrInsert(e)
	}
	e.set(slot, value)
	q.size++
	return e, nil
}

// applyRemove empties (extentID, slot) and releases the extent if that
// left it empty. Removing an empty slot is a no-op.
func (q *Queue) applyRemove(extentID, slot uint32) ([]byte, bool) {
	e, ok := q.extents[extentID]
	if !ok || !e.active || !e.occupied(slot) {
		return nil, false
	}
	v := e.take(slot)
	q.size--
	if e.count == 0 {
		q.order.Delete(e)
		q.release(e)
	}
	return v, true
}

func (q *Queue) release(e *extent) {
	e.reset()
	q.free.Add(e.id)
}

func (q *Queue) applyClear() {
	var active []*extent
	q.order.Ascend(func(e *extent) bool {
		active = append(active, e)
		return true
	})
	q.order.Clear(false)
	for _, e := range active {
		q.release(e)
	}
	q.size = 0
}

// apply replays a record. The database lock is held exclusively.
func (q *Queue) apply(rec *wal.Record) error {
	switch rec.Kind {
	case wal.KindQueuePush:
		_, err := q.applyPush(rec.Extent, rec.Slot, rec.Value)
		return err
	case wal.KindQueueRemove:
		q.applyRemove(rec.Extent, rec.Slot)
	case wal.KindQueueClear:
		q.applyClear()
	default:
		return fmt.Errorf("%w: %s record for queue %q", errUnknownCollection, rec.Kind, q.name)
	}
	return nil
}

// applyMove replays a move: push the source value at the target position,
// then empty the source slot, exactly like MoveTo.
func applyMove(src, dst *Queue, rec *wal.Record) error {
	e, ok := src.extents[rec.Extent]
	if !ok || !e.occupied(rec.Slot) {
		return fmt.Errorf("%w: move from queue %q extent %d slot %d", errSlotEmpty, src.name, rec.Extent, rec.Slot)
	}
	value := e.get(rec.Slot)
	if _, err := dst.applyPush(rec.TargetExtent, rec.TargetSlot, value); err != nil {
		return err
	}
	src.applyRemove(rec.Extent, rec.Slot)
	return nil
}

// writeAll writes one Push per item in queue order, keeping extents and
// slots.
func (q *Queue) writeAll(w *wal.Writer, progress *progressCounter) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var err error
	q.order.Ascend(func(e *extent) bool {
		for slot, ok := e.nextOccupied(0); ok; slot, ok = e.nextOccupied(slot + 1) {
			err = w.Write(&wal.Record{
				Kind:       wal.KindQueuePush,
				Collection: q.id,
				Extent:     e.id,
				Slot:       slot,
				Value:      e.slots[slot],
			})
			if err != nil {
				return false
			}
			progress.add(1)
		}
		return true
	})
	return err
}

// Push appends value at the tail and returns its reference.
func (q *Queue) Push(value []byte) (Reference, error) {
	if value == nil {
		return Reference{}, fmt.Errorf("%w: nil value", ErrInvalidArgument)
	}
	release, err := q.db.acquireShared(q.session)
	if err != nil {
		return Reference{}, err
	}
	defer release()

	start := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	ref, err := q.push(value)
	return ref, q.observe("push", start, err)
}

// push logs and applies a Push. Caller holds the write lock.
func (q *Queue) push(value []byte) (Reference, error) {
	extentID, slot := q.nextPosition()
	if err := q.db.append(&wal.Record{
		Kind:       wal.KindQueuePush,
		Collection: q.id,
		Extent:     extentID,
		Slot:       slot,
		Value:      value,
	}); err != nil {
		return Reference{}, err
	}
	e, err := q.applyPush(extentID, slot, bytes.Clone(value))
	if err != nil {
		return Reference{}, err
	}
	return q.ref(e, slot), nil
}

// Get returns the value ref points at, or nil if ref is stale.
func (q *Queue) Get(ref Reference) ([]byte, error) {
	release, err := q.db.acquireShared(q.session)
	if err != nil {
		return nil, err
	}
	defer release()

	q.mu.RLock()
	defer q.mu.RUnlock()

	e, ok := q.lookup(ref)
	if !ok {
		return nil, nil
	}
	return bytes.Clone(e.get(ref.slot)), nil
}

// Exists reports whether ref points at a live item.
func (q *Queue) Exists(ref Reference) (bool, error) {
	release, err := q.db.acquireShared(q.session)
	if err != nil {
		return false, err
	}
	defer release()

	q.mu.RLock()
	defer q.mu.RUnlock()

	_, ok := q.lookup(ref)
	return ok, nil
}

// Remove removes the item ref points at and returns its value, or nil if
// ref is stale.
func (q *Queue) Remove(ref Reference) ([]byte, error) {
	release, err := q.db.acquireShared(q.session)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.lookup(ref); !ok {
		return nil, nil
	}
	v, err := q.remove(ref)
	return v, q.observe("remove", start, err)
}

// remove logs and applies a Remove of a current reference. Caller holds the
// write lock.
func (q *Queue) remove(ref Reference) ([]byte, error) {
	if err := q.db.append(&wal.Record{
		Kind:       wal.KindQueueRemove,
		Collection: q.id,
		Extent:     ref.extent,
		Slot:       ref.slot,
	}); err != nil {
		return nil, err
	}
	v, _ := q.applyRemove(ref.extent, ref.slot)
	return v, nil
}

// Size returns the number of items.
func (q *Queue) Size() (int, error) {
	release, err := q.db.acquireShared(q.session)
	if err != nil {
		return 0, err
	}
	defer release()
	return q.len(), nil
}

// IsEmpty reports whether the queue holds no items.
func (q *Queue) IsEmpty() (bool, error) {
	n, err := q.Size()
	return n == 0, err
}

func (q *Queue) len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.size
}

// Clear removes every item and makes every issued reference stale. It
// always writes one record.
func (q *Queue) Clear() error {
	release, err := q.db.acquireShared(q.session)
	if err != nil {
		return err
	}
	defer release()

	start := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	err = q.db.append(&wal.Record{Kind: wal.KindQueueClear, Collection: q.id})
	if err == nil {
		q.applyClear()
	}
	return q.observe("clear", start, err)
}

// Iterator returns an iterator positioned before the head.
func (q *Queue) Iterator() *QueueIterator {
	return &QueueIterator{q: q, slot: -1}
}

// All yields every item from the head. Iteration takes locks per step, see
// QueueIterator; it ends early if the database is closed.
func (q *Queue) All() iter.Seq2[Reference, []byte] {
	return func(yield func(Reference, []byte) bool) {
		it := q.Iterator()
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
			if !yield(it.ref, v) {
				return
			}
		}
	}
}
