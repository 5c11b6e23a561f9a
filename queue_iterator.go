package oil

import (
	"fmt"
	"time"

	"github.com/hupe1980/oil/internal/wal"
)

// QueueIterator walks a queue from the head.
//
// The cursor is an (extent activation, slot) position. No lock is held
// between calls, so items pushed or removed concurrently may or may not be
// seen. An extent that is released and reused behind the cursor is visited
// again, since its new items belong after everything older.
type QueueIterator struct {
	q       *Queue
	seq     uint64
	slot    int64
	ref     Reference
	current bool
}

// Next advances to the next item. It returns false at the end.
func (it *QueueIterator) Next() (bool, error) {
	q := it.q
	release, err := q.db.acquireShared(q.session)
	if err != nil {
		return false, err
	}
	defer release()

	q.mu.RLock()
	defer q.mu.RUnlock()

	found := false
	q.order.AscendGreaterOrEqual(&extent{seq: it.seq}, func(e *extent) bool {
		var from uint32
		if e.seq == it.seq {
			from = uint32(it.slot + 1)
		}
		slot, ok := e.nextOccupied(from)
		if !ok {
			return true
		}
		it.seq = e.seq
		it.slot = int64(slot)
		it.ref = q.ref(e, slot)
		found = true
		return false
	})
	it.current = found
	return found, nil
}

// Reference returns the reference of the current item.
func (it *QueueIterator) Reference() (Reference, error) {
	if !it.current {
		return Reference{}, ErrIllegalIteratorState
	}
	return it.ref, nil
}

// Value returns the current value. ErrNotFound means another goroutine
// removed the item since Next.
func (it *QueueIterator) Value() ([]byte, error) {
	if !it.current {
		return nil, ErrIllegalIteratorState
	}
	v, err := it.q.Get(it.ref)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, it.ref)
	}
	return v, nil
}

// Remove removes the current item and returns its value. Afterwards every
// accessor fails with ErrIllegalIteratorState until Next is called.
func (it *QueueIterator) Remove() ([]byte, error) {
	if !it.current {
		return nil, ErrIllegalIteratorState
	}

	q := it.q
	release, err := q.db.acquireShared(q.session)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.lookup(it.ref); !ok {
		it.current = false
		return nil, fmt.Errorf("%w: %s", ErrNotFound, it.ref)
	}
	v, err := q.remove(it.ref)
	if err == nil {
		it.current = false
	}
	return v, q.observe("remove", start, err)
}

// MoveTo moves the current item to the tail of target and returns its new
// reference. The move is a single log record, so after a crash the item is
// in exactly one of the two queues. target may be the iterator's own queue,
// which re-queues the item; the iterator will then meet it again.
func (it *QueueIterator) MoveTo(target *Queue) (Reference, error) {
	if target == nil || target.db != it.q.db {
		return Reference{}, fmt.Errorf("%w: target queue belongs to another database", ErrInvalidArgument)
	}
	if !it.current {
		return Reference{}, ErrIllegalIteratorState
	}

	src := it.q
	release, err := src.db.acquireShared(src.session)
	if err != nil {
		return Reference{}, err
	}
	defer release()
	if target.session != src.session {
		return Reference{}, ErrClosed
	}

	start := time.Now()
	unlock := lockPair(&src.mu, &target.mu, src.id, target.id)
	defer unlock()

	e, ok := src.lookup(it.ref)
	if !ok {
		it.current = false
		return Reference{}, fmt.Errorf("%w: %s", ErrNotFound, it.ref)
	}
	value := e.get(it.ref.slot)

	extentID, slot := target.nextPosition()
	if err := src.db.append(&wal.Record{
		Kind:         wal.KindQueueMove,
		Collection:   src.id,
		Extent:       it.ref.extent,
		Slot:         it.ref.slot,
		Target:       target.id,
		TargetExtent: extentID,
		TargetSlot:   slot,
	}); err != nil {
		return Reference{}, src.observe("move", start, err)
	}

	te, err := target.applyPush(extentID, slot, value)
	if err != nil {
		return Reference{}, src.observe("move", start, err)
	}
	src.applyRemove(it.ref.extent, it.ref.slot)
	it.current = false

	return target.ref(te, slot), src.observe("move", start, nil)
}
