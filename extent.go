package oil

import (
	"github.com/bits-and-blooms/bitset"
)

// extent is a fixed-capacity run of queue slots.
//
// Slots fill strictly in order through the next cursor; a removed slot stays
// empty until the whole extent is released. gen starts at 1 and changes
// every time the extent is released, which makes every Reference into the
// previous incarnation stale.
type extent struct {
	id     uint32
	gen    uint32
	seq    uint64 // activation order within the queue; 0 while inactive
	active bool

	slots [][]byte
	used  *bitset.BitSet
	count int
	next  uint32
}

func newExtent(id uint32, capacity int) *extent {
	return &extent{
		id:    id,
		gen:   1,
		slots: make([][]byte, capacity),
		used:  bitset.New(uint(capacity)),
	}
}

func lessExtent(a, b *extent) bool { return a.seq < b.seq }

func (e *extent) full() bool { return int(e.next) >= len(e.slots) }

func (e *extent) occupied(slot uint32) bool { return e.used.Test(uint(slot)) }

func (e *extent) get(slot uint32) []byte {
	if !e.occupied(slot) {
		return nil
	}
	return e.slots[slot]
}

func (e *extent) set(slot uint32, value []byte) {
	e.slots[slot] = value
	e.used.Set(uint(slot))
	e.count++
	if slot >= e.next {
		e.next = slot + 1
	}
}

func (e *extent) take(slot uint32) []byte {
	v := e.slots[slot]
	e.slots[slot] = nil
	e.used.Clear(uint(slot))
	e.count--
	return v
}

// nextOccupied returns the first occupied slot at or after from.
func (e *extent) nextOccupied(from uint32) (uint32, bool) {
	i, ok := e.used.NextSet(uint(from))
	if !ok || i >= uint(len(e.slots)) {
		return 0, false
	}
	return uint32(i), true
}

// reset empties the extent and starts a new generation.
func (e *extent) reset() {
	clear(e.slots)
	e.used.ClearAll()
	e.count = 0
	e.next = 0
	e.seq = 0
	e.active = false
	e.gen++
	if e.gen == 0 {
		e.gen = 1
	}
}
