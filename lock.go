package oil

import "sync"

// Locks are always taken database first, collection second. Collection
// operations never take the database lock twice, so a waiting exclusive
// locker cannot deadlock them.

// acquireShared takes the database lock in shared mode for a handle issued
// in session. The returned func releases it.
func (db *Database) acquireShared(session uint64) (func(), error) {
	db.mu.RLock()
	if !db.open || db.session != session {
		db.mu.RUnlock()
		return nil, ErrClosed
	}
	return db.mu.RUnlock, nil
}

// lockPair write-locks two collections in ascending id order. The same
// collection is locked once.
func lockPair(a, b *sync.RWMutex, aID, bID uint32) func() {
	if a == b {
		a.Lock()
		return a.Unlock
	}
	if bID < aID {
		a, b = b, a
	}
	a.Lock()
	b.Lock()
	return func() {
		b.Unlock()
		a.Unlock()
	}
}
