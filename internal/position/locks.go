package position

import "sync"

// LockMap hands out one mutex per position ID. The position is the unit of
// mutual exclusion: the sync tick loop, the command intake, and the
// protective coordinator all serialize on the same lock before mutating a
// position or its linked orders, while unrelated positions proceed
// concurrently.
type LockMap struct {
	locks sync.Map
}

// NewLockMap creates an empty LockMap.
func NewLockMap() *LockMap {
	return &LockMap{}
}

// Get returns the mutex for a position ID, creating it on first use.
func (lm *LockMap) Get(positionID string) *sync.Mutex {
	lock, _ := lm.locks.LoadOrStore(positionID, &sync.Mutex{})
	return lock.(*sync.Mutex)
}
