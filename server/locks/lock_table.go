package locks

import (
	"github.com/puzpuzpuz/xsync/v3"
)

// LockTable maps resource ids of one resource type to their global Lock.
// Every operation is atomic on its own entry and never waits for other entries.
type LockTable struct {
	m *xsync.MapOf[uint64, Lock]
}

func NewLockTable() *LockTable {
	return &LockTable{m: xsync.NewMapOf[uint64, Lock]()}
}

func (t *LockTable) Get(id uint64) Lock {
	l, ok := t.m.Load(id)
	if !ok {
		return nil
	}
	return l
}

// InsertIfAbsent stores l unless id already has a lock, in which case the
// existing lock is returned with loaded set to true.
func (t *LockTable) InsertIfAbsent(id uint64, l Lock) (existing Lock, loaded bool) {
	actual, loaded := t.m.LoadOrStore(id, l)
	if !loaded {
		return nil, false
	}
	return actual, true
}

// ReplaceIfEquals swaps expected for l when expected is still the entry of id.
func (t *LockTable) ReplaceIfEquals(id uint64, expected, l Lock) bool {
	replaced := false
	t.m.Compute(id, func(old Lock, loaded bool) (Lock, bool) {
		if !loaded {
			return old, true
		}
		if old != expected {
			return old, false
		}
		replaced = true
		return l, false
	})
	return replaced
}

// RemoveIfEquals deletes the entry of id when it is still expected.
func (t *LockTable) RemoveIfEquals(id uint64, expected Lock) bool {
	removed := false
	t.m.Compute(id, func(old Lock, loaded bool) (Lock, bool) {
		if !loaded {
			return old, true
		}
		if old != expected {
			return old, false
		}
		removed = true
		return nil, true
	})
	return removed
}

func (t *LockTable) Remove(id uint64) {
	t.m.Delete(id)
}

func (t *LockTable) Size() int {
	return t.m.Size()
}

// Range calls f for every entry until f returns false. Entries may change
// while ranging.
func (t *LockTable) Range(f func(id uint64, l Lock) bool) {
	t.m.Range(f)
}
