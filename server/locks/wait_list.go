package locks

import (
	"math/bits"
	"strconv"
	"strings"
	"sync/atomic"
)

const initialWaitListWords = 1024 / 64

// WaitList is a bitset of client ids. Only the owning client mutates it;
// other clients read it concurrently while detecting deadlocks, so every word
// is accessed atomically. Growth publishes a new word slice.
type WaitList struct {
	words atomic.Pointer[[]atomic.Uint64]
}

func newWaitList() *WaitList {
	wl := &WaitList{}
	words := make([]atomic.Uint64, initialWaitListWords)
	wl.words.Store(&words)
	return wl
}

func (wl *WaitList) load() []atomic.Uint64 {
	return *wl.words.Load()
}

func (wl *WaitList) grow(n int) []atomic.Uint64 {
	old := wl.load()
	if n <= len(old) {
		return old
	}
	size := len(old) * 2
	for size < n {
		size *= 2
	}
	words := make([]atomic.Uint64, size)
	for i := range old {
		words[i].Store(old[i].Load())
	}
	wl.words.Store(&words)
	return words
}

// Put adds id. Owner only.
func (wl *WaitList) Put(id int) {
	words := wl.grow(id/64 + 1)
	w := &words[id/64]
	w.Store(w.Load() | 1<<(uint(id)%64))
}

// Reset clears the list and puts self back.
func (wl *WaitList) Reset(self int) {
	words := wl.load()
	for i := range words {
		words[i].Store(0)
	}
	wl.Put(self)
}

// Clear removes every id. Owner only.
func (wl *WaitList) Clear() {
	words := wl.load()
	for i := range words {
		words[i].Store(0)
	}
}

// Union adds every id of other. Owner only; other may be written concurrently.
func (wl *WaitList) Union(other *WaitList) {
	src := other.load()
	last := len(src) - 1
	for last >= 0 && src[last].Load() == 0 {
		last--
	}
	if last < 0 {
		return
	}
	dst := wl.grow(last + 1)
	for i := 0; i <= last; i++ {
		if v := src[i].Load(); v != 0 {
			dst[i].Store(dst[i].Load() | v)
		}
	}
}

func (wl *WaitList) Contains(id int) bool {
	words := wl.load()
	if id/64 >= len(words) {
		return false
	}
	return words[id/64].Load()&(1<<(uint(id)%64)) != 0
}

func (wl *WaitList) Size() int {
	n := 0
	words := wl.load()
	for i := range words {
		n += bits.OnesCount64(words[i].Load())
	}
	return n
}

func (wl *WaitList) IDs() []int {
	var ids []int
	words := wl.load()
	for i := range words {
		v := words[i].Load()
		for v != 0 {
			b := bits.TrailingZeros64(v)
			ids = append(ids, i*64+b)
			v &^= 1 << uint(b)
		}
	}
	return ids
}

func (wl *WaitList) String() string {
	ids := wl.IDs()
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
