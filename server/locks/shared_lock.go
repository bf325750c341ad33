package locks

import (
	"fmt"
	"strings"

	golock "github.com/viney-shih/go-lock"
)

// SharedLock is held by a set of clients. One holder may mark it as an update
// lock while it waits for the other holders to leave so that it can swap the
// table entry for an ExclusiveLock. Once the last holder leaves the lock is
// dead and must be removed from the table; a dead lock can't be joined again.
type SharedLock struct {
	latch        golock.Mutex
	holders      []*Client
	updateHolder *Client
	dead         bool
}

func newSharedLock(holder *Client) *SharedLock {
	return &SharedLock{
		latch:   golock.NewCASMutex(),
		holders: []*Client{holder},
	}
}

// acquire registers c as a holder. It fails when the lock is dead, when an
// upgrade is in progress or when c already holds it.
func (l *SharedLock) acquire(c *Client) bool {
	l.latch.Lock()
	defer l.latch.Unlock()

	if l.dead || l.updateHolder != nil {
		return false
	}
	for _, h := range l.holders {
		if h == c {
			return false
		}
	}
	l.holders = append(l.holders, c)
	return true
}

// release removes c and reports whether the lock became dead.
func (l *SharedLock) release(c *Client) bool {
	l.latch.Lock()
	defer l.latch.Unlock()

	for i, h := range l.holders {
		if h == c {
			l.holders = append(l.holders[:i], l.holders[i+1:]...)
			break
		}
	}
	if l.updateHolder == c {
		l.updateHolder = nil
	}
	if len(l.holders) == 0 {
		l.dead = true
		return true
	}
	return false
}

func (l *SharedLock) tryAcquireUpdateLock(c *Client) bool {
	l.latch.Lock()
	defer l.latch.Unlock()

	if l.dead || l.updateHolder != nil {
		return false
	}
	l.updateHolder = c
	return true
}

func (l *SharedLock) releaseUpdateLock(c *Client) {
	l.latch.Lock()
	defer l.latch.Unlock()

	if l.updateHolder == c {
		l.updateHolder = nil
	}
}

func (l *SharedLock) HolderCount() int {
	l.latch.Lock()
	defer l.latch.Unlock()
	return len(l.holders)
}

func (l *SharedLock) IsUpdateLock() bool {
	l.latch.Lock()
	defer l.latch.Unlock()
	return l.updateHolder != nil
}

func (l *SharedLock) snapshot() []*Client {
	l.latch.Lock()
	defer l.latch.Unlock()
	holders := make([]*Client, len(l.holders))
	copy(holders, l.holders)
	return holders
}

func (l *SharedLock) CopyHolderWaitListsInto(wl *WaitList) {
	for _, h := range l.snapshot() {
		wl.Union(h.waitList)
	}
}

func (l *SharedLock) HolderWaitingFor(clientID int) (*Client, bool) {
	for _, h := range l.snapshot() {
		if h.id != clientID && h.waitList.Contains(clientID) {
			return h, true
		}
	}
	return nil, false
}

func (l *SharedLock) AnyHolderIsWaitingFor(clientID int) bool {
	_, ok := l.HolderWaitingFor(clientID)
	return ok
}

func (l *SharedLock) HolderWaitListSize() int {
	n := 0
	for _, h := range l.snapshot() {
		n += h.waitList.Size()
	}
	return n
}

func (l *SharedLock) DescribeWaitList() string {
	var sb strings.Builder
	sb.WriteString("SharedLock[")
	for i, h := range l.snapshot() {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "Client[%d] waits for %s", h.id, h.waitList)
	}
	sb.WriteString("]")
	return sb.String()
}

func (l *SharedLock) String() string {
	l.latch.Lock()
	defer l.latch.Unlock()

	ids := make([]string, len(l.holders))
	for i, h := range l.holders {
		ids[i] = fmt.Sprint(h.id)
	}
	update := "none"
	if l.updateHolder != nil {
		update = fmt.Sprint(l.updateHolder.id)
	}
	return fmt.Sprintf("SharedLock[holders=[%s], update=%s]", strings.Join(ids, ", "), update)
}
