package locks

import (
	"strings"
	"testing"

	"github.com/mrasu/ddblock/thelper"
)

func TestSharedLock_Acquire(t *testing.T) {
	m := newTestManager(t)
	c1 := newTestClient(t, m)
	c2 := newTestClient(t, m)

	l := newSharedLock(c1)
	thelper.AssertBool(t, "Can't join", true, l.acquire(c2))
	thelper.AssertBool(t, "Joined twice", false, l.acquire(c2))
	thelper.AssertInt(t, "Invalid holder count", 2, l.HolderCount())
}

func TestSharedLock_Release(t *testing.T) {
	m := newTestManager(t)
	c1 := newTestClient(t, m)
	c2 := newTestClient(t, m)

	l := newSharedLock(c1)
	l.acquire(c2)
	thelper.AssertBool(t, "Died with a holder left", false, l.release(c1))
	thelper.AssertBool(t, "Not dead without holders", true, l.release(c2))
	thelper.AssertBool(t, "Dead lock was joined", false, l.acquire(c1))
}

func TestSharedLock_UpdateLock(t *testing.T) {
	m := newTestManager(t)
	c1 := newTestClient(t, m)
	c2 := newTestClient(t, m)
	c3 := newTestClient(t, m)

	l := newSharedLock(c1)
	l.acquire(c2)

	thelper.AssertBool(t, "Can't take update lock", true, l.tryAcquireUpdateLock(c1))
	thelper.AssertBool(t, "Not an update lock", true, l.IsUpdateLock())
	thelper.AssertBool(t, "Second update lock", false, l.tryAcquireUpdateLock(c2))
	thelper.AssertBool(t, "Joined while upgrading", false, l.acquire(c3))

	l.releaseUpdateLock(c1)
	thelper.AssertBool(t, "Still an update lock", false, l.IsUpdateLock())
	thelper.AssertBool(t, "Can't join after upgrade gave up", true, l.acquire(c3))
}

func TestSharedLock_Release_ClearsUpdateLock(t *testing.T) {
	m := newTestManager(t)
	c1 := newTestClient(t, m)
	c2 := newTestClient(t, m)

	l := newSharedLock(c1)
	l.acquire(c2)
	l.tryAcquireUpdateLock(c2)
	l.release(c2)
	thelper.AssertBool(t, "Update lock survived its holder", false, l.IsUpdateLock())
}

func TestSharedLock_HolderWaitingFor(t *testing.T) {
	m := newTestManager(t)
	c1 := newTestClient(t, m)
	c2 := newTestClient(t, m)

	l := newSharedLock(c1)
	l.acquire(c2)
	c1.waitList.Put(c1.id)

	_, ok := l.HolderWaitingFor(c1.id)
	thelper.AssertBool(t, "Holder waits for itself", false, ok)

	c2.waitList.Put(c1.id)
	h, ok := l.HolderWaitingFor(c1.id)
	thelper.AssertBool(t, "Waiting holder not found", true, ok)
	thelper.AssertInt(t, "Invalid holder", c2.id, h.id)
	thelper.AssertBool(t, "AnyHolderIsWaitingFor disagrees", true, l.AnyHolderIsWaitingFor(c1.id))
	thelper.AssertInt(t, "Invalid holder wait-list size", 3, l.HolderWaitListSize())

	wl := newWaitList()
	l.CopyHolderWaitListsInto(wl)
	thelper.AssertString(t, "Invalid copied wait-list", "[0, 1]", wl.String())
	thelper.AssertBool(t, "Invalid description", true, strings.HasPrefix(l.DescribeWaitList(), "SharedLock[Client[0]"))
}

func TestExclusiveLock_HolderWaitingFor(t *testing.T) {
	m := newTestManager(t)
	c1 := newTestClient(t, m)
	c2 := newTestClient(t, m)

	l := newExclusiveLock(c1)
	_, ok := l.HolderWaitingFor(c2.id)
	thelper.AssertBool(t, "Owner waits without reason", false, ok)
	_, ok = l.HolderWaitingFor(c1.id)
	thelper.AssertBool(t, "Owner waits for itself", false, ok)

	c1.waitList.Put(c2.id)
	h, ok := l.HolderWaitingFor(c2.id)
	thelper.AssertBool(t, "Owner doesn't wait", true, ok)
	thelper.AssertInt(t, "Invalid holder", c1.id, h.id)
	thelper.AssertBool(t, "AnyHolderIsWaitingFor disagrees", true, l.AnyHolderIsWaitingFor(c2.id))
	thelper.AssertBool(t, "Owner waits for itself", false, l.AnyHolderIsWaitingFor(c1.id))
	thelper.AssertInt(t, "Invalid holder wait-list size", 2, l.HolderWaitListSize())

	wl := newWaitList()
	l.CopyHolderWaitListsInto(wl)
	thelper.AssertString(t, "Invalid copied wait-list", "[0, 1]", wl.String())
	thelper.AssertString(t, "Invalid description", "ExclusiveLock[Client[0] waits for [0, 1]]", l.DescribeWaitList())
}
