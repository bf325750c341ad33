package locks

import (
	"testing"

	"github.com/mrasu/ddblock/thelper"
)

func TestWaitList_Put(t *testing.T) {
	wl := newWaitList()
	wl.Put(3)
	wl.Put(64)

	thelper.AssertBool(t, "3 is not contained", true, wl.Contains(3))
	thelper.AssertBool(t, "64 is not contained", true, wl.Contains(64))
	thelper.AssertBool(t, "4 is contained", false, wl.Contains(4))
	thelper.AssertInt(t, "Invalid size", 2, wl.Size())
}

func TestWaitList_Put_Grows(t *testing.T) {
	wl := newWaitList()
	wl.Put(1)
	wl.Put(5000)

	thelper.AssertBool(t, "5000 is not contained", true, wl.Contains(5000))
	thelper.AssertBool(t, "1 was lost while growing", true, wl.Contains(1))
	thelper.AssertBool(t, "Out of range id is contained", false, wl.Contains(100000))
	thelper.AssertString(t, "Invalid description", "[1, 5000]", wl.String())
}

func TestWaitList_Reset(t *testing.T) {
	wl := newWaitList()
	wl.Put(1)
	wl.Put(2)
	wl.Reset(7)

	thelper.AssertInt(t, "Invalid size", 1, wl.Size())
	thelper.AssertBool(t, "Self is not contained", true, wl.Contains(7))
	thelper.AssertBool(t, "Old id is contained", false, wl.Contains(1))
}

func TestWaitList_Union(t *testing.T) {
	a := newWaitList()
	a.Reset(1)
	b := newWaitList()
	b.Reset(2)
	b.Put(3000)

	a.Union(b)
	thelper.AssertString(t, "Invalid union", "[1, 2, 3000]", a.String())
	thelper.AssertString(t, "Source is modified", "[2, 3000]", b.String())
}

func TestWaitList_Clear(t *testing.T) {
	wl := newWaitList()
	wl.Put(1)
	wl.Clear()
	thelper.AssertInt(t, "Invalid size", 0, wl.Size())
	thelper.AssertString(t, "Invalid description", "[]", wl.String())
}
