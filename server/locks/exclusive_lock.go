package locks

import "fmt"

// ExclusiveLock is owned by a single client. Ownership is established by
// inserting it into the table, so it carries no mutable state.
type ExclusiveLock struct {
	owner *Client
}

func newExclusiveLock(owner *Client) *ExclusiveLock {
	return &ExclusiveLock{owner: owner}
}

func (l *ExclusiveLock) Owner() *Client {
	return l.owner
}

func (l *ExclusiveLock) CopyHolderWaitListsInto(wl *WaitList) {
	wl.Union(l.owner.waitList)
}

func (l *ExclusiveLock) HolderWaitingFor(clientID int) (*Client, bool) {
	if l.owner.id != clientID && l.owner.waitList.Contains(clientID) {
		return l.owner, true
	}
	return nil, false
}

func (l *ExclusiveLock) AnyHolderIsWaitingFor(clientID int) bool {
	_, ok := l.HolderWaitingFor(clientID)
	return ok
}

func (l *ExclusiveLock) HolderWaitListSize() int {
	return l.owner.waitList.Size()
}

func (l *ExclusiveLock) DescribeWaitList() string {
	return fmt.Sprintf("ExclusiveLock[Client[%d] waits for %s]", l.owner.id, l.owner.waitList)
}

func (l *ExclusiveLock) String() string {
	return fmt.Sprintf("ExclusiveLock[Client[%d]]", l.owner.id)
}
