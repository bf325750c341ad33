package locks

// Lock is the global entry of a locked resource in a LockTable: either a
// *SharedLock or an *ExclusiveLock.
type Lock interface {
	// CopyHolderWaitListsInto adds the wait-lists of every holder to wl.
	CopyHolderWaitListsInto(wl *WaitList)
	// HolderWaitingFor returns a holder other than clientID whose wait-list
	// contains clientID.
	HolderWaitingFor(clientID int) (*Client, bool)
	// AnyHolderIsWaitingFor is HolderWaitingFor without the holder. Detection
	// itself needs the holder and calls HolderWaitingFor.
	AnyHolderIsWaitingFor(clientID int) bool
	// HolderWaitListSize sums the sizes of the holders' wait-lists. It is
	// reported when a deadlock is detected.
	HolderWaitListSize() int
	DescribeWaitList() string
}
