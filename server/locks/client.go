package locks

import (
	"fmt"
	"runtime"
	"sort"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Client acquires and releases locks for one transaction. It keeps local
// reference counts per resource, so a resource is published to the lock table
// once no matter how often the client locks it. A Client is used by one
// goroutine at a time.
//
// Batched calls are all-or-nothing: when one id fails, the ids the same call
// already locked are released again before returning.
type Client struct {
	manager *Manager
	id      int
	// generation orders clients by the time they were handed out.
	generation atomic.Uint64

	sharedCounts    []map[uint64]int
	exclusiveCounts []map[uint64]int

	waitList      *WaitList
	exclusiveLock *ExclusiveLock
	closed        bool
}

func newClient(m *Manager, id int) *Client {
	c := &Client{
		manager:         m,
		id:              id,
		sharedCounts:    make([]map[uint64]int, len(m.tables)),
		exclusiveCounts: make([]map[uint64]int, len(m.tables)),
		waitList:        newWaitList(),
	}
	for i := range m.tables {
		c.sharedCounts[i] = map[uint64]int{}
		c.exclusiveCounts[i] = map[uint64]int{}
	}
	c.exclusiveLock = newExclusiveLock(c)
	c.waitList.Reset(id)
	return c
}

func (c *Client) ID() int {
	return c.id
}

func (c *Client) Generation() uint64 {
	return c.generation.Load()
}

// AcquireShared blocks until c holds a shared lock on every id.
func (c *Client) AcquireShared(rt ResourceType, ids ...uint64) error {
	if c.closed {
		return ErrClientClosed
	}
	table := c.manager.table(rt)
	for i, id := range ids {
		if err := c.acquireShared(rt, table, id); err != nil {
			for _, acquired := range ids[:i] {
				c.releaseShared(rt, table, acquired)
			}
			return err
		}
	}
	return nil
}

// AcquireExclusive blocks until c holds an exclusive lock on every id.
func (c *Client) AcquireExclusive(rt ResourceType, ids ...uint64) error {
	if c.closed {
		return ErrClientClosed
	}
	table := c.manager.table(rt)
	for i, id := range ids {
		if err := c.acquireExclusive(rt, table, id); err != nil {
			for _, acquired := range ids[:i] {
				c.releaseExclusive(rt, table, acquired)
			}
			return err
		}
	}
	return nil
}

// TryShared locks every id without waiting, or none of them.
func (c *Client) TryShared(rt ResourceType, ids ...uint64) bool {
	if c.closed {
		return false
	}
	table := c.manager.table(rt)
	for i, id := range ids {
		if !c.tryShared(rt, table, id) {
			for _, acquired := range ids[:i] {
				c.releaseShared(rt, table, acquired)
			}
			return false
		}
	}
	return true
}

// TryExclusive locks every id without waiting, or none of them.
func (c *Client) TryExclusive(rt ResourceType, ids ...uint64) bool {
	if c.closed {
		return false
	}
	table := c.manager.table(rt)
	for i, id := range ids {
		if !c.tryExclusive(rt, table, id) {
			for _, acquired := range ids[:i] {
				c.releaseExclusive(rt, table, acquired)
			}
			return false
		}
	}
	return true
}

func (c *Client) ReleaseShared(rt ResourceType, ids ...uint64) error {
	if c.closed {
		return ErrClientClosed
	}
	table := c.manager.table(rt)
	if err := checkHeld(rt, c.sharedCounts[rt.ID], Shared, ids); err != nil {
		return err
	}
	for _, id := range ids {
		c.releaseShared(rt, table, id)
	}
	return nil
}

func (c *Client) ReleaseExclusive(rt ResourceType, ids ...uint64) error {
	if c.closed {
		return ErrClientClosed
	}
	table := c.manager.table(rt)
	if err := checkHeld(rt, c.exclusiveCounts[rt.ID], Exclusive, ids); err != nil {
		return err
	}
	for _, id := range ids {
		c.releaseExclusive(rt, table, id)
	}
	return nil
}

func (c *Client) ReleaseAllShared() {
	for typeID, counts := range c.sharedCounts {
		table := c.manager.tables[typeID]
		for id := range counts {
			delete(counts, id)
			if c.exclusiveCounts[typeID][id] == 0 {
				c.releaseGlobalShared(c.manager.types[typeID], table, id)
			}
		}
	}
}

func (c *Client) ReleaseAllExclusive() {
	for typeID, counts := range c.exclusiveCounts {
		table := c.manager.tables[typeID]
		for id := range counts {
			delete(counts, id)
			c.releaseGlobalExclusive(c.manager.types[typeID], table, id)
		}
	}
}

// ReleaseAll drains exclusive locks first; downgrading them may publish
// shared locks that the second pass then releases.
func (c *Client) ReleaseAll() {
	c.ReleaseAllExclusive()
	c.ReleaseAllShared()
}

// Close releases every lock and returns c to the manager's pool. The pool
// hands the same *Client out again from a later NewClient or RenewClient, so
// callers must drop their reference once Close returns. Calling Close twice
// before the client is handed out again does nothing.
func (c *Client) Close() {
	if c.closed {
		return
	}
	c.ReleaseAll()
	c.waitList.Reset(c.id)
	c.closed = true
	c.manager.releaseClient(c)
}

func (c *Client) ActiveLockCount() int {
	n := 0
	for i := range c.sharedCounts {
		n += len(c.sharedCounts[i]) + len(c.exclusiveCounts[i])
	}
	return n
}

// ActiveLocks lists the locks held by c, sorted by type, id and mode.
func (c *Client) ActiveLocks() []ActiveLock {
	var locks []ActiveLock
	for typeID := range c.sharedCounts {
		rt := c.manager.types[typeID]
		for id := range c.exclusiveCounts[typeID] {
			locks = append(locks, ActiveLock{ResourceType: rt, ResourceID: id, Mode: Exclusive})
		}
		for id := range c.sharedCounts[typeID] {
			locks = append(locks, ActiveLock{ResourceType: rt, ResourceID: id, Mode: Shared})
		}
	}
	sort.Slice(locks, func(i, j int) bool {
		a, b := locks[i], locks[j]
		if a.ResourceType.ID != b.ResourceType.ID {
			return a.ResourceType.ID < b.ResourceType.ID
		}
		if a.ResourceID != b.ResourceID {
			return a.ResourceID < b.ResourceID
		}
		return a.Mode < b.Mode
	})
	return locks
}

func (c *Client) WaitListDescription() string {
	return c.waitList.String()
}

func (c *Client) String() string {
	return fmt.Sprintf("Client[%d, generation=%d, locks=%d]", c.id, c.Generation(), c.ActiveLockCount())
}

func (c *Client) acquireShared(rt ResourceType, table *LockTable, id uint64) error {
	counts := c.sharedCounts[rt.ID]
	if n := counts[id]; n > 0 {
		counts[id] = n + 1
		return nil
	}
	if c.exclusiveCounts[rt.ID][id] > 0 {
		counts[id] = 1
		return nil
	}

	var mine *SharedLock
	var waiter Waiter
	for tries := 0; ; tries++ {
		existing := table.Get(id)
		if existing == nil {
			if mine == nil {
				mine = newSharedLock(c)
			}
			var loaded bool
			if existing, loaded = table.InsertIfAbsent(id, mine); !loaded {
				break
			}
		}
		if l, ok := existing.(*SharedLock); ok && l.acquire(c) {
			break
		}

		if waiter == nil {
			waiter = c.startWaiting(rt, Shared)
		}
		if err := c.waitFor(existing, rt, id, waiter, tries); err != nil {
			return err
		}
	}

	c.waitList.Reset(c.id)
	counts[id] = 1
	c.manager.metrics.Acquired.WithLabelValues(rt.String(), Shared.String()).Inc()
	return nil
}

func (c *Client) acquireExclusive(rt ResourceType, table *LockTable, id uint64) error {
	counts := c.exclusiveCounts[rt.ID]
	if n := counts[id]; n > 0 {
		counts[id] = n + 1
		return nil
	}

	var waiter Waiter
	for tries := 0; ; tries++ {
		existing, loaded := table.InsertIfAbsent(id, c.exclusiveLock)
		if !loaded {
			break
		}

		if waiter == nil {
			waiter = c.startWaiting(rt, Exclusive)
		}
		// Give readers a grace period before blocking new ones with an update lock.
		if shared, ok := existing.(*SharedLock); ok && tries > c.manager.upgradeGraceRetries {
			upgraded, err := c.tryUpgradeSharedToExclusive(rt, table, id, shared, waiter, tries)
			if err != nil {
				return err
			}
			if upgraded {
				break
			}
		}

		if err := c.waitFor(existing, rt, id, waiter, tries); err != nil {
			return err
		}
	}

	c.waitList.Reset(c.id)
	counts[id] = 1
	c.manager.metrics.Acquired.WithLabelValues(rt.String(), Exclusive.String()).Inc()
	return nil
}

// tryUpgradeSharedToExclusive joins shared as a holder when c isn't one yet
// and then tries to turn it into c's exclusive lock. A holder joined only for
// the attempt is released again when the attempt fails.
func (c *Client) tryUpgradeSharedToExclusive(rt ResourceType, table *LockTable, id uint64, shared *SharedLock, waiter Waiter, tries int) (bool, error) {
	if c.sharedCounts[rt.ID][id] > 0 {
		return c.tryUpgradeToExclusiveWithShareLockHeld(rt, table, id, shared, waiter, tries)
	}

	if !shared.acquire(c) {
		return false, nil
	}
	upgraded, err := c.tryUpgradeToExclusiveWithShareLockHeld(rt, table, id, shared, waiter, tries)
	if !upgraded {
		if shared.release(c) {
			table.RemoveIfEquals(id, shared)
		}
	}
	return upgraded, err
}

func (c *Client) tryUpgradeToExclusiveWithShareLockHeld(rt ResourceType, table *LockTable, id uint64, shared *SharedLock, waiter Waiter, tries int) (bool, error) {
	if !shared.tryAcquireUpdateLock(c) {
		return false, nil
	}

	// New holders are refused from now on, wait for the current ones to leave.
	for shared.HolderCount() > 1 {
		tries++
		if err := c.waitFor(shared, rt, id, waiter, tries); err != nil {
			shared.releaseUpdateLock(c)
			return false, err
		}
	}

	// The update mark stays on the replaced lock so that nobody joins it.
	if !table.ReplaceIfEquals(id, shared, c.exclusiveLock) {
		shared.releaseUpdateLock(c)
		return false, nil
	}
	c.manager.metrics.Upgrades.WithLabelValues(rt.String()).Inc()
	return true, nil
}

func (c *Client) tryShared(rt ResourceType, table *LockTable, id uint64) bool {
	counts := c.sharedCounts[rt.ID]
	if n := counts[id]; n > 0 {
		counts[id] = n + 1
		return true
	}
	if c.exclusiveCounts[rt.ID][id] > 0 {
		counts[id] = 1
		return true
	}

	for {
		existing := table.Get(id)
		if existing == nil {
			var loaded bool
			if existing, loaded = table.InsertIfAbsent(id, newSharedLock(c)); !loaded {
				break
			}
		}
		l, ok := existing.(*SharedLock)
		if !ok || l.IsUpdateLock() {
			return false
		}
		if l.acquire(c) {
			break
		}
		// dead lock still in the table, its last holder is removing it
		runtime.Gosched()
	}

	counts[id] = 1
	c.manager.metrics.Acquired.WithLabelValues(rt.String(), Shared.String()).Inc()
	return true
}

func (c *Client) tryExclusive(rt ResourceType, table *LockTable, id uint64) bool {
	counts := c.exclusiveCounts[rt.ID]
	if n := counts[id]; n > 0 {
		counts[id] = n + 1
		return true
	}

	existing, loaded := table.InsertIfAbsent(id, c.exclusiveLock)
	if loaded {
		shared, ok := existing.(*SharedLock)
		if !ok || c.sharedCounts[rt.ID][id] == 0 {
			return false
		}
		if !shared.tryAcquireUpdateLock(c) {
			return false
		}
		if shared.HolderCount() != 1 || !table.ReplaceIfEquals(id, shared, c.exclusiveLock) {
			shared.releaseUpdateLock(c)
			return false
		}
		c.manager.metrics.Upgrades.WithLabelValues(rt.String()).Inc()
	}

	counts[id] = 1
	c.manager.metrics.Acquired.WithLabelValues(rt.String(), Exclusive.String()).Inc()
	return true
}

func (c *Client) releaseShared(rt ResourceType, table *LockTable, id uint64) {
	counts := c.sharedCounts[rt.ID]
	if n := counts[id]; n > 1 {
		counts[id] = n - 1
		return
	}
	delete(counts, id)
	if c.exclusiveCounts[rt.ID][id] > 0 {
		return
	}
	c.releaseGlobalShared(rt, table, id)
}

func (c *Client) releaseExclusive(rt ResourceType, table *LockTable, id uint64) {
	counts := c.exclusiveCounts[rt.ID]
	if n := counts[id]; n > 1 {
		counts[id] = n - 1
		return
	}
	delete(counts, id)
	c.releaseGlobalExclusive(rt, table, id)
}

func (c *Client) releaseGlobalShared(rt ResourceType, table *LockTable, id uint64) {
	shared, ok := table.Get(id).(*SharedLock)
	if !ok {
		log.Error().Int("client", c.id).Str("resource_type", rt.String()).Uint64("resource_id", id).
			Msg("Released shared lock is not in the lock table")
		return
	}
	if shared.release(c) {
		table.RemoveIfEquals(id, shared)
	}
}

// releaseGlobalExclusive removes c's exclusive lock, or downgrades it to a
// shared lock when c still holds the resource shared.
func (c *Client) releaseGlobalExclusive(rt ResourceType, table *LockTable, id uint64) {
	var ok bool
	if c.sharedCounts[rt.ID][id] > 0 {
		ok = table.ReplaceIfEquals(id, c.exclusiveLock, newSharedLock(c))
	} else {
		ok = table.RemoveIfEquals(id, c.exclusiveLock)
	}
	if !ok {
		log.Error().Int("client", c.id).Str("resource_type", rt.String()).Uint64("resource_id", id).
			Msg("Released exclusive lock is not in the lock table")
	}
}

func (c *Client) startWaiting(rt ResourceType, mode LockMode) Waiter {
	c.manager.metrics.Waits.WithLabelValues(rt.String(), mode.String()).Inc()
	return c.manager.waitStrategy(rt).Waiter()
}

// waitFor records that c waits behind l and backs off once. A non-nil error
// means the acquisition must be given up; c's wait-list is reset by then.
func (c *Client) waitFor(l Lock, rt ResourceType, id uint64, waiter Waiter, tries int) error {
	if err := c.markAsWaitingFor(l, rt, id); err != nil {
		return err
	}

	if err := waiter.Apply(tries); err != nil {
		c.waitList.Reset(c.id)
		var timeout *AcquireTimeoutError
		if errors.As(err, &timeout) {
			timeout.ResourceType = rt
			timeout.ResourceID = id
			c.manager.metrics.Timeouts.WithLabelValues(rt.String()).Inc()
			log.Warn().Int("client", c.id).Str("resource_type", rt.String()).Uint64("resource_id", id).
				Int("iterations", timeout.Iterations).Dur("elapsed", timeout.Elapsed).
				Msg("Gave up acquiring lock")
		}
		return errors.WithStack(err)
	}
	return nil
}

// markAsWaitingFor rebuilds c's wait-list from the wait-lists of l's holders,
// so every retry propagates the wait-for relation one more hop. A holder
// that already waits for c closes a cycle once its wait-list is at least as
// large as c's; smaller ones may still be half copied.
func (c *Client) markAsWaitingFor(l Lock, rt ResourceType, id uint64) error {
	c.waitList.Reset(c.id)
	l.CopyHolderWaitListsInto(c.waitList)

	holder, ok := l.HolderWaitingFor(c.id)
	if !ok || holder.waitList.Size() < c.waitList.Size() {
		return nil
	}
	if !c.manager.resolution.ShouldAbort(c, holder) {
		return nil
	}

	err := newDeadlockDetectedError(c, holder, rt, id)
	c.waitList.Reset(c.id)
	c.manager.metrics.Deadlocks.WithLabelValues(rt.String()).Inc()
	log.Debug().Err(err).Int("client", c.id).Int("holder", holder.id).
		Int("holder_wait_list_size", l.HolderWaitListSize()).Msg("Deadlock detected")
	return err
}

func checkHeld(rt ResourceType, counts map[uint64]int, mode LockMode, ids []uint64) error {
	var requested map[uint64]int
	for _, id := range ids {
		if requested == nil {
			requested = map[uint64]int{}
		}
		requested[id] += 1
		if requested[id] > counts[id] {
			return errors.WithStack(&IllegalReleaseError{ResourceType: rt, ResourceID: id, Mode: mode})
		}
	}
	return nil
}
