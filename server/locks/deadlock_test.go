package locks

import (
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// acquireAndClose acquires id and closes c afterwards, counting deadlocks.
func acquireAndClose(c *Client, id uint64, deadlocks *atomic.Int32) func() error {
	return func() error {
		defer c.Close()
		err := c.AcquireExclusive(testNode, id)
		if IsDeadlock(err) {
			deadlocks.Add(1)
			return nil
		}
		return err
	}
}

func TestClient_AcquireExclusive_DeadlockDetected(t *testing.T) {
	m := newTestManager(t)
	a := newTestClient(t, m)
	b := newTestClient(t, m)

	require.NoError(t, a.AcquireExclusive(testNode, 1))
	require.NoError(t, b.AcquireExclusive(testNode, 2))

	var deadlocks atomic.Int32
	var eg errgroup.Group
	eg.Go(acquireAndClose(a, 2, &deadlocks))
	eg.Go(acquireAndClose(b, 1, &deadlocks))
	require.NoError(t, eg.Wait())

	require.EqualValues(t, 1, deadlocks.Load())
	require.Nil(t, globalLock(m, testNode, 1))
	require.Nil(t, globalLock(m, testNode, 2))
}

func TestClient_AcquireExclusive_DeadlockAbortsYoungest(t *testing.T) {
	m := newTestManager(t)
	a := newTestClient(t, m)
	b := newTestClient(t, m)

	require.NoError(t, a.AcquireExclusive(testNode, 1))
	require.NoError(t, b.AcquireExclusive(testNode, 2))

	aDone := make(chan error, 1)
	go func() {
		aDone <- a.AcquireExclusive(testNode, 2)
	}()

	err := b.AcquireExclusive(testNode, 1)
	require.True(t, IsDeadlock(err), "unexpected error: %v", err)
	require.Equal(t, "[1]", b.WaitListDescription(), "wait-list kept after deadlock")
	require.Equal(t, 1, b.ActiveLockCount())

	b.Close()
	require.NoError(t, <-aDone)
	a.Close()
}

func TestClient_AcquireExclusive_ThreeWayDeadlock(t *testing.T) {
	m := newTestManager(t)
	clients := []*Client{newTestClient(t, m), newTestClient(t, m), newTestClient(t, m)}
	for i, c := range clients {
		require.NoError(t, c.AcquireExclusive(testNode, uint64(i)))
	}

	var deadlocks atomic.Int32
	var eg errgroup.Group
	for i, c := range clients {
		eg.Go(acquireAndClose(c, uint64((i+1)%len(clients)), &deadlocks))
	}
	require.NoError(t, eg.Wait())
	require.GreaterOrEqual(t, deadlocks.Load(), int32(1))
	require.Less(t, deadlocks.Load(), int32(len(clients)))
}

func TestClient_AcquireExclusive_UpgradeDeadlock(t *testing.T) {
	m := newTestManager(t, WithUpgradeGraceRetries(0))
	a := newTestClient(t, m)
	b := newTestClient(t, m)

	require.NoError(t, a.AcquireShared(testNode, 1))
	require.NoError(t, b.AcquireShared(testNode, 1))

	var deadlocks atomic.Int32
	var eg errgroup.Group
	eg.Go(acquireAndClose(a, 1, &deadlocks))
	eg.Go(acquireAndClose(b, 1, &deadlocks))
	require.NoError(t, eg.Wait())

	require.EqualValues(t, 1, deadlocks.Load())
	require.Nil(t, globalLock(m, testNode, 1))
}

func TestClient_AcquireExclusive_AbortWaiter(t *testing.T) {
	m := newTestManager(t, WithDeadlockResolution(AbortWaiter))
	a := newTestClient(t, m)
	b := newTestClient(t, m)

	require.NoError(t, a.AcquireExclusive(testNode, 1))
	require.NoError(t, b.AcquireExclusive(testNode, 2))

	var deadlocks atomic.Int32
	var eg errgroup.Group
	eg.Go(acquireAndClose(a, 2, &deadlocks))
	eg.Go(acquireAndClose(b, 1, &deadlocks))
	require.NoError(t, eg.Wait())
	require.GreaterOrEqual(t, deadlocks.Load(), int32(1))
}

func TestClient_NoFalseDeadlock(t *testing.T) {
	m := newTestManager(t)

	var eg errgroup.Group
	for w := 0; w < 8; w++ {
		base := uint64(w * 100)
		eg.Go(func() error {
			r := rand.New(rand.NewSource(int64(base)))
			for i := 0; i < 200; i++ {
				c, err := m.NewClient()
				if err != nil {
					return err
				}
				for j := 0; j < 5; j++ {
					id := base + uint64(r.Intn(100))
					if r.Intn(2) == 0 {
						err = c.AcquireShared(testNode, id)
					} else {
						err = c.AcquireExclusive(testNode, id)
					}
					if err != nil {
						c.Close()
						return err
					}
				}
				c.Close()
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
	require.Equal(t, 0, m.ActiveClients())
}

func TestClient_MutualExclusion(t *testing.T) {
	m := newTestManager(t)
	const resources = 4
	// >0 counts readers, -1 marks a writer
	var states [resources]atomic.Int32

	var eg errgroup.Group
	for w := 0; w < 8; w++ {
		seed := int64(w)
		eg.Go(func() error {
			r := rand.New(rand.NewSource(seed))
			for i := 0; i < 300; i++ {
				c, err := m.NewClient()
				if err != nil {
					return err
				}
				id := uint64(r.Intn(resources))
				state := &states[id]
				if r.Intn(3) == 0 {
					if err := c.AcquireExclusive(testNode, id); err != nil {
						c.Close()
						return err
					}
					if !state.CompareAndSwap(0, -1) {
						t.Errorf("exclusive lock on %d granted next to %d", id, state.Load())
					}
					state.Store(0)
				} else {
					if err := c.AcquireShared(testNode, id); err != nil {
						c.Close()
						return err
					}
					if state.Add(1) <= 0 {
						t.Errorf("shared lock on %d granted next to a writer", id)
					}
					state.Add(-1)
				}
				c.Close()
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())
}

func TestClient_AcquireExclusive_Timeout(t *testing.T) {
	timed := ResourceType{ID: 0, Name: "TIMED", Wait: SpinWait{Timeout: 20 * time.Millisecond}}
	m, err := NewManager([]ResourceType{timed})
	require.NoError(t, err)
	a := newTestClient(t, m)
	b := newTestClient(t, m)

	require.NoError(t, a.AcquireExclusive(timed, 3))
	err = b.AcquireExclusive(timed, 1, 2, 3)
	require.True(t, IsAcquireTimeout(err), "unexpected error: %v", err)

	require.Equal(t, 0, b.ActiveLockCount())
	require.Nil(t, globalLock(m, timed, 1))
	require.Nil(t, globalLock(m, timed, 2))
	require.Equal(t, "[1]", b.WaitListDescription())
}

func TestClient_AcquireExclusive_TimeoutDuringUpgrade(t *testing.T) {
	timed := ResourceType{ID: 0, Name: "TIMED", Wait: SpinWait{Timeout: 20 * time.Millisecond}}
	m, err := NewManager([]ResourceType{timed}, WithUpgradeGraceRetries(0))
	require.NoError(t, err)
	a := newTestClient(t, m)
	b := newTestClient(t, m)

	require.NoError(t, a.AcquireShared(timed, 1))
	err = b.AcquireExclusive(timed, 1)
	require.True(t, IsAcquireTimeout(err), "unexpected error: %v", err)

	shared, ok := globalLock(m, timed, 1).(*SharedLock)
	require.True(t, ok)
	require.Equal(t, 1, shared.HolderCount(), "joined holder leaked")
	require.False(t, shared.IsUpdateLock(), "update lock leaked")

	require.NoError(t, a.ReleaseShared(timed, 1))
	require.Nil(t, globalLock(m, timed, 1))
}
