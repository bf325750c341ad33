package locks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpinWait_Timeout(t *testing.T) {
	w := SpinWait{Timeout: time.Millisecond}.Waiter()
	require.NoError(t, w.Apply(0))

	time.Sleep(2 * time.Millisecond)
	err := w.Apply(1)
	require.True(t, IsAcquireTimeout(err), "unexpected error: %v", err)
}

func TestSpinWait_NoTimeout(t *testing.T) {
	w := SpinWait{}.Waiter()
	for i := 0; i < 100; i++ {
		require.NoError(t, w.Apply(i))
	}
}

func TestIncrementalBackoff_Apply(t *testing.T) {
	s := IncrementalBackoff{SpinIterations: 2, Step: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	w := s.Waiter()

	start := time.Now()
	require.NoError(t, w.Apply(0))
	require.NoError(t, w.Apply(1))
	require.NoError(t, w.Apply(5))
	require.GreaterOrEqual(t, time.Since(start), 2*time.Millisecond, "sleep was not capped at MaxInterval or skipped")
}

func TestIncrementalBackoff_Timeout(t *testing.T) {
	s := IncrementalBackoff{SpinIterations: 0, Step: time.Millisecond, MaxInterval: time.Millisecond, Timeout: 5 * time.Millisecond}
	w := s.Waiter()

	var err error
	for i := 0; i < 1000 && err == nil; i++ {
		err = w.Apply(i)
	}
	require.True(t, IsAcquireTimeout(err), "unexpected error: %v", err)
}

func TestExponentialBackoff_Timeout(t *testing.T) {
	s := ExponentialBackoff{InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Timeout: 10 * time.Millisecond}
	w := s.Waiter()

	var err error
	for i := 0; i < 1000 && err == nil; i++ {
		err = w.Apply(i)
	}
	require.True(t, IsAcquireTimeout(err), "unexpected error: %v", err)
}

func TestDeadlockResolutionByName(t *testing.T) {
	for name, expected := range map[string]DeadlockResolutionStrategy{
		"":             AbortYoung,
		"abort_young":  AbortYoung,
		"abort_old":    AbortOld,
		"abort_waiter": AbortWaiter,
	} {
		s, err := DeadlockResolutionByName(name)
		require.NoError(t, err)
		require.Equal(t, expected.(resolutionFunc).name, s.(resolutionFunc).name)
	}

	_, err := DeadlockResolutionByName("abort_random")
	require.Error(t, err)
}

func TestDeadlockResolution_ShouldAbort(t *testing.T) {
	m := newTestManager(t)
	older := newTestClient(t, m)
	younger := newTestClient(t, m)

	require.True(t, AbortYoung.ShouldAbort(younger, older))
	require.False(t, AbortYoung.ShouldAbort(older, younger))
	require.True(t, AbortOld.ShouldAbort(older, younger))
	require.False(t, AbortOld.ShouldAbort(younger, older))
	require.True(t, AbortWaiter.ShouldAbort(older, younger))
}
