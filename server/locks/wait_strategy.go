package locks

import (
	"runtime"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// WaitStrategy decides how a blocked client backs off between attempts.
// A Waiter is created for every blocked acquisition so strategies may keep
// per-episode state.
type WaitStrategy interface {
	Waiter() Waiter
}

// Waiter is called after each failed attempt with the number of retries so far.
// A non-nil error aborts the acquisition.
type Waiter interface {
	Apply(iteration int) error
}

// SpinWait only yields the processor.
type SpinWait struct {
	Timeout time.Duration
}

func (s SpinWait) Waiter() Waiter {
	return &timedWaiter{timeout: s.Timeout, start: time.Now(), wait: func(int) { runtime.Gosched() }}
}

// IncrementalBackoff yields for SpinIterations attempts, then sleeps for a
// duration growing by Step per attempt, capped at MaxInterval.
type IncrementalBackoff struct {
	SpinIterations int
	Step           time.Duration
	MaxInterval    time.Duration
	Timeout        time.Duration
}

func DefaultIncrementalBackoff() IncrementalBackoff {
	return IncrementalBackoff{
		SpinIterations: 1000,
		Step:           time.Microsecond,
		MaxInterval:    time.Millisecond,
	}
}

func (s IncrementalBackoff) Waiter() Waiter {
	return &timedWaiter{timeout: s.Timeout, start: time.Now(), wait: s.wait}
}

func (s IncrementalBackoff) wait(iteration int) {
	if iteration < s.SpinIterations {
		runtime.Gosched()
		return
	}
	d := time.Duration(iteration-s.SpinIterations+1) * s.Step
	if s.MaxInterval > 0 && d > s.MaxInterval {
		d = s.MaxInterval
	}
	time.Sleep(d)
}

// ExponentialBackoff sleeps according to a backoff.ExponentialBackOff that is
// restarted for every blocked acquisition. Timeout becomes MaxElapsedTime.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	Timeout         time.Duration
}

func (s ExponentialBackoff) Waiter() Waiter {
	b := backoff.NewExponentialBackOff()
	if s.InitialInterval > 0 {
		b.InitialInterval = s.InitialInterval
	}
	if s.MaxInterval > 0 {
		b.MaxInterval = s.MaxInterval
	}
	if s.Multiplier > 0 {
		b.Multiplier = s.Multiplier
	}
	// zero disables the stop condition
	b.MaxElapsedTime = s.Timeout
	b.Reset()
	return &backOffWaiter{b: b}
}

type backOffWaiter struct {
	b *backoff.ExponentialBackOff
}

func (w *backOffWaiter) Apply(iteration int) error {
	next := w.b.NextBackOff()
	if next == backoff.Stop {
		return &AcquireTimeoutError{Iterations: iteration, Elapsed: w.b.GetElapsedTime()}
	}
	time.Sleep(next)
	return nil
}

type timedWaiter struct {
	timeout time.Duration
	start   time.Time
	wait    func(iteration int)
}

func (w *timedWaiter) Apply(iteration int) error {
	if w.timeout > 0 {
		if elapsed := time.Since(w.start); elapsed > w.timeout {
			return &AcquireTimeoutError{Iterations: iteration, Elapsed: elapsed}
		}
	}
	w.wait(iteration)
	return nil
}
