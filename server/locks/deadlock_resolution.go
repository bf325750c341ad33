package locks

import "github.com/pkg/errors"

// DeadlockResolutionStrategy decides which side of a detected cycle aborts.
// waiter is the client that detected the cycle, holder the client it waits
// behind whose wait-list already contains waiter.
type DeadlockResolutionStrategy interface {
	ShouldAbort(waiter, holder *Client) bool
}

type resolutionFunc struct {
	name string
	fn   func(waiter, holder *Client) bool
}

func (r resolutionFunc) ShouldAbort(waiter, holder *Client) bool { return r.fn(waiter, holder) }
func (r resolutionFunc) String() string { return r.name }

var (
	// AbortYoung aborts the waiter when it was handed out after the holder.
	// Within any cycle the youngest member always aborts.
	AbortYoung DeadlockResolutionStrategy = resolutionFunc{"abort_young", func(waiter, holder *Client) bool {
		return waiter.Generation() > holder.Generation()
	}}
	AbortOld DeadlockResolutionStrategy = resolutionFunc{"abort_old", func(waiter, holder *Client) bool {
		return waiter.Generation() < holder.Generation()
	}}
	// AbortWaiter aborts every client that observes the cycle.
	AbortWaiter DeadlockResolutionStrategy = resolutionFunc{"abort_waiter", func(_, _ *Client) bool {
		return true
	}}
)

func DeadlockResolutionByName(name string) (DeadlockResolutionStrategy, error) {
	switch name {
	case "", "abort_young":
		return AbortYoung, nil
	case "abort_old":
		return AbortOld, nil
	case "abort_waiter":
		return AbortWaiter, nil
	default:
		return nil, errors.Errorf("unknown deadlock resolution strategy: %s", name)
	}
}
