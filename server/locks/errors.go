package locks

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrManagerClosed = errors.New("lock manager is closed")
	ErrClientClosed  = errors.New("lock client is closed")
)

// DeadlockDetectedError is returned by a blocking acquisition when the client
// finds itself in a closed wait cycle. The transaction must be aborted.
type DeadlockDetectedError struct {
	ClientID     int
	HolderID     int
	ResourceType ResourceType
	ResourceID   uint64
	WaitList     string
}

func newDeadlockDetectedError(c *Client, holder *Client, rt ResourceType, id uint64) error {
	return errors.WithStack(&DeadlockDetectedError{
		ClientID:     c.id,
		HolderID:     holder.id,
		ResourceType: rt,
		ResourceID:   id,
		WaitList:     c.waitList.String(),
	})
}

func (e *DeadlockDetectedError) Error() string {
	return fmt.Sprintf("deadlock detected: client %d can't acquire %s(%d), client %d holding it waits for %s",
		e.ClientID, e.ResourceType, e.ResourceID, e.HolderID, e.WaitList)
}

// AcquireTimeoutError is returned when a wait strategy gives up.
type AcquireTimeoutError struct {
	ResourceType ResourceType
	ResourceID   uint64
	Iterations   int
	Elapsed      time.Duration
}

func (e *AcquireTimeoutError) Error() string {
	return fmt.Sprintf("timed out acquiring %s(%d) after %d attempts (%s)",
		e.ResourceType, e.ResourceID, e.Iterations, e.Elapsed)
}

// IllegalReleaseError reports a release of a lock the client does not hold.
// It is a bug in the caller.
type IllegalReleaseError struct {
	ResourceType ResourceType
	ResourceID   uint64
	Mode         LockMode
}

func (e *IllegalReleaseError) Error() string {
	return fmt.Sprintf("tried to release %s lock on %s(%d) which is not held", e.Mode, e.ResourceType, e.ResourceID)
}

func IsDeadlock(err error) bool {
	var target *DeadlockDetectedError
	return errors.As(err, &target)
}

func IsAcquireTimeout(err error) bool {
	var target *AcquireTimeoutError
	return errors.As(err, &target)
}

func IsIllegalRelease(err error) bool {
	var target *IllegalReleaseError
	return errors.As(err, &target)
}
