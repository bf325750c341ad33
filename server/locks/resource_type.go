package locks

import "fmt"

// ResourceType identifies a family of lockable resources. IDs are dense and
// index the manager's lock tables.
type ResourceType struct {
	ID   int
	Name string
	Wait WaitStrategy
}

func (rt ResourceType) String() string {
	if rt.Name == "" {
		return fmt.Sprintf("ResourceType(%d)", rt.ID)
	}
	return rt.Name
}

type LockMode int

const (
	Shared LockMode = iota
	Exclusive
)

func (m LockMode) String() string {
	switch m {
	case Shared:
		return "shared"
	case Exclusive:
		return "exclusive"
	default:
		return fmt.Sprintf("LockMode(%d)", int(m))
	}
}

// ActiveLock is a lock held by a client, as reported by Client.ActiveLocks.
type ActiveLock struct {
	ResourceType ResourceType
	ResourceID   uint64
	Mode         LockMode
}
