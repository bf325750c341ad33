package locks

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

// DefaultUpgradeGraceRetries is the number of plain retries an exclusive
// acquisition makes against a shared lock before it starts an upgrade.
const DefaultUpgradeGraceRetries = 50

// Manager owns one LockTable per resource type and the pool of clients.
// Clients coordinate only through the tables; there is no global mutex.
//
// Spinning clients behave well up to a bounded number of hardware threads.
// Under heavy contention on many cores a queueing lock service fits better.
type Manager struct {
	types      []ResourceType
	waits      []WaitStrategy
	tables     []*LockTable
	pool       *clientPool
	resolution DeadlockResolutionStrategy
	metrics    *Metrics

	upgradeGraceRetries int
	closed              atomic.Bool
}

type Option func(*Manager)

func WithUpgradeGraceRetries(n int) Option {
	return func(m *Manager) { m.upgradeGraceRetries = n }
}

func WithClientReuseBound(n int) Option {
	return func(m *Manager) { m.pool.reuseBound = n }
}

func WithDeadlockResolution(s DeadlockResolutionStrategy) Option {
	return func(m *Manager) { m.resolution = s }
}

func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Manager) { m.metrics = NewMetrics(reg) }
}

// NewManager creates a manager for the given resource types. Their IDs must
// be exactly 0..len(types)-1. A type without a WaitStrategy waits with
// DefaultIncrementalBackoff; the ResourceType values are kept as given.
func NewManager(types []ResourceType, opts ...Option) (*Manager, error) {
	if len(types) == 0 {
		return nil, errors.New("no resource types")
	}

	ordered := make([]ResourceType, len(types))
	waits := make([]WaitStrategy, len(types))
	seen := make([]bool, len(types))
	for _, rt := range types {
		if rt.ID < 0 || rt.ID >= len(types) {
			return nil, errors.Errorf("resource type id out of range: %s=%d", rt, rt.ID)
		}
		if seen[rt.ID] {
			return nil, errors.Errorf("duplicated resource type id: %d", rt.ID)
		}
		seen[rt.ID] = true
		ordered[rt.ID] = rt
		waits[rt.ID] = rt.Wait
		if waits[rt.ID] == nil {
			waits[rt.ID] = DefaultIncrementalBackoff()
		}
	}

	tables := make([]*LockTable, len(ordered))
	for i := range tables {
		tables[i] = NewLockTable()
	}

	m := &Manager{
		types:               ordered,
		waits:               waits,
		tables:              tables,
		pool:                newClientPool(DefaultClientReuseBound),
		resolution:          AbortYoung,
		upgradeGraceRetries: DefaultUpgradeGraceRetries,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metrics == nil {
		m.metrics = NewMetrics(nil)
	}

	log.Info().
		Int("resource_types", len(ordered)).
		Int("upgrade_grace_retries", m.upgradeGraceRetries).
		Int("client_reuse_bound", m.pool.reuseBound).
		Msg("Lock manager started")
	return m, nil
}

func (m *Manager) ResourceTypes() []ResourceType {
	types := make([]ResourceType, len(m.types))
	copy(types, m.types)
	return types
}

// ResourceType looks a type up by name.
func (m *Manager) ResourceType(name string) (ResourceType, bool) {
	for _, rt := range m.types {
		if rt.Name == name {
			return rt, true
		}
	}
	return ResourceType{}, false
}

// NewClient hands out a client for one transaction. The client must be
// closed when the transaction ends. Its id, and the *Client itself, may have
// belonged to a client closed earlier.
func (m *Manager) NewClient() (*Client, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	c := m.pool.get(m, 0)
	m.metrics.ActiveClients.Inc()
	return c, nil
}

// RenewClient closes old and returns a client that keeps old's generation, so
// a transaction restarted after a deadlock keeps its age. old is left open
// when the manager is closed.
func (m *Manager) RenewClient(old *Client) (*Client, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	generation := old.Generation()
	old.Close()

	c := m.pool.get(m, generation)
	m.metrics.ActiveClients.Inc()
	return c, nil
}

func (m *Manager) releaseClient(c *Client) {
	m.pool.put(c)
	m.metrics.ActiveClients.Dec()
}

func (m *Manager) ActiveClients() int {
	return m.pool.activeCount()
}

// Accept calls visitor for every locked resource with a description of the
// wait-lists of its holders. It is meant for diagnostics; the tables keep
// changing while they are walked.
func (m *Manager) Accept(visitor func(rt ResourceType, resourceID uint64, description string)) {
	for i, table := range m.tables {
		rt := m.types[i]
		table.Range(func(id uint64, l Lock) bool {
			visitor(rt, id, l.DescribeWaitList())
			return true
		})
	}
}

// Close stops handing out clients. Clients still open keep working and are
// reported by the returned count.
func (m *Manager) Close() int {
	m.closed.Store(true)
	open := m.pool.activeCount()
	if open > 0 {
		log.Warn().Int("clients", open).Msg("Lock manager closed with open clients")
	}
	return open
}

func (m *Manager) table(rt ResourceType) *LockTable {
	if rt.ID < 0 || rt.ID >= len(m.tables) {
		panic(errors.Errorf("unknown resource type: %s", rt))
	}
	return m.tables[rt.ID]
}

func (m *Manager) waitStrategy(rt ResourceType) WaitStrategy {
	return m.waits[rt.ID]
}
