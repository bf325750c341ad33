package locks

import (
	"sync"

	"github.com/google/btree"
)

const DefaultClientReuseBound = 1024

// clientPool hands out clients with small ids. Released ids go back to an
// ordered free set and the lowest one is handed out first, so ids and
// wait-lists stay as small as the peak number of concurrent clients. Client
// objects with an id below reuseBound are kept and reused as a whole.
type clientPool struct {
	mu         sync.Mutex
	freeIDs    *btree.BTreeG[int]
	idle       map[int]*Client
	nextID     int
	reuseBound int
	generation uint64
	active     int
}

func newClientPool(reuseBound int) *clientPool {
	return &clientPool{
		freeIDs:    btree.NewOrderedG[int](8),
		idle:       map[int]*Client{},
		reuseBound: reuseBound,
	}
}

// get leases a client. A zero generation draws the next one from the pool.
func (p *clientPool) get(m *Manager, generation uint64) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()

	var c *Client
	if id, ok := p.freeIDs.DeleteMin(); ok {
		c = p.idle[id]
		delete(p.idle, id)
		if c == nil {
			c = newClient(m, id)
		}
	} else {
		c = newClient(m, p.nextID)
		p.nextID += 1
	}

	if generation == 0 {
		p.generation += 1
		generation = p.generation
	}
	c.generation.Store(generation)
	c.closed = false
	p.active += 1
	return c
}

func (p *clientPool) put(c *Client) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.freeIDs.ReplaceOrInsert(c.id)
	if c.id < p.reuseBound {
		p.idle[c.id] = c
	}
	p.active -= 1
}

func (p *clientPool) activeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}
